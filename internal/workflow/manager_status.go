package workflow

import (
	"context"

	"medpipe/internal/ledger"
	"medpipe/internal/logging"
	"medpipe/internal/stage"
)

// StatusSummary represents lightweight workflow diagnostics.
type StatusSummary struct {
	Running     bool
	LastError   string
	InFlight    int
	Handled     map[string]int64
	Studies     ledger.Summary
	StageHealth map[string]stage.Health
}

// Status returns the latest workflow information.
func (m *Manager) Status(ctx context.Context) StatusSummary {
	m.mu.RLock()
	summary := StatusSummary{
		Running:  m.running,
		InFlight: m.inFlight,
		Handled:  make(map[string]int64, len(m.handled)),
	}
	for name, n := range m.handled {
		summary.Handled[name] = n
	}
	if m.lastErr != nil {
		summary.LastError = m.lastErr.Error()
	}
	stages := append([]configuredStage(nil), m.stages...)
	m.mu.RUnlock()

	studies, err := m.store.Summary(ctx)
	if err != nil {
		m.logger.Warn("failed to read ledger summary", logging.Error(err))
	}
	summary.Studies = studies

	summary.StageHealth = make(map[string]stage.Health, len(stages))
	for _, stg := range stages {
		summary.StageHealth[stg.spec.Name] = stg.handler.HealthCheck(ctx)
	}
	return summary
}
