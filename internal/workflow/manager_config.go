package workflow

import (
	"fmt"

	"medpipe/internal/bus"
	"medpipe/internal/config"
	"medpipe/internal/stage"
	"medpipe/internal/stageexec"
)

type configuredStage struct {
	spec    stage.Spec
	handler stage.Handler
	runners []*stageexec.Runner
}

// ConfigureStages registers the stage handlers and builds one runner per
// consumer. Each consumer claims under its own owner name.
func (m *Manager) ConfigureStages(set StageSet) error {
	pairs := []struct {
		spec    stage.Spec
		handler stage.Handler
	}{
		{stage.Validator, set.Validator},
		{stage.Descriptor, set.Descriptor},
		{stage.Archiver, set.Archiver},
	}

	stages := make([]configuredStage, 0, len(pairs))
	for _, pair := range pairs {
		if pair.handler == nil {
			continue
		}
		settings := m.cfg.WorkersFor(pair.spec.Name)
		policy := m.cfg.RetryFor(pair.spec.Name)
		configured := configuredStage{spec: pair.spec, handler: pair.handler}
		for i := range settings.Concurrency {
			runner, err := stageexec.New(stageexec.Options{
				Logger:      m.logger,
				Store:       m.store,
				Publisher:   m.bus,
				Spec:        pair.spec,
				Handler:     pair.handler,
				Owner:       fmt.Sprintf("%s/%s/%d", m.cfg.Bus.Consumer, pair.spec.Name, i),
				Lease:       m.cfg.Workflow.LeaseDuration(),
				Heartbeat:   m.cfg.Workflow.HeartbeatEvery(),
				Timeout:     settings.CallTimeout(),
				MaxAttempts: policy.MaxAttempts,
			})
			if err != nil {
				return err
			}
			configured.runners = append(configured.runners, runner)
		}
		if tuner, ok := m.bus.(redeliveryTuner); ok {
			tuner.SetRedelivery(pair.spec.Input, redeliveryFor(policy))
		}
		stages = append(stages, configured)
	}

	m.mu.Lock()
	m.stages = stages
	m.mu.Unlock()
	return nil
}

func redeliveryFor(policy config.RetryPolicy) bus.Redelivery {
	return bus.Redelivery{
		Initial:    policy.Initial(),
		Max:        policy.Max(),
		Multiplier: 2,
		Jitter:     0.2,
	}
}
