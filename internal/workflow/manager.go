package workflow

import (
	"context"
	"log/slog"
	"sync"

	"medpipe/internal/bus"
	"medpipe/internal/config"
	"medpipe/internal/events"
	"medpipe/internal/ledger"
	"medpipe/internal/logging"
	"medpipe/internal/stage"
)

// Manager subscribes every configured stage to its input topic and keeps the
// consumers running until stopped.
type Manager struct {
	cfg    *config.Config
	store  *ledger.Store
	bus    bus.Bus
	logger *slog.Logger

	mu       sync.RWMutex
	stages   []configuredStage
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}
	runErr   error
	lastErr  error
	handled  map[string]int64
	inFlight int
}

// StageSet bundles the concrete handlers the manager orchestrates. A nil
// handler leaves its stage unsubscribed, which lets one process run a subset
// of the pipeline.
type StageSet struct {
	Validator  stage.Handler
	Descriptor stage.Handler
	Archiver   stage.Handler
}

// redeliveryTuner is implemented by buses whose redelivery curve can be set per topic.
type redeliveryTuner interface {
	SetRedelivery(topic events.Topic, policy bus.Redelivery)
}

// NewManager constructs a workflow manager.
func NewManager(cfg *config.Config, store *ledger.Store, b bus.Bus, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		store:   store,
		bus:     b,
		logger:  logging.NewComponentLogger(logger, "workflow"),
		handled: make(map[string]int64),
	}
}
