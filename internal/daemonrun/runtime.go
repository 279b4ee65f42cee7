package daemonrun

import (
	"errors"
	"fmt"
	"log/slog"

	"medpipe/internal/archive"
	"medpipe/internal/archiver"
	"medpipe/internal/bus"
	"medpipe/internal/config"
	"medpipe/internal/descriptor"
	"medpipe/internal/dicomtags"
	"medpipe/internal/intake"
	"medpipe/internal/ledger"
	"medpipe/internal/validator"
	"medpipe/internal/workflow"
)

// Runtime is the assembled set of services one process runs.
type Runtime struct {
	Config   *config.Config
	Logger   *slog.Logger
	Store    *ledger.Store
	Bus      bus.Bus
	Workflow *workflow.Manager
	Intake   *intake.Service
}

// Build opens the ledger and bus and wires every stage handler. The caller
// owns the returned Runtime and must Close it.
func Build(cfg *config.Config, logger *slog.Logger) (*Runtime, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	store, err := ledger.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	b, err := bus.Open(cfg, logger)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("open bus: %w", err)
	}

	reader := dicomtags.NewDICOMReader()
	mgr := workflow.NewManager(cfg, store, b, logger)
	if err := mgr.ConfigureStages(workflow.StageSet{
		Validator:  validator.New(cfg, reader, logger),
		Descriptor: descriptor.New(reader, logger),
		Archiver:   archiver.New(archive.New(cfg.Paths.ArchiveDir), logger),
	}); err != nil {
		_ = b.Close()
		_ = store.Close()
		return nil, fmt.Errorf("configure stages: %w", err)
	}

	return &Runtime{
		Config:   cfg,
		Logger:   logger,
		Store:    store,
		Bus:      b,
		Workflow: mgr,
		Intake:   intake.New(cfg, store, b, logger),
	}, nil
}

// Close stops the workflow and releases the bus and ledger.
func (r *Runtime) Close() error {
	r.Workflow.Stop()
	return errors.Join(r.Bus.Close(), r.Store.Close())
}
