package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gofrs/flock"

	"medpipe/internal/api"
	"medpipe/internal/bus"
	"medpipe/internal/config"
	"medpipe/internal/ledger"
	"medpipe/internal/logging"
	"medpipe/internal/notifications"
	"medpipe/internal/preflight"
	"medpipe/internal/sweep"
	"medpipe/internal/workflow"
)

// Daemon coordinates the background processing services and enforces
// single-instance execution per consumer name.
type Daemon struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *ledger.Store
	bus      bus.Bus
	workflow *workflow.Manager
	sweeper  *sweep.Sweeper
	api      *api.Server
	notifier notifications.Service

	lockPath string
	lock     *flock.Flock

	mu         sync.Mutex
	running    atomic.Bool
	cancel     context.CancelFunc
	apiDone    chan error
	notifyDone chan struct{}
}

// Status represents daemon runtime information.
type Status struct {
	Running      bool
	Workflow     workflow.StatusSummary
	LedgerDriver string
	BusBackend   string
	APIBind      string
	LockFilePath string
	Notify       bool
}

// New constructs a daemon with initialized dependencies.
func New(cfg *config.Config, store *ledger.Store, b bus.Bus, logger *slog.Logger, wf *workflow.Manager) (*Daemon, error) {
	if cfg == nil || store == nil || b == nil || logger == nil || wf == nil {
		return nil, errors.New("daemon requires config, store, bus, logger, and workflow manager")
	}

	lockPath := LockPath(cfg)
	d := &Daemon{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		store:    store,
		bus:      b,
		workflow: wf,
		sweeper:  sweep.New(cfg, store, b, logger),
		notifier: notifications.NewService(cfg),
		lockPath: lockPath,
		lock:     flock.New(lockPath),
	}
	studies := api.NewStudyService(store, cfg.API.CacheSize, cfg.API.CacheTTLDuration())
	d.api = api.NewServer(studies, wf.Status, logger)
	return d, nil
}

// LockPath returns the instance lock for cfg's consumer name.
func LockPath(cfg *config.Config) string {
	return filepath.Join(cfg.Paths.LogDir, fmt.Sprintf("medpipe-%s.lock", cfg.Bus.Consumer))
}

// Start acquires the instance lock, runs preflight, and launches consumers,
// the sweep, and the status API.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	if err := os.MkdirAll(filepath.Dir(d.lockPath), 0o755); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}
	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("another medpipe daemon is already running as consumer %q", d.cfg.Bus.Consumer)
	}

	if err := d.preflight(ctx); err != nil {
		_ = d.lock.Unlock()
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := d.workflow.Start(runCtx); err != nil {
		_ = d.lock.Unlock()
		cancel()
		return fmt.Errorf("start workflow: %w", err)
	}
	if _, err := d.sweeper.Start(runCtx); err != nil {
		cancel()
		d.workflow.Stop()
		_ = d.lock.Unlock()
		return fmt.Errorf("start sweep: %w", err)
	}

	d.apiDone = nil
	if bind := strings.TrimSpace(d.cfg.API.Bind); bind != "" {
		done := make(chan error, 1)
		d.apiDone = done
		go func() {
			err := d.api.ListenAndServe(runCtx, bind)
			if err != nil {
				logging.ErrorWithContext(d.logger, "status api failed", "api_failed",
					logging.Error(err),
					logging.String(logging.FieldErrorHint, "check api.bind is free"),
					logging.String(logging.FieldImpact, "status queries unavailable; processing continues"),
				)
			}
			done <- err
		}()
	}

	d.notifyDone = nil
	if d.notifier.Enabled() {
		done := make(chan struct{})
		d.notifyDone = done
		go func() {
			defer close(done)
			if err := notifications.Watch(runCtx, d.bus, d.cfg.Bus.Group+"-notify", d.notifier, d.logger); err != nil {
				d.logger.Warn("failure notifications stopped", logging.Error(err))
			}
		}()
	}

	d.cancel = cancel
	d.running.Store(true)
	d.logger.Info("medpipe daemon started",
		logging.String(logging.FieldEventType, "daemon_started"),
		logging.String("lock", d.lockPath),
		logging.String("bus", d.cfg.Bus.Backend),
		logging.String("ledger", d.store.Driver()),
		logging.String("api", d.cfg.API.Bind),
	)
	return nil
}

func (d *Daemon) preflight(ctx context.Context) error {
	for _, dir := range []string{d.cfg.Paths.ScratchDir, d.cfg.Paths.ArchiveDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	results := preflight.RunAll(ctx, d.cfg, preflight.Dependencies{Ledger: d.store, Bus: d.bus})
	failed := preflight.Failed(results)
	if len(failed) == 0 {
		return nil
	}
	details := make([]string, 0, len(failed))
	for _, r := range failed {
		details = append(details, r.Name+": "+r.Detail)
		logging.ErrorWithContext(d.logger, "preflight check failed", "preflight_failed",
			logging.String("check", r.Name),
			logging.String("detail", r.Detail),
		)
	}
	return fmt.Errorf("preflight failed: %s", strings.Join(details, "; "))
}

// Stop stops background processing and releases the daemon lock. In-flight
// studies keep their lease until it lapses; redelivery then resumes them.
func (d *Daemon) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running.Load() {
		return
	}

	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.workflow.Stop()
	if d.apiDone != nil {
		<-d.apiDone
		d.apiDone = nil
	}
	if d.notifyDone != nil {
		<-d.notifyDone
		d.notifyDone = nil
	}
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("medpipe daemon stopped", logging.String(logging.FieldEventType, "daemon_stopped"))
}

// Close releases resources held by the daemon.
func (d *Daemon) Close() error {
	d.Stop()
	return errors.Join(d.bus.Close(), d.store.Close())
}

// Sweep runs the stuck-study sweep once.
func (d *Daemon) Sweep(ctx context.Context) (sweep.Report, error) {
	return d.sweeper.Once(ctx)
}

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) Status {
	return Status{
		Running:      d.running.Load(),
		Workflow:     d.workflow.Status(ctx),
		LedgerDriver: d.store.Driver(),
		BusBackend:   d.cfg.Bus.Backend,
		APIBind:      d.cfg.API.Bind,
		LockFilePath: d.lockPath,
		Notify:       d.notifier.Enabled(),
	}
}
