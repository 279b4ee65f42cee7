package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/robfig/cron/v3"

	"medpipe/internal/config"
	"medpipe/internal/events"
	"medpipe/internal/ledger"
	"medpipe/internal/logging"
	"medpipe/internal/scratch"
	"medpipe/internal/stage"
)

// LockName is the lock file created in the scratch directory.
const LockName = ".sweep.lock"

// Publisher is the slice of the bus a Sweeper needs.
type Publisher interface {
	Publish(ctx context.Context, evt events.Event) error
}

// Report summarizes one sweep.
type Report struct {
	Skipped     bool
	Stuck       int
	Republished int
	Failed      int
	Reclaimed   int
}

// Sweeper finds idle unfinished studies and republishes their trigger event.
type Sweeper struct {
	cfg       *config.Config
	store     *ledger.Store
	publisher Publisher
	logger    *slog.Logger
	mu        sync.Mutex
	lock      *flock.Flock
	now       func() time.Time
}

// New constructs a Sweeper.
func New(cfg *config.Config, store *ledger.Store, publisher Publisher, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		cfg:       cfg,
		store:     store,
		publisher: publisher,
		logger:    logging.NewComponentLogger(logger, "sweep"),
		lock:      flock.New(filepath.Join(cfg.Paths.ScratchDir, LockName)),
		now:       time.Now,
	}
}

// sweptStatuses are the statuses a stage can resume from.
func sweptStatuses() []ledger.Status {
	var out []ledger.Status
	for _, spec := range stage.All() {
		out = append(out, spec.Ready, spec.Processing)
	}
	return out
}

// Once runs a single sweep. When another process holds the sweep lock the
// run is skipped.
func (s *Sweeper) Once(ctx context.Context) (Report, error) {
	// flock is per file handle, so runs within this process need their own guard.
	if !s.mu.TryLock() {
		return Report{Skipped: true}, nil
	}
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.lock.Path()), 0o755); err != nil {
		return Report{}, fmt.Errorf("create lock directory: %w", err)
	}
	locked, err := s.lock.TryLock()
	if err != nil {
		return Report{}, fmt.Errorf("acquire sweep lock: %w", err)
	}
	if !locked {
		s.logger.Debug("sweep skipped; lock held elsewhere", logging.String("lock", s.lock.Path()))
		return Report{Skipped: true}, nil
	}
	defer func() {
		if err := s.lock.Unlock(); err != nil {
			s.logger.Warn("failed to release sweep lock", logging.Error(err))
		}
	}()

	cutoff := s.now().Add(-s.cfg.Workflow.StuckThreshold())
	stuck, err := s.store.Stuck(ctx, sweptStatuses(), cutoff)
	if err != nil {
		return Report{}, fmt.Errorf("find stuck studies: %w", err)
	}

	report := Report{Stuck: len(stuck)}
	var errs []error
	for _, study := range stuck {
		spec, ok := stage.ForReady(study.Status)
		if !ok {
			continue
		}
		evt, err := events.New(spec.TriggerEvent(study))
		if err == nil {
			err = s.publisher.Publish(ctx, evt)
		}
		if err != nil {
			report.Failed++
			errs = append(errs, fmt.Errorf("%s: %w", study.StudyID, err))
			continue
		}
		report.Republished++
		s.logger.Info("republished stuck study",
			logging.String(logging.FieldEventType, "study_republished"),
			logging.String(logging.FieldStudyID, study.StudyID),
			logging.String("status", string(study.Status)),
			logging.String(logging.FieldTopic, string(evt.Topic)),
			logging.Duration("idle", s.now().Sub(study.UpdatedAt).Round(time.Second)),
		)
	}

	reclaimed := scratch.Reclaim(ctx, s.cfg.Paths.ScratchDir, s.store, scratch.Options{
		Grace:           s.cfg.Workflow.StuckThreshold(),
		FailedRetention: s.cfg.Intake.ScratchRetention(),
		Now:             s.now(),
	}, s.logger)
	report.Reclaimed = len(reclaimed.Removed)
	for _, e := range reclaimed.Errors {
		errs = append(errs, fmt.Errorf("reclaim %s: %w", e.Path, e.Error))
	}

	if report.Stuck > 0 || report.Reclaimed > 0 {
		s.logger.Info("sweep complete",
			logging.String(logging.FieldEventType, "sweep_complete"),
			logging.Int("stuck", report.Stuck),
			logging.Int("republished", report.Republished),
			logging.Int("failed", report.Failed),
			logging.Int("reclaimed", report.Reclaimed),
		)
	}
	return report, errors.Join(errs...)
}

// Start schedules Once on the configured cron expression until ctx is
// cancelled. The returned cron is already running.
func (s *Sweeper) Start(ctx context.Context) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(s.cfg.Workflow.SweepSchedule, func() {
		if _, err := s.Once(ctx); err != nil {
			logging.WarnWithContext(s.logger, "sweep failed", "sweep_failed",
				logging.Error(err),
				logging.String(logging.FieldImpact, "stuck studies wait for the next sweep"),
			)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("schedule sweep %q: %w", s.cfg.Workflow.SweepSchedule, err)
	}
	c.Start()

	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
	}()
	return c, nil
}
