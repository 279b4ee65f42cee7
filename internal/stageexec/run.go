package stageexec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"medpipe/internal/events"
	"medpipe/internal/ledger"
	"medpipe/internal/logging"
	"medpipe/internal/services"
	"medpipe/internal/stage"
)

const (
	defaultTimeout = time.Minute
	abandonTimeout = 5 * time.Second
)

// ErrInProgress asks the bus to redeliver while another worker holds a live lease.
var ErrInProgress = errors.New("study claimed by another worker")

// Publisher is the slice of the bus a Runner needs.
type Publisher interface {
	Publish(ctx context.Context, evt events.Event) error
}

// Options controls how a Runner claims, executes, and records one stage.
type Options struct {
	Logger      *slog.Logger
	Store       *ledger.Store
	Publisher   Publisher
	Spec        stage.Spec
	Handler     stage.Handler
	Owner       string
	Lease       time.Duration
	Heartbeat   time.Duration
	Timeout     time.Duration
	MaxAttempts int
}

// Runner applies the shared claim/execute/escalate algorithm for one stage.
// Its Handle method is a bus.Handler.
type Runner struct {
	opts   Options
	logger *slog.Logger
}

// New validates opts and builds a Runner.
func New(opts Options) (*Runner, error) {
	if opts.Store == nil {
		return nil, errors.New("stageexec: ledger store is required")
	}
	if opts.Publisher == nil {
		return nil, errors.New("stageexec: publisher is required")
	}
	if opts.Handler == nil {
		return nil, fmt.Errorf("stageexec: handler unavailable: %s", opts.Spec.Name)
	}
	if opts.Spec.FailureEvent == nil {
		return nil, fmt.Errorf("stageexec: stage %s has no failure event", opts.Spec.Name)
	}
	if strings.TrimSpace(opts.Owner) == "" {
		return nil, errors.New("stageexec: owner is required")
	}
	if opts.Lease <= 0 {
		return nil, errors.New("stageexec: lease must be positive")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	return &Runner{
		opts:   opts,
		logger: logging.NewComponentLogger(opts.Logger, "worker"),
	}, nil
}

// Spec returns the stage this runner serves.
func (r *Runner) Spec() stage.Spec {
	return r.opts.Spec
}

// Handle processes one delivery. A nil return acknowledges the event: the
// study was advanced, escalated, already past this stage, or unknown. A
// non-nil return requests redelivery.
func (r *Runner) Handle(ctx context.Context, evt events.Event) error {
	spec := r.opts.Spec
	ctx = services.WithStudyID(ctx, evt.StudyID)
	ctx = services.WithStage(ctx, spec.Name)
	ctx = services.WithTopic(ctx, string(evt.Topic))
	ctx = services.WithRequestID(ctx, evt.ID)
	logger := logging.WithContext(ctx, r.logger)

	if evt.Topic != spec.Input {
		logging.WarnWithContext(logger, "ignoring event for another stage", "event_misrouted",
			logging.String("expected_topic", string(spec.Input)),
			logging.String(logging.FieldImpact, "event is acknowledged without processing"),
		)
		return nil
	}

	claim, err := r.opts.Store.Claim(ctx, evt.StudyID, spec.Ready, spec.Processing, r.opts.Owner, r.opts.Lease)
	if errors.Is(err, ledger.ErrNotFound) {
		logging.WarnWithContext(logger, "dropping event for unknown study", "poison_event",
			logging.String(logging.FieldImpact, "event is acknowledged and discarded"),
			logging.String(logging.FieldErrorHint, "study ids are created at intake; check the publisher"),
		)
		recordRun(spec.Name, outcomePoison)
		return nil
	}
	if err != nil {
		recordRun(spec.Name, outcomeRetry)
		return fmt.Errorf("claim %s: %w", evt.StudyID, err)
	}
	if !claim.Claimed {
		return r.unclaimed(logger, claim)
	}

	logger.Info("study claimed",
		logging.String(logging.FieldEventType, "study_claimed"),
		logging.Int("attempts", claim.Attempts),
	)

	study, err := r.opts.Store.Get(ctx, evt.StudyID)
	if err != nil {
		return r.release(ctx, logger, evt.StudyID, err)
	}
	if claim.Attempts >= r.opts.MaxAttempts {
		return r.escalate(ctx, logger, evt.StudyID, study.LastError, claim.Attempts)
	}

	start := time.Now()
	outcome, execErr := r.execute(ctx, study)
	observeDuration(spec.Name, time.Since(start))
	if execErr != nil {
		if ctx.Err() != nil {
			r.abandon(ctx, logger, evt.StudyID)
			return ctx.Err()
		}
		if !services.IsRetryable(execErr) {
			return r.escalate(ctx, logger, evt.StudyID, services.Reason(execErr), claim.Attempts+1)
		}
		return r.release(ctx, logger, evt.StudyID, execErr)
	}
	return r.complete(ctx, logger, evt.StudyID, outcome)
}

func (r *Runner) unclaimed(logger *slog.Logger, claim ledger.Claim) error {
	spec := r.opts.Spec
	switch {
	case claim.Status.Rank() > spec.Processing.Rank():
		logger.Debug("study already past stage; acknowledging duplicate",
			logging.String(logging.FieldEventType, "duplicate_delivery"),
			logging.String("status", string(claim.Status)),
		)
		recordRun(spec.Name, outcomeDuplicate)
		return nil
	case claim.Status == spec.Processing:
		logger.Debug("study held by another worker; requesting redelivery",
			logging.String(logging.FieldEventType, "claim_busy"),
		)
		recordRun(spec.Name, outcomeBusy)
		return ErrInProgress
	default:
		// Trigger events are published only after the ledger reaches the
		// ready status, so no later write can make this delivery claimable.
		logging.WarnWithContext(logger, "dropping event for study not yet at stage", "stale_event",
			logging.String("status", string(claim.Status)),
			logging.String("ready_status", string(spec.Ready)),
			logging.String(logging.FieldImpact, "event is acknowledged; the stage runs from its own trigger event"),
		)
		recordRun(spec.Name, outcomeStale)
		return nil
	}
}

// abandon hands the lease back on shutdown so the stopped run does not count
// as an attempt. If the ledger is unreachable the lease lapses instead.
func (r *Runner) abandon(ctx context.Context, logger *slog.Logger, studyID string) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abandonTimeout)
	defer cancel()
	if err := r.opts.Store.Abandon(releaseCtx, studyID, r.opts.Owner); err != nil {
		logging.WarnWithContext(logger, "could not hand back lease on shutdown", "abandon_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "the next claim after the lease lapses counts an attempt"),
		)
		return
	}
	logger.Info("lease handed back on shutdown", logging.String(logging.FieldEventType, "claim_abandoned"))
}

// execute runs the handler under the per-call timeout while keeping the lease alive.
func (r *Runner) execute(ctx context.Context, study *ledger.Study) (outcome stage.Outcome, err error) {
	spec := r.opts.Spec

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	var wg sync.WaitGroup
	if r.opts.Heartbeat > 0 {
		wg.Add(1)
		go r.heartbeat(hbCtx, &wg, study.StudyID)
	}
	defer func() {
		stopHeartbeat()
		wg.Wait()
	}()

	callCtx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()
	defer func() {
		if rec := recover(); rec != nil {
			err = services.Wrap(services.ErrTransient, spec.Name, "execute", fmt.Sprintf("handler panic: %v", rec), nil)
		}
	}()

	outcome, err = r.opts.Handler.Execute(callCtx, study)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil && !errors.Is(err, services.ErrTimeout) {
		err = services.Wrap(services.ErrTimeout, spec.Name, "execute",
			fmt.Sprintf("stage exceeded %s", r.opts.Timeout), err)
	}
	return outcome, err
}

func (r *Runner) heartbeat(ctx context.Context, wg *sync.WaitGroup, studyID string) {
	defer wg.Done()
	ticker := time.NewTicker(r.opts.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.opts.Store.Heartbeat(ctx, studyID, r.opts.Owner, r.opts.Lease); err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				logging.WarnWithContext(logging.WithContext(ctx, r.logger), "lease heartbeat failed", "heartbeat_failed",
					logging.Error(err),
					logging.String(logging.FieldImpact, "another worker may resume this study after the lease lapses"),
				)
			}
		}
	}
}

func (r *Runner) complete(ctx context.Context, logger *slog.Logger, studyID string, outcome stage.Outcome) error {
	spec := r.opts.Spec
	if outcome.Status == "" || outcome.Event == nil {
		return r.release(ctx, logger, studyID,
			services.Wrap(services.ErrTransient, spec.Name, "complete", "handler returned an empty outcome", nil))
	}
	res, err := r.opts.Store.SetStatus(ctx, studyID, outcome.Status, outcome.Details)
	if err != nil {
		return r.release(ctx, logger, studyID, err)
	}
	if !res.Applied {
		logger.Info("status already advanced; skipping publish",
			logging.String(logging.FieldEventType, "stage_superseded"),
			logging.String("status", string(res.Status)),
		)
		recordRun(spec.Name, outcomeDuplicate)
		return nil
	}
	if err := r.publish(ctx, logger, outcome.Event); err != nil {
		return err
	}
	logger.Info("stage completed",
		logging.String(logging.FieldEventType, "stage_complete"),
		logging.String("status", string(outcome.Status)),
	)
	recordRun(spec.Name, outcomeApplied)
	return nil
}

func (r *Runner) release(ctx context.Context, logger *slog.Logger, studyID string, cause error) error {
	spec := r.opts.Spec
	reason := services.Reason(cause)
	attempts, err := r.opts.Store.Release(ctx, studyID, r.opts.Owner, reason)
	if errors.Is(err, ledger.ErrLeaseLost) {
		logging.WarnWithContext(logger, "lease lost before release", "lease_lost",
			logging.Error(cause),
			logging.String(logging.FieldImpact, "the current lease holder owns the study"),
		)
		recordRun(spec.Name, outcomeDuplicate)
		return nil
	}
	if err != nil {
		recordRun(spec.Name, outcomeRetry)
		return fmt.Errorf("release after %v: %w", cause, err)
	}
	if attempts >= r.opts.MaxAttempts {
		return r.escalate(ctx, logger, studyID, reason, attempts)
	}
	details := services.Details(cause)
	logging.WarnWithContext(logger, "stage attempt failed; will retry", "stage_retry",
		logging.Int("attempt", attempts),
		logging.Int("max_attempts", r.opts.MaxAttempts),
		logging.String(logging.FieldErrorKind, string(details.Kind)),
		logging.Error(cause),
		logging.String(logging.FieldImpact, "event will be redelivered"),
	)
	recordRun(spec.Name, outcomeRetry)
	return cause
}

func (r *Runner) escalate(ctx context.Context, logger *slog.Logger, studyID, reason string, attempts int) error {
	spec := r.opts.Spec
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "retries exhausted"
	}
	res, err := r.opts.Store.SetStatus(ctx, studyID, spec.Failed, spec.FailDetails(reason))
	if err != nil {
		recordRun(spec.Name, outcomeRetry)
		return fmt.Errorf("escalate to %s: %w", spec.Failed, err)
	}
	if !res.Applied {
		recordRun(spec.Name, outcomeDuplicate)
		return nil
	}
	logging.ErrorWithContext(logger, "stage failed permanently", "stage_failed",
		logging.String("status", string(spec.Failed)),
		logging.String("reason", reason),
		logging.Int("attempts", attempts),
	)
	recordRun(spec.Name, outcomeFailed)
	return r.publish(ctx, logger, spec.FailureEvent(studyID, reason))
}

// publish failures leave the ledger ahead of the bus; the stuck sweep
// republishes trigger events for studies parked in a ready status.
func (r *Runner) publish(ctx context.Context, logger *slog.Logger, payload events.Payload) error {
	evt, err := events.New(payload)
	if err != nil {
		return fmt.Errorf("build %s event: %w", payload.Topic(), err)
	}
	if err := r.opts.Publisher.Publish(ctx, evt); err != nil {
		logging.WarnWithContext(logger, "publish failed after status write", "publish_failed",
			logging.String(logging.FieldTopic, string(evt.Topic)),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check bus connectivity; the stuck sweep republishes"),
		)
		return fmt.Errorf("publish %s: %w", evt.Topic, err)
	}
	return nil
}
