package stageexec_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"medpipe/internal/events"
	"medpipe/internal/ledger"
	"medpipe/internal/logging"
	"medpipe/internal/services"
	"medpipe/internal/stage"
	"medpipe/internal/stageexec"
	"medpipe/internal/testsupport"
)

type stubHandler struct {
	calls   atomic.Int64
	execute func(ctx context.Context, study *ledger.Study) (stage.Outcome, error)
}

func (s *stubHandler) Execute(ctx context.Context, study *ledger.Study) (stage.Outcome, error) {
	s.calls.Add(1)
	return s.execute(ctx, study)
}

func (s *stubHandler) HealthCheck(context.Context) stage.Health {
	return stage.Healthy("stub")
}

func passValidation(_ context.Context, study *ledger.Study) (stage.Outcome, error) {
	return stage.Outcome{
		Status:  ledger.StatusValidated,
		Details: ledger.Details{Validation: &ledger.ValidationResult{Passed: true}},
		Event:   events.Validated{StudyID: study.StudyID},
	}, nil
}

type fixture struct {
	store     *ledger.Store
	publisher *testsupport.RecordingPublisher
	handler   *stubHandler
	runner    *stageexec.Runner
}

func newFixture(t *testing.T, spec stage.Spec, execute func(context.Context, *ledger.Study) (stage.Outcome, error), mutate ...func(*stageexec.Options)) *fixture {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	f := &fixture{
		store:     testsupport.MustOpenLedger(t, cfg),
		publisher: &testsupport.RecordingPublisher{},
		handler:   &stubHandler{execute: execute},
	}
	opts := stageexec.Options{
		Logger:      logging.NewNop(),
		Store:       f.store,
		Publisher:   f.publisher,
		Spec:        spec,
		Handler:     f.handler,
		Owner:       "worker-1",
		Lease:       time.Minute,
		Heartbeat:   10 * time.Millisecond,
		Timeout:     time.Second,
		MaxAttempts: 3,
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	runner, err := stageexec.New(opts)
	if err != nil {
		t.Fatalf("stageexec.New: %v", err)
	}
	f.runner = runner
	return f
}

func uploadedEvent(t *testing.T, studyID string) events.Event {
	t.Helper()
	evt, err := events.New(events.Uploaded{StudyID: studyID, ArtifactLocation: "/scratch/" + studyID + ".dcm"})
	if err != nil {
		t.Fatalf("events.New: %v", err)
	}
	return evt
}

func validatedEvent(t *testing.T, studyID string) events.Event {
	t.Helper()
	evt, err := events.New(events.Validated{StudyID: studyID})
	if err != nil {
		t.Fatalf("events.New: %v", err)
	}
	return evt
}

func TestNewRejectsIncompleteOptions(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenLedger(t, cfg)
	base := stageexec.Options{
		Store:     store,
		Publisher: &testsupport.RecordingPublisher{},
		Spec:      stage.Validator,
		Handler:   &stubHandler{execute: passValidation},
		Owner:     "w",
		Lease:     time.Minute,
	}
	tests := []struct {
		name   string
		mutate func(*stageexec.Options)
	}{
		{"no store", func(o *stageexec.Options) { o.Store = nil }},
		{"no publisher", func(o *stageexec.Options) { o.Publisher = nil }},
		{"no handler", func(o *stageexec.Options) { o.Handler = nil }},
		{"no owner", func(o *stageexec.Options) { o.Owner = " " }},
		{"no lease", func(o *stageexec.Options) { o.Lease = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := base
			tt.mutate(&opts)
			if _, err := stageexec.New(opts); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestHandleAdvancesAndPublishes(t *testing.T) {
	f := newFixture(t, stage.Validator, passValidation)
	testsupport.MustCreateStudy(t, f.store, "s-1", "/scratch/s-1.dcm")

	if err := f.runner.Handle(context.Background(), uploadedEvent(t, "s-1")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if got := testsupport.MustStatus(t, f.store, "s-1"); got != ledger.StatusValidated {
		t.Fatalf("status = %s, want validated", got)
	}
	published := f.publisher.Events()
	if len(published) != 1 || published[0].Topic != events.TopicValidated || published[0].StudyID != "s-1" {
		t.Fatalf("published = %+v", published)
	}
	study, err := f.store.Get(context.Background(), "s-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if study.ClaimOwner != "" || study.ClaimExpires != nil {
		t.Fatalf("claim not cleared: %+v", study)
	}
}

func TestDuplicateDeliveriesPublishOnce(t *testing.T) {
	f := newFixture(t, stage.Validator, func(ctx context.Context, study *ledger.Study) (stage.Outcome, error) {
		time.Sleep(5 * time.Millisecond)
		return passValidation(ctx, study)
	})
	testsupport.MustCreateStudy(t, f.store, "s-dup", "/scratch/s-dup.dcm")
	evt := uploadedEvent(t, "s-dup")

	const deliveries = 16
	var wg sync.WaitGroup
	errs := make(chan error, deliveries)
	for range deliveries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Redeliver until acknowledged, as the bus would.
			deadline := time.Now().Add(5 * time.Second)
			for time.Now().Before(deadline) {
				err := f.runner.Handle(context.Background(), evt)
				if err == nil {
					return
				}
				if !errors.Is(err, stageexec.ErrInProgress) {
					errs <- err
					return
				}
				time.Sleep(2 * time.Millisecond)
			}
			errs <- errors.New("delivery never acknowledged")
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("delivery error: %v", err)
	}
	if got := f.publisher.Count(events.TopicValidated); got != 1 {
		t.Fatalf("validated published %d times, want 1", got)
	}
	if got := f.handler.calls.Load(); got != 1 {
		t.Fatalf("handler ran %d times, want 1", got)
	}
}

func TestHandleAcknowledgesStudyAlreadyPastStage(t *testing.T) {
	f := newFixture(t, stage.Validator, passValidation)
	testsupport.MustCreateStudy(t, f.store, "s-2", "/scratch/s-2.dcm")
	if err := f.runner.Handle(context.Background(), uploadedEvent(t, "s-2")); err != nil {
		t.Fatalf("first Handle: %v", err)
	}
	if err := f.runner.Handle(context.Background(), uploadedEvent(t, "s-2")); err != nil {
		t.Fatalf("second Handle: %v", err)
	}
	if got := len(f.publisher.Events()); got != 1 {
		t.Fatalf("published %d events, want 1", got)
	}
}

func TestHandleDropsUnknownStudy(t *testing.T) {
	f := newFixture(t, stage.Validator, passValidation)
	if err := f.runner.Handle(context.Background(), uploadedEvent(t, "ghost")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if f.handler.calls.Load() != 0 || len(f.publisher.Events()) != 0 {
		t.Fatal("unknown study must not run or publish")
	}
}

func TestHandleIgnoresMisroutedTopic(t *testing.T) {
	f := newFixture(t, stage.Validator, passValidation)
	testsupport.MustCreateStudy(t, f.store, "s-3", "/scratch/s-3.dcm")
	if err := f.runner.Handle(context.Background(), validatedEvent(t, "s-3")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if got := testsupport.MustStatus(t, f.store, "s-3"); got != ledger.StatusUploaded {
		t.Fatalf("status = %s, want uploaded", got)
	}
}

func TestHandleAcknowledgesEventForStudyBeforeStage(t *testing.T) {
	f := newFixture(t, stage.Descriptor, func(context.Context, *ledger.Study) (stage.Outcome, error) {
		t.Fatal("handler must not run")
		return stage.Outcome{}, nil
	})
	testsupport.MustCreateStudy(t, f.store, "s-4", "/scratch/s-4.dcm")
	if err := f.runner.Handle(context.Background(), validatedEvent(t, "s-4")); err != nil {
		t.Fatalf("Handle error = %v, want acknowledgement", err)
	}
	if got := testsupport.MustStatus(t, f.store, "s-4"); got != ledger.StatusUploaded {
		t.Fatalf("status = %s, want uploaded", got)
	}
	if n := len(f.publisher.Events()); n != 0 {
		t.Fatalf("published %d events, want none", n)
	}
}

func TestCrashedOwnersCountTowardCeiling(t *testing.T) {
	f := newFixture(t, stage.Validator, passValidation)
	ctx := context.Background()
	testsupport.MustCreateStudy(t, f.store, "s-9", "/scratch/s-9.dcm")

	// Three workers die holding the lease; each takeover happens after expiry.
	now := time.Now()
	for i := range 3 {
		f.store.SetClock(func() time.Time { return now.Add(time.Duration(i) * 2 * time.Minute) })
		claim, err := f.store.Claim(ctx, "s-9", ledger.StatusUploaded, ledger.StatusValidating, fmt.Sprintf("dead-%d", i), time.Minute)
		if err != nil || !claim.Claimed {
			t.Fatalf("claim %d: %+v %v", i, claim, err)
		}
	}
	f.store.SetClock(func() time.Time { return now.Add(10 * time.Minute) })

	if err := f.runner.Handle(ctx, uploadedEvent(t, "s-9")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	study, err := f.store.Get(ctx, "s-9")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if study.Status != ledger.StatusValidationFailed {
		t.Fatalf("status = %s, want validation-failed after repeated crashes", study.Status)
	}
	if f.handler.calls.Load() != 0 {
		t.Fatal("handler must not run once the ceiling is reached")
	}
	published := f.publisher.Events()
	if len(published) != 1 || published[0].Topic != events.TopicValidationFailed {
		t.Fatalf("published = %+v", published)
	}
}

func TestShutdownHandsLeaseBackWithoutAttempt(t *testing.T) {
	started := make(chan struct{})
	f := newFixture(t, stage.Validator, func(ctx context.Context, _ *ledger.Study) (stage.Outcome, error) {
		close(started)
		<-ctx.Done()
		return stage.Outcome{}, ctx.Err()
	})
	testsupport.MustCreateStudy(t, f.store, "s-10", "/scratch/s-10.dcm")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.runner.Handle(ctx, uploadedEvent(t, "s-10")) }()
	<-started
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Handle error = %v, want context.Canceled", err)
	}

	study, err := f.store.Get(context.Background(), "s-10")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if study.ClaimOwner != "" || study.Attempts != 0 || study.Status != ledger.StatusValidating {
		t.Fatalf("study after shutdown = %+v", study)
	}
	claim, err := f.store.Claim(context.Background(), "s-10", ledger.StatusUploaded, ledger.StatusValidating, "worker-2", time.Minute)
	if err != nil || !claim.Claimed || claim.Attempts != 0 {
		t.Fatalf("resume after shutdown: %+v %v", claim, err)
	}
}

func TestTransientFailuresRetryThenEscalate(t *testing.T) {
	transient := services.Wrap(services.ErrTransient, "descriptor", "read tags", "artifact unavailable", errors.New("io timeout"))
	f := newFixture(t, stage.Descriptor, func(context.Context, *ledger.Study) (stage.Outcome, error) {
		return stage.Outcome{}, transient
	})
	ctx := context.Background()
	testsupport.MustCreateStudy(t, f.store, "s-5", "/scratch/s-5.dcm")
	if _, err := f.store.SetStatus(ctx, "s-5", ledger.StatusValidated, ledger.Details{
		Validation: &ledger.ValidationResult{Passed: true},
	}); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	evt := validatedEvent(t, "s-5")

	for attempt := 1; attempt < 3; attempt++ {
		err := f.runner.Handle(ctx, evt)
		if !errors.Is(err, services.ErrTransient) {
			t.Fatalf("attempt %d: error = %v, want transient", attempt, err)
		}
		study, getErr := f.store.Get(ctx, "s-5")
		if getErr != nil {
			t.Fatalf("Get: %v", getErr)
		}
		if study.Status != ledger.StatusDescribing || study.Attempts != attempt || study.ClaimOwner != "" {
			t.Fatalf("attempt %d: study = %+v", attempt, study)
		}
	}

	if err := f.runner.Handle(ctx, evt); err != nil {
		t.Fatalf("final attempt should escalate and ack, got %v", err)
	}
	study, err := f.store.Get(ctx, "s-5")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if study.Status != ledger.StatusDescriptionFailed {
		t.Fatalf("status = %s, want description-failed", study.Status)
	}
	if study.FailureReason == "" {
		t.Fatal("failure reason not recorded")
	}
	published := f.publisher.Events()
	if len(published) != 1 || published[0].Topic != events.TopicDescriptionFailed {
		t.Fatalf("published = %+v", published)
	}
	payload := published[0].Payload.(events.DescriptionFailed)
	if payload.Reason != study.FailureReason {
		t.Fatalf("event reason %q != ledger reason %q", payload.Reason, study.FailureReason)
	}

	// Further redeliveries are duplicates.
	if err := f.runner.Handle(ctx, evt); err != nil {
		t.Fatalf("redelivery after escalation: %v", err)
	}
	if got := f.handler.calls.Load(); got != 3 {
		t.Fatalf("handler ran %d times, want 3", got)
	}
}

func TestPermanentFailureEscalatesImmediately(t *testing.T) {
	f := newFixture(t, stage.Validator, func(context.Context, *ledger.Study) (stage.Outcome, error) {
		return stage.Outcome{}, services.Wrap(services.ErrValidation, "validator", "inspect", "artifact rejected", nil)
	})
	testsupport.MustCreateStudy(t, f.store, "s-6", "/scratch/s-6.dcm")
	if err := f.runner.Handle(context.Background(), uploadedEvent(t, "s-6")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	study, err := f.store.Get(context.Background(), "s-6")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if study.Status != ledger.StatusValidationFailed || study.Validation == nil || study.Validation.Passed {
		t.Fatalf("study = %+v", study)
	}
	if got := f.publisher.Topics(); len(got) != 1 || got[0] != events.TopicValidationFailed {
		t.Fatalf("published = %v", got)
	}
}

func TestPanicIsTreatedAsTransient(t *testing.T) {
	f := newFixture(t, stage.Validator, func(context.Context, *ledger.Study) (stage.Outcome, error) {
		panic("nil map write")
	})
	testsupport.MustCreateStudy(t, f.store, "s-7", "/scratch/s-7.dcm")
	err := f.runner.Handle(context.Background(), uploadedEvent(t, "s-7"))
	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("Handle error = %v, want transient", err)
	}
	study, getErr := f.store.Get(context.Background(), "s-7")
	if getErr != nil {
		t.Fatalf("Get: %v", getErr)
	}
	if study.Attempts != 1 || study.Status != ledger.StatusValidating {
		t.Fatalf("study = %+v", study)
	}
}

func TestTimeoutIsClassified(t *testing.T) {
	f := newFixture(t, stage.Validator, func(ctx context.Context, _ *ledger.Study) (stage.Outcome, error) {
		<-ctx.Done()
		return stage.Outcome{}, ctx.Err()
	}, func(o *stageexec.Options) { o.Timeout = 20 * time.Millisecond })
	testsupport.MustCreateStudy(t, f.store, "s-8", "/scratch/s-8.dcm")
	err := f.runner.Handle(context.Background(), uploadedEvent(t, "s-8"))
	if !errors.Is(err, services.ErrTimeout) {
		t.Fatalf("Handle error = %v, want timeout", err)
	}
}

func TestHeartbeatKeepsLeaseAlive(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, stage.Validator, func(ctx context.Context, study *ledger.Study) (stage.Outcome, error) {
		<-release
		return passValidation(ctx, study)
	}, func(o *stageexec.Options) {
		o.Lease = 60 * time.Millisecond
		o.Heartbeat = 10 * time.Millisecond
	})
	testsupport.MustCreateStudy(t, f.store, "s-9", "/scratch/s-9.dcm")

	done := make(chan error, 1)
	go func() { done <- f.runner.Handle(context.Background(), uploadedEvent(t, "s-9")) }()

	// Outlive several leases; a competing owner must never get the claim.
	time.Sleep(200 * time.Millisecond)
	claim, err := f.store.Claim(context.Background(), "s-9", ledger.StatusUploaded, ledger.StatusValidating, "intruder", time.Minute)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if claim.Claimed {
		t.Fatal("lease lapsed while the handler was running")
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Handle: %v", err)
	}
}

func TestPublishFailureLeavesStatusAdvanced(t *testing.T) {
	f := newFixture(t, stage.Validator, passValidation)
	testsupport.MustCreateStudy(t, f.store, "s-10", "/scratch/s-10.dcm")
	f.publisher.FailWith(errors.New("bus down"))

	if err := f.runner.Handle(context.Background(), uploadedEvent(t, "s-10")); err == nil {
		t.Fatal("expected publish error")
	}
	if got := testsupport.MustStatus(t, f.store, "s-10"); got != ledger.StatusValidated {
		t.Fatalf("status = %s, want validated", got)
	}
	f.publisher.FailWith(nil)
	if err := f.runner.Handle(context.Background(), uploadedEvent(t, "s-10")); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if got := len(f.publisher.Events()); got != 0 {
		t.Fatalf("redelivery published %d events; republish belongs to the sweep", got)
	}
}
