package sweep

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofrs/flock"

	"medpipe/internal/events"
	"medpipe/internal/ledger"
	"medpipe/internal/logging"
	"medpipe/internal/testsupport"
)

type fixture struct {
	store *ledger.Store
	pub   *testsupport.RecordingPublisher
	sw    *Sweeper
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	cfg.Workflow.StuckAfter = 60
	store := testsupport.MustOpenLedger(t, cfg)
	pub := &testsupport.RecordingPublisher{}
	sw := New(cfg, store, pub, logging.NewNop())
	// Every row written now looks idle to the sweeper.
	sw.now = func() time.Time { return time.Now().Add(time.Hour) }
	return fixture{store: store, pub: pub, sw: sw}
}

func TestOnceRepublishesTriggerEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	testsupport.MustCreateStudy(t, f.store, "s-up", "/scratch/s-up/a.dcm")
	testsupport.MustCreateStudy(t, f.store, "s-val", "/scratch/s-val/a.dcm")
	if _, err := f.store.SetStatus(ctx, "s-val", ledger.StatusValidated, ledger.Details{
		Validation: &ledger.ValidationResult{Passed: true},
	}); err != nil {
		t.Fatal(err)
	}
	testsupport.MustCreateStudy(t, f.store, "s-done", "/scratch/s-done/a.dcm")
	if _, err := f.store.SetStatus(ctx, "s-done", ledger.StatusValidationFailed, ledger.Details{
		Validation: &ledger.ValidationResult{Reasons: []string{"modality"}},
	}); err != nil {
		t.Fatal(err)
	}

	report, err := f.sw.Once(ctx)
	if err != nil {
		t.Fatalf("Once: %v", err)
	}
	if report.Stuck != 2 || report.Republished != 2 || report.Skipped {
		t.Fatalf("report = %+v", report)
	}
	byStudy := map[string]events.Topic{}
	for _, evt := range f.pub.Events() {
		byStudy[evt.StudyID] = evt.Topic
	}
	if byStudy["s-up"] != events.TopicUploaded || byStudy["s-val"] != events.TopicValidated {
		t.Fatalf("published = %v", byStudy)
	}
	if _, ok := byStudy["s-done"]; ok {
		t.Fatal("terminal study republished")
	}
}

func TestOnceSkipsLiveLeases(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	testsupport.MustCreateStudy(t, f.store, "s-1", "/scratch/s-1/a.dcm")
	claim, err := f.store.Claim(ctx, "s-1", ledger.StatusUploaded, ledger.StatusValidating, "worker", 2*time.Hour)
	if err != nil || !claim.Claimed {
		t.Fatalf("Claim = %+v, %v", claim, err)
	}

	report, err := f.sw.Once(ctx)
	if err != nil {
		t.Fatalf("Once: %v", err)
	}
	if report.Stuck != 0 || len(f.pub.Events()) != 0 {
		t.Fatalf("leased study swept: %+v", report)
	}
}

func TestOnceResumesAbandonedProcessing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	testsupport.MustCreateStudy(t, f.store, "s-1", "/scratch/s-1/a.dcm")
	if _, err := f.store.Claim(ctx, "s-1", ledger.StatusUploaded, ledger.StatusValidating, "worker", time.Millisecond); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)

	report, err := f.sw.Once(ctx)
	if err != nil {
		t.Fatalf("Once: %v", err)
	}
	if report.Republished != 1 {
		t.Fatalf("report = %+v", report)
	}
	evt := f.pub.Events()[0]
	payload, ok := evt.Payload.(events.Uploaded)
	if !ok || payload.ArtifactLocation != "/scratch/s-1/a.dcm" {
		t.Fatalf("payload = %+v", evt.Payload)
	}
}

func TestOnceIgnoresRecentStudies(t *testing.T) {
	f := newFixture(t)
	f.sw.now = time.Now
	testsupport.MustCreateStudy(t, f.store, "s-1", "/scratch/s-1/a.dcm")

	report, err := f.sw.Once(context.Background())
	if err != nil {
		t.Fatalf("Once: %v", err)
	}
	if report.Stuck != 0 {
		t.Fatalf("fresh study swept: %+v", report)
	}
}

func TestOnceSkipsWhenLockHeld(t *testing.T) {
	f := newFixture(t)
	other := flock.New(filepath.Join(f.sw.cfg.Paths.ScratchDir, LockName))
	locked, err := other.TryLock()
	if err != nil || !locked {
		t.Fatalf("TryLock = %v, %v", locked, err)
	}
	defer other.Unlock()

	report, err := f.sw.Once(context.Background())
	if err != nil {
		t.Fatalf("Once: %v", err)
	}
	if !report.Skipped {
		t.Fatal("sweep ran while another process held the lock")
	}
}

func TestOnceReportsPublishFailures(t *testing.T) {
	f := newFixture(t)
	testsupport.MustCreateStudy(t, f.store, "s-1", "/scratch/s-1/a.dcm")
	f.pub.FailWith(errors.New("broker down"))

	report, err := f.sw.Once(context.Background())
	if err == nil {
		t.Fatal("expected publish error")
	}
	if report.Failed != 1 || report.Republished != 0 {
		t.Fatalf("report = %+v", report)
	}
}

func TestStartRejectsBadSchedule(t *testing.T) {
	f := newFixture(t)
	f.sw.cfg.Workflow.SweepSchedule = "not a schedule"
	if _, err := f.sw.Start(context.Background()); err == nil {
		t.Fatal("expected schedule error")
	}
}

func TestStartRunsOnSchedule(t *testing.T) {
	f := newFixture(t)
	f.sw.cfg.Workflow.SweepSchedule = "@every 1s"
	testsupport.MustCreateStudy(t, f.store, "s-1", "/scratch/s-1/a.dcm")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, err := f.sw.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(f.pub.Events()) > 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("scheduled sweep never published")
}

func TestOnceReclaimsOrphanedScratch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	orphan := filepath.Join(f.sw.cfg.Paths.ScratchDir, "no-such-study")
	if err := os.MkdirAll(orphan, 0o755); err != nil {
		t.Fatal(err)
	}
	testsupport.MustCreateStudy(t, f.store, "s-live", filepath.Join(f.sw.cfg.Paths.ScratchDir, "s-live", "a.dcm"))
	live := filepath.Join(f.sw.cfg.Paths.ScratchDir, "s-live")
	if err := os.MkdirAll(live, 0o755); err != nil {
		t.Fatal(err)
	}

	report, err := f.sw.Once(ctx)
	if err != nil {
		t.Fatalf("Once: %v", err)
	}
	if report.Reclaimed != 1 {
		t.Fatalf("report = %+v", report)
	}
	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Fatal("orphaned scratch directory should be removed")
	}
	if _, err := os.Stat(live); err != nil {
		t.Fatal("scratch directory of an unfinished study must be kept")
	}
}
