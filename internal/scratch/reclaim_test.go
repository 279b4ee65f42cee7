package scratch_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"medpipe/internal/ledger"
	"medpipe/internal/logging"
	"medpipe/internal/scratch"
	"medpipe/internal/testsupport"
)

func mkStudyDir(t *testing.T, root, id string, age time.Duration) string {
	t.Helper()
	dir := filepath.Join(root, id)
	testsupport.WriteFile(t, filepath.Join(dir, "study.dcm"), 10)
	when := time.Now().Add(-age)
	if err := os.Chtimes(dir, when, when); err != nil {
		t.Fatal(err)
	}
	return dir
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestReclaim(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenLedger(t, cfg)
	root := cfg.Paths.ScratchDir
	ctx := context.Background()

	orphanOld := mkStudyDir(t, root, "orphan-old", 2*time.Hour)
	orphanNew := mkStudyDir(t, root, "orphan-new", 0)

	testsupport.MustCreateStudy(t, store, "in-flight", filepath.Join(root, "in-flight", "study.dcm"))
	inFlight := mkStudyDir(t, root, "in-flight", 2*time.Hour)

	testsupport.MustCreateStudy(t, store, "failed", filepath.Join(root, "failed", "study.dcm"))
	failed := mkStudyDir(t, root, "failed", 2*time.Hour)
	if _, err := store.SetStatus(ctx, "failed", ledger.StatusValidationFailed, ledger.Details{
		Validation: &ledger.ValidationResult{Passed: false, Reasons: []string{"modality"}},
	}); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}

	lock := filepath.Join(root, ".sweep.lock")
	if err := os.WriteFile(lock, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	res := scratch.Reclaim(ctx, root, store, scratch.Options{Grace: time.Hour}, logging.NewNop())
	if len(res.Errors) != 0 {
		t.Fatalf("errors: %+v", res.Errors)
	}
	if len(res.Removed) != 1 || res.Removed[0] != orphanOld || res.Bytes != 10 {
		t.Fatalf("removed = %v (%d bytes)", res.Removed, res.Bytes)
	}
	for _, keep := range []string{orphanNew, inFlight, failed, lock} {
		if !exists(keep) {
			t.Fatalf("%s should be kept", keep)
		}
	}

	// Failed copies go once retention has passed.
	res = scratch.Reclaim(ctx, root, store, scratch.Options{
		Grace:           time.Hour,
		FailedRetention: time.Hour,
		Now:             time.Now().Add(3 * time.Hour),
	}, logging.NewNop())
	if exists(failed) {
		t.Fatalf("failed study dir should be removed after retention: %+v", res)
	}
	if !exists(inFlight) {
		t.Fatal("in-flight study dir must never be removed")
	}
}

func TestReclaimRemovesArchivedLeftovers(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenLedger(t, cfg)
	root := cfg.Paths.ScratchDir
	ctx := context.Background()

	testsupport.MustCreateStudy(t, store, "done", filepath.Join(root, "done", "study.dcm"))
	dir := mkStudyDir(t, root, "done", 0)
	for _, step := range []struct {
		status  ledger.Status
		details ledger.Details
	}{
		{ledger.StatusValidated, ledger.Details{Validation: &ledger.ValidationResult{Passed: true}}},
		{ledger.StatusDescribed, ledger.Details{MetadataJSON: `{}`}},
		{ledger.StatusArchived, ledger.Details{ArchiveLocation: "/archive/done"}},
	} {
		if _, err := store.SetStatus(ctx, "done", step.status, step.details); err != nil {
			t.Fatalf("SetStatus %s: %v", step.status, err)
		}
	}

	res := scratch.Reclaim(ctx, root, store, scratch.Options{Grace: time.Hour}, logging.NewNop())
	if len(res.Removed) != 1 || exists(dir) {
		t.Fatalf("archived leftovers not removed: %+v", res)
	}
}

func TestReclaimMissingRoot(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenLedger(t, cfg)
	res := scratch.Reclaim(context.Background(), filepath.Join(t.TempDir(), "nope"), store, scratch.Options{}, nil)
	if len(res.Removed) != 0 || len(res.Errors) != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
}
