package testsupport

import (
	"context"
	"testing"

	"medpipe/internal/config"
	"medpipe/internal/ledger"
)

// MustOpenLedger opens a SQLite ledger for tests and registers cleanup.
func MustOpenLedger(t testing.TB, cfg *config.Config) *ledger.Store {
	t.Helper()

	store, err := ledger.Open(cfg)
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

// MustCreateStudy inserts a study and fails the test on error.
func MustCreateStudy(t testing.TB, store *ledger.Store, studyID, artifact string) *ledger.Study {
	t.Helper()

	study, err := store.Create(context.Background(), studyID, artifact)
	if err != nil {
		t.Fatalf("Create %s: %v", studyID, err)
	}
	return study
}

// MustStatus returns the stored status of a study.
func MustStatus(t testing.TB, store *ledger.Store, studyID string) ledger.Status {
	t.Helper()

	study, err := store.Get(context.Background(), studyID)
	if err != nil {
		t.Fatalf("Get %s: %v", studyID, err)
	}
	return study.Status
}
