package ledger

import "testing"

func TestStatusOrdering(t *testing.T) {
	if !StatusUploaded.CanAdvanceTo(StatusValidating) {
		t.Fatal("uploaded should advance to validating")
	}
	if StatusDescribed.CanAdvanceTo(StatusValidated) {
		t.Fatal("described must not move back to validated")
	}
	if !StatusArchiving.CanAdvanceTo(StatusArchivalFailed) {
		t.Fatal("failure statuses rank after every in-progress status")
	}
	for _, status := range []Status{StatusArchived, StatusValidationFailed, StatusDescriptionFailed, StatusArchivalFailed} {
		if !status.IsTerminal() {
			t.Fatalf("%s should be terminal", status)
		}
		for _, next := range AllStatuses() {
			if status.CanAdvanceTo(next) {
				t.Fatalf("%s must not advance to %s", status, next)
			}
		}
	}
	if _, err := ParseStatus(" Described "); err != nil {
		t.Fatalf("ParseStatus: %v", err)
	}
	if _, err := ParseStatus("deleted"); err == nil {
		t.Fatal("expected error for unknown status")
	}
}

func TestRebindNumbersPlaceholdersForPostgres(t *testing.T) {
	s := &Store{dialect: dialectPostgres}
	got := s.rebind("UPDATE studies SET a = ?, b = ? WHERE id IN (?, ?)")
	want := "UPDATE studies SET a = $1, b = $2 WHERE id IN ($3, $4)"
	if got != want {
		t.Fatalf("rebind = %q, want %q", got, want)
	}
	sqlite := &Store{dialect: dialectSQLite}
	if q := sqlite.rebind("a = ?"); q != "a = ?" {
		t.Fatalf("sqlite queries must be unchanged, got %q", q)
	}
}

func TestTimeLayoutSortsLexically(t *testing.T) {
	a, _ := parseTimeString("2024-01-01T00:00:05Z")
	b, _ := parseTimeString("2024-01-01T00:00:05.5Z")
	if !(formatTime(a) < formatTime(b)) {
		t.Fatalf("expected %s < %s", formatTime(a), formatTime(b))
	}
}
