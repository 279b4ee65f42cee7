package logs_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"medpipe/internal/logs"
)

func writeLog(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "medpipe.log")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}
	return path
}

func TestTailLastLines(t *testing.T) {
	path := writeLog(t, "a\nb\nc\n")

	result, err := logs.Tail(context.Background(), path, logs.Options{Offset: -1, Limit: 2})
	if err != nil {
		t.Fatalf("tail returned error: %v", err)
	}
	if len(result.Lines) != 2 || result.Lines[0] != "b" || result.Lines[1] != "c" {
		t.Fatalf("unexpected lines: %#v", result.Lines)
	}
	if result.Offset != 6 {
		t.Fatalf("offset = %d, want 6", result.Offset)
	}
}

func TestTailMissingFile(t *testing.T) {
	result, err := logs.Tail(context.Background(), filepath.Join(t.TempDir(), "none.log"), logs.Options{Offset: -1, Limit: 5})
	if err != nil {
		t.Fatalf("tail returned error: %v", err)
	}
	if len(result.Lines) != 0 || result.Offset != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestTailLeavesPartialLine(t *testing.T) {
	path := writeLog(t, "done\nhalf")

	result, err := logs.Tail(context.Background(), path, logs.Options{Offset: 0})
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Lines) != 1 || result.Offset != 5 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestTailFiltersByStudy(t *testing.T) {
	content := `{"time":"t","level":"INFO","msg":"claimed","study_id":"abc-123"}
{"time":"t","level":"INFO","msg":"claimed","study_id":"zzz-999"}
2026-01-02 10:00:00 INFO [workflow] Study 0f1e2d3c (Validator) - study claimed
    attempts: 1
2026-01-02 10:00:01 INFO [workflow] Study 99999999 (Validator) - study claimed
    attempts: 2
2026-01-02 10:00:02 INFO [workflow] - stage consumers starting
`
	path := writeLog(t, content)

	result, err := logs.Tail(context.Background(), path, logs.Options{Offset: -1, Limit: 10, Match: logs.ForStudy("abc-123")})
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Lines) != 1 {
		t.Fatalf("json filter lines: %#v", result.Lines)
	}

	result, err = logs.Tail(context.Background(), path, logs.Options{Offset: -1, Limit: 10, Match: logs.ForStudy("0f1e2d3c-4b5a-6978-8a9b-0c1d2e3f4a5b")})
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Lines) != 2 || result.Lines[1] != "    attempts: 1" {
		t.Fatalf("console filter lines: %#v", result.Lines)
	}
}

func TestTailFollowWaits(t *testing.T) {
	path := writeLog(t, "start\n")

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	result, err := logs.Tail(ctx, path, logs.Options{Offset: -1, Limit: 1})
	if err != nil {
		t.Fatalf("initial tail: %v", err)
	}
	if len(result.Lines) != 1 {
		t.Fatalf("expected initial line, got %#v", result.Lines)
	}

	done := make(chan struct{})
	go func(offset int64) {
		defer close(done)
		res, err := logs.Tail(ctx, path, logs.Options{Offset: offset, Follow: true, Wait: 5 * time.Second})
		if err != nil {
			t.Errorf("follow tail error: %v", err)
		}
		if len(res.Lines) != 1 || res.Lines[0] != "later" {
			t.Errorf("unexpected follow lines: %#v", res.Lines)
		}
	}(result.Offset)

	time.Sleep(200 * time.Millisecond)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open append: %v", err)
	}
	if _, err := f.WriteString("later\n"); err != nil {
		t.Fatalf("append log: %v", err)
	}
	_ = f.Close()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("tail follow did not return")
	}
}
