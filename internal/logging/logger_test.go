package logging_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"medpipe/internal/config"
	"medpipe/internal/logging"
	"medpipe/internal/services"
)

func TestNewFromConfigWritesLogFile(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.LogDir = t.TempDir()
	cfg.Logging.Format = "json"

	logger, err := logging.NewFromConfig(&cfg)
	if err != nil {
		t.Fatalf("NewFromConfig returned error: %v", err)
	}
	logger.Info("daemon started", logging.String(logging.FieldEventType, "daemon_started"))

	content, err := os.ReadFile(filepath.Join(cfg.Paths.LogDir, logging.LogFileName))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(content), `"event_type":"daemon_started"`) {
		t.Fatalf("expected event_type in log file, got %q", content)
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, err := logging.New(logging.Options{Format: "xml"}); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}

func TestJSONLoggerRenamesCoreKeys(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.NewWithWriter(&buf, "json", nil, false)
	if err != nil {
		t.Fatalf("NewWithWriter: %v", err)
	}
	logger.Warn("lease expired", logging.String(logging.FieldStudyID, "abc"))

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	for _, key := range []string{"ts", "level", "msg", "study_id"} {
		if _, ok := record[key]; !ok {
			t.Fatalf("expected key %q in %v", key, record)
		}
	}
	if record["level"] != "warn" {
		t.Fatalf("expected lower-case level, got %v", record["level"])
	}
}

func TestConsoleLoggerRendersSubjectHeader(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.NewWithWriter(&buf, "console", nil, false)
	if err != nil {
		t.Fatalf("NewWithWriter: %v", err)
	}
	logger = logging.NewComponentLogger(logger, "worker")

	ctx := services.WithStudyID(context.Background(), "0123456789abcdef")
	ctx = services.WithStage(ctx, "validator")
	ctx = services.WithTopic(ctx, "uploaded")
	logging.WithContext(ctx, logger).Info("study claimed",
		logging.Int("attempt", 2),
		logging.Strings("reasons", []string{"modality", "study date"}),
	)

	out := buf.String()
	if !strings.Contains(out, "[worker] Study 01234567 (Validator) - study claimed") {
		t.Fatalf("unexpected header: %q", out)
	}
	if !strings.Contains(out, "topic: uploaded") {
		t.Fatalf("expected topic field, got %q", out)
	}
	if !strings.Contains(out, "attempt: 2") {
		t.Fatalf("expected attempt field, got %q", out)
	}
	if !strings.Contains(out, "reasons: modality, study date") {
		t.Fatalf("expected joined reasons, got %q", out)
	}
	if strings.Contains(out, ".go:") {
		t.Fatalf("expected no caller information in info logs, got %q", out)
	}
}

func TestConsoleLoggerHonoursLevel(t *testing.T) {
	var buf bytes.Buffer
	level := new(slog.LevelVar)
	level.Set(slog.LevelWarn)
	logger, err := logging.NewWithWriter(&buf, "console", level, false)
	if err != nil {
		t.Fatalf("NewWithWriter: %v", err)
	}
	logger.Info("hidden")
	logger.Error("shown", logging.Error(errors.New("boom")))
	if strings.Contains(buf.String(), "hidden") {
		t.Fatalf("info line should be filtered: %q", buf.String())
	}
	if !strings.Contains(buf.String(), "error: boom") {
		t.Fatalf("expected error field: %q", buf.String())
	}
}

func TestContextFieldsIncludeCorrelation(t *testing.T) {
	ctx := services.WithRequestID(context.Background(), "req-1")
	ctx = services.WithStudyID(ctx, "s-1")
	fields := logging.ContextFields(ctx)
	keys := make([]string, 0, len(fields))
	for _, f := range fields {
		keys = append(keys, f.Key)
	}
	if strings.Join(keys, ",") != "study_id,correlation_id" {
		t.Fatalf("unexpected context fields: %v", keys)
	}
	if len(logging.ContextFields(context.Background())) != 0 {
		t.Fatal("expected no fields for empty context")
	}
}

func TestWarnWithContextInjectsDefaults(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.NewWithWriter(&buf, "json", nil, false)
	if err != nil {
		t.Fatalf("NewWithWriter: %v", err)
	}
	logging.WarnWithContext(logger, "redelivery scheduled", "redelivery_scheduled")
	out := buf.String()
	for _, want := range []string{`"event_type":"redelivery_scheduled"`, `"error_hint"`, `"impact"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %s in %q", want, out)
		}
	}
}

func TestPruneLogsKeepsActiveAndRecentFiles(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	old := now.AddDate(0, 0, -40)

	write := func(name string, mod time.Time) string {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		if err := os.Chtimes(path, mod, mod); err != nil {
			t.Fatalf("chtimes %s: %v", name, err)
		}
		return path
	}
	stale := write("medpipe.log.1", old)
	active := write(logging.LogFileName, old)
	recent := write("medpipe.log.2", now)
	other := write("notes.txt", old)

	removed := logging.PruneLogs(logging.NewNop(), dir, "medpipe.log*", 30, now)
	if removed != 1 {
		t.Fatalf("expected one file removed, got %d", removed)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("expected stale log removed, stat err=%v", err)
	}
	for _, path := range []string{active, recent, other} {
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("expected %s to remain: %v", path, err)
		}
	}
	if logging.PruneLogs(nil, dir, "*", 0, now) != 0 {
		t.Fatal("retention 0 must disable pruning")
	}
}
