package testsupport

import (
	"path/filepath"
	"testing"

	"medpipe/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.ScratchDir = filepath.Join(base, "scratch")
	cfgVal.Paths.ArchiveDir = filepath.Join(base, "archive")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Ledger.DSN = filepath.Join(base, "ledger.db")
	cfgVal.Bus.Consumer = "test-consumer"
	cfgVal.API.Bind = "127.0.0.1:0"
	cfgVal.Logging.RetentionDays = 0

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithRequiredTags replaces the required tag set.
func WithRequiredTags(tags ...string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Validation.RequiredTags = append([]string(nil), tags...)
	}
}

// WithMaxAttempts sets the retry ceiling for every stage.
func WithMaxAttempts(n int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Retry.Validator.MaxAttempts = n
		b.cfg.Retry.Descriptor.MaxAttempts = n
		b.cfg.Retry.Archiver.MaxAttempts = n
	}
}

// WithConcurrency sets the consumer count for every stage.
func WithConcurrency(n int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Workers.Validator.Concurrency = n
		b.cfg.Workers.Descriptor.Concurrency = n
		b.cfg.Workers.Archiver.Concurrency = n
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.ScratchDir)
}
