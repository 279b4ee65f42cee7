package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

// Environment overrides applied after the TOML file is decoded.
const (
	EnvRedisURL  = "MEDPIPE_REDIS_URL"
	EnvLedgerDSN = "MEDPIPE_LEDGER_DSN"
	EnvLogLevel  = "MEDPIPE_LOG_LEVEL"
)

// loadDotenv reads .env files next to the config file and in the working
// directory. Variables already present in the environment win.
func loadDotenv(configDir string) error {
	candidates := []string{".env"}
	if strings.TrimSpace(configDir) != "" && configDir != "." {
		candidates = append(candidates, filepath.Join(configDir, ".env"))
	}
	seen := make(map[string]struct{}, len(candidates))
	for _, candidate := range candidates {
		abs, err := filepath.Abs(candidate)
		if err != nil {
			continue
		}
		if _, ok := seen[abs]; ok {
			continue
		}
		seen[abs] = struct{}{}
		if _, err := os.Stat(abs); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("stat %s: %w", abs, err)
		}
		if err := godotenv.Load(abs); err != nil {
			return fmt.Errorf("load %s: %w", abs, err)
		}
	}
	return nil
}

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	if err := c.normalizeLedger(); err != nil {
		return err
	}
	c.normalizeBus()
	c.normalizeValidation()
	c.normalizeIntake()
	c.normalizeRetry()
	c.normalizeWorkers()
	c.normalizeWorkflow()
	c.normalizeAPI()
	c.normalizeNotifications()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.ScratchDir) == "" {
		c.Paths.ScratchDir = defaultScratchDir
	}
	if c.Paths.ScratchDir, err = expandPath(c.Paths.ScratchDir); err != nil {
		return fmt.Errorf("paths.scratch_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.ArchiveDir) == "" {
		c.Paths.ArchiveDir = defaultArchiveDir
	}
	if c.Paths.ArchiveDir, err = expandPath(c.Paths.ArchiveDir); err != nil {
		return fmt.Errorf("paths.archive_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeLedger() error {
	c.Ledger.Driver = strings.ToLower(strings.TrimSpace(c.Ledger.Driver))
	switch c.Ledger.Driver {
	case "", "sqlite3":
		c.Ledger.Driver = LedgerSQLite
	case "pgx", "postgresql":
		c.Ledger.Driver = LedgerPostgres
	}
	if value, ok := os.LookupEnv(EnvLedgerDSN); ok && strings.TrimSpace(value) != "" {
		c.Ledger.DSN = strings.TrimSpace(value)
	}
	c.Ledger.DSN = strings.TrimSpace(c.Ledger.DSN)
	if c.Ledger.Driver != LedgerSQLite {
		return nil
	}
	if c.Ledger.DSN == "" {
		c.Ledger.DSN = defaultLedgerDSN
	}
	if strings.HasPrefix(c.Ledger.DSN, "file:") || c.Ledger.DSN == ":memory:" {
		return nil
	}
	expanded, err := expandPath(c.Ledger.DSN)
	if err != nil {
		return fmt.Errorf("ledger.dsn: %w", err)
	}
	c.Ledger.DSN = expanded
	return nil
}

func (c *Config) normalizeBus() {
	c.Bus.Backend = strings.ToLower(strings.TrimSpace(c.Bus.Backend))
	if c.Bus.Backend == "" {
		c.Bus.Backend = BusMemory
	}
	if value, ok := os.LookupEnv(EnvRedisURL); ok && strings.TrimSpace(value) != "" {
		c.Bus.RedisURL = strings.TrimSpace(value)
	}
	c.Bus.RedisURL = strings.TrimSpace(c.Bus.RedisURL)
	if c.Bus.RedisURL == "" {
		c.Bus.RedisURL = defaultRedisURL
	}
	if strings.TrimSpace(c.Bus.StreamPrefix) == "" {
		c.Bus.StreamPrefix = defaultStreamPrefix
	}
	c.Bus.Group = strings.TrimSpace(c.Bus.Group)
	if c.Bus.Group == "" {
		c.Bus.Group = defaultConsumerGroup
	}
	c.Bus.Consumer = strings.TrimSpace(c.Bus.Consumer)
	if c.Bus.Consumer == "" {
		host, err := os.Hostname()
		if err != nil || strings.TrimSpace(host) == "" {
			host = "medpipe"
		}
		c.Bus.Consumer = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if c.Bus.Block <= 0 {
		c.Bus.Block = defaultBusBlock
	}
	if c.Bus.ReclaimIdle <= 0 {
		c.Bus.ReclaimIdle = defaultBusReclaimIdle
	}
	if c.Bus.MaxLen < 0 {
		c.Bus.MaxLen = 0
	}
}

func (c *Config) normalizeValidation() {
	tags := make([]string, 0, len(c.Validation.RequiredTags))
	seen := make(map[string]struct{}, len(c.Validation.RequiredTags))
	for _, tag := range c.Validation.RequiredTags {
		name := strings.ToLower(strings.Join(strings.Fields(tag), " "))
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		tags = append(tags, name)
	}
	if len(tags) == 0 {
		tags = DefaultRequiredTags()
	}
	c.Validation.RequiredTags = tags
}

func (c *Config) normalizeIntake() {
	exts := make([]string, 0, len(c.Intake.AllowedExtensions))
	for _, ext := range c.Intake.AllowedExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		exts = append(exts, ext)
	}
	if len(exts) == 0 {
		exts = []string{".dcm", ".dicom"}
	}
	c.Intake.AllowedExtensions = exts
	if c.Intake.MaxArtifactMB <= 0 {
		c.Intake.MaxArtifactMB = defaultMaxArtifactMB
	}
	c.Intake.ScratchRetentionDays = max(c.Intake.ScratchRetentionDays, 0)
}

func (c *Config) normalizeNotifications() {
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
	if c.Notifications.RequestTimeout <= 0 {
		c.Notifications.RequestTimeout = defaultNotifyTimeout
	}
}

func normalizeRetryPolicy(p *RetryPolicy) {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = defaultInitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = defaultMaxBackoff
	}
}

func (c *Config) normalizeRetry() {
	normalizeRetryPolicy(&c.Retry.Validator)
	normalizeRetryPolicy(&c.Retry.Descriptor)
	normalizeRetryPolicy(&c.Retry.Archiver)
}

func normalizeWorkerSettings(w *WorkerSettings) {
	if w.Concurrency <= 0 {
		w.Concurrency = defaultWorkerConcurrency
	}
	if w.Timeout <= 0 {
		w.Timeout = defaultWorkerTimeout
	}
}

func (c *Config) normalizeWorkers() {
	normalizeWorkerSettings(&c.Workers.Validator)
	normalizeWorkerSettings(&c.Workers.Descriptor)
	normalizeWorkerSettings(&c.Workers.Archiver)
}

func (c *Config) normalizeWorkflow() {
	if c.Workflow.Lease <= 0 {
		c.Workflow.Lease = defaultLease
	}
	if c.Workflow.HeartbeatInterval <= 0 {
		c.Workflow.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.Workflow.StuckAfter <= 0 {
		c.Workflow.StuckAfter = defaultStuckAfter
	}
	c.Workflow.SweepSchedule = strings.TrimSpace(c.Workflow.SweepSchedule)
	if c.Workflow.SweepSchedule == "" {
		c.Workflow.SweepSchedule = defaultSweepSchedule
	}
}

func (c *Config) normalizeAPI() {
	c.API.Bind = strings.TrimSpace(c.API.Bind)
	if c.API.Bind == "" {
		c.API.Bind = defaultAPIBind
	}
	if c.API.CacheSize <= 0 {
		c.API.CacheSize = defaultCacheSize
	}
	if c.API.CacheTTL <= 0 {
		c.API.CacheTTL = defaultCacheTTL
	}
}

func (c *Config) normalizeLogging() {
	if value, ok := os.LookupEnv(EnvLogLevel); ok && strings.TrimSpace(value) != "" {
		c.Logging.Level = value
	}
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.RetentionDays < 0 {
		c.Logging.RetentionDays = 0
	}
}
