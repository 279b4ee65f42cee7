package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"medpipe/internal/fileutil"
)

//go:embed sample_config.toml
var sampleConfig string

// Stage names used to key per-stage retry and worker settings.
const (
	StageValidator  = "validator"
	StageDescriptor = "descriptor"
	StageArchiver   = "archiver"
)

// Paths contains directory configuration.
type Paths struct {
	ScratchDir string `toml:"scratch_dir"`
	ArchiveDir string `toml:"archive_dir"`
	LogDir     string `toml:"log_dir"`
}

// Ledger selects the status ledger backend.
type Ledger struct {
	Driver string `toml:"driver"`
	DSN    string `toml:"dsn"`
}

// Bus selects and tunes the event bus.
type Bus struct {
	Backend      string `toml:"backend"`
	RedisURL     string `toml:"redis_url"`
	StreamPrefix string `toml:"stream_prefix"`
	Group        string `toml:"group"`
	Consumer     string `toml:"consumer"`
	Block        int    `toml:"block"`
	ReclaimIdle  int    `toml:"reclaim_idle"`
	MaxLen       int64  `toml:"max_len"`
}

// Validation contains the structural checks applied by the validator.
type Validation struct {
	RequiredTags []string `toml:"required_tags"`
}

// Intake contains limits enforced when a study is submitted.
type Intake struct {
	AllowedExtensions []string `toml:"allowed_extensions"`
	MaxArtifactMB     int      `toml:"max_artifact_mb"`
	// ScratchRetentionDays keeps failed studies' scratch copies this long.
	// Zero keeps them until removed by hand.
	ScratchRetentionDays int `toml:"scratch_retention_days"`
}

// RetryPolicy bounds transient failure handling for one stage.
type RetryPolicy struct {
	MaxAttempts    int `toml:"max_attempts"`
	InitialBackoff int `toml:"initial_backoff"`
	MaxBackoff     int `toml:"max_backoff"`
}

// Retry holds a policy per worker stage.
type Retry struct {
	Validator  RetryPolicy `toml:"validator"`
	Descriptor RetryPolicy `toml:"descriptor"`
	Archiver   RetryPolicy `toml:"archiver"`
}

// WorkerSettings controls consumer concurrency and per-call timeouts.
type WorkerSettings struct {
	Concurrency int `toml:"concurrency"`
	Timeout     int `toml:"timeout"`
}

// Workers holds settings per worker stage.
type Workers struct {
	Validator  WorkerSettings `toml:"validator"`
	Descriptor WorkerSettings `toml:"descriptor"`
	Archiver   WorkerSettings `toml:"archiver"`
}

// Workflow contains lease, heartbeat, and sweep timing. Values are seconds.
type Workflow struct {
	Lease             int    `toml:"lease"`
	HeartbeatInterval int    `toml:"heartbeat_interval"`
	StuckAfter        int    `toml:"stuck_after"`
	SweepSchedule     string `toml:"sweep_schedule"`
}

// API contains the status API listener and cache settings.
type API struct {
	Bind      string `toml:"bind"`
	CacheSize int    `toml:"cache_size"`
	CacheTTL  int    `toml:"cache_ttl"`
}

// Notifications configures failure alerts.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	RetentionDays int    `toml:"retention_days"`
}

// Config encapsulates all configuration values for medpipe.
//
// Configuration sections by subsystem:
//   - Paths: scratch, archive, and log directories
//   - Ledger: status ledger driver and DSN
//   - Bus: event bus backend and Redis stream tuning
//   - Validation: required tag set
//   - Intake: accepted extensions and size limit
//   - Retry / Workers: per-stage retry ceilings, concurrency, timeouts
//   - Workflow: claim lease, heartbeat, stuck sweep
//   - API: status endpoint bind address and cache
//   - Notifications: ntfy alerts for failed studies
//   - Logging: log format, level, and retention
type Config struct {
	Paths         Paths         `toml:"paths"`
	Ledger        Ledger        `toml:"ledger"`
	Bus           Bus           `toml:"bus"`
	Validation    Validation    `toml:"validation"`
	Intake        Intake        `toml:"intake"`
	Retry         Retry         `toml:"retry"`
	Workers       Workers       `toml:"workers"`
	Workflow      Workflow      `toml:"workflow"`
	API           API           `toml:"api"`
	Notifications Notifications `toml:"notifications"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := loadDotenv(filepath.Dir(resolvedPath)); err != nil {
		return nil, "", false, err
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("medpipe.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.ScratchDir, c.Paths.ArchiveDir, c.Paths.LogDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	if c.Ledger.Driver == LedgerSQLite {
		if err := os.MkdirAll(filepath.Dir(c.Ledger.DSN), 0o755); err != nil {
			return fmt.Errorf("create ledger directory: %w", err)
		}
	}
	return nil
}

// RetryFor returns the retry policy for a stage. Unknown stages get the validator policy.
func (c *Config) RetryFor(stage string) RetryPolicy {
	switch stage {
	case StageDescriptor:
		return c.Retry.Descriptor
	case StageArchiver:
		return c.Retry.Archiver
	default:
		return c.Retry.Validator
	}
}

// WorkersFor returns the worker settings for a stage.
func (c *Config) WorkersFor(stage string) WorkerSettings {
	switch stage {
	case StageDescriptor:
		return c.Workers.Descriptor
	case StageArchiver:
		return c.Workers.Archiver
	default:
		return c.Workers.Validator
	}
}

// Initial returns the first redelivery delay.
func (p RetryPolicy) Initial() time.Duration {
	return time.Duration(p.InitialBackoff) * time.Second
}

// Max returns the redelivery delay ceiling.
func (p RetryPolicy) Max() time.Duration {
	return time.Duration(p.MaxBackoff) * time.Second
}

// CallTimeout returns the per-call deadline for a stage.
func (w WorkerSettings) CallTimeout() time.Duration {
	return time.Duration(w.Timeout) * time.Second
}

// LeaseDuration returns how long a claim stays live without a heartbeat.
func (w Workflow) LeaseDuration() time.Duration {
	return time.Duration(w.Lease) * time.Second
}

// HeartbeatEvery returns the lease renewal period.
func (w Workflow) HeartbeatEvery() time.Duration {
	return time.Duration(w.HeartbeatInterval) * time.Second
}

// StuckThreshold returns the age after which an unfinished study is swept.
func (w Workflow) StuckThreshold() time.Duration {
	return time.Duration(w.StuckAfter) * time.Second
}

// BlockDuration returns the Redis XREADGROUP block time.
func (b Bus) BlockDuration() time.Duration {
	return time.Duration(b.Block) * time.Second
}

// ReclaimIdleDuration returns the idle time after which pending entries are reclaimed.
func (b Bus) ReclaimIdleDuration() time.Duration {
	return time.Duration(b.ReclaimIdle) * time.Second
}

// CacheTTLDuration returns the status cache entry lifetime.
func (a API) CacheTTLDuration() time.Duration {
	return time.Duration(a.CacheTTL) * time.Second
}

// MaxArtifactBytes returns the intake size limit in bytes.
func (i Intake) MaxArtifactBytes() int64 {
	return int64(i.MaxArtifactMB) * 1024 * 1024
}

// ScratchRetention returns how long failed studies keep their scratch copy.
// Zero means forever.
func (i Intake) ScratchRetention() time.Duration {
	return time.Duration(i.ScratchRetentionDays) * 24 * time.Hour
}

// Timeout returns the per-request deadline for notification delivery.
func (n Notifications) Timeout() time.Duration {
	return time.Duration(n.RequestTimeout) * time.Second
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// SampleConfig returns the embedded sample configuration.
func SampleConfig() string {
	return sampleConfig
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := fileutil.WriteFileAtomic(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
