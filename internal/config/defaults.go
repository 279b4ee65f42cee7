package config

// Ledger drivers.
const (
	LedgerSQLite   = "sqlite"
	LedgerPostgres = "postgres"
)

// Bus backends.
const (
	BusMemory = "memory"
	BusRedis  = "redis"
)

const (
	defaultConfigPath        = "~/.config/medpipe/config.toml"
	defaultScratchDir        = "~/.local/share/medpipe/scratch"
	defaultArchiveDir        = "~/.local/share/medpipe/archive"
	defaultLogDir            = "~/.local/share/medpipe/logs"
	defaultLedgerDSN         = "~/.local/share/medpipe/ledger.db"
	defaultLogRetentionDays  = 30
	defaultLogFormat         = "console"
	defaultLogLevel          = "info"
	defaultRedisURL          = "redis://127.0.0.1:6379/0"
	defaultStreamPrefix      = "medpipe:"
	defaultConsumerGroup     = "medpipe"
	defaultBusBlock          = 5
	defaultBusReclaimIdle    = 60
	defaultBusMaxLen         = 100000
	defaultMaxAttempts       = 5
	defaultInitialBackoff    = 1
	defaultMaxBackoff        = 60
	defaultWorkerConcurrency = 4
	defaultWorkerTimeout     = 60
	defaultLease             = 120
	defaultHeartbeatInterval = 15
	defaultStuckAfter        = 600
	defaultSweepSchedule     = "@every 5m"
	defaultAPIBind           = "127.0.0.1:7488"
	defaultCacheSize         = 1024
	defaultCacheTTL          = 300
	defaultMaxArtifactMB     = 100
	defaultNotifyTimeout     = 10
)

// DefaultRequiredTags is the required tag set used when validation.required_tags is empty.
func DefaultRequiredTags() []string {
	return []string{
		"subject identifier",
		"subject name",
		"study date",
		"study time",
		"modality",
		"study description",
		"study instance uid",
		"accession number",
	}
}

func defaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    defaultMaxAttempts,
		InitialBackoff: defaultInitialBackoff,
		MaxBackoff:     defaultMaxBackoff,
	}
}

func defaultWorkerSettings() WorkerSettings {
	return WorkerSettings{
		Concurrency: defaultWorkerConcurrency,
		Timeout:     defaultWorkerTimeout,
	}
}

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			ScratchDir: defaultScratchDir,
			ArchiveDir: defaultArchiveDir,
			LogDir:     defaultLogDir,
		},
		Ledger: Ledger{
			Driver: LedgerSQLite,
			DSN:    defaultLedgerDSN,
		},
		Bus: Bus{
			Backend:      BusMemory,
			RedisURL:     defaultRedisURL,
			StreamPrefix: defaultStreamPrefix,
			Group:        defaultConsumerGroup,
			Block:        defaultBusBlock,
			ReclaimIdle:  defaultBusReclaimIdle,
			MaxLen:       defaultBusMaxLen,
		},
		Validation: Validation{
			RequiredTags: DefaultRequiredTags(),
		},
		Intake: Intake{
			AllowedExtensions: []string{".dcm", ".dicom"},
			MaxArtifactMB:     defaultMaxArtifactMB,
		},
		Retry: Retry{
			Validator:  defaultRetryPolicy(),
			Descriptor: defaultRetryPolicy(),
			Archiver:   defaultRetryPolicy(),
		},
		Workers: Workers{
			Validator:  defaultWorkerSettings(),
			Descriptor: defaultWorkerSettings(),
			Archiver:   defaultWorkerSettings(),
		},
		Workflow: Workflow{
			Lease:             defaultLease,
			HeartbeatInterval: defaultHeartbeatInterval,
			StuckAfter:        defaultStuckAfter,
			SweepSchedule:     defaultSweepSchedule,
		},
		API: API{
			Bind:      defaultAPIBind,
			CacheSize: defaultCacheSize,
			CacheTTL:  defaultCacheTTL,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNotifyTimeout,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
	}
}
