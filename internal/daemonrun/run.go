package daemonrun

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"medpipe/internal/config"
	"medpipe/internal/daemon"
	"medpipe/internal/logging"
)

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel    string
	Development bool
}

// Run starts the medpipe daemon and blocks until SIGINT, SIGTERM, or ctx ends.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := os.MkdirAll(cfg.Paths.LogDir, 0o755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	logPath := filepath.Join(cfg.Paths.LogDir, logging.LogFileName)
	level := cfg.Logging.Level
	if opts.LogLevel != "" {
		level = opts.LogLevel
	}
	logger, err := logging.New(logging.Options{
		Level:            level,
		Format:           cfg.Logging.Format,
		OutputPaths:      []string{"stdout", logPath},
		ErrorOutputPaths: []string{"stderr", logPath},
		Development:      opts.Development,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	logging.PruneLogs(logger, cfg.Paths.LogDir, "medpipe*.log*", cfg.Logging.RetentionDays, time.Now())
	for _, warning := range cfg.Warnings() {
		logging.WarnWithContext(logger, "ineffective configuration", "config_warning",
			logging.String("detail", warning),
			logging.String(logging.FieldImpact, "setting has no effect"),
		)
	}

	pidPath := filepath.Join(cfg.Paths.LogDir, "medpipe.pid")
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	rt, err := Build(cfg, logger)
	if err != nil {
		logger.Error("build runtime", logging.Error(err))
		return err
	}

	d, err := daemon.New(cfg, rt.Store, rt.Bus, logger, rt.Workflow)
	if err != nil {
		_ = rt.Close()
		return fmt.Errorf("create daemon: %w", err)
	}
	defer d.Close()

	logConfigSnapshot(logger, cfg)
	if err := d.Start(signalCtx); err != nil {
		logging.ErrorWithContext(logger, "daemon start failed", "daemon_start_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check configuration, directories, and bus/ledger connectivity"),
			logging.String(logging.FieldImpact, "no studies will be processed"),
		)
		return err
	}

	<-signalCtx.Done()
	logger.Info("medpipe daemon shutting down")
	return nil
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}

func logConfigSnapshot(logger *slog.Logger, cfg *config.Config) {
	logger.Info("configuration snapshot",
		logging.String(logging.FieldEventType, "config_snapshot"),
		logging.String("scratch_dir", cfg.Paths.ScratchDir),
		logging.String("archive_dir", cfg.Paths.ArchiveDir),
		logging.String("ledger_driver", cfg.Ledger.Driver),
		logging.String("bus_backend", cfg.Bus.Backend),
		logging.String("consumer", cfg.Bus.Consumer),
		logging.Strings("required_tags", cfg.Validation.RequiredTags),
		logging.Int("validator_consumers", cfg.Workers.Validator.Concurrency),
		logging.Int("descriptor_consumers", cfg.Workers.Descriptor.Concurrency),
		logging.Int("archiver_consumers", cfg.Workers.Archiver.Concurrency),
	)
}
