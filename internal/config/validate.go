package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"

	"medpipe/internal/dicomtags"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateLedger(); err != nil {
		return err
	}
	if err := c.validateBus(); err != nil {
		return err
	}
	if err := c.validateValidation(); err != nil {
		return err
	}
	if err := c.validateRetry(); err != nil {
		return err
	}
	if err := c.validateWorkflow(); err != nil {
		return err
	}
	if err := c.validateAPI(); err != nil {
		return err
	}
	if err := c.validateNotifications(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateValidation() error {
	for _, name := range c.Validation.RequiredTags {
		if _, ok := dicomtags.Lookup(name); !ok {
			return fmt.Errorf("validation.required_tags: unknown tag %q", name)
		}
	}
	return nil
}

func (c *Config) validateLedger() error {
	switch c.Ledger.Driver {
	case LedgerSQLite:
		return nil
	case LedgerPostgres:
		if c.Ledger.DSN == "" {
			return fmt.Errorf("ledger.dsn is required for the postgres driver. Set %s or edit the config file", EnvLedgerDSN)
		}
		return nil
	default:
		return fmt.Errorf("ledger.driver: unsupported value %q (want sqlite or postgres)", c.Ledger.Driver)
	}
}

func (c *Config) validateBus() error {
	switch c.Bus.Backend {
	case BusMemory:
		return nil
	case BusRedis:
		parsed, err := url.Parse(c.Bus.RedisURL)
		if err != nil {
			return fmt.Errorf("bus.redis_url: %w", err)
		}
		if parsed.Scheme != "redis" && parsed.Scheme != "rediss" {
			return fmt.Errorf("bus.redis_url: unsupported scheme %q", parsed.Scheme)
		}
		return nil
	default:
		return fmt.Errorf("bus.backend: unsupported value %q (want memory or redis)", c.Bus.Backend)
	}
}

func (c *Config) validateRetry() error {
	for _, stage := range []string{StageValidator, StageDescriptor, StageArchiver} {
		policy := c.RetryFor(stage)
		if policy.MaxBackoff < policy.InitialBackoff {
			return fmt.Errorf("retry.%s.max_backoff must be >= initial_backoff", stage)
		}
	}
	return nil
}

func (c *Config) validateWorkflow() error {
	if c.Workflow.HeartbeatInterval >= c.Workflow.Lease {
		return errors.New("workflow.heartbeat_interval must be less than workflow.lease")
	}
	if _, err := cron.ParseStandard(c.Workflow.SweepSchedule); err != nil {
		return fmt.Errorf("workflow.sweep_schedule: %w", err)
	}
	return nil
}

func (c *Config) validateAPI() error {
	if _, _, err := net.SplitHostPort(c.API.Bind); err != nil {
		return fmt.Errorf("api.bind: %w", err)
	}
	return nil
}

func (c *Config) validateNotifications() error {
	topic := strings.TrimSpace(c.Notifications.NtfyTopic)
	if topic == "" {
		return nil
	}
	u, err := url.Parse(topic)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("notifications.ntfy_topic: must be an http(s) URL, got %q", topic)
	}
	if c.Notifications.RequestTimeout <= 0 {
		return errors.New("notifications.request_timeout must be positive")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	return nil
}

// Warnings lists settings that load cleanly but have no effect.
func (c *Config) Warnings() []string {
	var out []string
	if c.Bus.Backend == BusRedis {
		def := defaultRetryPolicy()
		for _, stage := range []string{StageValidator, StageDescriptor, StageArchiver} {
			p := c.RetryFor(stage)
			if p.InitialBackoff != def.InitialBackoff || p.MaxBackoff != def.MaxBackoff {
				out = append(out, fmt.Sprintf(
					"retry.%s initial_backoff/max_backoff are ignored with bus.backend = %q; failed deliveries are retried every bus.reclaim_idle (%ds)",
					stage, BusRedis, c.Bus.ReclaimIdle))
			}
		}
	}
	return out
}
