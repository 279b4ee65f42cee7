package bus

import (
	"fmt"
	"log/slog"

	"medpipe/internal/config"
)

// Open constructs the bus backend selected in cfg.
func Open(cfg *config.Config, logger *slog.Logger) (Bus, error) {
	switch cfg.Bus.Backend {
	case config.BusMemory, "":
		// Topics without a stage, such as the failure topics, use the
		// validator curve; the workflow tunes each stage input topic.
		policy := cfg.RetryFor(config.StageValidator)
		return NewMemory(logger, Redelivery{
			Initial:    policy.Initial(),
			Max:        policy.Max(),
			Multiplier: 2,
			Jitter:     0.2,
		}), nil
	case config.BusRedis:
		return NewRedis(RedisOptions{
			URL:          cfg.Bus.RedisURL,
			StreamPrefix: cfg.Bus.StreamPrefix,
			Consumer:     cfg.Bus.Consumer,
			Block:        cfg.Bus.BlockDuration(),
			ReclaimIdle:  cfg.Bus.ReclaimIdleDuration(),
			MaxLen:       cfg.Bus.MaxLen,
			Redelivery:   DefaultRedelivery(),
		}, logger)
	default:
		return nil, fmt.Errorf("open bus: unsupported backend %q", cfg.Bus.Backend)
	}
}
