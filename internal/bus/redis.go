package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"medpipe/internal/events"
	"medpipe/internal/logging"
)

const (
	backendRedis   = "redis"
	eventField     = "event"
	reclaimBatch   = 16
	defaultBlock   = 5 * time.Second
	defaultReclaim = time.Minute
)

// RedisOptions configures a Redis Streams bus.
type RedisOptions struct {
	URL          string
	StreamPrefix string
	Consumer     string
	Block        time.Duration
	ReclaimIdle  time.Duration
	MaxLen       int64
	// Redelivery paces reconnects after read errors. Failed deliveries are
	// retried on the ReclaimIdle cadence, not on this curve.
	Redelivery Redelivery
}

// Redis is a Bus backed by Redis Streams. Each topic is one stream and each
// group a consumer group; failed deliveries stay pending and are reclaimed
// with XAUTOCLAIM once idle for ReclaimIdle.
type Redis struct {
	client *redis.Client
	opts   RedisOptions
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

// NewRedis connects to the Redis server at opts.URL.
func NewRedis(opts RedisOptions, logger *slog.Logger) (*Redis, error) {
	parsed, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if opts.Block <= 0 {
		opts.Block = defaultBlock
	}
	if opts.ReclaimIdle <= 0 {
		opts.ReclaimIdle = defaultReclaim
	}
	if strings.TrimSpace(opts.Consumer) == "" {
		return nil, errors.New("redis bus: consumer name required")
	}
	// Reads block for opts.Block; the socket deadline must outlast it.
	parsed.ReadTimeout = opts.Block + 5*time.Second
	return &Redis{
		client: redis.NewClient(parsed),
		opts:   opts,
		logger: logging.NewComponentLogger(logger, "bus"),
	}, nil
}

// StreamKey returns the Redis key holding topic.
func (b *Redis) StreamKey(topic events.Topic) string {
	return b.opts.StreamPrefix + string(topic)
}

// Publish appends evt to its topic stream.
func (b *Redis) Publish(ctx context.Context, evt events.Event) error {
	if b.isClosed() {
		return ErrClosed
	}
	data, err := evt.Marshal()
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{
		Stream: b.StreamKey(evt.Topic),
		Values: map[string]any{eventField: string(data)},
	}
	if b.opts.MaxLen > 0 {
		args.MaxLen = b.opts.MaxLen
		args.Approx = true
	}
	if err := b.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", args.Stream, err)
	}
	publishedTotal.WithLabelValues(backendRedis, string(evt.Topic)).Inc()
	return nil
}

// Subscribe joins group on the topic stream and consumes until ctx is done.
func (b *Redis) Subscribe(ctx context.Context, topic events.Topic, group string, handler Handler) error {
	stream := b.StreamKey(topic)
	if err := b.ensureGroup(ctx, stream, group); err != nil {
		return err
	}
	logger := b.logger.With(logging.String(logging.FieldTopic, string(topic)), logging.String("group", group))
	retry := b.opts.Redelivery.newBackOff()
	lastReclaim := time.Time{}

	for {
		if ctx.Err() != nil {
			return nil
		}
		if b.isClosed() {
			return ErrClosed
		}

		var (
			messages []redis.XMessage
			err      error
		)
		if time.Since(lastReclaim) >= b.opts.ReclaimIdle/2 {
			lastReclaim = time.Now()
			messages, err = b.reclaim(ctx, stream, group)
		}
		if err == nil && len(messages) == 0 {
			messages, err = b.read(ctx, stream, group)
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if b.isClosed() || errors.Is(err, redis.ErrClosed) {
				return ErrClosed
			}
			delay := retry.NextBackOff()
			logging.WarnWithContext(logger, "redis read failed; backing off", "bus_read_failed",
				logging.Error(err),
				logging.Duration("delay", delay),
				logging.String(logging.FieldErrorHint, "check redis availability and bus.redis_url"),
				logging.String(logging.FieldImpact, "deliveries paused until redis responds"),
			)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			continue
		}
		retry.Reset()

		for _, msg := range messages {
			b.deliver(ctx, logger, stream, group, topic, msg, handler)
		}
	}
}

func (b *Redis) deliver(ctx context.Context, logger *slog.Logger, stream, group string, topic events.Topic, msg redis.XMessage, handler Handler) {
	raw, _ := msg.Values[eventField].(string)
	evt, err := events.Decode([]byte(raw))
	if err != nil {
		logging.WarnWithContext(logger, "dropping undecodable event", "event_dropped",
			logging.String("message_id", msg.ID),
			logging.Error(err),
			logging.String(logging.FieldImpact, "event is acknowledged and discarded"),
		)
		b.ack(ctx, logger, stream, group, msg.ID)
		deliveriesTotal.WithLabelValues(backendRedis, string(topic), group, outcomeDropped).Inc()
		return
	}
	if err := handler(ctx, evt); err != nil {
		logger.Debug("delivery failed; left pending for reclaim",
			logging.String(logging.FieldStudyID, evt.StudyID),
			logging.String("message_id", msg.ID),
			logging.Error(err),
		)
		deliveriesTotal.WithLabelValues(backendRedis, string(topic), group, outcomeRetry).Inc()
		return
	}
	b.ack(ctx, logger, stream, group, msg.ID)
	deliveriesTotal.WithLabelValues(backendRedis, string(topic), group, outcomeAck).Inc()
}

func (b *Redis) ack(ctx context.Context, logger *slog.Logger, stream, group, id string) {
	if err := b.client.XAck(context.WithoutCancel(ctx), stream, group, id).Err(); err != nil {
		logging.WarnWithContext(logger, "xack failed; event will be redelivered", "bus_ack_failed",
			logging.String("message_id", id),
			logging.Error(err),
			logging.String(logging.FieldImpact, "duplicate delivery, absorbed by idempotent handlers"),
		)
	}
}

func (b *Redis) ensureGroup(ctx context.Context, stream, group string) error {
	err := b.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s on %s: %w", group, stream, err)
	}
	return nil
}

func (b *Redis) read(ctx context.Context, stream, group string) ([]redis.XMessage, error) {
	res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: b.opts.Consumer,
		Streams:  []string{stream, ">"},
		Count:    1,
		Block:    b.opts.Block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup %s: %w", stream, err)
	}
	var messages []redis.XMessage
	for _, s := range res {
		messages = append(messages, s.Messages...)
	}
	return messages, nil
}

// reclaim takes over entries left pending longer than ReclaimIdle, whether by
// a failed handler or a consumer that died.
func (b *Redis) reclaim(ctx context.Context, stream, group string) ([]redis.XMessage, error) {
	messages, _, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: b.opts.Consumer,
		MinIdle:  b.opts.ReclaimIdle,
		Start:    "0-0",
		Count:    reclaimBatch,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xautoclaim %s: %w", stream, err)
	}
	return messages, nil
}

// Pending returns how many entries group has delivered but not acknowledged.
func (b *Redis) Pending(ctx context.Context, topic events.Topic, group string) (int64, error) {
	res, err := b.client.XPending(ctx, b.StreamKey(topic), group).Result()
	if err != nil {
		return 0, fmt.Errorf("xpending: %w", err)
	}
	return res.Count, nil
}

// Ping checks the Redis connection.
func (b *Redis) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (b *Redis) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	return b.client.Close()
}

func (b *Redis) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
