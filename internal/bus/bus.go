package bus

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"medpipe/internal/events"
)

// ErrClosed is returned by Publish and Subscribe after Close.
var ErrClosed = errors.New("bus closed")

// Handler processes one delivery. A nil return acknowledges the event; a
// non-nil return asks the bus to redeliver it later. Handlers must be
// idempotent because every event may be delivered more than once.
type Handler func(ctx context.Context, evt events.Event) error

// Bus is an at-least-once, topic-addressed event bus. Every consumer group
// subscribed to a topic receives each published event; within a group each
// delivery goes to one subscriber.
type Bus interface {
	Publish(ctx context.Context, evt events.Event) error
	// Subscribe consumes topic as a member of group until ctx is done.
	Subscribe(ctx context.Context, topic events.Topic, group string, handler Handler) error
	Ping(ctx context.Context) error
	Close() error
}

// Redelivery controls the delay before a failed delivery is retried.
type Redelivery struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

// DefaultRedelivery matches the retry defaults: 1s doubling to 60s with 20% jitter.
func DefaultRedelivery() Redelivery {
	return Redelivery{Initial: time.Second, Max: time.Minute, Multiplier: 2, Jitter: 0.2}
}

func (r Redelivery) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if r.Initial > 0 {
		b.InitialInterval = r.Initial
	}
	if r.Max > 0 {
		b.MaxInterval = r.Max
	}
	if r.Multiplier > 0 {
		b.Multiplier = r.Multiplier
	}
	if r.Jitter >= 0 {
		b.RandomizationFactor = r.Jitter
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
