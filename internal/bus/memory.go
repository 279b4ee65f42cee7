package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"medpipe/internal/events"
	"medpipe/internal/logging"
)

const (
	backendMemory = "memory"
	// defaultBacklogLimit caps events retained for topics nobody subscribes to yet.
	defaultBacklogLimit = 1024
	idlePollInterval    = 5 * time.Millisecond
)

// Memory is an in-process Bus. Events are serialized on publish so handlers
// see exactly what a networked bus would carry. Failed deliveries are
// requeued after an exponential backoff; nothing survives a restart.
type Memory struct {
	logger     *slog.Logger
	redelivery Redelivery

	mu        sync.Mutex
	perTopic  map[events.Topic]Redelivery
	groups    map[events.Topic]map[string]*memGroup
	backlog   map[events.Topic][][]byte
	published map[events.Topic]int
	closed    bool
	done      chan struct{}
}

type memDelivery struct {
	data    []byte
	attempt int
	backoff *backoff.ExponentialBackOff
}

type memGroup struct {
	topic  events.Topic
	name   string
	done   <-chan struct{}
	signal chan struct{}

	mu        sync.Mutex
	queue     []*memDelivery
	inflight  int
	scheduled map[*time.Timer]struct{}
	closed    bool
}

// NewMemory constructs an in-process bus.
func NewMemory(logger *slog.Logger, redelivery Redelivery) *Memory {
	return &Memory{
		logger:     logging.NewComponentLogger(logger, "bus"),
		redelivery: redelivery,
		groups:     make(map[events.Topic]map[string]*memGroup),
		backlog:    make(map[events.Topic][][]byte),
		published:  make(map[events.Topic]int),
		perTopic:   make(map[events.Topic]Redelivery),
		done:       make(chan struct{}),
	}
}

// Publish fans evt out to every group subscribed to its topic. Events on a
// topic with no groups yet are retained, up to a limit, for the first group.
func (b *Memory) Publish(ctx context.Context, evt events.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := evt.Marshal()
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.published[evt.Topic]++
	publishedTotal.WithLabelValues(backendMemory, string(evt.Topic)).Inc()

	groups := b.groups[evt.Topic]
	if len(groups) == 0 {
		backlog := append(b.backlog[evt.Topic], data)
		if len(backlog) > defaultBacklogLimit {
			backlog = backlog[len(backlog)-defaultBacklogLimit:]
		}
		b.backlog[evt.Topic] = backlog
		return nil
	}
	for _, g := range groups {
		g.push(b.newDelivery(evt.Topic, data))
	}
	return nil
}

// SetRedelivery overrides the redelivery curve for one topic.
func (b *Memory) SetRedelivery(topic events.Topic, policy Redelivery) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.perTopic[topic] = policy
}

// Subscribe consumes topic as a member of group until ctx is done. Several
// concurrent Subscribe calls with the same group compete for deliveries.
func (b *Memory) Subscribe(ctx context.Context, topic events.Topic, group string, handler Handler) error {
	g, err := b.group(topic, group)
	if err != nil {
		return err
	}
	logger := b.logger.With(logging.String(logging.FieldTopic, string(topic)), logging.String("group", group))

	for {
		d, err := g.next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		evt, decodeErr := events.Decode(d.data)
		if decodeErr != nil {
			logging.WarnWithContext(logger, "dropping undecodable event", "event_dropped",
				logging.Error(decodeErr),
				logging.String(logging.FieldImpact, "event is discarded"),
			)
			deliveriesTotal.WithLabelValues(backendMemory, string(topic), group, outcomeDropped).Inc()
			g.finish(nil, 0)
			continue
		}

		d.attempt++
		if handlerErr := handler(ctx, evt); handlerErr != nil {
			delay := d.backoff.NextBackOff()
			logger.Debug("delivery failed; scheduling redelivery",
				logging.String(logging.FieldStudyID, evt.StudyID),
				logging.Int("attempt", d.attempt),
				logging.Duration("delay", delay),
				logging.Error(handlerErr),
			)
			deliveriesTotal.WithLabelValues(backendMemory, string(topic), group, outcomeRetry).Inc()
			g.finish(d, delay)
			continue
		}
		deliveriesTotal.WithLabelValues(backendMemory, string(topic), group, outcomeAck).Inc()
		g.finish(nil, 0)
	}
}

// Ping reports whether the bus is open.
func (b *Memory) Ping(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

// Close stops all subscriptions and pending redeliveries.
func (b *Memory) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.done)
	for _, groups := range b.groups {
		for _, g := range groups {
			g.close()
		}
	}
	return nil
}

// PublishedCount returns how many events were published on topic.
func (b *Memory) PublishedCount(topic events.Topic) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.published[topic]
}

// WaitIdle blocks until no delivery is queued, running, or awaiting redelivery.
func (b *Memory) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(idlePollInterval)
	defer ticker.Stop()
	for {
		if b.idle() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (b *Memory) idle() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, groups := range b.groups {
		for _, g := range groups {
			if !g.idle() {
				return false
			}
		}
	}
	return true
}

// newDelivery must be called with b.mu held.
func (b *Memory) newDelivery(topic events.Topic, data []byte) *memDelivery {
	policy, ok := b.perTopic[topic]
	if !ok {
		policy = b.redelivery
	}
	return &memDelivery{data: data, backoff: policy.newBackOff()}
}

func (b *Memory) group(topic events.Topic, name string) (*memGroup, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	groups := b.groups[topic]
	if groups == nil {
		groups = make(map[string]*memGroup)
		b.groups[topic] = groups
	}
	if g, ok := groups[name]; ok {
		return g, nil
	}
	g := &memGroup{
		topic:     topic,
		name:      name,
		done:      b.done,
		signal:    make(chan struct{}, 1),
		scheduled: make(map[*time.Timer]struct{}),
	}
	groups[name] = g
	for _, data := range b.backlog[topic] {
		g.push(b.newDelivery(topic, data))
	}
	delete(b.backlog, topic)
	return g, nil
}

func (g *memGroup) push(d *memDelivery) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.queue = append(g.queue, d)
	g.updateGauge()
	g.mu.Unlock()
	g.notify()
}

func (g *memGroup) notify() {
	select {
	case g.signal <- struct{}{}:
	default:
	}
}

func (g *memGroup) next(ctx context.Context) (*memDelivery, error) {
	for {
		g.mu.Lock()
		if g.closed {
			g.mu.Unlock()
			return nil, ErrClosed
		}
		if len(g.queue) > 0 {
			d := g.queue[0]
			g.queue[0] = nil
			g.queue = g.queue[1:]
			g.inflight++
			more := len(g.queue) > 0
			g.updateGauge()
			g.mu.Unlock()
			if more {
				g.notify()
			}
			return d, nil
		}
		g.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-g.done:
			return nil, ErrClosed
		case <-g.signal:
		}
	}
}

// finish marks an in-flight delivery done. A non-nil retry is requeued after delay.
func (g *memGroup) finish(retry *memDelivery, delay time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inflight--
	if retry == nil || g.closed {
		g.updateGauge()
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		g.mu.Lock()
		delete(g.scheduled, timer)
		if !g.closed {
			g.queue = append(g.queue, retry)
		}
		g.updateGauge()
		g.mu.Unlock()
		g.notify()
	})
	g.scheduled[timer] = struct{}{}
	g.updateGauge()
}

func (g *memGroup) idle() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.queue) == 0 && g.inflight == 0 && len(g.scheduled) == 0
}

func (g *memGroup) close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	for timer := range g.scheduled {
		timer.Stop()
	}
	g.scheduled = make(map[*time.Timer]struct{})
	g.queue = nil
	g.updateGauge()
}

// updateGauge must be called with g.mu held.
func (g *memGroup) updateGauge() {
	pendingGauge.WithLabelValues(string(g.topic), g.name).Set(float64(len(g.queue) + len(g.scheduled)))
}
