package bus_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"medpipe/internal/bus"
	"medpipe/internal/events"
	"medpipe/internal/logging"
)

func fastRedelivery() bus.Redelivery {
	return bus.Redelivery{Initial: 5 * time.Millisecond, Max: 20 * time.Millisecond, Multiplier: 2, Jitter: 0}
}

func mustEvent(t *testing.T, payload events.Payload) events.Event {
	t.Helper()
	evt, err := events.New(payload)
	if err != nil {
		t.Fatalf("events.New: %v", err)
	}
	return evt
}

type collector struct {
	mu   sync.Mutex
	seen []string
}

func (c *collector) handler(_ context.Context, evt events.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = append(c.seen, evt.StudyID)
	return nil
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestMemoryFansOutToEveryGroup(t *testing.T) {
	b := bus.NewMemory(logging.NewNop(), fastRedelivery())
	t.Cleanup(func() { _ = b.Close() })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var a, c collector
	go func() { _ = b.Subscribe(ctx, events.TopicValidated, "descriptor", a.handler) }()
	go func() { _ = b.Subscribe(ctx, events.TopicValidated, "audit", c.handler) }()
	// Both groups must exist before the publish; a topic with no groups only backlogs.
	time.Sleep(50 * time.Millisecond)

	if err := b.Publish(ctx, mustEvent(t, events.Validated{StudyID: "s-1"})); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	waitFor(t, time.Second, func() bool { return a.count() == 1 && c.count() == 1 })
	if got := b.PublishedCount(events.TopicValidated); got != 1 {
		t.Fatalf("PublishedCount = %d, want 1", got)
	}
}

func TestMemoryCompetingConsumersShareGroup(t *testing.T) {
	b := bus.NewMemory(logging.NewNop(), fastRedelivery())
	t.Cleanup(func() { _ = b.Close() })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var delivered atomic.Int64
	handler := func(context.Context, events.Event) error {
		delivered.Add(1)
		return nil
	}
	for range 4 {
		go func() { _ = b.Subscribe(ctx, events.TopicUploaded, "validator", handler) }()
	}
	const total = 50
	for i := range total {
		evt := mustEvent(t, events.Uploaded{StudyID: string(rune('a'+i%26)) + "-study", ArtifactLocation: "/tmp/x"})
		if err := b.Publish(ctx, evt); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	waitCtx, waitCancel := context.WithTimeout(ctx, 2*time.Second)
	defer waitCancel()
	waitFor(t, 2*time.Second, func() bool { return delivered.Load() == total })
	if err := b.WaitIdle(waitCtx); err != nil {
		t.Fatalf("WaitIdle: %v", err)
	}
	if got := delivered.Load(); got != total {
		t.Fatalf("delivered %d, want exactly %d", got, total)
	}
}

func TestMemoryRedeliversAfterHandlerError(t *testing.T) {
	b := bus.NewMemory(logging.NewNop(), fastRedelivery())
	t.Cleanup(func() { _ = b.Close() })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts atomic.Int64
	go func() {
		_ = b.Subscribe(ctx, events.TopicDescribed, "archiver", func(context.Context, events.Event) error {
			if attempts.Add(1) < 3 {
				return errors.New("transient")
			}
			return nil
		})
	}()
	if err := b.Publish(ctx, mustEvent(t, events.Described{StudyID: "s-2"})); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return attempts.Load() == 3 })

	idleCtx, idleCancel := context.WithTimeout(ctx, time.Second)
	defer idleCancel()
	if err := b.WaitIdle(idleCtx); err != nil {
		t.Fatalf("WaitIdle: %v", err)
	}
	if got := attempts.Load(); got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}
}

func TestMemoryBacklogDeliveredToFirstGroup(t *testing.T) {
	b := bus.NewMemory(logging.NewNop(), fastRedelivery())
	t.Cleanup(func() { _ = b.Close() })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, id := range []string{"s-1", "s-2", "s-3"} {
		if err := b.Publish(ctx, mustEvent(t, events.Validated{StudyID: id})); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	var c collector
	go func() { _ = b.Subscribe(ctx, events.TopicValidated, "descriptor", c.handler) }()
	waitFor(t, time.Second, func() bool { return c.count() == 3 })

	c.mu.Lock()
	defer c.mu.Unlock()
	for i, want := range []string{"s-1", "s-2", "s-3"} {
		if c.seen[i] != want {
			t.Fatalf("delivery %d = %s, want %s", i, c.seen[i], want)
		}
	}
}

func TestMemorySubscribeReturnsOnContextCancel(t *testing.T) {
	b := bus.NewMemory(logging.NewNop(), fastRedelivery())
	t.Cleanup(func() { _ = b.Close() })
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- b.Subscribe(ctx, events.TopicArchived, "audit", func(context.Context, events.Event) error { return nil })
	}()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Subscribe returned %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Subscribe did not return after cancel")
	}
}

func TestMemoryClosed(t *testing.T) {
	b := bus.NewMemory(logging.NewNop(), fastRedelivery())
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		done <- b.Subscribe(ctx, events.TopicArchived, "audit", func(context.Context, events.Event) error { return nil })
	}()
	time.Sleep(10 * time.Millisecond)
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, bus.ErrClosed) {
			t.Fatalf("Subscribe returned %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Subscribe did not return after Close")
	}
	if err := b.Publish(ctx, mustEvent(t, events.Validated{StudyID: "s"})); !errors.Is(err, bus.ErrClosed) {
		t.Fatalf("Publish after close = %v, want ErrClosed", err)
	}
	if err := b.Ping(ctx); !errors.Is(err, bus.ErrClosed) {
		t.Fatalf("Ping after close = %v, want ErrClosed", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestMemorySetRedeliveryOverridesTopic(t *testing.T) {
	slow := bus.Redelivery{Initial: time.Hour, Max: time.Hour, Multiplier: 1, Jitter: 0}
	b := bus.NewMemory(logging.NewNop(), slow)
	t.Cleanup(func() { _ = b.Close() })
	b.SetRedelivery(events.TopicUploaded, fastRedelivery())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts atomic.Int64
	go func() {
		_ = b.Subscribe(ctx, events.TopicUploaded, "validator", func(context.Context, events.Event) error {
			if attempts.Add(1) == 1 {
				return errors.New("transient")
			}
			return nil
		})
	}()
	if err := b.Publish(ctx, mustEvent(t, events.Uploaded{StudyID: "s", ArtifactLocation: "/tmp/a"})); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	waitFor(t, time.Second, func() bool { return attempts.Load() == 2 })
}
