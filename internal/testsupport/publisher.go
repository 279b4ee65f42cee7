package testsupport

import (
	"context"
	"sync"

	"medpipe/internal/events"
)

// RecordingPublisher captures published events and can be told to fail.
type RecordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
	fail   error
}

// Publish records evt unless a failure is configured.
func (p *RecordingPublisher) Publish(_ context.Context, evt events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return p.fail
	}
	p.events = append(p.events, evt)
	return nil
}

// FailWith makes subsequent publishes return err; nil restores success.
func (p *RecordingPublisher) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail = err
}

// Events returns a copy of everything published so far.
func (p *RecordingPublisher) Events() []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.Event(nil), p.events...)
}

// Topics returns the topics published, in order.
func (p *RecordingPublisher) Topics() []events.Topic {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Topic, len(p.events))
	for i, evt := range p.events {
		out[i] = evt.Topic
	}
	return out
}

// Count returns how many events were published on topic.
func (p *RecordingPublisher) Count(topic events.Topic) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, evt := range p.events {
		if evt.Topic == topic {
			n++
		}
	}
	return n
}
