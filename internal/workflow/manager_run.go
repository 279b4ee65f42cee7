package workflow

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"medpipe/internal/bus"
	"medpipe/internal/events"
	"medpipe/internal/logging"
	"medpipe/internal/stageexec"
)

// Start subscribes every consumer and returns immediately. Consumers run
// until ctx is cancelled or Stop is called.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.New("workflow already running")
	}
	if len(m.stages) == 0 {
		m.mu.Unlock()
		return errors.New("workflow stages not configured")
	}
	runCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(runCtx)
	stages := append([]configuredStage(nil), m.stages...)
	m.cancel = cancel
	m.running = true
	m.runErr = nil
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	groupName := m.cfg.Bus.Group
	for _, stg := range stages {
		consumerGroup := groupName + "-" + stg.spec.Name
		logger := m.logger.With(logging.String(logging.FieldStage, stg.spec.Name))
		logger.Info("stage consumers starting",
			logging.String(logging.FieldEventType, "stage_subscribed"),
			logging.String(logging.FieldTopic, string(stg.spec.Input)),
			logging.String("group", consumerGroup),
			logging.Int("consumers", len(stg.runners)),
		)
		for _, runner := range stg.runners {
			handler := m.track(stg.spec.Name, runner.Handle)
			topic := stg.spec.Input
			group.Go(func() error {
				return m.subscribe(groupCtx, logger, topic, consumerGroup, handler)
			})
		}
	}

	go func() {
		err := group.Wait()
		m.mu.Lock()
		m.running = false
		m.runErr = err
		if err != nil {
			m.lastErr = err
		}
		m.mu.Unlock()
		cancel()
		close(done)
	}()
	return nil
}

func (m *Manager) subscribe(ctx context.Context, logger *slog.Logger, topic events.Topic, group string, handler bus.Handler) error {
	err := m.bus.Subscribe(ctx, topic, group, handler)
	if err == nil || ctx.Err() != nil {
		return nil
	}
	if errors.Is(err, bus.ErrClosed) {
		logger.Info("bus closed; consumer exiting", logging.String(logging.FieldTopic, string(topic)))
		return nil
	}
	logging.ErrorWithContext(logger, "consumer stopped", "consumer_failed",
		logging.String(logging.FieldTopic, string(topic)),
		logging.Error(err),
		logging.String(logging.FieldErrorHint, "check bus connectivity"),
	)
	return err
}

// track wraps a runner so the manager can report activity.
func (m *Manager) track(stageName string, next bus.Handler) bus.Handler {
	return func(ctx context.Context, evt events.Event) error {
		m.mu.Lock()
		m.inFlight++
		m.mu.Unlock()

		err := next(ctx, evt)

		m.mu.Lock()
		m.inFlight--
		m.handled[stageName]++
		if err != nil && !errors.Is(err, stageexec.ErrInProgress) && ctx.Err() == nil {
			m.lastErr = err
		}
		m.mu.Unlock()
		return err
	}
}

// Stop cancels every consumer and waits for them to return.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	done := m.done
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if done != nil {
		<-done
	}
}

// Wait blocks until the consumers exit and returns the first consumer error.
func (m *Manager) Wait() error {
	m.mu.RLock()
	done := m.done
	m.mu.RUnlock()
	if done == nil {
		return nil
	}
	<-done
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.runErr
}
