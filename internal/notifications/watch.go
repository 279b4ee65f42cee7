package notifications

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"medpipe/internal/bus"
	"medpipe/internal/events"
	"medpipe/internal/logging"
)

// FailureTopics are the topics Watch consumes.
func FailureTopics() []events.Topic {
	return []events.Topic{
		events.TopicValidationFailed,
		events.TopicDescriptionFailed,
		events.TopicArchivalFailed,
	}
}

// Watch forwards failure events from b to svc until ctx ends. Delivery
// errors are logged and the event acknowledged; alerts are best effort.
func Watch(ctx context.Context, b bus.Bus, group string, svc Service, logger *slog.Logger) error {
	logger = logging.NewComponentLogger(logger, "notifications")
	g, gctx := errgroup.WithContext(ctx)
	for _, topic := range FailureTopics() {
		g.Go(func() error {
			err := b.Subscribe(gctx, topic, group, func(ctx context.Context, evt events.Event) error {
				failure, ok := failureFrom(evt)
				if !ok {
					return nil
				}
				if err := svc.NotifyStudyFailed(ctx, failure); err != nil {
					logging.WarnWithContext(logger, "failure notification not sent", "notify_failed",
						logging.String(logging.FieldStudyID, evt.StudyID),
						logging.Error(err),
						logging.String(logging.FieldErrorHint, "check notifications.ntfy_topic"),
						logging.String(logging.FieldImpact, "no alert for this study"),
					)
				}
				return nil
			})
			if gctx.Err() != nil {
				return nil
			}
			return err
		})
	}
	return g.Wait()
}

func failureFrom(evt events.Event) (Failure, bool) {
	failure := Failure{StudyID: evt.StudyID, Status: string(evt.Topic)}
	switch p := evt.Payload.(type) {
	case events.ValidationFailed:
		failure.Reasons = p.Reasons
	case events.DescriptionFailed:
		failure.Reasons = []string{p.Reason}
	case events.ArchivalFailed:
		failure.Reasons = []string{p.Reason}
	default:
		return Failure{}, false
	}
	return failure, true
}
