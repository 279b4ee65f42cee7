package services

import "context"

type contextKey string

const (
	studyIDKey   contextKey = "study_id"
	stageKey     contextKey = "stage"
	topicKey     contextKey = "topic"
	requestIDKey contextKey = "request_id"
)

// WithStudyID annotates context with the study identifier.
func WithStudyID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, studyIDKey, id)
}

// StudyIDFromContext extracts the study identifier if present.
func StudyIDFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(studyIDKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}

// WithStage annotates context with the pipeline stage name.
func WithStage(ctx context.Context, stage string) context.Context {
	if stage == "" {
		return ctx
	}
	return context.WithValue(ctx, stageKey, stage)
}

// StageFromContext returns the stage name if present.
func StageFromContext(ctx context.Context) (string, bool) {
	v := ctx.Value(stageKey)
	if str, ok := v.(string); ok && str != "" {
		return str, true
	}
	return "", false
}

// WithTopic annotates context with the event topic being handled.
func WithTopic(ctx context.Context, topic string) context.Context {
	if topic == "" {
		return ctx
	}
	return context.WithValue(ctx, topicKey, topic)
}

// TopicFromContext returns the event topic if present.
func TopicFromContext(ctx context.Context) (string, bool) {
	v := ctx.Value(topicKey)
	if str, ok := v.(string); ok && str != "" {
		return str, true
	}
	return "", false
}

// WithRequestID annotates context with a correlation identifier.
func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext extracts the correlation identifier if present.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(requestIDKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}
