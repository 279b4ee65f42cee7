package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrExternalTool  = errors.New("external tool error")
	ErrValidation    = errors.New("validation error")
	ErrConfiguration = errors.New("configuration error")
	ErrNotFound      = errors.New("not found")
	ErrTimeout       = errors.New("timeout")
	ErrTransient     = errors.New("transient failure")
)

// Kind names the failure class a marker represents.
type Kind string

const (
	KindExternalTool  Kind = "external_tool"
	KindValidation    Kind = "validation"
	KindConfiguration Kind = "configuration"
	KindNotFound      Kind = "not_found"
	KindTimeout       Kind = "timeout"
	KindTransient     Kind = "transient"
	KindUnknown       Kind = "unknown"
)

// ErrorDetails breaks a wrapped error into the fields used for structured logs
// and ledger failure reasons.
type ErrorDetails struct {
	Kind      Kind
	Stage     string
	Operation string
	Message   string
	Cause     error
}

// stageError carries the structured context recorded by Wrap.
type stageError struct {
	marker    error
	stage     string
	operation string
	message   string
	cause     error
}

func (e *stageError) Error() string {
	detail := buildDetail(e.stage, e.operation, e.message)
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.marker, detail, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.marker, detail)
}

func (e *stageError) Unwrap() []error {
	if e.cause != nil {
		return []error{e.marker, e.cause}
	}
	return []error{e.marker}
}

// Wrap builds an error message that includes stage context while tagging it with
// the provided marker for later classification. The marker should be one
// of the exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	if marker == nil {
		marker = ErrTransient
	}
	return &stageError{
		marker:    marker,
		stage:     strings.TrimSpace(stage),
		operation: strings.TrimSpace(operation),
		message:   strings.TrimSpace(message),
		cause:     err,
	}
}

// Details extracts the structured context from an error produced by Wrap.
// Errors that were not wrapped report their full text as the message.
func Details(err error) ErrorDetails {
	if err == nil {
		return ErrorDetails{Kind: KindUnknown}
	}
	var se *stageError
	if errors.As(err, &se) {
		return ErrorDetails{
			Kind:      kindOf(se.marker),
			Stage:     se.stage,
			Operation: se.operation,
			Message:   se.message,
			Cause:     se.cause,
		}
	}
	return ErrorDetails{Kind: kindOf(err), Message: err.Error(), Cause: err}
}

// IsRetryable reports whether a failure may succeed on redelivery. Validation,
// configuration, and not-found failures are permanent; everything else,
// including unclassified errors, is retried up to the stage ceiling.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, ErrConfiguration), errors.Is(err, ErrNotFound):
		return false
	default:
		return true
	}
}

// Reason renders a short human-readable failure reason for the status record.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	details := Details(err)
	message := details.Message
	if details.Cause != nil && details.Cause != err {
		if message == "" {
			message = details.Cause.Error()
		} else {
			message = message + ": " + details.Cause.Error()
		}
	}
	if strings.TrimSpace(message) == "" {
		message = err.Error()
	}
	return message
}

func kindOf(err error) Kind {
	switch {
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrConfiguration):
		return KindConfiguration
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrExternalTool):
		return KindExternalTool
	case errors.Is(err, ErrTransient):
		return KindTransient
	default:
		return KindUnknown
	}
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage != "" {
		parts = append(parts, stage)
	}
	if operation != "" {
		parts = append(parts, operation)
	}
	if message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
