package validator

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"medpipe/internal/config"
	"medpipe/internal/dicomtags"
	"medpipe/internal/events"
	"medpipe/internal/ledger"
	"medpipe/internal/logging"
	"medpipe/internal/services"
	"medpipe/internal/stage"
)

// Validator checks that an uploaded artifact is a well-formed DICOM instance
// (file meta group and SOP class present) carrying every required tag. It
// never moves files.
type Validator struct {
	reader   dicomtags.Reader
	required []string
	logger   *slog.Logger
}

// New constructs a validator using cfg's required tag set.
func New(cfg *config.Config, reader dicomtags.Reader, logger *slog.Logger) *Validator {
	return &Validator{
		reader:   reader,
		required: append([]string(nil), cfg.Validation.RequiredTags...),
		logger:   logging.NewComponentLogger(logger, config.StageValidator),
	}
}

// Execute inspects the artifact and returns validated or validation-failed.
// Unreadable or non-DICOM artifacts fail validation; only reader timeouts and
// cancellations are retried.
func (v *Validator) Execute(ctx context.Context, study *ledger.Study) (stage.Outcome, error) {
	logger := logging.WithContext(ctx, v.logger)
	reasons, err := v.check(ctx, study.ArtifactLocation)
	if err != nil {
		return stage.Outcome{}, err
	}

	if len(reasons) > 0 {
		logger.Info("validation failed",
			logging.String(logging.FieldEventType, "validation_failed"),
			logging.Strings("reasons", reasons),
		)
		return stage.Outcome{
			Status:  ledger.StatusValidationFailed,
			Details: ledger.Details{Validation: &ledger.ValidationResult{Passed: false, Reasons: reasons}},
			Event:   events.ValidationFailed{StudyID: study.StudyID, Reasons: reasons},
		}, nil
	}

	logger.Info("validation passed", logging.String(logging.FieldEventType, "validation_passed"))
	return stage.Outcome{
		Status:  ledger.StatusValidated,
		Details: ledger.Details{Validation: &ledger.ValidationResult{Passed: true}},
		Event:   events.Validated{StudyID: study.StudyID},
	}, nil
}

func (v *Validator) check(ctx context.Context, path string) ([]string, error) {
	tags, err := v.reader.Read(ctx, path)
	switch {
	case err == nil:
		return append(tags.Missing(v.required), tags.Malformed()...), nil
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return nil, services.Wrap(services.ErrTimeout, config.StageValidator, "read tags", "tag reader did not finish", err)
	case errors.Is(err, services.ErrTransient):
		return nil, err
	case errors.Is(err, dicomtags.ErrUnreadable), errors.Is(err, dicomtags.ErrNotDICOM):
		return []string{strings.TrimSpace(err.Error())}, nil
	default:
		return []string{dicomtags.ErrUnreadable.Error() + ": " + strings.TrimSpace(err.Error())}, nil
	}
}

// HealthCheck reports whether the validator has a reader and tag set.
func (v *Validator) HealthCheck(context.Context) stage.Health {
	switch {
	case v.reader == nil:
		return stage.Unhealthy(config.StageValidator, "tag reader unavailable")
	case len(v.required) == 0:
		return stage.Unhealthy(config.StageValidator, "no required tags configured")
	default:
		return stage.Healthy(config.StageValidator)
	}
}
