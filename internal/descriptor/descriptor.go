package descriptor

import (
	"context"
	"errors"
	"log/slog"

	"medpipe/internal/config"
	"medpipe/internal/dicomtags"
	"medpipe/internal/events"
	"medpipe/internal/ledger"
	"medpipe/internal/logging"
	"medpipe/internal/services"
	"medpipe/internal/stage"
)

// Descriptor re-reads a validated artifact and records its metadata.
type Descriptor struct {
	reader dicomtags.Reader
	logger *slog.Logger
}

// New constructs a descriptor.
func New(reader dicomtags.Reader, logger *slog.Logger) *Descriptor {
	return &Descriptor{
		reader: reader,
		logger: logging.NewComponentLogger(logger, config.StageDescriptor),
	}
}

// Execute projects the artifact's tags into Metadata. The artifact already
// passed validation, so read failures here are treated as transient.
func (d *Descriptor) Execute(ctx context.Context, study *ledger.Study) (stage.Outcome, error) {
	logger := logging.WithContext(ctx, d.logger)

	tags, err := d.reader.Read(ctx, study.ArtifactLocation)
	if err != nil {
		marker := services.ErrTransient
		if errors.Is(err, context.DeadlineExceeded) {
			marker = services.ErrTimeout
		}
		return stage.Outcome{}, services.Wrap(marker, config.StageDescriptor, "read tags", "artifact could not be read", err)
	}

	md := Project(tags)
	encoded, err := md.Encode()
	if err != nil {
		return stage.Outcome{}, services.Wrap(services.ErrTransient, config.StageDescriptor, "encode metadata", "", err)
	}
	logger.Info("metadata extracted",
		logging.String(logging.FieldEventType, "metadata_extracted"),
		logging.Int("subject_fields", len(md.Subject)),
		logging.Int("acquisition_fields", len(md.Acquisition)),
	)
	return stage.Outcome{
		Status:  ledger.StatusDescribed,
		Details: ledger.Details{MetadataJSON: encoded},
		Event:   events.Described{StudyID: study.StudyID},
	}, nil
}

// HealthCheck reports whether a tag reader is wired.
func (d *Descriptor) HealthCheck(context.Context) stage.Health {
	if d.reader == nil {
		return stage.Unhealthy(config.StageDescriptor, "tag reader unavailable")
	}
	return stage.Healthy(config.StageDescriptor)
}
