package archiver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"medpipe/internal/archive"
	"medpipe/internal/config"
	"medpipe/internal/events"
	"medpipe/internal/fileutil"
	"medpipe/internal/ledger"
	"medpipe/internal/logging"
	"medpipe/internal/services"
	"medpipe/internal/stage"
)

// Archiver relocates described studies into the archive.
type Archiver struct {
	store  *archive.Store
	logger *slog.Logger
	now    func() time.Time
}

// New constructs an archiver writing into store.
func New(store *archive.Store, logger *slog.Logger) *Archiver {
	return &Archiver{
		store:  store,
		logger: logging.NewComponentLogger(logger, config.StageArchiver),
		now:    time.Now,
	}
}

// Execute moves the artifact and writes the sidecar. Both steps tolerate a
// previous partial run, so a redelivered event finishes the job.
func (a *Archiver) Execute(ctx context.Context, study *ledger.Study) (stage.Outcome, error) {
	logger := logging.WithContext(ctx, a.logger)
	if study.MetadataJSON == "" {
		return stage.Outcome{}, services.Wrap(services.ErrValidation, config.StageArchiver, "load metadata", "study has no metadata", nil)
	}

	archived, err := a.store.Move(ctx, study.StudyID, study.ArtifactLocation)
	if err != nil {
		return stage.Outcome{}, classifyMoveError(err)
	}
	digest, err := fileutil.HashFile(archived)
	if err != nil {
		return stage.Outcome{}, services.Wrap(services.ErrTransient, config.StageArchiver, "hash archived artifact", "", err)
	}

	created, err := a.store.WriteSidecar(archive.Sidecar{
		StudyID:     study.StudyID,
		ProcessedAt: a.now().UTC(),
		Artifact:    filepath.Base(archived),
		SHA256:      digest.SHA256,
		Validation:  study.Validation,
		Metadata:    json.RawMessage(study.MetadataJSON),
	})
	if err != nil {
		return stage.Outcome{}, services.Wrap(services.ErrTransient, config.StageArchiver, "write sidecar", "", err)
	}

	location := a.store.StudyDir(study.StudyID)
	logger.Info("study archived",
		logging.String(logging.FieldEventType, "study_archived"),
		logging.String("archive_location", location),
		logging.Int64("artifact_bytes", digest.Size),
		logging.Bool("sidecar_created", created),
	)
	return stage.Outcome{
		Status:  ledger.StatusArchived,
		Details: ledger.Details{ArchiveLocation: location},
		Event:   events.Archived{StudyID: study.StudyID, ArchiveLocation: location},
	}, nil
}

func classifyMoveError(err error) error {
	switch {
	case errors.Is(err, archive.ErrConflict):
		return services.Wrap(services.ErrValidation, config.StageArchiver, "move artifact", "archive already holds different content", err)
	case errors.Is(err, archive.ErrSourceMissing):
		return services.Wrap(services.ErrNotFound, config.StageArchiver, "move artifact", "artifact is gone", err)
	case errors.Is(err, context.DeadlineExceeded):
		return services.Wrap(services.ErrTimeout, config.StageArchiver, "move artifact", "", err)
	case errors.Is(err, archive.ErrInsufficientSpace):
		return services.Wrap(services.ErrTransient, config.StageArchiver, "move artifact", "archive volume is full", err)
	default:
		return services.Wrap(services.ErrTransient, config.StageArchiver, "move artifact", "", err)
	}
}

// HealthCheck reports whether the archive root is writable.
func (a *Archiver) HealthCheck(context.Context) stage.Health {
	if a.store == nil {
		return stage.Unhealthy(config.StageArchiver, "archive store unavailable")
	}
	if err := os.MkdirAll(a.store.Root(), 0o755); err != nil {
		return stage.Unhealthy(config.StageArchiver, fmt.Sprintf("archive root: %v", err))
	}
	free, err := archive.FreeSpace(a.store.Root())
	if err != nil {
		return stage.Unhealthy(config.StageArchiver, fmt.Sprintf("archive free space: %v", err))
	}
	if free == 0 {
		return stage.Unhealthy(config.StageArchiver, "archive volume is full")
	}
	return stage.Healthy(config.StageArchiver)
}
