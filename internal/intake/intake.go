package intake

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/google/uuid"

	"medpipe/internal/config"
	"medpipe/internal/events"
	"medpipe/internal/fileutil"
	"medpipe/internal/ledger"
	"medpipe/internal/logging"
	"medpipe/internal/services"
)

const stageName = "intake"

// Publisher is the slice of the bus intake needs.
type Publisher interface {
	Publish(ctx context.Context, evt events.Event) error
}

// Service stores submissions and creates their ledger rows.
type Service struct {
	cfg       *config.Config
	store     *ledger.Store
	publisher Publisher
	logger    *slog.Logger
	newID     func() string
}

// New constructs an intake service.
func New(cfg *config.Config, store *ledger.Store, publisher Publisher, logger *slog.Logger) *Service {
	return &Service{
		cfg:       cfg,
		store:     store,
		publisher: publisher,
		logger:    logging.NewComponentLogger(logger, stageName),
		newID:     uuid.NewString,
	}
}

// SubmitFile submits the artifact at path. The source file is left in place.
func (s *Service) SubmitFile(ctx context.Context, path string) (*ledger.Study, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, services.Wrap(services.ErrNotFound, stageName, "open artifact", path, err)
		}
		return nil, fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()
	return s.Submit(ctx, filepath.Base(path), f)
}

// Submit copies r into <scratch>/<study_id>/<name>, creates the study in
// uploaded, and publishes uploaded. When the publish fails the study is
// still recorded; the stuck sweep republishes its event later.
func (s *Service) Submit(ctx context.Context, name string, r io.Reader) (*ledger.Study, error) {
	name = filepath.Base(strings.TrimSpace(name))
	if name == "" || name == "." || name == string(filepath.Separator) {
		return nil, services.Wrap(services.ErrValidation, stageName, "check name", "artifact name required", nil)
	}
	if !s.allowed(name) {
		return nil, services.Wrap(services.ErrValidation, stageName, "check extension",
			fmt.Sprintf("unsupported file type %q", filepath.Ext(name)), nil)
	}

	studyID := s.newID()
	dst := filepath.Join(s.cfg.Paths.ScratchDir, studyID, name)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return nil, fmt.Errorf("create scratch directory: %w", err)
	}
	digest, err := fileutil.CopyLimited(r, dst, 0o644, s.cfg.Intake.MaxArtifactBytes())
	if err != nil {
		_ = os.RemoveAll(filepath.Dir(dst))
		if errors.Is(err, fileutil.ErrTooLarge) {
			return nil, services.Wrap(services.ErrValidation, stageName, "store artifact",
				fmt.Sprintf("artifact exceeds %d MB", s.cfg.Intake.MaxArtifactMB), err)
		}
		return nil, fmt.Errorf("store artifact: %w", err)
	}

	study, err := s.store.Create(ctx, studyID, dst)
	if err != nil {
		_ = os.RemoveAll(filepath.Dir(dst))
		return nil, fmt.Errorf("record study: %w", err)
	}

	ctx = services.WithStudyID(ctx, studyID)
	logger := logging.WithContext(ctx, s.logger)
	logger.Info("study submitted",
		logging.String(logging.FieldEventType, "study_submitted"),
		logging.String("artifact", dst),
		logging.Int64("artifact_bytes", digest.Size),
		logging.String("sha256", digest.SHA256),
	)

	evt, err := events.New(events.Uploaded{StudyID: studyID, ArtifactLocation: dst})
	if err != nil {
		return study, err
	}
	if err := s.publisher.Publish(ctx, evt); err != nil {
		logging.WarnWithContext(logger, "uploaded event not published", "publish_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "the stuck sweep will republish it"),
		)
		return study, fmt.Errorf("publish uploaded: %w", err)
	}
	return study, nil
}

func (s *Service) allowed(name string) bool {
	allowed := s.cfg.Intake.AllowedExtensions
	if len(allowed) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(name))
	return slices.ContainsFunc(allowed, func(candidate string) bool {
		return strings.EqualFold(candidate, ext)
	})
}
