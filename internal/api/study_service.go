package api

import (
	"context"
	"time"

	"medpipe/internal/ledger"
)

// StudyReader abstracts the ledger reads needed for status queries.
type StudyReader interface {
	Get(ctx context.Context, studyID string) (*ledger.Study, error)
	List(ctx context.Context, statuses ...ledger.Status) ([]*ledger.Study, error)
	Summary(ctx context.Context) (ledger.Summary, error)
	Ping(ctx context.Context) error
}

// StudyService exposes read-only ledger operations returning API DTOs.
type StudyService struct {
	store StudyReader
	cache *studyCache
}

// NewStudyService constructs a StudyService. cacheSize <= 0 disables caching.
func NewStudyService(store StudyReader, cacheSize int, cacheTTL time.Duration) *StudyService {
	if store == nil {
		return nil
	}
	return &StudyService{store: store, cache: newStudyCache(cacheSize, cacheTTL)}
}

// Describe fetches a single study. Unknown ids return ledger.ErrNotFound.
func (s *StudyService) Describe(ctx context.Context, studyID string) (Study, error) {
	if dto, ok := s.cache.get(studyID); ok {
		return dto, nil
	}
	study, err := s.store.Get(ctx, studyID)
	if err != nil {
		return Study{}, err
	}
	dto := FromStudy(study)
	if study.Status.IsTerminal() {
		s.cache.add(studyID, dto)
	}
	return dto, nil
}

// List returns studies filtered by status.
func (s *StudyService) List(ctx context.Context, statuses ...ledger.Status) ([]Study, error) {
	studies, err := s.store.List(ctx, statuses...)
	if err != nil {
		return nil, err
	}
	return FromStudies(studies), nil
}

// Summary returns per-status counts.
func (s *StudyService) Summary(ctx context.Context) (SummaryResponse, error) {
	summary, err := s.store.Summary(ctx)
	if err != nil {
		return SummaryResponse{}, err
	}
	return FromSummary(summary), nil
}

// Ping checks the ledger.
func (s *StudyService) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}
