package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Create inserts a new study in status uploaded.
func (s *Store) Create(ctx context.Context, studyID, artifactLocation string) (*Study, error) {
	studyID = strings.TrimSpace(studyID)
	if studyID == "" {
		return nil, errors.New("create study: study id required")
	}
	if strings.TrimSpace(artifactLocation) == "" {
		return nil, errors.New("create study: artifact location required")
	}
	now := formatTime(s.now())
	res, err := s.execWithRetry(ctx,
		`INSERT INTO studies (study_id, artifact_location, status, status_rank, terminal, attempts, created_at, status_updated_at, updated_at)
         VALUES (?, ?, ?, ?, 0, 0, ?, ?, ?)
         ON CONFLICT (study_id) DO NOTHING`,
		studyID, artifactLocation, string(StatusUploaded), StatusUploaded.Rank(), now, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert study: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("insert study rows affected: %w", err)
	}
	if affected == 0 {
		return nil, fmt.Errorf("%w: %s", ErrExists, studyID)
	}
	return s.Get(ctx, studyID)
}

// Get fetches a study by id. ErrNotFound when absent.
func (s *Store) Get(ctx context.Context, studyID string) (*Study, error) {
	ctx = ensureContext(ctx)
	var study *Study
	err := retryOnBusy(ctx, func() error {
		row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+studyColumns+` FROM studies WHERE study_id = ?`), studyID)
		var scanErr error
		study, scanErr = scanStudy(row)
		return scanErr
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, studyID)
	}
	if err != nil {
		return nil, fmt.Errorf("get study: %w", err)
	}
	return study, nil
}

// List returns studies in creation order, optionally filtered by status.
func (s *Store) List(ctx context.Context, statuses ...Status) ([]*Study, error) {
	query := `SELECT ` + studyColumns + ` FROM studies`
	var args []any
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + makePlaceholders(len(statuses)) + `)`
		args = statusArgs(statuses)
	}
	query += ` ORDER BY created_at, study_id`
	return s.queryStudies(ctx, query, args...)
}

// Stuck returns studies in one of statuses whose last ledger activity is older
// than olderThan and whose lease, if any, has expired.
func (s *Store) Stuck(ctx context.Context, statuses []Status, olderThan time.Time) ([]*Study, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := statusArgs(statuses)
	args = append(args, formatTime(olderThan), formatTime(s.now()))
	query := `SELECT ` + studyColumns + ` FROM studies
        WHERE status IN (` + makePlaceholders(len(statuses)) + `)
          AND updated_at < ?
          AND (claim_expires IS NULL OR claim_expires < ?)
        ORDER BY updated_at, study_id`
	return s.queryStudies(ctx, query, args...)
}

// Summary counts studies per status.
func (s *Store) Summary(ctx context.Context) (Summary, error) {
	ctx = ensureContext(ctx)
	summary := Summary{ByStatus: make(map[Status]int)}
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM studies GROUP BY status`)
	if err != nil {
		return summary, fmt.Errorf("summarize studies: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return summary, fmt.Errorf("scan summary: %w", err)
		}
		summary.ByStatus[Status(status)] = count
		summary.Total += count
	}
	if err := rows.Err(); err != nil {
		return summary, fmt.Errorf("iterate summary: %w", err)
	}
	return summary, nil
}

func (s *Store) queryStudies(ctx context.Context, query string, args ...any) ([]*Study, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query studies: %w", err)
	}
	defer rows.Close()

	var studies []*Study
	for rows.Next() {
		study, err := scanStudy(rows)
		if err != nil {
			return nil, fmt.Errorf("scan study: %w", err)
		}
		studies = append(studies, study)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate studies: %w", err)
	}
	return studies, nil
}
