package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// leaseLapsedReason is stored when a claim takes over an unreleased lease.
const leaseLapsedReason = "previous worker stopped without releasing the study (lease expired)"

// SetStatus writes status iff the stored status is non-terminal and ranks
// strictly earlier. A write that is not applied is a successful no-op; the
// Result reports the status left in the ledger. Applied writes clear the claim
// and reset the attempt counter for the next stage.
func (s *Store) SetStatus(ctx context.Context, studyID string, status Status, details Details) (Result, error) {
	if !status.valid() {
		return Result{}, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, status)
	}
	if status == StatusUploaded {
		return Result{}, fmt.Errorf("%w: uploaded is only set by Create", ErrInvalidTransition)
	}
	if err := details.check(status); err != nil {
		return Result{}, err
	}

	passed, reasons := validationColumns(details.Validation)
	now := formatTime(s.now())
	res, err := s.execWithRetry(ctx,
		`UPDATE studies
         SET status = ?, status_rank = ?, terminal = ?, status_updated_at = ?, updated_at = ?,
             validation_passed = COALESCE(?, validation_passed),
             validation_reasons = COALESCE(?, validation_reasons),
             metadata_json = COALESCE(?, metadata_json),
             archive_location = COALESCE(?, archive_location),
             failure_reason = COALESCE(?, failure_reason),
             claim_owner = NULL, claim_expires = NULL, attempts = 0
         WHERE study_id = ? AND terminal = 0 AND status_rank < ?`,
		string(status), status.Rank(), boolInt(status.IsTerminal()), now, now,
		passed,
		reasons,
		nullableString(details.MetadataJSON),
		nullableString(details.ArchiveLocation),
		nullableString(strings.TrimSpace(details.FailureReason)),
		studyID, status.Rank(),
	)
	if err != nil {
		return Result{}, fmt.Errorf("set status %s: %w", status, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Result{}, fmt.Errorf("set status rows affected: %w", err)
	}
	if affected > 0 {
		return Result{Applied: true, Status: status}, nil
	}

	current, err := s.Get(ctx, studyID)
	if err != nil {
		return Result{}, err
	}
	return Result{Applied: false, Status: current.Status}, nil
}

// Claim moves a study from ready to processing for owner, holding a lease
// until now+lease. It also succeeds when the study is already in processing
// and no live lease exists, which lets a redelivered event resume a stage
// whose previous owner released or crashed. Taking over a lapsed lease that
// was never released counts as a failed attempt, so a stage that keeps
// killing its worker still reaches the retry ceiling. This conditional
// update is the only mutual-exclusion point between concurrent workers.
func (s *Store) Claim(ctx context.Context, studyID string, ready, processing Status, owner string, lease time.Duration) (Claim, error) {
	if ready.IsTerminal() || !processing.IsProcessing() || processing.Rank() != ready.Rank()+1 {
		return Claim{}, fmt.Errorf("%w: cannot claim %s -> %s", ErrInvalidTransition, ready, processing)
	}
	if strings.TrimSpace(owner) == "" {
		return Claim{}, errors.New("claim: owner required")
	}
	if lease <= 0 {
		return Claim{}, errors.New("claim: lease must be positive")
	}

	nowTime := s.now()
	now := formatTime(nowTime)
	expires := formatTime(nowTime.Add(lease))
	var attempts int
	err := s.queryRowWithRetry(ctx, []any{&attempts},
		`UPDATE studies
         SET status = ?, status_rank = ?,
             status_updated_at = CASE WHEN status = ? THEN ? ELSE status_updated_at END,
             attempts = attempts + CASE WHEN status = ? AND claim_owner IS NOT NULL THEN 1 ELSE 0 END,
             last_error = CASE WHEN status = ? AND claim_owner IS NOT NULL THEN ? ELSE last_error END,
             updated_at = ?, claim_owner = ?, claim_expires = ?
         WHERE study_id = ?
           AND (status = ? OR (status = ? AND (claim_owner IS NULL OR claim_expires IS NULL OR claim_expires < ?)))
         RETURNING attempts`,
		string(processing), processing.Rank(),
		string(ready), now,
		string(processing),
		string(processing), leaseLapsedReason,
		now, owner, expires,
		studyID,
		string(ready), string(processing), now,
	)
	if err == nil {
		return Claim{Claimed: true, Status: processing, Attempts: attempts}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Claim{}, fmt.Errorf("claim %s: %w", processing, err)
	}

	current, getErr := s.Get(ctx, studyID)
	if getErr != nil {
		return Claim{}, getErr
	}
	return Claim{Claimed: false, Status: current.Status, Attempts: current.Attempts}, nil
}

// Release records a transient failure by owner: the attempt counter is
// incremented, the reason stored, and the lease dropped. Status is unchanged.
// It returns the attempt count after the increment.
func (s *Store) Release(ctx context.Context, studyID, owner, reason string) (int, error) {
	var attempts int
	err := s.queryRowWithRetry(ctx, []any{&attempts},
		`UPDATE studies
         SET attempts = attempts + 1, last_error = ?, claim_owner = NULL, claim_expires = NULL, updated_at = ?
         WHERE study_id = ? AND claim_owner = ?
         RETURNING attempts`,
		nullableString(strings.TrimSpace(reason)), formatTime(s.now()), studyID, owner,
	)
	if err == nil {
		return attempts, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("release claim: %w", err)
	}
	if _, getErr := s.Get(ctx, studyID); getErr != nil {
		return 0, getErr
	}
	return 0, fmt.Errorf("%w: %s not held by %s", ErrLeaseLost, studyID, owner)
}

// Abandon drops owner's lease without counting an attempt. Workers call it
// when they stop mid-stage on shutdown so the next claim resumes the stage
// immediately.
func (s *Store) Abandon(ctx context.Context, studyID, owner string) error {
	res, err := s.execWithRetry(ctx,
		`UPDATE studies SET claim_owner = NULL, claim_expires = NULL, updated_at = ?
         WHERE study_id = ? AND claim_owner = ?`,
		formatTime(s.now()), studyID, owner,
	)
	if err != nil {
		return fmt.Errorf("abandon claim: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("abandon rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s not held by %s", ErrLeaseLost, studyID, owner)
	}
	return nil
}

// Heartbeat extends a live lease held by owner.
func (s *Store) Heartbeat(ctx context.Context, studyID, owner string, lease time.Duration) error {
	nowTime := s.now()
	res, err := s.execWithRetry(ctx,
		`UPDATE studies SET claim_expires = ?, updated_at = ? WHERE study_id = ? AND claim_owner = ?`,
		formatTime(nowTime.Add(lease)), formatTime(nowTime), studyID, owner,
	)
	if err != nil {
		return fmt.Errorf("update heartbeat: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("heartbeat rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s not held by %s", ErrLeaseLost, studyID, owner)
	}
	return nil
}
