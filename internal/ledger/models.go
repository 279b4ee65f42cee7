package ledger

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound reports an unknown study id.
	ErrNotFound = errors.New("study not found")
	// ErrExists reports a duplicate study id on Create.
	ErrExists = errors.New("study already exists")
	// ErrLeaseLost reports that the caller no longer owns the claim it tried to use.
	ErrLeaseLost = errors.New("claim lease lost")
	// ErrInvalidTransition reports a malformed status write.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// ValidationResult records the outcome of structural validation.
type ValidationResult struct {
	Passed  bool     `json:"passed"`
	Reasons []string `json:"reasons,omitempty"`
}

// Study is the ledger record for one submitted artifact.
type Study struct {
	StudyID          string
	ArtifactLocation string
	Status           Status
	Validation       *ValidationResult
	MetadataJSON     string
	ArchiveLocation  string
	FailureReason    string
	LastError        string
	Attempts         int
	ClaimOwner       string
	ClaimExpires     *time.Time
	CreatedAt        time.Time
	StatusUpdatedAt  time.Time
	UpdatedAt        time.Time
}

// DecodeMetadata unmarshals the stored metadata record into v.
func (s *Study) DecodeMetadata(v any) error {
	if s == nil || s.MetadataJSON == "" {
		return errors.New("metadata not populated")
	}
	return json.Unmarshal([]byte(s.MetadataJSON), v)
}

// LeaseLive reports whether another owner currently holds the study.
func (s *Study) LeaseLive(now time.Time) bool {
	return s != nil && s.ClaimOwner != "" && s.ClaimExpires != nil && s.ClaimExpires.After(now)
}

// Details carries the optional fields written together with a status.
type Details struct {
	Validation      *ValidationResult
	MetadataJSON    string
	ArchiveLocation string
	FailureReason   string
}

func (d Details) check(status Status) error {
	if d.MetadataJSON != "" && status != StatusDescribed {
		return errors.Join(ErrInvalidTransition, errors.New("metadata is only written with described"))
	}
	if d.ArchiveLocation != "" && status != StatusArchived {
		return errors.Join(ErrInvalidTransition, errors.New("archive location is only written with archived"))
	}
	if d.Validation != nil && status != StatusValidated && status != StatusValidationFailed {
		return errors.Join(ErrInvalidTransition, errors.New("validation result is only written by validation"))
	}
	if status == StatusValidated && (d.Validation == nil || !d.Validation.Passed) {
		return errors.Join(ErrInvalidTransition, errors.New("validated requires a passing validation result"))
	}
	if status == StatusValidationFailed && (d.Validation == nil || d.Validation.Passed) {
		return errors.Join(ErrInvalidTransition, errors.New("validation-failed requires a failing validation result"))
	}
	return nil
}

// Result reports the outcome of a monotonic status write.
type Result struct {
	Applied bool
	Status  Status
}

// Claim reports the outcome of a claim attempt. When Claimed is false, Status
// holds the status observed in the ledger.
type Claim struct {
	Claimed  bool
	Status   Status
	Attempts int
}

// Summary counts studies per status.
type Summary struct {
	Total    int
	ByStatus map[Status]int
}

// InFlight counts studies not yet in a terminal status.
func (s Summary) InFlight() int {
	count := 0
	for status, n := range s.ByStatus {
		if !status.IsTerminal() {
			count += n
		}
	}
	return count
}
