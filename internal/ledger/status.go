package ledger

import (
	"fmt"
	"strings"
)

// Status represents where a study sits in the pipeline.
type Status string

const (
	StatusUploaded          Status = "uploaded"
	StatusValidating        Status = "validating"
	StatusValidated         Status = "validated"
	StatusDescribing        Status = "describing"
	StatusDescribed         Status = "described"
	StatusArchiving         Status = "archiving"
	StatusArchived          Status = "archived"
	StatusValidationFailed  Status = "validation-failed"
	StatusDescriptionFailed Status = "description-failed"
	StatusArchivalFailed    Status = "archival-failed"
)

// failureRank places every failure after all non-terminal statuses.
const failureRank = 100

var statusRanks = map[Status]int{
	StatusUploaded:          0,
	StatusValidating:        1,
	StatusValidated:         2,
	StatusDescribing:        3,
	StatusDescribed:         4,
	StatusArchiving:         5,
	StatusArchived:          6,
	StatusValidationFailed:  failureRank,
	StatusDescriptionFailed: failureRank,
	StatusArchivalFailed:    failureRank,
}

var allStatuses = []Status{
	StatusUploaded,
	StatusValidating,
	StatusValidated,
	StatusDescribing,
	StatusDescribed,
	StatusArchiving,
	StatusArchived,
	StatusValidationFailed,
	StatusDescriptionFailed,
	StatusArchivalFailed,
}

// AllStatuses returns every status in pipeline order, failures last.
func AllStatuses() []Status {
	out := make([]Status, len(allStatuses))
	copy(out, allStatuses)
	return out
}

// ParseStatus converts user input into a known status.
func ParseStatus(value string) (Status, error) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	if _, ok := statusRanks[normalized]; !ok {
		return "", fmt.Errorf("unknown status %q", value)
	}
	return normalized, nil
}

// Rank returns the ordering position of s. Unknown statuses rank -1.
func (s Status) Rank() int {
	rank, ok := statusRanks[s]
	if !ok {
		return -1
	}
	return rank
}

// IsTerminal reports whether no further transition is allowed from s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusArchived, StatusValidationFailed, StatusDescriptionFailed, StatusArchivalFailed:
		return true
	default:
		return false
	}
}

// IsFailure reports whether s is one of the terminal failure statuses.
func (s Status) IsFailure() bool {
	return s.Rank() == failureRank
}

// IsProcessing reports whether s marks a stage that is currently running.
func (s Status) IsProcessing() bool {
	switch s {
	case StatusValidating, StatusDescribing, StatusArchiving:
		return true
	default:
		return false
	}
}

// CanAdvanceTo reports whether a write of next over s would be applied.
func (s Status) CanAdvanceTo(next Status) bool {
	if s.IsTerminal() {
		return false
	}
	return next.Rank() > s.Rank()
}

func (s Status) valid() bool {
	_, ok := statusRanks[s]
	return ok
}
