package api

import (
	"encoding/json"
	"sort"
	"strings"

	"medpipe/internal/ledger"
	"medpipe/internal/stage"
	"medpipe/internal/workflow"
)

// dateTimeFormat is used for RFC3339 timestamps in API payloads.
const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Study describes a ledger record in a transport-friendly format.
type Study struct {
	StudyID         string          `json:"study_id"`
	Status          string          `json:"status"`
	StatusUpdatedAt string          `json:"status_updated_at"`
	Reasons         []string        `json:"reasons,omitempty"`
	ArchiveLocation string          `json:"archive_location,omitempty"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
	Attempts        int             `json:"attempts,omitempty"`
	LastError       string          `json:"last_error,omitempty"`
}

// StudyListResponse wraps a collection of studies.
type StudyListResponse struct {
	Studies []Study `json:"studies"`
}

// SummaryResponse provides counts keyed by status string.
type SummaryResponse struct {
	Total    int            `json:"total"`
	InFlight int            `json:"in_flight"`
	Counts   map[string]int `json:"counts"`
}

// StageHealth mirrors readiness reporting for workflow stages.
type StageHealth struct {
	Name   string `json:"name"`
	Ready  bool   `json:"ready"`
	Detail string `json:"detail,omitempty"`
}

// WorkflowStatus summarizes workflow execution state.
type WorkflowStatus struct {
	Running     bool             `json:"running"`
	InFlight    int              `json:"in_flight"`
	LastError   string           `json:"last_error,omitempty"`
	Handled     map[string]int64 `json:"handled,omitempty"`
	Summary     SummaryResponse  `json:"summary"`
	StageHealth []StageHealth    `json:"stage_health"`
}

// HealthResponse is served by /healthz.
type HealthResponse struct {
	Status   string          `json:"status"`
	Ledger   string          `json:"ledger"`
	Workflow *WorkflowStatus `json:"workflow,omitempty"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// FromStudy converts a ledger record. Reasons come from the validation result
// for validation failures and from the failure reason for other failures.
func FromStudy(study *ledger.Study) Study {
	if study == nil {
		return Study{}
	}
	dto := Study{
		StudyID:         study.StudyID,
		Status:          string(study.Status),
		ArchiveLocation: study.ArchiveLocation,
		Attempts:        study.Attempts,
		LastError:       study.LastError,
	}
	if !study.StatusUpdatedAt.IsZero() {
		dto.StatusUpdatedAt = study.StatusUpdatedAt.UTC().Format(dateTimeFormat)
	}
	switch {
	case study.Status == ledger.StatusValidationFailed && study.Validation != nil:
		dto.Reasons = append([]string(nil), study.Validation.Reasons...)
	case study.Status.IsFailure() && strings.TrimSpace(study.FailureReason) != "":
		dto.Reasons = []string{study.FailureReason}
	}
	if raw := strings.TrimSpace(study.MetadataJSON); raw != "" && json.Valid([]byte(raw)) {
		dto.Metadata = json.RawMessage(raw)
	}
	return dto
}

// FromStudies converts a slice of ledger records.
func FromStudies(studies []*ledger.Study) []Study {
	out := make([]Study, 0, len(studies))
	for _, study := range studies {
		if study == nil {
			continue
		}
		out = append(out, FromStudy(study))
	}
	return out
}

// FromSummary converts ledger counts, including zero entries for every status.
func FromSummary(summary ledger.Summary) SummaryResponse {
	counts := make(map[string]int, len(summary.ByStatus))
	for _, status := range ledger.AllStatuses() {
		counts[string(status)] = summary.ByStatus[status]
	}
	return SummaryResponse{Total: summary.Total, InFlight: summary.InFlight(), Counts: counts}
}

// FromStatusSummary converts workflow diagnostics.
func FromStatusSummary(summary workflow.StatusSummary) WorkflowStatus {
	return WorkflowStatus{
		Running:     summary.Running,
		InFlight:    summary.InFlight,
		LastError:   summary.LastError,
		Handled:     summary.Handled,
		Summary:     FromSummary(summary.Studies),
		StageHealth: StageHealthSlice(summary.StageHealth),
	}
}

// StageHealthSlice orders stage health by name for deterministic output.
func StageHealthSlice(health map[string]stage.Health) []StageHealth {
	out := make([]StageHealth, 0, len(health))
	for name, h := range health {
		out = append(out, StageHealth{Name: name, Ready: h.Ready, Detail: h.Detail})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
