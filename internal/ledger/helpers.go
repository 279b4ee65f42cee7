package ledger

import (
	"database/sql"
	"encoding/json"
	"strings"
	"time"
)

const studyColumns = "study_id, artifact_location, status, validation_passed, validation_reasons, metadata_json, archive_location, failure_reason, last_error, attempts, claim_owner, claim_expires, created_at, status_updated_at, updated_at"

// timeLayout is fixed width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTimeString(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if t, err := time.Parse(timeLayout, value); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, value)
}

func scanStudy(scanner interface{ Scan(dest ...any) error }) (*Study, error) {
	var (
		studyID           string
		artifactLocation  string
		statusStr         string
		validationPassed  sql.NullInt64
		validationReasons sql.NullString
		metadata          sql.NullString
		archiveLocation   sql.NullString
		failureReason     sql.NullString
		lastError         sql.NullString
		attempts          int
		claimOwner        sql.NullString
		claimExpiresRaw   sql.NullString
		createdRaw        string
		statusUpdatedRaw  string
		updatedRaw        string
	)
	if err := scanner.Scan(
		&studyID,
		&artifactLocation,
		&statusStr,
		&validationPassed,
		&validationReasons,
		&metadata,
		&archiveLocation,
		&failureReason,
		&lastError,
		&attempts,
		&claimOwner,
		&claimExpiresRaw,
		&createdRaw,
		&statusUpdatedRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}

	study := &Study{
		StudyID:          studyID,
		ArtifactLocation: artifactLocation,
		Status:           Status(statusStr),
		MetadataJSON:     metadata.String,
		ArchiveLocation:  archiveLocation.String,
		FailureReason:    failureReason.String,
		LastError:        lastError.String,
		Attempts:         attempts,
		ClaimOwner:       claimOwner.String,
	}
	if validationPassed.Valid {
		result := &ValidationResult{Passed: validationPassed.Int64 != 0}
		if validationReasons.Valid && validationReasons.String != "" {
			_ = json.Unmarshal([]byte(validationReasons.String), &result.Reasons)
		}
		study.Validation = result
	}
	if claimExpiresRaw.Valid {
		if expires, err := parseTimeString(claimExpiresRaw.String); err == nil {
			study.ClaimExpires = &expires
		}
	}
	if created, err := parseTimeString(createdRaw); err == nil {
		study.CreatedAt = created
	}
	if statusUpdated, err := parseTimeString(statusUpdatedRaw); err == nil {
		study.StatusUpdatedAt = statusUpdated
	}
	if updated, err := parseTimeString(updatedRaw); err == nil {
		study.UpdatedAt = updated
	}
	return study, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func validationColumns(result *ValidationResult) (passed any, reasons any) {
	if result == nil {
		return nil, nil
	}
	flag := 0
	if result.Passed {
		flag = 1
	}
	if len(result.Reasons) == 0 {
		return flag, nil
	}
	data, err := json.Marshal(result.Reasons)
	if err != nil {
		return flag, nil
	}
	return flag, string(data)
}

func makePlaceholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func statusArgs(statuses []Status) []any {
	args := make([]any, 0, len(statuses))
	for _, status := range statuses {
		args = append(args, string(status))
	}
	return args
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
