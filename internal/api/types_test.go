package api

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"medpipe/internal/ledger"
)

func TestFromStudyUsesFailureReasonForStageFailures(t *testing.T) {
	at := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	dto := FromStudy(&ledger.Study{
		StudyID:         "s-1",
		Status:          ledger.StatusDescriptionFailed,
		FailureReason:   "artifact could not be read",
		StatusUpdatedAt: at,
		Attempts:        5,
	})
	assert.Equal(t, []string{"artifact could not be read"}, dto.Reasons)
	assert.Equal(t, "2024-05-06T07:08:09.000Z", dto.StatusUpdatedAt)
	assert.Nil(t, dto.Metadata)
}

func TestFromStudyDropsInvalidMetadata(t *testing.T) {
	dto := FromStudy(&ledger.Study{StudyID: "s", Status: ledger.StatusDescribed, MetadataJSON: "{broken"})
	assert.Nil(t, dto.Metadata)
	assert.Empty(t, dto.Reasons)
}

func TestStudyCacheDisabled(t *testing.T) {
	c := newStudyCache(0, time.Minute)
	c.add("s", Study{StudyID: "s"})
	_, ok := c.get("s")
	assert.False(t, ok)
	assert.Zero(t, c.len())
}

func TestStudyCacheHoldsEntries(t *testing.T) {
	c := newStudyCache(2, time.Minute)
	c.add("a", Study{StudyID: "a"})
	c.add("b", Study{StudyID: "b"})
	c.add("c", Study{StudyID: "c"})
	_, ok := c.get("a")
	assert.False(t, ok, "oldest entry should be evicted")
	got, ok := c.get("c")
	assert.True(t, ok)
	assert.Equal(t, "c", got.StudyID)
}

func TestParseStatuses(t *testing.T) {
	got, err := parseStatuses([]string{"Archived, validation-failed", ""})
	assert.NoError(t, err)
	assert.Equal(t, []ledger.Status{ledger.StatusArchived, ledger.StatusValidationFailed}, got)

	_, err = parseStatuses([]string{"nope"})
	assert.Error(t, err)
}
