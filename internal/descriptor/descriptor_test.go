package descriptor_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"medpipe/internal/descriptor"
	"medpipe/internal/dicomtags"
	"medpipe/internal/ledger"
	"medpipe/internal/logging"
	"medpipe/internal/services"
	"medpipe/internal/testsupport"
)

func TestExecuteProjectsTagsIntoCategories(t *testing.T) {
	path := testsupport.WriteDICOM(t, filepath.Join(t.TempDir(), "study.dcm"), testsupport.CompleteTags())
	d := descriptor.New(dicomtags.NewDICOMReader(), logging.NewNop())

	outcome, err := d.Execute(context.Background(), &ledger.Study{StudyID: "s-1", ArtifactLocation: path})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if outcome.Status != ledger.StatusDescribed {
		t.Fatalf("status = %s", outcome.Status)
	}
	md, err := descriptor.Decode(outcome.Details.MetadataJSON)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	checks := []struct {
		section map[string]string
		key     string
		want    string
	}{
		{md.Subject, "subject identifier", "PAT-0001"},
		{md.Subject, "subject name", "Doe^Jane"},
		{md.Acquisition, "modality", "CT"},
		{md.Equipment, "manufacturer", "ACME Imaging"},
		{md.Exposure, "kvp", "120"},
		{md.Location, "institution name", "General Hospital"},
		{md.Acquisition, "study id", "STUDY-7"},
		{md.Exposure, "repetition time", "500"},
		{md.Exposure, "echo time", "20"},
		{md.Location, "performing physician", "Smith^Ann"},
	}
	for _, c := range checks {
		if got := c.section[c.key]; got != c.want {
			t.Fatalf("%s = %q, want %q", c.key, got, c.want)
		}
	}
	if _, ok := md.Location["department"]; ok {
		t.Fatal("absent tag must be omitted")
	}
}

func TestProjectOmitsEmptyCategories(t *testing.T) {
	md := descriptor.Project(dicomtags.Tags{"modality": "MR"})
	if len(md.Acquisition) != 1 || md.Subject != nil || md.Location != nil {
		t.Fatalf("metadata = %+v", md)
	}
	encoded, err := md.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if encoded != `{"acquisition":{"modality":"MR"}}` {
		t.Fatalf("encoded = %s", encoded)
	}
	if descriptor.Project(nil).Empty() != true {
		t.Fatal("projection of no tags should be empty")
	}
}

func TestReadFailuresAreTransient(t *testing.T) {
	reader := testsupport.NewFakeReader()
	d := descriptor.New(reader, logging.NewNop())

	_, err := d.Execute(context.Background(), &ledger.Study{StudyID: "s", ArtifactLocation: "/gone.dcm"})
	if !errors.Is(err, services.ErrTransient) || !services.IsRetryable(err) {
		t.Fatalf("Execute error = %v, want transient", err)
	}
}

func TestReadTimeoutIsClassified(t *testing.T) {
	reader := testsupport.NewFakeReader()
	reader.FailNext("/slow.dcm", context.DeadlineExceeded)
	d := descriptor.New(reader, logging.NewNop())

	_, err := d.Execute(context.Background(), &ledger.Study{StudyID: "s", ArtifactLocation: "/slow.dcm"})
	if !errors.Is(err, services.ErrTimeout) {
		t.Fatalf("Execute error = %v, want timeout", err)
	}
}
