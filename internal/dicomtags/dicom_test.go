package dicomtags_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"medpipe/internal/dicomtags"
	"medpipe/internal/testsupport"
)

func TestDICOMReaderReadsCatalogTags(t *testing.T) {
	path := testsupport.WriteDICOM(t, filepath.Join(t.TempDir(), "study.dcm"), testsupport.CompleteTags())

	tags, err := dicomtags.NewDICOMReader().Read(context.Background(), path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	for name, want := range testsupport.CompleteTags() {
		got, ok := tags.Get(name)
		if !ok {
			t.Fatalf("tag %q missing", name)
		}
		if got != want {
			t.Fatalf("tag %q = %q, want %q", name, got, want)
		}
	}
	if _, ok := tags.Get("department"); ok {
		t.Fatal("absent tag reported present")
	}
	if syntax, ok := tags.Get(dicomtags.KeyTransferSyntax); !ok || syntax == "" {
		t.Fatal("file meta transfer syntax not reported")
	}
	if problems := tags.Malformed(); len(problems) != 0 {
		t.Fatalf("complete instance reported malformed: %v", problems)
	}
}

func TestMalformedReportsStructuralGaps(t *testing.T) {
	tests := []struct {
		name string
		tags dicomtags.Tags
		want []string
	}{
		{"complete", dicomtags.Tags{dicomtags.KeySOPClassUID: "1.2.3", dicomtags.KeyTransferSyntax: "1.2.840.10008.1.2.1"}, nil},
		{"no sop class", dicomtags.Tags{dicomtags.KeyTransferSyntax: "1.2.840.10008.1.2.1"}, []string{"missing SOPClassUID"}},
		{"no file meta", dicomtags.Tags{dicomtags.KeySOPClassUID: "1.2.3"}, []string{"missing file meta information"}},
		{"blank sop class", dicomtags.Tags{dicomtags.KeySOPClassUID: " ", dicomtags.KeyTransferSyntax: "1.2.840.10008.1.2.1"}, []string{"missing SOPClassUID"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.tags.Malformed()
			if len(got) != len(tt.want) {
				t.Fatalf("Malformed() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("Malformed() = %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestDICOMReaderMissingTags(t *testing.T) {
	values := testsupport.WithoutTags(testsupport.CompleteTags(), "subject identifier", "modality")
	path := testsupport.WriteDICOM(t, filepath.Join(t.TempDir(), "study.dcm"), values)

	tags, err := dicomtags.NewDICOMReader().Read(context.Background(), path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	missing := tags.Missing([]string{"subject identifier", "study date", "Modality"})
	if len(missing) != 2 || missing[0] != "subject identifier" || missing[1] != "modality" {
		t.Fatalf("missing = %v", missing)
	}
}

func TestDICOMReaderRejectsBadInput(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		path string
		want error
	}{
		{"not dicom", testsupport.WriteNotDICOM(t, filepath.Join(dir, "notes.dcm")), dicomtags.ErrNotDICOM},
		{"truncated", testsupport.WriteTruncatedDICOM(t, filepath.Join(dir, "cut.dcm")), dicomtags.ErrUnreadable},
		{"missing file", filepath.Join(dir, "absent.dcm"), dicomtags.ErrUnreadable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := dicomtags.NewDICOMReader().Read(context.Background(), tt.path)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Read error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestDICOMReaderHonoursCancelledContext(t *testing.T) {
	path := testsupport.WriteDICOM(t, filepath.Join(t.TempDir(), "study.dcm"), testsupport.CompleteTags())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// Either the parse wins the race or the cancellation does; both are valid,
	// but a cancellation must surface as context.Canceled.
	if _, err := dicomtags.NewDICOMReader().Read(ctx, path); err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("Read error = %v", err)
	}
}

func TestLookupNormalizesNames(t *testing.T) {
	entry, ok := dicomtags.Lookup("  Subject   IDENTIFIER ")
	if !ok {
		t.Fatal("lookup failed")
	}
	if entry.Category != dicomtags.CategorySubject {
		t.Fatalf("category = %s", entry.Category)
	}
	if _, ok := dicomtags.Lookup("favourite colour"); ok {
		t.Fatal("unknown name resolved")
	}
}

func TestCatalogCoversEveryCategory(t *testing.T) {
	seen := make(map[dicomtags.Category]int)
	names := make(map[string]bool)
	for _, entry := range dicomtags.Catalog() {
		seen[entry.Category]++
		if names[entry.Name] {
			t.Fatalf("duplicate catalog name %q", entry.Name)
		}
		names[entry.Name] = true
	}
	for _, category := range dicomtags.Categories() {
		if seen[category] == 0 {
			t.Fatalf("category %s has no entries", category)
		}
	}
}
