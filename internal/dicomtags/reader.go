package dicomtags

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrNotDICOM reports a file without the 128-byte preamble and DICM marker.
	ErrNotDICOM = errors.New("not a DICOM instance")
	// ErrUnreadable reports a file that could not be opened or parsed.
	ErrUnreadable = errors.New("unreadable artifact")
)

// Structural keys sit in Tags next to the catalog names. They describe the
// container rather than the study and never reach the metadata record.
const (
	// KeySOPClassUID holds SOP Class UID (0008,0016).
	KeySOPClassUID = "sop class uid"
	// KeyTransferSyntax holds Transfer Syntax UID (0002,0010) from the file
	// meta group; it is absent when the group is.
	KeyTransferSyntax = "transfer syntax uid"
)

// Tags holds tag values keyed by catalog name. Absent or empty tags have no key.
type Tags map[string]string

// Get returns the trimmed value for name.
func (t Tags) Get(name string) (string, bool) {
	value, ok := t[NormalizeName(name)]
	value = strings.TrimSpace(value)
	return value, ok && value != ""
}

// Missing returns the names from required that are absent or blank, in order.
func (t Tags) Missing(required []string) []string {
	var missing []string
	for _, name := range required {
		if _, ok := t.Get(name); !ok {
			missing = append(missing, NormalizeName(name))
		}
	}
	return missing
}

// Malformed lists the structural fields a well-formed instance must carry
// but t lacks.
func (t Tags) Malformed() []string {
	var problems []string
	if _, ok := t.Get(KeySOPClassUID); !ok {
		problems = append(problems, "missing SOPClassUID")
	}
	if _, ok := t.Get(KeyTransferSyntax); !ok {
		problems = append(problems, "missing file meta information")
	}
	return problems
}

// Reader extracts the catalog tags from an artifact on disk.
type Reader interface {
	Read(ctx context.Context, path string) (Tags, error)
}
