package testsupport

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"medpipe/internal/dicomtags"
)

const (
	explicitVRLittleEndian = "1.2.840.10008.1.2.1"
	ctImageStorage         = "1.2.840.10008.5.1.4.1.1.2"
)

var sopClassUIDTag = tag.Tag{Group: 0x0008, Element: 0x0016}

// CompleteTags returns catalog values covering every default required tag
// plus a few optional ones from each category, and the SOP class under
// dicomtags.KeySOPClassUID.
func CompleteTags() map[string]string {
	return map[string]string{
		dicomtags.KeySOPClassUID: ctImageStorage,
		"subject identifier":     "PAT-0001",
		"subject name":           "Doe^Jane",
		"subject sex":            "F",
		"study date":             "20240115",
		"study time":             "101500",
		"modality":               "CT",
		"study description":      "CHEST W/O CONTRAST",
		"study instance uid":     "1.2.826.0.1.3680043.8.498.1",
		"accession number":       "ACC-42",
		"manufacturer":           "ACME Imaging",
		"station name":           "CT01",
		"kvp":                    "120",
		"study id":               "STUDY-7",
		"repetition time":        "500",
		"echo time":              "20",
		"performing physician":   "Smith^Ann",
		"institution name":       "General Hospital",
	}
}

// WithoutTags copies values and drops the named tags.
func WithoutTags(values map[string]string, names ...string) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		out[k] = v
	}
	for _, name := range names {
		delete(out, name)
	}
	return out
}

// WriteDICOM writes a minimal explicit-VR little-endian instance carrying the
// given catalog tags and returns its path.
func WriteDICOM(t testing.TB, path string, values map[string]string) string {
	t.Helper()

	elems := []*dicom.Element{
		mustElement(t, tag.Tag{Group: 0x0002, Element: 0x0001}, []byte{0x00, 0x01}),
		mustElement(t, tag.Tag{Group: 0x0002, Element: 0x0002}, []string{ctImageStorage}),
		mustElement(t, tag.Tag{Group: 0x0002, Element: 0x0003}, []string{"1.2.826.0.1.3680043.8.498.2"}),
		mustElement(t, tag.Tag{Group: 0x0002, Element: 0x0010}, []string{explicitVRLittleEndian}),
	}
	for name, value := range values {
		if name == dicomtags.KeySOPClassUID {
			elems = append(elems, mustElement(t, sopClassUIDTag, []string{value}))
			continue
		}
		entry, ok := dicomtags.Lookup(name)
		if !ok {
			t.Fatalf("unknown catalog tag %q", name)
		}
		elems = append(elems, mustElement(t, entry.Tag, []string{value}))
	}
	sort.Slice(elems, func(i, j int) bool {
		a, b := elems[i].Tag, elems[j].Tag
		if a.Group != b.Group {
			return a.Group < b.Group
		}
		return a.Element < b.Element
	})

	var buf bytes.Buffer
	if err := dicom.Write(&buf, dicom.Dataset{Elements: elems}, dicom.SkipVRVerification()); err != nil {
		t.Fatalf("write dicom: %v", err)
	}
	writeBytes(t, path, buf.Bytes())
	return path
}

// WriteNotDICOM writes a file without the DICOM preamble marker.
func WriteNotDICOM(t testing.TB, path string) string {
	t.Helper()
	writeBytes(t, path, []byte("this is a plain text file, not an imaging study\n"))
	return path
}

// WriteTruncatedDICOM writes a valid preamble followed by garbage.
func WriteTruncatedDICOM(t testing.TB, path string) string {
	t.Helper()
	data := make([]byte, 128)
	data = append(data, []byte("DICM")...)
	data = append(data, 0x02, 0x00, 0x10, 0x00, 'U', 'I', 0xff, 0x7f, 0x01)
	writeBytes(t, path, data)
	return path
}

func writeBytes(t testing.TB, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func mustElement(t testing.TB, tg tag.Tag, data any) *dicom.Element {
	t.Helper()
	elem, err := dicom.NewElement(tg, data)
	if err != nil {
		t.Fatalf("new element %v: %v", tg, err)
	}
	return elem
}

// FakeReader is an in-memory dicomtags.Reader keyed by artifact path.
type FakeReader struct {
	mu    sync.Mutex
	tags  map[string]dicomtags.Tags
	errs  map[string][]error
	calls map[string]int
	block bool
}

// NewFakeReader returns an empty fake.
func NewFakeReader() *FakeReader {
	return &FakeReader{
		tags:  make(map[string]dicomtags.Tags),
		errs:  make(map[string][]error),
		calls: make(map[string]int),
	}
}

// Set registers the tags returned for path. The file meta group is always
// reported present.
func (f *FakeReader) Set(path string, values map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tags := make(dicomtags.Tags, len(values)+1)
	tags[dicomtags.KeyTransferSyntax] = explicitVRLittleEndian
	for k, v := range values {
		tags[dicomtags.NormalizeName(k)] = v
	}
	f.tags[path] = tags
}

// FailNext queues errors returned, in order, by the next reads of path.
func (f *FakeReader) FailNext(path string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[path] = append(f.errs[path], errs...)
}

// Block makes every read wait for ctx cancellation.
func (f *FakeReader) Block(enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.block = enabled
}

// Calls reports how many reads path has seen.
func (f *FakeReader) Calls(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[path]
}

// Read implements dicomtags.Reader.
func (f *FakeReader) Read(ctx context.Context, path string) (dicomtags.Tags, error) {
	f.mu.Lock()
	f.calls[path]++
	block := f.block
	var err error
	if queued := f.errs[path]; len(queued) > 0 {
		err = queued[0]
		f.errs[path] = queued[1:]
	}
	tags, ok := f.tags[path]
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, dicomtags.ErrUnreadable
	}
	out := make(dicomtags.Tags, len(tags))
	for k, v := range tags {
		out[k] = v
	}
	return out, nil
}
