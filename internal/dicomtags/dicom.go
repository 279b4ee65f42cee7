package dicomtags

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

const (
	preambleSize = 128
	magicWord    = "DICM"
)

// DICOMReader parses artifacts with github.com/suyashkumar/dicom, skipping
// pixel data.
type DICOMReader struct{}

// NewDICOMReader returns the production tag reader.
func NewDICOMReader() *DICOMReader {
	return &DICOMReader{}
}

type readResult struct {
	tags Tags
	err  error
}

var structural = []Entry{
	{Name: KeySOPClassUID, Tag: tag.Tag{Group: 0x0008, Element: 0x0016}},
	{Name: KeyTransferSyntax, Tag: tag.Tag{Group: 0x0002, Element: 0x0010}},
}

// Read returns every catalog tag present in the file at path, plus the
// structural keys. The parse runs
// in its own goroutine so a cancelled ctx returns promptly.
func (r *DICOMReader) Read(ctx context.Context, path string) (Tags, error) {
	if err := checkPreamble(path); err != nil {
		return nil, err
	}
	done := make(chan readResult, 1)
	go func() {
		tags, err := parse(path)
		done <- readResult{tags: tags, err: err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-done:
		return res.tags, res.err
	}
}

func checkPreamble(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	defer f.Close()

	header := make([]byte, preambleSize+len(magicWord))
	if _, err := io.ReadFull(f, header); err != nil {
		return fmt.Errorf("%w: file shorter than DICOM preamble", ErrNotDICOM)
	}
	if !bytes.Equal(header[preambleSize:], []byte(magicWord)) {
		return fmt.Errorf("%w: missing DICM marker", ErrNotDICOM)
	}
	return nil
}

func parse(path string) (tags Tags, err error) {
	// The parser panics on some truncated inputs.
	defer func() {
		if r := recover(); r != nil {
			tags = nil
			err = fmt.Errorf("%w: parser panic: %v", ErrUnreadable, r)
		}
	}()

	ds, err := dicom.ParseFile(path, nil, dicom.SkipPixelData())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	tags = make(Tags)
	for _, entry := range append(structural, catalog...) {
		elem, findErr := ds.FindElementByTag(entry.Tag)
		if findErr != nil || elem == nil || elem.Value == nil {
			continue
		}
		if value := elementString(elem.Value); value != "" {
			tags[entry.Name] = value
		}
	}
	return tags, nil
}

func elementString(value dicom.Value) string {
	var parts []string
	switch value.ValueType() {
	case dicom.Strings:
		values, _ := value.GetValue().([]string)
		for _, v := range values {
			if v = strings.TrimSpace(strings.TrimRight(v, "\x00")); v != "" {
				parts = append(parts, v)
			}
		}
	case dicom.Ints:
		values, _ := value.GetValue().([]int)
		for _, v := range values {
			parts = append(parts, strconv.Itoa(v))
		}
	case dicom.Floats:
		values, _ := value.GetValue().([]float64)
		for _, v := range values {
			parts = append(parts, strconv.FormatFloat(v, 'f', -1, 64))
		}
	default:
		return ""
	}
	return strings.Join(parts, `\`)
}
