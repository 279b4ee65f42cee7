package fileutil

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestCopyVerified(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	dst := filepath.Join(dir, "dst.bin")

	content := []byte("verified copy content")
	if err := os.WriteFile(src, content, 0o644); err != nil {
		t.Fatal(err)
	}

	digest, err := CopyVerified(src, dst, 0o640)
	if err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(content) {
		t.Fatalf("content mismatch: got %q, want %q", got, content)
	}
	want, err := HashFile(src)
	if err != nil {
		t.Fatal(err)
	}
	if digest != want {
		t.Fatalf("digest = %+v, want %+v", digest, want)
	}
	assertNoPartials(t, dir)
}

func TestCopyVerified_MissingSource(t *testing.T) {
	dir := t.TempDir()
	if _, err := CopyVerified(filepath.Join(dir, "nonexistent"), filepath.Join(dir, "dst.bin"), 0o644); err == nil {
		t.Fatal("expected error for missing source")
	}
	if _, err := os.Stat(filepath.Join(dir, "dst.bin")); !os.IsNotExist(err) {
		t.Fatal("destination must not exist after failed copy")
	}
}

func TestCopyLimited(t *testing.T) {
	dir := t.TempDir()
	dst := filepath.Join(dir, "upload.dcm")

	digest, err := CopyLimited(strings.NewReader("12345"), dst, 0o644, 5)
	if err != nil {
		t.Fatal(err)
	}
	if digest.Size != 5 {
		t.Fatalf("size = %d", digest.Size)
	}

	_, err = CopyLimited(strings.NewReader("123456"), filepath.Join(dir, "big.dcm"), 0o644, 5)
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("err = %v, want ErrTooLarge", err)
	}
	if _, statErr := os.Stat(filepath.Join(dir, "big.dcm")); !os.IsNotExist(statErr) {
		t.Fatal("oversized copy left a destination file")
	}
	assertNoPartials(t, dir)
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "metadata.json")
	if err := WriteFileAtomic(path, []byte(`{"a":1}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := WriteFileAtomic(path, []byte(`{"a":2}`), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != `{"a":2}` {
		t.Fatalf("content = %s", got)
	}
	assertNoPartials(t, dir)
}

func assertNoPartials(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, entry := range entries {
		if strings.Contains(entry.Name(), ".partial-") {
			t.Fatalf("temp file left behind: %s", entry.Name())
		}
	}
}
