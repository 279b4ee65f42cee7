package fileutil

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ErrTooLarge is returned by CopyLimited when the source exceeds its limit.
var ErrTooLarge = errors.New("file exceeds size limit")

// Digest identifies file content.
type Digest struct {
	Size   int64
	SHA256 string
}

// HashFile returns the size and SHA-256 of path.
func HashFile(path string) (Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return Digest{}, err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return Digest{}, fmt.Errorf("hash %s: %w", path, err)
	}
	return Digest{Size: n, SHA256: hex.EncodeToString(h.Sum(nil))}, nil
}

// CopyVerified streams src to dst through a sibling temp file, fsyncs it, and
// renames it into place only once size and SHA-256 match the source. dst is
// never observed half-written.
func CopyVerified(src, dst string, mode os.FileMode) (Digest, error) {
	srcInfo, err := os.Stat(src)
	if err != nil {
		return Digest{}, fmt.Errorf("stat source: %w", err)
	}
	in, err := os.Open(src)
	if err != nil {
		return Digest{}, err
	}
	defer in.Close()

	srcHasher := sha256.New()
	tmp, written, err := writeTemp(dst, mode, io.TeeReader(in, srcHasher), -1)
	if err != nil {
		return Digest{}, err
	}
	if written != srcInfo.Size() {
		_ = os.Remove(tmp)
		return Digest{}, fmt.Errorf("copy size mismatch: source %d bytes, copied %d bytes", srcInfo.Size(), written)
	}
	copied, err := HashFile(tmp)
	if err != nil {
		_ = os.Remove(tmp)
		return Digest{}, err
	}
	want := hex.EncodeToString(srcHasher.Sum(nil))
	if copied.SHA256 != want {
		_ = os.Remove(tmp)
		return Digest{}, errors.New("copy hash mismatch: file corrupted during copy")
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return Digest{}, fmt.Errorf("rename into place: %w", err)
	}
	return copied, SyncDir(filepath.Dir(dst))
}

// CopyLimited copies r into dst through a temp file, failing with ErrTooLarge
// when more than limit bytes arrive. A limit <= 0 disables the check.
func CopyLimited(r io.Reader, dst string, mode os.FileMode, limit int64) (Digest, error) {
	h := sha256.New()
	tmp, written, err := writeTemp(dst, mode, io.TeeReader(r, h), limit)
	if err != nil {
		return Digest{}, err
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return Digest{}, fmt.Errorf("rename into place: %w", err)
	}
	return Digest{Size: written, SHA256: hex.EncodeToString(h.Sum(nil))}, SyncDir(filepath.Dir(dst))
}

// WriteFileAtomic writes data to path via temp file, fsync, and rename.
func WriteFileAtomic(path string, data []byte, mode os.FileMode) error {
	tmp, err := WriteTemp(path, data, mode)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename into place: %w", err)
	}
	return SyncDir(filepath.Dir(path))
}

// WriteTemp writes data to a synced temp file beside path and returns the
// temp file's name. The caller renames it into place.
func WriteTemp(path string, data []byte, mode os.FileMode) (string, error) {
	tmp, _, err := writeTemp(path, mode, bytes.NewReader(data), -1)
	return tmp, err
}

// SyncDir fsyncs a directory so renames within it are durable.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		return fmt.Errorf("sync %s: %w", dir, err)
	}
	return nil
}

func writeTemp(dst string, mode os.FileMode, r io.Reader, limit int64) (string, int64, error) {
	out, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".partial-*")
	if err != nil {
		return "", 0, err
	}
	tmp := out.Name()
	fail := func(err error) (string, int64, error) {
		_ = out.Close()
		_ = os.Remove(tmp)
		return "", 0, err
	}

	src := r
	if limit > 0 {
		src = io.LimitReader(r, limit+1)
	}
	written, err := io.Copy(out, src)
	if err != nil {
		return fail(err)
	}
	if limit > 0 && written > limit {
		return fail(fmt.Errorf("%w: more than %d bytes", ErrTooLarge, limit))
	}
	if err := out.Chmod(mode); err != nil {
		return fail(err)
	}
	if err := out.Sync(); err != nil {
		return fail(err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return "", 0, err
	}
	return tmp, written, nil
}
