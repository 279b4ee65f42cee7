//go:build linux

package archive

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"golang.org/x/sys/unix"
)

// renameNoReplace renames src to dst, failing with fs.ErrExist instead of
// overwriting an existing dst.
func renameNoReplace(src, dst string) error {
	err := unix.Renameat2(unix.AT_FDCWD, src, unix.AT_FDCWD, dst, unix.RENAME_NOREPLACE)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, unix.EEXIST):
		return fmt.Errorf("%s: %w", dst, fs.ErrExist)
	case errors.Is(err, unix.EINVAL), errors.Is(err, unix.ENOSYS):
		// Filesystem without RENAME_NOREPLACE support.
		return renameChecked(src, dst)
	default:
		return &os.LinkError{Op: "renameat2", Old: src, New: dst, Err: err}
	}
}

func isCrossDevice(err error) bool {
	return errors.Is(err, unix.EXDEV)
}
