package archive

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// renameChecked is the non-atomic fallback: check, then rename.
func renameChecked(src, dst string) error {
	if _, err := os.Lstat(dst); err == nil {
		return fmt.Errorf("%s: %w", dst, fs.ErrExist)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.Rename(src, dst)
}
