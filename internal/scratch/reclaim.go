package scratch

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"medpipe/internal/ledger"
	"medpipe/internal/logging"
)

// Lookup reads a study's ledger record.
type Lookup interface {
	Get(ctx context.Context, studyID string) (*ledger.Study, error)
}

// Options bounds what Reclaim may remove.
type Options struct {
	// Grace protects directories of studies still being submitted.
	Grace time.Duration
	// FailedRetention keeps failed studies' copies this long. Zero keeps them.
	FailedRetention time.Duration
	Now             time.Time
}

// Result lists removed directories and per-directory errors.
type Result struct {
	Removed []string
	Bytes   int64
	Errors  []CleanupError
}

// CleanupError pairs a directory path with its cleanup error.
type CleanupError struct {
	Path  string
	Error error
}

// Reclaim walks root and removes study directories that are orphaned,
// archived, or failed longer ago than FailedRetention.
func Reclaim(ctx context.Context, root string, studies Lookup, opts Options, logger *slog.Logger) Result {
	var result Result
	root = strings.TrimSpace(root)
	if root == "" || studies == nil {
		return result
	}
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	dirs, err := ListDirectories(root)
	if err != nil {
		result.Errors = append(result.Errors, CleanupError{Path: root, Error: err})
		return result
	}

	for _, dir := range dirs {
		if ctx.Err() != nil {
			break
		}
		why, err := reclaimable(ctx, studies, dir, opts)
		if err != nil {
			result.Errors = append(result.Errors, CleanupError{Path: dir.Path, Error: err})
			continue
		}
		if why == "" {
			continue
		}
		if err := os.RemoveAll(dir.Path); err != nil {
			result.Errors = append(result.Errors, CleanupError{Path: dir.Path, Error: err})
			logging.WarnWithContext(logger, "failed to remove scratch directory", "scratch_cleanup_failed",
				logging.String("path", dir.Path),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check scratch_dir permissions"),
				logging.String(logging.FieldImpact, "disk space not reclaimed"),
			)
			continue
		}
		result.Removed = append(result.Removed, dir.Path)
		result.Bytes += dir.Size
		logger.Info("removed scratch directory",
			logging.String(logging.FieldEventType, "scratch_cleanup"),
			logging.String(logging.FieldStudyID, dir.Name),
			logging.String("reason", why),
			logging.Int64("bytes", dir.Size),
		)
	}
	return result
}

func reclaimable(ctx context.Context, studies Lookup, dir DirInfo, opts Options) (string, error) {
	study, err := studies.Get(ctx, dir.Name)
	if errors.Is(err, ledger.ErrNotFound) {
		if opts.Now.Sub(dir.ModTime) > opts.Grace {
			return "orphaned", nil
		}
		return "", nil
	}
	if err != nil {
		return "", err
	}
	switch {
	case study.Status == ledger.StatusArchived:
		return "archived", nil
	case study.Status.IsFailure() && opts.FailedRetention > 0 &&
		opts.Now.Sub(study.StatusUpdatedAt) > opts.FailedRetention:
		return "retention expired", nil
	default:
		return "", nil
	}
}

// DirInfo describes one study directory under the scratch root.
type DirInfo struct {
	Name    string
	Path    string
	ModTime time.Time
	Size    int64
}

// ListDirectories returns the study directories under root. Dot entries such
// as the sweep lock are skipped.
func ListDirectories(root string) ([]DirInfo, error) {
	entries, err := os.ReadDir(root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var dirs []DirInfo
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		path := filepath.Join(root, entry.Name())
		dirs = append(dirs, DirInfo{
			Name:    entry.Name(),
			Path:    path,
			ModTime: info.ModTime(),
			Size:    dirSize(path),
		})
	}
	return dirs, nil
}

// dirSize is best effort; unreadable entries count as zero.
func dirSize(path string) int64 {
	var size int64
	_ = filepath.WalkDir(path, func(_ string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			size += info.Size()
		}
		return nil
	})
	return size
}
