package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"medpipe/internal/fileutil"
	"medpipe/internal/ledger"
)

// SidecarName is the metadata file written next to each archived artifact.
const SidecarName = "metadata.json"

var (
	// ErrInsufficientSpace reports an archive volume without room for the artifact.
	ErrInsufficientSpace = errors.New("insufficient free space in archive")
	// ErrSourceMissing reports that neither the scratch artifact nor its archived copy exists.
	ErrSourceMissing = errors.New("artifact missing from scratch and archive")
	// ErrConflict reports an archived file whose content differs from the artifact.
	ErrConflict = errors.New("archive destination holds different content")
)

// Sidecar is the write-once metadata record stored with an archived study.
type Sidecar struct {
	StudyID     string                   `json:"study_id"`
	ProcessedAt time.Time                `json:"processed_at"`
	Artifact    string                   `json:"artifact"`
	SHA256      string                   `json:"sha256,omitempty"`
	Validation  *ledger.ValidationResult `json:"validation,omitempty"`
	Metadata    json.RawMessage          `json:"metadata,omitempty"`
}

// Store lays studies out as <root>/<study_id>/{artifact, metadata.json}.
type Store struct {
	root         string
	reserveBytes uint64
	freeSpace    func(path string) (uint64, error)
}

// Option configures a Store.
type Option func(*Store)

// WithReserve keeps bytes free on the archive volume after every move.
func WithReserve(bytes uint64) Option {
	return func(s *Store) { s.reserveBytes = bytes }
}

// WithFreeSpaceFunc replaces the statfs probe.
func WithFreeSpaceFunc(fn func(path string) (uint64, error)) Option {
	return func(s *Store) { s.freeSpace = fn }
}

// New returns a store rooted at root.
func New(root string, opts ...Option) *Store {
	s := &Store{root: root, freeSpace: FreeSpace}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Root returns the archive root directory.
func (s *Store) Root() string {
	return s.root
}

// StudyDir returns the directory holding one study.
func (s *Store) StudyDir(studyID string) string {
	return filepath.Join(s.root, studyID)
}

// SidecarPath returns the metadata sidecar location for a study.
func (s *Store) SidecarPath(studyID string) string {
	return filepath.Join(s.StudyDir(studyID), SidecarName)
}

// ArtifactPath returns where src lands once archived.
func (s *Store) ArtifactPath(studyID, src string) string {
	return filepath.Join(s.StudyDir(studyID), filepath.Base(src))
}

// Move places src in the study directory and returns the archived path.
// Same-volume moves are a single no-replace rename; cross-volume moves copy,
// verify size and SHA-256, then delete the source. Repeating a completed move
// succeeds without touching the archive.
func (s *Store) Move(ctx context.Context, studyID, src string) (string, error) {
	if strings.TrimSpace(studyID) == "" || strings.ContainsAny(studyID, `/\`) || studyID == "." || studyID == ".." {
		return "", fmt.Errorf("invalid study id %q", studyID)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dst := s.ArtifactPath(studyID, src)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("create study directory: %w", err)
	}

	srcInfo, srcErr := os.Stat(src)
	_, dstErr := os.Stat(dst)
	srcExists := srcErr == nil
	dstExists := dstErr == nil
	if srcErr != nil && !errors.Is(srcErr, fs.ErrNotExist) {
		return "", fmt.Errorf("stat artifact: %w", srcErr)
	}
	if dstErr != nil && !errors.Is(dstErr, fs.ErrNotExist) {
		return "", fmt.Errorf("stat archive: %w", dstErr)
	}

	switch {
	case !srcExists && dstExists:
		return dst, nil
	case !srcExists:
		return "", fmt.Errorf("%w: %s", ErrSourceMissing, src)
	case dstExists:
		// An interrupted cross-volume move leaves both copies behind.
		return dst, s.finishInterrupted(src, dst)
	}

	if err := s.ensureSpace(uint64(srcInfo.Size())); err != nil {
		return "", err
	}
	err := renameNoReplace(src, dst)
	switch {
	case err == nil:
		return dst, fileutil.SyncDir(filepath.Dir(dst))
	case errors.Is(err, fs.ErrExist):
		return dst, s.finishInterrupted(src, dst)
	case isCrossDevice(err):
		if _, copyErr := fileutil.CopyVerified(src, dst, srcInfo.Mode().Perm()); copyErr != nil {
			return "", fmt.Errorf("copy across volumes: %w", copyErr)
		}
		if rmErr := os.Remove(src); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			return "", fmt.Errorf("remove source after copy: %w", rmErr)
		}
		return dst, nil
	default:
		return "", fmt.Errorf("move artifact: %w", err)
	}
}

func (s *Store) finishInterrupted(src, dst string) error {
	srcDigest, err := fileutil.HashFile(src)
	if err != nil {
		return fmt.Errorf("hash artifact: %w", err)
	}
	dstDigest, err := fileutil.HashFile(dst)
	if err != nil {
		return fmt.Errorf("hash archived copy: %w", err)
	}
	if srcDigest != dstDigest {
		return fmt.Errorf("%w: %s", ErrConflict, dst)
	}
	if err := os.Remove(src); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove source after verified copy: %w", err)
	}
	return nil
}

func (s *Store) ensureSpace(size uint64) error {
	if s.freeSpace == nil {
		return nil
	}
	free, err := s.freeSpace(s.root)
	if err != nil {
		return fmt.Errorf("check archive free space: %w", err)
	}
	if need := size + s.reserveBytes; free < need {
		return fmt.Errorf("%w: need %d bytes, %d available", ErrInsufficientSpace, need, free)
	}
	return nil
}

// WriteSidecar writes the study's metadata sidecar unless one already exists.
// It reports whether this call created the file.
func (s *Store) WriteSidecar(sidecar Sidecar) (bool, error) {
	path := s.SidecarPath(sidecar.StudyID)
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, fmt.Errorf("create study directory: %w", err)
	}
	data, err := json.MarshalIndent(sidecar, "", "  ")
	if err != nil {
		return false, fmt.Errorf("encode sidecar: %w", err)
	}
	tmp, err := fileutil.WriteTemp(path, append(data, '\n'), 0o644)
	if err != nil {
		return false, fmt.Errorf("write sidecar: %w", err)
	}
	if err := renameNoReplace(tmp, path); err != nil {
		_ = os.Remove(tmp)
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("publish sidecar: %w", err)
	}
	return true, fileutil.SyncDir(filepath.Dir(path))
}

// ReadSidecar loads a study's sidecar.
func (s *Store) ReadSidecar(studyID string) (Sidecar, error) {
	data, err := os.ReadFile(s.SidecarPath(studyID))
	if err != nil {
		return Sidecar{}, err
	}
	var sidecar Sidecar
	if err := json.Unmarshal(data, &sidecar); err != nil {
		return Sidecar{}, fmt.Errorf("decode sidecar: %w", err)
	}
	return sidecar, nil
}
