// Package archive stages update packages into a scratch directory.
package archive

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/alpha-agent/agent/internal/logging"
)

var log = logging.L("archive")

// maxEntryBytes caps a single decompressed entry (512 MB). Archives are an
// untrusted boundary; this bounds decompression bombs.
const maxEntryBytes = 512 << 20

var (
	// ErrUnsafePath indicates an archive entry that resolves outside the
	// staging root.
	ErrUnsafePath = errors.New("archive entry escapes staging root")
	// ErrCorrupt indicates an archive that cannot be read as a zip.
	ErrCorrupt = errors.New("archive is corrupt")
)

// Stage extracts the zip at archivePath into destDir and returns the sorted
// relative paths of the staged files. destDir must be empty or absent; it is
// never the live installation. Any unsafe or unreadable entry fails the whole
// operation and removes everything staged so far.
func Stage(archivePath, destDir string) ([]string, error) {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	defer reader.Close()

	absDest, err := filepath.Abs(destDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve staging dir: %w", err)
	}
	if err := os.MkdirAll(absDest, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create staging dir: %w", err)
	}

	var staged []string
	for _, file := range reader.File {
		destPath, err := containedPath(absDest, file.Name)
		if err != nil {
			cleanupStaged(absDest)
			return nil, err
		}

		if file.FileInfo().IsDir() {
			if err := os.MkdirAll(destPath, 0o755); err != nil {
				cleanupStaged(absDest)
				return nil, fmt.Errorf("failed to create directory %s: %w", file.Name, err)
			}
			continue
		}

		if err := extractFile(file, destPath); err != nil {
			cleanupStaged(absDest)
			return nil, err
		}

		rel, err := filepath.Rel(absDest, destPath)
		if err != nil {
			cleanupStaged(absDest)
			return nil, fmt.Errorf("failed to resolve staged path: %w", err)
		}
		staged = append(staged, filepath.ToSlash(rel))
	}

	sort.Strings(staged)
	log.Debug("archive staged", "files", len(staged), "dest", absDest)
	return staged, nil
}

// containedPath joins an untrusted entry name onto the staging root and
// verifies the result stays inside it.
func containedPath(root, entryName string) (string, error) {
	joined := filepath.Join(root, filepath.FromSlash(entryName))
	rel, err := filepath.Rel(root, joined)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, entryName)
	}
	return joined, nil
}

func extractFile(file *zip.File, destPath string) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}

	src, err := file.Open()
	if err != nil {
		return fmt.Errorf("%w: cannot open entry %s: %v", ErrCorrupt, file.Name, err)
	}
	defer src.Close()

	mode := file.Mode().Perm()
	if mode == 0 {
		mode = 0o644
	}
	dst, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("failed to create staged file: %w", err)
	}

	written, err := io.Copy(dst, io.LimitReader(src, maxEntryBytes+1))
	closeErr := dst.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("failed to extract %s: %w", file.Name, err)
	}
	if written > maxEntryBytes {
		return fmt.Errorf("%w: entry %s exceeds decompression limit", ErrCorrupt, file.Name)
	}
	return nil
}

// cleanupStaged empties the staging directory after a failed extraction so a
// retry starts from a clean root.
func cleanupStaged(root string) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(root, entry.Name())); err != nil {
			log.Warn("failed to clean staging entry", "entry", entry.Name(), "error", err)
		}
	}
}
