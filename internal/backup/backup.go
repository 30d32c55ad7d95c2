// Package backup creates and restores point-in-time snapshots of the
// agent's installed files around updates.
package backup

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alpha-agent/agent/internal/backup/providers"
	"github.com/alpha-agent/agent/internal/logging"
)

var log = logging.L("backup")

const (
	snapshotFilesDir    = "files"
	snapshotManifestKey = "manifest.json"
)

// Snapshot represents a point-in-time backup taken before an update.
type Snapshot struct {
	ID        string         `json:"id"`
	Version   string         `json:"version"`
	Timestamp time.Time      `json:"timestamp"`
	Files     []SnapshotFile `json:"files"`
	Size      int64          `json:"size"`
}

// SnapshotFile captures metadata for a backed up file. SourcePath is
// slash-separated and relative to the install root.
type SnapshotFile struct {
	SourcePath string    `json:"sourcePath"`
	BackupPath string    `json:"backupPath"`
	Size       int64     `json:"size"`
	ModTime    time.Time `json:"modTime"`
}

// Manager creates, restores, and prunes update snapshots.
type Manager struct {
	provider     providers.BackupProvider
	installRoot  string
	trackedPaths []string

	mu        sync.Mutex
	restoring string
}

// NewManager creates a Manager for the given install root. trackedPaths
// are files or directories relative to installRoot; directories are
// walked recursively at snapshot time.
func NewManager(provider providers.BackupProvider, installRoot string, trackedPaths []string) *Manager {
	return &Manager{
		provider:     provider,
		installRoot:  filepath.Clean(installRoot),
		trackedPaths: trackedPaths,
	}
}

// Create takes a snapshot of all tracked files, labeled with the version
// currently installed. A failure to copy any single file fails the whole
// snapshot, and any partially written snapshot data is removed.
func (m *Manager) Create(version string) (*Snapshot, error) {
	if m.provider == nil {
		return nil, errors.New("backup provider is required")
	}

	snapshot := &Snapshot{
		ID:        fmt.Sprintf("backup_%s_%d", version, time.Now().Unix()),
		Version:   version,
		Timestamp: time.Now().UTC(),
	}

	files, err := m.collectTracked()
	if err != nil {
		return nil, err
	}

	log.Info("creating snapshot", "id", snapshot.ID, "files", len(files))

	for _, file := range files {
		backupPath := path.Join(snapshot.ID, snapshotFilesDir, file.relPath) + ".gz"
		if err := m.provider.Upload(file.absPath, backupPath); err != nil {
			m.discard(snapshot.ID)
			return nil, fmt.Errorf("failed to back up %s: %w", file.relPath, err)
		}
		snapshot.Files = append(snapshot.Files, SnapshotFile{
			SourcePath: file.relPath,
			BackupPath: backupPath,
			Size:       file.size,
			ModTime:    file.modTime,
		})
		snapshot.Size += file.size
	}

	if err := m.writeManifest(snapshot); err != nil {
		m.discard(snapshot.ID)
		return nil, err
	}

	return snapshot, nil
}

// Restore copies every file in the snapshot back to its original
// location under the install root, recreating parent directories as
// needed. The snapshot is protected from pruning while the restore runs.
func (m *Manager) Restore(id string) error {
	if m.provider == nil {
		return errors.New("backup provider is required")
	}

	snapshot, err := m.readManifest(id)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.restoring = id
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.restoring = ""
		m.mu.Unlock()
	}()

	log.Info("restoring snapshot", "id", id, "files", len(snapshot.Files))

	var errs []error
	for _, file := range snapshot.Files {
		dest := filepath.Join(m.installRoot, filepath.FromSlash(file.SourcePath))
		if err := m.provider.Download(file.BackupPath, dest); err != nil {
			errs = append(errs, fmt.Errorf("failed to restore %s: %w", file.SourcePath, err))
		}
	}
	return errors.Join(errs...)
}

// List returns all snapshots in the store, oldest first.
func (m *Manager) List() ([]Snapshot, error) {
	if m.provider == nil {
		return nil, errors.New("backup provider is required")
	}

	items, err := m.provider.List("")
	if err != nil {
		return nil, err
	}

	var snapshots []Snapshot
	var errs []error
	for _, item := range items {
		if path.Base(item) != snapshotManifestKey {
			continue
		}
		snapshot, err := m.readManifest(path.Dir(item))
		if err != nil {
			errs = append(errs, err)
			log.Warn("skipping unreadable snapshot manifest", "item", item, logging.KeyError, err)
			continue
		}
		snapshots = append(snapshots, *snapshot)
	}

	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].Timestamp.Before(snapshots[j].Timestamp)
	})

	if len(snapshots) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return snapshots, nil
}

// Prune removes the oldest snapshots until at most keep remain. A
// snapshot currently being restored is never pruned.
func (m *Manager) Prune(keep int) error {
	if keep <= 0 {
		return nil
	}
	snapshots, err := m.List()
	if err != nil {
		return err
	}
	if len(snapshots) <= keep {
		return nil
	}

	m.mu.Lock()
	restoring := m.restoring
	m.mu.Unlock()

	var errs []error
	for _, snapshot := range snapshots[:len(snapshots)-keep] {
		if snapshot.ID == restoring {
			continue
		}
		log.Info("pruning snapshot", "id", snapshot.ID)
		if err := m.discard(snapshot.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type trackedFile struct {
	absPath string
	relPath string
	size    int64
	modTime time.Time
}

// collectTracked enumerates the regular files under the tracked paths.
// Tracked paths that do not exist yet are skipped; they simply have
// nothing to back up.
func (m *Manager) collectTracked() ([]trackedFile, error) {
	var files []trackedFile
	seen := make(map[string]struct{})

	for _, tracked := range m.trackedPaths {
		root := filepath.Join(m.installRoot, filepath.FromSlash(tracked))
		info, err := os.Stat(root)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to stat tracked path %s: %w", tracked, err)
		}

		if !info.IsDir() {
			if !info.Mode().IsRegular() {
				continue
			}
			m.appendFile(&files, seen, root, info)
			continue
		}

		err = filepath.WalkDir(root, func(p string, entry fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			// A crashed earlier update can leave a staging dir behind;
			// it is not part of the installed tree.
			if entry.IsDir() && strings.HasPrefix(entry.Name(), ".staging-") {
				return fs.SkipDir
			}
			if entry.IsDir() || entry.Type()&os.ModeSymlink != 0 {
				return nil
			}
			info, err := entry.Info()
			if err != nil {
				return err
			}
			if !info.Mode().IsRegular() {
				return nil
			}
			m.appendFile(&files, seen, p, info)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk tracked path %s: %w", tracked, err)
		}
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].relPath < files[j].relPath
	})
	return files, nil
}

func (m *Manager) appendFile(files *[]trackedFile, seen map[string]struct{}, absPath string, info fs.FileInfo) {
	rel, err := filepath.Rel(m.installRoot, absPath)
	if err != nil {
		return
	}
	relPath := filepath.ToSlash(rel)
	if _, exists := seen[relPath]; exists {
		return
	}
	seen[relPath] = struct{}{}
	*files = append(*files, trackedFile{
		absPath: absPath,
		relPath: relPath,
		size:    info.Size(),
		modTime: info.ModTime(),
	})
}

func (m *Manager) writeManifest(snapshot *Snapshot) error {
	tempFile, err := os.CreateTemp("", "snapshot-manifest-*.json")
	if err != nil {
		return fmt.Errorf("failed to create snapshot manifest: %w", err)
	}
	tempPath := tempFile.Name()
	defer os.Remove(tempPath)

	encodeErr := json.NewEncoder(tempFile).Encode(snapshot)
	closeErr := tempFile.Close()
	if encodeErr != nil {
		return fmt.Errorf("failed to encode snapshot manifest: %w", encodeErr)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close snapshot manifest: %w", closeErr)
	}

	manifestKey := path.Join(snapshot.ID, snapshotManifestKey)
	if err := m.provider.Upload(tempPath, manifestKey); err != nil {
		return fmt.Errorf("failed to store snapshot manifest: %w", err)
	}
	return nil
}

func (m *Manager) readManifest(id string) (*Snapshot, error) {
	tempFile, err := os.CreateTemp("", "snapshot-manifest-*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp manifest: %w", err)
	}
	tempPath := tempFile.Name()
	_ = tempFile.Close()
	defer os.Remove(tempPath)

	manifestKey := path.Join(id, snapshotManifestKey)
	if err := m.provider.Download(manifestKey, tempPath); err != nil {
		return nil, fmt.Errorf("failed to fetch manifest for %s: %w", id, err)
	}

	data, err := os.Open(tempPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest for %s: %w", id, err)
	}
	defer data.Close()

	var snapshot Snapshot
	if err := json.NewDecoder(data).Decode(&snapshot); err != nil {
		return nil, fmt.Errorf("failed to decode manifest for %s: %w", id, err)
	}
	return &snapshot, nil
}

// discard deletes every stored file belonging to the snapshot.
func (m *Manager) discard(id string) error {
	items, err := m.provider.List(id)
	if err != nil {
		return fmt.Errorf("failed to list snapshot %s: %w", id, err)
	}
	var errs []error
	for _, item := range items {
		if err := m.provider.Delete(item); err != nil {
			errs = append(errs, fmt.Errorf("failed to delete %s: %w", item, err))
		}
	}
	return errors.Join(errs...)
}
