// Package updater drives the agent's self-update lifecycle: check,
// download, verify, back up, stage, and commit, with rollback when a
// commit fails partway.
package updater

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alpha-agent/agent/internal/archive"
	"github.com/alpha-agent/agent/internal/backup"
	"github.com/alpha-agent/agent/internal/checksum"
	"github.com/alpha-agent/agent/internal/fetch"
	"github.com/alpha-agent/agent/internal/logging"
	"github.com/alpha-agent/agent/internal/state"
	"github.com/alpha-agent/agent/internal/version"
)

var log = logging.L("updater")

// State names the phase an update attempt is in. Every transition is
// logged.
type State string

const (
	StateIdle        State = "idle"
	StateChecking    State = "checking"
	StateDownloading State = "downloading"
	StateVerifying   State = "verifying"
	StateBackingUp   State = "backing_up"
	StateStaging     State = "staging"
	StateCommitting  State = "committing"
	StateRolledBack  State = "rolled_back"
	StateFailed      State = "failed"
)

// Status classifies the outcome of an update attempt.
type Status string

const (
	// StatusUpdated means a new version was committed.
	StatusUpdated Status = "updated"
	// StatusUpToDate means no update was applied and nothing is wrong.
	StatusUpToDate Status = "up_to_date"
	// StatusRetry means the attempt failed but a later check may succeed.
	StatusRetry Status = "retriable_failure"
	// StatusFatal means the install may be inconsistent and automatic
	// updates have been disabled for the life of the process.
	StatusFatal Status = "fatal_failure"
)

// Result reports what an update attempt did.
type Result struct {
	Status          Status
	Reason          string
	FromVersion     string
	ToVersion       string
	RestartRequired bool
	ChecksumSkipped bool
	Snapshot        string
}

// Config wires a Manager's collaborators.
type Config struct {
	Fetcher     *fetch.Fetcher
	Backups     *backup.Manager
	Store       *state.Store
	InstallRoot string
	ServerURL   string
	Retention   int
}

// Manager coordinates update attempts. At most one attempt runs at a
// time; overlapping calls return immediately without doing anything.
type Manager struct {
	cfg Config

	inFlight atomic.Bool

	mu          sync.Mutex
	fatal       bool
	fatalReason string
	state       State
}

// New creates a Manager.
func New(cfg Config) *Manager {
	return &Manager{cfg: cfg, state: StateIdle}
}

// Fatal reports whether a failed rollback has disabled updates, and why.
func (m *Manager) Fatal() (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fatal, m.fatalReason
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	prev := m.state
	m.state = s
	m.mu.Unlock()
	log.Info("update state changed", "from", string(prev), "to", string(s))
}

func (m *Manager) latchFatal(reason string) {
	m.mu.Lock()
	m.fatal = true
	m.fatalReason = reason
	m.mu.Unlock()
	log.Error("updates disabled until restart", "reason", reason)
}

// CheckAndApply runs one full update attempt. It never restarts the
// process; when a new version is committed the result carries
// RestartRequired and the caller decides what to do with it.
func (m *Manager) CheckAndApply(ctx context.Context) *Result {
	if fatal, reason := m.Fatal(); fatal {
		return &Result{Status: StatusFatal, Reason: reason}
	}

	if !m.inFlight.CompareAndSwap(false, true) {
		log.Info("update attempt already in progress, skipping")
		return &Result{Status: StatusUpToDate, Reason: "attempt already in progress"}
	}
	defer m.inFlight.Store(false)
	// Terminal commit outcomes stay observable through State(); every
	// other path returns the manager to idle.
	defer func() {
		if s := m.State(); s != StateFailed && s != StateRolledBack {
			m.setState(StateIdle)
		}
	}()

	m.setState(StateChecking)
	installed, err := m.cfg.Store.Load()
	if err != nil {
		return &Result{Status: StatusRetry, Reason: fmt.Sprintf("failed to load installation state: %v", err)}
	}
	result := &Result{FromVersion: installed.Version}

	manifest, err := m.cfg.Fetcher.Manifest(ctx)
	if err != nil {
		if errors.Is(err, fetch.ErrInvalidBody) {
			// A malformed manifest means the server published garbage;
			// there is no update to apply, but an operator should hear
			// about it.
			log.Warn("update server returned an unusable manifest", logging.KeyError, err)
			result.Status = StatusUpToDate
			result.Reason = err.Error()
			return result
		}
		result.Status = StatusRetry
		result.Reason = err.Error()
		return result
	}
	result.ToVersion = manifest.Version

	if !version.IsNewer(manifest.Version, installed.Version) {
		log.Info("already up to date", logging.KeyVersion, installed.Version, "remote", manifest.Version)
		result.Status = StatusUpToDate
		result.ToVersion = ""
		return result
	}
	log.Info("update available", "from", installed.Version, "to", manifest.Version)

	m.setState(StateDownloading)
	artifact, err := m.cfg.Fetcher.Package(ctx, manifest)
	if err != nil {
		result.Status = StatusRetry
		result.Reason = err.Error()
		return result
	}
	defer artifact.Remove()

	m.setState(StateVerifying)
	if manifest.Checksum == "" {
		log.Warn("manifest carries no checksum, skipping verification",
			logging.KeyVersion, manifest.Version)
		result.ChecksumSkipped = true
	} else {
		ok, err := checksum.Verify(artifact.Path, manifest.Checksum)
		if err != nil {
			result.Status = StatusRetry
			result.Reason = fmt.Sprintf("checksum verification failed: %v", err)
			return result
		}
		if !ok {
			result.Status = StatusRetry
			result.Reason = fmt.Sprintf("checksum mismatch for version %s", manifest.Version)
			return result
		}
	}

	m.setState(StateBackingUp)
	snapshot, err := m.cfg.Backups.Create(installed.Version)
	if err != nil {
		result.Status = StatusRetry
		result.Reason = fmt.Sprintf("backup failed: %v", err)
		return result
	}
	result.Snapshot = snapshot.ID

	// Staging lives under the install root so commit renames stay on
	// one filesystem.
	m.setState(StateStaging)
	stagingDir := filepath.Join(m.cfg.InstallRoot, ".staging-"+manifest.Version)
	defer os.RemoveAll(stagingDir)

	staged, err := archive.Stage(artifact.Path, stagingDir)
	if err != nil {
		result.Status = StatusRetry
		result.Reason = fmt.Sprintf("failed to stage package: %v", err)
		return result
	}

	m.setState(StateCommitting)
	if err := m.commit(stagingDir, staged, manifest, installed); err != nil {
		log.Error("commit failed, rolling back", logging.KeyError, err, "snapshot", snapshot.ID)
		if rbErr := m.cfg.Backups.Restore(snapshot.ID); rbErr != nil {
			m.setState(StateFailed)
			reason := fmt.Sprintf("commit failed: %v; rollback also failed: %v", err, rbErr)
			m.latchFatal(reason)
			result.Status = StatusFatal
			result.Reason = reason
			return result
		}
		m.setState(StateRolledBack)
		result.Status = StatusRetry
		result.Reason = fmt.Sprintf("commit failed, previous version restored: %v", err)
		return result
	}

	if err := m.cfg.Backups.Prune(m.cfg.Retention); err != nil {
		log.Warn("failed to prune old snapshots", logging.KeyError, err)
	}

	log.Info("update committed", "from", installed.Version, "to", manifest.Version)
	result.Status = StatusUpdated
	result.RestartRequired = true
	return result
}

// commit moves staged files into the live tree and persists the new
// installation state. This is the only step that touches live files.
func (m *Manager) commit(stagingDir string, staged []string, manifest *fetch.Manifest, installed state.InstallationState) error {
	for _, rel := range staged {
		src := filepath.Join(stagingDir, filepath.FromSlash(rel))
		dest := filepath.Join(m.cfg.InstallRoot, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return fmt.Errorf("failed to create directory for %s: %w", rel, err)
		}
		if err := os.Rename(src, dest); err != nil {
			return fmt.Errorf("failed to install %s: %w", rel, err)
		}
	}

	next := state.InstallationState{
		Version:        manifest.Version,
		ModulesEnabled: installed.ModulesEnabled,
		LastUpdate:     time.Now().UTC(),
		UpdateServer:   m.cfg.ServerURL,
	}
	if len(manifest.Modules) > 0 {
		next.ModulesEnabled = manifest.Modules
	}
	if err := m.cfg.Store.Save(next); err != nil {
		return fmt.Errorf("failed to persist installation state: %w", err)
	}
	return nil
}
