// Package state persists the installation's version and feature record.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// InstallationState is the single authoritative record of what is installed.
// It is read at startup and rewritten only by the updater's commit step.
type InstallationState struct {
	Version        string    `json:"version"`
	ModulesEnabled []string  `json:"modules_enabled"`
	LastUpdate     time.Time `json:"last_update,omitzero"`
	UpdateServer   string    `json:"update_server,omitempty"`
}

// Store reads and writes the installation state file. Saves go through a
// sibling temp file and a rename, so a concurrent reader never observes a
// partial write.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore creates a Store backed by the given file path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the state file location.
func (s *Store) Path() string {
	return s.path
}

// Load reads the state file. A missing file yields a zero-version state
// rather than an error, matching a fresh installation.
func (s *Store) Load() (InstallationState, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return InstallationState{Version: "0.0.0"}, nil
		}
		return InstallationState{}, fmt.Errorf("failed to read state file: %w", err)
	}

	var st InstallationState
	if err := json.Unmarshal(data, &st); err != nil {
		return InstallationState{}, fmt.Errorf("failed to parse state file %s: %w", s.path, err)
	}
	if st.Version == "" {
		st.Version = "0.0.0"
	}
	return st, nil
}

// Save atomically rewrites the state file.
func (s *Store) Save(st InstallationState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpPath := tmp.Name()

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	err = enc.Encode(st)
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write state file: %w", err)
	}

	// Rename is the only mutation a reader can observe.
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}
