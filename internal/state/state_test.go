package state

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestLoadMissingFileDefaults(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "state.json"))

	st, err := s.Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if st.Version != "0.0.0" {
		t.Fatalf("fresh install version = %s, want 0.0.0", st.Version)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "state.json"))

	want := InstallationState{
		Version:        "1.0.2",
		ModulesEnabled: []string{"network_bridge", "resource_pool"},
		LastUpdate:     time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC),
		UpdateServer:   "http://updates.example.com/manifest.json",
	}
	if err := s.Save(want); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	got, err := s.Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("round-trip mismatch:\n got %+v\nwant %+v", got, want)
	}
}

func TestSaveLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(filepath.Join(dir, "state.json"))

	if err := s.Save(InstallationState{Version: "1.0.0"}); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp-") {
			t.Fatalf("temp file left behind: %s", e.Name())
		}
	}
	if len(entries) != 1 {
		t.Fatalf("expected only state.json, got %d entries", len(entries))
	}
}

func TestLoadIgnoresUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	blob := `{"version":"1.0.1","modules_enabled":["disk_share"],"future_field":42}`
	if err := os.WriteFile(path, []byte(blob), 0644); err != nil {
		t.Fatal(err)
	}

	st, err := NewStore(path).Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if st.Version != "1.0.1" || len(st.ModulesEnabled) != 1 {
		t.Fatalf("unexpected state: %+v", st)
	}
}

func TestLoadCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte("{truncated"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := NewStore(path).Load(); err == nil {
		t.Fatal("corrupt state file should return error")
	}
}
