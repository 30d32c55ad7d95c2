package backup

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alpha-agent/agent/internal/backup/providers"
)

func newTestManager(t *testing.T, tracked []string) (*Manager, string) {
	t.Helper()
	installRoot := t.TempDir()
	backupRoot := t.TempDir()
	provider := providers.NewLocalProvider(backupRoot)
	return NewManager(provider, installRoot, tracked), installRoot
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	full := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestCreateAndRestoreRoundTrip(t *testing.T) {
	m, installRoot := newTestManager(t, []string{"main.bin", "modules"})
	writeFile(t, installRoot, "main.bin", "binary v1")
	writeFile(t, installRoot, "modules/network_bridge.bin", "bridge v1")
	writeFile(t, installRoot, "modules/disk_share.bin", "share v1")

	snapshot, err := m.Create("1.0.1")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if len(snapshot.Files) != 3 {
		t.Fatalf("snapshot has %d files, want 3", len(snapshot.Files))
	}
	if !strings.HasPrefix(snapshot.ID, "backup_1.0.1_") {
		t.Fatalf("snapshot ID = %q, want backup_1.0.1_ prefix", snapshot.ID)
	}

	// Clobber the install tree, then restore.
	writeFile(t, installRoot, "main.bin", "binary v2 corrupted")
	if err := os.RemoveAll(filepath.Join(installRoot, "modules")); err != nil {
		t.Fatal(err)
	}

	if err := m.Restore(snapshot.ID); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	for rel, want := range map[string]string{
		"main.bin":                   "binary v1",
		"modules/network_bridge.bin": "bridge v1",
		"modules/disk_share.bin":     "share v1",
	} {
		got, err := os.ReadFile(filepath.Join(installRoot, filepath.FromSlash(rel)))
		if err != nil {
			t.Fatalf("restored file %s: %v", rel, err)
		}
		if string(got) != want {
			t.Fatalf("restored %s = %q, want %q", rel, got, want)
		}
	}
}

func TestCreateSkipsMissingTrackedPaths(t *testing.T) {
	m, installRoot := newTestManager(t, []string{"main.bin", "modules", "missing_dir"})
	writeFile(t, installRoot, "main.bin", "only file")

	snapshot, err := m.Create("1.0.0")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if len(snapshot.Files) != 1 {
		t.Fatalf("snapshot has %d files, want 1", len(snapshot.Files))
	}
	if snapshot.Files[0].SourcePath != "main.bin" {
		t.Fatalf("SourcePath = %q, want main.bin", snapshot.Files[0].SourcePath)
	}
}

func TestCreateFailureLeavesNoPartialSnapshot(t *testing.T) {
	installRoot := t.TempDir()
	backupRoot := t.TempDir()
	provider := &failingProvider{
		inner:     providers.NewLocalProvider(backupRoot),
		failAfter: 1,
	}
	m := NewManager(provider, installRoot, []string{"a.txt", "b.txt"})
	writeFile(t, installRoot, "a.txt", "aaa")
	writeFile(t, installRoot, "b.txt", "bbb")

	if _, err := m.Create("1.0.0"); err == nil {
		t.Fatal("Create should fail when a file copy fails")
	}

	stored, err := providers.NewLocalProvider(backupRoot).List("")
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 0 {
		t.Fatalf("partial snapshot left behind: %v", stored)
	}
}

func TestPruneKeepsNewestSnapshots(t *testing.T) {
	m, installRoot := newTestManager(t, []string{"main.bin"})
	writeFile(t, installRoot, "main.bin", "content")

	var ids []string
	for i := 0; i < 4; i++ {
		s, err := m.Create("1.0.0")
		if err != nil {
			t.Fatalf("Create %d failed: %v", i, err)
		}
		// Spread timestamps so ordering is deterministic.
		s.Timestamp = s.Timestamp.Add(time.Duration(i) * time.Minute)
		if err := m.writeManifest(s); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, s.ID)
		time.Sleep(1100 * time.Millisecond) // distinct unix-second IDs
	}

	if err := m.Prune(2); err != nil {
		t.Fatalf("Prune failed: %v", err)
	}

	remaining, err := m.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(remaining) != 2 {
		t.Fatalf("after prune %d snapshots remain, want 2", len(remaining))
	}
	if remaining[0].ID != ids[2] || remaining[1].ID != ids[3] {
		t.Fatalf("wrong snapshots kept: %v %v, want %v %v",
			remaining[0].ID, remaining[1].ID, ids[2], ids[3])
	}
}

func TestListEmptyStore(t *testing.T) {
	m, _ := newTestManager(t, nil)
	snapshots, err := m.List()
	if err != nil {
		t.Fatalf("List on empty store failed: %v", err)
	}
	if len(snapshots) != 0 {
		t.Fatalf("List on empty store = %v, want empty", snapshots)
	}
}

// failingProvider delegates to inner but fails uploads after failAfter
// successful ones.
type failingProvider struct {
	inner     providers.BackupProvider
	failAfter int
	uploads   int
}

func (f *failingProvider) Upload(localPath, remotePath string) error {
	if f.uploads >= f.failAfter {
		return os.ErrPermission
	}
	f.uploads++
	return f.inner.Upload(localPath, remotePath)
}

func (f *failingProvider) Download(remotePath, localPath string) error {
	return f.inner.Download(remotePath, localPath)
}

func (f *failingProvider) List(prefix string) ([]string, error) {
	return f.inner.List(prefix)
}

func (f *failingProvider) Delete(remotePath string) error {
	return f.inner.Delete(remotePath)
}
