package restore

import (
	"crypto/ed25519"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"darklock/internal/backupstore"
	"darklock/internal/baseline"
	"darklock/internal/security"
)

func genKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return priv
}

func hashOf(content []byte) string {
	sum := security.BLAKE3Sum256(content)
	return hex.EncodeToString(sum[:])
}

func newTestStore(t *testing.T) (*backupstore.Store, ed25519.PrivateKey) {
	t.Helper()
	priv := genKey(t)
	store, err := backupstore.Open(t.TempDir(), priv, "device-1")
	if err != nil {
		t.Fatalf("backupstore.Open: %v", err)
	}
	return store, priv
}

func TestRestoreFileRestoresTamperedContent(t *testing.T) {
	store, _ := newTestStore(t)
	liveDir := t.TempDir()
	livePath := filepath.Join(liveDir, "protected.txt")

	original := []byte("original protected content")
	if err := os.WriteFile(livePath, original, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	hash := hashOf(original)
	if err := store.EnsureFromDisk(livePath, hash, 0o600, ""); err != nil {
		t.Fatalf("EnsureFromDisk: %v", err)
	}

	// Tamper with the live file.
	if err := os.WriteFile(livePath, []byte("tampered!"), 0o600); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	engine := NewEngine(store, NewRestoringSet(), filepath.Join(liveDir, "quarantine"))
	result := engine.RestoreFile(livePath, baseline.Entry{Path: livePath, Hash: hash, Size: int64(len(original)), Permissions: 0o600})

	if result.Outcome != Restored {
		t.Fatalf("expected Restored, got %v (err=%v)", result.Outcome, result.Err)
	}
	got, err := os.ReadFile(livePath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != string(original) {
		t.Fatalf("restored content = %q, want %q", got, original)
	}
}

func TestRestoreFileAlreadyRestoring(t *testing.T) {
	store, _ := newTestStore(t)
	liveDir := t.TempDir()
	livePath := filepath.Join(liveDir, "f.txt")
	os.WriteFile(livePath, []byte("x"), 0o600)

	engine := NewEngine(store, NewRestoringSet(), filepath.Join(liveDir, "quarantine"))
	if !engine.tryLock(livePath) {
		t.Fatal("expected first tryLock to succeed")
	}
	defer engine.unlock(livePath)

	result := engine.RestoreFile(livePath, baseline.Entry{Path: livePath, Hash: "deadbeef"})
	if result.Outcome != AlreadyRestoring {
		t.Fatalf("expected AlreadyRestoring, got %v", result.Outcome)
	}
}

func TestRestoreFileReturnsBackupCorruptedWithoutRetry(t *testing.T) {
	store, _ := newTestStore(t)
	liveDir := t.TempDir()
	livePath := filepath.Join(liveDir, "f.txt")
	os.WriteFile(livePath, []byte("live content"), 0o600)

	engine := NewEngine(store, NewRestoringSet(), filepath.Join(liveDir, "quarantine"))

	// The backup entry records the real content hash, so asking for a
	// different baseline hash makes ReadBlobVerified report BlobCorrupted.
	content := []byte("correct content")
	hash := hashOf(content)
	if err := store.EnsureFromDisk(livePath, hash, 0o600, ""); err != nil {
		t.Fatalf("EnsureFromDisk: %v", err)
	}

	result := engine.RestoreFile(livePath, baseline.Entry{Path: livePath, Hash: "0000000000000000000000000000000000000000000000000000000000000000"})
	if result.Outcome != BackupCorrupted {
		t.Fatalf("expected BackupCorrupted for unmatched baseline hash, got %v (err=%v)", result.Outcome, result.Err)
	}
}

func TestGuardAgainstSymlinkEscapeRejectsSymlinkParent(t *testing.T) {
	base := t.TempDir()
	realDir := filepath.Join(base, "real")
	os.MkdirAll(realDir, 0o700)
	linkDir := filepath.Join(base, "link")
	if err := os.Symlink(realDir, linkDir); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	target := filepath.Join(linkDir, "f.txt")
	if err := guardAgainstSymlinkEscape(target); err == nil {
		t.Fatal("expected symlink parent to be rejected")
	}
}

func TestCleanupOrphansRemovesLeftoverStagingFiles(t *testing.T) {
	root := t.TempDir()
	orphan := filepath.Join(root, stagingPrefix+"abc123.tmp")
	if err := os.WriteFile(orphan, []byte("leftover"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	normal := filepath.Join(root, "normal.txt")
	os.WriteFile(normal, []byte("keep me"), 0o600)

	if err := CleanupOrphans([]string{root}); err != nil {
		t.Fatalf("CleanupOrphans: %v", err)
	}

	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Fatal("expected orphaned staging file to be removed")
	}
	if _, err := os.Stat(normal); err != nil {
		t.Fatal("expected normal file to survive cleanup")
	}
}

func TestRestoringSetAddContainsRemove(t *testing.T) {
	s := NewRestoringSet()
	if s.Contains("/a") {
		t.Fatal("expected empty set to not contain /a")
	}
	s.add("/a")
	if !s.Contains("/a") {
		t.Fatal("expected set to contain /a after add")
	}
	s.remove("/a")
	if s.Contains("/a") {
		t.Fatal("expected set to not contain /a after remove")
	}
}

func TestListAndPruneQuarantine(t *testing.T) {
	qDir := t.TempDir()
	old := filepath.Join(qDir, "old.quarantine")
	recent := filepath.Join(qDir, "recent.quarantine")
	os.WriteFile(old, []byte("x"), 0o600)
	os.WriteFile(recent, []byte("y"), 0o600)
	oldTime := time.Now().Add(-48 * time.Hour)
	os.Chtimes(old, oldTime, oldTime)

	list, err := ListQuarantine(qDir)
	if err != nil {
		t.Fatalf("ListQuarantine: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 quarantined files, got %d", len(list))
	}

	pruned, err := PruneQuarantine(qDir, 24*time.Hour)
	if err != nil {
		t.Fatalf("PruneQuarantine: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("expected 1 pruned file, got %d", pruned)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Fatal("expected old quarantine file to be pruned")
	}
	if _, err := os.Stat(recent); err != nil {
		t.Fatal("expected recent quarantine file to survive")
	}
}
