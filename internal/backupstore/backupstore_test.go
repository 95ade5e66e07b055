package backupstore

import (
	"crypto/ed25519"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"darklock/internal/errs"
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

func writeSourceFile(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, content, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return p
}

func hashOf(content []byte) string {
	sum := security.BLAKE3Sum256(content)
	return hex.EncodeToString(sum[:])
}

func TestEnsureFromDiskAndReadPathRoundTrip(t *testing.T) {
	priv := genKey(t)
	root := t.TempDir()
	src := t.TempDir()

	store, err := Open(root, priv, "device-1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	content := []byte("hello darklock backup store")
	path := writeSourceFile(t, src, "a.txt", content)
	hash := hashOf(content)

	if err := store.EnsureFromDisk(path, hash, 0o600, ""); err != nil {
		t.Fatalf("EnsureFromDisk: %v", err)
	}

	got, err := store.ReadPath(path)
	if err != nil {
		t.Fatalf("ReadPath: %v", err)
	}
	if string(got) != string(content) {
		t.Fatalf("ReadPath returned %q, want %q", got, content)
	}
}

func TestEnsureFromDiskRejectsHashMismatch(t *testing.T) {
	priv := genKey(t)
	root := t.TempDir()
	src := t.TempDir()

	store, err := Open(root, priv, "device-1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	path := writeSourceFile(t, src, "a.txt", []byte("actual content"))
	if err := store.EnsureFromDisk(path, "0000000000000000000000000000000000000000000000000000000000000000", 0o600, ""); err == nil {
		t.Fatal("expected hash mismatch to be rejected")
	} else if !errs.Is(err, errs.BlobCorrupted) {
		t.Fatalf("expected BlobCorrupted, got %v", err)
	}
}

func TestEnsureFromDiskCompressesLargeFiles(t *testing.T) {
	priv := genKey(t)
	root := t.TempDir()
	src := t.TempDir()

	store, err := Open(root, priv, "device-1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	content := make([]byte, 64*1024)
	for i := range content {
		content[i] = byte('A' + i%3) // compressible
	}
	path := writeSourceFile(t, src, "big.bin", content)
	hash := hashOf(content)

	if err := store.EnsureFromDisk(path, hash, 0o600, ""); err != nil {
		t.Fatalf("EnsureFromDisk: %v", err)
	}

	entry := store.manifest.Entries[path]
	if !entry.Compressed {
		t.Fatal("expected large compressible file to be stored compressed")
	}
	if entry.StoredSize >= entry.OriginalSize {
		t.Fatalf("expected compressed size < original, got stored=%d original=%d", entry.StoredSize, entry.OriginalSize)
	}

	got, err := store.ReadPath(path)
	if err != nil {
		t.Fatalf("ReadPath: %v", err)
	}
	if string(got) != string(content) {
		t.Fatal("decompressed content does not match original")
	}
}

func TestEnsureFromDiskSkipsWriteOnHashCollision(t *testing.T) {
	priv := genKey(t)
	root := t.TempDir()
	src := t.TempDir()

	store, err := Open(root, priv, "device-1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	content := []byte("shared content")
	hash := hashOf(content)

	pathA := writeSourceFile(t, src, "a.txt", content)
	pathB := writeSourceFile(t, src, "b.txt", content)

	if err := store.EnsureFromDisk(pathA, hash, 0o600, ""); err != nil {
		t.Fatalf("EnsureFromDisk a: %v", err)
	}
	if err := store.EnsureFromDisk(pathB, hash, 0o600, ""); err != nil {
		t.Fatalf("EnsureFromDisk b: %v", err)
	}

	blobPath := store.blobPath(hash)
	if _, err := os.Stat(blobPath); err != nil {
		t.Fatalf("expected blob to exist: %v", err)
	}

	gotA, _ := store.ReadPath(pathA)
	gotB, _ := store.ReadPath(pathB)
	if string(gotA) != string(content) || string(gotB) != string(content) {
		t.Fatal("both paths should read back the shared blob content")
	}
}

func TestReadBlobVerifiedDetectsCorruption(t *testing.T) {
	priv := genKey(t)
	root := t.TempDir()
	src := t.TempDir()

	store, err := Open(root, priv, "device-1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	content := []byte("integrity matters")
	path := writeSourceFile(t, src, "a.txt", content)
	hash := hashOf(content)

	if err := store.EnsureFromDisk(path, hash, 0o600, ""); err != nil {
		t.Fatalf("EnsureFromDisk: %v", err)
	}

	if _, err := store.ReadBlobVerified(path, hash); err != nil {
		t.Fatalf("ReadBlobVerified should succeed before corruption: %v", err)
	}

	// Corrupt the on-disk blob directly.
	blobPath := store.blobPath(hash)
	if err := os.WriteFile(blobPath, []byte("corrupted bytes"), 0o600); err != nil {
		t.Fatalf("corrupt blob: %v", err)
	}

	if _, err := store.ReadBlobVerified(path, hash); err == nil {
		t.Fatal("expected corrupted blob to fail verification")
	} else if !errs.Is(err, errs.BlobCorrupted) {
		t.Fatalf("expected BlobCorrupted, got %v", err)
	}
}

func TestReadBlobVerifiedRejectsHashMismatchAgainstManifest(t *testing.T) {
	priv := genKey(t)
	root := t.TempDir()
	src := t.TempDir()

	store, err := Open(root, priv, "device-1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	content := []byte("some content")
	path := writeSourceFile(t, src, "a.txt", content)
	hash := hashOf(content)
	if err := store.EnsureFromDisk(path, hash, 0o600, ""); err != nil {
		t.Fatalf("EnsureFromDisk: %v", err)
	}

	if _, err := store.ReadBlobVerified(path, "deadbeef"); err == nil {
		t.Fatal("expected mismatched expected hash to fail")
	} else if !errs.Is(err, errs.BlobCorrupted) {
		t.Fatalf("expected BlobCorrupted, got %v", err)
	}
}

func TestVerifyAllDetectsTamperedBlob(t *testing.T) {
	priv := genKey(t)
	root := t.TempDir()
	src := t.TempDir()

	store, err := Open(root, priv, "device-1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	content := []byte("verify all contents")
	path := writeSourceFile(t, src, "a.txt", content)
	hash := hashOf(content)
	if err := store.EnsureFromDisk(path, hash, 0o600, ""); err != nil {
		t.Fatalf("EnsureFromDisk: %v", err)
	}

	if err := store.VerifyAll(); err != nil {
		t.Fatalf("VerifyAll should pass initially: %v", err)
	}

	blobPath := store.blobPath(hash)
	if err := os.WriteFile(blobPath, []byte("tampered"), 0o600); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	if err := store.VerifyAll(); err == nil {
		t.Fatal("expected VerifyAll to detect tampered blob")
	}
}

func TestOpenReopensAndVerifiesManifestSignature(t *testing.T) {
	priv := genKey(t)
	root := t.TempDir()
	src := t.TempDir()

	store, err := Open(root, priv, "device-1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	content := []byte("persisted across reopen")
	path := writeSourceFile(t, src, "a.txt", content)
	hash := hashOf(content)
	if err := store.EnsureFromDisk(path, hash, 0o600, ""); err != nil {
		t.Fatalf("EnsureFromDisk: %v", err)
	}

	reopened, err := Open(root, priv, "device-1")
	if err != nil {
		t.Fatalf("reopen Open: %v", err)
	}
	got, err := reopened.ReadPath(path)
	if err != nil {
		t.Fatalf("ReadPath after reopen: %v", err)
	}
	if string(got) != string(content) {
		t.Fatal("content mismatch after reopen")
	}
}

func TestOpenCleansUpLeftoverStagingFiles(t *testing.T) {
	priv := genKey(t)
	root := t.TempDir()

	if err := os.MkdirAll(filepath.Join(root, "staging"), 0o700); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	orphan := filepath.Join(root, "staging", "orphan-from-crash.staging")
	if err := os.WriteFile(orphan, []byte("leftover"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := Open(root, priv, "device-1"); err != nil {
		t.Fatalf("Open: %v", err)
	}

	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Fatal("expected leftover staging file to be removed on Open")
	}
}
