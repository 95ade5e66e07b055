package hasher

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"darklock/internal/security"
)

func writeTempFile(t *testing.T, data []byte) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "sample.bin")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestHashFileMatchesBLAKE3OfWholeFile(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")
	path := writeTempFile(t, data)

	got, size, err := HashFile(path, BLAKE3)
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}
	if size != int64(len(data)) {
		t.Fatalf("size = %d, want %d", size, len(data))
	}

	want := security.BLAKE3Sum256(data)
	if got != hex.EncodeToString(want[:]) {
		t.Fatalf("hash = %s, want %s", got, hex.EncodeToString(want[:]))
	}
}

func TestHashFileSHA256(t *testing.T) {
	data := []byte("sha256 path")
	path := writeTempFile(t, data)

	got, _, err := HashFile(path, SHA256)
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}
	want := sha256.Sum256(data)
	if got != hex.EncodeToString(want[:]) {
		t.Fatalf("hash = %s, want %s", got, hex.EncodeToString(want[:]))
	}
}

func TestHashChunkedRootIsDeterministicAndChunksVerify(t *testing.T) {
	data := make([]byte, 10*1024)
	for i := range data {
		data[i] = byte(i % 251)
	}
	path := writeTempFile(t, data)

	ch, err := HashChunked(path, BLAKE3, 1024)
	if err != nil {
		t.Fatalf("HashChunked: %v", err)
	}
	if len(ch.Chunks) != 10 {
		t.Fatalf("chunk count = %d, want 10", len(ch.Chunks))
	}
	if ch.TotalSize != int64(len(data)) {
		t.Fatalf("total size = %d, want %d", ch.TotalSize, len(data))
	}

	ch2, err := HashChunked(path, BLAKE3, 1024)
	if err != nil {
		t.Fatalf("HashChunked (2nd): %v", err)
	}
	if ch.Root != ch2.Root {
		t.Fatal("root hash not deterministic across runs")
	}

	for i := range ch.Chunks {
		if err := VerifyChunk(path, BLAKE3, ch, i); err != nil {
			t.Fatalf("VerifyChunk(%d): %v", i, err)
		}
	}
}

func TestMerkleRootEmpty(t *testing.T) {
	if root := MerkleRoot(nil, BLAKE3); root != "" {
		t.Fatalf("expected empty root for empty input, got %q", root)
	}
}

func TestMerkleRootDuplicatesLoneOddNode(t *testing.T) {
	three := []string{"aa", "bb", "cc"}
	rootOdd := MerkleRoot(three, BLAKE3)

	four := []string{"aa", "bb", "cc", "cc"}
	rootEven := MerkleRoot(four, BLAKE3)

	if rootOdd != rootEven {
		t.Fatal("odd leaf count should duplicate the last leaf, matching the explicit even-count tree")
	}
}

func TestMerkleRootSingleLeaf(t *testing.T) {
	root := MerkleRoot([]string{"deadbeef"}, BLAKE3)
	if root != "deadbeef" {
		t.Fatalf("single-leaf root = %q, want the leaf itself", root)
	}
}

func TestMerkleRootOrderSensitive(t *testing.T) {
	a := MerkleRoot([]string{"11", "22", "33", "44"}, BLAKE3)
	b := MerkleRoot([]string{"22", "11", "33", "44"}, BLAKE3)
	if a == b {
		t.Fatal("swapping leaf order should change the root")
	}
}
