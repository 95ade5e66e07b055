// Package backupstore implements a content-addressed, zstd-compressed blob
// store with a signed manifest, backing the restore engine.
package backupstore

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"darklock/internal/errs"
	"darklock/internal/logging"
	"darklock/internal/security"
)

const compressThreshold = 4 * 1024 // 4 KiB

// Entry records one path's backed-up content.
type Entry struct {
	Path         string
	BlobHash     string // hex BLAKE3
	OriginalSize int64
	StoredSize   int64
	Permissions  uint32
	Owner        string
	Compressed   bool
	StoredAt     time.Time
}

// Manifest is the signed index of every backed-up path.
type Manifest struct {
	Version   int
	DeviceID  string
	CreatedAt time.Time
	UpdatedAt time.Time
	Entries   map[string]Entry
	TotalSize int64
	Signature []byte
}

// CanonicalForm: keys sorted, each entry "path|blob_hash|orig_size_le|stored_size_le|perms_le\n".
func (m *Manifest) CanonicalForm() []byte {
	paths := make([]string, 0, len(m.Entries))
	for p := range m.Entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var buf []byte
	for _, p := range paths {
		e := m.Entries[p]
		buf = append(buf, p...)
		buf = append(buf, '|')
		buf = append(buf, e.BlobHash...)
		buf = append(buf, '|')
		var origLE, storedLE [8]byte
		binary.LittleEndian.PutUint64(origLE[:], uint64(e.OriginalSize))
		binary.LittleEndian.PutUint64(storedLE[:], uint64(e.StoredSize))
		buf = append(buf, origLE[:]...)
		buf = append(buf, storedLE[:]...)
		var permsLE [4]byte
		binary.LittleEndian.PutUint32(permsLE[:], e.Permissions)
		buf = append(buf, permsLE[:]...)
		buf = append(buf, '\n')
	}
	return buf
}

func (m *Manifest) digest() [32]byte {
	return sha256.Sum256(m.CanonicalForm())
}

func (m *Manifest) sign(priv ed25519.PrivateKey) {
	d := m.digest()
	m.Signature = ed25519.Sign(priv, d[:])
}

// Verify checks the manifest's signature.
func (m *Manifest) Verify(pub ed25519.PublicKey) error {
	d := m.digest()
	if !ed25519.Verify(pub, d[:], m.Signature) {
		return errs.New(errs.SignatureVerification, "Manifest.Verify", fmt.Errorf("manifest signature mismatch"))
	}
	return nil
}

// Store is a content-addressed blob store rooted at a directory:
//
//	<root>/store.manifest
//	<root>/blobs/<xx>/<full_hash>.blob
//	<root>/staging/<uuid>.staging
type Store struct {
	root     string
	priv     ed25519.PrivateKey
	pub      ed25519.PublicKey
	deviceID string

	mu       sync.Mutex
	manifest *Manifest
}

// Open opens or initializes a blob store at root.
func Open(root string, priv ed25519.PrivateKey, deviceID string) (*Store, error) {
	for _, dir := range []string{root, filepath.Join(root, "blobs"), filepath.Join(root, "staging")} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, errs.New(errs.IoTransient, "backupstore.Open", err)
		}
	}

	s := &Store{
		root:     root,
		priv:     priv,
		pub:      priv.Public().(ed25519.PublicKey),
		deviceID: deviceID,
	}

	manifestPath := filepath.Join(root, "store.manifest")
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, errs.New(errs.IoTransient, "backupstore.Open", err)
		}
		now := time.Now().UTC()
		s.manifest = &Manifest{Version: 1, DeviceID: deviceID, CreatedAt: now, UpdatedAt: now, Entries: map[string]Entry{}}
		s.manifest.sign(priv)
	} else {
		var m Manifest
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, errs.New(errs.BlobCorrupted, "backupstore.Open", fmt.Errorf("corrupt manifest: %w", err))
		}
		if err := m.Verify(s.pub); err != nil {
			return nil, err
		}
		s.manifest = &m
	}

	if err := s.cleanupStagingDir(); err != nil {
		return nil, err
	}
	return s, nil
}

// cleanupStagingDir removes leftover *.staging files from a prior crash.
func (s *Store) cleanupStagingDir() error {
	stagingDir := filepath.Join(s.root, "staging")
	entries, err := os.ReadDir(stagingDir)
	if err != nil {
		return errs.New(errs.IoTransient, "backupstore.cleanupStagingDir", err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".staging" {
			os.Remove(filepath.Join(stagingDir, e.Name()))
		}
	}
	return nil
}

func (s *Store) blobPath(hexHash string) string {
	if len(hexHash) < 2 {
		return filepath.Join(s.root, "blobs", "00", hexHash+".blob")
	}
	return filepath.Join(s.root, "blobs", hexHash[:2], hexHash+".blob")
}

// EnsureFromDisk ingests canonicalPath's current content, verifying it
// matches expectedHash, compressing with zstd above 4 KiB, and updates the
// signed manifest.
func (s *Store) EnsureFromDisk(canonicalPath string, expectedHash string, perms uint32, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(canonicalPath)
	if err != nil {
		return errs.New(errs.IoTransient, "backupstore.EnsureFromDisk", err)
	}

	sum := security.BLAKE3Sum256(raw)
	gotHash := hex.EncodeToString(sum[:])
	if gotHash != expectedHash {
		logging.Error("backup ingest hash mismatch", "path", canonicalPath, "expected", expectedHash, "got", gotHash)
		return errs.New(errs.BlobCorrupted, "backupstore.EnsureFromDisk", fmt.Errorf("content hash %s does not match expected %s", gotHash, expectedHash))
	}

	stored := raw
	compressed := false
	if len(raw) > compressThreshold {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return errs.New(errs.Crypto, "backupstore.EnsureFromDisk", err)
		}
		stored = enc.EncodeAll(raw, nil)
		enc.Close()
		compressed = true
	}

	blobPath := s.blobPath(expectedHash)
	if _, err := os.Stat(blobPath); err == nil {
		// Hash collision with existing content: skip the write, still update manifest bookkeeping.
	} else {
		if err := os.MkdirAll(filepath.Dir(blobPath), 0o700); err != nil {
			return errs.New(errs.IoTransient, "backupstore.EnsureFromDisk", err)
		}
		if err := s.writeStagedThenRename(stored, blobPath); err != nil {
			return err
		}
	}

	old, hadOld := s.manifest.Entries[canonicalPath]
	newEntry := Entry{
		Path:         canonicalPath,
		BlobHash:     expectedHash,
		OriginalSize: int64(len(raw)),
		StoredSize:   int64(len(stored)),
		Permissions:  perms,
		Owner:        owner,
		Compressed:   compressed,
		StoredAt:     time.Now().UTC(),
	}
	s.manifest.Entries[canonicalPath] = newEntry

	delta := newEntry.StoredSize
	if hadOld {
		delta -= old.StoredSize
	}
	s.manifest.TotalSize += delta
	s.manifest.UpdatedAt = time.Now().UTC()
	s.manifest.sign(s.priv)

	if err := s.persistManifest(); err != nil {
		logging.Error("backup manifest persist failed", "path", canonicalPath, "error", err)
		return err
	}
	logging.Info("backup ensured", "path", canonicalPath, "hash", expectedHash, "stored_bytes", newEntry.StoredSize, "compressed", compressed)
	return nil
}

// writeStagedThenRename writes data to a uuid-named staging file, fsyncs
// it and the staging directory, renames it into place, then fsyncs the
// destination's parent directory.
func (s *Store) writeStagedThenRename(data []byte, destPath string) error {
	stagingDir := filepath.Join(s.root, "staging")
	stagingPath := filepath.Join(stagingDir, uuid.New().String()+".staging")

	f, err := os.OpenFile(stagingPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return errs.New(errs.IoTransient, "backupstore.writeStagedThenRename", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(stagingPath)
		return errs.New(errs.IoTransient, "backupstore.writeStagedThenRename", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(stagingPath)
		return errs.New(errs.IoTransient, "backupstore.writeStagedThenRename", err)
	}
	f.Close()

	if dirF, err := os.Open(stagingDir); err == nil {
		dirF.Sync()
		dirF.Close()
	}

	if err := os.Rename(stagingPath, destPath); err != nil {
		os.Remove(stagingPath)
		return errs.New(errs.IoTransient, "backupstore.writeStagedThenRename", err)
	}

	if dirF, err := os.Open(filepath.Dir(destPath)); err == nil {
		dirF.Sync()
		dirF.Close()
	}
	return nil
}

// persistManifest atomically rewrites store.manifest.
func (s *Store) persistManifest() error {
	data, err := json.MarshalIndent(s.manifest, "", "  ")
	if err != nil {
		return errs.New(errs.IoTransient, "backupstore.persistManifest", err)
	}
	return s.writeStagedThenRename(data, filepath.Join(s.root, "store.manifest"))
}

// ReadPath looks up canonicalPath's entry, reads its blob, decompresses if
// necessary, and returns the bytes.
func (s *Store) ReadPath(canonicalPath string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.manifest.Entries[canonicalPath]
	if !ok {
		return nil, errs.New(errs.PathNotFound, "backupstore.ReadPath", fmt.Errorf("no backup entry for %s", canonicalPath))
	}
	return s.readBlob(entry)
}

func (s *Store) readBlob(entry Entry) ([]byte, error) {
	raw, err := os.ReadFile(s.blobPath(entry.BlobHash))
	if err != nil {
		return nil, errs.New(errs.BlobMissing, "backupstore.readBlob", err)
	}
	if !entry.Compressed {
		return raw, nil
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, errs.New(errs.Crypto, "backupstore.readBlob", err)
	}
	defer dec.Close()
	out, err := dec.DecodeAll(raw, nil)
	if err != nil {
		return nil, errs.New(errs.BlobCorrupted, "backupstore.readBlob", err)
	}
	return out, nil
}

// ReadBlobVerified additionally re-verifies the manifest signature, checks
// the entry's blob hash against expectedBaselineHash, and re-hashes the
// returned data; any mismatch is BlobCorrupted.
func (s *Store) ReadBlobVerified(canonicalPath string, expectedBaselineHash string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.manifest.Verify(s.pub); err != nil {
		return nil, err
	}

	entry, ok := s.manifest.Entries[canonicalPath]
	if !ok {
		return nil, errs.New(errs.PathNotFound, "backupstore.ReadBlobVerified", fmt.Errorf("no backup entry for %s", canonicalPath))
	}
	if entry.BlobHash != expectedBaselineHash {
		return nil, errs.New(errs.BlobCorrupted, "backupstore.ReadBlobVerified", fmt.Errorf("manifest hash %s does not match expected %s", entry.BlobHash, expectedBaselineHash))
	}

	data, err := s.readBlob(entry)
	if err != nil {
		return nil, err
	}

	sum := security.BLAKE3Sum256(data)
	if hex.EncodeToString(sum[:]) != expectedBaselineHash {
		return nil, errs.New(errs.BlobCorrupted, "backupstore.ReadBlobVerified", fmt.Errorf("blob content hash mismatch for %s", canonicalPath))
	}
	return data, nil
}

// VerifyAll re-checks the manifest signature and every blob end-to-end,
// streaming blob-by-blob rather than holding every blob in memory at once.
func (s *Store) VerifyAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.manifest.Verify(s.pub); err != nil {
		logging.Error("backup manifest signature verification failed", "error", err)
		return err
	}

	paths := make([]string, 0, len(s.manifest.Entries))
	for p := range s.manifest.Entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		entry := s.manifest.Entries[p]
		data, err := s.readBlob(entry)
		if err != nil {
			logging.Error("backup blob unreadable", "path", p, "error", err)
			return errs.New(errs.BlobCorrupted, "backupstore.VerifyAll", fmt.Errorf("%s: %w", p, err))
		}
		sum := security.BLAKE3Sum256(data)
		if hex.EncodeToString(sum[:]) != entry.BlobHash {
			logging.Error("backup blob content hash mismatch", "path", p)
			return errs.New(errs.BlobCorrupted, "backupstore.VerifyAll", fmt.Errorf("%s: blob content does not match manifest hash", p))
		}
	}
	logging.Info("backup store verified", "entries", len(paths))
	return nil
}

// TotalSize returns the manifest's tracked total stored size.
func (s *Store) TotalSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.manifest.TotalSize
}
