// Package baseline implements versioned, signed file-integrity baselines:
// per-path snapshots of hashes that scans are diffed against.
package baseline

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"darklock/internal/errs"
	"darklock/internal/scanner"
)

// Entry is one file's record within a Baseline.
type Entry struct {
	Path        string // canonical absolute path
	Hash        string // hex
	Size        int64
	ModTime     time.Time
	Permissions uint32
}

// Baseline is a signed, versioned snapshot of a protected path's file set.
type Baseline struct {
	Version   int
	CreatedAt time.Time
	DeviceID  string
	Entries   map[string]Entry // keyed by canonical path
	Signature []byte
}

// CanonicalForm produces the byte stream that is signed: entries sorted by
// key, each formatted as "path:hash:size_le\n", concatenated.
func (b *Baseline) CanonicalForm() []byte {
	paths := make([]string, 0, len(b.Entries))
	for p := range b.Entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var buf []byte
	for _, p := range paths {
		e := b.Entries[p]
		buf = append(buf, p...)
		buf = append(buf, ':')
		buf = append(buf, e.Hash...)
		buf = append(buf, ':')
		var sizeLE [8]byte
		binary.LittleEndian.PutUint64(sizeLE[:], uint64(e.Size))
		buf = append(buf, sizeLE[:]...)
		buf = append(buf, '\n')
	}
	return buf
}

// Digest returns the SHA-256 digest of CanonicalForm, the value Ed25519
// actually signs.
func (b *Baseline) Digest() [32]byte {
	return sha256.Sum256(b.CanonicalForm())
}

// Sign signs the baseline's canonical digest with the given identity key.
func (b *Baseline) Sign(priv ed25519.PrivateKey) {
	digest := b.Digest()
	b.Signature = ed25519.Sign(priv, digest[:])
}

// Verify checks the baseline's signature against pub.
func (b *Baseline) Verify(pub ed25519.PublicKey) error {
	digest := b.Digest()
	if !ed25519.Verify(pub, digest[:], b.Signature) {
		return errs.New(errs.SignatureVerification, "Baseline.Verify", fmt.Errorf("baseline signature mismatch"))
	}
	return nil
}

// Store manages versioned baselines for a set of path ids. It holds
// baselines purely in memory; a caller-supplied persistence layer (SQLite,
// flat file) is responsible for durability — the spec treats that store as
// an opaque ordered-record backend.
type Store struct {
	versions     map[string][]*Baseline // path_id -> versions, ascending
	keepVersions int
}

// NewStore creates a baseline version store that, per path id, retains the
// newest version plus the keepVersions versions before it (default 5).
func NewStore(keepVersions int) *Store {
	if keepVersions < 1 {
		keepVersions = 5
	}
	return &Store{versions: make(map[string][]*Baseline), keepVersions: keepVersions}
}

// CurrentVersion returns the highest version number stored for pathID, or 0
// if none exists.
func (s *Store) CurrentVersion(pathID string) int {
	vs := s.versions[pathID]
	if len(vs) == 0 {
		return 0
	}
	return vs[len(vs)-1].Version
}

// CreateBaseline requires no existing baseline for pathID (version must be
// 0); on success it stores version 1.
func (s *Store) CreateBaseline(pathID string, entries map[string]Entry, priv ed25519.PrivateKey, deviceID string) (*Baseline, error) {
	if s.CurrentVersion(pathID) != 0 {
		return nil, errs.New(errs.InvalidOperation, "baseline.CreateBaseline", fmt.Errorf("baseline already exists for %s", pathID))
	}
	b := &Baseline{Version: 1, CreatedAt: time.Now().UTC(), DeviceID: deviceID, Entries: entries}
	b.Sign(priv)
	s.versions[pathID] = []*Baseline{b}
	return b, nil
}

// UpdateBaseline requires an existing baseline (version > 0); it creates
// version N+1 and prunes versions older than N+1-keepVersions.
func (s *Store) UpdateBaseline(pathID string, entries map[string]Entry, priv ed25519.PrivateKey, deviceID string) (*Baseline, error) {
	current := s.CurrentVersion(pathID)
	if current == 0 {
		return nil, errs.New(errs.NoBaseline, "baseline.UpdateBaseline", fmt.Errorf("no baseline exists for %s", pathID))
	}
	next := current + 1
	b := &Baseline{Version: next, CreatedAt: time.Now().UTC(), DeviceID: deviceID, Entries: entries}
	b.Sign(priv)
	s.versions[pathID] = append(s.versions[pathID], b)
	s.pruneLocked(pathID, next)
	return b, nil
}

func (s *Store) pruneLocked(pathID string, newest int) {
	minKeep := newest - s.keepVersions
	if minKeep <= 1 {
		return
	}
	vs := s.versions[pathID]
	kept := vs[:0]
	for _, b := range vs {
		if b.Version >= minKeep {
			kept = append(kept, b)
		}
	}
	s.versions[pathID] = kept
}

// VerifyVersionMonotonic detects rollback attacks: the current version must
// be at least expectedMin.
func (s *Store) VerifyVersionMonotonic(pathID string, expectedMin int) error {
	current := s.CurrentVersion(pathID)
	if current < expectedMin {
		return errs.New(errs.InvalidOperation, "baseline.VerifyVersionMonotonic", fmt.Errorf("baseline for %s at version %d, expected at least %d (possible rollback)", pathID, current, expectedMin))
	}
	return nil
}

// ResetBaseline destructively deletes all versions for pathID. Callers must
// gate this behind explicit user confirmation.
func (s *Store) ResetBaseline(pathID string) {
	delete(s.versions, pathID)
}

// Latest returns the most recent baseline for pathID, or nil.
func (s *Store) Latest(pathID string) *Baseline {
	vs := s.versions[pathID]
	if len(vs) == 0 {
		return nil
	}
	return vs[len(vs)-1]
}

// EntriesFromScan converts scanner.FileEntry results into baseline Entry
// records keyed by absolute path.
func EntriesFromScan(files []scanner.FileEntry, permsOf func(path string) uint32) map[string]Entry {
	out := make(map[string]Entry, len(files))
	for _, f := range files {
		var perms uint32
		if permsOf != nil {
			perms = permsOf(f.AbsPath)
		}
		out[f.AbsPath] = Entry{
			Path:        f.AbsPath,
			Hash:        f.Hash,
			Size:        f.Size,
			ModTime:     f.ModTime,
			Permissions: perms,
		}
	}
	return out
}

// HexDigest is a convenience for callers that want the baseline digest as
// a hex string (e.g. for logging or the event chain payload).
func (b *Baseline) HexDigest() string {
	d := b.Digest()
	return hex.EncodeToString(d[:])
}
