// Package restore implements atomic per-path file restoration from the
// backup store, with retries, quarantine on repeated failure, and
// restore-loop suppression shared with the watcher pipeline.
package restore

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"darklock/internal/backupstore"
	"darklock/internal/baseline"
	"darklock/internal/errs"
	"darklock/internal/hasher"
	"darklock/internal/logging"
)

const (
	stagingPrefix  = ".darklock_restore_"
	diskMargin     = 10 * 1024 * 1024 // 10 MiB
	maxAttempts    = 3
)

var retryDelays = []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, 2 * time.Second}

// Outcome is the closed set of results a restore attempt can produce.
type Outcome int

const (
	Restored Outcome = iota
	AlreadyRestoring
	BackupCorrupted
	Quarantined
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Restored:
		return "restored"
	case AlreadyRestoring:
		return "already_restoring"
	case BackupCorrupted:
		return "backup_corrupted"
	case Quarantined:
		return "quarantined"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result carries the outcome plus any supporting detail.
type Result struct {
	Outcome        Outcome
	QuarantinePath string
	Err            error
}

// RestoringSet is the shared set of paths currently under restoration. The
// watcher pipeline consults it to discard self-inflicted file events.
type RestoringSet struct {
	mu   sync.Mutex
	set  map[string]struct{}
}

// NewRestoringSet creates an empty shared restoring set.
func NewRestoringSet() *RestoringSet {
	return &RestoringSet{set: make(map[string]struct{})}
}

// Contains reports whether path is currently being restored.
func (r *RestoringSet) Contains(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.set[path]
	return ok
}

func (r *RestoringSet) add(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.set[path] = struct{}{}
}

func (r *RestoringSet) remove(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.set, path)
}

// Engine restores files from a backup store, one path at a time.
type Engine struct {
	store         *backupstore.Store
	restoring     *RestoringSet
	quarantineDir string

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
	busy    map[string]bool
}

// NewEngine creates a restore engine backed by store, sharing restoring with
// the watcher pipeline, quarantining corrupted live files under
// quarantineDir.
func NewEngine(store *backupstore.Store, restoring *RestoringSet, quarantineDir string) *Engine {
	return &Engine{
		store:         store,
		restoring:     restoring,
		quarantineDir: quarantineDir,
		locks:         make(map[string]*sync.Mutex),
		busy:          make(map[string]bool),
	}
}

func (e *Engine) tryLock(path string) bool {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	if e.busy[path] {
		return false
	}
	if _, ok := e.locks[path]; !ok {
		e.locks[path] = &sync.Mutex{}
	}
	e.busy[path] = true
	return true
}

func (e *Engine) unlock(path string) {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	delete(e.busy, path)
}

// RestoreFile restores path to the content recorded in entry, making up to
// 3 attempts (sleeping 100 ms, then 500 ms, between them) before
// quarantining. A corrupted or missing backup returns at once.
func (e *Engine) RestoreFile(path string, entry baseline.Entry) Result {
	if !e.tryLock(path) {
		logging.Debug("restore already in progress", "path", path)
		return Result{Outcome: AlreadyRestoring}
	}
	defer e.unlock(path)

	e.restoring.add(path)
	defer e.restoring.remove(path)

	logging.Info("restore attempt starting", "path", path, "want_hash", entry.Hash)

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(retryDelays[attempt-1])
		}

		outcome, err := e.attempt(path, entry)
		switch outcome {
		case Restored:
			logging.Info("restore succeeded", "path", path, "attempt", attempt+1)
			return Result{Outcome: Restored}
		case BackupCorrupted:
			logging.Error("restore aborted: backup corrupted", "path", path, "error", err)
			return Result{Outcome: BackupCorrupted, Err: err}
		default:
			lastErr = err
			logging.Warn("restore attempt failed, will retry", "path", path, "attempt", attempt+1, "error", err)
		}
	}

	qPath, qErr := e.quarantine(path)
	if qErr != nil {
		logging.Error("restore failed and quarantine failed", "path", path, "restore_error", lastErr, "quarantine_error", qErr)
		return Result{Outcome: Failed, Err: fmt.Errorf("restore failed (%v) and quarantine failed: %w", lastErr, qErr)}
	}
	logging.Warn("restore exhausted retries, file quarantined", "path", path, "quarantine_path", qPath, "error", lastErr)
	return Result{Outcome: Quarantined, QuarantinePath: qPath, Err: lastErr}
}

// attempt runs one restore attempt; the returned Outcome is Restored,
// BackupCorrupted, or Failed (meaning "retry").
func (e *Engine) attempt(path string, entry baseline.Entry) (Outcome, error) {
	if err := guardAgainstSymlinkEscape(path); err != nil {
		return Failed, errs.New(errs.IoTransient, "restore.attempt", err)
	}

	data, err := e.store.ReadBlobVerified(path, entry.Hash)
	if err != nil {
		if errs.Is(err, errs.BlobCorrupted) || errs.Is(err, errs.BlobMissing) {
			return BackupCorrupted, err
		}
		return Failed, err
	}

	parent := filepath.Dir(path)
	free, err := freeBytesAt(parent)
	if err != nil {
		return Failed, errs.New(errs.IoTransient, "restore.attempt", fmt.Errorf("disk preflight: %w", err))
	}
	if free < uint64(len(data))+diskMargin {
		return Failed, errs.New(errs.IoTransient, "restore.attempt", fmt.Errorf("insufficient free space: have %d, need %d", free, uint64(len(data))+diskMargin))
	}

	stagingPath, err := writeStaging(parent, data)
	if err != nil {
		return Failed, err
	}

	if err := os.Rename(stagingPath, path); err != nil {
		os.Remove(stagingPath)
		return Failed, errs.New(errs.IoTransient, "restore.attempt", fmt.Errorf("atomic rename: %w", err))
	}

	if entry.Permissions != 0 {
		if err := os.Chmod(path, os.FileMode(entry.Permissions)); err != nil {
			return Failed, errs.New(errs.IoTransient, "restore.attempt", fmt.Errorf("permission restore: %w", err))
		}
	}

	hash, _, err := hasher.HashFile(path, hasher.BLAKE3)
	if err != nil {
		return Failed, errs.New(errs.IoTransient, "restore.attempt", fmt.Errorf("post-verify: %w", err))
	}
	if hash != entry.Hash {
		// The fetched backup already verified; a mismatch here points to a
		// hardware or race condition on the live write, not a corrupt backup.
		return Failed, errs.New(errs.IoTransient, "restore.attempt", fmt.Errorf("post-verify mismatch: wrote %s, want %s", hash, entry.Hash))
	}

	return Restored, nil
}

func writeStaging(parent string, data []byte) (string, error) {
	name, err := randomStagingName()
	if err != nil {
		return "", errs.New(errs.IoTransient, "restore.writeStaging", err)
	}
	stagingPath := filepath.Join(parent, name)

	f, err := os.OpenFile(stagingPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return "", errs.New(errs.IoTransient, "restore.writeStaging", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(stagingPath)
		return "", errs.New(errs.IoTransient, "restore.writeStaging", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(stagingPath)
		return "", errs.New(errs.IoTransient, "restore.writeStaging", err)
	}
	f.Close()

	if dirF, err := os.Open(parent); err == nil {
		dirF.Sync()
		dirF.Close()
	}
	return stagingPath, nil
}

func randomStagingName() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return stagingPrefix + hex.EncodeToString(b[:]) + ".tmp", nil
}

// guardAgainstSymlinkEscape rejects restoring into a path whose parent is a
// symlink, or whose resolved parent does not match its lexical parent.
func guardAgainstSymlinkEscape(path string) error {
	parent := filepath.Dir(path)
	info, err := os.Lstat(parent)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("restore target parent %s is a symlink", parent)
	}

	resolvedParent, err := filepath.EvalSymlinks(parent)
	if err != nil {
		return err
	}
	lexicalParent, err := filepath.Abs(parent)
	if err != nil {
		return err
	}
	if resolvedParent != lexicalParent {
		return fmt.Errorf("restore target parent resolves to %s, expected %s", resolvedParent, lexicalParent)
	}

	if target, err := os.Lstat(path); err == nil && target.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("restore target %s is itself a symlink", path)
	}
	return nil
}

// quarantine moves a tampered live file out of its protected location.
func (e *Engine) quarantine(path string) (string, error) {
	if err := os.MkdirAll(e.quarantineDir, 0o700); err != nil {
		return "", err
	}
	var b [16]byte
	rand.Read(b[:])
	dest := filepath.Join(e.quarantineDir, filepath.Base(path)+"."+hex.EncodeToString(b[:])+".quarantine")
	if err := os.Rename(path, dest); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	return dest, nil
}

// CleanupOrphans walks roots recursively and deletes any file whose name
// begins with the staging prefix, left over from a prior crash.
func CleanupOrphans(roots []string) error {
	for _, root := range roots {
		err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if !d.IsDir() && len(d.Name()) > len(stagingPrefix) && d.Name()[:len(stagingPrefix)] == stagingPrefix {
				os.Remove(path)
			}
			return nil
		})
		if err != nil {
			return errs.New(errs.IoTransient, "restore.CleanupOrphans", err)
		}
	}
	return nil
}

// ListQuarantine lists the files currently held in the quarantine zone.
func ListQuarantine(quarantineDir string) ([]string, error) {
	entries, err := os.ReadDir(quarantineDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.New(errs.IoTransient, "restore.ListQuarantine", err)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			out = append(out, filepath.Join(quarantineDir, e.Name()))
		}
	}
	return out, nil
}

// PruneQuarantine deletes quarantined files older than maxAge.
func PruneQuarantine(quarantineDir string, maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(quarantineDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, errs.New(errs.IoTransient, "restore.PruneQuarantine", err)
	}
	cutoff := time.Now().Add(-maxAge)
	pruned := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if os.Remove(filepath.Join(quarantineDir, e.Name())) == nil {
				pruned++
			}
		}
	}
	if pruned > 0 {
		logging.Info("pruned aged quarantine entries", "dir", quarantineDir, "pruned", pruned)
	}
	return pruned, nil
}
