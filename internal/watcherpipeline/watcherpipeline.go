// Package watcherpipeline debounces raw filesystem events into stable
// FileChange notifications, dropping any path that Component E's restore
// engine currently owns.
package watcherpipeline

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"darklock/internal/restore"
)

// debounceWindow is the minimum time since a path's first pending event
// before its change graduates to a FileChange event; later events for the
// same path do not restart it.
const debounceWindow = 100 * time.Millisecond

// flushInterval is the sleep between debounce-map sweeps; also a
// cancellation point alongside the raw-event channel and the shutdown
// signal.
const flushInterval = 50 * time.Millisecond

// ChangeKind is the closed variant describing what happened to a path.
type ChangeKind int

const (
	ChangeModified ChangeKind = iota
	ChangeCreated
	ChangeRemoved
)

// FileChange is the graduated, debounced event the pipeline emits.
type FileChange struct {
	Path      string
	Kind      ChangeKind
	Timestamp time.Time
}

type pendingEntry struct {
	latest    fsnotify.Event
	firstSeen time.Time
}

// Pipeline watches a set of paths and emits FileChange events for entries
// first seen at least debounceWindow ago, skipping any path
// currently held by the shared restoring set.
type Pipeline struct {
	fsWatcher *fsnotify.Watcher
	restoring *restore.RestoringSet

	mu      sync.Mutex
	pending map[string]pendingEntry

	changes chan FileChange
	errs    chan error
}

// New creates a pipeline over paths, sharing restoring with the restore
// engine so in-flight restores never re-trigger themselves.
func New(paths []string, restoring *restore.RestoringSet) (*Pipeline, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			fsWatcher.Close()
			return nil, err
		}
		info, err := os.Stat(abs)
		if err != nil {
			fsWatcher.Close()
			return nil, err
		}
		watchTarget := abs
		if !info.IsDir() {
			watchTarget = filepath.Dir(abs)
		}
		if err := fsWatcher.Add(watchTarget); err != nil {
			fsWatcher.Close()
			return nil, err
		}
	}

	return &Pipeline{
		fsWatcher: fsWatcher,
		restoring: restoring,
		pending:   make(map[string]pendingEntry),
		changes:   make(chan FileChange, 100),
		errs:      make(chan error, 10),
	}, nil
}

// Changes returns the channel of graduated, debounced file changes.
func (p *Pipeline) Changes() <-chan FileChange { return p.changes }

// Errors returns the channel of filesystem watch errors.
func (p *Pipeline) Errors() <-chan error { return p.errs }

// Run drives the pipeline until ctx is canceled. All three suspension
// points — the raw event channel, the flush-interval sleep, and ctx.Done —
// are cancellation points.
func (p *Pipeline) Run(ctx context.Context) {
	defer close(p.changes)
	defer close(p.errs)
	defer p.fsWatcher.Close()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-p.fsWatcher.Events:
			if !ok {
				return
			}
			p.ingest(event)

		case err, ok := <-p.fsWatcher.Errors:
			if !ok {
				return
			}
			select {
			case p.errs <- err:
			default:
			}

		case now := <-ticker.C:
			p.sweep(now)
		}
	}
}

func (p *Pipeline) ingest(event fsnotify.Event) {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	entry, exists := p.pending[event.Name]
	if !exists {
		entry.firstSeen = time.Now()
	}
	entry.latest = event
	p.pending[event.Name] = entry
}

// sweep graduates every entry whose debounce window has elapsed. Restoring-
// set membership is checked here, at graduation time, not at ingest.
func (p *Pipeline) sweep(now time.Time) {
	p.mu.Lock()
	var graduated []FileChange
	for path, entry := range p.pending {
		if now.Sub(entry.firstSeen) < debounceWindow {
			continue
		}
		delete(p.pending, path)

		if p.restoring != nil && p.restoring.Contains(path) {
			continue
		}

		graduated = append(graduated, FileChange{
			Path:      path,
			Kind:      kindFromOp(entry.latest.Op),
			Timestamp: now,
		})
	}
	p.mu.Unlock()

	for _, change := range graduated {
		select {
		case p.changes <- change:
		default:
		}
	}
}

func kindFromOp(op fsnotify.Op) ChangeKind {
	switch {
	case op&fsnotify.Create != 0:
		return ChangeCreated
	case op&(fsnotify.Remove|fsnotify.Rename) != 0:
		return ChangeRemoved
	default:
		return ChangeModified
	}
}
