package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FSWatcher watches a directory tree with fsnotify and emits debounced
// batches of events for files with a watched extension. Hidden files and
// directories are skipped.
type FSWatcher struct {
	fs        *fsnotify.Watcher
	debouncer *Debouncer
	opts      Options
	events    chan []FileEvent
	errors    chan error
	stopCh    chan struct{}
	ready     chan struct{}

	mu       sync.RWMutex
	rootPath string
	stopped  bool
	dropped  atomic.Uint64
}

// New creates a watcher. Call Start to begin watching.
func New(opts Options) (*FSWatcher, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	opts = opts.WithDefaults()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	return &FSWatcher{
		fs:        fsw,
		debouncer: NewDebouncer(opts.DebounceWindow),
		opts:      opts,
		events:    make(chan []FileEvent, opts.EventBufferSize),
		errors:    make(chan error, 10),
		stopCh:    make(chan struct{}),
		ready:     make(chan struct{}),
	}, nil
}

// Start watches root recursively and blocks until ctx is cancelled or
// Stop is called. Call it once per watcher.
func (w *FSWatcher) Start(ctx context.Context, root string) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("resolve absolute path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("stat watch root: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("watch root %s is not a directory", abs)
	}

	w.mu.Lock()
	w.rootPath = abs
	w.mu.Unlock()

	if err := w.addRecursive(abs); err != nil {
		return fmt.Errorf("add directories to watcher: %w", err)
	}
	slog.Info("watch_started", slog.String("root", abs))

	go w.forward()
	close(w.ready)

	for {
		select {
		case <-ctx.Done():
			_ = w.Stop()
			return ctx.Err()
		case <-w.stopCh:
			return nil
		case event, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			w.handle(event)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.emitError(err)
		}
	}
}

// handle converts an fsnotify event and feeds the debouncer.
func (w *FSWatcher) handle(event fsnotify.Event) {
	rel, ok := w.relative(event.Name)
	if !ok {
		return
	}

	isDir := false
	if info, err := os.Stat(event.Name); err == nil {
		isDir = info.IsDir()
	}

	var op Operation
	switch {
	case event.Op&fsnotify.Create != 0:
		op = OpCreate
		if isDir {
			// Files created in the new directory before it was added are
			// picked up by the walk.
			w.addNewDir(event.Name)
			return
		}
	case event.Op&fsnotify.Write != 0:
		op = OpModify
	case event.Op&fsnotify.Remove != 0:
		op = OpDelete
	case event.Op&fsnotify.Rename != 0:
		op = OpRename
	default:
		return
	}
	if isDir || !matchesExtension(rel, w.opts.Extensions) {
		return
	}

	w.debouncer.Add(FileEvent{Path: rel, Operation: op, Timestamp: time.Now()})
}

// relative returns the slash path of name under the root, or false when
// it is outside, hidden or ignored.
func (w *FSWatcher) relative(name string) (string, bool) {
	w.mu.RLock()
	root := w.rootPath
	w.mu.RUnlock()

	rel, err := filepath.Rel(root, name)
	if err != nil || rel == "." || startsWithParent(rel) {
		return "", false
	}
	rel = filepath.ToSlash(rel)
	if hidden(rel) || w.ignoredDir(name) {
		return "", false
	}
	return rel, true
}

func (w *FSWatcher) ignoredDir(path string) bool {
	for _, dir := range w.opts.IgnoreDirs {
		if rel, err := filepath.Rel(dir, path); err == nil && !startsWithParent(rel) {
			return true
		}
	}
	return false
}

func startsWithParent(rel string) bool {
	return rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// addRecursive watches root and every visible directory below it.
func (w *FSWatcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root {
			if _, ok := w.relative(path); !ok {
				return filepath.SkipDir
			}
		}
		return w.fs.Add(path)
	})
}

// addNewDir watches a directory that appeared after Start and reports the
// files already inside it.
func (w *FSWatcher) addNewDir(dir string) {
	if err := w.addRecursive(dir); err != nil {
		w.emitError(fmt.Errorf("watch %s: %w", dir, err))
		return
	}
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		rel, ok := w.relative(path)
		if ok && matchesExtension(rel, w.opts.Extensions) {
			w.debouncer.Add(FileEvent{Path: rel, Operation: OpCreate, Timestamp: time.Now()})
		}
		return nil
	})
}

// forward moves debounced batches to Events.
func (w *FSWatcher) forward() {
	for batch := range w.debouncer.Output() {
		w.mu.RLock()
		if w.stopped {
			w.mu.RUnlock()
			return
		}
		select {
		case w.events <- batch:
		default:
			n := w.dropped.Add(1)
			slog.Warn("watch_buffer_full",
				slog.Int("batch_size", len(batch)),
				slog.Uint64("total_dropped_batches", n))
		}
		w.mu.RUnlock()
	}
}

func (w *FSWatcher) emitError(err error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.stopped {
		return
	}
	select {
	case w.errors <- err:
	default:
	}
}

// Stop stops watching and closes Events and Errors. Safe to call multiple
// times.
func (w *FSWatcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return nil
	}
	w.stopped = true
	close(w.stopCh)
	w.debouncer.Stop()
	err := w.fs.Close()
	close(w.events)
	close(w.errors)
	return err
}

// Ready is closed once Start has registered the directory tree.
func (w *FSWatcher) Ready() <-chan struct{} {
	return w.ready
}

// Events returns the channel of debounced batches.
func (w *FSWatcher) Events() <-chan []FileEvent {
	return w.events
}

// Errors returns non-fatal watcher errors.
func (w *FSWatcher) Errors() <-chan error {
	return w.errors
}

// RootPath returns the absolute root being watched.
func (w *FSWatcher) RootPath() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.rootPath
}

// DroppedBatches returns the number of batches dropped because Events was
// full.
func (w *FSWatcher) DroppedBatches() uint64 {
	return w.dropped.Load()
}
