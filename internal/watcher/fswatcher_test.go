package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startWatcher runs a watcher on root until the test ends.
func startWatcher(t *testing.T, root string, opts Options) *FSWatcher {
	t.Helper()
	if opts.DebounceWindow == 0 {
		opts.DebounceWindow = 40 * time.Millisecond
	}
	w, err := New(opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx, root) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	select {
	case <-w.Ready():
	case err := <-done:
		t.Fatalf("watcher failed to start: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not become ready")
	}
	return w
}

// waitFor reads batches until one holds an event for path, failing after
// a timeout.
func waitFor(t *testing.T, w *FSWatcher, path string) FileEvent {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case batch, ok := <-w.Events():
			require.True(t, ok, "events closed")
			for _, ev := range batch {
				if ev.Path == path {
					return ev
				}
			}
		case <-deadline:
			t.Fatalf("no event for %s", path)
			return FileEvent{}
		}
	}
}

// assertNoEvent fails if any event for path arrives within wait.
func assertNoEvent(t *testing.T, w *FSWatcher, path string, wait time.Duration) {
	t.Helper()
	deadline := time.After(wait)
	for {
		select {
		case batch := <-w.Events():
			for _, ev := range batch {
				assert.NotEqual(t, path, ev.Path, "unexpected %s event", ev.Operation)
			}
		case <-deadline:
			return
		}
	}
}

func TestNew_RejectsInvalidOptions(t *testing.T) {
	_, err := New(Options{Extensions: []string{"md"}})
	require.Error(t, err)
}

func TestFSWatcher_Start_MissingRoot(t *testing.T) {
	w, err := New(DefaultOptions())
	require.NoError(t, err)
	defer w.Stop()

	err = w.Start(context.Background(), filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}

func TestFSWatcher_DetectsCreateModifyDelete(t *testing.T) {
	root := t.TempDir()
	w := startWatcher(t, root, Options{Extensions: []string{".md"}})
	file := filepath.Join(root, "guide.md")

	// When: a file is created
	require.NoError(t, os.WriteFile(file, []byte("# Guide"), 0o644))
	ev := waitFor(t, w, "guide.md")
	assert.Equal(t, OpCreate, ev.Operation)

	// When: it is rewritten
	require.NoError(t, os.WriteFile(file, []byte("# Guide v2"), 0o644))
	ev = waitFor(t, w, "guide.md")
	assert.Equal(t, OpModify, ev.Operation)

	// When: it is removed
	require.NoError(t, os.Remove(file))
	ev = waitFor(t, w, "guide.md")
	assert.Equal(t, OpDelete, ev.Operation)
}

func TestFSWatcher_SkipsUnwatchedFiles(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, ".cache"), 0o755))
	w := startWatcher(t, root, Options{Extensions: []string{".md"}})

	// Given: files the watcher must not report
	require.NoError(t, os.WriteFile(filepath.Join(root, "main.go"), []byte("package main"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".hidden.md"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".cache", "c.md"), []byte("x"), 0o644))

	// And: one it must report, written last
	require.NoError(t, os.WriteFile(filepath.Join(root, "visible.md"), []byte("x"), 0o644))
	waitFor(t, w, "visible.md")

	assertNoEvent(t, w, "main.go", 150*time.Millisecond)
	assertNoEvent(t, w, ".hidden.md", 50*time.Millisecond)
	assertNoEvent(t, w, ".cache/c.md", 50*time.Millisecond)
}

func TestFSWatcher_IgnoresDataDir(t *testing.T) {
	root := t.TempDir()
	dataDir := filepath.Join(root, "data")
	require.NoError(t, os.Mkdir(dataDir, 0o755))
	w := startWatcher(t, root, Options{IgnoreDirs: []string{dataDir}})

	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "knowpipe.log"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "note.txt"), []byte("x"), 0o644))
	waitFor(t, w, "note.txt")

	assertNoEvent(t, w, "data/knowpipe.log", 150*time.Millisecond)
}

func TestFSWatcher_NewSubdirectoryIsWatched(t *testing.T) {
	root := t.TempDir()
	w := startWatcher(t, root, Options{Extensions: []string{".txt"}})

	// When: a directory appears and a file is written into it
	sub := filepath.Join(root, "team", "ops")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(sub, "runbook.txt"), []byte("restart"), 0o644))

	// Then: the file is reported with its slash path
	ev := waitFor(t, w, "team/ops/runbook.txt")
	assert.Contains(t, []Operation{OpCreate, OpModify}, ev.Operation)
}

func TestFSWatcher_StopClosesChannels(t *testing.T) {
	w, err := New(DefaultOptions())
	require.NoError(t, err)

	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop())

	_, ok := <-w.Events()
	assert.False(t, ok)
	_, ok = <-w.Errors()
	assert.False(t, ok)
	assert.Zero(t, w.DroppedBatches())
}
