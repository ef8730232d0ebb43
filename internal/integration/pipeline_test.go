// Package integration exercises the pipeline end to end: watched files
// flow through ingestion into the store, and searches see the result
// through the cache and over the daemon socket.
package integration

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/knowpipe/internal/app"
	"github.com/Aman-CERP/knowpipe/internal/chunk"
	"github.com/Aman-CERP/knowpipe/internal/config"
	"github.com/Aman-CERP/knowpipe/internal/daemon"
	"github.com/Aman-CERP/knowpipe/internal/ingest"
	"github.com/Aman-CERP/knowpipe/internal/search"
	"github.com/Aman-CERP/knowpipe/internal/store"
	"github.com/Aman-CERP/knowpipe/internal/watcher"
)

func openApp(t *testing.T) *app.App {
	t.Helper()
	cfg := config.NewConfig()
	cfg.DataDir = t.TempDir()
	cfg.Embeddings.Provider = "static"
	cfg.Ingest.Workers = 2
	cfg.Search.ScoreThreshold = 0

	a, err := app.Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	return a
}

func keywordHits(t *testing.T, svc app.Service, query string) []search.Result {
	t.Helper()
	resp, err := svc.Search(context.Background(), query, search.Options{Mode: search.ModeKeyword})
	require.NoError(t, err)
	return resp.Results
}

func waitForJob(t *testing.T, svc app.Service, id string) ingest.JobSnapshot {
	t.Helper()
	var snap ingest.JobSnapshot
	require.Eventually(t, func() bool {
		var err error
		snap, err = svc.JobStatus(id)
		require.NoError(t, err)
		return snap.State.Terminal()
	}, 10*time.Second, 20*time.Millisecond)
	return snap
}

func TestIntegration_WatchedFolderStaysSearchable(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	// Given: a folder with one note, scanned into the app
	a := openApp(t)
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "runbooks"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "runbooks", "pager.md"),
		[]byte("# Pager\n\nAcknowledge the pager within five minutes."), 0o644))

	syncer, err := watcher.NewSyncer(a, root, a.IngestDefaults(), watcher.WithExtensions(watcher.DefaultOptions().Extensions))
	require.NoError(t, err)
	queued, err := syncer.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, queued)
	require.Eventually(t, func() bool { return len(keywordHits(t, a, "pager")) > 0 }, 10*time.Second, 20*time.Millisecond)
	assert.Equal(t, "runbooks/pager.md", keywordHits(t, a, "pager")[0].Filename)

	w, err := watcher.New(watcher.Options{DebounceWindow: 50 * time.Millisecond, Extensions: watcher.DefaultOptions().Extensions})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = w.Start(ctx, root) }()
	go syncer.Run(ctx, w.Events())
	select {
	case <-w.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("watcher never became ready")
	}

	// When: a new file appears and the old one is removed
	require.NoError(t, os.WriteFile(filepath.Join(root, "rollback.txt"),
		[]byte("Rollbacks redeploy the previous artifact."), 0o644))
	require.NoError(t, os.Remove(filepath.Join(root, "runbooks", "pager.md")))

	// Then: the store follows the folder
	require.Eventually(t, func() bool {
		return len(keywordHits(t, a, "rollbacks")) > 0 && len(keywordHits(t, a, "pager")) == 0
	}, 10*time.Second, 50*time.Millisecond)

	docs, err := a.Documents(context.Background())
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "rollback.txt", docs[0].Filename)
}

func TestIntegration_CacheServesRepeatsUntilTheStoreChanges(t *testing.T) {
	a := openApp(t)
	ctx := context.Background()

	// Given: one embedded document that answers the query exactly, so its
	// score clears the cache's confidence bar
	const query = "Nightly backups are kept for thirty days."
	id, err := a.Ingest(ctx, ingest.Request{
		Content:  []byte(query),
		Filename: "backups.txt",
		Options:  a.IngestDefaults(),
	})
	require.NoError(t, err)
	require.Equal(t, ingest.StateCompleted, waitForJob(t, a, id).State)

	// When: the same hybrid query runs twice
	first, err := a.Search(ctx, query, search.Options{})
	require.NoError(t, err)
	second, err := a.Search(ctx, query, search.Options{})
	require.NoError(t, err)

	// Then: the repeat is a cache hit with the same answer
	assert.False(t, first.Cached)
	assert.True(t, second.Cached)
	require.NotEmpty(t, second.Results)
	assert.Equal(t, first.Results[0].ID, second.Results[0].ID)

	// A filtered query bypasses the cache
	filtered, err := a.Search(ctx, query, search.Options{Filter: store.Filter{"filename": "backups.txt"}})
	require.NoError(t, err)
	assert.False(t, filtered.Cached)

	// A committed ingestion invalidates cached answers
	id, err = a.Ingest(ctx, ingest.Request{
		Content:  []byte("Nightly backups also copy the audit log."),
		Filename: "audit.txt",
		Options:  a.IngestDefaults(),
	})
	require.NoError(t, err)
	require.Equal(t, ingest.StateCompleted, waitForJob(t, a, id).State)

	third, err := a.Search(ctx, query, search.Options{})
	require.NoError(t, err)
	assert.False(t, third.Cached)
	assert.Len(t, third.Results, 2)

	st, err := a.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Store.Documents)
	assert.Equal(t, 2, st.Store.Embedded)
}

func TestIntegration_BatchOverDaemon(t *testing.T) {
	a := openApp(t)
	socket := filepath.Join(t.TempDir(), "kp.sock")
	cfg := daemon.DefaultConfig(socket)

	d, err := daemon.NewDaemon(cfg, a, a.IngestDefaults())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	client := daemon.NewClient(cfg)
	require.Eventually(t, client.IsRunning, 2*time.Second, 10*time.Millisecond)

	// Given: a batch with one good and one corrupt document
	opts := a.IngestDefaults()
	opts.ChunkingStrategy = chunk.StrategyFixed
	batchID, jobIDs, err := client.IngestBatch(ctx, []ingest.Request{
		{Content: []byte("Certificates renew thirty days before expiry."), Filename: "certs.md", Options: opts},
		{Content: []byte("not a zip archive"), Filename: "broken.docx", Options: opts},
	})
	require.NoError(t, err)
	require.Len(t, jobIDs, 2)

	// When: the batch settles
	var batch ingest.BatchSnapshot
	require.Eventually(t, func() bool {
		batch, err = client.BatchStatus(batchID)
		require.NoError(t, err)
		return batch.Done()
	}, 10*time.Second, 20*time.Millisecond)

	// Then: the good job's chunks are searchable and the corrupt one failed on its own
	good, err := client.JobStatus(jobIDs[0])
	require.NoError(t, err)
	assert.Equal(t, ingest.StateCompleted, good.State)
	bad, err := client.JobStatus(jobIDs[1])
	require.NoError(t, err)
	assert.Equal(t, ingest.StateFailed, bad.State)
	require.NotNil(t, bad.Error)
	assert.Equal(t, ingest.StepParse, bad.Error.Step)
	assert.Equal(t, 1, batch.Completed)
	assert.Equal(t, 1, batch.Failed)

	hits := keywordHits(t, client, "certificates")
	require.Len(t, hits, 1)
	assert.Equal(t, "certs.md", hits[0].Filename)
}
