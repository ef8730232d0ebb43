package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/knowpipe/internal/chunk"
	"github.com/Aman-CERP/knowpipe/internal/config"
	kperrors "github.com/Aman-CERP/knowpipe/internal/errors"
	"github.com/Aman-CERP/knowpipe/internal/ingest"
	"github.com/Aman-CERP/knowpipe/internal/search"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.NewConfig()
	cfg.DataDir = t.TempDir()
	cfg.Embeddings.Provider = "static"
	cfg.Ingest.Workers = 1
	cfg.Search.ScoreThreshold = 0
	return cfg
}

func openApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	a, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	return a
}

func ingestText(t *testing.T, a *App, filename, text string) ingest.JobSnapshot {
	t.Helper()
	id, err := a.Ingest(context.Background(), ingest.Request{
		Content:  []byte(text),
		Filename: filename,
		Options:  a.IngestDefaults(),
	})
	require.NoError(t, err)

	var snap ingest.JobSnapshot
	require.Eventually(t, func() bool {
		snap, err = a.JobStatus(id)
		require.NoError(t, err)
		return snap.State.Terminal()
	}, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, ingest.StateCompleted, snap.State, "error: %+v", snap.Error)
	return snap
}

func TestDataDirLock_SecondHolderIsRefused(t *testing.T) {
	dir := t.TempDir()

	// Given: one lock holder
	first := NewDataDirLock(dir)
	require.NoError(t, first.TryLock())
	assert.True(t, first.IsLocked())
	assert.FileExists(t, first.Path())

	// When: a second lock on the same directory is attempted
	err := NewDataDirLock(dir).TryLock()

	// Then: it is refused until the first is released
	assert.Equal(t, kperrors.ErrCodeDataDirLocked, kperrors.GetCode(err))
	require.NoError(t, first.Unlock())
	require.NoError(t, first.Unlock())
	assert.False(t, first.IsLocked())

	again := NewDataDirLock(dir)
	require.NoError(t, again.TryLock())
	require.NoError(t, again.Unlock())
}

func TestOpen_SameDataDirTwiceFails(t *testing.T) {
	cfg := testConfig(t)
	openApp(t, cfg)

	_, err := Open(context.Background(), cfg)

	assert.Equal(t, kperrors.ErrCodeDataDirLocked, kperrors.GetCode(err))
}

func TestOpen_UnknownProviderReleasesLock(t *testing.T) {
	cfg := testConfig(t)
	cfg.Embeddings.Provider = "openai"

	_, err := Open(context.Background(), cfg)
	require.Error(t, err)

	// Then: the directory is free for the next app
	cfg.Embeddings.Provider = "static"
	openApp(t, cfg)
}

func TestIngestDefaults_FollowChunkingConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Chunking.Strategy = "fixed-size"
	cfg.Chunking.ChunkSize = 400
	cfg.Chunking.ChunkOverlap = 40
	a := openApp(t, cfg)

	opts := a.IngestDefaults()

	assert.Equal(t, chunk.StrategyFixed, opts.ChunkingStrategy)
	assert.Equal(t, 400, opts.ChunkSize)
	assert.Equal(t, 40, opts.ChunkOverlap)
	assert.True(t, opts.GenerateEmbeddings)
	assert.True(t, opts.ExtractMetadata)
}

func TestApp_IngestSearchAndCache(t *testing.T) {
	a := openApp(t, testConfig(t))
	ctx := context.Background()

	// Given: one ingested document
	snap := ingestText(t, a, "install.txt", "Run the installer and accept the license agreement.")
	require.Equal(t, 1, snap.Result.ChunkCount)
	c, err := a.GetChunk(ctx, snap.Result.ChunkIDs[0])
	require.NoError(t, err)

	// When: searching with the chunk text twice
	first, err := a.Search(ctx, c.Content, search.Options{})
	require.NoError(t, err)
	second, err := a.Search(ctx, c.Content, search.Options{})
	require.NoError(t, err)

	// Then: the first is computed and the second is served by the cache
	require.NotEmpty(t, first.Results)
	assert.Equal(t, c.ID, first.Results[0].ID)
	assert.False(t, first.Cached)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Results[0].ID, second.Results[0].ID)

	// When: another document commits
	ingestText(t, a, "other.txt", "Pears ripen slowly on the windowsill.")

	// Then: cached answers are dropped
	third, err := a.Search(ctx, c.Content, search.Options{})
	require.NoError(t, err)
	assert.False(t, third.Cached)
}

func TestApp_DeleteChunks(t *testing.T) {
	a := openApp(t, testConfig(t))
	ctx := context.Background()
	snap := ingestText(t, a, "install.txt", "Run the installer and accept the license agreement.")
	id := snap.Result.ChunkIDs[0]

	_, err := a.DeleteChunks(ctx, []string{" ", ""})
	assert.Equal(t, kperrors.ErrCodeInvalidInput, kperrors.GetCode(err))

	n, err := a.DeleteChunks(ctx, []string{id, id, "missing"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = a.GetChunk(ctx, id)
	assert.Equal(t, kperrors.ErrCodeChunkNotFound, kperrors.GetCode(err))

	resp, err := a.Search(ctx, "installer license", search.Options{Mode: search.ModeKeyword})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
}

func TestApp_DeleteDocument(t *testing.T) {
	a := openApp(t, testConfig(t))
	ctx := context.Background()
	snap := ingestText(t, a, "notes/pears.txt", "Pears ripen slowly on the windowsill.")

	n, err := a.DeleteDocument(ctx, "notes/pears.txt")
	require.NoError(t, err)
	assert.Equal(t, snap.Result.ChunkCount, n)

	docs, err := a.Documents(ctx)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestApp_UpdateChunkReembeds(t *testing.T) {
	a := openApp(t, testConfig(t))
	ctx := context.Background()
	snap := ingestText(t, a, "install.txt", "Run the installer and accept the license agreement.")
	id := snap.Result.ChunkIDs[0]
	before, err := a.GetChunk(ctx, id)
	require.NoError(t, err)

	// When: the chunk text is replaced
	updated, err := a.UpdateChunk(ctx, id, "Uninstall by removing the application folder.")
	require.NoError(t, err)

	// Then: content and vector change, identity does not
	assert.Equal(t, id, updated.ID)
	assert.Equal(t, before.Ordinal, updated.Ordinal)
	stored, err := a.GetChunk(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Uninstall by removing the application folder.", stored.Content)
	require.Len(t, stored.Embedding, len(before.Embedding))
	assert.NotEqual(t, before.Embedding, stored.Embedding)

	resp, err := a.Search(ctx, "uninstall application folder", search.Options{Mode: search.ModeKeyword})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, id, resp.Results[0].ID)
}

func TestApp_UpdateChunkErrors(t *testing.T) {
	a := openApp(t, testConfig(t))
	ctx := context.Background()

	tests := []struct {
		name    string
		id      string
		content string
		code    string
	}{
		{"empty id", "", "text", kperrors.ErrCodeInvalidInput},
		{"empty content", "abc", "  ", kperrors.ErrCodeInvalidInput},
		{"unknown chunk", "abc", "text", kperrors.ErrCodeChunkNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.UpdateChunk(ctx, tt.id, tt.content)
			assert.Equal(t, tt.code, kperrors.GetCode(err))
		})
	}
}

func TestApp_StatusAndClose(t *testing.T) {
	cfg := testConfig(t)
	a, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	snap := ingestText(t, a, "install.txt", "Run the installer and accept the license agreement.")

	st, err := a.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, cfg.DataDir, st.DataDir)
	assert.Equal(t, 1, st.Store.Documents)
	assert.Equal(t, snap.Result.ChunkCount, st.Store.Chunks)
	assert.Equal(t, 256, st.Embedder.Dimensions)
	assert.Equal(t, 1, st.Ingest.Completed)
	assert.Contains(t, st.Cache, "hybrid")
	assert.Contains(t, st.Cache, "semantic")
	assert.NotContains(t, st.Cache, "keyword")

	// Close is idempotent and frees the directory
	require.NoError(t, a.Close(context.Background()))
	require.NoError(t, a.Close(context.Background()))
	reopened := openApp(t, cfg)
	docs, err := reopened.Documents(context.Background())
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}
