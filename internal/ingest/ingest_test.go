package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/knowpipe/internal/chunk"
	"github.com/Aman-CERP/knowpipe/internal/embed"
	kperrors "github.com/Aman-CERP/knowpipe/internal/errors"
	"github.com/Aman-CERP/knowpipe/internal/store"
)

const guide = `# Guide

Intro paragraph about installing the command line tool on a workstation.

## Setup

Run the installer, accept the license and follow the prompts until it finishes.
`

// flakyProvider fails its first failN batch calls, then embeds statically.
type flakyProvider struct {
	*embed.StaticEmbedder
	failN int32
	calls atomic.Int32
}

func (f *flakyProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if f.calls.Add(1) <= f.failN {
		return nil, kperrors.ProviderError("connection refused", nil)
	}
	return f.StaticEmbedder.EmbedBatch(ctx, texts)
}

// blockingEmbedder waits for release or cancellation.
type blockingEmbedder struct {
	release chan struct{}
	entered chan struct{}
}

func newBlocking() *blockingEmbedder {
	return &blockingEmbedder{release: make(chan struct{}), entered: make(chan struct{}, 16)}
}

func (b *blockingEmbedder) EmbedAttempts(ctx context.Context, texts []string) ([][]float32, int, error) {
	b.entered <- struct{}{}
	select {
	case <-b.release:
	case <-ctx.Done():
		return nil, 1, ctx.Err()
	}
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{1, 0}
	}
	return out, 1, nil
}

func gatewayFor(p embed.Embedder) *embed.Gateway {
	cfg := embed.DefaultGatewayConfig()
	cfg.Retry.InitialDelay = time.Millisecond
	cfg.Retry.MaxDelay = 2 * time.Millisecond
	return embed.NewGateway(p, cfg)
}

func newStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), store.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newOrchestrator(t *testing.T, cfg Config, e Embedder, s ChunkStore) *Orchestrator {
	t.Helper()
	if cfg.JanitorInterval == 0 {
		cfg.JanitorInterval = time.Hour
	}
	o := New(cfg, nil, e, s)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = o.Close(ctx)
	})
	return o
}

func markdownRequest(name string) Request {
	return Request{Content: []byte(guide), Filename: name, Format: "markdown", Options: DefaultOptions()}
}

func waitFinished(t *testing.T, o *Orchestrator, id string) JobSnapshot {
	t.Helper()
	var snap JobSnapshot
	require.Eventually(t, func() bool {
		var err error
		snap, err = o.Status(id)
		require.NoError(t, err)
		return snap.State.Terminal()
	}, 5*time.Second, 5*time.Millisecond)
	return snap
}

func TestSubmit_CompletesAndPersists(t *testing.T) {
	s := newStore(t)
	o := newOrchestrator(t, Config{Workers: 1}, gatewayFor(embed.NewStaticEmbedder(64)), s)

	// Given: a markdown document
	id, err := o.Submit(context.Background(), markdownRequest("docs/guide.md"))
	require.NoError(t, err)

	// When: the job finishes
	snap := waitFinished(t, o, id)

	// Then: it completed and the chunks are searchable
	require.Equal(t, StateCompleted, snap.State, "error: %+v", snap.Error)
	require.NotNil(t, snap.Result)
	assert.Positive(t, snap.Result.ChunkCount)
	assert.Len(t, snap.Result.ChunkIDs, snap.Result.ChunkCount)
	assert.Equal(t, 1, snap.Result.Attempts)
	assert.Positive(t, snap.Result.Sections)
	assert.NotNil(t, snap.FinishedAt)
	assert.GreaterOrEqual(t, snap.ProcessingSeconds, 0.0)
	assert.Equal(t, DocumentID("docs/guide.md"), snap.DocumentID)

	chunks, err := s.ChunksByDocument(context.Background(), snap.DocumentID)
	require.NoError(t, err)
	require.Len(t, chunks, snap.Result.ChunkCount)
	assert.Len(t, chunks[0].Embedding, 64)
	assert.Equal(t, len(chunks), chunks[0].TotalChunks)
	assert.Contains(t, chunks[0].Metadata, "title")
	assert.Equal(t, "guide.md", filepath.Base(chunks[0].Filename))

	hits, err := s.KeywordSearch(context.Background(), "installer", 5, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, hits)
}

func TestSubmit_OnCommitSeesPersistedDocument(t *testing.T) {
	var committed atomic.Value
	s := newStore(t)
	o := newOrchestrator(t, Config{Workers: 1, OnCommit: func(id string) { committed.Store(id) }},
		gatewayFor(embed.NewStaticEmbedder(16)), s)

	id, err := o.Submit(context.Background(), markdownRequest("guide.md"))
	require.NoError(t, err)

	snap := waitFinished(t, o, id)
	require.Equal(t, StateCompleted, snap.State)
	assert.Equal(t, snap.DocumentID, committed.Load())
}

func TestSubmit_CorruptDocumentsFailWithParseError(t *testing.T) {
	o := newOrchestrator(t, Config{Workers: 2}, gatewayFor(embed.NewStaticEmbedder(0)), newStore(t))

	tests := []struct {
		name     string
		filename string
		format   string
		content  []byte
	}{
		{"docx that is not a zip", "report.docx", "docx", []byte("this is not a zip archive")},
		{"pdf with no header", "scan.pdf", "pdf", []byte("garbage bytes")},
		{"truncated pdf", "cut.pdf", "", []byte("%PDF-1.4\n1 0 obj\n<<")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := o.Submit(context.Background(), Request{
				Content: tt.content, Filename: tt.filename, Format: tt.format, Options: DefaultOptions(),
			})
			require.NoError(t, err)

			snap := waitFinished(t, o, id)

			assert.Equal(t, StateFailed, snap.State)
			require.NotNil(t, snap.Error)
			assert.Equal(t, StepParse, snap.Error.Step)
			assert.Equal(t, kperrors.ErrCodeParseFailed, snap.Error.Code)
			assert.Nil(t, snap.Result)
		})
	}
}

func TestSubmit_RetriesFlakyProvider(t *testing.T) {
	provider := &flakyProvider{StaticEmbedder: embed.NewStaticEmbedder(32), failN: 2}
	o := newOrchestrator(t, Config{Workers: 1}, gatewayFor(provider), newStore(t))

	id, err := o.Submit(context.Background(), markdownRequest("flaky.md"))
	require.NoError(t, err)
	snap := waitFinished(t, o, id)

	require.Equal(t, StateCompleted, snap.State, "error: %+v", snap.Error)
	assert.Equal(t, 3, snap.Result.Attempts)
	assert.Equal(t, int32(3), provider.calls.Load())
}

func TestSubmit_ProviderDownFailsAtEmbed(t *testing.T) {
	provider := &flakyProvider{StaticEmbedder: embed.NewStaticEmbedder(32), failN: 100}
	o := newOrchestrator(t, Config{Workers: 1}, gatewayFor(provider), newStore(t))

	id, err := o.Submit(context.Background(), markdownRequest("down.md"))
	require.NoError(t, err)
	snap := waitFinished(t, o, id)

	assert.Equal(t, StateFailed, snap.State)
	assert.Equal(t, StepEmbed, snap.Error.Step)
	assert.Equal(t, kperrors.ErrCodeProviderUnavailable, snap.Error.Code)
}

func TestSubmit_ReingestReplacesChunkSet(t *testing.T) {
	s := newStore(t)
	o := newOrchestrator(t, Config{Workers: 1}, nil, s)
	ctx := context.Background()

	opts := DefaultOptions()
	opts.GenerateEmbeddings = false
	first, err := o.Submit(ctx, Request{Content: []byte("old content about apples"), Filename: "notes.txt", Options: opts})
	require.NoError(t, err)
	require.Equal(t, StateCompleted, waitFinished(t, o, first).State)

	second, err := o.Submit(ctx, Request{Content: []byte("new content about pears"), Filename: "notes.txt", Options: opts})
	require.NoError(t, err)
	snap := waitFinished(t, o, second)
	require.Equal(t, StateCompleted, snap.State)
	assert.Equal(t, 0, snap.Result.Attempts)

	chunks, err := s.ChunksByDocument(ctx, DocumentID("notes.txt"))
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Contains(t, chunks[0].Content, "pears")
	assert.Nil(t, chunks[0].Embedding)
}

// slowStore delays each replace so concurrent jobs overlap in persist.
type slowStore struct {
	*store.Store
	delay time.Duration
}

func (s slowStore) ReplaceDocumentChunks(ctx context.Context, docID string, chunks []*store.Chunk) ([]string, error) {
	time.Sleep(s.delay)
	return s.Store.ReplaceDocumentChunks(ctx, docID, chunks)
}

func TestSubmit_ConcurrentReingestKeepsOneChunkSet(t *testing.T) {
	s := newStore(t)
	o := newOrchestrator(t, Config{Workers: 2}, nil, slowStore{Store: s, delay: 50 * time.Millisecond})
	ctx := context.Background()

	// Given: two versions of one file submitted back to back
	small := DefaultOptions()
	small.GenerateEmbeddings = false
	small.ChunkingStrategy = chunk.StrategyFixed
	small.ChunkSize = 40
	small.ChunkOverlap = 0
	whole := DefaultOptions()
	whole.GenerateEmbeddings = false

	first, err := o.Submit(ctx, Request{Content: []byte(guide), Filename: "docs/guide.md", Options: small})
	require.NoError(t, err)
	second, err := o.Submit(ctx, Request{Content: []byte(guide), Filename: "docs/guide.md", Options: whole})
	require.NoError(t, err)

	// When: both finish
	a, b := waitFinished(t, o, first), waitFinished(t, o, second)
	require.Equal(t, StateCompleted, a.State)
	require.Equal(t, StateCompleted, b.State)
	require.NotEqual(t, a.Result.ChunkCount, b.Result.ChunkCount)

	// Then: the stored set is exactly one job's output
	chunks, err := s.ChunksByDocument(ctx, DocumentID("docs/guide.md"))
	require.NoError(t, err)
	assert.Contains(t, []int{a.Result.ChunkCount, b.Result.ChunkCount}, len(chunks))
	for _, c := range chunks {
		assert.Equal(t, len(chunks), c.TotalChunks)
	}
	doc, err := s.GetDocument(ctx, DocumentID("docs/guide.md"))
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, len(chunks), doc.ChunkCount)
}

func TestSubmit_WithoutMetadataKeepsStructureOnly(t *testing.T) {
	s := newStore(t)
	o := newOrchestrator(t, Config{Workers: 1}, nil, s)

	opts := DefaultOptions()
	opts.GenerateEmbeddings = false
	opts.ExtractMetadata = false
	id, err := o.Submit(context.Background(), Request{Content: []byte(guide), Filename: "bare.md", Options: opts})
	require.NoError(t, err)
	require.Equal(t, StateCompleted, waitFinished(t, o, id).State)

	chunks, err := s.ChunksByDocument(context.Background(), DocumentID("bare.md"))
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	assert.NotContains(t, chunks[0].Metadata, "title")
	assert.Contains(t, chunks[0].Metadata, chunk.MetaStrategy)
}

func TestSubmit_ContextExcerptLinksNeighbours(t *testing.T) {
	s := newStore(t)
	o := newOrchestrator(t, Config{Workers: 1, ContextExcerpt: 8}, nil, s)

	// Given: a text document split into several small fixed-size chunks
	opts := DefaultOptions()
	opts.ChunkingStrategy = chunk.StrategyFixed
	opts.ChunkSize = 30
	opts.ChunkOverlap = 0
	opts.GenerateEmbeddings = false
	content := "Backups run nightly at two. Restores are tested weekly. Old snapshots expire after thirty days."
	id, err := o.Submit(context.Background(), Request{Content: []byte(content), Filename: "notes.txt", Options: opts})
	require.NoError(t, err)
	require.Equal(t, StateCompleted, waitFinished(t, o, id).State)

	// When: reading the stored chunks back in order
	chunks, err := s.ChunksByDocument(context.Background(), DocumentID("notes.txt"))
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(chunks), 2)

	// Then: each chunk carries excerpts of its neighbours, none at the ends
	first, last := chunks[0], chunks[len(chunks)-1]
	assert.NotContains(t, first.Metadata, chunk.MetaContextPrev)
	assert.NotContains(t, last.Metadata, chunk.MetaContextNext)

	head := []rune(chunks[1].Content)
	assert.Equal(t, string(head[:min(8, len(head))]), first.Metadata[chunk.MetaContextNext])
	tail := []rune(chunks[len(chunks)-2].Content)
	assert.Equal(t, string(tail[max(0, len(tail)-8):]), last.Metadata[chunk.MetaContextPrev])
}

func TestSubmit_TargetChunksSizesTheWindow(t *testing.T) {
	s := newStore(t)
	o := newOrchestrator(t, Config{Workers: 1}, nil, s)

	// Given: 300 characters that the default 1000-character window would keep whole
	opts := DefaultOptions()
	opts.ChunkingStrategy = chunk.StrategyFixed
	opts.GenerateEmbeddings = false
	opts.TargetChunks = 3
	content := strings.Repeat("abcd ", 60)

	// When: asking for about three chunks
	id, err := o.Submit(context.Background(), Request{Content: []byte(content), Filename: "sized.txt", Options: opts})
	require.NoError(t, err)
	snap := waitFinished(t, o, id)

	// Then: the window shrank to produce roughly that many
	require.Equal(t, StateCompleted, snap.State, "error: %+v", snap.Error)
	assert.InDelta(t, 3, snap.Result.ChunkCount, 1)
}

func TestOptions_SizedFor(t *testing.T) {
	opts := DefaultOptions()
	assert.Equal(t, opts, opts.sizedFor(5000), "no target leaves sizes alone")

	opts.TargetChunks = 4
	sized := opts.sizedFor(5000)
	assert.Equal(t, 1471, sized.ChunkSize)
	assert.Equal(t, 294, sized.ChunkOverlap)
	assert.Equal(t, 4, chunk.EstimateChunks(5000, sized.ChunkSize, sized.ChunkOverlap))
	assert.NoError(t, sized.Validate())
}

func TestSubmit_ReadsPaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "readme.md")
	require.NoError(t, os.WriteFile(path, []byte(guide), 0o644))

	o := newOrchestrator(t, Config{Workers: 1}, nil, newStore(t))
	opts := DefaultOptions()
	opts.GenerateEmbeddings = false

	id, err := o.Submit(context.Background(), Request{Path: path, Options: opts})
	require.NoError(t, err)
	snap := waitFinished(t, o, id)
	assert.Equal(t, StateCompleted, snap.State)
	assert.Equal(t, "readme.md", snap.Filename)

	id, err = o.Submit(context.Background(), Request{Path: filepath.Join(dir, "missing.md"), Options: opts})
	require.NoError(t, err)
	snap = waitFinished(t, o, id)
	assert.Equal(t, StateFailed, snap.State)
	assert.Equal(t, StepRead, snap.Error.Step)
	assert.Equal(t, kperrors.ErrCodeFileNotFound, snap.Error.Code)
}

func TestSubmit_Validation(t *testing.T) {
	o := newOrchestrator(t, Config{Workers: 1, MaxDocumentBytes: 8}, nil, newStore(t))
	ctx := context.Background()

	badStrategy := DefaultOptions()
	badStrategy.ChunkingStrategy = "magic"
	badOverlap := DefaultOptions()
	badOverlap.ChunkOverlap = badOverlap.ChunkSize
	badTarget := DefaultOptions()
	badTarget.TargetChunks = -1

	tests := []struct {
		name string
		req  Request
		code string
	}{
		{"no content", Request{Filename: "a.txt", Options: DefaultOptions()}, kperrors.ErrCodeInvalidInput},
		{"no filename", Request{Content: []byte("x"), Options: DefaultOptions()}, kperrors.ErrCodeInvalidInput},
		{"unknown strategy", Request{Content: []byte("x"), Filename: "a.txt", Options: badStrategy}, kperrors.ErrCodeInvalidOption},
		{"overlap too large", Request{Content: []byte("x"), Filename: "a.txt", Options: badOverlap}, kperrors.ErrCodeInvalidOption},
		{"negative target", Request{Content: []byte("x"), Filename: "a.txt", Options: badTarget}, kperrors.ErrCodeInvalidOption},
		{"too large", Request{Content: []byte("0123456789"), Filename: "a.txt", Options: DefaultOptions()}, kperrors.ErrCodeFileTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := o.Submit(ctx, tt.req)
			assert.Equal(t, tt.code, kperrors.GetCode(err))
		})
	}

	_, err := o.Status("nope")
	assert.Equal(t, kperrors.ErrCodeJobNotFound, kperrors.GetCode(err))
}

func TestSubmit_Backpressure(t *testing.T) {
	blocker := newBlocking()
	o := newOrchestrator(t, Config{Workers: 1, QueueSize: 1}, blocker, newStore(t))
	ctx := context.Background()
	defer close(blocker.release)

	// Given: one job processing and one queued
	running, err := o.Submit(ctx, markdownRequest("one.md"))
	require.NoError(t, err)
	<-blocker.entered
	_, err = o.Submit(ctx, markdownRequest("two.md"))
	require.NoError(t, err)

	// When: submitting more
	_, err = o.Submit(ctx, markdownRequest("three.md"))

	// Then: the queue refuses
	assert.Equal(t, kperrors.ErrCodeBackpressure, kperrors.GetCode(err))
	_, _, err = o.SubmitBatch(ctx, []Request{markdownRequest("four.md")})
	assert.Equal(t, kperrors.ErrCodeBackpressure, kperrors.GetCode(err))

	snap, err := o.Status(running)
	require.NoError(t, err)
	assert.Equal(t, StateProcessing, snap.State)
	assert.Equal(t, StepEmbed, snap.Step)
}

func TestCancel_QueuedAndProcessing(t *testing.T) {
	blocker := newBlocking()
	o := newOrchestrator(t, Config{Workers: 1}, blocker, newStore(t))
	ctx := context.Background()

	running, err := o.Submit(ctx, markdownRequest("running.md"))
	require.NoError(t, err)
	<-blocker.entered
	queued, err := o.Submit(ctx, markdownRequest("queued.md"))
	require.NoError(t, err)

	// When: cancelling the queued job
	require.NoError(t, o.Cancel(queued))
	snap, err := o.Status(queued)
	require.NoError(t, err)

	// Then: it fails at once and never starts
	assert.Equal(t, StateFailed, snap.State)
	assert.Equal(t, StepCancelled, snap.Error.Step)
	assert.Equal(t, kperrors.ErrCodeJobCancelled, snap.Error.Code)
	assert.Nil(t, snap.StartedAt)

	// When: cancelling the running job
	require.NoError(t, o.Cancel(running))
	snap = waitFinished(t, o, running)
	assert.Equal(t, StateFailed, snap.State)
	assert.Equal(t, StepCancelled, snap.Error.Step)
	assert.Equal(t, kperrors.ErrCodeJobCancelled, snap.Error.Code)

	// And: a finished job cannot be cancelled again
	assert.Equal(t, kperrors.ErrCodeInvalidOption, kperrors.GetCode(o.Cancel(running)))
	assert.Equal(t, kperrors.ErrCodeJobNotFound, kperrors.GetCode(o.Cancel("nope")))
}

func TestSubmitBatch_AggregatesStatus(t *testing.T) {
	o := newOrchestrator(t, Config{Workers: 2}, gatewayFor(embed.NewStaticEmbedder(16)), newStore(t))

	reqs := []Request{
		markdownRequest("a.md"),
		markdownRequest("b.md"),
		{Content: []byte("not a zip"), Filename: "c.docx", Options: DefaultOptions()},
	}
	batchID, ids, err := o.SubmitBatch(context.Background(), reqs)
	require.NoError(t, err)
	require.Len(t, ids, 3)

	var snap BatchSnapshot
	require.Eventually(t, func() bool {
		snap, err = o.BatchStatus(batchID)
		require.NoError(t, err)
		return snap.Done()
	}, 5*time.Second, 5*time.Millisecond)

	assert.Equal(t, 3, snap.Total)
	assert.Equal(t, 2, snap.Completed)
	assert.Equal(t, 1, snap.Failed)
	assert.Equal(t, ids, snap.JobIDs)

	for _, id := range ids {
		js, err := o.Status(id)
		require.NoError(t, err)
		assert.Equal(t, batchID, js.BatchID)
	}

	_, err = o.BatchStatus("missing")
	assert.Equal(t, kperrors.ErrCodeJobNotFound, kperrors.GetCode(err))
}

func TestSubmitBatch_AllOrNothingValidation(t *testing.T) {
	o := newOrchestrator(t, Config{Workers: 1}, nil, newStore(t))

	_, _, err := o.SubmitBatch(context.Background(), []Request{
		markdownRequest("ok.md"),
		{Filename: "empty.md", Options: DefaultOptions()},
	})
	require.Error(t, err)
	pe, ok := kperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, "1", pe.Details["index"])
	assert.Equal(t, 0, o.Stats().Jobs)
}

func TestSweep_EvictsAfterRetention(t *testing.T) {
	o := newOrchestrator(t, Config{Workers: 1, Retention: time.Minute}, nil, newStore(t))
	var offset atomic.Int64
	o.now = func() time.Time { return time.Now().Add(time.Duration(offset.Load())) }

	opts := DefaultOptions()
	opts.GenerateEmbeddings = false
	batchID, ids, err := o.SubmitBatch(context.Background(), []Request{{Content: []byte("short note"), Filename: "n.txt", Options: opts}})
	require.NoError(t, err)
	waitFinished(t, o, ids[0])

	// Within retention the job stays.
	assert.Equal(t, 0, o.Sweep())

	offset.Store(int64(2 * time.Minute))
	assert.Equal(t, 1, o.Sweep())

	_, err = o.Status(ids[0])
	assert.Equal(t, kperrors.ErrCodeJobNotFound, kperrors.GetCode(err))
	_, err = o.BatchStatus(batchID)
	assert.Equal(t, kperrors.ErrCodeJobNotFound, kperrors.GetCode(err))
}

func TestClose_DrainsQueueAndRefusesNewJobs(t *testing.T) {
	o := New(Config{Workers: 1, JanitorInterval: time.Hour}, nil, nil, newStore(t))
	opts := DefaultOptions()
	opts.GenerateEmbeddings = false

	var ids []string
	for _, name := range []string{"a.txt", "b.txt", "c.txt"} {
		id, err := o.Submit(context.Background(), Request{Content: []byte("body of " + name), Filename: name, Options: opts})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	require.NoError(t, o.Close(context.Background()))
	for _, id := range ids {
		snap, err := o.Status(id)
		require.NoError(t, err)
		assert.Equal(t, StateCompleted, snap.State)
	}

	_, err := o.Submit(context.Background(), Request{Content: []byte("late"), Filename: "late.txt", Options: opts})
	assert.Equal(t, kperrors.ErrCodeBackpressure, kperrors.GetCode(err))
	require.NoError(t, o.Close(context.Background()))
}

func TestClose_DeadlineCancelsRunningJobs(t *testing.T) {
	blocker := newBlocking()
	o := New(Config{Workers: 1, JanitorInterval: time.Hour}, nil, blocker, newStore(t))

	id, err := o.Submit(context.Background(), markdownRequest("slow.md"))
	require.NoError(t, err)
	<-blocker.entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = o.Close(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	snap, err := o.Status(id)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, snap.State)
	assert.Equal(t, kperrors.ErrCodeJobCancelled, snap.Error.Code)
}

func TestJob_Transitions(t *testing.T) {
	now := time.Now()
	tests := []struct {
		from State
		to   State
		ok   bool
	}{
		{StateQueued, StateProcessing, true},
		{StateQueued, StateFailed, true},
		{StateQueued, StateCompleted, false},
		{StateProcessing, StateCompleted, true},
		{StateProcessing, StateFailed, true},
		{StateProcessing, StateQueued, false},
		{StateProcessing, StateProcessing, false},
		{StateCompleted, StateFailed, false},
		{StateFailed, StateProcessing, false},
		{StateFailed, StateCompleted, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			j := &Job{ID: "j", state: tt.from}
			err := j.transition(tt.to, now)
			if tt.ok {
				require.NoError(t, err)
				assert.Equal(t, tt.to, j.state)
			} else {
				require.Error(t, err)
				assert.Equal(t, tt.from, j.state)
			}
		})
	}
}

func TestDocumentID_StablePerFilename(t *testing.T) {
	assert.Equal(t, DocumentID("docs/a.md"), DocumentID("docs/./a.md"))
	assert.NotEqual(t, DocumentID("docs/a.md"), DocumentID("docs/b.md"))
	assert.Len(t, DocumentID("x"), 36)
}
