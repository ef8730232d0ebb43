package ingest

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/Aman-CERP/knowpipe/internal/chunk"
	kperrors "github.com/Aman-CERP/knowpipe/internal/errors"
	"github.com/Aman-CERP/knowpipe/internal/parse"
	"github.com/Aman-CERP/knowpipe/internal/store"
)

// process runs one job under its own cancellable context.
func (o *Orchestrator) process(job *Job) {
	ctx, cancel := context.WithCancel(o.baseCtx)
	defer cancel()

	if !job.start(cancel, o.now()) {
		return
	}
	started := time.Now()

	res, step, err := o.run(ctx, job)
	if err != nil {
		if ctx.Err() != nil && kperrors.GetCode(err) == "" {
			err = kperrors.New(kperrors.ErrCodeJobCancelled, "job cancelled", err)
		}
		if ferr := job.fail(step, err, o.now()); ferr != nil {
			slog.LogAttrs(ctx, slog.LevelError, "ingest_job_state_error", kperrors.LogAttrs(ferr)...)
		}
		snap := job.Snapshot(o.now())
		slog.Warn("ingest_job_failed",
			slog.String("job_id", job.ID),
			slog.String("filename", snap.Filename),
			slog.String("step", string(snap.Error.Step)),
			slog.String("code", snap.Error.Code),
			slog.String("error", snap.Error.Message),
			slog.Duration("duration", time.Since(started)))
		return
	}

	if o.cfg.OnCommit != nil {
		o.cfg.OnCommit(job.doc.ID)
	}
	if err := job.complete(res, o.now()); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "ingest_job_state_error", kperrors.LogAttrs(err)...)
		return
	}
	slog.Info("ingest_job_completed",
		slog.String("job_id", job.ID),
		slog.String("document_id", job.doc.ID),
		slog.Int("chunks", res.ChunkCount),
		slog.Int("attempts", res.Attempts),
		slog.Duration("duration", time.Since(started)))
}

// run is the pipeline: read, parse, chunk, embed, persist. It returns the
// step that failed alongside the error.
func (o *Orchestrator) run(ctx context.Context, job *Job) (*JobResult, Step, error) {
	req := job.req
	opts := req.Options

	job.setStep(StepRead)
	raw := req.Content
	if len(raw) == 0 {
		var err error
		if raw, err = readDocument(req.Path, o.cfg.MaxDocumentBytes); err != nil {
			return nil, StepRead, err
		}
	}

	job.setStep(StepParse)
	parsed, err := o.parsers.Parse(ctx, raw, job.doc.Filename, req.Format)
	if err != nil {
		if _, ok := kperrors.As(err); !ok && ctx.Err() == nil {
			err = kperrors.ParseError("parse "+job.doc.Filename, err)
		}
		return nil, StepParse, err
	}

	job.setStep(StepChunk)
	if opts.TargetChunks > 0 {
		opts = opts.sizedFor(utf8.RuneCountInString(parsed.Text))
		slog.Debug("chunk_size_optimized",
			slog.String("job_id", job.ID),
			slog.Int("target_chunks", opts.TargetChunks),
			slog.Int("chunk_size", opts.ChunkSize),
			slog.Int("chunk_overlap", opts.ChunkOverlap))
	}
	chunker, err := chunk.New(opts.ChunkingStrategy, chunk.Deps{Embed: o.chunkEmbedFunc(opts)})
	if err != nil {
		return nil, StepChunk, err
	}
	pieces, err := chunker.Chunk(ctx, parsed.Text, &parsed.Structure, opts.chunkOptions(o.cfg.Chunking))
	if err != nil {
		if _, ok := kperrors.As(err); !ok && ctx.Err() == nil {
			err = kperrors.New(kperrors.ErrCodeChunkingFailed, "chunk "+job.doc.Filename, err)
		}
		return nil, StepChunk, err
	}

	result := &JobResult{ChunkCount: len(pieces), Sections: countSections(pieces)}
	var vectors [][]float32
	if opts.GenerateEmbeddings && len(pieces) > 0 {
		job.setStep(StepEmbed)
		if o.embedder == nil {
			return nil, StepEmbed, kperrors.ProviderError("no embedding provider configured", nil)
		}
		texts := make([]string, len(pieces))
		for i, p := range pieces {
			texts[i] = p.Content
		}
		vectors, result.Attempts, err = o.embedder.EmbedAttempts(ctx, texts)
		if err != nil {
			return nil, StepEmbed, err
		}
	}

	job.setStep(StepPersist)
	if err := ctx.Err(); err != nil {
		return nil, StepPersist, err
	}
	ids, err := o.persist(ctx, job, parsed, pieces, vectors, opts.ExtractMetadata)
	if err != nil {
		return nil, StepPersist, err
	}
	result.ChunkIDs = ids
	return result, StepPersist, nil
}

func countSections(pieces []chunk.Chunk) int {
	n := -1 // root
	chunk.BuildHierarchy(pieces).Walk(func(*chunk.Node) { n++ })
	return n
}

// chunkEmbedFunc lets the semantic chunker compare sentence groups by
// embedding. Without embeddings it falls back to term vectors.
func (o *Orchestrator) chunkEmbedFunc(opts Options) chunk.EmbedFunc {
	if o.embedder == nil || !opts.GenerateEmbeddings || opts.ChunkingStrategy != chunk.StrategySemantic {
		return nil
	}
	return func(ctx context.Context, texts []string) ([][]float32, error) {
		vecs, _, err := o.embedder.EmbedAttempts(ctx, texts)
		return vecs, err
	}
}

// persist replaces the document's chunk set.
func (o *Orchestrator) persist(ctx context.Context, job *Job, parsed *parse.Result, pieces []chunk.Chunk, vectors [][]float32, withMeta bool) ([]string, error) {
	doc := &store.Document{
		ID:       job.doc.ID,
		Filename: job.doc.Filename,
		Format:   string(parsed.Format),
	}
	if err := o.store.UpsertDocument(ctx, doc); err != nil {
		return nil, err
	}
	if len(pieces) == 0 {
		if _, err := o.store.ReplaceDocumentChunks(ctx, doc.ID, nil); err != nil {
			return nil, err
		}
		return []string{}, nil
	}

	var neighbours []chunk.ContextChunk
	if o.cfg.ContextExcerpt > 0 {
		neighbours = chunk.WithContext(pieces, o.cfg.ContextExcerpt)
	}

	chunks := make([]*store.Chunk, len(pieces))
	for i, p := range pieces {
		meta := make(map[string]any, len(p.Metadata)+6)
		for k, v := range p.Metadata {
			meta[k] = v
		}
		if withMeta {
			addDocumentMetadata(meta, parsed.Metadata)
		}
		if neighbours != nil {
			if prev := neighbours[i].Prev; prev != "" {
				meta[chunk.MetaContextPrev] = prev
			}
			if next := neighbours[i].Next; next != "" {
				meta[chunk.MetaContextNext] = next
			}
		}
		c := &store.Chunk{
			DocumentID:  doc.ID,
			Ordinal:     p.Ordinal,
			TotalChunks: len(pieces),
			Content:     p.Content,
			Metadata:    meta,
		}
		if vectors != nil {
			c.Embedding = vectors[i]
		}
		chunks[i] = c
	}
	return o.store.ReplaceDocumentChunks(ctx, doc.ID, chunks)
}

// addDocumentMetadata copies title, author, date and front-matter keys
// into chunk metadata without overwriting chunk-level keys.
func addDocumentMetadata(meta map[string]any, m parse.Metadata) {
	set := func(k, v string) {
		if _, exists := meta[k]; !exists && v != "" {
			meta[k] = v
		}
	}
	set("title", m.Title)
	set("author", m.Author)
	set("date", m.Date)
	for k, v := range m.Extra {
		set(k, v)
	}
}

// readDocument reads a file, refusing ones larger than limit.
func readDocument(path string, limit int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, kperrors.New(kperrors.ErrCodeFileNotFound, "document not found", err).
				WithDetail("path", path)
		}
		return nil, kperrors.ParseError("open document", err).WithDetail("path", path)
	}
	defer f.Close()

	if limit > 0 {
		if info, err := f.Stat(); err == nil && info.Size() > limit {
			return nil, tooLarge(path, info.Size(), limit)
		}
	}
	raw, err := io.ReadAll(f)
	if err != nil {
		return nil, kperrors.ParseError("read document", err).WithDetail("path", path)
	}
	return raw, nil
}

func itoa(n int) string { return strconv.Itoa(n) }
