package store

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	kperrors "github.com/Aman-CERP/knowpipe/internal/errors"
)

// Store is the retrieval store: SQLite for durability, HNSW for vector
// search, and FTS5 or Bleve for keyword search.
type Store struct {
	cfg     Config
	db      *SQLiteStore
	vectors *HNSWIndex
	bleve   *BleveIndex

	// writeMu orders index updates after their SQLite commit.
	writeMu sync.Mutex

	dimsMu sync.RWMutex
	dims   int
}

// Open opens the database and rebuilds the derived indexes from it.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	cfg = cfg.withDefaults()
	switch cfg.KeywordBackend {
	case KeywordBackendSQLite, KeywordBackendBleve:
	default:
		return nil, kperrors.ConfigError("unknown keyword backend", nil).
			WithDetail("backend", string(cfg.KeywordBackend)).
			WithSuggestion("use sqlite or bleve")
	}

	db, err := OpenSQLite(ctx, cfg)
	if err != nil {
		return nil, err
	}

	recorded, err := db.Dimensions(ctx)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	dims := recorded
	if cfg.Dimensions > 0 {
		if recorded > 0 && recorded != cfg.Dimensions {
			_ = db.Close()
			return nil, dimensionError(recorded, cfg.Dimensions).
				WithSuggestion("the store was built with another embedding model; use a new data directory")
		}
		if recorded == 0 {
			if err := db.SetDimensions(ctx, cfg.Dimensions); err != nil {
				_ = db.Close()
				return nil, err
			}
		}
		dims = cfg.Dimensions
	}

	s := &Store{
		cfg:     cfg,
		db:      db,
		vectors: NewHNSWIndex(dims, cfg.HNSWM, cfg.HNSWEfSearch),
		dims:    dims,
	}

	if err := s.rebuildVectors(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	if cfg.KeywordBackend == KeywordBackendBleve {
		path := ""
		if !cfg.inMemory() {
			path = cfg.Path + ".bleve"
		}
		if s.bleve, err = OpenBleveIndex(path); err != nil {
			_ = db.Close()
			return nil, err
		}
		if err := s.syncBleve(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
	}

	slog.Info("store_opened",
		slog.String("path", cfg.Path),
		slog.String("keyword_backend", string(cfg.KeywordBackend)),
		slog.Int("dimensions", dims),
		slog.Int("vectors", s.vectors.Count()))
	return s, nil
}

func (s *Store) rebuildVectors(ctx context.Context) error {
	var (
		ids  []string
		vecs [][]float32
	)
	err := s.db.ScanEmbedded(ctx, nil, func(c *Chunk) error {
		ids = append(ids, c.ID)
		vecs = append(vecs, c.Embedding)
		return nil
	})
	if err != nil {
		return err
	}
	s.vectors.Rebuild(ids, vecs)
	return nil
}

// syncBleve rebuilds the Bleve index when it disagrees with SQLite.
func (s *Store) syncBleve(ctx context.Context) error {
	_, chunks, _, err := s.db.Counts(ctx)
	if err != nil {
		return err
	}
	indexed, err := s.bleve.DocCount()
	if err != nil {
		return err
	}
	if indexed == chunks {
		return nil
	}

	slog.Info("keyword_index_rebuild",
		slog.Int("indexed", indexed),
		slog.Int("chunks", chunks))
	if err := s.bleve.Reset(); err != nil {
		return err
	}

	var batch []*Chunk
	err = s.db.ScanAll(ctx, func(c *Chunk) error {
		batch = append(batch, c)
		return nil
	})
	if err != nil {
		return err
	}
	for start := 0; start < len(batch); start += s.cfg.BatchSize {
		if err := s.bleve.Index(ctx, batch[start:min(start+s.cfg.BatchSize, len(batch))]); err != nil {
			return err
		}
	}
	return nil
}

// Dimensions returns the deployment's vector size, 0 until known.
func (s *Store) Dimensions() int {
	s.dimsMu.RLock()
	defer s.dimsMu.RUnlock()
	return s.dims
}

// checkDimensions validates vectors and adopts the first size seen.
func (s *Store) checkDimensions(ctx context.Context, vecs ...[]float32) error {
	s.dimsMu.Lock()
	defer s.dimsMu.Unlock()

	for _, v := range vecs {
		if len(v) == 0 {
			continue
		}
		if s.dims == 0 {
			if err := s.db.SetDimensions(ctx, len(v)); err != nil {
				return err
			}
			s.dims = len(v)
			s.vectors.SetDimensions(len(v))
		}
		if len(v) != s.dims {
			return dimensionError(s.dims, len(v))
		}
	}
	return nil
}

func dimensionError(expected, got int) *kperrors.PipelineError {
	return kperrors.New(kperrors.ErrCodeDimensionMismatch, "embedding dimension mismatch", nil).
		WithDetail("expected", strconv.Itoa(expected)).
		WithDetail("got", strconv.Itoa(got))
}

// UpsertDocument records a document. Chunks can only reference existing
// documents.
func (s *Store) UpsertDocument(ctx context.Context, doc *Document) error {
	if doc.ID == "" {
		return kperrors.ValidationError("document ID is required", nil)
	}
	return s.db.UpsertDocument(ctx, doc)
}

// GetDocument returns a document or nil.
func (s *Store) GetDocument(ctx context.Context, id string) (*Document, error) {
	return s.db.GetDocument(ctx, id)
}

// ListDocuments returns all documents.
func (s *Store) ListDocuments(ctx context.Context) ([]*Document, error) {
	return s.db.ListDocuments(ctx)
}

// AddChunks stores chunks and indexes them. Chunks without an ID get a
// new one; the returned IDs are in input order. On failure no chunk of
// the call is left behind.
func (s *Store) AddChunks(ctx context.Context, chunks []*Chunk) ([]string, error) {
	if len(chunks) == 0 {
		return nil, nil
	}
	ids, err := s.prepareChunks(ctx, chunks)
	if err != nil {
		return nil, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if committed, err := s.db.InsertChunks(ctx, chunks); err != nil {
		if committed > 0 {
			if _, cerr := s.db.DeleteChunks(context.WithoutCancel(ctx), ids[:committed]); cerr != nil {
				slog.LogAttrs(ctx, slog.LevelWarn, "chunk_cleanup_failed", kperrors.LogAttrs(cerr)...)
			}
		}
		return nil, err
	}
	if err := s.indexChunks(ctx, chunks); err != nil {
		return nil, err
	}
	return ids, nil
}

// ReplaceDocumentChunks makes chunks the whole chunk set of docID. The
// swap is one transaction under the write lock, so concurrent replaces of
// one document never leave a mixture and a failed replace keeps the old
// set. Every chunk must belong to docID; an empty chunks clears the set.
func (s *Store) ReplaceDocumentChunks(ctx context.Context, docID string, chunks []*Chunk) ([]string, error) {
	if docID == "" {
		return nil, kperrors.ValidationError("document ID is required", nil)
	}
	for i, c := range chunks {
		if c.DocumentID != docID {
			return nil, kperrors.ValidationError("chunk belongs to another document", nil).
				WithDetail("index", strconv.Itoa(i)).
				WithDetail("document_id", c.DocumentID)
		}
	}
	ids, err := s.prepareChunks(ctx, chunks)
	if err != nil {
		return nil, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	deleted, err := s.db.ReplaceDocumentChunks(ctx, docID, chunks)
	if err != nil {
		return nil, err
	}
	s.dropFromIndexes(ctx, deleted)
	if err := s.indexChunks(ctx, chunks); err != nil {
		return nil, err
	}
	return ids, nil
}

// prepareChunks validates chunks, fills missing IDs and timestamps and
// checks embedding sizes. It returns the IDs in input order.
func (s *Store) prepareChunks(ctx context.Context, chunks []*Chunk) ([]string, error) {
	now := time.Now()
	vecs := make([][]float32, 0, len(chunks))
	ids := make([]string, len(chunks))
	for i, c := range chunks {
		if c.DocumentID == "" {
			return nil, kperrors.ValidationError("chunk has no document", nil).WithDetail("index", strconv.Itoa(i))
		}
		if strings.TrimSpace(c.Content) == "" {
			return nil, kperrors.ValidationError("chunk content is empty", nil).WithDetail("index", strconv.Itoa(i))
		}
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		ids[i] = c.ID
		vecs = append(vecs, c.Embedding)
	}
	if err := s.checkDimensions(ctx, vecs...); err != nil {
		return nil, err
	}
	return ids, nil
}

// indexChunks adds committed chunks to the vector and keyword indexes.
// It must be called with writeMu held.
func (s *Store) indexChunks(ctx context.Context, chunks []*Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	var (
		vecIDs  []string
		vectors [][]float32
	)
	for _, c := range chunks {
		if len(c.Embedding) > 0 {
			vecIDs = append(vecIDs, c.ID)
			vectors = append(vectors, c.Embedding)
		}
	}
	s.vectors.Add(vecIDs, vectors)

	if s.bleve != nil {
		if err := s.bleve.Index(ctx, chunks); err != nil {
			return err
		}
	}

	slog.Debug("chunks_added",
		slog.Int("count", len(chunks)),
		slog.Int("embedded", len(vecIDs)))
	return nil
}

// GetChunk returns a chunk or ERR_407_CHUNK_NOT_FOUND.
func (s *Store) GetChunk(ctx context.Context, id string) (*Chunk, error) {
	c, err := s.db.GetChunk(ctx, id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, chunkNotFound(id)
	}
	return c, nil
}

// ChunksByDocument returns a document's chunks in order.
func (s *Store) ChunksByDocument(ctx context.Context, docID string) ([]*Chunk, error) {
	return s.db.ChunksByDocument(ctx, docID)
}

func chunkNotFound(id string) *kperrors.PipelineError {
	return kperrors.New(kperrors.ErrCodeChunkNotFound, "chunk not found", nil).WithDetail("chunk_id", id)
}

// SimilaritySearch returns chunks whose score (1+cos)/2 against vec is at
// least threshold, best first, ties by ID. With a filter the HNSW query
// is oversampled, and falls back to an exact scan of the filtered rows
// when that still yields fewer than k.
func (s *Store) SimilaritySearch(ctx context.Context, vec []float32, k int, threshold float64, f Filter) ([]Result, error) {
	if k <= 0 {
		return nil, kperrors.New(kperrors.ErrCodeInvalidOption, "k must be positive", nil)
	}
	if len(vec) == 0 {
		return nil, kperrors.ValidationError("query vector is empty", nil)
	}
	if dims := s.Dimensions(); dims > 0 && len(vec) != dims {
		return nil, dimensionError(dims, len(vec))
	}
	if s.Dimensions() == 0 {
		return []Result{}, nil
	}

	hits := s.vectors.Search(vec, max(k*oversampleFactor, minCandidates))
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}
	chunks, err := s.db.GetChunks(ctx, ids)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, k)
	for _, h := range hits {
		c, ok := chunks[h.ID]
		if !ok || h.Score < threshold || !f.Matches(c) {
			continue
		}
		results = append(results, Result{Chunk: c, Score: h.Score, SemanticScore: h.Score})
	}

	if !f.Empty() && len(results) < k {
		slog.Debug("similarity_exact_scan",
			slog.Int("hnsw_results", len(results)),
			slog.Int("k", k))
		results, err = s.exactScan(ctx, vec, threshold, f)
		if err != nil {
			return nil, err
		}
	}

	sortResults(results)
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func (s *Store) exactScan(ctx context.Context, vec []float32, threshold float64, f Filter) ([]Result, error) {
	var results []Result
	err := s.db.ScanEmbedded(ctx, f, func(c *Chunk) error {
		if !f.Matches(c) {
			return nil
		}
		score := cosineScore(vec, c.Embedding)
		if score >= threshold {
			results = append(results, Result{Chunk: c, Score: score, SemanticScore: score})
		}
		return nil
	})
	return results, err
}

// KeywordSearch ranks chunks by BM25 and normalizes scores by the top
// hit, so the best match scores 1. Queries made only of stop words
// return nothing.
func (s *Store) KeywordSearch(ctx context.Context, query string, k int, f Filter) ([]Result, error) {
	if k <= 0 {
		return nil, kperrors.New(kperrors.ErrCodeInvalidOption, "k must be positive", nil)
	}
	terms := Tokenize(query)
	if len(terms) == 0 {
		return []Result{}, nil
	}

	limit := k
	if !f.Empty() {
		limit = max(k*oversampleFactor, minCandidates)
	}

	var (
		hits []keywordHit
		err  error
	)
	if s.bleve != nil {
		hits, err = s.bleve.Search(ctx, strings.Join(terms, " "), limit)
	} else {
		hits, err = s.db.SearchFTS(ctx, terms, limit)
	}
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}
	chunks, err := s.db.GetChunks(ctx, ids)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, k)
	for _, h := range hits {
		c, ok := chunks[h.ID]
		if !ok || !f.Matches(c) {
			continue
		}
		results = append(results, Result{Chunk: c, Score: h.Score})
	}
	sortResults(results)
	if len(results) > k {
		results = results[:k]
	}
	normalizeKeywordScores(results)
	return results, nil
}

func normalizeKeywordScores(results []Result) {
	if len(results) == 0 {
		return
	}
	top := results[0].Score
	for i := range results {
		score := 1.0
		if top > 0 {
			score = clamp01(results[i].Score / top)
		}
		results[i].Score = score
		results[i].KeywordScore = score
	}
}

// DeleteChunks removes chunks from every index and returns how many
// existed. Unknown IDs are ignored.
func (s *Store) DeleteChunks(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	deleted, err := s.db.DeleteChunks(ctx, dedupe(ids))
	s.dropFromIndexes(ctx, deleted)
	if err != nil {
		return len(deleted), err
	}
	return len(deleted), nil
}

// DeleteDocument removes a document and all its chunks.
func (s *Store) DeleteDocument(ctx context.Context, docID string) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	deleted, err := s.db.DeleteDocument(ctx, docID)
	if err != nil {
		return 0, err
	}
	s.dropFromIndexes(ctx, deleted)
	return len(deleted), nil
}

// dropFromIndexes must be called with writeMu held.
func (s *Store) dropFromIndexes(ctx context.Context, ids []string) {
	if len(ids) == 0 {
		return
	}
	s.vectors.Delete(ids)
	if s.bleve != nil {
		if err := s.bleve.Delete(ctx, ids); err != nil {
			slog.LogAttrs(ctx, slog.LevelWarn, "keyword_index_delete_failed", kperrors.LogAttrs(err)...)
		}
	}
	if s.vectors.NeedsCompaction() {
		if err := s.rebuildVectors(ctx); err != nil {
			slog.LogAttrs(ctx, slog.LevelWarn, "vector_compaction_failed", kperrors.LogAttrs(err)...)
		}
	}
}

// UpdateChunk replaces a chunk's content and embedding. The chunk keeps
// its ID, ordinal, document and metadata; the old row is deleted and a
// new one inserted.
func (s *Store) UpdateChunk(ctx context.Context, id, content string, vec []float32) (*Chunk, error) {
	if strings.TrimSpace(content) == "" {
		return nil, kperrors.ValidationError("chunk content is empty", nil)
	}
	if err := s.checkDimensions(ctx, vec); err != nil {
		return nil, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	old, err := s.db.GetChunk(ctx, id)
	if err != nil {
		return nil, err
	}
	if old == nil {
		return nil, chunkNotFound(id)
	}

	replacement := &Chunk{
		ID:          old.ID,
		DocumentID:  old.DocumentID,
		Ordinal:     old.Ordinal,
		TotalChunks: old.TotalChunks,
		Content:     content,
		Embedding:   vec,
		Metadata:    old.Metadata,
		CreatedAt:   time.Now(),
		Filename:    old.Filename,
		Format:      old.Format,
	}
	found, err := s.db.ReplaceChunk(ctx, replacement)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, chunkNotFound(id)
	}

	s.vectors.Delete([]string{id})
	if len(vec) > 0 {
		s.vectors.Add([]string{id}, [][]float32{vec})
	}
	if s.bleve != nil {
		if err := s.bleve.Index(ctx, []*Chunk{replacement}); err != nil {
			return nil, err
		}
	}
	return replacement, nil
}

// Stats returns store totals.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	docs, chunks, embedded, err := s.db.Counts(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Documents:      docs,
		Chunks:         chunks,
		Embedded:       embedded,
		Dimensions:     s.Dimensions(),
		KeywordBackend: s.cfg.KeywordBackend,
		Vectors:        s.vectors.Stats(),
	}, nil
}

// Close closes the keyword index and the database.
func (s *Store) Close() error {
	if s.bleve != nil {
		if err := s.bleve.Close(); err != nil {
			slog.LogAttrs(context.Background(), slog.LevelWarn, "keyword_index_close_failed", kperrors.LogAttrs(err)...)
		}
	}
	return s.db.Close()
}

func sortResults(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Chunk.ID < results[j].Chunk.ID
	})
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok || id == "" {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
