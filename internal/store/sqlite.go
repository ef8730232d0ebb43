package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	kperrors "github.com/Aman-CERP/knowpipe/internal/errors"
)

const (
	stateKeyDimensions = "embedding_dimensions"
	schemaVersion      = 1
)

// SQLiteStore is the durable half of the store: documents, chunks,
// vector blobs and the FTS5 keyword table.
type SQLiteStore struct {
	db        *sql.DB
	path      string
	batchSize int
	retry     kperrors.RetryPolicy
}

// OpenSQLite opens or creates the database at cfg.Path.
func OpenSQLite(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	cfg = cfg.withDefaults()

	dsn := ":memory:"
	if !cfg.inMemory() {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, kperrors.StoreError("create store directory", err).
				WithDetail("path", cfg.Path)
		}
		dsn = cfg.Path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, kperrors.StoreError("open database", err).WithDetail("path", cfg.Path)
	}

	// Single writer connection; in-memory databases also need it to
	// stay one database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	}
	if !cfg.inMemory() {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, classify("set pragma", err)
		}
	}

	s := &SQLiteStore{db: db, path: cfg.Path, batchSize: cfg.BatchSize, retry: cfg.Retry}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);

	CREATE TABLE IF NOT EXISTS store_state (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS documents (
		id          TEXT PRIMARY KEY,
		filename    TEXT NOT NULL,
		format      TEXT NOT NULL,
		chunk_count INTEGER NOT NULL DEFAULT 0,
		created_at  INTEGER NOT NULL,
		updated_at  INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS chunks (
		id           TEXT PRIMARY KEY,
		document_id  TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		ordinal      INTEGER NOT NULL,
		total_chunks INTEGER NOT NULL,
		content      TEXT NOT NULL,
		fingerprint  TEXT NOT NULL,
		embedding    BLOB,
		dims         INTEGER NOT NULL DEFAULT 0,
		metadata     TEXT NOT NULL DEFAULT '{}',
		created_at   INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id, ordinal);
	CREATE INDEX IF NOT EXISTS idx_documents_filename ON documents(filename);

	-- chunk_id is stored but not searchable; content holds tokenized text
	CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
		chunk_id UNINDEXED,
		content,
		tokenize='unicode61'
	);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return classify("initialize schema", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version) VALUES (?)`, schemaVersion); err != nil {
		return classify("record schema version", err)
	}
	return nil
}

// classify maps driver errors to store error codes: busy and locked are
// retryable, constraint violations are fatal.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if _, ok := kperrors.As(err); ok {
		return err
	}

	code := kperrors.ErrCodeStoreFailed
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			code = kperrors.ErrCodeStoreBusy
		case sqlite3.SQLITE_CONSTRAINT:
			code = kperrors.ErrCodeStoreConstraint
		}
	} else {
		msg := err.Error()
		switch {
		case strings.Contains(msg, "database is locked"), strings.Contains(msg, "SQLITE_BUSY"):
			code = kperrors.ErrCodeStoreBusy
		case strings.Contains(msg, "constraint failed"):
			code = kperrors.ErrCodeStoreConstraint
		}
	}
	return kperrors.New(code, op+" failed", err).WithDetail("op", op)
}

// withTx runs fn in one transaction under the retry policy. Each attempt
// opens its own transaction, so nothing is held during backoff.
func (s *SQLiteStore) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	_, err := s.retry.Do(ctx, func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return classify(op, err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := fn(tx); err != nil {
			return classify(op, err)
		}
		return classify(op, tx.Commit())
	})
	return err
}

// Dimensions returns the recorded vector size, or 0.
func (s *SQLiteStore) Dimensions(ctx context.Context) (int, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM store_state WHERE key = ?`, stateKeyDimensions).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, classify("read dimensions", err)
	}
	dims, err := strconv.Atoi(value)
	if err != nil {
		return 0, kperrors.StoreError("corrupt dimension state", err).WithDetail("value", value)
	}
	return dims, nil
}

// SetDimensions records the vector size for the deployment.
func (s *SQLiteStore) SetDimensions(ctx context.Context, dims int) error {
	return s.withTx(ctx, "write dimensions", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO store_state (key, value) VALUES (?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			stateKeyDimensions, strconv.Itoa(dims))
		return err
	})
}

// UpsertDocument creates the document or updates its name and format,
// keeping the original creation time.
func (s *SQLiteStore) UpsertDocument(ctx context.Context, doc *Document) error {
	now := time.Now()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now
	return s.withTx(ctx, "upsert document", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO documents (id, filename, format, chunk_count, created_at, updated_at)
			 VALUES (?, ?, ?, 0, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
				filename = excluded.filename,
				format = excluded.format,
				updated_at = excluded.updated_at`,
			doc.ID, doc.Filename, doc.Format, doc.CreatedAt.UnixNano(), doc.UpdatedAt.UnixNano())
		return err
	})
}

// GetDocument returns the document or nil when unknown.
func (s *SQLiteStore) GetDocument(ctx context.Context, id string) (*Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, filename, format, chunk_count, created_at, updated_at FROM documents WHERE id = ?`, id)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("get document", err)
	}
	return doc, nil
}

// ListDocuments returns all documents ordered by filename.
func (s *SQLiteStore) ListDocuments(ctx context.Context) ([]*Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, filename, format, chunk_count, created_at, updated_at FROM documents ORDER BY filename, id`)
	if err != nil {
		return nil, classify("list documents", err)
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, classify("scan document", err)
		}
		docs = append(docs, doc)
	}
	return docs, classify("list documents", rows.Err())
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(row scanner) (*Document, error) {
	var (
		doc              Document
		created, updated int64
	)
	if err := row.Scan(&doc.ID, &doc.Filename, &doc.Format, &doc.ChunkCount, &created, &updated); err != nil {
		return nil, err
	}
	doc.CreatedAt = time.Unix(0, created)
	doc.UpdatedAt = time.Unix(0, updated)
	return &doc, nil
}

// InsertChunks writes chunks in transactions of BatchSize rows and
// returns how many were committed. Every chunk's document must already
// exist.
func (s *SQLiteStore) InsertChunks(ctx context.Context, chunks []*Chunk) (int, error) {
	committed := 0
	for start := 0; start < len(chunks); start += s.batchSize {
		batch := chunks[start:min(start+s.batchSize, len(chunks))]
		err := s.withTx(ctx, "insert chunks", func(tx *sql.Tx) error {
			for _, c := range batch {
				if err := insertChunkRow(ctx, tx, c); err != nil {
					return err
				}
			}
			return refreshDocumentCounts(ctx, tx, documentIDs(batch), false)
		})
		if err != nil {
			return committed, err
		}
		committed += len(batch)
	}
	return committed, nil
}

func insertChunkRow(ctx context.Context, tx *sql.Tx, c *Chunk) error {
	meta, err := encodeMetadata(c.Metadata)
	if err != nil {
		return kperrors.StoreError("encode chunk metadata", err).WithDetail("chunk_id", c.ID)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO chunks (id, document_id, ordinal, total_chunks, content, fingerprint, embedding, dims, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.DocumentID, c.Ordinal, c.TotalChunks, c.Content, Fingerprint(c.Content),
		encodeVector(c.Embedding), len(c.Embedding), meta, c.CreatedAt.UnixNano()); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO chunks_fts (chunk_id, content) VALUES (?, ?)`,
		c.ID, strings.Join(Tokenize(c.Content), " "))
	return err
}

// refreshDocumentCounts recomputes documents.chunk_count and, when
// renumber is set, every chunk's total_chunks for the given documents.
func refreshDocumentCounts(ctx context.Context, tx *sql.Tx, docIDs []string, renumber bool) error {
	now := time.Now().UnixNano()
	for _, id := range docIDs {
		if _, err := tx.ExecContext(ctx,
			`UPDATE documents SET chunk_count = (SELECT COUNT(*) FROM chunks WHERE document_id = ?), updated_at = ?
			 WHERE id = ?`, id, now, id); err != nil {
			return err
		}
		if !renumber {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE chunks SET total_chunks = (SELECT COUNT(*) FROM chunks WHERE document_id = ?)
			 WHERE document_id = ?`, id, id); err != nil {
			return err
		}
	}
	return nil
}

// DeleteChunks removes chunks by ID and returns the IDs that existed.
// Remaining chunks of affected documents get a corrected total_chunks.
func (s *SQLiteStore) DeleteChunks(ctx context.Context, ids []string) ([]string, error) {
	var deleted []string
	for start := 0; start < len(ids); start += s.batchSize {
		batch := ids[start:min(start+s.batchSize, len(ids))]
		var found []string
		err := s.withTx(ctx, "delete chunks", func(tx *sql.Tx) error {
			found = found[:0]
			in, args := inClause(batch)
			rows, err := tx.QueryContext(ctx,
				`SELECT id, document_id FROM chunks WHERE id IN (`+in+`)`, args...)
			if err != nil {
				return err
			}
			docSet := make(map[string]struct{})
			for rows.Next() {
				var id, docID string
				if err := rows.Scan(&id, &docID); err != nil {
					_ = rows.Close()
					return err
				}
				found = append(found, id)
				docSet[docID] = struct{}{}
			}
			_ = rows.Close()
			if err := rows.Err(); err != nil {
				return err
			}
			if len(found) == 0 {
				return nil
			}

			if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE id IN (`+in+`)`, args...); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM chunks_fts WHERE chunk_id IN (`+in+`)`, args...); err != nil {
				return err
			}
			docs := make([]string, 0, len(docSet))
			for id := range docSet {
				docs = append(docs, id)
			}
			return refreshDocumentCounts(ctx, tx, docs, true)
		})
		if err != nil {
			return deleted, err
		}
		deleted = append(deleted, found...)
	}
	return deleted, nil
}

// ReplaceDocumentChunks swaps a document's chunk set for chunks in one
// transaction and returns the IDs of the chunks it removed.
func (s *SQLiteStore) ReplaceDocumentChunks(ctx context.Context, docID string, chunks []*Chunk) ([]string, error) {
	var ids []string
	err := s.withTx(ctx, "replace document chunks", func(tx *sql.Tx) error {
		var err error
		ids, err = deleteChunksOf(ctx, tx, docID)
		if err != nil {
			return err
		}
		for _, c := range chunks {
			if err := insertChunkRow(ctx, tx, c); err != nil {
				return err
			}
		}
		return refreshDocumentCounts(ctx, tx, []string{docID}, false)
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// DeleteDocument removes a document and its chunks.
func (s *SQLiteStore) DeleteDocument(ctx context.Context, docID string) ([]string, error) {
	var ids []string
	err := s.withTx(ctx, "delete document", func(tx *sql.Tx) error {
		var err error
		ids, err = deleteChunksOf(ctx, tx, docID)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, docID)
		return err
	})
	return ids, err
}

func deleteChunksOf(ctx context.Context, tx *sql.Tx, docID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM chunks WHERE document_id = ?`, docID)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM chunks_fts WHERE chunk_id IN (SELECT id FROM chunks WHERE document_id = ?)`, docID); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = ?`, docID); err != nil {
		return nil, err
	}
	return ids, nil
}

// ReplaceChunk deletes the row for c.ID and inserts c in its place, in
// one transaction. It reports false when the ID is unknown.
func (s *SQLiteStore) ReplaceChunk(ctx context.Context, c *Chunk) (bool, error) {
	found := false
	err := s.withTx(ctx, "replace chunk", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE id = ?`, c.ID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			found = false
			return nil
		}
		found = true
		if _, err := tx.ExecContext(ctx, `DELETE FROM chunks_fts WHERE chunk_id = ?`, c.ID); err != nil {
			return err
		}
		return insertChunkRow(ctx, tx, c)
	})
	return found, err
}

const chunkSelect = `SELECT c.id, c.document_id, c.ordinal, c.total_chunks, c.content, c.embedding,
	c.metadata, c.created_at, d.filename, d.format
	FROM chunks c JOIN documents d ON d.id = c.document_id`

func scanChunk(row scanner) (*Chunk, error) {
	var (
		c       Chunk
		blob    []byte
		meta    string
		created int64
	)
	if err := row.Scan(&c.ID, &c.DocumentID, &c.Ordinal, &c.TotalChunks, &c.Content, &blob,
		&meta, &created, &c.Filename, &c.Format); err != nil {
		return nil, err
	}
	c.Embedding = decodeVector(blob)
	c.CreatedAt = time.Unix(0, created)
	if meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &c.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of chunk %s: %w", c.ID, err)
		}
	}
	return &c, nil
}

// GetChunk returns the chunk or nil when unknown.
func (s *SQLiteStore) GetChunk(ctx context.Context, id string) (*Chunk, error) {
	c, err := scanChunk(s.db.QueryRowContext(ctx, chunkSelect+` WHERE c.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("get chunk", err)
	}
	return c, nil
}

// GetChunks loads chunks by ID. Unknown IDs are absent from the map.
func (s *SQLiteStore) GetChunks(ctx context.Context, ids []string) (map[string]*Chunk, error) {
	out := make(map[string]*Chunk, len(ids))
	for start := 0; start < len(ids); start += s.batchSize {
		batch := ids[start:min(start+s.batchSize, len(ids))]
		in, args := inClause(batch)
		if err := s.queryChunks(ctx, chunkSelect+` WHERE c.id IN (`+in+`)`, args, func(c *Chunk) error {
			out[c.ID] = c
			return nil
		}); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ChunksByDocument returns a document's chunks in ordinal order.
func (s *SQLiteStore) ChunksByDocument(ctx context.Context, docID string) ([]*Chunk, error) {
	var out []*Chunk
	err := s.queryChunks(ctx, chunkSelect+` WHERE c.document_id = ? ORDER BY c.ordinal`, []any{docID},
		func(c *Chunk) error {
			out = append(out, c)
			return nil
		})
	return out, err
}

// ScanEmbedded calls fn for every embedded chunk that passes the
// document-level part of f.
func (s *SQLiteStore) ScanEmbedded(ctx context.Context, f Filter, fn func(*Chunk) error) error {
	where, args := f.documentClause()
	query := chunkSelect + ` WHERE c.embedding IS NOT NULL` + where + ` ORDER BY c.id`
	return s.queryChunks(ctx, query, args, fn)
}

// ScanAll calls fn for every chunk.
func (s *SQLiteStore) ScanAll(ctx context.Context, fn func(*Chunk) error) error {
	return s.queryChunks(ctx, chunkSelect+` ORDER BY c.id`, nil, fn)
}

func (s *SQLiteStore) queryChunks(ctx context.Context, query string, args []any, fn func(*Chunk) error) error {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return classify("query chunks", err)
	}
	defer rows.Close()

	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return classify("scan chunk", err)
		}
		if err := fn(c); err != nil {
			return err
		}
	}
	return classify("query chunks", rows.Err())
}

// keywordHit is a raw keyword match; Score is positive, higher is better.
type keywordHit struct {
	ID    string
	Score float64
}

// SearchFTS runs a bm25-ranked FTS5 query over the tokenized terms.
func (s *SQLiteStore) SearchFTS(ctx context.Context, terms []string, limit int) ([]keywordHit, error) {
	if len(terms) == 0 || limit <= 0 {
		return nil, nil
	}

	quoted := make([]string, len(terms))
	for i, t := range terms {
		quoted[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
	}

	// bm25() is negative, lower is better.
	rows, err := s.db.QueryContext(ctx,
		`SELECT chunk_id, bm25(chunks_fts) AS score
		 FROM chunks_fts
		 WHERE chunks_fts MATCH ?
		 ORDER BY score, chunk_id
		 LIMIT ?`,
		strings.Join(quoted, " OR "), limit)
	if err != nil {
		return nil, classify("keyword search", err)
	}
	defer rows.Close()

	var hits []keywordHit
	for rows.Next() {
		var (
			id    string
			score float64
		)
		if err := rows.Scan(&id, &score); err != nil {
			return nil, classify("scan keyword hit", err)
		}
		hits = append(hits, keywordHit{ID: id, Score: -score})
	}
	return hits, classify("keyword search", rows.Err())
}

// Counts returns document, chunk and embedded chunk totals.
func (s *SQLiteStore) Counts(ctx context.Context) (docs, chunks, embedded int, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT (SELECT COUNT(*) FROM documents),
		        (SELECT COUNT(*) FROM chunks),
		        (SELECT COUNT(*) FROM chunks WHERE embedding IS NOT NULL)`).
		Scan(&docs, &chunks, &embedded)
	return docs, chunks, embedded, classify("count rows", err)
}

// Close checkpoints the WAL and closes the database.
func (s *SQLiteStore) Close() error {
	if !(Config{Path: s.path}).inMemory() {
		_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	}
	return s.db.Close()
}

func inClause(ids []string) (string, []any) {
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	return strings.Join(placeholders, ","), args
}

func documentIDs(chunks []*Chunk) []string {
	seen := make(map[string]struct{})
	var ids []string
	for _, c := range chunks {
		if _, ok := seen[c.DocumentID]; ok {
			continue
		}
		seen[c.DocumentID] = struct{}{}
		ids = append(ids, c.DocumentID)
	}
	return ids
}

func encodeMetadata(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// encodeVector stores float32s little-endian. Nil stays NULL.
func encodeVector(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(data []byte) []float32 {
	if len(data) == 0 {
		return nil
	}
	v := make([]float32, len(data)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return v
}
