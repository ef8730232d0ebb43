// Package store persists documents and chunks in SQLite and serves
// similarity, keyword and hybrid retrieval over them. SQLite is the
// source of truth; the HNSW graph and the optional Bleve index are
// derived from it and rebuilt on open.
package store

import (
	"time"

	kperrors "github.com/Aman-CERP/knowpipe/internal/errors"
)

// Reserved filter keys. They match document columns rather than chunk
// metadata.
const (
	FilterDocumentID = "document_id"
	FilterFilename   = "filename"
	FilterFormat     = "format"
)

// KeywordBackend selects the keyword search implementation.
type KeywordBackend string

const (
	// KeywordBackendSQLite uses the FTS5 table inside the store database.
	KeywordBackendSQLite KeywordBackend = "sqlite"

	// KeywordBackendBleve uses a Bleve index next to the database.
	KeywordBackendBleve KeywordBackend = "bleve"
)

// Defaults.
const (
	DefaultBatchSize    = 100
	DefaultHNSWM        = 16
	DefaultHNSWEfSearch = 64

	// oversampleFactor and minCandidates size HNSW queries so that
	// post-filtering still leaves k results.
	oversampleFactor = 4
	minCandidates    = 50
)

// Document is the stored record of an ingested document.
type Document struct {
	ID         string    `json:"id"`
	Filename   string    `json:"filename"`
	Format     string    `json:"format"`
	ChunkCount int       `json:"chunk_count"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Chunk is a stored retrievable unit. Chunks are immutable once written;
// UpdateChunk replaces a row rather than patching it.
type Chunk struct {
	ID          string         `json:"id"`
	DocumentID  string         `json:"document_id"`
	Ordinal     int            `json:"ordinal"`
	TotalChunks int            `json:"total_chunks"`
	Content     string         `json:"content"`
	Embedding   []float32      `json:"-"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`

	// Filename and Format are joined from the owning document on read.
	Filename string `json:"filename,omitempty"`
	Format   string `json:"format,omitempty"`
}

// Result is one search hit. Score is in [0,1]. SemanticScore and
// KeywordScore are set by hybrid search; a missing signal is 0.
type Result struct {
	Chunk         *Chunk  `json:"chunk"`
	Score         float64 `json:"score"`
	SemanticScore float64 `json:"semantic_score"`
	KeywordScore  float64 `json:"keyword_score"`
}

// Stats summarizes store contents.
type Stats struct {
	Documents      int            `json:"documents"`
	Chunks         int            `json:"chunks"`
	Embedded       int            `json:"embedded"`
	Dimensions     int            `json:"dimensions"`
	KeywordBackend KeywordBackend `json:"keyword_backend"`
	Vectors        HNSWStats      `json:"vectors"`
}

// Config configures Open.
type Config struct {
	// Path is the SQLite file. ":memory:" or "" keeps everything in memory.
	Path string

	KeywordBackend KeywordBackend

	// BatchSize is the number of rows per write transaction.
	BatchSize int

	// Dimensions pins the vector size. Zero adopts the size recorded in
	// the database, or the size of the first vector written.
	Dimensions int

	HNSWM        int
	HNSWEfSearch int

	// Retry governs busy-database retries. The zero value uses
	// DefaultRetryPolicy.
	Retry kperrors.RetryPolicy
}

func (c Config) inMemory() bool {
	return c.Path == "" || c.Path == ":memory:"
}

func (c Config) withDefaults() Config {
	if c.KeywordBackend == "" {
		c.KeywordBackend = KeywordBackendSQLite
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.HNSWM <= 0 {
		c.HNSWM = DefaultHNSWM
	}
	if c.HNSWEfSearch <= 0 {
		c.HNSWEfSearch = DefaultHNSWEfSearch
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = kperrors.DefaultRetryPolicy()
	}
	return c
}
