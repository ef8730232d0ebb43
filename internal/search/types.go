// Package search answers queries against the retrieval store in
// semantic, keyword or hybrid mode, with an optional similarity cache in
// front.
package search

import (
	"context"
	"time"

	"github.com/Aman-CERP/knowpipe/internal/cache"
	"github.com/Aman-CERP/knowpipe/internal/store"
)

// Mode selects the retrieval signal.
type Mode string

const (
	ModeSemantic Mode = "semantic"
	ModeKeyword  Mode = "keyword"
	ModeHybrid   Mode = "hybrid"
)

// Defaults
const (
	DefaultK              = 5
	MaxK                  = 100
	DefaultScoreThreshold = 0.7
	DefaultKeywordWeight  = 0.3
	DefaultMaxQueryLength = 2000
)

// Options tunes one search. Nil pointers take the service defaults.
type Options struct {
	// K is the number of results (default 5, max 100).
	K int `json:"k,omitempty"`

	// ScoreThreshold drops results whose final score is lower.
	ScoreThreshold *float64 `json:"score_threshold,omitempty"`

	Mode Mode `json:"mode,omitempty"`

	// KeywordWeight is the keyword share of the hybrid score.
	KeywordWeight *float64 `json:"keyword_weight,omitempty"`

	Filter store.Filter `json:"filter,omitempty"`

	// SkipCache bypasses the result cache for both lookup and store.
	SkipCache bool `json:"skip_cache,omitempty"`
}

// Float returns a pointer to v, for Options fields.
func Float(v float64) *float64 { return &v }

// Result is one ranked chunk.
type Result struct {
	ID            string         `json:"id"`
	DocumentID    string         `json:"document_id"`
	Filename      string         `json:"filename"`
	Ordinal       int            `json:"ordinal"`
	Content       string         `json:"content"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Score         float64        `json:"score"`
	SemanticScore float64        `json:"semantic_score"`
	KeywordScore  float64        `json:"keyword_score"`
}

// Response is a search answer. An empty Results with a nil error means
// nothing matched.
type Response struct {
	Query    string        `json:"query"`
	Mode     Mode          `json:"mode"`
	Results  []Result      `json:"results"`
	Cached   bool          `json:"cached"`
	Degraded bool          `json:"degraded,omitempty"`
	Took     time.Duration `json:"-"`
	TookMs   float64       `json:"took_ms"`
}

// Store is the retrieval surface the service needs.
type Store interface {
	SimilaritySearch(ctx context.Context, vec []float32, k int, threshold float64, f store.Filter) ([]store.Result, error)
	KeywordSearch(ctx context.Context, query string, k int, f store.Filter) ([]store.Result, error)
	HybridSearch(ctx context.Context, query string, vec []float32, k int, weight, threshold float64, f store.Filter) ([]store.Result, error)
}

// QueryEmbedder embeds queries.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// ResultCache is a similarity cache; *cache.Cache implements it.
type ResultCache interface {
	Check(ctx context.Context, query string) (*cache.Hit, bool)
	Update(ctx context.Context, query string, results []store.Result) bool
}

var _ ResultCache = (*cache.Cache)(nil)
