// Package chunk splits parsed document text into retrieval chunks.
package chunk

import (
	"context"
	"fmt"
	"sort"
	"sync"

	kperrors "github.com/Aman-CERP/knowpipe/internal/errors"
	"github.com/Aman-CERP/knowpipe/internal/parse"
)

// Strategy names a chunking algorithm.
type Strategy string

const (
	StrategyFixed     Strategy = "fixed-size"
	StrategyRecursive Strategy = "recursive"
	StrategySemantic  Strategy = "semantic"
)

// Defaults
const (
	DefaultChunkSize           = 1000
	DefaultChunkOverlap        = 200
	DefaultMinChunkSize        = 100
	DefaultMaxDepth            = 8
	DefaultSimilarityThreshold = 0.75
	DefaultTolerance           = 10
	DefaultExcerptLen          = 100
)

// Metadata keys written by the chunkers.
const (
	MetaHeadingPath = "heading_path"
	MetaSectionPath = "section_path"
	MetaPage        = "page"
	MetaLanguage    = "language"
	MetaDepth       = "depth"
	MetaForced      = "forced_split"
	MetaKeywords    = "keywords"
	MetaStrategy    = "strategy"

	// Neighbour excerpts written at ingestion when context excerpts are on.
	MetaContextPrev = "context_prev"
	MetaContextNext = "context_next"
)

// Chunk is one span of document text.
type Chunk struct {
	Content  string
	Ordinal  int
	Offset   int // byte offset of Content in the source text
	Metadata map[string]any
}

// Options tunes a chunker. Zero fields take defaults.
type Options struct {
	ChunkSize           int
	ChunkOverlap        int
	MinChunkSize        int
	MaxChunkSize        int // defaults to ChunkSize
	MaxDepth            int
	SimilarityThreshold float64
	Tolerance           int
}

// DefaultOptions returns the default chunking options.
func DefaultOptions() Options {
	return Options{
		ChunkSize:           DefaultChunkSize,
		ChunkOverlap:        DefaultChunkOverlap,
		MinChunkSize:        DefaultMinChunkSize,
		MaxChunkSize:        DefaultChunkSize,
		MaxDepth:            DefaultMaxDepth,
		SimilarityThreshold: DefaultSimilarityThreshold,
		Tolerance:           DefaultTolerance,
	}
}

// withDefaults fills zero fields. Negative values are left for Validate.
func (o Options) withDefaults() Options {
	if o.ChunkSize == 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.MinChunkSize == 0 {
		o.MinChunkSize = DefaultMinChunkSize
	}
	if o.MaxChunkSize == 0 {
		o.MaxChunkSize = o.ChunkSize
	}
	if o.MaxDepth == 0 {
		o.MaxDepth = DefaultMaxDepth
	}
	if o.SimilarityThreshold == 0 {
		o.SimilarityThreshold = DefaultSimilarityThreshold
	}
	if o.Tolerance == 0 {
		o.Tolerance = DefaultTolerance
	}
	return o
}

// Validate checks the options after defaults are applied.
func (o Options) Validate() error {
	o = o.withDefaults()
	switch {
	case o.ChunkSize < 1:
		return invalidOption("chunk_size must be positive, got %d", o.ChunkSize)
	case o.ChunkOverlap < 0:
		return invalidOption("chunk_overlap must not be negative, got %d", o.ChunkOverlap)
	case o.ChunkOverlap >= o.ChunkSize:
		return invalidOption("chunk_overlap (%d) must be smaller than chunk_size (%d)", o.ChunkOverlap, o.ChunkSize)
	case o.MinChunkSize < 0:
		return invalidOption("min_chunk_size must not be negative, got %d", o.MinChunkSize)
	case o.MaxChunkSize < 1:
		return invalidOption("max_chunk_size must be positive, got %d", o.MaxChunkSize)
	case o.MaxDepth < 1:
		return invalidOption("max_depth must be positive, got %d", o.MaxDepth)
	case o.SimilarityThreshold < -1 || o.SimilarityThreshold > 1:
		return invalidOption("similarity_threshold must be in [-1, 1], got %g", o.SimilarityThreshold)
	case o.Tolerance < 0:
		return invalidOption("tolerance must not be negative, got %d", o.Tolerance)
	}
	return nil
}

func invalidOption(format string, args ...any) error {
	return kperrors.New(kperrors.ErrCodeInvalidOption, fmt.Sprintf(format, args...), nil)
}

// Chunker splits text into chunks. structure may be nil.
type Chunker interface {
	Strategy() Strategy
	Chunk(ctx context.Context, text string, structure *parse.Structure, opts Options) ([]Chunk, error)
}

// EmbedFunc embeds a batch of texts. The semantic chunker uses it to
// compare sentence groups.
type EmbedFunc func(ctx context.Context, texts []string) ([][]float32, error)

// Deps are the collaborators a strategy may use.
type Deps struct {
	Embed EmbedFunc
}

// Constructor builds a Chunker.
type Constructor func(Deps) Chunker

var (
	registryMu sync.RWMutex
	registry   = map[Strategy]Constructor{}
)

// Register makes a strategy available to New. Strategies register
// themselves at init.
func Register(s Strategy, c Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[s] = c
}

// New returns the chunker registered for s.
func New(s Strategy, deps Deps) (Chunker, error) {
	registryMu.RLock()
	c, ok := registry[s]
	registryMu.RUnlock()
	if !ok {
		return nil, invalidOption("unknown chunking strategy %q", string(s))
	}
	return c(deps), nil
}

// Strategies returns the registered strategy names, sorted.
func Strategies() []Strategy {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]Strategy, 0, len(registry))
	for s := range registry {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
