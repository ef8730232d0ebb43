package search

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	kperrors "github.com/Aman-CERP/knowpipe/internal/errors"
	"github.com/Aman-CERP/knowpipe/internal/store"
)

// Config holds the service defaults.
type Config struct {
	K              int
	ScoreThreshold float64
	Mode           Mode
	KeywordWeight  float64
	MaxQueryLength int
}

// DefaultConfig returns K 5, threshold 0.7, hybrid mode, keyword weight
// 0.3 and a 2000 character query limit.
func DefaultConfig() Config {
	return Config{
		K:              DefaultK,
		ScoreThreshold: DefaultScoreThreshold,
		Mode:           ModeHybrid,
		KeywordWeight:  DefaultKeywordWeight,
		MaxQueryLength: DefaultMaxQueryLength,
	}
}

// Option configures a Service.
type Option func(*Service)

// WithCache puts c in front of searches in mode. Each mode has its own
// cache so a keyword answer never serves a semantic query.
func WithCache(mode Mode, c ResultCache) Option {
	return func(s *Service) {
		if c != nil {
			s.caches[mode] = c
		}
	}
}

// Service runs searches. It holds no locks across store or embedder
// calls.
type Service struct {
	store    Store
	embedder QueryEmbedder
	cfg      Config
	caches   map[Mode]ResultCache
}

// NewService creates a search service. embedder may be nil, which limits
// the service to keyword mode.
func NewService(st Store, embedder QueryEmbedder, cfg Config, opts ...Option) *Service {
	def := DefaultConfig()
	if cfg.K <= 0 {
		cfg.K = def.K
	}
	if cfg.Mode == "" {
		cfg.Mode = def.Mode
	}
	if cfg.MaxQueryLength <= 0 {
		cfg.MaxQueryLength = def.MaxQueryLength
	}
	s := &Service{store: st, embedder: embedder, cfg: cfg, caches: make(map[Mode]ResultCache)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// resolved is Options with defaults applied.
type resolved struct {
	k         int
	threshold float64
	mode      Mode
	weight    float64
	filter    store.Filter
	cacheable bool
}

func (s *Service) resolve(query string, opts Options) (resolved, error) {
	if strings.TrimSpace(query) == "" {
		return resolved{}, kperrors.New(kperrors.ErrCodeQueryEmpty, "query is empty", nil)
	}
	if n := utf8.RuneCountInString(query); n > s.cfg.MaxQueryLength {
		return resolved{}, kperrors.New(kperrors.ErrCodeQueryTooLong, "query is too long", nil).
			WithDetail("length", strconv.Itoa(n)).
			WithDetail("max", strconv.Itoa(s.cfg.MaxQueryLength))
	}

	r := resolved{
		k:         s.cfg.K,
		threshold: s.cfg.ScoreThreshold,
		mode:      s.cfg.Mode,
		weight:    s.cfg.KeywordWeight,
		filter:    opts.Filter,
	}
	if opts.K < 0 || opts.K > MaxK {
		return resolved{}, invalidOption("k must be between 1 and %d, got %d", MaxK, opts.K)
	}
	if opts.K > 0 {
		r.k = opts.K
	}
	if opts.Mode != "" {
		r.mode = opts.Mode
	}
	switch r.mode {
	case ModeSemantic, ModeKeyword, ModeHybrid:
	default:
		return resolved{}, invalidOption("unknown search mode %q", r.mode)
	}
	if opts.ScoreThreshold != nil {
		r.threshold = *opts.ScoreThreshold
	}
	if r.threshold < 0 || r.threshold > 1 {
		return resolved{}, invalidOption("score_threshold must be in [0,1], got %g", r.threshold)
	}
	if opts.KeywordWeight != nil {
		r.weight = *opts.KeywordWeight
	}
	if r.weight < 0 || r.weight > 1 {
		return resolved{}, invalidOption("keyword_weight must be in [0,1], got %g", r.weight)
	}
	if r.mode != ModeKeyword && s.embedder == nil {
		return resolved{}, invalidOption("mode %s needs an embedding provider", r.mode)
	}

	// Only default-shaped queries are cached: a hit must be valid for
	// whoever asks the same thing.
	r.cacheable = !opts.SkipCache &&
		opts.Filter.Empty() &&
		r.k == s.cfg.K &&
		r.threshold == s.cfg.ScoreThreshold &&
		r.weight == s.cfg.KeywordWeight
	return r, nil
}

func invalidOption(format string, args ...any) error {
	return kperrors.New(kperrors.ErrCodeInvalidOption, fmt.Sprintf(format, args...), nil)
}

// Search validates the query, checks the cache, runs the store search
// for the mode and offers the answer to the cache. Store and embedding
// failures come back as ERR_503_SEARCH_FAILED.
func (s *Service) Search(ctx context.Context, query string, opts Options) (*Response, error) {
	start := time.Now()
	r, err := s.resolve(query, opts)
	if err != nil {
		return nil, err
	}

	var rc ResultCache
	if r.cacheable {
		rc = s.caches[r.mode]
	}
	if rc != nil {
		if hit, ok := rc.Check(ctx, query); ok {
			return s.respond(query, r, hit.Results, true, false, start), nil
		}
	}

	results, degraded, err := s.run(ctx, query, r)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "search_failed", kperrors.LogAttrs(err)...)
		return nil, kperrors.New(kperrors.ErrCodeSearchFailed, "search failed", err).
			WithDetail("mode", string(r.mode))
	}
	if rc != nil && !degraded {
		rc.Update(ctx, query, results)
	}
	return s.respond(query, r, results, false, degraded, start), nil
}

// run dispatches on mode. A hybrid search whose query embedding fails
// degrades to keyword only. In hybrid mode the threshold gates the semantic
// candidates before the merge; the combined score is never thresholded, so
// a keyword-only hit survives with a zero semantic contribution.
func (s *Service) run(ctx context.Context, query string, r resolved) ([]store.Result, bool, error) {
	switch r.mode {
	case ModeSemantic:
		vec, err := s.embedder.EmbedQuery(ctx, query)
		if err != nil {
			return nil, false, err
		}
		results, err := s.store.SimilaritySearch(ctx, vec, r.k, r.threshold, r.filter)
		return results, false, err

	case ModeKeyword:
		results, err := s.store.KeywordSearch(ctx, query, r.k, r.filter)
		if err != nil {
			return nil, false, err
		}
		return applyThreshold(results, r.threshold), false, nil

	default:
		degraded := false
		vec, err := s.embedder.EmbedQuery(ctx, query)
		if err != nil {
			if ctx.Err() != nil {
				return nil, false, err
			}
			slog.LogAttrs(ctx, slog.LevelWarn, "search_degraded_keyword_only", kperrors.LogAttrs(err)...)
			vec, degraded = nil, true
		}
		results, err := s.store.HybridSearch(ctx, query, vec, r.k, r.weight, r.threshold, r.filter)
		if err != nil {
			return nil, false, err
		}
		return results, degraded, nil
	}
}

func applyThreshold(results []store.Result, threshold float64) []store.Result {
	out := results[:0]
	for _, res := range results {
		if res.Score >= threshold {
			out = append(out, res)
		}
	}
	return out
}

func (s *Service) respond(query string, r resolved, results []store.Result, cached, degraded bool, start time.Time) *Response {
	out := make([]Result, 0, len(results))
	for _, res := range results {
		c := res.Chunk
		sem, kw := res.SemanticScore, res.KeywordScore
		switch r.mode {
		case ModeSemantic:
			sem = res.Score
		case ModeKeyword:
			kw = res.Score
		}
		out = append(out, Result{
			ID:            c.ID,
			DocumentID:    c.DocumentID,
			Filename:      c.Filename,
			Ordinal:       c.Ordinal,
			Content:       c.Content,
			Metadata:      c.Metadata,
			Score:         res.Score,
			SemanticScore: sem,
			KeywordScore:  kw,
		})
	}
	took := time.Since(start)
	slog.Debug("search_completed",
		slog.String("mode", string(r.mode)),
		slog.Int("results", len(out)),
		slog.Bool("cached", cached),
		slog.Duration("duration", took))
	return &Response{
		Query:    query,
		Mode:     r.mode,
		Results:  out,
		Cached:   cached,
		Degraded: degraded,
		Took:     took,
		TookMs:   float64(took.Microseconds()) / 1000,
	}
}
