// Package cache holds search results keyed by query meaning rather than
// query text. A new query is served from the cache when its embedding is
// close enough to one already answered.
package cache

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Aman-CERP/knowpipe/internal/chunk"
	kperrors "github.com/Aman-CERP/knowpipe/internal/errors"
	"github.com/Aman-CERP/knowpipe/internal/store"
)

// Defaults.
const (
	DefaultThreshold     = 0.95
	DefaultTTL           = time.Hour
	DefaultMaxEntries    = 1000
	DefaultSweepInterval = 5 * time.Minute
)

// QueryEmbedder turns a query into a vector. The embedding gateway
// satisfies it.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Config bounds the cache.
type Config struct {
	Threshold     float64
	TTL           time.Duration
	MaxEntries    int
	SweepInterval time.Duration
}

// DefaultConfig returns the default cache settings.
func DefaultConfig() Config {
	return Config{
		Threshold:     DefaultThreshold,
		TTL:           DefaultTTL,
		MaxEntries:    DefaultMaxEntries,
		SweepInterval: DefaultSweepInterval,
	}
}

// Entry is one cached answer. Query, Embedding, Results and the
// timestamps are fixed at creation; HitCount and LastAccessed change
// under mu.
type Entry struct {
	Query     string
	Embedding []float32
	Results   []store.Result
	CreatedAt time.Time
	ExpiresAt time.Time

	mu           sync.Mutex
	hitCount     int
	lastAccessed time.Time
}

// HitCount returns how many times the entry has been served.
func (e *Entry) HitCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hitCount
}

// LastAccessed returns when the entry was last served or stored.
func (e *Entry) LastAccessed() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastAccessed
}

// Hit is a cache answer.
type Hit struct {
	Query      string
	Similarity float64
	Results    []store.Result
	HitCount   int
}

// Stats reports cache activity.
type Stats struct {
	Entries int   `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Stores  int64 `json:"stores"`
}

// Cache is a similarity-keyed result cache.
type Cache struct {
	cfg      Config
	embedder QueryEmbedder
	entries  *lru.Cache[string, *Entry]
	now      func() time.Time

	hits   atomic.Int64
	misses atomic.Int64
	stores atomic.Int64

	sweepMu sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a cache. Zero config fields take their defaults.
func New(embedder QueryEmbedder, cfg Config) *Cache {
	def := DefaultConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = def.MaxEntries
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	entries, _ := lru.New[string, *Entry](cfg.MaxEntries)
	return &Cache{cfg: cfg, embedder: embedder, entries: entries, now: time.Now}
}

func normalizeQuery(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(q)), " ")
}

// Check looks for a live entry whose query embedding has cosine
// similarity of at least Threshold with query's. Failures are logged and
// reported as a miss.
func (c *Cache) Check(ctx context.Context, query string) (*Hit, bool) {
	vec, err := c.embed(ctx, query)
	if err != nil {
		c.fail(ctx, "check", err)
		c.misses.Add(1)
		return nil, false
	}

	now := c.now()
	var (
		best    *Entry
		bestKey string
		bestSim float64
	)
	for _, key := range c.entries.Keys() {
		e, ok := c.entries.Peek(key)
		if !ok || !now.Before(e.ExpiresAt) {
			continue
		}
		if len(e.Embedding) != len(vec) {
			c.fail(ctx, "check", kperrors.New(kperrors.ErrCodeDimensionMismatch, "cached embedding has another size", nil))
			continue
		}
		sim := chunk.CosineSimilarity(vec, e.Embedding)
		if sim >= c.cfg.Threshold && (best == nil || sim > bestSim) {
			best, bestKey, bestSim = e, key, sim
		}
	}
	if best == nil {
		c.misses.Add(1)
		return nil, false
	}

	// Bump recency.
	c.entries.Get(bestKey)

	best.mu.Lock()
	best.hitCount++
	best.lastAccessed = now
	count := best.hitCount
	best.mu.Unlock()

	c.hits.Add(1)
	slog.Debug("cache_hit",
		slog.String("query", query),
		slog.String("cached_query", best.Query),
		slog.Float64("similarity", bestSim))
	return &Hit{
		Query:      best.Query,
		Similarity: bestSim,
		Results:    append([]store.Result(nil), best.Results...),
		HitCount:   count,
	}, true
}

// Update stores results for query when the top result scores above
// Threshold. It reports whether an entry was written.
func (c *Cache) Update(ctx context.Context, query string, results []store.Result) bool {
	if len(results) == 0 || results[0].Score <= c.cfg.Threshold {
		return false
	}
	vec, err := c.embed(ctx, query)
	if err != nil {
		c.fail(ctx, "update", err)
		return false
	}

	now := c.now()
	e := &Entry{
		Query:        query,
		Embedding:    vec,
		Results:      append([]store.Result(nil), results...),
		CreatedAt:    now,
		ExpiresAt:    now.Add(c.cfg.TTL),
		lastAccessed: now,
	}
	c.entries.Add(normalizeQuery(query), e)
	c.stores.Add(1)
	return true
}

func (c *Cache) embed(ctx context.Context, query string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vec, err := c.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	if len(vec) == 0 {
		return nil, kperrors.New(kperrors.ErrCodeEmbeddingFailed, "empty query embedding", nil)
	}
	return vec, nil
}

func (c *Cache) fail(ctx context.Context, op string, err error) {
	cerr := kperrors.CacheError(op+" failed", err).WithDetail("op", op)
	slog.LogAttrs(ctx, slog.LevelWarn, "cache_failed", kperrors.LogAttrs(cerr)...)
}

// Flush drops every entry.
func (c *Cache) Flush() {
	c.entries.Purge()
}

// Sweep removes expired entries and returns how many went.
func (c *Cache) Sweep() int {
	now := c.now()
	removed := 0
	for _, key := range c.entries.Keys() {
		if e, ok := c.entries.Peek(key); ok && !now.Before(e.ExpiresAt) {
			c.entries.Remove(key)
			removed++
		}
	}
	return removed
}

// Start runs Sweep every SweepInterval until Stop or ctx ends. Calling
// Start on a running cache does nothing.
func (c *Cache) Start(ctx context.Context) {
	c.sweepMu.Lock()
	defer c.sweepMu.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(c.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := c.Sweep(); n > 0 {
					slog.Debug("cache_swept", slog.Int("removed", n))
				}
			}
		}
	}(c.done)
}

// Stop ends the sweep loop and waits for it.
func (c *Cache) Stop() {
	c.sweepMu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.sweepMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// Stats returns counters and the live entry count.
func (c *Cache) Stats() Stats {
	return Stats{
		Entries: c.entries.Len(),
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Stores:  c.stores.Load(),
	}
}
