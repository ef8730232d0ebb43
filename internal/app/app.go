// Package app assembles the ingestion pipeline, the retrieval store and
// the search service from configuration. The daemon, the MCP server and
// the in-process CLI all drive the same App.
package app

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Aman-CERP/knowpipe/internal/cache"
	"github.com/Aman-CERP/knowpipe/internal/chunk"
	"github.com/Aman-CERP/knowpipe/internal/config"
	"github.com/Aman-CERP/knowpipe/internal/embed"
	kperrors "github.com/Aman-CERP/knowpipe/internal/errors"
	"github.com/Aman-CERP/knowpipe/internal/ingest"
	"github.com/Aman-CERP/knowpipe/internal/parse"
	"github.com/Aman-CERP/knowpipe/internal/search"
	"github.com/Aman-CERP/knowpipe/internal/store"
	"github.com/Aman-CERP/knowpipe/pkg/version"
)

// cachedModes are the search modes that get a result cache. Keyword
// search is cheap and would pay for a query embedding it does not need.
var cachedModes = []search.Mode{search.ModeSemantic, search.ModeHybrid}

// App owns every long-lived component.
type App struct {
	cfg     *config.Config
	lock    *DataDirLock
	gateway *embed.Gateway
	store   *store.Store
	caches  map[search.Mode]*cache.Cache
	ingest  *ingest.Orchestrator
	search  *search.Service
	started time.Time

	closeOnce sync.Once
	closeErr  error
}

// Option adjusts Open.
type Option func(*options)

type options struct {
	embedder embed.Embedder
}

// WithEmbedder uses e instead of the configured provider.
func WithEmbedder(e embed.Embedder) Option {
	return func(o *options) { o.embedder = e }
}

// Open locks the data directory and starts the pipeline. Close releases
// everything Open acquired.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{cfg: cfg, caches: make(map[search.Mode]*cache.Cache), started: time.Now()}
	a.lock = NewDataDirLock(cfg.DataDir)
	if err := a.lock.TryLock(); err != nil {
		return nil, err
	}

	provider := o.embedder
	if provider == nil {
		p, err := embed.ParseProvider(cfg.Embeddings.Provider)
		if err != nil {
			a.abort()
			return nil, err
		}
		provider, err = embed.NewEmbedder(ctx, embed.FactoryConfig{
			Provider:   p,
			Model:      cfg.Embeddings.Model,
			Host:       cfg.Embeddings.OllamaHost,
			Dimensions: cfg.Embeddings.Dimensions,
			Timeout:    cfg.Embeddings.Timeout,
			CacheSize:  cfg.Embeddings.CacheSize,
		})
		if err != nil {
			a.abort()
			return nil, err
		}
	}
	retry := retryPolicy(cfg.Retry)
	a.gateway = embed.NewGateway(provider, embed.GatewayConfig{
		BatchSize:          cfg.Embeddings.BatchSize,
		MaxInFlight:        cfg.Embeddings.MaxInFlight,
		MaxQueueDepth:      cfg.Embeddings.MaxQueueDepth,
		RequestsPerSecond:  cfg.Embeddings.RequestsPerSecond,
		Retry:              retry,
		CircuitMaxFailures: cfg.Embeddings.CircuitMaxFailures,
		CircuitReset:       cfg.Embeddings.CircuitReset,
	})

	st, err := store.Open(ctx, store.Config{
		Path:           cfg.DBPath(),
		KeywordBackend: store.KeywordBackend(cfg.Store.KeywordBackend),
		BatchSize:      cfg.Store.BatchSize,
		Dimensions:     a.gateway.Dimensions(),
		HNSWM:          cfg.Store.HNSWM,
		HNSWEfSearch:   cfg.Store.HNSWEfSearch,
		Retry:          retry,
	})
	if err != nil {
		a.abort()
		return nil, err
	}
	a.store = st

	var searchOpts []search.Option
	if cfg.Cache.Enabled {
		for _, mode := range cachedModes {
			c := cache.New(a.gateway, cache.Config{
				Threshold:     cfg.Cache.Threshold,
				TTL:           cfg.Cache.TTL,
				MaxEntries:    cfg.Cache.MaxEntries,
				SweepInterval: cfg.Cache.SweepInterval,
			})
			c.Start(context.Background())
			a.caches[mode] = c
			searchOpts = append(searchOpts, search.WithCache(mode, c))
		}
	}

	a.ingest = ingest.New(ingest.Config{
		Workers:          cfg.Ingest.Workers,
		QueueSize:        cfg.Ingest.QueueSize,
		Retention:        cfg.Ingest.Retention,
		MaxDocumentBytes: cfg.Ingest.MaxDocumentBytes,
		Chunking: chunk.Options{
			MinChunkSize:        cfg.Chunking.MinChunkSize,
			MaxDepth:            cfg.Chunking.MaxDepth,
			SimilarityThreshold: cfg.Chunking.SimilarityThreshold,
			Tolerance:           cfg.Chunking.Tolerance,
		},
		ContextExcerpt: cfg.Chunking.ContextExcerpt,
		OnCommit:       func(string) { a.flushCaches() },
	}, parse.DefaultRegistry(), a.gateway, st)

	a.search = search.NewService(st, a.gateway, search.Config{
		K:              cfg.Search.K,
		ScoreThreshold: cfg.Search.ScoreThreshold,
		Mode:           search.Mode(cfg.Search.Mode),
		KeywordWeight:  cfg.Search.KeywordWeight,
		MaxQueryLength: cfg.Search.MaxQueryLength,
	}, searchOpts...)

	slog.Info("app_started",
		slog.String("data_dir", cfg.DataDir),
		slog.String("model", a.gateway.ModelName()),
		slog.Int("dimensions", a.gateway.Dimensions()),
		slog.Bool("cache", cfg.Cache.Enabled))
	return a, nil
}

func retryPolicy(c config.RetryConfig) kperrors.RetryPolicy {
	p := kperrors.DefaultRetryPolicy()
	if c.MaxAttempts > 0 {
		p.MaxAttempts = c.MaxAttempts
	}
	if c.InitialDelay > 0 {
		p.InitialDelay = c.InitialDelay
	}
	if c.MaxDelay > 0 {
		p.MaxDelay = c.MaxDelay
	}
	if c.Multiplier > 0 {
		p.Multiplier = c.Multiplier
	}
	p.Jitter = c.Jitter
	return p
}

// abort releases what a failed Open acquired.
func (a *App) abort() {
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.gateway != nil {
		_ = a.gateway.Close()
	}
	_ = a.lock.Unlock()
}

// Config returns the effective configuration.
func (a *App) Config() *config.Config { return a.cfg }

// IngestDefaults returns ingest options seeded from the chunking config.
// Decode request options into this value.
func (a *App) IngestDefaults() ingest.Options {
	return IngestDefaults(a.cfg)
}

// IngestDefaults returns the ingest options cfg implies. Callers that talk
// to a daemon use it without opening an App.
func IngestDefaults(cfg *config.Config) ingest.Options {
	opts := ingest.DefaultOptions()
	if cfg.Chunking.Strategy != "" {
		opts.ChunkingStrategy = chunk.Strategy(cfg.Chunking.Strategy)
	}
	if cfg.Chunking.ChunkSize > 0 {
		opts.ChunkSize = cfg.Chunking.ChunkSize
	}
	opts.ChunkOverlap = cfg.Chunking.ChunkOverlap
	return opts
}

// Ingest queues one document and returns its job ID.
func (a *App) Ingest(ctx context.Context, req ingest.Request) (string, error) {
	return a.ingest.Submit(ctx, req)
}

// IngestBatch queues documents as one batch.
func (a *App) IngestBatch(ctx context.Context, reqs []ingest.Request) (string, []string, error) {
	return a.ingest.SubmitBatch(ctx, reqs)
}

// JobStatus returns a job snapshot.
func (a *App) JobStatus(id string) (ingest.JobSnapshot, error) {
	return a.ingest.Status(id)
}

// BatchStatus returns a batch aggregate.
func (a *App) BatchStatus(id string) (ingest.BatchSnapshot, error) {
	return a.ingest.BatchStatus(id)
}

// Cancel cancels a queued or running job.
func (a *App) Cancel(id string) error {
	return a.ingest.Cancel(id)
}

// Jobs lists tracked jobs.
func (a *App) Jobs() []ingest.JobSnapshot {
	return a.ingest.List()
}

// Search runs a query.
func (a *App) Search(ctx context.Context, query string, opts search.Options) (*search.Response, error) {
	return a.search.Search(ctx, query, opts)
}

// GetChunk returns one stored chunk.
func (a *App) GetChunk(ctx context.Context, id string) (*store.Chunk, error) {
	return a.store.GetChunk(ctx, id)
}

// Documents lists stored documents.
func (a *App) Documents(ctx context.Context) ([]*store.Document, error) {
	return a.store.ListDocuments(ctx)
}

// DeleteChunks removes chunks by ID and returns how many existed.
func (a *App) DeleteChunks(ctx context.Context, ids []string) (int, error) {
	var clean []string
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			clean = append(clean, id)
		}
	}
	if len(clean) == 0 {
		return 0, kperrors.ValidationError("at least one chunk id is required", nil)
	}
	n, err := a.store.DeleteChunks(ctx, clean)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		a.flushCaches()
	}
	return n, nil
}

// DeleteDocument removes the document stored under filename along with
// its chunks.
func (a *App) DeleteDocument(ctx context.Context, filename string) (int, error) {
	n, err := a.store.DeleteDocument(ctx, ingest.DocumentID(filename))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		a.flushCaches()
	}
	return n, nil
}

// UpdateChunk replaces a chunk's content. A chunk that was embedded is
// re-embedded through the gateway; one stored without a vector stays
// keyword-only.
func (a *App) UpdateChunk(ctx context.Context, id, content string) (*store.Chunk, error) {
	if strings.TrimSpace(id) == "" {
		return nil, kperrors.ValidationError("chunk id is required", nil)
	}
	if strings.TrimSpace(content) == "" {
		return nil, kperrors.ValidationError("chunk content is empty", nil)
	}
	old, err := a.store.GetChunk(ctx, id)
	if err != nil {
		return nil, err
	}

	var vec []float32
	if len(old.Embedding) > 0 {
		if vec, err = a.gateway.EmbedQuery(ctx, content); err != nil {
			return nil, err
		}
	}
	updated, err := a.store.UpdateChunk(ctx, id, content, vec)
	if err != nil {
		return nil, err
	}
	a.flushCaches()
	return updated, nil
}

func (a *App) flushCaches() {
	for _, c := range a.caches {
		c.Flush()
	}
}

// EmbedderStatus describes the active provider.
type EmbedderStatus struct {
	Model      string `json:"model"`
	Dimensions int    `json:"dimensions"`
}

// Status is a point-in-time view of the whole app.
type Status struct {
	Version       string                 `json:"version"`
	DataDir       string                 `json:"data_dir"`
	UptimeSeconds float64                `json:"uptime_seconds"`
	Embedder      EmbedderStatus         `json:"embedder"`
	Gateway       embed.GatewayStats     `json:"gateway"`
	Store         store.Stats            `json:"store"`
	Ingest        ingest.Stats           `json:"ingest"`
	Cache         map[string]cache.Stats `json:"cache,omitempty"`
}

// Status gathers component stats.
func (a *App) Status(ctx context.Context) (Status, error) {
	st, err := a.store.Stats(ctx)
	if err != nil {
		return Status{}, err
	}
	s := Status{
		Version:       version.Short(),
		DataDir:       a.cfg.DataDir,
		UptimeSeconds: time.Since(a.started).Seconds(),
		Embedder:      EmbedderStatus{Model: a.gateway.ModelName(), Dimensions: a.gateway.Dimensions()},
		Gateway:       a.gateway.Stats(),
		Store:         st,
		Ingest:        a.ingest.Stats(),
	}
	if len(a.caches) > 0 {
		s.Cache = make(map[string]cache.Stats, len(a.caches))
		for mode, c := range a.caches {
			s.Cache[string(mode)] = c.Stats()
		}
	}
	return s, nil
}

// Close drains the orchestrator within ctx, then closes the caches, the
// store and the provider and releases the data directory. It is safe to
// call more than once.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		var errs []error
		if err := a.ingest.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		for _, c := range a.caches {
			c.Stop()
		}
		if err := a.store.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := a.gateway.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := a.lock.Unlock(); err != nil {
			errs = append(errs, err)
		}
		a.closeErr = errors.Join(errs...)
		slog.Info("app_stopped", slog.String("data_dir", a.cfg.DataDir))
	})
	return a.closeErr
}
