package embed

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	kperrors "github.com/Aman-CERP/knowpipe/internal/errors"
)

// GatewayConfig bounds how the gateway talks to its provider.
type GatewayConfig struct {
	// BatchSize is the number of texts per provider call.
	BatchSize int

	// MaxInFlight is the number of concurrent provider calls.
	MaxInFlight int

	// MaxQueueDepth is how many callers may wait for a slot before new
	// calls fail with ERR_304_BACKPRESSURE. Zero means unbounded.
	MaxQueueDepth int

	// RequestsPerSecond limits provider calls. Zero disables the limiter.
	RequestsPerSecond float64

	Retry kperrors.RetryPolicy

	CircuitMaxFailures int
	CircuitReset       time.Duration
}

// DefaultGatewayConfig returns the default gateway limits.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		BatchSize:          DefaultBatchSize,
		MaxInFlight:        4,
		MaxQueueDepth:      64,
		Retry:              kperrors.DefaultRetryPolicy(),
		CircuitMaxFailures: 5,
		CircuitReset:       30 * time.Second,
	}
}

// GatewayStats is a point-in-time view of gateway load.
type GatewayStats struct {
	InFlight     int64  `json:"in_flight"`
	Queued       int64  `json:"queued"`
	Rejected     int64  `json:"rejected"`
	Batches      int64  `json:"batches"`
	Attempts     int64  `json:"attempts"`
	Failures     int64  `json:"failures"`
	CircuitState string `json:"circuit_state"`
}

// Gateway is the single path from the pipeline to an embedding provider.
// It splits work into batches and runs each batch under the retry policy,
// a bounded number of concurrent calls, an optional rate limit and a
// circuit breaker.
type Gateway struct {
	provider Embedder
	cfg      GatewayConfig
	sem      *semaphore.Weighted
	limiter  *rate.Limiter
	breaker  *kperrors.CircuitBreaker

	inFlight atomic.Int64
	waiting  atomic.Int64
	rejected atomic.Int64
	batches  atomic.Int64
	attempts atomic.Int64
	failures atomic.Int64
}

// NewGateway wraps provider.
func NewGateway(provider Embedder, cfg GatewayConfig) *Gateway {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BatchSize > MaxBatchSize {
		cfg.BatchSize = MaxBatchSize
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 1
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = kperrors.DefaultRetryPolicy()
	}
	if cfg.CircuitMaxFailures <= 0 {
		cfg.CircuitMaxFailures = 5
	}
	if cfg.CircuitReset <= 0 {
		cfg.CircuitReset = 30 * time.Second
	}

	g := &Gateway{
		provider: provider,
		cfg:      cfg,
		sem:      semaphore.NewWeighted(int64(cfg.MaxInFlight)),
		breaker: kperrors.NewCircuitBreaker("embedding-provider",
			kperrors.WithMaxFailures(cfg.CircuitMaxFailures),
			kperrors.WithResetTimeout(cfg.CircuitReset)),
	}
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return g
}

// Embed returns one vector per text, in order.
func (g *Gateway) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vecs, _, err := g.EmbedAttempts(ctx, texts)
	return vecs, err
}

// EmbedAttempts is Embed that also reports the total number of provider
// attempts across all batches.
func (g *Gateway) EmbedAttempts(ctx context.Context, texts []string) ([][]float32, int, error) {
	if len(texts) == 0 {
		return nil, 0, kperrors.ValidationError("no texts to embed", nil)
	}
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			return nil, 0, kperrors.ValidationError("cannot embed empty text", nil).
				WithDetail("index", strconv.Itoa(i))
		}
	}

	out := make([][]float32, 0, len(texts))
	total := 0
	for start := 0; start < len(texts); start += g.cfg.BatchSize {
		end := min(start+g.cfg.BatchSize, len(texts))
		vecs, attempts, err := g.embedBatch(ctx, texts[start:end])
		total += attempts
		if err != nil {
			return nil, total, err
		}
		out = append(out, vecs...)
	}
	return out, total, nil
}

// EmbedQuery embeds a single search query.
func (g *Gateway) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := g.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (g *Gateway) embedBatch(ctx context.Context, batch []string) ([][]float32, int, error) {
	g.batches.Add(1)
	start := time.Now()

	vecs, attempts, err := kperrors.DoWithResult(ctx, g.cfg.Retry, func(ctx context.Context) ([][]float32, error) {
		g.attempts.Add(1)
		return g.attempt(ctx, batch)
	})
	if err != nil {
		g.failures.Add(1)
		attrs := append([]slog.Attr{
			slog.Int("batch_size", len(batch)),
			slog.Int("attempts", attempts),
		}, kperrors.LogAttrs(err)...)
		slog.LogAttrs(ctx, slog.LevelWarn, "embed_batch_failed", attrs...)
		return nil, attempts, err
	}

	slog.Debug("embed_batch_done",
		slog.Int("batch_size", len(batch)),
		slog.Int("attempts", attempts),
		slog.Duration("duration", time.Since(start)))
	return vecs, attempts, nil
}

// attempt makes one provider call. The slot is released before the retry
// policy sleeps.
func (g *Gateway) attempt(ctx context.Context, batch []string) ([][]float32, error) {
	if err := g.acquire(ctx); err != nil {
		return nil, err
	}
	g.inFlight.Add(1)
	defer func() {
		g.inFlight.Add(-1)
		g.sem.Release(1)
	}()

	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	vecs, err := kperrors.CircuitExecute(g.breaker, func() ([][]float32, error) {
		return g.provider.EmbedBatch(ctx, batch)
	})
	if err != nil {
		return nil, g.classify(ctx, err)
	}
	if len(vecs) != len(batch) {
		return nil, kperrors.New(kperrors.ErrCodeEmbeddingFailed, "provider returned wrong number of embeddings", nil).
			WithDetail("expected", strconv.Itoa(len(batch))).
			WithDetail("got", strconv.Itoa(len(vecs)))
	}
	if dims := g.provider.Dimensions(); dims > 0 {
		for _, v := range vecs {
			if len(v) != dims {
				return nil, kperrors.New(kperrors.ErrCodeDimensionMismatch, "embedding dimension mismatch", nil).
					WithDetail("expected", strconv.Itoa(dims)).
					WithDetail("got", strconv.Itoa(len(v)))
			}
		}
	}
	return vecs, nil
}

// acquire takes an in-flight slot, waiting only while the queue has room.
func (g *Gateway) acquire(ctx context.Context) error {
	if g.sem.TryAcquire(1) {
		return nil
	}
	queued := g.waiting.Add(1)
	defer g.waiting.Add(-1)
	if g.cfg.MaxQueueDepth > 0 && queued > int64(g.cfg.MaxQueueDepth) {
		g.rejected.Add(1)
		return kperrors.New(kperrors.ErrCodeBackpressure, "embedding queue is full", nil).
			WithDetail("max_queue_depth", strconv.Itoa(g.cfg.MaxQueueDepth)).
			WithSuggestion("retry later or raise embeddings.max_queue_depth")
	}
	return g.sem.Acquire(ctx, 1)
}

func (g *Gateway) classify(ctx context.Context, err error) error {
	if errors.Is(err, kperrors.ErrCircuitOpen) {
		pe := kperrors.New(kperrors.ErrCodeProviderUnavailable, "embedding provider circuit is open", err).
			WithSuggestion("the provider failed repeatedly; it will be probed again after the reset timeout")
		pe.Retryable = false
		return pe
	}
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return err
	}
	if _, ok := kperrors.As(err); ok {
		return err
	}
	return kperrors.ProviderError("embedding provider call failed", err)
}

// Stats returns current load counters.
func (g *Gateway) Stats() GatewayStats {
	return GatewayStats{
		InFlight:     g.inFlight.Load(),
		Queued:       g.waiting.Load(),
		Rejected:     g.rejected.Load(),
		Batches:      g.batches.Load(),
		Attempts:     g.attempts.Load(),
		Failures:     g.failures.Load(),
		CircuitState: g.breaker.State().String(),
	}
}

// Dimensions returns the provider's vector size.
func (g *Gateway) Dimensions() int { return g.provider.Dimensions() }

// ModelName returns the provider's model.
func (g *Gateway) ModelName() string { return g.provider.ModelName() }

// Available reports provider health.
func (g *Gateway) Available(ctx context.Context) bool { return g.provider.Available(ctx) }

// Close closes the provider.
func (g *Gateway) Close() error { return g.provider.Close() }
