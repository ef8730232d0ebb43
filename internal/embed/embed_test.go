package embed

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kperrors "github.com/Aman-CERP/knowpipe/internal/errors"
)

// fakeEmbedder fails the first failN calls with failErr, then returns
// vectors derived from text length.
type fakeEmbedder struct {
	dims    int
	failN   int32
	failErr error
	block   chan struct{}
	wrong   bool

	calls atomic.Int32
	mu    sync.Mutex
	sizes []int
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := f.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	n := f.calls.Add(1)
	f.mu.Lock()
	f.sizes = append(f.sizes, len(texts))
	f.mu.Unlock()

	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if n <= f.failN {
		return nil, f.failErr
	}

	dims := f.dims
	if f.wrong {
		dims--
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v := make([]float32, dims)
		v[0] = float32(len(t))
		out[i] = v
	}
	return out, nil
}

func (f *fakeEmbedder) Dimensions() int                  { return f.dims }
func (f *fakeEmbedder) ModelName() string                { return "fake" }
func (f *fakeEmbedder) Available(_ context.Context) bool { return true }
func (f *fakeEmbedder) Close() error                     { return nil }

func fastGateway(p Embedder) *Gateway {
	cfg := DefaultGatewayConfig()
	cfg.Retry.InitialDelay = time.Millisecond
	cfg.Retry.MaxDelay = 2 * time.Millisecond
	return NewGateway(p, cfg)
}

func sampleTexts(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = "text"
	}
	return out
}

func TestGateway_SplitsIntoBatches(t *testing.T) {
	// Given: 70 texts and the default batch size of 32
	fake := &fakeEmbedder{dims: 4}
	gw := fastGateway(fake)

	// When: embedding
	vecs, attempts, err := gw.EmbedAttempts(context.Background(), sampleTexts(70))

	// Then: three provider calls, order preserved
	require.NoError(t, err)
	assert.Len(t, vecs, 70)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []int{32, 32, 6}, fake.sizes)
	assert.Equal(t, int64(3), gw.Stats().Batches)
}

func TestGateway_RetriesTransientFailures(t *testing.T) {
	// Given: a provider that fails twice with a retryable error
	fake := &fakeEmbedder{dims: 4, failN: 2, failErr: kperrors.ProviderError("connection refused", nil)}
	gw := fastGateway(fake)

	// When: embedding one batch
	vecs, attempts, err := gw.EmbedAttempts(context.Background(), []string{"hello"})

	// Then: the third attempt succeeds
	require.NoError(t, err)
	assert.Len(t, vecs, 1)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, int32(3), fake.calls.Load())
}

func TestGateway_WrapsPlainErrorsAsProviderErrors(t *testing.T) {
	fake := &fakeEmbedder{dims: 4, failN: 10, failErr: errors.New("boom")}
	gw := fastGateway(fake)

	_, attempts, err := gw.EmbedAttempts(context.Background(), []string{"hello"})

	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.True(t, kperrors.IsKind(err, kperrors.KindEmbeddingProvider))
	assert.Equal(t, kperrors.ErrCodeProviderUnavailable, kperrors.GetCode(err))
}

func TestGateway_DoesNotRetryRejections(t *testing.T) {
	rejected := kperrors.New(kperrors.ErrCodeProviderRejected, "provider returned 400", nil)
	fake := &fakeEmbedder{dims: 4, failN: 10, failErr: rejected}
	gw := fastGateway(fake)

	_, attempts, err := gw.EmbedAttempts(context.Background(), []string{"hello"})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, kperrors.ErrCodeProviderRejected, kperrors.GetCode(err))
}

func TestGateway_ValidatesInput(t *testing.T) {
	fake := &fakeEmbedder{dims: 4}
	gw := fastGateway(fake)

	tests := []struct {
		name  string
		input []string
	}{
		{"no texts", nil},
		{"empty string", []string{"ok", ""}},
		{"whitespace", []string{"   "}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := gw.Embed(context.Background(), tt.input)
			require.Error(t, err)
			assert.Equal(t, kperrors.ErrCodeInvalidInput, kperrors.GetCode(err))
			assert.True(t, kperrors.IsKind(err, kperrors.KindValidation))
		})
	}
	assert.Equal(t, int32(0), fake.calls.Load())
}

func TestGateway_BackpressureRejectsBeyondQueueDepth(t *testing.T) {
	// Given: one in-flight slot, room for one waiter, and a blocked provider
	fake := &fakeEmbedder{dims: 4, block: make(chan struct{})}
	cfg := DefaultGatewayConfig()
	cfg.MaxInFlight = 1
	cfg.MaxQueueDepth = 1
	gw := NewGateway(fake, cfg)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = gw.Embed(context.Background(), []string{"held"})
		}()
	}
	require.Eventually(t, func() bool {
		s := gw.Stats()
		return s.InFlight == 1 && s.Queued == 1
	}, time.Second, 5*time.Millisecond)

	// When: a third caller arrives
	_, err := gw.Embed(context.Background(), []string{"overflow"})

	// Then: it fails fast with backpressure
	require.Error(t, err)
	assert.Equal(t, kperrors.ErrCodeBackpressure, kperrors.GetCode(err))
	assert.Equal(t, int64(1), gw.Stats().Rejected)

	close(fake.block)
	wg.Wait()
	assert.Equal(t, int64(0), gw.Stats().InFlight)
}

func TestGateway_CircuitOpensAndFailsFast(t *testing.T) {
	fake := &fakeEmbedder{dims: 4, failN: 100, failErr: kperrors.ProviderError("down", nil)}
	cfg := DefaultGatewayConfig()
	cfg.Retry.MaxAttempts = 1
	cfg.CircuitMaxFailures = 2
	cfg.CircuitReset = time.Hour
	gw := NewGateway(fake, cfg)

	for i := 0; i < 2; i++ {
		_, err := gw.Embed(context.Background(), []string{"x"})
		require.Error(t, err)
	}
	assert.Equal(t, "open", gw.Stats().CircuitState)

	_, err := gw.Embed(context.Background(), []string{"x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, kperrors.ErrCircuitOpen)
	assert.False(t, kperrors.IsRetryable(err))
	assert.Equal(t, int32(2), fake.calls.Load())
}

func TestGateway_DimensionMismatch(t *testing.T) {
	fake := &fakeEmbedder{dims: 4, wrong: true}
	gw := fastGateway(fake)

	_, err := gw.EmbedQuery(context.Background(), "hello")

	require.Error(t, err)
	assert.Equal(t, kperrors.ErrCodeDimensionMismatch, kperrors.GetCode(err))
}

func TestGateway_CancelledContext(t *testing.T) {
	fake := &fakeEmbedder{dims: 4}
	gw := fastGateway(fake)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := gw.Embed(ctx, []string{"hello"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStaticEmbedder_DeterministicAndNormalized(t *testing.T) {
	e := NewStaticEmbedder(0)
	ctx := context.Background()

	a, err := e.Embed(ctx, "The quick brown fox")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "The quick brown fox")
	require.NoError(t, err)

	assert.Len(t, a, StaticDimensions)
	assert.Equal(t, a, b)

	var sum float64
	for _, x := range a {
		sum += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, sum, 1e-5)
}

func TestStaticEmbedder_SimilarTextsScoreHigher(t *testing.T) {
	e := NewStaticEmbedder(128)
	ctx := context.Background()

	base, _ := e.Embed(ctx, "installing the database driver")
	near, _ := e.Embed(ctx, "install database drivers")
	far, _ := e.Embed(ctx, "chocolate cake recipe")

	assert.Greater(t, dot(base, near), dot(base, far))
}

func TestStaticEmbedder_BlankAndClosed(t *testing.T) {
	e := NewStaticEmbedder(8)
	v, err := e.Embed(context.Background(), "  ")
	require.NoError(t, err)
	assert.Equal(t, make([]float32, 8), v)

	require.NoError(t, e.Close())
	assert.False(t, e.Available(context.Background()))
	_, err = e.Embed(context.Background(), "x")
	assert.Error(t, err)
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

func TestCachedEmbedder_ServesRepeatsFromCache(t *testing.T) {
	// Given: a cache over a counting provider
	fake := &fakeEmbedder{dims: 4}
	c := NewCachedEmbedder(fake, 10)
	ctx := context.Background()

	// When: embedding a batch, then overlapping texts
	_, err := c.EmbedBatch(ctx, []string{"a", "bb"})
	require.NoError(t, err)
	vecs, err := c.EmbedBatch(ctx, []string{"bb", "ccc"})
	require.NoError(t, err)

	// Then: only the new text reaches the provider
	assert.Equal(t, []int{2, 1}, fake.sizes)
	assert.Equal(t, float32(2), vecs[0][0])
	assert.Equal(t, float32(3), vecs[1][0])

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(3), stats.Misses)
	assert.Equal(t, 3, stats.Entries)
}

func TestCachedEmbedder_ReturnsCopies(t *testing.T) {
	fake := &fakeEmbedder{dims: 4}
	c := NewCachedEmbedder(fake, 10)
	ctx := context.Background()

	v1, _ := c.Embed(ctx, "abc")
	v1[0] = 99
	v2, _ := c.Embed(ctx, "abc")

	assert.Equal(t, float32(3), v2[0])
	assert.Equal(t, int32(1), fake.calls.Load())
}

// ollamaServer fakes /api/tags and /api/embed. status != 200 fails embeds.
func ollamaServer(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			_, _ = w.Write([]byte(`{"models":[{"name":"nomic-embed-text:latest"}]}`))
		case "/api/embed":
			if status != http.StatusOK {
				w.WriteHeader(status)
				_, _ = w.Write([]byte("nope"))
				return
			}
			var req struct {
				Input any `json:"input"`
			}
			_ = json.NewDecoder(r.Body).Decode(&req)
			n := 1
			if list, ok := req.Input.([]any); ok {
				n = len(list)
			}
			resp := struct {
				Embeddings [][]float64 `json:"embeddings"`
			}{}
			for i := 0; i < n; i++ {
				resp.Embeddings = append(resp.Embeddings, []float64{3, 4, 0})
			}
			_ = json.NewEncoder(w).Encode(resp)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOllamaEmbedder_DetectsModelAndDimensions(t *testing.T) {
	srv := ollamaServer(t, http.StatusOK)
	cfg := DefaultOllamaConfig()
	cfg.Host = srv.URL

	e, err := NewOllamaEmbedder(context.Background(), cfg)
	require.NoError(t, err)
	defer func() { _ = e.Close() }()

	assert.Equal(t, "nomic-embed-text:latest", e.ModelName())
	assert.Equal(t, 3, e.Dimensions())
	assert.True(t, e.Available(context.Background()))

	vecs, err := e.EmbedBatch(context.Background(), []string{"a", "", "b"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.InDelta(t, 0.6, vecs[0][0], 1e-6)
	assert.InDelta(t, 0.8, vecs[0][1], 1e-6)
	assert.Equal(t, []float32{0, 0, 0}, vecs[1])
}

func TestOllamaEmbedder_ClassifiesStatus(t *testing.T) {
	tests := []struct {
		status    int
		code      string
		retryable bool
	}{
		{http.StatusInternalServerError, kperrors.ErrCodeProviderUnavailable, true},
		{http.StatusTooManyRequests, kperrors.ErrCodeProviderUnavailable, true},
		{http.StatusBadRequest, kperrors.ErrCodeProviderRejected, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := ollamaServer(t, tt.status)
			cfg := DefaultOllamaConfig()
			cfg.Host = srv.URL
			cfg.Dimensions = 3
			cfg.SkipHealthCheck = true

			e, err := NewOllamaEmbedder(context.Background(), cfg)
			require.NoError(t, err)

			_, err = e.Embed(context.Background(), "hello")
			require.Error(t, err)
			assert.Equal(t, tt.code, kperrors.GetCode(err))
			assert.Equal(t, tt.retryable, kperrors.IsRetryable(err))
		})
	}
}

func TestOllamaEmbedder_UnreachableHost(t *testing.T) {
	srv := ollamaServer(t, http.StatusOK)
	url := srv.URL
	srv.Close()

	cfg := DefaultOllamaConfig()
	cfg.Host = url
	_, err := NewOllamaEmbedder(context.Background(), cfg)

	require.Error(t, err)
	assert.True(t, kperrors.IsKind(err, kperrors.KindEmbeddingProvider))
}

func TestNewEmbedder_AutoFallsBackToStatic(t *testing.T) {
	srv := ollamaServer(t, http.StatusOK)
	url := srv.URL
	srv.Close()

	e, err := NewEmbedder(context.Background(), FactoryConfig{Host: url, CacheSize: 5})
	require.NoError(t, err)

	assert.Equal(t, "static", e.ModelName())
	_, cached := e.(*CachedEmbedder)
	assert.True(t, cached)
}

func TestNewEmbedder_ExplicitOllamaFails(t *testing.T) {
	srv := ollamaServer(t, http.StatusOK)
	url := srv.URL
	srv.Close()

	_, err := NewEmbedder(context.Background(), FactoryConfig{Provider: ProviderOllama, Host: url})
	assert.Error(t, err)
}

func TestParseProvider(t *testing.T) {
	p, err := ParseProvider(" Static ")
	require.NoError(t, err)
	assert.Equal(t, ProviderStatic, p)

	_, err = ParseProvider("openai")
	assert.Equal(t, kperrors.ErrCodeInvalidOption, kperrors.GetCode(err))
}
