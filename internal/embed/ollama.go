package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	kperrors "github.com/Aman-CERP/knowpipe/internal/errors"
)

const (
	// DefaultOllamaHost is the default Ollama API endpoint.
	DefaultOllamaHost = "http://localhost:11434"

	// DefaultOllamaModel is a general-purpose text embedding model.
	DefaultOllamaModel = "nomic-embed-text"

	// OllamaConnectTimeout bounds the startup health check.
	OllamaConnectTimeout = 5 * time.Second

	// OllamaPoolSize is the idle connection pool size.
	OllamaPoolSize = 4
)

// FallbackOllamaModels are tried in order when the configured model is
// not installed.
var FallbackOllamaModels = []string{
	"mxbai-embed-large",
	"all-minilm",
}

// OllamaConfig configures the Ollama embedder.
type OllamaConfig struct {
	Host           string
	Model          string
	FallbackModels []string

	// Dimensions overrides detection (0 = detect from a probe embedding).
	Dimensions int

	// Timeout bounds each /api/embed request.
	Timeout time.Duration

	// ConnectTimeout bounds the startup health check.
	ConnectTimeout time.Duration

	PoolSize int

	// SkipHealthCheck skips model discovery at construction (tests).
	SkipHealthCheck bool
}

// DefaultOllamaConfig returns the default Ollama settings.
func DefaultOllamaConfig() OllamaConfig {
	return OllamaConfig{
		Host:           DefaultOllamaHost,
		Model:          DefaultOllamaModel,
		FallbackModels: FallbackOllamaModels,
		Timeout:        DefaultTimeout,
		ConnectTimeout: OllamaConnectTimeout,
		PoolSize:       OllamaPoolSize,
	}
}

type ollamaEmbedRequest struct {
	Model string `json:"model"`
	Input any    `json:"input"` // string or []string
}

type ollamaEmbedResponse struct {
	Model      string      `json:"model"`
	Embeddings [][]float64 `json:"embeddings"`
}

type ollamaTagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// OllamaEmbedder calls Ollama's /api/embed endpoint. Each call is a single
// attempt; retries belong to the Gateway.
type OllamaEmbedder struct {
	client    *http.Client
	transport *http.Transport
	config    OllamaConfig
	modelName string
	dims      int

	mu     sync.RWMutex
	closed bool
}

var _ Embedder = (*OllamaEmbedder)(nil)

// NewOllamaEmbedder creates an Ollama embedder. Unless SkipHealthCheck is
// set it resolves an installed model and probes its dimensions.
func NewOllamaEmbedder(ctx context.Context, cfg OllamaConfig) (*OllamaEmbedder, error) {
	if cfg.Host == "" {
		cfg.Host = DefaultOllamaHost
	}
	cfg.Host = strings.TrimRight(cfg.Host, "/")
	if cfg.Model == "" {
		cfg.Model = DefaultOllamaModel
	}
	if cfg.FallbackModels == nil {
		cfg.FallbackModels = FallbackOllamaModels
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = OllamaConnectTimeout
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = OllamaPoolSize
	}

	// No client-level timeout: per-request contexts carry the deadline.
	transport := &http.Transport{
		MaxIdleConns:        cfg.PoolSize,
		MaxIdleConnsPerHost: cfg.PoolSize,
		MaxConnsPerHost:     cfg.PoolSize * 2,
		IdleConnTimeout:     30 * time.Second,
	}

	e := &OllamaEmbedder{
		client:    &http.Client{Transport: transport},
		transport: transport,
		config:    cfg,
		modelName: cfg.Model,
		dims:      cfg.Dimensions,
	}

	if !cfg.SkipHealthCheck {
		checkCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()

		model, err := e.findAvailableModel(checkCtx)
		if err != nil {
			transport.CloseIdleConnections()
			return nil, err
		}
		e.modelName = model

		if e.dims == 0 {
			probeCtx, cancelProbe := context.WithTimeout(ctx, cfg.Timeout)
			defer cancelProbe()
			vecs, err := e.doEmbed(probeCtx, []string{"dimension probe"})
			if err != nil {
				transport.CloseIdleConnections()
				return nil, err
			}
			e.dims = len(vecs[0])
		}
	}

	if e.dims == 0 {
		e.dims = DefaultDimensions
	}

	slog.Debug("ollama_embedder_ready",
		slog.String("host", cfg.Host),
		slog.String("model", e.modelName),
		slog.Int("dimensions", e.dims))

	return e, nil
}

func (e *OllamaEmbedder) listModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.config.Host+"/api/tags", nil)
	if err != nil {
		return nil, kperrors.InternalError("build Ollama request", err)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp)
	}

	var tags ollamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, kperrors.ProviderError("decode Ollama model list", err)
	}

	names := make([]string, len(tags.Models))
	for i, m := range tags.Models {
		names[i] = m.Name
	}
	return names, nil
}

// findAvailableModel matches the configured model, then the fallbacks,
// against installed models. Tags are optional: "nomic-embed-text"
// matches "nomic-embed-text:latest".
func (e *OllamaEmbedder) findAvailableModel(ctx context.Context) (string, error) {
	installed, err := e.listModels(ctx)
	if err != nil {
		return "", err
	}

	available := make(map[string]string)
	for _, name := range installed {
		lower := strings.ToLower(name)
		available[lower] = name
		base, _, _ := strings.Cut(lower, ":")
		if _, ok := available[base]; !ok {
			available[base] = name
		}
	}

	candidates := append([]string{e.config.Model}, e.config.FallbackModels...)
	for _, c := range candidates {
		lower := strings.ToLower(c)
		if actual, ok := available[lower]; ok {
			return actual, nil
		}
		base, _, _ := strings.Cut(lower, ":")
		if actual, ok := available[base]; ok {
			return actual, nil
		}
	}

	return "", kperrors.New(kperrors.ErrCodeProviderUnavailable,
		fmt.Sprintf("no embedding model installed (tried %s)", strings.Join(candidates, ", ")), nil).
		WithSuggestion("run: ollama pull " + e.config.Model)
}

// Embed generates the embedding of one text. Blank text embeds to the
// zero vector.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return make([]float32, e.dims), nil
	}

	vecs, err := e.embedWithTimeout(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts in a single request.
func (e *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	results := make([][]float32, len(texts))
	var (
		idx     []int
		pending []string
	)
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			results[i] = make([]float32, e.dims)
			continue
		}
		idx = append(idx, i)
		pending = append(pending, t)
	}
	if len(pending) == 0 {
		return results, nil
	}

	vecs, err := e.embedWithTimeout(ctx, pending)
	if err != nil {
		return nil, err
	}
	for j, i := range idx {
		results[i] = vecs[j]
	}
	return results, nil
}

func (e *OllamaEmbedder) embedWithTimeout(ctx context.Context, texts []string) ([][]float32, error) {
	reqCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	start := time.Now()
	vecs, err := e.doEmbed(reqCtx, texts)
	if err != nil {
		// The caller's own cancellation is not a provider failure.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		slog.Debug("ollama_embed_failed",
			slog.Int("texts", len(texts)),
			slog.Duration("elapsed", time.Since(start)),
			slog.String("error", err.Error()))
		return nil, err
	}
	return vecs, nil
}

func (e *OllamaEmbedder) doEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	var input any = texts
	if len(texts) == 1 {
		input = texts[0]
	}

	body, err := json.Marshal(ollamaEmbedRequest{Model: e.modelName, Input: input})
	if err != nil {
		return nil, kperrors.InternalError("encode Ollama request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.config.Host+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, kperrors.InternalError("build Ollama request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp)
	}

	var result ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, kperrors.ProviderError("decode Ollama embeddings", err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, kperrors.ProviderError(
			fmt.Sprintf("Ollama returned %d embeddings for %d texts", len(result.Embeddings), len(texts)), nil)
	}

	vecs := make([][]float32, len(result.Embeddings))
	for i, emb := range result.Embeddings {
		v := make([]float32, len(emb))
		for j, x := range emb {
			v[j] = float32(x)
		}
		vecs[i] = normalizeVector(v)
	}
	return vecs, nil
}

// classifyTransportError maps client errors to timeout or unavailable.
func classifyTransportError(ctx context.Context, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return kperrors.New(kperrors.ErrCodeProviderTimeout, "embedding provider timed out", err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return kperrors.ProviderError("embedding provider unreachable", err).
		WithSuggestion("check that Ollama is running: ollama serve")
}

// classifyStatus maps HTTP status codes: 429 and 5xx are transient, any
// other 4xx is a rejection that retrying will not fix.
func classifyStatus(resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	text := fmt.Sprintf("provider returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return kperrors.ProviderError(text, nil).WithDetail("status", fmt.Sprint(resp.StatusCode))
	}
	return kperrors.New(kperrors.ErrCodeProviderRejected, text, nil).
		WithDetail("status", fmt.Sprint(resp.StatusCode))
}

func (e *OllamaEmbedder) checkOpen() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return kperrors.ProviderError("embedder is closed", nil)
	}
	return nil
}

// Dimensions returns the embedding size.
func (e *OllamaEmbedder) Dimensions() int { return e.dims }

// ModelName returns the resolved model name.
func (e *OllamaEmbedder) ModelName() string { return e.modelName }

// Available reports whether Ollama responds and still has the model.
func (e *OllamaEmbedder) Available(ctx context.Context) bool {
	if e.checkOpen() != nil {
		return false
	}
	models, err := e.listModels(ctx)
	if err != nil {
		return false
	}
	want := strings.ToLower(e.modelName)
	for _, m := range models {
		if strings.EqualFold(m, e.modelName) || strings.HasPrefix(strings.ToLower(m), want+":") {
			return true
		}
	}
	return false
}

// Close releases idle connections. It is safe to call more than once.
func (e *OllamaEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.transport.CloseIdleConnections()
	return nil
}
