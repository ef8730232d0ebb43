package embed

import (
	"context"
	"log/slog"
	"strings"
	"time"

	kperrors "github.com/Aman-CERP/knowpipe/internal/errors"
)

// ProviderType names an embedding provider.
type ProviderType string

const (
	// ProviderAuto uses Ollama when reachable and falls back to static.
	ProviderAuto ProviderType = ""

	// ProviderOllama requires a reachable Ollama server.
	ProviderOllama ProviderType = "ollama"

	// ProviderStatic uses hash-based embeddings.
	ProviderStatic ProviderType = "static"
)

// ParseProvider converts a config string to a ProviderType.
func ParseProvider(s string) (ProviderType, error) {
	switch p := ProviderType(strings.ToLower(strings.TrimSpace(s))); p {
	case ProviderAuto, ProviderOllama, ProviderStatic:
		return p, nil
	default:
		return "", kperrors.New(kperrors.ErrCodeInvalidOption, "unknown embedding provider", nil).
			WithDetail("provider", s).
			WithSuggestion("use ollama, static, or leave empty for auto-detection")
	}
}

// FactoryConfig selects and configures a provider.
type FactoryConfig struct {
	Provider   ProviderType
	Model      string
	Host       string
	Dimensions int
	Timeout    time.Duration

	// CacheSize > 0 wraps the provider in a CachedEmbedder.
	CacheSize int
}

// NewEmbedder builds the configured provider. An explicit ollama selection
// fails when Ollama is unreachable; auto mode logs a warning and uses the
// static embedder instead.
func NewEmbedder(ctx context.Context, cfg FactoryConfig) (Embedder, error) {
	var (
		embedder Embedder
		err      error
	)

	switch cfg.Provider {
	case ProviderStatic:
		embedder = NewStaticEmbedder(cfg.Dimensions)

	case ProviderOllama:
		embedder, err = newOllama(ctx, cfg)
		if err != nil {
			return nil, err
		}

	case ProviderAuto:
		embedder, err = newOllama(ctx, cfg)
		if err != nil {
			slog.Warn("embedder_fallback",
				slog.String("from", string(ProviderOllama)),
				slog.String("to", string(ProviderStatic)),
				slog.String("reason", err.Error()))
			embedder = NewStaticEmbedder(cfg.Dimensions)
		}

	default:
		_, err = ParseProvider(string(cfg.Provider))
		return nil, err
	}

	slog.Info("embedder_selected",
		slog.String("model", embedder.ModelName()),
		slog.Int("dimensions", embedder.Dimensions()))

	if cfg.CacheSize > 0 {
		embedder = NewCachedEmbedder(embedder, cfg.CacheSize)
	}
	return embedder, nil
}

func newOllama(ctx context.Context, cfg FactoryConfig) (*OllamaEmbedder, error) {
	oc := DefaultOllamaConfig()
	if cfg.Host != "" {
		oc.Host = cfg.Host
	}
	if cfg.Model != "" {
		oc.Model = cfg.Model
	}
	if cfg.Timeout > 0 {
		oc.Timeout = cfg.Timeout
	}
	oc.Dimensions = cfg.Dimensions
	return NewOllamaEmbedder(ctx, oc)
}
