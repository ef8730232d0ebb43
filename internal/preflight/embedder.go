package preflight

import (
	"context"
	"fmt"
	"time"

	"github.com/Aman-CERP/knowpipe/internal/config"
	"github.com/Aman-CERP/knowpipe/internal/embed"
)

// embedderProbeTimeout bounds the provider probe so doctor never hangs on
// an unreachable host.
const embedderProbeTimeout = 10 * time.Second

// CheckEmbedder builds the configured provider and embeds a probe text.
// Only an explicit ollama selection makes a failure critical; auto mode
// falls back to static embeddings at startup.
func (c *Checker) CheckEmbedder(ctx context.Context) CheckResult {
	result := CheckResult{Name: "embedder"}

	provider, err := embed.ParseProvider(c.cfg.Embeddings.Provider)
	if err != nil {
		result.Required = true
		result.Status = StatusFail
		result.Message = err.Error()
		return result
	}
	result.Required = provider == embed.ProviderOllama

	ctx, cancel := context.WithTimeout(ctx, embedderProbeTimeout)
	defer cancel()
	model, err := c.embedder(ctx, c.cfg)
	if err != nil {
		result.Message = fmt.Sprintf("provider unavailable: %v", err)
		if provider == embed.ProviderAuto {
			result.Status = StatusWarn
			result.Details = "auto mode will use static embeddings; semantic quality is lexical only"
			return result
		}
		result.Status = StatusFail
		result.Details = fmt.Sprintf("ollama host: %s", c.cfg.Embeddings.OllamaHost)
		return result
	}

	result.Status = StatusPass
	result.Message = model
	if provider == embed.ProviderAuto && model == "static" {
		result.Status = StatusWarn
		result.Message = "ollama unreachable, using static embeddings"
	}
	return result
}

// probeEmbedder embeds one text with the configured provider and returns
// "model (N dims)", or "static" when auto mode fell back.
func probeEmbedder(ctx context.Context, cfg *config.Config) (string, error) {
	provider, err := embed.ParseProvider(cfg.Embeddings.Provider)
	if err != nil {
		return "", err
	}
	e, err := embed.NewEmbedder(ctx, embed.FactoryConfig{
		Provider:   provider,
		Model:      cfg.Embeddings.Model,
		Host:       cfg.Embeddings.OllamaHost,
		Dimensions: cfg.Embeddings.Dimensions,
		Timeout:    cfg.Embeddings.Timeout,
	})
	if err != nil {
		return "", err
	}
	defer func() { _ = e.Close() }()

	if provider == embed.ProviderAuto && e.ModelName() == "static" {
		return "static", nil
	}
	vec, err := e.Embed(ctx, "preflight")
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s (%d dims)", e.ModelName(), len(vec)), nil
}
