// Package embed turns text into vectors. Providers implement Embedder;
// the Gateway adds batching, backpressure, rate limiting and retries on
// top of any provider.
package embed

import (
	"context"
	"math"
	"time"
)

const (
	// DefaultBatchSize is the number of texts per provider call.
	DefaultBatchSize = 32

	// MaxBatchSize caps a single provider call.
	MaxBatchSize = 256

	// DefaultTimeout bounds one provider request.
	DefaultTimeout = 30 * time.Second

	// StaticDimensions is the default size of static embeddings.
	StaticDimensions = 256

	// DefaultDimensions is assumed for Ollama models when detection is skipped.
	DefaultDimensions = 768
)

// Embedder generates vector embeddings for text.
type Embedder interface {
	// Embed generates the embedding of a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates one embedding per text, in order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding size.
	Dimensions() int

	// ModelName returns the model identifier.
	ModelName() string

	// Available reports whether the provider can serve requests.
	Available(ctx context.Context) bool

	// Close releases resources.
	Close() error
}

// normalizeVector scales v to unit length. Zero vectors are returned as is.
func normalizeVector(v []float32) []float32 {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}

	magnitude := math.Sqrt(sumSquares)
	if magnitude == 0 {
		return v
	}

	normalized := make([]float32, len(v))
	for i, val := range v {
		normalized[i] = float32(float64(val) / magnitude)
	}
	return normalized
}
