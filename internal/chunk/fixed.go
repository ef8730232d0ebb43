package chunk

import (
	"context"
	"math"
	"unicode/utf8"

	"github.com/Aman-CERP/knowpipe/internal/parse"
)

func init() {
	Register(StrategyFixed, func(Deps) Chunker { return NewFixedChunker() })
}

// FixedChunker slides a window of ChunkSize runes with ChunkOverlap runes
// shared between neighbours. Window content is kept verbatim so the
// overlap is exact.
type FixedChunker struct{}

var _ Chunker = (*FixedChunker)(nil)

// NewFixedChunker creates a fixed-size chunker.
func NewFixedChunker() *FixedChunker {
	return &FixedChunker{}
}

// Strategy returns StrategyFixed.
func (c *FixedChunker) Strategy() Strategy { return StrategyFixed }

// Chunk splits text into overlapping windows. The last window ends at the
// end of the text.
func (c *FixedChunker) Chunk(ctx context.Context, text string, structure *parse.Structure, opts Options) ([]Chunk, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	if isBlank(text) {
		return nil, nil
	}

	n := utf8.RuneCountInString(text)
	if n < opts.MinChunkSize || n <= opts.ChunkSize {
		return finalize(single(text), structure, StrategyFixed), nil
	}

	// byteAt[i] is the byte offset of rune i; byteAt[n] is len(text).
	byteAt := make([]int, 0, n+1)
	for i := range text {
		byteAt = append(byteAt, i)
	}
	byteAt = append(byteAt, len(text))

	step := opts.ChunkSize - opts.ChunkOverlap
	count := EstimateChunks(n, opts.ChunkSize, opts.ChunkOverlap)
	chunks := make([]Chunk, 0, count)

	for i := 0; i < count; i++ {
		if i%64 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		start := i * step
		end := start + opts.ChunkSize
		if end > n || i == count-1 {
			end = n
		}
		chunks = append(chunks, Chunk{
			Content: text[byteAt[start]:byteAt[end]],
			Offset:  byteAt[start],
		})
	}

	return finalize(chunks, structure, StrategyFixed), nil
}

// EstimateChunks returns the fixed-size window count for a text of
// textLen runes: ceil((textLen-overlap)/(size-overlap)), or 1 when the
// text fits one window.
func EstimateChunks(textLen, size, overlap int) int {
	if textLen <= 0 {
		return 0
	}
	if size <= overlap || textLen <= size {
		return 1
	}
	return int(math.Ceil(float64(textLen-overlap) / float64(size-overlap)))
}

// SizeRecommendation is the result of OptimizeSize.
type SizeRecommendation struct {
	ChunkSize       int `json:"chunk_size"`
	ChunkOverlap    int `json:"chunk_overlap"`
	EstimatedChunks int `json:"estimated_chunks"`
}

// OptimizeSize recommends a window size and overlap that split a text of
// textLen runes into roughly targetCount chunks. overlapRatio is the
// overlap as a fraction of the size, clamped to [0, 0.5].
func OptimizeSize(textLen, targetCount int, overlapRatio float64) SizeRecommendation {
	if textLen <= 0 {
		return SizeRecommendation{}
	}
	if targetCount < 1 {
		targetCount = 1
	}
	overlapRatio = math.Max(0, math.Min(0.5, overlapRatio))

	// Solve (L - r*s) / (s - r*s) = n for s.
	size := int(math.Ceil(float64(textLen) / (float64(targetCount)*(1-overlapRatio) + overlapRatio)))
	if size < 1 {
		size = 1
	}
	overlap := int(math.Floor(float64(size) * overlapRatio))
	if overlap >= size {
		overlap = size - 1
	}

	return SizeRecommendation{
		ChunkSize:       size,
		ChunkOverlap:    overlap,
		EstimatedChunks: EstimateChunks(textLen, size, overlap),
	}
}
