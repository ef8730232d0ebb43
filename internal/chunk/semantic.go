package chunk

import (
	"context"
	"log/slog"
	"unicode/utf8"

	kperrors "github.com/Aman-CERP/knowpipe/internal/errors"
	"github.com/Aman-CERP/knowpipe/internal/parse"
)

func init() {
	Register(StrategySemantic, func(d Deps) Chunker { return NewSemanticChunker(d.Embed) })
}

// Similarity modes recorded on semantic chunks.
const (
	SimilarityEmbedding = "embedding"
	SimilarityKeyword   = "keyword"
)

const keywordCount = 5

// SemanticChunker groups sentences and merges neighbouring groups whose
// similarity exceeds SimilarityThreshold. With no embedder it compares
// stop-word-filtered term frequencies instead.
type SemanticChunker struct {
	embed EmbedFunc
}

var _ Chunker = (*SemanticChunker)(nil)

// NewSemanticChunker creates a semantic chunker. embed may be nil.
func NewSemanticChunker(embed EmbedFunc) *SemanticChunker {
	return &SemanticChunker{embed: embed}
}

// Strategy returns StrategySemantic.
func (c *SemanticChunker) Strategy() Strategy { return StrategySemantic }

// group is a run of sentences [first, last).
type group struct {
	span
	first, last int
	tf          termFrequency
}

// Chunk splits text at topic shifts.
func (c *SemanticChunker) Chunk(ctx context.Context, text string, structure *parse.Structure, opts Options) ([]Chunk, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	if isBlank(text) {
		return nil, nil
	}
	if utf8.RuneCountInString(text) < opts.MinChunkSize {
		chunks := single(text)
		chunks[0].Metadata = map[string]any{MetaKeywords: Keywords(chunks[0].Content, keywordCount)}
		return finalize(chunks, structure, StrategySemantic), nil
	}

	sentences := splitSentences(text, span{0, len(text)})
	if len(sentences) == 0 {
		return nil, nil
	}

	vecs, err := c.sentenceVectors(ctx, text, sentences)
	if err != nil {
		return nil, err
	}
	mode := SimilarityEmbedding
	if vecs == nil {
		mode = SimilarityKeyword
	}

	groups := groupSentences(text, sentences, opts)
	merged := mergeGroups(text, groups, vecs, opts)

	chunks := make([]Chunk, 0, len(merged))
	for _, g := range merged {
		for _, s := range sliceRunes(text, g.span, opts.MaxChunkSize+opts.Tolerance) {
			s = trimSpan(text, s)
			content := text[s.start:s.end]
			chunks = append(chunks, Chunk{
				Content: content,
				Offset:  s.start,
				Metadata: map[string]any{
					MetaKeywords: Keywords(content, keywordCount),
					"sentences":  g.last - g.first,
					"similarity": mode,
				},
			})
		}
	}

	return finalize(chunks, structure, StrategySemantic), nil
}

// sentenceVectors embeds each sentence. It returns nil, without error,
// when there is no embedder or the embedder fails; callers then fall
// back to keyword similarity.
func (c *SemanticChunker) sentenceVectors(ctx context.Context, text string, sentences []span) ([][]float32, error) {
	if c.embed == nil {
		return nil, nil
	}

	texts := make([]string, len(sentences))
	for i, s := range sentences {
		texts[i] = text[s.start:s.end]
	}

	vecs, err := c.embed(ctx, texts)
	if err == nil && len(vecs) == len(texts) {
		return vecs, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}

	cerr := kperrors.ChunkingError("sentence embedding unavailable, using keyword similarity", err)
	slog.LogAttrs(ctx, slog.LevelDebug, "chunk_semantic_fallback", kperrors.LogAttrs(cerr)...)
	return nil, nil
}

// groupSentences packs consecutive sentences until each group reaches
// MinChunkSize. A short trailing group joins its predecessor when the
// result still fits MaxChunkSize.
func groupSentences(text string, sentences []span, opts Options) []group {
	var groups []group
	cur := group{span: sentences[0], first: 0, last: 1}

	for i := 1; i < len(sentences); i++ {
		if runeLen(text, cur.span) >= opts.MinChunkSize {
			groups = append(groups, cur)
			cur = group{span: sentences[i], first: i, last: i + 1}
			continue
		}
		cur.end = sentences[i].end
		cur.last = i + 1
	}

	if n := len(groups); n > 0 && runeLen(text, cur.span) < opts.MinChunkSize &&
		runeLen(text, span{groups[n-1].start, cur.end}) <= opts.MaxChunkSize {
		groups[n-1].end = cur.end
		groups[n-1].last = cur.last
	} else {
		groups = append(groups, cur)
	}

	for i := range groups {
		groups[i].tf = newTermFrequency(text[groups[i].start:groups[i].end])
	}
	return groups
}

// mergeGroups joins adjacent groups while their similarity is strictly
// above the threshold and the union fits MaxChunkSize. A score equal to
// the threshold keeps the boundary.
func mergeGroups(text string, groups []group, vecs [][]float32, opts Options) []group {
	if len(groups) == 0 {
		return nil
	}

	out := make([]group, 0, len(groups))
	cur := groups[0]
	for _, next := range groups[1:] {
		sim := groupSimilarity(cur, next, vecs)
		union := span{cur.start, next.end}
		if sim > opts.SimilarityThreshold && runeLen(text, union) <= opts.MaxChunkSize {
			cur = group{span: union, first: cur.first, last: next.last, tf: cur.tf.add(next.tf)}
			continue
		}
		out = append(out, cur)
		cur = next
	}
	return append(out, cur)
}

func groupSimilarity(a, b group, vecs [][]float32) float64 {
	if vecs == nil {
		return a.tf.cosine(b.tf)
	}
	return CosineSimilarity(MeanVector(vecs[a.first:a.last]), MeanVector(vecs[b.first:b.last]))
}

func runeLen(text string, s span) int {
	return utf8.RuneCountInString(text[s.start:s.end])
}

// sliceRunes cuts s into pieces of at most size runes.
func sliceRunes(text string, s span, size int) []span {
	if size < 1 || runeLen(text, s) <= size {
		return []span{s}
	}
	var out []span
	start, count := s.start, 0
	for i := range text[s.start:s.end] {
		if count == size {
			out = append(out, span{start, s.start + i})
			start, count = s.start+i, 0
		}
		count++
	}
	if start < s.end {
		out = append(out, span{start, s.end})
	}
	return out
}
