package chunk

import (
	"strings"

	"github.com/Aman-CERP/knowpipe/internal/parse"
)

// span is a byte range of the source text.
type span struct {
	start, end int
}

// trimSpan shrinks a span to exclude surrounding ASCII whitespace.
func trimSpan(text string, s span) span {
	for s.start < s.end && isSpaceByte(text[s.start]) {
		s.start++
	}
	for s.end > s.start && isSpaceByte(text[s.end-1]) {
		s.end--
	}
	return s
}

// isBlank reports whether text has no non-space content.
func isBlank(text string) bool {
	return strings.TrimSpace(text) == ""
}

// single returns the whole text as one chunk.
func single(text string) []Chunk {
	s := trimSpan(text, span{0, len(text)})
	return []Chunk{{Content: text[s.start:s.end], Offset: s.start}}
}

// finalize drops empty chunks, numbers the rest from zero and attaches
// structure-derived metadata.
func finalize(chunks []Chunk, structure *parse.Structure, strategy Strategy) []Chunk {
	out := chunks[:0]
	for _, c := range chunks {
		if isBlank(c.Content) {
			continue
		}
		if c.Metadata == nil {
			c.Metadata = make(map[string]any)
		}
		c.Metadata[MetaStrategy] = string(strategy)
		annotate(&c, structure)
		c.Ordinal = len(out)
		out = append(out, c)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// annotate adds heading path, page and code language from the outline.
func annotate(c *Chunk, structure *parse.Structure) {
	if structure == nil {
		return
	}
	if path := structure.HeadingPath(c.Offset); len(path) > 0 {
		c.Metadata[MetaHeadingPath] = path
	}
	if page := structure.PageAt(c.Offset); page > 0 {
		c.Metadata[MetaPage] = page
	}
	if lang := structure.LanguageAt(c.Offset, c.Offset+len(c.Content)); lang != "" {
		c.Metadata[MetaLanguage] = lang
	}
}

// ContextChunk is a chunk with excerpts of its neighbours.
type ContextChunk struct {
	Chunk
	Prev string // tail of the previous chunk
	Next string // head of the next chunk
}

// WithContext attaches up to excerptLen runes of each neighbour. The
// first chunk has no Prev and the last has no Next.
func WithContext(chunks []Chunk, excerptLen int) []ContextChunk {
	if excerptLen <= 0 {
		excerptLen = DefaultExcerptLen
	}
	out := make([]ContextChunk, len(chunks))
	for i, c := range chunks {
		out[i].Chunk = c
		if i > 0 {
			out[i].Prev = tailRunes(chunks[i-1].Content, excerptLen)
		}
		if i < len(chunks)-1 {
			out[i].Next = headRunes(chunks[i+1].Content, excerptLen)
		}
	}
	return out
}

func headRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func tailRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[len(r)-n:])
}
