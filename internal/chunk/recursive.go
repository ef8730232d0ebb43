package chunk

import (
	"context"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	kperrors "github.com/Aman-CERP/knowpipe/internal/errors"
	"github.com/Aman-CERP/knowpipe/internal/parse"
)

func init() {
	Register(StrategyRecursive, func(Deps) Chunker { return NewRecursiveChunker() })
}

// DocType is the document shape that selects a separator hierarchy.
type DocType string

const (
	DocTypeMarkdown DocType = "markdown"
	DocTypeList     DocType = "list"
	DocTypeProse    DocType = "prose"
)

var (
	mdHeadingLine = regexp.MustCompile(`(?m)^(#{1,6})[ \t]+(.+?)[ \t]*#*[ \t]*$`)
	bulletLine    = regexp.MustCompile(`(?m)^[ \t]*(?:[-*+]|\d+[.)])[ \t]+\S`)
)

// separator splits a span at each occurrence of one of its tokens. cut is
// how many bytes of the token stay with the preceding piece: headings and
// bullets keep their marker with the piece they start.
type separator struct {
	tokens   []string
	cut      int
	sentence bool
}

var separatorsByType = map[DocType][]separator{
	DocTypeMarkdown: {
		{tokens: []string{"\n# "}, cut: 1},
		{tokens: []string{"\n## "}, cut: 1},
		{tokens: []string{"\n### "}, cut: 1},
		{tokens: []string{"\n\n"}, cut: 2},
		{tokens: []string{"\n"}, cut: 1},
		{sentence: true},
	},
	DocTypeList: {
		{tokens: []string{"\n\n"}, cut: 2},
		{tokens: []string{"\n- ", "\n* "}, cut: 1},
		{tokens: []string{"\n"}, cut: 1},
		{sentence: true},
	},
	DocTypeProse: {
		{tokens: []string{"\n\n"}, cut: 2},
		{tokens: []string{"\n"}, cut: 1},
		{sentence: true},
	},
}

// DetectDocType classifies text by its markers: headings or code fences
// mean markdown, two or more bullet lines mean list.
func DetectDocType(text string) DocType {
	if mdHeadingLine.MatchString(text) || strings.Contains(text, "```") {
		return DocTypeMarkdown
	}
	if len(bulletLine.FindAllStringIndex(text, 2)) >= 2 {
		return DocTypeList
	}
	return DocTypeProse
}

// RecursiveChunker splits on the highest-priority separator present and
// packs pieces greedily up to MaxChunkSize. Oversized pieces recurse with
// the next separator. When none helps, or MaxDepth is reached, the piece
// is sliced by rune count, which always terminates.
type RecursiveChunker struct{}

var _ Chunker = (*RecursiveChunker)(nil)

// NewRecursiveChunker creates a recursive chunker.
func NewRecursiveChunker() *RecursiveChunker {
	return &RecursiveChunker{}
}

// Strategy returns StrategyRecursive.
func (c *RecursiveChunker) Strategy() Strategy { return StrategyRecursive }

type piece struct {
	span
	depth  int
	forced bool
}

type recursiveRun struct {
	ctx    context.Context
	text   string
	opts   Options
	seps   []separator
	forced int
}

// Chunk splits text recursively. Each chunk records its depth and the
// markdown section path it starts in.
func (c *RecursiveChunker) Chunk(ctx context.Context, text string, structure *parse.Structure, opts Options) ([]Chunk, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	if isBlank(text) {
		return nil, nil
	}
	if utf8.RuneCountInString(text) < opts.MinChunkSize {
		chunks := single(text)
		chunks[0].Metadata = map[string]any{MetaDepth: 0}
		return finalize(chunks, structure, StrategyRecursive), nil
	}

	docType := DetectDocType(text)
	run := &recursiveRun{ctx: ctx, text: text, opts: opts, seps: separatorsByType[docType]}

	pieces := run.split(span{0, len(text)}, 0, 0)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if run.forced > 0 {
		// Recovered locally: the forced slices are valid chunks.
		err := kperrors.ChunkingError("no separator made progress, used forced split", nil).
			WithDetail("pieces", strconv.Itoa(run.forced))
		slog.LogAttrs(ctx, slog.LevelDebug, "chunk_forced_split", kperrors.LogAttrs(err)...)
	}

	sections := sectionOutline(text)
	chunks := make([]Chunk, 0, len(pieces))
	for _, p := range pieces {
		s := trimSpan(text, p.span)
		if s.end <= s.start {
			continue
		}
		md := map[string]any{
			MetaDepth: p.depth,
		}
		if path := sections.HeadingPath(s.start); len(path) > 0 {
			md[MetaSectionPath] = path
		}
		if p.forced {
			md[MetaForced] = true
		}
		chunks = append(chunks, Chunk{Content: text[s.start:s.end], Offset: s.start, Metadata: md})
	}

	return finalize(chunks, structure, StrategyRecursive), nil
}

func (r *recursiveRun) runes(s span) int {
	return utf8.RuneCountInString(r.text[s.start:s.end])
}

func (r *recursiveRun) split(s span, level, depth int) []piece {
	if r.ctx.Err() != nil {
		return nil
	}
	if r.runes(s) <= r.opts.MaxChunkSize {
		return []piece{{span: s, depth: depth}}
	}
	if depth >= r.opts.MaxDepth || level >= len(r.seps) {
		return r.forceSplit(s, depth)
	}

	parts := r.seps[level].split(r.text, s)
	if len(parts) <= 1 {
		// Separator absent; try the next one at the same depth.
		return r.split(s, level+1, depth)
	}

	var (
		out []piece
		cur span
		has bool
	)
	flush := func() {
		if has {
			out = append(out, piece{span: cur, depth: depth})
			has = false
		}
	}

	for _, p := range parts {
		if r.runes(p) > r.opts.MaxChunkSize {
			flush()
			out = append(out, r.split(p, level+1, depth+1)...)
			continue
		}
		if has && r.runes(span{cur.start, p.end}) <= r.opts.MaxChunkSize {
			cur.end = p.end
			continue
		}
		flush()
		cur, has = p, true
	}
	flush()
	return out
}

// forceSplit slices s into MaxChunkSize-rune pieces.
func (r *recursiveRun) forceSplit(s span, depth int) []piece {
	spans := sliceRunes(r.text, s, r.opts.MaxChunkSize)
	out := make([]piece, len(spans))
	for i, sp := range spans {
		out[i] = piece{span: sp, depth: depth, forced: true}
	}
	r.forced += len(out)
	return out
}

// split cuts s at every occurrence of the separator's tokens.
func (sep separator) split(text string, s span) []span {
	if sep.sentence {
		return splitSentences(text, s)
	}

	var cuts []int
	for i := s.start; i < s.end; i++ {
		for _, tok := range sep.tokens {
			if strings.HasPrefix(text[i:s.end], tok) {
				if c := i + sep.cut; c > s.start && c < s.end {
					cuts = append(cuts, c)
				}
				break
			}
		}
	}

	out := make([]span, 0, len(cuts)+1)
	start := s.start
	for _, c := range cuts {
		if c > start {
			out = append(out, span{start, c})
			start = c
		}
	}
	out = append(out, span{start, s.end})
	return out
}

// sectionOutline finds the markdown headings of text.
func sectionOutline(text string) *parse.Structure {
	var st parse.Structure
	for _, m := range mdHeadingLine.FindAllStringSubmatchIndex(text, -1) {
		st.Headings = append(st.Headings, parse.Heading{
			Text:   strings.TrimSpace(text[m[4]:m[5]]),
			Level:  m[3] - m[2],
			Offset: m[0],
		})
	}
	return &st
}

// Node is a section in the chunk hierarchy.
type Node struct {
	Title    string
	Path     []string
	Chunks   []int // ordinals of chunks whose section is exactly this node
	Children []*Node
}

// BuildHierarchy arranges chunks into a tree keyed by their section path.
// Chunks without a section path attach to the root.
func BuildHierarchy(chunks []Chunk) *Node {
	root := &Node{}
	for _, c := range chunks {
		path, _ := c.Metadata[MetaSectionPath].([]string)
		node := root
		for i, title := range path {
			node = node.child(title, path[:i+1])
		}
		node.Chunks = append(node.Chunks, c.Ordinal)
	}
	return root
}

func (n *Node) child(title string, path []string) *Node {
	for _, ch := range n.Children {
		if ch.Title == title {
			return ch
		}
	}
	ch := &Node{Title: title, Path: append([]string(nil), path...)}
	n.Children = append(n.Children, ch)
	return ch
}

// Walk visits the node and its descendants depth-first.
func (n *Node) Walk(fn func(*Node)) {
	fn(n)
	for _, ch := range n.Children {
		ch.Walk(fn)
	}
}
