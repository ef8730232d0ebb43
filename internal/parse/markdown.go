package parse

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
)

var (
	// headingPattern matches ATX headings, dropping any closing #s.
	headingPattern = regexp.MustCompile(`^(#{1,6})\s+(.+?)(?:\s+#+)?\s*$`)

	// fencePattern matches an opening code fence and its info string.
	fencePattern = regexp.MustCompile("^ {0,3}(`{3,}|~{3,})\\s*([^\\s`]*)")

	// linkPattern matches [text](url) and ![alt](src).
	linkPattern = regexp.MustCompile(`(!?)\[([^\]]*)\]\(([^)\s]+)(?:\s+"[^"]*")?\)`)
)

// MarkdownParser handles Markdown with optional YAML front matter.
type MarkdownParser struct {
	detectLanguage func(ctx context.Context, code string) string
}

var _ Parser = (*MarkdownParser)(nil)

// NewMarkdownParser creates a Markdown parser. Untagged code blocks are
// classified with tree-sitter grammars.
func NewMarkdownParser() *MarkdownParser {
	return &MarkdownParser{detectLanguage: DetectLanguage}
}

// Format returns FormatMarkdown.
func (p *MarkdownParser) Format() Format { return FormatMarkdown }

// Extensions returns the extensions handled by this parser.
func (p *MarkdownParser) Extensions() []string { return []string{".md", ".markdown", ".mdx"} }

type openFence struct {
	marker string
	lang   string
	offset int
	line   int
	body   []string
}

func (f *openFence) block(end int) CodeBlock {
	body := f.body
	for len(body) > 0 && body[len(body)-1] == "" {
		body = body[:len(body)-1]
	}
	return CodeBlock{
		Language: f.lang,
		Content:  strings.Join(body, "\n"),
		Offset:   f.offset,
		End:      end,
	}
}

// Parse extracts headings, code blocks, links and front matter.
func (p *MarkdownParser) Parse(ctx context.Context, raw []byte, name string) (*Result, error) {
	if err := checkText(raw); err != nil {
		return nil, err
	}

	content := normalizeLineEndings(string(raw))
	block, body, _, err := splitFrontMatter(content)
	if err != nil {
		return nil, err
	}
	md, err := decodeFrontMatter(block)
	if err != nil {
		return nil, err
	}

	res := &Result{Format: FormatMarkdown, Metadata: md}
	var (
		b     textBuilder
		fence *openFence
	)

	for i, line := range strings.Split(body, "\n") {
		if fence != nil {
			if isFenceClose(line, fence.marker) {
				b.Raw(strings.TrimSpace(line))
				res.Structure.CodeBlocks = append(res.Structure.CodeBlocks, fence.block(b.Len()))
				fence = nil
				continue
			}
			code := strings.TrimRight(line, " \t")
			b.Raw(code)
			fence.body = append(fence.body, code)
			continue
		}

		if m := fencePattern.FindStringSubmatch(line); m != nil {
			fence = &openFence{marker: m[1], lang: strings.ToLower(m[2]), offset: b.Offset(), line: i + 1}
			b.Line(normalizeLine(line))
			continue
		}

		if m := headingPattern.FindStringSubmatch(line); m != nil {
			text := normalizeLine(m[2])
			res.Structure.Headings = append(res.Structure.Headings, Heading{
				Text:   text,
				Level:  len(m[1]),
				Offset: b.Offset(),
			})
			b.Line(m[1] + " " + text)
			continue
		}

		normalized := normalizeLine(line)
		if normalized != "" {
			p.collectLinks(res, normalized, b.Offset())
		}
		b.Line(normalized)
	}

	// An unclosed fence runs to the end of the document.
	if fence != nil {
		slog.Debug("code_fence_closed_at_eof", slog.String("file", name), slog.Int("line", fence.line))
		res.Structure.CodeBlocks = append(res.Structure.CodeBlocks, fence.block(b.Len()))
	}

	for i := range res.Structure.CodeBlocks {
		cb := &res.Structure.CodeBlocks[i]
		if cb.Language == "" && p.detectLanguage != nil {
			cb.Language = p.detectLanguage(ctx, cb.Content)
		}
	}

	res.Text = b.String()
	if res.Metadata.Title == "" {
		for _, h := range res.Structure.Headings {
			if h.Level == 1 {
				res.Metadata.Title = h.Text
				break
			}
		}
	}
	if res.Metadata.Title == "" {
		res.Metadata.Title = titleFromName(name)
	}

	return res, nil
}

func (p *MarkdownParser) collectLinks(res *Result, line string, base int) {
	for _, m := range linkPattern.FindAllStringSubmatchIndex(line, -1) {
		link := Link{
			Text:   line[m[4]:m[5]],
			URL:    line[m[6]:m[7]],
			Offset: base + m[0],
		}
		if m[3] > m[2] {
			res.Structure.Images = append(res.Structure.Images, link)
		} else {
			res.Structure.Links = append(res.Structure.Links, link)
		}
	}
}

// isFenceClose reports whether line closes a fence opened with marker:
// same character, at least as long, nothing else on the line.
func isFenceClose(line, marker string) bool {
	t := strings.TrimSpace(line)
	if len(t) < len(marker) || t[0] != marker[0] {
		return false
	}
	return strings.Trim(t, marker[:1]) == ""
}
