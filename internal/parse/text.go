package parse

import (
	"bytes"
	"context"
	"regexp"
	"strings"
	"unicode/utf8"

	kperrors "github.com/Aman-CERP/knowpipe/internal/errors"
)

var bareURLPattern = regexp.MustCompile(`https?://[^\s<>()\[\]]+`)

// TextParser handles plain text. Form feeds mark page boundaries.
type TextParser struct{}

var _ Parser = (*TextParser)(nil)

// NewTextParser creates a plain text parser.
func NewTextParser() *TextParser {
	return &TextParser{}
}

// Format returns FormatText.
func (p *TextParser) Format() Format { return FormatText }

// Extensions returns the extensions handled by this parser.
func (p *TextParser) Extensions() []string { return []string{".txt", ".text", ".log"} }

// Parse validates and normalizes plain text.
func (p *TextParser) Parse(_ context.Context, raw []byte, name string) (*Result, error) {
	if err := checkText(raw); err != nil {
		return nil, err
	}

	res := &Result{Format: FormatText}
	var b textBuilder

	pages := strings.Split(normalizeLineEndings(string(raw)), "\f")
	for i, page := range pages {
		if i > 0 {
			b.Line("")
		}
		start := b.Offset()
		wrote := false
		for _, line := range strings.Split(page, "\n") {
			line = normalizeLine(line)
			if line != "" {
				wrote = true
			}
			b.Line(line)
		}
		if len(pages) > 1 {
			if !wrote {
				start = b.Len()
			}
			res.Structure.Pages = append(res.Structure.Pages, Page{Number: i + 1, Start: start, End: b.Len()})
		}
	}

	res.Text = b.String()
	res.Structure.Links = findBareLinks(res.Text)
	res.Metadata.Title = firstLine(res.Text)
	if res.Metadata.Title == "" {
		res.Metadata.Title = titleFromName(name)
	}

	return res, nil
}

// checkText rejects binary content: invalid UTF-8 or NUL bytes.
func checkText(raw []byte) error {
	if !utf8.Valid(raw) {
		return kperrors.ParseError("content is not valid UTF-8", nil)
	}
	if bytes.IndexByte(raw, 0) >= 0 {
		return kperrors.ParseError("content contains NUL bytes (binary data?)", nil)
	}
	return nil
}

func findBareLinks(text string) []Link {
	locs := bareURLPattern.FindAllStringIndex(text, -1)
	links := make([]Link, 0, len(locs))
	for _, loc := range locs {
		url := strings.TrimRight(text[loc[0]:loc[1]], ".,;:!?")
		links = append(links, Link{URL: url, Offset: loc[0]})
	}
	return links
}

func firstLine(text string) string {
	line, _, _ := strings.Cut(text, "\n")
	line = strings.TrimSpace(line)
	if r := []rune(line); len(r) > 120 {
		line = string(r[:120])
	}
	return line
}
