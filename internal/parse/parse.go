// Package parse turns raw document bytes into normalized text plus a
// structural outline. Parsers extract only; they never chunk or embed.
package parse

import (
	"context"
	"sort"
)

// Format identifies a document format.
type Format string

const (
	FormatText     Format = "text"
	FormatMarkdown Format = "markdown"
	FormatPDF      Format = "pdf"
	FormatDOCX     Format = "docx"
)

// Parser extracts text and structure from one format.
type Parser interface {
	// Format returns the format this parser handles.
	Format() Format

	// Extensions returns file extensions (with dot) mapped to this format.
	Extensions() []string

	// Parse converts raw bytes into a Result. name is the source filename,
	// used for title fallback. Malformed input returns a ParseError.
	Parse(ctx context.Context, raw []byte, name string) (*Result, error)
}

// Result is the output of a parser.
type Result struct {
	Format    Format
	Text      string
	Structure Structure
	Metadata  Metadata
}

// Metadata is document-level metadata found in the source.
type Metadata struct {
	Title  string            `json:"title,omitempty"`
	Author string            `json:"author,omitempty"`
	Date   string            `json:"date,omitempty"`
	Extra  map[string]string `json:"extra,omitempty"`
}

// Heading is a section heading. Offset is the byte offset in Result.Text.
type Heading struct {
	Text   string `json:"text"`
	Level  int    `json:"level"`
	Offset int    `json:"offset"`
}

// CodeBlock is a fenced or extracted code block.
type CodeBlock struct {
	Language string `json:"language,omitempty"`
	Content  string `json:"content"`
	Offset   int    `json:"offset"`
	End      int    `json:"end"`
}

// Link is a hyperlink or image reference.
type Link struct {
	Text   string `json:"text,omitempty"`
	URL    string `json:"url"`
	Offset int    `json:"offset"`
}

// Page is a page boundary: text[Start:End] belongs to page Number (1-based).
type Page struct {
	Number int `json:"number"`
	Start  int `json:"start"`
	End    int `json:"end"`
}

// Structure is the outline of a parsed document.
type Structure struct {
	Headings   []Heading   `json:"headings,omitempty"`
	CodeBlocks []CodeBlock `json:"code_blocks,omitempty"`
	Links      []Link      `json:"links,omitempty"`
	Images     []Link      `json:"images,omitempty"`
	Pages      []Page      `json:"pages,omitempty"`
}

// HeadingPath returns the heading titles enclosing offset, outermost first.
func (s *Structure) HeadingPath(offset int) []string {
	if s == nil {
		return nil
	}

	var stack []Heading
	for _, h := range s.Headings {
		if h.Offset > offset {
			break
		}
		for len(stack) > 0 && stack[len(stack)-1].Level >= h.Level {
			stack = stack[:len(stack)-1]
		}
		stack = append(stack, h)
	}

	path := make([]string, len(stack))
	for i, h := range stack {
		path[i] = h.Text
	}
	return path
}

// PageAt returns the page number containing offset, or 0 when the
// document has no page boundaries.
func (s *Structure) PageAt(offset int) int {
	if s == nil || len(s.Pages) == 0 {
		return 0
	}
	i := sort.Search(len(s.Pages), func(i int) bool { return s.Pages[i].End > offset })
	if i == len(s.Pages) {
		return s.Pages[len(s.Pages)-1].Number
	}
	return s.Pages[i].Number
}

// LanguageAt returns the language of the code block overlapping
// [start, end), or "" when none does.
func (s *Structure) LanguageAt(start, end int) string {
	if s == nil {
		return ""
	}
	for _, cb := range s.CodeBlocks {
		if cb.Offset < end && cb.End > start && cb.Language != "" {
			return cb.Language
		}
	}
	return ""
}
