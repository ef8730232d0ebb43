package parse

import (
	"regexp"
	"strings"
)

var (
	spaceRun     = regexp.MustCompile(`[ \t\f\v]+`)
	blankLineRun = regexp.MustCompile(`\n{3,}`)
)

// normalizeLineEndings converts CRLF and lone CR to LF.
func normalizeLineEndings(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

// normalizeLine collapses runs of horizontal whitespace and trims the line.
func normalizeLine(line string) string {
	return strings.TrimSpace(spaceRun.ReplaceAllString(line, " "))
}

// Normalize applies the shared whitespace rules: LF line endings, single
// spaces, trimmed lines, no more than one blank line in a row, trimmed ends.
func Normalize(s string) string {
	s = normalizeLineEndings(s)
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = normalizeLine(l)
	}
	s = strings.Join(lines, "\n")
	s = blankLineRun.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// textBuilder accumulates normalized output while tracking byte offsets,
// so structure offsets always point into the final text.
type textBuilder struct {
	sb        strings.Builder
	lastBlank bool
}

// Len returns the current output length in bytes.
func (b *textBuilder) Len() int {
	return b.sb.Len()
}

// Line appends a line. Blank lines collapse and never lead the output.
func (b *textBuilder) Line(line string) {
	if line == "" {
		if b.sb.Len() == 0 || b.lastBlank {
			return
		}
		b.sb.WriteByte('\n')
		b.lastBlank = true
		return
	}
	if b.sb.Len() > 0 && !b.lastBlank {
		b.sb.WriteByte('\n')
	}
	if b.lastBlank {
		// The blank line was written as a lone '\n'; finish the separator.
		b.sb.WriteByte('\n')
	}
	b.sb.WriteString(line)
	b.lastBlank = false
}

// Raw appends a line verbatim, blank or not. Used inside code blocks.
func (b *textBuilder) Raw(line string) {
	if b.sb.Len() > 0 {
		b.sb.WriteByte('\n')
	} else if line == "" {
		return
	}
	b.sb.WriteString(line)
	b.lastBlank = false
}

// Offset returns the offset the next non-blank Line will start at.
func (b *textBuilder) Offset() int {
	n := b.sb.Len()
	if n == 0 {
		return 0
	}
	return n + 1
}

// Paragraph appends a paragraph separated from the previous one by a
// blank line.
func (b *textBuilder) Paragraph(text string) {
	b.Line("")
	b.Line(text)
}

// String returns the built text without trailing whitespace.
func (b *textBuilder) String() string {
	return strings.TrimRight(b.sb.String(), "\n")
}
