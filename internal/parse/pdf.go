package parse

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"

	kperrors "github.com/Aman-CERP/knowpipe/internal/errors"
)

// PDFParser extracts text page by page.
type PDFParser struct{}

var _ Parser = (*PDFParser)(nil)

// NewPDFParser creates a PDF parser.
func NewPDFParser() *PDFParser {
	return &PDFParser{}
}

// Format returns FormatPDF.
func (p *PDFParser) Format() Format { return FormatPDF }

// Extensions returns the extensions handled by this parser.
func (p *PDFParser) Extensions() []string { return []string{".pdf"} }

// Parse extracts page text and Info dictionary metadata. Every page gets
// a boundary, including pages without extractable text.
func (p *PDFParser) Parse(ctx context.Context, raw []byte, name string) (res *Result, err error) {
	if !bytes.HasPrefix(bytes.TrimLeft(raw, "\x00\t\r\n "), []byte("%PDF-")) {
		return nil, kperrors.ParseError("missing %PDF- header", nil)
	}

	// The reader panics on some malformed cross-reference tables.
	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = kperrors.ParseError(fmt.Sprintf("malformed PDF: %v", r), nil)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, kperrors.ParseError("cannot open PDF", err)
	}

	res = &Result{Format: FormatPDF}
	var b textBuilder

	numPages := reader.NumPage()
	for i := 1; i <= numPages; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if i > 1 {
			b.Line("")
		}
		start := b.Offset()
		if b.Len() == 0 {
			start = 0
		}

		page := reader.Page(i)
		text := ""
		if !page.V.IsNull() {
			text, err = page.GetPlainText(nil)
			if err != nil {
				return nil, kperrors.ParseError(fmt.Sprintf("cannot extract text from page %d", i), err)
			}
		}

		wrote := false
		for _, line := range strings.Split(normalizeLineEndings(text), "\n") {
			line = normalizeLine(line)
			if line != "" {
				wrote = true
			}
			b.Line(line)
		}
		if !wrote {
			start = b.Len()
		}
		res.Structure.Pages = append(res.Structure.Pages, Page{Number: i, Start: start, End: b.Len()})
	}

	res.Text = b.String()
	res.Structure.Links = findBareLinks(res.Text)

	info := reader.Trailer().Key("Info")
	if !info.IsNull() {
		res.Metadata.Title = strings.TrimSpace(info.Key("Title").Text())
		res.Metadata.Author = strings.TrimSpace(info.Key("Author").Text())
		res.Metadata.Date = pdfDate(info.Key("CreationDate").Text())
	}
	if res.Metadata.Title == "" {
		res.Metadata.Title = titleFromName(name)
	}

	return res, nil
}

// pdfDate converts "D:20240102150405Z" to "2024-01-02".
func pdfDate(s string) string {
	s = strings.TrimPrefix(strings.TrimSpace(s), "D:")
	if len(s) < 8 {
		return ""
	}
	return s[0:4] + "-" + s[4:6] + "-" + s[6:8]
}
