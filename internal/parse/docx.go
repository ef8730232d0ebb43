package parse

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"io"
	"strconv"
	"strings"

	kperrors "github.com/Aman-CERP/knowpipe/internal/errors"
)

const (
	docxBodyPart = "word/document.xml"
	docxCorePart = "docProps/core.xml"
)

// DOCXParser handles Office Open XML word processing documents.
type DOCXParser struct{}

var _ Parser = (*DOCXParser)(nil)

// NewDOCXParser creates a DOCX parser.
func NewDOCXParser() *DOCXParser {
	return &DOCXParser{}
}

// Format returns FormatDOCX.
func (p *DOCXParser) Format() Format { return FormatDOCX }

// Extensions returns the extensions handled by this parser.
func (p *DOCXParser) Extensions() []string { return []string{".docx"} }

// Parse reads word/document.xml paragraph by paragraph. Paragraphs with a
// HeadingN style become headings.
func (p *DOCXParser) Parse(ctx context.Context, raw []byte, name string) (*Result, error) {
	reader, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, kperrors.ParseError("not a valid DOCX archive", err)
	}

	body, err := readZipPart(reader, docxBodyPart)
	if err != nil {
		return nil, err
	}
	if body == nil {
		return nil, kperrors.ParseError("DOCX archive has no "+docxBodyPart, nil)
	}

	paragraphs, err := parseDocxParagraphs(ctx, body)
	if err != nil {
		return nil, err
	}

	res := &Result{Format: FormatDOCX}
	var b textBuilder
	for _, para := range paragraphs {
		text := normalizeLine(para.text)
		if text == "" {
			continue
		}
		if para.level > 0 {
			b.Line("")
			res.Structure.Headings = append(res.Structure.Headings, Heading{
				Text: text, Level: para.level, Offset: b.Offset(),
			})
			b.Line(text)
			continue
		}
		b.Paragraph(text)
	}
	res.Text = b.String()
	res.Structure.Links = findBareLinks(res.Text)

	if core, err := readZipPart(reader, docxCorePart); err == nil && core != nil {
		res.Metadata = parseDocxCore(core)
	}
	if res.Metadata.Title == "" && len(paragraphs) > 0 {
		for _, para := range paragraphs {
			if para.title {
				res.Metadata.Title = normalizeLine(para.text)
				break
			}
		}
	}
	if res.Metadata.Title == "" {
		res.Metadata.Title = titleFromName(name)
	}

	return res, nil
}

func readZipPart(reader *zip.Reader, name string) ([]byte, error) {
	for _, file := range reader.File {
		if file.Name != name {
			continue
		}
		rc, err := file.Open()
		if err != nil {
			return nil, kperrors.ParseError("cannot open "+name, err)
		}
		defer rc.Close()

		data, err := io.ReadAll(rc)
		if err != nil {
			return nil, kperrors.ParseError("cannot read "+name, err)
		}
		return data, nil
	}
	return nil, nil
}

type docxParagraph struct {
	text  string
	level int
	title bool
}

// parseDocxParagraphs streams document.xml. Text runs (w:t), tabs and
// breaks are collected per w:p, including paragraphs inside tables.
func parseDocxParagraphs(ctx context.Context, data []byte) ([]docxParagraph, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))

	var (
		out     []docxParagraph
		current *docxParagraph
		sb      strings.Builder
		inText  bool
		sawBody bool
	)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, kperrors.ParseError("malformed "+docxBodyPart, err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "body":
				sawBody = true
			case "p":
				current = &docxParagraph{}
				sb.Reset()
			case "pStyle":
				if current != nil {
					style := attrValue(t, "val")
					current.level = headingLevel(style)
					current.title = strings.EqualFold(style, "Title")
				}
			case "t":
				inText = true
			case "tab":
				sb.WriteByte(' ')
			case "br", "cr":
				sb.WriteByte(' ')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				if current != nil {
					current.text = sb.String()
					out = append(out, *current)
					current = nil
				}
			}
		case xml.CharData:
			if inText && current != nil {
				sb.Write(t)
			}
		}
	}

	if !sawBody {
		return nil, kperrors.ParseError(docxBodyPart+" has no body element", nil)
	}
	return out, nil
}

func attrValue(el xml.StartElement, local string) string {
	for _, a := range el.Attr {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

// headingLevel maps "Heading2" or "heading 2" to 2. Anything else is 0.
func headingLevel(style string) int {
	s := strings.ToLower(strings.ReplaceAll(style, " ", ""))
	if !strings.HasPrefix(s, "heading") {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimPrefix(s, "heading"))
	if err != nil || n < 1 || n > 6 {
		return 0
	}
	return n
}

type docxCore struct {
	Title   string `xml:"title"`
	Creator string `xml:"creator"`
	Created string `xml:"created"`
	Subject string `xml:"subject"`
}

func parseDocxCore(data []byte) Metadata {
	var core docxCore
	if err := xml.Unmarshal(data, &core); err != nil {
		return Metadata{}
	}

	md := Metadata{
		Title:  strings.TrimSpace(core.Title),
		Author: strings.TrimSpace(core.Creator),
	}
	if created := strings.TrimSpace(core.Created); len(created) >= 10 {
		md.Date = created[:10]
	}
	if subject := strings.TrimSpace(core.Subject); subject != "" {
		md.Extra = map[string]string{"subject": subject}
	}
	return md
}
