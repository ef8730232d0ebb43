package parse

import (
	"archive/zip"
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kperrors "github.com/Aman-CERP/knowpipe/internal/errors"
)

func TestTextParser_NormalizesAndSplitsPages(t *testing.T) {
	// Given: text with CRLF endings, space runs, blank line runs and a form feed
	raw := "Hello   world\r\n\r\n\r\nSecond\fPage two"

	// When: parsing
	res, err := NewTextParser().Parse(context.Background(), []byte(raw), "notes.txt")
	require.NoError(t, err)

	// Then: whitespace is normalized and each page has a boundary
	assert.Equal(t, "Hello world\n\nSecond\n\nPage two", res.Text)
	require.Len(t, res.Structure.Pages, 2)
	assert.Equal(t, Page{Number: 1, Start: 0, End: 19}, res.Structure.Pages[0])
	assert.Equal(t, 21, res.Structure.Pages[1].Start)
	assert.Equal(t, 1, res.Structure.PageAt(0))
	assert.Equal(t, 2, res.Structure.PageAt(21))
	assert.Equal(t, "Hello world", res.Metadata.Title)
}

func TestTextParser_RejectsBinary(t *testing.T) {
	tests := map[string][]byte{
		"invalid utf8": {0xff, 0xfe, 0xfd},
		"nul bytes":    []byte("abc\x00def"),
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := NewTextParser().Parse(context.Background(), raw, "x.txt")
			require.Error(t, err)
			assert.True(t, kperrors.IsKind(err, kperrors.KindParse))
		})
	}
}

func TestTextParser_FindsBareLinks(t *testing.T) {
	res, err := NewTextParser().Parse(context.Background(), []byte("see https://example.com/docs."), "")
	require.NoError(t, err)
	require.Len(t, res.Structure.Links, 1)
	assert.Equal(t, "https://example.com/docs", res.Structure.Links[0].URL)
	assert.Equal(t, 4, res.Structure.Links[0].Offset)
}

const guideMarkdown = "---\n" +
	"title: Guide\n" +
	"author: Ann\n" +
	"tags: [a, b]\n" +
	"---\n" +
	"# Intro\n" +
	"Some   text with [link](https://x.io) and ![logo](img/logo.png).\n" +
	"\n" +
	"## Setup\n" +
	"```go\n" +
	"fmt.Println(\"hi\")\n" +
	"```\n" +
	"### Details\n" +
	"More.\n"

func TestMarkdownParser_ExtractsStructure(t *testing.T) {
	// When: parsing a markdown document with front matter
	res, err := NewMarkdownParser().Parse(context.Background(), []byte(guideMarkdown), "guide.md")
	require.NoError(t, err)

	// Then: metadata comes from front matter
	assert.Equal(t, "Guide", res.Metadata.Title)
	assert.Equal(t, "Ann", res.Metadata.Author)
	assert.Equal(t, "a, b", res.Metadata.Extra["tags"])
	assert.NotContains(t, res.Text, "title: Guide")

	// And: heading offsets point into the output text
	require.Len(t, res.Structure.Headings, 3)
	for _, h := range res.Structure.Headings {
		assert.True(t, strings.HasPrefix(res.Text[h.Offset:], strings.Repeat("#", h.Level)+" "+h.Text),
			"heading %q offset %d", h.Text, h.Offset)
	}

	// And: the fenced block keeps its language and span
	require.Len(t, res.Structure.CodeBlocks, 1)
	cb := res.Structure.CodeBlocks[0]
	assert.Equal(t, "go", cb.Language)
	assert.Equal(t, "fmt.Println(\"hi\")", cb.Content)
	assert.Equal(t, "```go\nfmt.Println(\"hi\")\n```", res.Text[cb.Offset:cb.End])

	// And: links and images are separated
	require.Len(t, res.Structure.Links, 1)
	assert.Equal(t, "https://x.io", res.Structure.Links[0].URL)
	require.Len(t, res.Structure.Images, 1)
	assert.Equal(t, "img/logo.png", res.Structure.Images[0].URL)
	assert.Contains(t, res.Text, "Some text with")

	// And: heading paths nest
	details := res.Structure.Headings[2]
	assert.Equal(t, []string{"Intro", "Setup", "Details"}, res.Structure.HeadingPath(details.Offset+1))
}

func TestMarkdownParser_TitleFallbacks(t *testing.T) {
	p := NewMarkdownParser()

	res, err := p.Parse(context.Background(), []byte("intro\n\n# Real Title\n"), "doc.md")
	require.NoError(t, err)
	assert.Equal(t, "Real Title", res.Metadata.Title)

	res, err = p.Parse(context.Background(), []byte("## only h2\n"), "dir/doc-name.md")
	require.NoError(t, err)
	assert.Equal(t, "doc-name", res.Metadata.Title)
}

func TestMarkdownParser_UnterminatedFenceRunsToEOF(t *testing.T) {
	// Given: a fence that is never closed
	raw := "# Title\n\n```python\nprint(1)\nprint(2)\n"

	// When: parsing
	res, err := NewMarkdownParser().Parse(context.Background(), []byte(raw), "open.md")

	// Then: the block ends with the document instead of failing it
	require.NoError(t, err)
	require.Len(t, res.Structure.CodeBlocks, 1)
	cb := res.Structure.CodeBlocks[0]
	assert.Equal(t, "python", cb.Language)
	assert.Equal(t, "print(1)\nprint(2)", cb.Content)
	assert.Contains(t, res.Text, "print(2)")
	assert.Equal(t, "Title", res.Metadata.Title)
}

func TestMarkdownParser_MalformedFrontMatter(t *testing.T) {
	tests := map[string]string{
		"bad yaml":     "---\ntitle: [\n---\nbody\n",
		"unterminated": "---\ntitle: x\nbody\n",
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := NewMarkdownParser().Parse(context.Background(), []byte(raw), "x.md")
			require.Error(t, err)
			assert.True(t, kperrors.IsKind(err, kperrors.KindParse))
		})
	}
}

func TestMarkdownParser_DetectsUntaggedLanguage(t *testing.T) {
	var seen string
	p := &MarkdownParser{detectLanguage: func(_ context.Context, code string) string {
		seen = code
		return "python"
	}}

	res, err := p.Parse(context.Background(), []byte("```\nx = 1\n```\n"), "x.md")
	require.NoError(t, err)

	assert.Equal(t, "x = 1", seen)
	require.Len(t, res.Structure.CodeBlocks, 1)
	assert.Equal(t, "python", res.Structure.CodeBlocks[0].Language)
}

func TestDetectLanguage(t *testing.T) {
	ctx := context.Background()

	assert.Equal(t, "", DetectLanguage(ctx, "x"))
	assert.Equal(t, "go", DetectLanguage(ctx, "package main\n\nfunc main() {\n\tprintln(\"hi\")\n}\n"))
}

func TestStructure_HeadingPathAndLanguage(t *testing.T) {
	s := &Structure{
		Headings: []Heading{
			{Text: "A", Level: 1, Offset: 0},
			{Text: "B", Level: 2, Offset: 10},
			{Text: "C", Level: 2, Offset: 20},
			{Text: "D", Level: 1, Offset: 30},
		},
		CodeBlocks: []CodeBlock{{Language: "go", Offset: 12, End: 18}},
	}

	assert.Equal(t, []string{"A"}, s.HeadingPath(5))
	assert.Equal(t, []string{"A", "B"}, s.HeadingPath(15))
	assert.Equal(t, []string{"A", "C"}, s.HeadingPath(25))
	assert.Equal(t, []string{"D"}, s.HeadingPath(35))
	assert.Equal(t, "go", s.LanguageAt(10, 14))
	assert.Equal(t, "", s.LanguageAt(18, 25))
	assert.Equal(t, 0, s.PageAt(5))
}

func buildDOCX(t *testing.T, parts map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range parts {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

const docxBody = `<?xml version="1.0" encoding="UTF-8"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
<w:body>
<w:p><w:pPr><w:pStyle w:val="Heading1"/></w:pPr><w:r><w:t>Overview</w:t></w:r></w:p>
<w:p><w:r><w:t>First</w:t></w:r><w:r><w:t xml:space="preserve"> paragraph.</w:t></w:r></w:p>
<w:p><w:r><w:t>Second</w:t><w:tab/><w:t>one</w:t></w:r></w:p>
</w:body>
</w:document>`

const docxCoreXML = `<?xml version="1.0" encoding="UTF-8"?>
<cp:coreProperties xmlns:cp="http://schemas.openxmlformats.org/package/2006/metadata/core-properties"
 xmlns:dc="http://purl.org/dc/elements/1.1/" xmlns:dcterms="http://purl.org/dc/terms/">
<dc:title>Quarterly Report</dc:title>
<dc:creator>Ann</dc:creator>
<dcterms:created>2024-03-01T10:00:00Z</dcterms:created>
</cp:coreProperties>`

func TestDOCXParser_ExtractsParagraphsAndHeadings(t *testing.T) {
	// Given: a minimal docx with a heading and two paragraphs
	raw := buildDOCX(t, map[string]string{
		docxBodyPart: docxBody,
		docxCorePart: docxCoreXML,
	})

	// When: parsing
	res, err := NewDOCXParser().Parse(context.Background(), raw, "report.docx")
	require.NoError(t, err)

	// Then: paragraphs are separated by blank lines and the heading is recorded
	assert.Equal(t, "Overview\n\nFirst paragraph.\n\nSecond one", res.Text)
	require.Len(t, res.Structure.Headings, 1)
	assert.Equal(t, Heading{Text: "Overview", Level: 1, Offset: 0}, res.Structure.Headings[0])
	assert.Equal(t, "Quarterly Report", res.Metadata.Title)
	assert.Equal(t, "Ann", res.Metadata.Author)
	assert.Equal(t, "2024-03-01", res.Metadata.Date)
}

func TestDOCXParser_Malformed(t *testing.T) {
	tests := map[string][]byte{
		"not a zip":        []byte("plain text"),
		"missing document": buildDOCX(t, map[string]string{"other.xml": "<x/>"}),
		"broken xml":       buildDOCX(t, map[string]string{docxBodyPart: "<w:document><w:body><w:p>"}),
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := NewDOCXParser().Parse(context.Background(), raw, "x.docx")
			require.Error(t, err)
			assert.True(t, kperrors.IsKind(err, kperrors.KindParse))
		})
	}
}

func TestHeadingLevel(t *testing.T) {
	assert.Equal(t, 2, headingLevel("Heading2"))
	assert.Equal(t, 3, headingLevel("heading 3"))
	assert.Equal(t, 0, headingLevel("Normal"))
	assert.Equal(t, 0, headingLevel("Heading9"))
}

func TestPDFParser_Malformed(t *testing.T) {
	tests := map[string][]byte{
		"no header":  []byte("hello"),
		"truncated":  []byte("%PDF-1.4\n1 0 obj\n<<"),
		"empty file": {},
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := NewPDFParser().Parse(context.Background(), raw, "x.pdf")
			require.Error(t, err)
			assert.Equal(t, kperrors.ErrCodeParseFailed, kperrors.GetCode(err))
		})
	}
}

func TestPDFDate(t *testing.T) {
	assert.Equal(t, "2024-01-02", pdfDate("D:20240102150405Z"))
	assert.Equal(t, "", pdfDate("D:2024"))
}

func TestRegistry_Detect(t *testing.T) {
	r := DefaultRegistry()

	tests := []struct {
		name, file, hint string
		want             Format
	}{
		{"markdown ext", "a.md", "", FormatMarkdown},
		{"upper ext", "A.PDF", "", FormatPDF},
		{"no ext", "README", "", FormatText},
		{"hint wins", "a.txt", "application/pdf", FormatPDF},
		{"format name hint", "blob", "docx", FormatDOCX},
		{"extension hint", "blob", ".markdown", FormatMarkdown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Detect(tt.file, tt.hint)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := r.Detect("a.xyz", "")
	assert.Equal(t, kperrors.ErrCodeUnsupportedFormat, kperrors.GetCode(err))
	_, err = r.Detect("a.txt", "rtf")
	assert.Equal(t, kperrors.ErrCodeUnsupportedFormat, kperrors.GetCode(err))
}

func TestRegistry_ParseDispatches(t *testing.T) {
	r := DefaultRegistry()

	res, err := r.Parse(context.Background(), []byte("# Hi\nbody"), "x.md", "")
	require.NoError(t, err)
	assert.Equal(t, FormatMarkdown, res.Format)
	assert.Equal(t, []Format{FormatDOCX, FormatMarkdown, FormatPDF, FormatText}, r.Formats())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.Parse(ctx, []byte("x"), "x.txt", "")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "a b\n\nc", Normalize("  a \t b\r\n\r\n\r\n\r\nc  \n\n"))
}
