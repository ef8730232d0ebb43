package ui

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/Aman-CERP/knowpipe/internal/search"
)

// maxSnippet is how many runes of a chunk are shown per result.
const maxSnippet = 320

// ResultsRenderer displays search responses.
type ResultsRenderer struct {
	out    io.Writer
	styles Styles
	full   bool
}

// NewResultsRenderer creates a search result renderer. With full set,
// chunk content is printed without truncation.
func NewResultsRenderer(out io.Writer, noColor, full bool) *ResultsRenderer {
	return &ResultsRenderer{out: out, styles: GetStyles(noColor), full: full}
}

// Render prints resp as a ranked list.
func (r *ResultsRenderer) Render(resp *search.Response) error {
	if resp == nil || len(resp.Results) == 0 {
		query := ""
		if resp != nil {
			query = resp.Query
		}
		_, _ = fmt.Fprintf(r.out, "No results for %q\n", query)
		return nil
	}

	meta := []string{fmt.Sprintf("%d results", len(resp.Results)), string(resp.Mode), fmt.Sprintf("%.1fms", resp.TookMs)}
	if resp.Cached {
		meta = append(meta, "cached")
	}
	_, _ = fmt.Fprintf(r.out, "%s %s\n", r.styles.Header.Render(fmt.Sprintf("Results for %q", resp.Query)), r.styles.Label.Render("("+strings.Join(meta, ", ")+")"))
	if resp.Degraded {
		_, _ = fmt.Fprintln(r.out, r.styles.Warning.Render("⚠ embedding provider unavailable, showing keyword matches only"))
	}

	for i, res := range resp.Results {
		_, _ = fmt.Fprintln(r.out)
		_, _ = fmt.Fprintf(r.out, "%s %s %s\n",
			r.styles.Active.Render(fmt.Sprintf("%d.", i+1)),
			res.Filename,
			r.styles.Label.Render(fmt.Sprintf("chunk %d", res.Ordinal)))
		_, _ = fmt.Fprintf(r.out, "   %s %s\n", r.styles.Score.Render(fmt.Sprintf("%.3f", res.Score)), r.scoreDetail(resp.Mode, res))
		_, _ = fmt.Fprintf(r.out, "   %s\n", r.styles.Dim.Render(res.ID))

		content := strings.TrimSpace(res.Content)
		if !r.full {
			content = snippet(content, maxSnippet)
		}
		for _, line := range strings.Split(content, "\n") {
			_, _ = fmt.Fprintf(r.out, "   %s %s\n", r.styles.Border.Render("│"), r.styles.Quote.Render(line))
		}
	}
	return nil
}

// RenderJSON outputs resp as JSON.
func (r *ResultsRenderer) RenderJSON(resp *search.Response) error {
	encoder := json.NewEncoder(r.out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(resp)
}

func (r *ResultsRenderer) scoreDetail(mode search.Mode, res search.Result) string {
	if mode != search.ModeHybrid {
		return ""
	}
	return r.styles.Label.Render(fmt.Sprintf("(semantic %.3f, keyword %.3f)", res.SemanticScore, res.KeywordScore))
}

// snippet cuts s to at most n runes, ending with an ellipsis when cut.
func snippet(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return strings.TrimRight(string(runes[:n]), " \n") + "…"
}
