package mcp

import (
	"fmt"
	"strings"

	"github.com/Aman-CERP/knowpipe/internal/search"
)

// maxContentPreview bounds each result body in the markdown view.
const maxContentPreview = 1200

// FormatSearchResults renders a search response as markdown.
func FormatSearchResults(resp *search.Response) string {
	if resp == nil || len(resp.Results) == 0 {
		query := ""
		if resp != nil {
			query = resp.Query
		}
		return fmt.Sprintf("No results found for \"%s\"", query)
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("## Search Results for \"%s\"\n\n", resp.Query))
	sb.WriteString(fmt.Sprintf("Found %d result", len(resp.Results)))
	if len(resp.Results) != 1 {
		sb.WriteString("s")
	}
	sb.WriteString(fmt.Sprintf(" (%s", resp.Mode))
	if resp.Cached {
		sb.WriteString(", cached")
	}
	if resp.Degraded {
		sb.WriteString(", keyword only: embedding unavailable")
	}
	sb.WriteString(")\n\n")

	for i, r := range resp.Results {
		formatResult(&sb, i+1, r)
	}
	return sb.String()
}

func formatResult(sb *strings.Builder, rank int, r search.Result) {
	sb.WriteString(fmt.Sprintf("### %d. %s (chunk %d)\n\n", rank, r.Filename, r.Ordinal))
	sb.WriteString(fmt.Sprintf("**Score:** %.3f", r.Score))
	if r.SemanticScore > 0 || r.KeywordScore > 0 {
		sb.WriteString(fmt.Sprintf(" (semantic %.3f, keyword %.3f)", r.SemanticScore, r.KeywordScore))
	}
	sb.WriteString(fmt.Sprintf("  \n**Chunk:** `%s`\n\n", r.ID))

	content := r.Content
	if runes := []rune(content); len(runes) > maxContentPreview {
		content = string(runes[:maxContentPreview]) + "..."
	}
	for _, line := range strings.Split(content, "\n") {
		sb.WriteString("> ")
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	sb.WriteString("\n")
}
