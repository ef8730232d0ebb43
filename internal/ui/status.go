package ui

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/Aman-CERP/knowpipe/internal/app"
)

// StatusRenderer displays pipeline status.
type StatusRenderer struct {
	out    io.Writer
	styles Styles
}

// NewStatusRenderer creates a status renderer.
func NewStatusRenderer(out io.Writer, noColor bool) *StatusRenderer {
	return &StatusRenderer{out: out, styles: GetStyles(noColor)}
}

// Render displays status info to terminal.
func (r *StatusRenderer) Render(st app.Status) error {
	_, _ = fmt.Fprintf(r.out, "%s\n\n", r.styles.Header.Render("knowpipe "+st.Version))
	_, _ = fmt.Fprintf(r.out, "  Data dir: %s\n", st.DataDir)
	_, _ = fmt.Fprintf(r.out, "  Uptime:   %s\n", formatUptime(time.Duration(st.UptimeSeconds*float64(time.Second))))
	_, _ = fmt.Fprintln(r.out)

	_, _ = fmt.Fprintln(r.out, "  Store:")
	_, _ = fmt.Fprintf(r.out, "    Documents:  %d\n", st.Store.Documents)
	_, _ = fmt.Fprintf(r.out, "    Chunks:     %d (%d embedded)\n", st.Store.Chunks, st.Store.Embedded)
	if st.Store.Dimensions > 0 {
		_, _ = fmt.Fprintf(r.out, "    Dimensions: %d\n", st.Store.Dimensions)
	}
	_, _ = fmt.Fprintf(r.out, "    Keyword:    %s\n", st.Store.KeywordBackend)
	if v := st.Store.Vectors; v.GraphNodes > 0 {
		_, _ = fmt.Fprintf(r.out, "    Vectors:    %d live, %d orphaned\n", v.ValidIDs, v.Orphans)
	}
	_, _ = fmt.Fprintln(r.out)

	_, _ = fmt.Fprintln(r.out, "  Embedder:")
	_, _ = fmt.Fprintf(r.out, "    Model:   %s (%d dims)\n", st.Embedder.Model, st.Embedder.Dimensions)
	_, _ = fmt.Fprintf(r.out, "    Circuit: %s\n", r.renderCircuit(st.Gateway.CircuitState))
	_, _ = fmt.Fprintf(r.out, "    Calls:   %d batches, %d attempts, %d failures, %d rejected\n",
		st.Gateway.Batches, st.Gateway.Attempts, st.Gateway.Failures, st.Gateway.Rejected)
	_, _ = fmt.Fprintln(r.out)

	in := st.Ingest
	_, _ = fmt.Fprintln(r.out, "  Ingest:")
	_, _ = fmt.Fprintf(r.out, "    Workers: %d (queue %d)\n", in.Workers, in.QueueDepth)
	_, _ = fmt.Fprintf(r.out, "    Jobs:    %d queued, %d processing, %d completed, %s\n",
		in.Queued, in.Processing, in.Completed, r.renderFailed(in.Failed))

	if len(st.Cache) > 0 {
		_, _ = fmt.Fprintln(r.out)
		_, _ = fmt.Fprintln(r.out, "  Cache:")
		modes := make([]string, 0, len(st.Cache))
		for mode := range st.Cache {
			modes = append(modes, mode)
		}
		sort.Strings(modes)
		for _, mode := range modes {
			c := st.Cache[mode]
			_, _ = fmt.Fprintf(r.out, "    %-8s %d entries, %d hits, %d misses\n", mode+":", c.Entries, c.Hits, c.Misses)
		}
	}
	return nil
}

// RenderJSON outputs status as JSON.
func (r *StatusRenderer) RenderJSON(st app.Status) error {
	encoder := json.NewEncoder(r.out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(st)
}

func (r *StatusRenderer) renderCircuit(state string) string {
	switch state {
	case "closed":
		return r.styles.Success.Render(state)
	case "half-open":
		return r.styles.Warning.Render(state)
	case "open":
		return r.styles.Error.Render(state)
	default:
		return state
	}
}

func (r *StatusRenderer) renderFailed(n int) string {
	s := fmt.Sprintf("%d failed", n)
	if n > 0 {
		return r.styles.Error.Render(s)
	}
	return s
}

// formatUptime formats an uptime for display.
func formatUptime(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	default:
		days := int(d.Hours() / 24)
		return fmt.Sprintf("%dd %dh", days, int(d.Hours())%24)
	}
}
