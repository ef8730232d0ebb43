package ui

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/Aman-CERP/knowpipe/internal/ingest"
)

// PlainRenderer prints one line per job stage change (for CI/pipes).
type PlainRenderer struct {
	mu      sync.Mutex
	out     io.Writer
	tracker *ProgressTracker
}

// NewPlainRenderer creates a plain text renderer.
func NewPlainRenderer(cfg Config) *PlainRenderer {
	return &PlainRenderer{
		out:     cfg.Output,
		tracker: NewProgressTracker(),
	}
}

// Start implements Renderer.
func (r *PlainRenderer) Start(ctx context.Context) error {
	return nil
}

// Update implements Renderer.
func (r *PlainRenderer) Update(snaps []ingest.JobSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	changed := r.tracker.Observe(snaps)
	if len(changed) == 0 {
		return
	}
	stats := r.tracker.Stats()
	finished := stats.Done + stats.Failed
	for _, line := range changed {
		// Format: [STAGE] finished/total - filename
		_, _ = fmt.Fprintf(r.out, "[%s] %d/%d - %s%s\n", line.Stage.Icon(), finished, stats.Total, line.Filename, lineSuffix(line))
	}
}

func lineSuffix(line JobLine) string {
	switch line.Stage {
	case StageDone:
		return fmt.Sprintf(" (%d chunks)", line.Chunks)
	case StageFailed:
		if line.Err != nil {
			return fmt.Sprintf(": %s [%s] %s", line.Err.Step, line.Err.Code, line.Err.Message)
		}
	}
	return ""
}

// Complete implements Renderer.
func (r *PlainRenderer) Complete(sum Summary) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, _ = fmt.Fprintf(r.out, "Complete: %d documents, %d chunks ingested in %s",
		sum.Completed, sum.Chunks, sum.Duration.Round(100*time.Millisecond))
	if sum.Failed > 0 {
		_, _ = fmt.Fprintf(r.out, " (%d failed)", sum.Failed)
	}
	_, _ = fmt.Fprintln(r.out)

	for _, f := range sum.Failures {
		_, _ = fmt.Fprintf(r.out, "  %s%s\n", f.Filename, lineSuffix(f))
	}
}

// Stop implements Renderer.
func (r *PlainRenderer) Stop() error {
	return nil
}

var _ Renderer = (*PlainRenderer)(nil)
