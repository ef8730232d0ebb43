// Package ui renders ingestion progress, search results and status for the
// knowpipe CLI. Interactive terminals get a bubbletea view; pipes and CI get
// plain lines.
package ui

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/Aman-CERP/knowpipe/internal/ingest"
)

// Stage is where a job currently is, as shown to the user.
type Stage int

const (
	StageQueued Stage = iota
	StageRead
	StageParse
	StageChunk
	StageEmbed
	StagePersist
	StageDone
	StageFailed
)

// pipelineStages are the stages a job walks through, in order.
var pipelineStages = []Stage{StageRead, StageParse, StageChunk, StageEmbed, StagePersist}

// String returns the human-readable stage name.
func (s Stage) String() string {
	switch s {
	case StageQueued:
		return "Queued"
	case StageRead:
		return "Reading"
	case StageParse:
		return "Parsing"
	case StageChunk:
		return "Chunking"
	case StageEmbed:
		return "Embedding"
	case StagePersist:
		return "Persisting"
	case StageDone:
		return "Done"
	case StageFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Icon returns the short tag used in plain output.
func (s Stage) Icon() string {
	switch s {
	case StageQueued:
		return "QUEUE"
	case StageRead:
		return "READ"
	case StageParse:
		return "PARSE"
	case StageChunk:
		return "CHUNK"
	case StageEmbed:
		return "EMBED"
	case StagePersist:
		return "STORE"
	case StageDone:
		return "DONE"
	case StageFailed:
		return "FAIL"
	default:
		return "???"
	}
}

// StageOf maps a job snapshot onto a display stage.
func StageOf(snap ingest.JobSnapshot) Stage {
	switch snap.State {
	case ingest.StateCompleted:
		return StageDone
	case ingest.StateFailed:
		return StageFailed
	case ingest.StateQueued:
		return StageQueued
	}
	switch snap.Step {
	case ingest.StepRead:
		return StageRead
	case ingest.StepParse:
		return StageParse
	case ingest.StepChunk:
		return StageChunk
	case ingest.StepEmbed:
		return StageEmbed
	case ingest.StepPersist:
		return StagePersist
	default:
		return StageRead
	}
}

// Summary is the outcome of a set of jobs.
type Summary struct {
	Jobs      int
	Completed int
	Failed    int
	Chunks    int
	Duration  time.Duration
	Failures  []JobLine
}

// Renderer displays job progress.
type Renderer interface {
	// Start initializes the renderer.
	Start(ctx context.Context) error

	// Update receives the latest snapshot of every tracked job.
	Update(snaps []ingest.JobSnapshot)

	// Complete shows the final summary.
	Complete(summary Summary)

	// Stop stops the renderer and cleans up.
	Stop() error
}

// Config configures the UI renderer.
type Config struct {
	Output     io.Writer
	ForcePlain bool
	NoColor    bool
	Title      string
}

// ConfigOption is a function that modifies Config.
type ConfigOption func(*Config)

// WithForcePlain forces plain text output.
func WithForcePlain(force bool) ConfigOption {
	return func(c *Config) {
		c.ForcePlain = force
	}
}

// WithNoColor disables color output.
func WithNoColor(noColor bool) ConfigOption {
	return func(c *Config) {
		c.NoColor = noColor
	}
}

// WithTitle sets the panel title of the interactive view.
func WithTitle(title string) ConfigOption {
	return func(c *Config) {
		c.Title = title
	}
}

// NewConfig creates a new Config with the given output and options.
func NewConfig(output io.Writer, opts ...ConfigOption) Config {
	cfg := Config{
		Output: output,
		Title:  "knowpipe ingest",
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// NewRenderer returns a TUI renderer for interactive terminals and a plain
// renderer for CI, pipes, or when plain output is forced.
func NewRenderer(cfg Config) Renderer {
	if cfg.ForcePlain || !IsTTY(cfg.Output) || DetectCI() {
		return NewPlainRenderer(cfg)
	}
	tui, err := NewTUIRenderer(cfg)
	if err != nil {
		return NewPlainRenderer(cfg)
	}
	return tui
}

// IsTTY checks if output is a terminal.
func IsTTY(w io.Writer) bool {
	if w == nil {
		return false
	}
	if f, ok := w.(*os.File); ok {
		return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return false
}

// DetectNoColor checks if NO_COLOR environment variable is set.
func DetectNoColor() bool {
	_, exists := os.LookupEnv("NO_COLOR")
	return exists
}

// DetectCI checks if running in a CI environment.
func DetectCI() bool {
	for _, v := range []string{"CI", "GITHUB_ACTIONS", "GITLAB_CI", "JENKINS_URL", "TRAVIS"} {
		if _, exists := os.LookupEnv(v); exists {
			return true
		}
	}
	return false
}
