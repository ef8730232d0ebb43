package ui

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Aman-CERP/knowpipe/internal/ingest"
)

// snap builds a job snapshot for tests.
func snap(id, filename string, state ingest.State, step ingest.Step, chunks int) ingest.JobSnapshot {
	s := ingest.JobSnapshot{ID: id, Filename: filename, State: state, Step: step}
	if state == ingest.StateCompleted {
		s.Result = &ingest.JobResult{ChunkCount: chunks}
	}
	return s
}

func failedSnap(id, filename string, step ingest.Step, code, msg string) ingest.JobSnapshot {
	s := snap(id, filename, ingest.StateFailed, step, 0)
	s.Error = &ingest.JobError{Step: step, Code: code, Message: msg}
	return s
}

func TestStage_StringAndIcon(t *testing.T) {
	tests := []struct {
		stage Stage
		name  string
		icon  string
	}{
		{StageQueued, "Queued", "QUEUE"},
		{StageRead, "Reading", "READ"},
		{StageParse, "Parsing", "PARSE"},
		{StageChunk, "Chunking", "CHUNK"},
		{StageEmbed, "Embedding", "EMBED"},
		{StagePersist, "Persisting", "STORE"},
		{StageDone, "Done", "DONE"},
		{StageFailed, "Failed", "FAIL"},
		{Stage(42), "Unknown", "???"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.name, tt.stage.String())
			assert.Equal(t, tt.icon, tt.stage.Icon())
		})
	}
}

func TestStageOf(t *testing.T) {
	tests := []struct {
		name string
		snap ingest.JobSnapshot
		want Stage
	}{
		{"queued", snap("j", "a", ingest.StateQueued, "", 0), StageQueued},
		{"processing without step", snap("j", "a", ingest.StateProcessing, "", 0), StageRead},
		{"parsing", snap("j", "a", ingest.StateProcessing, ingest.StepParse, 0), StageParse},
		{"embedding", snap("j", "a", ingest.StateProcessing, ingest.StepEmbed, 0), StageEmbed},
		{"persisting", snap("j", "a", ingest.StateProcessing, ingest.StepPersist, 0), StagePersist},
		{"completed", snap("j", "a", ingest.StateCompleted, ingest.StepPersist, 2), StageDone},
		{"failed", failedSnap("j", "a", ingest.StepParse, "ERR_201", "bad"), StageFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StageOf(tt.snap))
		})
	}
}

func TestIsTTY_WithBuffer_ReturnsFalse(t *testing.T) {
	assert.False(t, IsTTY(&bytes.Buffer{}))
	assert.False(t, IsTTY(nil))
}

func TestNewRenderer_NonTTY_ReturnsPlain(t *testing.T) {
	// Given: output that is not a terminal
	cfg := NewConfig(&bytes.Buffer{})

	// When: choosing a renderer
	r := NewRenderer(cfg)

	// Then: plain output is used
	_, ok := r.(*PlainRenderer)
	assert.True(t, ok)
}

func TestNewConfig_AppliesOptions(t *testing.T) {
	buf := &bytes.Buffer{}

	cfg := NewConfig(buf, WithForcePlain(true), WithNoColor(true), WithTitle("docs"))

	assert.Same(t, buf, cfg.Output)
	assert.True(t, cfg.ForcePlain)
	assert.True(t, cfg.NoColor)
	assert.Equal(t, "docs", cfg.Title)
	assert.Equal(t, "knowpipe ingest", NewConfig(buf).Title)
}

func TestDetectNoColor(t *testing.T) {
	t.Setenv("NO_COLOR", "1")
	assert.True(t, DetectNoColor())
}

func TestDetectCI(t *testing.T) {
	t.Setenv("GITHUB_ACTIONS", "true")
	assert.True(t, DetectCI())
}
