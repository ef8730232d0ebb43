package ui

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/knowpipe/internal/ingest"
)

// recordingRenderer captures renderer calls.
type recordingRenderer struct {
	mu       sync.Mutex
	started  bool
	stopped  bool
	updates  int
	summary  *Summary
	detached chan struct{}
}

func (r *recordingRenderer) Start(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = true
	return nil
}

func (r *recordingRenderer) Update([]ingest.JobSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates++
}

func (r *recordingRenderer) Complete(sum Summary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summary = &sum
}

func (r *recordingRenderer) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	return nil
}

type detachingRenderer struct {
	recordingRenderer
}

func (r *detachingRenderer) Detached() <-chan struct{} { return r.detached }

// scriptedFetcher returns each step in turn and then repeats the last.
func scriptedFetcher(steps ...[]ingest.JobSnapshot) Fetcher {
	var (
		mu sync.Mutex
		i  int
	)
	return func(context.Context) ([]ingest.JobSnapshot, error) {
		mu.Lock()
		defer mu.Unlock()
		s := steps[i]
		if i < len(steps)-1 {
			i++
		}
		return s, nil
	}
}

func TestFollow_UntilAllTerminal(t *testing.T) {
	// Given: two jobs that finish over three polls
	fetch := scriptedFetcher(
		[]ingest.JobSnapshot{
			snap("j1", "a.md", ingest.StateQueued, "", 0),
			snap("j2", "b.md", ingest.StateQueued, "", 0),
		},
		[]ingest.JobSnapshot{
			snap("j1", "a.md", ingest.StateCompleted, ingest.StepPersist, 2),
			snap("j2", "b.md", ingest.StateProcessing, ingest.StepEmbed, 0),
		},
		[]ingest.JobSnapshot{
			snap("j1", "a.md", ingest.StateCompleted, ingest.StepPersist, 2),
			failedSnap("j2", "b.md", ingest.StepEmbed, "ERR_302", "provider down"),
		},
	)
	r := &recordingRenderer{}

	// When: following them
	sum, err := Follow(context.Background(), r, time.Millisecond, fetch)

	// Then: the summary reflects the final state and the renderer saw it all
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Jobs)
	assert.Equal(t, 1, sum.Completed)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 2, sum.Chunks)
	assert.True(t, r.started)
	assert.True(t, r.stopped)
	assert.Equal(t, 3, r.updates)
	require.NotNil(t, r.summary)
	assert.Equal(t, sum.Completed, r.summary.Completed)
}

func TestFollow_FetchErrorStops(t *testing.T) {
	boom := errors.New("daemon went away")
	r := &recordingRenderer{}

	_, err := Follow(context.Background(), r, time.Millisecond, func(context.Context) ([]ingest.JobSnapshot, error) {
		return nil, boom
	})

	assert.ErrorIs(t, err, boom)
	assert.True(t, r.stopped)
	assert.Nil(t, r.summary)
}

func TestFollow_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	fetch := scriptedFetcher([]ingest.JobSnapshot{snap("j1", "a.md", ingest.StateQueued, "", 0)})

	_, err := Follow(ctx, &recordingRenderer{}, time.Millisecond, fetch)

	assert.ErrorIs(t, err, context.Canceled)
}

func TestFollow_Detached(t *testing.T) {
	r := &detachingRenderer{recordingRenderer{detached: make(chan struct{})}}
	close(r.detached)
	fetch := scriptedFetcher([]ingest.JobSnapshot{snap("j1", "a.md", ingest.StateProcessing, ingest.StepRead, 0)})

	_, err := Follow(context.Background(), r, time.Hour, fetch)

	assert.ErrorIs(t, err, ErrDetached)
}

func TestFollow_PlainOutput(t *testing.T) {
	buf := &bytes.Buffer{}
	fetch := scriptedFetcher([]ingest.JobSnapshot{snap("j1", "notes.txt", ingest.StateCompleted, ingest.StepPersist, 1)})

	_, err := Follow(context.Background(), NewPlainRenderer(NewConfig(buf)), time.Millisecond, fetch)

	require.NoError(t, err)
	assert.Contains(t, buf.String(), "[DONE] 1/1 - notes.txt (1 chunks)")
	assert.Contains(t, buf.String(), "Complete: 1 documents, 1 chunks")
}
