package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/knowpipe/internal/store"
)

// fakeEmbedder returns fixed vectors per query.
type fakeEmbedder struct {
	vectors map[string][]float32
	err     error
	calls   atomic.Int32
}

func (f *fakeEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return []float32{0, 0, 1}, nil
}

func newFake() *fakeEmbedder {
	return &fakeEmbedder{vectors: map[string][]float32{
		"how do I reset my password":   {1, 0, 0},
		"how can I reset my password?": {0.99, 0.05, 0},
		"quarterly revenue":            {0, 1, 0},
	}}
}

func confident(id string) []store.Result {
	return []store.Result{{Chunk: &store.Chunk{ID: id, Content: "reset steps"}, Score: 0.97}}
}

func TestCache_RepeatQueryHits(t *testing.T) {
	c := New(newFake(), Config{})
	ctx := context.Background()

	// Given: a confident answer stored for a query
	require.True(t, c.Update(ctx, "how do I reset my password", confident("c1")))

	// When: the same query is checked twice
	first, ok := c.Check(ctx, "how do I reset my password")
	require.True(t, ok)
	second, ok := c.Check(ctx, "how do I reset my password")
	require.True(t, ok)

	// Then: both hit and the count grows
	assert.Equal(t, 1, first.HitCount)
	assert.Equal(t, 2, second.HitCount)
	assert.InDelta(t, 1.0, second.Similarity, 1e-9)
	assert.Equal(t, "c1", second.Results[0].Chunk.ID)
	assert.Equal(t, Stats{Entries: 1, Hits: 2, Misses: 0, Stores: 1}, c.Stats())
}

func TestCache_ParaphraseHitsDissimilarMisses(t *testing.T) {
	c := New(newFake(), Config{})
	ctx := context.Background()
	require.True(t, c.Update(ctx, "how do I reset my password", confident("c1")))

	hit, ok := c.Check(ctx, "how can I reset my password?")
	require.True(t, ok)
	assert.Equal(t, "how do I reset my password", hit.Query)
	assert.GreaterOrEqual(t, hit.Similarity, DefaultThreshold)

	_, ok = c.Check(ctx, "quarterly revenue")
	assert.False(t, ok)
	assert.Equal(t, int64(1), c.Stats().Misses)
}

func TestCache_UpdateRequiresConfidentTopResult(t *testing.T) {
	c := New(newFake(), Config{})
	ctx := context.Background()

	tests := []struct {
		name    string
		results []store.Result
	}{
		{"no results", nil},
		{"at threshold", []store.Result{{Chunk: &store.Chunk{ID: "a"}, Score: DefaultThreshold}}},
		{"below threshold", []store.Result{{Chunk: &store.Chunk{ID: "a"}, Score: 0.6}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.False(t, c.Update(ctx, "quarterly revenue", tt.results))
		})
	}
	assert.Equal(t, 0, c.Stats().Entries)
}

func TestCache_ExpiredEntriesMissAndSweep(t *testing.T) {
	now := time.Now()
	c := New(newFake(), Config{TTL: time.Minute})
	c.now = func() time.Time { return now }
	ctx := context.Background()
	require.True(t, c.Update(ctx, "how do I reset my password", confident("c1")))

	now = now.Add(2 * time.Minute)

	_, ok := c.Check(ctx, "how do I reset my password")
	assert.False(t, ok)
	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, 0, c.Stats().Entries)
}

func TestCache_EmbedFailureIsMiss(t *testing.T) {
	f := newFake()
	c := New(f, Config{})
	ctx := context.Background()
	require.True(t, c.Update(ctx, "how do I reset my password", confident("c1")))

	f.err = errors.New("provider down")
	_, ok := c.Check(ctx, "how do I reset my password")
	assert.False(t, ok)
	assert.False(t, c.Update(ctx, "how do I reset my password", confident("c2")))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	f.err = nil
	calls := f.calls.Load()
	_, ok = c.Check(cancelled, "how do I reset my password")
	assert.False(t, ok)
	assert.Equal(t, calls, f.calls.Load())
}

func TestCache_DimensionMismatchIsMiss(t *testing.T) {
	f := newFake()
	c := New(f, Config{})
	ctx := context.Background()
	require.True(t, c.Update(ctx, "how do I reset my password", confident("c1")))

	f.vectors["how do I reset my password"] = []float32{1, 0}
	_, ok := c.Check(ctx, "how do I reset my password")
	assert.False(t, ok)
}

func TestCache_CapacityAndFlush(t *testing.T) {
	c := New(&fakeEmbedder{}, Config{MaxEntries: 2})
	ctx := context.Background()

	for _, q := range []string{"one", "two", "three"} {
		require.True(t, c.Update(ctx, q, confident(q)))
	}
	assert.Equal(t, 2, c.Stats().Entries)

	c.Flush()
	assert.Equal(t, 0, c.Stats().Entries)
}

func TestCache_StartStopSweepLoop(t *testing.T) {
	now := time.Now()
	var clock atomic.Pointer[time.Time]
	clock.Store(&now)

	c := New(newFake(), Config{TTL: time.Minute, SweepInterval: 10 * time.Millisecond})
	c.now = func() time.Time { return *clock.Load() }
	require.True(t, c.Update(context.Background(), "how do I reset my password", confident("c1")))

	c.Start(context.Background())
	c.Start(context.Background())
	later := now.Add(time.Hour)
	clock.Store(&later)

	assert.Eventually(t, func() bool { return c.Stats().Entries == 0 }, time.Second, 5*time.Millisecond)
	c.Stop()
	c.Stop()
}
