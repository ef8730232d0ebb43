package search

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/knowpipe/internal/cache"
	kperrors "github.com/Aman-CERP/knowpipe/internal/errors"
	"github.com/Aman-CERP/knowpipe/internal/store"
)

type fakeEmbedder struct {
	vectors map[string][]float32
	err     error
}

func (f *fakeEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return []float32{0, 0, 1}, nil
}

// failingStore fails every search.
type failingStore struct{}

func (failingStore) SimilaritySearch(context.Context, []float32, int, float64, store.Filter) ([]store.Result, error) {
	return nil, kperrors.New(kperrors.ErrCodeStoreBusy, "database is locked", nil)
}

func (failingStore) KeywordSearch(context.Context, string, int, store.Filter) ([]store.Result, error) {
	return nil, errors.New("disk gone")
}

func (failingStore) HybridSearch(context.Context, string, []float32, int, float64, float64, store.Filter) ([]store.Result, error) {
	return nil, errors.New("disk gone")
}

func seededStore(t *testing.T) *store.Store {
	t.Helper()
	ctx := context.Background()
	s, err := store.Open(ctx, store.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.UpsertDocument(ctx, &store.Document{ID: "manual", Filename: "manual.md", Format: "markdown"}))
	require.NoError(t, s.UpsertDocument(ctx, &store.Document{ID: "faq", Filename: "faq.md", Format: "markdown"}))
	_, err = s.AddChunks(ctx, []*store.Chunk{
		{ID: "reset", DocumentID: "faq", Content: "reset your password from the login page", Embedding: []float32{1, 0, 0}},
		{ID: "billing", DocumentID: "faq", Content: "billing questions and password policy", Embedding: []float32{0.6, 0.8, 0}},
		{ID: "install", DocumentID: "manual", Content: "install the agent on every host", Embedding: []float32{0, 1, 0}},
		{ID: "network", DocumentID: "manual", Content: "open port 443 for the agent", Embedding: []float32{0, 0.8, 0.6}},
		{ID: "logs", DocumentID: "manual", Content: "logs rotate daily", Embedding: []float32{0, 0, 1}},
	})
	require.NoError(t, err)
	return s
}

func embedder() *fakeEmbedder {
	return &fakeEmbedder{vectors: map[string][]float32{
		"reset password":     {1, 0, 0},
		"how to reset login": {0.999, 0.04, 0},
		"install agent":      {0, 1, 0},
	}}
}

func TestSearch_Validation(t *testing.T) {
	svc := NewService(seededStore(t), embedder(), DefaultConfig())
	ctx := context.Background()

	tests := []struct {
		name  string
		query string
		opts  Options
		code  string
	}{
		{"empty", "   ", Options{}, kperrors.ErrCodeQueryEmpty},
		{"too long", strings.Repeat("x", 2001), Options{}, kperrors.ErrCodeQueryTooLong},
		{"k too large", "reset", Options{K: 101}, kperrors.ErrCodeInvalidOption},
		{"negative k", "reset", Options{K: -1}, kperrors.ErrCodeInvalidOption},
		{"bad mode", "reset", Options{Mode: "fuzzy"}, kperrors.ErrCodeInvalidOption},
		{"bad weight", "reset", Options{KeywordWeight: Float(1.5)}, kperrors.ErrCodeInvalidOption},
		{"bad threshold", "reset", Options{ScoreThreshold: Float(-0.1)}, kperrors.ErrCodeInvalidOption},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Search(ctx, tt.query, tt.opts)
			assert.Equal(t, tt.code, kperrors.GetCode(err))
		})
	}

	_, err := svc.Search(ctx, strings.Repeat("é", 2000), Options{Mode: ModeKeyword})
	assert.NoError(t, err)
}

func TestSearch_SemanticAppliesThreshold(t *testing.T) {
	svc := NewService(seededStore(t), embedder(), DefaultConfig())

	resp, err := svc.Search(context.Background(), "reset password", Options{Mode: ModeSemantic})
	require.NoError(t, err)

	// (1+cos)/2 >= 0.7: reset scores 1, billing 0.8, the orthogonal rest 0.5
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "reset", resp.Results[0].ID)
	assert.InDelta(t, 1.0, resp.Results[0].Score, 1e-5)
	assert.Equal(t, resp.Results[0].Score, resp.Results[0].SemanticScore)
	assert.Equal(t, "billing", resp.Results[1].ID)
	assert.InDelta(t, 0.8, resp.Results[1].Score, 1e-5)
	assert.Equal(t, "faq.md", resp.Results[0].Filename)
	assert.Equal(t, ModeSemantic, resp.Mode)
}

func TestSearch_KeywordThresholdOnNormalizedScore(t *testing.T) {
	svc := NewService(seededStore(t), embedder(), DefaultConfig())

	resp, err := svc.Search(context.Background(), "agent", Options{Mode: ModeKeyword, ScoreThreshold: Float(0)})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, 1.0, resp.Results[0].Score)
	assert.Equal(t, 1.0, resp.Results[0].KeywordScore)

	strict, err := svc.Search(context.Background(), "agent", Options{Mode: ModeKeyword, ScoreThreshold: Float(1)})
	require.NoError(t, err)
	require.NotEmpty(t, strict.Results)
	for _, r := range strict.Results {
		assert.Equal(t, 1.0, r.Score)
	}
}

func TestSearch_HybridCombinesSignals(t *testing.T) {
	svc := NewService(seededStore(t), embedder(), DefaultConfig())

	resp, err := svc.Search(context.Background(), "install agent", Options{ScoreThreshold: Float(0)})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)

	top := resp.Results[0]
	assert.Equal(t, "install", top.ID)
	assert.InDelta(t, top.SemanticScore*0.7+top.KeywordScore*0.3, top.Score, 1e-9)
	for i := 1; i < len(resp.Results); i++ {
		assert.GreaterOrEqual(t, resp.Results[i-1].Score, resp.Results[i].Score)
	}
}

func TestSearch_NoMatchesIsNotAnError(t *testing.T) {
	svc := NewService(seededStore(t), embedder(), DefaultConfig())

	resp, err := svc.Search(context.Background(), "zebra", Options{Mode: ModeKeyword})
	require.NoError(t, err)
	assert.NotNil(t, resp.Results)
	assert.Empty(t, resp.Results)
}

func TestSearch_HybridThresholdGatesOnlyTheSemanticSignal(t *testing.T) {
	svc := NewService(seededStore(t), embedder(), DefaultConfig())

	// Given: default options; "agent" embeds close to the logs and network chunks
	resp, err := svc.Search(context.Background(), "agent", Options{})
	require.NoError(t, err)

	byID := map[string]Result{}
	for _, res := range resp.Results {
		byID[res.ID] = res
	}

	// Then: a keyword-only hit survives with a zero semantic contribution
	require.Contains(t, byID, "install")
	assert.Equal(t, 0.0, byID["install"].SemanticScore)
	assert.Positive(t, byID["install"].KeywordScore)
	assert.Less(t, byID["install"].Score, 0.7)

	// And: a semantic-only hit above the threshold survives
	require.Contains(t, byID, "logs")
	assert.Equal(t, 0.0, byID["logs"].KeywordScore)

	// And: semantic candidates under the threshold with no keyword match are dropped
	assert.NotContains(t, byID, "reset")
	assert.NotContains(t, byID, "billing")
}

func TestSearch_FailuresAreSearchFailed(t *testing.T) {
	svc := NewService(failingStore{}, embedder(), DefaultConfig())

	for _, mode := range []Mode{ModeSemantic, ModeKeyword, ModeHybrid} {
		t.Run(string(mode), func(t *testing.T) {
			_, err := svc.Search(context.Background(), "reset password", Options{Mode: mode})
			require.Error(t, err)
			assert.Equal(t, kperrors.ErrCodeSearchFailed, kperrors.GetCode(err))
		})
	}
}

func TestSearch_HybridDegradesWhenEmbeddingFails(t *testing.T) {
	emb := embedder()
	emb.err = kperrors.ProviderError("ollama down", nil)
	svc := NewService(seededStore(t), emb, DefaultConfig())

	// Given: the default 0.7 threshold
	// When: the query embedding fails
	resp, err := svc.Search(context.Background(), "agent", Options{})

	// Then: the keyword hits still come back
	require.NoError(t, err)
	assert.True(t, resp.Degraded)
	require.Len(t, resp.Results, 2)
	for _, res := range resp.Results {
		assert.Equal(t, 0.0, res.SemanticScore)
		assert.Positive(t, res.KeywordScore)
	}

	_, err = svc.Search(context.Background(), "agent", Options{Mode: ModeSemantic})
	assert.Equal(t, kperrors.ErrCodeSearchFailed, kperrors.GetCode(err))
}

func TestSearch_KeywordOnlyWithoutEmbedder(t *testing.T) {
	svc := NewService(seededStore(t), nil, DefaultConfig())

	_, err := svc.Search(context.Background(), "agent", Options{})
	assert.Equal(t, kperrors.ErrCodeInvalidOption, kperrors.GetCode(err))

	resp, err := svc.Search(context.Background(), "agent", Options{Mode: ModeKeyword})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Results)
}

func TestSearch_CachesDefaultShapedQueries(t *testing.T) {
	emb := embedder()
	hybridCache := cache.New(emb, cache.Config{})
	keywordCache := cache.New(emb, cache.Config{})
	svc := NewService(seededStore(t), emb, DefaultConfig(),
		WithCache(ModeHybrid, hybridCache),
		WithCache(ModeKeyword, keywordCache))
	ctx := context.Background()

	// Given: a confident hybrid answer (semantic 1, keyword 1)
	first, err := svc.Search(ctx, "reset password", Options{})
	require.NoError(t, err)
	require.NotEmpty(t, first.Results)
	require.Greater(t, first.Results[0].Score, cache.DefaultThreshold)
	assert.False(t, first.Cached)

	// When: a paraphrase arrives
	second, err := svc.Search(ctx, "how to reset login", Options{})
	require.NoError(t, err)

	// Then: it is served from the cache
	assert.True(t, second.Cached)
	assert.Equal(t, first.Results[0].ID, second.Results[0].ID)

	// And: other shapes and modes bypass it
	filtered, err := svc.Search(ctx, "reset password", Options{Filter: store.Filter{store.FilterFilename: "faq.md"}})
	require.NoError(t, err)
	assert.False(t, filtered.Cached)

	bigger, err := svc.Search(ctx, "reset password", Options{K: 10})
	require.NoError(t, err)
	assert.False(t, bigger.Cached)

	skipped, err := svc.Search(ctx, "reset password", Options{SkipCache: true})
	require.NoError(t, err)
	assert.False(t, skipped.Cached)

	keyword, err := svc.Search(ctx, "reset password", Options{Mode: ModeKeyword})
	require.NoError(t, err)
	assert.False(t, keyword.Cached)

	assert.Equal(t, int64(1), hybridCache.Stats().Hits)
	assert.Equal(t, int64(1), hybridCache.Stats().Stores)
}
