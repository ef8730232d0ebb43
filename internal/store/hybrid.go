package store

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"

	kperrors "github.com/Aman-CERP/knowpipe/internal/errors"
)

// HybridSearch runs similarity and keyword search in parallel, merges the
// hits on content fingerprint and ranks them by
//
//	combined = semantic*(1-weight) + keyword*weight
//
// A chunk found by only one search scores 0 for the other. Ties break on
// semantic score, then chunk ID. A nil vec makes the search keyword-only.
// threshold applies to the similarity candidates only; keyword hits and the
// combined score are not filtered.
func (s *Store) HybridSearch(ctx context.Context, query string, vec []float32, k int, weight, threshold float64, f Filter) ([]Result, error) {
	if k <= 0 {
		return nil, kperrors.New(kperrors.ErrCodeInvalidOption, "k must be positive", nil)
	}
	if weight < 0 || weight > 1 {
		return nil, kperrors.New(kperrors.ErrCodeInvalidOption, "keyword weight must be in [0,1]", nil)
	}

	var semantic, keyword []Result
	g, gctx := errgroup.WithContext(ctx)
	if len(vec) > 0 {
		g.Go(func() error {
			var err error
			semantic, err = s.SimilaritySearch(gctx, vec, 2*k, threshold, f)
			return err
		})
	}
	g.Go(func() error {
		var err error
		keyword, err = s.KeywordSearch(gctx, query, 2*k, f)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return MergeHybrid(semantic, keyword, k, weight), nil
}

// MergeHybrid combines semantic and keyword result lists. It is exported
// for callers that obtain the two lists separately.
func MergeHybrid(semantic, keyword []Result, k int, weight float64) []Result {
	byPrint := make(map[string]*Result, len(semantic)+len(keyword))
	order := make([]string, 0, len(semantic)+len(keyword))

	for _, r := range semantic {
		fp := Fingerprint(r.Chunk.Content)
		if existing, ok := byPrint[fp]; ok {
			existing.SemanticScore = max(existing.SemanticScore, r.Score)
			continue
		}
		byPrint[fp] = &Result{Chunk: r.Chunk, SemanticScore: r.Score}
		order = append(order, fp)
	}
	for _, r := range keyword {
		fp := Fingerprint(r.Chunk.Content)
		if existing, ok := byPrint[fp]; ok {
			existing.KeywordScore = max(existing.KeywordScore, r.Score)
			continue
		}
		byPrint[fp] = &Result{Chunk: r.Chunk, KeywordScore: r.Score}
		order = append(order, fp)
	}

	merged := make([]Result, 0, len(order))
	for _, fp := range order {
		r := byPrint[fp]
		r.Score = clamp01(r.SemanticScore*(1-weight) + r.KeywordScore*weight)
		merged = append(merged, *r)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		a, b := merged[i], merged[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.SemanticScore != b.SemanticScore {
			return a.SemanticScore > b.SemanticScore
		}
		return a.Chunk.ID < b.Chunk.ID
	})
	if len(merged) > k {
		merged = merged[:k]
	}
	return merged
}
