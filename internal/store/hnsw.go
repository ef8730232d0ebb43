package store

import (
	"math"
	"sort"
	"sync"

	"github.com/coder/hnsw"
)

// HNSWIndex is the in-memory approximate nearest-neighbour index over
// chunk embeddings. It is derived state: Open rebuilds it from SQLite.
type HNSWIndex struct {
	mu    sync.RWMutex
	graph *hnsw.Graph[uint64]
	dims  int
	m     int
	ef    int

	// ID mapping (string <-> uint64)
	idMap   map[string]uint64
	keyMap  map[uint64]string
	nextKey uint64
}

// vectorHit is a raw HNSW match.
type vectorHit struct {
	ID    string
	Score float64
}

// HNSWStats reports live vectors against graph nodes. Deleted entries
// stay in the graph as orphans until Compact.
type HNSWStats struct {
	ValidIDs   int `json:"valid_ids"`
	GraphNodes int `json:"graph_nodes"`
	Orphans    int `json:"orphans"`
}

// NewHNSWIndex creates an empty cosine index.
func NewHNSWIndex(dims, m, efSearch int) *HNSWIndex {
	if m <= 0 {
		m = DefaultHNSWM
	}
	if efSearch <= 0 {
		efSearch = DefaultHNSWEfSearch
	}
	idx := &HNSWIndex{dims: dims, m: m, ef: efSearch}
	idx.reset()
	return idx
}

func (x *HNSWIndex) reset() {
	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = x.m
	graph.EfSearch = x.ef
	graph.Ml = 0.25
	x.graph = graph
	x.idMap = make(map[string]uint64)
	x.keyMap = make(map[uint64]string)
	x.nextKey = 0
}

// SetDimensions fixes the vector size once it becomes known.
func (x *HNSWIndex) SetDimensions(dims int) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.dims = dims
}

// Add inserts vectors. An existing ID is replaced.
func (x *HNSWIndex) Add(ids []string, vectors [][]float32) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.addLocked(ids, vectors)
}

func (x *HNSWIndex) addLocked(ids []string, vectors [][]float32) {
	for i, id := range ids {
		// Lazy deletion: coder/hnsw misbehaves when the last node is
		// removed, so replaced nodes are orphaned instead.
		if existing, ok := x.idMap[id]; ok {
			delete(x.keyMap, existing)
			delete(x.idMap, id)
		}

		key := x.nextKey
		x.nextKey++

		vec := make([]float32, len(vectors[i]))
		copy(vec, vectors[i])
		normalizeInPlace(vec)

		x.graph.Add(hnsw.MakeNode(key, vec))
		x.idMap[id] = key
		x.keyMap[key] = id
	}
}

// Search returns up to k neighbours of query with scores (1+cos)/2,
// sorted by score then ID.
func (x *HNSWIndex) Search(query []float32, k int) []vectorHit {
	x.mu.RLock()
	defer x.mu.RUnlock()

	if x.graph.Len() == 0 || len(x.idMap) == 0 || k <= 0 {
		return nil
	}

	q := make([]float32, len(query))
	copy(q, query)
	normalizeInPlace(q)

	// Orphans occupy result slots, so ask for them too.
	want := k + (x.graph.Len() - len(x.idMap))
	nodes := x.graph.Search(q, want)

	hits := make([]vectorHit, 0, len(nodes))
	for _, node := range nodes {
		id, ok := x.keyMap[node.Key]
		if !ok {
			continue
		}
		distance := x.graph.Distance(q, node.Value)
		hits = append(hits, vectorHit{ID: id, Score: distanceToScore(distance)})
	}
	sortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}

// Delete removes IDs. Unknown IDs are ignored.
func (x *HNSWIndex) Delete(ids []string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, id := range ids {
		if key, ok := x.idMap[id]; ok {
			delete(x.keyMap, key)
			delete(x.idMap, id)
		}
	}
}

// Contains reports whether id is indexed.
func (x *HNSWIndex) Contains(id string) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	_, ok := x.idMap[id]
	return ok
}

// Count returns the number of live vectors.
func (x *HNSWIndex) Count() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.idMap)
}

// Stats returns live and orphaned node counts.
func (x *HNSWIndex) Stats() HNSWStats {
	x.mu.RLock()
	defer x.mu.RUnlock()
	nodes := x.graph.Len()
	return HNSWStats{
		ValidIDs:   len(x.idMap),
		GraphNodes: nodes,
		Orphans:    nodes - len(x.idMap),
	}
}

// NeedsCompaction is true once orphans outnumber live vectors.
func (x *HNSWIndex) NeedsCompaction() bool {
	s := x.Stats()
	return s.Orphans > 0 && s.Orphans > s.ValidIDs
}

// Rebuild replaces the graph with exactly the given vectors.
func (x *HNSWIndex) Rebuild(ids []string, vectors [][]float32) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.reset()
	x.addLocked(ids, vectors)
}

func sortHits(hits []vectorHit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
}

func normalizeInPlace(v []float32) {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= inv
	}
}

// distanceToScore maps cosine distance (0 identical, 2 opposite) to
// (1+cos)/2, clamped to [0,1].
func distanceToScore(distance float32) float64 {
	return clamp01(1.0 - float64(distance)/2.0)
}

// cosineScore is the exact (1+cos)/2 used by the filtered scan.
func cosineScore(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0.5
	}
	return clamp01((1 + dot/(math.Sqrt(na)*math.Sqrt(nb))) / 2)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
