package database

import (
	"errors"
	"sort"
	"sync"

	"github.com/coder/hnsw"
)

// HNSWIndex wraps an in-memory HNSW graph over stored embeddings. It is
// rebuilt from PostgreSQL at startup; PostgreSQL stays the source of truth.
//
// The graph itself cannot remove nodes, so disabled and deleted embeddings
// are filtered through the id map at query time.
type HNSWIndex struct {
	graph *hnsw.Graph[string]
	byID  map[string]*Embedding
	mu    sync.RWMutex
}

// NewHNSWIndex creates an empty index.
func NewHNSWIndex() *HNSWIndex {
	return &HNSWIndex{
		byID: make(map[string]*Embedding),
	}
}

func newGraph() *hnsw.Graph[string] {
	g := hnsw.NewGraph[string]()
	g.M = HNSWMaxNeighbors
	g.Ml = 1.0 / float64(HNSWMaxNeighbors)
	g.Distance = hnsw.CosineDistance
	return g
}

// BuildFromEmbeddings replaces the index contents with the given embeddings.
func (h *HNSWIndex) BuildFromEmbeddings(embeddings []Embedding) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(embeddings) == 0 {
		h.graph = nil
		h.byID = make(map[string]*Embedding)
		return nil
	}

	g := newGraph()
	h.byID = make(map[string]*Embedding, len(embeddings))

	for i := range embeddings {
		emb := &embeddings[i]
		if len(emb.Vector) == 0 {
			continue
		}
		g.Add(hnsw.MakeNode(emb.ID, emb.Vector))
		h.byID[emb.ID] = emb
	}

	h.graph = g
	return nil
}

// Add inserts a single embedding into the index.
func (h *HNSWIndex) Add(emb *Embedding) {
	if len(emb.Vector) == 0 {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.graph == nil {
		h.graph = newGraph()
	}
	h.graph.Add(hnsw.MakeNode(emb.ID, emb.Vector))
	h.byID[emb.ID] = emb
}

// SetSearchable toggles the soft-erasure flag for an indexed embedding.
// Returns false if the embedding is not indexed.
func (h *HNSWIndex) SetSearchable(id string, searchable bool) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	emb, ok := h.byID[id]
	if !ok {
		return false
	}
	emb.Searchable = searchable
	return true
}

// Delete removes an embedding from query results. The graph node stays but
// is filtered out through the id map.
func (h *HNSWIndex) Delete(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.byID, id)
}

// Count returns the number of indexed embeddings.
func (h *HNSWIndex) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byID)
}

// Search returns candidates with similarity >= threshold, sorted by
// similarity descending, truncated to maxResults. The mode controls only how
// many graph candidates are examined: precise widens the pool for recall,
// both modes rank identically.
func (h *HNSWIndex) Search(query []float32, threshold float64, maxResults int, mode SearchMode) ([]SearchResult, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.graph == nil {
		return nil, errors.New("index not initialized")
	}
	if maxResults <= 0 {
		maxResults = DefaultMaxResults
	}

	multiplier := HNSWSearchMultiplierStandard
	if mode == SearchPrecise {
		multiplier = HNSWSearchMultiplierPrecise
	}
	searchK := max(maxResults*multiplier, HNSWMinSearchK)

	neighbors := h.graph.Search(query, searchK)

	results := make([]SearchResult, 0, maxResults)
	for _, n := range neighbors {
		emb, ok := h.byID[n.Key]
		if !ok || !emb.Searchable {
			continue
		}
		sim := CosineSimilarity(query, n.Value)
		if sim < threshold {
			continue
		}
		results = append(results, SearchResult{
			EmbeddingID: emb.ID,
			SubjectID:   emb.SubjectID,
			CaseID:      emb.CaseID,
			Similarity:  sim,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})

	if len(results) > maxResults {
		results = results[:maxResults]
	}
	return results, nil
}
