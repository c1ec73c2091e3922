package search

import (
	"context"
	"math"
	"sort"
)

// VectorBackend maps a query to nearest-neighbor doc ids by cosine
// similarity. Absence of a usable backend is not an
// error; Stage returns an empty candidate list and lexical continues.
//
// This is implemented as a flat in-process index behind the interface,
// standard-library only: the pack ships no ANN/vector-search library (see
// DESIGN.md). The embedding dimension and index structure only need to
// honor the fusion tie-break rules, which a flat scan trivially satisfies.
type VectorBackend interface {
	Embed(ctx context.Context, text string) ([]float64, bool, error)
	TopK(ctx context.Context, query []float64, k int) ([]Hit, error)
}

// FlatIndex is a minimal in-memory VectorBackend: brute-force cosine
// similarity over an in-memory vector table that Upsert and Delete edit one
// entry at a time.
type FlatIndex struct {
	vectors map[int64][]float64
	embed   func(text string) ([]float64, bool)
}

func NewFlatIndex(embed func(text string) ([]float64, bool)) *FlatIndex {
	return &FlatIndex{vectors: make(map[int64][]float64), embed: embed}
}

func (f *FlatIndex) Upsert(docID int64, vec []float64) {
	f.vectors[docID] = vec
}

func (f *FlatIndex) Delete(docID int64) {
	delete(f.vectors, docID)
}

func (f *FlatIndex) Embed(_ context.Context, text string) ([]float64, bool, error) {
	if f.embed == nil {
		return nil, false, nil
	}
	v, ok := f.embed(text)
	return v, ok, nil
}

func (f *FlatIndex) TopK(_ context.Context, query []float64, k int) ([]Hit, error) {
	if len(query) == 0 || k <= 0 {
		return nil, nil
	}
	type scored struct {
		id    int64
		score float64
	}
	all := make([]scored, 0, len(f.vectors))
	for id, v := range f.vectors {
		all = append(all, scored{id: id, score: cosine(query, v)})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].score != all[j].score {
			return all[i].score > all[j].score
		}
		return all[i].id < all[j].id
	})
	if len(all) > k {
		all = all[:k]
	}
	hits := make([]Hit, len(all))
	for i, s := range all {
		hits[i] = Hit{DocID: s.id, Score: s.score, Rank: i + 1}
	}
	return hits, nil
}

func cosine(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, magA, magB float64
	for i := 0; i < n; i++ {
		dot += a[i] * b[i]
		magA += a[i] * a[i]
		magB += b[i] * b[i]
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}

// SemanticStage wraps a VectorBackend so an absent backend degrades
// gracefully.
type SemanticStage struct {
	backend VectorBackend
}

func NewSemanticStage(backend VectorBackend) *SemanticStage {
	return &SemanticStage{backend: backend}
}

func (s *SemanticStage) Run(ctx context.Context, rawQuery string, limit int) ([]Hit, error) {
	if s.backend == nil || limit <= 0 {
		return nil, nil
	}
	vec, ok, err := s.backend.Embed(ctx, rawQuery)
	if err != nil || !ok {
		return nil, err
	}
	return s.backend.TopK(ctx, vec, limit)
}
