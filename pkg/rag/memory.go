package rag

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
)

// MemoryStore is a brute-force cosine-similarity VectorStore held in process memory.
// The dimension is fixed by the first Add and released by Reset.
type MemoryStore struct {
	mu      sync.RWMutex
	docs    []Document
	vectors [][]float32
	norms   []float64
	index   map[string]int
	dim     int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{index: make(map[string]int)}
}

func (m *MemoryStore) Add(_ context.Context, docs []Document, vectors [][]float32) error {
	if len(docs) != len(vectors) {
		return fmt.Errorf("got %d documents and %d vectors", len(docs), len(vectors))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	dim := m.dim
	for i, v := range vectors {
		if len(v) == 0 {
			return fmt.Errorf("document %q: %w: empty vector", docs[i].ID, ErrDimensionMismatch)
		}
		if dim == 0 {
			dim = len(v)
		}
		if len(v) != dim {
			return fmt.Errorf("document %q: %w: want %d, got %d", docs[i].ID, ErrDimensionMismatch, dim, len(v))
		}
	}
	m.dim = dim

	for i, doc := range docs {
		vec := vectors[i]
		norm := l2norm(vec)
		if pos, ok := m.index[doc.ID]; ok && doc.ID != "" {
			m.docs[pos], m.vectors[pos], m.norms[pos] = doc, vec, norm
			continue
		}
		if doc.ID != "" {
			m.index[doc.ID] = len(m.docs)
		}
		m.docs = append(m.docs, doc)
		m.vectors = append(m.vectors, vec)
		m.norms = append(m.norms, norm)
	}
	return nil
}

// Search returns up to k documents ordered by descending cosine similarity.
// Equal scores keep insertion order.
func (m *MemoryStore) Search(_ context.Context, vector []float32, k int) ([]SearchResult, error) {
	if k <= 0 {
		return nil, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.docs) == 0 {
		return []SearchResult{}, nil
	}
	if len(vector) != m.dim {
		return nil, fmt.Errorf("%w: want %d, got %d", ErrDimensionMismatch, m.dim, len(vector))
	}

	qnorm := l2norm(vector)
	results := make([]SearchResult, len(m.docs))
	for i, v := range m.vectors {
		results[i] = SearchResult{
			Document: m.docs[i],
			Score:    cosine(vector, v, qnorm, m.norms[i]),
		}
	}
	sort.SliceStable(results, func(a, b int) bool {
		return results[a].Score > results[b].Score
	})

	if k < len(results) {
		results = results[:k]
	}
	return results, nil
}

func (m *MemoryStore) Count(context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs), nil
}

func (m *MemoryStore) Reset(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs, m.vectors, m.norms = nil, nil, nil
	m.index = make(map[string]int)
	m.dim = 0
	return nil
}

func l2norm(v []float32) float64 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return math.Sqrt(sum)
}

// cosine is 0 when either vector has zero length.
func cosine(a, b []float32, na, nb float64) float32 {
	if na == 0 || nb == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return float32(dot / (na * nb))
}
