package rag

import "context"

// VectorStore indexes documents by embedding and answers nearest-neighbour queries.
// Adding a document whose ID already exists replaces it.
type VectorStore interface {
	Add(ctx context.Context, docs []Document, vectors [][]float32) error
	Search(ctx context.Context, vector []float32, k int) ([]SearchResult, error)
	Count(ctx context.Context) (int, error)
	Reset(ctx context.Context) error
}
