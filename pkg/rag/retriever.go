package rag

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/edgeflare/esrbot/pkg/metrics"
)

// DefaultK is the number of chunks retrieved per query.
const DefaultK = 4

// Retriever embeds a query and returns the closest chunks from Store.
type Retriever struct {
	Embedder Embedder
	Store    VectorStore
	K        int
	// ScoreThreshold drops results scoring below it. Zero keeps everything.
	ScoreThreshold float32
}

func NewRetriever(embedder Embedder, store VectorStore, k int) *Retriever {
	if k <= 0 {
		k = DefaultK
	}
	return &Retriever{Embedder: embedder, Store: store, K: k}
}

// Retrieve returns the top K chunks for query.
func (r *Retriever) Retrieve(ctx context.Context, query string) ([]SearchResult, error) {
	return r.RetrieveK(ctx, query, r.K)
}

// RetrieveK is Retrieve with an explicit k. A non-positive k uses r.K.
func (r *Retriever) RetrieveK(ctx context.Context, query string, k int) ([]SearchResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyInput
	}
	if k <= 0 {
		k = r.K
	}
	if k <= 0 {
		k = DefaultK
	}

	start := time.Now()
	defer func() { metrics.RetrievalDuration.Observe(time.Since(start).Seconds()) }()

	vector, err := r.Embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	results, err := r.Store.Search(ctx, vector, k)
	if err != nil {
		return nil, fmt.Errorf("failed to search vector store: %w", err)
	}

	if r.ScoreThreshold == 0 {
		return results, nil
	}
	kept := results[:0]
	for _, res := range results {
		if res.Score >= r.ScoreThreshold {
			kept = append(kept, res)
		}
	}
	return kept, nil
}
