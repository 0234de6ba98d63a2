package rag

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIngest(t *testing.T) {
	ctx := context.Background()
	splitter, err := NewRecursiveCharacterSplitter(40, 0)
	require.NoError(t, err)

	embedder := newKeywordEmbedder()
	store := NewMemoryStore()
	ingestor := NewIngestor(splitter, embedder, store)
	ingestor.BatchSize = 3
	ingestor.Concurrency = 2

	var docs []Document
	for i := 0; i < 4; i++ {
		docs = append(docs, Document{
			ID:       fmt.Sprintf("page%d", i),
			Content:  strings.Repeat("coal water labor forest risk ", 3),
			Metadata: map[string]any{"page": i},
		})
	}

	stats, err := ingestor.Ingest(ctx, docs)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Documents)
	assert.Greater(t, stats.Chunks, 4)

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, stats.Chunks, n)

	// every batch holds at most BatchSize chunks
	for _, in := range embedder.inputs {
		assert.LessOrEqual(t, len(in), 3)
	}

	results, err := store.Search(ctx, embedder.vector("coal water labor forest risk"), n)
	require.NoError(t, err)
	require.Len(t, results, n)
	for _, r := range results {
		assert.True(t, strings.HasPrefix(r.Document.ID, "page"))
		_, ok := r.Document.Metadata["chunk"]
		assert.True(t, ok)
	}
}

func TestIngestErrors(t *testing.T) {
	ctx := context.Background()
	splitter, err := NewRecursiveCharacterSplitter(40, 0)
	require.NoError(t, err)

	embedder := newKeywordEmbedder()
	store := NewMemoryStore()
	ingestor := NewIngestor(splitter, embedder, store)

	_, err = ingestor.Ingest(ctx, nil)
	assert.ErrorIs(t, err, ErrNoDocuments)

	_, err = ingestor.Ingest(ctx, []Document{{ID: "blank", Content: "   "}})
	assert.ErrorIs(t, err, ErrNoDocuments)

	embedder.err = errors.New("quota exceeded")
	_, err = ingestor.Ingest(ctx, []Document{{ID: "d", Content: "coal"}})
	assert.ErrorContains(t, err, "quota exceeded")

	n, _ := store.Count(ctx)
	assert.Equal(t, 0, n)
}
