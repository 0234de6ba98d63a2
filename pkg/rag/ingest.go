package rag

import (
	"context"
	"fmt"
	"time"

	"github.com/edgeflare/esrbot/pkg/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// IngestStats summarises one Ingest call.
type IngestStats struct {
	Documents int           `json:"documents"`
	Chunks    int           `json:"chunks"`
	Duration  time.Duration `json:"duration"`
}

// Ingestor splits documents, embeds the chunks and adds them to a store.
type Ingestor struct {
	Splitter *RecursiveCharacterSplitter
	Embedder Embedder
	Store    VectorStore
	// BatchSize is the number of chunks per EmbedDocuments call.
	BatchSize int
	// Concurrency bounds in-flight embedding batches.
	Concurrency int
	logger      *zap.Logger
}

func NewIngestor(splitter *RecursiveCharacterSplitter, embedder Embedder, store VectorStore, loggers ...*zap.Logger) *Ingestor {
	logger := zap.NewNop()
	if len(loggers) > 0 && loggers[0] != nil {
		logger = loggers[0]
	}
	return &Ingestor{
		Splitter:    splitter,
		Embedder:    embedder,
		Store:       store,
		BatchSize:   64,
		Concurrency: 4,
		logger:      logger,
	}
}

// Ingest embeds batches concurrently and adds them to the store in document order.
// Nothing is added unless every batch was embedded.
func (in *Ingestor) Ingest(ctx context.Context, docs []Document) (IngestStats, error) {
	start := time.Now()
	if len(docs) == 0 {
		return IngestStats{}, ErrNoDocuments
	}

	chunks := in.Splitter.SplitDocuments(docs)
	if len(chunks) == 0 {
		return IngestStats{}, ErrNoDocuments
	}

	batchSize := max(in.BatchSize, 1)
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	vectors := make([][]float32, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(in.Concurrency, 1))
	for lo := 0; lo < len(texts); lo += batchSize {
		hi := min(lo+batchSize, len(texts))
		g.Go(func() error {
			batch, err := in.Embedder.EmbedDocuments(gctx, texts[lo:hi])
			if err != nil {
				return fmt.Errorf("failed to embed chunks %d-%d: %w", lo, hi-1, err)
			}
			if len(batch) != hi-lo {
				return fmt.Errorf("expected %d embeddings, got %d", hi-lo, len(batch))
			}
			copy(vectors[lo:hi], batch)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return IngestStats{}, err
	}

	if err := in.Store.Add(ctx, chunks, vectors); err != nil {
		return IngestStats{}, fmt.Errorf("failed to add chunks to store: %w", err)
	}
	metrics.IngestedChunks.Add(float64(len(chunks)))

	stats := IngestStats{
		Documents: len(docs),
		Chunks:    len(chunks),
		Duration:  time.Since(start),
	}
	in.logger.Info("ingested documents",
		zap.Int("documents", stats.Documents),
		zap.Int("chunks", stats.Chunks),
		zap.Duration("duration", stats.Duration),
	)
	return stats, nil
}
