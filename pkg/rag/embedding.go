package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/edgeflare/esrbot/pkg/httputil"
	"github.com/edgeflare/esrbot/pkg/metrics"
	"go.uber.org/zap"
)

// Embedder turns text into vectors.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// EmbeddingRequest is the request body for the FetchEmbedding function
type EmbeddingRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

// EmbeddingResponse is the response body for the FetchEmbedding function
// https://platform.openai.com/docs/api-reference/embeddings/create
// https://github.com/ollama/ollama/blob/main/docs/api.md#embeddings
type EmbeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string `json:"model"`
}

// requestDimensions is the dimensions to ask for, or 0 when the model only
// produces its native size.
func requestDimensions(config Config) int {
	if config.Dimensions > 0 && strings.HasPrefix(config.EmbeddingModel, "text-embedding-3") {
		return config.Dimensions
	}
	return 0
}

// FetchEmbedding fetches embeddings for one batch from the LLM API.
// The result is ordered like input, whatever order the server returns items in.
func (c *Client) FetchEmbedding(ctx context.Context, input []string) ([][]float32, error) {
	if len(input) == 0 {
		return nil, ErrEmptyInput
	}

	data := &EmbeddingRequest{
		Input:      input,
		Model:      c.Config.EmbeddingModel,
		Dimensions: requestDimensions(c.Config),
	}

	config := httputil.DefaultRequestConfig(http.MethodPost, c.url(c.Config.EmbeddingsPath))
	config.Headers = c.headers()
	config.Timeout = c.Config.Timeout
	config.MaxRetries = c.Config.MaxRetries
	config.Logger = zap.NewStdLog(c.logger)

	metrics.EmbeddingRequests.WithLabelValues("http").Inc()
	response, err := httputil.Request(ctx, config, data)
	if err != nil {
		metrics.EmbeddingErrors.WithLabelValues("http").Inc()
		return nil, fmt.Errorf("failed to fetch embeddings: %w", err)
	}

	var embeddingResponse EmbeddingResponse
	if err := json.Unmarshal(response.Body, &embeddingResponse); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	if len(embeddingResponse.Data) != len(input) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(input), len(embeddingResponse.Data))
	}

	embeddings := make([][]float32, len(input))
	for i, d := range embeddingResponse.Data {
		idx := d.Index
		// some servers omit index; fall back to position
		if idx < 0 || idx >= len(input) || embeddings[idx] != nil {
			idx = i
		}
		embeddings[idx] = d.Embedding
	}

	return embeddings, nil
}

// EmbedDocuments embeds texts in batches of Config.BatchSize.
func (c *Client) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += c.Config.BatchSize {
		end := min(start+c.Config.BatchSize, len(texts))
		batch, err := c.FetchEmbedding(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
		c.logger.Debug("embedded batch", zap.Int("start", start), zap.Int("size", end-start))
	}
	return out, nil
}

// EmbedQuery embeds a single query string.
func (c *Client) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyInput
	}
	vectors, err := c.FetchEmbedding(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}
