package rag

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/edgeflare/esrbot/pkg/httputil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testClient(t *testing.T, url string) *Client {
	t.Helper()
	config := DefaultConfig()
	config.APIURL = url
	config.APIKey = "test-key"
	config.EmbeddingModel = "embed-model"
	config.ChatModel = "chat-model"
	config.BatchSize = 2
	config.Timeout = 5 * time.Second
	config.MaxRetries = 1
	client, err := NewClient(config, zap.NewNop())
	require.NoError(t, err)
	return client
}

// embeddingServer answers with vectors [len(input), index] in reverse order.
func embeddingServer(t *testing.T, requests *atomic.Int32) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req EmbeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "embed-model", req.Model)

		type item struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		}
		data := make([]item, 0, len(req.Input))
		for i := len(req.Input) - 1; i >= 0; i-- {
			data = append(data, item{Embedding: []float32{float32(len(req.Input[i])), float32(i)}, Index: i})
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"data": data, "model": req.Model})
	}))
}

func TestFetchEmbedding(t *testing.T) {
	var requests atomic.Int32
	srv := embeddingServer(t, &requests)
	defer srv.Close()

	client := testClient(t, srv.URL)
	vectors, err := client.FetchEmbedding(context.Background(), []string{"a", "bbb"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 0}, {3, 1}}, vectors)

	_, err = client.FetchEmbedding(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestFetchEmbeddingDimensions(t *testing.T) {
	var got []int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req EmbeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		got = append(got, req.Dimensions)
		json.NewEncoder(w).Encode(map[string]any{"data": []map[string]any{{"embedding": []float32{1, 2}, "index": 0}}})
	}))
	defer srv.Close()

	client := testClient(t, srv.URL)
	client.Config.Dimensions = 256

	client.Config.EmbeddingModel = "text-embedding-3-small"
	_, err := client.FetchEmbedding(context.Background(), []string{"coal"})
	require.NoError(t, err)

	// models without a dimensions parameter are sent none
	client.Config.EmbeddingModel = "nomic-embed-text"
	_, err = client.FetchEmbedding(context.Background(), []string{"coal"})
	require.NoError(t, err)

	assert.Equal(t, []int{256, 0}, got)
}

func TestEmbedDocumentsBatches(t *testing.T) {
	var requests atomic.Int32
	srv := embeddingServer(t, &requests)
	defer srv.Close()

	client := testClient(t, srv.URL)
	vectors, err := client.EmbedDocuments(context.Background(), []string{"a", "bb", "ccc", "dddd", "eeeee"})
	require.NoError(t, err)
	require.Len(t, vectors, 5)
	assert.Equal(t, int32(3), requests.Load())
	for i, v := range vectors {
		assert.Equal(t, float32(i+1), v[0])
	}

	v, err := client.EmbedQuery(context.Background(), "query")
	require.NoError(t, err)
	assert.Equal(t, []float32{5, 0}, v)

	_, err = client.EmbedQuery(context.Background(), "")
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestFetchEmbeddingCountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[{"embedding":[1,2],"index":0}]}`))
	}))
	defer srv.Close()

	_, err := testClient(t, srv.URL).FetchEmbedding(context.Background(), []string{"a", "b"})
	assert.ErrorContains(t, err, "expected 2 embeddings, got 1")
}

func TestFetchEmbeddingClientErrorNotRetried(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		http.Error(w, `{"error":"bad model"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := testClient(t, srv.URL).FetchEmbedding(context.Background(), []string{"a"})
	require.Error(t, err)

	var statusErr *httputil.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadRequest, statusErr.StatusCode)
	assert.Equal(t, int32(1), requests.Load())
}

func TestFetchEmbeddingServerErrorRetried(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) == 1 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"data":[{"embedding":[0.5],"index":0}]}`))
	}))
	defer srv.Close()

	vectors, err := testClient(t, srv.URL).FetchEmbedding(context.Background(), []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{0.5}}, vectors)
	assert.Equal(t, int32(2), requests.Load())
}

func TestNewClientRequiresURL(t *testing.T) {
	config := DefaultConfig()
	config.APIURL = ""
	_, err := NewClient(config, zap.NewNop())
	assert.Error(t, err)
}
