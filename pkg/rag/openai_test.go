package rag

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newOpenAITestServer(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/embeddings", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req struct {
			Input      []string `json:"input"`
			Model      string   `json:"model"`
			Dimensions int      `json:"dimensions"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "text-embedding-3-small", req.Model)
		assert.Equal(t, 2, req.Dimensions)

		data := make([]map[string]any, len(req.Input))
		for i, in := range req.Input {
			data[i] = map[string]any{"object": "embedding", "index": i, "embedding": []float64{float64(len(in)), 0.5}}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"data":   data,
			"model":  req.Model,
			"usage":  map[string]any{"prompt_tokens": 1, "total_tokens": 1},
		})
	})
	mux.HandleFunc("POST /v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model    string    `json:"model"`
			Messages []Message `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-4o-mini", req.Model)
		require.Len(t, req.Messages, 3)
		assert.Equal(t, RoleSystem, req.Messages[0].Role)
		assert.Equal(t, RoleAssistant, req.Messages[1].Role)
		assert.Equal(t, "What about coal?", req.Messages[2].Content)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1700000000,
			"model": "gpt-4o-mini",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "Coal requires enhanced due diligence."}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
		}`))
	})
	return httptest.NewServer(mux)
}

func testOpenAIClient(t *testing.T, url string) *OpenAIClient {
	t.Helper()
	config := DefaultConfig()
	config.APIURL = url
	config.APIKey = "sk-test"
	config.Dimensions = 2
	config.BatchSize = 2
	config.MaxRetries = 0
	config.Timeout = 5 * time.Second
	client, err := NewOpenAIClient(config, zap.NewNop())
	require.NoError(t, err)
	return client
}

func TestOpenAIClientEmbeddings(t *testing.T) {
	srv := newOpenAITestServer(t)
	defer srv.Close()

	client := testOpenAIClient(t, srv.URL)
	vectors, err := client.EmbedDocuments(context.Background(), []string{"a", "bb", "ccc"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 0.5}, {2, 0.5}, {3, 0.5}}, vectors)

	v, err := client.EmbedQuery(context.Background(), "dddd")
	require.NoError(t, err)
	assert.Equal(t, []float32{4, 0.5}, v)
}

func TestOpenAIClientChat(t *testing.T) {
	srv := newOpenAITestServer(t)
	defer srv.Close()

	client := testOpenAIClient(t, srv.URL)
	reply, err := client.Chat(context.Background(), []Message{
		{Role: RoleSystem, Content: "You are ESRBot."},
		{Role: RoleAssistant, Content: "Hello."},
		{Role: RoleUser, Content: "What about coal?"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Coal requires enhanced due diligence.", reply)
	assert.Equal(t, "gpt-4o-mini", client.Model())
}

func TestNewOpenAIClientRequiresKey(t *testing.T) {
	config := DefaultConfig()
	config.APIKey = ""
	_, err := NewOpenAIClient(config, zap.NewNop())
	assert.Error(t, err)
}
