package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/edgeflare/esrbot/internal/testutil"
	"github.com/edgeflare/esrbot/pkg/httputil"
	mw "github.com/edgeflare/esrbot/pkg/httputil/middleware"
	"github.com/edgeflare/esrbot/pkg/rag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type keywordEmbedder struct{}

var keywords = []string{"coal", "water", "labor"}

func (keywordEmbedder) vector(text string) []float32 {
	lower := strings.ToLower(text)
	v := make([]float32, len(keywords))
	for i, k := range keywords {
		v[i] = float32(strings.Count(lower, k))
	}
	return v
}

func (e keywordEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = e.vector(t)
	}
	return out, nil
}

func (e keywordEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	return e.vector(text), nil
}

type stubModel struct {
	reply string
	err   error
}

func (m stubModel) Chat(context.Context, []rag.Message) (string, error) { return m.reply, m.err }
func (m stubModel) Model() string                                       { return "stub" }

func newTestServer(t *testing.T, model rag.ChatModel, opts Options, seed bool) (*Server, *rag.MemoryStore) {
	t.Helper()
	store := rag.NewMemoryStore()
	emb := keywordEmbedder{}
	if seed {
		docs := []rag.Document{
			{ID: "p0", Content: "Coal mining is restricted.", Metadata: map[string]any{"source": "esr.pdf", "page": 0}},
			{ID: "p1", Content: "Water use must be assessed.", Metadata: map[string]any{"source": "esr.pdf", "page": 1}},
		}
		vectors, err := emb.EmbedDocuments(context.Background(), []string{docs[0].Content, docs[1].Content})
		require.NoError(t, err)
		require.NoError(t, store.Add(context.Background(), docs, vectors))
	}
	splitter, err := rag.NewRecursiveCharacterSplitter(200, 0)
	require.NoError(t, err)

	bot := rag.NewBot(rag.NewRetriever(emb, store, 1), model)
	ingestor := rag.NewIngestor(splitter, emb, store)
	return New(bot, ingestor, opts), store
}

func postJSON(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealthAndReadiness(t *testing.T) {
	s, store := newTestServer(t, stubModel{}, Options{}, false)
	h := s.Handler()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(mw.RequestIDHeader))

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	require.NoError(t, store.Add(context.Background(),
		[]rag.Document{{ID: "x", Content: "coal"}}, [][]float32{{1, 0, 0}}))
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"chunks":1`)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t, stubModel{}, Options{}, false)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "esrbot_")
}

func TestChat(t *testing.T) {
	s, _ := newTestServer(t, stubModel{reply: "Coal is restricted [1]."}, Options{}, true)

	w := postJSON(t, s.Handler(), "/v1/chat", map[string]any{"question": "What about coal?"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var answer rag.Answer
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &answer))
	assert.Equal(t, "Coal is restricted [1].", answer.Text)
	assert.Equal(t, "What about coal?", answer.Question)
	assert.Equal(t, "stub", answer.Model)
	assert.NotEmpty(t, answer.ID)
	assert.NotEqual(t, w.Header().Get(mw.RequestIDHeader), answer.ID)
	require.Len(t, answer.Sources, 1)
	assert.Equal(t, "p0", answer.Sources[0].Document.ID)
}

func TestChatErrors(t *testing.T) {
	s, _ := newTestServer(t, stubModel{err: errors.New("upstream down")}, Options{}, true)
	h := s.Handler()

	w := postJSON(t, h, "/v1/chat", map[string]any{"question": "   "})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = postJSON(t, h, "/v1/chat", map[string]any{"question": "coal"})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	var e httputil.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &e))
	assert.Contains(t, e.Message, "upstream down")

	req := httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader("{not json"))
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/chat", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestRetrieve(t *testing.T) {
	s, _ := newTestServer(t, stubModel{}, Options{}, true)
	h := s.Handler()

	w := postJSON(t, h, "/v1/retrieve", RetrieveRequest{Query: "water", K: 2})
	require.Equal(t, http.StatusOK, w.Code)
	var resp RetrieveResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "p1", resp.Results[0].Document.ID)

	w = postJSON(t, h, "/v1/retrieve", RetrieveRequest{Query: "water"})
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Results, 1)

	w = postJSON(t, h, "/v1/retrieve", RetrieveRequest{Query: "water", K: -1})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = postJSON(t, h, "/v1/retrieve", RetrieveRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func uploadRequest(t *testing.T, files map[string][]byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mpw := multipart.NewWriter(&body)
	for name, content := range files {
		fw, err := mpw.CreateFormFile("file", name)
		require.NoError(t, err)
		_, err = fw.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, mpw.Close())
	req := httptest.NewRequest(http.MethodPost, "/v1/documents", &body)
	req.Header.Set("Content-Type", mpw.FormDataContentType())
	return req
}

func TestDocumentsUpload(t *testing.T) {
	s, store := newTestServer(t, stubModel{}, Options{}, false)
	h := s.Handler()

	req := uploadRequest(t, map[string][]byte{
		"policy.pdf": testutil.PDF("Coal is excluded.", "Labor standards apply."),
		"notes.txt":  []byte("Water stewardship notes."),
	})
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp IngestResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.ElementsMatch(t, []string{"policy.pdf", "notes.txt"}, resp.Files)
	assert.Equal(t, 3, resp.Documents)
	assert.Equal(t, 3, resp.Chunks)

	n, err := store.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestDocumentsUploadSameName(t *testing.T) {
	s, store := newTestServer(t, stubModel{}, Options{}, false)

	var body bytes.Buffer
	mpw := multipart.NewWriter(&body)
	for _, content := range []string{"Coal is excluded.", "Water is assessed."} {
		fw, err := mpw.CreateFormFile("file", "policy.txt")
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, mpw.Close())
	req := httptest.NewRequest(http.MethodPost, "/v1/documents", &body)
	req.Header.Set("Content-Type", mpw.FormDataContentType())

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp IngestResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, []string{"policy.txt", "policy.txt"}, resp.Files)
	assert.Equal(t, 2, resp.Chunks)

	// the store starts empty, so both uploads must be stored
	n, err := store.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	results, err := store.Search(context.Background(), []float32{1, 1, 0}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, "policy.txt", rag.SourceLabel(r.Document))
	}
}

func TestDocumentsUploadErrors(t *testing.T) {
	s, _ := newTestServer(t, stubModel{}, Options{}, false)
	h := s.Handler()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, uploadRequest(t, map[string][]byte{"deck.pptx": []byte("x")}))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, uploadRequest(t, map[string][]byte{}))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, uploadRequest(t, map[string][]byte{"empty.txt": []byte("  ")}))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	small, _ := newTestServer(t, stubModel{}, Options{MaxUploadSize: 64}, false)
	w = httptest.NewRecorder()
	small.Handler().ServeHTTP(w, uploadRequest(t, map[string][]byte{"big.txt": bytes.Repeat([]byte("a"), 1024)}))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReadOnlyServerHasNoUpload(t *testing.T) {
	store := rag.NewMemoryStore()
	bot := rag.NewBot(rag.NewRetriever(keywordEmbedder{}, store, 1), stubModel{})
	s := New(bot, nil, Options{})

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, uploadRequest(t, map[string][]byte{"a.txt": []byte("coal")}))
	// only the catch-all preflight route matches the path
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestBasicAuth(t *testing.T) {
	s, _ := newTestServer(t, stubModel{reply: "ok"}, Options{BasicAuth: map[string]string{"analyst": "secret"}}, true)
	h := s.Handler()

	w := postJSON(t, h, "/v1/chat", map[string]any{"question": "coal"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(`{"question":"coal"}`))
	req.SetBasicAuth("analyst", "secret")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	// probes stay open
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCORSPreflight(t *testing.T) {
	s, _ := newTestServer(t, stubModel{}, Options{CORS: &mw.CORSOptions{
		AllowedOrigins: []string{"https://esr.example.com"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
	}}, false)

	req := httptest.NewRequest(http.MethodOptions, "/v1/chat", nil)
	req.Header.Set("Origin", "https://esr.example.com")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://esr.example.com", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "GET,POST,OPTIONS", w.Header().Get("Access-Control-Allow-Methods"))
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusFor(rag.ErrEmptyInput))
	assert.Equal(t, http.StatusConflict, statusFor(rag.ErrDimensionMismatch))
	assert.Equal(t, http.StatusGatewayTimeout, statusFor(context.DeadlineExceeded))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("boom")))
}
