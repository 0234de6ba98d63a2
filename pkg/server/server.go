// Package server exposes the bot over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"path/filepath"
	"strconv"
	"time"

	"github.com/edgeflare/esrbot/pkg/httputil"
	mw "github.com/edgeflare/esrbot/pkg/httputil/middleware"
	"github.com/edgeflare/esrbot/pkg/loader"
	"github.com/edgeflare/esrbot/pkg/metrics"
	"github.com/edgeflare/esrbot/pkg/rag"
	"go.uber.org/zap"
)

const (
	// DefaultMaxUploadSize caps POST /v1/documents bodies.
	DefaultMaxUploadSize int64 = 32 << 20
	maxJSONBodySize      int64 = 1 << 20
	shutdownTimeout            = 10 * time.Second
	idleTimeout                = 2 * time.Minute
	maxHeaderBytes             = 64 << 10

	// uploadPrefix roots the source of every uploaded document.
	uploadPrefix = "uploads"
)

// Options configures a Server.
type Options struct {
	ListenAddr  string
	TLSCertFile string
	TLSKeyFile  string
	// BasicAuth maps usernames to passwords. Empty disables basic auth.
	BasicAuth map[string]string
	// OIDC, when set, verifies bearer tokens before basic auth is tried.
	OIDC          *mw.OIDCVerifier
	CORS          *mw.CORSOptions
	MaxUploadSize int64
	Logger        *zap.Logger
}

// Server serves the chat, retrieval and ingestion API.
type Server struct {
	bot      *rag.Bot
	ingestor *rag.Ingestor
	router   *httputil.Router
	opts     Options
	logger   *zap.Logger
}

// New builds a Server. A nil ingestor leaves POST /v1/documents unregistered.
func New(bot *rag.Bot, ingestor *rag.Ingestor, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MaxUploadSize <= 0 {
		opts.MaxUploadSize = DefaultMaxUploadSize
	}
	if opts.ListenAddr == "" {
		opts.ListenAddr = ":8080"
	}

	s := &Server{
		bot:      bot,
		ingestor: ingestor,
		opts:     opts,
		logger:   opts.Logger,
		router: httputil.NewRouter(
			httputil.WithLogger(opts.Logger),
			httputil.WithTLS(opts.TLSCertFile, opts.TLSKeyFile),
			httputil.WithServerOptions(func(hs *http.Server) {
				hs.IdleTimeout = idleTimeout
				hs.MaxHeaderBytes = maxHeaderBytes
			}),
		),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Use(mw.RequestID, mw.LoggerWithOptions(&mw.LoggerOptions{Logger: s.logger}), mw.CORSWithOptions(s.opts.CORS))

	// preflight for every path; method-specific routes would otherwise answer 405
	r.HandleFunc("OPTIONS /", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.HandleFunc("GET /healthz", s.handleHealthz)
	r.HandleFunc("GET /readyz", s.handleReadyz)
	r.Handle("GET /metrics", metrics.Handler())

	api := r.Group("/v1")
	if s.opts.OIDC != nil {
		api.Use(s.opts.OIDC.VerifyOIDCToken(len(s.opts.BasicAuth) == 0))
	}
	if len(s.opts.BasicAuth) > 0 {
		api.Use(mw.VerifyBasicAuth(mw.BasicAuthCreds(s.opts.BasicAuth)))
	}
	api.HandleFunc("POST /chat", s.handleChat)
	api.HandleFunc("POST /retrieve", s.handleRetrieve)
	if s.ingestor != nil {
		api.HandleFunc("POST /documents", s.handleDocuments)
	}
}

// Handler returns the root handler with all middleware applied.
func (s *Server) Handler() http.Handler {
	return s.router.Handler()
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.router.ListenAndServe(s.opts.ListenAddr)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.router.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("server gracefully stopped")
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	n, err := s.bot.Retriever.Store.Count(r.Context())
	if err != nil {
		mw.LoggerFromContext(r.Context()).Warn("readiness check failed", zap.Error(err))
		httputil.Error(w, http.StatusServiceUnavailable, "vector store unavailable")
		return
	}
	if n == 0 {
		httputil.Error(w, http.StatusServiceUnavailable, "no documents indexed")
		return
	}
	httputil.JSON(w, http.StatusOK, map[string]any{"status": "ready", "chunks": n})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodySize)
	var q rag.Question
	if err := httputil.BindOrError(r, w, &q); err != nil {
		return
	}

	answer, err := s.bot.Ask(r.Context(), q)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httputil.JSON(w, http.StatusOK, answer)
}

// RetrieveRequest is the body of POST /v1/retrieve.
type RetrieveRequest struct {
	Query string `json:"query"`
	K     int    `json:"k,omitempty"`
}

// RetrieveResponse lists the matched chunks, best first.
type RetrieveResponse struct {
	Results []rag.SearchResult `json:"results"`
}

func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodySize)
	var req RetrieveRequest
	if err := httputil.BindOrError(r, w, &req); err != nil {
		return
	}
	if req.K < 0 {
		httputil.Error(w, http.StatusBadRequest, "k must not be negative")
		return
	}

	results, err := s.bot.Retriever.RetrieveK(r.Context(), req.Query, req.K)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if results == nil {
		results = []rag.SearchResult{}
	}
	httputil.JSON(w, http.StatusOK, RetrieveResponse{Results: results})
}

// IngestResponse reports what an upload added to the store.
type IngestResponse struct {
	Files []string `json:"files"`
	rag.IngestStats
}

func (s *Server) handleDocuments(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadSize)
	if err := r.ParseMultipartForm(s.opts.MaxUploadSize); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid multipart upload: "+err.Error())
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	headers := r.MultipartForm.File["file"]
	if len(headers) == 0 {
		httputil.Error(w, http.StatusBadRequest, `no files in form field "file"`)
		return
	}

	var (
		docs  []rag.Document
		files []string
	)
	for i, fh := range headers {
		name := filepath.Base(fh.Filename)
		f, err := fh.Open()
		if err != nil {
			s.fail(w, r, fmt.Errorf("failed to open upload %s: %w", name, err))
			return
		}
		// the slot keeps same-named files in one request apart; labels still show name
		loaded, err := loader.LoadReader(f, fh.Size, path.Join(uploadPrefix, strconv.Itoa(i), name))
		f.Close()
		if err != nil {
			s.fail(w, r, err)
			return
		}
		docs = append(docs, loaded...)
		files = append(files, name)
	}

	stats, err := s.ingestor.Ingest(r.Context(), docs)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httputil.JSON(w, http.StatusCreated, IngestResponse{Files: files, IngestStats: stats})
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	logger := mw.LoggerFromContext(r.Context())
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", zap.Error(err))
	} else {
		logger.Debug("request rejected", zap.Error(err))
	}
	httputil.Error(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, rag.ErrEmptyInput),
		errors.Is(err, rag.ErrNoDocuments),
		errors.Is(err, loader.ErrUnsupportedFile),
		errors.Is(err, loader.ErrNoText):
		return http.StatusBadRequest
	case errors.Is(err, rag.ErrDimensionMismatch):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
