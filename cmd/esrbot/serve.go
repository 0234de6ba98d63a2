package esrbot

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/edgeflare/esrbot/pkg/httputil"
	mw "github.com/edgeflare/esrbot/pkg/httputil/middleware"
	"github.com/edgeflare/esrbot/pkg/metrics"
	"github.com/edgeflare/esrbot/pkg/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	listenAddr string
	readOnly   bool
	selfSigned bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the chat and ingestion HTTP API",
	Long: `Start the HTTP API:
  POST /v1/chat       {"question": "...", "history": [...]}
  POST /v1/retrieve   {"query": "...", "k": 4}
  POST /v1/documents  multipart upload (form field "file")
  GET  /healthz, /readyz, /metrics`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&listenAddr, "addr", "a", "", "listen address (default server.listenAddr)")
	serveCmd.Flags().StringSliceVar(&pdfPaths, "pdf", nil, "documents to index at startup (repeatable, globs allowed)")
	serveCmd.Flags().BoolVar(&readOnly, "read-only", false, "disable POST /v1/documents")
	serveCmd.Flags().BoolVar(&selfSigned, "self-signed", false, "serve HTTPS with a generated certificate when server.tlsCert is unset")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer closeApp(a)

	if _, err := a.index(ctx, pdfPaths); err != nil {
		return err
	}

	var wg sync.WaitGroup
	defer wg.Wait()
	if cfg.Metrics.Enabled {
		metrics.StartPrometheusServer(ctx, &wg, &metrics.PromServerOpts{
			Addr:   cfg.Metrics.Addr,
			Path:   cfg.Metrics.Path,
			Logger: a.logger,
		})
	}

	opts := server.Options{
		ListenAddr:    cfg.Server.ListenAddr,
		TLSCertFile:   cfg.Server.TLSCert,
		TLSKeyFile:    cfg.Server.TLSKey,
		BasicAuth:     cfg.Server.BasicAuth,
		MaxUploadSize: cfg.Server.MaxUploadSize,
		Logger:        a.logger,
		CORS: &mw.CORSOptions{
			AllowedOrigins: cfg.Server.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type", "Authorization", mw.RequestIDHeader, "Accept", "Origin"},
		},
	}
	if listenAddr != "" {
		opts.ListenAddr = listenAddr
	}
	if selfSigned && opts.TLSCertFile == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			return fmt.Errorf("failed to locate config dir: %w", err)
		}
		opts.TLSCertFile = filepath.Join(dir, "esrbot", "tls", "tls.crt")
		opts.TLSKeyFile = filepath.Join(dir, "esrbot", "tls", "tls.key")
		created, err := httputil.EnsureSelfSignedCert(opts.TLSCertFile, opts.TLSKeyFile)
		if err != nil {
			return err
		}
		a.logger.Info("using self-signed certificate", zap.String("cert", opts.TLSCertFile), zap.Bool("generated", created))
	}
	if oidcCfg := cfg.Server.OIDC.Provider(); oidcCfg.Enabled() {
		verifier, err := mw.NewOIDCVerifier(ctx, oidcCfg)
		if err != nil {
			return fmt.Errorf("failed to set up OIDC: %w", err)
		}
		opts.OIDC = verifier
	}

	ingestor := a.ingestor
	if readOnly {
		ingestor = nil
	}
	srv := server.New(a.bot, ingestor, opts)
	a.logger.Info("serving", zap.String("addr", opts.ListenAddr), zap.String("store", cfg.Store.Type))
	return srv.ListenAndServe(ctx)
}
