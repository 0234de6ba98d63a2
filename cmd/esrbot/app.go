package esrbot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/edgeflare/esrbot/pkg/config"
	"github.com/edgeflare/esrbot/pkg/loader"
	"github.com/edgeflare/esrbot/pkg/rag"
	"github.com/edgeflare/esrbot/pkg/transcript"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	// Register transcript sinks
	_ "github.com/edgeflare/esrbot/pkg/transcript/sink/clickhouse"
	_ "github.com/edgeflare/esrbot/pkg/transcript/sink/debug"
	_ "github.com/edgeflare/esrbot/pkg/transcript/sink/http"
	_ "github.com/edgeflare/esrbot/pkg/transcript/sink/kafka"
	_ "github.com/edgeflare/esrbot/pkg/transcript/sink/mqtt"
	_ "github.com/edgeflare/esrbot/pkg/transcript/sink/nats"
)

// app holds everything built from the config for one command invocation.
type app struct {
	cfg         *config.Config
	logger      *zap.Logger
	store       rag.VectorStore
	ingestor    *rag.Ingestor
	bot         *rag.Bot
	transcripts *transcript.Manager
	closers     []func() error
}

// newLogger builds a zap logger at level. "none" disables logging.
func newLogger(level string) (*zap.Logger, error) {
	if strings.EqualFold(level, "none") {
		return zap.NewNop(), nil
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	if lvl == zapcore.DebugLevel {
		zc.Development = true
		zc.Encoding = "console"
		zc.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}
	return zc.Build()
}

// newApp validates cfg and wires model, cache, store and transcripts.
// A nil logger builds one from cfg.Log.Level.
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		var err error
		if logger, err = newLogger(cfg.Log.Level); err != nil {
			return nil, err
		}
	}

	a := &app{cfg: cfg, logger: logger}
	ready := false
	defer func() {
		if !ready {
			_ = a.Close(context.Background())
		}
	}()

	embedder, model, err := newModels(cfg.LLM, logger)
	if err != nil {
		return nil, err
	}

	embedder, err = a.withCache(ctx, embedder)
	if err != nil {
		return nil, err
	}

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}

	splitter, err := rag.NewRecursiveCharacterSplitter(cfg.Splitter.ChunkSize, cfg.Splitter.ChunkOverlap, cfg.Splitter.Separators...)
	if err != nil {
		return nil, fmt.Errorf("failed to create splitter: %w", err)
	}
	a.ingestor = rag.NewIngestor(splitter, embedder, a.store, logger)
	if cfg.LLM.BatchSize > 0 {
		a.ingestor.BatchSize = cfg.LLM.BatchSize
	}

	retriever := rag.NewRetriever(embedder, a.store, cfg.Retriever.K)
	retriever.ScoreThreshold = cfg.Retriever.ScoreThreshold

	prompt, err := rag.NewPromptTemplate(cfg.Prompt.System, cfg.Prompt.Human)
	if err != nil {
		return nil, err
	}

	if a.transcripts, err = transcript.NewManager(cfg.Transcripts, transcript.WithLogger(logger)); err != nil {
		return nil, fmt.Errorf("failed to start transcript sinks: %w", err)
	}

	a.bot = rag.NewBot(retriever, model,
		rag.WithPrompt(prompt),
		rag.WithPublisher(a.transcripts),
		rag.WithBotLogger(logger),
	)
	ready = true
	return a, nil
}

func ragConfig(c config.LLMConfig) rag.Config {
	rc := rag.DefaultConfig()
	rc.ChatModel = c.ChatModel
	rc.EmbeddingModel = c.EmbeddingModel
	rc.APIURL = c.BaseURL
	rc.APIKey = c.APIKey
	rc.Dimensions = c.Dimensions
	rc.BatchSize = c.BatchSize
	rc.Temperature = c.Temperature
	rc.Timeout = c.Timeout
	rc.MaxRetries = c.MaxRetries
	return rc
}

// newModels returns the embedder and chat model for the configured provider.
func newModels(c config.LLMConfig, logger *zap.Logger) (rag.Embedder, rag.ChatModel, error) {
	rc := ragConfig(c)
	switch c.Provider {
	case config.ProviderOpenAI:
		client, err := rag.NewOpenAIClient(rc, logger)
		if err != nil {
			return nil, nil, err
		}
		return client, client, nil
	case config.ProviderCompatible:
		client, err := rag.NewClient(rc, logger)
		if err != nil {
			return nil, nil, err
		}
		return client, client, nil
	case config.ProviderOllama:
		client, err := rag.NewClient(rc, logger)
		if err != nil {
			return nil, nil, err
		}
		return client, rag.GenerateModel{Client: client}, nil
	default:
		return nil, nil, fmt.Errorf("unknown llm.provider %q", c.Provider)
	}
}

func (a *app) withCache(ctx context.Context, embedder rag.Embedder) (rag.Embedder, error) {
	c := a.cfg.Cache
	switch c.Type {
	case config.CacheMemory:
		return rag.NewCachedEmbedder(embedder, rag.NewMemoryCache(), a.cfg.LLM.EmbeddingModel, a.logger), nil
	case config.CacheRedis:
		cache, err := rag.NewRedisCache(ctx, rag.RedisCacheConfig{
			Addr:      c.Redis.Addr,
			Password:  c.Redis.Password,
			DB:        c.Redis.DB,
			KeyPrefix: c.Redis.Prefix,
			TTL:       c.Redis.TTL,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, cache.Close)
		return rag.NewCachedEmbedder(embedder, cache, a.cfg.LLM.EmbeddingModel, a.logger), nil
	default:
		return embedder, nil
	}
}

func (a *app) openStore(ctx context.Context) error {
	s := a.cfg.Store
	switch s.Type {
	case config.StorePGVector:
		pool, err := rag.NewPGVectorPool(ctx, s.PG.ConnString)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		store, err := rag.NewPGVectorStore(ctx, pool, s.PG.Table, a.cfg.LLM.Dimensions, a.logger)
		if err != nil {
			return err
		}
		a.store = store
	default:
		a.store = rag.NewMemoryStore()
	}
	return nil
}

// index loads paths plus cfg.Documents and ingests them.
func (a *app) index(ctx context.Context, paths []string) (rag.IngestStats, error) {
	all := append(append([]string(nil), a.cfg.Documents...), paths...)
	if len(all) == 0 {
		return rag.IngestStats{}, nil
	}
	docs, err := loader.LoadPaths(all)
	if err != nil {
		return rag.IngestStats{}, err
	}
	stats, err := a.ingestor.Ingest(ctx, docs)
	if err != nil {
		return stats, err
	}
	a.logger.Info("indexed documents",
		zap.Strings("paths", all),
		zap.Int("documents", stats.Documents),
		zap.Int("chunks", stats.Chunks),
		zap.Duration("duration", stats.Duration),
	)
	return stats, nil
}

// ensureIndexed fails when there is nothing to answer from.
func (a *app) ensureIndexed(ctx context.Context) error {
	n, err := a.store.Count(ctx)
	if err != nil {
		return err
	}
	if n == 0 {
		if a.cfg.Store.Type == config.StoreMemory {
			return fmt.Errorf("%w: pass --pdf or set documents in the config", rag.ErrNoDocuments)
		}
		return fmt.Errorf("%w: run `esrbot ingest` first", rag.ErrNoDocuments)
	}
	return nil
}

// Close drains transcripts and releases connections.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.transcripts != nil {
		errs = append(errs, a.transcripts.Close(ctx))
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	_ = a.logger.Sync()
	return errors.Join(errs...)
}
