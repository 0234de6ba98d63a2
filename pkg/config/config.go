// Package config loads ESRBot settings from a YAML file, .env and ESRBOT_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/edgeflare/esrbot/pkg/httputil/middleware"
	"github.com/edgeflare/esrbot/pkg/rag"
	"github.com/edgeflare/esrbot/pkg/transcript"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Version is set at build time with -ldflags.
var Version = "dev"

const (
	ProviderOpenAI     = "openai"
	ProviderCompatible = "compatible"
	ProviderOllama     = "ollama"

	StoreMemory   = "memory"
	StorePGVector = "pgvector"

	CacheNone   = "none"
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

// Config holds application-wide configuration
type Config struct {
	LLM         LLMConfig         `mapstructure:"llm" yaml:"llm"`
	Splitter    SplitterConfig    `mapstructure:"splitter" yaml:"splitter"`
	Retriever   RetrieverConfig   `mapstructure:"retriever" yaml:"retriever"`
	Prompt      PromptConfig      `mapstructure:"prompt" yaml:"prompt"`
	Store       StoreConfig       `mapstructure:"store" yaml:"store"`
	Cache       CacheConfig       `mapstructure:"cache" yaml:"cache"`
	Server      ServerConfig      `mapstructure:"server" yaml:"server"`
	Metrics     MetricsConfig     `mapstructure:"metrics" yaml:"metrics"`
	Transcripts transcript.Config `mapstructure:"transcripts" yaml:"transcripts"`
	Log         LogConfig         `mapstructure:"log" yaml:"log"`
	// Documents are loaded into the memory store at startup.
	Documents []string `mapstructure:"documents" yaml:"documents"`

	// File is the config file that was read, if any.
	File string `mapstructure:"-" yaml:"-"`
}

type LLMConfig struct {
	// Provider is openai (SDK), compatible (any OpenAI-style HTTP API) or ollama.
	Provider       string        `mapstructure:"provider" yaml:"provider"`
	BaseURL        string        `mapstructure:"baseURL" yaml:"baseURL"`
	APIKey         string        `mapstructure:"apiKey" yaml:"apiKey"`
	ChatModel      string        `mapstructure:"chatModel" yaml:"chatModel"`
	EmbeddingModel string        `mapstructure:"embeddingModel" yaml:"embeddingModel"`
	Dimensions     int           `mapstructure:"dimensions" yaml:"dimensions"`
	Temperature    float64       `mapstructure:"temperature" yaml:"temperature"`
	Timeout        time.Duration `mapstructure:"timeout" yaml:"timeout"`
	BatchSize      int           `mapstructure:"batchSize" yaml:"batchSize"`
	MaxRetries     int           `mapstructure:"maxRetries" yaml:"maxRetries"`
}

type SplitterConfig struct {
	ChunkSize    int      `mapstructure:"chunkSize" yaml:"chunkSize"`
	ChunkOverlap int      `mapstructure:"chunkOverlap" yaml:"chunkOverlap"`
	Separators   []string `mapstructure:"separators" yaml:"separators"`
}

type RetrieverConfig struct {
	K              int     `mapstructure:"k" yaml:"k"`
	ScoreThreshold float32 `mapstructure:"scoreThreshold" yaml:"scoreThreshold"`
}

// PromptConfig overrides the built-in templates. Empty values keep the defaults.
type PromptConfig struct {
	System string `mapstructure:"system" yaml:"system"`
	Human  string `mapstructure:"human" yaml:"human"`
}

type StoreConfig struct {
	Type string   `mapstructure:"type" yaml:"type"`
	PG   PGConfig `mapstructure:"pg" yaml:"pg"`
}

type PGConfig struct {
	ConnString string `mapstructure:"connString" yaml:"connString"`
	Table      string `mapstructure:"table" yaml:"table"`
}

type CacheConfig struct {
	Type  string      `mapstructure:"type" yaml:"type"`
	Redis RedisConfig `mapstructure:"redis" yaml:"redis"`
}

type RedisConfig struct {
	Addr     string        `mapstructure:"addr" yaml:"addr"`
	Password string        `mapstructure:"password" yaml:"password"`
	DB       int           `mapstructure:"db" yaml:"db"`
	TTL      time.Duration `mapstructure:"ttl" yaml:"ttl"`
	Prefix   string        `mapstructure:"prefix" yaml:"prefix"`
}

type ServerConfig struct {
	ListenAddr string `mapstructure:"listenAddr" yaml:"listenAddr"`
	TLSCert    string `mapstructure:"tlsCert" yaml:"tlsCert"`
	TLSKey     string `mapstructure:"tlsKey" yaml:"tlsKey"`
	// BasicAuth maps usernames to passwords. Empty disables basic auth.
	BasicAuth   map[string]string `mapstructure:"basicAuth" yaml:"basicAuth"`
	OIDC        OIDCConfig        `mapstructure:"oidc" yaml:"oidc"`
	CORSOrigins []string          `mapstructure:"corsOrigins" yaml:"corsOrigins"`
	// MaxUploadSize bounds POST /v1/documents bodies, in bytes.
	MaxUploadSize int64 `mapstructure:"maxUploadSize" yaml:"maxUploadSize"`
}

type OIDCConfig struct {
	ClientID     string `mapstructure:"clientID" yaml:"clientID"`
	ClientSecret string `mapstructure:"clientSecret" yaml:"clientSecret"`
	Issuer       string `mapstructure:"issuer" yaml:"issuer"`
}

// Provider converts to the middleware configuration.
func (o OIDCConfig) Provider() middleware.OIDCProviderConfig {
	return middleware.OIDCProviderConfig{
		ClientID:     o.ClientID,
		ClientSecret: o.ClientSecret,
		Issuer:       o.Issuer,
	}
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr" yaml:"addr"`
	Path    string `mapstructure:"path" yaml:"path"`
}

type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
}

// Default returns the configuration used when nothing is set. It carries no secrets.
func Default() *Config {
	llm := rag.DefaultConfig()
	return &Config{
		LLM: LLMConfig{
			Provider:       ProviderOpenAI,
			BaseURL:        "https://api.openai.com",
			ChatModel:      llm.ChatModel,
			EmbeddingModel: llm.EmbeddingModel,
			Dimensions:     llm.Dimensions,
			Temperature:    0,
			Timeout:        llm.Timeout,
			BatchSize:      llm.BatchSize,
			MaxRetries:     llm.MaxRetries,
		},
		Splitter: SplitterConfig{
			ChunkSize:    rag.DefaultChunkSize,
			ChunkOverlap: rag.DefaultChunkOverlap,
		},
		Retriever: RetrieverConfig{K: rag.DefaultK},
		Store: StoreConfig{
			Type: StoreMemory,
			PG:   PGConfig{Table: "esr_embeddings"},
		},
		Cache: CacheConfig{
			Type: CacheNone,
			Redis: RedisConfig{
				Addr:   "localhost:6379",
				TTL:    30 * 24 * time.Hour,
				Prefix: "esrbot:embedding:",
			},
		},
		Server: ServerConfig{
			ListenAddr:    ":8080",
			CORSOrigins:   []string{"*"},
			MaxUploadSize: 32 << 20,
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Transcripts: transcript.Config{BufferSize: transcript.DefaultBufferSize},
		Log:         LogConfig{Level: "info"},
	}
}

// Load reads config from file or environment. Precedence, lowest first:
// defaults, config file, environment. A .env file in the working directory is
// loaded into the environment first without overriding variables already set.
// An empty cfgFile searches for esrbot.yaml in $HOME/.config and the working directory.
func Load(cfgFile string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")

	defaults, err := yaml.Marshal(Default())
	if err != nil {
		return nil, fmt.Errorf("failed to encode defaults: %w", err)
	}
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return nil, fmt.Errorf("failed to read defaults: %w", err)
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("esrbot")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config"))
		}
		v.AddConfigPath(".")
	}
	if err := v.MergeInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("ESRBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	err = v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = firstEnv("OPENAI_API_KEY", "LLM_API_KEY")
	}
	if url := os.Getenv("LLM_API_URL"); url != "" && cfg.LLM.BaseURL == Default().LLM.BaseURL {
		cfg.LLM.BaseURL = url
	}
	cfg.File = v.ConfigFileUsed()

	return &cfg, nil
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

// Save writes cfg as YAML. Existing files are not overwritten unless force is set.
func Save(path string, cfg *Config, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
	}
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, b, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case ProviderOpenAI:
		if c.LLM.APIKey == "" {
			return errors.New("llm.apiKey is required for the openai provider (or set OPENAI_API_KEY)")
		}
	case ProviderCompatible, ProviderOllama:
		if c.LLM.BaseURL == "" {
			return fmt.Errorf("llm.baseURL is required for the %s provider", c.LLM.Provider)
		}
	default:
		return fmt.Errorf("unknown llm.provider %q", c.LLM.Provider)
	}
	if c.LLM.ChatModel == "" || c.LLM.EmbeddingModel == "" {
		return errors.New("llm.chatModel and llm.embeddingModel are required")
	}
	if c.LLM.Dimensions <= 0 {
		return fmt.Errorf("llm.dimensions must be positive, got %d", c.LLM.Dimensions)
	}

	if c.Splitter.ChunkSize <= 0 {
		return fmt.Errorf("splitter.chunkSize must be positive, got %d", c.Splitter.ChunkSize)
	}
	if c.Splitter.ChunkOverlap < 0 || c.Splitter.ChunkOverlap >= c.Splitter.ChunkSize {
		return fmt.Errorf("splitter.chunkOverlap must be in [0, chunkSize), got %d", c.Splitter.ChunkOverlap)
	}
	if c.Retriever.K <= 0 {
		return fmt.Errorf("retriever.k must be positive, got %d", c.Retriever.K)
	}

	switch c.Store.Type {
	case StoreMemory:
	case StorePGVector:
		if c.Store.PG.ConnString == "" {
			return errors.New("store.pg.connString is required for the pgvector store")
		}
	default:
		return fmt.Errorf("unknown store.type %q", c.Store.Type)
	}

	switch c.Cache.Type {
	case CacheNone, CacheMemory, "":
	case CacheRedis:
		if c.Cache.Redis.Addr == "" {
			return errors.New("cache.redis.addr is required for the redis cache")
		}
	default:
		return fmt.Errorf("unknown cache.type %q", c.Cache.Type)
	}

	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return errors.New("server.tlsCert and server.tlsKey must be set together")
	}
	for i, s := range c.Transcripts.Sinks {
		if s.Connector == "" {
			return fmt.Errorf("transcripts.sinks[%d] has no connector", i)
		}
	}
	return nil
}
