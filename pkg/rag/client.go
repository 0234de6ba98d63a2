package rag

import (
	"cmp"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Config holds the configuration for the LLM clients
type Config struct {
	ChatModel      string
	EmbeddingModel string
	// APIURL is the server base URL without the /v1 suffix, eg http://127.0.0.1:11434
	APIURL         string
	APIKey         string
	EmbeddingsPath string
	ChatPath       string
	GeneratePath   string
	Dimensions     int
	BatchSize      int
	Temperature    float64
	Timeout        time.Duration
	MaxRetries     int
}

// DefaultConfig returns a Config with default values
func DefaultConfig() Config {
	return Config{
		ChatModel:      "gpt-4o-mini",
		EmbeddingModel: "text-embedding-3-small",
		APIKey:         cmp.Or(os.Getenv("OPENAI_API_KEY"), os.Getenv("LLM_API_KEY")),
		APIURL:         cmp.Or(os.Getenv("LLM_API_URL"), "https://api.openai.com"),
		EmbeddingsPath: "/v1/embeddings",
		ChatPath:       "/v1/chat/completions",
		GeneratePath:   "/api/generate",
		Dimensions:     1536, // text-embedding-3-small
		BatchSize:      100,
		Temperature:    0,
		Timeout:        time.Minute,
		MaxRetries:     3,
	}
}

// Client talks to any OpenAI-compatible HTTP API (OpenAI, Ollama, LM Studio, vLLM).
// It implements both Embedder and ChatModel.
type Client struct {
	logger *zap.Logger
	Config Config
}

// NewClient creates a new LLM client
func NewClient(config Config, loggers ...*zap.Logger) (*Client, error) {
	logger, err := loggerOrDefault(loggers)
	if err != nil {
		return nil, err
	}

	if config.APIURL == "" {
		return nil, fmt.Errorf("api url is required")
	}
	config.APIURL = strings.TrimRight(config.APIURL, "/")
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultConfig().BatchSize
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}

	return &Client{
		Config: config,
		logger: logger,
	}, nil
}

// Model returns the chat model name.
func (c *Client) Model() string {
	return c.Config.ChatModel
}

func (c *Client) url(path string) string {
	return c.Config.APIURL + path
}

func (c *Client) headers() map[string][]string {
	if c.Config.APIKey == "" {
		return nil
	}
	return map[string][]string{
		"Authorization": {fmt.Sprintf("Bearer %s", c.Config.APIKey)},
	}
}

func loggerOrDefault(loggers []*zap.Logger) (*zap.Logger, error) {
	if len(loggers) > 0 && loggers[0] != nil {
		return loggers[0], nil
	}
	logger, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return logger, nil
}
