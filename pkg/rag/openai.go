package rag

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/edgeflare/esrbot/pkg/metrics"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.uber.org/zap"
)

// OpenAIClient implements Embedder and ChatModel with the official OpenAI SDK.
type OpenAIClient struct {
	client openai.Client
	logger *zap.Logger
	Config Config
}

// NewOpenAIClient creates a client for api.openai.com or any server speaking the same API.
func NewOpenAIClient(config Config, loggers ...*zap.Logger) (*OpenAIClient, error) {
	logger, err := loggerOrDefault(loggers)
	if err != nil {
		return nil, err
	}
	if config.APIKey == "" {
		return nil, fmt.Errorf("openai api key is required")
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultConfig().BatchSize
	}

	opts := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
		option.WithMaxRetries(max(config.MaxRetries, 0)),
	}
	if config.APIURL != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimRight(config.APIURL, "/")+"/v1/"))
	}
	if config.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(config.Timeout))
	}

	return &OpenAIClient{
		client: openai.NewClient(opts...),
		logger: logger,
		Config: config,
	}, nil
}

// Model returns the chat model name.
func (c *OpenAIClient) Model() string {
	return c.Config.ChatModel
}

// EmbedDocuments embeds texts in batches of Config.BatchSize.
func (c *OpenAIClient) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}

	out := make([][]float32, len(texts))
	for start := 0; start < len(texts); start += c.Config.BatchSize {
		end := min(start+c.Config.BatchSize, len(texts))

		params := openai.EmbeddingNewParams{
			Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts[start:end]},
			Model: openai.EmbeddingModel(c.Config.EmbeddingModel),
		}
		if dims := requestDimensions(c.Config); dims > 0 {
			params.Dimensions = openai.Int(int64(dims))
		}

		metrics.EmbeddingRequests.WithLabelValues("openai").Inc()
		resp, err := c.client.Embeddings.New(ctx, params)
		if err != nil {
			metrics.EmbeddingErrors.WithLabelValues("openai").Inc()
			return nil, fmt.Errorf("failed to fetch embeddings: %w", err)
		}
		if len(resp.Data) != end-start {
			return nil, fmt.Errorf("expected %d embeddings, got %d", end-start, len(resp.Data))
		}

		for i, d := range resp.Data {
			idx := start + i
			if d.Index >= 0 && int(d.Index) < end-start {
				idx = start + int(d.Index)
			}
			out[idx] = toFloat32(d.Embedding)
		}
	}
	return out, nil
}

// EmbedQuery embeds a single query string.
func (c *OpenAIClient) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyInput
	}
	vectors, err := c.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// Chat sends messages to the chat completions API and returns the first choice.
func (c *OpenAIClient) Chat(ctx context.Context, messages []Message) (string, error) {
	if len(messages) == 0 {
		return "", ErrEmptyInput
	}

	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(c.Config.ChatModel),
		Messages:    toOpenAIMessages(messages),
		Temperature: openai.Float(c.Config.Temperature),
	}

	start := time.Now()
	resp, err := c.client.Chat.Completions.New(ctx, params)
	metrics.GenerationDuration.WithLabelValues(c.Config.ChatModel).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.GenerationErrors.WithLabelValues(c.Config.ChatModel).Inc()
		return "", fmt.Errorf("chat completion request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoices
	}

	c.logger.Debug("chat completion",
		zap.String("model", resp.Model),
		zap.String("finish_reason", resp.Choices[0].FinishReason),
		zap.Int64("total_tokens", resp.Usage.TotalTokens),
	)
	return resp.Choices[0].Message.Content, nil
}

func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float32(f)
	}
	return out
}
