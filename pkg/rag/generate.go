package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/edgeflare/esrbot/pkg/httputil"
	"github.com/edgeflare/esrbot/pkg/metrics"
	"go.uber.org/zap"
)

// ChatModel produces the assistant reply for a conversation.
type ChatModel interface {
	Chat(ctx context.Context, messages []Message) (string, error)
}

// ChatRequest is the body for /v1/chat/completions requests.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	Stream      bool      `json:"stream"`
}

// ChatResponse is the subset of the chat completion response that is read.
// https://platform.openai.com/docs/api-reference/chat/object
type ChatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int     `json:"index"`
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Chat sends messages to the chat completions endpoint and returns the first choice.
func (c *Client) Chat(ctx context.Context, messages []Message) (string, error) {
	if len(messages) == 0 {
		return "", ErrEmptyInput
	}

	data := ChatRequest{
		Model:       c.Config.ChatModel,
		Messages:    messages,
		Temperature: c.Config.Temperature,
	}

	config := httputil.DefaultRequestConfig(http.MethodPost, c.url(c.Config.ChatPath))
	config.Headers = c.headers()
	config.Timeout = c.Config.Timeout
	config.MaxRetries = c.Config.MaxRetries
	config.Logger = zap.NewStdLog(c.logger)

	start := time.Now()
	response, err := httputil.Request(ctx, config, data)
	metrics.GenerationDuration.WithLabelValues(c.Config.ChatModel).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.GenerationErrors.WithLabelValues(c.Config.ChatModel).Inc()
		return "", fmt.Errorf("chat completion request failed: %w", err)
	}

	var chatResponse ChatResponse
	if err := json.Unmarshal(response.Body, &chatResponse); err != nil {
		return "", fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if len(chatResponse.Choices) == 0 {
		return "", ErrNoChoices
	}

	c.logger.Debug("chat completion",
		zap.String("model", chatResponse.Model),
		zap.String("finish_reason", chatResponse.Choices[0].FinishReason),
		zap.Int("total_tokens", chatResponse.Usage.TotalTokens),
	)

	return chatResponse.Choices[0].Message.Content, nil
}

// GenerateRequest is the body for /generate requests. Model and Prompt fields are required.
type GenerateRequest struct {
	KeepAlive *time.Duration `json:"keep_alive,omitempty"`
	Options   map[string]any `json:"options,omitempty"`
	Model     string         `json:"model"`
	Prompt    string         `json:"prompt"`
	System    string         `json:"system,omitempty"`
	Stream    bool           `json:"stream"`
}

// GenerateResponse is the non-streaming /api/generate response.
type GenerateResponse struct {
	Model    string `json:"model"`
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Generate sends a raw completion request to Ollama's /api/generate and returns the response text.
func (c *Client) Generate(ctx context.Context, system, prompt string) (string, error) {
	if prompt == "" {
		return "", ErrEmptyInput
	}

	data := GenerateRequest{
		Prompt:  prompt,
		System:  system,
		Model:   c.Config.ChatModel,
		Stream:  false,
		Options: map[string]any{"temperature": c.Config.Temperature},
	}

	config := httputil.DefaultRequestConfig(http.MethodPost, c.url(c.Config.GeneratePath))
	config.Headers = c.headers()
	config.Timeout = c.Config.Timeout
	config.MaxRetries = c.Config.MaxRetries
	config.Logger = zap.NewStdLog(c.logger)

	start := time.Now()
	response, err := httputil.Request(ctx, config, data)
	metrics.GenerationDuration.WithLabelValues(c.Config.ChatModel).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.GenerationErrors.WithLabelValues(c.Config.ChatModel).Inc()
		return "", fmt.Errorf("API request failed: %w", err)
	}

	var generateResponse GenerateResponse
	if err := json.Unmarshal(response.Body, &generateResponse); err != nil {
		return "", fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return generateResponse.Response, nil
}

// GenerateModel adapts Client.Generate to ChatModel for servers without a chat endpoint.
// System messages become the system prompt; the remaining turns are flattened into a transcript.
type GenerateModel struct {
	*Client
}

func (g GenerateModel) Chat(ctx context.Context, messages []Message) (string, error) {
	system, prompt := flattenMessages(messages)
	return g.Generate(ctx, system, prompt)
}

func flattenMessages(messages []Message) (string, string) {
	var system []string
	var sb strings.Builder
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)
		case RoleAssistant:
			fmt.Fprintf(&sb, "Assistant: %s\n\n", m.Content)
		default:
			fmt.Fprintf(&sb, "User: %s\n\n", m.Content)
		}
	}
	if sb.Len() > 0 {
		sb.WriteString("Assistant:")
	}
	return strings.Join(system, "\n\n"), sb.String()
}
