package rag

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/edgeflare/esrbot/pkg/httputil"
	"github.com/edgeflare/esrbot/pkg/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Publisher receives every answered question, eg to record transcripts.
type Publisher interface {
	Publish(ctx context.Context, answer *Answer) error
}

// BotOption configures a Bot.
type BotOption func(*Bot)

// WithPrompt replaces the default ESR policy prompt.
func WithPrompt(p *PromptTemplate) BotOption {
	return func(b *Bot) {
		if p != nil {
			b.Prompt = p
		}
	}
}

// WithPublisher sets where answers are published.
func WithPublisher(p Publisher) BotOption {
	return func(b *Bot) { b.publisher = p }
}

// WithBotLogger sets the logger.
func WithBotLogger(l *zap.Logger) BotOption {
	return func(b *Bot) {
		if l != nil {
			b.logger = l
		}
	}
}

// Bot answers questions with retrieve, prompt, chat.
type Bot struct {
	Retriever *Retriever
	Prompt    *PromptTemplate
	Model     ChatModel
	publisher Publisher
	logger    *zap.Logger
}

func NewBot(retriever *Retriever, model ChatModel, opts ...BotOption) *Bot {
	b := &Bot{
		Retriever: retriever,
		Model:     model,
		Prompt:    DefaultPrompt(),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// ModelName reports the chat model if the ChatModel exposes it.
func (b *Bot) ModelName() string {
	if m, ok := b.Model.(interface{ Model() string }); ok {
		return m.Model()
	}
	return ""
}

// Ask answers q. When nothing relevant is retrieved the model is still asked, with a
// context saying so, and the prompt tells it to admit it does not know.
func (b *Bot) Ask(ctx context.Context, q Question) (*Answer, error) {
	question := strings.TrimSpace(q.Text)
	if question == "" {
		return nil, ErrEmptyInput
	}
	start := time.Now()

	results, err := b.Retriever.Retrieve(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve context: %w", err)
	}

	messages, err := b.Prompt.Format(question, results, q.History)
	if err != nil {
		return nil, err
	}

	text, err := b.Model.Chat(ctx, messages)
	if err != nil {
		return nil, fmt.Errorf("failed to generate answer: %w", err)
	}

	answer := &Answer{
		ID:       uuid.NewString(),
		Question: question,
		Text:     strings.TrimSpace(text),
		Sources:  results,
		Model:    b.ModelName(),
		Latency:  time.Since(start),
	}
	metrics.QuestionsAnswered.Inc()

	b.logger.Info("answered question",
		zap.String("id", answer.ID),
		zap.String("req_id", httputil.RequestID(ctx)),
		zap.Int("sources", len(results)),
		zap.Duration("latency", answer.Latency),
	)

	if b.publisher != nil {
		if err := b.publisher.Publish(ctx, answer); err != nil {
			metrics.PublishErrors.WithLabelValues("bot").Inc()
			b.logger.Warn("failed to publish transcript", zap.String("id", answer.ID), zap.Error(err))
		}
	}

	return answer, nil
}
