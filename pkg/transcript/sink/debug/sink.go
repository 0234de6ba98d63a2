// Package debug logs transcripts instead of shipping them anywhere.
package debug

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/edgeflare/esrbot/pkg/transcript"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the log encoding.
type Config struct {
	// Format is "json" or "console".
	Format string `json:"format"`
}

// Sink writes each event to stderr as a structured log entry.
type Sink struct {
	logger *zap.Logger
}

func (s *Sink) Connect(config json.RawMessage) error {
	if s.logger != nil {
		return nil
	}
	cfg := Config{Format: "console"}
	if len(config) > 0 && string(config) != "null" {
		if err := json.Unmarshal(config, &cfg); err != nil {
			return fmt.Errorf("failed to unmarshal debug config: %w", err)
		}
	}

	zc := zap.NewDevelopmentConfig()
	switch cfg.Format {
	case "json":
		zc.Encoding = "json"
	case "console", "":
		zc.Encoding = "console"
	default:
		return fmt.Errorf("unknown debug format %q", cfg.Format)
	}
	zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	zc.DisableStacktrace = true

	logger, err := zc.Build()
	if err != nil {
		return fmt.Errorf("failed to build debug logger: %w", err)
	}
	s.logger = logger.Named(transcript.ConnectorDebug)
	return nil
}

func (s *Sink) Publish(_ context.Context, event transcript.Event) error {
	if s.logger == nil {
		return fmt.Errorf("debug sink not connected")
	}
	s.logger.Info("transcript",
		zap.String("id", event.ID),
		zap.Time("time", event.Time),
		zap.String("question", event.Question),
		zap.String("answer", event.Answer),
		zap.Any("sources", event.Sources),
		zap.String("model", event.Model),
		zap.Int64("latency_ms", event.LatencyMS),
	)
	return nil
}

func (s *Sink) Close() error {
	if s.logger != nil {
		_ = s.logger.Sync()
	}
	return nil
}

func init() {
	transcript.Register(transcript.ConnectorDebug, func() transcript.Sink { return &Sink{} })
}
