// Package http posts transcripts to webhook endpoints.
package http

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/edgeflare/esrbot/pkg/httputil"
	"github.com/edgeflare/esrbot/pkg/transcript"
	"go.uber.org/zap"
)

// AuthType represents supported authentication methods
type AuthType string

const (
	AuthTypeNone   AuthType = "none"
	AuthTypeAPIKey AuthType = "apikey"
	AuthTypeBearer AuthType = "bearer"
	AuthTypeBasic  AuthType = "basic"
)

// AuthConfig holds authentication configuration
type AuthConfig struct {
	Type       AuthType `json:"type"`
	APIKey     string   `json:"apiKey,omitempty"`
	APIKeyName string   `json:"apiKeyName,omitempty"` // header name for API key
	Username   string   `json:"username,omitempty"`
	Password   string   `json:"password,omitempty"`
	Token      string   `json:"token,omitempty"`
	TokenFile  string   `json:"tokenFile,omitempty"`
}

// RetryConfig holds retry settings for failed webhook attempts
type RetryConfig struct {
	MaxRetries  int    `json:"maxRetries"`
	InitialWait string `json:"initialWait"`
	MaxWait     string `json:"maxWait"`
}

// EndpointConfig represents configuration for a single endpoint
type EndpointConfig struct {
	Headers map[string]string `json:"headers,omitempty"`
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
}

// Config is the webhook sink configuration.
type Config struct {
	Auth      AuthConfig       `json:"auth"`
	Timeout   string           `json:"timeout"`
	Endpoints []EndpointConfig `json:"endpoints"`
	Retry     RetryConfig      `json:"retry"`
}

// Sink sends every event as JSON to each configured endpoint.
type Sink struct {
	logger      *zap.Logger
	auth        AuthConfig
	endpoints   []EndpointConfig
	timeout     time.Duration
	maxRetries  int
	initialWait time.Duration
	maxWait     time.Duration
}

// Connect validates the configuration. No connection is held open.
func (s *Sink) Connect(config json.RawMessage) error {
	var cfg Config
	if err := json.Unmarshal(config, &cfg); err != nil {
		return fmt.Errorf("failed to unmarshal HTTP config: %w", err)
	}
	if len(cfg.Endpoints) == 0 {
		return errors.New("no endpoints configured")
	}

	var err error
	if s.timeout, err = parseDuration(cfg.Timeout, 30*time.Second); err != nil {
		return fmt.Errorf("invalid timeout duration: %w", err)
	}
	if s.initialWait, err = parseDuration(cfg.Retry.InitialWait, time.Second); err != nil {
		return fmt.Errorf("invalid retry.initialWait: %w", err)
	}
	if s.maxWait, err = parseDuration(cfg.Retry.MaxWait, 30*time.Second); err != nil {
		return fmt.Errorf("invalid retry.maxWait: %w", err)
	}
	s.maxRetries = cfg.Retry.MaxRetries
	if s.maxRetries == 0 {
		s.maxRetries = 3
	}
	if s.maxRetries < 0 {
		s.maxRetries = 0
	}

	for i := range cfg.Endpoints {
		if cfg.Endpoints[i].URL == "" {
			return fmt.Errorf("endpoint %d has no url", i)
		}
		if cfg.Endpoints[i].Method == "" {
			cfg.Endpoints[i].Method = http.MethodPost
		}
	}
	if cfg.Auth.Type == "" {
		cfg.Auth.Type = AuthTypeNone
	}
	s.endpoints = cfg.Endpoints
	s.auth = cfg.Auth
	if err := s.validateAuth(); err != nil {
		return err
	}

	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.logger.Info("HTTP sink initialized",
		zap.Int("num_endpoints", len(s.endpoints)),
		zap.String("auth_type", string(s.auth.Type)),
		zap.Duration("timeout", s.timeout))
	return nil
}

func parseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

func (s *Sink) validateAuth() error {
	switch s.auth.Type {
	case AuthTypeNone:
	case AuthTypeAPIKey:
		if s.auth.APIKey == "" {
			return errors.New("API key authentication requires an API key")
		}
		if s.auth.APIKeyName == "" {
			s.auth.APIKeyName = "X-API-Key"
		}
	case AuthTypeBasic:
		if s.auth.Username == "" || s.auth.Password == "" {
			return errors.New("basic authentication requires both username and password")
		}
	case AuthTypeBearer:
		if s.auth.Token == "" && s.auth.TokenFile == "" {
			return errors.New("bearer authentication requires either token or token file")
		}
		if s.auth.Token == "" {
			b, err := os.ReadFile(s.auth.TokenFile)
			if err != nil {
				return fmt.Errorf("failed to read token file: %w", err)
			}
			s.auth.Token = strings.TrimSpace(string(b))
		}
	default:
		return fmt.Errorf("unsupported auth type %q", s.auth.Type)
	}
	return nil
}

// Publish sends event to every endpoint and returns the last failure, if any.
func (s *Sink) Publish(ctx context.Context, event transcript.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	var lastErr error
	for _, endpoint := range s.endpoints {
		config := httputil.DefaultRequestConfig(endpoint.Method, endpoint.URL)
		config.Headers = s.buildHeaders(endpoint)
		config.Timeout = s.timeout
		config.Logger = zap.NewStdLog(s.logger)
		config.MaxRetries = s.maxRetries
		config.InitialBackoff = s.initialWait
		config.MaxBackoff = s.maxWait

		if _, err := httputil.Request(ctx, config, payload); err != nil {
			lastErr = fmt.Errorf("failed to send webhook to %s: %w", endpoint.URL, err)
			s.logger.Error("failed to send webhook",
				zap.String("endpoint", endpoint.URL),
				zap.Error(err))
		}
	}
	return lastErr
}

func (s *Sink) buildHeaders(endpoint EndpointConfig) map[string][]string {
	headers := map[string][]string{"Content-Type": {"application/json"}}
	for key, value := range endpoint.Headers {
		headers[key] = []string{value}
	}

	switch s.auth.Type {
	case AuthTypeAPIKey:
		headers[s.auth.APIKeyName] = []string{s.auth.APIKey}
	case AuthTypeBasic:
		headers["Authorization"] = []string{"Basic " + basicAuth(s.auth.Username, s.auth.Password)}
	case AuthTypeBearer:
		headers["Authorization"] = []string{"Bearer " + s.auth.Token}
	}
	return headers
}

func basicAuth(username, password string) string {
	return base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
}

func (s *Sink) Close() error {
	return nil
}

func init() {
	transcript.Register(transcript.ConnectorHTTP, func() transcript.Sink { return &Sink{} })
}
