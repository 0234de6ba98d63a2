// Package mqtt publishes transcripts to an MQTT broker with paho.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/edgeflare/esrbot/pkg/transcript"
)

var errNotConnected = errors.New("MQTT client not connected")

// Sink publishes each event to <topicPrefix>/transcripts/<model>.
type Sink struct {
	client mqtt.Client
	config Config
}

func (s *Sink) Connect(config json.RawMessage) error {
	var cfg Config
	if err := json.Unmarshal(config, &cfg); err != nil {
		return fmt.Errorf("failed to unmarshal MQTT config: %w", err)
	}
	cfg.setDefaults()

	opts, err := cfg.toPahoOptions()
	if err != nil {
		return err
	}

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("broker connection error: %w", token.Error())
	}
	s.client = client
	s.config = cfg
	return nil
}

func (s *Sink) topic(event transcript.Event) string {
	model := event.Model
	if model == "" {
		model = "unknown"
	}
	// wildcards and separators are not allowed inside a topic level
	model = strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(model)
	return fmt.Sprintf("%s/transcripts/%s", strings.TrimSuffix(s.config.TopicPrefix, "/"), model)
}

func (s *Sink) Publish(ctx context.Context, event transcript.Event) error {
	if s.client == nil {
		return errNotConnected
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal transcript: %w", err)
	}

	token := s.client.Publish(s.topic(event), s.config.QoS, s.config.Retained, data)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return fmt.Errorf("publish to %s: %w", s.topic(event), ctx.Err())
	}
}

func (s *Sink) Close() error {
	if s.client != nil {
		s.client.Disconnect(250)
	}
	return nil
}

func init() {
	transcript.Register(transcript.ConnectorMQTT, func() transcript.Sink { return &Sink{} })
}
