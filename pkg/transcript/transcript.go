// Package transcript publishes answered questions to external sinks such as
// NATS, Kafka, MQTT, ClickHouse or an HTTP webhook.
package transcript

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/edgeflare/esrbot/pkg/httputil"
	"github.com/edgeflare/esrbot/pkg/rag"
)

// Built-in connectors
const (
	ConnectorClickHouse = "clickhouse"
	ConnectorDebug      = "debug"
	ConnectorHTTP       = "http"
	ConnectorKafka      = "kafka"
	ConnectorMQTT       = "mqtt"
	ConnectorNATS       = "nats"
)

var ErrUnknownConnector = errors.New("unknown connector")

// Source is a retrieved chunk as recorded in a transcript.
type Source struct {
	ID    string  `json:"id"`
	Label string  `json:"label"`
	Score float32 `json:"score"`
}

// Event is one answered question.
type Event struct {
	ID        string    `json:"id"`
	Time      time.Time `json:"time"`
	Question  string    `json:"question"`
	Answer    string    `json:"answer"`
	Sources   []Source  `json:"sources"`
	Model     string    `json:"model,omitempty"`
	LatencyMS int64     `json:"latency_ms"`
	RequestID string    `json:"request_id,omitempty"`
}

// NewEvent converts an answer. RequestID is taken from ctx when the question
// came through the HTTP layer.
func NewEvent(ctx context.Context, a *rag.Answer) Event {
	sources := make([]Source, len(a.Sources))
	for i, s := range a.Sources {
		sources[i] = Source{
			ID:    s.Document.ID,
			Label: rag.SourceLabel(s.Document),
			Score: s.Score,
		}
	}
	return Event{
		ID:        a.ID,
		Time:      time.Now().UTC(),
		Question:  a.Question,
		Answer:    a.Text,
		Sources:   sources,
		Model:     a.Model,
		LatencyMS: a.Latency.Milliseconds(),
		RequestID: httputil.RequestID(ctx),
	}
}

// Sink delivers events to one destination.
type Sink interface {
	// Connect initializes the sink. config is the sink's connector-specific settings as JSON.
	Connect(config json.RawMessage) error
	Publish(ctx context.Context, event Event) error
	Close() error
}

// SinkConfig names a sink and its connector. Config holds the settings of the
// underlying library, eg brokers and topic for kafka.
type SinkConfig struct {
	Name      string         `mapstructure:"name" yaml:"name"`
	Connector string         `mapstructure:"connector" yaml:"connector"`
	Config    map[string]any `mapstructure:"config" yaml:"config,omitempty"`
}

// Config configures a Manager.
type Config struct {
	// BufferSize is the number of events queued before new ones are dropped.
	BufferSize int          `mapstructure:"bufferSize" yaml:"bufferSize"`
	Sinks      []SinkConfig `mapstructure:"sinks" yaml:"sinks"`
}

var (
	registryMu sync.RWMutex
	registry   = map[string]func() Sink{}
)

// Register makes a connector available by name. Sink packages call it from init.
func Register(name string, factory func() Sink) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// New returns an unconnected sink for connector.
func New(connector string) (Sink, error) {
	registryMu.RLock()
	factory, ok := registry[connector]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConnector, connector)
	}
	return factory(), nil
}

// Connectors lists registered connector names.
func Connectors() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
