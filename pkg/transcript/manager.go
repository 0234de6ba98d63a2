package transcript

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/edgeflare/esrbot/pkg/metrics"
	"github.com/edgeflare/esrbot/pkg/rag"
	"go.uber.org/zap"
)

// DefaultBufferSize is used when Config.BufferSize is not positive.
const DefaultBufferSize = 256

var ErrClosed = errors.New("transcript manager closed")

type namedSink struct {
	name      string
	connector string
	sink      Sink
}

// Manager fans answered questions out to every configured sink. Publishing never
// blocks the caller: events are queued and delivered by a single worker.
type Manager struct {
	sinks   []namedSink
	events  chan Event
	done    chan struct{}
	logger  *zap.Logger
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithPublishTimeout bounds a single sink publish.
func WithPublishTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// connectDelays are the waits between connection attempts of a sink.
var connectDelays = []time.Duration{1 * time.Second, 2 * time.Second, 3 * time.Second}

// NewManager connects every sink in cfg and starts delivering events.
// Sinks that fail to connect after retries abort construction and already
// connected sinks are closed.
func NewManager(cfg Config, opts ...ManagerOption) (*Manager, error) {
	m := &Manager{
		logger:  zap.NewNop(),
		timeout: 10 * time.Second,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	size := cfg.BufferSize
	if size <= 0 {
		size = DefaultBufferSize
	}
	m.events = make(chan Event, size)

	m.logger.Info("initializing transcript sinks", zap.Int("sinkCount", len(cfg.Sinks)))
	for _, sc := range cfg.Sinks {
		sink, err := m.connect(sc)
		if err != nil {
			m.closeSinks()
			return nil, err
		}
		m.sinks = append(m.sinks, namedSink{name: sc.Name, connector: sc.Connector, sink: sink})
	}

	go m.run()
	return m, nil
}

func (m *Manager) connect(sc SinkConfig) (Sink, error) {
	name := sc.Name
	if name == "" {
		name = sc.Connector
	}
	sink, err := New(sc.Connector)
	if err != nil {
		return nil, fmt.Errorf("failed to add sink %s: %w", name, err)
	}

	configJSON, err := json.Marshal(sc.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config for sink %s: %w", name, err)
	}

	m.logger.Debug("connecting sink", zap.String("name", name), zap.String("connector", sc.Connector))
	err = sink.Connect(configJSON)
	for _, delay := range connectDelays {
		if err == nil {
			break
		}
		m.logger.Warn("retrying connection",
			zap.String("name", name),
			zap.Duration("delay", delay),
			zap.Error(err))
		time.Sleep(delay)
		err = sink.Connect(configJSON)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect sink %s: %w", name, err)
	}

	m.logger.Info("connected sink", zap.String("name", name), zap.String("connector", sc.Connector))
	return sink, nil
}

// Len is the number of connected sinks.
func (m *Manager) Len() int {
	return len(m.sinks)
}

// Publish queues an event for a. It implements rag.Publisher. When the queue is
// full the event is dropped and counted.
func (m *Manager) Publish(ctx context.Context, a *rag.Answer) error {
	return m.PublishEvent(NewEvent(ctx, a))
}

// PublishEvent queues event.
func (m *Manager) PublishEvent(event Event) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	if len(m.sinks) == 0 {
		return nil
	}

	select {
	case m.events <- event:
		return nil
	default:
		metrics.DroppedTranscripts.Inc()
		m.logger.Warn("transcript buffer full, dropping event", zap.String("id", event.ID))
		return nil
	}
}

func (m *Manager) run() {
	defer close(m.done)
	for event := range m.events {
		for _, s := range m.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
			err := s.sink.Publish(ctx, event)
			cancel()
			if err != nil {
				metrics.PublishErrors.WithLabelValues(s.connector).Inc()
				m.logger.Error("failed to publish transcript",
					zap.String("sink", s.name),
					zap.String("id", event.ID),
					zap.Error(err))
			}
		}
	}
}

// Close stops accepting events, delivers those already queued and closes every sink.
// ctx bounds how long Close waits for the queue to drain.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.events)
	m.mu.Unlock()

	var err error
	select {
	case <-m.done:
	case <-ctx.Done():
		err = fmt.Errorf("failed to drain transcript queue: %w", ctx.Err())
	}
	return errors.Join(err, m.closeSinks())
}

func (m *Manager) closeSinks() error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close sink %s: %w", s.name, err))
		}
	}
	return errors.Join(errs...)
}
