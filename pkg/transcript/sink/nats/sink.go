// Package nats publishes transcripts to a NATS JetStream stream.
package nats

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/edgeflare/esrbot/pkg/transcript"
	"github.com/nats-io/nats.go"
)

var errConnNotInitialized = errors.New("NATS connection not initialized")

// Config represents NATS configuration
type Config struct {
	Servers       []string `json:"servers"`
	Stream        string   `json:"stream"`
	SubjectPrefix string   `json:"subjectPrefix"`
	Username      string   `json:"username,omitempty"`
	Password      string   `json:"password,omitempty"`
	TLS           struct {
		Enabled  bool   `json:"enabled"`
		CertFile string `json:"certFile,omitempty"`
		KeyFile  string `json:"keyFile,omitempty"`
		CAFile   string `json:"caFile,omitempty"`
	} `json:"tls,omitempty"`
}

// Sink publishes each event to <subjectPrefix>.transcripts.<model>.
type Sink struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	Config Config
}

func (s *Sink) Connect(config json.RawMessage) error {
	if err := json.Unmarshal(config, &s.Config); err != nil {
		return fmt.Errorf("unmarshal NATS config: %w", err)
	}
	s.Config.setDefaults()

	var err error
	for _, server := range s.Config.Servers {
		s.nc, err = nats.Connect(server, defaultOptions(s.Config)...)
		if err == nil {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("connect to NATS server: %w", err)
	}

	if s.js, err = s.nc.JetStream(); err != nil {
		s.nc.Close()
		return fmt.Errorf("create JetStream context: %w", err)
	}
	if err := s.ensureStream(); err != nil {
		s.nc.Close()
		return fmt.Errorf("ensure stream: %w", err)
	}
	return nil
}

func (c *Config) setDefaults() {
	if len(c.Servers) == 0 {
		c.Servers = []string{nats.DefaultURL}
	}
	c.SubjectPrefix = cmp.Or(c.SubjectPrefix, "esrbot")
	c.Stream = cmp.Or(c.Stream, fmt.Sprintf("%s-transcripts", c.SubjectPrefix))
}

// subject builds the publish subject. NATS tokens cannot contain dots or spaces.
func (c *Config) subject(event transcript.Event) string {
	model := cmp.Or(event.Model, "unknown")
	model = strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(model)
	return fmt.Sprintf("%s.transcripts.%s", c.SubjectPrefix, model)
}

func (s *Sink) Publish(ctx context.Context, event transcript.Event) error {
	if s.js == nil {
		return errConnNotInitialized
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal transcript: %w", err)
	}

	// the event ID deduplicates redeliveries within the stream's window
	if _, err := s.js.Publish(s.Config.subject(event), data, nats.Context(ctx), nats.MsgId(event.ID)); err != nil {
		return fmt.Errorf("publish message: %w", err)
	}
	return nil
}

func (s *Sink) Close() error {
	if s.nc != nil {
		if err := s.nc.Drain(); err != nil {
			s.nc.Close()
			return err
		}
	}
	return nil
}

// ensureStream creates or updates the stream
func (s *Sink) ensureStream() error {
	config := &nats.StreamConfig{
		Name:     s.Config.Stream,
		Subjects: []string{s.Config.SubjectPrefix + ".transcripts.>"},
		Storage:  nats.FileStorage,
		Replicas: 1,
		MaxAge:   30 * 24 * time.Hour,
	}

	stream, err := s.js.StreamInfo(s.Config.Stream)
	if err == nil {
		if !streamConfigEqual(stream.Config, *config) {
			if _, err = s.js.UpdateStream(config); err != nil {
				return fmt.Errorf("update stream: %w", err)
			}
		}
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("get stream info: %w", err)
	}
	if _, err := s.js.AddStream(config); err != nil {
		return fmt.Errorf("create stream: %w", err)
	}
	return nil
}

// streamConfigEqual checks if two nats.StreamConfig are equivalent
func streamConfigEqual(a, b nats.StreamConfig) bool {
	return a.Name == b.Name &&
		a.Storage == b.Storage &&
		a.Replicas == b.Replicas &&
		a.MaxAge == b.MaxAge &&
		slices.Equal(a.Subjects, b.Subjects)
}

func defaultOptions(c Config) []nats.Option {
	opts := []nats.Option{
		nats.Name("esrbot"),
		nats.Timeout(5 * time.Second),
		nats.PingInterval(10 * time.Second),
		nats.MaxPingsOutstanding(3),
		nats.MaxReconnects(-1),
	}

	if c.Username != "" && c.Password != "" {
		opts = append(opts, nats.UserInfo(c.Username, c.Password))
	}

	if c.TLS.Enabled {
		if c.TLS.CAFile != "" {
			opts = append(opts, nats.RootCAs(c.TLS.CAFile))
		}
		if c.TLS.CertFile != "" && c.TLS.KeyFile != "" {
			opts = append(opts, nats.ClientCert(c.TLS.CertFile, c.TLS.KeyFile))
		}
	}
	return opts
}

func init() {
	transcript.Register(transcript.ConnectorNATS, func() transcript.Sink { return &Sink{} })
}
