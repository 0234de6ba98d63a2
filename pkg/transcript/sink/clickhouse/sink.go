// Package clickhouse stores transcripts in a ClickHouse table.
package clickhouse

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/edgeflare/esrbot/pkg/transcript"
)

var (
	errNotConnected = errors.New("ClickHouse connection not initialized")
	identRe         = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// Config is the ClickHouse sink configuration. Unset credentials fall back to
// ESRBOT_CLICKHOUSE_* environment variables.
type Config struct {
	Addr        []string `json:"addr"`
	Database    string   `json:"database"`
	Username    string   `json:"username"`
	Password    string   `json:"password"`
	Table       string   `json:"table"`
	DialTimeout string   `json:"dialTimeout"`
	// CreateTable creates Table with a MergeTree engine when missing.
	CreateTable *bool `json:"createTable,omitempty"`
}

func (c *Config) setDefaults() {
	if len(c.Addr) == 0 {
		c.Addr = []string{cmp.Or(os.Getenv("ESRBOT_CLICKHOUSE_ADDR"), "localhost:9000")}
	}
	c.Database = cmp.Or(c.Database, os.Getenv("ESRBOT_CLICKHOUSE_DATABASE"), "default")
	c.Username = cmp.Or(c.Username, os.Getenv("ESRBOT_CLICKHOUSE_USERNAME"), "default")
	c.Password = cmp.Or(c.Password, os.Getenv("ESRBOT_CLICKHOUSE_PASSWORD"))
	c.Table = cmp.Or(c.Table, "esrbot_transcripts")
	if c.CreateTable == nil {
		create := true
		c.CreateTable = &create
	}
}

func (c *Config) validate() error {
	if !identRe.MatchString(c.Database) {
		return fmt.Errorf("invalid database name %q", c.Database)
	}
	if !identRe.MatchString(c.Table) {
		return fmt.Errorf("invalid table name %q", c.Table)
	}
	return nil
}

func (c *Config) options() (*clickhouse.Options, error) {
	dialTimeout := 5 * time.Second
	if c.DialTimeout != "" {
		d, err := time.ParseDuration(c.DialTimeout)
		if err != nil {
			return nil, fmt.Errorf("invalid dialTimeout: %w", err)
		}
		dialTimeout = d
	}
	return &clickhouse.Options{
		Addr: c.Addr,
		Auth: clickhouse.Auth{
			Database: c.Database,
			Username: c.Username,
			Password: c.Password,
		},
		DialTimeout: dialTimeout,
	}, nil
}

func (c *Config) createTableSQL() string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.%s (
	id String,
	time DateTime64(3),
	question String,
	answer String,
	sources String,
	model LowCardinality(String),
	latency_ms Int64,
	request_id String
) ENGINE = MergeTree ORDER BY (time, id)`, c.Database, c.Table)
}

func (c *Config) insertSQL() string {
	return fmt.Sprintf("INSERT INTO %s.%s (id, time, question, answer, sources, model, latency_ms, request_id)", c.Database, c.Table)
}

// Sink inserts one row per event. Sources are stored as a JSON string.
type Sink struct {
	conn   driver.Conn
	config Config
}

func (s *Sink) Connect(config json.RawMessage) error {
	var cfg Config
	if len(config) > 0 && string(config) != "null" {
		if err := json.Unmarshal(config, &cfg); err != nil {
			return fmt.Errorf("failed to parse ClickHouse config: %w", err)
		}
	}
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return err
	}

	opts, err := cfg.options()
	if err != nil {
		return err
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.DialTimeout*2)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return fmt.Errorf("failed to ping ClickHouse: %w", err)
	}
	if *cfg.CreateTable {
		if err := conn.Exec(ctx, cfg.createTableSQL()); err != nil {
			conn.Close()
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	s.conn = conn
	s.config = cfg
	return nil
}

func (s *Sink) Publish(ctx context.Context, event transcript.Event) error {
	if s.conn == nil {
		return errNotConnected
	}
	sources, err := json.Marshal(event.Sources)
	if err != nil {
		return fmt.Errorf("failed to marshal sources: %w", err)
	}

	batch, err := s.conn.PrepareBatch(ctx, s.config.insertSQL())
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	if err := batch.Append(
		event.ID,
		event.Time,
		event.Question,
		event.Answer,
		string(sources),
		event.Model,
		event.LatencyMS,
		event.RequestID,
	); err != nil {
		return fmt.Errorf("failed to append row: %w", err)
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to insert transcript into ClickHouse: %w", err)
	}
	return nil
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func init() {
	transcript.Register(transcript.ConnectorClickHouse, func() transcript.Sink { return &Sink{} })
}
