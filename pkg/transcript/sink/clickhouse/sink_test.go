package clickhouse

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/edgeflare/esrbot/pkg/transcript"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	t.Setenv("ESRBOT_CLICKHOUSE_ADDR", "ch:9000")
	t.Setenv("ESRBOT_CLICKHOUSE_PASSWORD", "secret")

	var c Config
	c.setDefaults()
	assert.Equal(t, []string{"ch:9000"}, c.Addr)
	assert.Equal(t, "default", c.Database)
	assert.Equal(t, "secret", c.Password)
	assert.Equal(t, "esrbot_transcripts", c.Table)
	require.NotNil(t, c.CreateTable)
	assert.True(t, *c.CreateTable)
	require.NoError(t, c.validate())

	opts, err := c.options()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, opts.DialTimeout)
	assert.Equal(t, "secret", opts.Auth.Password)
}

func TestConfigValidate(t *testing.T) {
	c := Config{Database: "default", Table: "x; DROP TABLE y"}
	assert.Error(t, c.validate())

	c = Config{Database: "my-db", Table: "t"}
	assert.Error(t, c.validate())

	_, err := (&Config{DialTimeout: "fast"}).options()
	assert.Error(t, err)
}

func TestSQL(t *testing.T) {
	c := Config{Database: "analytics", Table: "qa"}
	assert.Contains(t, c.createTableSQL(), "CREATE TABLE IF NOT EXISTS analytics.qa")
	assert.Equal(t, "INSERT INTO analytics.qa (id, time, question, answer, sources, model, latency_ms, request_id)", c.insertSQL())
}

func TestConnectRejectsBadConfig(t *testing.T) {
	assert.Error(t, (&Sink{}).Connect(json.RawMessage(`{"table":"bad name"}`)))
	assert.Error(t, (&Sink{}).Connect(json.RawMessage(`{`)))
}

func TestPublishNotConnected(t *testing.T) {
	assert.ErrorIs(t, (&Sink{}).Publish(context.Background(), transcript.Event{}), errNotConnected)
}
