package debug

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/edgeflare/esrbot/pkg/transcript"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestSinkPublish(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	s := &Sink{logger: zap.New(core)}
	require.NoError(t, s.Connect(nil))

	event := transcript.Event{
		ID:        "abc",
		Time:      time.Now(),
		Question:  "Is coal allowed?",
		Answer:    "Only with enhanced due diligence [1].",
		LatencyMS: 42,
	}
	require.NoError(t, s.Publish(context.Background(), event))

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "abc", fields["id"])
	assert.Equal(t, "Is coal allowed?", fields["question"])
	assert.Equal(t, int64(42), fields["latency_ms"])
	assert.NoError(t, s.Close())
}

func TestSinkConnect(t *testing.T) {
	s := &Sink{}
	assert.Error(t, s.Publish(context.Background(), transcript.Event{}))

	require.NoError(t, s.Connect(json.RawMessage(`{"format":"json"}`)))
	assert.NoError(t, s.Publish(context.Background(), transcript.Event{ID: "x"}))

	assert.Error(t, (&Sink{}).Connect(json.RawMessage(`{"format":"xml"}`)))
	assert.Error(t, (&Sink{}).Connect(json.RawMessage(`{`)))
}

func TestRegistered(t *testing.T) {
	s, err := transcript.New(transcript.ConnectorDebug)
	require.NoError(t, err)
	assert.IsType(t, &Sink{}, s)
}
