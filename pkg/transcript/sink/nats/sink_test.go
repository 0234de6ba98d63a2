package nats

import (
	"context"
	"testing"

	"github.com/edgeflare/esrbot/pkg/transcript"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
)

func TestConfigDefaults(t *testing.T) {
	var c Config
	c.setDefaults()
	assert.Equal(t, []string{nats.DefaultURL}, c.Servers)
	assert.Equal(t, "esrbot", c.SubjectPrefix)
	assert.Equal(t, "esrbot-transcripts", c.Stream)

	c = Config{SubjectPrefix: "bank"}
	c.setDefaults()
	assert.Equal(t, "bank-transcripts", c.Stream)
}

func TestSubject(t *testing.T) {
	c := Config{SubjectPrefix: "esrbot"}
	assert.Equal(t, "esrbot.transcripts.gpt-4o-mini", c.subject(transcript.Event{Model: "gpt-4o-mini"}))
	assert.Equal(t, "esrbot.transcripts.llama3_1_8b", c.subject(transcript.Event{Model: "llama3.1 8b"}))
	assert.Equal(t, "esrbot.transcripts.unknown", c.subject(transcript.Event{}))
}

func TestStreamConfigEqual(t *testing.T) {
	a := nats.StreamConfig{Name: "s", Subjects: []string{"a.>"}, Replicas: 1}
	b := a
	assert.True(t, streamConfigEqual(a, b))
	b.Subjects = []string{"b.>"}
	assert.False(t, streamConfigEqual(a, b))
}

func TestPublishNotConnected(t *testing.T) {
	err := (&Sink{}).Publish(context.Background(), transcript.Event{})
	assert.ErrorIs(t, err, errConnNotInitialized)
	assert.NoError(t, (&Sink{}).Close())
}
