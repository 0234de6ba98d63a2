package kafka

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/IBM/sarama"
	"github.com/edgeflare/esrbot/pkg/transcript"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	var c Config
	c.setDefaults()
	assert.Equal(t, []string{"localhost:9092"}, c.Brokers)
	assert.Equal(t, "esrbot.transcripts", c.Topic())
	assert.Equal(t, int32(1), c.Partitions)
}

func TestToSaramaConfig(t *testing.T) {
	tests := []struct {
		name      string
		cfg       Config
		mechanism sarama.SASLMechanism
		wantErr   bool
	}{
		{"no sasl", Config{Version: "2.1.1"}, "", false},
		{"scram sha512", Config{Version: "2.1.1", SASL: &SASL{Enable: true, Username: "u", Password: "p", Algorithm: "sha512"}}, sarama.SASLTypeSCRAMSHA512, false},
		{"scram sha256", Config{Version: "2.1.1", SASL: &SASL{Enable: true, Algorithm: "sha256"}}, sarama.SASLTypeSCRAMSHA256, false},
		{"plain", Config{Version: "2.1.1", SASL: &SASL{Enable: true}}, sarama.SASLTypePlaintext, false},
		{"bad algorithm", Config{Version: "2.1.1", SASL: &SASL{Enable: true, Algorithm: "md5"}}, "", true},
		{"bad version", Config{Version: "banana"}, "", true},
		{"missing key file", Config{Version: "2.1.1", TLS: &TLS{Enable: true, CertFile: "c.pem"}}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conf, err := tt.cfg.ToSaramaConfig()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.cfg.SASL != nil {
				assert.Equal(t, tt.mechanism, conf.Net.SASL.Mechanism)
			}
			assert.True(t, conf.Producer.Return.Successes)
		})
	}
}

func TestScramClientBegin(t *testing.T) {
	c := &XDGSCRAMClient{HashGeneratorFcn: SHA256}
	require.NoError(t, c.Begin("user", "pencil", ""))
	first, err := c.Step("")
	require.NoError(t, err)
	assert.Contains(t, first, "n=user")
	assert.False(t, c.Done())
}

func TestMessage(t *testing.T) {
	s := &Sink{config: Config{TopicPrefix: "bank"}}
	msg, err := s.message(transcript.Event{ID: "abc", Question: "q"})
	require.NoError(t, err)
	assert.Equal(t, "bank.transcripts", msg.Topic)

	key, err := msg.Key.Encode()
	require.NoError(t, err)
	assert.Equal(t, "abc", string(key))

	value, err := msg.Value.Encode()
	require.NoError(t, err)
	var decoded transcript.Event
	require.NoError(t, json.Unmarshal(value, &decoded))
	assert.Equal(t, "q", decoded.Question)
}

func TestPublishNotConnected(t *testing.T) {
	assert.ErrorIs(t, (&Sink{}).Publish(context.Background(), transcript.Event{}), errProducerNotInitialized)
}
