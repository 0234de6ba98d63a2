// Package kafka produces transcripts to a Kafka topic with sarama.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/edgeflare/esrbot/pkg/transcript"
)

var errProducerNotInitialized = errors.New("Kafka producer not initialized")

// Sink produces each event, keyed by its ID, to <topicPrefix>.transcripts.
type Sink struct {
	producer sarama.SyncProducer
	config   Config
}

func (s *Sink) Connect(config json.RawMessage) error {
	var cfg Config
	if err := json.Unmarshal(config, &cfg); err != nil {
		return fmt.Errorf("failed to unmarshal Kafka config: %w", err)
	}
	cfg.setDefaults()

	saramaConfig, err := cfg.ToSaramaConfig()
	if err != nil {
		return err
	}

	admin, err := sarama.NewClusterAdmin(cfg.Brokers, saramaConfig)
	if err != nil {
		return fmt.Errorf("failed to create cluster admin: %w", err)
	}
	defer admin.Close()

	s.config = cfg
	if err := s.ensureTopic(admin); err != nil {
		return fmt.Errorf("failed to ensure topic: %w", err)
	}

	producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaConfig)
	if err != nil {
		return fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	s.producer = producer
	return nil
}

func (s *Sink) Publish(_ context.Context, event transcript.Event) error {
	if s.producer == nil {
		return errProducerNotInitialized
	}

	msg, err := s.message(event)
	if err != nil {
		return err
	}
	if _, _, err := s.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

func (s *Sink) message(event transcript.Event) (*sarama.ProducerMessage, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal transcript: %w", err)
	}
	return &sarama.ProducerMessage{
		Topic: s.config.Topic(),
		Key:   sarama.StringEncoder(event.ID),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("content-type"), Value: []byte("application/json")},
		},
	}, nil
}

func (s *Sink) Close() error {
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

func (s *Sink) ensureTopic(admin sarama.ClusterAdmin) error {
	topics, err := admin.ListTopics()
	if err != nil {
		return fmt.Errorf("failed to list topics: %w", err)
	}
	if _, exists := topics[s.config.Topic()]; exists {
		return nil
	}

	retention := fmt.Sprintf("%d", s.config.RetentionMS)
	detail := &sarama.TopicDetail{
		NumPartitions:     s.config.Partitions,
		ReplicationFactor: s.config.Replicas,
		ConfigEntries: map[string]*string{
			"retention.ms": &retention,
		},
	}
	if err := admin.CreateTopic(s.config.Topic(), detail, false); err != nil {
		return fmt.Errorf("failed to create topic: %w", err)
	}
	return nil
}

func init() {
	transcript.Register(transcript.ConnectorKafka, func() transcript.Sink { return &Sink{} })
}
