package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/jmerrifield20/evidencechain/internal/evidence/model"
)

// KafkaConfig configures the Kafka sink.
type KafkaConfig struct {
	Brokers     []string
	TopicPrefix string // topics are "<prefix><kind>", e.g. "records.evidence"
	Partitions  int32
	Replication int16
}

// KafkaSink produces each event to a per-kind topic keyed by record id, so
// all events for a record land on one partition.
type KafkaSink struct {
	client *kgo.Client
	prefix string
	logger *zap.Logger
}

// NewKafkaSink connects to the brokers and creates the per-kind topics if
// they do not exist.
func NewKafkaSink(ctx context.Context, cfg KafkaConfig, logger *zap.Logger) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: at least one broker is required")
	}
	if cfg.Partitions <= 0 {
		cfg.Partitions = 1
	}
	if cfg.Replication <= 0 {
		cfg.Replication = 1
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}

	s := &KafkaSink{client: client, prefix: cfg.TopicPrefix, logger: logger}
	topics := make([]string, 0, len(kinds))
	for _, k := range kinds {
		topics = append(topics, s.Topic(k))
	}

	adm := kadm.NewClient(client)
	resp, err := adm.CreateTopics(ctx, cfg.Partitions, cfg.Replication, nil, topics...)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("kafka create topics: %w", err)
	}
	for _, t := range resp.Sorted() {
		if t.Err != nil && !errors.Is(t.Err, kerr.TopicAlreadyExists) {
			client.Close()
			return nil, fmt.Errorf("kafka create topic %s: %w", t.Topic, t.Err)
		}
	}
	logger.Info("kafka sink ready", zap.Strings("topics", topics))
	return s, nil
}

// Topic returns the topic events of kind are produced to.
func (s *KafkaSink) Topic(kind model.Kind) string { return s.prefix + string(kind) }

// Name implements Sink.
func (s *KafkaSink) Name() string { return "kafka" }

// Deliver implements Sink. franz-go retries retriable produce errors
// internally; an error here is final.
func (s *KafkaSink) Deliver(ctx context.Context, e Event) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	rec := &kgo.Record{
		Topic: s.Topic(e.Kind),
		Key:   []byte(e.ID.String()),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "event-type", Value: []byte(e.Type)},
		},
	}
	if err := s.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("produce %s/%s: %w", rec.Topic, e.ID, err)
	}
	return nil
}

// Ping checks broker connectivity.
func (s *KafkaSink) Ping(ctx context.Context) error { return s.client.Ping(ctx) }

// Close flushes and closes the client.
func (s *KafkaSink) Close() { s.client.Close() }
