package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/obsidianstack/ciwatch/server/internal/config"
	"github.com/obsidianstack/ciwatch/server/internal/events"
)

// Kafka produces events to one topic, keyed by pipeline name so that every
// event of a pipeline lands on the same partition in order.
type Kafka struct {
	client *kgo.Client
	topic  string
}

// NewKafka creates a producer for cfg.Brokers. The connection is established
// lazily by the client.
func NewKafka(cfg config.KafkaConfig) (*Kafka, error) {
	if !cfg.Enabled() {
		return nil, errors.New("bus: kafka: at least one broker address is required")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.AllowAutoTopicCreation(),
	)
	if err != nil {
		return nil, fmt.Errorf("bus: kafka client: %w", err)
	}
	return &Kafka{client: client, topic: cfg.Topic}, nil
}

// Name implements Sink.
func (k *Kafka) Name() string { return "kafka" }

// Send produces e and waits for the broker ack or for ctx to end. A record
// whose ctx ends while it is still buffered is failed by the client.
func (k *Kafka) Send(ctx context.Context, e events.Event) error {
	rec, err := record(k.topic, e)
	if err != nil {
		return err
	}
	if err := k.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("bus: kafka produce: %w", err)
	}
	return nil
}

// Close flushes buffered records and closes the client.
func (k *Kafka) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := k.client.Flush(ctx)
	k.client.Close()
	return err
}

func record(topic string, e events.Event) (*kgo.Record, error) {
	value, err := encode(e)
	if err != nil {
		return nil, err
	}
	return &kgo.Record{
		Topic:     topic,
		Key:       []byte(e.Pipeline),
		Value:     value,
		Timestamp: e.At,
		Headers:   []kgo.RecordHeader{{Key: "type", Value: []byte(e.Type)}},
	}, nil
}
