package changestream

import (
	"context"
	"fmt"
	"time"

	"github.com/maxpert/vaultsync/cfg"
	"github.com/segmentio/kafka-go"
)

const (
	DefaultKafkaBatchBytes = 1 << 20 // 1MB
	DefaultKafkaMaxBytes   = 10 << 20
)

func init() {
	RegisterTransport("kafka", func(config cfg.ChangeStreamConfiguration) (Transport, error) {
		return NewKafkaTransport(KafkaConfig{
			Brokers:   config.Brokers,
			Topic:     config.Topic,
			BatchSize: config.BatchSize,
		})
	})
}

// KafkaConfig holds configuration for KafkaTransport
type KafkaConfig struct {
	Brokers   []string // Kafka broker addresses
	Topic     string   // Change topic
	BatchSize int      // Writer batch size
}

// KafkaTransport publishes through a kafka.Writer and consumes through group readers.
type KafkaTransport struct {
	config KafkaConfig
	writer *kafka.Writer
}

// NewKafkaTransport creates a Kafka-backed transport.
func NewKafkaTransport(config KafkaConfig) (*KafkaTransport, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("kafka transport requires at least one broker address")
	}
	if config.Topic == "" {
		return nil, fmt.Errorf("kafka transport requires a topic")
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(config.Brokers...),
		Topic:                  config.Topic,
		Balancer:               &kafka.Hash{}, // Same key, same partition
		BatchSize:              config.BatchSize,
		BatchBytes:             DefaultKafkaBatchBytes,
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireAll,
		Async:                  false,
		AllowAutoTopicCreation: true,
	}

	return &KafkaTransport{config: config, writer: writer}, nil
}

func (k *KafkaTransport) Publish(ctx context.Context, key string, value []byte) error {
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: value})
}

func (k *KafkaTransport) Consumer(group string) (Consumer, error) {
	if group == "" {
		return nil, fmt.Errorf("kafka consumer requires a consumer group")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        k.config.Brokers,
		GroupID:        group,
		Topic:          k.config.Topic,
		MinBytes:       1,
		MaxBytes:       DefaultKafkaMaxBytes,
		CommitInterval: 0, // Commits are synchronous and explicit
		StartOffset:    kafka.FirstOffset,
	})
	return &kafkaConsumer{reader: reader}, nil
}

func (k *KafkaTransport) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

type kafkaConsumer struct {
	reader *kafka.Reader
}

func (c *kafkaConsumer) Fetch(ctx context.Context) (Message, error) {
	m, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return Message{}, err
	}
	return Message{Key: string(m.Key), Value: m.Value, Offset: m.Offset, ack: m}, nil
}

func (c *kafkaConsumer) Commit(ctx context.Context, msg Message) error {
	m, ok := msg.ack.(kafka.Message)
	if !ok {
		return fmt.Errorf("message was not fetched from kafka")
	}
	return c.reader.CommitMessages(ctx, m)
}

func (c *kafkaConsumer) Close() error {
	return c.reader.Close()
}
