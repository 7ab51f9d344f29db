package consumer

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// Message represents a message consumed from Kafka
type Message struct {
	Key       []byte
	Value     []byte
	Partition int
	Offset    int64
	Topic     string
	Raw       kafka.Message // Keep raw for committing
}

// Consumer defines the interface for consuming messages from Kafka
type Consumer interface {
	// Consume returns a channel of messages in partition order.
	Consume(ctx context.Context) (<-chan Message, <-chan error)

	// Commit commits the offset for a specific message
	Commit(ctx context.Context, msg Message) error

	// Close gracefully shuts down the consumer
	Close() error
}

// Factory opens a fresh consumer session. The syncer reopens a session after
// a fatal processing error so uncommitted messages are redelivered.
type Factory func() Consumer

// KafkaConsumer implements the Consumer interface using kafka-go
type KafkaConsumer struct {
	reader *kafka.Reader
}

// Config holds Kafka consumer configuration
type Config struct {
	Brokers []string
	Topic   string
	GroupID string
	MaxWait time.Duration
}

// NewKafkaConsumer joins the configured consumer group. Offsets are committed
// explicitly and synchronously.
func NewKafkaConsumer(cfg Config) *KafkaConsumer {
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = time.Second
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6, // 10MB
		MaxWait:        cfg.MaxWait,
		StartOffset:    kafka.FirstOffset,
		CommitInterval: 0,
	})

	return &KafkaConsumer{
		reader: reader,
	}
}

// NewFactory returns a Factory that opens KafkaConsumers with cfg.
func NewFactory(cfg Config) Factory {
	return func() Consumer { return NewKafkaConsumer(cfg) }
}

// Consume starts the consumption loop
func (c *KafkaConsumer) Consume(ctx context.Context) (<-chan Message, <-chan error) {
	msgChan := make(chan Message)
	errChan := make(chan error, 1)

	go func() {
		defer close(msgChan)
		defer close(errChan)

		for {
			m, err := c.reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				errChan <- fmt.Errorf("failed to fetch message: %w", err)
				return
			}

			select {
			case msgChan <- Message{
				Key:       m.Key,
				Value:     m.Value,
				Partition: m.Partition,
				Offset:    m.Offset,
				Topic:     m.Topic,
				Raw:       m,
			}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return msgChan, errChan
}

// Commit commits the offset for a message
func (c *KafkaConsumer) Commit(ctx context.Context, msg Message) error {
	return c.reader.CommitMessages(ctx, msg.Raw)
}

// Close gracefully shuts down the consumer
func (c *KafkaConsumer) Close() error {
	return c.reader.Close()
}
