package producer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// ErrNotConnected is returned by Publish before Connect succeeded or after Close.
var ErrNotConnected = errors.New("producer: not connected")

// Producer defines the interface for publishing keyed messages to Kafka
type Producer interface {
	// Publish writes one message and blocks until the broker acknowledged it,
	// the write timeout elapsed, or ctx is done.
	Publish(ctx context.Context, key, value []byte) error

	// Close gracefully shuts down the producer
	Close() error
}

// KafkaProducer implements the Producer interface using kafka-go
type KafkaProducer struct {
	cfg Config

	mu     sync.RWMutex
	writer *kafka.Writer
}

// Config holds Kafka producer configuration
type Config struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
}

// NewKafkaProducer creates an unconnected producer. Call Connect before Publish.
func NewKafkaProducer(cfg Config) *KafkaProducer {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &KafkaProducer{cfg: cfg}
}

// Connect verifies that a broker is reachable and the topic exists, then
// opens the writer.
func (p *KafkaProducer) Connect(ctx context.Context) error {
	if err := p.probe(ctx); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writer == nil {
		p.writer = &kafka.Writer{
			Addr:         kafka.TCP(p.cfg.Brokers...),
			Topic:        p.cfg.Topic,
			Balancer:     &kafka.Hash{}, // same key, same partition
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 10 * time.Millisecond,
			WriteTimeout: p.cfg.WriteTimeout,
		}
	}
	return nil
}

func (p *KafkaProducer) probe(ctx context.Context) error {
	var lastErr error
	for _, broker := range p.cfg.Brokers {
		conn, err := kafka.DialContext(ctx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		_, err = conn.ReadPartitions(p.cfg.Topic)
		conn.Close()
		if err != nil {
			lastErr = fmt.Errorf("topic %q: %w", p.cfg.Topic, err)
			continue
		}
		return nil
	}
	if lastErr == nil {
		lastErr = errors.New("no brokers configured")
	}
	return fmt.Errorf("failed to connect to kafka: %w", lastErr)
}

// Publish sends a message synchronously so broker backpressure reaches the caller.
func (p *KafkaProducer) Publish(ctx context.Context, key, value []byte) error {
	p.mu.RLock()
	w := p.writer
	p.mu.RUnlock()
	if w == nil {
		return ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.WriteTimeout)
	defer cancel()

	return w.WriteMessages(ctx, kafka.Message{Key: key, Value: value, Time: time.Now()})
}

// Close gracefully shuts down the producer. It is safe to call more than once.
func (p *KafkaProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writer == nil {
		return nil
	}
	err := p.writer.Close()
	p.writer = nil
	return err
}
