package watcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"patchwatch/pkg/event"
	"patchwatch/pkg/parser"
	"patchwatch/pkg/producer"
	"patchwatch/pkg/retry"
)

// ErrUnroutable is returned for candidates without a game name; they have no
// partition key and could never be resolved downstream.
var ErrUnroutable = errors.New("update has no game name")

// UpdatePublisher hands candidates to the broker.
type UpdatePublisher interface {
	Publish(ctx context.Context, u *parser.ParsedUpdate) error
	Close() error
}

// Publisher serializes candidates into the update envelope and publishes them
// keyed by game name, retrying transient broker errors.
type Publisher struct {
	producer  producer.Producer
	retryOpts retry.RetryOptions
	now       func() time.Time
}

func NewPublisher(p producer.Producer) *Publisher {
	return &Publisher{
		producer:  p,
		retryOpts: retry.DefaultOptions(),
		now:       time.Now,
	}
}

func (p *Publisher) Publish(ctx context.Context, u *parser.ParsedUpdate) error {
	if u.GameNameHint == "" {
		return ErrUnroutable
	}

	e := event.FromParsed(u, p.now())
	data, err := event.Encode(e)
	if err != nil {
		return fmt.Errorf("failed to serialize update: %w", err)
	}

	err = retry.Do(ctx, func(ctx context.Context) error {
		if err := p.producer.Publish(ctx, e.Key(), data); err != nil {
			if errors.Is(err, producer.ErrNotConnected) {
				return retry.Permanent(err)
			}
			return err
		}
		return nil
	}, p.retryOpts)
	if err != nil {
		return fmt.Errorf("failed to publish update to kafka after retries: %w", err)
	}
	return nil
}

// Close gracefully shuts down the producer
func (p *Publisher) Close() error {
	return p.producer.Close()
}
