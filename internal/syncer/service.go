package syncer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"patchwatch/internal/ingest"
	"patchwatch/pkg/consumer"
	"patchwatch/pkg/event"
	"patchwatch/pkg/logger"
	"patchwatch/pkg/metrics"
	"patchwatch/pkg/producer"
	"patchwatch/pkg/worker"

	"go.uber.org/zap"
)

// Processor runs the ingestion pipeline for one submission.
type Processor interface {
	Process(ctx context.Context, sub ingest.Submission) (*ingest.Result, error)
}

// Config tunes the consume loop.
type Config struct {
	ProcessTimeout  time.Duration
	PartitionBuffer int
	RestartBackoff  time.Duration
}

// Service coordinates the Syncer components
type Service struct {
	logger     *logger.Logger
	factory    consumer.Factory
	processor  Processor
	deadLetter producer.Producer
	cfg        Config
}

// NewService creates a new Syncer service instance. deadLetter may be nil,
// in which case unresolved games are only logged.
func NewService(
	l *logger.Logger,
	factory consumer.Factory,
	processor Processor,
	deadLetter producer.Producer,
	cfg Config,
) *Service {
	if cfg.ProcessTimeout <= 0 {
		cfg.ProcessTimeout = 30 * time.Second
	}
	if cfg.RestartBackoff <= 0 {
		cfg.RestartBackoff = 2 * time.Second
	}
	return &Service{
		logger:     l,
		factory:    factory,
		processor:  processor,
		deadLetter: deadLetter,
		cfg:        cfg,
	}
}

// Start consumes until ctx is done. A session that hits a fatal error stops
// committing and is replaced by a fresh one after the restart backoff, so
// every uncommitted message is redelivered.
func (s *Service) Start(ctx context.Context) error {
	s.logger.Info("starting syncer service")

	for {
		err := s.runSession(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		metrics.SyncerRedeliveriesTotal.Inc()
		s.logger.Warn("consumer session ended, restarting",
			zap.Error(err),
			zap.Duration("backoff", s.cfg.RestartBackoff))

		timer := time.NewTimer(s.cfg.RestartBackoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// session is one consumer group membership.
type session struct {
	consumer consumer.Consumer
	cancel   context.CancelFunc
	poisoned atomic.Bool
	once     sync.Once
	err      error
}

func (ss *session) fail(err error) {
	ss.once.Do(func() {
		ss.err = err
		ss.poisoned.Store(true)
		ss.cancel()
	})
}

func (s *Service) runSession(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ss := &session{consumer: s.factory(), cancel: cancel}
	defer func() {
		if err := ss.consumer.Close(); err != nil {
			s.logger.Warn("failed to close consumer", zap.Error(err))
		}
	}()

	// One lane per partition keeps each partition in order while
	// partitions run concurrently.
	lanes := worker.NewLanes(ctx, s.logger, s.cfg.PartitionBuffer, func(ctx context.Context, msg consumer.Message) {
		if ss.poisoned.Load() {
			return
		}
		if err := s.handleMessage(ctx, ss.consumer, msg); err != nil {
			s.logger.Error("fatal error, leaving message for redelivery", err,
				zap.String("topic", msg.Topic),
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset))
			ss.fail(err)
		}
	})
	defer lanes.Close()

	msgChan, errChan := ss.consumer.Consume(ctx)
	for {
		select {
		case msg, ok := <-msgChan:
			if !ok {
				cancel()
				lanes.Close()
				return s.sessionErr(ss, errChan)
			}
			if err := lanes.Dispatch(ctx, strconv.Itoa(msg.Partition), msg); err != nil {
				lanes.Close()
				return s.sessionErr(ss, errChan)
			}
		case err, ok := <-errChan:
			if ok && err != nil {
				ss.fail(fmt.Errorf("consumer error: %w", err))
			}
			errChan = nil
		case <-ctx.Done():
			lanes.Close()
			return s.sessionErr(ss, errChan)
		}
	}
}

func (s *Service) sessionErr(ss *session, errChan <-chan error) error {
	select {
	case err, ok := <-errChan:
		if ok && err != nil {
			ss.fail(fmt.Errorf("consumer error: %w", err))
		}
	default:
	}
	if ss.err != nil {
		return ss.err
	}
	return errors.New("consumer session closed")
}

// handleMessage returns an error only when the message must be redelivered.
func (s *Service) handleMessage(ctx context.Context, c consumer.Consumer, msg consumer.Message) error {
	metrics.SyncerMessagesConsumedTotal.Inc()

	e, err := event.Decode(msg.Value)
	if err != nil {
		s.logger.Warn("skipping malformed message",
			zap.Error(err),
			zap.Int64("offset", msg.Offset),
			zap.ByteString("payload", msg.Value))
		return s.commit(ctx, c, msg)
	}

	procCtx, cancel := context.WithTimeout(ctx, s.cfg.ProcessTimeout)
	result, err := s.processor.Process(procCtx, ingest.FromEvent(e))
	cancel()

	switch {
	case err == nil:
		s.logger.Debug("processed message",
			zap.Int("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			logger.GameUpdate(result.Update.ID))
	case ingest.IsRecoverable(err):
		s.logger.Warn("dropping unprocessable update",
			zap.Error(err),
			logger.Game(e.GameName),
			logger.Version(e.Version),
			zap.Int64("offset", msg.Offset))
		if errors.Is(err, ingest.ErrGameNotFound) {
			if err := s.deadLetterMessage(ctx, msg); err != nil {
				return err
			}
		}
	default:
		return err
	}

	return s.commit(ctx, c, msg)
}

func (s *Service) deadLetterMessage(ctx context.Context, msg consumer.Message) error {
	if s.deadLetter == nil {
		return nil
	}
	if err := s.deadLetter.Publish(ctx, msg.Key, msg.Value); err != nil {
		return fmt.Errorf("failed to dead-letter message: %w", err)
	}
	metrics.SyncerDeadLetteredTotal.Inc()
	return nil
}

func (s *Service) commit(ctx context.Context, c consumer.Consumer, msg consumer.Message) error {
	if err := c.Commit(ctx, msg); err != nil {
		return fmt.Errorf("failed to commit offset %d: %w", msg.Offset, err)
	}
	return nil
}
