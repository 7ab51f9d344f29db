package watcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"patchwatch/pkg/chatstream"
	"patchwatch/pkg/checkpoint"
	"patchwatch/pkg/logger"
	"patchwatch/pkg/metrics"
	"patchwatch/pkg/parser"
	"patchwatch/pkg/retry"
	"patchwatch/pkg/worker"

	"go.uber.org/zap"
)

// Config tunes the watcher loop.
type Config struct {
	ChannelIDs       []string
	LaneBuffer       int
	PageSize         int
	ProgressInterval time.Duration
	CatchUp          bool
	CatchUpWindow    time.Duration
}

// Service coordinates the Watcher components
type Service struct {
	logger      *logger.Logger
	source      chatstream.Source
	publisher   UpdatePublisher
	checkpoints checkpoint.Store
	opts        parser.Options
	cfg         Config
	retryOpts   retry.RetryOptions
	now         func() time.Time

	// held holds channels whose checkpoint is frozen because an update
	// was dropped, so the next start catches up from before it.
	heldMu sync.Mutex
	held   map[string]bool
}

// NewService creates a new Watcher service instance
func NewService(
	logger *logger.Logger,
	source chatstream.Source,
	publisher UpdatePublisher,
	checkpoints checkpoint.Store,
	opts parser.Options,
	cfg Config,
) *Service {
	if cfg.PageSize <= 0 || cfg.PageSize > chatstream.MaxPageSize {
		cfg.PageSize = chatstream.MaxPageSize
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = 2 * time.Second
	}
	return &Service{
		logger:      logger,
		source:      source,
		publisher:   publisher,
		checkpoints: checkpoints,
		opts:        opts,
		cfg:         cfg,
		retryOpts:   retry.DefaultOptions(),
		now:         time.Now,
		held:        make(map[string]bool),
	}
}

// Stop gracefully shuts down the service and its dependencies
func (s *Service) Stop(ctx context.Context) error {
	s.logger.Info("stopping watcher service")

	errs := []error{}
	if err := s.source.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close chat source: %w", err))
	}
	if err := s.publisher.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close publisher: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during shutdown: %v", errs)
	}
	return nil
}

// Start processes live messages until ctx is done or the stream fails.
// Messages of one channel are handled in arrival order; channels run
// concurrently.
func (s *Service) Start(ctx context.Context) error {
	s.logger.Info("starting watcher service", zap.Strings("channels", s.cfg.ChannelIDs))

	// Ensure cleanup on return
	defer func() {
		if err := s.Stop(context.Background()); err != nil {
			s.logger.Error("error during service stop", err)
		}
	}()

	ctx, cancel := context.WithCancel(ctx)

	var catchUp sync.WaitGroup
	defer catchUp.Wait()

	lanes := worker.NewLanes(ctx, s.logger, s.cfg.LaneBuffer, func(ctx context.Context, msg parser.RawMessage) {
		// Failures are logged and counted inside; the lane moves on.
		_ = s.HandleMessage(ctx, msg)
	})
	defer lanes.Close()
	defer cancel()

	if s.cfg.CatchUp {
		for _, channelID := range s.cfg.ChannelIDs {
			catchUp.Add(1)
			go func(channelID string) {
				defer catchUp.Done()
				s.catchUp(ctx, channelID)
			}(channelID)
		}
	}

	msgChan, errChan := s.source.Watch(ctx)

	for {
		select {
		case msg, ok := <-msgChan:
			if !ok {
				return s.streamEnded(ctx, errChan)
			}
			if err := lanes.Dispatch(ctx, msg.ChannelID, msg); err != nil {
				return err
			}
		case err, ok := <-errChan:
			if ok && err != nil {
				return fmt.Errorf("chat stream error: %w", err)
			}
			errChan = nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Service) streamEnded(ctx context.Context, errChan <-chan error) error {
	select {
	case err, ok := <-errChan:
		if ok && err != nil {
			return fmt.Errorf("chat stream error: %w", err)
		}
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return errors.New("chat stream closed")
}

// HandleMessage parses msg and publishes it if it is a routable update. The
// channel checkpoint advances unless publishing failed. After a failure it
// stays put for the life of the service.
func (s *Service) HandleMessage(ctx context.Context, msg parser.RawMessage) error {
	if u := s.detect(msg); u != nil {
		if err := s.publish(ctx, u); err != nil {
			return err
		}
	}
	s.saveCheckpoint(ctx, msg)
	return nil
}

// detect runs the parser and records what it found. Unroutable candidates
// are dropped here.
func (s *Service) detect(msg parser.RawMessage) *parser.ParsedUpdate {
	metrics.WatcherMessagesScannedTotal.Inc()

	u := parser.Parse(msg, s.opts)
	if u == nil {
		return nil
	}
	metrics.WatcherUpdatesDetectedTotal.Inc()

	if missing := u.Missing(); len(missing) > 0 {
		for _, field := range missing {
			metrics.WatcherIncompleteUpdatesTotal.WithLabelValues(field).Inc()
		}
		s.logger.Warn("incomplete update detected",
			logger.MessageID(msg.ID),
			logger.Channel(msg.ChannelID),
			zap.String("title", u.Title),
			zap.Strings("missing", missing))
	}

	if u.GameNameHint == "" {
		metrics.WatcherEventsDroppedTotal.WithLabelValues("missing_game_name").Inc()
		return nil
	}
	return u
}

func (s *Service) publish(ctx context.Context, u *parser.ParsedUpdate) error {
	if err := s.publisher.Publish(ctx, u); err != nil {
		metrics.WatcherPublishErrorsTotal.Inc()
		metrics.WatcherEventsDroppedTotal.WithLabelValues("publish_failed").Inc()
		s.hold(u.ChannelID)
		s.logger.Error("dropping update after publish failure", err,
			logger.MessageID(u.MessageID),
			logger.Game(u.GameNameHint),
			logger.Version(u.Version))
		return err
	}

	metrics.WatcherEventsPublishedTotal.Inc()
	s.logger.Info("published update",
		logger.MessageID(u.MessageID),
		logger.Game(u.GameNameHint),
		logger.Version(u.Version))
	return nil
}

func (s *Service) hold(channelID string) {
	s.heldMu.Lock()
	defer s.heldMu.Unlock()
	if !s.held[channelID] {
		s.logger.Warn("holding checkpoint after dropped update", logger.Channel(channelID))
	}
	s.held[channelID] = true
}

func (s *Service) isHeld(channelID string) bool {
	s.heldMu.Lock()
	defer s.heldMu.Unlock()
	return s.held[channelID]
}

func (s *Service) saveCheckpoint(ctx context.Context, msg parser.RawMessage) {
	if msg.ID == "" || msg.ChannelID == "" || s.isHeld(msg.ChannelID) {
		return
	}
	err := retry.Do(ctx, func(ctx context.Context) error {
		return s.checkpoints.Save(ctx, msg.ChannelID, msg.ID)
	}, s.retryOpts)
	if err != nil {
		s.logger.Warn("failed to save checkpoint", zap.Error(err),
			logger.Channel(msg.ChannelID),
			logger.MessageID(msg.ID))
		return
	}
	metrics.WatcherCheckpointSavesTotal.Inc()
}

// catchUp backfills channelID from its checkpoint to now, bounded by the
// catch-up window. Channels without a checkpoint are skipped.
func (s *Service) catchUp(ctx context.Context, channelID string) {
	last, err := s.checkpoints.Load(ctx, channelID)
	if err != nil {
		s.logger.Warn("failed to load checkpoint, skipping catch-up", zap.Error(err), logger.Channel(channelID))
		return
	}
	if last == "" {
		s.logger.Info("no checkpoint, skipping catch-up", logger.Channel(channelID))
		return
	}
	from, err := chatstream.SnowflakeTime(last)
	if err != nil {
		s.logger.Warn("invalid checkpoint, skipping catch-up", zap.Error(err), logger.Channel(channelID))
		return
	}

	to := s.now()
	if s.cfg.CatchUpWindow > 0 && from.Before(to.Add(-s.cfg.CatchUpWindow)) {
		from = to.Add(-s.cfg.CatchUpWindow)
	}

	var final Progress
	for p := range s.Backfill(ctx, BackfillRequest{ChannelID: channelID, From: from, To: to}) {
		final = p
	}
	if final.Err != nil && !errors.Is(final.Err, context.Canceled) {
		s.logger.Error("catch-up failed", final.Err, logger.Channel(channelID))
		return
	}
	s.logger.Info("catch-up finished",
		logger.Channel(channelID),
		zap.Int("scanned", final.Scanned),
		zap.Int("found", final.Found),
		zap.Int("published", final.Published))
}
