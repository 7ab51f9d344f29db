package watcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"patchwatch/pkg/chatstream"
	"patchwatch/pkg/logger"
	"patchwatch/pkg/parser"
	"patchwatch/pkg/retry"

	"go.uber.org/zap"
)

// BackfillRequest selects the messages of one channel created in [From, To].
type BackfillRequest struct {
	ChannelID string
	From      time.Time
	To        time.Time
	PageSize  int
}

// Progress is a snapshot of a running backfill. The last value sent has
// Done set, and Err when the backfill stopped early.
type Progress struct {
	ChannelID string `json:"channelId"`
	Pages     int    `json:"pages"`
	Scanned   int    `json:"scanned"`
	Found     int    `json:"found"`
	Published int    `json:"published"`
	Failed    int    `json:"failed"`
	Done      bool   `json:"done"`
	Err       error  `json:"-"`
}

var ErrInvalidInterval = errors.New("backfill interval end precedes its start")

// tracker holds the shared progress of one backfill.
type tracker struct {
	mu  sync.Mutex
	cur Progress
	out chan Progress
}

func (t *tracker) update(fn func(p *Progress)) {
	t.mu.Lock()
	fn(&t.cur)
	snapshot := t.cur
	t.mu.Unlock()
	t.offer(snapshot)
}

// offer never blocks: a snapshot the caller has not read yet is replaced.
func (t *tracker) offer(p Progress) {
	for {
		select {
		case t.out <- p:
			return
		default:
		}
		select {
		case <-t.out:
		default:
		}
	}
}

// Backfill pages backwards through the channel history, parses every message
// in the interval and publishes the detected updates oldest first. Progress
// is sent after each page and at least every progress interval; the channel
// is closed after the final snapshot. Canceling ctx stops the backfill.
func (s *Service) Backfill(ctx context.Context, req BackfillRequest) <-chan Progress {
	t := &tracker{
		cur: Progress{ChannelID: req.ChannelID},
		out: make(chan Progress, 1),
	}

	go func() {
		defer close(t.out)

		stop := make(chan struct{})
		ticks := sync.WaitGroup{}
		ticks.Add(1)
		go func() {
			defer ticks.Done()
			ticker := time.NewTicker(s.cfg.ProgressInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					t.update(func(*Progress) {})
				case <-stop:
					return
				}
			}
		}()

		err := s.backfill(ctx, req, t)

		close(stop)
		ticks.Wait()
		t.update(func(p *Progress) {
			p.Done = true
			p.Err = err
		})

		if err != nil {
			s.logger.Warn("backfill stopped", zap.Error(err), logger.Channel(req.ChannelID))
		}
	}()

	return t.out
}

func (s *Service) backfill(ctx context.Context, req BackfillRequest, t *tracker) error {
	if req.To.IsZero() {
		req.To = s.now()
	}
	if req.To.Before(req.From) {
		return ErrInvalidInterval
	}
	pageSize := req.PageSize
	if pageSize <= 0 || pageSize > chatstream.MaxPageSize {
		pageSize = s.cfg.PageSize
	}

	s.logger.Info("starting backfill",
		logger.Channel(req.ChannelID),
		zap.Time("from", req.From),
		zap.Time("to", req.To))

	// Ids below the first id of the next millisecond include To itself.
	before := chatstream.SnowflakeAt(req.To.Add(time.Millisecond))

	var (
		candidates []*parser.ParsedUpdate
		messages   []parser.RawMessage
	)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		var page []parser.RawMessage
		err := retry.Do(ctx, func(ctx context.Context) error {
			var err error
			page, err = s.source.History(ctx, req.ChannelID, before, pageSize)
			return err
		}, s.retryOpts)
		if err != nil {
			return fmt.Errorf("failed to page channel history: %w", err)
		}
		if len(page) == 0 {
			break
		}

		reachedStart := false
		scanned, found := 0, 0
		for _, msg := range page {
			if msg.Timestamp.Before(req.From) {
				reachedStart = true
				continue
			}
			if msg.Timestamp.After(req.To) {
				continue
			}
			scanned++
			if u := s.detect(msg); u != nil {
				found++
				candidates = append(candidates, u)
				messages = append(messages, msg)
			}
		}
		before = page[len(page)-1].ID

		t.update(func(p *Progress) {
			p.Pages++
			p.Scanned += scanned
			p.Found += found
		})

		if reachedStart || len(page) < pageSize {
			break
		}
	}

	// History arrives newest first; publish in emission order.
	for i := len(candidates) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.publish(ctx, candidates[i]); err != nil {
			t.update(func(p *Progress) { p.Failed++ })
			continue
		}
		s.saveCheckpoint(ctx, messages[i])
		t.update(func(p *Progress) { p.Published++ })
	}
	return nil
}
