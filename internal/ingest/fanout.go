package ingest

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"patchwatch/pkg/logger"
	"patchwatch/pkg/metrics"
	"patchwatch/pkg/store"
	"patchwatch/pkg/worker"

	"go.uber.org/zap"
)

// FanoutReport summarizes one fan-out. Failed holds the user ids whose
// notification could not be written and should be retried or alerted on.
type FanoutReport struct {
	GameUpdateID string   `json:"gameUpdateId"`
	Subscribers  int      `json:"subscribers"`
	Created      int      `json:"created"`
	Skipped      int      `json:"skipped"`
	Failed       []string `json:"failed,omitempty"`
}

// OK reports whether every subscriber has a notification.
func (r FanoutReport) OK() bool { return len(r.Failed) == 0 }

// Notifier is the write side the fan-out needs.
type Notifier interface {
	ListSubscribersOfGame(ctx context.Context, gameID string) ([]store.Subscription, error)
	CreateNotification(ctx context.Context, n store.Notification) (store.Notification, error)
}

// Fanout creates one notification per active subscriber. Writes run on a
// shared bounded pool; each subscriber's write is isolated from the others.
type Fanout struct {
	repo   Notifier
	pool   *worker.Pool
	logger *logger.Logger
}

func NewFanout(repo Notifier, pool *worker.Pool, l *logger.Logger) *Fanout {
	return &Fanout{repo: repo, pool: pool, logger: l.Named("fanout")}
}

type notifyResult struct {
	userID string
	err    error
}

var errNotifyPanicked = errors.New("notification write panicked")

// Notify returns an error when the subscriber list cannot be loaded or when
// ctx or the pool ends before every write finished. In the second case the
// report is still returned and the caller must not acknowledge the update.
// Per-subscriber failures are reported in FanoutReport.Failed. A subscriber
// already notified of this update counts as skipped.
func (f *Fanout) Notify(ctx context.Context, update store.GameUpdate, game store.Game) (FanoutReport, error) {
	report := FanoutReport{GameUpdateID: update.ID}

	subs, err := f.repo.ListSubscribersOfGame(ctx, game.ID)
	if err != nil {
		return report, storageError("list subscribers", err)
	}
	report.Subscribers = len(subs)
	if len(subs) == 0 {
		return report, nil
	}

	content := NotificationContent(game, update)
	results := make(chan notifyResult, len(subs))
	pending := make(map[string]struct{}, len(subs))
	var interrupted error

	for i, sub := range subs {
		userID := sub.UserID
		pending[userID] = struct{}{}
		err := f.pool.Submit(ctx, func() {
			res := notifyResult{userID: userID, err: errNotifyPanicked}
			defer func() { results <- res }()
			_, res.err = f.repo.CreateNotification(ctx, store.Notification{
				UserID:       userID,
				GameUpdateID: update.ID,
				Type:         store.NotificationTypeUpdate,
				Content:      content,
			})
		})
		if err != nil {
			for _, rest := range subs[i+1:] {
				pending[rest.UserID] = struct{}{}
			}
			interrupted = err
			break
		}
	}

	for len(pending) > 0 && interrupted == nil {
		select {
		case res := <-results:
			delete(pending, res.userID)
			f.record(&report, game, res)
		case <-ctx.Done():
			interrupted = ctx.Err()
		case <-f.pool.Done():
			interrupted = worker.ErrPoolClosed
		}
	}

	if interrupted == nil && !report.OK() && ctx.Err() != nil {
		interrupted = ctx.Err()
	}
	if interrupted != nil {
		f.abandon(&report, game, pending, interrupted)
		sort.Strings(report.Failed)
		return report, fmt.Errorf("%w: %w", ErrFanoutInterrupted, interrupted)
	}

	sort.Strings(report.Failed)
	return report, nil
}

func (f *Fanout) record(report *FanoutReport, game store.Game, res notifyResult) {
	switch {
	case res.err == nil:
		report.Created++
		metrics.FanoutNotificationsTotal.WithLabelValues("created").Inc()
	case errors.Is(res.err, store.ErrDuplicate):
		report.Skipped++
		metrics.FanoutNotificationsTotal.WithLabelValues("skipped").Inc()
	default:
		report.Failed = append(report.Failed, res.userID)
		metrics.FanoutNotificationsTotal.WithLabelValues("failed").Inc()
		f.logger.Warn("failed to notify subscriber",
			zap.Error(res.err),
			zap.String("user_id", res.userID),
			logger.Game(game.Name),
			logger.GameUpdate(report.GameUpdateID))
	}
}

func (f *Fanout) abandon(report *FanoutReport, game store.Game, pending map[string]struct{}, cause error) {
	for userID := range pending {
		f.record(report, game, notifyResult{userID: userID, err: cause})
		delete(pending, userID)
	}
}

// NotificationContent is the update text, or a generated one-liner when the
// update has no content.
func NotificationContent(game store.Game, update store.GameUpdate) string {
	if update.Content != "" {
		return update.Content
	}
	if v := update.VersionString(); v != "" {
		return fmt.Sprintf("New version of %s available: v%s", game.Name, v)
	}
	return fmt.Sprintf("New version of %s available", game.Name)
}
