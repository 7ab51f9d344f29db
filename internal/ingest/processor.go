package ingest

import (
	"context"
	"strings"

	"patchwatch/pkg/event"
	"patchwatch/pkg/logger"
	"patchwatch/pkg/metrics"
	"patchwatch/pkg/store"

	"go.uber.org/zap"
)

// Submission is one update to ingest, from the broker or the HTTP API.
// GameID wins over GameName when both are set.
type Submission struct {
	GameID    string `json:"gameId"`
	GameName  string `json:"gameName"`
	Version   string `json:"version"`
	Title     string `json:"title"`
	Content   string `json:"content"`
	SourceURL string `json:"sourceUrl"`
}

// FromEvent converts a broker envelope into a Submission.
func FromEvent(e event.UpdateEvent) Submission {
	return Submission{
		GameName:  e.GameName,
		Version:   e.Version,
		Title:     e.Title,
		Content:   e.Content,
		SourceURL: e.SourceURL,
	}
}

// Validate checks the fields required before any lookup.
func (s Submission) Validate() error {
	if strings.TrimSpace(s.GameID) == "" && strings.TrimSpace(s.GameName) == "" {
		return invalid("gameId or gameName is required")
	}
	if strings.TrimSpace(s.Content) == "" {
		return invalid("content is required")
	}
	return nil
}

// Result is the outcome of a successful Process call.
type Result struct {
	Game    store.Game       `json:"game"`
	Update  store.GameUpdate `json:"update"`
	Created bool             `json:"created"`
	Report  FanoutReport     `json:"fanout"`
}

// Processor resolves, stores, and fans out one update. The broker consumer
// and the synchronous API both go through it.
type Processor struct {
	resolver *Resolver
	updates  *UpdateStore
	fanout   *Fanout
	logger   *logger.Logger
}

func NewProcessor(resolver *Resolver, updates *UpdateStore, fanout *Fanout, l *logger.Logger) *Processor {
	return &Processor{
		resolver: resolver,
		updates:  updates,
		fanout:   fanout,
		logger:   l.Named("processor"),
	}
}

// Resolver exposes the game lookup shared with other callers.
func (p *Processor) Resolver() *Resolver {
	return p.resolver
}

// Process runs resolve → upsert → fan-out. Fan-out runs for existing updates
// too, so a redelivery completes a fan-out that was interrupted; already
// notified subscribers are skipped.
func (p *Processor) Process(ctx context.Context, sub Submission) (*Result, error) {
	if err := sub.Validate(); err != nil {
		metrics.SyncerProcessedTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}

	game, err := p.resolve(ctx, sub)
	if err != nil {
		if IsRecoverable(err) {
			metrics.SyncerProcessedTotal.WithLabelValues("game_not_found").Inc()
		} else {
			metrics.SyncerProcessedTotal.WithLabelValues("error").Inc()
		}
		return nil, err
	}

	update, created, err := p.updates.Upsert(ctx, game.ID, sub.Version, sub.Content, UpdateMeta{
		Title:     sub.Title,
		SourceURL: sub.SourceURL,
	})
	if err != nil {
		metrics.SyncerProcessedTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	report, err := p.fanout.Notify(ctx, update, game)
	if err != nil {
		metrics.SyncerProcessedTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	fields := []zap.Field{
		logger.Game(game.Name),
		logger.GameUpdate(update.ID),
		logger.Version(update.VersionString()),
		zap.Bool("created", created),
		zap.Int("subscribers", report.Subscribers),
		zap.Int("notified", report.Created),
		zap.Int("skipped", report.Skipped),
	}
	if !report.OK() {
		p.logger.Warn("update processed with notification failures", append(fields, zap.Strings("failed_user_ids", report.Failed))...)
	} else {
		p.logger.Info("update processed", fields...)
	}

	metrics.SyncerProcessedTotal.WithLabelValues("ok").Inc()
	return &Result{Game: game, Update: update, Created: created, Report: report}, nil
}

func (p *Processor) resolve(ctx context.Context, sub Submission) (store.Game, error) {
	if id := strings.TrimSpace(sub.GameID); id != "" {
		return p.resolver.ResolveID(ctx, id)
	}
	return p.resolver.Resolve(ctx, sub.GameName)
}
