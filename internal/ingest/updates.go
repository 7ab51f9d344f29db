package ingest

import (
	"context"
	"strings"
	"time"

	"patchwatch/pkg/metrics"
	"patchwatch/pkg/store"
)

// UpdateMeta carries the descriptive fields that are not part of the
// idempotency key.
type UpdateMeta struct {
	Title     string
	SourceURL string
}

// UpdateStore persists updates idempotently on (game, version, content).
type UpdateStore struct {
	repo store.Repository
}

func NewUpdateStore(repo store.Repository) *UpdateStore {
	return &UpdateStore{repo: repo}
}

// Upsert returns the existing row unchanged when the same update was stored
// before; created is false in that case. An empty version is stored as
// "no version", which only matches other updates without one.
func (s *UpdateStore) Upsert(ctx context.Context, gameID, version, content string, meta UpdateMeta) (store.GameUpdate, bool, error) {
	if gameID == "" {
		return store.GameUpdate{}, false, invalid("game id is required")
	}
	if strings.TrimSpace(content) == "" {
		return store.GameUpdate{}, false, invalid("content is required")
	}

	var v *string
	if trimmed := strings.TrimSpace(version); trimmed != "" {
		v = &trimmed
	}

	start := time.Now()
	u, created, err := s.repo.UpsertGameUpdate(ctx, store.UpdateInput{
		GameID:    gameID,
		Version:   v,
		Content:   content,
		Title:     meta.Title,
		SourceURL: meta.SourceURL,
	})
	metrics.SyncerUpsertLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return store.GameUpdate{}, false, storageError("upsert game update", err)
	}

	if !created {
		metrics.SyncerDuplicateUpdatesTotal.Inc()
	}
	return u, created, nil
}
