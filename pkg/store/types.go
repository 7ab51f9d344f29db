package store

import (
	"context"
	"encoding/hex"
	"errors"
	"time"

	"github.com/zeebo/blake3"
)

// NotificationTypeUpdate is the only notification type this pipeline creates.
const NotificationTypeUpdate = "UPDATE"

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicate is returned when a unique constraint rejected an insert.
	ErrDuplicate = errors.New("store: duplicate")
)

// Game is a catalog entry. Owned by the admin surface; read-only here.
type Game struct {
	ID         string   `db:"id" json:"id"`
	Name       string   `db:"name" json:"name"`
	Aliases    []string `db:"aliases" json:"aliases"`
	ProviderID string   `db:"provider_id" json:"providerId,omitempty"`
}

// GameUpdate is a persisted release of a game.
type GameUpdate struct {
	ID            string    `db:"id" json:"id"`
	GameID        string    `db:"game_id" json:"gameId"`
	Version       *string   `db:"version" json:"version,omitempty"`
	Title         string    `db:"title" json:"title,omitempty"`
	Content       string    `db:"content" json:"content"`
	ContentDigest string    `db:"content_digest" json:"-"`
	SourceURL     string    `db:"source_url" json:"sourceUrl,omitempty"`
	CreatedAt     time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt     time.Time `db:"updated_at" json:"updatedAt"`
}

// VersionString returns the version or "" when the update has none.
func (u GameUpdate) VersionString() string {
	if u.Version == nil {
		return ""
	}
	return *u.Version
}

// Subscription links a user to a game.
type Subscription struct {
	UserID string `db:"user_id"`
	GameID string `db:"game_id"`
	Active bool   `db:"active"`
}

// Notification is created once per (user, update) pair and never mutated.
type Notification struct {
	ID           string    `db:"id"`
	UserID       string    `db:"user_id"`
	GameUpdateID string    `db:"game_update_id"`
	Type         string    `db:"type"`
	Content      string    `db:"content"`
	CreatedAt    time.Time `db:"created_at"`
}

// UpdateInput is the idempotency key plus the descriptive fields of an update.
type UpdateInput struct {
	GameID    string
	Version   *string
	Content   string
	Title     string
	SourceURL string
}

// Repository is the storage contract consumed by the ingestion pipeline.
type Repository interface {
	// FindGameByNameOrAlias returns the game whose canonical name equals name,
	// otherwise one whose alias set contains name. Matching is case-sensitive.
	FindGameByNameOrAlias(ctx context.Context, name string) (Game, error)

	FindGameByID(ctx context.Context, id string) (Game, error)

	// UpsertGameUpdate inserts the update unless one with the same
	// (game, version, content digest) exists. created reports which happened.
	UpsertGameUpdate(ctx context.Context, in UpdateInput) (update GameUpdate, created bool, err error)

	// ListSubscribersOfGame returns the active subscriptions of a game.
	ListSubscribersOfGame(ctx context.Context, gameID string) ([]Subscription, error)

	// CreateNotification inserts n, returning ErrDuplicate if the user was
	// already notified of that update.
	CreateNotification(ctx context.Context, n Notification) (Notification, error)

	Close() error
}

// ContentDigest is the hex BLAKE3 hash of content used in the idempotency key.
func ContentDigest(content string) string {
	sum := blake3.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// VersionKey maps an absent version to the distinguished empty key.
func VersionKey(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
