package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"patchwatch/pkg/logger"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

//go:embed schema.sql
var schemaSQL string

// PostgresRepository implements Repository using pgxpool
type PostgresRepository struct {
	pool   *pgxpool.Pool
	logger *logger.Logger
}

// PostgresConfig holds database connection settings
type PostgresConfig struct {
	URI      string
	MinConns int32
	MaxConns int32
}

var _ Repository = (*PostgresRepository)(nil)

// NewPostgresRepository opens the pool and verifies the connection.
func NewPostgresRepository(ctx context.Context, cfg PostgresConfig, l *logger.Logger) (*PostgresRepository, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URI)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresRepository{pool: pool, logger: l}, nil
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping reports whether the database is reachable.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

const gameColumns = `id, name, aliases, COALESCE(provider_id, '')`

func scanGame(row pgx.Row) (Game, error) {
	var g Game
	err := row.Scan(&g.ID, &g.Name, &g.Aliases, &g.ProviderID)
	if errors.Is(err, pgx.ErrNoRows) {
		return Game{}, ErrNotFound
	}
	return g, err
}

// FindGameByNameOrAlias prefers an exact canonical-name match over an alias match.
func (r *PostgresRepository) FindGameByNameOrAlias(ctx context.Context, name string) (Game, error) {
	const query = `
		SELECT ` + gameColumns + `
		FROM games
		WHERE name = $1 OR $1 = ANY(aliases)
		ORDER BY (name = $1) DESC, name
		LIMIT 1
	`
	return scanGame(r.pool.QueryRow(ctx, query, name))
}

func (r *PostgresRepository) FindGameByID(ctx context.Context, id string) (Game, error) {
	const query = `SELECT ` + gameColumns + ` FROM games WHERE id = $1`
	return scanGame(r.pool.QueryRow(ctx, query, id))
}

const updateColumns = `id, game_id, version, title, content, content_digest, source_url, created_at, updated_at`

func scanUpdate(row pgx.Row) (GameUpdate, error) {
	var u GameUpdate
	err := row.Scan(&u.ID, &u.GameID, &u.Version, &u.Title, &u.Content, &u.ContentDigest, &u.SourceURL, &u.CreatedAt, &u.UpdatedAt)
	return u, err
}

// UpsertGameUpdate looks for an existing row first and otherwise inserts.
// The unique constraint decides races between concurrent duplicate deliveries:
// the loser's insert does nothing and it re-reads the winner's row.
func (r *PostgresRepository) UpsertGameUpdate(ctx context.Context, in UpdateInput) (GameUpdate, bool, error) {
	digest := ContentDigest(in.Content)
	versionKey := VersionKey(in.Version)

	const selectQuery = `
		SELECT ` + updateColumns + `
		FROM game_updates
		WHERE game_id = $1 AND version_key = $2 AND content_digest = $3
	`
	existing, err := scanUpdate(r.pool.QueryRow(ctx, selectQuery, in.GameID, versionKey, digest))
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return GameUpdate{}, false, fmt.Errorf("lookup game update: %w", err)
	}

	const insertQuery = `
		INSERT INTO game_updates (id, game_id, version, title, content, content_digest, source_url, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT ON CONSTRAINT game_updates_idempotency DO NOTHING
		RETURNING ` + updateColumns
	now := time.Now().UTC()
	inserted, err := scanUpdate(r.pool.QueryRow(ctx, insertQuery,
		uuid.NewString(), in.GameID, in.Version, in.Title, in.Content, digest, in.SourceURL, now))
	if err == nil {
		r.logger.Debug("game update inserted", zap.String("id", inserted.ID), zap.String("game_id", in.GameID))
		return inserted, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return GameUpdate{}, false, fmt.Errorf("insert game update: %w", err)
	}

	existing, err = scanUpdate(r.pool.QueryRow(ctx, selectQuery, in.GameID, versionKey, digest))
	if err != nil {
		return GameUpdate{}, false, fmt.Errorf("re-read conflicting game update: %w", err)
	}
	return existing, false, nil
}

func (r *PostgresRepository) ListSubscribersOfGame(ctx context.Context, gameID string) ([]Subscription, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT user_id, game_id, active
		FROM subscriptions
		WHERE game_id = $1 AND active
		ORDER BY created_at, user_id
	`, gameID)
	if err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}

	subs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Subscription, error) {
		var s Subscription
		err := row.Scan(&s.UserID, &s.GameID, &s.Active)
		return s, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan subscribers: %w", err)
	}
	return subs, nil
}

func (r *PostgresRepository) CreateNotification(ctx context.Context, n Notification) (Notification, error) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Type == "" {
		n.Type = NotificationTypeUpdate
	}

	const query = `
		INSERT INTO notifications (id, user_id, game_update_id, type, content)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT ON CONSTRAINT notifications_once DO NOTHING
		RETURNING created_at
	`
	err := r.pool.QueryRow(ctx, query, n.ID, n.UserID, n.GameUpdateID, n.Type, n.Content).Scan(&n.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Notification{}, ErrDuplicate
	}
	if err != nil {
		return Notification{}, fmt.Errorf("insert notification: %w", err)
	}
	return n, nil
}

// Close closes the pool
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}
