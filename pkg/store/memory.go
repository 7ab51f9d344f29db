package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is an in-process Repository with the same uniqueness
// guarantees as the Postgres schema.
type MemoryRepository struct {
	mu            sync.Mutex
	games         []Game
	subscriptions []Subscription
	updates       []GameUpdate
	notifications []Notification
	now           func() time.Time
}

var _ Repository = (*MemoryRepository)(nil)

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{now: func() time.Time { return time.Now().UTC() }}
}

// AddGame registers a game, assigning an id when g.ID is empty.
func (m *MemoryRepository) AddGame(g Game) Game {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	m.games = append(m.games, g)
	return g
}

// Subscribe adds an active subscription.
func (m *MemoryRepository) Subscribe(userID, gameID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptions = append(m.subscriptions, Subscription{UserID: userID, GameID: gameID, Active: true})
}

func (m *MemoryRepository) FindGameByNameOrAlias(_ context.Context, name string) (Game, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, g := range m.games {
		if g.Name == name {
			return g, nil
		}
	}
	for _, g := range m.games {
		for _, alias := range g.Aliases {
			if alias == name {
				return g, nil
			}
		}
	}
	return Game{}, ErrNotFound
}

func (m *MemoryRepository) FindGameByID(_ context.Context, id string) (Game, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, g := range m.games {
		if g.ID == id {
			return g, nil
		}
	}
	return Game{}, ErrNotFound
}

func (m *MemoryRepository) UpsertGameUpdate(_ context.Context, in UpdateInput) (GameUpdate, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	digest := ContentDigest(in.Content)
	key := VersionKey(in.Version)
	for _, u := range m.updates {
		if u.GameID == in.GameID && VersionKey(u.Version) == key && u.ContentDigest == digest {
			return u, false, nil
		}
	}

	now := m.now()
	u := GameUpdate{
		ID:            uuid.NewString(),
		GameID:        in.GameID,
		Version:       in.Version,
		Title:         in.Title,
		Content:       in.Content,
		ContentDigest: digest,
		SourceURL:     in.SourceURL,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	m.updates = append(m.updates, u)
	return u, true, nil
}

func (m *MemoryRepository) ListSubscribersOfGame(_ context.Context, gameID string) ([]Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Subscription
	for _, s := range m.subscriptions {
		if s.GameID == gameID && s.Active {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *MemoryRepository) CreateNotification(_ context.Context, n Notification) (Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.notifications {
		if existing.UserID == n.UserID && existing.GameUpdateID == n.GameUpdateID {
			return Notification{}, ErrDuplicate
		}
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Type == "" {
		n.Type = NotificationTypeUpdate
	}
	n.CreatedAt = m.now()
	m.notifications = append(m.notifications, n)
	return n, nil
}

// Updates returns a copy of all stored updates.
func (m *MemoryRepository) Updates() []GameUpdate {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]GameUpdate(nil), m.updates...)
}

// Notifications returns a copy of all stored notifications.
func (m *MemoryRepository) Notifications() []Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Notification(nil), m.notifications...)
}

func (m *MemoryRepository) Close() error { return nil }
