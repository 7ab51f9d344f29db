package store

import (
	"context"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestMemoryFindGamePrecedence(t *testing.T) {
	m := NewMemoryRepository()
	b := m.AddGame(Game{Name: "Legends", Aliases: []string{"Apex"}})
	a := m.AddGame(Game{Name: "Apex"})

	got, err := m.FindGameByNameOrAlias(context.Background(), "Apex")
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)

	got, err = m.FindGameByNameOrAlias(context.Background(), "Legends")
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.ID)

	_, err = m.FindGameByNameOrAlias(context.Background(), "apex")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryUpsertIdempotency(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("identical (game, version, content) maps to one row", prop.ForAll(
		func(content string, version string, repeats int) bool {
			m := NewMemoryRepository()
			var v *string
			if version != "" {
				v = strPtr(version)
			}

			first, created, err := m.UpsertGameUpdate(context.Background(), UpdateInput{GameID: "g", Version: v, Content: content})
			if err != nil || !created {
				return false
			}
			for i := 0; i < repeats; i++ {
				again, created, err := m.UpsertGameUpdate(context.Background(), UpdateInput{GameID: "g", Version: v, Content: content})
				if err != nil || created || again.ID != first.ID {
					return false
				}
			}
			return len(m.Updates()) == 1
		},
		gen.AnyString(),
		gen.OneConstOf("", "1.0", "9.01"),
		gen.IntRange(1, 5),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}

func TestMemoryUpsertMissingVersionIsDistinct(t *testing.T) {
	m := NewMemoryRepository()
	ctx := context.Background()

	none, _, _ := m.UpsertGameUpdate(ctx, UpdateInput{GameID: "g", Content: "x"})
	versioned, created, _ := m.UpsertGameUpdate(ctx, UpdateInput{GameID: "g", Version: strPtr("1.0"), Content: "x"})
	assert.True(t, created)
	assert.NotEqual(t, none.ID, versioned.ID)
}

func TestMemoryConcurrentUpserts(t *testing.T) {
	m := NewMemoryRepository()
	ids := make(chan string, 20)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			u, _, err := m.UpsertGameUpdate(context.Background(), UpdateInput{GameID: "g", Version: strPtr("2"), Content: "same"})
			if err == nil {
				ids <- u.ID
			}
		}()
	}
	wg.Wait()
	close(ids)

	var first string
	for id := range ids {
		if first == "" {
			first = id
		}
		assert.Equal(t, first, id)
	}
	assert.Len(t, m.Updates(), 1)
}

func TestMemoryNotificationUniqueness(t *testing.T) {
	m := NewMemoryRepository()
	ctx := context.Background()

	n, err := m.CreateNotification(ctx, Notification{UserID: "u1", GameUpdateID: "up1", Content: "hi"})
	require.NoError(t, err)
	assert.Equal(t, NotificationTypeUpdate, n.Type)
	assert.NotEmpty(t, n.ID)

	_, err = m.CreateNotification(ctx, Notification{UserID: "u1", GameUpdateID: "up1", Content: "hi"})
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.Len(t, m.Notifications(), 1)
}

func TestMemoryListSubscribersActiveOnly(t *testing.T) {
	m := NewMemoryRepository()
	m.Subscribe("u1", "g")
	m.Subscribe("u2", "other")

	subs, err := m.ListSubscribersOfGame(context.Background(), "g")
	require.NoError(t, err)
	assert.Equal(t, []Subscription{{UserID: "u1", GameID: "g", Active: true}}, subs)
}
