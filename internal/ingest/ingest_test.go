package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"patchwatch/pkg/event"
	"patchwatch/pkg/logger"
	"patchwatch/pkg/parser"
	"patchwatch/pkg/store"
	"patchwatch/pkg/worker"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyRepo fails notification writes for chosen users and can take the
// whole store down.
type flakyRepo struct {
	*store.MemoryRepository
	failFor map[string]bool
	down    atomic.Bool
}

func newFlakyRepo() *flakyRepo {
	return &flakyRepo{MemoryRepository: store.NewMemoryRepository(), failFor: map[string]bool{}}
}

var errDiskFull = errors.New("disk full")

func (r *flakyRepo) CreateNotification(ctx context.Context, n store.Notification) (store.Notification, error) {
	if r.failFor[n.UserID] {
		return store.Notification{}, errDiskFull
	}
	return r.MemoryRepository.CreateNotification(ctx, n)
}

func (r *flakyRepo) UpsertGameUpdate(ctx context.Context, in store.UpdateInput) (store.GameUpdate, bool, error) {
	if r.down.Load() {
		return store.GameUpdate{}, false, errors.New("connection refused")
	}
	return r.MemoryRepository.UpsertGameUpdate(ctx, in)
}

func newPool(t *testing.T, size int) *worker.Pool {
	p := worker.NewPool(logger.NewNop(), size)
	p.Start(context.Background())
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	return p
}

func newProcessor(t *testing.T, repo store.Repository) *Processor {
	return NewProcessor(
		NewResolver(repo),
		NewUpdateStore(repo),
		NewFanout(repo, newPool(t, 4), logger.NewNop()),
		logger.NewNop(),
	)
}

func valorantSubmission() Submission {
	p := parser.Parse(parser.RawMessage{
		AuthorID: "bot",
		Embed: &parser.Embed{
			Title:       "Valorant Patch Notes 9.01",
			AuthorName:  "Valorant",
			Description: "BALANCE CHANGES:\n• Buffed agent X\nMAP UPDATES:\n• Fixed callout",
		},
	}, parser.NewOptions("bot"))
	return FromEvent(event.FromParsed(p, p.Timestamp))
}

func TestResolverPrecedence(t *testing.T) {
	repo := store.NewMemoryRepository()
	b := repo.AddGame(store.Game{Name: "Counter-Strike 2", Aliases: []string{"CS"}})
	a := repo.AddGame(store.Game{Name: "CS"})
	r := NewResolver(repo)

	got, err := r.Resolve(context.Background(), "CS")
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID, "exact name must win over alias")

	repo2 := store.NewMemoryRepository()
	repo2.AddGame(b)
	got, err = NewResolver(repo2).Resolve(context.Background(), "CS")
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.ID)

	_, err = NewResolver(repo2).Resolve(context.Background(), " CS ")
	assert.ErrorIs(t, err, ErrGameNotFound, "matching is exact")

	_, err = r.Resolve(context.Background(), "cs")
	assert.ErrorIs(t, err, ErrGameNotFound)
	_, err = r.Resolve(context.Background(), "")
	assert.ErrorIs(t, err, ErrGameNotFound)
	_, err = r.ResolveID(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrGameNotFound)
}

type brokenFinder struct{}

func (brokenFinder) FindGameByNameOrAlias(context.Context, string) (store.Game, error) {
	return store.Game{}, errors.New("timeout")
}
func (brokenFinder) FindGameByID(context.Context, string) (store.Game, error) {
	return store.Game{}, errors.New("timeout")
}

func TestResolverStorageFailureIsNotNotFound(t *testing.T) {
	_, err := NewResolver(brokenFinder{}).Resolve(context.Background(), "Valorant")
	assert.ErrorIs(t, err, ErrStorageUnavailable)
	assert.NotErrorIs(t, err, ErrGameNotFound)
	assert.False(t, IsRecoverable(err))
}

func TestUpdateStoreIdempotence(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("upserting the same update twice returns the same id", prop.ForAll(
		func(version, content string) bool {
			s := NewUpdateStore(store.NewMemoryRepository())
			a, createdA, errA := s.Upsert(context.Background(), "g1", version, content, UpdateMeta{})
			b, createdB, errB := s.Upsert(context.Background(), "g1", version, content, UpdateMeta{Title: "changed"})
			return errA == nil && errB == nil && createdA && !createdB && a.ID == b.ID
		},
		gen.OneConstOf("", "9.01", "  2.0 "),
		gen.Identifier(),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}

func TestUpdateStoreValidation(t *testing.T) {
	s := NewUpdateStore(store.NewMemoryRepository())
	_, _, err := s.Upsert(context.Background(), "", "1", "x", UpdateMeta{})
	assert.ErrorIs(t, err, ErrInvalidSubmission)
	_, _, err = s.Upsert(context.Background(), "g", "1", "   ", UpdateMeta{})
	assert.ErrorIs(t, err, ErrInvalidSubmission)
}

func TestFanoutIsolation(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("one failing subscriber does not block the others", prop.ForAll(
		func(n, k int) bool {
			k = k % n
			repo := newFlakyRepo()
			game := repo.AddGame(store.Game{Name: "Valorant"})
			for i := 0; i < n; i++ {
				repo.Subscribe(fmt.Sprintf("user-%d", i), game.ID)
			}
			failing := fmt.Sprintf("user-%d", k)
			repo.failFor[failing] = true

			update, _, _ := repo.UpsertGameUpdate(context.Background(), store.UpdateInput{GameID: game.ID, Content: "notes"})
			f := NewFanout(repo, newPool(t, 3), logger.NewNop())
			report, err := f.Notify(context.Background(), update, game)

			return err == nil &&
				report.Subscribers == n &&
				report.Created == n-1 &&
				assert.ObjectsAreEqual([]string{failing}, report.Failed) &&
				len(repo.Notifications()) == n-1
		},
		gen.IntRange(1, 30),
		gen.IntRange(0, 100),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}

func TestFanoutNoSubscribers(t *testing.T) {
	repo := store.NewMemoryRepository()
	game := repo.AddGame(store.Game{Name: "Valorant"})
	report, err := NewFanout(repo, newPool(t, 1), logger.NewNop()).Notify(context.Background(), store.GameUpdate{ID: "u"}, game)
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.Zero(t, report.Subscribers)
}

func TestFanoutClosedPoolFailsEverySubscriber(t *testing.T) {
	repo := store.NewMemoryRepository()
	game := repo.AddGame(store.Game{Name: "Valorant"})
	repo.Subscribe("a", game.ID)
	repo.Subscribe("b", game.ID)

	pool := worker.NewPool(logger.NewNop(), 1)
	pool.Start(context.Background())
	require.NoError(t, pool.Shutdown(context.Background()))

	report, err := NewFanout(repo, pool, logger.NewNop()).Notify(context.Background(), store.GameUpdate{ID: "u"}, game)
	require.ErrorIs(t, err, ErrFanoutInterrupted)
	assert.ErrorIs(t, err, worker.ErrPoolClosed)
	assert.Equal(t, []string{"a", "b"}, report.Failed)
}

// stallingRepo blocks notification writes until ctx ends, or panics.
type stallingRepo struct {
	*store.MemoryRepository
	panics bool
}

func (r *stallingRepo) CreateNotification(ctx context.Context, n store.Notification) (store.Notification, error) {
	if r.panics {
		panic("driver bug")
	}
	<-ctx.Done()
	return store.Notification{}, ctx.Err()
}

func TestFanoutDeadlineIsNotAcknowledged(t *testing.T) {
	repo := &stallingRepo{MemoryRepository: store.NewMemoryRepository()}
	game := repo.AddGame(store.Game{Name: "Valorant"})
	repo.Subscribe("a", game.ID)
	repo.Subscribe("b", game.ID)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := newProcessor(t, repo).Process(ctx, valorantSubmission())
	require.ErrorIs(t, err, ErrFanoutInterrupted)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, IsRecoverable(err))
	assert.Len(t, repo.Updates(), 1)
}

func TestFanoutPanickingWriteFailsOnlyThatSubscriber(t *testing.T) {
	repo := &stallingRepo{MemoryRepository: store.NewMemoryRepository(), panics: true}
	game := repo.AddGame(store.Game{Name: "Valorant"})
	repo.Subscribe("a", game.ID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	report, err := NewFanout(repo, newPool(t, 1), logger.NewNop()).Notify(ctx, store.GameUpdate{ID: "u"}, game)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, report.Failed)
}

func TestNotificationContent(t *testing.T) {
	v := "9.01"
	g := store.Game{Name: "Valorant"}
	assert.Equal(t, "New version of Valorant available: v9.01", NotificationContent(g, store.GameUpdate{Version: &v}))
	assert.Equal(t, "New version of Valorant available", NotificationContent(g, store.GameUpdate{}))
	assert.Equal(t, "notes", NotificationContent(g, store.GameUpdate{Content: "notes", Version: &v}))
}

func TestProcessGameNotFound(t *testing.T) {
	repo := store.NewMemoryRepository()
	_, err := newProcessor(t, repo).Process(context.Background(), valorantSubmission())

	assert.ErrorIs(t, err, ErrGameNotFound)
	assert.True(t, IsRecoverable(err))
	assert.Empty(t, repo.Updates())
	assert.Empty(t, repo.Notifications())
}

func TestProcessFansOutToEverySubscriber(t *testing.T) {
	repo := store.NewMemoryRepository()
	game := repo.AddGame(store.Game{Name: "Valorant"})
	for _, u := range []string{"alice", "bob", "carol"} {
		repo.Subscribe(u, game.ID)
	}

	res, err := newProcessor(t, repo).Process(context.Background(), valorantSubmission())
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, "9.01", res.Update.VersionString())
	assert.Equal(t, 3, res.Report.Created)

	notes := repo.Notifications()
	require.Len(t, notes, 3)
	for _, n := range notes {
		assert.Equal(t, res.Update.ID, n.GameUpdateID)
		assert.Equal(t, store.NotificationTypeUpdate, n.Type)
	}
}

func TestProcessRedeliveryIsIdempotent(t *testing.T) {
	repo := store.NewMemoryRepository()
	game := repo.AddGame(store.Game{Name: "Valorant"})
	for _, u := range []string{"alice", "bob", "carol"} {
		repo.Subscribe(u, game.ID)
	}
	p := newProcessor(t, repo)

	first, err := p.Process(context.Background(), valorantSubmission())
	require.NoError(t, err)
	second, err := p.Process(context.Background(), valorantSubmission())
	require.NoError(t, err)

	assert.Equal(t, first.Update.ID, second.Update.ID)
	assert.False(t, second.Created)
	assert.Equal(t, 3, second.Report.Skipped)
	assert.Len(t, repo.Updates(), 1)
	assert.Len(t, repo.Notifications(), 3)
}

func TestProcessRedeliveryCompletesPartialFanout(t *testing.T) {
	repo := newFlakyRepo()
	game := repo.AddGame(store.Game{Name: "Valorant"})
	repo.Subscribe("alice", game.ID)
	repo.Subscribe("bob", game.ID)
	repo.failFor["bob"] = true
	p := newProcessor(t, repo)

	first, err := p.Process(context.Background(), valorantSubmission())
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, first.Report.Failed)

	delete(repo.failFor, "bob")
	second, err := p.Process(context.Background(), valorantSubmission())
	require.NoError(t, err)
	assert.Equal(t, 1, second.Report.Created)
	assert.Equal(t, 1, second.Report.Skipped)
	assert.Len(t, repo.Notifications(), 2)
}

func TestProcessStorageUnavailable(t *testing.T) {
	repo := newFlakyRepo()
	repo.AddGame(store.Game{Name: "Valorant"})
	repo.down.Store(true)

	_, err := newProcessor(t, repo).Process(context.Background(), valorantSubmission())
	assert.ErrorIs(t, err, ErrStorageUnavailable)
	assert.False(t, IsRecoverable(err))
}

func TestProcessByGameID(t *testing.T) {
	repo := store.NewMemoryRepository()
	game := repo.AddGame(store.Game{Name: "Valorant"})

	res, err := newProcessor(t, repo).Process(context.Background(), Submission{GameID: game.ID, GameName: "ignored", Content: "hotfix"})
	require.NoError(t, err)
	assert.Equal(t, game.ID, res.Game.ID)
	assert.Nil(t, res.Update.Version)
}

func TestSubmissionValidate(t *testing.T) {
	assert.ErrorIs(t, Submission{Content: "x"}.Validate(), ErrInvalidSubmission)
	assert.ErrorIs(t, Submission{GameName: "Valorant"}.Validate(), ErrInvalidSubmission)
	assert.NoError(t, Submission{GameName: "Valorant", Content: "x"}.Validate())
}
