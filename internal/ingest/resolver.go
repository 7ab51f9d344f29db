package ingest

import (
	"context"
	"errors"

	"patchwatch/pkg/store"
)

// GameFinder is the read side of the game catalog.
type GameFinder interface {
	FindGameByNameOrAlias(ctx context.Context, name string) (store.Game, error)
	FindGameByID(ctx context.Context, id string) (store.Game, error)
}

// Resolver maps a free-text game name to a catalog entry: exact canonical
// name first, then alias membership. Both are case-sensitive; there is no
// fuzzy matching here.
type Resolver struct {
	games GameFinder
}

func NewResolver(games GameFinder) *Resolver {
	return &Resolver{games: games}
}

// Resolve returns ErrGameNotFound when nothing matches. The hint is used as
// given; surrounding whitespace is not trimmed.
func (r *Resolver) Resolve(ctx context.Context, nameHint string) (store.Game, error) {
	if nameHint == "" {
		return store.Game{}, ErrGameNotFound
	}
	g, err := r.games.FindGameByNameOrAlias(ctx, nameHint)
	return r.result(g, err)
}

// ResolveID looks a game up by its id.
func (r *Resolver) ResolveID(ctx context.Context, id string) (store.Game, error) {
	g, err := r.games.FindGameByID(ctx, id)
	return r.result(g, err)
}

func (r *Resolver) result(g store.Game, err error) (store.Game, error) {
	switch {
	case err == nil:
		return g, nil
	case errors.Is(err, store.ErrNotFound):
		return store.Game{}, ErrGameNotFound
	default:
		return store.Game{}, storageError("resolve game", err)
	}
}
