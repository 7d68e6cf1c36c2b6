package deps

import (
	"context"

	"github.com/roach88/realmindex/internal/ir"
	"github.com/roach88/realmindex/internal/store"
)

// RealmSource resolves dependents inside a realm transaction.
//
// It reads production rows at the current version and, when a working
// generation is open, the working rows of that generation, so entries
// already rebuilt into the working generation with new deps are reached
// too. Stale stubs carry no deps and are never matched.
type RealmSource struct {
	Tx      *store.RealmTx
	Current int64
	Working int64
}

var _ Source = (*RealmSource)(nil)

func (s *RealmSource) Dependents(ctx context.Context, key string) ([]ir.IndexEntry, error) {
	out, err := s.Tx.QueryByDeps(ctx, store.Production, key, s.Current)
	if err != nil {
		return nil, err
	}
	if s.Working == 0 {
		return out, nil
	}
	working, err := s.Tx.QueryByDeps(ctx, store.Working, key, s.Working)
	if err != nil {
		return nil, err
	}
	return append(out, working...), nil
}
