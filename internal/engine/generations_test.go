package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/realmindex/internal/index"
	"github.com/roach88/realmindex/internal/ir"
	"github.com/roach88/realmindex/internal/store"
)

func TestCreateGenerationIsMonotonic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := f.engine.Generations

	v1, err := g.CreateGeneration(ctx, testRealm)
	require.NoError(t, err)
	require.NoError(t, g.Abandon(ctx, testRealm, v1))

	v2, err := g.CreateGeneration(ctx, testRealm)
	require.NoError(t, err)
	assert.Greater(t, v2, v1, "abandoned versions are not reused")

	v3, err := g.CreateGeneration(ctx, testRealm)
	require.NoError(t, err)
	assert.Greater(t, v3, v2)

	info, err := g.Info(ctx, testRealm)
	require.NoError(t, err)
	assert.Equal(t, v3, info.Working)
	assert.Equal(t, v3, info.Allocated)
	assert.Zero(t, info.Current)
}

func TestCreateGenerationCarriesPendingRows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := u("a.json")

	stored, err := f.engine.Index.Put(ctx, instance("a").Entry(a, testRealm))
	require.NoError(t, err)

	next, err := f.engine.Generations.CreateGeneration(ctx, testRealm)
	require.NoError(t, err)
	assert.Greater(t, next, stored.RealmVersion)

	row := f.working(t, a)
	require.NotNil(t, row)
	assert.Equal(t, next, row.RealmVersion)
}

func TestFromScratchGenerationSeedsTombstones(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, b := u("a.json"), u("b.json")
	f.seed(t, map[string]ir.Artifact{a: instance("a"), b: instance("b")})

	pending, err := f.engine.Index.Put(ctx, instance("pending").Entry(u("c.json"), testRealm))
	require.NoError(t, err)

	v, err := f.engine.Generations.CreateGeneration(ctx, testRealm, FromScratch())
	require.NoError(t, err)
	assert.Greater(t, v, pending.RealmVersion)
	assert.Nil(t, f.working(t, u("c.json")), "superseded working rows are discarded")

	for _, url := range []string{a, b} {
		tomb := f.working(t, url)
		require.NotNil(t, tomb, url)
		assert.True(t, tomb.IsDeleted)
		assert.Equal(t, v, tomb.RealmVersion)
	}
	assert.NotNil(t, f.get(t, a, false), "production is untouched until promotion")
}

func TestPromoteRejectsWrongVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := f.engine.Generations

	_, err := g.Promote(ctx, testRealm, 1)
	assert.ErrorIs(t, err, store.ErrNoGeneration)

	v, err := g.CreateGeneration(ctx, testRealm)
	require.NoError(t, err)
	_, err = g.Promote(ctx, testRealm, v+1)
	assert.True(t, index.IsStaleGeneration(err))
	assert.True(t, index.IsStaleGeneration(g.Abandon(ctx, testRealm, v+1)))

	_, err = g.Promote(ctx, testRealm, v)
	require.NoError(t, err)
	info, err := g.Info(ctx, testRealm)
	require.NoError(t, err)
	assert.Equal(t, v, info.Current)
	assert.False(t, info.HasWorking())
}

func TestPromoteIsAtomicForReaders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, b := u("a.json"), u("b.json")
	f.seed(t, map[string]ir.Artifact{a: instance("a1"), b: instance("b1")})

	for url, title := range map[string]string{a: "a2", b: "b2"} {
		_, err := f.engine.Index.Put(ctx, instance(title).Entry(url, testRealm))
		require.NoError(t, err)
	}
	assert.Equal(t, "a1", f.get(t, a, false).PristineDoc["title"])
	assert.Equal(t, "b1", f.get(t, b, false).PristineDoc["title"])

	info, err := f.engine.Generations.Info(ctx, testRealm)
	require.NoError(t, err)
	r, err := f.engine.Generations.Promote(ctx, testRealm, info.Working)
	require.NoError(t, err)
	assert.Equal(t, int64(2), r.Upserted)

	assert.Equal(t, "a2", f.get(t, a, false).PristineDoc["title"])
	assert.Equal(t, "b2", f.get(t, b, false).PristineDoc["title"])
}

func TestAbandonLeavesProductionAlone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := u("a.json")
	f.seed(t, map[string]ir.Artifact{a: instance("a1")})

	stored, err := f.engine.Index.Put(ctx, instance("a2").Entry(a, testRealm))
	require.NoError(t, err)
	require.NoError(t, f.engine.Generations.Abandon(ctx, testRealm, stored.RealmVersion))

	assert.Nil(t, f.working(t, a))
	assert.Equal(t, "a1", f.get(t, a, false).PristineDoc["title"])
	assert.Equal(t, "a1", f.get(t, a, true).PristineDoc["title"], "working reads fall back to production")

	info, err := f.engine.Generations.Info(ctx, testRealm)
	require.NoError(t, err)
	assert.Equal(t, int64(1), info.ProductionRows)
	assert.Zero(t, info.WorkingRows)
}

func TestPromoteCarriesUnrebuiltStubs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m, a, b := u("m.gts"), u("a.json"), u("b.json")
	f.seed(t, map[string]ir.Artifact{m: module("m1"), a: instance("a1", m)})

	inv, err := f.engine.Invalidator.Invalidate(ctx, m, testRealm)
	require.NoError(t, err)
	_, err = f.engine.Index.Put(ctx, instance("b1").Entry(b, testRealm))
	require.NoError(t, err)

	r, err := f.engine.Generations.Promote(ctx, testRealm, inv.Version)
	require.NoError(t, err)
	assert.Equal(t, int64(1), r.Upserted)
	assert.Equal(t, []string{a, m}, r.Pending)
	assert.Equal(t, inv.Version+1, r.NextWorking)

	stub := f.working(t, a)
	require.NotNil(t, stub, "the invalidation outlives the promotion")
	assert.True(t, stub.IsStale)
	assert.Equal(t, r.NextWorking, stub.RealmVersion)
	assert.Equal(t, "a1", f.get(t, a, false).PristineDoc["title"])
	assert.Equal(t, "b1", f.get(t, b, false).PristineDoc["title"])

	info, err := f.engine.Generations.Info(ctx, testRealm)
	require.NoError(t, err)
	assert.Equal(t, inv.Version, info.Current)
	assert.Equal(t, r.NextWorking, info.Working)
	assert.Equal(t, int64(2), info.WorkingRows)

	// The job queued before the promotion still lands in the new generation.
	f.compiler.set(m, module("m2"))
	f.compiler.set(a, instance("a2", m))
	_, err = f.engine.Indexer.HandleFromScratch(ctx, f.pub.published()[0])
	require.NoError(t, err)

	r, err = f.engine.Generations.Promote(ctx, testRealm, r.NextWorking)
	require.NoError(t, err)
	assert.Empty(t, r.Pending)
	assert.Zero(t, r.NextWorking)
	assert.Equal(t, "a2", f.get(t, a, false).PristineDoc["title"])

	info, err = f.engine.Generations.Info(ctx, testRealm)
	require.NoError(t, err)
	assert.False(t, info.HasWorking())
	assert.Zero(t, info.WorkingRows)
}
