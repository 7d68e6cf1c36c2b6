package deps

import (
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/realmindex/internal/ir"
)

const realm = "http://test-realm/"

// graph is an in-memory Source: url -> deps.
type graph map[string][]string

func (g graph) Dependents(ctx context.Context, key string) ([]ir.IndexEntry, error) {
	urls := make([]string, 0)
	for u, deps := range g {
		for _, d := range deps {
			if d == key {
				urls = append(urls, u)
				break
			}
		}
	}
	sort.Strings(urls)
	out := make([]ir.IndexEntry, 0, len(urls))
	for _, u := range urls {
		out = append(out, ir.IndexEntry{URL: u, RealmURL: realm, Deps: g[u]})
	}
	return out, nil
}

func TestComputeNoDependents(t *testing.T) {
	c, err := Compute(context.Background(), graph{}, realm+"m")
	require.NoError(t, err)
	assert.True(t, c.Empty())
	assert.Equal(t, realm+"m", c.Root)
	assert.Empty(t, c.Edges)
}

func TestComputeTransitiveChain(t *testing.T) {
	g := graph{
		realm + "a.json": {realm + "b"},
		realm + "b.gts":  {realm + "c"},
		realm + "c.gts":  {},
		realm + "x.json": {realm + "y"},
	}

	c, err := Compute(context.Background(), g, realm+"c.gts")
	require.NoError(t, err)
	assert.Equal(t, []string{realm + "a.json", realm + "b.gts"}, c.URLs)
	assert.Equal(t, []string{realm + "b.gts"}, c.Edges[realm+"c.gts"])
	assert.Equal(t, []string{realm + "a.json"}, c.Edges[realm+"b.gts"])
	assert.False(t, c.Contains(realm+"x.json"))
}

func TestComputeMatchesURLAndAlias(t *testing.T) {
	g := graph{
		realm + "by-alias.json": {realm + "person"},
		realm + "by-url.json":   {realm + "person.gts"},
	}
	c, err := Compute(context.Background(), g, realm+"person.gts")
	require.NoError(t, err)
	assert.Equal(t, []string{realm + "by-alias.json", realm + "by-url.json"}, c.URLs)
}

func TestComputeTerminatesOnCycles(t *testing.T) {
	g := graph{
		realm + "a.gts": {realm + "b"},
		realm + "b.gts": {realm + "a"},
	}
	c, err := Compute(context.Background(), g, realm+"a.gts")
	require.NoError(t, err)
	assert.Equal(t, []string{realm + "a.gts", realm + "b.gts"}, c.URLs)
}

func TestComputeSelfDependency(t *testing.T) {
	g := graph{realm + "a.json": {realm + "a.json"}}
	c, err := Compute(context.Background(), g, realm+"a.json")
	require.NoError(t, err)
	assert.Equal(t, []string{realm + "a.json"}, c.URLs)
}

func TestComputeDiamondVisitsOnce(t *testing.T) {
	calls := map[string]int{}
	g := graph{
		realm + "l.gts":    {realm + "root"},
		realm + "r.gts":    {realm + "root"},
		realm + "leaf.gts": {realm + "l", realm + "r"},
	}
	src := SourceFunc(func(ctx context.Context, key string) ([]ir.IndexEntry, error) {
		calls[key]++
		return g.Dependents(ctx, key)
	})

	c, err := Compute(context.Background(), src, realm+"root.gts")
	require.NoError(t, err)
	assert.Equal(t, []string{realm + "l.gts", realm + "leaf.gts", realm + "r.gts"}, c.URLs)
	for key, n := range calls {
		assert.Equal(t, 1, n, "key %s queried more than once", key)
	}
}

func TestComputeIsDeterministic(t *testing.T) {
	g := graph{
		realm + "a.json": {realm + "m"},
		realm + "b.json": {realm + "m"},
		realm + "c.gts":  {realm + "m"},
		realm + "d.json": {realm + "c"},
	}
	first, err := Compute(context.Background(), g, realm+"m")
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := Compute(context.Background(), g, realm+"m")
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestComputePropagatesSourceErrors(t *testing.T) {
	src := SourceFunc(func(ctx context.Context, key string) ([]ir.IndexEntry, error) {
		return nil, assert.AnError
	})
	_, err := Compute(context.Background(), src, realm+"m")
	assert.ErrorIs(t, err, assert.AnError)
}

func TestComputeHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Compute(ctx, graph{}, realm+"m")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMerge(t *testing.T) {
	a := Closure{URLs: []string{realm + "a", realm + "c"}}
	b := Closure{URLs: []string{realm + "b", realm + "c"}}
	assert.Equal(t, []string{realm + "a", realm + "b", realm + "c"}, Merge(a, b))
	assert.Equal(t, []string{}, Merge())
}
