package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/realmindex/internal/index"
	"github.com/roach88/realmindex/internal/ir"
	"github.com/roach88/realmindex/internal/queue"
	"github.com/roach88/realmindex/internal/store"
	"github.com/roach88/realmindex/internal/testutil"
)

const testRealm = "http://test-realm/"

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingPublisher captures published rebuild jobs without running them.
type recordingPublisher struct {
	mu   sync.Mutex
	args []RebuildArgs
}

func (p *recordingPublisher) Publish(category string, arg any) (*queue.Job, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if category != CategoryFromScratch {
		return nil, errors.New("unexpected category " + category)
	}
	p.args = append(p.args, arg.(RebuildArgs))
	return nil, nil
}

func (p *recordingPublisher) published() []RebuildArgs {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]RebuildArgs(nil), p.args...)
}

// failingPublisher rejects every job.
type failingPublisher struct{}

func (failingPublisher) Publish(string, any) (*queue.Job, error) {
	return nil, errQueueUnavailable
}

var errQueueUnavailable = errors.New("queue unavailable")

// mapCompiler serves artifacts from a map. URLs missing from the map are
// not found; URLs in failures fail to compute.
type mapCompiler struct {
	mu        sync.Mutex
	artifacts map[string]ir.Artifact
	failures  map[string]error
	listErr   error
}

func newMapCompiler() *mapCompiler {
	return &mapCompiler{artifacts: map[string]ir.Artifact{}, failures: map[string]error{}}
}

func (c *mapCompiler) set(url string, a ir.Artifact) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.artifacts[url] = a
}

func (c *mapCompiler) fail(url string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[url] = err
}

func (c *mapCompiler) drop(url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.artifacts, url)
}

func (c *mapCompiler) Compile(ctx context.Context, realmURL, url string) (ir.Artifact, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err, ok := c.failures[url]; ok {
		return ir.Artifact{}, err
	}
	a, ok := c.artifacts[url]
	if !ok {
		return ir.Artifact{}, ErrNotFound
	}
	return a, nil
}

func (c *mapCompiler) URLs(ctx context.Context, realmURL string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listErr != nil {
		return nil, c.listErr
	}
	urls := make([]string, 0, len(c.artifacts)+len(c.failures))
	for u := range c.artifacts {
		urls = append(urls, u)
	}
	for u := range c.failures {
		if _, ok := c.artifacts[u]; !ok {
			urls = append(urls, u)
		}
	}
	sort.Strings(urls)
	return urls, nil
}

type fixture struct {
	store    *store.Store
	engine   *Engine
	pub      *recordingPublisher
	compiler *mapCompiler
	clock    *testutil.DeterministicClock
}

func newFixture(t *testing.T, storeOpts ...store.Option) *fixture {
	t.Helper()
	storeOpts = append([]store.Option{store.WithLogger(quietLogger())}, storeOpts...)
	s, err := store.Open(filepath.Join(t.TempDir(), "engine.db"), storeOpts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return newFixtureOn(t, s)
}

func newFixtureOn(t *testing.T, s *store.Store) *fixture {
	t.Helper()
	clock := testutil.NewDeterministicClock()
	x, err := index.New(s, index.WithClock(clock), index.WithLogger(quietLogger()))
	require.NoError(t, err)
	pub := &recordingPublisher{}
	compiler := newMapCompiler()
	return &fixture{
		store:    s,
		engine:   New(x, pub, compiler, WithLogger(quietLogger())),
		pub:      pub,
		compiler: compiler,
		clock:    clock,
	}
}

func u(path string) string {
	return testRealm + path
}

func instance(title string, deps ...string) ir.Artifact {
	return ir.Artifact{
		Type:        ir.EntryInstance,
		PristineDoc: ir.Doc{"title": title},
		SearchDoc:   ir.Doc{"title": title},
		Deps:        deps,
	}
}

func module(source string, deps ...string) ir.Artifact {
	return ir.Artifact{Type: ir.EntryModule, Source: source, Transpiled: source, Deps: deps}
}

// seed writes artifacts into the working generation and promotes it.
func (f *fixture) seed(t *testing.T, artifacts map[string]ir.Artifact) int64 {
	t.Helper()
	ctx := context.Background()
	var version int64
	for url, a := range artifacts {
		stored, err := f.engine.Index.Put(ctx, a.Entry(url, testRealm))
		require.NoError(t, err)
		version = stored.RealmVersion
	}
	_, err := f.engine.Generations.Promote(ctx, testRealm, version)
	require.NoError(t, err)
	return version
}

// bump opens and promotes an empty generation.
func (f *fixture) bump(t *testing.T) int64 {
	t.Helper()
	ctx := context.Background()
	v, err := f.engine.Generations.CreateGeneration(ctx, testRealm)
	require.NoError(t, err)
	_, err = f.engine.Generations.Promote(ctx, testRealm, v)
	require.NoError(t, err)
	return v
}

func (f *fixture) get(t *testing.T, url string, wip bool) *ir.IndexEntry {
	t.Helper()
	e, err := f.engine.Index.Get(context.Background(), url, testRealm, index.ReadOptions{WorkInProgress: wip})
	require.NoError(t, err)
	return e
}

func (f *fixture) working(t *testing.T, url string) *ir.IndexEntry {
	t.Helper()
	e, err := f.store.Get(context.Background(), store.Working, testRealm, url)
	require.NoError(t, err)
	return e
}

var errSimulatedConflict = errors.New("simulated serialization failure")

// conflictingAdapter runs every realm transaction to completion and then
// fails it with a conflict, so the batch always rolls back.
type conflictingAdapter struct {
	*store.SQLiteAdapter
}

func (a conflictingAdapter) RealmTransaction(ctx context.Context, realmURL string, fn func(q store.Querier) error) error {
	return a.SQLiteAdapter.RealmTransaction(ctx, realmURL, func(q store.Querier) error {
		if err := fn(q); err != nil {
			return err
		}
		return errSimulatedConflict
	})
}

func (a conflictingAdapter) IsConflict(err error) bool {
	return errors.Is(err, errSimulatedConflict) || a.SQLiteAdapter.IsConflict(err)
}

func newConflictingStore(t *testing.T) *store.Store {
	t.Helper()
	a, err := store.OpenSQLite(filepath.Join(t.TempDir(), "conflict.db"))
	require.NoError(t, err)
	s := store.New(conflictingAdapter{a}, store.WithRetry(3, time.Millisecond), store.WithLogger(quietLogger()))
	t.Cleanup(func() { s.Close() })
	return s
}
