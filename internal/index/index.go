package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/roach88/realmindex/internal/ir"
	"github.com/roach88/realmindex/internal/store"
)

// DefaultCacheSize is the production read cache capacity.
const DefaultCacheSize = 1024

// ReadOptions selects which generation a read resolves against.
type ReadOptions struct {
	// WorkInProgress reads the open working generation, falling back to
	// production for URLs it has not touched.
	WorkInProgress bool
}

type cacheKey struct {
	realm   string
	url     string
	version int64
}

// Index is the Index Store facade over a store.Store.
type Index struct {
	store     *store.Store
	clock     Clock
	logger    *slog.Logger
	cache     *lru.Cache[cacheKey, ir.IndexEntry]
	cacheSize int
}

// Option configures an Index.
type Option func(*Index)

// WithClock sets the timestamp source.
func WithClock(c Clock) Option {
	return func(x *Index) {
		if c != nil {
			x.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(x *Index) {
		if l != nil {
			x.logger = l
		}
	}
}

// WithCacheSize sets the production read cache capacity. Zero or negative
// disables the cache.
func WithCacheSize(n int) Option {
	return func(x *Index) {
		x.cacheSize = n
	}
}

// New creates an Index over s.
func New(s *store.Store, opts ...Option) (*Index, error) {
	x := &Index{
		store:     s,
		clock:     WallClock{},
		logger:    slog.Default(),
		cacheSize: DefaultCacheSize,
	}
	for _, opt := range opts {
		opt(x)
	}
	if x.cacheSize > 0 {
		cache, err := lru.New[cacheKey, ir.IndexEntry](x.cacheSize)
		if err != nil {
			return nil, fmt.Errorf("create read cache: %w", err)
		}
		x.cache = cache
	}
	return x, nil
}

// Store returns the underlying store.
func (x *Index) Store() *store.Store {
	return x.store
}

// Clock returns the timestamp source.
func (x *Index) Clock() Clock {
	return x.clock
}

// Get returns the entry for url in realmURL, or nil when it is absent,
// soft-deleted, or (in the working generation) stubbed for rebuild.
//
// A default read serves the production generation. With WorkInProgress set,
// the working row wins when there is one and production is the fallback.
// After Remove the entry is gone from WorkInProgress reads at once and from
// default reads once the working generation is promoted.
//
// Returned entries may be shared with the read cache; callers must not
// mutate their maps or slices.
func (x *Index) Get(ctx context.Context, url, realmURL string, opts ReadOptions) (*ir.IndexEntry, error) {
	url = ir.NormalizeURL(url)
	realmURL = ir.NormalizeURL(realmURL)

	if opts.WorkInProgress {
		w, err := x.store.Get(ctx, store.Working, realmURL, url)
		if err != nil {
			return nil, fmt.Errorf("get %s: %w", url, err)
		}
		if w != nil {
			if w.IsDeleted || w.IsStale {
				return nil, nil
			}
			return w, nil
		}
	}
	return x.getProduction(ctx, url, realmURL)
}

func (x *Index) getProduction(ctx context.Context, url, realmURL string) (*ir.IndexEntry, error) {
	v, err := x.store.Versions(ctx, realmURL)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", url, err)
	}
	key := cacheKey{realm: realmURL, url: url, version: v.Current}
	if x.cache != nil {
		if e, ok := x.cache.Get(key); ok {
			return &e, nil
		}
	}

	p, err := x.store.Get(ctx, store.Production, realmURL, url)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", url, err)
	}
	if p == nil || p.IsDeleted {
		return nil, nil
	}
	if x.cache != nil && p.RealmVersion == v.Current {
		x.cache.Add(key, *p)
	}
	return p, nil
}

// Put writes entry into the realm's working generation, opening one when
// none is open, and returns the row as stored.
//
// An entry with RealmVersion set must target the open working generation;
// any other version fails with STALE_GENERATION. Put is idempotent: the same
// entry written twice leaves one row.
func (x *Index) Put(ctx context.Context, entry ir.IndexEntry) (ir.IndexEntry, error) {
	var stored ir.IndexEntry
	err := x.withRealm(ctx, entry.RealmURL, entry.URL, func(tx *store.RealmTx) error {
		var err error
		stored, err = PutTx(ctx, tx, entry, x.clock.NowMillis())
		return err
	})
	if err != nil {
		return ir.IndexEntry{}, err
	}
	x.logger.Debug("index put",
		"realm", stored.RealmURL,
		"url", stored.URL,
		"version", stored.RealmVersion,
		"has_error", stored.HasError,
	)
	return stored, nil
}

// Remove soft-deletes url in the realm's working generation. A Get with
// WorkInProgress returns nil for url from then on; a default Get keeps
// serving the production entry until the generation is promoted.
func (x *Index) Remove(ctx context.Context, url, realmURL string) error {
	realmURL = ir.NormalizeURL(realmURL)
	return x.withRealm(ctx, realmURL, url, func(tx *store.RealmTx) error {
		_, err := TombstoneTx(ctx, tx, url, x.clock.NowMillis())
		return err
	})
}

// QueryByDeps returns production rows of realmURL whose deps contain
// changedURL and whose realm version is version. Rows of superseded
// generations are never matched.
func (x *Index) QueryByDeps(ctx context.Context, realmURL, changedURL string, version int64) ([]ir.IndexEntry, error) {
	rows, err := x.store.QueryByDeps(ctx, store.Production, ir.NormalizeURL(realmURL), ir.NormalizeURL(changedURL), version)
	if err != nil {
		return nil, fmt.Errorf("query by deps: %w", err)
	}
	return rows, nil
}

// List returns the live entries of a realm in url order.
func (x *Index) List(ctx context.Context, realmURL string, opts ReadOptions) ([]ir.IndexEntry, error) {
	realmURL = ir.NormalizeURL(realmURL)
	prod, err := x.store.List(ctx, store.Production, realmURL)
	if err != nil {
		return nil, err
	}
	if !opts.WorkInProgress {
		return liveOnly(prod), nil
	}

	work, err := x.store.List(ctx, store.Working, realmURL)
	if err != nil {
		return nil, err
	}
	merged := make(map[string]ir.IndexEntry, len(prod)+len(work))
	order := make([]string, 0, len(prod)+len(work))
	for _, rows := range [][]ir.IndexEntry{prod, work} {
		for _, e := range rows {
			if _, seen := merged[e.URL]; !seen {
				order = append(order, e.URL)
			}
			merged[e.URL] = e
		}
	}
	sort.Strings(order)
	out := make([]ir.IndexEntry, 0, len(order))
	for _, u := range order {
		out = append(out, merged[u])
	}
	return liveOnly(out), nil
}

func liveOnly(rows []ir.IndexEntry) []ir.IndexEntry {
	out := make([]ir.IndexEntry, 0, len(rows))
	for _, e := range rows {
		if e.IsDeleted || e.IsStale {
			continue
		}
		out = append(out, e)
	}
	return out
}

// withRealm runs fn under the realm lock and maps lost races to
// WRITE_CONFLICT.
func (x *Index) withRealm(ctx context.Context, realmURL, url string, fn func(tx *store.RealmTx) error) error {
	err := x.store.WithRealm(ctx, ir.NormalizeURL(realmURL), fn)
	if errors.Is(err, store.ErrConflict) {
		return NewWriteConflictError(realmURL, url, err)
	}
	return err
}

// PutTx is Put inside an existing realm transaction.
func PutTx(ctx context.Context, tx *store.RealmTx, entry ir.IndexEntry, now int64) (ir.IndexEntry, error) {
	entry.Normalize()
	if err := entry.Validate(); err != nil {
		return ir.IndexEntry{}, err
	}
	if entry.RealmURL != tx.Realm() {
		return ir.IndexEntry{}, fmt.Errorf("put %s: entry realm %s does not match %s", entry.URL, entry.RealmURL, tx.Realm())
	}
	if !ir.InRealm(entry.RealmURL, entry.URL) {
		return ir.IndexEntry{}, NewOutsideRealmError(entry.RealmURL, entry.URL)
	}

	v, err := tx.EnsureWorking(ctx)
	if err != nil {
		return ir.IndexEntry{}, err
	}
	if entry.RealmVersion != 0 && entry.RealmVersion != v.Working {
		return ir.IndexEntry{}, NewStaleGenerationError(entry.RealmURL, entry.URL, entry.RealmVersion, v.Working)
	}

	entry.RealmVersion = v.Working
	entry.IsStale = false
	if entry.IndexedAt == 0 {
		entry.IndexedAt = now
	}
	if err := tx.Upsert(ctx, store.Working, entry); err != nil {
		return ir.IndexEntry{}, err
	}
	return entry, nil
}

// TombstoneTx writes a soft-delete marker for url into the working
// generation inside an existing realm transaction. Returns the generation
// written.
func TombstoneTx(ctx context.Context, tx *store.RealmTx, url string, now int64) (int64, error) {
	url = ir.NormalizeURL(url)
	v, err := tx.EnsureWorking(ctx)
	if err != nil {
		return 0, err
	}

	typ := ir.EntryTypeFor(url)
	for _, table := range []store.Table{store.Working, store.Production} {
		existing, err := tx.Get(ctx, table, url)
		if err != nil {
			return 0, err
		}
		if existing != nil {
			typ = existing.Type
			break
		}
	}

	tomb := ir.IndexEntry{
		URL:          url,
		RealmURL:     tx.Realm(),
		Type:         typ,
		RealmVersion: v.Working,
		Deps:         []string{},
		IndexedAt:    now,
		IsDeleted:    true,
	}
	if err := tx.Upsert(ctx, store.Working, tomb); err != nil {
		return 0, err
	}
	return v.Working, nil
}
