package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/roach88/realmindex/internal/deps"
	"github.com/roach88/realmindex/internal/index"
	"github.com/roach88/realmindex/internal/ir"
	"github.com/roach88/realmindex/internal/queue"
	"github.com/roach88/realmindex/internal/store"
)

// Publisher enqueues rebuild work. Both queue.Queue and
// queue.DurablePublisher satisfy it.
type Publisher interface {
	Publish(category string, arg any) (*queue.Job, error)
}

// RebuildArgs is the argument of a from-scratch job. An empty URLs list
// asks for a whole-realm rebuild.
type RebuildArgs struct {
	RealmURL string   `json:"realm_url"`
	Version  int64    `json:"version,omitempty"`
	URLs     []string `json:"urls,omitempty"`
}

// Invalidation is the outcome of one committed invalidation batch.
type Invalidation struct {
	RealmURL   string
	ChangedURL string

	// Version is the working generation the batch wrote into, or 0 when
	// nothing was written.
	Version int64

	Closure deps.Closure

	// Stubbed lists the URLs newly marked for rebuild by this batch. URLs
	// already stubbed by an earlier batch are not repeated.
	Stubbed []string

	Removed bool

	// Job is the rebuild job published for Stubbed, if any.
	Job *queue.Job
}

// InvalidateOption adjusts one Invalidate call.
type InvalidateOption func(*invalidateConfig)

type invalidateConfig struct {
	includeChanged bool
}

// IncludeChanged stubs the changed URL even when it has no stored entry,
// so a newly created file gets indexed.
func IncludeChanged() InvalidateOption {
	return func(c *invalidateConfig) {
		c.includeChanged = true
	}
}

// Invalidator propagates changes through the dependency graph.
type Invalidator struct {
	store     *store.Store
	publisher Publisher
	clock     index.Clock
	logger    *slog.Logger
}

// NewInvalidator creates an Invalidator. A nil publisher stubs without
// enqueuing rebuilds.
func NewInvalidator(s *store.Store, p Publisher, opts ...Option) *Invalidator {
	o := buildOptions(opts)
	return &Invalidator{store: s, publisher: p, clock: o.clock, logger: o.logger}
}

// Invalidate marks every transitive dependent of changedURL, and
// changedURL itself when it is stored, for rebuild in the realm's working
// generation, then publishes one from-scratch job for the newly stubbed
// URLs. The batch is all-or-nothing: when the job cannot be published the
// stubs are rolled back and the error returned, so a retry starts over.
//
// Repeating Invalidate with no intervening writes computes the same closure
// and changes nothing: URLs already stubbed are skipped and no job is
// published.
func (iv *Invalidator) Invalidate(ctx context.Context, changedURL, realmURL string, opts ...InvalidateOption) (Invalidation, error) {
	var cfg invalidateConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return iv.run(ctx, changedURL, realmURL, false, cfg.includeChanged)
}

// Remove soft-deletes url in the working generation and invalidates its
// dependents in the same batch.
func (iv *Invalidator) Remove(ctx context.Context, url, realmURL string) (Invalidation, error) {
	return iv.run(ctx, url, realmURL, true, false)
}

func (iv *Invalidator) run(ctx context.Context, changedURL, realmURL string, remove, includeChanged bool) (Invalidation, error) {
	changedURL = ir.NormalizeURL(changedURL)
	realmURL = ir.NormalizeURL(realmURL)
	if !ir.InRealm(realmURL, changedURL) {
		return Invalidation{}, index.NewOutsideRealmError(realmURL, changedURL)
	}

	var inv Invalidation
	err := iv.store.WithRealm(ctx, realmURL, func(tx *store.RealmTx) error {
		// Reset per attempt: a retried batch starts from the refreshed state.
		inv = Invalidation{RealmURL: realmURL, ChangedURL: changedURL, Removed: remove, Stubbed: []string{}}

		v, err := tx.Versions(ctx)
		if err != nil {
			return err
		}
		closure, err := deps.Compute(ctx, &deps.RealmSource{Tx: tx, Current: v.Current, Working: v.Working}, changedURL)
		if err != nil {
			return err
		}
		inv.Closure = closure

		now := iv.clock.NowMillis()
		targets := slices.DeleteFunc(slices.Clone(closure.URLs), func(u string) bool { return u == changedURL })

		switch {
		case remove:
			if inv.Version, err = index.TombstoneTx(ctx, tx, changedURL, now); err != nil {
				return err
			}
		case includeChanged:
			targets = append(targets, changedURL)
		default:
			stored, err := isStored(ctx, tx, changedURL)
			if err != nil {
				return err
			}
			if stored {
				targets = append(targets, changedURL)
			}
		}
		if len(targets) == 0 {
			return nil
		}
		slices.Sort(targets)

		w, err := tx.EnsureWorking(ctx)
		if err != nil {
			return err
		}
		inv.Version = w.Working
		inv.Stubbed, err = tx.Stub(ctx, targets, w.Working, now)
		return err
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			WriteConflicts.Inc()
			ie := index.NewWriteConflictError(realmURL, changedURL, err)
			ie.Details = conflictDetails(inv.Closure)
			return Invalidation{}, ie
		}
		return Invalidation{}, fmt.Errorf("invalidate %s: %w", changedURL, err)
	}

	kind := "change"
	if remove {
		kind = "remove"
	}
	Invalidations.WithLabelValues(kind).Inc()
	ClosureSize.Observe(float64(len(inv.Closure.URLs)))

	iv.logger.Info("invalidated",
		"realm", realmURL,
		"url", changedURL,
		"kind", kind,
		"version", inv.Version,
		"closure", len(inv.Closure.URLs),
		"stubbed", len(inv.Stubbed),
	)

	if len(inv.Stubbed) == 0 || iv.publisher == nil {
		return inv, nil
	}
	job, err := iv.publisher.Publish(CategoryFromScratch, RebuildArgs{
		RealmURL: realmURL,
		Version:  inv.Version,
		URLs:     inv.Stubbed,
	})
	if err != nil {
		err = fmt.Errorf("invalidate %s: publish rebuild: %w", changedURL, err)
		if rerr := iv.unstub(ctx, inv); rerr != nil {
			err = errors.Join(err, rerr)
		}
		return Invalidation{}, err
	}
	inv.Job = job
	return inv, nil
}

// unstub drops the stubs of an invalidation whose rebuild job could not be
// queued, so a retry stubs and publishes them again. A removal's tombstone
// stays.
func (iv *Invalidator) unstub(ctx context.Context, inv Invalidation) error {
	ctx = context.WithoutCancel(ctx)
	var dropped int64
	err := iv.store.WithRealm(ctx, inv.RealmURL, func(tx *store.RealmTx) error {
		var err error
		dropped, err = tx.DeleteStubs(ctx, inv.Stubbed, inv.Version)
		return err
	})
	if err != nil {
		iv.logger.Error("stub rollback failed",
			"realm", inv.RealmURL,
			"url", inv.ChangedURL,
			"version", inv.Version,
			"error", err,
		)
		return fmt.Errorf("invalidate %s: roll back stubs: %w", inv.ChangedURL, err)
	}
	iv.logger.Warn("rebuild not queued, stubs rolled back",
		"realm", inv.RealmURL,
		"url", inv.ChangedURL,
		"version", inv.Version,
		"dropped", dropped,
	)
	return nil
}

// isStored reports whether url has a live entry in either generation. A
// stale stub counts as stored.
func isStored(ctx context.Context, tx *store.RealmTx, url string) (bool, error) {
	for _, table := range []store.Table{store.Working, store.Production} {
		e, err := tx.Get(ctx, table, url)
		if err != nil {
			return false, err
		}
		if e == nil {
			continue
		}
		if table == store.Working && e.IsDeleted {
			return false, nil
		}
		return !e.IsDeleted, nil
	}
	return false, nil
}

func conflictDetails(c deps.Closure) map[string]string {
	details := map[string]string{
		"changed_url": c.Root,
		"closure":     strings.Join(c.URLs, ","),
	}
	if graph, err := ir.MarshalCanonical(c.Edges); err == nil {
		details["graph"] = string(graph)
	}
	return details
}
