package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/realmindex/internal/index"
	"github.com/roach88/realmindex/internal/ir"
	"github.com/roach88/realmindex/internal/store"
)

// Generations owns the per-realm version counter.
type Generations struct {
	store  *store.Store
	clock  index.Clock
	logger *slog.Logger
}

// NewGenerations creates a generation manager over s.
func NewGenerations(s *store.Store, opts ...Option) *Generations {
	o := buildOptions(opts)
	return &Generations{store: s, clock: o.clock, logger: o.logger}
}

// GenerationOption adjusts CreateGeneration.
type GenerationOption func(*generationConfig)

type generationConfig struct {
	fromScratch bool
}

// FromScratch starts the generation with a tombstone for every live
// production URL. URLs the pass rebuilds overwrite their tombstone; the rest
// are promoted as deletions.
func FromScratch() GenerationOption {
	return func(c *generationConfig) {
		c.fromScratch = true
	}
}

// RealmInfo summarizes a realm's generations.
type RealmInfo struct {
	ir.RealmVersions
	ProductionRows int64 `json:"production_rows"`
	WorkingRows    int64 `json:"working_rows"`
}

// CreateGeneration opens a new working generation for realmURL and returns
// its version. The version is above every version ever allocated and every
// version left in the working table.
//
// A generation that supersedes an open one carries its pending rows
// forward, unless it is from scratch, in which case they are discarded.
func (g *Generations) CreateGeneration(ctx context.Context, realmURL string, opts ...GenerationOption) (int64, error) {
	var cfg generationConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	realmURL = ir.NormalizeURL(realmURL)

	var version, seeded int64
	err := g.withRealm(ctx, realmURL, func(tx *store.RealmTx) error {
		v, err := tx.Versions(ctx)
		if err != nil {
			return err
		}
		next, err := tx.NextVersion(ctx, v)
		if err != nil {
			return err
		}
		v.Working = next
		v.Allocated = next
		if err := tx.SaveVersions(ctx, v); err != nil {
			return err
		}

		if cfg.fromScratch {
			if _, err := tx.DeleteWorkingBelow(ctx, next); err != nil {
				return err
			}
			if seeded, err = tx.SeedTombstones(ctx, next, g.clock.NowMillis()); err != nil {
				return err
			}
		} else if _, err := tx.RetagWorking(ctx, next); err != nil {
			return err
		}
		version = next
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("create generation for %s: %w", realmURL, err)
	}
	g.logger.Info("generation created",
		"realm", realmURL,
		"version", version,
		"from_scratch", cfg.fromScratch,
		"tombstones", seeded,
	)
	return version, nil
}

// Promote makes the working generation version the realm's production
// generation. The whole promotion commits in one realm transaction, so a
// reader sees either the old generation or the new one.
//
// Stubs still waiting for a rebuild are not promoted. They are carried into
// a new working generation, reported in the result's Pending and
// NextWorking, so their invalidation survives the promotion.
func (g *Generations) Promote(ctx context.Context, realmURL string, version int64) (store.PromoteResult, error) {
	realmURL = ir.NormalizeURL(realmURL)
	var r store.PromoteResult
	err := g.withRealm(ctx, realmURL, func(tx *store.RealmTx) error {
		v, err := g.openGeneration(ctx, tx, version)
		if err != nil {
			return err
		}
		if r, err = tx.Promote(ctx, version); err != nil {
			return err
		}
		v.Current = version
		v.Working = 0
		if len(r.Pending) > 0 {
			next, err := tx.NextVersion(ctx, v)
			if err != nil {
				return err
			}
			if _, err := tx.RetagWorking(ctx, next); err != nil {
				return err
			}
			v.Working = next
			v.Allocated = next
			r.NextWorking = next
		}
		return tx.SaveVersions(ctx, v)
	})
	if err != nil {
		return r, fmt.Errorf("promote %s@%d: %w", realmURL, version, err)
	}
	Promotions.Inc()
	g.logger.Info("generation promoted",
		"realm", realmURL,
		"version", version,
		"upserted", r.Upserted,
		"purged", r.Purged,
		"retagged", r.Retagged,
	)
	if len(r.Pending) > 0 {
		g.logger.Warn("promoted with pending rebuilds",
			"realm", realmURL,
			"version", version,
			"pending", len(r.Pending),
			"next_working", r.NextWorking,
		)
	}
	return r, nil
}

// Abandon discards the working generation version. Production is not
// touched and the version is never reused.
func (g *Generations) Abandon(ctx context.Context, realmURL string, version int64) error {
	realmURL = ir.NormalizeURL(realmURL)
	var dropped int64
	err := g.withRealm(ctx, realmURL, func(tx *store.RealmTx) error {
		v, err := g.openGeneration(ctx, tx, version)
		if err != nil {
			return err
		}
		if dropped, err = tx.DeleteWorkingAt(ctx, version); err != nil {
			return err
		}
		v.Working = 0
		return tx.SaveVersions(ctx, v)
	})
	if err != nil {
		return fmt.Errorf("abandon %s@%d: %w", realmURL, version, err)
	}
	g.logger.Info("generation abandoned", "realm", realmURL, "version", version, "dropped", dropped)
	return nil
}

// Info reports the realm's versions and row counts.
func (g *Generations) Info(ctx context.Context, realmURL string) (RealmInfo, error) {
	realmURL = ir.NormalizeURL(realmURL)
	v, err := g.store.Versions(ctx, realmURL)
	if err != nil {
		return RealmInfo{}, err
	}
	prod, work, err := g.store.Counts(ctx, realmURL)
	if err != nil {
		return RealmInfo{}, err
	}
	return RealmInfo{RealmVersions: v, ProductionRows: prod, WorkingRows: work}, nil
}

func (g *Generations) openGeneration(ctx context.Context, tx *store.RealmTx, version int64) (ir.RealmVersions, error) {
	v, err := tx.Versions(ctx)
	if err != nil {
		return v, err
	}
	if !v.HasWorking() {
		return v, store.ErrNoGeneration
	}
	if v.Working != version {
		return v, index.NewStaleGenerationError(tx.Realm(), "", version, v.Working)
	}
	return v, nil
}

func (g *Generations) withRealm(ctx context.Context, realmURL string, fn func(tx *store.RealmTx) error) error {
	err := g.store.WithRealm(ctx, realmURL, fn)
	if errors.Is(err, store.ErrConflict) {
		WriteConflicts.Inc()
		return index.NewWriteConflictError(realmURL, "", err)
	}
	return err
}
