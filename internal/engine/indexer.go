package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/realmindex/internal/index"
	"github.com/roach88/realmindex/internal/ir"
	"github.com/roach88/realmindex/internal/queue"
	"github.com/roach88/realmindex/internal/store"
)

// Registrar attaches queue handlers. Both queue.Queue and queue.Runner
// satisfy it.
type Registrar interface {
	Register(category string, h queue.Handler) error
}

// Indexer runs rebuild jobs: it asks the Compiler for artifacts and writes
// them into the working generation.
type Indexer struct {
	index       *index.Index
	generations *Generations
	compiler    Compiler
	logger      *slog.Logger
}

// NewIndexer creates an Indexer.
func NewIndexer(x *index.Index, g *Generations, c Compiler, opts ...Option) *Indexer {
	o := buildOptions(opts)
	return &Indexer{index: x, generations: g, compiler: c, logger: o.logger}
}

// Register attaches HandleFromScratch to the from-scratch category.
func (ix *Indexer) Register(r Registrar) error {
	return r.Register(CategoryFromScratch, queue.Typed(ix.HandleFromScratch))
}

// HandleFromScratch rebuilds the URLs named in args into the realm's
// working generation, or the whole realm when args names none.
func (ix *Indexer) HandleFromScratch(ctx context.Context, args RebuildArgs) (ir.Stats, error) {
	realmURL := ir.NormalizeURL(args.RealmURL)
	if realmURL == "" {
		return ir.Stats{}, fmt.Errorf("from-scratch: realm url is required")
	}
	if len(args.URLs) == 0 {
		return ix.RebuildRealm(ctx, realmURL)
	}
	return ix.RebuildURLs(ctx, realmURL, args.URLs)
}

// RebuildURLs recomputes each url and writes it into the open working
// generation.
func (ix *Indexer) RebuildURLs(ctx context.Context, realmURL string, urls []string) (ir.Stats, error) {
	var stats ir.Stats
	for _, u := range urls {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		entry, found, err := ix.compute(ctx, realmURL, u)
		if err != nil {
			return stats, err
		}
		if !found {
			if err := ix.index.Remove(ctx, u, realmURL); err != nil {
				return stats, fmt.Errorf("rebuild %s: %w", u, err)
			}
			continue
		}
		stored, err := ix.index.Put(ctx, entry)
		if err != nil {
			return stats, fmt.Errorf("rebuild %s: %w", u, err)
		}
		ix.record(&stats, stored)
	}
	ix.logger.Info("rebuilt urls",
		"realm", realmURL,
		"urls", len(urls),
		"entries", stats.TotalIndexEntries,
	)
	return stats, nil
}

// RebuildRealm runs a from-scratch pass: it opens a from-scratch
// generation, writes every URL the compiler lists, and promotes it. A
// failed pass abandons its generation and leaves production untouched.
func (ix *Indexer) RebuildRealm(ctx context.Context, realmURL string) (ir.Stats, error) {
	version, err := ix.generations.CreateGeneration(ctx, realmURL, FromScratch())
	if err != nil {
		return ir.Stats{}, err
	}
	stats, err := ix.fillGeneration(ctx, realmURL, version)
	if err != nil {
		ix.abandon(ctx, realmURL, version, err)
		return stats, err
	}
	if _, err := ix.generations.Promote(ctx, realmURL, version); err != nil {
		ix.abandon(ctx, realmURL, version, err)
		return stats, err
	}
	ix.logger.Info("realm rebuilt",
		"realm", realmURL,
		"version", version,
		"instances", stats.InstancesIndexed,
		"modules", stats.ModulesIndexed,
		"files", stats.FilesIndexed,
		"instance_errors", stats.InstanceErrors,
		"module_errors", stats.ModuleErrors,
	)
	return stats, nil
}

func (ix *Indexer) fillGeneration(ctx context.Context, realmURL string, version int64) (ir.Stats, error) {
	var stats ir.Stats
	urls, err := ix.compiler.URLs(ctx, realmURL)
	if err != nil {
		return stats, fmt.Errorf("list %s: %w", realmURL, err)
	}
	for _, u := range urls {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		entry, found, err := ix.compute(ctx, realmURL, u)
		if err != nil {
			return stats, err
		}
		if !found {
			// The seeded tombstone stands.
			continue
		}
		entry.RealmVersion = version
		stored, err := ix.index.Put(ctx, entry)
		if err != nil {
			return stats, fmt.Errorf("rebuild %s@%d: %w", u, version, err)
		}
		ix.record(&stats, stored)
	}
	return stats, nil
}

// compute asks the compiler for url. A compute failure becomes an entry
// carrying an error doc; only cancellation is returned as an error.
func (ix *Indexer) compute(ctx context.Context, realmURL, url string) (ir.IndexEntry, bool, error) {
	art, err := ix.compiler.Compile(ctx, realmURL, url)
	switch {
	case errors.Is(err, ErrNotFound):
		return ir.IndexEntry{}, false, nil
	case err != nil:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ir.IndexEntry{}, false, ctxErr
		}
		ix.logger.Warn("compute failed",
			"realm", realmURL,
			"url", url,
			"code", index.ErrCodeComputeError,
			"error", err,
		)
		art = errorArtifact(url, err)
	}
	return art.Entry(url, realmURL), true, nil
}

func (ix *Indexer) record(stats *ir.Stats, e ir.IndexEntry) {
	stats.Record(e)
	outcome := "ok"
	if e.HasError {
		outcome = "error"
	}
	EntriesIndexed.WithLabelValues(string(e.Type), outcome).Inc()
}

func (ix *Indexer) abandon(ctx context.Context, realmURL string, version int64, cause error) {
	err := ix.generations.Abandon(context.WithoutCancel(ctx), realmURL, version)
	switch {
	case err == nil:
		ix.logger.Warn("from-scratch pass abandoned", "realm", realmURL, "version", version, "error", cause)
	case index.IsStaleGeneration(err), errors.Is(err, store.ErrNoGeneration):
		ix.logger.Debug("from-scratch generation already superseded", "realm", realmURL, "version", version)
	default:
		ix.logger.Error("abandon failed", "realm", realmURL, "version", version, "error", err)
	}
}
