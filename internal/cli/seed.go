package cli

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/realmindex/internal/engine"
	"github.com/roach88/realmindex/internal/ir"
	"github.com/roach88/realmindex/internal/manifest"
	"github.com/roach88/realmindex/internal/queue"
	"github.com/roach88/realmindex/internal/watch"
)

// SeedOptions holds flags for the seed command.
type SeedOptions struct {
	*RootOptions
	Watch bool
}

// seedResult is the JSON shape of one seeded realm.
type seedResult struct {
	RealmURL string   `json:"realm_url"`
	Version  int64    `json:"version"`
	Stats    ir.Stats `json:"stats"`
}

// NewSeedCommand creates the seed command.
func NewSeedCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SeedOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "seed <manifest-dir>...",
		Short: "Index realms declared by CUE manifests",
		Long: `Rebuild each manifest's realm from scratch and promote it.

With --watch, keep running: when a manifest changes, the URLs whose
declaration changed are invalidated, the rebuild runs in process, and the
working generation is promoted.

Examples:
  realmindex seed ./realms/catalog
  realmindex seed ./realms/catalog --watch`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSeed(cmd, opts, args)
		},
	}

	cmd.Flags().BoolVar(&opts.Watch, "watch", false, "re-sync realms when their manifests change")

	return cmd
}

func runSeed(cmd *cobra.Command, opts *SeedOptions, dirs []string) error {
	out := opts.formatter(cmd)
	compilers, err := loadManifests(dirs)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load manifests", err)
	}

	q, err := inProcessQueue(opts.Config, opts.Logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start queue", err)
	}
	defer q.Destroy()

	a, err := openApp(opts.RootOptions, q, compilers)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.engine.Indexer.Register(q); err != nil {
		return WrapExitError(ExitCommandError, "failed to register handlers", err)
	}

	ctx := cmd.Context()
	results := make([]seedResult, 0, len(compilers))
	var lines []string
	for _, realm := range compilers.Realms() {
		stats, err := a.engine.Indexer.RebuildRealm(ctx, realm)
		if err != nil {
			return out.Fail(ExitFailure, fmt.Sprintf("seed %s failed", realm), err)
		}
		v, err := a.store.Versions(ctx, realm)
		if err != nil {
			return out.Fail(ExitFailure, "read versions failed", err)
		}
		results = append(results, seedResult{RealmURL: realm, Version: v.Current, Stats: stats})
		lines = append(lines, fmt.Sprintf("%s  version=%d entries=%d errors=%d",
			realm, v.Current, stats.TotalIndexEntries, stats.InstanceErrors+stats.ModuleErrors))
	}
	if err := out.Success(strings.Join(lines, "\n"), results); err != nil {
		return err
	}
	if !opts.Watch {
		return nil
	}

	ctx, cancel := signalContext(ctx, a.logger)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	for _, dir := range dirs {
		m, err := manifest.Load(dir)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to load manifest", err)
		}
		c := compilers[m.RealmURL]
		h := watch.HandlerFunc(func(ctx context.Context, _ watch.Event) error {
			_, err := syncManifest(ctx, a.engine, c, dir, a.logger)
			return err
		})
		w, err := watch.New(dir, m.RealmURL, h, watch.WithLogger(a.logger))
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to create watcher", err)
		}
		g.Go(func() error { return w.Run(ctx) })
	}
	if err := g.Wait(); err != nil {
		return WrapExitError(ExitFailure, "watch failed", err)
	}
	return nil
}

// syncManifest reloads the manifest in dir, invalidates what changed,
// waits for the rebuilds and promotes the working generation. It returns
// the promoted version, or 0 when nothing changed.
func syncManifest(ctx context.Context, e *engine.Engine, c *manifest.Compiler, dir string, logger *slog.Logger) (int64, error) {
	next, err := manifest.Load(dir)
	if err != nil {
		return 0, err
	}
	changed, removed, err := c.Swap(next)
	if err != nil {
		return 0, err
	}
	if len(changed) == 0 && len(removed) == 0 {
		return 0, nil
	}
	realm := next.RealmURL

	var jobs []*queue.Job
	for _, u := range changed {
		inv, err := e.Invalidator.Invalidate(ctx, u, realm, engine.IncludeChanged())
		if err != nil {
			return 0, err
		}
		if inv.Job != nil {
			jobs = append(jobs, inv.Job)
		}
	}
	for _, u := range removed {
		inv, err := e.Invalidator.Remove(ctx, u, realm)
		if err != nil {
			return 0, err
		}
		if inv.Job != nil {
			jobs = append(jobs, inv.Job)
		}
	}
	for _, job := range jobs {
		if _, err := job.Wait(ctx); err != nil {
			return 0, fmt.Errorf("rebuild job %s: %w", job.ID, err)
		}
	}

	v, err := e.Store().Versions(ctx, realm)
	if err != nil {
		return 0, err
	}
	if !v.HasWorking() {
		return 0, nil
	}
	if _, err := e.Generations.Promote(ctx, realm, v.Working); err != nil {
		return 0, err
	}
	logger.Info("manifest synced",
		"realm", realm,
		"version", v.Working,
		"changed", len(changed),
		"removed", len(removed),
	)
	return v.Working, nil
}
