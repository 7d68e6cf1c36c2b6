package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/realmindex/internal/engine"
	"github.com/roach88/realmindex/internal/reindex"
)

// ReindexOptions holds flags for the reindex command.
type ReindexOptions struct {
	*RootOptions
	Manifests []string
	Durable   bool
}

// NewReindexCommand creates the reindex command.
func NewReindexCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReindexOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "reindex [realm-url...]",
		Short: "Rebuild realms from scratch in batches",
		Long: `Run a full reindex: realms are rebuilt from scratch in batches of
FULL_REINDEX_BATCH_SIZE, FULL_REINDEX_CONCURRENCY at a time, with a
cooldown of FULL_REINDEX_COOLDOWN_SEC between batches.

Realms default to those of the given manifests, or every realm in the
database. With --durable the jobs are recorded for a separate worker and
this command waits for their results; otherwise they run in process.

Examples:
  realmindex reindex --manifest ./realms/catalog
  realmindex reindex http://example.test/catalog/ --durable`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReindex(cmd, opts, args)
		},
	}

	cmd.Flags().StringArrayVar(&opts.Manifests, "manifest", nil, "manifest directory (repeatable)")
	cmd.Flags().BoolVar(&opts.Durable, "durable", false, "record jobs for a worker instead of running them here")

	return cmd
}

func runReindex(cmd *cobra.Command, opts *ReindexOptions, realms []string) error {
	out := opts.formatter(cmd)
	if !opts.Durable && len(opts.Manifests) == 0 {
		return NewExitError(ExitCommandError, "--manifest is required unless --durable is set")
	}
	compilers, err := loadManifests(opts.Manifests)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load manifests", err)
	}

	ctx, cancel := signalContext(cmd.Context(), opts.Logger)
	defer cancel()

	var (
		pub engine.Publisher
		g   *errgroup.Group
	)
	a, err := openApp(opts.RootOptions, nil, compilers)
	if err != nil {
		return err
	}
	defer a.Close()

	if opts.Durable {
		dp := durablePublisher(a.store, a.cfg)
		g = new(errgroup.Group)
		g.Go(func() error { return dp.Run(ctx) })
		pub = dp
	} else {
		q, err := inProcessQueue(a.cfg, a.logger)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to start queue", err)
		}
		defer q.Destroy()
		if err := a.engine.Indexer.Register(q); err != nil {
			return WrapExitError(ExitCommandError, "failed to register handlers", err)
		}
		pub = q
	}

	if len(realms) == 0 {
		realms = compilers.Realms()
	}
	if len(realms) == 0 {
		if realms, err = a.store.Realms(ctx); err != nil {
			return out.Fail(ExitFailure, "list realms failed", err)
		}
	}

	sched := reindex.NewScheduler(reindex.ViaQueue(pub), a.cfg.Reindex(), reindex.WithLogger(a.logger))
	report, err := sched.Run(ctx, realms)
	cancel()
	if g != nil {
		_ = g.Wait()
	}
	if err != nil {
		return out.Fail(ExitFailure, "reindex interrupted", err)
	}

	if err := out.Success(reportText(report), report); err != nil {
		return err
	}
	if report.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d realm(s) failed", report.Failed))
	}
	return nil
}

func reportText(r reindex.Report) string {
	var b strings.Builder
	for _, res := range r.Results {
		status := "ok"
		switch {
		case res.TimedOut:
			status = "timed out"
		case res.Error != "":
			status = "failed: " + res.Error
		}
		fmt.Fprintf(&b, "batch %d  %s  %s  entries=%d errors=%d  %s\n",
			res.Batch, res.RealmURL, status,
			res.Stats.TotalIndexEntries, res.Stats.InstanceErrors+res.Stats.ModuleErrors,
			res.Duration.Round(time.Millisecond))
	}
	fmt.Fprintf(&b, "%d realm(s) in %d batch(es), %d failed", len(r.Results), r.Batches, r.Failed)
	return b.String()
}
