package cli

import (
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/realmindex/internal/queue"
)

// WorkerOptions holds flags for the worker command.
type WorkerOptions struct {
	*RootOptions
	Manifests   []string
	WorkerID    string
	MetricsAddr string
}

// NewWorkerCommand creates the worker command.
func NewWorkerCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WorkerOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run rebuild jobs from the job table",
		Long: `Reserve and run queued rebuild jobs until interrupted. Artifacts are
compiled from the given manifest directories, one realm per manifest.

Examples:
  realmindex worker --manifest ./realms/catalog
  realmindex worker --manifest ./a --manifest ./b --metrics-addr :9464`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd, opts)
		},
	}

	cmd.Flags().StringArrayVar(&opts.Manifests, "manifest", nil, "manifest directory (repeatable)")
	cmd.Flags().StringVar(&opts.WorkerID, "worker-id", "", "worker id recorded on reservations (default random)")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	_ = cmd.MarkFlagRequired("manifest")

	return cmd
}

func runWorker(cmd *cobra.Command, opts *WorkerOptions) error {
	compilers, err := loadManifests(opts.Manifests)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load manifests", err)
	}
	a, err := openApp(opts.RootOptions, nil, compilers)
	if err != nil {
		return err
	}
	defer a.Close()

	runnerOpts := []queue.RunnerOption{
		queue.WithPollInterval(a.cfg.JobPoll),
		queue.WithMaxTimeout(a.cfg.JobTimeout),
		queue.WithRunnerLogger(a.logger),
	}
	if opts.WorkerID != "" {
		runnerOpts = append(runnerOpts, queue.WithWorkerID(opts.WorkerID))
	}
	runner := queue.NewRunner(a.store, runnerOpts...)
	if err := a.engine.Indexer.Register(runner); err != nil {
		return WrapExitError(ExitCommandError, "failed to register handlers", err)
	}

	ctx, cancel := signalContext(cmd.Context(), a.logger)
	defer cancel()

	a.logger.Debug("manifests loaded", "realms", compilers.Realms())
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return runner.Run(gctx)
	})
	if opts.MetricsAddr != "" {
		g.Go(func() error {
			return serveMetrics(gctx, opts.MetricsAddr, a.logger)
		})
	}
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return WrapExitError(ExitFailure, "worker stopped", err)
	}
	a.logger.Info("worker stopped", "worker_id", runner.WorkerID())
	return nil
}
