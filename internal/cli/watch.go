package cli

import (
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/realmindex/internal/watch"
)

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	Realm    string
	Ignore   []string
	Debounce time.Duration
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch <root>",
		Short: "Invalidate realm URLs as files under a directory change",
		Long: `Watch a directory that backs a realm. Each changed file is invalidated
(new files are indexed) and each deleted file is removed. Rebuild jobs are
recorded for a worker.

Examples:
  realmindex watch ./catalog --realm http://example.test/catalog/
  realmindex watch ./catalog --realm http://example.test/catalog/ --ignore "**/*.tmp"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.Realm, "realm", "", "realm URL the directory serves (required)")
	cmd.Flags().StringArrayVar(&opts.Ignore, "ignore", nil, "extra ignore glob, relative to the root (repeatable)")
	cmd.Flags().DurationVar(&opts.Debounce, "debounce", watch.DefaultDebounce, "coalesce changes within this window")
	_ = cmd.MarkFlagRequired("realm")

	return cmd
}

func runWatch(cmd *cobra.Command, opts *WatchOptions, root string) error {
	a, err := openApp(opts.RootOptions, nil, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	ignore := append(append([]string{}, watch.DefaultIgnore...), opts.Ignore...)
	w, err := watch.New(root, opts.Realm,
		watch.Invalidating(a.engine.Invalidator, opts.Realm),
		watch.WithIgnore(ignore...),
		watch.WithDebounce(opts.Debounce),
		watch.WithLogger(a.logger),
	)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create watcher", err)
	}

	ctx, cancel := signalContext(cmd.Context(), a.logger)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Run(ctx) })
	if err := g.Wait(); err != nil {
		return WrapExitError(ExitFailure, "watch failed", err)
	}
	return nil
}
