package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/realmindex/internal/engine"
)

// InvalidateOptions holds flags for the invalidate and remove commands.
type InvalidateOptions struct {
	*RootOptions
	Realm string
	New   bool
}

// invalidationResult is the JSON shape of one invalidation.
type invalidationResult struct {
	URL     string   `json:"url"`
	Version int64    `json:"version"`
	Closure []string `json:"closure"`
	Stubbed []string `json:"stubbed"`
	Removed bool     `json:"removed,omitempty"`
	JobID   string   `json:"job_id,omitempty"`
}

// NewInvalidateCommand creates the invalidate command.
func NewInvalidateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InvalidateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "invalidate <url>...",
		Short: "Mark URLs and their dependents for rebuild",
		Long: `Stub every transitive dependent of each URL in the realm's working
generation and record one rebuild job per batch for a worker to run.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInvalidate(cmd, opts, args, false)
		},
	}

	cmd.Flags().StringVar(&opts.Realm, "realm", "", "realm URL (required)")
	cmd.Flags().BoolVar(&opts.New, "new", false, "stub the URL even if it has no entry yet")
	_ = cmd.MarkFlagRequired("realm")

	return cmd
}

// NewRemoveCommand creates the remove command.
func NewRemoveCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InvalidateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "remove <url>...",
		Short: "Soft-delete URLs and invalidate their dependents",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInvalidate(cmd, opts, args, true)
		},
	}

	cmd.Flags().StringVar(&opts.Realm, "realm", "", "realm URL (required)")
	_ = cmd.MarkFlagRequired("realm")

	return cmd
}

func runInvalidate(cmd *cobra.Command, opts *InvalidateOptions, urls []string, remove bool) error {
	out := opts.formatter(cmd)
	a, err := openApp(opts.RootOptions, nil, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	var invOpts []engine.InvalidateOption
	if opts.New {
		invOpts = append(invOpts, engine.IncludeChanged())
	}

	results := make([]invalidationResult, 0, len(urls))
	var lines []string
	for _, u := range urls {
		var inv engine.Invalidation
		if remove {
			inv, err = a.engine.Invalidator.Remove(cmd.Context(), u, opts.Realm)
		} else {
			inv, err = a.engine.Invalidator.Invalidate(cmd.Context(), u, opts.Realm, invOpts...)
		}
		if err != nil {
			return out.Fail(ExitFailure, fmt.Sprintf("invalidate %s failed", u), err)
		}
		r := invalidationResult{
			URL:     inv.ChangedURL,
			Version: inv.Version,
			Closure: inv.Closure.URLs,
			Stubbed: inv.Stubbed,
			Removed: inv.Removed,
		}
		if inv.Job != nil {
			r.JobID = inv.Job.ID
		}
		results = append(results, r)
		out.VerboseLog("closure of %s: %s", inv.ChangedURL, strings.Join(inv.Closure.URLs, ", "))
		lines = append(lines, fmt.Sprintf("%s: version %d, %d dependents, %d stubbed",
			inv.ChangedURL, inv.Version, len(inv.Closure.URLs), len(inv.Stubbed)))
	}
	return out.Success(strings.Join(lines, "\n"), results)
}
