package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/realmindex/internal/engine"
)

// GenerationOptions holds flags shared by the generation subcommands.
type GenerationOptions struct {
	*RootOptions
	Realm       string
	FromScratch bool
}

// NewGenerationCommand creates the generation command group.
func NewGenerationCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &GenerationOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:     "generation",
		Aliases: []string{"gen"},
		Short:   "Manage working generations",
	}
	cmd.PersistentFlags().StringVar(&opts.Realm, "realm", "", "realm URL")

	create := &cobra.Command{
		Use:   "create",
		Short: "Open a new working generation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGenerationCreate(cmd, opts)
		},
	}
	create.Flags().BoolVar(&opts.FromScratch, "from-scratch", false, "seed a tombstone for every production URL")

	promote := &cobra.Command{
		Use:   "promote <version>",
		Short: "Make a working generation the production generation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGenerationVersioned(cmd, opts, args[0], true)
		},
	}

	abandon := &cobra.Command{
		Use:   "abandon <version>",
		Short: "Discard a working generation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGenerationVersioned(cmd, opts, args[0], false)
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show versions and row counts, for one realm or all",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGenerationStatus(cmd, opts)
		},
	}

	cmd.AddCommand(create, promote, abandon, status)
	return cmd
}

func requireRealm(opts *GenerationOptions) error {
	if opts.Realm == "" {
		return NewExitError(ExitCommandError, "--realm is required")
	}
	return nil
}

func runGenerationCreate(cmd *cobra.Command, opts *GenerationOptions) error {
	if err := requireRealm(opts); err != nil {
		return err
	}
	out := opts.formatter(cmd)
	a, err := openApp(opts.RootOptions, nil, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	var genOpts []engine.GenerationOption
	if opts.FromScratch {
		genOpts = append(genOpts, engine.FromScratch())
	}
	version, err := a.engine.Generations.CreateGeneration(cmd.Context(), opts.Realm, genOpts...)
	if err != nil {
		return out.Fail(ExitFailure, "create generation failed", err)
	}
	return out.Success(fmt.Sprintf("working generation %d", version), map[string]any{
		"realm_url": opts.Realm,
		"version":   version,
	})
}

func runGenerationVersioned(cmd *cobra.Command, opts *GenerationOptions, arg string, promote bool) error {
	if err := requireRealm(opts); err != nil {
		return err
	}
	version, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || version <= 0 {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid version %q", arg))
	}
	out := opts.formatter(cmd)
	a, err := openApp(opts.RootOptions, nil, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	if !promote {
		if err := a.engine.Generations.Abandon(cmd.Context(), opts.Realm, version); err != nil {
			return out.Fail(ExitFailure, "abandon failed", err)
		}
		return out.Success(fmt.Sprintf("abandoned generation %d", version), map[string]any{
			"realm_url": opts.Realm,
			"version":   version,
		})
	}

	r, err := a.engine.Generations.Promote(cmd.Context(), opts.Realm, version)
	if err != nil {
		return out.Fail(ExitFailure, "promote failed", err)
	}
	msg := fmt.Sprintf("promoted generation %d (upserted %d, purged %d, retagged %d)", version, r.Upserted, r.Purged, r.Retagged)
	if len(r.Pending) > 0 {
		msg += fmt.Sprintf("; %d pending rebuilds carried into generation %d", len(r.Pending), r.NextWorking)
	}
	return out.Success(msg,
		map[string]any{
			"realm_url": opts.Realm,
			"version":   version,
			"result":    r,
		})
}

func runGenerationStatus(cmd *cobra.Command, opts *GenerationOptions) error {
	out := opts.formatter(cmd)
	a, err := openApp(opts.RootOptions, nil, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	realms := []string{opts.Realm}
	if opts.Realm == "" {
		if realms, err = a.store.Realms(cmd.Context()); err != nil {
			return out.Fail(ExitFailure, "list realms failed", err)
		}
	}

	infos := make([]engine.RealmInfo, 0, len(realms))
	var lines []string
	for _, r := range realms {
		info, err := a.engine.Generations.Info(cmd.Context(), r)
		if err != nil {
			return out.Fail(ExitFailure, "status failed", err)
		}
		infos = append(infos, info)
		working := "none"
		if info.HasWorking() {
			working = strconv.FormatInt(info.Working, 10)
		}
		lines = append(lines, fmt.Sprintf("%s  current=%d working=%s allocated=%d production_rows=%d working_rows=%d",
			info.RealmURL, info.Current, working, info.Allocated, info.ProductionRows, info.WorkingRows))
	}
	if len(lines) == 0 {
		lines = append(lines, "no realms")
	}
	return out.Success(strings.Join(lines, "\n"), infos)
}
