package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gateway-fm/forkharness/internal/config"
)

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	*RootOptions
	Database string
	Limit    int
	Offset   int
	Delete   bool
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "List past credit delegation runs",
		Long: `List persisted runs, newest first, or show one run with every step.
Does not contact the fork.

Example:
  forkctl history --limit 5
  forkctl history 0190f5b2-8c1e-7a4b-9d3e-2f6a1b4c5d7e
  forkctl history 0190f5b2-8c1e-7a4b-9d3e-2f6a1b4c5d7e --delete`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(opts, cmd, args)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "run history database (default $DATABASE_PATH or "+config.DefaultDatabasePath+")")
	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "number of runs to list")
	cmd.Flags().IntVar(&opts.Offset, "offset", 0, "number of runs to skip")
	cmd.Flags().BoolVar(&opts.Delete, "delete", false, "delete the given run")

	return cmd
}

func runHistory(opts *HistoryOptions, cmd *cobra.Command, args []string) error {
	logger := opts.logger()

	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	dbPath := cfg.DatabasePath
	if opts.Database != "" {
		dbPath = opts.Database
	}
	if dbPath == "" {
		return NewExitError(ExitCommandError, "no run history database configured")
	}
	if opts.Limit <= 0 || opts.Offset < 0 {
		return NewExitError(ExitCommandError, "--limit must be positive and --offset not negative")
	}
	if opts.Delete && len(args) == 0 {
		return NewExitError(ExitCommandError, "--delete needs a run ID")
	}

	store, err := openStore(dbPath, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	if len(args) == 0 {
		page, err := store.ListRuns(ctx, opts.Limit, opts.Offset)
		if err != nil {
			return WrapExitError(ExitFailure, "failed to list runs", err)
		}
		printHistory(out, page)
		return nil
	}

	id := args[0]
	detail, err := store.GetRun(ctx, id)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to load run", err)
	}
	if detail == nil {
		return NewExitError(ExitFailure, fmt.Sprintf("run %s not found", id))
	}

	if opts.Delete {
		if err := store.DeleteRun(ctx, id); err != nil {
			return WrapExitError(ExitFailure, "failed to delete run", err)
		}
		fmt.Fprintf(out, "%s deleted run %s\n", green("✓"), id)
		return nil
	}
	printRunDetail(out, detail)
	return nil
}
