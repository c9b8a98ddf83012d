package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gateway-fm/forkharness/internal/harness"
)

// NewSnapshotCommand creates the snapshot command.
func NewSnapshotCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot",
		Short: "Record the fork's chain state",
		Long: `Take a chain state snapshot and print its ID. Pass the ID to
forkctl revert to return to this state. Restoring a snapshot consumes it
and every snapshot taken after it.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(rootOpts, cmd, func(ctx context.Context, s *session) error {
				id, err := s.harness.TakeSnapshot(ctx)
				if err != nil {
					return chainError("snapshot failed", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}
}

// NewRevertCommand creates the revert command.
func NewRevertCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "revert <snapshot-id>",
		Short: "Restore a snapshot",
		Long: `Rewind the fork to a snapshot taken with forkctl snapshot. The snapshot
and any taken after it can no longer be restored.

Example:
  forkctl revert 0x1`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			id := harness.SnapshotID(args[0])
			return withSession(rootOpts, cmd, func(ctx context.Context, s *session) error {
				err := s.harness.RestoreSnapshot(ctx, id)
				if errors.Is(err, harness.ErrSnapshotNotFound) {
					return WrapExitError(ExitFailure, fmt.Sprintf("snapshot %s cannot be restored", id), err)
				}
				if err != nil {
					return chainError("revert failed", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s restored snapshot %s\n", green("✓"), id)
				return nil
			})
		},
	}
}

// MineOptions holds flags for the mine command.
type MineOptions struct {
	*RootOptions
	Blocks int
}

// NewMineCommand creates the mine command.
func NewMineCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MineOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "mine",
		Short: "Mine empty blocks on the fork",
		Long: `Produce empty blocks, for example to move past a timestamp or block
based condition, and print the new head.

Example:
  forkctl mine --blocks 10`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Blocks < 1 {
				return NewExitError(ExitCommandError, "--blocks must be at least 1")
			}
			return withSession(opts.RootOptions, cmd, func(ctx context.Context, s *session) error {
				for i := 0; i < opts.Blocks; i++ {
					if err := s.harness.Mine(ctx); err != nil {
						return chainError("mine failed", err)
					}
				}
				head, err := s.client.GetBlockNumber(ctx)
				if err != nil {
					return chainError("mine failed", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s mined %d block(s), head is %d\n", green("✓"), opts.Blocks, head)
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&opts.Blocks, "blocks", 1, "number of blocks to mine")

	return cmd
}

// ImpersonateOptions holds flags for the impersonate command.
type ImpersonateOptions struct {
	*RootOptions
	Stop bool
}

// NewImpersonateCommand creates the impersonate command.
func NewImpersonateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ImpersonateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "impersonate <address>",
		Short: "Let the fork accept transactions from an address without its key",
		Long: `Mark an address as impersonated, so the fork accepts unsigned
eth_sendTransaction calls from it. The address may be a hex address or an
address book user name.

Example:
  forkctl impersonate 0x47ac0Fb4F2D84898e4D9E7b4DaB3C24507a6D503
  forkctl impersonate hardhat1 --stop`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImpersonate(opts, cmd, args[0])
		},
	}

	cmd.Flags().BoolVar(&opts.Stop, "stop", false, "stop impersonating instead")

	return cmd
}

func runImpersonate(opts *ImpersonateOptions, cmd *cobra.Command, who string) error {
	return withSession(opts.RootOptions, cmd, func(ctx context.Context, s *session) error {
		addr, err := s.book.ResolveAddress(who)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid address", err)
		}

		if opts.Stop {
			if err := s.harness.StopImpersonating(ctx, addr); err != nil {
				return chainError("stop impersonating failed", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s stopped impersonating %s\n", green("✓"), cyan(addr.Hex()))
			return nil
		}

		if _, err := s.harness.Impersonate(ctx, addr); err != nil {
			return chainError("impersonate failed", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s impersonating %s\n", green("✓"), cyan(addr.Hex()))
		return nil
	})
}
