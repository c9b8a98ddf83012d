package cli

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/gateway-fm/forkharness/internal/forknode"
)

// ForkOptions holds flags for the fork command.
type ForkOptions struct {
	*RootOptions
	ForkURL string
	Block   uint64
	Port    int
	Dir     string
}

// NewForkCommand creates the fork command.
func NewForkCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ForkOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "fork",
		Short: "Launch a node forking mainnet",
		Long: `Launch a hardhat or anvil node that forks an upstream archive node.

The node's output is streamed to the terminal. forkctl waits until the node
answers eth_blockNumber and exits when the node does.

Example:
  forkctl fork --fork-url https://eth-mainnet.g.alchemy.com/v2/KEY --block 11406154
  forkctl fork --dialect anvil --port 8546`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFork(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.ForkURL, "fork-url", "", "upstream archive node (default $MAINNET_PROVIDER)")
	cmd.Flags().Uint64Var(&opts.Block, "block", 0, "block to fork at (default $FORK_BLOCK or upstream head)")
	cmd.Flags().IntVar(&opts.Port, "port", 0, "port to listen on (default $FORK_PORT or 8545)")
	cmd.Flags().StringVar(&opts.Dir, "dir", "", "working directory for the node (hardhat needs its project root)")

	return cmd
}

func runFork(opts *ForkOptions, cmd *cobra.Command) error {
	logger := opts.logger()

	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if opts.ForkURL != "" {
		cfg.ForkURL = opts.ForkURL
	}
	if cmd.Flags().Changed("block") {
		cfg.ForkBlock = opts.Block
	}
	if cmd.Flags().Changed("port") {
		cfg.Port = opts.Port
	}
	if err := cfg.ValidateFork(); err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	if err := cfg.Validate(); err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	dialect, err := cfg.NodeDialect()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}

	ctx, stop := signalContext(cmd, logger)
	defer stop()

	node, err := forknode.Start(ctx, forknode.Config{
		Dialect:   dialect,
		ForkURL:   cfg.ForkURL,
		ForkBlock: cfg.ForkBlock,
		Port:      cfg.Port,
		Dir:       opts.Dir,
		Stdout:    cmd.OutOrStdout(),
		Stderr:    cmd.ErrOrStderr(),
		Logger:    logger,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start forked node", err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "%s forked node listening on %s\n", green("✓"), cyan(node.URL()))

	select {
	case <-ctx.Done():
		if err := node.Stop(); err != nil {
			logger.Warn("node did not stop cleanly", slog.String("error", err.Error()))
		}
		return nil
	case <-node.Done():
		if err := node.Wait(); err != nil {
			return WrapExitError(ExitFailure, "forked node exited", err)
		}
		return nil
	}
}
