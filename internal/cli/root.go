// Package cli implements the forkctl command line.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gateway-fm/forkharness/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose     bool
	EnvFile     string
	RPCURL      string
	Dialect     string
	AddressBook string
}

// NewRootCommand creates the root command for forkctl.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "forkctl",
		Short: "Drive a forked Ethereum node for Aave credit delegation tests",
		Long: `forkctl launches and controls a locally forked mainnet node.

It impersonates accounts, funds them from large token holders, takes and
restores chain snapshots, and runs the credit delegation scenarios against
the fork, leaving it as it was found.`,
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", config.DefaultEnvFile, "dotenv file to load")
	cmd.PersistentFlags().StringVar(&opts.RPCURL, "rpc-url", "", "forked node endpoint (default $FORK_RPC_URL or "+config.DefaultRPCURL+")")
	cmd.PersistentFlags().StringVar(&opts.Dialect, "dialect", "", "node flavour: hardhat or anvil (default $NODE_DIALECT or "+config.DefaultDialect+")")
	cmd.PersistentFlags().StringVar(&opts.AddressBook, "address-book", "", "address book YAML (default: embedded mainnet book)")

	cmd.AddCommand(NewForkCommand(opts))
	cmd.AddCommand(NewTransferCommand(opts))
	cmd.AddCommand(NewBalanceCommand(opts))
	cmd.AddCommand(NewDelegateCommand(opts))
	cmd.AddCommand(NewSnapshotCommand(opts))
	cmd.AddCommand(NewRevertCommand(opts))
	cmd.AddCommand(NewMineCommand(opts))
	cmd.AddCommand(NewImpersonateCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))
	cmd.AddCommand(NewServeCommand(opts))

	return cmd
}

// loadConfig layers the global flags over the dotenv file and environment.
func (o *RootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.EnvFile)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load configuration", err)
	}
	if o.RPCURL != "" {
		cfg.RPCURL = o.RPCURL
	}
	if o.Dialect != "" {
		cfg.Dialect = o.Dialect
	}
	if o.AddressBook != "" {
		cfg.AddressBook = o.AddressBook
	}
	return cfg, nil
}

// logger builds the stderr logger and installs it as the default.
func (o *RootOptions) logger() *slog.Logger {
	level := slog.LevelInfo
	if o.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

// signalContext derives a context from the command's that is cancelled on
// SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command, logger *slog.Logger) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", slog.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(sigChan)
		cancel()
	}
}

// requireFlag reports a missing flag as a command error.
func requireFlag(name, value string) error {
	if value == "" {
		return NewExitError(ExitCommandError, fmt.Sprintf("--%s is required", name))
	}
	return nil
}
