package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gateway-fm/forkharness/internal/control"
)

// TransferOptions holds flags for the transfer command.
type TransferOptions struct {
	*RootOptions
	Asset  string
	Amount string
	To     string
}

// NewTransferCommand creates the transfer command.
func NewTransferCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TransferOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "transfer",
		Short: "Fund an account from a large token holder",
		Long: `Impersonate the asset's large holder from the address book and transfer
tokens to the recipient. Fails without sending anything when the holder's
balance does not cover the amount.

Example:
  forkctl transfer
  forkctl transfer --asset WETH --amount 100 --to 0x70997970C51812dc3A010C7d01b50e0d17dc79C8`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransfer(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Asset, "asset", "DAI", "token symbol from the address book")
	cmd.Flags().StringVar(&opts.Amount, "amount", "50000", "amount in whole tokens")
	cmd.Flags().StringVar(&opts.To, "to", "hardhat1", "recipient address or address book user")

	return cmd
}

func runTransfer(opts *TransferOptions, cmd *cobra.Command) error {
	if err := requireFlag("asset", opts.Asset); err != nil {
		return err
	}
	if err := requireFlag("amount", opts.Amount); err != nil {
		return err
	}
	if err := requireFlag("to", opts.To); err != nil {
		return err
	}

	return withSession(opts.RootOptions, cmd, func(ctx context.Context, s *session) error {
		ctl, err := s.controller(nil)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, cyan(fmt.Sprintf("Transferring %s %s from a large holder to %s...", opts.Amount, opts.Asset, opts.To)))

		t, err := ctl.Transfer(ctx, control.TransferRequest{Asset: opts.Asset, Amount: opts.Amount, To: opts.To})
		if err != nil {
			return chainError("transfer failed", err)
		}
		printTransfer(out, t)
		return nil
	})
}

// BalanceOptions holds flags for the balance command.
type BalanceOptions struct {
	*RootOptions
	Asset string
	Of    string
}

// NewBalanceCommand creates the balance command.
func NewBalanceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BalanceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Print an account's token balance",
		Long: `Print the ERC20 balance of an account in whole tokens.

Example:
  forkctl balance
  forkctl balance --asset DAI --of 0x70997970C51812dc3A010C7d01b50e0d17dc79C8`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBalance(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Asset, "asset", "LINK", "token symbol from the address book")
	cmd.Flags().StringVar(&opts.Of, "of", "hardhat1", "account address or address book user")

	return cmd
}

func runBalance(opts *BalanceOptions, cmd *cobra.Command) error {
	if err := requireFlag("asset", opts.Asset); err != nil {
		return err
	}
	if err := requireFlag("of", opts.Of); err != nil {
		return err
	}

	return withSession(opts.RootOptions, cmd, func(ctx context.Context, s *session) error {
		ctl, err := s.controller(nil)
		if err != nil {
			return err
		}
		b, err := ctl.Balance(ctx, opts.Asset, opts.Of)
		if err != nil {
			return chainError("balance lookup failed", err)
		}
		printBalance(cmd.OutOrStdout(), b)
		return nil
	})
}
