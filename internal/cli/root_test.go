package cli

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "forkctl", cmd.Use)
	assert.Contains(t, cmd.Long, "forked mainnet node")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{"fork", "transfer", "balance", "delegate", "snapshot", "revert", "mine", "impersonate", "history", "serve"}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			require.NotNil(t, subCmd)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	envFlag := cmd.PersistentFlags().Lookup("env-file")
	require.NotNil(t, envFlag)
	assert.Equal(t, ".env", envFlag.DefValue)

	for _, name := range []string{"rpc-url", "dialect", "address-book"} {
		flag := cmd.PersistentFlags().Lookup(name)
		require.NotNil(t, flag, name)
		assert.Equal(t, "", flag.DefValue, "%s falls back to the environment", name)
	}
}

func TestTransferCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	transferCmd, _, err := cmd.Find([]string{"transfer"})
	require.NoError(t, err)

	assert.Equal(t, "DAI", transferCmd.Flags().Lookup("asset").DefValue)
	assert.Equal(t, "50000", transferCmd.Flags().Lookup("amount").DefValue)
	assert.Equal(t, "hardhat1", transferCmd.Flags().Lookup("to").DefValue)
}

func TestBalanceCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	balanceCmd, _, err := cmd.Find([]string{"balance"})
	require.NoError(t, err)

	assert.Equal(t, "LINK", balanceCmd.Flags().Lookup("asset").DefValue)
	assert.Equal(t, "hardhat1", balanceCmd.Flags().Lookup("of").DefValue)
}

func TestDelegateCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	delegateCmd, _, err := cmd.Find([]string{"delegate"})
	require.NoError(t, err)

	pairFlag := delegateCmd.Flags().Lookup("pair")
	require.NotNil(t, pairFlag)
	assert.Equal(t, "stringArray", pairFlag.Value.Type())
	require.NotNil(t, delegateCmd.Flags().Lookup("metrics-addr"))
	require.NotNil(t, delegateCmd.Flags().Lookup("db"))
}

func TestForkCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	forkCmd, _, err := cmd.Find([]string{"fork"})
	require.NoError(t, err)

	for _, name := range []string{"fork-url", "block", "port", "dir"} {
		assert.NotNil(t, forkCmd.Flags().Lookup(name), name)
	}
}

func TestExitError(t *testing.T) {
	inner := errors.New("connection refused")
	err := WrapExitError(ExitCommandError, "fork node is not answering", inner)

	assert.Equal(t, "fork node is not answering: connection refused", err.Error())
	assert.ErrorIs(t, err, inner)
	assert.Equal(t, "2 scenario(s) failed", NewExitError(ExitFailure, "2 scenario(s) failed").Error())
}

func TestGetExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"plain error", errors.New("boom"), ExitFailure},
		{"exit error", NewExitError(ExitCommandError, "bad flag"), ExitCommandError},
		{"wrapped exit error", fmt.Errorf("outer: %w", NewExitError(ExitCommandError, "bad flag")), ExitCommandError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GetExitCode(tt.err))
		})
	}
}
