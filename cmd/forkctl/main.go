// forkctl launches and drives a forked mainnet node for Aave credit
// delegation tests.
package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"

	"github.com/gateway-fm/forkharness/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("Error: %v", err))
		os.Exit(cli.GetExitCode(err))
	}
}
