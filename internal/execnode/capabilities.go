// Package execnode describes the development nodes the harness can drive.
// Hardhat and anvil expose the same test-only features under different
// method names; a Dialect captures those names so callers never branch on
// the node's identity.
package execnode

import "strconv"

// Dialect defines the admin RPC surface and launch command of a forking node.
type Dialect struct {
	// Name is the canonical identifier ("hardhat", "anvil").
	Name string

	ImpersonateMethod       string
	StopImpersonatingMethod string
	SetBalanceMethod        string

	// Snapshot methods share the evm_ namespace on every supported node.
	SnapshotMethod string
	RevertMethod   string
	MineMethod     string

	// Command and BaseArgs start a forking node; see ForkCommand.
	Command  string
	BaseArgs []string

	forkURLFlag   string
	forkBlockFlag string
	portFlag      string
}

// ForkCommand returns the argv for a node forking forkURL.
// A zero block forks the remote head.
func (d *Dialect) ForkCommand(forkURL string, block uint64, port int) []string {
	argv := append([]string{d.Command}, d.BaseArgs...)
	argv = append(argv, d.forkURLFlag, forkURL)
	if block > 0 {
		argv = append(argv, d.forkBlockFlag, strconv.FormatUint(block, 10))
	}
	if port > 0 {
		argv = append(argv, d.portFlag, strconv.Itoa(port))
	}
	return argv
}

// String returns the canonical name of the dialect.
func (d *Dialect) String() string {
	if d == nil {
		return "unknown"
	}
	return d.Name
}
