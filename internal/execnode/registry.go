package execnode

import (
	"sort"
	"sync"
)

// Registry holds registered node dialects.
// It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Dialect
}

// NewRegistry creates a new empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*Dialect),
	}
}

// Register adds or updates a dialect.
func (r *Registry) Register(d *Dialect) {
	if d == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[d.Name] = d
}

// Get retrieves a dialect by name. Returns nil if not found.
func (r *Registry) Get(name string) *Dialect {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[name]
}

// Names returns all registered dialect names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultRegistry returns a registry pre-populated with the built-in dialects.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(Hardhat())
	r.Register(Anvil())
	return r
}

// Hardhat returns the dialect of the Hardhat Network node.
func Hardhat() *Dialect {
	return &Dialect{
		Name:                    "hardhat",
		ImpersonateMethod:       "hardhat_impersonateAccount",
		StopImpersonatingMethod: "hardhat_stopImpersonatingAccount",
		SetBalanceMethod:        "hardhat_setBalance",
		SnapshotMethod:          "evm_snapshot",
		RevertMethod:            "evm_revert",
		MineMethod:              "evm_mine",
		Command:                 "npx",
		BaseArgs:                []string{"hardhat", "node"},
		forkURLFlag:             "--fork",
		forkBlockFlag:           "--fork-block-number",
		portFlag:                "--port",
	}
}

// Anvil returns the dialect of Foundry's anvil.
func Anvil() *Dialect {
	return &Dialect{
		Name:                    "anvil",
		ImpersonateMethod:       "anvil_impersonateAccount",
		StopImpersonatingMethod: "anvil_stopImpersonatingAccount",
		SetBalanceMethod:        "anvil_setBalance",
		SnapshotMethod:          "evm_snapshot",
		RevertMethod:            "evm_revert",
		MineMethod:              "evm_mine",
		Command:                 "anvil",
		forkURLFlag:             "--fork-url",
		forkBlockFlag:           "--fork-block-number",
		portFlag:                "--port",
	}
}
