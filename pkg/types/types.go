// Package types contains public API types for fork harness runs.
// These types form the external interface of run reports and history.
package types

import (
	"fmt"
	"strings"
	"time"
)

// RateMode is the lending pool interest rate mode for a borrow.
type RateMode int

const (
	RateStable   RateMode = 1
	RateVariable RateMode = 2
)

// String returns "stable" or "variable".
func (m RateMode) String() string {
	switch m {
	case RateStable:
		return "stable"
	case RateVariable:
		return "variable"
	default:
		return fmt.Sprintf("RateMode(%d)", int(m))
	}
}

// ParseRateMode parses "stable" or "variable".
func ParseRateMode(s string) (RateMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "stable", "1":
		return RateStable, nil
	case "variable", "2":
		return RateVariable, nil
	default:
		return 0, fmt.Errorf("unknown rate mode %q (expected stable or variable)", s)
	}
}

// Pair is one credit delegation configuration: collateral asset, borrowed
// asset and the amounts, in whole tokens as decimal strings.
type Pair struct {
	DepositAsset    string   `json:"depositAsset" yaml:"depositAsset"`
	LoanAsset       string   `json:"loanAsset" yaml:"loanAsset"`
	DepositAmount   string   `json:"depositAmount" yaml:"depositAmount"`
	DelegatedAmount string   `json:"delegatedAmount" yaml:"delegatedAmount"`
	RateMode        RateMode `json:"rateMode" yaml:"rateMode"`
}

// String renders the pair as DEPOSIT/LOAN:deposit:borrow:mode, the form
// ParsePair accepts.
func (p Pair) String() string {
	return fmt.Sprintf("%s/%s:%s:%s:%s", p.DepositAsset, p.LoanAsset, p.DepositAmount, p.DelegatedAmount, p.RateMode)
}

// ParsePair parses "WETH/DAI:100:35000:stable".
func ParsePair(s string) (Pair, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 4 {
		return Pair{}, fmt.Errorf("invalid pair %q (expected DEPOSIT/LOAN:deposit:borrow:mode)", s)
	}
	deposit, loan, ok := strings.Cut(parts[0], "/")
	if !ok || deposit == "" || loan == "" {
		return Pair{}, fmt.Errorf("invalid pair assets %q", parts[0])
	}
	mode, err := ParseRateMode(parts[3])
	if err != nil {
		return Pair{}, err
	}
	return Pair{
		DepositAsset:    deposit,
		LoanAsset:       loan,
		DepositAmount:   parts[1],
		DelegatedAmount: parts[2],
		RateMode:        mode,
	}, nil
}

// DefaultPairs are the pairs run when none are configured.
func DefaultPairs() []Pair {
	return []Pair{
		{DepositAsset: "WETH", LoanAsset: "DAI", DepositAmount: "100", DelegatedAmount: "35000", RateMode: RateStable},
	}
}

// KnownPairs are the pairs the credit delegation suite has been exercised with.
func KnownPairs() []Pair {
	return []Pair{
		{DepositAsset: "DAI", LoanAsset: "DAI", DepositAmount: "50000", DelegatedAmount: "35000", RateMode: RateStable},
		{DepositAsset: "DAI", LoanAsset: "DAI", DepositAmount: "50000", DelegatedAmount: "35000", RateMode: RateVariable},
		{DepositAsset: "DAI", LoanAsset: "sUSD", DepositAmount: "50000", DelegatedAmount: "35000", RateMode: RateStable},
		{DepositAsset: "DAI", LoanAsset: "sUSD", DepositAmount: "50000", DelegatedAmount: "35000", RateMode: RateVariable},
		{DepositAsset: "WETH", LoanAsset: "DAI", DepositAmount: "100", DelegatedAmount: "35000", RateMode: RateStable},
		{DepositAsset: "WETH", LoanAsset: "sUSD", DepositAmount: "100", DelegatedAmount: "35000", RateMode: RateVariable},
		{DepositAsset: "sUSD", LoanAsset: "sUSD", DepositAmount: "50000", DelegatedAmount: "35000", RateMode: RateStable},
		{DepositAsset: "sUSD", LoanAsset: "sUSD", DepositAmount: "50000", DelegatedAmount: "35000", RateMode: RateVariable},
	}
}

// StepStatus is the outcome of one scenario step.
type StepStatus string

const (
	StepPassed  StepStatus = "passed"
	StepFailed  StepStatus = "failed"
	StepSkipped StepStatus = "skipped" // precondition not met
	StepBlocked StepStatus = "blocked" // an ancestor failed
	StepAborted StepStatus = "aborted" // infrastructure failure stopped the run
)

// RunStatus is the outcome of a whole run.
type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunPassed  RunStatus = "passed"
	RunFailed  RunStatus = "failed"
	RunSkipped RunStatus = "skipped"
	RunAborted RunStatus = "aborted"
)

// StepResult records what happened to one step.
type StepResult struct {
	Path       string     `json:"path"` // ancestor names joined with " > "
	Depth      int        `json:"depth"`
	Status     StepStatus `json:"status"`
	Error      string     `json:"error,omitempty"`
	DurationMs int64      `json:"durationMs"`
}

// RunResult stores the results of one scenario run.
type RunResult struct {
	ID          string       `json:"id"`
	Pair        Pair         `json:"pair"`
	Dialect     string       `json:"dialect"`
	Status      RunStatus    `json:"status"`
	StartedAt   time.Time    `json:"startedAt"`
	CompletedAt time.Time    `json:"completedAt,omitempty"`
	ForkBlock   uint64       `json:"forkBlock,omitempty"`
	Error       string       `json:"error,omitempty"`
	Steps       []StepResult `json:"steps,omitempty"`
}

// Count returns how many steps finished with status.
func (r *RunResult) Count(status StepStatus) int {
	n := 0
	for _, s := range r.Steps {
		if s.Status == status {
			n++
		}
	}
	return n
}
