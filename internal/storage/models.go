// Package storage provides persistence for scenario run history.
package storage

import (
	"time"

	"github.com/google/uuid"

	"github.com/gateway-fm/forkharness/pkg/types"
)

// Run is a persisted scenario run with summary counts.
// JSON tags use camelCase to match the run report format.
type Run struct {
	ID           string          `json:"id"`
	StartedAt    time.Time       `json:"startedAt"`
	CompletedAt  *time.Time      `json:"completedAt,omitempty"`
	Pair         types.Pair      `json:"pair"`
	Dialect      string          `json:"dialect"`
	RPCURL       string          `json:"rpcUrl"`
	ForkBlock    uint64          `json:"forkBlock,omitempty"`
	Status       types.RunStatus `json:"status"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	DurationMs   int64           `json:"durationMs"`
	// Step outcome counts
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
	Blocked int `json:"blocked"`
	Aborted int `json:"aborted"`
}

// RunDetail is a run together with its step results, in execution order.
type RunDetail struct {
	Run
	Steps []types.StepResult `json:"steps"`
}

// PaginatedRuns is one page of run history.
type PaginatedRuns struct {
	Runs   []Run `json:"runs"`
	Total  int   `json:"total"`
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
}

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return uuid.NewString()
}

// RunFromResult builds the persisted form of a finished run.
func RunFromResult(r *types.RunResult, rpcURL string) *Run {
	run := &Run{
		ID:           r.ID,
		StartedAt:    r.StartedAt,
		Pair:         r.Pair,
		Dialect:      r.Dialect,
		RPCURL:       rpcURL,
		ForkBlock:    r.ForkBlock,
		Status:       r.Status,
		ErrorMessage: r.Error,
		Passed:       r.Count(types.StepPassed),
		Failed:       r.Count(types.StepFailed),
		Skipped:      r.Count(types.StepSkipped),
		Blocked:      r.Count(types.StepBlocked),
		Aborted:      r.Count(types.StepAborted),
	}
	if !r.CompletedAt.IsZero() {
		completed := r.CompletedAt
		run.CompletedAt = &completed
		run.DurationMs = completed.Sub(r.StartedAt).Milliseconds()
	}
	return run
}
