package storage

import (
	"context"

	"github.com/gateway-fm/forkharness/pkg/types"
)

// Storage defines the persistence interface for scenario run history.
type Storage interface {
	// Run lifecycle
	CreateRun(ctx context.Context, run *Run) error
	CompleteRun(ctx context.Context, id string, run *Run) error
	GetRun(ctx context.Context, id string) (*RunDetail, error)

	// History queries
	ListRuns(ctx context.Context, limit, offset int) (*PaginatedRuns, error)
	DeleteRun(ctx context.Context, id string) error

	// Step results (written once the run finishes)
	InsertStepResults(ctx context.Context, runID string, steps []types.StepResult) error

	// Lifecycle
	Close() error
}
