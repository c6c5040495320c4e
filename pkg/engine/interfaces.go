package engine

import (
	"context"
)

// RunStore persists runs. Every method must be safe for concurrent use.
type RunStore interface {
	// CreateRun inserts run with its full stage list and working map.
	// It reports false, without error, when a run with the same id already exists.
	CreateRun(ctx context.Context, run *Run) (bool, error)

	// GetRun loads a run. It returns an error wrapping ErrRunNotFound when absent.
	GetRun(ctx context.Context, id string) (*Run, error)

	// SaveRun flushes status, stage index, compensation progress, stage records,
	// working map and error of an existing run.
	SaveRun(ctx context.Context, run *Run) error

	// ListRunsByStatus returns runs in any of the given statuses, oldest first.
	ListRunsByStatus(ctx context.Context, statuses ...RunStatus) ([]*Run, error)
}

// Runner executes runs synchronously. Fan-out stages use it to drive child runs.
type Runner interface {
	// Execute persists the run if needed and drives it to a terminal status
	// in the caller's goroutine. An already terminal run is returned as is.
	Execute(ctx context.Context, req SubmitRequest) (*Run, error)
}
