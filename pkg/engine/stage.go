package engine

import (
	"context"
	"errors"

	"github.com/openfroyo/wsm/pkg/telemetry"
)

// StageFunc is a forward or compensating action.
// It must be idempotent: the engine may invoke it again with identical inputs after a crash.
type StageFunc func(ctx context.Context, sc *StageContext) Result

// Stage is one unit of work: a forward action, its compensation, and retry metadata.
type Stage struct {
	// Name identifies the stage within its flight. Names are persisted and compared on recovery.
	Name string

	// Forward performs the stage's work.
	Forward StageFunc

	// Compensate reverses a successful Forward. Nil means nothing to undo.
	Compensate StageFunc

	// Retry bounds how long a retryable failure may loop.
	Retry RetryPolicy

	// Inputs are working map keys this stage reads.
	Inputs []string

	// Outputs are working map keys this stage writes.
	Outputs []string

	// Irreversible marks a stage whose effect cannot be undone.
	// Its compensation logs that manual remediation may be required and succeeds.
	Irreversible bool
}

// Result is what a StageFunc returns.
type Result struct {
	Outcome Outcome
	Err     error
}

// Succeed returns a successful result.
func Succeed() Result {
	return Result{Outcome: OutcomeSuccess}
}

// RetryWith returns a retryable failure.
func RetryWith(err error) Result {
	return Result{Outcome: OutcomeRetryableFailure, Err: err}
}

// Fail returns a fatal failure.
func Fail(err error) Result {
	return Result{Outcome: OutcomeFatalFailure, Err: err}
}

// Classify maps an error to an outcome: nil succeeds, retryable and throttled errors
// retry, everything else is fatal.
func Classify(err error) Result {
	switch {
	case err == nil:
		return Succeed()
	case errors.Is(err, context.DeadlineExceeded):
		return RetryWith(NewRetryableError("deadline exceeded", err))
	case IsRetryable(err):
		return RetryWith(err)
	default:
		return Fail(err)
	}
}

// StageContext is the typed context passed to every stage invocation.
type StageContext struct {
	// RunID is the id of the executing run.
	RunID string

	// ParentRunID is set for child runs started by a fan-out stage.
	ParentRunID string

	// Operation is the run's operation type.
	Operation OperationType

	// Stage is the name of the stage being invoked.
	Stage string

	// Attempt is the 1-based invocation count of this stage in this process.
	Attempt int

	// Working is the run's working map.
	Working *WorkingMap

	// Logger carries run_id, operation and stage fields.
	Logger *telemetry.Logger

	failure            *RunError
	compensationFailed bool
}

// Failure returns the error that triggered compensation, or nil during forward execution.
func (sc *StageContext) Failure() *RunError {
	return sc.failure
}

// CompensationFailed reports whether a compensation that ran earlier in the sweep failed.
func (sc *StageContext) CompensationFailed() bool {
	return sc.compensationFailed
}

// Compensating reports whether the invocation is part of the compensation sweep.
func (sc *StageContext) Compensating() bool {
	return sc.failure != nil
}

// irreversibleCompensation is used for stages marked Irreversible.
func irreversibleCompensation(_ context.Context, sc *StageContext) Result {
	sc.Logger.Warnf("stage %s cannot be undone, manual remediation may be required", sc.Stage)
	return Succeed()
}
