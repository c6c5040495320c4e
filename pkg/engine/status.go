package engine

import (
	"fmt"
)

// RunStatus represents the overall status of an orchestration run.
type RunStatus string

const (
	// RunStatusCreated indicates the run is persisted but no stage has executed yet.
	RunStatusCreated RunStatus = "CREATED"

	// RunStatusRunning indicates the run is executing forward stages or compensations.
	RunStatusRunning RunStatus = "RUNNING"

	// RunStatusSuccess indicates every stage completed forward.
	RunStatusSuccess RunStatus = "SUCCESS"

	// RunStatusError indicates the run failed and every compensation succeeded.
	RunStatusError RunStatus = "ERROR"

	// RunStatusFatal indicates the run failed and at least one compensation failed.
	RunStatusFatal RunStatus = "FATAL"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSuccess || s == RunStatusError || s == RunStatusFatal
}

// IsActive returns true if the run still needs an executor.
func (s RunStatus) IsActive() bool {
	return s == RunStatusCreated || s == RunStatusRunning
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusCreated, RunStatusRunning, RunStatusSuccess,
		RunStatusError, RunStatusFatal:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// Outcome is the result classification of a single forward or compensate invocation.
type Outcome string

const (
	// OutcomeSuccess means proceed to the next stage.
	OutcomeSuccess Outcome = "SUCCESS"

	// OutcomeRetryableFailure means consult the stage retry policy.
	OutcomeRetryableFailure Outcome = "RETRYABLE_FAILURE"

	// OutcomeFatalFailure means stop forward execution and compensate.
	OutcomeFatalFailure Outcome = "FATAL_FAILURE"
)

// Validate checks if the outcome is valid.
func (o Outcome) Validate() error {
	switch o {
	case OutcomeSuccess, OutcomeRetryableFailure, OutcomeFatalFailure:
		return nil
	default:
		return fmt.Errorf("invalid stage outcome: %s", o)
	}
}

// StageStatus is the durable progress marker of one stage in a run.
type StageStatus string

const (
	// StageStatusPending indicates the stage has not completed forward.
	StageStatusPending StageStatus = "pending"

	// StageStatusSuccess indicates the forward action completed.
	StageStatusSuccess StageStatus = "success"

	// StageStatusFailed indicates the forward action failed fatally or exhausted retries.
	StageStatusFailed StageStatus = "failed"

	// StageStatusCompensated indicates the compensation completed.
	StageStatusCompensated StageStatus = "compensated"

	// StageStatusCompensationFailed indicates the compensation failed.
	StageStatusCompensationFailed StageStatus = "compensation_failed"
)

// IsTerminal returns true if the stage needs no further forward or compensate call.
func (s StageStatus) IsTerminal() bool {
	return s == StageStatusFailed || s == StageStatusCompensated ||
		s == StageStatusCompensationFailed
}

// Validate checks if the stage status is valid.
func (s StageStatus) Validate() error {
	switch s {
	case StageStatusPending, StageStatusSuccess, StageStatusFailed,
		StageStatusCompensated, StageStatusCompensationFailed:
		return nil
	default:
		return fmt.Errorf("invalid stage status: %s", s)
	}
}

// OperationType names an operation family that the registry can build a flight for.
type OperationType string

const (
	OperationCreateWorkspace          OperationType = "create-workspace"
	OperationDeleteWorkspace          OperationType = "delete-workspace"
	OperationCreateCloudContext       OperationType = "create-cloud-context"
	OperationDeleteCloudContext       OperationType = "delete-cloud-context"
	OperationCreateControlledResource OperationType = "create-controlled-resource"
	OperationCreateReferencedResource OperationType = "create-referenced-resource"
	OperationUpdateResource           OperationType = "update-resource"
	OperationDeleteResource           OperationType = "delete-resource"
	OperationCloneResource            OperationType = "clone-resource"
	OperationMergePolicy              OperationType = "merge-policy"
	OperationLinkPolicy               OperationType = "link-policy"
)

// IsDestructive returns true if the operation removes resources or workspaces.
func (o OperationType) IsDestructive() bool {
	return o == OperationDeleteWorkspace || o == OperationDeleteCloudContext ||
		o == OperationDeleteResource
}

// Validate checks that the operation type is non-empty and well formed.
// Registration decides whether a builder exists for it.
func (o OperationType) Validate() error {
	if o == "" {
		return fmt.Errorf("operation type is required")
	}
	for _, r := range o {
		if !(r >= 'a' && r <= 'z') && r != '-' && !(r >= '0' && r <= '9') {
			return fmt.Errorf("invalid operation type: %s", o)
		}
	}
	return nil
}
