package engine

import (
	"encoding/json"
	"errors"
	"time"
)

// Run is the durable record of one orchestration run.
type Run struct {
	// ID is the caller-supplied or generated run id.
	ID string `json:"id"`

	// Operation is the operation type the stage list was built for.
	Operation OperationType `json:"operation"`

	// ParentRunID links a child run to the run that started it.
	ParentRunID string `json:"parent_run_id,omitempty"`

	// Params are the operation parameters as submitted.
	Params json.RawMessage `json:"params"`

	// Working is the run's working map.
	Working *WorkingMap `json:"working_map"`

	// Stages holds one record per stage, in declared order.
	Stages []StageRecord `json:"stages"`

	// StageIndex is the index of the first stage not yet completed forward.
	StageIndex int `json:"stage_index"`

	// FailedStage is the index of the stage that failed fatally, or -1.
	FailedStage int `json:"failed_stage"`

	// Compensating is true once the compensation sweep has started.
	Compensating bool `json:"compensating"`

	// Status is the overall run status.
	Status RunStatus `json:"status"`

	// Error is the triggering error of a failed run.
	Error *RunError `json:"error,omitempty"`

	// CreatedAt is when the run was first persisted.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the run was last flushed.
	UpdatedAt time.Time `json:"updated_at"`

	// CompletedAt is when the run reached a terminal status.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// StageRecord is the persisted progress of one stage.
type StageRecord struct {
	// Name is the stage name.
	Name string `json:"name"`

	// Status is the stage progress marker.
	Status StageStatus `json:"status"`

	// LastOutcome is the outcome of the most recent invocation.
	LastOutcome Outcome `json:"last_outcome,omitempty"`

	// Attempts counts forward invocations that returned a failure.
	Attempts int `json:"attempts"`

	// LastError is the message of the most recent failure.
	LastError string `json:"last_error,omitempty"`
}

// RunError is the serialized cause of a failed run.
type RunError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Code is the error code, if any.
	Code string `json:"code,omitempty"`

	// Message is the verbatim error text.
	Message string `json:"message"`

	// Stage is the stage that failed.
	Stage string `json:"stage,omitempty"`

	// Conflicts is the conflict list of a conflict error.
	Conflicts []string `json:"conflicts,omitempty"`

	// Compensation lists the failed compensations, one message per stage.
	Compensation []string `json:"compensation,omitempty"`
}

// Error implements the error interface.
func (e *RunError) Error() string {
	return e.Message
}

// NewRunError serializes err as the triggering error of stage.
func NewRunError(stage string, err error) *RunError {
	if err == nil {
		err = errors.New("stage failed without an error")
	}
	re := &RunError{
		Class:   ErrorClassPermanent,
		Message: err.Error(),
		Stage:   stage,
	}
	var ee *EngineError
	if errors.As(err, &ee) {
		re.Class = ee.Class
		re.Code = ee.Code
		re.Conflicts = ee.Conflicts
	}
	return re
}

// SubmitRequest is the caller-facing submission of an operation.
type SubmitRequest struct {
	// RunID is optional; resubmitting an existing id is a no-op.
	RunID string `json:"run_id,omitempty"`

	// Operation selects the flight builder.
	Operation OperationType `json:"operation"`

	// Params are the operation parameters.
	Params json.RawMessage `json:"params"`

	// ParentRunID links a child run to its parent.
	ParentRunID string `json:"parent_run_id,omitempty"`
}

// StatusReport is the answer to a status query.
type StatusReport struct {
	RunID       string                     `json:"run_id"`
	Operation   OperationType              `json:"operation"`
	ParentRunID string                     `json:"parent_run_id,omitempty"`
	Status      RunStatus                  `json:"status"`
	WorkingMap  map[string]json.RawMessage `json:"working_map,omitempty"`
	Stages      []StageRecord              `json:"stages"`
	Error       *RunError                  `json:"error,omitempty"`
	CreatedAt   time.Time                  `json:"created_at"`
	CompletedAt *time.Time                 `json:"completed_at,omitempty"`
}

// Report builds the status report of r.
func (r *Run) Report() *StatusReport {
	rep := &StatusReport{
		RunID:       r.ID,
		Operation:   r.Operation,
		ParentRunID: r.ParentRunID,
		Status:      r.Status,
		Stages:      append([]StageRecord(nil), r.Stages...),
		Error:       r.Error,
		CreatedAt:   r.CreatedAt,
		CompletedAt: r.CompletedAt,
	}
	if r.Working != nil {
		rep.WorkingMap = r.Working.Snapshot()
	}
	return rep
}

// StageNames returns the recorded stage names in order.
func (r *Run) StageNames() []string {
	names := make([]string, len(r.Stages))
	for i, s := range r.Stages {
		names[i] = s.Name
	}
	return names
}
