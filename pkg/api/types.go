package api

import (
	"encoding/json"
	"time"

	"github.com/openfroyo/wsm/pkg/engine"
)

// SubmitRunRequest is the body of POST /api/v1/runs.
type SubmitRunRequest struct {
	Operation string          `json:"operation"`
	Params    json.RawMessage `json:"params,omitempty"`

	// RunID makes the submission idempotent; one is generated when empty.
	RunID string `json:"run_id,omitempty"`
}

// SubmitRunResponse carries the id of the accepted run.
type SubmitRunResponse struct {
	RunID string `json:"run_id"`
}

// RunSummary is one row of GET /api/v1/runs.
type RunSummary struct {
	RunID       string               `json:"run_id"`
	Operation   engine.OperationType `json:"operation"`
	ParentRunID string               `json:"parent_run_id,omitempty"`
	Status      engine.RunStatus     `json:"status"`
	Stage       string               `json:"stage,omitempty"`
	ErrorCode   string               `json:"error_code,omitempty"`
	CreatedAt   time.Time            `json:"created_at"`
	CompletedAt *time.Time           `json:"completed_at,omitempty"`
}

// ErrorResponse is returned with every non-2xx status.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// summarize reduces run to its list row. Stage is the stage the run is on, or
// the one that failed.
func summarize(run *engine.Run) RunSummary {
	out := RunSummary{
		RunID:       run.ID,
		Operation:   run.Operation,
		ParentRunID: run.ParentRunID,
		Status:      run.Status,
		CreatedAt:   run.CreatedAt,
		CompletedAt: run.CompletedAt,
	}
	switch {
	case run.Error != nil:
		out.Stage = run.Error.Stage
		out.ErrorCode = run.Error.Code
	case run.StageIndex < len(run.Stages) && !run.Status.IsTerminal():
		out.Stage = run.Stages[run.StageIndex].Name
	}
	return out
}
