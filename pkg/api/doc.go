// Package api serves run submission, run status and read-only workspace
// queries over HTTP.
//
//	POST /api/v1/runs                              submit {operation, params, run_id?}
//	GET  /api/v1/runs?status=RUNNING               list runs
//	GET  /api/v1/runs/{runID}                      status report
//	GET  /api/v1/workspaces/{workspaceID}/resources
//	GET  /api/v1/workspaces/{workspaceID}/activity
//	GET  /healthz
//	GET  /metrics
//
// Submitting a run id that already exists answers 200 with the same id and
// does not start a second run.
package api
