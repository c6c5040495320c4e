// Package engine runs durable multi-stage operations with compensation.
//
// # Overview
//
// An operation is expressed as a Flight: an ordered list of stages, each with a
// forward action, an optional compensation, a retry policy and the working map
// keys it reads and writes. The Engine persists a Run before executing anything
// and flushes it after every stage transition, so a process that dies mid-run
// resumes from the first stage that has not completed.
//
// # Stage outcomes
//
//   - SUCCESS: proceed to the next stage
//   - RETRYABLE_FAILURE: consult the stage RetryPolicy, then retry or treat as fatal
//   - FATAL_FAILURE: stop forward execution and compensate
//
// On a fatal failure the engine compensates every previously completed stage in
// strict reverse order. A failed compensation is recorded and the sweep
// continues. The run ends ERROR when every compensation succeeded and FATAL
// otherwise.
//
// # Registry
//
// Flights are built by FlightBuilder functions registered per OperationType:
//
//	reg := engine.NewRegistry()
//	reg.Register(engine.OperationCreateWorkspace, func(params json.RawMessage) (*engine.Flight, error) {
//	    return engine.NewFlight(engine.OperationCreateWorkspace, seed, claim, create, finish)
//	})
//
//	eng, err := engine.NewEngine(engine.Config{Workers: 8}, store, reg, tel)
//	eng.Start(ctx)
//	eng.Recover(ctx)
//	runID, err := eng.Submit(ctx, engine.SubmitRequest{Operation: engine.OperationCreateWorkspace, Params: p})
//
// Builders must be deterministic. On recovery the flight is rebuilt from the
// persisted parameters and its stage names are compared with the stored ones;
// a mismatch finalizes the run FATAL with code STAGE_MISMATCH.
//
// # Errors
//
// Stage errors are classified through EngineError. Classify maps retryable and
// throttled errors to RETRYABLE_FAILURE and everything else to FATAL_FAILURE.
package engine
