package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/wsm/pkg/telemetry"
)

// errRunActive is returned when another goroutine of this process is executing the run.
var errRunActive = errors.New("run is already executing")

// Config configures the run engine.
type Config struct {
	// Workers is the size of the worker pool.
	Workers int

	// QueueSize is the capacity of the pending-run queue.
	QueueSize int

	// PollInterval is how often Wait re-reads a run it does not execute itself.
	PollInterval time.Duration
}

// Engine executes orchestration runs on a bounded worker pool.
// Each run executes its stages strictly in order; concurrency is across runs.
type Engine struct {
	cfg      Config
	store    RunStore
	registry *Registry
	tel      *telemetry.Telemetry
	logger   *telemetry.Logger

	// queue holds ids of runs waiting for a worker
	queue chan string

	// wg tracks worker goroutines
	wg sync.WaitGroup

	// mu protects active, started and cancel
	mu      sync.Mutex
	active  map[string]struct{}
	started bool
	cancel  context.CancelFunc
}

// NewEngine creates a run engine. A nil tel disables telemetry.
func NewEngine(cfg Config, store RunStore, registry *Registry, tel *telemetry.Telemetry) (*Engine, error) {
	if store == nil {
		return nil, NewPermanentError("run store is required", nil).WithCode(ErrCodeValidation)
	}
	if registry == nil {
		return nil, NewPermanentError("flight registry is required", nil).WithCode(ErrCodeValidation)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8 // Default to 8 concurrent runs
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if tel == nil {
		tel = telemetry.NewNoop()
	}

	return &Engine{
		cfg:      cfg,
		store:    store,
		registry: registry,
		tel:      tel,
		logger:   tel.Logger.NewComponentLogger("engine"),
		queue:    make(chan string, cfg.QueueSize),
		active:   make(map[string]struct{}),
	}, nil
}

// Start launches the worker pool. Workers stop when ctx is cancelled or Stop is called.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return NewPermanentError("engine already started", nil).WithCode(ErrCodeInvalidState)
	}

	workerCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.started = true

	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker(workerCtx, i)
	}

	e.logger.WithField("workers", e.cfg.Workers).Info("engine started")
	return nil
}

// Stop cancels the workers and waits for them to return.
// Runs interrupted mid-stage stay RUNNING and are resumed by Recover.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	cancel := e.cancel
	e.started = false
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.logger.Info("engine stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("engine shutdown timeout: %w", ctx.Err())
	}
}

// worker executes queued runs until ctx is cancelled.
func (e *Engine) worker(ctx context.Context, id int) {
	defer e.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case runID := <-e.queue:
			e.tel.Metrics.SetQueueDepth(float64(len(e.queue)))
			if err := e.runByID(ctx, runID); err != nil {
				if errors.Is(err, errRunActive) {
					continue
				}
				e.logger.WithRunID(runID).WithField("worker", id).WithError(err).
					Warn("run interrupted")
			}
		}
	}
}

// Submit persists the run described by req and queues it for a worker.
// Resubmitting an existing run id returns that id and does nothing else.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	run, created, err := e.persist(ctx, req)
	if err != nil {
		return "", err
	}
	if !created {
		e.logger.WithRunID(run.ID).Debug("run already exists, submission ignored")
		return run.ID, nil
	}

	if err := e.enqueue(ctx, run.ID); err != nil {
		return run.ID, err
	}
	return run.ID, nil
}

// Execute implements Runner: it persists the run if needed and drives it to a
// terminal status in the caller's goroutine.
func (e *Engine) Execute(ctx context.Context, req SubmitRequest) (*Run, error) {
	run, _, err := e.persist(ctx, req)
	if err != nil {
		return nil, err
	}
	if run.Status.IsTerminal() {
		return run, nil
	}

	if err := e.runByID(ctx, run.ID); err != nil {
		if !errors.Is(err, errRunActive) {
			return nil, err
		}
		return e.Wait(ctx, run.ID)
	}
	return e.store.GetRun(ctx, run.ID)
}

// GetStatus returns the status report of a run.
func (e *Engine) GetStatus(ctx context.Context, runID string) (*StatusReport, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run.Report(), nil
}

// Wait polls a run until it reaches a terminal status.
func (e *Engine) Wait(ctx context.Context, runID string) (*Run, error) {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		run, err := e.store.GetRun(ctx, runID)
		if err != nil {
			return nil, fmt.Errorf("failed to get run: %w", err)
		}
		if run.Status.IsTerminal() {
			return run, nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Recover queues every run left CREATED or RUNNING by a previous process.
// It returns the number of runs queued.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	runs, err := e.store.ListRunsByStatus(ctx, RunStatusCreated, RunStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("failed to list unfinished runs: %w", err)
	}

	for _, run := range runs {
		if err := e.enqueue(ctx, run.ID); err != nil {
			return 0, err
		}
	}

	e.logger.WithField("runs", len(runs)).Info("recovered unfinished runs")
	return len(runs), nil
}

// enqueue hands a run id to the worker pool.
func (e *Engine) enqueue(ctx context.Context, runID string) error {
	select {
	case e.queue <- runID:
		e.tel.Metrics.SetQueueDepth(float64(len(e.queue)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// persist builds the flight for req and inserts the run unless it already exists.
func (e *Engine) persist(ctx context.Context, req SubmitRequest) (*Run, bool, error) {
	if err := req.Operation.Validate(); err != nil {
		return nil, false, NewPermanentError("invalid submission", err).WithCode(ErrCodeValidation)
	}
	if req.RunID == "" {
		req.RunID = uuid.New().String()
	} else {
		existing, err := e.store.GetRun(ctx, req.RunID)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, ErrRunNotFound) {
			return nil, false, fmt.Errorf("failed to check run: %w", err)
		}
	}
	if len(req.Params) == 0 {
		req.Params = json.RawMessage(`{}`)
	}

	flight, err := e.registry.Build(req.Operation, req.Params)
	if err != nil {
		return nil, false, err
	}

	run, err := newRun(req, flight)
	if err != nil {
		return nil, false, err
	}

	created, err := e.store.CreateRun(ctx, run)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create run: %w", err)
	}
	if !created {
		existing, err := e.store.GetRun(ctx, run.ID)
		if err != nil {
			return nil, false, fmt.Errorf("failed to get run: %w", err)
		}
		return existing, false, nil
	}

	e.tel.Events.PublishRunCreated(run.ID, string(run.Operation))
	return run, true, nil
}

// newRun creates the initial record of a run with seeded working map.
func newRun(req SubmitRequest, flight *Flight) (*Run, error) {
	working := NewWorkingMap()
	for k, v := range flight.Seed {
		if err := working.Put(k, v); err != nil {
			return nil, err
		}
	}

	stages := make([]StageRecord, len(flight.Stages))
	for i, s := range flight.Stages {
		stages[i] = StageRecord{Name: s.Name, Status: StageStatusPending}
	}

	now := time.Now().UTC()
	return &Run{
		ID:          req.RunID,
		Operation:   req.Operation,
		ParentRunID: req.ParentRunID,
		Params:      req.Params,
		Working:     working,
		Stages:      stages,
		FailedStage: -1,
		Status:      RunStatusCreated,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// acquire marks a run as executing in this process.
func (e *Engine) acquire(runID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.active[runID]; busy {
		return false
	}
	e.active[runID] = struct{}{}
	e.tel.Metrics.SetActiveRuns(float64(len(e.active)))
	return true
}

// release clears the executing mark of a run.
func (e *Engine) release(runID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.active, runID)
	e.tel.Metrics.SetActiveRuns(float64(len(e.active)))
}

// runByID loads a run, rebuilds its flight and executes it.
func (e *Engine) runByID(ctx context.Context, runID string) error {
	if !e.acquire(runID) {
		return errRunActive
	}
	defer e.release(runID)

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to load run: %w", err)
	}
	if run.Status.IsTerminal() {
		return nil
	}

	flight, err := e.registry.Build(run.Operation, run.Params)
	if err != nil {
		return e.abandon(ctx, run, NewRunError("", err))
	}
	if !sameNames(flight.StageNames(), run.StageNames()) {
		re := NewRunError("", NewPermanentError(
			fmt.Sprintf("stage list of %s changed since the run was created", run.Operation), nil).
			WithCode(ErrCodeStageMismatch))
		return e.abandon(ctx, run, re)
	}

	return e.execute(ctx, run, flight)
}

// execute drives forward stages from the stage index, then the compensation sweep if needed.
func (e *Engine) execute(ctx context.Context, run *Run, flight *Flight) error {
	logger := e.logger.WithRunID(run.ID).WithField("operation", string(run.Operation))
	ctx, span := e.tel.Tracer.StartRunSpan(ctx, run.ID, string(run.Operation))
	defer span.End()

	if run.Status == RunStatusCreated {
		run.Status = RunStatusRunning
		if err := e.save(ctx, run); err != nil {
			return err
		}
		e.tel.Metrics.RecordRunStarted(string(run.Operation))
		e.tel.Events.PublishRunStarted(run.ID, string(run.Operation))
		logger.Info("run started")
	} else {
		logger.WithField("stage_index", run.StageIndex).
			WithField("compensating", run.Compensating).
			Info("resuming run")
	}

	if !run.Compensating {
		for run.StageIndex < len(flight.Stages) {
			i := run.StageIndex
			res, err := e.forward(ctx, run, flight.Stages[i], &run.Stages[i], logger)
			if err != nil {
				return err
			}

			if res.Outcome == OutcomeSuccess {
				run.Stages[i].Status = StageStatusSuccess
				run.StageIndex++
				if err := e.save(ctx, run); err != nil {
					return err
				}
				e.tel.Events.PublishStageSucceeded(run.ID, flight.Stages[i].Name)
				continue
			}

			// Fatal: record the cause and switch to compensation
			run.Stages[i].Status = StageStatusFailed
			run.FailedStage = i
			run.Error = NewRunError(flight.Stages[i].Name, res.Err)
			run.Compensating = true
			if err := e.save(ctx, run); err != nil {
				return err
			}
			telemetry.RecordFailure(span, string(run.Error.Class), res.Err)
			e.tel.Metrics.RecordError(string(run.Error.Class), run.Error.Code)
			e.tel.Events.PublishStageFailed(run.ID, flight.Stages[i].Name, run.Error.Message)
			logger.WithField("stage", flight.Stages[i].Name).WithError(res.Err).
				Error("stage failed, compensating")
			break
		}
	}

	if run.Compensating {
		if err := e.compensate(ctx, run, flight, logger); err != nil {
			return err
		}
	}

	return e.finish(ctx, run, logger)
}

// forward invokes a stage until it succeeds, fails fatally, or exhausts its retry policy.
// A non-nil error means execution was interrupted and the run must stay RUNNING.
func (e *Engine) forward(ctx context.Context, run *Run, stage Stage, rec *StageRecord, logger *telemetry.Logger) (Result, error) {
	stageLogger := logger.WithField("stage", stage.Name)

	for attempt := 1; ; attempt++ {
		sc := &StageContext{
			RunID:       run.ID,
			ParentRunID: run.ParentRunID,
			Operation:   run.Operation,
			Stage:       stage.Name,
			Attempt:     attempt,
			Working:     run.Working,
			Logger:      stageLogger,
		}

		res := e.invoke(ctx, run, stage.Name, "forward", stage.Forward, sc)
		rec.LastOutcome = res.Outcome
		if res.Outcome == OutcomeSuccess {
			rec.LastError = ""
			return res, nil
		}

		rec.Attempts++
		rec.LastError = errorText(res.Err)

		// Shutdown while the stage ran is not a stage failure
		if ctx.Err() != nil {
			return res, ctx.Err()
		}

		if res.Outcome != OutcomeRetryableFailure {
			return res, nil
		}

		decision := stage.Retry.ShouldRetry(rec.Attempts, res.Outcome)
		if !decision.Retry {
			return Fail(NewPermanentError(
				fmt.Sprintf("retries exhausted after %d attempts", rec.Attempts), res.Err).
				WithCode(ErrCodeRetriesExhausted).
				WithOperation(stage.Name)), nil
		}

		if err := e.save(ctx, run); err != nil {
			return res, err
		}
		e.tel.Metrics.RecordStageRetry(string(run.Operation), stage.Name)
		e.tel.Events.PublishStageRetrying(run.ID, stage.Name, rec.Attempts, rec.LastError)
		stageLogger.WithField("attempt", rec.Attempts).WithField("retry_after", decision.After.String()).
			WithError(res.Err).Warn("stage failed, retrying")

		// Wait before the next attempt
		select {
		case <-time.After(decision.After):
		case <-ctx.Done():
			return res, ctx.Err()
		}
	}
}

// compensate runs compensations of completed stages below the failed stage, in reverse order.
// A failed compensation is recorded and the sweep continues.
func (e *Engine) compensate(ctx context.Context, run *Run, flight *Flight, logger *telemetry.Logger) error {
	failed := compensationFailed(run)

	for i := run.FailedStage - 1; i >= 0; i-- {
		rec := &run.Stages[i]
		if rec.Status != StageStatusSuccess {
			continue
		}
		stage := flight.Stages[i]
		stageLogger := logger.WithField("stage", stage.Name)

		res := Succeed()
		if stage.Compensate != nil {
			var err error
			res, err = e.compensateStage(ctx, run, stage, failed, stageLogger)
			if err != nil {
				return err
			}
		}

		if res.Outcome == OutcomeSuccess {
			rec.Status = StageStatusCompensated
			e.tel.Metrics.RecordCompensation(string(run.Operation), stage.Name, true)
			e.tel.Events.PublishStageCompensated(run.ID, stage.Name, "")
		} else {
			irr := NewIrrecoverableError(stage.Name, res.Err)
			rec.Status = StageStatusCompensationFailed
			rec.LastError = irr.Error()
			run.Error.Compensation = append(run.Error.Compensation, irr.Error())
			failed = true
			e.tel.Metrics.RecordCompensation(string(run.Operation), stage.Name, false)
			e.tel.Events.PublishStageCompensated(run.ID, stage.Name, irr.Error())
			stageLogger.WithError(irr).Error("compensation failed, continuing sweep")
		}

		if err := e.save(ctx, run); err != nil {
			return err
		}
	}
	return nil
}

// compensateStage invokes one compensation under the stage retry policy.
func (e *Engine) compensateStage(ctx context.Context, run *Run, stage Stage, failed bool, logger *telemetry.Logger) (Result, error) {
	for attempt := 1; ; attempt++ {
		sc := &StageContext{
			RunID:              run.ID,
			ParentRunID:        run.ParentRunID,
			Operation:          run.Operation,
			Stage:              stage.Name,
			Attempt:            attempt,
			Working:            run.Working,
			Logger:             logger,
			failure:            run.Error,
			compensationFailed: failed,
		}

		res := e.invoke(ctx, run, stage.Name, "compensate", stage.Compensate, sc)
		if res.Outcome == OutcomeSuccess {
			return res, nil
		}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if res.Outcome != OutcomeRetryableFailure {
			return res, nil
		}

		decision := stage.Retry.ShouldRetry(attempt, res.Outcome)
		if !decision.Retry {
			return Fail(res.Err), nil
		}
		logger.WithField("attempt", attempt).WithError(res.Err).Warn("compensation failed, retrying")

		select {
		case <-time.After(decision.After):
		case <-ctx.Done():
			return res, ctx.Err()
		}
	}
}

// invoke calls fn inside a span and converts panics into fatal failures.
func (e *Engine) invoke(ctx context.Context, run *Run, stage, phase string, fn StageFunc, sc *StageContext) (res Result) {
	ctx, span := e.tel.Tracer.StartStageSpan(ctx, run.ID, stage, phase)
	timer := telemetry.NewTimer()

	defer func() {
		if r := recover(); r != nil {
			res = Fail(NewPermanentError(fmt.Sprintf("stage %s panicked: %v", stage, r), nil).
				WithCode(ErrCodeInternal))
		}
		if res.Outcome.Validate() != nil {
			res = Fail(NewPermanentError(
				fmt.Sprintf("stage %s returned invalid outcome %q", stage, res.Outcome), res.Err).
				WithCode(ErrCodeInternal))
		}
		if res.Outcome != OutcomeSuccess {
			class, _ := classOf(res.Err)
			telemetry.RecordFailure(span, string(class), res.Err)
		}
		span.End()
		e.tel.Metrics.RecordStage(string(run.Operation), stage, phase, string(res.Outcome), timer.Duration())
	}()

	return fn(ctx, sc)
}

// finish computes and persists the terminal status.
func (e *Engine) finish(ctx context.Context, run *Run, logger *telemetry.Logger) error {
	switch {
	case !run.Compensating:
		run.Status = RunStatusSuccess
	case compensationFailed(run):
		run.Status = RunStatusFatal
	default:
		run.Status = RunStatusError
	}

	now := time.Now().UTC()
	run.CompletedAt = &now
	if err := e.save(ctx, run); err != nil {
		return err
	}

	duration := now.Sub(run.CreatedAt)
	e.tel.Metrics.RecordRunCompleted(string(run.Operation), string(run.Status), duration)
	e.tel.Events.PublishRunCompleted(run.ID, string(run.Operation), string(run.Status), duration)

	entry := logger.WithField("status", string(run.Status)).WithField("duration", duration.String())
	if run.Status == RunStatusSuccess {
		entry.Info("run completed")
	} else {
		entry.WithField("error", run.Error.Message).Warn("run completed with failure")
	}
	return nil
}

// abandon finalizes a run that cannot be executed at all.
func (e *Engine) abandon(ctx context.Context, run *Run, re *RunError) error {
	now := time.Now().UTC()
	run.Status = RunStatusFatal
	run.Error = re
	run.CompletedAt = &now
	if err := e.save(ctx, run); err != nil {
		return err
	}
	e.logger.WithRunID(run.ID).WithField("error", re.Message).Error("run abandoned")
	e.tel.Metrics.RecordRunCompleted(string(run.Operation), string(run.Status), now.Sub(run.CreatedAt))
	return nil
}

// save flushes the run to the store.
func (e *Engine) save(ctx context.Context, run *Run) error {
	run.UpdatedAt = time.Now().UTC()
	if err := e.store.SaveRun(ctx, run); err != nil {
		return fmt.Errorf("failed to save run %s: %w", run.ID, err)
	}
	return nil
}

func compensationFailed(run *Run) bool {
	for _, s := range run.Stages {
		if s.Status == StageStatusCompensationFailed {
			return true
		}
	}
	return false
}

func sameNames(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
