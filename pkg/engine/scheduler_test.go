package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/openfroyo/wsm/pkg/telemetry"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func nopLogger() *telemetry.Logger {
	return telemetry.NewNopLogger()
}

// memRunStore keeps runs as JSON so every read observes only what was flushed.
type memRunStore struct {
	mu   sync.Mutex
	runs map[string][]byte
}

func newMemRunStore() *memRunStore {
	return &memRunStore{runs: make(map[string][]byte)}
}

func (s *memRunStore) CreateRun(_ context.Context, run *Run) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; ok {
		return false, nil
	}
	data, err := json.Marshal(run)
	if err != nil {
		return false, err
	}
	s.runs[run.ID] = data
	return true, nil
}

func (s *memRunStore) GetRun(_ context.Context, id string) (*Run, error) {
	s.mu.Lock()
	data, ok := s.runs[id]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, ErrRunNotFound)
	}
	var run Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

func (s *memRunStore) SaveRun(_ context.Context, run *Run) error {
	data, err := json.Marshal(run)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; !ok {
		return fmt.Errorf("run %s: %w", run.ID, ErrRunNotFound)
	}
	s.runs[run.ID] = data
	return nil
}

func (s *memRunStore) ListRunsByStatus(ctx context.Context, statuses ...RunStatus) ([]*Run, error) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.runs))
	for id := range s.runs {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids)

	var out []*Run
	for _, id := range ids {
		run, err := s.GetRun(ctx, id)
		if err != nil {
			return nil, err
		}
		for _, st := range statuses {
			if run.Status == st {
				out = append(out, run)
				break
			}
		}
	}
	return out, nil
}

// put stores a run directly, as a previous process would have left it.
func (s *memRunStore) put(t *testing.T, run *Run) {
	t.Helper()
	data, err := json.Marshal(run)
	require.NoError(t, err)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = data
}

// recorder collects stage invocations in order.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *recorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recorder) count(call string) int {
	n := 0
	for _, c := range r.get() {
		if c == call {
			n++
		}
	}
	return n
}

// step returns a stage whose forward and compensation are recorded.
func (r *recorder) step(name string, forward StageFunc) Stage {
	return Stage{
		Name: name,
		Forward: func(ctx context.Context, sc *StageContext) Result {
			r.add("do:" + name)
			if forward != nil {
				return forward(ctx, sc)
			}
			return Succeed()
		},
		Compensate: func(context.Context, *StageContext) Result {
			r.add("undo:" + name)
			return Succeed()
		},
		Retry: FixedInterval(time.Millisecond, 3),
	}
}

func newTestEngine(t *testing.T, store RunStore, op OperationType, stages func() []Stage) *Engine {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, reg.Register(op, func(json.RawMessage) (*Flight, error) {
		return NewFlight(op, map[string]interface{}{"seed": "value"}, stages()...)
	}))
	eng, err := NewEngine(Config{Workers: 2, PollInterval: 5 * time.Millisecond}, store, reg, nil)
	require.NoError(t, err)
	return eng
}

func execute(t *testing.T, eng *Engine, op OperationType) *Run {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	run, err := eng.Execute(ctx, SubmitRequest{Operation: op, Params: json.RawMessage(`{}`)})
	require.NoError(t, err)
	return run
}

func TestEngineRunsStagesInOrder(t *testing.T) {
	rec := &recorder{}
	eng := newTestEngine(t, newMemRunStore(), OperationCreateWorkspace, func() []Stage {
		first := rec.step("first", func(_ context.Context, sc *StageContext) Result {
			return Classify(sc.Working.Put("bucket", sc.Working.GetString("seed")+"-bucket"))
		})
		first.Outputs = []string{"bucket"}
		second := rec.step("second", func(_ context.Context, sc *StageContext) Result {
			if sc.Working.GetString("bucket") != "value-bucket" {
				return Fail(errors.New("missing bucket"))
			}
			return Succeed()
		})
		second.Inputs = []string{"bucket"}
		return []Stage{first, second, rec.step("third", nil)}
	})

	run := execute(t, eng, OperationCreateWorkspace)

	assert.Equal(t, RunStatusSuccess, run.Status)
	assert.Equal(t, []string{"do:first", "do:second", "do:third"}, rec.get())
	assert.Equal(t, 3, run.StageIndex)
	assert.Equal(t, "value-bucket", run.Working.GetString("bucket"))
	assert.NotNil(t, run.CompletedAt)
	for _, s := range run.Stages {
		assert.Equal(t, StageStatusSuccess, s.Status, s.Name)
	}
}

func TestEngineCompensatesInReverseOrder(t *testing.T) {
	rec := &recorder{}
	eng := newTestEngine(t, newMemRunStore(), OperationCreateWorkspace, func() []Stage {
		return []Stage{
			rec.step("a", nil),
			rec.step("b", nil),
			rec.step("c", func(context.Context, *StageContext) Result {
				return Fail(NewPermanentError("quota exceeded", nil))
			}),
			rec.step("d", nil),
		}
	})

	run := execute(t, eng, OperationCreateWorkspace)

	assert.Equal(t, RunStatusError, run.Status)
	assert.Equal(t, []string{"do:a", "do:b", "do:c", "undo:b", "undo:a"}, rec.get())
	require.NotNil(t, run.Error)
	assert.Equal(t, "c", run.Error.Stage)
	assert.Contains(t, run.Error.Message, "quota exceeded")
	assert.Equal(t, 2, run.FailedStage)
	assert.Equal(t, StageStatusCompensated, run.Stages[0].Status)
	assert.Equal(t, StageStatusCompensated, run.Stages[1].Status)
	assert.Equal(t, StageStatusFailed, run.Stages[2].Status)
	assert.Equal(t, StageStatusPending, run.Stages[3].Status)
}

func TestEngineCompensationFailureContinuesSweep(t *testing.T) {
	rec := &recorder{}
	var sawFailure *RunError
	var sawCompensationFailed bool

	eng := newTestEngine(t, newMemRunStore(), OperationCreateWorkspace, func() []Stage {
		a := rec.step("a", nil)
		a.Compensate = func(_ context.Context, sc *StageContext) Result {
			rec.add("undo:a")
			sawFailure = sc.Failure()
			sawCompensationFailed = sc.CompensationFailed()
			return Succeed()
		}
		b := rec.step("b", nil)
		b.Compensate = func(context.Context, *StageContext) Result {
			rec.add("undo:b")
			return Fail(errors.New("bucket still in use"))
		}
		c := rec.step("c", func(context.Context, *StageContext) Result {
			return Fail(NewConflictError("name taken", []string{"storage-bucket/logs"}))
		})
		return []Stage{a, b, c}
	})

	run := execute(t, eng, OperationCreateWorkspace)

	assert.Equal(t, RunStatusFatal, run.Status)
	assert.Equal(t, []string{"do:a", "do:b", "do:c", "undo:b", "undo:a"}, rec.get())
	assert.Equal(t, StageStatusCompensated, run.Stages[0].Status)
	assert.Equal(t, StageStatusCompensationFailed, run.Stages[1].Status)

	require.NotNil(t, run.Error)
	assert.Equal(t, ErrorClassConflict, run.Error.Class)
	assert.Equal(t, []string{"storage-bucket/logs"}, run.Error.Conflicts)
	require.Len(t, run.Error.Compensation, 1)
	assert.Contains(t, run.Error.Compensation[0], "bucket still in use")

	require.NotNil(t, sawFailure)
	assert.Equal(t, "c", sawFailure.Stage)
	assert.True(t, sawCompensationFailed)
}

func TestEngineRetriesThenSucceeds(t *testing.T) {
	rec := &recorder{}
	eng := newTestEngine(t, newMemRunStore(), OperationCreateWorkspace, func() []Stage {
		return []Stage{rec.step("flaky", func(_ context.Context, sc *StageContext) Result {
			if sc.Attempt < 3 {
				return RetryWith(NewThrottledError("rate limited", nil))
			}
			return Succeed()
		})}
	})

	run := execute(t, eng, OperationCreateWorkspace)

	assert.Equal(t, RunStatusSuccess, run.Status)
	assert.Equal(t, 3, rec.count("do:flaky"))
	assert.Equal(t, 2, run.Stages[0].Attempts)
	assert.Empty(t, run.Stages[0].LastError)
}

func TestEngineRetriesExhausted(t *testing.T) {
	rec := &recorder{}
	eng := newTestEngine(t, newMemRunStore(), OperationCreateWorkspace, func() []Stage {
		return []Stage{
			rec.step("a", nil),
			rec.step("never", func(context.Context, *StageContext) Result {
				return RetryWith(NewRetryableError("still provisioning", nil))
			}),
		}
	})

	run := execute(t, eng, OperationCreateWorkspace)

	assert.Equal(t, RunStatusError, run.Status)
	assert.Equal(t, 3, rec.count("do:never"))
	assert.Equal(t, 1, rec.count("undo:a"))
	require.NotNil(t, run.Error)
	assert.Equal(t, ErrCodeRetriesExhausted, run.Error.Code)
	assert.Contains(t, run.Error.Message, "still provisioning")
}

func TestEngineIrreversibleStage(t *testing.T) {
	rec := &recorder{}
	eng := newTestEngine(t, newMemRunStore(), OperationDeleteResource, func() []Stage {
		gone := Stage{
			Name:         "delete-cloud",
			Forward:      func(context.Context, *StageContext) Result { rec.add("do:delete-cloud"); return Succeed() },
			Irreversible: true,
		}
		return []Stage{gone, rec.step("fail", func(context.Context, *StageContext) Result {
			return Fail(errors.New("boom"))
		})}
	})

	run := execute(t, eng, OperationDeleteResource)

	assert.Equal(t, RunStatusError, run.Status)
	assert.Equal(t, StageStatusCompensated, run.Stages[0].Status)
}

func TestEnginePanicIsFatal(t *testing.T) {
	rec := &recorder{}
	eng := newTestEngine(t, newMemRunStore(), OperationCreateWorkspace, func() []Stage {
		return []Stage{rec.step("a", nil), rec.step("panics", func(context.Context, *StageContext) Result {
			panic("nil map")
		})}
	})

	run := execute(t, eng, OperationCreateWorkspace)

	assert.Equal(t, RunStatusError, run.Status)
	assert.Equal(t, ErrCodeInternal, run.Error.Code)
	assert.Contains(t, run.Error.Message, "panicked")
	assert.Equal(t, 1, rec.count("undo:a"))
}

func TestEngineInvalidOutcomeIsFatal(t *testing.T) {
	eng := newTestEngine(t, newMemRunStore(), OperationCreateWorkspace, func() []Stage {
		return []Stage{{Name: "bad", Forward: func(context.Context, *StageContext) Result { return Result{} }}}
	})

	run := execute(t, eng, OperationCreateWorkspace)
	assert.Equal(t, RunStatusError, run.Status)
	assert.Contains(t, run.Error.Message, "invalid outcome")
}

func TestEngineSubmitIsIdempotent(t *testing.T) {
	rec := &recorder{}
	store := newMemRunStore()
	eng := newTestEngine(t, store, OperationCreateWorkspace, func() []Stage {
		return []Stage{rec.step("only", nil)}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req := SubmitRequest{RunID: "run-1", Operation: OperationCreateWorkspace, Params: json.RawMessage(`{"a":1}`)}
	id, err := eng.Submit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "run-1", id)

	req.Params = json.RawMessage(`{"a":2}`)
	id, err = eng.Submit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "run-1", id)

	require.NoError(t, eng.Start(ctx))
	defer func() { require.NoError(t, eng.Stop(context.Background())) }()

	run, err := eng.Wait(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, RunStatusSuccess, run.Status)
	assert.JSONEq(t, `{"a":1}`, string(run.Params))

	// A finished run is not executed again
	again, err := eng.Execute(ctx, SubmitRequest{RunID: "run-1", Operation: OperationCreateWorkspace})
	require.NoError(t, err)
	assert.Equal(t, RunStatusSuccess, again.Status)
	assert.Equal(t, 1, rec.count("do:only"))
}

func TestEngineSubmitUnknownOperation(t *testing.T) {
	eng := newTestEngine(t, newMemRunStore(), OperationCreateWorkspace, func() []Stage {
		return []Stage{{Name: "a", Forward: noop}}
	})

	_, err := eng.Submit(context.Background(), SubmitRequest{Operation: OperationMergePolicy})
	require.Error(t, err)
	assert.True(t, IsPermanent(err))

	_, err = eng.Submit(context.Background(), SubmitRequest{Operation: "NOT VALID"})
	require.Error(t, err)
}

func TestEngineRecoverResumesAtFirstIncompleteStage(t *testing.T) {
	rec := &recorder{}
	store := newMemRunStore()
	eng := newTestEngine(t, store, OperationCreateWorkspace, func() []Stage {
		return []Stage{rec.step("a", nil), rec.step("b", nil), rec.step("c", nil)}
	})

	wm := NewWorkingMap()
	require.NoError(t, wm.Put("seed", "value"))
	store.put(t, &Run{
		ID:        "crashed",
		Operation: OperationCreateWorkspace,
		Params:    json.RawMessage(`{}`),
		Working:   wm,
		Stages: []StageRecord{
			{Name: "a", Status: StageStatusSuccess},
			{Name: "b", Status: StageStatusPending},
			{Name: "c", Status: StageStatusPending},
		},
		StageIndex:  1,
		FailedStage: -1,
		Status:      RunStatusRunning,
		CreatedAt:   time.Now().UTC(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, eng.Start(ctx))
	defer func() { require.NoError(t, eng.Stop(context.Background())) }()

	n, err := eng.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	run, err := eng.Wait(ctx, "crashed")
	require.NoError(t, err)
	assert.Equal(t, RunStatusSuccess, run.Status)
	assert.Equal(t, []string{"do:b", "do:c"}, rec.get())
}

func TestEngineRecoverResumesCompensation(t *testing.T) {
	rec := &recorder{}
	store := newMemRunStore()
	eng := newTestEngine(t, store, OperationCreateWorkspace, func() []Stage {
		return []Stage{rec.step("a", nil), rec.step("b", nil), rec.step("c", nil)}
	})

	store.put(t, &Run{
		ID:        "half-undone",
		Operation: OperationCreateWorkspace,
		Params:    json.RawMessage(`{}`),
		Working:   NewWorkingMap(),
		Stages: []StageRecord{
			{Name: "a", Status: StageStatusSuccess},
			{Name: "b", Status: StageStatusCompensated},
			{Name: "c", Status: StageStatusFailed},
		},
		StageIndex:   2,
		FailedStage:  2,
		Compensating: true,
		Error:        &RunError{Class: ErrorClassPermanent, Message: "boom", Stage: "c"},
		Status:       RunStatusRunning,
		CreatedAt:    time.Now().UTC(),
	})

	run, err := eng.Execute(context.Background(), SubmitRequest{RunID: "half-undone", Operation: OperationCreateWorkspace})
	require.NoError(t, err)
	assert.Equal(t, RunStatusError, run.Status)
	assert.Equal(t, []string{"undo:a"}, rec.get())
}

func TestEngineStageMismatchIsFatal(t *testing.T) {
	store := newMemRunStore()
	eng := newTestEngine(t, store, OperationCreateWorkspace, func() []Stage {
		return []Stage{{Name: "a", Forward: noop}, {Name: "b", Forward: noop}}
	})

	store.put(t, &Run{
		ID:          "old",
		Operation:   OperationCreateWorkspace,
		Params:      json.RawMessage(`{}`),
		Working:     NewWorkingMap(),
		Stages:      []StageRecord{{Name: "a", Status: StageStatusSuccess}, {Name: "renamed"}},
		StageIndex:  1,
		FailedStage: -1,
		Status:      RunStatusRunning,
		CreatedAt:   time.Now().UTC(),
	})

	run, err := eng.Execute(context.Background(), SubmitRequest{RunID: "old", Operation: OperationCreateWorkspace})
	require.NoError(t, err)
	assert.Equal(t, RunStatusFatal, run.Status)
	assert.Equal(t, ErrCodeStageMismatch, run.Error.Code)
}

func TestEngineStopLeavesRunRunning(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	store := newMemRunStore()
	eng := newTestEngine(t, store, OperationCreateWorkspace, func() []Stage {
		return []Stage{{
			Name: "slow",
			Forward: func(ctx context.Context, _ *StageContext) Result {
				once.Do(func() { close(started) })
				<-ctx.Done()
				return RetryWith(ctx.Err())
			},
			Retry: FixedInterval(time.Millisecond, 2),
		}}
	})

	ctx := context.Background()
	require.NoError(t, eng.Start(ctx))
	id, err := eng.Submit(ctx, SubmitRequest{Operation: OperationCreateWorkspace})
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("stage never started")
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, eng.Stop(stopCtx))

	report, err := eng.GetStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, RunStatusRunning, report.Status)
	assert.Equal(t, StageStatusPending, report.Stages[0].Status)
}

func TestEngineStartTwice(t *testing.T) {
	eng := newTestEngine(t, newMemRunStore(), OperationCreateWorkspace, func() []Stage {
		return []Stage{{Name: "a", Forward: noop}}
	})
	ctx := context.Background()
	require.NoError(t, eng.Start(ctx))
	require.Error(t, eng.Start(ctx))
	require.NoError(t, eng.Stop(ctx))
}

func TestEngineGetStatusNotFound(t *testing.T) {
	eng := newTestEngine(t, newMemRunStore(), OperationCreateWorkspace, func() []Stage {
		return []Stage{{Name: "a", Forward: noop}}
	})
	_, err := eng.GetStatus(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRunNotFound))
}
