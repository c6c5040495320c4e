package flights

import (
	"context"
	"errors"
	"fmt"

	"github.com/openfroyo/wsm/pkg/engine"
	"github.com/openfroyo/wsm/pkg/iam"
	"github.com/openfroyo/wsm/pkg/stores"
)

// storeResult classifies a store error. Classified errors keep their class,
// missing rows are fatal and anything else is treated as a transient database error.
func storeResult(err error) engine.Result {
	var ee *engine.EngineError
	switch {
	case err == nil:
		return engine.Succeed()
	case errors.As(err, &ee):
		return engine.Classify(err)
	case errors.Is(err, stores.ErrNotFound):
		return engine.Fail(engine.NewPermanentError("not found", err).WithCode(engine.ErrCodeNotFound))
	case errors.Is(err, context.Canceled):
		return engine.Fail(err)
	default:
		return engine.RetryWith(engine.NewRetryableError("store operation failed", err))
	}
}

// collaboratorResult classifies an error from the policy service or IAM.
func collaboratorResult(what string, err error) engine.Result {
	var ee *engine.EngineError
	switch {
	case err == nil:
		return engine.Succeed()
	case errors.As(err, &ee):
		return engine.Classify(err)
	case errors.Is(err, iam.ErrUnauthorized):
		return engine.Fail(engine.NewPermanentError(what, err).WithCode(engine.ErrCodePermissionDenied))
	default:
		return engine.RetryWith(engine.NewRetryableError(what, err))
	}
}

// invalidState is the fatal result for a row in the wrong lifecycle state.
func invalidState(ref stores.EntityRef, state stores.State, want string) engine.Result {
	return engine.Fail(engine.NewPermanentError(
		fmt.Sprintf("%s is %s, expected %s", ref, state, want), nil).
		WithCode(engine.ErrCodeInvalidState).
		WithResource(ref.ObjectID()))
}

// claim moves ref into the in-progress state to for the run. A lost claim is
// a busy error when another run owns the row, otherwise an invalid-state error.
func (f *Flights) claim(ctx context.Context, sc *engine.StageContext, ref stores.EntityRef, from []stores.State, to stores.State) engine.Result {
	won, err := f.store.Claim(ctx, ref, from, to, sc.RunID)
	f.tel.Metrics.RecordClaim(string(ref.Kind), err == nil && won)
	if err != nil {
		return storeResult(err)
	}
	if won {
		f.tel.Metrics.RecordStateChange(string(ref.Kind), string(to))
		f.tel.Events.PublishStateChanged(sc.RunID, ref.ObjectID(), string(to))
		return engine.Succeed()
	}

	state, owner, err := f.store.GetState(ctx, ref)
	if err != nil {
		return storeResult(err)
	}
	if owner != "" && owner != sc.RunID {
		return engine.Fail(engine.NewBusyError(ref.ObjectID(), owner))
	}
	return invalidState(ref, state, fmt.Sprintf("one of %v", from))
}

// rememberState stores the current state of ref under KeyPriorState once, so a
// compensation can restore it. A row already claimed by this run keeps the
// state recorded before the claim.
func (f *Flights) rememberState(ctx context.Context, sc *engine.StageContext, ref stores.EntityRef) error {
	if sc.Working.Has(KeyPriorState) {
		return nil
	}
	state, _, err := f.store.GetState(ctx, ref)
	if err != nil {
		return err
	}
	_, err = sc.Working.PutIfAbsent(KeyPriorState, state)
	return err
}

// markCloudDeleted records in the working map that an irreversible cloud
// delete went through, so later compensation knows the row has nothing left
// to point at.
func markCloudDeleted(sc *engine.StageContext, r engine.Result) engine.Result {
	if r.Outcome != engine.OutcomeSuccess {
		return r
	}
	if err := sc.Working.Put(KeyCloudDeleted, true); err != nil {
		return engine.Fail(err)
	}
	return r
}

func cloudDeleted(sc *engine.StageContext) bool {
	var deleted bool
	ok, err := sc.Working.Get(KeyCloudDeleted, &deleted)
	return err == nil && ok && deleted
}

// restoreState releases ref from the in-progress state held back to the state
// recorded by rememberState. After a failed compensation, or once the cloud
// object is gone, the row is marked BROKEN instead, since its cloud
// counterpart no longer matches.
func (f *Flights) restoreState(ctx context.Context, sc *engine.StageContext, ref stores.EntityRef, held stores.State) engine.Result {
	if sc.CompensationFailed() {
		_, err := f.store.MarkBroken(ctx, ref, sc.RunID, failureText(sc))
		return storeResult(err)
	}
	if cloudDeleted(sc) {
		reason := "cloud object deleted but the delete did not finish"
		if text := failureText(sc); text != "" {
			reason += ": " + text
		}
		_, err := f.store.MarkBroken(ctx, ref, sc.RunID, reason)
		if err == nil {
			f.tel.Events.PublishStateChanged(sc.RunID, ref.ObjectID(), string(stores.StateBroken))
		}
		return storeResult(err)
	}

	var prior stores.State
	ok, err := sc.Working.Get(KeyPriorState, &prior)
	if err != nil {
		return engine.Fail(err)
	}
	if !ok || prior.IsInProgress() {
		prior = stores.StateReady
	}

	released, err := f.store.Release(ctx, ref, held, prior, sc.RunID, "")
	if err != nil {
		return storeResult(err)
	}
	if !released {
		state, owner, err := f.store.GetState(ctx, ref)
		if err != nil {
			if errors.Is(err, stores.ErrNotFound) {
				return engine.Succeed()
			}
			return storeResult(err)
		}
		// Already restored or taken over by a later run
		if owner != sc.RunID {
			return engine.Succeed()
		}
		return invalidState(ref, state, string(held))
	}
	f.tel.Events.PublishStateChanged(sc.RunID, ref.ObjectID(), string(prior))
	return engine.Succeed()
}

// removeRow deletes ref held in DELETING. A row that is already gone counts as removed.
func (f *Flights) removeRow(ctx context.Context, sc *engine.StageContext, ref stores.EntityRef) engine.Result {
	removed, err := f.store.Remove(ctx, ref, sc.RunID)
	if err != nil {
		return storeResult(err)
	}
	if removed {
		f.tel.Metrics.RecordStateChange(string(ref.Kind), "DELETED")
		return engine.Succeed()
	}

	state, _, err := f.store.GetState(ctx, ref)
	if errors.Is(err, stores.ErrNotFound) {
		return engine.Succeed()
	}
	if err != nil {
		return storeResult(err)
	}
	return invalidState(ref, state, string(stores.StateDeleting))
}

// authorizeStage checks that actor may perform action on the first object that
// grants it.
func (f *Flights) authorizeStage(actor string, action iam.Action, objects func(sc *engine.StageContext) []string) engine.Stage {
	return engine.Stage{
		Name: "authorize",
		Forward: func(ctx context.Context, sc *engine.StageContext) engine.Result {
			err := iam.Authorize(ctx, f.iam, actor, action, objects(sc)...)
			return collaboratorResult("authorization failed", err)
		},
		Retry: f.opts.CloudRetry,
	}
}

// requireWorkspaceReady fails unless the workspace exists and is READY.
func (f *Flights) requireWorkspaceReady(name, workspaceID string) engine.Stage {
	return engine.Stage{
		Name: name,
		Forward: func(ctx context.Context, sc *engine.StageContext) engine.Result {
			ws, err := f.store.GetWorkspace(ctx, workspaceID)
			if err != nil {
				return storeResult(err)
			}
			if ws.State != stores.StateReady {
				return invalidState(stores.WorkspaceRef(workspaceID), ws.State, string(stores.StateReady))
			}
			return engine.Succeed()
		},
		Retry: f.opts.StoreRetry,
	}
}

// activityStage records a change in the workspace activity log. Replays record it once.
func (f *Flights) activityStage(actor, objectType, changeType string, workspaceID, objectID func(sc *engine.StageContext) string) engine.Stage {
	return engine.Stage{
		Name: "record-activity",
		Forward: func(ctx context.Context, sc *engine.StageContext) engine.Result {
			err := f.store.AppendActivity(ctx, &stores.ActivityEntry{
				WorkspaceID: workspaceID(sc),
				ObjectID:    objectID(sc),
				ObjectType:  objectType,
				ChangeType:  changeType,
				RunID:       sc.RunID,
				Actor:       actor,
				Details:     string(sc.Operation),
			})
			return storeResult(err)
		},
		Retry: f.opts.StoreRetry,
	}
}

// working returns a reader of a string working map key.
func working(key string) func(sc *engine.StageContext) string {
	return func(sc *engine.StageContext) string {
		return sc.Working.GetString(key)
	}
}

// fixed returns a reader of a constant.
func fixed(v string) func(sc *engine.StageContext) string {
	return func(*engine.StageContext) string {
		return v
	}
}

// failureText returns the message of the error that triggered compensation.
func failureText(sc *engine.StageContext) string {
	if failure := sc.Failure(); failure != nil {
		return failure.Message
	}
	return ""
}

// loadResource reads a resource stored in the working map under key.
func loadResource(sc *engine.StageContext, key string) (*stores.Resource, error) {
	var res stores.Resource
	ok, err := sc.Working.Get(key, &res)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("working map has no %s", key)
	}
	return &res, nil
}
