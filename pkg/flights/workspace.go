package flights

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/wsm/pkg/engine"
	"github.com/openfroyo/wsm/pkg/iam"
	"github.com/openfroyo/wsm/pkg/policy"
	"github.com/openfroyo/wsm/pkg/stores"
)

func (f *Flights) buildCreateWorkspace(raw json.RawMessage) (*engine.Flight, error) {
	var p CreateWorkspaceParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}

	workspaceID := p.WorkspaceID
	if workspaceID == "" {
		workspaceID = uuid.NewString()
	}
	wsID := working(KeyWorkspaceID)

	return engine.NewFlight(engine.OperationCreateWorkspace,
		map[string]interface{}{KeyWorkspaceID: workspaceID},
		engine.Stage{
			Name: "create-workspace-row",
			Forward: func(ctx context.Context, sc *engine.StageContext) engine.Result {
				err := f.store.CreateWorkspaceStart(ctx, &stores.Workspace{
					ID:          wsID(sc),
					DisplayName: p.DisplayName,
					Description: p.Description,
					CreatedBy:   p.Actor,
				}, sc.RunID)
				if err == nil {
					f.tel.Metrics.RecordStateChange(string(stores.KindWorkspace), string(stores.StateInitializing))
				}
				return storeResult(err)
			},
			Compensate: func(ctx context.Context, sc *engine.StageContext) engine.Result {
				rule := stores.DeleteOnFailure
				if sc.CompensationFailed() {
					rule = stores.BrokenOnFailure
				}
				return storeResult(f.store.CreateFailure(ctx, stores.WorkspaceRef(wsID(sc)), sc.RunID, rule, failureText(sc)))
			},
			Retry:  f.opts.StoreRetry,
			Inputs: []string{KeyWorkspaceID},
		},
		engine.Stage{
			Name: "create-policy-object",
			Forward: func(ctx context.Context, sc *engine.StageContext) engine.Result {
				if _, err := f.policy.GetOrCreate(ctx, wsID(sc), PolicyComponent, PolicyTypeWorkspace); err != nil {
					return policyResult(err)
				}
				if len(p.Policy) == 0 {
					return engine.Succeed()
				}
				res, err := f.policy.Merge(ctx, wsID(sc), p.Policy)
				if err != nil {
					return policyResult(err)
				}
				if !res.Applied {
					return engine.Fail(engine.NewConflictError("initial policy conflicts", res.ConflictList()))
				}
				return engine.Succeed()
			},
			Compensate: func(ctx context.Context, sc *engine.StageContext) engine.Result {
				return policyResult(f.policy.Delete(ctx, wsID(sc)))
			},
			Retry: f.opts.CloudRetry,
		},
		engine.Stage{
			Name: "grant-owner",
			Forward: func(ctx context.Context, sc *engine.StageContext) engine.Result {
				return collaboratorResult("failed to grant owner role",
					f.iam.Grant(ctx, wsID(sc), p.Actor, iam.RoleOwner))
			},
			Compensate: func(ctx context.Context, sc *engine.StageContext) engine.Result {
				return collaboratorResult("failed to revoke owner role",
					f.iam.Revoke(ctx, wsID(sc), p.Actor, iam.RoleOwner))
			},
			Retry: f.opts.CloudRetry,
		},
		f.activityStage(p.Actor, string(stores.KindWorkspace), stores.ChangeCreated, wsID, wsID),
		engine.Stage{
			Name: "mark-workspace-ready",
			Forward: func(ctx context.Context, sc *engine.StageContext) engine.Result {
				return f.markReady(ctx, sc, stores.WorkspaceRef(wsID(sc)))
			},
			Retry: f.opts.StoreRetry,
		},
	)
}

func (f *Flights) buildDeleteWorkspace(raw json.RawMessage) (*engine.Flight, error) {
	var p DeleteWorkspaceParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	ref := stores.WorkspaceRef(p.WorkspaceID)

	return engine.NewFlight(engine.OperationDeleteWorkspace,
		map[string]interface{}{KeyWorkspaceID: p.WorkspaceID},
		f.authorizeStage(p.Actor, iam.ActionDelete, func(*engine.StageContext) []string {
			return []string{p.WorkspaceID}
		}),
		engine.Stage{
			Name: "claim-workspace",
			Forward: func(ctx context.Context, sc *engine.StageContext) engine.Result {
				if err := f.rememberState(ctx, sc, ref); err != nil {
					return storeResult(err)
				}
				return f.claim(ctx, sc, ref, []stores.State{stores.StateReady, stores.StateBroken}, stores.StateDeleting)
			},
			Compensate: func(ctx context.Context, sc *engine.StageContext) engine.Result {
				return f.restoreState(ctx, sc, ref, stores.StateDeleting)
			},
			Retry:   f.opts.StoreRetry,
			Outputs: []string{KeyPriorState},
		},
		engine.Stage{
			Name: "delete-resources",
			Forward: func(ctx context.Context, sc *engine.StageContext) engine.Result {
				return f.deleteChildResources(ctx, sc, p)
			},
			Retry:        f.opts.StoreRetry,
			Irreversible: true,
		},
		engine.Stage{
			Name: "delete-cloud-contexts",
			Forward: func(ctx context.Context, sc *engine.StageContext) engine.Result {
				return f.deleteChildContexts(ctx, sc, p)
			},
			Retry:        f.opts.StoreRetry,
			Irreversible: true,
		},
		engine.Stage{
			Name: "delete-policy-object",
			Forward: func(ctx context.Context, sc *engine.StageContext) engine.Result {
				if !sc.Working.Has(KeyPolicyObject) {
					obj, err := f.policy.Get(ctx, p.WorkspaceID)
					switch {
					case errors.Is(err, policy.ErrObjectNotFound):
						return engine.Succeed()
					case err != nil:
						return policyResult(err)
					}
					if err := sc.Working.Put(KeyPolicyObject, obj); err != nil {
						return engine.Fail(err)
					}
				}
				return policyResult(f.policy.Delete(ctx, p.WorkspaceID))
			},
			Compensate: func(ctx context.Context, sc *engine.StageContext) engine.Result {
				var obj policy.Object
				ok, err := sc.Working.Get(KeyPolicyObject, &obj)
				if err != nil {
					return engine.Fail(err)
				}
				if !ok {
					return engine.Succeed()
				}
				if _, err := f.policy.GetOrCreate(ctx, obj.ObjectID, obj.Component, obj.ObjectType); err != nil {
					return policyResult(err)
				}
				_, err = f.policy.Replace(ctx, obj.ObjectID, obj.Attributes, obj.Sources)
				return policyResult(err)
			},
			Retry:   f.opts.CloudRetry,
			Outputs: []string{KeyPolicyObject},
		},
		engine.Stage{
			Name: "revoke-roles",
			Forward: func(ctx context.Context, sc *engine.StageContext) engine.Result {
				if !sc.Working.Has(KeyRoleBindings) {
					bindings, err := f.iam.Bindings(ctx, p.WorkspaceID)
					if err != nil {
						return collaboratorResult("failed to list role bindings", err)
					}
					if bindings == nil {
						bindings = []iam.Binding{}
					}
					if err := sc.Working.Put(KeyRoleBindings, bindings); err != nil {
						return engine.Fail(err)
					}
				}
				return collaboratorResult("failed to revoke roles", f.iam.RevokeAll(ctx, p.WorkspaceID))
			},
			Compensate: func(ctx context.Context, sc *engine.StageContext) engine.Result {
				var bindings []iam.Binding
				if _, err := sc.Working.Get(KeyRoleBindings, &bindings); err != nil {
					return engine.Fail(err)
				}
				for _, b := range bindings {
					if err := f.iam.Grant(ctx, b.Object, b.Principal, b.Role); err != nil {
						return collaboratorResult("failed to restore role binding", err)
					}
				}
				return engine.Succeed()
			},
			Retry:   f.opts.CloudRetry,
			Outputs: []string{KeyRoleBindings},
		},
		f.activityStage(p.Actor, string(stores.KindWorkspace), stores.ChangeDeleted, fixed(p.WorkspaceID), fixed(p.WorkspaceID)),
		engine.Stage{
			Name: "remove-workspace-row",
			Forward: func(ctx context.Context, sc *engine.StageContext) engine.Result {
				return f.removeRow(ctx, sc, ref)
			},
			Retry: f.opts.StoreRetry,
		},
	)
}

// markReady completes the creation of ref by the run.
func (f *Flights) markReady(ctx context.Context, sc *engine.StageContext, ref stores.EntityRef) engine.Result {
	if err := f.store.CreateSuccess(ctx, ref, sc.RunID); err != nil {
		return storeResult(err)
	}
	f.tel.Metrics.RecordStateChange(string(ref.Kind), string(stores.StateReady))
	f.tel.Events.PublishStateChanged(sc.RunID, ref.ObjectID(), string(stores.StateReady))
	return engine.Succeed()
}

// childRunID derives a deterministic child run id so a replayed fan-out
// re-attaches to the runs it already started.
func childRunID(parent, kind, id string) string {
	return fmt.Sprintf("%s.%s.%s", parent, kind, id)
}

// runChildren executes one child run per request with at most FanOutLimit in
// flight. Every child runs to a terminal status; any unsuccessful child fails
// the stage with the list of failures.
func (f *Flights) runChildren(ctx context.Context, sc *engine.StageContext, reqs []engine.SubmitRequest) engine.Result {
	if len(reqs) == 0 {
		return engine.Succeed()
	}
	if f.runner == nil {
		return engine.Fail(engine.NewPermanentError("no runner configured for child runs", nil).
			WithCode(engine.ErrCodeInternal))
	}

	failures := make([]string, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.opts.FanOutLimit)

	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			run, err := f.runner.Execute(gctx, req)
			var ee *engine.EngineError
			if errors.As(err, &ee) && !engine.IsRetryable(err) {
				failures[i] = fmt.Sprintf("%s: %s", req.RunID, err)
				return nil
			}
			if err != nil {
				return fmt.Errorf("child run %s: %w", req.RunID, err)
			}
			if run.Status != engine.RunStatusSuccess {
				msg := string(run.Status)
				if run.Error != nil {
					msg = run.Error.Message
				}
				failures[i] = fmt.Sprintf("%s: %s", req.RunID, msg)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return engine.RetryWith(engine.NewRetryableError("child run did not complete", err))
	}

	var failed []string
	for _, msg := range failures {
		if msg != "" {
			failed = append(failed, msg)
		}
	}
	if len(failed) > 0 {
		sc.Logger.Errorf("%d of %d child runs failed", len(failed), len(reqs))
		return engine.Fail(engine.NewPermanentError(
			fmt.Sprintf("%d child runs failed: %v", len(failed), failed), nil).
			WithCode(engine.ErrCodeProviderFailed))
	}
	return engine.Succeed()
}

func (f *Flights) deleteChildResources(ctx context.Context, sc *engine.StageContext, p DeleteWorkspaceParams) engine.Result {
	resources, err := f.store.ListResources(ctx, stores.ResourceFilter{WorkspaceID: p.WorkspaceID})
	if err != nil {
		return storeResult(err)
	}

	reqs := make([]engine.SubmitRequest, 0, len(resources))
	for _, res := range resources {
		reqs = append(reqs, engine.SubmitRequest{
			RunID:       childRunID(sc.RunID, "delete", res.ID),
			Operation:   engine.OperationDeleteResource,
			ParentRunID: sc.RunID,
			Params: mustJSON(DeleteResourceParams{
				WorkspaceID: p.WorkspaceID,
				ResourceID:  res.ID,
				Actor:       p.Actor,
			}),
		})
	}
	return f.runChildren(ctx, sc, reqs)
}

func (f *Flights) deleteChildContexts(ctx context.Context, sc *engine.StageContext, p DeleteWorkspaceParams) engine.Result {
	contexts, err := f.store.ListCloudContexts(ctx, p.WorkspaceID)
	if err != nil {
		return storeResult(err)
	}

	reqs := make([]engine.SubmitRequest, 0, len(contexts))
	for _, cc := range contexts {
		reqs = append(reqs, engine.SubmitRequest{
			RunID:       childRunID(sc.RunID, "delete-context", cc.CloudPlatform),
			Operation:   engine.OperationDeleteCloudContext,
			ParentRunID: sc.RunID,
			Params: mustJSON(CloudContextParams{
				WorkspaceID: p.WorkspaceID,
				Platform:    cc.CloudPlatform,
				Actor:       p.Actor,
			}),
		})
	}
	return f.runChildren(ctx, sc, reqs)
}
