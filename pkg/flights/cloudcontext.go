package flights

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openfroyo/wsm/pkg/engine"
	"github.com/openfroyo/wsm/pkg/iam"
	"github.com/openfroyo/wsm/pkg/providers"
	"github.com/openfroyo/wsm/pkg/stores"
)

func (f *Flights) buildCreateCloudContext(raw json.RawMessage) (*engine.Flight, error) {
	var p CloudContextParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	provider, err := f.providers.Get(p.Platform)
	if err != nil {
		return nil, err
	}
	ref := stores.CloudContextRef(p.WorkspaceID, p.Platform)

	return engine.NewFlight(engine.OperationCreateCloudContext,
		map[string]interface{}{KeyWorkspaceID: p.WorkspaceID},
		f.authorizeStage(p.Actor, iam.ActionWrite, func(*engine.StageContext) []string {
			return []string{p.WorkspaceID}
		}),
		f.requireWorkspaceReady("check-workspace", p.WorkspaceID),
		engine.Stage{
			Name: "create-context-row",
			Forward: func(ctx context.Context, sc *engine.StageContext) engine.Result {
				return storeResult(f.store.CreateCloudContextStart(ctx, &stores.CloudContext{
					WorkspaceID:   p.WorkspaceID,
					CloudPlatform: p.Platform,
				}, sc.RunID))
			},
			Compensate: func(ctx context.Context, sc *engine.StageContext) engine.Result {
				rule := stores.DeleteOnFailure
				if sc.CompensationFailed() {
					rule = stores.BrokenOnFailure
				}
				return storeResult(f.store.CreateFailure(ctx, ref, sc.RunID, rule, failureText(sc)))
			},
			Retry: f.opts.StoreRetry,
		},
		engine.Stage{
			Name: "create-cloud-context",
			Forward: func(ctx context.Context, sc *engine.StageContext) engine.Result {
				descriptor, err := provider.CreateCloudContext(ctx, p.WorkspaceID)
				if res := providers.ResultFor(providers.ActionCreate, err); res.Outcome != engine.OutcomeSuccess {
					return res
				}
				// A replay after the context was created returns no descriptor
				if len(descriptor) == 0 && sc.Working.Has(KeyDescriptor) {
					return engine.Succeed()
				}
				if len(descriptor) == 0 {
					descriptor = json.RawMessage(`{}`)
				}
				if err := sc.Working.Put(KeyDescriptor, descriptor); err != nil {
					return engine.Fail(err)
				}
				return engine.Succeed()
			},
			Compensate: func(ctx context.Context, sc *engine.StageContext) engine.Result {
				return providers.ResultFor(providers.ActionDelete, provider.DeleteCloudContext(ctx, p.WorkspaceID))
			},
			Retry:   f.opts.CloudRetry,
			Outputs: []string{KeyDescriptor},
		},
		f.activityStage(p.Actor, string(stores.KindCloudContext), stores.ChangeCreated,
			fixed(p.WorkspaceID), fixed(ref.ObjectID())),
		engine.Stage{
			Name: "mark-context-ready",
			Forward: func(ctx context.Context, sc *engine.StageContext) engine.Result {
				var descriptor json.RawMessage
				if _, err := sc.Working.Get(KeyDescriptor, &descriptor); err != nil {
					return engine.Fail(err)
				}
				if err := f.store.SetCloudContextReady(ctx, p.WorkspaceID, p.Platform, sc.RunID, descriptor); err != nil {
					return storeResult(err)
				}
				f.tel.Metrics.RecordStateChange(string(ref.Kind), string(stores.StateReady))
				f.tel.Events.PublishStateChanged(sc.RunID, ref.ObjectID(), string(stores.StateReady))
				return engine.Succeed()
			},
			Retry:  f.opts.StoreRetry,
			Inputs: []string{KeyDescriptor},
		},
	)
}

func (f *Flights) buildDeleteCloudContext(raw json.RawMessage) (*engine.Flight, error) {
	var p CloudContextParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	provider, err := f.providers.Get(p.Platform)
	if err != nil {
		return nil, err
	}
	ref := stores.CloudContextRef(p.WorkspaceID, p.Platform)

	return engine.NewFlight(engine.OperationDeleteCloudContext,
		map[string]interface{}{KeyWorkspaceID: p.WorkspaceID},
		f.authorizeStage(p.Actor, iam.ActionDelete, func(*engine.StageContext) []string {
			return []string{p.WorkspaceID}
		}),
		engine.Stage{
			Name: "claim-context",
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
			Name: "check-no-resources",
			Forward: func(ctx context.Context, sc *engine.StageContext) engine.Result {
				remaining, err := f.store.ListResources(ctx, stores.ResourceFilter{
					WorkspaceID:   p.WorkspaceID,
					CloudPlatform: p.Platform,
					Limit:         1,
				})
				if err != nil {
					return storeResult(err)
				}
				if len(remaining) > 0 {
					return engine.Fail(engine.NewConflictError("cloud context still has resources",
						[]string{fmt.Sprintf("resource %s (%s) is on %s", remaining[0].ID, remaining[0].Name, p.Platform)}).
						WithResource(ref.ObjectID()))
				}
				return engine.Succeed()
			},
			Retry: f.opts.StoreRetry,
		},
		engine.Stage{
			Name: "delete-cloud-context",
			Forward: func(ctx context.Context, sc *engine.StageContext) engine.Result {
				return markCloudDeleted(sc,
					providers.ResultFor(providers.ActionDelete, provider.DeleteCloudContext(ctx, p.WorkspaceID)))
			},
			Retry:        f.opts.CloudRetry,
			Outputs:      []string{KeyCloudDeleted},
			Irreversible: true,
		},
		f.activityStage(p.Actor, string(stores.KindCloudContext), stores.ChangeDeleted,
			fixed(p.WorkspaceID), fixed(ref.ObjectID())),
		engine.Stage{
			Name: "remove-context-row",
			Forward: func(ctx context.Context, sc *engine.StageContext) engine.Result {
				return f.removeRow(ctx, sc, ref)
			},
			Retry: f.opts.StoreRetry,
		},
	)
}
