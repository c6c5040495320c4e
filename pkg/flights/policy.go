package flights

import (
	"context"
	"encoding/json"

	"github.com/openfroyo/wsm/pkg/engine"
	"github.com/openfroyo/wsm/pkg/iam"
	"github.com/openfroyo/wsm/pkg/stores"
)

// policyFlight is the shared shape of merge-policy and link-policy: check the
// workspace, mutate its policy object under a snapshot, then make sure existing
// resources still satisfy the result. A violation restores the snapshot.
func (f *Flights) policyFlight(op engine.OperationType, workspaceID, actor string, mutate PolicyMutation, details string) (*engine.Flight, error) {
	return engine.NewFlight(op,
		map[string]interface{}{KeyWorkspaceID: workspaceID},
		f.authorizeStage(actor, iam.ActionAdmin, func(*engine.StageContext) []string {
			return []string{workspaceID}
		}),
		f.requireWorkspaceReady("check-workspace", workspaceID),
		f.SnapshotPolicyStage("update-policy", fixed(workspaceID), nil),
		f.PolicyUpdateStage("update-policy", fixed(workspaceID), mutate, nil),
		engine.Stage{
			Name: "validate-resources",
			Forward: func(ctx context.Context, sc *engine.StageContext) engine.Result {
				return f.checkResourceRegions(ctx, workspaceID)
			},
			Retry: f.opts.CloudRetry,
		},
		engine.Stage{
			Name: "record-activity",
			Forward: func(ctx context.Context, sc *engine.StageContext) engine.Result {
				return storeResult(f.store.AppendActivity(ctx, &stores.ActivityEntry{
					WorkspaceID: workspaceID,
					ObjectID:    workspaceID,
					ObjectType:  "policy",
					ChangeType:  stores.ChangePolicy,
					RunID:       sc.RunID,
					Actor:       actor,
					Details:     details,
				}))
			},
			Retry: f.opts.StoreRetry,
		},
	)
}

func (f *Flights) buildMergePolicy(raw json.RawMessage) (*engine.Flight, error) {
	var p MergePolicyParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	return f.policyFlight(engine.OperationMergePolicy, p.WorkspaceID, p.Actor,
		MergeAttributes(p.Attributes), string(engine.OperationMergePolicy))
}

func (f *Flights) buildLinkPolicy(raw json.RawMessage) (*engine.Flight, error) {
	var p LinkPolicyParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	return f.policyFlight(engine.OperationLinkPolicy, p.WorkspaceID, p.Actor,
		LinkSource(p.SourceObjectID), "linked "+p.SourceObjectID)
}
