package flights

import (
	"context"
	"errors"
	"fmt"

	"github.com/openfroyo/wsm/pkg/engine"
	"github.com/openfroyo/wsm/pkg/policy"
)

// PolicyMutation applies one change to a policy object.
type PolicyMutation func(ctx context.Context, svc policy.Service, objectID string) (*policy.UpdateResult, error)

// MergeAttributes returns a mutation merging attrs into the object.
func MergeAttributes(attrs []policy.Attribute) PolicyMutation {
	return func(ctx context.Context, svc policy.Service, objectID string) (*policy.UpdateResult, error) {
		return svc.Merge(ctx, objectID, attrs)
	}
}

// LinkSource returns a mutation linking sourceID into the object.
func LinkSource(sourceID string) PolicyMutation {
	return func(ctx context.Context, svc policy.Service, objectID string) (*policy.UpdateResult, error) {
		return svc.Link(ctx, objectID, sourceID)
	}
}

// snapshotKey is the working map key of the pre-mutation snapshot of the
// policy update named stage.
func snapshotKey(stage string) string {
	return "policy_snapshot/" + stage
}

// SnapshotPolicyStage captures the policy object before the update stage
// called name touches it. The stage is named "snapshot-<name>". Running it
// apart from the mutation means the snapshot is flushed with the run before
// any change is made, so a resumed update never snapshots its own result.
//
// skip, when non-nil, makes the stage a no-op for runs it returns true for.
func (f *Flights) SnapshotPolicyStage(name string, objectID func(sc *engine.StageContext) string, skip func(sc *engine.StageContext) bool) engine.Stage {
	key := snapshotKey(name)

	return engine.Stage{
		Name: "snapshot-" + name,
		Forward: func(ctx context.Context, sc *engine.StageContext) engine.Result {
			if skip != nil && skip(sc) {
				return engine.Succeed()
			}
			if sc.Working.Has(key) {
				return engine.Succeed()
			}
			obj, err := f.policy.Get(ctx, objectID(sc))
			if err != nil {
				return policyResult(err)
			}
			if err := sc.Working.Put(key, obj); err != nil {
				return engine.Fail(err)
			}
			return engine.Succeed()
		},
		Retry:   f.opts.CloudRetry,
		Outputs: []string{key},
	}
}

// PolicyUpdateStage applies mutate to the object captured by the matching
// SnapshotPolicyStage.
//
// A conflict is fatal and carries the conflict list; the object is left
// untouched. Compensation writes the snapshot back exactly and succeeds
// without a snapshot, since then nothing was mutated.
func (f *Flights) PolicyUpdateStage(name string, objectID func(sc *engine.StageContext) string, mutate PolicyMutation, skip func(sc *engine.StageContext) bool) engine.Stage {
	key := snapshotKey(name)

	return engine.Stage{
		Name: name,
		Forward: func(ctx context.Context, sc *engine.StageContext) engine.Result {
			if skip != nil && skip(sc) {
				return engine.Succeed()
			}
			if !sc.Working.Has(key) {
				return engine.Fail(engine.NewPermanentError(
					fmt.Sprintf("no policy snapshot recorded before %s", name), nil))
			}
			id := objectID(sc)

			res, err := mutate(ctx, f.policy, id)
			if err != nil {
				return policyResult(err)
			}
			if !res.Applied {
				conflicts := res.ConflictList()
				f.tel.Metrics.RecordPolicyConflict(string(sc.Operation))
				f.tel.Events.PublishPolicyConflict(sc.RunID, id, conflicts)
				sc.Logger.WithField("object_id", id).Warnf("policy update conflicts: %v", conflicts)
				return engine.Fail(engine.NewConflictError("policy update conflicts", conflicts).
					WithResource(id))
			}
			return engine.Succeed()
		},
		Compensate: func(ctx context.Context, sc *engine.StageContext) engine.Result {
			var snapshot policy.Object
			ok, err := sc.Working.Get(key, &snapshot)
			if err != nil {
				return engine.Fail(err)
			}
			if !ok {
				return engine.Succeed()
			}

			_, err = f.policy.Replace(ctx, objectID(sc), snapshot.Attributes, snapshot.Sources)
			return policyResult(err)
		},
		Retry:  f.opts.CloudRetry,
		Inputs: []string{key},
	}
}

// policyResult classifies a policy service error. A missing object is fatal.
func policyResult(err error) engine.Result {
	if errors.Is(err, policy.ErrObjectNotFound) {
		return engine.Fail(engine.NewPermanentError("policy object not found", err).
			WithCode(engine.ErrCodeNotFound))
	}
	return collaboratorResult("policy service call failed", err)
}
