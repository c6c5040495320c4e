package flights

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/openfroyo/wsm/pkg/engine"
	"github.com/openfroyo/wsm/pkg/iam"
	"github.com/openfroyo/wsm/pkg/providers"
	"github.com/openfroyo/wsm/pkg/stores"
)

// cloneSkipped reports whether the effective cloning policy copies nothing.
func cloneSkipped(sc *engine.StageContext) bool {
	var skipped bool
	_, _ = sc.Working.Get(KeyCloneSkipped, &skipped)
	return skipped
}

// effectiveCloningPolicy is the requested policy, or the source's when unset.
func effectiveCloningPolicy(requested stores.CloningPolicy, source *stores.Resource) stores.CloningPolicy {
	if requested != "" {
		return requested
	}
	if source.CloningPolicy == "" {
		return stores.CloneNothing
	}
	return source.CloningPolicy
}

// cloneAttributes returns the payload of the clone. Bucket names are globally
// unique, so a source bucket name is never copied.
func cloneAttributes(p CloneResourceParams, source *stores.Resource) json.RawMessage {
	if len(p.Attributes) > 0 {
		return p.Attributes
	}
	if source.ResourceType != "storage-bucket" || len(source.Attributes) == 0 {
		return source.Attributes
	}

	var m map[string]interface{}
	if err := json.Unmarshal(source.Attributes, &m); err != nil {
		return source.Attributes
	}
	delete(m, "bucket_name")
	data, err := json.Marshal(m)
	if err != nil {
		return source.Attributes
	}
	return data
}

// cloneTarget builds the destination resource from the stored source.
func cloneTarget(sc *engine.StageContext, p CloneResourceParams) (*stores.Resource, error) {
	source, err := loadResource(sc, KeySourceResource)
	if err != nil {
		return nil, err
	}

	policy := effectiveCloningPolicy(p.CloningPolicy, source)
	stewardship := stores.StewardshipControlled
	if policy == stores.CloneReference || source.Stewardship == stores.StewardshipReferenced {
		stewardship = stores.StewardshipReferenced
	}

	region := p.Region
	if region == "" {
		region = source.Region
	}
	description := p.Description
	if description == "" {
		description = source.Description
	}

	res := &stores.Resource{
		WorkspaceID:   p.DestWorkspaceID,
		ID:            sc.Working.GetString(KeyResourceID),
		Name:          p.Name,
		Description:   description,
		ResourceType:  source.ResourceType,
		Stewardship:   stewardship,
		CloudPlatform: source.CloudPlatform,
		Region:        region,
		Attributes:    cloneAttributes(p, source),
		CloningPolicy: source.CloningPolicy,
		CreatedBy:     p.Actor,
	}
	if stewardship == stores.StewardshipControlled {
		res.AccessScope = stores.AccessShared
		res.ManagedBy = stores.ManagedByUser
	}
	return res, nil
}

func (f *Flights) buildCloneResource(raw json.RawMessage) (*engine.Flight, error) {
	var p CloneResourceParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}

	destID := p.DestResourceID
	if destID == "" {
		destID = uuid.NewString()
	}
	resID := working(KeyResourceID)

	// target is rebuilt by each stage from the stored source.
	target := func(sc *engine.StageContext) (*stores.Resource, error) {
		return cloneTarget(sc, p)
	}
	skipPolicyMerge := func(sc *engine.StageContext) bool {
		return cloneSkipped(sc) || p.SourceWorkspaceID == p.DestWorkspaceID
	}

	return engine.NewFlight(engine.OperationCloneResource,
		map[string]interface{}{KeyWorkspaceID: p.DestWorkspaceID, KeyResourceID: destID},
		engine.Stage{
			Name: "authorize",
			Forward: func(ctx context.Context, sc *engine.StageContext) engine.Result {
				if err := iam.Authorize(ctx, f.iam, p.Actor, iam.ActionRead, p.SourceResourceID, p.SourceWorkspaceID); err != nil {
					return collaboratorResult("authorization failed", err)
				}
				return collaboratorResult("authorization failed",
					iam.Authorize(ctx, f.iam, p.Actor, iam.ActionWrite, p.DestWorkspaceID))
			},
			Retry: f.opts.CloudRetry,
		},
		engine.Stage{
			Name: "check-source",
			Forward: func(ctx context.Context, sc *engine.StageContext) engine.Result {
				source, err := f.store.GetResource(ctx, p.SourceWorkspaceID, p.SourceResourceID)
				if err != nil {
					return storeResult(err)
				}
				if source.State != stores.StateReady {
					return invalidState(source.Ref(), source.State, string(stores.StateReady))
				}
				if err := sc.Working.Put(KeySourceResource, source); err != nil {
					return engine.Fail(err)
				}
				skipped := effectiveCloningPolicy(p.CloningPolicy, source) == stores.CloneNothing
				if skipped {
					sc.Logger.WithResourceID(source.ID).Info("cloning policy copies nothing, clone skipped")
				}
				if err := sc.Working.Put(KeyCloneSkipped, skipped); err != nil {
					return engine.Fail(err)
				}
				return engine.Succeed()
			},
			Retry:   f.opts.StoreRetry,
			Outputs: []string{KeySourceResource, KeyCloneSkipped},
		},
		f.requireWorkspaceReady("check-destination-workspace", p.DestWorkspaceID),
		f.SnapshotPolicyStage("merge-source-policy", fixed(p.DestWorkspaceID), skipPolicyMerge),
		f.PolicyUpdateStage("merge-source-policy", fixed(p.DestWorkspaceID), LinkSource(p.SourceWorkspaceID), skipPolicyMerge),
		engine.Stage{
			Name: "check-unique-name",
			Forward: func(ctx context.Context, sc *engine.StageContext) engine.Result {
				if cloneSkipped(sc) {
					return engine.Succeed()
				}
				res, err := target(sc)
				if err != nil {
					return engine.Fail(err)
				}
				if r := f.checkAttributes(ctx, res.ID, res.ResourceType, res.Name, res.Attributes); r.Outcome != engine.OutcomeSuccess {
					return r
				}
				return f.checkUniqueName(ctx, res.WorkspaceID, res.ID, res.ResourceType, res.Name, res.Attributes)
			},
			Retry:  f.opts.StoreRetry,
			Inputs: []string{KeySourceResource, KeyResourceID},
		},
		engine.Stage{
			Name: "check-region",
			Forward: func(ctx context.Context, sc *engine.StageContext) engine.Result {
				if cloneSkipped(sc) {
					return engine.Succeed()
				}
				res, err := target(sc)
				if err != nil {
					return engine.Fail(err)
				}
				if res.Stewardship != stores.StewardshipControlled {
					return engine.Succeed()
				}
				return f.checkRegion(ctx, res.WorkspaceID, res.ID, res.CloudPlatform, res.Region)
			},
			Retry:  f.opts.CloudRetry,
			Inputs: []string{KeySourceResource},
		},
		engine.Stage{
			Name: "create-resource-row",
			Forward: func(ctx context.Context, sc *engine.StageContext) engine.Result {
				if cloneSkipped(sc) {
					return engine.Succeed()
				}
				res, err := target(sc)
				if err != nil {
					return engine.Fail(err)
				}
				if err := f.store.CreateResourceStart(ctx, res, sc.RunID); err != nil {
					return storeResult(err)
				}
				f.tel.Metrics.RecordStateChange(string(stores.KindResource), string(stores.StateInitializing))
				return engine.Succeed()
			},
			Compensate: func(ctx context.Context, sc *engine.StageContext) engine.Result {
				if cloneSkipped(sc) {
					return engine.Succeed()
				}
				rule := stores.DeleteOnFailure
				if sc.CompensationFailed() {
					rule = stores.BrokenOnFailure
				}
				ref := stores.ResourceRef(p.DestWorkspaceID, resID(sc))
				return storeResult(f.store.CreateFailure(ctx, ref, sc.RunID, rule, failureText(sc)))
			},
			Retry:  f.opts.StoreRetry,
			Inputs: []string{KeySourceResource, KeyResourceID},
		},
		engine.Stage{
			Name: "create-cloud-resource",
			Forward: func(ctx context.Context, sc *engine.StageContext) engine.Result {
				if cloneSkipped(sc) {
					return engine.Succeed()
				}
				res, err := target(sc)
				if err != nil {
					return engine.Fail(err)
				}
				if res.Stewardship != stores.StewardshipControlled {
					return engine.Succeed()
				}
				provider, err := f.providers.Get(res.CloudPlatform)
				if err != nil {
					return engine.Fail(err)
				}
				spec := specOf(res)
				spec.SourceResourceID = p.SourceResourceID
				return providers.ResultFor(providers.ActionCreate, provider.CreateResource(ctx, spec))
			},
			Compensate: func(ctx context.Context, sc *engine.StageContext) engine.Result {
				if cloneSkipped(sc) {
					return engine.Succeed()
				}
				res, err := target(sc)
				if err != nil {
					return engine.Fail(err)
				}
				if res.Stewardship != stores.StewardshipControlled {
					return engine.Succeed()
				}
				provider, err := f.providers.Get(res.CloudPlatform)
				if err != nil {
					return engine.Fail(err)
				}
				return providers.ResultFor(providers.ActionDelete, provider.DeleteResource(ctx, keyOf(res)))
			},
			Retry:  f.opts.CloudRetry,
			Inputs: []string{KeySourceResource},
		},
		engine.Stage{
			Name: "record-activity",
			Forward: func(ctx context.Context, sc *engine.StageContext) engine.Result {
				if cloneSkipped(sc) {
					return engine.Succeed()
				}
				return storeResult(f.store.AppendActivity(ctx, &stores.ActivityEntry{
					WorkspaceID: p.DestWorkspaceID,
					ObjectID:    resID(sc),
					ObjectType:  string(stores.KindResource),
					ChangeType:  stores.ChangeCloned,
					RunID:       sc.RunID,
					Actor:       p.Actor,
					Details:     "cloned from " + p.SourceWorkspaceID + "/" + p.SourceResourceID,
				}))
			},
			Retry: f.opts.StoreRetry,
		},
		f.markResourceReady(cloneSkipped),
	)
}
