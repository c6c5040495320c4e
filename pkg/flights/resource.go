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

// newResource builds the row a create flight inserts.
func newResource(p CreateResourceParams, resourceID string, stewardship stores.Stewardship) *stores.Resource {
	res := &stores.Resource{
		WorkspaceID:   p.WorkspaceID,
		ID:            resourceID,
		Name:          p.Name,
		Description:   p.Description,
		ResourceType:  p.ResourceType,
		Stewardship:   stewardship,
		CloudPlatform: p.Platform,
		Region:        p.Region,
		Attributes:    p.Attributes,
		CloningPolicy: p.CloningPolicy,
		CreatedBy:     p.Actor,
	}
	if res.CloningPolicy == "" {
		res.CloningPolicy = stores.CloneNothing
	}
	if stewardship == stores.StewardshipControlled {
		res.AccessScope = p.AccessScope
		res.ManagedBy = p.ManagedBy
		res.AssignedUser = p.AssignedUser
		if res.AccessScope == "" {
			res.AccessScope = stores.AccessShared
		}
		if res.ManagedBy == "" {
			res.ManagedBy = stores.ManagedByUser
		}
	}
	return res
}

// specOf returns the provider definition of a resource.
func specOf(res *stores.Resource) providers.ResourceSpec {
	return providers.ResourceSpec{
		WorkspaceID:  res.WorkspaceID,
		ResourceID:   res.ID,
		ResourceType: res.ResourceType,
		Name:         res.Name,
		Region:       res.Region,
		Attributes:   res.Attributes,
	}
}

func keyOf(res *stores.Resource) providers.ResourceKey {
	return providers.ResourceKey{WorkspaceID: res.WorkspaceID, ResourceID: res.ID}
}

// createRowStage inserts the resource row in INITIALIZING. Its compensation
// applies rule, except that the row is kept BROKEN when an earlier compensation
// failed so the cloud object stays tracked.
func (f *Flights) createRowStage(rule stores.StateRule, build func(sc *engine.StageContext) (*stores.Resource, error)) engine.Stage {
	return engine.Stage{
		Name: "create-resource-row",
		Forward: func(ctx context.Context, sc *engine.StageContext) engine.Result {
			res, err := build(sc)
			if err != nil {
				return engine.Fail(err)
			}
			if err := f.store.CreateResourceStart(ctx, res, sc.RunID); err != nil {
				return storeResult(err)
			}
			f.tel.Metrics.RecordStateChange(string(stores.KindResource), string(stores.StateInitializing))
			if err := sc.Working.Put(KeyResource, res); err != nil {
				return engine.Fail(err)
			}
			return engine.Succeed()
		},
		Compensate: func(ctx context.Context, sc *engine.StageContext) engine.Result {
			ref := stores.ResourceRef(sc.Working.GetString(KeyWorkspaceID), sc.Working.GetString(KeyResourceID))
			r := rule
			if sc.CompensationFailed() {
				r = stores.BrokenOnFailure
			}
			if err := f.store.CreateFailure(ctx, ref, sc.RunID, r, failureText(sc)); err != nil {
				return storeResult(err)
			}
			if r == stores.BrokenOnFailure {
				f.tel.Metrics.RecordStateChange(string(stores.KindResource), string(stores.StateBroken))
			}
			return engine.Succeed()
		},
		Retry:   f.opts.StoreRetry,
		Inputs:  []string{KeyWorkspaceID, KeyResourceID},
		Outputs: []string{KeyResource},
	}
}

// markResourceReady is the final stage of every create flight.
func (f *Flights) markResourceReady(skip func(sc *engine.StageContext) bool) engine.Stage {
	return engine.Stage{
		Name: "mark-resource-ready",
		Forward: func(ctx context.Context, sc *engine.StageContext) engine.Result {
			if skip != nil && skip(sc) {
				return engine.Succeed()
			}
			ref := stores.ResourceRef(sc.Working.GetString(KeyWorkspaceID), sc.Working.GetString(KeyResourceID))
			return f.markReady(ctx, sc, ref)
		},
		Retry:  f.opts.StoreRetry,
		Inputs: []string{KeyWorkspaceID, KeyResourceID},
	}
}

func (f *Flights) buildCreateControlledResource(raw json.RawMessage) (*engine.Flight, error) {
	var p CreateResourceParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	provider, err := f.providers.Get(p.Platform)
	if err != nil {
		return nil, err
	}
	rule := p.StateRule
	if rule == "" {
		rule = stores.DeleteOnFailure
	}

	resourceID := p.ResourceID
	if resourceID == "" {
		resourceID = uuid.NewString()
	}
	resID := working(KeyResourceID)

	return engine.NewFlight(engine.OperationCreateControlledResource,
		map[string]interface{}{KeyWorkspaceID: p.WorkspaceID, KeyResourceID: resourceID},
		f.authorizeStage(p.Actor, iam.ActionWrite, func(*engine.StageContext) []string {
			return []string{p.WorkspaceID}
		}),
		engine.Stage{
			Name: "validate-attributes",
			Forward: func(ctx context.Context, sc *engine.StageContext) engine.Result {
				return f.checkAttributes(ctx, resID(sc), p.ResourceType, p.Name, p.Attributes)
			},
			Retry:  f.opts.StoreRetry,
			Inputs: []string{KeyResourceID},
		},
		engine.Stage{
			Name: "check-cloud-context",
			Forward: func(ctx context.Context, sc *engine.StageContext) engine.Result {
				cc, err := f.store.GetCloudContext(ctx, p.WorkspaceID, p.Platform)
				if err != nil {
					return storeResult(err)
				}
				if cc.State != stores.StateReady {
					return invalidState(stores.CloudContextRef(p.WorkspaceID, p.Platform), cc.State, string(stores.StateReady))
				}
				return engine.Succeed()
			},
			Retry: f.opts.StoreRetry,
		},
		engine.Stage{
			Name: "check-unique-name",
			Forward: func(ctx context.Context, sc *engine.StageContext) engine.Result {
				return f.checkUniqueName(ctx, p.WorkspaceID, resID(sc), p.ResourceType, p.Name, p.Attributes)
			},
			Retry: f.opts.StoreRetry,
		},
		engine.Stage{
			Name: "check-region",
			Forward: func(ctx context.Context, sc *engine.StageContext) engine.Result {
				return f.checkRegion(ctx, p.WorkspaceID, resID(sc), p.Platform, p.Region)
			},
			Retry: f.opts.CloudRetry,
		},
		f.createRowStage(rule, func(sc *engine.StageContext) (*stores.Resource, error) {
			return newResource(p, resID(sc), stores.StewardshipControlled), nil
		}),
		engine.Stage{
			Name: "grant-private-role",
			Forward: func(ctx context.Context, sc *engine.StageContext) engine.Result {
				if p.AccessScope != stores.AccessPrivate {
					return engine.Succeed()
				}
				return collaboratorResult("failed to grant private resource role",
					f.iam.Grant(ctx, resID(sc), p.AssignedUser, iam.RoleEditor))
			},
			Compensate: func(ctx context.Context, sc *engine.StageContext) engine.Result {
				if p.AccessScope != stores.AccessPrivate {
					return engine.Succeed()
				}
				return collaboratorResult("failed to revoke private resource role",
					f.iam.Revoke(ctx, resID(sc), p.AssignedUser, iam.RoleEditor))
			},
			Retry: f.opts.CloudRetry,
		},
		engine.Stage{
			Name: "create-cloud-resource",
			Forward: func(ctx context.Context, sc *engine.StageContext) engine.Result {
				res, err := loadResource(sc, KeyResource)
				if err != nil {
					return engine.Fail(err)
				}
				return providers.ResultFor(providers.ActionCreate, provider.CreateResource(ctx, specOf(res)))
			},
			Compensate: func(ctx context.Context, sc *engine.StageContext) engine.Result {
				res, err := loadResource(sc, KeyResource)
				if err != nil {
					return engine.Fail(err)
				}
				return providers.ResultFor(providers.ActionDelete, provider.DeleteResource(ctx, keyOf(res)))
			},
			Retry:  f.opts.CloudRetry,
			Inputs: []string{KeyResource},
		},
		f.activityStage(p.Actor, string(stores.KindResource), stores.ChangeCreated, fixed(p.WorkspaceID), resID),
		f.markResourceReady(nil),
	)
}

func (f *Flights) buildCreateReferencedResource(raw json.RawMessage) (*engine.Flight, error) {
	var p CreateResourceParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.AccessScope == stores.AccessPrivate {
		return nil, engine.NewPermanentError("referenced resources cannot be private", nil).
			WithCode(engine.ErrCodeValidation)
	}

	resourceID := p.ResourceID
	if resourceID == "" {
		resourceID = uuid.NewString()
	}
	resID := working(KeyResourceID)

	return engine.NewFlight(engine.OperationCreateReferencedResource,
		map[string]interface{}{KeyWorkspaceID: p.WorkspaceID, KeyResourceID: resourceID},
		f.authorizeStage(p.Actor, iam.ActionWrite, func(*engine.StageContext) []string {
			return []string{p.WorkspaceID}
		}),
		engine.Stage{
			Name: "validate-attributes",
			Forward: func(ctx context.Context, sc *engine.StageContext) engine.Result {
				return f.checkAttributes(ctx, resID(sc), p.ResourceType, p.Name, p.Attributes)
			},
			Retry:  f.opts.StoreRetry,
			Inputs: []string{KeyResourceID},
		},
		f.requireWorkspaceReady("check-workspace", p.WorkspaceID),
		engine.Stage{
			Name: "check-unique-name",
			Forward: func(ctx context.Context, sc *engine.StageContext) engine.Result {
				return f.checkUniqueName(ctx, p.WorkspaceID, resID(sc), p.ResourceType, p.Name, nil)
			},
			Retry: f.opts.StoreRetry,
		},
		f.createRowStage(stores.DeleteOnFailure, func(sc *engine.StageContext) (*stores.Resource, error) {
			return newResource(p, resID(sc), stores.StewardshipReferenced), nil
		}),
		f.activityStage(p.Actor, string(stores.KindResource), stores.ChangeCreated, fixed(p.WorkspaceID), resID),
		f.markResourceReady(nil),
	)
}

func (f *Flights) buildUpdateResource(raw json.RawMessage) (*engine.Flight, error) {
	var p UpdateResourceParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	ref := stores.ResourceRef(p.WorkspaceID, p.ResourceID)

	return engine.NewFlight(engine.OperationUpdateResource,
		map[string]interface{}{KeyWorkspaceID: p.WorkspaceID, KeyResourceID: p.ResourceID},
		f.authorizeStage(p.Actor, iam.ActionWrite, func(*engine.StageContext) []string {
			return []string{p.ResourceID, p.WorkspaceID}
		}),
		engine.Stage{
			Name: "claim-resource",
			Forward: func(ctx context.Context, sc *engine.StageContext) engine.Result {
				if !sc.Working.Has(KeyResource) {
					res, err := f.store.GetResource(ctx, p.WorkspaceID, p.ResourceID)
					if err != nil {
						return storeResult(err)
					}
					if _, err := sc.Working.PutIfAbsent(KeyResource, res); err != nil {
						return engine.Fail(err)
					}
				}
				return f.claim(ctx, sc, ref, []stores.State{stores.StateReady}, stores.StateUpdating)
			},
			Compensate: func(ctx context.Context, sc *engine.StageContext) engine.Result {
				return f.restoreState(ctx, sc, ref, stores.StateUpdating)
			},
			Retry:   f.opts.StoreRetry,
			Outputs: []string{KeyResource},
		},
		engine.Stage{
			Name: "validate-update",
			Forward: func(ctx context.Context, sc *engine.StageContext) engine.Result {
				prior, err := loadResource(sc, KeyResource)
				if err != nil {
					return engine.Fail(err)
				}
				next := applyUpdate(prior, p)
				if r := f.checkAttributes(ctx, next.ID, next.ResourceType, next.Name, next.Attributes); r.Outcome != engine.OutcomeSuccess {
					return r
				}
				if p.Name == nil && len(p.Attributes) == 0 {
					return engine.Succeed()
				}
				return f.checkUniqueName(ctx, next.WorkspaceID, next.ID, next.ResourceType, next.Name, p.Attributes)
			},
			Retry:  f.opts.StoreRetry,
			Inputs: []string{KeyResource},
		},
		engine.Stage{
			Name: "update-cloud-resource",
			Forward: func(ctx context.Context, sc *engine.StageContext) engine.Result {
				prior, err := loadResource(sc, KeyResource)
				if err != nil {
					return engine.Fail(err)
				}
				if prior.Stewardship != stores.StewardshipControlled {
					return engine.Succeed()
				}
				provider, err := f.providers.Get(prior.CloudPlatform)
				if err != nil {
					return engine.Fail(err)
				}
				next := applyUpdate(prior, p)
				return providers.ResultFor(providers.ActionUpdate, provider.UpdateResource(ctx, specOf(next)))
			},
			Compensate: func(ctx context.Context, sc *engine.StageContext) engine.Result {
				prior, err := loadResource(sc, KeyResource)
				if err != nil {
					return engine.Fail(err)
				}
				if prior.Stewardship != stores.StewardshipControlled {
					return engine.Succeed()
				}
				provider, err := f.providers.Get(prior.CloudPlatform)
				if err != nil {
					return engine.Fail(err)
				}
				return providers.ResultFor(providers.ActionUpdate, provider.UpdateResource(ctx, specOf(prior)))
			},
			Retry:  f.opts.CloudRetry,
			Inputs: []string{KeyResource},
		},
		f.activityStage(p.Actor, string(stores.KindResource), stores.ChangeUpdated, fixed(p.WorkspaceID), fixed(p.ResourceID)),
		engine.Stage{
			Name: "finish-update",
			Forward: func(ctx context.Context, sc *engine.StageContext) engine.Result {
				err := f.store.UpdateResourceSuccess(ctx, ref, sc.RunID, stores.ResourceUpdate{
					Name:          p.Name,
					Description:   p.Description,
					Attributes:    p.Attributes,
					CloningPolicy: p.CloningPolicy,
				})
				if err != nil {
					return storeResult(err)
				}
				f.tel.Metrics.RecordStateChange(string(ref.Kind), string(stores.StateReady))
				f.tel.Events.PublishStateChanged(sc.RunID, ref.ObjectID(), string(stores.StateReady))
				return engine.Succeed()
			},
			Retry: f.opts.StoreRetry,
		},
	)
}

// applyUpdate returns prior with the update's non-nil fields applied.
func applyUpdate(prior *stores.Resource, p UpdateResourceParams) *stores.Resource {
	next := *prior
	if p.Name != nil {
		next.Name = *p.Name
	}
	if p.Description != nil {
		next.Description = *p.Description
	}
	if len(p.Attributes) > 0 {
		next.Attributes = p.Attributes
	}
	if p.CloningPolicy != nil {
		next.CloningPolicy = *p.CloningPolicy
	}
	return &next
}

func (f *Flights) buildDeleteResource(raw json.RawMessage) (*engine.Flight, error) {
	var p DeleteResourceParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	ref := stores.ResourceRef(p.WorkspaceID, p.ResourceID)

	return engine.NewFlight(engine.OperationDeleteResource,
		map[string]interface{}{KeyWorkspaceID: p.WorkspaceID, KeyResourceID: p.ResourceID},
		f.authorizeStage(p.Actor, iam.ActionDelete, func(*engine.StageContext) []string {
			return []string{p.ResourceID, p.WorkspaceID}
		}),
		engine.Stage{
			Name: "claim-resource",
			Forward: func(ctx context.Context, sc *engine.StageContext) engine.Result {
				if !sc.Working.Has(KeyResource) {
					res, err := f.store.GetResource(ctx, p.WorkspaceID, p.ResourceID)
					if err != nil {
						return storeResult(err)
					}
					if _, err := sc.Working.PutIfAbsent(KeyResource, res); err != nil {
						return engine.Fail(err)
					}
					if _, err := sc.Working.PutIfAbsent(KeyPriorState, res.State); err != nil {
						return engine.Fail(err)
					}
				}
				return f.claim(ctx, sc, ref, []stores.State{stores.StateReady, stores.StateBroken}, stores.StateDeleting)
			},
			Compensate: func(ctx context.Context, sc *engine.StageContext) engine.Result {
				return f.restoreState(ctx, sc, ref, stores.StateDeleting)
			},
			Retry:   f.opts.StoreRetry,
			Outputs: []string{KeyResource, KeyPriorState},
		},
		engine.Stage{
			Name: "revoke-private-role",
			Forward: func(ctx context.Context, sc *engine.StageContext) engine.Result {
				res, err := loadResource(sc, KeyResource)
				if err != nil {
					return engine.Fail(err)
				}
				if res.AccessScope != stores.AccessPrivate || res.AssignedUser == "" {
					return engine.Succeed()
				}
				return collaboratorResult("failed to revoke private resource role",
					f.iam.Revoke(ctx, res.ID, res.AssignedUser, iam.RoleEditor))
			},
			Compensate: func(ctx context.Context, sc *engine.StageContext) engine.Result {
				res, err := loadResource(sc, KeyResource)
				if err != nil {
					return engine.Fail(err)
				}
				if res.AccessScope != stores.AccessPrivate || res.AssignedUser == "" {
					return engine.Succeed()
				}
				return collaboratorResult("failed to restore private resource role",
					f.iam.Grant(ctx, res.ID, res.AssignedUser, iam.RoleEditor))
			},
			Retry:  f.opts.CloudRetry,
			Inputs: []string{KeyResource},
		},
		engine.Stage{
			Name: "delete-cloud-resource",
			Forward: func(ctx context.Context, sc *engine.StageContext) engine.Result {
				res, err := loadResource(sc, KeyResource)
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
				return markCloudDeleted(sc,
					providers.ResultFor(providers.ActionDelete, provider.DeleteResource(ctx, keyOf(res))))
			},
			Retry:        f.opts.CloudRetry,
			Inputs:       []string{KeyResource},
			Outputs:      []string{KeyCloudDeleted},
			Irreversible: true,
		},
		f.activityStage(p.Actor, string(stores.KindResource), stores.ChangeDeleted, fixed(p.WorkspaceID), fixed(p.ResourceID)),
		engine.Stage{
			Name: "remove-resource-row",
			Forward: func(ctx context.Context, sc *engine.StageContext) engine.Result {
				return f.removeRow(ctx, sc, ref)
			},
			Retry: f.opts.StoreRetry,
		},
	)
}
