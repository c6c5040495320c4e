package flights

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/openfroyo/wsm/pkg/config"
	"github.com/openfroyo/wsm/pkg/engine"
	"github.com/openfroyo/wsm/pkg/policy"
	"github.com/openfroyo/wsm/pkg/stores"
)

// Guards are read-then-decide checks. They have no side effects and therefore
// no compensation; a violation fails the run with a conflict list.

// checkAttributes validates the type-specific payload against its CUE schema
// and evaluates the naming rules.
func (f *Flights) checkAttributes(ctx context.Context, resourceID, resourceType, name string, attrs json.RawMessage) engine.Result {
	if err := f.schemas.ValidateAttributes(resourceType, attrs); err != nil {
		return engine.Fail(engine.NewPermanentError("invalid attributes", err).
			WithCode(engine.ErrCodeValidation).WithResource(resourceID))
	}

	res, err := f.rules.CheckNaming(ctx, policy.NamedResource{
		ID:           resourceID,
		Name:         name,
		ResourceType: resourceType,
		Attributes:   attrs,
	})
	if err != nil {
		return engine.Fail(fmt.Errorf("failed to evaluate naming rules: %w", err))
	}
	if !res.Allowed {
		return engine.Fail(engine.NewConflictError("resource naming rules violated", res.Messages()).
			WithResource(resourceID))
	}
	return engine.Succeed()
}

// checkUniqueName fails when another resource of the type in the workspace has
// name, or when a storage bucket name is taken anywhere.
func (f *Flights) checkUniqueName(ctx context.Context, workspaceID, resourceID, resourceType, name string, attrs json.RawMessage) engine.Result {
	existing, err := f.store.GetResourceByName(ctx, workspaceID, resourceType, name)
	switch {
	case err == nil && existing.ID != resourceID:
		return engine.Fail(engine.NewConflictError("resource name already in use",
			[]string{fmt.Sprintf("%s %q exists as %s", resourceType, name, existing.ID)}).
			WithResource(resourceID))
	case err != nil && !errors.Is(err, stores.ErrNotFound):
		return storeResult(err)
	}

	if resourceType != config.ResourceTypeStorageBucket {
		return engine.Succeed()
	}
	bucket := attributeString(attrs, "bucket_name")
	if bucket == "" {
		return engine.Succeed()
	}
	taken, err := f.store.ListResources(ctx, stores.ResourceFilter{
		ResourceType:   config.ResourceTypeStorageBucket,
		AttributeKey:   "bucket_name",
		AttributeValue: bucket,
		ExcludeID:      resourceID,
		Limit:          1,
	})
	if err != nil {
		return storeResult(err)
	}
	if len(taken) > 0 {
		return engine.Fail(engine.NewConflictError("bucket name already in use",
			[]string{fmt.Sprintf("bucket_name %q is used by %s/%s", bucket, taken[0].WorkspaceID, taken[0].ID)}).
			WithResource(resourceID))
	}
	return engine.Succeed()
}

// checkRegion fails when region is outside the workspace's allowed regions.
// Platforms without a region catalog are not enforced.
func (f *Flights) checkRegion(ctx context.Context, workspaceID, resourceID, platform, region string) engine.Result {
	if region == "" {
		return engine.Succeed()
	}

	in := policy.RegionInput{
		ResourceID: resourceID,
		Platform:   platform,
		Region:     region,
		Enforce:    true,
	}
	allowed, err := f.policy.ListValidRegions(ctx, workspaceID, platform)
	switch {
	case errors.Is(err, policy.ErrUnknownPlatform):
		in.Enforce = false
	case err != nil:
		return policyResult(err)
	default:
		in.AllowedRegions = allowed
	}

	res, err := f.rules.CheckRegion(ctx, in)
	if err != nil {
		return engine.Fail(fmt.Errorf("failed to evaluate region rules: %w", err))
	}
	if !res.Allowed {
		return engine.Fail(engine.NewConflictError("region not allowed", res.Messages()).
			WithResource(resourceID))
	}
	return engine.Succeed()
}

// checkResourceRegions fails when a controlled resource of the workspace lives
// in a region the current policy no longer allows.
func (f *Flights) checkResourceRegions(ctx context.Context, workspaceID string) engine.Result {
	resources, err := f.store.ListResources(ctx, stores.ResourceFilter{WorkspaceID: workspaceID})
	if err != nil {
		return storeResult(err)
	}

	var conflicts []string
	for _, res := range resources {
		if res.Stewardship != stores.StewardshipControlled || res.Region == "" {
			continue
		}
		r := f.checkRegion(ctx, workspaceID, res.ID, res.CloudPlatform, res.Region)
		if r.Outcome == engine.OutcomeSuccess {
			continue
		}
		if !engine.IsConflict(r.Err) {
			return r
		}
		conflicts = append(conflicts, engine.ConflictsOf(r.Err)...)
	}
	if len(conflicts) > 0 {
		return engine.Fail(engine.NewConflictError("existing resources violate the updated policy", conflicts).
			WithResource(workspaceID))
	}
	return engine.Succeed()
}

// attributeString returns a top-level string attribute of a payload.
func attributeString(attrs json.RawMessage, key string) string {
	if len(attrs) == 0 {
		return ""
	}
	var m map[string]interface{}
	if err := json.Unmarshal(attrs, &m); err != nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}
