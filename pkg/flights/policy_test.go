package flights

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/wsm/pkg/engine"
	"github.com/openfroyo/wsm/pkg/policy"
	"github.com/openfroyo/wsm/pkg/providers"
	"github.com/openfroyo/wsm/pkg/stores"
	"github.com/openfroyo/wsm/pkg/telemetry"
)

var objectOpts = []cmp.Option{
	cmpopts.IgnoreFields(policy.Object{}, "UpdatedAt"),
	cmpopts.EquateEmpty(),
}

func regionAttr(v string) policy.Attribute {
	return policy.Attribute{Name: policy.AttrRegionConstraint, Value: v}
}

func tierAttr(v string) policy.Attribute {
	return policy.Attribute{Name: policy.AttrDataTier, Value: v}
}

// requireUnchanged fails when the policy object differs from before.
func (h *harness) requireUnchanged(objectID string, before *policy.Object) {
	h.t.Helper()
	after, err := h.policy.Get(h.ctx, objectID)
	require.NoError(h.t, err)
	if diff := cmp.Diff(before, after, objectOpts...); diff != "" {
		h.t.Errorf("policy object %s not restored (-before +after):\n%s", objectID, diff)
	}
}

func (h *harness) policyObject(objectID string) *policy.Object {
	h.t.Helper()
	obj, err := h.policy.Get(h.ctx, objectID)
	require.NoError(h.t, err)
	return obj
}

func TestMergePolicy(t *testing.T) {
	h := newHarness(t, nil)
	h.workspace("ws-1", regionAttr("us-central1"), regionAttr("us-east1"))

	h.mustSucceed(engine.OperationMergePolicy, MergePolicyParams{
		WorkspaceID: "ws-1",
		Attributes:  []policy.Attribute{regionAttr("us-east1"), tierAttr("gold")},
		Actor:       alice,
	})

	obj := h.policyObject("ws-1")
	assert.Equal(t, []string{"us-east1"}, obj.Values(policy.AttrRegionConstraint), "regions intersect")
	assert.Equal(t, []string{"gold"}, obj.Values(policy.AttrDataTier))

	activity, err := h.store.ListActivity(h.ctx, "ws-1", 10)
	require.NoError(t, err)
	var changes []string
	for _, a := range activity {
		changes = append(changes, a.ChangeType)
	}
	assert.Contains(t, changes, stores.ChangePolicy)
}

func TestMergePolicyConflictRestores(t *testing.T) {
	h := newHarness(t, nil)
	h.workspace("ws-1", tierAttr("gold"), regionAttr("us-central1"))
	before := h.policyObject("ws-1")

	run := h.exec(engine.OperationMergePolicy, MergePolicyParams{
		WorkspaceID: "ws-1",
		Attributes:  []policy.Attribute{tierAttr("bronze")},
		Actor:       alice,
	})
	assert.Equal(t, engine.RunStatusError, run.Status)
	require.NotNil(t, run.Error)
	assert.Equal(t, engine.ErrorClassConflict, run.Error.Class)
	assert.Equal(t, "update-policy", run.Error.Stage)
	assert.NotEmpty(t, run.Error.Conflicts)

	h.requireUnchanged("ws-1", before)
}

func TestMergePolicyRejectedByExistingResources(t *testing.T) {
	h := newHarness(t, nil)
	h.workspace("ws-1")
	h.cloudContext("ws-1")
	id := h.bucket("ws-1", "data") // us-central1
	before := h.policyObject("ws-1")

	run := h.exec(engine.OperationMergePolicy, MergePolicyParams{
		WorkspaceID: "ws-1",
		Attributes:  []policy.Attribute{regionAttr("us-east1")},
		Actor:       alice,
	})
	assert.Equal(t, engine.RunStatusError, run.Status)
	require.NotNil(t, run.Error)
	assert.Equal(t, "validate-resources", run.Error.Stage)
	assert.Equal(t, engine.ErrorClassConflict, run.Error.Class)
	require.NotEmpty(t, run.Error.Conflicts)
	assert.Contains(t, run.Error.Conflicts[0], "us-central1")

	h.requireUnchanged("ws-1", before)
	assert.Equal(t, stores.StateReady, h.state(stores.ResourceRef("ws-1", id)))
}

func TestLinkPolicy(t *testing.T) {
	h := newHarness(t, nil)
	h.workspace("src", regionAttr("us-east1"))
	h.workspace("dst")

	h.mustSucceed(engine.OperationLinkPolicy, LinkPolicyParams{
		WorkspaceID:    "dst",
		SourceObjectID: "src",
		Actor:          alice,
	})

	obj := h.policyObject("dst")
	assert.Equal(t, []string{"src"}, obj.Sources)
	assert.Equal(t, []string{"us-east1"}, obj.Values(policy.AttrRegionConstraint))
}

func TestLinkPolicyConflictRestores(t *testing.T) {
	h := newHarness(t, nil)
	h.workspace("src", tierAttr("gold"))
	h.workspace("dst", tierAttr("bronze"))
	before := h.policyObject("dst")

	run := h.exec(engine.OperationLinkPolicy, LinkPolicyParams{
		WorkspaceID:    "dst",
		SourceObjectID: "src",
		Actor:          alice,
	})
	assert.Equal(t, engine.RunStatusError, run.Status)
	require.NotNil(t, run.Error)
	assert.Equal(t, engine.ErrorClassConflict, run.Error.Class)

	h.requireUnchanged("dst", before)
}

func TestLinkPolicyRejectedByExistingResources(t *testing.T) {
	h := newHarness(t, nil)
	h.workspace("src", regionAttr("europe-west1"))
	h.workspace("dst")
	h.cloudContext("dst")
	h.bucket("dst", "data")
	before := h.policyObject("dst")

	run := h.exec(engine.OperationLinkPolicy, LinkPolicyParams{
		WorkspaceID:    "dst",
		SourceObjectID: "src",
		Actor:          alice,
	})
	assert.Equal(t, engine.RunStatusError, run.Status)
	require.NotNil(t, run.Error)
	assert.Equal(t, "validate-resources", run.Error.Stage)

	h.requireUnchanged("dst", before)
}

func TestPolicyUpdateResumesFromFlushedSnapshot(t *testing.T) {
	h := newHarness(t, nil)
	h.workspace("ws-1", tierAttr("gold"))
	before := h.policyObject("ws-1")

	snapshot := h.flights.SnapshotPolicyStage("update-policy", fixed("ws-1"), nil)
	update := h.flights.PolicyUpdateStage("update-policy", fixed("ws-1"),
		MergeAttributes([]policy.Attribute{{Name: "tag", Value: "x"}}), nil)
	assert.Equal(t, "snapshot-update-policy", snapshot.Name)

	stageContext := func(wm *engine.WorkingMap) *engine.StageContext {
		return &engine.StageContext{
			RunID:     "run-1",
			Operation: engine.OperationMergePolicy,
			Stage:     update.Name,
			Working:   wm,
			Logger:    telemetry.NewNopLogger(),
		}
	}

	sc := stageContext(engine.NewWorkingMap())
	require.Equal(t, engine.OutcomeSuccess, snapshot.Forward(h.ctx, sc).Outcome)
	flushed, err := json.Marshal(sc.Working)
	require.NoError(t, err)

	// The update is applied, then the process dies before the stage is saved.
	require.Equal(t, engine.OutcomeSuccess, update.Forward(h.ctx, sc).Outcome)
	assert.Contains(t, h.policyObject("ws-1").Values("tag"), "x")

	resumed, err := engine.WorkingMapFromJSON(flushed)
	require.NoError(t, err)
	sc = stageContext(resumed)
	require.Equal(t, engine.OutcomeSuccess, update.Forward(h.ctx, sc).Outcome)
	require.Equal(t, engine.OutcomeSuccess, update.Compensate(h.ctx, sc).Outcome)

	h.requireUnchanged("ws-1", before)
}

func TestPolicyUpdateWithoutSnapshotFails(t *testing.T) {
	h := newHarness(t, nil)
	h.workspace("ws-1", tierAttr("gold"))
	before := h.policyObject("ws-1")

	update := h.flights.PolicyUpdateStage("update-policy", fixed("ws-1"),
		MergeAttributes([]policy.Attribute{{Name: "tag", Value: "x"}}), nil)
	res := update.Forward(h.ctx, &engine.StageContext{
		RunID:   "run-1",
		Working: engine.NewWorkingMap(),
		Logger:  telemetry.NewNopLogger(),
	})
	assert.Equal(t, engine.OutcomeFatalFailure, res.Outcome)
	h.requireUnchanged("ws-1", before)
}

// unavailablePolicy fails every region lookup.
type unavailablePolicy struct {
	policy.Service
}

func (unavailablePolicy) ListValidRegions(context.Context, string, string) ([]string, error) {
	return nil, errors.New("policy service unavailable")
}

func TestRegionGuardFailsClosed(t *testing.T) {
	h := newHarness(t, nil)
	h.workspace("ws-1", regionAttr("us-central1"))
	h.cloudContext("ws-1")
	h.flights.policy = unavailablePolicy{Service: h.policy}

	run := h.exec(engine.OperationCreateControlledResource, bucketParams("ws-1", "data"))
	assert.Equal(t, engine.RunStatusError, run.Status)
	require.NotNil(t, run.Error)
	assert.Equal(t, "check-region", run.Error.Stage)
	assert.Equal(t, engine.ErrCodeRetriesExhausted, run.Error.Code, "outage is retried, never waved through")

	assert.True(t, h.gone(stores.ResourceRef("ws-1", run.Working.GetString(KeyResourceID))))
	assert.Equal(t, 0, h.gcp.Len())
}

func TestRegionGuardSkipsPlatformsWithoutCatalog(t *testing.T) {
	h := newHarness(t, nil)
	h.workspace("ws-1", regionAttr("us-central1"))

	res := h.flights.checkRegion(h.ctx, "ws-1", "r1", providers.PlatformAWS, "us-west-2")
	assert.Equal(t, engine.OutcomeSuccess, res.Outcome, "no aws catalog configured")

	res = h.flights.checkRegion(h.ctx, "ws-1", "r1", providers.PlatformGCP, "us-east1")
	assert.Equal(t, engine.OutcomeFatalFailure, res.Outcome)
}
