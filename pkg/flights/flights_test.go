package flights

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/wsm/pkg/engine"
	"github.com/openfroyo/wsm/pkg/iam"
	"github.com/openfroyo/wsm/pkg/policy"
	"github.com/openfroyo/wsm/pkg/providers"
	"github.com/openfroyo/wsm/pkg/stores"
	"github.com/openfroyo/wsm/pkg/telemetry"
)

const (
	alice = "alice@example.com"
	bob   = "bob@example.com"
)

var testRegions = map[string][]string{
	providers.PlatformGCP: {"europe-west1", "us-central1", "us-east1"},
}

type harness struct {
	t       *testing.T
	ctx     context.Context
	dbPath  string
	store   *stores.Store
	engine  *engine.Engine
	gcp     *providers.MemoryProvider
	auth    *iam.MemoryAuthorizer
	policy  *policy.MemoryService
	flights *Flights
}

// newHarness wires flights against a SQLite store in a temp dir and in-memory
// collaborators. gcp replaces the default in-memory provider when non-nil.
func newHarness(t *testing.T, gcp providers.Provider) *harness {
	t.Helper()
	ctx := context.Background()

	dbPath := filepath.Join(t.TempDir(), "wsm.db")
	store, err := stores.NewStore(stores.Config{Path: dbPath})
	require.NoError(t, err)
	require.NoError(t, store.Init(ctx))
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(ctx))

	rules, err := policy.NewEngine(zerolog.Nop())
	require.NoError(t, err)
	svc := policy.NewMemoryService(rules, testRegions)

	mem := providers.NewMemoryProvider(providers.PlatformGCP)
	if gcp == nil {
		gcp = mem
	}
	registry := providers.NewRegistry()
	require.NoError(t, registry.Register(gcp))

	auth := iam.NewMemoryAuthorizer()
	tel := telemetry.NewNoop()

	retry := engine.FixedInterval(time.Millisecond, 5)
	f, err := New(Deps{
		Store:     store,
		Policy:    svc,
		Rules:     rules,
		Providers: registry,
		IAM:       auth,
		Telemetry: tel,
	}, Options{StoreRetry: retry, CloudRetry: retry, FanOutLimit: 2})
	require.NoError(t, err)

	reg := engine.NewRegistry()
	require.NoError(t, f.Register(reg))
	eng, err := engine.NewEngine(engine.Config{Workers: 1, PollInterval: 5 * time.Millisecond}, store, reg, tel)
	require.NoError(t, err)
	f.SetRunner(eng)

	return &harness{
		t:       t,
		ctx:     ctx,
		dbPath:  dbPath,
		store:   store,
		engine:  eng,
		gcp:     mem,
		auth:    auth,
		policy:  svc,
		flights: f,
	}
}

// exec runs op to completion with params.
func (h *harness) exec(op engine.OperationType, params interface{}) *engine.Run {
	h.t.Helper()
	run, err := h.engine.Execute(h.ctx, engine.SubmitRequest{Operation: op, Params: mustJSON(params)})
	require.NoError(h.t, err)
	return run
}

// mustSucceed runs op and requires SUCCESS.
func (h *harness) mustSucceed(op engine.OperationType, params interface{}) *engine.Run {
	h.t.Helper()
	run := h.exec(op, params)
	require.Equal(h.t, engine.RunStatusSuccess, run.Status, "run error: %+v", run.Error)
	return run
}

func (h *harness) workspace(id string, attrs ...policy.Attribute) {
	h.t.Helper()
	h.mustSucceed(engine.OperationCreateWorkspace, CreateWorkspaceParams{
		WorkspaceID: id,
		DisplayName: "Workspace " + id,
		Actor:       alice,
		Policy:      attrs,
	})
}

func (h *harness) cloudContext(workspaceID string) {
	h.t.Helper()
	h.mustSucceed(engine.OperationCreateCloudContext, CloudContextParams{
		WorkspaceID: workspaceID,
		Platform:    providers.PlatformGCP,
		Actor:       alice,
	})
}

func bucketParams(workspaceID, name string) CreateResourceParams {
	return CreateResourceParams{
		WorkspaceID:   workspaceID,
		Name:          name,
		ResourceType:  "storage-bucket",
		Platform:      providers.PlatformGCP,
		Region:        "us-central1",
		Attributes:    json.RawMessage(`{"bucket_name":"` + name + `-bucket"}`),
		CloningPolicy: stores.CloneDefinition,
		Actor:         alice,
	}
}

// bucket creates a controlled bucket and returns its id.
func (h *harness) bucket(workspaceID, name string) string {
	h.t.Helper()
	run := h.mustSucceed(engine.OperationCreateControlledResource, bucketParams(workspaceID, name))
	return run.Working.GetString(KeyResourceID)
}

func (h *harness) state(ref stores.EntityRef) stores.State {
	h.t.Helper()
	state, _, err := h.store.GetState(h.ctx, ref)
	require.NoError(h.t, err)
	return state
}

func (h *harness) gone(ref stores.EntityRef) bool {
	h.t.Helper()
	_, _, err := h.store.GetState(h.ctx, ref)
	if err == nil {
		return false
	}
	require.ErrorIs(h.t, err, stores.ErrNotFound)
	return true
}

func TestRegisterAllOperations(t *testing.T) {
	h := newHarness(t, nil)
	reg := engine.NewRegistry()
	require.NoError(t, h.flights.Register(reg))
	assert.Len(t, reg.Operations(), 11)

	assert.Error(t, h.flights.Register(reg), "registering twice fails")
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Deps{}, DefaultOptions())
	assert.Error(t, err)
}

func TestInvalidParamsRejectedAtSubmission(t *testing.T) {
	h := newHarness(t, nil)

	tests := []struct {
		name   string
		op     engine.OperationType
		params string
	}{
		{"unknown field", engine.OperationCreateWorkspace, `{"display_name":"x","actor":"a","color":"red"}`},
		{"missing actor", engine.OperationCreateWorkspace, `{"display_name":"x"}`},
		{"bad platform", engine.OperationCreateCloudContext, `{"workspace_id":"w","platform":"mars","actor":"a"}`},
		{"bad name", engine.OperationCreateControlledResource,
			`{"workspace_id":"w","name":"-x","resource_type":"dataset","platform":"gcp","actor":"a"}`},
		{"private without user", engine.OperationCreateControlledResource,
			`{"workspace_id":"w","name":"x","resource_type":"dataset","platform":"gcp","access_scope":"PRIVATE","actor":"a"}`},
		{"self link", engine.OperationLinkPolicy, `{"workspace_id":"w","source_object_id":"w","actor":"a"}`},
		{"empty merge", engine.OperationMergePolicy, `{"workspace_id":"w","attributes":[],"actor":"a"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.engine.Execute(h.ctx, engine.SubmitRequest{
				Operation: tt.op,
				Params:    json.RawMessage(tt.params),
			})
			require.Error(t, err)
			var ee *engine.EngineError
			require.ErrorAs(t, err, &ee)
			assert.Equal(t, engine.ErrCodeValidation, ee.Code)
		})
	}
}

func TestCreateWorkspace(t *testing.T) {
	h := newHarness(t, nil)
	h.workspace("ws-1", policy.Attribute{Name: policy.AttrRegionConstraint, Value: "us-central1"})

	ws, err := h.store.GetWorkspace(h.ctx, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, stores.StateReady, ws.State)
	assert.Empty(t, ws.OwningRunID)
	assert.Equal(t, alice, ws.CreatedBy)

	obj, err := h.policy.Get(h.ctx, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"us-central1"}, obj.Values(policy.AttrRegionConstraint))

	ok, err := h.auth.IsAuthorized(h.ctx, alice, iam.ActionAdmin, "ws-1")
	require.NoError(t, err)
	assert.True(t, ok)

	activity, err := h.store.ListActivity(h.ctx, "ws-1", 10)
	require.NoError(t, err)
	require.Len(t, activity, 1)
	assert.Equal(t, stores.ChangeCreated, activity[0].ChangeType)
}

func TestCreateWorkspaceGeneratesID(t *testing.T) {
	h := newHarness(t, nil)
	run := h.mustSucceed(engine.OperationCreateWorkspace, CreateWorkspaceParams{DisplayName: "generated", Actor: alice})

	id := run.Working.GetString(KeyWorkspaceID)
	require.NotEmpty(t, id)
	assert.Equal(t, stores.StateReady, h.state(stores.WorkspaceRef(id)))
}

func TestCreateWorkspaceDuplicate(t *testing.T) {
	h := newHarness(t, nil)
	h.workspace("ws-1")

	run := h.exec(engine.OperationCreateWorkspace, CreateWorkspaceParams{WorkspaceID: "ws-1", DisplayName: "again", Actor: bob})
	assert.Equal(t, engine.RunStatusError, run.Status)
	require.NotNil(t, run.Error)
	assert.Equal(t, engine.ErrorClassConflict, run.Error.Class)

	ws, err := h.store.GetWorkspace(h.ctx, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, "Workspace ws-1", ws.DisplayName, "existing workspace untouched")
	assert.Equal(t, stores.StateReady, ws.State)
}

// failingAuthorizer fails every grant of role.
type failingAuthorizer struct {
	iam.Authorizer
	role iam.Role
}

func (a failingAuthorizer) Grant(ctx context.Context, object, principal string, role iam.Role) error {
	if role == a.role {
		return engine.NewPermanentError("iam unavailable for "+string(role), nil)
	}
	return a.Authorizer.Grant(ctx, object, principal, role)
}

func TestCreateWorkspaceCompensates(t *testing.T) {
	h := newHarness(t, nil)
	h.flights.iam = failingAuthorizer{Authorizer: h.auth, role: iam.RoleOwner}

	run := h.exec(engine.OperationCreateWorkspace, CreateWorkspaceParams{
		WorkspaceID: "ws-1",
		DisplayName: "doomed",
		Actor:       alice,
	})
	assert.Equal(t, engine.RunStatusError, run.Status)
	require.NotNil(t, run.Error)
	assert.Equal(t, "grant-owner", run.Error.Stage)

	assert.True(t, h.gone(stores.WorkspaceRef("ws-1")), "row removed")
	_, err := h.policy.Get(h.ctx, "ws-1")
	assert.ErrorIs(t, err, policy.ErrObjectNotFound, "policy object removed")
}

func TestUnauthorizedActorRejected(t *testing.T) {
	h := newHarness(t, nil)
	h.workspace("ws-1")

	params := bucketParams("ws-1", "data")
	params.Actor = bob
	run := h.exec(engine.OperationCreateControlledResource, params)

	assert.Equal(t, engine.RunStatusError, run.Status)
	require.NotNil(t, run.Error)
	assert.Equal(t, engine.ErrCodePermissionDenied, run.Error.Code)
	assert.Equal(t, "authorize", run.Error.Stage)
}

func TestCloudContextLifecycle(t *testing.T) {
	h := newHarness(t, nil)
	h.workspace("ws-1")
	h.cloudContext("ws-1")

	cc, err := h.store.GetCloudContext(h.ctx, "ws-1", providers.PlatformGCP)
	require.NoError(t, err)
	assert.Equal(t, stores.StateReady, cc.State)
	assert.JSONEq(t, `{"platform":"gcp","project_id":"gcp-ws-1"}`, string(cc.Descriptor))
	assert.True(t, h.gcp.HasContext("ws-1"))

	h.mustSucceed(engine.OperationDeleteCloudContext, CloudContextParams{
		WorkspaceID: "ws-1",
		Platform:    providers.PlatformGCP,
		Actor:       alice,
	})
	assert.True(t, h.gone(stores.CloudContextRef("ws-1", providers.PlatformGCP)))
	assert.False(t, h.gcp.HasContext("ws-1"))
}

func TestCreateCloudContextRequiresWorkspace(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.auth.Grant(h.ctx, "missing", alice, iam.RoleOwner))

	run := h.exec(engine.OperationCreateCloudContext, CloudContextParams{
		WorkspaceID: "missing",
		Platform:    providers.PlatformGCP,
		Actor:       alice,
	})
	assert.Equal(t, engine.RunStatusError, run.Status)
	require.NotNil(t, run.Error)
	assert.Equal(t, engine.ErrCodeNotFound, run.Error.Code)
	assert.False(t, h.gcp.HasContext("missing"))
}

func TestCreateCloudContextProviderFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.workspace("ws-1")
	h.gcp.FailNext(providers.ActionCreate, "ws-1", providers.ErrInvalid, 1)

	run := h.exec(engine.OperationCreateCloudContext, CloudContextParams{
		WorkspaceID: "ws-1",
		Platform:    providers.PlatformGCP,
		Actor:       alice,
	})
	assert.Equal(t, engine.RunStatusError, run.Status)
	assert.True(t, h.gone(stores.CloudContextRef("ws-1", providers.PlatformGCP)))
}

func TestDeleteCloudContextWithResources(t *testing.T) {
	h := newHarness(t, nil)
	h.workspace("ws-1")
	h.cloudContext("ws-1")
	h.bucket("ws-1", "data")

	run := h.exec(engine.OperationDeleteCloudContext, CloudContextParams{
		WorkspaceID: "ws-1",
		Platform:    providers.PlatformGCP,
		Actor:       alice,
	})
	assert.Equal(t, engine.RunStatusError, run.Status)
	require.NotNil(t, run.Error)
	assert.Equal(t, engine.ErrorClassConflict, run.Error.Class)

	assert.Equal(t, stores.StateReady, h.state(stores.CloudContextRef("ws-1", providers.PlatformGCP)), "claim released")
	assert.True(t, h.gcp.HasContext("ws-1"))
}

func TestCreateControlledResource(t *testing.T) {
	h := newHarness(t, nil)
	h.workspace("ws-1")
	h.cloudContext("ws-1")
	id := h.bucket("ws-1", "data")

	res, err := h.store.GetResource(h.ctx, "ws-1", id)
	require.NoError(t, err)
	assert.Equal(t, stores.StateReady, res.State)
	assert.Equal(t, stores.StewardshipControlled, res.Stewardship)
	assert.Equal(t, stores.AccessShared, res.AccessScope)
	assert.Equal(t, stores.ManagedByUser, res.ManagedBy)
	assert.Empty(t, res.OwningRunID)
	assert.True(t, h.gcp.Has(providers.ResourceKey{WorkspaceID: "ws-1", ResourceID: id}))
}

func TestCreateResourceRequiresReadyContext(t *testing.T) {
	h := newHarness(t, nil)
	h.workspace("ws-1")

	run := h.exec(engine.OperationCreateControlledResource, bucketParams("ws-1", "data"))
	assert.Equal(t, engine.RunStatusError, run.Status)
	assert.Equal(t, 0, h.gcp.Len())
}

func TestCreateResourceDuplicateName(t *testing.T) {
	h := newHarness(t, nil)
	h.workspace("ws-1")
	h.cloudContext("ws-1")
	first := h.bucket("ws-1", "data")

	params := bucketParams("ws-1", "data")
	params.Attributes = json.RawMessage(`{"bucket_name":"another-bucket"}`)
	run := h.exec(engine.OperationCreateControlledResource, params)

	assert.Equal(t, engine.RunStatusError, run.Status)
	require.NotNil(t, run.Error)
	assert.Equal(t, engine.ErrorClassConflict, run.Error.Class)
	assert.Equal(t, "check-unique-name", run.Error.Stage)
	assert.NotEmpty(t, run.Error.Conflicts)

	assert.Equal(t, stores.StateReady, h.state(stores.ResourceRef("ws-1", first)))
	second := run.Working.GetString(KeyResourceID)
	assert.True(t, h.gone(stores.ResourceRef("ws-1", second)), "second row absent")
	assert.Equal(t, 1, h.gcp.Len())
}

func TestCreateResourceBucketNameGloballyUnique(t *testing.T) {
	h := newHarness(t, nil)
	h.workspace("ws-1")
	h.workspace("ws-2")
	h.cloudContext("ws-1")
	h.cloudContext("ws-2")
	h.bucket("ws-1", "data")

	params := bucketParams("ws-2", "other")
	params.Attributes = json.RawMessage(`{"bucket_name":"data-bucket"}`)
	run := h.exec(engine.OperationCreateControlledResource, params)

	assert.Equal(t, engine.RunStatusError, run.Status)
	require.NotNil(t, run.Error)
	assert.Equal(t, engine.ErrorClassConflict, run.Error.Class)
}

func TestCreateResourceInvalidAttributes(t *testing.T) {
	h := newHarness(t, nil)
	h.workspace("ws-1")
	h.cloudContext("ws-1")

	tests := []struct {
		name   string
		params CreateResourceParams
	}{
		{"schema", CreateResourceParams{
			WorkspaceID: "ws-1", Name: "net", ResourceType: "network", Platform: "gcp",
			Attributes: json.RawMessage(`{"cidr":"not-a-cidr"}`), Actor: alice,
		}},
		{"bucket naming", CreateResourceParams{
			WorkspaceID: "ws-1", Name: "data", ResourceType: "storage-bucket", Platform: "gcp",
			Attributes: json.RawMessage(`{"bucket_name":"google-data"}`), Actor: alice,
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			run := h.exec(engine.OperationCreateControlledResource, tt.params)
			assert.Equal(t, engine.RunStatusError, run.Status)
			require.NotNil(t, run.Error)
			assert.Equal(t, "validate-attributes", run.Error.Stage)
		})
	}
}

func TestCreateResourceRegionGuard(t *testing.T) {
	h := newHarness(t, nil)
	h.workspace("ws-1", policy.Attribute{Name: policy.AttrRegionConstraint, Value: "us-east1"})
	h.cloudContext("ws-1")

	run := h.exec(engine.OperationCreateControlledResource, bucketParams("ws-1", "data"))
	assert.Equal(t, engine.RunStatusError, run.Status)
	require.NotNil(t, run.Error)
	assert.Equal(t, "check-region", run.Error.Stage)
	assert.Equal(t, engine.ErrorClassConflict, run.Error.Class)

	params := bucketParams("ws-1", "data")
	params.Region = "us-east1"
	h.mustSucceed(engine.OperationCreateControlledResource, params)
}

func TestCreateResourceProviderFailure(t *testing.T) {
	tests := []struct {
		name      string
		rule      stores.StateRule
		wantGone  bool
		wantState stores.State
	}{
		{"delete on failure", stores.DeleteOnFailure, true, ""},
		{"broken on failure", stores.BrokenOnFailure, false, stores.StateBroken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.workspace("ws-1")
			h.cloudContext("ws-1")

			params := bucketParams("ws-1", "data")
			params.StateRule = tt.rule
			params.AccessScope = stores.AccessPrivate
			params.AssignedUser = bob
			h.gcp.FailNext(providers.ActionCreate, "", providers.ErrInvalid, 1)

			run := h.exec(engine.OperationCreateControlledResource, params)
			assert.Equal(t, engine.RunStatusError, run.Status)
			require.NotNil(t, run.Error)
			assert.Equal(t, "create-cloud-resource", run.Error.Stage)

			ref := stores.ResourceRef("ws-1", run.Working.GetString(KeyResourceID))
			if tt.wantGone {
				assert.True(t, h.gone(ref))
			} else {
				res, err := h.store.GetResource(h.ctx, ref.WorkspaceID, ref.ResourceID)
				require.NoError(t, err)
				assert.Equal(t, tt.wantState, res.State)
				assert.Contains(t, res.LastError, "cloud create rejected")
			}

			bindings, err := h.auth.Bindings(h.ctx, ref.ResourceID)
			require.NoError(t, err)
			assert.Empty(t, bindings, "private role revoked")
		})
	}
}

func TestCreateResourceRetriesThrottledProvider(t *testing.T) {
	h := newHarness(t, nil)
	h.workspace("ws-1")
	h.cloudContext("ws-1")
	h.gcp.FailNext(providers.ActionCreate, "", providers.ErrThrottled, 2)

	id := h.bucket("ws-1", "data")
	assert.True(t, h.gcp.Has(providers.ResourceKey{WorkspaceID: "ws-1", ResourceID: id}))
	// one context create, two throttled attempts, one success
	assert.Equal(t, 4, h.gcp.Calls(providers.ActionCreate))
}

func TestCreatePrivateResourceGrantsRole(t *testing.T) {
	h := newHarness(t, nil)
	h.workspace("ws-1")
	h.cloudContext("ws-1")

	params := bucketParams("ws-1", "private")
	params.AccessScope = stores.AccessPrivate
	params.AssignedUser = bob
	run := h.mustSucceed(engine.OperationCreateControlledResource, params)
	id := run.Working.GetString(KeyResourceID)

	ok, err := h.auth.IsAuthorized(h.ctx, bob, iam.ActionWrite, id)
	require.NoError(t, err)
	assert.True(t, ok)

	h.mustSucceed(engine.OperationDeleteResource, DeleteResourceParams{WorkspaceID: "ws-1", ResourceID: id, Actor: alice})
	ok, err = h.auth.IsAuthorized(h.ctx, bob, iam.ActionWrite, id)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCreateReferencedResource(t *testing.T) {
	h := newHarness(t, nil)
	h.workspace("ws-1")

	run := h.mustSucceed(engine.OperationCreateReferencedResource, CreateResourceParams{
		WorkspaceID:  "ws-1",
		Name:         "shared-data",
		ResourceType: "dataset",
		Platform:     providers.PlatformGCP,
		Attributes:   json.RawMessage(`{"dataset_id":"shared"}`),
		Actor:        alice,
	})

	res, err := h.store.GetResource(h.ctx, "ws-1", run.Working.GetString(KeyResourceID))
	require.NoError(t, err)
	assert.Equal(t, stores.StewardshipReferenced, res.Stewardship)
	assert.Equal(t, stores.StateReady, res.State)
	assert.Equal(t, 0, h.gcp.Len(), "referenced resources are not created in the cloud")
}

func TestUpdateResource(t *testing.T) {
	h := newHarness(t, nil)
	h.workspace("ws-1")
	h.cloudContext("ws-1")
	id := h.bucket("ws-1", "data")

	name := "renamed"
	policyCopy := stores.CloneReference
	h.mustSucceed(engine.OperationUpdateResource, UpdateResourceParams{
		WorkspaceID:   "ws-1",
		ResourceID:    id,
		Name:          &name,
		Attributes:    json.RawMessage(`{"bucket_name":"data-bucket","versioning":true}`),
		CloningPolicy: &policyCopy,
		Actor:         alice,
	})

	res, err := h.store.GetResource(h.ctx, "ws-1", id)
	require.NoError(t, err)
	assert.Equal(t, "renamed", res.Name)
	assert.Equal(t, stores.CloneReference, res.CloningPolicy)
	assert.Equal(t, stores.StateReady, res.State)
	assert.JSONEq(t, `{"bucket_name":"data-bucket","versioning":true}`, string(res.Attributes))

	spec, err := h.gcp.GetResource(h.ctx, providers.ResourceKey{WorkspaceID: "ws-1", ResourceID: id})
	require.NoError(t, err)
	assert.Equal(t, "renamed", spec.Name)
}

func TestUpdateResourceProviderFailureRestores(t *testing.T) {
	h := newHarness(t, nil)
	h.workspace("ws-1")
	h.cloudContext("ws-1")
	id := h.bucket("ws-1", "data")

	h.gcp.FailNext(providers.ActionUpdate, id, providers.ErrInvalid, 1)
	name := "renamed"
	run := h.exec(engine.OperationUpdateResource, UpdateResourceParams{
		WorkspaceID: "ws-1",
		ResourceID:  id,
		Name:        &name,
		Actor:       alice,
	})
	assert.Equal(t, engine.RunStatusError, run.Status)

	res, err := h.store.GetResource(h.ctx, "ws-1", id)
	require.NoError(t, err)
	assert.Equal(t, "data", res.Name)
	assert.Equal(t, stores.StateReady, res.State)
	assert.Empty(t, res.OwningRunID)
}

func TestUpdateResourceRenameConflict(t *testing.T) {
	h := newHarness(t, nil)
	h.workspace("ws-1")
	h.cloudContext("ws-1")
	h.bucket("ws-1", "data")
	id := h.bucket("ws-1", "logs")

	name := "data"
	run := h.exec(engine.OperationUpdateResource, UpdateResourceParams{
		WorkspaceID: "ws-1",
		ResourceID:  id,
		Name:        &name,
		Actor:       alice,
	})
	assert.Equal(t, engine.RunStatusError, run.Status)
	require.NotNil(t, run.Error)
	assert.Equal(t, engine.ErrorClassConflict, run.Error.Class)
	assert.Equal(t, stores.StateReady, h.state(stores.ResourceRef("ws-1", id)))
}

func TestDeleteResource(t *testing.T) {
	h := newHarness(t, nil)
	h.workspace("ws-1")
	h.cloudContext("ws-1")
	id := h.bucket("ws-1", "data")

	h.mustSucceed(engine.OperationDeleteResource, DeleteResourceParams{WorkspaceID: "ws-1", ResourceID: id, Actor: alice})

	assert.True(t, h.gone(stores.ResourceRef("ws-1", id)))
	assert.False(t, h.gcp.Has(providers.ResourceKey{WorkspaceID: "ws-1", ResourceID: id}))

	activity, err := h.store.ListActivity(h.ctx, "ws-1", 10)
	require.NoError(t, err)
	var changes []string
	for _, a := range activity {
		if a.ObjectID == id {
			changes = append(changes, a.ChangeType)
		}
	}
	assert.ElementsMatch(t, []string{stores.ChangeCreated, stores.ChangeDeleted}, changes)
}

func TestDeleteBrokenResource(t *testing.T) {
	h := newHarness(t, nil)
	h.workspace("ws-1")
	h.cloudContext("ws-1")
	id := h.bucket("ws-1", "data")

	ok, err := h.store.MarkBroken(h.ctx, stores.ResourceRef("ws-1", id), "", "operator test")
	require.NoError(t, err)
	require.True(t, ok)

	h.mustSucceed(engine.OperationDeleteResource, DeleteResourceParams{WorkspaceID: "ws-1", ResourceID: id, Actor: alice})
	assert.True(t, h.gone(stores.ResourceRef("ws-1", id)))
}

func TestDeleteResourceProviderFailureRestoresState(t *testing.T) {
	h := newHarness(t, nil)
	h.workspace("ws-1")
	h.cloudContext("ws-1")
	id := h.bucket("ws-1", "data")

	h.gcp.FailNext(providers.ActionDelete, id, providers.ErrInvalid, 1)
	run := h.exec(engine.OperationDeleteResource, DeleteResourceParams{WorkspaceID: "ws-1", ResourceID: id, Actor: alice})
	assert.Equal(t, engine.RunStatusError, run.Status)

	state, owner, err := h.store.GetState(h.ctx, stores.ResourceRef("ws-1", id))
	require.NoError(t, err)
	assert.Equal(t, stores.StateReady, state)
	assert.Empty(t, owner)
}

// breakActivityLog drops the activity table behind the store's back so every
// record-activity stage fails.
func (h *harness) breakActivityLog() {
	h.t.Helper()
	db, err := sql.Open("sqlite", h.dbPath)
	require.NoError(h.t, err)
	defer db.Close()
	_, err = db.ExecContext(h.ctx, `DROP TABLE activity_log`)
	require.NoError(h.t, err)
}

func TestDeleteResourceAfterCloudDeleteMarksBroken(t *testing.T) {
	h := newHarness(t, nil)
	h.workspace("ws-1")
	h.cloudContext("ws-1")
	id := h.bucket("ws-1", "data")
	h.breakActivityLog()

	run := h.exec(engine.OperationDeleteResource, DeleteResourceParams{WorkspaceID: "ws-1", ResourceID: id, Actor: alice})
	assert.Equal(t, engine.RunStatusError, run.Status)
	require.NotNil(t, run.Error)
	assert.Equal(t, "record-activity", run.Error.Stage)
	assert.False(t, h.gcp.Has(providers.ResourceKey{WorkspaceID: "ws-1", ResourceID: id}))

	res, err := h.store.GetResource(h.ctx, "ws-1", id)
	require.NoError(t, err)
	assert.Equal(t, stores.StateBroken, res.State, "row must not claim a live cloud object")
	assert.Empty(t, res.OwningRunID)
	assert.Contains(t, res.LastError, "cloud object deleted")
}

func TestDeleteCloudContextAfterCloudDeleteMarksBroken(t *testing.T) {
	h := newHarness(t, nil)
	h.workspace("ws-1")
	h.cloudContext("ws-1")
	h.breakActivityLog()

	run := h.exec(engine.OperationDeleteCloudContext, CloudContextParams{
		WorkspaceID: "ws-1",
		Platform:    providers.PlatformGCP,
		Actor:       alice,
	})
	assert.Equal(t, engine.RunStatusError, run.Status)
	assert.False(t, h.gcp.HasContext("ws-1"))

	cc, err := h.store.GetCloudContext(h.ctx, "ws-1", providers.PlatformGCP)
	require.NoError(t, err)
	assert.Equal(t, stores.StateBroken, cc.State)
	assert.Contains(t, cc.LastError, "cloud object deleted")
}

func TestDeleteResourceBusy(t *testing.T) {
	h := newHarness(t, nil)
	h.workspace("ws-1")
	h.cloudContext("ws-1")
	id := h.bucket("ws-1", "data")
	ref := stores.ResourceRef("ws-1", id)

	won, err := h.store.Claim(h.ctx, ref, []stores.State{stores.StateReady}, stores.StateUpdating, "other-run")
	require.NoError(t, err)
	require.True(t, won)

	run := h.exec(engine.OperationDeleteResource, DeleteResourceParams{WorkspaceID: "ws-1", ResourceID: id, Actor: alice})
	assert.Equal(t, engine.RunStatusError, run.Status)
	require.NotNil(t, run.Error)
	assert.Equal(t, engine.ErrorClassBusy, run.Error.Class)

	state, owner, err := h.store.GetState(h.ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, stores.StateUpdating, state, "the other run's claim is untouched")
	assert.Equal(t, "other-run", owner)
	assert.True(t, h.gcp.Has(providers.ResourceKey{WorkspaceID: "ws-1", ResourceID: id}))
}

// blockingProvider parks resource deletes until release is closed.
type blockingProvider struct {
	*providers.MemoryProvider
	entered chan struct{}
	release chan struct{}
}

func (p *blockingProvider) DeleteResource(ctx context.Context, key providers.ResourceKey) error {
	select {
	case p.entered <- struct{}{}:
	default:
	}
	<-p.release
	return p.MemoryProvider.DeleteResource(ctx, key)
}

func TestConcurrentDeletesExactlyOneWins(t *testing.T) {
	bp := &blockingProvider{
		MemoryProvider: providers.NewMemoryProvider(providers.PlatformGCP),
		entered:        make(chan struct{}, 1),
		release:        make(chan struct{}),
	}
	h := newHarness(t, bp)
	h.gcp = bp.MemoryProvider
	h.workspace("ws-1")
	h.cloudContext("ws-1")
	id := h.bucket("ws-1", "data")
	params := DeleteResourceParams{WorkspaceID: "ws-1", ResourceID: id, Actor: alice}

	firstDone := make(chan *engine.Run, 1)
	go func() {
		run, err := h.engine.Execute(h.ctx, engine.SubmitRequest{
			Operation: engine.OperationDeleteResource,
			Params:    mustJSON(params),
		})
		assert.NoError(t, err)
		firstDone <- run
	}()

	select {
	case <-bp.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first delete never reached the provider")
	}

	second := h.exec(engine.OperationDeleteResource, params)
	close(bp.release)
	first := <-firstDone

	require.NotNil(t, first)
	assert.Equal(t, engine.RunStatusSuccess, first.Status)
	assert.Equal(t, engine.RunStatusError, second.Status)
	require.NotNil(t, second.Error)
	assert.Equal(t, engine.ErrorClassBusy, second.Error.Class)

	assert.True(t, h.gone(stores.ResourceRef("ws-1", id)))
	assert.Equal(t, 1, bp.Calls(providers.ActionDelete), "exactly one cloud delete")
}

func TestDeleteWorkspace(t *testing.T) {
	h := newHarness(t, nil)
	h.workspace("ws-1")
	h.cloudContext("ws-1")
	first := h.bucket("ws-1", "data")
	second := h.bucket("ws-1", "logs")
	require.NoError(t, h.auth.Grant(h.ctx, "ws-1", bob, iam.RoleReader))

	run := h.mustSucceed(engine.OperationDeleteWorkspace, DeleteWorkspaceParams{WorkspaceID: "ws-1", Actor: alice})

	assert.True(t, h.gone(stores.WorkspaceRef("ws-1")))
	assert.True(t, h.gone(stores.ResourceRef("ws-1", first)))
	assert.True(t, h.gone(stores.ResourceRef("ws-1", second)))
	assert.True(t, h.gone(stores.CloudContextRef("ws-1", providers.PlatformGCP)))
	assert.Equal(t, 0, h.gcp.Len())
	assert.False(t, h.gcp.HasContext("ws-1"))

	_, err := h.policy.Get(h.ctx, "ws-1")
	assert.ErrorIs(t, err, policy.ErrObjectNotFound)
	bindings, err := h.auth.Bindings(h.ctx, "ws-1")
	require.NoError(t, err)
	assert.Empty(t, bindings)

	children, err := h.store.ListChildRuns(h.ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, children, 3)
	for _, child := range children {
		assert.Equal(t, engine.RunStatusSuccess, child.Status)
		assert.Equal(t, run.ID, child.ParentRunID)
	}
}

func TestDeleteWorkspaceChildFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.workspace("ws-1")
	h.cloudContext("ws-1")
	id := h.bucket("ws-1", "data")

	h.gcp.FailNext(providers.ActionDelete, id, providers.ErrInvalid, 1)
	run := h.exec(engine.OperationDeleteWorkspace, DeleteWorkspaceParams{WorkspaceID: "ws-1", Actor: alice})
	assert.Equal(t, engine.RunStatusError, run.Status)
	require.NotNil(t, run.Error)
	assert.Equal(t, "delete-resources", run.Error.Stage)

	assert.Equal(t, stores.StateReady, h.state(stores.WorkspaceRef("ws-1")), "workspace claim released")
	assert.Equal(t, stores.StateReady, h.state(stores.ResourceRef("ws-1", id)), "child compensated")
	_, err := h.policy.Get(h.ctx, "ws-1")
	assert.NoError(t, err, "policy object kept")
}

func TestCloneResource(t *testing.T) {
	tests := []struct {
		name            string
		policy          stores.CloningPolicy
		wantSkipped     bool
		wantStewardship stores.Stewardship
		wantCloud       bool
	}{
		{"definition", stores.CloneDefinition, false, stores.StewardshipControlled, true},
		{"reference", stores.CloneReference, false, stores.StewardshipReferenced, false},
		{"nothing", stores.CloneNothing, true, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.workspace("src", policy.Attribute{Name: policy.AttrRegionConstraint, Value: "us-central1"},
				policy.Attribute{Name: policy.AttrRegionConstraint, Value: "us-east1"})
			h.workspace("dst")
			h.cloudContext("src")
			h.cloudContext("dst")
			source := h.bucket("src", "data")

			run := h.mustSucceed(engine.OperationCloneResource, CloneResourceParams{
				SourceWorkspaceID: "src",
				SourceResourceID:  source,
				DestWorkspaceID:   "dst",
				Name:              "data-copy",
				CloningPolicy:     tt.policy,
				Actor:             alice,
			})

			var skipped bool
			_, err := run.Working.Get(KeyCloneSkipped, &skipped)
			require.NoError(t, err)
			assert.Equal(t, tt.wantSkipped, skipped)

			cloneID := run.Working.GetString(KeyResourceID)
			cloudKey := providers.ResourceKey{WorkspaceID: "dst", ResourceID: cloneID}
			assert.Equal(t, tt.wantCloud, h.gcp.Has(cloudKey))

			if tt.wantSkipped {
				assert.True(t, h.gone(stores.ResourceRef("dst", cloneID)))
				return
			}

			clone, err := h.store.GetResource(h.ctx, "dst", cloneID)
			require.NoError(t, err)
			assert.Equal(t, stores.StateReady, clone.State)
			assert.Equal(t, tt.wantStewardship, clone.Stewardship)
			assert.Equal(t, "us-central1", clone.Region)
			assert.NotContains(t, string(clone.Attributes), "bucket_name", "bucket names are not copied")

			dst, err := h.policy.Get(h.ctx, "dst")
			require.NoError(t, err)
			assert.Equal(t, []string{"src"}, dst.Sources)
			assert.Equal(t, []string{"us-central1", "us-east1"}, dst.Values(policy.AttrRegionConstraint))
		})
	}
}

func TestCloneResourcePolicyConflictRestores(t *testing.T) {
	h := newHarness(t, nil)
	h.workspace("src", policy.Attribute{Name: policy.AttrDataTier, Value: "gold"})
	h.workspace("dst", policy.Attribute{Name: policy.AttrDataTier, Value: "bronze"})
	h.cloudContext("src")
	source := h.bucket("src", "data")

	before, err := h.policy.Get(h.ctx, "dst")
	require.NoError(t, err)

	run := h.exec(engine.OperationCloneResource, CloneResourceParams{
		SourceWorkspaceID: "src",
		SourceResourceID:  source,
		DestWorkspaceID:   "dst",
		Name:              "data-copy",
		Actor:             alice,
		CloningPolicy:     stores.CloneReference,
	})
	assert.Equal(t, engine.RunStatusError, run.Status)
	require.NotNil(t, run.Error)
	assert.Equal(t, engine.ErrorClassConflict, run.Error.Class)
	assert.Equal(t, "merge-source-policy", run.Error.Stage)

	after, err := h.policy.Get(h.ctx, "dst")
	require.NoError(t, err)
	assert.Equal(t, before.Attributes, after.Attributes)
	assert.Empty(t, after.Sources)
}
