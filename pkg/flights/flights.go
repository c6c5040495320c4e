package flights

import (
	"fmt"

	"github.com/openfroyo/wsm/pkg/config"
	"github.com/openfroyo/wsm/pkg/engine"
	"github.com/openfroyo/wsm/pkg/iam"
	"github.com/openfroyo/wsm/pkg/policy"
	"github.com/openfroyo/wsm/pkg/providers"
	"github.com/openfroyo/wsm/pkg/stores"
	"github.com/openfroyo/wsm/pkg/telemetry"
)

// Working map keys shared by flights.
const (
	KeyWorkspaceID    = "workspace_id"
	KeyResourceID     = "resource_id"
	KeyResource       = "resource"
	KeySourceResource = "source_resource"
	KeyPriorState     = "prior_state"
	KeyDescriptor     = "cloud_descriptor"
	KeyCloneSkipped   = "clone_skipped"
	KeyRoleBindings   = "role_bindings"
	KeyPolicyObject   = "policy_object"
	KeyCloudDeleted   = "cloud_deleted"
)

// Component and object type of workspace policy objects.
const (
	PolicyComponent     = "wsm"
	PolicyTypeWorkspace = "workspace"
)

// Deps are the collaborators flights call into.
type Deps struct {
	Store     *stores.Store
	Policy    policy.Service
	Rules     *policy.Engine
	Providers *providers.Registry
	IAM       iam.Authorizer
	Schemas   *config.SchemaRegistry
	Telemetry *telemetry.Telemetry
}

// Options tune retry behaviour and fan-out.
type Options struct {
	// StoreRetry governs stages that only touch the database.
	StoreRetry engine.RetryPolicy

	// CloudRetry governs stages calling a provider, the policy service or IAM.
	CloudRetry engine.RetryPolicy

	// FanOutLimit bounds concurrently executing child runs.
	FanOutLimit int
}

// DefaultOptions returns production retry policies.
func DefaultOptions() Options {
	return Options{
		StoreRetry:  engine.DatabaseRetry(),
		CloudRetry:  engine.CloudRetry(),
		FanOutLimit: 4,
	}
}

// Flights builds the stage lists of every operation.
type Flights struct {
	store     *stores.Store
	policy    policy.Service
	rules     *policy.Engine
	providers *providers.Registry
	iam       iam.Authorizer
	schemas   *config.SchemaRegistry
	tel       *telemetry.Telemetry
	logger    *telemetry.Logger
	opts      Options

	// runner drives child runs; it is the engine the flights are registered with.
	runner engine.Runner
}

// New validates deps and returns the flight set.
func New(deps Deps, opts Options) (*Flights, error) {
	if deps.Store == nil || deps.Policy == nil || deps.Rules == nil ||
		deps.Providers == nil || deps.IAM == nil {
		return nil, fmt.Errorf("store, policy, rules, providers and iam are required")
	}
	if deps.Schemas == nil {
		deps.Schemas = config.NewSchemaRegistry()
	}
	if deps.Telemetry == nil {
		deps.Telemetry = telemetry.NewNoop()
	}
	if opts.FanOutLimit <= 0 {
		opts.FanOutLimit = 1
	}

	return &Flights{
		store:     deps.Store,
		policy:    deps.Policy,
		rules:     deps.Rules,
		providers: deps.Providers,
		iam:       deps.IAM,
		schemas:   deps.Schemas,
		tel:       deps.Telemetry,
		logger:    deps.Telemetry.Logger.NewComponentLogger("flights"),
		opts:      opts,
	}, nil
}

// SetRunner sets the runner used for child runs. It must be called before any
// workspace delete executes.
func (f *Flights) SetRunner(r engine.Runner) {
	f.runner = r
}

// Register adds a builder for every operation to reg.
func (f *Flights) Register(reg *engine.Registry) error {
	builders := map[engine.OperationType]engine.FlightBuilder{
		engine.OperationCreateWorkspace:          f.buildCreateWorkspace,
		engine.OperationDeleteWorkspace:          f.buildDeleteWorkspace,
		engine.OperationCreateCloudContext:       f.buildCreateCloudContext,
		engine.OperationDeleteCloudContext:       f.buildDeleteCloudContext,
		engine.OperationCreateControlledResource: f.buildCreateControlledResource,
		engine.OperationCreateReferencedResource: f.buildCreateReferencedResource,
		engine.OperationUpdateResource:           f.buildUpdateResource,
		engine.OperationDeleteResource:           f.buildDeleteResource,
		engine.OperationCloneResource:            f.buildCloneResource,
		engine.OperationMergePolicy:              f.buildMergePolicy,
		engine.OperationLinkPolicy:               f.buildLinkPolicy,
	}

	for op, b := range builders {
		if err := reg.Register(op, b); err != nil {
			return fmt.Errorf("failed to register %s: %w", op, err)
		}
	}
	return nil
}
