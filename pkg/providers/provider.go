package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/openfroyo/wsm/pkg/engine"
)

// Supported cloud platforms.
const (
	PlatformGCP   = "gcp"
	PlatformAzure = "azure"
	PlatformAWS   = "aws"
)

// Provider errors. Implementations wrap them so flights can tell idempotent
// replays apart from real failures.
var (
	// ErrAlreadyExists is returned when creating an object that exists.
	ErrAlreadyExists = errors.New("cloud object already exists")

	// ErrNotFound is returned when the object does not exist.
	ErrNotFound = errors.New("cloud object not found")

	// ErrConflict is returned when the cloud rejects a concurrent modification.
	ErrConflict = errors.New("cloud object modified concurrently")

	// ErrThrottled is returned when the cloud API rate limits the caller.
	ErrThrottled = errors.New("cloud api rate limited")

	// ErrUnavailable is returned for transient outages.
	ErrUnavailable = errors.New("cloud api unavailable")

	// ErrInvalid is returned when the cloud rejects the request itself.
	ErrInvalid = errors.New("invalid cloud request")
)

// ResourceSpec describes a cloud object to create or update.
type ResourceSpec struct {
	WorkspaceID  string          `json:"workspace_id"`
	ResourceID   string          `json:"resource_id"`
	ResourceType string          `json:"resource_type"`
	Name         string          `json:"name"`
	Region       string          `json:"region,omitempty"`
	Attributes   json.RawMessage `json:"attributes,omitempty"`

	// SourceResourceID is set when the object is a clone.
	SourceResourceID string `json:"source_resource_id,omitempty"`
}

// ResourceKey identifies a cloud object.
type ResourceKey struct {
	WorkspaceID string `json:"workspace_id"`
	ResourceID  string `json:"resource_id"`
}

// Key returns the key of the object the spec describes.
func (s ResourceSpec) Key() ResourceKey {
	return ResourceKey{WorkspaceID: s.WorkspaceID, ResourceID: s.ResourceID}
}

// Provider is the cloud collaborator of one platform. Every method must be safe
// for concurrent use and must report the errors above wrapped, so replays after
// a crash are recognized.
type Provider interface {
	// Platform returns the platform name.
	Platform() string

	// CreateCloudContext provisions the workspace's project or account and
	// returns its descriptor.
	CreateCloudContext(ctx context.Context, workspaceID string) (json.RawMessage, error)

	// DeleteCloudContext removes the workspace's project or account.
	DeleteCloudContext(ctx context.Context, workspaceID string) error

	// CreateResource creates the cloud object.
	CreateResource(ctx context.Context, spec ResourceSpec) error

	// GetResource returns the current definition of the cloud object.
	GetResource(ctx context.Context, key ResourceKey) (*ResourceSpec, error)

	// UpdateResource overwrites the mutable fields of the cloud object.
	UpdateResource(ctx context.Context, spec ResourceSpec) error

	// DeleteResource deletes the cloud object.
	DeleteResource(ctx context.Context, key ResourceKey) error
}

// Action names a provider call for error translation.
type Action string

const (
	ActionCreate Action = "create"
	ActionGet    Action = "get"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// ResultFor translates a provider error into a stage result.
// Creating an object that already exists and deleting one that is gone both
// succeed, since either means an earlier attempt got through.
func ResultFor(action Action, err error) engine.Result {
	if err == nil {
		return engine.Succeed()
	}

	switch {
	case errors.Is(err, ErrAlreadyExists) && action == ActionCreate:
		return engine.Succeed()
	case errors.Is(err, ErrNotFound) && action == ActionDelete:
		return engine.Succeed()
	case errors.Is(err, ErrThrottled):
		return engine.RetryWith(engine.NewThrottledError(fmt.Sprintf("cloud %s throttled", action), err))
	case errors.Is(err, ErrConflict), errors.Is(err, ErrUnavailable):
		return engine.RetryWith(engine.NewRetryableError(fmt.Sprintf("cloud %s failed", action), err))
	case errors.Is(err, ErrNotFound):
		return engine.Fail(engine.NewPermanentError(fmt.Sprintf("cloud %s failed", action), err).
			WithCode(engine.ErrCodeNotFound))
	case errors.Is(err, ErrInvalid):
		return engine.Fail(engine.NewPermanentError(fmt.Sprintf("cloud %s rejected", action), err).
			WithCode(engine.ErrCodeValidation))
	default:
		return engine.Classify(engine.NewPermanentError(fmt.Sprintf("cloud %s failed", action), err).
			WithCode(engine.ErrCodeProviderFailed))
	}
}

// Registry holds one provider per platform.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds p under its platform name.
func (r *Registry) Register(p Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	platform := p.Platform()
	if platform == "" {
		return fmt.Errorf("provider platform is required")
	}
	if _, exists := r.providers[platform]; exists {
		return fmt.Errorf("provider %s already registered", platform)
	}
	r.providers[platform] = p
	return nil
}

// Get returns the provider of platform.
func (r *Registry) Get(platform string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[platform]
	if !ok {
		return nil, engine.NewPermanentError(fmt.Sprintf("no provider for platform %s", platform), nil).
			WithCode(engine.ErrCodeValidation)
	}
	return p, nil
}

// Platforms returns the registered platform names, sorted.
func (r *Registry) Platforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.providers))
	for name := range r.providers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
