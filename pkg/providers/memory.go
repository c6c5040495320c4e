package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MemoryProvider is an in-process Provider. It keeps cloud objects in maps and
// can inject failures per action, which is how flights are exercised against
// partial cloud failures.
type MemoryProvider struct {
	platform string

	mu       sync.Mutex
	contexts map[string]json.RawMessage
	objects  map[ResourceKey]ResourceSpec
	faults   map[Action][]fault
	calls    map[Action]int
}

type fault struct {
	resourceID string
	err        error
}

var _ Provider = (*MemoryProvider)(nil)

// NewMemoryProvider creates an empty provider for platform.
func NewMemoryProvider(platform string) *MemoryProvider {
	return &MemoryProvider{
		platform: platform,
		contexts: make(map[string]json.RawMessage),
		objects:  make(map[ResourceKey]ResourceSpec),
		faults:   make(map[Action][]fault),
		calls:    make(map[Action]int),
	}
}

// FailNext makes the next times calls of action fail with err. An empty
// resourceID matches any object; cloud context calls use the workspace id.
func (p *MemoryProvider) FailNext(action Action, resourceID string, err error, times int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := 0; i < times; i++ {
		p.faults[action] = append(p.faults[action], fault{resourceID: resourceID, err: err})
	}
}

// Calls returns how many times action was invoked.
func (p *MemoryProvider) Calls(action Action) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[action]
}

// Has reports whether the cloud object exists.
func (p *MemoryProvider) Has(key ResourceKey) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.objects[key]
	return ok
}

// HasContext reports whether the workspace's cloud context exists.
func (p *MemoryProvider) HasContext(workspaceID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.contexts[workspaceID]
	return ok
}

// Len returns the number of cloud objects.
func (p *MemoryProvider) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.objects)
}

// Platform implements Provider.
func (p *MemoryProvider) Platform() string {
	return p.platform
}

// begin counts the call and pops a matching fault. Callers hold p.mu.
func (p *MemoryProvider) begin(action Action, id string) error {
	p.calls[action]++
	queue := p.faults[action]
	for i, f := range queue {
		if f.resourceID == "" || f.resourceID == id {
			p.faults[action] = append(queue[:i:i], queue[i+1:]...)
			return f.err
		}
	}
	return nil
}

// CreateCloudContext implements Provider.
func (p *MemoryProvider) CreateCloudContext(_ context.Context, workspaceID string) (json.RawMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.begin(ActionCreate, workspaceID); err != nil {
		return nil, err
	}
	if desc, ok := p.contexts[workspaceID]; ok {
		return desc, nil
	}
	desc, err := json.Marshal(map[string]string{
		"platform":   p.platform,
		"project_id": fmt.Sprintf("%s-%s", p.platform, workspaceID),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal cloud context: %w", err)
	}
	p.contexts[workspaceID] = desc
	return desc, nil
}

// DeleteCloudContext implements Provider.
func (p *MemoryProvider) DeleteCloudContext(_ context.Context, workspaceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.begin(ActionDelete, workspaceID); err != nil {
		return err
	}
	if _, ok := p.contexts[workspaceID]; !ok {
		return fmt.Errorf("%w: cloud context of workspace %s", ErrNotFound, workspaceID)
	}
	delete(p.contexts, workspaceID)
	return nil
}

// CreateResource implements Provider.
func (p *MemoryProvider) CreateResource(_ context.Context, spec ResourceSpec) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.begin(ActionCreate, spec.ResourceID); err != nil {
		return err
	}
	key := spec.Key()
	if _, ok := p.objects[key]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, spec.ResourceID)
	}
	p.objects[key] = spec
	return nil
}

// GetResource implements Provider.
func (p *MemoryProvider) GetResource(_ context.Context, key ResourceKey) (*ResourceSpec, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.begin(ActionGet, key.ResourceID); err != nil {
		return nil, err
	}
	spec, ok := p.objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key.ResourceID)
	}
	return &spec, nil
}

// UpdateResource implements Provider.
func (p *MemoryProvider) UpdateResource(_ context.Context, spec ResourceSpec) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.begin(ActionUpdate, spec.ResourceID); err != nil {
		return err
	}
	key := spec.Key()
	if _, ok := p.objects[key]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, spec.ResourceID)
	}
	p.objects[key] = spec
	return nil
}

// DeleteResource implements Provider.
func (p *MemoryProvider) DeleteResource(_ context.Context, key ResourceKey) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.begin(ActionDelete, key.ResourceID); err != nil {
		return err
	}
	if _, ok := p.objects[key]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key.ResourceID)
	}
	delete(p.objects, key)
	return nil
}
