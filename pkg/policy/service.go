package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Service is the policy collaborator: named policy-attribute objects with conflict-checked updates.
type Service interface {
	// Get returns a copy of the object.
	Get(ctx context.Context, objectID string) (*Object, error)

	// GetOrCreate returns the object, creating an empty one when absent.
	GetOrCreate(ctx context.Context, objectID, component, objectType string) (*Object, error)

	// Delete removes the object. Deleting a missing object succeeds.
	Delete(ctx context.Context, objectID string) error

	// Merge adds attrs to the object unless they conflict with its current attributes.
	Merge(ctx context.Context, objectID string, attrs []Attribute) (*UpdateResult, error)

	// Link merges the attributes of sourceID into the object and records the source.
	Link(ctx context.Context, objectID, sourceID string) (*UpdateResult, error)

	// Replace overwrites the attributes and sources of the object exactly.
	Replace(ctx context.Context, objectID string, attrs []Attribute, sources []string) (*Object, error)

	// ListValidRegions returns the platform regions the object's region constraint allows.
	ListValidRegions(ctx context.Context, objectID, platform string) ([]string, error)
}

// MemoryService is an in-process Service. Conflicts are decided by the engine's
// conflict rules; region catalogs come from configuration.
type MemoryService struct {
	mu      sync.Mutex
	objects map[string]*Object
	engine  *Engine
	catalog map[string][]string
}

var _ Service = (*MemoryService)(nil)

// NewMemoryService creates a service evaluating conflicts with engine.
// catalog maps a cloud platform to its known regions.
func NewMemoryService(engine *Engine, catalog map[string][]string) *MemoryService {
	c := make(map[string][]string, len(catalog))
	for platform, regions := range catalog {
		sorted := append([]string(nil), regions...)
		sort.Strings(sorted)
		c[platform] = sorted
	}
	return &MemoryService{
		objects: make(map[string]*Object),
		engine:  engine,
		catalog: c,
	}
}

// Get implements Service.
func (s *MemoryService) Get(_ context.Context, objectID string) (*Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, ok := s.objects[objectID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, objectID)
	}
	return obj.Clone(), nil
}

// GetOrCreate implements Service.
func (s *MemoryService) GetOrCreate(_ context.Context, objectID, component, objectType string) (*Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if obj, ok := s.objects[objectID]; ok {
		return obj.Clone(), nil
	}
	obj := &Object{
		ObjectID:   objectID,
		Component:  component,
		ObjectType: objectType,
		UpdatedAt:  time.Now().UTC(),
	}
	s.objects[objectID] = obj
	return obj.Clone(), nil
}

// Delete implements Service.
func (s *MemoryService) Delete(_ context.Context, objectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.objects, objectID)
	return nil
}

// Merge implements Service.
func (s *MemoryService) Merge(ctx context.Context, objectID string, attrs []Attribute) (*UpdateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, ok := s.objects[objectID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, objectID)
	}
	return s.apply(ctx, UpdateMerge, obj, attrs, "")
}

// Link implements Service.
func (s *MemoryService) Link(ctx context.Context, objectID, sourceID string) (*UpdateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, ok := s.objects[objectID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, objectID)
	}
	src, ok := s.objects[sourceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, sourceID)
	}
	return s.apply(ctx, UpdateLink, obj, src.Attributes, sourceID)
}

// apply checks incoming against obj and stores the merge when there is no conflict.
// Callers hold s.mu.
func (s *MemoryService) apply(ctx context.Context, mode UpdateMode, obj *Object, incoming []Attribute, source string) (*UpdateResult, error) {
	result, err := s.engine.Evaluate(ctx, PackageConflicts, map[string]interface{}{
		"current":  toInput(normalize(obj.Attributes)),
		"incoming": toInput(normalize(incoming)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to check conflicts: %w", err)
	}
	if !result.Allowed {
		return &UpdateResult{Mode: mode, Object: obj.Clone(), Conflicts: result.Violations}, nil
	}

	obj.Attributes = MergeAttributes(obj.Attributes, incoming)
	if source != "" && !contains(obj.Sources, source) {
		obj.Sources = append(obj.Sources, source)
		sort.Strings(obj.Sources)
	}
	obj.UpdatedAt = time.Now().UTC()

	return &UpdateResult{Mode: mode, Object: obj.Clone(), Applied: true}, nil
}

// Replace implements Service.
func (s *MemoryService) Replace(_ context.Context, objectID string, attrs []Attribute, sources []string) (*Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, ok := s.objects[objectID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, objectID)
	}
	obj.Attributes = append([]Attribute(nil), attrs...)
	obj.Sources = append([]string(nil), sources...)
	obj.UpdatedAt = time.Now().UTC()
	return obj.Clone(), nil
}

// ListValidRegions implements Service.
func (s *MemoryService) ListValidRegions(_ context.Context, objectID, platform string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	catalog, ok := s.catalog[platform]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlatform, platform)
	}

	obj, ok := s.objects[objectID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, objectID)
	}

	constraint := obj.Values(AttrRegionConstraint)
	if len(constraint) == 0 {
		return append([]string(nil), catalog...), nil
	}

	allowed := make(map[string]bool, len(constraint))
	for _, r := range constraint {
		allowed[r] = true
	}
	var out []string
	for _, r := range catalog {
		if allowed[r] {
			out = append(out, r)
		}
	}
	return out, nil
}

// MergeAttributes returns the union of current and incoming, except that region
// constraints present on both sides are intersected. The result is sorted.
func MergeAttributes(current, incoming []Attribute) []Attribute {
	currentRegions := regionSet(current)
	incomingRegions := regionSet(incoming)

	seen := make(map[Attribute]bool)
	var out []Attribute
	add := func(a Attribute) {
		if a.Namespace == "" {
			a.Namespace = DefaultNamespace
		}
		if seen[a] {
			return
		}
		if a.Name == AttrRegionConstraint && len(currentRegions) > 0 && len(incomingRegions) > 0 {
			if !currentRegions[a.Value] || !incomingRegions[a.Value] {
				return
			}
		}
		seen[a] = true
		out = append(out, a)
	}
	for _, a := range current {
		add(a)
	}
	for _, a := range incoming {
		add(a)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Key() != out[j].Key() {
			return out[i].Key() < out[j].Key()
		}
		return out[i].Value < out[j].Value
	})
	return out
}

func regionSet(attrs []Attribute) map[string]bool {
	set := make(map[string]bool)
	for _, a := range attrs {
		if a.Name == AttrRegionConstraint {
			set[a.Value] = true
		}
	}
	return set
}

// normalize fills in the default namespace.
func normalize(attrs []Attribute) []Attribute {
	out := make([]Attribute, len(attrs))
	for i, a := range attrs {
		if a.Namespace == "" {
			a.Namespace = DefaultNamespace
		}
		out[i] = a
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
