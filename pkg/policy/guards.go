package policy

import (
	"context"
	"encoding/json"
)

// RegionInput is the input of the region guard package.
type RegionInput struct {
	ResourceID     string   `json:"resource_id"`
	Platform       string   `json:"platform"`
	Region         string   `json:"region"`
	AllowedRegions []string `json:"allowed_regions"`

	// Enforce is false when the platform has no region catalog.
	Enforce bool `json:"enforce"`
}

// NamingInput is the input of the naming guard package.
type NamingInput struct {
	Resource NamedResource `json:"resource"`
}

// NamedResource is the part of a resource the naming rules see.
type NamedResource struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	ResourceType string          `json:"resource_type"`
	Attributes   json.RawMessage `json:"attributes,omitempty"`
}

// CheckRegion evaluates the region guard rules.
func (e *Engine) CheckRegion(ctx context.Context, in RegionInput) (*Result, error) {
	if in.AllowedRegions == nil {
		in.AllowedRegions = []string{}
	}
	return e.Evaluate(ctx, PackageRegionGuard, toInput(in))
}

// CheckNaming evaluates the naming guard rules.
func (e *Engine) CheckNaming(ctx context.Context, res NamedResource) (*Result, error) {
	return e.Evaluate(ctx, PackageNamingGuard, toInput(NamingInput{Resource: res}))
}

// toInput converts v into the generic JSON form Rego evaluates.
func toInput(v interface{}) interface{} {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}
