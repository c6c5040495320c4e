package flights

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/openfroyo/wsm/pkg/config"
	"github.com/openfroyo/wsm/pkg/engine"
	"github.com/openfroyo/wsm/pkg/policy"
	"github.com/openfroyo/wsm/pkg/stores"
)

// CreateWorkspaceParams are the parameters of create-workspace.
type CreateWorkspaceParams struct {
	// WorkspaceID is generated when empty.
	WorkspaceID string             `json:"workspace_id,omitempty" validate:"omitempty,max=64,resourcename"`
	DisplayName string             `json:"display_name" validate:"required,max=256"`
	Description string             `json:"description,omitempty" validate:"max=2048"`
	Actor       string             `json:"actor" validate:"required"`
	Policy      []policy.Attribute `json:"policy,omitempty" validate:"dive"`
}

// DeleteWorkspaceParams are the parameters of delete-workspace.
type DeleteWorkspaceParams struct {
	WorkspaceID string `json:"workspace_id" validate:"required"`
	Actor       string `json:"actor" validate:"required"`
}

// CloudContextParams are the parameters of create-cloud-context and delete-cloud-context.
type CloudContextParams struct {
	WorkspaceID string `json:"workspace_id" validate:"required"`
	Platform    string `json:"platform" validate:"required,oneof=gcp azure aws"`
	Actor       string `json:"actor" validate:"required"`
}

// CreateResourceParams are the parameters of create-controlled-resource and
// create-referenced-resource.
type CreateResourceParams struct {
	WorkspaceID string `json:"workspace_id" validate:"required"`

	// ResourceID is generated when empty.
	ResourceID    string               `json:"resource_id,omitempty" validate:"omitempty,uuid"`
	Name          string               `json:"name" validate:"required,max=1024,resourcename"`
	Description   string               `json:"description,omitempty" validate:"max=2048"`
	ResourceType  string               `json:"resource_type" validate:"required,oneof=storage-bucket dataset network compute-instance relay-endpoint security-group"`
	Platform      string               `json:"platform" validate:"required,oneof=gcp azure aws"`
	Region        string               `json:"region,omitempty"`
	Attributes    json.RawMessage      `json:"attributes,omitempty"`
	CloningPolicy stores.CloningPolicy `json:"cloning_policy,omitempty" validate:"omitempty,oneof=COPY_NOTHING COPY_DEFINITION COPY_REFERENCE"`
	AccessScope   stores.AccessScope   `json:"access_scope,omitempty" validate:"omitempty,oneof=SHARED PRIVATE"`
	ManagedBy     stores.ManagedBy     `json:"managed_by,omitempty" validate:"omitempty,oneof=USER APPLICATION"`
	AssignedUser  string               `json:"assigned_user,omitempty" validate:"required_if=AccessScope PRIVATE"`
	StateRule     stores.StateRule     `json:"state_rule,omitempty" validate:"omitempty,oneof=DELETE_ON_FAILURE BROKEN_ON_FAILURE"`
	Actor         string               `json:"actor" validate:"required"`
}

// UpdateResourceParams are the parameters of update-resource. Nil fields are unchanged.
type UpdateResourceParams struct {
	WorkspaceID   string                `json:"workspace_id" validate:"required"`
	ResourceID    string                `json:"resource_id" validate:"required"`
	Name          *string               `json:"name,omitempty" validate:"omitempty,max=1024,resourcename"`
	Description   *string               `json:"description,omitempty" validate:"omitempty,max=2048"`
	Attributes    json.RawMessage       `json:"attributes,omitempty"`
	CloningPolicy *stores.CloningPolicy `json:"cloning_policy,omitempty" validate:"omitempty,oneof=COPY_NOTHING COPY_DEFINITION COPY_REFERENCE"`
	Actor         string                `json:"actor" validate:"required"`
}

// DeleteResourceParams are the parameters of delete-resource.
type DeleteResourceParams struct {
	WorkspaceID string `json:"workspace_id" validate:"required"`
	ResourceID  string `json:"resource_id" validate:"required"`
	Actor       string `json:"actor" validate:"required"`
}

// CloneResourceParams are the parameters of clone-resource.
type CloneResourceParams struct {
	SourceWorkspaceID string `json:"source_workspace_id" validate:"required"`
	SourceResourceID  string `json:"source_resource_id" validate:"required"`
	DestWorkspaceID   string `json:"dest_workspace_id" validate:"required"`

	// DestResourceID is generated when empty.
	DestResourceID string `json:"dest_resource_id,omitempty" validate:"omitempty,uuid"`
	Name           string `json:"name" validate:"required,max=1024,resourcename"`
	Description    string `json:"description,omitempty" validate:"max=2048"`

	// Region defaults to the source region.
	Region string `json:"region,omitempty"`

	// Attributes replace the source attributes when set.
	Attributes json.RawMessage `json:"attributes,omitempty"`

	// CloningPolicy overrides the source resource's policy.
	CloningPolicy stores.CloningPolicy `json:"cloning_policy,omitempty" validate:"omitempty,oneof=COPY_NOTHING COPY_DEFINITION COPY_REFERENCE"`
	Actor         string               `json:"actor" validate:"required"`
}

// MergePolicyParams are the parameters of merge-policy.
type MergePolicyParams struct {
	WorkspaceID string             `json:"workspace_id" validate:"required"`
	Attributes  []policy.Attribute `json:"attributes" validate:"required,min=1,dive"`
	Actor       string             `json:"actor" validate:"required"`
}

// LinkPolicyParams are the parameters of link-policy.
type LinkPolicyParams struct {
	WorkspaceID    string `json:"workspace_id" validate:"required"`
	SourceObjectID string `json:"source_object_id" validate:"required,nefield=WorkspaceID"`
	Actor          string `json:"actor" validate:"required"`
}

// decodeParams strictly decodes and validates operation parameters.
func decodeParams(raw json.RawMessage, out interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return engine.NewPermanentError("invalid parameters", err).WithCode(engine.ErrCodeValidation)
	}
	if err := config.ValidateStruct(out); err != nil {
		return engine.NewPermanentError("invalid parameters", err).WithCode(engine.ErrCodeValidation)
	}
	return nil
}

// mustJSON encodes v for a SubmitRequest.
func mustJSON(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("failed to encode parameters: %v", err))
	}
	return data
}
