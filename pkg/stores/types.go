package stores

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is wrapped by every lookup that finds no row.
var ErrNotFound = errors.New("not found")

// State is the lifecycle state of a workspace, cloud context or resource.
type State string

const (
	StateInitializing State = "INITIALIZING"
	StateReady        State = "READY"
	StateUpdating     State = "UPDATING"
	StateDeleting     State = "DELETING"
	StateBroken       State = "BROKEN"
)

// InProgressStates are the states that always carry an owning run.
var InProgressStates = []State{StateInitializing, StateUpdating, StateDeleting}

// IsInProgress reports whether s requires an owning run.
func (s State) IsInProgress() bool {
	return s == StateInitializing || s == StateUpdating || s == StateDeleting
}

// Validate checks if the state is valid.
func (s State) Validate() error {
	switch s {
	case StateInitializing, StateReady, StateUpdating, StateDeleting, StateBroken:
		return nil
	default:
		return fmt.Errorf("invalid state: %s", s)
	}
}

// transitions lists the valid successors of each state. Any state may become BROKEN.
var transitions = map[State][]State{
	StateInitializing: {StateReady},
	StateReady:        {StateUpdating, StateDeleting},
	StateUpdating:     {StateReady},
	StateDeleting:     {StateReady},
	StateBroken:       {StateDeleting},
}

// ValidTransition reports whether from may move to to.
func ValidTransition(from, to State) bool {
	if to == StateBroken {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StateRule decides what happens to a row whose creation run failed.
type StateRule string

const (
	// DeleteOnFailure removes the row.
	DeleteOnFailure StateRule = "DELETE_ON_FAILURE"

	// BrokenOnFailure keeps the row in BROKEN with the failure as lastError.
	BrokenOnFailure StateRule = "BROKEN_ON_FAILURE"
)

// Stewardship tells whether the manager owns the cloud object or only references it.
type Stewardship string

const (
	StewardshipControlled Stewardship = "CONTROLLED"
	StewardshipReferenced Stewardship = "REFERENCED"
)

// CloningPolicy tells what a clone of the resource copies.
type CloningPolicy string

const (
	CloneNothing    CloningPolicy = "COPY_NOTHING"
	CloneDefinition CloningPolicy = "COPY_DEFINITION"
	CloneReference  CloningPolicy = "COPY_REFERENCE"
)

// AccessScope of a controlled resource.
type AccessScope string

const (
	AccessShared  AccessScope = "SHARED"
	AccessPrivate AccessScope = "PRIVATE"
)

// ManagedBy tells who manages a controlled resource.
type ManagedBy string

const (
	ManagedByUser        ManagedBy = "USER"
	ManagedByApplication ManagedBy = "APPLICATION"
)

// Workspace is a logical container of resources spanning cloud platforms.
type Workspace struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	Description string    `json:"description,omitempty"`
	CreatedBy   string    `json:"created_by"`
	State       State     `json:"state"`
	OwningRunID string    `json:"owning_run_id,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// CloudContext binds a workspace to one cloud platform.
type CloudContext struct {
	WorkspaceID   string `json:"workspace_id"`
	CloudPlatform string `json:"cloud_platform"`

	// Descriptor is the provider connection descriptor, set once creation succeeds.
	Descriptor json.RawMessage `json:"descriptor,omitempty"`

	State       State     `json:"state"`
	OwningRunID string    `json:"owning_run_id,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Resource is a controlled or referenced cloud resource in a workspace.
type Resource struct {
	WorkspaceID   string          `json:"workspace_id"`
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Description   string          `json:"description,omitempty"`
	ResourceType  string          `json:"resource_type"`
	Stewardship   Stewardship     `json:"stewardship"`
	CloudPlatform string          `json:"cloud_platform"`
	Region        string          `json:"region,omitempty"`
	Attributes    json.RawMessage `json:"attributes"`
	CloningPolicy CloningPolicy   `json:"cloning_policy"`
	AccessScope   AccessScope     `json:"access_scope,omitempty"`
	ManagedBy     ManagedBy       `json:"managed_by,omitempty"`
	AssignedUser  string          `json:"assigned_user,omitempty"`
	State         State           `json:"state"`
	OwningRunID   string          `json:"owning_run_id,omitempty"`
	LastError     string          `json:"last_error,omitempty"`
	CreatedBy     string          `json:"created_by"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Ref returns the entity reference of r.
func (r *Resource) Ref() EntityRef {
	return ResourceRef(r.WorkspaceID, r.ID)
}

// ResourceUpdate holds the mutable fields of a resource. Nil fields are left unchanged.
type ResourceUpdate struct {
	Name          *string         `json:"name,omitempty"`
	Description   *string         `json:"description,omitempty"`
	Attributes    json.RawMessage `json:"attributes,omitempty"`
	CloningPolicy *CloningPolicy  `json:"cloning_policy,omitempty"`
}

// ResourceFilter selects resources. Zero fields do not filter.
type ResourceFilter struct {
	WorkspaceID   string
	ResourceType  string
	CloudPlatform string
	Name          string

	// AttributeKey and AttributeValue match one top-level attribute of the payload.
	AttributeKey   string
	AttributeValue string

	// ExcludeID skips the resource with this id.
	ExcludeID string

	States []State
	Limit  int
}

// ActivityEntry is one row of the per-workspace change log.
// Appending the same (RunID, ObjectID, ChangeType) twice records it once.
type ActivityEntry struct {
	ID          int64     `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	ObjectID    string    `json:"object_id"`
	ObjectType  string    `json:"object_type"`
	ChangeType  string    `json:"change_type"`
	RunID       string    `json:"run_id"`
	Actor       string    `json:"actor,omitempty"`
	Details     string    `json:"details,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Change types of the activity log.
const (
	ChangeCreated = "CREATED"
	ChangeUpdated = "UPDATED"
	ChangeDeleted = "DELETED"
	ChangeCloned  = "CLONED"
	ChangePolicy  = "POLICY_UPDATED"
)

// EventRecord is a persisted telemetry event.
type EventRecord struct {
	ID        int64     `json:"id"`
	EventID   string    `json:"event_id"`
	Type      string    `json:"type"`
	Source    string    `json:"source"`
	RunID     string    `json:"run_id,omitempty"`
	Stage     string    `json:"stage,omitempty"`
	ObjectID  string    `json:"object_id,omitempty"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Data      string    `json:"data,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Orphan is an in-progress row whose owning run is missing or finished.
type Orphan struct {
	Ref         EntityRef `json:"ref"`
	State       State     `json:"state"`
	OwningRunID string    `json:"owning_run_id,omitempty"`

	// RunStatus is the owning run's status, or empty when the run does not exist.
	RunStatus string `json:"run_status,omitempty"`
}
