// Package iam defines the authorization collaborator.
//
// Workspaces grant roles to principals; private resources grant a role to
// their assigned user. Grant and Revoke are idempotent so stages may replay them.
package iam

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Role is a named set of permitted actions.
type Role string

const (
	RoleOwner  Role = "OWNER"
	RoleWriter Role = "WRITER"
	RoleReader Role = "READER"

	// RoleEditor is granted on private resources to their assigned user.
	RoleEditor Role = "EDITOR"
)

// Action is checked by IsAuthorized.
type Action string

const (
	ActionRead   Action = "read"
	ActionWrite  Action = "write"
	ActionDelete Action = "delete"
	ActionAdmin  Action = "admin"
)

var permissions = map[Role][]Action{
	RoleOwner:  {ActionRead, ActionWrite, ActionDelete, ActionAdmin},
	RoleWriter: {ActionRead, ActionWrite, ActionDelete},
	RoleEditor: {ActionRead, ActionWrite, ActionDelete},
	RoleReader: {ActionRead},
}

// ErrUnauthorized is returned when a principal lacks the action.
var ErrUnauthorized = errors.New("principal not authorized")

// Binding grants Role on Object to Principal. Object is a workspace id or a resource id.
type Binding struct {
	Object    string `json:"object"`
	Principal string `json:"principal"`
	Role      Role   `json:"role"`
}

// Authorizer is the authorization collaborator.
type Authorizer interface {
	// Grant binds role to principal on object. Granting twice succeeds.
	Grant(ctx context.Context, object, principal string, role Role) error

	// Revoke removes the binding. Revoking a missing binding succeeds.
	Revoke(ctx context.Context, object, principal string, role Role) error

	// RevokeAll removes every binding on object.
	RevokeAll(ctx context.Context, object string) error

	// IsAuthorized reports whether principal may perform action on any of objects.
	// Passing the workspace id after the resource id lets workspace roles apply to resources.
	IsAuthorized(ctx context.Context, principal string, action Action, objects ...string) (bool, error)

	// Bindings lists the bindings on object.
	Bindings(ctx context.Context, object string) ([]Binding, error)
}

// Authorize returns ErrUnauthorized, wrapped, when principal may not perform action.
func Authorize(ctx context.Context, a Authorizer, principal string, action Action, objects ...string) error {
	ok, err := a.IsAuthorized(ctx, principal, action, objects...)
	if err != nil {
		return fmt.Errorf("failed to check authorization: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s may not %s %v", ErrUnauthorized, principal, action, objects)
	}
	return nil
}

// MemoryAuthorizer keeps bindings in process.
type MemoryAuthorizer struct {
	mu       sync.RWMutex
	bindings map[string]map[Binding]struct{}

	// superusers are authorized for everything.
	superusers map[string]bool
}

var _ Authorizer = (*MemoryAuthorizer)(nil)

// NewMemoryAuthorizer creates an authorizer. Superusers pass every check.
func NewMemoryAuthorizer(superusers ...string) *MemoryAuthorizer {
	su := make(map[string]bool, len(superusers))
	for _, s := range superusers {
		su[s] = true
	}
	return &MemoryAuthorizer{
		bindings:   make(map[string]map[Binding]struct{}),
		superusers: su,
	}
}

// Grant implements Authorizer.
func (m *MemoryAuthorizer) Grant(_ context.Context, object, principal string, role Role) error {
	if _, ok := permissions[role]; !ok {
		return fmt.Errorf("unknown role: %s", role)
	}
	if object == "" || principal == "" {
		return fmt.Errorf("object and principal are required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.bindings[object]
	if !ok {
		set = make(map[Binding]struct{})
		m.bindings[object] = set
	}
	set[Binding{Object: object, Principal: principal, Role: role}] = struct{}{}
	return nil
}

// Revoke implements Authorizer.
func (m *MemoryAuthorizer) Revoke(_ context.Context, object, principal string, role Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if set, ok := m.bindings[object]; ok {
		delete(set, Binding{Object: object, Principal: principal, Role: role})
		if len(set) == 0 {
			delete(m.bindings, object)
		}
	}
	return nil
}

// RevokeAll implements Authorizer.
func (m *MemoryAuthorizer) RevokeAll(_ context.Context, object string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.bindings, object)
	return nil
}

// IsAuthorized implements Authorizer.
func (m *MemoryAuthorizer) IsAuthorized(_ context.Context, principal string, action Action, objects ...string) (bool, error) {
	if m.superusers[principal] {
		return true, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, object := range objects {
		for b := range m.bindings[object] {
			if b.Principal != principal {
				continue
			}
			for _, a := range permissions[b.Role] {
				if a == action {
					return true, nil
				}
			}
		}
	}
	return false, nil
}

// Bindings implements Authorizer.
func (m *MemoryAuthorizer) Bindings(_ context.Context, object string) ([]Binding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Binding, 0, len(m.bindings[object]))
	for b := range m.bindings[object] {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Principal != out[j].Principal {
			return out[i].Principal < out[j].Principal
		}
		return out[i].Role < out[j].Role
	})
	return out, nil
}
