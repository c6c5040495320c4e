package stores

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/openfroyo/wsm/pkg/engine"
)

const resourceColumns = `workspace_id, id, name, description, resource_type, stewardship, cloud_platform,
	region, attributes, cloning_policy, access_scope, managed_by, assigned_user, state,
	owning_run_id, last_error, created_by, created_at, updated_at`

// CreateResourceStart inserts res in INITIALIZING owned by runID.
// Inserting the same row again for the same run succeeds. A row with the same id owned by
// another run is a busy error; a row with the same type and name is a conflict error.
func (s *Store) CreateResourceStart(ctx context.Context, res *Resource, runID string) error {
	if res.WorkspaceID == "" || res.ID == "" {
		return fmt.Errorf("workspace id and resource id are required")
	}

	ts := now()
	attrs := string(res.Attributes)
	if attrs == "" {
		attrs = "{}"
	}

	query := `
		INSERT INTO resources (workspace_id, id, name, description, resource_type, stewardship,
			cloud_platform, region, attributes, cloning_policy, access_scope, managed_by,
			assigned_user, state, owning_run_id, last_error, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?, ?)
	`
	_, err := s.exec(ctx, s.db, query,
		res.WorkspaceID,
		res.ID,
		res.Name,
		res.Description,
		res.ResourceType,
		string(res.Stewardship),
		res.CloudPlatform,
		res.Region,
		attrs,
		string(res.CloningPolicy),
		string(res.AccessScope),
		string(res.ManagedBy),
		res.AssignedUser,
		string(StateInitializing),
		runID,
		res.CreatedBy,
		ts,
		ts,
	)
	if err == nil {
		res.State = StateInitializing
		res.OwningRunID = runID
		res.CreatedAt = ts
		res.UpdatedAt = ts
		return nil
	}
	if !isUniqueViolation(err) {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	existing, getErr := s.GetResource(ctx, res.WorkspaceID, res.ID)
	if getErr == nil {
		if existing.State == StateInitializing && existing.OwningRunID == runID {
			return nil
		}
		if existing.OwningRunID != "" {
			return engine.NewBusyError(res.ID, existing.OwningRunID)
		}
		return engine.NewConflictError("resource id already exists",
			[]string{fmt.Sprintf("id %s", res.ID)}).WithResource(res.ID)
	}
	if !isNotFound(getErr) {
		return getErr
	}

	return engine.NewConflictError("resource name already in use",
		[]string{fmt.Sprintf("%s/%s", res.ResourceType, res.Name)}).WithResource(res.ID)
}

// CreateSuccess moves a row created by runID from INITIALIZING to READY.
func (s *Store) CreateSuccess(ctx context.Context, ref EntityRef, runID string) error {
	ok, err := s.Release(ctx, ref, StateInitializing, StateReady, runID, "")
	if err != nil {
		return err
	}
	if !ok {
		return s.transitionError(ctx, ref, StateReady, runID)
	}
	return nil
}

// CreateFailure applies rule to a row whose creation run failed.
// A missing row, or one already BROKEN, counts as done.
func (s *Store) CreateFailure(ctx context.Context, ref EntityRef, runID string, rule StateRule, lastError string) error {
	switch rule {
	case DeleteOnFailure, "":
		if _, err := s.removeOwned(ctx, ref, StateInitializing, runID); err != nil {
			return fmt.Errorf("failed to remove %s: %w", ref, err)
		}
		return nil

	case BrokenOnFailure:
		ok, err := s.MarkBroken(ctx, ref, runID, lastError)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		state, _, err := s.GetState(ctx, ref)
		if err != nil {
			if isNotFound(err) {
				return nil
			}
			return err
		}
		if state == StateBroken {
			return nil
		}
		return s.transitionError(ctx, ref, StateBroken, runID)

	default:
		return fmt.Errorf("unknown state rule: %s", rule)
	}
}

// UpdateResourceSuccess applies upd to a resource runID holds in UPDATING and moves it to READY.
// Renaming onto a name in use is a conflict error.
func (s *Store) UpdateResourceSuccess(ctx context.Context, ref EntityRef, runID string, upd ResourceUpdate) error {
	if ref.Kind != KindResource {
		return fmt.Errorf("update requires a resource reference, got %s", ref.Kind)
	}

	sets := []string{"state = ?", "owning_run_id = NULL", "last_error = NULL", "updated_at = ?"}
	args := []interface{}{string(StateReady), now()}
	if upd.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *upd.Name)
	}
	if upd.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, *upd.Description)
	}
	if len(upd.Attributes) > 0 {
		sets = append(sets, "attributes = ?")
		args = append(args, string(upd.Attributes))
	}
	if upd.CloningPolicy != nil {
		sets = append(sets, "cloning_policy = ?")
		args = append(args, string(*upd.CloningPolicy))
	}

	query := fmt.Sprintf(`
		UPDATE resources SET %s
		WHERE workspace_id = ? AND id = ? AND state = ? AND owning_run_id = ?
	`, strings.Join(sets, ", "))
	args = append(args, ref.WorkspaceID, ref.ResourceID, string(StateUpdating), runID)

	res, err := s.exec(ctx, s.db, query, args...)
	if err != nil {
		if isUniqueViolation(err) {
			name := ""
			if upd.Name != nil {
				name = *upd.Name
			}
			return engine.NewConflictError("resource name already in use",
				[]string{fmt.Sprintf("name %s", name)}).WithResource(ref.ResourceID)
		}
		return fmt.Errorf("failed to update resource: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update resource: %w", err)
	}
	if n == 1 {
		return nil
	}

	state, owner, err := s.GetState(ctx, ref)
	if err != nil {
		return err
	}
	if state == StateReady && owner == "" {
		return nil
	}
	return s.transitionError(ctx, ref, StateReady, runID)
}

// GetResource retrieves a resource by id.
func (s *Store) GetResource(ctx context.Context, workspaceID, resourceID string) (*Resource, error) {
	query := `SELECT ` + resourceColumns + ` FROM resources WHERE workspace_id = ? AND id = ?`

	res, err := scanResource(s.queryRow(ctx, s.db, query, workspaceID, resourceID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: resource %s/%s", ErrNotFound, workspaceID, resourceID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resource: %w", err)
	}
	return res, nil
}

// GetResourceByName retrieves a resource by its workspace-scoped type and name.
func (s *Store) GetResourceByName(ctx context.Context, workspaceID, resourceType, name string) (*Resource, error) {
	query := `SELECT ` + resourceColumns + `
		FROM resources WHERE workspace_id = ? AND resource_type = ? AND name = ?`

	res, err := scanResource(s.queryRow(ctx, s.db, query, workspaceID, resourceType, name))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: resource %s/%s/%s", ErrNotFound, workspaceID, resourceType, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resource: %w", err)
	}
	return res, nil
}

// ListResources returns the resources matching filter ordered by workspace and name.
func (s *Store) ListResources(ctx context.Context, filter ResourceFilter) ([]*Resource, error) {
	var where []string
	var args []interface{}

	if filter.WorkspaceID != "" {
		where = append(where, "workspace_id = ?")
		args = append(args, filter.WorkspaceID)
	}
	if filter.ResourceType != "" {
		where = append(where, "resource_type = ?")
		args = append(args, filter.ResourceType)
	}
	if filter.CloudPlatform != "" {
		where = append(where, "cloud_platform = ?")
		args = append(args, filter.CloudPlatform)
	}
	if filter.Name != "" {
		where = append(where, "name = ?")
		args = append(args, filter.Name)
	}
	if filter.AttributeKey != "" {
		expr, arg := s.jsonAttr(filter.AttributeKey)
		where = append(where, expr+" = ?")
		args = append(args, arg, filter.AttributeValue)
	}
	if filter.ExcludeID != "" {
		where = append(where, "id <> ?")
		args = append(args, filter.ExcludeID)
	}
	if clause, stateArgs := inStates("state", filter.States); clause != "" {
		where = append(where, clause)
		args = append(args, stateArgs...)
	}

	var b strings.Builder
	b.WriteString(`SELECT ` + resourceColumns + ` FROM resources`)
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY workspace_id ASC, name ASC, id ASC")
	if filter.Limit > 0 {
		b.WriteString(" LIMIT ?")
		args = append(args, filter.Limit)
	}

	rows, err := s.query(ctx, s.db, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	defer rows.Close()

	var resources []*Resource
	for rows.Next() {
		res, err := scanResource(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan resource: %w", err)
		}
		resources = append(resources, res)
	}
	return resources, rows.Err()
}

func scanResource(sc rowScanner) (*Resource, error) {
	res := &Resource{}
	var (
		stewardship, cloning, scope, managedBy, state, attrs string
		owner, lastError                                     sql.NullString
	)

	if err := sc.Scan(
		&res.WorkspaceID,
		&res.ID,
		&res.Name,
		&res.Description,
		&res.ResourceType,
		&stewardship,
		&res.CloudPlatform,
		&res.Region,
		&attrs,
		&cloning,
		&scope,
		&managedBy,
		&res.AssignedUser,
		&state,
		&owner,
		&lastError,
		&res.CreatedBy,
		&res.CreatedAt,
		&res.UpdatedAt,
	); err != nil {
		return nil, err
	}

	res.Stewardship = Stewardship(stewardship)
	res.CloningPolicy = CloningPolicy(cloning)
	res.AccessScope = AccessScope(scope)
	res.ManagedBy = ManagedBy(managedBy)
	res.State = State(state)
	res.Attributes = []byte(attrs)
	res.OwningRunID = owner.String
	res.LastError = lastError.String
	return res, nil
}

// transitionError describes why a transition of ref by runID matched no row.
func (s *Store) transitionError(ctx context.Context, ref EntityRef, to State, runID string) error {
	state, owner, err := s.GetState(ctx, ref)
	if err != nil {
		return err
	}
	if owner != "" && owner != runID {
		return engine.NewBusyError(ref.ObjectID(), owner)
	}
	return engine.NewPermanentError(
		fmt.Sprintf("cannot move %s from %s to %s", ref, state, to), nil).
		WithCode(engine.ErrCodeInvalidState).WithResource(ref.ObjectID())
}
