package stores

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/openfroyo/wsm/pkg/engine"
)

// EntityKind names the table an EntityRef points into.
type EntityKind string

const (
	KindWorkspace    EntityKind = "workspace"
	KindCloudContext EntityKind = "cloud-context"
	KindResource     EntityKind = "resource"
)

// EntityRef identifies one workspace, cloud context or resource row.
type EntityRef struct {
	Kind        EntityKind `json:"kind"`
	WorkspaceID string     `json:"workspace_id"`

	// Platform is set for cloud contexts.
	Platform string `json:"platform,omitempty"`

	// ResourceID is set for resources.
	ResourceID string `json:"resource_id,omitempty"`
}

// WorkspaceRef returns the reference of a workspace.
func WorkspaceRef(workspaceID string) EntityRef {
	return EntityRef{Kind: KindWorkspace, WorkspaceID: workspaceID}
}

// CloudContextRef returns the reference of a cloud context.
func CloudContextRef(workspaceID, platform string) EntityRef {
	return EntityRef{Kind: KindCloudContext, WorkspaceID: workspaceID, Platform: platform}
}

// ResourceRef returns the reference of a resource.
func ResourceRef(workspaceID, resourceID string) EntityRef {
	return EntityRef{Kind: KindResource, WorkspaceID: workspaceID, ResourceID: resourceID}
}

// String returns a human-readable form of the reference.
func (r EntityRef) String() string {
	switch r.Kind {
	case KindCloudContext:
		return fmt.Sprintf("cloud-context %s/%s", r.WorkspaceID, r.Platform)
	case KindResource:
		return fmt.Sprintf("resource %s/%s", r.WorkspaceID, r.ResourceID)
	default:
		return fmt.Sprintf("workspace %s", r.WorkspaceID)
	}
}

// ObjectID returns the id recorded in the activity log and events.
func (r EntityRef) ObjectID() string {
	switch r.Kind {
	case KindCloudContext:
		return r.WorkspaceID + "/" + r.Platform
	case KindResource:
		return r.ResourceID
	default:
		return r.WorkspaceID
	}
}

// target returns the table and key predicate of the reference.
func (r EntityRef) target() (string, string, []interface{}, error) {
	switch r.Kind {
	case KindWorkspace:
		return "workspaces", "id = ?", []interface{}{r.WorkspaceID}, nil
	case KindCloudContext:
		return "cloud_contexts", "workspace_id = ? AND cloud_platform = ?",
			[]interface{}{r.WorkspaceID, r.Platform}, nil
	case KindResource:
		return "resources", "workspace_id = ? AND id = ?",
			[]interface{}{r.WorkspaceID, r.ResourceID}, nil
	default:
		return "", "", nil, fmt.Errorf("invalid entity kind: %s", r.Kind)
	}
}

// Claim moves the row from one of from to the in-progress state to and makes runID its owner.
// It succeeds only when the row is unowned or already owned by runID; claiming again with the
// same run and target succeeds. A false result with nil error means the claim was lost.
func (s *Store) Claim(ctx context.Context, ref EntityRef, from []State, to State, runID string) (bool, error) {
	if runID == "" {
		return false, fmt.Errorf("claim requires a run id")
	}
	if len(from) == 0 {
		return false, fmt.Errorf("claim requires at least one predecessor state")
	}
	for _, f := range from {
		if !ValidTransition(f, to) {
			return false, fmt.Errorf("invalid transition %s -> %s", f, to)
		}
	}

	table, where, keys, err := ref.target()
	if err != nil {
		return false, err
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET state = ?, owning_run_id = ?, last_error = NULL, updated_at = ?
		WHERE %s
			AND (owning_run_id IS NULL OR owning_run_id = ?)
			AND (state IN (%s) OR (state = ? AND owning_run_id = ?))
	`, table, where, placeholders(len(from)))

	args := []interface{}{string(to), runID, now()}
	args = append(args, keys...)
	args = append(args, runID)
	for _, f := range from {
		args = append(args, string(f))
	}
	args = append(args, string(to), runID)

	return s.affectedOne(s.exec(ctx, s.db, query, args...))
}

// Release moves a row owned by runID from state from to to and clears the owner.
// Releasing a row already in to without an owner also succeeds.
func (s *Store) Release(ctx context.Context, ref EntityRef, from, to State, runID string, lastError string) (bool, error) {
	if !ValidTransition(from, to) {
		return false, fmt.Errorf("invalid transition %s -> %s", from, to)
	}
	if to.IsInProgress() {
		return false, fmt.Errorf("cannot release into in-progress state %s", to)
	}

	table, where, keys, err := ref.target()
	if err != nil {
		return false, err
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET state = ?, owning_run_id = NULL, last_error = ?, updated_at = ?
		WHERE %s
			AND ((state = ? AND owning_run_id = ?) OR (state = ? AND owning_run_id IS NULL))
	`, table, where)

	args := []interface{}{string(to), nullString(lastError), now()}
	args = append(args, keys...)
	args = append(args, string(from), runID, string(to))

	return s.affectedOne(s.exec(ctx, s.db, query, args...))
}

// MarkBroken moves the row to BROKEN with lastError and clears the owner.
// When expectedOwner is non-empty the row must still be owned by it.
func (s *Store) MarkBroken(ctx context.Context, ref EntityRef, expectedOwner, lastError string) (bool, error) {
	table, where, keys, err := ref.target()
	if err != nil {
		return false, err
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET state = ?, owning_run_id = NULL, last_error = ?, updated_at = ?
		WHERE %s
	`, table, where)

	args := []interface{}{string(StateBroken), nullString(lastError), now()}
	args = append(args, keys...)
	if expectedOwner != "" {
		query += " AND owning_run_id = ?"
		args = append(args, expectedOwner)
	}

	return s.affectedOne(s.exec(ctx, s.db, query, args...))
}

// Remove deletes a row that runID holds in DELETING. A missing row reports false.
func (s *Store) Remove(ctx context.Context, ref EntityRef, runID string) (bool, error) {
	table, where, keys, err := ref.target()
	if err != nil {
		return false, err
	}

	query := fmt.Sprintf(`DELETE FROM %s WHERE %s AND state = ? AND owning_run_id = ?`, table, where)
	args := append(keys, string(StateDeleting), runID)

	return s.affectedOne(s.exec(ctx, s.db, query, args...))
}

// removeOwned deletes a row that runID holds in state.
func (s *Store) removeOwned(ctx context.Context, ref EntityRef, state State, runID string) (bool, error) {
	table, where, keys, err := ref.target()
	if err != nil {
		return false, err
	}

	query := fmt.Sprintf(`DELETE FROM %s WHERE %s AND state = ? AND owning_run_id = ?`, table, where)
	args := append(keys, string(state), runID)

	return s.affectedOne(s.exec(ctx, s.db, query, args...))
}

// GetState returns the state and owner of the referenced row.
func (s *Store) GetState(ctx context.Context, ref EntityRef) (State, string, error) {
	table, where, keys, err := ref.target()
	if err != nil {
		return "", "", err
	}

	query := fmt.Sprintf(`SELECT state, owning_run_id FROM %s WHERE %s`, table, where)

	var state string
	var owner sql.NullString
	err = s.queryRow(ctx, s.db, query, keys...).Scan(&state, &owner)
	if err == sql.ErrNoRows {
		return "", "", fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if err != nil {
		return "", "", fmt.Errorf("failed to get state: %w", err)
	}
	return State(state), owner.String, nil
}

// ListOrphans returns in-progress rows whose owning run is missing or terminal.
func (s *Store) ListOrphans(ctx context.Context) ([]Orphan, error) {
	terminal := []interface{}{
		string(engine.RunStatusSuccess),
		string(engine.RunStatusError),
		string(engine.RunStatusFatal),
	}
	inProgress := make([]interface{}, len(InProgressStates))
	for i, st := range InProgressStates {
		inProgress[i] = string(st)
	}

	sources := []struct {
		kind    EntityKind
		table   string
		columns string
	}{
		{KindWorkspace, "workspaces", "t.id, '', ''"},
		{KindCloudContext, "cloud_contexts", "t.workspace_id, t.cloud_platform, ''"},
		{KindResource, "resources", "t.workspace_id, '', t.id"},
	}

	var orphans []Orphan
	for _, src := range sources {
		query := fmt.Sprintf(`
			SELECT %s, t.state, COALESCE(t.owning_run_id, ''), COALESCE(r.status, '')
			FROM %s t
			LEFT JOIN runs r ON r.id = t.owning_run_id
			WHERE t.state IN (%s)
				AND (r.id IS NULL OR r.status IN (%s))
			ORDER BY t.updated_at ASC
		`, src.columns, src.table, placeholders(len(inProgress)), placeholders(len(terminal)))

		args := append(append([]interface{}{}, inProgress...), terminal...)
		rows, err := s.query(ctx, s.db, query, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to list orphans: %w", err)
		}

		for rows.Next() {
			o := Orphan{Ref: EntityRef{Kind: src.kind}}
			var state string
			if err := rows.Scan(&o.Ref.WorkspaceID, &o.Ref.Platform, &o.Ref.ResourceID,
				&state, &o.OwningRunID, &o.RunStatus); err != nil {
				_ = rows.Close()
				return nil, fmt.Errorf("failed to scan orphan: %w", err)
			}
			o.State = State(state)
			orphans = append(orphans, o)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("error iterating orphans: %w", err)
		}
		_ = rows.Close()
	}

	return orphans, nil
}

// affectedOne converts an exec result into a single-row success flag.
func (s *Store) affectedOne(res sql.Result, err error) (bool, error) {
	if err != nil {
		if isUniqueViolation(err) {
			return false, err
		}
		return false, fmt.Errorf("failed to update state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n == 1, nil
}

// inStates renders a state IN clause and its arguments.
func inStates(column string, states []State) (string, []interface{}) {
	if len(states) == 0 {
		return "", nil
	}
	args := make([]interface{}, len(states))
	for i, st := range states {
		args[i] = string(st)
	}
	return fmt.Sprintf("%s IN (%s)", column, strings.TrimSpace(placeholders(len(states)))), args
}
