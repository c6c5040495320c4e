package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/openfroyo/wsm/pkg/engine"
)

// CreateWorkspaceStart inserts ws in INITIALIZING owned by runID.
// Inserting it again for the same run succeeds; any other existing workspace is a conflict.
func (s *Store) CreateWorkspaceStart(ctx context.Context, ws *Workspace, runID string) error {
	if ws.ID == "" {
		return fmt.Errorf("workspace id is required")
	}

	ts := now()
	query := `
		INSERT INTO workspaces (id, display_name, description, created_by, state, owning_run_id,
			last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, NULL, ?, ?)
	`
	_, err := s.exec(ctx, s.db, query,
		ws.ID,
		ws.DisplayName,
		ws.Description,
		ws.CreatedBy,
		string(StateInitializing),
		runID,
		ts,
		ts,
	)
	if err == nil {
		ws.State = StateInitializing
		ws.OwningRunID = runID
		ws.CreatedAt = ts
		ws.UpdatedAt = ts
		return nil
	}
	if !isUniqueViolation(err) {
		return fmt.Errorf("failed to create workspace: %w", err)
	}

	existing, getErr := s.GetWorkspace(ctx, ws.ID)
	if getErr != nil {
		return fmt.Errorf("failed to create workspace: %w", err)
	}
	if existing.State == StateInitializing && existing.OwningRunID == runID {
		return nil
	}
	if existing.OwningRunID != "" {
		return engine.NewBusyError(ws.ID, existing.OwningRunID)
	}
	return engine.NewConflictError("workspace already exists",
		[]string{fmt.Sprintf("workspace %s", ws.ID)}).WithResource(ws.ID)
}

// GetWorkspace retrieves a workspace by id.
func (s *Store) GetWorkspace(ctx context.Context, id string) (*Workspace, error) {
	query := `
		SELECT id, display_name, description, created_by, state, owning_run_id, last_error,
			created_at, updated_at
		FROM workspaces
		WHERE id = ?
	`

	ws, err := scanWorkspace(s.queryRow(ctx, s.db, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: workspace %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workspace: %w", err)
	}
	return ws, nil
}

// ListWorkspaces returns every workspace ordered by id.
func (s *Store) ListWorkspaces(ctx context.Context) ([]*Workspace, error) {
	query := `
		SELECT id, display_name, description, created_by, state, owning_run_id, last_error,
			created_at, updated_at
		FROM workspaces
		ORDER BY id ASC
	`

	rows, err := s.query(ctx, s.db, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list workspaces: %w", err)
	}
	defer rows.Close()

	var workspaces []*Workspace
	for rows.Next() {
		ws, err := scanWorkspace(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workspace: %w", err)
		}
		workspaces = append(workspaces, ws)
	}
	return workspaces, rows.Err()
}

func scanWorkspace(sc rowScanner) (*Workspace, error) {
	ws := &Workspace{}
	var state string
	var owner, lastError sql.NullString
	if err := sc.Scan(
		&ws.ID,
		&ws.DisplayName,
		&ws.Description,
		&ws.CreatedBy,
		&state,
		&owner,
		&lastError,
		&ws.CreatedAt,
		&ws.UpdatedAt,
	); err != nil {
		return nil, err
	}
	ws.State = State(state)
	ws.OwningRunID = owner.String
	ws.LastError = lastError.String
	return ws, nil
}

// CreateCloudContextStart inserts a cloud context in INITIALIZING owned by runID.
// The workspace must exist. Inserting again for the same run succeeds.
func (s *Store) CreateCloudContextStart(ctx context.Context, cc *CloudContext, runID string) error {
	if cc.WorkspaceID == "" || cc.CloudPlatform == "" {
		return fmt.Errorf("workspace id and cloud platform are required")
	}

	ts := now()
	query := `
		INSERT INTO cloud_contexts (workspace_id, cloud_platform, descriptor, state, owning_run_id,
			last_error, created_at, updated_at)
		VALUES (?, ?, NULL, ?, ?, NULL, ?, ?)
	`
	_, err := s.exec(ctx, s.db, query,
		cc.WorkspaceID,
		cc.CloudPlatform,
		string(StateInitializing),
		runID,
		ts,
		ts,
	)
	if err == nil {
		cc.State = StateInitializing
		cc.OwningRunID = runID
		cc.CreatedAt = ts
		cc.UpdatedAt = ts
		return nil
	}
	if !isUniqueViolation(err) {
		return fmt.Errorf("failed to create cloud context: %w", err)
	}

	existing, getErr := s.GetCloudContext(ctx, cc.WorkspaceID, cc.CloudPlatform)
	if getErr != nil {
		return fmt.Errorf("failed to create cloud context: %w", err)
	}
	if existing.State == StateInitializing && existing.OwningRunID == runID {
		return nil
	}
	if existing.OwningRunID != "" {
		return engine.NewBusyError(CloudContextRef(cc.WorkspaceID, cc.CloudPlatform).ObjectID(), existing.OwningRunID)
	}
	return engine.NewConflictError("cloud context already exists",
		[]string{fmt.Sprintf("cloud context %s/%s", cc.WorkspaceID, cc.CloudPlatform)})
}

// SetCloudContextReady stores the provider descriptor and moves the context runID created to READY.
func (s *Store) SetCloudContextReady(ctx context.Context, workspaceID, platform, runID string, descriptor json.RawMessage) error {
	query := `
		UPDATE cloud_contexts
		SET descriptor = ?, state = ?, owning_run_id = NULL, last_error = NULL, updated_at = ?
		WHERE workspace_id = ? AND cloud_platform = ? AND state = ? AND owning_run_id = ?
	`
	ok, err := s.affectedOne(s.exec(ctx, s.db, query,
		string(descriptor),
		string(StateReady),
		now(),
		workspaceID,
		platform,
		string(StateInitializing),
		runID,
	))
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	ref := CloudContextRef(workspaceID, platform)
	state, owner, err := s.GetState(ctx, ref)
	if err != nil {
		return err
	}
	if state == StateReady && owner == "" {
		return nil
	}
	return s.transitionError(ctx, ref, StateReady, runID)
}

// GetCloudContext retrieves the cloud context of a workspace on platform.
func (s *Store) GetCloudContext(ctx context.Context, workspaceID, platform string) (*CloudContext, error) {
	query := `
		SELECT workspace_id, cloud_platform, descriptor, state, owning_run_id, last_error,
			created_at, updated_at
		FROM cloud_contexts
		WHERE workspace_id = ? AND cloud_platform = ?
	`

	cc, err := scanCloudContext(s.queryRow(ctx, s.db, query, workspaceID, platform))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: cloud context %s/%s", ErrNotFound, workspaceID, platform)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cloud context: %w", err)
	}
	return cc, nil
}

// ListCloudContexts returns the cloud contexts of a workspace ordered by platform.
func (s *Store) ListCloudContexts(ctx context.Context, workspaceID string) ([]*CloudContext, error) {
	query := `
		SELECT workspace_id, cloud_platform, descriptor, state, owning_run_id, last_error,
			created_at, updated_at
		FROM cloud_contexts
		WHERE workspace_id = ?
		ORDER BY cloud_platform ASC
	`

	rows, err := s.query(ctx, s.db, query, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list cloud contexts: %w", err)
	}
	defer rows.Close()

	var contexts []*CloudContext
	for rows.Next() {
		cc, err := scanCloudContext(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cloud context: %w", err)
		}
		contexts = append(contexts, cc)
	}
	return contexts, rows.Err()
}

func scanCloudContext(sc rowScanner) (*CloudContext, error) {
	cc := &CloudContext{}
	var state string
	var descriptor, owner, lastError sql.NullString
	if err := sc.Scan(
		&cc.WorkspaceID,
		&cc.CloudPlatform,
		&descriptor,
		&state,
		&owner,
		&lastError,
		&cc.CreatedAt,
		&cc.UpdatedAt,
	); err != nil {
		return nil, err
	}
	cc.State = State(state)
	cc.OwningRunID = owner.String
	cc.LastError = lastError.String
	if descriptor.Valid && descriptor.String != "" {
		cc.Descriptor = json.RawMessage(descriptor.String)
	}
	return cc, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
