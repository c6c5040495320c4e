package stores

import (
	"context"
	"fmt"
	"strings"
)

// AppendActivity records a change in the workspace activity log.
// An entry with the same run, object and change type is recorded once.
func (s *Store) AppendActivity(ctx context.Context, entry *ActivityEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now()
	}

	query := `
		INSERT INTO activity_log (workspace_id, object_id, object_type, change_type, run_id,
			actor, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, object_id, change_type) DO NOTHING
	`
	_, err := s.exec(ctx, s.db, query,
		entry.WorkspaceID,
		entry.ObjectID,
		entry.ObjectType,
		entry.ChangeType,
		entry.RunID,
		entry.Actor,
		entry.Details,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append activity: %w", err)
	}
	return nil
}

// ListActivity returns the newest activity entries of a workspace first.
func (s *Store) ListActivity(ctx context.Context, workspaceID string, limit int) ([]*ActivityEntry, error) {
	query := `
		SELECT id, workspace_id, object_id, object_type, change_type, run_id, actor, details, created_at
		FROM activity_log
		WHERE workspace_id = ?
		ORDER BY id DESC
	`
	args := []interface{}{workspaceID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list activity: %w", err)
	}
	defer rows.Close()

	var entries []*ActivityEntry
	for rows.Next() {
		e := &ActivityEntry{}
		if err := rows.Scan(
			&e.ID,
			&e.WorkspaceID,
			&e.ObjectID,
			&e.ObjectType,
			&e.ChangeType,
			&e.RunID,
			&e.Actor,
			&e.Details,
			&e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan activity: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// AppendEvent persists a telemetry event. Appending the same event id twice records it once.
func (s *Store) AppendEvent(ctx context.Context, event *EventRecord) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = now()
	}

	query := `
		INSERT INTO events (event_id, type, source, run_id, stage, object_id, level, message, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (event_id) DO NOTHING
	`
	_, err := s.exec(ctx, s.db, query,
		event.EventID,
		event.Type,
		event.Source,
		event.RunID,
		event.Stage,
		event.ObjectID,
		event.Level,
		event.Message,
		event.Data,
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// ListEvents returns events in insertion order. An empty runID lists every run's events.
func (s *Store) ListEvents(ctx context.Context, runID string, limit int) ([]*EventRecord, error) {
	var b strings.Builder
	b.WriteString(`
		SELECT id, event_id, type, source, run_id, stage, object_id, level, message, data, created_at
		FROM events
	`)

	var args []interface{}
	if runID != "" {
		b.WriteString(" WHERE run_id = ?")
		args = append(args, runID)
	}
	b.WriteString(" ORDER BY id ASC")
	if limit > 0 {
		b.WriteString(" LIMIT ?")
		args = append(args, limit)
	}

	rows, err := s.query(ctx, s.db, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []*EventRecord
	for rows.Next() {
		e := &EventRecord{}
		if err := rows.Scan(
			&e.ID,
			&e.EventID,
			&e.Type,
			&e.Source,
			&e.RunID,
			&e.Stage,
			&e.ObjectID,
			&e.Level,
			&e.Message,
			&e.Data,
			&e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
