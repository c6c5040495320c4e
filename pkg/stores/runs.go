package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/openfroyo/wsm/pkg/engine"
)

var _ engine.RunStore = (*Store)(nil)

// CreateRun inserts a run and its stage records. It reports false when the id exists.
func (s *Store) CreateRun(ctx context.Context, run *engine.Run) (bool, error) {
	row, err := encodeRun(run)
	if err != nil {
		return false, err
	}

	created := false
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		query := `
			INSERT INTO runs (id, operation, parent_run_id, params, working_map, stage_index,
				failed_stage, compensating, status, error, created_at, updated_at, completed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO NOTHING
		`
		res, err := s.exec(ctx, tx, query,
			run.ID,
			string(run.Operation),
			nullString(run.ParentRunID),
			row.params,
			row.working,
			run.StageIndex,
			run.FailedStage,
			run.Compensating,
			string(run.Status),
			row.runErr,
			run.CreatedAt,
			run.UpdatedAt,
			run.CompletedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to create run: %w", err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to create run: %w", err)
		}
		if n == 0 {
			return nil
		}

		created = true
		return s.saveStages(ctx, tx, run)
	})
	if err != nil {
		return false, err
	}
	return created, nil
}

// GetRun retrieves a run with its stage records.
func (s *Store) GetRun(ctx context.Context, id string) (*engine.Run, error) {
	query := `
		SELECT id, operation, parent_run_id, params, working_map, stage_index, failed_stage,
			compensating, status, error, created_at, updated_at, completed_at
		FROM runs
		WHERE id = ?
	`

	run, err := scanRun(s.queryRow(ctx, s.db, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", engine.ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	if err := s.loadStages(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// SaveRun flushes the mutable fields and stage records of an existing run.
func (s *Store) SaveRun(ctx context.Context, run *engine.Run) error {
	row, err := encodeRun(run)
	if err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		query := `
			UPDATE runs
			SET working_map = ?, stage_index = ?, failed_stage = ?, compensating = ?,
				status = ?, error = ?, updated_at = ?, completed_at = ?
			WHERE id = ?
		`
		res, err := s.exec(ctx, tx, query,
			row.working,
			run.StageIndex,
			run.FailedStage,
			run.Compensating,
			string(run.Status),
			row.runErr,
			run.UpdatedAt,
			run.CompletedAt,
			run.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to save run: %w", err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to save run: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("%w: %s", engine.ErrRunNotFound, run.ID)
		}

		return s.saveStages(ctx, tx, run)
	})
}

// ListRunsByStatus returns runs in any of the given statuses, oldest first.
func (s *Store) ListRunsByStatus(ctx context.Context, statuses ...engine.RunStatus) ([]*engine.Run, error) {
	return s.ListRuns(ctx, 0, statuses...)
}

// ListRuns returns up to limit runs, oldest first. No statuses means every run; limit 0 means no limit.
func (s *Store) ListRuns(ctx context.Context, limit int, statuses ...engine.RunStatus) ([]*engine.Run, error) {
	var b strings.Builder
	b.WriteString(`
		SELECT id, operation, parent_run_id, params, working_map, stage_index, failed_stage,
			compensating, status, error, created_at, updated_at, completed_at
		FROM runs
	`)

	args := make([]interface{}, 0, len(statuses)+1)
	if len(statuses) > 0 {
		fmt.Fprintf(&b, " WHERE status IN (%s)", placeholders(len(statuses)))
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	b.WriteString(" ORDER BY created_at ASC, id ASC")
	if limit > 0 {
		b.WriteString(" LIMIT ?")
		args = append(args, limit)
	}

	rows, err := s.query(ctx, s.db, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	var runs []*engine.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	_ = rows.Close()

	for _, run := range runs {
		if err := s.loadStages(ctx, run); err != nil {
			return nil, err
		}
	}
	return runs, nil
}

// ListChildRuns returns the runs started by parentID.
func (s *Store) ListChildRuns(ctx context.Context, parentID string) ([]*engine.Run, error) {
	query := `
		SELECT id, operation, parent_run_id, params, working_map, stage_index, failed_stage,
			compensating, status, error, created_at, updated_at, completed_at
		FROM runs
		WHERE parent_run_id = ?
		ORDER BY created_at ASC, id ASC
	`

	rows, err := s.query(ctx, s.db, query, parentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list child runs: %w", err)
	}
	defer rows.Close()

	var runs []*engine.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// saveStages upserts every stage record of run.
func (s *Store) saveStages(ctx context.Context, tx *sql.Tx, run *engine.Run) error {
	query := `
		INSERT INTO run_stages (run_id, idx, name, status, last_outcome, attempts, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, idx) DO UPDATE SET
			status = excluded.status,
			last_outcome = excluded.last_outcome,
			attempts = excluded.attempts,
			last_error = excluded.last_error
	`

	for i, st := range run.Stages {
		if _, err := s.exec(ctx, tx, query,
			run.ID,
			i,
			st.Name,
			string(st.Status),
			string(st.LastOutcome),
			st.Attempts,
			st.LastError,
		); err != nil {
			return fmt.Errorf("failed to save stage %s: %w", st.Name, err)
		}
	}
	return nil
}

// loadStages reads the stage records of run in order.
func (s *Store) loadStages(ctx context.Context, run *engine.Run) error {
	query := `
		SELECT name, status, last_outcome, attempts, last_error
		FROM run_stages
		WHERE run_id = ?
		ORDER BY idx ASC
	`

	rows, err := s.query(ctx, s.db, query, run.ID)
	if err != nil {
		return fmt.Errorf("failed to load stages: %w", err)
	}
	defer rows.Close()

	run.Stages = run.Stages[:0]
	for rows.Next() {
		var st engine.StageRecord
		var status, outcome string
		if err := rows.Scan(&st.Name, &status, &outcome, &st.Attempts, &st.LastError); err != nil {
			return fmt.Errorf("failed to scan stage: %w", err)
		}
		st.Status = engine.StageStatus(status)
		st.LastOutcome = engine.Outcome(outcome)
		run.Stages = append(run.Stages, st)
	}
	return rows.Err()
}

// encodedRun holds the JSON columns of a run.
type encodedRun struct {
	params  string
	working string
	runErr  sql.NullString
}

func encodeRun(run *engine.Run) (*encodedRun, error) {
	row := &encodedRun{params: "{}", working: "{}"}
	if len(run.Params) > 0 {
		row.params = string(run.Params)
	}
	if run.Working != nil {
		data, err := json.Marshal(run.Working)
		if err != nil {
			return nil, fmt.Errorf("failed to encode working map: %w", err)
		}
		row.working = string(data)
	}
	if run.Error != nil {
		data, err := json.Marshal(run.Error)
		if err != nil {
			return nil, fmt.Errorf("failed to encode run error: %w", err)
		}
		row.runErr = sql.NullString{String: string(data), Valid: true}
	}
	return row, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(sc rowScanner) (*engine.Run, error) {
	run := &engine.Run{}
	var (
		operation, status, params, working string
		parent, runErr                     sql.NullString
		completed                          sql.NullTime
	)

	if err := sc.Scan(
		&run.ID,
		&operation,
		&parent,
		&params,
		&working,
		&run.StageIndex,
		&run.FailedStage,
		&run.Compensating,
		&status,
		&runErr,
		&run.CreatedAt,
		&run.UpdatedAt,
		&completed,
	); err != nil {
		return nil, err
	}

	run.Operation = engine.OperationType(operation)
	run.Status = engine.RunStatus(status)
	run.ParentRunID = parent.String
	run.Params = json.RawMessage(params)
	if completed.Valid {
		t := completed.Time
		run.CompletedAt = &t
	}

	wm, err := engine.WorkingMapFromJSON([]byte(working))
	if err != nil {
		return nil, err
	}
	run.Working = wm

	if runErr.Valid && runErr.String != "" {
		run.Error = &engine.RunError{}
		if err := json.Unmarshal([]byte(runErr.String), run.Error); err != nil {
			return nil, fmt.Errorf("failed to decode run error: %w", err)
		}
	}
	return run, nil
}
