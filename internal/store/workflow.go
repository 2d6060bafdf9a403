package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/imkarma/foreman/internal/idgen"
)

const workflowColumns = `id, name, source_type, source_content, status, initial_plan, config,
	max_parallel_tasks, locked_by_session_id, locked_at, created_at, updated_at`

// NewWorkflow describes a workflow to create.
type NewWorkflow struct {
	Name             string
	SourceType       string
	SourceContent    string
	MaxParallelTasks int
	Config           map[string]any
}

// CreateWorkflow inserts a workflow in status planning and returns it.
func (s *Store) CreateWorkflow(nw NewWorkflow) (*Workflow, error) {
	if nw.SourceType == "" {
		nw.SourceType = "prompt"
	}
	if nw.MaxParallelTasks < 1 {
		nw.MaxParallelTasks = 1
	}
	cfg, err := marshalConfig(nw.Config)
	if err != nil {
		return nil, err
	}

	now := nowMillis()
	w := &Workflow{
		ID:               idgen.New(idgen.PrefixWorkflow),
		Name:             nw.Name,
		SourceType:       nw.SourceType,
		SourceContent:    nw.SourceContent,
		Status:           WorkflowPlanning,
		Config:           nw.Config,
		MaxParallelTasks: nw.MaxParallelTasks,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	_, err = s.db.Exec(
		`INSERT INTO workflows (id, name, source_type, source_content, status, config, max_parallel_tasks, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.Name, w.SourceType, w.SourceContent, string(w.Status), cfg, w.MaxParallelTasks, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert workflow: %w", err)
	}
	return w, nil
}

// GetWorkflow returns a workflow by id.
func (s *Store) GetWorkflow(id string) (*Workflow, error) {
	row := s.db.QueryRow(`SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id)
	return scanWorkflow(row)
}

// ListWorkflows returns all workflows, optionally filtered by status.
func (s *Store) ListWorkflows(status WorkflowStatus) ([]Workflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query workflows: %w", err)
	}
	defer rows.Close()

	var out []Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

// UpdateWorkflowStatus changes a workflow's lifecycle status.
func (s *Store) UpdateWorkflowStatus(id string, status WorkflowStatus) error {
	res, err := s.db.Exec(
		`UPDATE workflows SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), nowMillis(), id,
	)
	if err != nil {
		return fmt.Errorf("update workflow status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	return nil
}

// SetInitialPlan records the planner's raw output on the workflow.
func (s *Store) SetInitialPlan(id, plan string) error {
	res, err := s.db.Exec(
		`UPDATE workflows SET initial_plan = ?, updated_at = ? WHERE id = ?`,
		plan, nowMillis(), id,
	)
	if err != nil {
		return fmt.Errorf("set initial plan: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	return nil
}

// LockWorkflow acquires the workflow execution lock for a session. At most
// one session holds the lock at a time; the conditional update is the
// atomicity boundary. Returns ErrConflict if another live session holds it.
func (s *Store) LockWorkflow(id, sessionID string) error {
	res, err := s.db.Exec(
		`UPDATE workflows SET locked_by_session_id = ?, locked_at = ?, updated_at = ?
		 WHERE id = ? AND (locked_by_session_id IS NULL OR locked_by_session_id = ?)`,
		sessionID, nowMillis(), nowMillis(), id, sessionID,
	)
	if err != nil {
		return fmt.Errorf("lock workflow: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetWorkflow(id); err != nil {
			return err
		}
		return fmt.Errorf("workflow %s locked by another session: %w", id, ErrConflict)
	}
	return nil
}

// UnlockWorkflow releases the lock if held by the given session. A no-op when
// the session does not hold it.
func (s *Store) UnlockWorkflow(id, sessionID string) error {
	_, err := s.db.Exec(
		`UPDATE workflows SET locked_by_session_id = NULL, locked_at = NULL, updated_at = ?
		 WHERE id = ? AND locked_by_session_id = ?`,
		nowMillis(), id, sessionID,
	)
	if err != nil {
		return fmt.Errorf("unlock workflow: %w", err)
	}
	return nil
}

// ReleaseSessionLocks clears workflow locks held by a session. Used when a
// session deregisters or is reaped after a crash.
func (s *Store) ReleaseSessionLocks(sessionID string) error {
	_, err := s.db.Exec(
		`UPDATE workflows SET locked_by_session_id = NULL, locked_at = NULL, updated_at = ?
		 WHERE locked_by_session_id = ?`,
		nowMillis(), sessionID,
	)
	if err != nil {
		return fmt.Errorf("release session locks: %w", err)
	}
	return nil
}

// OrphanedWorkflows returns in_progress workflows whose owning session is
// gone — either never locked or locked by a session row that no longer
// exists. The daemon resumes these at startup.
func (s *Store) OrphanedWorkflows() ([]Workflow, error) {
	rows, err := s.db.Query(
		`SELECT `+workflowColumns+` FROM workflows w
		 WHERE w.status = ?
		 AND (w.locked_by_session_id IS NULL
		      OR NOT EXISTS (SELECT 1 FROM sessions s WHERE s.id = w.locked_by_session_id))
		 ORDER BY w.created_at`,
		string(WorkflowInProgress),
	)
	if err != nil {
		return nil, fmt.Errorf("query orphaned workflows: %w", err)
	}
	defer rows.Close()

	var out []Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row rowScanner) (*Workflow, error) {
	var w Workflow
	var cfg string
	var lockedBy sql.NullString
	var lockedAt sql.NullInt64
	err := row.Scan(
		&w.ID, &w.Name, &w.SourceType, &w.SourceContent, &w.Status, &w.InitialPlan, &cfg,
		&w.MaxParallelTasks, &lockedBy, &lockedAt, &w.CreatedAt, &w.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("workflow: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan workflow: %w", err)
	}
	w.LockedBySessionID = lockedBy.String
	w.LockedAt = lockedAt.Int64
	if cfg != "" && cfg != "{}" {
		if err := json.Unmarshal([]byte(cfg), &w.Config); err != nil {
			return nil, fmt.Errorf("decode workflow config: %w", err)
		}
	}
	return &w, nil
}

// marshalConfig serializes an open string-keyed map for a TEXT column.
func marshalConfig(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode config: %w", err)
	}
	return string(b), nil
}
