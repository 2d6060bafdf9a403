package store

import (
	"database/sql"
	"fmt"

	"github.com/imkarma/foreman/internal/idgen"
)

const taskColumns = `id, workflow_id, name, status, sequence, parallel_group, plan, outcome,
	error, retries, workspace_id, assigned_agent_id, claimed_at, created_at, updated_at`

// NewTask describes a task to insert into a workflow's DAG.
type NewTask struct {
	WorkflowID    string
	Name          string
	Sequence      int
	ParallelGroup string
	Plan          string
	WorkspaceID   string
}

// CreateTask inserts a pending task and returns it.
func (s *Store) CreateTask(nt NewTask) (*Task, error) {
	now := nowMillis()
	t := &Task{
		ID:            idgen.New(idgen.PrefixTask),
		WorkflowID:    nt.WorkflowID,
		Name:          nt.Name,
		Status:        TaskPending,
		Sequence:      nt.Sequence,
		ParallelGroup: nt.ParallelGroup,
		Plan:          nt.Plan,
		WorkspaceID:   nt.WorkspaceID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	_, err := s.db.Exec(
		`INSERT INTO tasks (id, workflow_id, name, status, sequence, parallel_group, plan, workspace_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.WorkflowID, t.Name, string(t.Status), t.Sequence, t.ParallelGroup, t.Plan,
		nullStr(t.WorkspaceID), now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	return t, nil
}

// GetTask returns a task by id.
func (s *Store) GetTask(id string) (*Task, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

// ListTasks returns a workflow's tasks in sequence order, optionally filtered
// by status.
func (s *Store) ListTasks(workflowID string, status TaskStatus) ([]Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE workflow_id = ?`
	args := []any{workflowID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY sequence, created_at`
	return s.queryTasks(query, args...)
}

// ReadyTasks returns pending tasks whose every dependency is completed or
// skipped, in sequence order.
func (s *Store) ReadyTasks(workflowID string) ([]Task, error) {
	query := `
	SELECT ` + taskColumns + ` FROM tasks t
	WHERE t.workflow_id = ? AND t.status = ?
	AND NOT EXISTS (
		SELECT 1 FROM task_dependencies d
		JOIN tasks dep ON dep.id = d.depends_on_id
		WHERE d.task_id = t.id AND dep.status NOT IN (?, ?)
	)
	ORDER BY t.sequence, t.created_at`
	return s.queryTasks(query, workflowID, string(TaskPending),
		string(TaskCompleted), string(TaskSkipped))
}

// ClaimTask atomically assigns a pending, unclaimed task to an agent. The
// single conditional UPDATE is the linearization point: of N concurrent
// claims for the same task, exactly one sees rows-affected == 1.
// Returns (false, nil) when the task exists but the claim raced and lost,
// and ErrNotFound when the task does not exist.
func (s *Store) ClaimTask(taskID, agentID string) (bool, error) {
	now := nowMillis()
	res, err := s.db.Exec(
		`UPDATE tasks SET assigned_agent_id = ?, claimed_at = ?, status = ?, updated_at = ?
		 WHERE id = ? AND assigned_agent_id IS NULL AND status = ?`,
		agentID, now, string(TaskInProgress), now, taskID, string(TaskPending),
	)
	if err != nil {
		return false, fmt.Errorf("claim task: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 1 {
		return true, nil
	}
	if _, err := s.GetTask(taskID); err != nil {
		return false, err
	}
	return false, nil
}

// ReleaseTask clears a task's assignment and reverts it to the given status
// (pending, or blocked on a dependency regression). Fails with ErrConflict if
// the task is not currently held by agentID.
func (s *Store) ReleaseTask(taskID, agentID string, to TaskStatus) error {
	res, err := s.db.Exec(
		`UPDATE tasks SET assigned_agent_id = NULL, claimed_at = NULL, status = ?, updated_at = ?
		 WHERE id = ? AND assigned_agent_id = ?`,
		string(to), nowMillis(), taskID, agentID,
	)
	if err != nil {
		return fmt.Errorf("release task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetTask(taskID); err != nil {
			return err
		}
		return fmt.Errorf("task %s not held by %s: %w", taskID, agentID, ErrConflict)
	}
	return nil
}

// ReleaseStaleClaims reverts a workflow's in-flight tasks to pending when
// their claims are stale (no live session owns the workflow). Terminal tasks
// are untouched. Returns the number of released tasks.
func (s *Store) ReleaseStaleClaims(workflowID string) (int, error) {
	res, err := s.db.Exec(
		`UPDATE tasks SET assigned_agent_id = NULL, claimed_at = NULL, status = ?, updated_at = ?
		 WHERE workflow_id = ? AND status IN (?, ?) AND assigned_agent_id IS NOT NULL`,
		string(TaskPending), nowMillis(), workflowID,
		string(TaskInProgress), string(TaskPlanning),
	)
	if err != nil {
		return 0, fmt.Errorf("release stale claims: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// SetTaskStatus writes a task's status without transition validation; the
// graph service validates before calling. Outcome and error are recorded
// alongside terminal statuses.
func (s *Store) SetTaskStatus(taskID string, status TaskStatus, outcome, errMsg string) error {
	res, err := s.db.Exec(
		`UPDATE tasks SET status = ?, outcome = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(status), outcome, errMsg, nowMillis(), taskID,
	)
	if err != nil {
		return fmt.Errorf("set task status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	return nil
}

// IncrementTaskRetries bumps the per-task retry counter and returns the new
// value.
func (s *Store) IncrementTaskRetries(taskID string) (int, error) {
	_, err := s.db.Exec(
		`UPDATE tasks SET retries = retries + 1, updated_at = ? WHERE id = ?`,
		nowMillis(), taskID,
	)
	if err != nil {
		return 0, fmt.Errorf("increment retries: %w", err)
	}
	var n int
	if err := s.db.QueryRow(`SELECT retries FROM tasks WHERE id = ?`, taskID).Scan(&n); err != nil {
		if err == sql.ErrNoRows {
			return 0, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
		}
		return 0, fmt.Errorf("read retries: %w", err)
	}
	return n, nil
}

// SetTaskWorkspace binds a task to the workspace its agent will run in.
func (s *Store) SetTaskWorkspace(taskID, workspaceID string) error {
	res, err := s.db.Exec(
		`UPDATE tasks SET workspace_id = ?, updated_at = ? WHERE id = ?`,
		nullStr(workspaceID), nowMillis(), taskID,
	)
	if err != nil {
		return fmt.Errorf("set task workspace: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	return nil
}

// RemoveTask deletes a task and its edges. Fails with ErrConflict when other
// tasks depend on it.
func (s *Store) RemoveTask(taskID string) error {
	var dependents int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM task_dependencies WHERE depends_on_id = ?`, taskID,
	).Scan(&dependents)
	if err != nil {
		return fmt.Errorf("count dependents: %w", err)
	}
	if dependents > 0 {
		return fmt.Errorf("task %s has %d dependents: %w", taskID, dependents, ErrConflict)
	}

	res, err := s.db.Exec(`DELETE FROM tasks WHERE id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	return nil
}

// AddDependency inserts a DAG edge: taskID waits for dependsOn.
func (s *Store) AddDependency(taskID, dependsOn, depType string) error {
	if depType == "" {
		depType = "completion"
	}
	_, err := s.db.Exec(
		`INSERT INTO task_dependencies (task_id, depends_on_id, dependency_type) VALUES (?, ?, ?)`,
		taskID, dependsOn, depType,
	)
	if err != nil {
		return fmt.Errorf("insert dependency: %w", err)
	}
	return nil
}

// ListDependencies returns all DAG edges for a workflow.
func (s *Store) ListDependencies(workflowID string) ([]Dependency, error) {
	rows, err := s.db.Query(
		`SELECT d.task_id, d.depends_on_id, d.dependency_type
		 FROM task_dependencies d
		 JOIN tasks t ON t.id = d.task_id
		 WHERE t.workflow_id = ?`,
		workflowID,
	)
	if err != nil {
		return nil, fmt.Errorf("query dependencies: %w", err)
	}
	defer rows.Close()

	var out []Dependency
	for rows.Next() {
		var d Dependency
		if err := rows.Scan(&d.TaskID, &d.DependsOn, &d.Type); err != nil {
			return nil, fmt.Errorf("scan dependency: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) queryTasks(query string, args ...any) ([]Task, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var workspaceID, agentID sql.NullString
	var claimedAt sql.NullInt64
	err := row.Scan(
		&t.ID, &t.WorkflowID, &t.Name, &t.Status, &t.Sequence, &t.ParallelGroup,
		&t.Plan, &t.Outcome, &t.Error, &t.Retries,
		&workspaceID, &agentID, &claimedAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	t.WorkspaceID = workspaceID.String
	t.AssignedAgentID = agentID.String
	t.ClaimedAt = claimedAt.Int64
	return &t, nil
}
