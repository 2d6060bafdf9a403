package store

import (
	"database/sql"
	"fmt"

	"github.com/imkarma/foreman/internal/idgen"
)

const workspaceColumns = `id, workflow_id, path, branch, base_branch, status, merge_commit,
	pr_url, pr_cycle_mode, created_at, updated_at`

// CreateWorkspace records an isolated working copy for a workflow.
func (s *Store) CreateWorkspace(workflowID, path, branch, baseBranch string) (*Workspace, error) {
	now := nowMillis()
	w := &Workspace{
		ID:         idgen.New(idgen.PrefixWorkspace),
		WorkflowID: workflowID,
		Path:       path,
		Branch:     branch,
		BaseBranch: baseBranch,
		Status:     WorkspaceActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	_, err := s.db.Exec(
		`INSERT INTO workspaces (id, workflow_id, path, branch, base_branch, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.WorkflowID, w.Path, w.Branch, w.BaseBranch, string(w.Status), now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert workspace: %w", err)
	}
	return w, nil
}

// GetWorkspace returns a workspace by id.
func (s *Store) GetWorkspace(id string) (*Workspace, error) {
	row := s.db.QueryRow(`SELECT `+workspaceColumns+` FROM workspaces WHERE id = ?`, id)
	return scanWorkspace(row)
}

// ListWorkspaces returns a workflow's workspaces, optionally filtered by
// status.
func (s *Store) ListWorkspaces(workflowID string, status WorkspaceStatus) ([]Workspace, error) {
	query := `SELECT ` + workspaceColumns + ` FROM workspaces WHERE workflow_id = ?`
	args := []any{workflowID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query workspaces: %w", err)
	}
	defer rows.Close()

	var out []Workspace
	for rows.Next() {
		w, err := scanWorkspace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

// SetWorkspacePR records the pull request URL opened for a workspace.
func (s *Store) SetWorkspacePR(id, prURL string) error {
	return s.updateWorkspace(id, `pr_url = ?`, prURL)
}

// SetWorkspaceCycleMode records a workspace-level PR cycle mode override.
func (s *Store) SetWorkspaceCycleMode(id, mode string) error {
	return s.updateWorkspace(id, `pr_cycle_mode = ?`, mode)
}

// MarkWorkspaceMerged records the merge commit and flips the workspace to
// merged.
func (s *Store) MarkWorkspaceMerged(id, mergeCommit string) error {
	res, err := s.db.Exec(
		`UPDATE workspaces SET status = ?, merge_commit = ?, updated_at = ? WHERE id = ?`,
		string(WorkspaceMerged), mergeCommit, nowMillis(), id,
	)
	if err != nil {
		return fmt.Errorf("mark workspace merged: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("workspace %s: %w", id, ErrNotFound)
	}
	return nil
}

// SetWorkspaceStatus updates a workspace's lifecycle status.
func (s *Store) SetWorkspaceStatus(id string, status WorkspaceStatus) error {
	return s.updateWorkspace(id, `status = ?`, string(status))
}

func (s *Store) updateWorkspace(id, setClause string, val any) error {
	res, err := s.db.Exec(
		`UPDATE workspaces SET `+setClause+`, updated_at = ? WHERE id = ?`,
		val, nowMillis(), id,
	)
	if err != nil {
		return fmt.Errorf("update workspace: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("workspace %s: %w", id, ErrNotFound)
	}
	return nil
}

func scanWorkspace(row rowScanner) (*Workspace, error) {
	var w Workspace
	err := row.Scan(
		&w.ID, &w.WorkflowID, &w.Path, &w.Branch, &w.BaseBranch, &w.Status,
		&w.MergeCommit, &w.PRURL, &w.PRCycleMode, &w.CreatedAt, &w.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("workspace: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan workspace: %w", err)
	}
	return &w, nil
}
