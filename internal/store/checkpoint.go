package store

import (
	"fmt"

	"github.com/imkarma/foreman/internal/idgen"
)

// AppendCheckpoint writes the next checkpoint for a task. Sequence numbers
// are assigned here, at append time, under a transaction so concurrent
// appends for the same task never collide or leave gaps.
func (s *Store) AppendCheckpoint(taskID string, ctype CheckpointType, content string) (*Checkpoint, error) {
	if ctype == "" {
		ctype = CheckpointProgress
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin checkpoint append: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM tasks WHERE id = ?`, taskID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check task: %w", err)
	}
	if exists == 0 {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}

	var seq int
	if err := tx.QueryRow(
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM checkpoints WHERE task_id = ?`, taskID,
	).Scan(&seq); err != nil {
		return nil, fmt.Errorf("next checkpoint sequence: %w", err)
	}

	cp := &Checkpoint{
		ID:        idgen.New(idgen.PrefixCheckpoint),
		TaskID:    taskID,
		Sequence:  seq,
		Type:      ctype,
		Content:   content,
		CreatedAt: nowMillis(),
	}
	if _, err := tx.Exec(
		`INSERT INTO checkpoints (id, task_id, sequence, checkpoint_type, content, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.TaskID, cp.Sequence, string(cp.Type), cp.Content, cp.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("insert checkpoint: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit checkpoint: %w", err)
	}
	return cp, nil
}

// ListCheckpoints returns a task's checkpoint history in sequence order.
func (s *Store) ListCheckpoints(taskID string) ([]Checkpoint, error) {
	rows, err := s.db.Query(
		`SELECT id, task_id, sequence, checkpoint_type, content, created_at
		 FROM checkpoints WHERE task_id = ? ORDER BY sequence`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("query checkpoints: %w", err)
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		var cp Checkpoint
		if err := rows.Scan(&cp.ID, &cp.TaskID, &cp.Sequence, &cp.Type, &cp.Content, &cp.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}
