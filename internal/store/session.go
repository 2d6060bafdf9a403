package store

import (
	"database/sql"
	"fmt"

	"github.com/imkarma/foreman/internal/idgen"
)

// RegisterSession records a running host process. Every foreman process —
// daemon or client — gets exactly one session row for its lifetime.
func (s *Store) RegisterSession(pid, port int, isDaemon bool) (*Session, error) {
	now := nowMillis()
	sess := &Session{
		ID:            idgen.New(idgen.PrefixSession),
		PID:           pid,
		Port:          port,
		StartedAt:     now,
		LastHeartbeat: now,
		IsDaemon:      isDaemon,
	}
	_, err := s.db.Exec(
		`INSERT INTO sessions (id, pid, port, started_at, last_heartbeat, is_daemon) VALUES (?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.PID, sess.Port, now, now, boolToInt(sess.IsDaemon),
	)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return sess, nil
}

// GetSession returns a session by id.
func (s *Store) GetSession(id string) (*Session, error) {
	row := s.db.QueryRow(
		`SELECT id, pid, port, started_at, last_heartbeat, is_daemon FROM sessions WHERE id = ?`, id,
	)
	return scanSession(row)
}

// ListSessions returns all registered sessions.
func (s *Store) ListSessions() ([]Session, error) {
	rows, err := s.db.Query(
		`SELECT id, pid, port, started_at, last_heartbeat, is_daemon FROM sessions ORDER BY started_at`,
	)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

// PromoteSessionDaemon flips a session's daemon flag. Called only after the
// lock file is won, so the sessions table never shows a daemon that does not
// hold the lock.
func (s *Store) PromoteSessionDaemon(id string) error {
	res, err := s.db.Exec(`UPDATE sessions SET is_daemon = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("promote session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// TouchSession refreshes a session's heartbeat.
func (s *Store) TouchSession(id string) error {
	_, err := s.db.Exec(`UPDATE sessions SET last_heartbeat = ? WHERE id = ?`, nowMillis(), id)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// DeregisterSession removes a session row and releases any workflow locks it
// held. A no-op if the session is already gone.
func (s *Store) DeregisterSession(id string) error {
	if err := s.ReleaseSessionLocks(id); err != nil {
		return err
	}
	if _, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var isDaemon int
	err := row.Scan(&sess.ID, &sess.PID, &sess.Port, &sess.StartedAt, &sess.LastHeartbeat, &isDaemon)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	sess.IsDaemon = isDaemon == 1
	return &sess, nil
}
