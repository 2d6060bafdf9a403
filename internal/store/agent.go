package store

import (
	"database/sql"
	"fmt"

	"github.com/imkarma/foreman/internal/idgen"
)

// RegisterAgent creates a worker identity row and returns it.
func (s *Store) RegisterAgent(name string) (*Agent, error) {
	now := nowMillis()
	a := &Agent{
		ID:            idgen.New(idgen.PrefixAgent),
		Name:          name,
		Status:        AgentOnline,
		LastHeartbeat: now,
		CreatedAt:     now,
	}
	_, err := s.db.Exec(
		`INSERT INTO agents (id, name, status, last_heartbeat, created_at) VALUES (?, ?, ?, ?, ?)`,
		a.ID, a.Name, string(a.Status), now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert agent: %w", err)
	}
	return a, nil
}

// GetAgent returns an agent by id.
func (s *Store) GetAgent(id string) (*Agent, error) {
	var a Agent
	var taskID sql.NullString
	err := s.db.QueryRow(
		`SELECT id, name, status, current_task_id, last_heartbeat, created_at FROM agents WHERE id = ?`, id,
	).Scan(&a.ID, &a.Name, &a.Status, &taskID, &a.LastHeartbeat, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan agent: %w", err)
	}
	a.CurrentTaskID = taskID.String
	return &a, nil
}

// SetAgentState updates an agent's status and current task. An empty taskID
// clears the assignment.
func (s *Store) SetAgentState(id string, status AgentStatus, taskID string) error {
	res, err := s.db.Exec(
		`UPDATE agents SET status = ?, current_task_id = ?, last_heartbeat = ? WHERE id = ?`,
		string(status), nullStr(taskID), nowMillis(), id,
	)
	if err != nil {
		return fmt.Errorf("set agent state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	return nil
}

// TouchAgent refreshes an agent's heartbeat. Called for every structured
// event its process emits.
func (s *Store) TouchAgent(id string) error {
	_, err := s.db.Exec(`UPDATE agents SET last_heartbeat = ? WHERE id = ?`, nowMillis(), id)
	if err != nil {
		return fmt.Errorf("touch agent: %w", err)
	}
	return nil
}

// NewMessage describes an inbox entry to create.
type NewMessage struct {
	FromAgent string
	ToAgent   string
	TaskID    string
	Subject   string
	Body      string
	Priority  int
	ThreadID  string
	ReplyTo   string
}

// CreateMessage appends an inbox message and returns it. A message without a
// thread starts one: its own id becomes the thread id.
func (s *Store) CreateMessage(nm NewMessage) (*Message, error) {
	now := nowMillis()
	m := &Message{
		ID:        idgen.New(idgen.PrefixMessage),
		FromAgent: nm.FromAgent,
		ToAgent:   nm.ToAgent,
		TaskID:    nm.TaskID,
		Subject:   nm.Subject,
		Body:      nm.Body,
		Status:    MessageUnread,
		Priority:  nm.Priority,
		ThreadID:  nm.ThreadID,
		ReplyTo:   nm.ReplyTo,
		CreatedAt: now,
	}
	if m.ThreadID == "" {
		m.ThreadID = m.ID
	}
	_, err := s.db.Exec(
		`INSERT INTO messages (id, from_agent_id, to_agent_id, task_id, subject, body, status, priority, thread_id, reply_to_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.FromAgent, m.ToAgent, nullStr(m.TaskID), m.Subject, m.Body,
		string(m.Status), m.Priority, m.ThreadID, nullStr(m.ReplyTo), now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return m, nil
}

// ListMessages returns messages in a thread, oldest first. With an empty
// threadID it returns all unread messages by descending priority.
func (s *Store) ListMessages(threadID string) ([]Message, error) {
	var rows *sql.Rows
	var err error
	if threadID != "" {
		rows, err = s.db.Query(
			`SELECT id, from_agent_id, to_agent_id, task_id, subject, body, status, priority, thread_id, reply_to_id, created_at
			 FROM messages WHERE thread_id = ? ORDER BY created_at`, threadID)
	} else {
		rows, err = s.db.Query(
			`SELECT id, from_agent_id, to_agent_id, task_id, subject, body, status, priority, thread_id, reply_to_id, created_at
			 FROM messages WHERE status = ? ORDER BY priority DESC, created_at`, string(MessageUnread))
	}
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var taskID, replyTo sql.NullString
		if err := rows.Scan(&m.ID, &m.FromAgent, &m.ToAgent, &taskID, &m.Subject, &m.Body,
			&m.Status, &m.Priority, &m.ThreadID, &replyTo, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.TaskID = taskID.String
		m.ReplyTo = replyTo.String
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkMessageRead flips a message to read.
func (s *Store) MarkMessageRead(id string) error {
	res, err := s.db.Exec(
		`UPDATE messages SET status = ? WHERE id = ?`, string(MessageRead), id,
	)
	if err != nil {
		return fmt.Errorf("mark message read: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	return nil
}
