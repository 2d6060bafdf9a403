package store

import "fmt"

// Stats is an aggregate snapshot across the whole store.
type Stats struct {
	Workflows map[string]int `json:"workflows"` // status -> count
	Tasks     map[string]int `json:"tasks"`     // status -> count
	Agents    map[string]int `json:"agents"`    // status -> count
	Sessions  int            `json:"sessions"`
	Unread    int            `json:"unread_messages"`
}

// Summary computes store-wide counts grouped by status.
func (s *Store) Summary() (*Stats, error) {
	st := &Stats{
		Workflows: make(map[string]int),
		Tasks:     make(map[string]int),
		Agents:    make(map[string]int),
	}

	for _, q := range []struct {
		table string
		dest  map[string]int
	}{
		{"workflows", st.Workflows},
		{"tasks", st.Tasks},
		{"agents", st.Agents},
	} {
		rows, err := s.db.Query(`SELECT status, COUNT(*) FROM ` + q.table + ` GROUP BY status`)
		if err != nil {
			return nil, fmt.Errorf("count %s: %w", q.table, err)
		}
		for rows.Next() {
			var status string
			var n int
			if err := rows.Scan(&status, &n); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan %s count: %w", q.table, err)
			}
			q.dest[status] = n
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}

	if err := s.db.QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&st.Sessions); err != nil {
		return nil, fmt.Errorf("count sessions: %w", err)
	}
	if err := s.db.QueryRow(
		`SELECT COUNT(*) FROM messages WHERE status = ?`, string(MessageUnread),
	).Scan(&st.Unread); err != nil {
		return nil, fmt.Errorf("count unread messages: %w", err)
	}
	return st, nil
}
