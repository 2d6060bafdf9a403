package runner

// EventType enumerates the runner's lifecycle notifications.
type EventType string

const (
	AgentStarted        EventType = "agent_started"
	AgentCompleted      EventType = "agent_completed"
	AgentFailed         EventType = "agent_failed"
	AgentRetrying       EventType = "agent_retrying"
	AgentQuery          EventType = "agent_query"
	WorkflowStalled     EventType = "workflow_stalled"
	WorkflowFailed      EventType = "workflow_failed"
	WorkflowAllComplete EventType = "workflow_all_complete"
)

// Event is one lifecycle notification from a Runner. Events for a single
// runner are delivered in order on its Events channel.
type Event struct {
	Type       EventType `json:"type"`
	WorkflowID string    `json:"workflow_id"`
	TaskID     string    `json:"task_id,omitempty"`
	AgentID    string    `json:"agent_id,omitempty"`
	// Reason carries the stall reason, failure detail, query text, or
	// completion outcome, depending on Type.
	Reason string `json:"reason,omitempty"`
}
