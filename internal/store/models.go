package store

// WorkflowStatus is the lifecycle state of a workflow.
type WorkflowStatus string

const (
	WorkflowPlanning      WorkflowStatus = "planning"
	WorkflowReady         WorkflowStatus = "ready"
	WorkflowInProgress    WorkflowStatus = "in_progress"
	WorkflowAwaitingMerge WorkflowStatus = "awaiting_merge"
	WorkflowCompleted     WorkflowStatus = "completed"
	WorkflowFailed        WorkflowStatus = "failed"
	WorkflowPaused        WorkflowStatus = "paused"
	WorkflowAbandoned     WorkflowStatus = "abandoned"
)

// TaskStatus is the state of a single task within a workflow.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskPlanning   TaskStatus = "planning"
	TaskInProgress TaskStatus = "in_progress"
	TaskBlocked    TaskStatus = "blocked"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskSkipped    TaskStatus = "skipped"
	TaskPaused     TaskStatus = "paused"
)

// Terminal reports whether no further work will happen on a task in this
// status. Terminal statuses keep assigned_agent_id for audit.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskSkipped
}

// WorkspaceStatus is the state of a git worktree workspace.
type WorkspaceStatus string

const (
	WorkspaceActive    WorkspaceStatus = "active"
	WorkspaceMerged    WorkspaceStatus = "merged"
	WorkspaceAbandoned WorkspaceStatus = "abandoned"
)

// AgentStatus is the state of a registered worker.
type AgentStatus string

const (
	AgentOnline  AgentStatus = "online"
	AgentBusy    AgentStatus = "busy"
	AgentOffline AgentStatus = "offline"
)

// CheckpointType classifies a checkpoint entry.
type CheckpointType string

const (
	CheckpointProgress CheckpointType = "progress"
	CheckpointDecision CheckpointType = "decision"
	CheckpointError    CheckpointType = "error"
)

// MessageStatus is the read state of an inbox message.
type MessageStatus string

const (
	MessageUnread MessageStatus = "unread"
	MessageRead   MessageStatus = "read"
)

// Workflow is a unit of delegated work with its own task DAG.
// Timestamps are integer milliseconds since epoch throughout.
type Workflow struct {
	ID                string         `json:"id"`
	Name              string         `json:"name"`
	SourceType        string         `json:"source_type"` // prompt, github_issue
	SourceContent     string         `json:"source_content"`
	Status            WorkflowStatus `json:"status"`
	InitialPlan       string         `json:"initial_plan,omitempty"`
	Config            map[string]any `json:"config,omitempty"`
	MaxParallelTasks  int            `json:"max_parallel_tasks"`
	LockedBySessionID string         `json:"locked_by_session_id,omitempty"`
	LockedAt          int64          `json:"locked_at,omitempty"`
	CreatedAt         int64          `json:"created_at"`
	UpdatedAt         int64          `json:"updated_at"`
}

// Task is a schedulable unit of work inside a workflow.
type Task struct {
	ID              string     `json:"id"`
	WorkflowID      string     `json:"workflow_id"`
	Name            string     `json:"name"`
	Status          TaskStatus `json:"status"`
	Sequence        int        `json:"sequence"`
	ParallelGroup   string     `json:"parallel_group,omitempty"`
	Plan            string     `json:"plan,omitempty"`
	Outcome         string     `json:"outcome,omitempty"`
	Error           string     `json:"error,omitempty"`
	Retries         int        `json:"retries"`
	WorkspaceID     string     `json:"workspace_id,omitempty"`
	AssignedAgentID string     `json:"assigned_agent_id,omitempty"`
	ClaimedAt       int64      `json:"claimed_at,omitempty"`
	CreatedAt       int64      `json:"created_at"`
	UpdatedAt       int64      `json:"updated_at"`
}

// Dependency is an edge in a workflow's task DAG: Task waits for DependsOn.
type Dependency struct {
	TaskID    string `json:"task_id"`
	DependsOn string `json:"depends_on_id"`
	Type      string `json:"dependency_type"`
}

// Checkpoint is an immutable progress record appended by an agent while
// working a task. Ordered by (TaskID, Sequence); never updated or deleted.
type Checkpoint struct {
	ID        string         `json:"id"`
	TaskID    string         `json:"task_id"`
	Sequence  int            `json:"sequence"`
	Type      CheckpointType `json:"checkpoint_type"`
	Content   string         `json:"content"`
	CreatedAt int64          `json:"created_at"`
}

// Workspace is an isolated git worktree a workflow's agents operate in.
type Workspace struct {
	ID          string          `json:"id"`
	WorkflowID  string          `json:"workflow_id"`
	Path        string          `json:"path"`
	Branch      string          `json:"branch"`
	BaseBranch  string          `json:"base_branch"`
	Status      WorkspaceStatus `json:"status"`
	MergeCommit string          `json:"merge_commit,omitempty"`
	PRURL       string          `json:"pr_url,omitempty"`
	PRCycleMode string          `json:"pr_cycle_mode,omitempty"`
	CreatedAt   int64           `json:"created_at"`
	UpdatedAt   int64           `json:"updated_at"`
}

// Agent is a registered worker identity. Distinct from Session: the agent is
// the logical worker role, the session is the host process.
type Agent struct {
	ID            string      `json:"id"`
	Name          string      `json:"name,omitempty"`
	Status        AgentStatus `json:"status"`
	CurrentTaskID string      `json:"current_task_id,omitempty"`
	LastHeartbeat int64       `json:"last_heartbeat"`
	CreatedAt     int64       `json:"created_at"`
}

// Message is an inbox entry between agents and the operator. ThreadID and
// ReplyTo link threaded question/answer exchanges.
type Message struct {
	ID        string        `json:"id"`
	FromAgent string        `json:"from_agent_id,omitempty"`
	ToAgent   string        `json:"to_agent_id,omitempty"`
	TaskID    string        `json:"task_id,omitempty"`
	Subject   string        `json:"subject,omitempty"`
	Body      string        `json:"body"`
	Status    MessageStatus `json:"status"`
	Priority  int           `json:"priority"`
	ThreadID  string        `json:"thread_id,omitempty"`
	ReplyTo   string        `json:"reply_to_id,omitempty"`
	CreatedAt int64         `json:"created_at"`
}

// Session is one running host process attached to the store.
type Session struct {
	ID            string `json:"id"`
	PID           int    `json:"pid"`
	Port          int    `json:"port"`
	StartedAt     int64  `json:"started_at"`
	LastHeartbeat int64  `json:"last_heartbeat"`
	IsDaemon      bool   `json:"is_daemon"`
}
