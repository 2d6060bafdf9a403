// Package tui is the terminal board: a read-mostly view over workflows and
// their task DAGs, with one mutating affordance — answering an agent's
// blocked question. Everything else happens through the CLI or the API.
package tui

import (
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/imkarma/foreman/internal/store"
)

// screen is which view the board is showing.
type screen int

const (
	screenWorkflows screen = iota // workflow list (main)
	screenTasks                   // one workflow's task columns
)

// popup is the active modal, if any.
type popup int

const (
	popupNone popup = iota
	popupAnswer
)

// Task columns, in board order.
const (
	colPending    = 0
	colInProgress = 1
	colBlocked    = 2
	colDone       = 3
	colFailed     = 4
	numColumns    = 5
)

var columnLabels = [numColumns]string{"PENDING", "IN PROGRESS", "BLOCKED", "DONE", "FAILED"}

// columnFor maps a task status onto its board column.
func columnFor(status store.TaskStatus) int {
	switch status {
	case store.TaskPending, store.TaskPlanning, store.TaskPaused:
		return colPending
	case store.TaskInProgress:
		return colInProgress
	case store.TaskBlocked:
		return colBlocked
	case store.TaskCompleted, store.TaskSkipped:
		return colDone
	default:
		return colFailed
	}
}

// Model is the top-level bubbletea model.
type Model struct {
	store  *store.Store
	width  int
	height int

	screen screen
	popup  popup

	// Workflow list state.
	workflows []store.Workflow
	wfCursor  int

	// Task board state for the opened workflow.
	workflow  *store.Workflow
	tasks     []store.Task
	columns   [numColumns][]store.Task
	cursorCol int
	cursorRow int

	// Pending query being answered.
	answerTaskID string
	answerQuery  *store.Message
	answerInput  textinput.Model

	statusMsg  string
	statusTime time.Time
	refreshing bool
	quitting   bool
}

// New creates the board model.
func New(s *store.Store) Model {
	ai := textinput.New()
	ai.Placeholder = "Your answer..."
	ai.CharLimit = 500
	ai.Width = 50

	return Model{
		store:       s,
		screen:      screenWorkflows,
		answerInput: ai,
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.loadWorkflows(), tickCmd())
}

type workflowsLoadedMsg struct {
	workflows []store.Workflow
	err       error
}

type tasksLoadedMsg struct {
	workflow *store.Workflow
	tasks    []store.Task
	err      error
}

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) loadWorkflows() tea.Cmd {
	return func() tea.Msg {
		wfs, err := m.store.ListWorkflows("")
		return workflowsLoadedMsg{workflows: wfs, err: err}
	}
}

func (m Model) loadTasks(workflowID string) tea.Cmd {
	return func() tea.Msg {
		wf, err := m.store.GetWorkflow(workflowID)
		if err != nil {
			return tasksLoadedMsg{err: err}
		}
		tasks, err := m.store.ListTasks(workflowID, "")
		return tasksLoadedMsg{workflow: wf, tasks: tasks, err: err}
	}
}

func (m *Model) rebuildColumns() {
	for i := range m.columns {
		m.columns[i] = nil
	}
	for _, t := range m.tasks {
		col := columnFor(t.Status)
		m.columns[col] = append(m.columns[col], t)
	}
	m.clampCursor()
}

func (m *Model) clampCursor() {
	if m.cursorCol < 0 {
		m.cursorCol = 0
	}
	if m.cursorCol >= numColumns {
		m.cursorCol = numColumns - 1
	}
	col := m.columns[m.cursorCol]
	if m.cursorRow >= len(col) {
		m.cursorRow = len(col) - 1
	}
	if m.cursorRow < 0 {
		m.cursorRow = 0
	}
}

func (m *Model) clampWfCursor() {
	if m.wfCursor < 0 {
		m.wfCursor = 0
	}
	if m.wfCursor >= len(m.workflows) {
		m.wfCursor = len(m.workflows) - 1
	}
	if m.wfCursor < 0 {
		m.wfCursor = 0
	}
}

func (m *Model) selectedTask() *store.Task {
	col := m.columns[m.cursorCol]
	if m.cursorRow < len(col) {
		t := col[m.cursorRow]
		return &t
	}
	return nil
}

func (m *Model) setStatus(msg string) {
	m.statusMsg = msg
	m.statusTime = time.Now()
}

// pendingQuery finds the oldest unread agent question for a task.
func (m *Model) pendingQuery(taskID string) *store.Message {
	msgs, err := m.store.ListMessages("")
	if err != nil {
		return nil
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].TaskID == taskID && msgs[i].FromAgent != "" {
			return &msgs[i]
		}
	}
	return nil
}
