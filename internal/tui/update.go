package tui

import (
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/imkarma/foreman/internal/store"
)

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.popup != popupNone {
			return m.handlePopupKey(msg)
		}
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case workflowsLoadedMsg:
		if msg.err != nil {
			m.setStatus("Failed to load workflows: " + msg.err.Error())
			m.refreshing = false
			return m, nil
		}
		m.workflows = msg.workflows
		m.clampWfCursor()
		m.refreshing = false
		return m, nil

	case tasksLoadedMsg:
		if msg.err != nil {
			m.setStatus("Failed to load tasks: " + msg.err.Error())
			m.refreshing = false
			return m, nil
		}
		m.workflow = msg.workflow
		m.tasks = msg.tasks
		m.rebuildColumns()
		m.screen = screenTasks
		m.refreshing = false
		return m, nil

	case tickMsg:
		var cmds []tea.Cmd
		cmds = append(cmds, tickCmd())
		if m.statusMsg != "" && time.Since(m.statusTime) > 5*time.Second {
			m.statusMsg = ""
		}
		if !m.refreshing {
			m.refreshing = true
			if m.screen == screenTasks && m.workflow != nil {
				cmds = append(cmds, m.loadTasks(m.workflow.ID))
			} else {
				cmds = append(cmds, m.loadWorkflows())
			}
		}
		return m, tea.Batch(cmds...)
	}

	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		if m.screen == screenWorkflows {
			m.quitting = true
			return m, tea.Quit
		}
		return m.goBack()
	case "esc":
		return m.goBack()
	}

	if m.screen == screenWorkflows {
		return m.handleWorkflowsKey(msg)
	}
	return m.handleTasksKey(msg)
}

func (m Model) goBack() (tea.Model, tea.Cmd) {
	if m.screen == screenTasks {
		m.screen = screenWorkflows
		m.workflow = nil
		return m, m.loadWorkflows()
	}
	return m, nil
}

func (m Model) handleWorkflowsKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "j", "down":
		m.wfCursor++
		m.clampWfCursor()
	case "k", "up":
		m.wfCursor--
		m.clampWfCursor()
	case "enter", " ":
		if m.wfCursor < len(m.workflows) {
			return m, m.loadTasks(m.workflows[m.wfCursor].ID)
		}
	case "R":
		return m, m.loadWorkflows()
	}
	return m, nil
}

func (m Model) handleTasksKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "h", "left":
		m.cursorCol--
		m.cursorRow = 0
		m.clampCursor()
	case "l", "right":
		m.cursorCol++
		m.cursorRow = 0
		m.clampCursor()
	case "j", "down":
		m.cursorRow++
		m.clampCursor()
	case "k", "up":
		m.cursorRow--
		m.clampCursor()

	// Answer a blocked task's question.
	case "r":
		if t := m.selectedTask(); t != nil && t.Status == store.TaskBlocked {
			m.answerTaskID = t.ID
			m.answerQuery = m.pendingQuery(t.ID)
			m.popup = popupAnswer
			m.answerInput.Reset()
			m.answerInput.Focus()
			return m, textinput.Blink
		}
		m.setStatus("Selected task is not blocked")

	case "R":
		if m.workflow != nil {
			return m, m.loadTasks(m.workflow.ID)
		}
	}
	return m, nil
}

func (m Model) handlePopupKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		m.popup = popupNone
		return m, nil
	case "enter":
		answer := m.answerInput.Value()
		if answer == "" {
			m.setStatus("Answer cannot be empty")
			return m, nil
		}
		m.popup = popupNone
		return m, m.submitAnswer(answer)
	}

	var cmd tea.Cmd
	m.answerInput, cmd = m.answerInput.Update(msg)
	return m, cmd
}

// submitAnswer threads the operator's reply onto the query, marks the query
// read, and returns the task to pending so the runner re-claims it with the
// answer folded into its prompt.
func (m Model) submitAnswer(answer string) tea.Cmd {
	taskID := m.answerTaskID
	query := m.answerQuery
	workflowID := ""
	if m.workflow != nil {
		workflowID = m.workflow.ID
	}
	return func() tea.Msg {
		nm := store.NewMessage{
			TaskID:  taskID,
			Subject: "operator reply",
			Body:    answer,
		}
		if query != nil {
			nm.ToAgent = query.FromAgent
			nm.ThreadID = query.ThreadID
			nm.ReplyTo = query.ID
			m.store.MarkMessageRead(query.ID)
		}
		if _, err := m.store.CreateMessage(nm); err != nil {
			return tasksLoadedMsg{err: err}
		}
		m.store.SetTaskStatus(taskID, store.TaskPending, "", "")
		if workflowID == "" {
			return tickMsg(time.Now())
		}
		wf, err := m.store.GetWorkflow(workflowID)
		if err != nil {
			return tasksLoadedMsg{err: err}
		}
		tasks, err := m.store.ListTasks(workflowID, "")
		return tasksLoadedMsg{workflow: wf, tasks: tasks, err: err}
	}
}
