package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/imkarma/foreman/internal/store"
)

var (
	clrSubtle    = lipgloss.AdaptiveColor{Light: "#555555", Dark: "#666666"}
	clrHighlight = lipgloss.AdaptiveColor{Light: "#0F766E", Dark: "#2DD4BF"}
	clrGreen     = lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}
	clrYellow    = lipgloss.AdaptiveColor{Light: "#B45309", Dark: "#F59E0B"}
	clrRed       = lipgloss.AdaptiveColor{Light: "#B91C1C", Dark: "#F87171"}
	clrBlue      = lipgloss.AdaptiveColor{Light: "#1D4ED8", Dark: "#60A5FA"}
	clrCyan      = lipgloss.AdaptiveColor{Light: "#0E7490", Dark: "#22D3EE"}
	clrDim       = lipgloss.AdaptiveColor{Light: "#999999", Dark: "#555555"}
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(clrHighlight)
	dimStyle   = lipgloss.NewStyle().Foreground(clrDim)

	columnStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(clrSubtle).
			Padding(0, 1)

	columnSelectedStyle = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(clrHighlight).
				Padding(0, 1)

	popupStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(clrHighlight).
			Padding(1, 2).
			Width(60)

	statusStyle = lipgloss.NewStyle().Foreground(clrGreen).Bold(true)
	errorStyle  = lipgloss.NewStyle().Foreground(clrRed).Bold(true)

	footerKeyStyle  = lipgloss.NewStyle().Bold(true).Foreground(clrHighlight)
	footerDescStyle = lipgloss.NewStyle().Foreground(clrSubtle)
)

// View implements tea.Model.
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	var content string
	switch m.screen {
	case screenWorkflows:
		content = m.viewWorkflows()
	case screenTasks:
		content = m.viewTasks()
	}

	if m.popup == popupAnswer {
		content = m.overlayAnswerPopup(content)
	}
	return content
}

func (m Model) viewWorkflows() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("foreman"))
	b.WriteString(dimStyle.Render(fmt.Sprintf(" — %d workflows", len(m.workflows))))
	b.WriteString("\n\n")

	if len(m.workflows) == 0 {
		b.WriteString(dimStyle.Render("  No workflows yet. Create one with: foreman workflow new\n"))
		return b.String()
	}

	for i, wf := range m.workflows {
		cursor := "  "
		if i == m.wfCursor {
			cursor = lipgloss.NewStyle().Foreground(clrHighlight).Render("▸ ")
		}
		id := lipgloss.NewStyle().Foreground(clrCyan).Render(wf.ID)
		status := statusBadge(string(wf.Status))
		b.WriteString(fmt.Sprintf("%s%s  %-32s %s\n", cursor, id, truncate(wf.Name, 32), status))
	}

	b.WriteString("\n")
	if m.statusMsg != "" {
		b.WriteString(m.renderStatusLine() + "\n")
	}
	b.WriteString(renderFooter([]struct{ key, desc string }{
		{"↑↓", "navigate"},
		{"enter", "open"},
		{"R", "refresh"},
		{"q", "quit"},
	}))
	return b.String()
}

func (m Model) viewTasks() string {
	var b strings.Builder

	name := ""
	if m.workflow != nil {
		name = m.workflow.Name
		b.WriteString(titleStyle.Render(name))
		b.WriteString(dimStyle.Render(fmt.Sprintf("  %s (%s)", m.workflow.ID, m.workflow.Status)))
	}
	b.WriteString("\n\n")

	colWidth := 24
	if m.width > 0 {
		colWidth = (m.width - numColumns*3) / numColumns
		if colWidth < 18 {
			colWidth = 18
		}
	}

	var cols []string
	for i := 0; i < numColumns; i++ {
		cols = append(cols, m.renderColumn(i, colWidth))
	}
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, cols...))
	b.WriteString("\n")

	if m.statusMsg != "" {
		b.WriteString(m.renderStatusLine() + "\n")
	}
	b.WriteString(renderFooter([]struct{ key, desc string }{
		{"←→↑↓", "navigate"},
		{"r", "answer blocker"},
		{"R", "refresh"},
		{"esc", "back"},
	}))
	return b.String()
}

func (m Model) renderColumn(idx, width int) string {
	var b strings.Builder

	label := columnLabels[idx]
	b.WriteString(lipgloss.NewStyle().Bold(true).Render(label))
	b.WriteString(dimStyle.Render(fmt.Sprintf(" %d", len(m.columns[idx]))))
	b.WriteString("\n")

	for row, t := range m.columns[idx] {
		selected := idx == m.cursorCol && row == m.cursorRow
		b.WriteString(m.renderTaskLine(t, selected, width))
		b.WriteString("\n")
	}
	if len(m.columns[idx]) == 0 {
		b.WriteString(dimStyle.Render("—") + "\n")
	}

	style := columnStyle.Width(width)
	if idx == m.cursorCol {
		style = columnSelectedStyle.Width(width)
	}
	return style.Render(b.String())
}

func (m Model) renderTaskLine(t store.Task, selected bool, width int) string {
	var dot string
	switch t.Status {
	case store.TaskCompleted:
		dot = lipgloss.NewStyle().Foreground(clrGreen).Render("●")
	case store.TaskSkipped:
		dot = dimStyle.Render("—")
	case store.TaskInProgress:
		dot = lipgloss.NewStyle().Foreground(clrBlue).Render("◉")
	case store.TaskBlocked:
		dot = lipgloss.NewStyle().Foreground(clrRed).Render("●")
	case store.TaskFailed:
		dot = lipgloss.NewStyle().Foreground(clrRed).Render("✗")
	case store.TaskPaused:
		dot = lipgloss.NewStyle().Foreground(clrYellow).Render("◌")
	default:
		dot = dimStyle.Render("○")
	}

	cursor := " "
	if selected {
		cursor = lipgloss.NewStyle().Foreground(clrHighlight).Render("▸")
	}
	name := truncate(t.Name, width-8)
	line := fmt.Sprintf("%s %s %s", cursor, dot, name)

	if t.Status == store.TaskInProgress && t.AssignedAgentID != "" {
		line += "\n   " + dimStyle.Render(truncate(t.AssignedAgentID, width-6))
	}
	if t.Status == store.TaskFailed && t.Error != "" {
		line += "\n   " + lipgloss.NewStyle().Foreground(clrRed).Render(truncate(t.Error, width-6))
	}
	return line
}

func (m Model) overlayAnswerPopup(bg string) string {
	var b strings.Builder

	b.WriteString(lipgloss.NewStyle().Bold(true).Foreground(clrYellow).Render("Answer Blocker"))
	b.WriteString("\n\n")
	if m.answerQuery != nil {
		q := lipgloss.NewStyle().Foreground(clrRed).Render(truncate(m.answerQuery.Body, 200))
		b.WriteString(fmt.Sprintf("%s asks:\n%s\n\n", m.answerTaskID, q))
	} else {
		b.WriteString(fmt.Sprintf("%s is blocked.\n\n", m.answerTaskID))
	}
	b.WriteString("Your answer:\n")
	b.WriteString(m.answerInput.View() + "\n\n")
	b.WriteString(footerDescStyle.Render("enter submit • esc cancel"))

	popup := popupStyle.Render(b.String())
	if m.width > 0 && m.height > 0 {
		return lipgloss.Place(m.width, m.height,
			lipgloss.Center, lipgloss.Center,
			popup,
			lipgloss.WithWhitespaceChars(" "),
		)
	}
	return popup
}

func (m Model) renderStatusLine() string {
	lower := strings.ToLower(m.statusMsg)
	if strings.HasPrefix(lower, "failed") || strings.HasPrefix(lower, "error") {
		return errorStyle.Render("  " + m.statusMsg)
	}
	return statusStyle.Render("  " + m.statusMsg)
}

func statusBadge(status string) string {
	switch status {
	case "completed":
		return lipgloss.NewStyle().Foreground(clrGreen).Render(status)
	case "failed", "abandoned":
		return lipgloss.NewStyle().Foreground(clrRed).Render(status)
	case "in_progress", "awaiting_merge":
		return lipgloss.NewStyle().Foreground(clrBlue).Render(status)
	default:
		return dimStyle.Render(status)
	}
}

func renderFooter(keys []struct{ key, desc string }) string {
	var parts []string
	for _, k := range keys {
		parts = append(parts, footerKeyStyle.Render(k.key)+" "+footerDescStyle.Render(k.desc))
	}
	return "  " + strings.Join(parts, "  ")
}

func truncate(s string, max int) string {
	if max < 1 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	if max <= 1 {
		return s[:max]
	}
	return s[:max-1] + "…"
}
