package agent

import (
	"fmt"
	"strings"

	"github.com/imkarma/foreman/internal/store"
)

// PromptBuilder constructs the task-scoped prompt an agent process receives.
// The prompt is the agent's whole briefing: the task id it must report
// against, the plan, and the checkpoint history a resumed task replays to
// reconstruct where its predecessor left off.
type PromptBuilder struct {
	store *store.Store
}

// NewPromptBuilder creates a prompt builder over the store.
func NewPromptBuilder(s *store.Store) *PromptBuilder {
	return &PromptBuilder{store: s}
}

// TaskPrompt builds the full prompt for an agent working on a task.
func (b *PromptBuilder) TaskPrompt(wf *store.Workflow, task *store.Task) (string, error) {
	var parts []string

	parts = append(parts, "# You are a Software Developer\n"+
		"You are working one task inside a larger delegated workflow. "+
		"Complete the task below, commit your work, and report the outcome.")

	parts = append(parts, b.taskSection(wf, task))

	cps, err := b.store.ListCheckpoints(task.ID)
	if err != nil {
		return "", fmt.Errorf("load checkpoints: %w", err)
	}
	if section := checkpointSection(cps); section != "" {
		parts = append(parts, section)
	}

	if replies := b.replySection(task.ID); replies != "" {
		parts = append(parts, replies)
	}

	parts = append(parts, responseContract(task.ID))
	return strings.Join(parts, "\n\n"), nil
}

// ReviewPrompt builds the prompt for a PR review agent.
func (b *PromptBuilder) ReviewPrompt(ws *store.Workspace, prURL string) string {
	var sb strings.Builder
	sb.WriteString("# You are a Code Reviewer\n")
	sb.WriteString("Review the pull request below. Focus on bugs, security issues, and logic errors. Ignore style nitpicks.\n\n")
	sb.WriteString(fmt.Sprintf("## Pull Request\n%s\n", prURL))
	sb.WriteString(fmt.Sprintf("Branch: %s (base: %s)\n\n", ws.Branch, ws.BaseBranch))
	sb.WriteString(`## Response Format
Emit your result as the final JSON line:
{"type":"result","subtype":"success","outcome":"approve"} to approve, or
{"type":"result","subtype":"success","outcome":"reject: <reasons>"} to request changes.`)
	return sb.String()
}

// RebasePrompt builds the prompt for a conflict-reconciliation agent.
func (b *PromptBuilder) RebasePrompt(ws *store.Workspace) string {
	var sb strings.Builder
	sb.WriteString("# You are a Software Developer\n")
	sb.WriteString(fmt.Sprintf(
		"The branch %s conflicts with its base branch %s. Rebase the branch onto the base, "+
			"resolve every conflict preserving the branch's intent, and leave the worktree clean.\n\n",
		ws.Branch, ws.BaseBranch))
	sb.WriteString(`## Response Format
Emit {"type":"result","subtype":"success"} once the rebase is complete, or
{"type":"result","subtype":"error","error":"<why>"} if the conflicts cannot be resolved.`)
	return sb.String()
}

func (b *PromptBuilder) taskSection(wf *store.Workflow, task *store.Task) string {
	var sb strings.Builder
	sb.WriteString("## Task\n")
	sb.WriteString(fmt.Sprintf("**%s: %s**\n", task.ID, task.Name))
	sb.WriteString(fmt.Sprintf("Workflow: %s — %s\n", wf.ID, wf.Name))

	if task.Plan != "" {
		sb.WriteString(fmt.Sprintf("\n### Plan\n%s\n", task.Plan))
	}
	if wf.SourceContent != "" {
		sb.WriteString(fmt.Sprintf("\n### Workflow Context\n%s\n", truncate(wf.SourceContent, 4000)))
	}
	return sb.String()
}

// checkpointSection renders prior checkpoints so a resumed task picks up
// where the previous attempt stopped.
func checkpointSection(cps []store.Checkpoint) string {
	if len(cps) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("## Prior Progress\n")
	sb.WriteString("This task was worked on before. Checkpoints so far, in order:\n\n")
	for _, cp := range cps {
		sb.WriteString(fmt.Sprintf("%d. [%s] %s\n", cp.Sequence, cp.Type, truncate(cp.Content, 500)))
	}
	return sb.String()
}

// replySection folds operator answers to earlier queries into the briefing.
func (b *PromptBuilder) replySection(taskID string) string {
	msgs, err := b.store.ListMessages("")
	if err != nil {
		return ""
	}
	var relevant []store.Message
	for _, m := range msgs {
		if m.TaskID == taskID && m.ReplyTo != "" {
			relevant = append(relevant, m)
		}
	}
	if len(relevant) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("## Operator Answers\n")
	for _, m := range relevant {
		sb.WriteString(fmt.Sprintf("- %s\n", truncate(m.Body, 500)))
	}
	return sb.String()
}

func responseContract(taskID string) string {
	return fmt.Sprintf(`## Response Protocol
Report progress as newline-delimited JSON on stdout:
- {"type":"progress","content":"..."} for status updates
- {"type":"decision","content":"..."} when you make a significant choice
- {"type":"query","content":"..."} to ask the operator a question, then wait
  for a {"type":"reply"} line on stdin before continuing
- finally exactly one {"type":"result","subtype":"success","outcome":"..."}
  or {"type":"result","subtype":"error","error":"..."}

Your task id is %s. Use the provided MCP endpoint to read your task and
append checkpoints as you go.`, taskID)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n... (truncated)"
}
