// Package runner drives a workflow's task DAG to completion: it repeatedly
// claims ready tasks, launches one external agent process per claim, tracks
// completion, failure, and retries, and raises workflow-level lifecycle
// events. One coordinating goroutine owns the loop; agent processes run as
// independent OS processes supervised (not executed) in-process. The store
// is the authority for task state — the in-memory process handles are pure
// bookkeeping for signaling and termination.
package runner

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/imkarma/foreman/internal/agent"
	"github.com/imkarma/foreman/internal/config"
	"github.com/imkarma/foreman/internal/graph"
	"github.com/imkarma/foreman/internal/store"
)

const defaultPollInterval = 2 * time.Second

// Options configures a Runner for one workflow.
type Options struct {
	WorkflowID     string
	MaxAgents      int
	Model          string
	PermissionMode string
	MaxTurns       int
	MaxBudgetUSD   float64
	MCPServerURL   string
	Cwd            string

	// MaxRetries is the per-task retry ceiling before the task is failed.
	MaxRetries int
	// SessionID, when set, takes the workflow execution lock for the run.
	SessionID string
	// PollInterval bounds how long externally-made changes (an answered
	// blocker, a released task) wait before the loop notices them.
	PollInterval time.Duration

	// CompletionHook is invoked once per workspace after the workflow
	// finishes with every task completed or skipped.
	CompletionHook func(workflowID, workspaceID string)
	// HasUnmergedChanges decides whether a workspace still holds work that
	// needs merging; when nil, any active workspace counts.
	HasUnmergedChanges func(ws store.Workspace) bool
}

// Runner executes one workflow.
type Runner struct {
	store    *store.Store
	graph    *graph.Service
	agentCfg config.Agent
	opts     Options
	prompts  *agent.PromptBuilder

	events chan Event
	exits  chan exitMsg

	mu       sync.Mutex
	inflight map[string]*flight // task id -> live process

	shutdown   sync.Once
	stopped    chan struct{}
	supervisor sync.WaitGroup
}

type flight struct {
	taskID  string
	agentID string
	proc    *agent.Process
}

type exitMsg struct {
	taskID  string
	agentID string
	outcome agent.Outcome
}

// New creates a Runner. Call Run to start the scheduling loop.
func New(s *store.Store, g *graph.Service, agentCfg config.Agent, opts Options) *Runner {
	if opts.MaxAgents < 1 {
		opts.MaxAgents = 1
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	return &Runner{
		store:    s,
		graph:    g,
		agentCfg: agentCfg,
		opts:     opts,
		prompts:  agent.NewPromptBuilder(s),
		events:   make(chan Event, 256),
		exits:    make(chan exitMsg, 16),
		inflight: make(map[string]*flight),
		stopped:  make(chan struct{}),
	}
}

// Events returns the runner's ordered lifecycle event stream. Events are
// dropped for consumers that fall more than the buffer behind.
func (r *Runner) Events() <-chan Event { return r.events }

// Status is a point-in-time snapshot of the run.
type Status struct {
	WorkflowID string         `json:"workflow_id"`
	InFlight   int            `json:"in_flight"`
	Tasks      map[string]int `json:"tasks"` // status -> count
}

// GetStatus reports in-flight agents and task counts by status.
func (r *Runner) GetStatus() (*Status, error) {
	tasks, err := r.store.ListTasks(r.opts.WorkflowID, "")
	if err != nil {
		return nil, err
	}
	st := &Status{WorkflowID: r.opts.WorkflowID, Tasks: make(map[string]int)}
	for _, t := range tasks {
		st.Tasks[string(t.Status)]++
	}
	r.mu.Lock()
	st.InFlight = len(r.inflight)
	r.mu.Unlock()
	return st, nil
}

// Run executes the scheduling loop until the workflow reaches a terminal
// state, stalls, or ctx is cancelled. Safe to call once.
func (r *Runner) Run(ctx context.Context) error {
	defer r.Shutdown()

	wf, err := r.store.GetWorkflow(r.opts.WorkflowID)
	if err != nil {
		return err
	}
	if r.opts.SessionID != "" {
		if err := r.store.LockWorkflow(wf.ID, r.opts.SessionID); err != nil {
			return err
		}
	}
	if wf.Status != store.WorkflowInProgress {
		if err := r.store.UpdateWorkflowStatus(wf.ID, store.WorkflowInProgress); err != nil {
			return err
		}
	}

	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	for {
		if err := r.schedule(ctx); err != nil {
			// Fatal spawn error: the workflow cannot make progress.
			r.store.UpdateWorkflowStatus(wf.ID, store.WorkflowFailed)
			r.emit(Event{Type: WorkflowFailed, WorkflowID: wf.ID, Reason: err.Error()})
			return err
		}

		done, err := r.checkProgress()
		if done {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case e := <-r.exits:
			r.handleExit(e)
		case <-ticker.C:
			// Re-poll: picks up answered blockers and external releases.
		}
	}
}

// schedule claims ready tasks and launches agents until the concurrency
// bound is met or the ready set is drained. Claim races lost to another
// scheduler are absorbed silently.
func (r *Runner) schedule(ctx context.Context) error {
	for {
		r.mu.Lock()
		slots := r.opts.MaxAgents - len(r.inflight)
		r.mu.Unlock()
		if slots <= 0 {
			return nil
		}

		ready, err := r.graph.ReadyTasks(r.opts.WorkflowID)
		if err != nil {
			return nil // transient read problem: retry next loop
		}
		launched := false
		for _, t := range ready {
			if slots <= 0 {
				break
			}
			worker, err := r.store.RegisterAgent("task-agent")
			if err != nil {
				continue
			}
			ok, err := r.graph.Claim(t.ID, worker.ID)
			if err != nil || !ok {
				// Lost the race or the task vanished; someone else has it.
				r.store.SetAgentState(worker.ID, store.AgentOffline, "")
				continue
			}
			if err := r.launch(ctx, t, worker.ID); err != nil {
				return err
			}
			slots--
			launched = true
		}
		if !launched {
			return nil
		}
	}
}

// launch spawns the agent process for a claimed task. A spawn failure is
// fatal (missing binary): the claim is undone and the error surfaced.
func (r *Runner) launch(ctx context.Context, t store.Task, agentID string) error {
	wf, err := r.store.GetWorkflow(t.WorkflowID)
	if err != nil {
		return err
	}
	prompt, err := r.prompts.TaskPrompt(wf, &t)
	if err != nil {
		return err
	}

	workDir := r.opts.Cwd
	if t.WorkspaceID != "" {
		if ws, err := r.store.GetWorkspace(t.WorkspaceID); err == nil {
			workDir = ws.Path
		}
	}

	proc, err := agent.Start(ctx, r.agentCfg, agent.Request{
		TaskID:         t.ID,
		Prompt:         prompt,
		WorkDir:        workDir,
		Model:          r.opts.Model,
		PermissionMode: r.opts.PermissionMode,
		MaxTurns:       r.opts.MaxTurns,
		MaxBudgetUSD:   r.opts.MaxBudgetUSD,
		MCPServerURL:   r.opts.MCPServerURL,
	})
	if err != nil {
		r.graph.Release(t.ID, agentID, "")
		r.store.SetAgentState(agentID, store.AgentOffline, "")
		return fmt.Errorf("spawn agent for task %s: %w", t.ID, err)
	}

	r.store.SetAgentState(agentID, store.AgentBusy, t.ID)

	fl := &flight{taskID: t.ID, agentID: agentID, proc: proc}
	r.mu.Lock()
	r.inflight[t.ID] = fl
	r.mu.Unlock()

	r.emit(Event{Type: AgentStarted, WorkflowID: t.WorkflowID, TaskID: t.ID, AgentID: agentID})
	r.supervisor.Add(1)
	go r.supervise(fl)
	return nil
}

// supervise consumes one process's event stream and reports its exit. Runs
// per flight; the scheduling loop stays single-threaded.
func (r *Runner) supervise(fl *flight) {
	defer r.supervisor.Done()
	for evt := range fl.proc.Events() {
		r.store.TouchAgent(fl.agentID)
		switch evt.Type {
		case agent.EventQuery:
			r.handleQuery(fl, evt)
		case agent.EventError:
			r.store.AppendCheckpoint(fl.taskID, store.CheckpointError, evt.Content)
		}
	}
	outcome := fl.proc.Wait()

	select {
	case r.exits <- exitMsg{taskID: fl.taskID, agentID: fl.agentID, outcome: outcome}:
	case <-r.stopped:
	}
}

// handleQuery surfaces a mid-run human-in-the-loop question. The process
// stays in-flight; the reply arrives later via Reply.
func (r *Runner) handleQuery(fl *flight, evt agent.Event) {
	r.store.CreateMessage(store.NewMessage{
		FromAgent: fl.agentID,
		TaskID:    fl.taskID,
		Subject:   "agent query",
		Body:      evt.Content,
		Priority:  1,
	})
	r.emit(Event{
		Type:       AgentQuery,
		WorkflowID: r.opts.WorkflowID,
		TaskID:     fl.taskID,
		AgentID:    fl.agentID,
		Reason:     evt.Content,
	})
}

// Reply answers an in-flight agent's pending query, recording the answer as
// a threaded inbox message and writing it to the process's stdin.
func (r *Runner) Reply(taskID, body string) error {
	r.mu.Lock()
	fl, ok := r.inflight[taskID]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("task %s has no in-flight agent: %w", taskID, store.ErrNotFound)
	}

	// Thread the answer under the original query when one exists.
	var threadID, replyTo string
	if msgs, err := r.store.ListMessages(""); err == nil {
		for _, m := range msgs {
			if m.TaskID == taskID && m.FromAgent == fl.agentID {
				threadID, replyTo = m.ThreadID, m.ID
				r.store.MarkMessageRead(m.ID)
			}
		}
	}
	r.store.CreateMessage(store.NewMessage{
		ToAgent:  fl.agentID,
		TaskID:   taskID,
		Subject:  "operator reply",
		Body:     body,
		ThreadID: threadID,
		ReplyTo:  replyTo,
	})
	return fl.proc.Reply(body)
}

// handleExit records a finished agent process: success completes the task,
// failure retries it until the ceiling and then fails it.
func (r *Runner) handleExit(e exitMsg) {
	r.mu.Lock()
	delete(r.inflight, e.taskID)
	r.mu.Unlock()
	r.store.SetAgentState(e.agentID, store.AgentOffline, "")

	if e.outcome.Success {
		r.graph.UpdateStatus(e.taskID, store.TaskCompleted, e.outcome.Output, "")
		r.emit(Event{Type: AgentCompleted, WorkflowID: r.opts.WorkflowID, TaskID: e.taskID, AgentID: e.agentID, Reason: e.outcome.Output})
		return
	}

	retries, err := r.store.IncrementTaskRetries(e.taskID)
	if err == nil && retries <= r.opts.MaxRetries {
		r.graph.Release(e.taskID, e.agentID, "")
		r.emit(Event{Type: AgentRetrying, WorkflowID: r.opts.WorkflowID, TaskID: e.taskID, AgentID: e.agentID, Reason: e.outcome.Output})
		return
	}
	r.graph.UpdateStatus(e.taskID, store.TaskFailed, "", e.outcome.Output)
	r.emit(Event{Type: AgentFailed, WorkflowID: r.opts.WorkflowID, TaskID: e.taskID, AgentID: e.agentID, Reason: e.outcome.Output})
}

// checkProgress decides whether the run is finished. Returns done=true when
// the workflow completed, failed, or stalled.
func (r *Runner) checkProgress() (bool, error) {
	r.mu.Lock()
	inflight := len(r.inflight)
	r.mu.Unlock()
	if inflight > 0 {
		return false, nil
	}

	ready, err := r.graph.ReadyTasks(r.opts.WorkflowID)
	if err != nil || len(ready) > 0 {
		return false, nil
	}

	tasks, err := r.store.ListTasks(r.opts.WorkflowID, "")
	if err != nil {
		return false, nil
	}

	allTerminal, clean := true, true
	for _, t := range tasks {
		if !t.Status.Terminal() {
			allTerminal = false
		}
		if t.Status != store.TaskCompleted && t.Status != store.TaskSkipped {
			clean = false
		}
	}

	switch {
	case allTerminal && clean:
		return true, r.finish()
	case allTerminal:
		// At least one task exhausted its retries.
		r.store.UpdateWorkflowStatus(r.opts.WorkflowID, store.WorkflowFailed)
		r.emit(Event{Type: WorkflowFailed, WorkflowID: r.opts.WorkflowID, Reason: failureReason(tasks)})
		return true, nil
	default:
		// Non-terminal tasks remain but nothing is ready or running: the
		// graph cannot make progress. Stop scheduling without failing.
		r.emit(Event{Type: WorkflowStalled, WorkflowID: r.opts.WorkflowID, Reason: stallReason(tasks)})
		return true, nil
	}
}

// finish transitions a clean workflow to awaiting_merge or completed and
// fires the post-completion hook once per workspace.
func (r *Runner) finish() error {
	workspaces, err := r.store.ListWorkspaces(r.opts.WorkflowID, "")
	if err != nil {
		return err
	}

	unmerged := r.opts.HasUnmergedChanges
	if unmerged == nil {
		unmerged = func(ws store.Workspace) bool { return ws.Status == store.WorkspaceActive }
	}

	status := store.WorkflowCompleted
	for _, ws := range workspaces {
		if unmerged(ws) {
			status = store.WorkflowAwaitingMerge
			break
		}
	}
	if err := r.store.UpdateWorkflowStatus(r.opts.WorkflowID, status); err != nil {
		return err
	}
	r.emit(Event{Type: WorkflowAllComplete, WorkflowID: r.opts.WorkflowID, Reason: string(status)})

	if r.opts.CompletionHook != nil {
		for _, ws := range workspaces {
			r.opts.CompletionHook(r.opts.WorkflowID, ws.ID)
		}
	}
	return nil
}

// Shutdown terminates in-flight agent processes and releases their claims so
// a future resume can re-claim the tasks. Idempotent.
func (r *Runner) Shutdown() {
	r.shutdown.Do(func() {
		close(r.stopped)

		r.mu.Lock()
		flights := make([]*flight, 0, len(r.inflight))
		for _, fl := range r.inflight {
			flights = append(flights, fl)
		}
		r.inflight = make(map[string]*flight)
		r.mu.Unlock()

		for _, fl := range flights {
			fl.proc.Kill()
			r.graph.Release(fl.taskID, fl.agentID, "")
			r.store.SetAgentState(fl.agentID, store.AgentOffline, "")
		}
		if r.opts.SessionID != "" {
			r.store.UnlockWorkflow(r.opts.WorkflowID, r.opts.SessionID)
		}
		// Supervisors may still be draining a killed process's buffered
		// events; the stream closes only after the last one returns.
		r.supervisor.Wait()
		close(r.events)
	})
}

// PrepareResume stale-checks a crashed run's claims: any task left
// in_progress or planning by a dead session is released back to pending so
// the resumed loop can re-claim it under the normal protocol. Returns the
// number of claims released.
func PrepareResume(s *store.Store, workflowID string) (int, error) {
	return s.ReleaseStaleClaims(workflowID)
}

// stallReason names the tasks whose dependencies can no longer be satisfied.
func stallReason(tasks []store.Task) string {
	var parts []string
	for _, t := range tasks {
		switch t.Status {
		case store.TaskBlocked:
			parts = append(parts, fmt.Sprintf("task %s (%s) is blocked", t.ID, t.Name))
		case store.TaskFailed:
			parts = append(parts, fmt.Sprintf("task %s (%s) failed: %s", t.ID, t.Name, t.Error))
		case store.TaskPaused:
			parts = append(parts, fmt.Sprintf("task %s (%s) is paused", t.ID, t.Name))
		}
	}
	if len(parts) == 0 {
		return "no task is ready and none are running"
	}
	return strings.Join(parts, "; ")
}

func failureReason(tasks []store.Task) string {
	for _, t := range tasks {
		if t.Status == store.TaskFailed {
			return fmt.Sprintf("task %s (%s) failed: %s", t.ID, t.Name, t.Error)
		}
	}
	return "workflow failed"
}

// emit delivers an event without ever blocking the scheduling loop. After
// shutdown events are discarded: the stream is closed once the supervisors
// have drained.
func (r *Runner) emit(evt Event) {
	select {
	case <-r.stopped:
		return
	default:
	}
	select {
	case r.events <- evt:
	default:
	}
}
