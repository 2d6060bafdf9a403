// Package graph is the task graph service: state-machine operations over a
// workflow's tasks and dependency edges, the ready-set computation, and the
// optimistic claim/release protocol the runner and the API share.
package graph

import (
	"fmt"
	"strings"

	"github.com/imkarma/foreman/internal/bus"
	"github.com/imkarma/foreman/internal/store"
)

// Service wraps the store with transition validation and change broadcast.
type Service struct {
	store *store.Store
	bus   *bus.Bus
}

// New creates a graph service. The bus may be nil for callers that do not
// broadcast (tests, one-shot CLI commands).
func New(s *store.Store, b *bus.Bus) *Service {
	return &Service{store: s, bus: b}
}

// transitions is the allowed task state machine. Terminal statuses have no
// outgoing edges; skipped is reachable from any non-terminal status as an
// operator override.
var transitions = map[store.TaskStatus][]store.TaskStatus{
	store.TaskPending:    {store.TaskPlanning, store.TaskInProgress, store.TaskBlocked, store.TaskSkipped, store.TaskPaused},
	store.TaskPlanning:   {store.TaskInProgress, store.TaskPending, store.TaskFailed, store.TaskSkipped, store.TaskPaused},
	store.TaskInProgress: {store.TaskCompleted, store.TaskFailed, store.TaskBlocked, store.TaskPending, store.TaskSkipped, store.TaskPaused},
	store.TaskBlocked:    {store.TaskPending, store.TaskSkipped},
	store.TaskPaused:     {store.TaskPending, store.TaskSkipped},
}

func canTransition(from, to store.TaskStatus) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// ReadyTasks returns a workflow's pending tasks whose every dependency is
// completed or skipped, ordered by sequence.
func (g *Service) ReadyTasks(workflowID string) ([]store.Task, error) {
	return g.store.ReadyTasks(workflowID)
}

// Claim attempts to assign a pending task to an agent. Returns false, not an
// error, when the claim loses a race — callers poll the ready set and race
// harmlessly. ErrNotFound when the task does not exist.
func (g *Service) Claim(taskID, agentID string) (bool, error) {
	ok, err := g.store.ClaimTask(taskID, agentID)
	if err != nil || !ok {
		return ok, err
	}
	g.broadcast(taskID)
	return true, nil
}

// Release clears a task's assignment and returns it to the pool. A reason
// indicating a dependency regression sends the task to blocked instead of
// pending; any other reason (or none) means pending. ErrConflict if agentID
// does not hold the task.
func (g *Service) Release(taskID, agentID, reason string) error {
	to := store.TaskPending
	if reason != "" && isRegressionReason(reason) {
		to = store.TaskBlocked
	}
	if err := g.store.ReleaseTask(taskID, agentID, to); err != nil {
		return err
	}
	g.broadcast(taskID)
	return nil
}

// UpdateStatus applies a validated status transition. Outcome is recorded for
// completed, errMsg for failed. Terminal statuses keep assigned_agent_id for
// audit.
func (g *Service) UpdateStatus(taskID string, status store.TaskStatus, outcome, errMsg string) error {
	t, err := g.store.GetTask(taskID)
	if err != nil {
		return err
	}
	if t.Status == status {
		return nil
	}
	if !canTransition(t.Status, status) {
		return fmt.Errorf("task %s: %s -> %s not allowed: %w", taskID, t.Status, status, store.ErrConflict)
	}
	if err := g.store.SetTaskStatus(taskID, status, outcome, errMsg); err != nil {
		return err
	}
	g.broadcast(taskID)
	return nil
}

// Skip is the operator override: any non-terminal task can be skipped, which
// counts as satisfied for its dependents.
func (g *Service) Skip(taskID string) error {
	return g.UpdateStatus(taskID, store.TaskSkipped, "", "")
}

// Pause suspends a task; Resume returns it to pending.
func (g *Service) Pause(taskID string) error {
	return g.UpdateStatus(taskID, store.TaskPaused, "", "")
}

// Resume re-enters a paused task into the pending pool.
func (g *Service) Resume(taskID string) error {
	return g.UpdateStatus(taskID, store.TaskPending, "", "")
}

// TaskSpec describes a task to add during (re)planning.
type TaskSpec struct {
	Name          string
	Sequence      int
	ParallelGroup string
	Plan          string
	DependsOn     []string
}

// AddTask inserts a node and its edges. Edges that would close a cycle are
// rejected with ErrConflict before anything is written.
func (g *Service) AddTask(workflowID string, spec TaskSpec) (*store.Task, error) {
	if _, err := g.store.GetWorkflow(workflowID); err != nil {
		return nil, err
	}
	for _, dep := range spec.DependsOn {
		depTask, err := g.store.GetTask(dep)
		if err != nil {
			return nil, fmt.Errorf("dependency %s: %w", dep, err)
		}
		if depTask.WorkflowID != workflowID {
			return nil, fmt.Errorf("dependency %s belongs to another workflow: %w", dep, store.ErrConflict)
		}
	}

	t, err := g.store.CreateTask(store.NewTask{
		WorkflowID:    workflowID,
		Name:          spec.Name,
		Sequence:      spec.Sequence,
		ParallelGroup: spec.ParallelGroup,
		Plan:          spec.Plan,
	})
	if err != nil {
		return nil, err
	}
	for _, dep := range spec.DependsOn {
		if err := g.AddDependency(t.ID, dep); err != nil {
			return nil, err
		}
	}
	g.broadcast(t.ID)
	return t, nil
}

// AddDependency inserts an edge taskID -> dependsOn, rejecting cycles.
func (g *Service) AddDependency(taskID, dependsOn string) error {
	t, err := g.store.GetTask(taskID)
	if err != nil {
		return err
	}
	if taskID == dependsOn {
		return fmt.Errorf("task %s cannot depend on itself: %w", taskID, store.ErrConflict)
	}
	cyclic, err := g.wouldCycle(t.WorkflowID, taskID, dependsOn)
	if err != nil {
		return err
	}
	if cyclic {
		return fmt.Errorf("dependency %s -> %s closes a cycle: %w", taskID, dependsOn, store.ErrConflict)
	}
	return g.store.AddDependency(taskID, dependsOn, "")
}

// RemoveTask deletes a node during re-planning. ErrConflict when other tasks
// depend on it.
func (g *Service) RemoveTask(taskID string) error {
	if err := g.store.RemoveTask(taskID); err != nil {
		return err
	}
	g.broadcast(taskID)
	return nil
}

// wouldCycle reports whether adding taskID -> dependsOn creates a cycle: true
// iff taskID is already reachable from dependsOn along existing edges.
func (g *Service) wouldCycle(workflowID, taskID, dependsOn string) (bool, error) {
	edges, err := g.store.ListDependencies(workflowID)
	if err != nil {
		return false, err
	}
	adj := make(map[string][]string, len(edges))
	for _, e := range edges {
		adj[e.TaskID] = append(adj[e.TaskID], e.DependsOn)
	}

	seen := map[string]bool{}
	stack := []string{dependsOn}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == taskID {
			return true, nil
		}
		if seen[cur] {
			continue
		}
		seen[cur] = true
		stack = append(stack, adj[cur]...)
	}
	return false, nil
}

// broadcast publishes the task's current row on the bus. Best effort: a
// mutation that succeeded is never failed for a broadcast problem.
func (g *Service) broadcast(taskID string) {
	if g.bus == nil {
		return
	}
	t, err := g.store.GetTask(taskID)
	if err != nil {
		// Row deleted (RemoveTask) — broadcast the id alone.
		g.bus.Publish(bus.TopicTaskUpdated, map[string]string{"id": taskID, "deleted": "true"})
		return
	}
	g.bus.Publish(bus.TopicTaskUpdated, t)
}

// isRegressionReason matches release reasons that indicate a dependency
// regressed, which parks the task in blocked rather than pending. The trigger
// is operator-driven only: an explicit release carrying one of these words.
func isRegressionReason(reason string) bool {
	lower := strings.ToLower(reason)
	for _, kw := range []string{"regress", "dependency", "invalidated"} {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
