package store

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

// testStore creates a temporary store for testing.
func testStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testWorkflow(t *testing.T, s *Store) *Workflow {
	t.Helper()
	wf, err := s.CreateWorkflow(NewWorkflow{Name: "test workflow"})
	if err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}
	return wf
}

func testTask(t *testing.T, s *Store, workflowID, name string) *Task {
	t.Helper()
	task, err := s.CreateTask(NewTask{WorkflowID: workflowID, Name: name})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	return task
}

func TestOpen_CreatesDatabase(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Fatal("database file not created")
	}
	v, err := s.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if v < 1 {
		t.Errorf("expected schema version >= 1, got %d", v)
	}
}

func TestOpen_MigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	v1, _ := s.SchemaVersion()
	s.Close()

	s, err = Open(dbPath)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer s.Close()
	v2, _ := s.SchemaVersion()

	if v1 != v2 {
		t.Errorf("schema version changed across reopens: %d -> %d", v1, v2)
	}
}

func TestCreateWorkflow(t *testing.T) {
	s := testStore(t)

	wf, err := s.CreateWorkflow(NewWorkflow{
		Name:          "refactor auth",
		SourceContent: "split the auth package",
		Config:        map[string]any{"pr_cycle_mode": "auto"},
	})
	if err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}

	if wf.Status != WorkflowPlanning {
		t.Errorf("expected status planning, got %s", wf.Status)
	}
	if wf.SourceType != "prompt" {
		t.Errorf("expected default source_type prompt, got %q", wf.SourceType)
	}
	if wf.MaxParallelTasks != 1 {
		t.Errorf("expected max_parallel_tasks floor of 1, got %d", wf.MaxParallelTasks)
	}

	got, err := s.GetWorkflow(wf.ID)
	if err != nil {
		t.Fatalf("GetWorkflow: %v", err)
	}
	if got.Config["pr_cycle_mode"] != "auto" {
		t.Errorf("config not round-tripped: %v", got.Config)
	}
}

func TestGetWorkflow_NotFound(t *testing.T) {
	s := testStore(t)

	_, err := s.GetWorkflow("wf_missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestLockWorkflow_Conflict(t *testing.T) {
	s := testStore(t)
	wf := testWorkflow(t, s)

	if err := s.LockWorkflow(wf.ID, "ss_one"); err != nil {
		t.Fatalf("first lock: %v", err)
	}
	// Re-locking by the holder is fine.
	if err := s.LockWorkflow(wf.ID, "ss_one"); err != nil {
		t.Fatalf("re-lock by holder: %v", err)
	}

	err := s.LockWorkflow(wf.ID, "ss_two")
	if !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict for second session, got %v", err)
	}

	if err := s.UnlockWorkflow(wf.ID, "ss_one"); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if err := s.LockWorkflow(wf.ID, "ss_two"); err != nil {
		t.Errorf("lock after unlock: %v", err)
	}
}

func TestReleaseSessionLocks(t *testing.T) {
	s := testStore(t)
	wf := testWorkflow(t, s)

	if err := s.LockWorkflow(wf.ID, "ss_gone"); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := s.ReleaseSessionLocks("ss_gone"); err != nil {
		t.Fatalf("ReleaseSessionLocks: %v", err)
	}
	got, _ := s.GetWorkflow(wf.ID)
	if got.LockedBySessionID != "" {
		t.Errorf("lock not released: %q", got.LockedBySessionID)
	}
}

func TestReadyTasks_HonorsDependencies(t *testing.T) {
	s := testStore(t)
	wf := testWorkflow(t, s)

	a := testTask(t, s, wf.ID, "a")
	b := testTask(t, s, wf.ID, "b")
	c := testTask(t, s, wf.ID, "c")
	if err := s.AddDependency(c.ID, a.ID, ""); err != nil {
		t.Fatalf("AddDependency: %v", err)
	}
	if err := s.AddDependency(c.ID, b.ID, ""); err != nil {
		t.Fatalf("AddDependency: %v", err)
	}

	ready, err := s.ReadyTasks(wf.ID)
	if err != nil {
		t.Fatalf("ReadyTasks: %v", err)
	}
	if len(ready) != 2 {
		t.Fatalf("expected a and b ready, got %d tasks", len(ready))
	}
	for _, task := range ready {
		if task.ID == c.ID {
			t.Error("c is ready with incomplete dependencies")
		}
	}

	// Completing a alone is not enough.
	if err := s.SetTaskStatus(a.ID, TaskCompleted, "done", ""); err != nil {
		t.Fatalf("complete a: %v", err)
	}
	ready, _ = s.ReadyTasks(wf.ID)
	for _, task := range ready {
		if task.ID == c.ID {
			t.Error("c became ready with b still pending")
		}
	}

	// A skipped dependency counts as satisfied.
	if err := s.SetTaskStatus(b.ID, TaskSkipped, "", ""); err != nil {
		t.Fatalf("skip b: %v", err)
	}
	ready, _ = s.ReadyTasks(wf.ID)
	if len(ready) != 1 || ready[0].ID != c.ID {
		t.Fatalf("expected only c ready, got %v", ready)
	}
}

func TestClaimTask_ExactlyOneWinner(t *testing.T) {
	s := testStore(t)
	wf := testWorkflow(t, s)
	task := testTask(t, s, wf.ID, "contested")

	const n = 8
	var wg sync.WaitGroup
	wins := make(chan string, n)
	for i := 0; i < n; i++ {
		agentID := "ag_" + string(rune('a'+i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.ClaimTask(task.ID, agentID)
			if err != nil {
				t.Errorf("ClaimTask: %v", err)
				return
			}
			if ok {
				wins <- agentID
			}
		}()
	}
	wg.Wait()
	close(wins)

	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	if len(winners) != 1 {
		t.Fatalf("expected exactly one winner, got %d", len(winners))
	}

	got, _ := s.GetTask(task.ID)
	if got.AssignedAgentID != winners[0] {
		t.Errorf("assigned agent %q does not match winner %q", got.AssignedAgentID, winners[0])
	}
	if got.Status != TaskInProgress {
		t.Errorf("expected in_progress, got %s", got.Status)
	}
	if got.ClaimedAt == 0 {
		t.Error("claimed_at not set")
	}
}

func TestClaimTask_NotFound(t *testing.T) {
	s := testStore(t)

	_, err := s.ClaimTask("tk_missing", "ag_x")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestReleaseTask_OwnershipEnforced(t *testing.T) {
	s := testStore(t)
	wf := testWorkflow(t, s)
	task := testTask(t, s, wf.ID, "owned")

	if ok, _ := s.ClaimTask(task.ID, "ag_owner"); !ok {
		t.Fatal("claim failed")
	}

	err := s.ReleaseTask(task.ID, "ag_thief", TaskPending)
	if !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict for non-owner release, got %v", err)
	}

	if err := s.ReleaseTask(task.ID, "ag_owner", TaskPending); err != nil {
		t.Fatalf("owner release: %v", err)
	}

	// A different agent can claim after release.
	ok, err := s.ClaimTask(task.ID, "ag_second")
	if err != nil || !ok {
		t.Fatalf("re-claim after release: ok=%v err=%v", ok, err)
	}
}

func TestSetTaskStatus_TerminalKeepsAssignment(t *testing.T) {
	s := testStore(t)
	wf := testWorkflow(t, s)
	task := testTask(t, s, wf.ID, "audited")

	s.ClaimTask(task.ID, "ag_done")
	if err := s.SetTaskStatus(task.ID, TaskCompleted, "shipped", ""); err != nil {
		t.Fatalf("SetTaskStatus: %v", err)
	}

	got, _ := s.GetTask(task.ID)
	if got.AssignedAgentID != "ag_done" {
		t.Errorf("terminal status cleared assigned_agent_id: %q", got.AssignedAgentID)
	}
	if got.Outcome != "shipped" {
		t.Errorf("outcome not recorded: %q", got.Outcome)
	}
}

func TestReleaseStaleClaims(t *testing.T) {
	s := testStore(t)
	wf := testWorkflow(t, s)
	a := testTask(t, s, wf.ID, "stuck-a")
	b := testTask(t, s, wf.ID, "stuck-b")
	done := testTask(t, s, wf.ID, "done")

	s.ClaimTask(a.ID, "ag_dead")
	s.ClaimTask(b.ID, "ag_dead")
	s.ClaimTask(done.ID, "ag_dead")
	s.SetTaskStatus(done.ID, TaskCompleted, "", "")

	n, err := s.ReleaseStaleClaims(wf.ID)
	if err != nil {
		t.Fatalf("ReleaseStaleClaims: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 released, got %d", n)
	}

	gotA, _ := s.GetTask(a.ID)
	if gotA.Status != TaskPending || gotA.AssignedAgentID != "" {
		t.Errorf("stale claim not released: %s %q", gotA.Status, gotA.AssignedAgentID)
	}
	gotDone, _ := s.GetTask(done.ID)
	if gotDone.Status != TaskCompleted {
		t.Errorf("terminal task touched by stale release: %s", gotDone.Status)
	}
}

func TestRemoveTask_BlockedByDependents(t *testing.T) {
	s := testStore(t)
	wf := testWorkflow(t, s)
	dep := testTask(t, s, wf.ID, "dep")
	child := testTask(t, s, wf.ID, "child")
	s.AddDependency(child.ID, dep.ID, "")

	err := s.RemoveTask(dep.ID)
	if !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict removing depended-on task, got %v", err)
	}

	if err := s.RemoveTask(child.ID); err != nil {
		t.Fatalf("remove leaf: %v", err)
	}
	if err := s.RemoveTask(dep.ID); err != nil {
		t.Fatalf("remove freed task: %v", err)
	}
}

func TestAppendCheckpoint_RoundTrip(t *testing.T) {
	s := testStore(t)
	wf := testWorkflow(t, s)
	task := testTask(t, s, wf.ID, "checkpointed")

	contents := []string{"started", "decided on approach", "halfway", "wrapping up"}
	for i, c := range contents {
		ctype := CheckpointProgress
		if i == 1 {
			ctype = CheckpointDecision
		}
		cp, err := s.AppendCheckpoint(task.ID, ctype, c)
		if err != nil {
			t.Fatalf("AppendCheckpoint %d: %v", i, err)
		}
		if cp.Sequence != i+1 {
			t.Errorf("checkpoint %d: expected sequence %d, got %d", i, i+1, cp.Sequence)
		}
	}

	cps, err := s.ListCheckpoints(task.ID)
	if err != nil {
		t.Fatalf("ListCheckpoints: %v", err)
	}
	if len(cps) != len(contents) {
		t.Fatalf("expected %d checkpoints, got %d", len(contents), len(cps))
	}
	for i, cp := range cps {
		if cp.Sequence != i+1 {
			t.Errorf("checkpoint %d out of order: sequence %d", i, cp.Sequence)
		}
		if cp.Content != contents[i] {
			t.Errorf("checkpoint %d: content %q, want %q", i, cp.Content, contents[i])
		}
	}
}

func TestAppendCheckpoint_ConcurrentNoGaps(t *testing.T) {
	s := testStore(t)
	wf := testWorkflow(t, s)
	task := testTask(t, s, wf.ID, "busy")

	const n = 10
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.AppendCheckpoint(task.ID, CheckpointProgress, "tick"); err != nil {
				t.Errorf("AppendCheckpoint: %v", err)
			}
		}()
	}
	wg.Wait()

	cps, _ := s.ListCheckpoints(task.ID)
	if len(cps) != n {
		t.Fatalf("expected %d checkpoints, got %d", n, len(cps))
	}
	for i, cp := range cps {
		if cp.Sequence != i+1 {
			t.Fatalf("sequence gap or duplicate at %d: got %d", i, cp.Sequence)
		}
	}
}

func TestAppendCheckpoint_MissingTask(t *testing.T) {
	s := testStore(t)

	_, err := s.AppendCheckpoint("tk_missing", CheckpointProgress, "x")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSessions_RegisterTouchDeregister(t *testing.T) {
	s := testStore(t)
	wf := testWorkflow(t, s)

	sess, err := s.RegisterSession(1234, 8080, true)
	if err != nil {
		t.Fatalf("RegisterSession: %v", err)
	}
	if !sess.IsDaemon {
		t.Error("is_daemon not set")
	}

	if err := s.LockWorkflow(wf.ID, sess.ID); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := s.DeregisterSession(sess.ID); err != nil {
		t.Fatalf("DeregisterSession: %v", err)
	}

	// Deregistering releases the session's workflow locks.
	got, _ := s.GetWorkflow(wf.ID)
	if got.LockedBySessionID != "" {
		t.Errorf("deregister left workflow locked by %q", got.LockedBySessionID)
	}

	// Second deregister is a no-op.
	if err := s.DeregisterSession(sess.ID); err != nil {
		t.Errorf("second deregister: %v", err)
	}
}

func TestPromoteSessionDaemon(t *testing.T) {
	s := testStore(t)

	sess, err := s.RegisterSession(1234, 8080, false)
	if err != nil {
		t.Fatalf("RegisterSession: %v", err)
	}
	if sess.IsDaemon {
		t.Fatal("client session registered as daemon")
	}

	if err := s.PromoteSessionDaemon(sess.ID); err != nil {
		t.Fatalf("PromoteSessionDaemon: %v", err)
	}
	got, err := s.GetSession(sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if !got.IsDaemon {
		t.Error("promotion not persisted")
	}

	if err := s.PromoteSessionDaemon("ss_missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("promoting unknown session: %v", err)
	}
}

func TestOrphanedWorkflows(t *testing.T) {
	s := testStore(t)
	wf := testWorkflow(t, s)
	s.UpdateWorkflowStatus(wf.ID, WorkflowInProgress)

	// No session row at all: orphaned.
	orphans, err := s.OrphanedWorkflows()
	if err != nil {
		t.Fatalf("OrphanedWorkflows: %v", err)
	}
	if len(orphans) != 1 || orphans[0].ID != wf.ID {
		t.Fatalf("expected %s orphaned, got %v", wf.ID, orphans)
	}

	// Locked by a live session: not orphaned.
	sess, _ := s.RegisterSession(4321, 0, true)
	s.LockWorkflow(wf.ID, sess.ID)
	orphans, _ = s.OrphanedWorkflows()
	if len(orphans) != 0 {
		t.Errorf("workflow with live session reported orphaned")
	}

	// Session dies: orphaned again.
	s.DeregisterSession(sess.ID)
	s.LockWorkflow(wf.ID, "ss_ghost")
	orphans, _ = s.OrphanedWorkflows()
	if len(orphans) != 1 {
		t.Errorf("workflow locked by dead session not reported orphaned")
	}
}

func TestMessages_Threading(t *testing.T) {
	s := testStore(t)
	wf := testWorkflow(t, s)
	task := testTask(t, s, wf.ID, "asking")

	q, err := s.CreateMessage(NewMessage{FromAgent: "ag_q", TaskID: task.ID, Body: "which db?", Priority: 2})
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	if q.ThreadID != q.ID {
		t.Errorf("first message should start its own thread, got %q", q.ThreadID)
	}

	a, err := s.CreateMessage(NewMessage{ToAgent: "ag_q", TaskID: task.ID, Body: "sqlite", ThreadID: q.ThreadID, ReplyTo: q.ID})
	if err != nil {
		t.Fatalf("reply: %v", err)
	}

	thread, err := s.ListMessages(q.ThreadID)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(thread) != 2 {
		t.Fatalf("expected 2 messages in thread, got %d", len(thread))
	}
	for _, m := range thread {
		if m.ID != q.ID && m.ID != a.ID {
			t.Errorf("unexpected message in thread: %s", m.ID)
		}
		if m.ThreadID != q.ThreadID {
			t.Errorf("message %s in wrong thread %q", m.ID, m.ThreadID)
		}
	}

	if err := s.MarkMessageRead(q.ID); err != nil {
		t.Fatalf("MarkMessageRead: %v", err)
	}
	unread, _ := s.ListMessages("")
	for _, m := range unread {
		if m.ID == q.ID {
			t.Error("read message still listed as unread")
		}
	}
}

func TestWorkspaces_MergeLifecycle(t *testing.T) {
	s := testStore(t)
	wf := testWorkflow(t, s)

	ws, err := s.CreateWorkspace(wf.ID, "/tmp/wt", "foreman/x", "main")
	if err != nil {
		t.Fatalf("CreateWorkspace: %v", err)
	}
	if ws.Status != WorkspaceActive {
		t.Errorf("expected active, got %s", ws.Status)
	}

	if err := s.SetWorkspacePR(ws.ID, "https://example.com/pr/1"); err != nil {
		t.Fatalf("SetWorkspacePR: %v", err)
	}
	if err := s.MarkWorkspaceMerged(ws.ID, "abc123"); err != nil {
		t.Fatalf("MarkWorkspaceMerged: %v", err)
	}

	got, _ := s.GetWorkspace(ws.ID)
	if got.Status != WorkspaceMerged || got.MergeCommit != "abc123" || got.PRURL == "" {
		t.Errorf("merge lifecycle not recorded: %+v", got)
	}
}

func TestSummary(t *testing.T) {
	s := testStore(t)
	wf := testWorkflow(t, s)
	testTask(t, s, wf.ID, "one")
	testTask(t, s, wf.ID, "two")

	stats, err := s.Summary()
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if stats.Workflows[string(WorkflowPlanning)] != 1 {
		t.Errorf("workflow count wrong: %v", stats.Workflows)
	}
	if stats.Tasks[string(TaskPending)] != 2 {
		t.Errorf("task count wrong: %v", stats.Tasks)
	}
}
