package agent

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/imkarma/foreman/internal/config"
	"github.com/imkarma/foreman/internal/store"
)

func shAgent(script string) config.Agent {
	return config.Agent{Cmd: "/bin/sh", Args: []string{"-c", script}}
}

// run starts a script, drains its event stream, and waits for the outcome.
func run(t *testing.T, script string) ([]Event, Outcome) {
	t.Helper()
	p, err := Start(context.Background(), shAgent(script), Request{
		TaskID:  "tk_test",
		Prompt:  "do the thing",
		WorkDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	var events []Event
	for evt := range p.Events() {
		events = append(events, evt)
	}
	return events, p.Wait()
}

func TestStart_MissingBinary(t *testing.T) {
	_, err := Start(context.Background(), config.Agent{Cmd: "/nonexistent/agent"}, Request{
		WorkDir: t.TempDir(),
	})
	if err == nil {
		t.Fatal("missing binary accepted")
	}
}

func TestWait_SuccessNeedsEventAndExitCode(t *testing.T) {
	// Success event + exit 0.
	_, out := run(t, `echo '{"type":"result","subtype":"success","outcome":"all done"}'`)
	if !out.Success || out.Output != "all done" {
		t.Errorf("outcome %+v", out)
	}

	// Success event but nonzero exit: not a success.
	_, out = run(t, `echo '{"type":"result","subtype":"success","outcome":"done"}'; exit 3`)
	if out.Success {
		t.Error("nonzero exit treated as success")
	}
	if out.ExitCode != 3 {
		t.Errorf("exit code %d", out.ExitCode)
	}

	// Error result event.
	_, out = run(t, `echo '{"type":"result","subtype":"error","error":"could not build"}'; exit 1`)
	if out.Success || out.Output != "could not build" {
		t.Errorf("outcome %+v", out)
	}

	// No result event at all: stderr is the best explanation available.
	_, out = run(t, `echo 'something broke' >&2; exit 1`)
	if out.Success {
		t.Error("no result event treated as success")
	}
	if !strings.Contains(out.Output, "something broke") {
		t.Errorf("stderr not surfaced: %q", out.Output)
	}
}

func TestScan_FoldsPlainLinesIntoProgress(t *testing.T) {
	events, out := run(t, `echo 'plain log line'
echo '{"type":"decision","content":"picked sqlite"}'
echo '{"type":"result","subtype":"success"}'`)
	if !out.Success {
		t.Fatalf("outcome %+v", out)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d: %v", len(events), events)
	}
	if events[0].Type != EventProgress || events[0].Content != "plain log line" {
		t.Errorf("plain line event %+v", events[0])
	}
	if events[1].Type != EventDecision {
		t.Errorf("decision event %+v", events[1])
	}
	if events[2].Type != EventResult {
		t.Errorf("result event %+v", events[2])
	}
}

func TestReply_ReachesStdin(t *testing.T) {
	p, err := Start(context.Background(), shAgent(`echo '{"type":"query","content":"ok?"}'
read line
case "$line" in *proceed*) echo '{"type":"result","subtype":"success","outcome":"acked"}';; *) exit 1;; esac`),
		Request{WorkDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	sawQuery := false
	for evt := range p.Events() {
		if evt.Type == EventQuery && !sawQuery {
			sawQuery = true
			if err := p.Reply("proceed"); err != nil {
				t.Fatalf("Reply: %v", err)
			}
		}
	}
	out := p.Wait()
	if !sawQuery {
		t.Fatal("no query event")
	}
	if !out.Success || out.Output != "acked" {
		t.Errorf("outcome %+v", out)
	}
}

func TestBuildArgs(t *testing.T) {
	cfg := config.Agent{Cmd: "claude", Args: []string{"--verbose"}, Model: "fallback"}
	args := buildArgs(cfg, Request{
		Prompt:         "fix the bug",
		Model:          "opus",
		PermissionMode: "acceptEdits",
		MaxTurns:       10,
		MCPServerURL:   "http://127.0.0.1:9999/api",
	})

	joined := strings.Join(args, " ")
	for _, want := range []string{
		"--verbose",
		"--print",
		"--output-format stream-json",
		"--model opus",
		"--permission-mode acceptEdits",
		"--max-turns 10",
		"--mcp-config http://127.0.0.1:9999/api",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("args missing %q: %v", want, args)
		}
	}
	if args[len(args)-1] != "fix the bug" {
		t.Errorf("prompt not last: %v", args)
	}

	// The request model wins over the configured fallback.
	if strings.Contains(joined, "fallback") {
		t.Error("config model used despite request override")
	}
}

func TestPromptBuilder_IncludesCheckpointsAndAnswers(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer s.Close()

	wf, _ := s.CreateWorkflow(store.NewWorkflow{Name: "wf", SourceContent: "make the thing"})
	task, err := s.CreateTask(store.NewTask{WorkflowID: wf.ID, Name: "t", Plan: "step by step"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	s.AppendCheckpoint(task.ID, store.CheckpointProgress, "finished step one")
	q, _ := s.CreateMessage(store.NewMessage{FromAgent: "ag_q", TaskID: task.ID, Body: "which db?"})
	s.CreateMessage(store.NewMessage{
		ToAgent: "ag_q", TaskID: task.ID, Body: "use sqlite",
		ThreadID: q.ThreadID, ReplyTo: q.ID,
	})

	prompt, err := NewPromptBuilder(s).TaskPrompt(wf, task)
	if err != nil {
		t.Fatalf("TaskPrompt: %v", err)
	}
	for _, want := range []string{
		task.ID,
		"finished step one",
		"use sqlite",
		"make the thing",
		"Response Protocol",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}
