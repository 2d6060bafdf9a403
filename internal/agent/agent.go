// Package agent spawns and supervises one external coding-agent process per
// task. The agent emits a newline-delimited stream of structured events on
// stdout; a terminal event of subtype success/error signals the process-level
// outcome independent of the OS exit code, and the runner cross-checks both.
package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/imkarma/foreman/internal/config"
)

// Event types on the agent's stdout stream.
const (
	EventProgress = "progress"
	EventDecision = "decision"
	EventError    = "error"
	EventQuery    = "query"
	EventResult   = "result"
)

// Result subtypes.
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// Event is one structured line of agent output.
type Event struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`
	Content string `json:"content,omitempty"`
	Outcome string `json:"outcome,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Request contains everything an agent process needs to work on a task.
type Request struct {
	TaskID         string
	Prompt         string
	WorkDir        string
	Model          string
	PermissionMode string
	MaxTurns       int
	MaxBudgetUSD   float64
	MCPServerURL   string // callback endpoint for workflow_*/task_*/checkpoint_* operations
	TimeoutSec     int
}

// Process is a supervised agent process. Events arrive on Events() while the
// process runs; Wait returns once it exits.
type Process struct {
	TaskID string

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr *bytes.Buffer
	events chan Event
	cancel context.CancelFunc

	terminal *Event // last result event seen on the stream, if any
}

// Start launches the external agent. A missing binary or failed spawn is
// fatal for the task's workflow, so the error is surfaced immediately.
func Start(ctx context.Context, cfg config.Agent, req Request) (*Process, error) {
	timeout := time.Duration(cfg.DefaultTimeout()) * time.Second
	if req.TimeoutSec > 0 {
		timeout = time.Duration(req.TimeoutSec) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)

	cmd := exec.CommandContext(ctx, cfg.Cmd, buildArgs(cfg, req)...)
	cmd.Dir = req.WorkDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("spawn agent %s: %w", cfg.Cmd, err)
	}

	p := &Process{
		TaskID: req.TaskID,
		cmd:    cmd,
		stdin:  stdin,
		stderr: &stderr,
		events: make(chan Event, 16),
		cancel: cancel,
	}
	go p.scan(stdout)
	return p, nil
}

// buildArgs assembles the command line: configured args, resource limits,
// the MCP callback descriptor, and the prompt as the final argument.
func buildArgs(cfg config.Agent, req Request) []string {
	args := make([]string, len(cfg.Args))
	copy(args, cfg.Args)

	args = append(args, "--print", "--output-format", "stream-json")

	model := req.Model
	if model == "" {
		model = cfg.Model
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	permission := req.PermissionMode
	if permission == "" {
		permission = cfg.Permission
	}
	if permission != "" {
		args = append(args, "--permission-mode", permission)
	}
	if req.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(req.MaxTurns))
	}
	if req.MaxBudgetUSD > 0 {
		args = append(args, "--max-budget-usd", strconv.FormatFloat(req.MaxBudgetUSD, 'f', -1, 64))
	}
	if req.MCPServerURL != "" {
		args = append(args, "--mcp-config", req.MCPServerURL)
	}

	return append(args, req.Prompt)
}

// scan reads stdout line by line, decoding structured events. Lines that are
// not JSON are folded into progress events so nothing an agent prints is
// silently lost.
func (p *Process) scan(stdout io.Reader) {
	defer close(p.events)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var evt Event
		if err := json.Unmarshal([]byte(line), &evt); err != nil || evt.Type == "" {
			evt = Event{Type: EventProgress, Content: line}
		}
		if evt.Type == EventResult {
			p.terminal = &evt
		}
		p.events <- evt
	}
}

// Events returns the stream of structured events. The channel closes when
// the process's stdout is exhausted.
func (p *Process) Events() <-chan Event { return p.events }

// Reply writes an answer to a mid-run query back to the agent's stdin as a
// JSON line. The process stays in-flight across the exchange.
func (p *Process) Reply(text string) error {
	line, err := json.Marshal(Event{Type: "reply", Content: text})
	if err != nil {
		return err
	}
	if _, err := p.stdin.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write reply: %w", err)
	}
	return nil
}

// Outcome is the cross-checked result of a finished agent process.
type Outcome struct {
	Success  bool
	ExitCode int
	Output   string // terminal event outcome or error text
}

// Wait blocks until the process exits and reconciles the terminal stream
// event with the OS exit code. Success requires both a success result event
// and a zero exit code.
func (p *Process) Wait() Outcome {
	err := p.cmd.Wait()
	p.cancel()

	out := Outcome{ExitCode: 0}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			out.ExitCode = exitErr.ExitCode()
		} else {
			out.ExitCode = -1
		}
	}

	switch {
	case p.terminal != nil && p.terminal.Subtype == ResultSuccess && out.ExitCode == 0:
		out.Success = true
		out.Output = p.terminal.Outcome
		if out.Output == "" {
			out.Output = p.terminal.Content
		}
	case p.terminal != nil:
		out.Output = p.terminal.Error
		if out.Output == "" {
			out.Output = p.terminal.Content
		}
		if out.Output == "" && p.terminal.Subtype == ResultSuccess {
			out.Output = fmt.Sprintf("agent reported success but exited with code %d", out.ExitCode)
		}
	default:
		out.Output = strings.TrimSpace(p.stderr.String())
		if out.Output == "" {
			out.Output = fmt.Sprintf("agent exited with code %d without a result event", out.ExitCode)
		}
	}
	return out
}

// Kill terminates the process. Best effort: the agent may not flush state.
func (p *Process) Kill() {
	p.cancel()
	if p.cmd.Process != nil {
		p.cmd.Process.Kill()
	}
}

// Available checks whether the configured agent binary exists in PATH.
func Available(cmd string) bool {
	_, err := exec.LookPath(cmd)
	return err == nil
}
