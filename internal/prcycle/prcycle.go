// Package prcycle runs the post-completion pull request lifecycle for a
// workspace: open a PR, gate it on an agent review, wait for CI, merge with
// the configured strategy, and reconcile conflicts by rebasing. Each stage
// result is recorded on the workspace so an interrupted cycle can be
// re-entered idempotently.
package prcycle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/imkarma/foreman/internal/agent"
	"github.com/imkarma/foreman/internal/config"
	"github.com/imkarma/foreman/internal/gitops"
	"github.com/imkarma/foreman/internal/store"
)

// Cycle modes.
const (
	ModeOff    = "off"     // cycle disabled
	ModeHITL   = "hitl"    // stop before merge, hand off to the operator
	ModeAuto   = "auto"    // merge without operator involvement
	ModeDryRun = "dry_run" // report what would happen, mutate nothing
)

// Stage names a step of the cycle, recorded in Result for observability.
type Stage string

const (
	StageOff    Stage = "off"
	StagePR     Stage = "pr"
	StageReview Stage = "review"
	StageCIWait Stage = "ci_wait"
	StageMerge  Stage = "merge"
	StageRebase Stage = "rebase"
	StageDone   Stage = "done"
)

// Result is the outcome of one cycle run. Stage is how far the cycle got;
// the remaining fields describe what happened there.
type Result struct {
	Mode  string `json:"mode"`
	Stage Stage  `json:"stage"`

	PRURL         string  `json:"pr_url,omitempty"`
	ReviewOutcome string  `json:"review_outcome,omitempty"` // approve or reject: ...
	CIState       CIState `json:"ci_state,omitempty"`
	CITimedOut    bool    `json:"ci_timed_out,omitempty"`
	Merged        bool    `json:"merged"`
	MergeCommit   string  `json:"merge_commit,omitempty"`
	Conflict      bool    `json:"conflict,omitempty"`

	// Plan lists the actions a dry run would have taken.
	Plan []string `json:"plan,omitempty"`
}

// Options tunes one cycle run.
type Options struct {
	// ModeOverride, when non-empty, wins the mode cascade outright.
	ModeOverride string
	// Title/Body seed the pull request. Title defaults to the branch name.
	Title string
	Body  string
}

// Cycle drives the PR lifecycle for workspaces of one repository.
type Cycle struct {
	store    *store.Store
	repo     *gitops.Repo
	host     Host
	agentCfg config.Agent
	defaults config.PRCycle

	// now and tick are swappable for tests.
	now  func() time.Time
	tick func(d time.Duration) <-chan time.Time
}

// New creates a Cycle. host may be nil, which defaults to the gh CLI.
func New(s *store.Store, repo *gitops.Repo, host Host, agentCfg config.Agent, defaults config.PRCycle) *Cycle {
	if host == nil {
		host = GH{}
	}
	return &Cycle{
		store:    s,
		repo:     repo,
		host:     host,
		agentCfg: agentCfg,
		defaults: defaults,
		now:      time.Now,
		tick:     func(d time.Duration) <-chan time.Time { return time.After(d) },
	}
}

// ResolveMode applies the mode cascade: call-site override, then the
// workspace's recorded mode, then the workflow's config, then the project
// default, then off.
func (c *Cycle) ResolveMode(override string, ws *store.Workspace, wf *store.Workflow) string {
	if override != "" {
		return override
	}
	if ws.PRCycleMode != "" {
		return ws.PRCycleMode
	}
	if wf != nil && wf.Config != nil {
		if m, ok := wf.Config["pr_cycle_mode"].(string); ok && m != "" {
			return m
		}
	}
	if c.defaults.Mode != "" {
		return c.defaults.Mode
	}
	return ModeOff
}

// Run executes the cycle for a workspace. The returned Result is populated
// for every mode including off and dry_run; only genuine infrastructure
// failures surface as errors. A CI timeout or review rejection is a stage
// result, not an error.
func (c *Cycle) Run(ctx context.Context, workspaceID string, opts Options) (*Result, error) {
	ws, err := c.store.GetWorkspace(workspaceID)
	if err != nil {
		return nil, err
	}
	wf, err := c.store.GetWorkflow(ws.WorkflowID)
	if err != nil {
		return nil, err
	}

	mode := c.ResolveMode(opts.ModeOverride, ws, wf)
	res := &Result{Mode: mode, Stage: StageOff}
	if mode == ModeOff {
		return res, nil
	}

	title := opts.Title
	if title == "" {
		title = ws.Branch
	}

	if mode == ModeDryRun {
		return c.dryRun(ws, res, title), nil
	}

	// Stage 1: ensure the PR exists. Re-entrant: a recorded URL short-circuits.
	res.Stage = StagePR
	prURL := ws.PRURL
	if prURL == "" {
		prURL, err = c.host.CreatePR(ws.Path, ws.Branch, ws.BaseBranch, title, opts.Body)
		if err != nil {
			return res, fmt.Errorf("create pr: %w", err)
		}
		if err := c.store.SetWorkspacePR(ws.ID, prURL); err != nil {
			return res, err
		}
	}
	res.PRURL = prURL

	// Stage 2: agent review, when the gate is on.
	if c.defaults.ReviewGateEnabled() {
		res.Stage = StageReview
		outcome, err := c.review(ctx, ws, prURL)
		if err != nil {
			return res, fmt.Errorf("review: %w", err)
		}
		res.ReviewOutcome = outcome
		if !strings.HasPrefix(outcome, "approve") {
			if err := c.reopen(wf, ws, outcome); err != nil {
				return res, err
			}
			return res, nil
		}
	}

	// Stage 3: wait for CI.
	res.Stage = StageCIWait
	state, timedOut, err := c.waitForCI(ctx, ws)
	if err != nil {
		return res, fmt.Errorf("ci wait: %w", err)
	}
	res.CIState = state
	res.CITimedOut = timedOut
	if timedOut || state == CIFailing {
		return res, nil
	}

	if mode == ModeHITL {
		// Operator merges by hand; the cycle's job ends at a green PR.
		res.Stage = StageDone
		return res, nil
	}

	// Stage 4: merge. A conflict triggers one rebase pass, after which CI is
	// re-awaited (the rebase rewrote the branch) before the second attempt.
	var mr *gitops.MergeResult
	for attempt := 0; ; attempt++ {
		res.Stage = StageMerge
		mr, err = c.repo.Merge(ws.BaseBranch, ws.Branch, c.defaults.MergeStrategy, title)
		if err != nil {
			return res, fmt.Errorf("merge: %w", err)
		}
		if !mr.Conflict {
			break
		}
		if attempt >= 1 {
			res.Conflict = true
			return res, nil
		}
		res.Stage = StageRebase
		if err := c.rebase(ctx, ws); err != nil {
			res.Conflict = true
			return res, nil
		}
		res.Stage = StageCIWait
		state, timedOut, err := c.waitForCI(ctx, ws)
		if err != nil {
			return res, fmt.Errorf("ci wait after rebase: %w", err)
		}
		res.CIState = state
		res.CITimedOut = timedOut
		if timedOut || state == CIFailing {
			return res, nil
		}
	}

	if err := c.store.MarkWorkspaceMerged(ws.ID, mr.Commit); err != nil {
		return res, err
	}
	res.Merged = true
	res.MergeCommit = mr.Commit
	res.Stage = StageDone
	return res, nil
}

// reopen returns a rejected workflow to the runner: the review verdict is
// queued as a fix task in the workspace and the workflow goes back to
// in_progress so the next pass can address it before another merge attempt.
func (c *Cycle) reopen(wf *store.Workflow, ws *store.Workspace, verdict string) error {
	if _, err := c.store.CreateTask(store.NewTask{
		WorkflowID:  wf.ID,
		Name:        "address review feedback",
		Plan:        verdict,
		WorkspaceID: ws.ID,
	}); err != nil {
		return fmt.Errorf("queue review fix task: %w", err)
	}
	if err := c.store.UpdateWorkflowStatus(wf.ID, store.WorkflowInProgress); err != nil {
		return fmt.Errorf("reopen workflow: %w", err)
	}
	return nil
}

// dryRun reports the actions a live run would take without performing any.
func (c *Cycle) dryRun(ws *store.Workspace, res *Result, title string) *Result {
	res.Stage = StageDone
	if ws.PRURL == "" {
		res.Plan = append(res.Plan, fmt.Sprintf("open PR for %s against %s: %q", ws.Branch, ws.BaseBranch, title))
	} else {
		res.Plan = append(res.Plan, fmt.Sprintf("reuse PR %s", ws.PRURL))
		res.PRURL = ws.PRURL
	}
	if c.defaults.ReviewGateEnabled() {
		res.Plan = append(res.Plan, "run agent review")
	}
	res.Plan = append(res.Plan, fmt.Sprintf("wait for CI (poll %ds, timeout %ds)", c.defaults.CIPollIntervalSec, c.defaults.CITimeoutSec))
	res.Plan = append(res.Plan, fmt.Sprintf("merge %s into %s with strategy %s", ws.Branch, ws.BaseBranch, c.defaults.MergeStrategy))
	return res
}

// review spawns a review agent against the PR and returns its verdict.
func (c *Cycle) review(ctx context.Context, ws *store.Workspace, prURL string) (string, error) {
	prompt := agent.NewPromptBuilder(c.store).ReviewPrompt(ws, prURL)
	proc, err := agent.Start(ctx, c.agentCfg, agent.Request{
		Prompt:  prompt,
		WorkDir: ws.Path,
	})
	if err != nil {
		return "", err
	}
	for range proc.Events() {
	}
	out := proc.Wait()
	if !out.Success {
		return "", fmt.Errorf("review agent failed: %s", out.Output)
	}
	return strings.TrimSpace(out.Output), nil
}

// rebase spawns a conflict-reconciliation agent in the workspace. Error
// means the conflicts remain unresolved.
func (c *Cycle) rebase(ctx context.Context, ws *store.Workspace) error {
	prompt := agent.NewPromptBuilder(c.store).RebasePrompt(ws)
	proc, err := agent.Start(ctx, c.agentCfg, agent.Request{
		Prompt:  prompt,
		WorkDir: ws.Path,
	})
	if err != nil {
		return err
	}
	for range proc.Events() {
	}
	out := proc.Wait()
	if !out.Success {
		return fmt.Errorf("rebase agent failed: %s", out.Output)
	}
	return nil
}

// waitForCI polls the host until checks pass, fail, or the timeout lapses.
// Workspaces without checks pass immediately.
func (c *Cycle) waitForCI(ctx context.Context, ws *store.Workspace) (CIState, bool, error) {
	interval := time.Duration(c.defaults.CIPollIntervalSec) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	timeout := time.Duration(c.defaults.CITimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	deadline := c.now().Add(timeout)

	for {
		state, err := c.host.CIStatus(ws.Path, ws.Branch)
		if err != nil {
			return state, false, err
		}
		switch state {
		case CINone, CIPassing:
			return state, false, nil
		case CIFailing:
			return state, false, nil
		}

		if !c.now().Before(deadline) {
			return CIPending, true, nil
		}
		select {
		case <-ctx.Done():
			return CIPending, false, ctx.Err()
		case <-c.tick(interval):
		}
	}
}
