package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/imkarma/foreman/internal/agent"
	"github.com/imkarma/foreman/internal/api"
	"github.com/imkarma/foreman/internal/bus"
	"github.com/imkarma/foreman/internal/config"
	"github.com/imkarma/foreman/internal/daemon"
	"github.com/imkarma/foreman/internal/gitops"
	"github.com/imkarma/foreman/internal/graph"
	"github.com/imkarma/foreman/internal/intake"
	"github.com/imkarma/foreman/internal/prcycle"
	"github.com/imkarma/foreman/internal/runner"
	"github.com/imkarma/foreman/internal/store"
)

var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Create and run workflows",
}

var workflowNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Create a workflow from a prompt and plan",
	RunE:  runWorkflowNew,
}

var workflowIssuesCmd = &cobra.Command{
	Use:   "issues <range>",
	Short: "Create a workflow from GitHub issues",
	Long: `Creates one workflow with a task per issue. The range accepts single
numbers, inclusive ranges, and comma-separated combinations: "114",
"114-118", "1,3,7-9".`,
	Args: cobra.ExactArgs(1),
	RunE: runWorkflowIssues,
}

var workflowListCmd = &cobra.Command{
	Use:   "list",
	Short: "List workflows",
	RunE:  runWorkflowList,
}

var workflowStatusCmd = &cobra.Command{
	Use:   "status <workflow-id>",
	Short: "Show a workflow and its tasks",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkflowStatus,
}

var workflowRunCmd = &cobra.Command{
	Use:   "run <workflow-id>",
	Short: "Run a workflow's task graph to completion",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkflowRun,
}

var workflowResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume workflows orphaned by a crashed daemon",
	RunE:  runWorkflowResume,
}

var (
	wfName     string
	wfPrompt   string
	wfPlanFile string
	wfParallel int
	wfModel    string
	wfCycle    string
)

func init() {
	workflowNewCmd.Flags().StringVar(&wfName, "name", "", "Workflow name")
	workflowNewCmd.Flags().StringVar(&wfPrompt, "prompt", "", "The delegated request")
	workflowNewCmd.Flags().StringVar(&wfPlanFile, "plan", "", "Path to a markdown plan with a numbered task list")
	workflowNewCmd.Flags().IntVar(&wfParallel, "parallel", 0, "Max parallel tasks (default from config)")

	workflowIssuesCmd.Flags().StringVar(&wfName, "name", "", "Workflow name")
	workflowIssuesCmd.Flags().IntVar(&wfParallel, "parallel", 0, "Max parallel tasks (default from config)")

	workflowRunCmd.Flags().StringVar(&wfModel, "model", "", "Override the agent model")
	workflowRunCmd.Flags().StringVar(&wfCycle, "pr-cycle", "", "PR cycle mode override (off, hitl, auto, dry_run)")

	workflowCmd.AddCommand(workflowNewCmd)
	workflowCmd.AddCommand(workflowIssuesCmd)
	workflowCmd.AddCommand(workflowListCmd)
	workflowCmd.AddCommand(workflowStatusCmd)
	workflowCmd.AddCommand(workflowRunCmd)
	workflowCmd.AddCommand(workflowResumeCmd)
}

func runWorkflowNew(cmd *cobra.Command, args []string) error {
	if wfName == "" {
		return fmt.Errorf("--name is required")
	}
	s, err := mustStore()
	if err != nil {
		return err
	}
	defer s.Close()
	cfg, err := mustConfig()
	if err != nil {
		return err
	}

	plan := ""
	if wfPlanFile != "" {
		data, err := os.ReadFile(wfPlanFile)
		if err != nil {
			return fmt.Errorf("read plan: %w", err)
		}
		plan = string(data)
	}

	parallel := wfParallel
	if parallel < 1 {
		parallel = cfg.MaxParallelTasks
	}

	svc := intake.New(s, graph.New(s, nil), nil)
	wf, err := svc.FromPrompt(wfName, wfPrompt, plan, intake.Options{MaxParallelTasks: parallel})
	if err != nil {
		return err
	}

	tasks, err := s.ListTasks(wf.ID, "")
	if err != nil {
		return err
	}
	fmt.Print(intake.Summary(wf, tasks))
	if len(tasks) == 0 {
		fmt.Println("No plan given; add tasks with: foreman task add")
	}
	return nil
}

func runWorkflowIssues(cmd *cobra.Command, args []string) error {
	s, err := mustStore()
	if err != nil {
		return err
	}
	defer s.Close()
	cfg, err := mustConfig()
	if err != nil {
		return err
	}

	parallel := wfParallel
	if parallel < 1 {
		parallel = cfg.MaxParallelTasks
	}

	svc := intake.New(s, graph.New(s, nil), nil)
	wf, err := svc.FromIssues(".", wfName, args[0], intake.Options{MaxParallelTasks: parallel})
	if err != nil {
		return err
	}
	tasks, err := s.ListTasks(wf.ID, "")
	if err != nil {
		return err
	}
	fmt.Print(intake.Summary(wf, tasks))
	return nil
}

func runWorkflowList(cmd *cobra.Command, args []string) error {
	s, err := mustStore()
	if err != nil {
		return err
	}
	defer s.Close()

	wfs, err := s.ListWorkflows("")
	if err != nil {
		return err
	}
	if len(wfs) == 0 {
		fmt.Println("No workflows. Create one with: foreman workflow new")
		return nil
	}
	for _, wf := range wfs {
		fmt.Printf("%s  %-14s %s\n", wf.ID, wf.Status, wf.Name)
	}
	return nil
}

func runWorkflowStatus(cmd *cobra.Command, args []string) error {
	s, err := mustStore()
	if err != nil {
		return err
	}
	defer s.Close()

	wf, err := s.GetWorkflow(args[0])
	if err != nil {
		return err
	}
	tasks, err := s.ListTasks(wf.ID, "")
	if err != nil {
		return err
	}
	fmt.Print(intake.Summary(wf, tasks))

	workspaces, err := s.ListWorkspaces(wf.ID, "")
	if err != nil {
		return err
	}
	for _, ws := range workspaces {
		line := fmt.Sprintf("  workspace %s [%s] %s", ws.ID, ws.Status, ws.Branch)
		if ws.PRURL != "" {
			line += "  " + ws.PRURL
		}
		fmt.Println(line)
	}
	return nil
}

func runWorkflowRun(cmd *cobra.Command, args []string) error {
	s, err := mustStore()
	if err != nil {
		return err
	}
	defer s.Close()
	cfg, err := mustConfig()
	if err != nil {
		return err
	}
	return executeWorkflow(s, cfg, args[0])
}

func runWorkflowResume(cmd *cobra.Command, args []string) error {
	s, err := mustStore()
	if err != nil {
		return err
	}
	defer s.Close()
	cfg, err := mustConfig()
	if err != nil {
		return err
	}

	daemon.ReapSessions(s)
	orphaned, err := s.OrphanedWorkflows()
	if err != nil {
		return err
	}
	if len(orphaned) == 0 {
		fmt.Println("Nothing to resume.")
		return nil
	}
	for _, wf := range orphaned {
		released, err := runner.PrepareResume(s, wf.ID)
		if err != nil {
			return err
		}
		fmt.Printf("Resuming %s (%s), released %d stale claims\n", wf.ID, wf.Name, released)
		if err := executeWorkflow(s, cfg, wf.ID); err != nil {
			return err
		}
	}
	return nil
}

// executeWorkflow elects this process daemon, serves the API for agent
// callbacks, and drives the runner until the workflow is terminal or
// stalled. A live daemon elsewhere refuses the run.
func executeWorkflow(s *store.Store, cfg *config.Config, workflowID string) error {
	if !agent.Available(cfg.Agent.Cmd) {
		return fmt.Errorf("agent command %q not found in PATH", cfg.Agent.Cmd)
	}

	wf, err := s.GetWorkflow(workflowID)
	if err != nil {
		return err
	}

	handle, err := daemon.Init(s, s.Path(), cfg.PreferredPort)
	if err != nil {
		return err
	}
	defer handle.Cleanup()
	if !handle.IsDaemon {
		return fmt.Errorf("a daemon is already running on port %d; stop it or use the board", handle.Port)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b := bus.New()
	g := graph.New(s, b)

	srv := &http.Server{Handler: (&api.Server{
		Store:      s,
		Graph:      g,
		Bus:        b,
		ConfigPath: foremanPath("config.yaml"),
		SessionID:  handle.Session.ID,
		StartedAt:  time.Now(),
	}).Handler()}
	go srv.Serve(handle.Listener)
	defer srv.Close()
	go handle.Heartbeat(ctx)

	if err := ensureWorkspace(s, wf); err != nil {
		return err
	}

	parallel := wf.MaxParallelTasks
	if parallel < 1 {
		parallel = cfg.MaxParallelTasks
	}

	cycle := prcycle.New(s, gitops.New("."), nil, cfg.Agent, cfg.PRCycle)
	r := runner.New(s, g, cfg.Agent, runner.Options{
		WorkflowID:     wf.ID,
		MaxAgents:      parallel,
		Model:          wfModel,
		PermissionMode: cfg.Agent.Permission,
		MaxTurns:       cfg.MaxTurns,
		MaxBudgetUSD:   cfg.MaxBudgetUSD,
		MCPServerURL:   fmt.Sprintf("http://127.0.0.1:%d/api", handle.Port),
		Cwd:            ".",
		MaxRetries:     cfg.MaxRetries,
		SessionID:      handle.Session.ID,
		CompletionHook: func(workflowID, workspaceID string) {
			res, err := cycle.Run(context.Background(), workspaceID, prcycle.Options{ModeOverride: wfCycle})
			if err != nil {
				fmt.Printf("pr cycle for %s failed: %v\n", workspaceID, err)
				return
			}
			reportCycle(workspaceID, res)
		},
	})

	go printEvents(r.Events())
	return r.Run(ctx)
}

// ensureWorkspace gives the workflow a worktree workspace when the project
// is a git repository and none exists yet, and binds unassigned tasks to it.
func ensureWorkspace(s *store.Store, wf *store.Workflow) error {
	repo := gitops.New(".")
	if !repo.IsRepo() {
		return nil
	}
	existing, err := s.ListWorkspaces(wf.ID, store.WorkspaceActive)
	if err != nil {
		return err
	}

	var ws *store.Workspace
	if len(existing) > 0 {
		ws = &existing[0]
	} else {
		base, err := repo.BaseBranch()
		if err != nil {
			return err
		}
		branch := "foreman/" + wf.ID
		path, err := repo.CreateWorktree(foremanPath("worktrees", wf.ID), branch, base)
		if err != nil {
			return fmt.Errorf("create worktree: %w", err)
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			abs = path
		}
		ws, err = s.CreateWorkspace(wf.ID, abs, branch, base)
		if err != nil {
			return err
		}
	}

	tasks, err := s.ListTasks(wf.ID, "")
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if t.WorkspaceID == "" {
			if err := s.SetTaskWorkspace(t.ID, ws.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

func printEvents(events <-chan runner.Event) {
	for evt := range events {
		switch evt.Type {
		case runner.AgentStarted:
			fmt.Printf("▸ %s started (%s)\n", evt.TaskID, evt.AgentID)
		case runner.AgentCompleted:
			fmt.Printf("✓ %s completed\n", evt.TaskID)
		case runner.AgentRetrying:
			fmt.Printf("↻ %s retrying: %s\n", evt.TaskID, evt.Reason)
		case runner.AgentFailed:
			fmt.Printf("✗ %s failed: %s\n", evt.TaskID, evt.Reason)
		case runner.AgentQuery:
			fmt.Printf("? %s asks: %s\n  Answer with: foreman answer %s \"...\"\n", evt.TaskID, evt.Reason, evt.TaskID)
		case runner.WorkflowStalled:
			fmt.Printf("⏸ workflow stalled: %s\n", evt.Reason)
		case runner.WorkflowFailed:
			fmt.Printf("✗ workflow failed: %s\n", evt.Reason)
		case runner.WorkflowAllComplete:
			fmt.Printf("✓ workflow finished (%s)\n", evt.Reason)
		}
	}
}

func reportCycle(workspaceID string, res *prcycle.Result) {
	switch {
	case res.Mode == prcycle.ModeOff:
		return
	case len(res.Plan) > 0:
		fmt.Printf("pr cycle (dry run) for %s would:\n", workspaceID)
		for _, step := range res.Plan {
			fmt.Printf("  - %s\n", step)
		}
	case res.Merged:
		fmt.Printf("merged %s at %s\n", workspaceID, res.MergeCommit)
	case res.Conflict:
		fmt.Printf("pr cycle for %s: unresolved merge conflict\n", workspaceID)
	case res.CITimedOut:
		fmt.Printf("pr cycle for %s: CI timed out\n", workspaceID)
	case res.CIState == prcycle.CIFailing:
		fmt.Printf("pr cycle for %s: CI failing\n", workspaceID)
	case res.ReviewOutcome != "" && res.ReviewOutcome != "approve":
		fmt.Printf("pr cycle for %s: review requested changes: %s\n", workspaceID, res.ReviewOutcome)
	default:
		fmt.Printf("pr cycle for %s stopped at %s (PR: %s)\n", workspaceID, res.Stage, res.PRURL)
	}
}
