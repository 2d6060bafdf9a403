package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/imkarma/foreman/internal/api"
	"github.com/imkarma/foreman/internal/bus"
	"github.com/imkarma/foreman/internal/daemon"
	"github.com/imkarma/foreman/internal/graph"
	"github.com/imkarma/foreman/internal/runner"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the project daemon",
	Long: `Elects this process as the project's daemon, serves the API, and
resumes workflows orphaned by a crashed predecessor. Exactly one daemon runs
per project store; a second invocation reports the live daemon's port.`,
	RunE: runDaemon,
}

func runDaemon(cmd *cobra.Command, args []string) error {
	s, err := mustStore()
	if err != nil {
		return err
	}
	defer s.Close()
	cfg, err := mustConfig()
	if err != nil {
		return err
	}

	handle, err := daemon.Init(s, s.Path(), cfg.PreferredPort)
	if err != nil {
		return err
	}
	defer handle.Cleanup()
	if !handle.IsDaemon {
		fmt.Printf("Daemon already running on port %d\n", handle.Port)
		return nil
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

	fmt.Printf("Daemon listening on port %d (session %s)\n", handle.Port, handle.Session.ID)

	// Recovery: stale-check and resume workflows a dead daemon left running.
	daemon.ReapSessions(s)
	orphaned, err := s.OrphanedWorkflows()
	if err != nil {
		return err
	}
	for _, wf := range orphaned {
		released, err := runner.PrepareResume(s, wf.ID)
		if err != nil {
			return err
		}
		fmt.Printf("Resuming %s (%s), released %d stale claims\n", wf.ID, wf.Name, released)
		r := runner.New(s, g, cfg.Agent, runner.Options{
			WorkflowID:     wf.ID,
			MaxAgents:      maxParallel(wf.MaxParallelTasks, cfg.MaxParallelTasks),
			PermissionMode: cfg.Agent.Permission,
			MaxTurns:       cfg.MaxTurns,
			MaxBudgetUSD:   cfg.MaxBudgetUSD,
			MCPServerURL:   fmt.Sprintf("http://127.0.0.1:%d/api", handle.Port),
			Cwd:            ".",
			MaxRetries:     cfg.MaxRetries,
			SessionID:      handle.Session.ID,
		})
		go printEvents(r.Events())
		if err := r.Run(ctx); err != nil && ctx.Err() != nil {
			break
		}
	}

	<-ctx.Done()
	return nil
}

func maxParallel(workflow, project int) int {
	if workflow > 0 {
		return workflow
	}
	if project > 0 {
		return project
	}
	return 1
}
