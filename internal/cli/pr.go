package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/imkarma/foreman/internal/gitops"
	"github.com/imkarma/foreman/internal/prcycle"
)

var prCmd = &cobra.Command{
	Use:   "pr <workspace-id>",
	Short: "Run the PR cycle for a workspace",
	Long: `Drives the workspace's pull request through review, CI wait, and
merge under the configured (or overridden) automation mode.`,
	Args: cobra.ExactArgs(1),
	RunE: runPR,
}

var (
	prMode  string
	prTitle string
)

func init() {
	prCmd.Flags().StringVar(&prMode, "mode", "", "Mode override (off, hitl, auto, dry_run)")
	prCmd.Flags().StringVar(&prTitle, "title", "", "Pull request title")
}

func runPR(cmd *cobra.Command, args []string) error {
	s, err := mustStore()
	if err != nil {
		return err
	}
	defer s.Close()
	cfg, err := mustConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cycle := prcycle.New(s, gitops.New("."), nil, cfg.Agent, cfg.PRCycle)
	res, err := cycle.Run(ctx, args[0], prcycle.Options{
		ModeOverride: prMode,
		Title:        prTitle,
	})
	if err != nil {
		return err
	}
	reportCycle(args[0], res)
	return nil
}
