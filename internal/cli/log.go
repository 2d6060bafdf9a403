package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var logCmd = &cobra.Command{
	Use:   "log <task-id>",
	Short: "Show a task's checkpoint history",
	Args:  cobra.ExactArgs(1),
	RunE:  runLog,
}

func runLog(cmd *cobra.Command, args []string) error {
	s, err := mustStore()
	if err != nil {
		return err
	}
	defer s.Close()

	t, err := s.GetTask(args[0])
	if err != nil {
		return err
	}
	cps, err := s.ListCheckpoints(t.ID)
	if err != nil {
		return err
	}

	fmt.Printf("%s  %s [%s]\n", t.ID, t.Name, t.Status)
	if len(cps) == 0 {
		fmt.Println("  no checkpoints yet")
		return nil
	}
	for _, cp := range cps {
		ts := time.UnixMilli(cp.CreatedAt).Local().Format("15:04:05")
		fmt.Printf("  %3d %s [%s] %s\n", cp.Sequence, ts, cp.Type, cp.Content)
	}
	return nil
}
