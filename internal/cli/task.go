package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/imkarma/foreman/internal/graph"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Inspect and re-plan tasks",
}

var taskListCmd = &cobra.Command{
	Use:   "list <workflow-id>",
	Short: "List a workflow's tasks",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskList,
}

var taskAddCmd = &cobra.Command{
	Use:   "add <workflow-id> <name>",
	Short: "Add a task to a workflow",
	Args:  cobra.ExactArgs(2),
	RunE:  runTaskAdd,
}

var taskRmCmd = &cobra.Command{
	Use:   "rm <task-id>",
	Short: "Remove a task nothing depends on",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskRm,
}

var taskSkipCmd = &cobra.Command{
	Use:   "skip <task-id>",
	Short: "Skip a task; dependents treat it as satisfied",
	Args:  cobra.ExactArgs(1),
	RunE:  taskTransition(func(g *graph.Service, id string) error { return g.Skip(id) }),
}

var taskPauseCmd = &cobra.Command{
	Use:   "pause <task-id>",
	Short: "Suspend a task",
	Args:  cobra.ExactArgs(1),
	RunE:  taskTransition(func(g *graph.Service, id string) error { return g.Pause(id) }),
}

var taskResumeCmd = &cobra.Command{
	Use:   "resume <task-id>",
	Short: "Return a paused task to pending",
	Args:  cobra.ExactArgs(1),
	RunE:  taskTransition(func(g *graph.Service, id string) error { return g.Resume(id) }),
}

var taskReleaseCmd = &cobra.Command{
	Use:   "release <task-id> <agent-id>",
	Short: "Release a claimed task back to the pool",
	Args:  cobra.ExactArgs(2),
	RunE:  runTaskRelease,
}

var (
	taskSequence  int
	taskPlan      string
	taskGroup     string
	taskDependsOn []string
	releaseReason string
)

func init() {
	taskAddCmd.Flags().IntVar(&taskSequence, "sequence", 0, "Ordering position")
	taskAddCmd.Flags().StringVar(&taskPlan, "plan", "", "Task plan text")
	taskAddCmd.Flags().StringVar(&taskGroup, "group", "", "Parallel display group")
	taskAddCmd.Flags().StringSliceVar(&taskDependsOn, "depends-on", nil, "Task ids this task waits for")

	taskReleaseCmd.Flags().StringVar(&releaseReason, "reason", "", "Release reason; a dependency regression blocks the task instead of pending it")

	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskAddCmd)
	taskCmd.AddCommand(taskRmCmd)
	taskCmd.AddCommand(taskSkipCmd)
	taskCmd.AddCommand(taskPauseCmd)
	taskCmd.AddCommand(taskResumeCmd)
	taskCmd.AddCommand(taskReleaseCmd)
}

func runTaskList(cmd *cobra.Command, args []string) error {
	s, err := mustStore()
	if err != nil {
		return err
	}
	defer s.Close()

	tasks, err := s.ListTasks(args[0], "")
	if err != nil {
		return err
	}
	deps, err := s.ListDependencies(args[0])
	if err != nil {
		return err
	}
	depsFor := make(map[string][]string)
	for _, d := range deps {
		depsFor[d.TaskID] = append(depsFor[d.TaskID], d.DependsOn)
	}

	for _, t := range tasks {
		line := fmt.Sprintf("%s  %2d [%s] %s", t.ID, t.Sequence, t.Status, t.Name)
		if t.AssignedAgentID != "" {
			line += "  agent=" + t.AssignedAgentID
		}
		if ds := depsFor[t.ID]; len(ds) > 0 {
			line += "  after " + strings.Join(ds, ", ")
		}
		fmt.Println(line)
	}
	return nil
}

func runTaskAdd(cmd *cobra.Command, args []string) error {
	s, err := mustStore()
	if err != nil {
		return err
	}
	defer s.Close()

	g := graph.New(s, nil)
	t, err := g.AddTask(args[0], graph.TaskSpec{
		Name:          args[1],
		Sequence:      taskSequence,
		ParallelGroup: taskGroup,
		Plan:          taskPlan,
		DependsOn:     taskDependsOn,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Added %s: %s\n", t.ID, t.Name)
	return nil
}

func runTaskRm(cmd *cobra.Command, args []string) error {
	s, err := mustStore()
	if err != nil {
		return err
	}
	defer s.Close()

	if err := graph.New(s, nil).RemoveTask(args[0]); err != nil {
		return err
	}
	fmt.Printf("Removed %s\n", args[0])
	return nil
}

func runTaskRelease(cmd *cobra.Command, args []string) error {
	s, err := mustStore()
	if err != nil {
		return err
	}
	defer s.Close()

	if err := graph.New(s, nil).Release(args[0], args[1], releaseReason); err != nil {
		return err
	}
	fmt.Printf("Released %s\n", args[0])
	return nil
}

func taskTransition(op func(*graph.Service, string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		s, err := mustStore()
		if err != nil {
			return err
		}
		defer s.Close()

		if err := op(graph.New(s, nil), args[0]); err != nil {
			return err
		}
		t, err := s.GetTask(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s is now %s\n", t.ID, t.Status)
		return nil
	}
}
