// Package cli wires the foreman commands. Each command is a thin adapter
// over the internal services; nothing here holds state beyond flag values.
package cli

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "foreman",
	Short: "Delegate task graphs to coding agents",
	Long: "foreman — delegate a dependency graph of tasks to autonomous coding agents.\n" +
		"One daemon per project owns execution; everything coordinates through the store.",
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(workflowCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(answerCmd)
	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(boardCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(prCmd)
}
