package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/imkarma/foreman/internal/config"
	"github.com/imkarma/foreman/internal/store"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize foreman in the current directory",
	Long:  "Creates a .foreman/ directory with default config and database.",
	RunE:  runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	dir := config.Path(".")
	if _, err := os.Stat(dir); err == nil {
		return fmt.Errorf("foreman already initialized in this directory (%s exists)", config.Dir)
	}

	if err := os.MkdirAll(foremanPath("worktrees"), 0755); err != nil {
		return fmt.Errorf("create %s: %w", config.Dir, err)
	}

	cfgPath := foremanPath("config.yaml")
	if err := config.Save(cfgPath, config.Default()); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	// Opening the store runs migrations and creates the schema.
	s, err := store.Open(foremanPath(dbFileName))
	if err != nil {
		return fmt.Errorf("create database: %w", err)
	}
	s.Close()

	ensureGitignore()

	fmt.Printf("Initialized foreman in %s/\n", config.Dir)
	fmt.Println("")
	fmt.Println("Next steps:")
	fmt.Printf("  1. Edit %s to point at your agent command\n", cfgPath)
	fmt.Println("  2. Run: foreman workflow new --name \"my feature\" --plan plan.md")
	fmt.Println("  3. Run: foreman board")
	return nil
}

// ensureGitignore adds the metadata directory to .gitignore when the project
// has one and the entry is missing. Best effort.
func ensureGitignore() {
	data, err := os.ReadFile(".gitignore")
	if err != nil {
		return
	}
	entry := config.Dir + "/"
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == entry || strings.TrimSpace(line) == config.Dir {
			return
		}
	}
	f, err := os.OpenFile(".gitignore", os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "\n%s\n", entry)
}
