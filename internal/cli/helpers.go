package cli

import (
	"fmt"
	"os"

	"github.com/imkarma/foreman/internal/config"
	"github.com/imkarma/foreman/internal/store"
)

const dbFileName = "foreman.db"

// foremanPath returns a path inside the project's .foreman/ directory.
func foremanPath(parts ...string) string {
	return config.Path(".", parts...)
}

// mustStore opens the store, erroring if foreman is not initialized here.
func mustStore() (*store.Store, error) {
	dbPath := foremanPath(dbFileName)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("foreman not initialized. Run: foreman init")
	}
	return store.Open(dbPath)
}

// mustConfig loads the project config.
func mustConfig() (*config.Config, error) {
	cfg, err := config.Load(foremanPath("config.yaml"))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
