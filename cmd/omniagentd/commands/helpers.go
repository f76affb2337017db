package commands

import (
	"database/sql"

	"github.com/Clukay-Fun/OmniAgent/config"
	"github.com/Clukay-Fun/OmniAgent/db"
	"github.com/Clukay-Fun/OmniAgent/errors"
	"github.com/Clukay-Fun/OmniAgent/logger"
)

// ConfigPath is the --config flag value. Empty means the default search path.
var ConfigPath string

// loadConfig loads configuration from the --config flag path or the default
// search path.
func loadConfig() (*config.Config, error) {
	if ConfigPath != "" {
		return config.LoadFromFile(ConfigPath)
	}
	return config.Load()
}

// openDatabase opens and migrates the shared database from configuration.
func openDatabase(cfg *config.Config) (*sql.DB, error) {
	database, err := db.Open(cfg.Database.Path, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", cfg.Database.Path)
	}
	if err := db.Migrate(database, logger.Logger); err != nil {
		database.Close()
		return nil, errors.Wrapf(err, "failed to run migrations on %s", cfg.Database.Path)
	}
	return database, nil
}

// truncate shortens a string to fit a table column.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}
