package app

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/helixir/crawler-extractor/internal/database"
)

// MigrateUp applies pending migrations from path, or from the embedded set
// when path is empty.
func MigrateUp(db *database.DB, path string, logger zerolog.Logger) error {
	migrator, err := database.NewMigrator(db, path, logger)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer func() {
		if closeErr := migrator.Close(); closeErr != nil {
			logger.Error().Err(closeErr).Msg("failed to close migrator")
		}
	}()
	if err := migrator.Up(); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}
