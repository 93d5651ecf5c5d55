// Package main applies or rolls back the paper store schema.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/helixir/crawler-extractor/internal/config"
	"github.com/helixir/crawler-extractor/internal/database"
	"github.com/helixir/crawler-extractor/internal/observability"
)

func main() {
	if err := run(os.Args[1:], os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// action is one requested migration operation.
type action struct {
	name  string
	steps int
	force int
}

// parseAction reads the flags and returns the single requested action and an
// optional migrations directory override.
func parseAction(args []string, stderr io.Writer) (action, string, error) {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	up := fs.Bool("up", false, "Run all pending migrations")
	down := fs.Bool("down", false, "Roll back all migrations")
	steps := fs.Int("steps", 0, "Run N migration steps (positive=up, negative=down)")
	version := fs.Bool("version", false, "Print the current migration version")
	force := fs.Int("force", -1, "Force the recorded version after a failed migration")
	path := fs.String("path", "", "Read migrations from this directory instead of the embedded set")
	if err := fs.Parse(args); err != nil {
		return action{}, "", err
	}

	var chosen []action
	if *up {
		chosen = append(chosen, action{name: "up"})
	}
	if *down {
		chosen = append(chosen, action{name: "down"})
	}
	if *steps != 0 {
		chosen = append(chosen, action{name: "steps", steps: *steps})
	}
	if *version {
		chosen = append(chosen, action{name: "version"})
	}
	if *force >= 0 {
		chosen = append(chosen, action{name: "force", force: *force})
	}

	switch len(chosen) {
	case 0:
		fs.Usage()
		return action{}, "", errors.New("no action specified, use one of -up, -down, -steps N, -version, -force V")
	case 1:
		return chosen[0], *path, nil
	default:
		return action{}, "", errors.New("specify only one action at a time")
	}
}

func run(args []string, stderr io.Writer) error {
	act, pathOverride, err := parseAction(args, stderr)
	if err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := observability.NewLogger(observability.LoggingConfig{
		Level:      "info",
		Format:     "console",
		Output:     "stdout",
		TimeFormat: time.RFC3339,
		Service:    "crawler-extractor-migrate",
	})

	migrationDir := cfg.Database.MigrationPath
	if pathOverride != "" {
		migrationDir = pathOverride
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := database.New(ctx, &cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()

	migrator, err := database.NewMigrator(db, migrationDir, logger)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer func() {
		if closeErr := migrator.Close(); closeErr != nil {
			logger.Error().Err(closeErr).Msg("failed to close migrator")
		}
	}()

	if err := apply(migrator, act, logger); err != nil {
		return err
	}
	printVersion(migrator, logger)
	return nil
}

// schemaMigrator is the part of *database.Migrator the CLI drives.
type schemaMigrator interface {
	Up() error
	Down() error
	Steps(n int) error
	Force(version int) error
	Version() (uint, bool, error)
}

func apply(m schemaMigrator, act action, logger zerolog.Logger) error {
	switch act.name {
	case "up":
		logger.Info().Msg("running all pending migrations")
		return wrap("migrate up", m.Up())
	case "down":
		logger.Warn().Msg("rolling back all migrations")
		return wrap("migrate down", m.Down())
	case "steps":
		logger.Info().Int("steps", act.steps).Msg("running migration steps")
		return wrap("migrate steps", m.Steps(act.steps))
	case "force":
		logger.Warn().Int("version", act.force).Msg("forcing migration version")
		return wrap("force version", m.Force(act.force))
	case "version":
		return nil
	default:
		return fmt.Errorf("unknown action %q", act.name)
	}
}

func wrap(op string, err error) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func printVersion(m schemaMigrator, logger zerolog.Logger) {
	v, dirty, err := m.Version()
	if err != nil {
		logger.Warn().Err(err).Msg("could not determine migration version")
		return
	}
	logger.Info().Uint("version", v).Bool("dirty", dirty).Msg("current migration version")
}
