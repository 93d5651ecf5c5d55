package database

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"

	"github.com/helixir/crawler-extractor/migrations"
)

// migrationsTable records applied schema versions.
const migrationsTable = "schema_migrations"

// Migrator applies the SQL files under migrations/ to the papers database.
type Migrator struct {
	migrate *migrate.Migrate
	sqlDB   *sql.DB // sql.DB wrapper around the pgx pool, must be closed
	logger  zerolog.Logger
}

// NewMigrator creates a migrator reading from migrationsPath. An empty path
// selects the migrations compiled into the binary.
func NewMigrator(db *DB, migrationsPath string, logger zerolog.Logger) (*Migrator, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}
	if db.pool == nil {
		return nil, fmt.Errorf("database pool not initialized")
	}

	logger = logger.With().Str("component", "migrator").Logger()

	var (
		src       source.Driver
		sourceURL string
		err       error
	)
	if migrationsPath == "" {
		src, err = embeddedSource(migrations.FS)
		if err != nil {
			return nil, err
		}
		logger.Debug().Msg("using embedded migrations")
	} else {
		if _, err := os.Stat(migrationsPath); err != nil {
			return nil, fmt.Errorf("migrations path validation failed: %w", err)
		}
		sourceURL = "file://" + migrationsPath
		logger.Debug().Str("path", migrationsPath).Msg("using migrations from disk")
	}

	sqlDB := stdlib.OpenDBFromPool(db.pool)
	driver, err := postgres.WithInstance(sqlDB, &postgres.Config{
		MigrationsTable: migrationsTable,
	})
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to create postgres driver: %w", err)
	}

	var m *migrate.Migrate
	if src != nil {
		m, err = migrate.NewWithInstance("iofs", src, "postgres", driver)
	} else {
		m, err = migrate.NewWithDatabaseInstance(sourceURL, "postgres", driver)
	}
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}

	return &Migrator{
		migrate: m,
		sqlDB:   sqlDB,
		logger:  logger,
	}, nil
}

func embeddedSource(fsys fs.FS) (source.Driver, error) {
	src, err := iofs.New(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	return src, nil
}

// Up applies every pending migration.
func (m *Migrator) Up() error {
	m.logger.Info().Msg("applying migrations")
	return m.settle(m.migrate.Up(), "apply migrations")
}

// Down reverts every applied migration.
func (m *Migrator) Down() error {
	m.logger.Warn().Msg("reverting all migrations")
	return m.settle(m.migrate.Down(), "revert migrations")
}

// Steps applies n migrations forward (n > 0) or reverts -n of them.
func (m *Migrator) Steps(n int) error {
	m.logger.Info().Int("steps", n).Msg("stepping migrations")
	err := m.migrate.Steps(n)
	if errors.Is(err, os.ErrNotExist) {
		// Stepping past the newest file.
		m.logger.Info().Msg("no more migrations available")
		return nil
	}
	return m.settle(err, "step migrations")
}

// Version returns the current schema version and whether it is dirty.
func (m *Migrator) Version() (uint, bool, error) {
	return m.migrate.Version()
}

// Force records version as applied without running anything. It is used to
// recover from a dirty schema after a failed migration.
func (m *Migrator) Force(version int) error {
	m.logger.Warn().Int("version", version).Msg("forcing schema version")
	return m.migrate.Force(version)
}

// Close releases the source and the sql.DB wrapper.
func (m *Migrator) Close() error {
	sourceErr, dbErr := m.migrate.Close()
	if m.sqlDB != nil {
		if err := m.sqlDB.Close(); err != nil && dbErr == nil {
			dbErr = err
		}
	}
	return errors.Join(wrapIf(sourceErr, "failed to close source"), wrapIf(dbErr, "failed to close database"))
}

func (m *Migrator) settle(err error, action string) error {
	if err == nil {
		m.logger.Info().Str("action", action).Msg("migrations completed")
		return nil
	}
	if errors.Is(err, migrate.ErrNoChange) {
		m.logger.Info().Str("action", action).Msg("schema already up to date")
		return nil
	}
	return fmt.Errorf("failed to %s: %w", action, err)
}

func wrapIf(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}
