package database

import (
	"database/sql"
	"errors"
	"fmt"
	"os"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"
)

// Migrator applies schema migrations from a directory of SQL files. It runs
// over the service's pgx pool through a database/sql shim.
type Migrator struct {
	migrate *migrate.Migrate
	sqlDB   *sql.DB // shim around the pgx pool, released on Close
	logger  zerolog.Logger
}

// NewMigrator builds a migrator over the given pool and migrations directory.
func NewMigrator(db *DB, migrationsPath string, logger zerolog.Logger) (*Migrator, error) {
	if db == nil || db.pool == nil {
		return nil, fmt.Errorf("database pool is required")
	}
	if migrationsPath == "" {
		return nil, fmt.Errorf("migrations path is required")
	}
	if _, err := os.Stat(migrationsPath); err != nil {
		return nil, fmt.Errorf("migrations path: %w", err)
	}

	sqlDB := stdlib.OpenDBFromPool(db.pool)

	driver, err := postgres.WithInstance(sqlDB, &postgres.Config{
		MigrationsTable: "schema_migrations",
	})
	if err != nil {
		return nil, fmt.Errorf("create postgres driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(
		fmt.Sprintf("file://%s", migrationsPath),
		"postgres",
		driver,
	)
	if err != nil {
		return nil, fmt.Errorf("create migrator: %w", err)
	}

	return &Migrator{migrate: m, sqlDB: sqlDB, logger: logger}, nil
}

// Up applies all pending migrations. Being already at the latest version is
// not an error.
func (m *Migrator) Up() error {
	m.logger.Info().Msg("applying database migrations")

	if err := m.migrate.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			m.logger.Info().Msg("schema already up to date")
			return nil
		}
		return fmt.Errorf("apply migrations: %w", err)
	}

	m.logger.Info().Msg("migrations applied")
	return nil
}

// Down rolls back every applied migration.
func (m *Migrator) Down() error {
	m.logger.Warn().Msg("rolling back all migrations")

	if err := m.migrate.Down(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			m.logger.Info().Msg("nothing to roll back")
			return nil
		}
		return fmt.Errorf("roll back migrations: %w", err)
	}

	m.logger.Info().Msg("migrations rolled back")
	return nil
}

// Steps applies n migrations: positive moves up, negative moves down.
func (m *Migrator) Steps(n int) error {
	m.logger.Info().Int("steps", n).Msg("applying migration steps")

	if err := m.migrate.Steps(n); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			m.logger.Info().Msg("schema already up to date")
			return nil
		}
		// golang-migrate reports stepping past the last migration as a
		// missing source file.
		if errors.Is(err, os.ErrNotExist) {
			m.logger.Info().Msg("no further migrations available")
			return nil
		}
		return fmt.Errorf("apply migration steps: %w", err)
	}

	return nil
}

// Version returns the current schema version and whether it is dirty.
func (m *Migrator) Version() (uint, bool, error) {
	return m.migrate.Version()
}

// Force stamps the schema version without running any migration. Recovery
// tool for a dirty version after a failed migration.
func (m *Migrator) Force(version int) error {
	m.logger.Warn().Int("version", version).Msg("forcing migration version")
	return m.migrate.Force(version)
}

// Close releases the migrate instance and the database/sql shim.
func (m *Migrator) Close() error {
	sourceErr, dbErr := m.migrate.Close()

	if m.sqlDB != nil {
		if err := m.sqlDB.Close(); err != nil && dbErr == nil {
			dbErr = err
		}
	}

	switch {
	case sourceErr != nil && dbErr != nil:
		return fmt.Errorf("close migrator: source: %v, database: %w", sourceErr, dbErr)
	case sourceErr != nil:
		return fmt.Errorf("close migration source: %w", sourceErr)
	case dbErr != nil:
		return fmt.Errorf("close migration database: %w", dbErr)
	}
	return nil
}
