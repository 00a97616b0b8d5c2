// Package migrations holds the PostgreSQL schema of the pinned peer store.
package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MigrationsTable keeps the schema version apart from any other
// golang-migrate user of the same database.
const MigrationsTable = "cipherlink_schema_migrations"

// Run applies all pending migrations to db.
func Run(db *sql.DB) error {
	m, src, err := newMigrate(db)
	if err != nil {
		return err
	}
	defer src.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("%w: %w", ErrMigrationFailed, err)
	}
	return nil
}

// Down reverts every migration, dropping the pinned peer table.
func Down(db *sql.DB) error {
	m, src, err := newMigrate(db)
	if err != nil {
		return err
	}
	defer src.Close()
	if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("%w: %w", ErrMigrationFailed, err)
	}
	return nil
}

// Version reports the applied schema version. dirty means a migration failed
// halfway and needs manual repair.
func Version(db *sql.DB) (version uint, dirty bool, err error) {
	m, src, err := newMigrate(db)
	if err != nil {
		return 0, false, err
	}
	defer src.Close()
	version, dirty, err = m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

// newMigrate also returns the embedded source so callers can close it.
// m.Close would close db as well, which belongs to the caller.
func newMigrate(db *sql.DB) (*migrate.Migrate, source.Driver, error) {
	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: MigrationsTable})
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrDriverCreation, err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrSourceCreation, err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", driver)
	if err != nil {
		_ = sourceDriver.Close()
		return nil, nil, fmt.Errorf("%w: %w", ErrMigrateInstance, err)
	}
	return m, sourceDriver, nil
}
