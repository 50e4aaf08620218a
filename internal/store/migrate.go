package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationsFS embed.FS

// runMigrations applies the embedded migrations matching the driver's
// dialect. Up on an already-current schema is a no-op.
func runMigrations(db *sql.DB, driver string) error {
	var (
		dir      string
		dbDriver database.Driver
		err      error
	)
	switch driver {
	case DriverPostgres:
		dir = "migrations/postgres"
		dbDriver, err = postgres.WithInstance(db, &postgres.Config{})
	case DriverSQLite:
		dir = "migrations/sqlite"
		dbDriver, err = sqlite3.WithInstance(db, &sqlite3.Config{})
	default:
		return fmt.Errorf("store: no migrations for driver %q", driver)
	}
	if err != nil {
		return fmt.Errorf("store: migration driver %s: %w", driver, err)
	}

	src, err := iofs.New(migrationsFS, dir)
	if err != nil {
		return fmt.Errorf("store: migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, driver, dbDriver)
	if err != nil {
		return fmt.Errorf("store: migrate init: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: migrate up: %w", err)
	}
	return nil
}
