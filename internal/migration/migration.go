package migration

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// MigrationsTable keeps the identity schema version apart from any other
// service sharing the database.
const MigrationsTable = "grove_schema_migrations"

var ErrDirtySchema = errors.New("schema is dirty; fix the failed migration and force its version")

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// Result reports the schema version before and after RunMigrations.
type Result struct {
	From    uint
	To      uint
	Applied bool
}

// RunMigrations applies the embedded identity schema to a postgres database.
// The caller keeps ownership of db.
func RunMigrations(db *sql.DB) (Result, error) {
	if db == nil {
		return Result{}, errors.New("migration database handle is required")
	}

	source, err := iofs.New(embeddedMigrations, "migrations")
	if err != nil {
		return Result{}, fmt.Errorf("create migration source: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: MigrationsTable})
	if err != nil {
		return Result{}, fmt.Errorf("create migration driver: %w", err)
	}
	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return Result{}, fmt.Errorf("create migrator: %w", err)
	}

	from, dirty, err := currentVersion(migrator)
	if err != nil {
		return Result{}, err
	}
	if dirty {
		return Result{From: from}, fmt.Errorf("version %d: %w", from, ErrDirtySchema)
	}

	if err := migrator.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return Result{From: from}, fmt.Errorf("apply migrations: %w", err)
	}
	to, _, err := currentVersion(migrator)
	if err != nil {
		return Result{From: from}, err
	}
	// migrator.Close would close db as well.
	return Result{From: from, To: to, Applied: to != from}, nil
}

func currentVersion(m *migrate.Migrate) (uint, bool, error) {
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read schema version: %w", err)
	}
	return version, dirty, nil
}
