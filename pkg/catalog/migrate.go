package catalog

import (
	"database/sql"
	"embed"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.ytsaurus.tech/library/go/core/xerrors"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ApplyMigrations brings the catalog schema up to date. Safe to call from
// every process at startup: golang-migrate serializes via its own lock.
func ApplyMigrations(db *sql.DB) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return xerrors.Errorf("unable to load embedded migrations: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return xerrors.Errorf("unable to init migration driver: %w", err)
	}
	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return xerrors.Errorf("unable to init migrator: %w", err)
	}
	if err := migrator.Up(); err != nil && err != migrate.ErrNoChange {
		return xerrors.Errorf("unable to apply catalog migrations: %w", err)
	}
	return nil
}
