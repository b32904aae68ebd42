package postgres

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// MigrationsTable records applied migrations.
const MigrationsTable = "delivery_schema_migrations"

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate applies the embedded migrations, which create the default tables.
// The handle stays open; closing it remains the caller's job.
func Migrate(db *sql.DB) error {
	if db == nil {
		return ErrDBRequired
	}

	source, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("delivery postgres: load migrations failed: %w", err)
	}

	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{MigrationsTable: MigrationsTable})
	if err != nil {
		return fmt.Errorf("delivery postgres: migration driver failed: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "pgx5", driver)
	if err != nil {
		return fmt.Errorf("delivery postgres: create migration failed: %w", err)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return nil
		}

		var dirtyErr migrate.ErrDirty
		if errors.As(err, &dirtyErr) {
			return fmt.Errorf("delivery postgres: migration failed: dirty database version %d", dirtyErr.Version)
		}

		return fmt.Errorf("delivery postgres: migration failed: %w", err)
	}

	return nil
}
