// Package migrations applies the embedded PostgreSQL schema migrations.
// The API server runs them at startup; re-running against an up-to-date
// schema is a no-op.
package migrations

import (
	"embed"
	"errors"
	"fmt"
	"log"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed sql/*.sql
var files embed.FS

// Run applies all pending migrations against the database identified by
// databaseURL (a postgres:// connection string).
func Run(databaseURL string) error {
	source, err := iofs.New(files, "sql")
	if err != nil {
		return fmt.Errorf("migrations: load embedded files: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return fmt.Errorf("migrations: init: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Printf("[migrations] schema up to date")
			return nil
		}
		return fmt.Errorf("migrations: apply: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil {
		return fmt.Errorf("migrations: read version: %w", err)
	}
	log.Printf("[migrations] schema at version %d (dirty=%v)", version, dirty)
	return nil
}
