package store

import (
	"context"
	"embed"
	"fmt"

	log "github.com/sirupsen/logrus"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const createMigrationsTableSQL = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version    TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);`

// Migrate applies bundled schema migrations that haven't been applied yet,
// in lexical filename order. Each migration runs in its own transaction and
// is recorded in schema_migrations.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, createMigrationsTableSQL); err != nil {
		return fmt.Errorf("creating schema_migrations: %w", err)
	}

	// ReadDir returns entries sorted by name.
	var entries, err = migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading bundled migrations: %w", err)
	}

	for _, entry := range entries {
		var name = entry.Name()

		applied, err := s.migrationApplied(ctx, name)
		if err != nil {
			return err
		} else if applied {
			continue
		}

		body, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", name, err)
		}
		if err = s.applyMigration(ctx, name, string(body)); err != nil {
			return fmt.Errorf("applying migration %s: %w", name, err)
		}
		log.WithField("migration", name).Info("applied schema migration")
	}
	return nil
}

func (s *Store) migrationApplied(ctx context.Context, name string) (bool, error) {
	var applied bool
	var err = s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1);`, name).Scan(&applied)
	if err != nil {
		return false, fmt.Errorf("checking migration %s: %w", name, err)
	}
	return applied, nil
}

func (s *Store) applyMigration(ctx context.Context, name, body string) error {
	var txn, err = s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer txn.Rollback(ctx)

	if _, err = txn.Exec(ctx, body); err != nil {
		return err
	}
	if _, err = txn.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1);`, name); err != nil {
		return err
	}
	return txn.Commit(ctx)
}
