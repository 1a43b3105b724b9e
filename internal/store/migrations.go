package store

import (
	"context"
	"embed"
	"io/fs"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// migrationLockID guards against two processes migrating at once.
const migrationLockID = 7316902114

// RunMigrations applies pending schema migrations to the PostgreSQL database.
// Each file runs in its own transaction and is recorded in schema_migrations.
func RunMigrations(ctx context.Context, databaseURL string) error {
	conn, err := pgx.Connect(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "migrations.Connect")
	}
	defer conn.Close(ctx)

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, migrationLockID); err != nil {
		return errors.Wrap(err, "migrations.Lock")
	}
	defer conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, migrationLockID)

	if _, err := conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return errors.Wrap(err, "migrations.Init")
	}

	names, err := fs.Glob(migrationFiles, "migrations/*.sql")
	if err != nil {
		return errors.Wrap(err, "migrations.Glob")
	}
	sort.Strings(names)

	for _, name := range names {
		var applied bool
		if err := conn.QueryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)
		`, name).Scan(&applied); err != nil {
			return errors.Wrapf(err, "migrations.Check %s", name)
		}
		if applied {
			continue
		}

		body, err := migrationFiles.ReadFile(name)
		if err != nil {
			return errors.Wrapf(err, "migrations.Read %s", name)
		}

		tx, err := conn.Begin(ctx)
		if err != nil {
			return errors.Wrapf(err, "migrations.Begin %s", name)
		}
		if _, err := tx.Exec(ctx, string(body)); err != nil {
			tx.Rollback(ctx)
			return errors.Wrapf(err, "migrations.Apply %s", name)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, name); err != nil {
			tx.Rollback(ctx)
			return errors.Wrapf(err, "migrations.Record %s", name)
		}
		if err := tx.Commit(ctx); err != nil {
			return errors.Wrapf(err, "migrations.Commit %s", name)
		}
	}
	return nil
}
