// Command migrate applies the embedded schema migrations in
// pkg/migrations to the configured Postgres database, tracking applied
// filenames in a schema_migrations table so re-runs are no-ops.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bturcanu/OpenClause/pkg/config"
	"github.com/bturcanu/OpenClause/pkg/migrations"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, config.EnvOr("DATABASE_URL", "postgres://localhost:5432/settlement"))
	if err != nil {
		log.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if _, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename   text PRIMARY KEY,
			applied_at timestamptz NOT NULL DEFAULT now()
		)`); err != nil {
		log.Error("create schema_migrations", "error", err)
		os.Exit(1)
	}

	names, err := migrations.Names()
	if err != nil {
		log.Error("list migrations", "error", err)
		os.Exit(1)
	}

	for _, name := range names {
		var applied bool
		if err := pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE filename=$1)`, name,
		).Scan(&applied); err != nil {
			log.Error("check migration", "file", name, "error", err)
			os.Exit(1)
		}
		if applied {
			log.Info("migration already applied", "file", name)
			continue
		}

		sql, err := migrations.Files.ReadFile(name)
		if err != nil {
			log.Error("read migration", "file", name, "error", err)
			os.Exit(1)
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			log.Error("begin migration tx", "file", name, "error", err)
			os.Exit(1)
		}
		if _, err := tx.Exec(ctx, string(sql)); err != nil {
			log.Error("apply migration", "file", name, "error", err)
			_ = tx.Rollback(ctx)
			os.Exit(1)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO schema_migrations (filename) VALUES ($1)`, name,
		); err != nil {
			log.Error("record migration", "file", name, "error", err)
			_ = tx.Rollback(ctx)
			os.Exit(1)
		}
		if err := tx.Commit(ctx); err != nil {
			log.Error("commit migration", "file", name, "error", err)
			os.Exit(1)
		}
		log.Info("migration applied", "file", name)
	}
}
