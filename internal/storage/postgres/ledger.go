package postgres

import (
	"context"
	"embed"
	"fmt"
	"io/fs"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"sagestar/internal/storage"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// migrateLedger runs the embedded goose migrations creating etl_runs and
// etl_run_tables.
func (r *MultiRepo) migrateLedger(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	migrations, err := fs.Sub(embedMigrations, "migrations")
	if err != nil {
		return err
	}
	p, err := goose.NewProvider(goose.DialectPostgres, db, migrations)
	if err != nil {
		return fmt.Errorf("failed to create goose provider: %w", err)
	}
	if _, err := p.Up(ctx); err != nil {
		return fmt.Errorf("failed to run ledger migrations: %w", err)
	}
	return nil
}

// RecordRun migrates the ledger and stores one run with its tables. It is a
// no-op when the repository was opened without Ledger.
func (r *MultiRepo) RecordRun(ctx context.Context, run storage.RunRecord) error {
	if !r.ledger {
		return nil
	}
	if err := r.migrateLedger(ctx); err != nil {
		return err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("RecordRun: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO etl_runs (run_id, job, state, started_at, finished_at, error) VALUES ($1, $2, $3, $4, $5, $6);`,
		run.RunID, run.Job, run.State, run.StartedAt.UTC(), run.FinishedAt.UTC(), nullText(run.Error),
	); err != nil {
		return fmt.Errorf("RecordRun: insert run %s: %w", run.RunID, err)
	}

	for _, t := range run.Tables {
		if _, err := tx.Exec(ctx,
			`INSERT INTO etl_run_tables (run_id, set_name, table_name, kind, read_rows, attempted, loaded, rejected, unresolved, error)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10);`,
			run.RunID, t.Set, t.Table, t.Kind, t.Read, t.Attempted, t.Loaded, t.Rejected, t.Unresolved, nullText(t.Error),
		); err != nil {
			return fmt.Errorf("RecordRun: insert table %s: %w", t.Table, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("RecordRun: commit: %w", err)
	}
	return nil
}

func nullText(s string) any {
	if s == "" {
		return nil
	}
	return s
}
