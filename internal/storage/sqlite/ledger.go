package sqlite

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"time"

	"github.com/pressly/goose/v3"

	"sagestar/internal/storage"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

var _ storage.RunRecorder = (*MultiRepo)(nil)

func (r *MultiRepo) migrateLedger(ctx context.Context) error {
	migrations, err := fs.Sub(embedMigrations, "migrations")
	if err != nil {
		return err
	}
	p, err := goose.NewProvider(goose.DialectSQLite3, r.db, migrations)
	if err != nil {
		return fmt.Errorf("failed to create goose provider: %w", err)
	}
	if _, err := p.Up(ctx); err != nil {
		return fmt.Errorf("failed to run ledger migrations: %w", err)
	}
	return nil
}

// RecordRun migrates the ledger and stores one run with its tables.
// Timestamps are stored as RFC3339Nano UTC text.
func (r *MultiRepo) RecordRun(ctx context.Context, run storage.RunRecord) error {
	if !r.ledger {
		return nil
	}
	if err := r.migrateLedger(ctx); err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("RecordRun: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO etl_runs (run_id, job, state, started_at, finished_at, error) VALUES (?, ?, ?, ?, ?, ?);`,
		run.RunID, run.Job, run.State, formatSQLiteTime(run.StartedAt), formatSQLiteTime(run.FinishedAt), nullText(run.Error),
	); err != nil {
		return fmt.Errorf("RecordRun: insert run %s: %w", run.RunID, err)
	}
	for _, t := range run.Tables {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO etl_run_tables (run_id, set_name, table_name, kind, read_rows, attempted, loaded, rejected, unresolved, error)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
			run.RunID, t.Set, t.Table, t.Kind, t.Read, t.Attempted, t.Loaded, t.Rejected, t.Unresolved, nullText(t.Error),
		); err != nil {
			return fmt.Errorf("RecordRun: insert table %s: %w", t.Table, err)
		}
	}
	return tx.Commit()
}

func formatSQLiteTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullText(s string) any {
	if s == "" {
		return nil
	}
	return s
}
