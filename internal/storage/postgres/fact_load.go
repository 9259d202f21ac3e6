package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"sagestar/internal/storage"
)

// factLoad stages fact rows into a temporary text table inside one
// transaction. Each StageChunk runs in its own savepoint (a nested pgx.Tx).
type factLoad struct {
	tx     pgx.Tx
	spec   storage.FactLoadSpec
	stage  string
	cols   []string
	staged int64
	done   bool
}

// BeginFactLoad opens the transaction and creates the staging table
// (dropped on commit).
func (r *MultiRepo) BeginFactLoad(ctx context.Context, spec storage.FactLoadSpec) (storage.FactLoad, error) {
	if spec.Table == "" || len(spec.Columns) == 0 {
		return nil, fmt.Errorf("BeginFactLoad: table and columns are required")
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("BeginFactLoad: begin %s: %w", spec.Table, err)
	}

	l := &factLoad{
		tx:    tx,
		spec:  spec,
		stage: stageTableName(spec.Table),
		cols:  storage.ColumnNames(spec.Columns),
	}
	if _, err := tx.Exec(ctx, buildStageTableSQL(l.stage, l.cols)); err != nil {
		_ = tx.Rollback(ctx)
		return nil, fmt.Errorf("BeginFactLoad: create staging for %s: %w", spec.Table, err)
	}
	return l, nil
}

func (l *factLoad) StageChunk(ctx context.Context, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}

	sp, err := l.tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("stage %s: savepoint: %w", l.spec.Table, err)
	}
	for _, batch := range chunkRows(rows, rowsPerStatement(len(l.cols))) {
		sql, args := buildStageInsertSQL(l.stage, l.cols, batch)
		if _, err := sp.Exec(ctx, sql, args...); err != nil {
			_ = sp.Rollback(ctx)
			return fmt.Errorf("stage %s: %w", l.spec.Table, err)
		}
	}
	if err := sp.Commit(ctx); err != nil {
		return fmt.Errorf("stage %s: release savepoint: %w", l.spec.Table, err)
	}
	l.staged += int64(len(rows))
	return nil
}

// Commit replaces or dedupes, promotes the staged rows and commits.
func (l *factLoad) Commit(ctx context.Context) (storage.FactLoadResult, error) {
	res := storage.FactLoadResult{Staged: l.staged}
	if l.done {
		return res, fmt.Errorf("commit %s: load already finished", l.spec.Table)
	}
	l.done = true
	defer l.tx.Rollback(ctx)

	joinSQL, promoteSQL, err := buildPromoteSQL(l.spec, l.stage)
	if err != nil {
		return res, err
	}

	var joined int64
	if err := l.tx.QueryRow(ctx, joinSQL).Scan(&joined); err != nil {
		return res, fmt.Errorf("commit %s: count joined rows: %w", l.spec.Table, err)
	}

	if l.spec.Replace {
		if _, err := l.tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s;", pgTable(l.spec.Table))); err != nil {
			return res, fmt.Errorf("commit %s: replace: %w", l.spec.Table, err)
		}
	}

	cmd, err := l.tx.Exec(ctx, promoteSQL)
	if err != nil {
		return res, fmt.Errorf("commit %s: promote: %w", l.spec.Table, err)
	}
	if err := l.tx.Commit(ctx); err != nil {
		return res, fmt.Errorf("commit %s: %w", l.spec.Table, err)
	}

	res.Loaded = cmd.RowsAffected()
	res.Rejected = l.staged - joined
	res.Skipped = joined - res.Loaded
	return res, nil
}

func (l *factLoad) Rollback(ctx context.Context) error {
	if l.done {
		return nil
	}
	l.done = true
	return l.tx.Rollback(ctx)
}

func stageTableName(table string) string {
	_, t := splitQualifiedName(table)
	return "stg_" + t
}

func buildStageTableSQL(stage string, cols []string) string {
	defs := make([]string, len(cols))
	for i, c := range cols {
		defs[i] = pgIdent(c) + " text"
	}
	return fmt.Sprintf("CREATE TEMP TABLE %s (%s) ON COMMIT DROP;", pgIdent(stage), strings.Join(defs, ", "))
}

// buildStageInsertSQL builds a multi-VALUES insert into the text staging
// table; args are storage.TextValue renderings.
func buildStageInsertSQL(stage string, cols []string, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(pgIdent(stage))
	b.WriteString(" (")
	for i, c := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(c))
	}
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(cols))
	p := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range cols {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", p)
			var v any
			if j < len(row) {
				v = row[j]
			}
			args = append(args, storage.TextValue(v))
			p++
		}
		b.WriteString(")")
	}
	b.WriteString(";")
	return b.String(), args
}

// buildPromoteSQL returns the statement counting staged rows that match every
// foreign key, and the INSERT ... SELECT promoting them.
func buildPromoteSQL(spec storage.FactLoadSpec, stage string) (joinSQL, promoteSQL string, err error) {
	types := make(map[string]string, len(spec.Columns))
	selects := make([]string, len(spec.Columns))
	for i, c := range spec.Columns {
		t, err := pgType(c.Type)
		if err != nil {
			return "", "", fmt.Errorf("promote %s: column %s: %w", spec.Table, c.Name, err)
		}
		types[c.Name] = t
		selects[i] = fmt.Sprintf("CAST(s.%s AS %s)", pgIdent(c.Name), t)
	}

	var from strings.Builder
	from.WriteString(" FROM ")
	from.WriteString(pgIdent(stage))
	from.WriteString(" s")
	for i, fk := range spec.ForeignKeys {
		alias := fmt.Sprintf("d%d", i)
		fmt.Fprintf(&from, " INNER JOIN %s %s ON %s.%s = CAST(s.%s AS bigint)",
			pgTable(fk.RefTable), alias, alias, pgIdent(fk.RefColumn), pgIdent(fk.Column))
	}

	joinSQL = "SELECT count(*)" + from.String() + ";"

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(pgTable(spec.Table))
	b.WriteString(" (")
	for i, c := range spec.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(c.Name))
	}
	b.WriteString(") SELECT ")
	b.WriteString(strings.Join(selects, ", "))
	b.WriteString(from.String())

	if !spec.Replace && len(spec.DedupeColumns) > 0 {
		conds := make([]string, len(spec.DedupeColumns))
		for i, c := range spec.DedupeColumns {
			t, ok := types[c]
			if !ok {
				return "", "", fmt.Errorf("promote %s: dedupe column %s is not a fact column", spec.Table, c)
			}
			conds[i] = fmt.Sprintf("t.%s IS NOT DISTINCT FROM CAST(s.%s AS %s)", pgIdent(c), pgIdent(c), t)
		}
		fmt.Fprintf(&b, " WHERE NOT EXISTS (SELECT 1 FROM %s t WHERE %s)", pgTable(spec.Table), strings.Join(conds, " AND "))
	}
	b.WriteString(";")
	return joinSQL, b.String(), nil
}
