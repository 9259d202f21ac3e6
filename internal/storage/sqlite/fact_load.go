package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"sagestar/internal/storage"
)

type factLoad struct {
	tx     *sql.Tx
	spec   storage.FactLoadSpec
	stage  string
	cols   []string
	staged int64
	chunk  int
	done   bool
}

// BeginFactLoad opens the transaction and (re)creates the temp staging table.
// Temp tables outlive the transaction, so Commit drops it explicitly.
func (r *MultiRepo) BeginFactLoad(ctx context.Context, spec storage.FactLoadSpec) (storage.FactLoad, error) {
	if spec.Table == "" || len(spec.Columns) == 0 {
		return nil, fmt.Errorf("BeginFactLoad: table and columns are required")
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("BeginFactLoad: begin %s: %w", spec.Table, err)
	}
	l := &factLoad{
		tx:    tx,
		spec:  spec,
		stage: "stg_" + flattenName(spec.Table),
		cols:  storage.ColumnNames(spec.Columns),
	}
	for _, q := range buildStageTableSQL(l.stage, l.cols) {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			_ = tx.Rollback()
			return nil, fmt.Errorf("BeginFactLoad: create staging for %s: %w", spec.Table, err)
		}
	}
	return l, nil
}

func (l *factLoad) StageChunk(ctx context.Context, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	l.chunk++
	sp := fmt.Sprintf("stage_%d", l.chunk)

	if _, err := l.tx.ExecContext(ctx, "SAVEPOINT "+sp); err != nil {
		return fmt.Errorf("stage %s: savepoint: %w", l.spec.Table, err)
	}
	for _, batch := range chunkRows(rows, rowsPerStatement(len(l.cols))) {
		q, args := buildStageInsertSQL(l.stage, l.cols, batch)
		if _, err := l.tx.ExecContext(ctx, q, args...); err != nil {
			_, _ = l.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+sp)
			_, _ = l.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+sp)
			return fmt.Errorf("stage %s: %w", l.spec.Table, err)
		}
	}
	if _, err := l.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+sp); err != nil {
		return fmt.Errorf("stage %s: release savepoint: %w", l.spec.Table, err)
	}
	l.staged += int64(len(rows))
	return nil
}

func (l *factLoad) Commit(ctx context.Context) (storage.FactLoadResult, error) {
	res := storage.FactLoadResult{Staged: l.staged}
	if l.done {
		return res, fmt.Errorf("commit %s: load already finished", l.spec.Table)
	}
	l.done = true
	defer l.tx.Rollback()

	joinSQL, promoteSQL, err := buildPromoteSQL(l.spec, l.stage)
	if err != nil {
		return res, err
	}

	var joined int64
	if err := l.tx.QueryRowContext(ctx, joinSQL).Scan(&joined); err != nil {
		return res, fmt.Errorf("commit %s: count joined rows: %w", l.spec.Table, err)
	}
	if l.spec.Replace {
		if _, err := l.tx.ExecContext(ctx, "DELETE FROM "+sqlTable(l.spec.Table)+";"); err != nil {
			return res, fmt.Errorf("commit %s: replace: %w", l.spec.Table, err)
		}
	}
	out, err := l.tx.ExecContext(ctx, promoteSQL)
	if err != nil {
		return res, fmt.Errorf("commit %s: promote: %w", l.spec.Table, err)
	}
	loaded, _ := out.RowsAffected()

	if _, err := l.tx.ExecContext(ctx, "DROP TABLE temp."+sqlIdent(l.stage)+";"); err != nil {
		return res, fmt.Errorf("commit %s: drop staging: %w", l.spec.Table, err)
	}
	if err := l.tx.Commit(); err != nil {
		return res, fmt.Errorf("commit %s: %w", l.spec.Table, err)
	}

	res.Loaded = loaded
	res.Rejected = l.staged - joined
	res.Skipped = joined - loaded
	return res, nil
}

func (l *factLoad) Rollback(ctx context.Context) error {
	if l.done {
		return nil
	}
	l.done = true
	return l.tx.Rollback()
}

func buildStageTableSQL(stage string, cols []string) []string {
	defs := make([]string, len(cols))
	for i, c := range cols {
		defs[i] = sqlIdent(c) + " TEXT"
	}
	return []string{
		"DROP TABLE IF EXISTS temp." + sqlIdent(stage) + ";",
		fmt.Sprintf("CREATE TEMP TABLE %s (%s);", sqlIdent(stage), strings.Join(defs, ", ")),
	}
}

func buildStageInsertSQL(stage string, cols []string, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO temp.")
	b.WriteString(sqlIdent(stage))
	b.WriteString(" (")
	b.WriteString(joinIdentList(cols))
	b.WriteString(") VALUES ")

	placeholders := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ") + ")"
	args := make([]any, 0, len(rows)*len(cols))
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(placeholders)
		for j := range cols {
			var v any
			if j < len(row) {
				v = row[j]
			}
			args = append(args, storage.TextValue(v))
		}
	}
	b.WriteString(";")
	return b.String(), args
}

// buildPromoteSQL mirrors the Postgres builder: a joined-row count and the
// INSERT ... SELECT with one INNER JOIN per foreign key.
func buildPromoteSQL(spec storage.FactLoadSpec, stage string) (joinSQL, promoteSQL string, err error) {
	types := make(map[string]string, len(spec.Columns))
	selects := make([]string, len(spec.Columns))
	for i, c := range spec.Columns {
		t, err := sqliteType(c.Type)
		if err != nil {
			return "", "", fmt.Errorf("promote %s: column %s: %w", spec.Table, c.Name, err)
		}
		types[c.Name] = t
		selects[i] = fmt.Sprintf("CAST(s.%s AS %s)", sqlIdent(c.Name), t)
	}

	var from strings.Builder
	from.WriteString(" FROM temp.")
	from.WriteString(sqlIdent(stage))
	from.WriteString(" s")
	for i, fk := range spec.ForeignKeys {
		alias := fmt.Sprintf("d%d", i)
		fmt.Fprintf(&from, " INNER JOIN %s %s ON %s.%s = CAST(s.%s AS INTEGER)",
			sqlTable(fk.RefTable), alias, alias, sqlIdent(fk.RefColumn), sqlIdent(fk.Column))
	}
	joinSQL = "SELECT count(*)" + from.String() + ";"

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(sqlTable(spec.Table))
	b.WriteString(" (")
	b.WriteString(joinIdentList(storage.ColumnNames(spec.Columns)))
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
			conds[i] = fmt.Sprintf("t.%s IS CAST(s.%s AS %s)", sqlIdent(c), sqlIdent(c), t)
		}
		fmt.Fprintf(&b, " WHERE NOT EXISTS (SELECT 1 FROM %s t WHERE %s)", sqlTable(spec.Table), strings.Join(conds, " AND "))
	}
	b.WriteString(";")
	return joinSQL, b.String(), nil
}
