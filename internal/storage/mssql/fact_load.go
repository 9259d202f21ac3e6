package mssql

import (
	"context"
	"fmt"
	"strings"

	"sagestar/internal/storage"
)

type factLoad struct {
	tx     txConn
	spec   storage.FactLoadSpec
	stage  string
	cols   []string
	staged int64
	chunk  int
	done   bool
}

// BeginFactLoad opens the transaction and creates the #temp staging table.
// The CREATE runs without arguments so the driver sends a plain batch and the
// table stays visible to the rest of the session.
func (r *MultiRepo) BeginFactLoad(ctx context.Context, spec storage.FactLoadSpec) (storage.FactLoad, error) {
	if spec.Table == "" || len(spec.Columns) == 0 {
		return nil, fmt.Errorf("mssql: BeginFactLoad: table and columns are required")
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("mssql: BeginFactLoad: begin %s: %w", spec.Table, err)
	}
	l := &factLoad{
		tx:    tx,
		spec:  spec,
		stage: stageTableName(spec.Table),
		cols:  storage.ColumnNames(spec.Columns),
	}
	if _, err := tx.ExecContext(ctx, buildStageTableSQL(l.stage, l.cols)); err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("mssql: BeginFactLoad: create staging for %s: %w", spec.Table, err)
	}
	return l, nil
}

func (l *factLoad) StageChunk(ctx context.Context, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	l.chunk++
	sp := fmt.Sprintf("stage_%d", l.chunk)

	if _, err := l.tx.ExecContext(ctx, "SAVE TRANSACTION "+sp+";"); err != nil {
		return fmt.Errorf("mssql: stage %s: savepoint: %w", l.spec.Table, err)
	}
	for _, batch := range chunkRows(rows, rowsPerStatement(len(l.cols))) {
		q, args := buildStageInsertSQL(l.stage, l.cols, batch)
		if _, err := l.tx.ExecContext(ctx, q, args...); err != nil {
			_, _ = l.tx.ExecContext(ctx, "ROLLBACK TRANSACTION "+sp+";")
			return fmt.Errorf("mssql: stage %s: %w", l.spec.Table, err)
		}
	}
	l.staged += int64(len(rows))
	return nil
}

func (l *factLoad) Commit(ctx context.Context) (storage.FactLoadResult, error) {
	res := storage.FactLoadResult{Staged: l.staged}
	if l.done {
		return res, fmt.Errorf("mssql: commit %s: load already finished", l.spec.Table)
	}
	l.done = true
	defer l.tx.Rollback()

	joinSQL, promoteSQL, err := buildPromoteSQL(l.spec, l.stage)
	if err != nil {
		return res, err
	}

	var joined int64
	if err := l.tx.QueryRowContext(ctx, joinSQL).Scan(&joined); err != nil {
		return res, fmt.Errorf("mssql: commit %s: count joined rows: %w", l.spec.Table, err)
	}
	if l.spec.Replace {
		if _, err := l.tx.ExecContext(ctx, "DELETE FROM "+mssqlTableIdent(l.spec.Table)+";"); err != nil {
			return res, fmt.Errorf("mssql: commit %s: replace: %w", l.spec.Table, err)
		}
	}
	out, err := l.tx.ExecContext(ctx, promoteSQL)
	if err != nil {
		return res, fmt.Errorf("mssql: commit %s: promote: %w", l.spec.Table, err)
	}
	loaded, _ := out.RowsAffected()

	if _, err := l.tx.ExecContext(ctx, "DROP TABLE "+mssqlIdent(l.stage)+";"); err != nil {
		return res, fmt.Errorf("mssql: commit %s: drop staging: %w", l.spec.Table, err)
	}
	if err := l.tx.Commit(); err != nil {
		return res, fmt.Errorf("mssql: commit %s: %w", l.spec.Table, err)
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

func stageTableName(table string) string {
	name := strings.TrimSpace(table)
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}
	return "#stg_" + name
}

func buildStageTableSQL(stage string, cols []string) string {
	defs := make([]string, len(cols))
	for i, c := range cols {
		defs[i] = mssqlIdent(c) + " NVARCHAR(450) NULL"
	}
	return fmt.Sprintf("CREATE TABLE %s (%s);", mssqlIdent(stage), strings.Join(defs, ", "))
}

func buildStageInsertSQL(stage string, cols []string, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(mssqlIdent(stage))
	b.WriteString(" (")
	for i, c := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(mssqlIdent(c))
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
			fmt.Fprintf(&b, "@p%d", p)
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

// buildPromoteSQL returns the joined-row count and the INSERT ... SELECT with
// one INNER JOIN per foreign key. Append dedupe compares NULLs explicitly.
func buildPromoteSQL(spec storage.FactLoadSpec, stage string) (joinSQL, promoteSQL string, err error) {
	types := make(map[string]string, len(spec.Columns))
	names := make([]string, len(spec.Columns))
	selects := make([]string, len(spec.Columns))
	for i, c := range spec.Columns {
		t, err := mssqlType(c.Type)
		if err != nil {
			return "", "", fmt.Errorf("mssql: promote %s: column %s: %w", spec.Table, c.Name, err)
		}
		types[c.Name] = t
		names[i] = mssqlIdent(c.Name)
		selects[i] = fmt.Sprintf("CAST(s.%s AS %s)", mssqlIdent(c.Name), t)
	}

	var from strings.Builder
	from.WriteString(" FROM ")
	from.WriteString(mssqlIdent(stage))
	from.WriteString(" AS s")
	for i, fk := range spec.ForeignKeys {
		alias := fmt.Sprintf("d%d", i)
		fmt.Fprintf(&from, " INNER JOIN %s AS %s ON %s.%s = CAST(s.%s AS BIGINT)",
			mssqlTableIdent(fk.RefTable), alias, alias, mssqlIdent(fk.RefColumn), mssqlIdent(fk.Column))
	}
	joinSQL = "SELECT COUNT_BIG(*)" + from.String() + ";"

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) SELECT %s", mssqlTableIdent(spec.Table), strings.Join(names, ", "), strings.Join(selects, ", "))
	b.WriteString(from.String())

	if !spec.Replace && len(spec.DedupeColumns) > 0 {
		conds := make([]string, len(spec.DedupeColumns))
		for i, c := range spec.DedupeColumns {
			t, ok := types[c]
			if !ok {
				return "", "", fmt.Errorf("mssql: promote %s: dedupe column %s is not a fact column", spec.Table, c)
			}
			col := mssqlIdent(c)
			conds[i] = fmt.Sprintf("(t.%s = CAST(s.%s AS %s) OR (t.%s IS NULL AND s.%s IS NULL))", col, col, t, col, col)
		}
		fmt.Fprintf(&b, " WHERE NOT EXISTS (SELECT 1 FROM %s AS t WHERE %s)", mssqlTableIdent(spec.Table), strings.Join(conds, " AND "))
	}
	b.WriteString(";")
	return joinSQL, b.String(), nil
}
