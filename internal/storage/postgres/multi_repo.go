package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"sagestar/internal/storage"
)

// maxParams is the Postgres bind parameter limit per statement.
const maxParams = 65535

// maxRowsPerStatement caps multi-VALUES statements regardless of width.
const maxRowsPerStatement = 1000

/*
MultiRepo implements storage.MultiRepository for Postgres.

It provides:
  - DDL for schemas, dimension and fact tables
  - Dimension upserts keyed on the natural key (ON CONFLICT DO UPDATE)
  - Fact loads through a temporary staging table promoted with INNER JOINs
  - An optional goose-migrated run ledger (storage.RunRecorder)

Every argument is bound as text and cast in SQL, so decimals and dates keep
their exact textual value.
*/
type MultiRepo struct {
	pool   *pgxpool.Pool
	ledger bool
}

// NewMulti creates a new Postgres-backed MultiRepo. The pool connects lazily;
// call Ping to check reachability.
func NewMulti(ctx context.Context, cfg storage.MultiConfig) (storage.MultiRepository, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	return &MultiRepo{pool: pool, ledger: cfg.Ledger}, nil
}

// Close closes the connection pool.
func (r *MultiRepo) Close() {
	r.pool.Close()
}

func (r *MultiRepo) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// EnsureTables creates schemas and tables. This method is idempotent.
func (r *MultiRepo) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		schemaSQL, baseSQL, err := buildCreateSQL(t)
		if err != nil {
			return err
		}
		if schemaSQL != "" {
			if _, err := r.pool.Exec(ctx, schemaSQL); err != nil {
				return fmt.Errorf("create schema for %s: %w", t.Name, err)
			}
		}
		if _, err := r.pool.Exec(ctx, baseSQL); err != nil {
			return fmt.Errorf("create table %s: %w", t.Name, err)
		}
	}
	return nil
}

// SelectAllKeyValue returns a mapping from normalized key -> surrogate id for the whole dimension table.
//
// The returned map key is storage.NormalizeKey(original_key_value), so date
// keys scanned as time.Time come back as 2006-01-02.
func (r *MultiRepo) SelectAllKeyValue(
	ctx context.Context,
	table string,
	keyColumn string,
	valueColumn string,
) (map[string]int64, error) {
	if table == "" || keyColumn == "" || valueColumn == "" {
		return nil, fmt.Errorf("SelectAllKeyValue: table, keyColumn, valueColumn are required")
	}

	q := fmt.Sprintf(
		`SELECT %s, %s FROM %s`,
		pgIdent(keyColumn),
		pgIdent(valueColumn),
		pgTable(table),
	)

	rows, err := r.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("SelectAllKeyValue: query %s: %w", table, err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var k any
		var id int64
		if err := rows.Scan(&k, &id); err != nil {
			return nil, fmt.Errorf("SelectAllKeyValue: scan %s: %w", table, err)
		}
		out[storage.NormalizeKey(k)] = id
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("SelectAllKeyValue: rows %s: %w", table, err)
	}
	return out, nil
}

// UpsertDimensionRows writes rows in one transaction, chunked under the
// parameter limit.
func (r *MultiRepo) UpsertDimensionRows(
	ctx context.Context,
	table string,
	columns []storage.ColumnSpec,
	rows [][]any,
	conflictColumn string,
) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(columns) == 0 || conflictColumn == "" {
		return 0, fmt.Errorf("UpsertDimensionRows: columns and conflictColumn are required")
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("UpsertDimensionRows: begin %s: %w", table, err)
	}
	defer tx.Rollback(ctx)

	var total int64
	for _, batch := range chunkRows(rows, rowsPerStatement(len(columns))) {
		sql, args, err := buildUpsertSQL(table, columns, batch, conflictColumn)
		if err != nil {
			return 0, err
		}
		cmd, err := tx.Exec(ctx, sql, args...)
		if err != nil {
			return 0, fmt.Errorf("UpsertDimensionRows: %s: %w", table, err)
		}
		total += cmd.RowsAffected()
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("UpsertDimensionRows: commit %s: %w", table, err)
	}
	return total, nil
}

// buildUpsertSQL constructs a single INSERT ... ON CONFLICT DO UPDATE
// statement and its args.
//
// Placeholders are rendered as $n::text::<type> so every arg is bound as
// text (see storage.TextValue) and converted by the server.
//
// Constraints:
//   - every row must have len(columns) values.
//   - conflictColumn must be one of columns and carry a UNIQUE constraint.
func buildUpsertSQL(table string, columns []storage.ColumnSpec, rows [][]any, conflictColumn string) (string, []any, error) {
	types := make([]string, len(columns))
	for i, c := range columns {
		t, err := pgType(c.Type)
		if err != nil {
			return "", nil, fmt.Errorf("upsert %s: column %s: %w", table, c.Name, err)
		}
		types[i] = t
	}

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(pgTable(table))
	b.WriteString(" (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(c.Name))
	}
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	p := 1
	for i, row := range rows {
		if len(row) != len(columns) {
			return "", nil, fmt.Errorf("upsert %s: row %d has %d values, want %d", table, i, len(row), len(columns))
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d::text::%s", p, types[j])
			args = append(args, storage.TextValue(row[j]))
			p++
		}
		b.WriteString(")")
	}

	b.WriteString(" ON CONFLICT (")
	b.WriteString(pgIdent(conflictColumn))
	b.WriteString(")")

	sets := make([]string, 0, len(columns))
	for _, c := range columns {
		if c.Name == conflictColumn {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", pgIdent(c.Name), pgIdent(c.Name)))
	}
	if len(sets) == 0 {
		b.WriteString(" DO NOTHING")
	} else {
		b.WriteString(" DO UPDATE SET ")
		b.WriteString(strings.Join(sets, ", "))
	}

	b.WriteString(";")
	return b.String(), args, nil
}

func rowsPerStatement(width int) int {
	if width <= 0 {
		return maxRowsPerStatement
	}
	return max(1, min(maxRowsPerStatement, maxParams/width))
}

func chunkRows(rows [][]any, size int) [][][]any {
	var out [][][]any
	for start := 0; start < len(rows); start += size {
		end := min(start+size, len(rows))
		out = append(out, rows[start:end])
	}
	return out
}
