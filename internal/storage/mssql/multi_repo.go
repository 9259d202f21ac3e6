package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/microsoft/go-mssqldb"

	"sagestar/internal/storage"
)

// SQL Server accepts 2100 parameters per request; keep headroom.
const maxParams = 2000

// A table value constructor accepts at most 1000 rows.
const maxRowsPerStatement = 1000

// MultiRepo implements storage.MultiRepository for Microsoft SQL Server.
//
// This implementation supports:
//   - Schema and table creation guarded by SCHEMA_ID / OBJECT_ID.
//   - Dimension upserts as UPDATE ... FROM (VALUES ...) followed by
//     INSERT ... WHERE NOT EXISTS (no MERGE).
//   - Fact loads through a #temp staging table with SAVE TRANSACTION per
//     chunk and INNER JOIN promotion.
//
// It does not implement storage.RunRecorder.
//
// Arguments are bound as text (storage.TextValue) and CAST in SQL.
type MultiRepo struct {
	db dbConn
}

func init() {
	storage.RegisterMulti("mssql", NewMulti)
}

// NewMulti constructs a MultiRepo using database/sql and the "sqlserver" driver.
// Connectivity is checked by Ping, not here.
func NewMulti(ctx context.Context, cfg storage.MultiConfig) (storage.MultiRepository, error) {
	raw, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, err
	}

	// Conservative defaults for ETL-style bursty loads.
	raw.SetMaxOpenConns(64)
	raw.SetMaxIdleConns(64)

	return &MultiRepo{db: &sqlDB{db: raw}}, nil
}

// Close releases database resources held by this repository.
func (r *MultiRepo) Close() {
	if r == nil || r.db == nil {
		return
	}
	_ = r.db.Close()
}

func (r *MultiRepo) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// EnsureTables creates schemas and tables. This method is idempotent and safe
// to run on every invocation.
func (r *MultiRepo) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		schemaSQL, baseSQL, err := buildCreateSQL(t)
		if err != nil {
			return err
		}
		if schemaSQL != "" {
			if _, err := r.db.ExecContext(ctx, schemaSQL); err != nil {
				return fmt.Errorf("mssql: create schema for %s: %w", t.Name, err)
			}
		}
		if _, err := r.db.ExecContext(ctx, baseSQL); err != nil {
			return fmt.Errorf("mssql: create table %s: %w", t.Name, err)
		}
	}
	return nil
}

// SelectAllKeyValue returns NormalizeKey(key) -> surrogate id for the table.
func (r *MultiRepo) SelectAllKeyValue(ctx context.Context, table, keyColumn, valueColumn string) (map[string]int64, error) {
	if table == "" || keyColumn == "" || valueColumn == "" {
		return nil, fmt.Errorf("mssql: SelectAllKeyValue: table, keyColumn, valueColumn are required")
	}
	q := fmt.Sprintf("SELECT %s, %s FROM %s;", mssqlIdent(keyColumn), mssqlIdent(valueColumn), mssqlTableIdent(table))

	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("mssql: SelectAllKeyValue: query %s: %w", table, err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var k any
		var id int64
		if err := rows.Scan(&k, &id); err != nil {
			return nil, fmt.Errorf("mssql: SelectAllKeyValue: scan %s: %w", table, err)
		}
		out[storage.NormalizeKey(k)] = id
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("mssql: SelectAllKeyValue: rows %s: %w", table, err)
	}
	return out, nil
}

// UpsertDimensionRows runs, per chunk, an UPDATE of existing natural keys and
// an INSERT of missing ones, all in one transaction.
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
		return 0, fmt.Errorf("mssql: UpsertDimensionRows: columns and conflictColumn are required")
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("mssql: UpsertDimensionRows: begin %s: %w", table, err)
	}
	defer tx.Rollback()

	var total int64
	for _, batch := range chunkRows(rows, rowsPerStatement(len(columns))) {
		updateSQL, insertSQL, args, err := buildUpsertSQL(table, columns, batch, conflictColumn)
		if err != nil {
			return 0, err
		}
		for _, q := range []string{updateSQL, insertSQL} {
			if q == "" {
				continue
			}
			res, err := tx.ExecContext(ctx, q, args...)
			if err != nil {
				return 0, fmt.Errorf("mssql: UpsertDimensionRows: %s: %w", table, err)
			}
			n, _ := res.RowsAffected()
			total += n
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("mssql: UpsertDimensionRows: commit %s: %w", table, err)
	}
	return total, nil
}

// buildUpsertSQL returns the UPDATE and INSERT statements for one chunk.
// Both reference the same @pN arguments through a VALUES row source.
// updateSQL is empty when the only column is the conflict column.
func buildUpsertSQL(table string, columns []storage.ColumnSpec, rows [][]any, conflictColumn string) (updateSQL, insertSQL string, args []any, err error) {
	types := make([]string, len(columns))
	found := false
	for i, c := range columns {
		t, err := mssqlType(c.Type)
		if err != nil {
			return "", "", nil, fmt.Errorf("mssql: upsert %s: column %s: %w", table, c.Name, err)
		}
		types[i] = t
		found = found || c.Name == conflictColumn
	}
	if !found {
		return "", "", nil, fmt.Errorf("mssql: upsert %s: conflict column %s is not a column", table, conflictColumn)
	}

	values, args, err := buildValuesSource(columns, rows)
	if err != nil {
		return "", "", nil, fmt.Errorf("mssql: upsert %s: %w", table, err)
	}
	target := mssqlTableIdent(table)
	key := mssqlIdent(conflictColumn)
	keyType := types[indexOfColumn(columns, conflictColumn)]

	var sets []string
	for i, c := range columns {
		if c.Name == conflictColumn {
			continue
		}
		sets = append(sets, fmt.Sprintf("t.%s = CAST(v.%s AS %s)", mssqlIdent(c.Name), mssqlIdent(c.Name), types[i]))
	}
	if len(sets) > 0 {
		updateSQL = fmt.Sprintf("UPDATE t SET %s FROM %s AS t INNER JOIN %s ON t.%s = CAST(v.%s AS %s);",
			strings.Join(sets, ", "), target, values, key, key, keyType)
	}

	names := make([]string, len(columns))
	casts := make([]string, len(columns))
	for i, c := range columns {
		names[i] = mssqlIdent(c.Name)
		casts[i] = fmt.Sprintf("CAST(v.%s AS %s)", mssqlIdent(c.Name), types[i])
	}
	insertSQL = fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s WHERE NOT EXISTS (SELECT 1 FROM %s AS t WHERE t.%s = CAST(v.%s AS %s));",
		target, strings.Join(names, ", "), strings.Join(casts, ", "), values, target, key, key, keyType)

	return updateSQL, insertSQL, args, nil
}

// buildValuesSource renders "(VALUES (@p1, @p2), ...) AS v ([a], [b])".
func buildValuesSource(columns []storage.ColumnSpec, rows [][]any) (string, []any, error) {
	var b strings.Builder
	b.WriteString("(VALUES ")
	args := make([]any, 0, len(rows)*len(columns))
	p := 1
	for i, row := range rows {
		if len(row) != len(columns) {
			return "", nil, fmt.Errorf("row %d has %d values, want %d", i, len(row), len(columns))
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "@p%d", p)
			args = append(args, storage.TextValue(row[j]))
			p++
		}
		b.WriteString(")")
	}
	b.WriteString(") AS v (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(mssqlIdent(c.Name))
	}
	b.WriteString(")")
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
		out = append(out, rows[start:min(start+size, len(rows))])
	}
	return out
}

func indexOfColumn(columns []storage.ColumnSpec, name string) int {
	for i, c := range columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// ---- database/sql seam types ----

// dbConn is a small interface over *sql.DB used to make this package testable.
type dbConn interface {
	PingContext(ctx context.Context) error
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error)
	Close() error
}

// txConn is a small interface over *sql.Tx used for testability.
type txConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) rowScanner
	Commit() error
	Rollback() error
}

// rowScanner is a narrow adapter over *sql.Row.Scan.
type rowScanner interface {
	Scan(dest ...any) error
}

// sqlDB wraps *sql.DB to implement dbConn.
type sqlDB struct {
	db *sql.DB
}

func (s *sqlDB) PingContext(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *sqlDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

func (s *sqlDB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, query, args...)
}

// BeginTx begins a transaction and returns a txConn wrapper.
func (s *sqlDB) BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error) {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &sqlTx{tx: tx}, nil
}

func (s *sqlDB) Close() error { return s.db.Close() }

// sqlTx wraps *sql.Tx to implement txConn.
type sqlTx struct {
	tx *sql.Tx
}

func (s *sqlTx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.tx.ExecContext(ctx, query, args...)
}

func (s *sqlTx) QueryRowContext(ctx context.Context, query string, args ...any) rowScanner {
	return s.tx.QueryRowContext(ctx, query, args...)
}

func (s *sqlTx) Commit() error { return s.tx.Commit() }

func (s *sqlTx) Rollback() error { return s.tx.Rollback() }

var (
	_ dbConn = (*sqlDB)(nil)
	_ txConn = (*sqlTx)(nil)
)
