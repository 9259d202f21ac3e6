package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"sagestar/internal/storage"
)

// SQLite's default SQLITE_MAX_VARIABLE_NUMBER.
const maxParams = 32766

const maxRowsPerStatement = 500

// MultiRepo implements storage.MultiRepository for SQLite.
//
// Key design points vs Postgres:
//   - SQLite has no schemas. "ventes.dim_client" is stored as
//     "ventes_dim_client".
//   - Dates are stored as TEXT (2006-01-02) and decimals with NUMERIC
//     affinity.
//   - Foreign keys are declared but not enforced (PRAGMA foreign_keys is left
//     off); fact promotion joins every dimension instead.
type MultiRepo struct {
	db     *sql.DB
	ledger bool
}

func init() {
	storage.RegisterMulti("sqlite", NewMulti)
}

func NewMulti(ctx context.Context, cfg storage.MultiConfig) (storage.MultiRepository, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, err
	}
	// Every connection to an in-memory database sees its own database.
	if strings.Contains(cfg.DSN, ":memory:") || strings.Contains(cfg.DSN, "mode=memory") {
		db.SetMaxOpenConns(1)
	}
	return &MultiRepo{db: db, ledger: cfg.Ledger}, nil
}

func (r *MultiRepo) Close() { _ = r.db.Close() }

func (r *MultiRepo) Ping(ctx context.Context) error { return r.db.PingContext(ctx) }

// EnsureTables creates tables; schema qualifiers are flattened into the
// table name.
func (r *MultiRepo) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		baseSQL, err := buildCreateSQL(t)
		if err != nil {
			return err
		}
		if _, err := r.db.ExecContext(ctx, baseSQL); err != nil {
			return fmt.Errorf("create table %s: %w", t.Name, err)
		}
	}
	return nil
}

func (r *MultiRepo) SelectAllKeyValue(ctx context.Context, table, keyColumn, valueColumn string) (map[string]int64, error) {
	if table == "" || keyColumn == "" || valueColumn == "" {
		return nil, fmt.Errorf("SelectAllKeyValue: table, keyColumn, valueColumn are required")
	}
	q := fmt.Sprintf(`SELECT %s, %s FROM %s`, sqlIdent(keyColumn), sqlIdent(valueColumn), sqlTable(table))

	rows, err := r.db.QueryContext(ctx, q)
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

// UpsertDimensionRows uses INSERT ... ON CONFLICT (...) DO UPDATE (SQLite
// 3.24+) inside one transaction.
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

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("UpsertDimensionRows: begin %s: %w", table, err)
	}
	defer tx.Rollback()

	names := storage.ColumnNames(columns)
	var total int64
	for _, batch := range chunkRows(rows, rowsPerStatement(len(columns))) {
		q, args, err := buildUpsertSQL(table, names, batch, conflictColumn)
		if err != nil {
			return 0, err
		}
		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return 0, fmt.Errorf("UpsertDimensionRows: %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("UpsertDimensionRows: commit %s: %w", table, err)
	}
	return total, nil
}

func sqlIdent(id string) string {
	// SQLite supports "quoted identifiers"
	return `"` + strings.ReplaceAll(strings.TrimSpace(id), `"`, `""`) + `"`
}

// flattenName turns "schema.table" into "schema_table".
func flattenName(name string) string {
	return strings.ReplaceAll(strings.TrimSpace(name), ".", "_")
}

func sqlTable(name string) string { return sqlIdent(flattenName(name)) }

func sqliteType(typ string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(typ)) {
	case storage.TypeInteger:
		return "INTEGER", nil
	case storage.TypeText, storage.TypeDate:
		return "TEXT", nil
	case storage.TypeDecimal:
		return "NUMERIC", nil
	default:
		return "", fmt.Errorf("unsupported column type %q", typ)
	}
}

// splitReference parses "<table>(<column>)".
func splitReference(ref string) (table, column string, err error) {
	ref = strings.TrimSpace(ref)
	open := strings.IndexByte(ref, '(')
	if open <= 0 || !strings.HasSuffix(ref, ")") {
		return "", "", fmt.Errorf("invalid reference %q: want table(column)", ref)
	}
	return strings.TrimSpace(ref[:open]), strings.TrimSpace(ref[open+1 : len(ref)-1]), nil
}

// buildCreateSQL generates the CREATE TABLE statement. An INTEGER PRIMARY KEY
// aliases the rowid; explicit key values are always supplied.
func buildCreateSQL(t storage.TableSpec) (string, error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", fmt.Errorf("table name is empty")
	}

	defs := make([]string, 0, len(t.Columns)+len(t.Constraints)+1)
	if t.PrimaryKey != nil {
		typ, err := sqliteType(t.PrimaryKey.Type)
		if err != nil {
			return "", fmt.Errorf("table %s: primary key: %w", t.Name, err)
		}
		defs = append(defs, fmt.Sprintf("%s %s PRIMARY KEY", sqlIdent(t.PrimaryKey.Name), typ))
	}
	for _, c := range t.Columns {
		if strings.TrimSpace(c.Name) == "" {
			return "", fmt.Errorf("table %s: column name must be set", t.Name)
		}
		typ, err := sqliteType(c.Type)
		if err != nil {
			return "", fmt.Errorf("table %s: column %s: %w", t.Name, c.Name, err)
		}
		def := sqlIdent(c.Name) + " " + typ
		if !c.IsNullable() {
			def += " NOT NULL"
		}
		if c.References != "" {
			refTable, refCol, err := splitReference(c.References)
			if err != nil {
				return "", fmt.Errorf("table %s: column %s: %w", t.Name, c.Name, err)
			}
			def += fmt.Sprintf(" REFERENCES %s (%s)", sqlTable(refTable), sqlIdent(refCol))
		}
		defs = append(defs, def)
	}
	if len(defs) == 0 {
		return "", fmt.Errorf("table %s: no columns", t.Name)
	}
	for _, c := range t.Constraints {
		if !strings.EqualFold(strings.TrimSpace(c.Kind), "unique") || len(c.Columns) == 0 {
			return "", fmt.Errorf("table %s: unsupported constraint %q", t.Name, c.Kind)
		}
		defs = append(defs, "UNIQUE ("+joinIdentList(c.Columns)+")")
	}

	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s);", sqlTable(t.Name), strings.Join(defs, ", ")), nil
}

// buildUpsertSQL builds a multi-VALUES INSERT ... ON CONFLICT DO UPDATE with
// ? placeholders. Values go through storage.DBValue.
func buildUpsertSQL(table string, columns []string, rows [][]any, conflictColumn string) (string, []any, error) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(sqlTable(table))
	b.WriteString(" (")
	b.WriteString(joinIdentList(columns))
	b.WriteString(") VALUES ")

	placeholders := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ") + ")"
	args := make([]any, 0, len(rows)*len(columns))
	for i, row := range rows {
		if len(row) != len(columns) {
			return "", nil, fmt.Errorf("upsert %s: row %d has %d values, want %d", table, i, len(row), len(columns))
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(placeholders)
		args = append(args, storage.DBRow(row)...)
	}

	b.WriteString(" ON CONFLICT (")
	b.WriteString(sqlIdent(conflictColumn))
	b.WriteString(")")

	var sets []string
	for _, c := range columns {
		if c == conflictColumn {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = excluded.%s", sqlIdent(c), sqlIdent(c)))
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

func joinIdentList(columns []string) string {
	out := make([]string, len(columns))
	for i, c := range columns {
		out[i] = sqlIdent(c)
	}
	return strings.Join(out, ", ")
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
