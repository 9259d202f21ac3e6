package postgres

import (
	"fmt"
	"strings"

	"sagestar/internal/storage"
)

// pgIdent quotes a single identifier.
func pgIdent(name string) string {
	return `"` + strings.ReplaceAll(strings.TrimSpace(name), `"`, `""`) + `"`
}

// pgTable quotes a possibly schema-qualified table name part by part.
func pgTable(name string) string {
	schema, table := splitQualifiedName(name)
	if schema == "" {
		return pgIdent(table)
	}
	return pgIdent(schema) + "." + pgIdent(table)
}

// pgType maps a portable column type to its Postgres DDL type.
func pgType(typ string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(typ)) {
	case storage.TypeInteger:
		return "bigint", nil
	case storage.TypeText:
		return "text", nil
	case storage.TypeDecimal:
		return "numeric(18,4)", nil
	case storage.TypeDate:
		return "date", nil
	default:
		return "", fmt.Errorf("unsupported column type %q", typ)
	}
}

// splitQualifiedName splits a schema-qualified name into (schema, table).
//
// Examples:
//   - "ventes.dim_client" => ("ventes", "dim_client")
//   - "dim_client"        => ("", "dim_client")
//
// Only a single dot is handled; anything else is treated as unqualified.
func splitQualifiedName(name string) (schema string, table string) {
	name = strings.TrimSpace(name)
	parts := strings.Split(name, ".")
	if len(parts) != 2 {
		return "", name
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
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

// buildColumnDef renders a single column definition.
//
// Nullable semantics:
//   - nullable == nil  => NOT NULL
//   - nullable == true => NULL (no NOT NULL clause)
//   - nullable == false=> NOT NULL
func buildColumnDef(c storage.ColumnSpec) (string, error) {
	name := strings.TrimSpace(c.Name)
	if name == "" {
		return "", fmt.Errorf("column name must be set")
	}
	typ, err := pgType(c.Type)
	if err != nil {
		return "", fmt.Errorf("column %s: %w", name, err)
	}

	var b strings.Builder
	b.WriteString(pgIdent(name))
	b.WriteString(" ")
	b.WriteString(typ)

	if !c.IsNullable() {
		b.WriteString(" NOT NULL")
	}

	// Foreign key references are expressed inline in the column definition.
	if ref := strings.TrimSpace(c.References); ref != "" {
		table, column, err := splitReference(ref)
		if err != nil {
			return "", fmt.Errorf("column %s: %w", name, err)
		}
		b.WriteString(" REFERENCES ")
		b.WriteString(pgTable(table))
		b.WriteString(" (")
		b.WriteString(pgIdent(column))
		b.WriteString(")")
	}

	return b.String(), nil
}

// buildBaseConstraints generates table-level constraints.
//
// Only UNIQUE is supported; it backs the natural-key upsert.
func buildBaseConstraints(t storage.TableSpec) ([]string, error) {
	if len(t.Constraints) == 0 {
		return nil, nil
	}

	out := make([]string, 0, len(t.Constraints))
	for _, c := range t.Constraints {
		kind := strings.ToLower(strings.TrimSpace(c.Kind))
		switch kind {
		case "unique":
			if len(c.Columns) == 0 {
				return nil, fmt.Errorf("table %s: unique constraint requires columns", t.Name)
			}
			var b strings.Builder
			b.WriteString("UNIQUE (")
			for i, col := range c.Columns {
				if i > 0 {
					b.WriteString(", ")
				}
				b.WriteString(pgIdent(col))
			}
			b.WriteString(")")
			out = append(out, b.String())
		default:
			return nil, fmt.Errorf("table %s: unsupported constraint kind %q", t.Name, c.Kind)
		}
	}
	return out, nil
}

// buildCreateSQL builds the optional CREATE SCHEMA and the CREATE TABLE
// statement for t. The surrogate key is a plain bigint primary key: keys are
// assigned by the loader, never by a sequence.
func buildCreateSQL(t storage.TableSpec) (schemaSQL, baseSQL string, err error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", "", fmt.Errorf("table name is empty")
	}

	if schema, _ := splitQualifiedName(t.Name); schema != "" {
		schemaSQL = fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s;`, pgIdent(schema))
	}

	cols := make([]string, 0, len(t.Columns)+len(t.Constraints)+1)
	if t.PrimaryKey != nil {
		pk := strings.TrimSpace(t.PrimaryKey.Name)
		if pk == "" {
			return "", "", fmt.Errorf("table %s: primary_key.name is required", t.Name)
		}
		pkType, err := pgType(t.PrimaryKey.Type)
		if err != nil {
			return "", "", fmt.Errorf("table %s: primary key: %w", t.Name, err)
		}
		cols = append(cols, fmt.Sprintf(`%s %s PRIMARY KEY`, pgIdent(pk), pkType))
	}
	for _, c := range t.Columns {
		def, err := buildColumnDef(c)
		if err != nil {
			return "", "", fmt.Errorf("table %s: %w", t.Name, err)
		}
		cols = append(cols, def)
	}
	if len(cols) == 0 {
		return "", "", fmt.Errorf("table %s: no columns", t.Name)
	}

	constraints, err := buildBaseConstraints(t)
	if err != nil {
		return "", "", err
	}
	cols = append(cols, constraints...)

	baseSQL = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s);`, pgTable(t.Name), strings.Join(cols, ", "))
	return schemaSQL, baseSQL, nil
}
