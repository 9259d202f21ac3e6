package mssql

import (
	"fmt"
	"strings"

	"sagestar/internal/storage"
)

func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(strings.TrimSpace(name), "]", "]]") + "]"
}

// mssqlTableIdent returns a bracket-quoted identifier for schema-qualified names.
//
// Example:
//
//	"dbo.imports" -> [dbo].[imports]
func mssqlTableIdent(name string) string {
	parts := strings.Split(name, ".")
	for i := range parts {
		parts[i] = mssqlIdent(parts[i])
	}
	return strings.Join(parts, ".")
}

// mssqlType maps a portable column type. Text is NVARCHAR(450) so natural
// keys stay indexable under the 900-byte key limit.
func mssqlType(typ string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(typ)) {
	case storage.TypeInteger:
		return "BIGINT", nil
	case storage.TypeText:
		return "NVARCHAR(450)", nil
	case storage.TypeDecimal:
		return "DECIMAL(18,4)", nil
	case storage.TypeDate:
		return "DATE", nil
	default:
		return "", fmt.Errorf("unsupported column type %q", typ)
	}
}

func sqlLiteral(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

// buildCreateSQL returns an optional schema guard and the guarded CREATE TABLE.
func buildCreateSQL(t storage.TableSpec) (schemaSQL, baseSQL string, err error) {
	name := strings.TrimSpace(t.Name)
	if name == "" {
		return "", "", fmt.Errorf("mssql: table name is empty")
	}
	if i := strings.IndexByte(name, '.'); i > 0 {
		schema := name[:i]
		schemaSQL = fmt.Sprintf("IF SCHEMA_ID(N'%s') IS NULL EXEC(N'CREATE SCHEMA %s');",
			sqlLiteral(schema), sqlLiteral(mssqlIdent(schema)))
	}

	defs, err := buildCreateTableDefs(t)
	if err != nil {
		return "", "", err
	}
	return schemaSQL, wrapCreateIfMissing(name, defs), nil
}

// buildCreateTableDefs produces the "(...)" inner content for CREATE TABLE.
func buildCreateTableDefs(t storage.TableSpec) (string, error) {
	var parts []string

	if t.PrimaryKey != nil {
		if strings.TrimSpace(t.PrimaryKey.Name) == "" {
			return "", fmt.Errorf("mssql: primary key name is empty")
		}
		typ, err := mssqlType(t.PrimaryKey.Type)
		if err != nil {
			return "", fmt.Errorf("mssql: %s primary key: %w", t.Name, err)
		}
		parts = append(parts, fmt.Sprintf("%s %s NOT NULL PRIMARY KEY", mssqlIdent(t.PrimaryKey.Name), typ))
	}

	for _, c := range t.Columns {
		def, err := mssqlColumnDef(c)
		if err != nil {
			return "", fmt.Errorf("mssql: %s: %w", t.Name, err)
		}
		parts = append(parts, def)
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("mssql: %s has no columns", t.Name)
	}

	for _, con := range t.Constraints {
		if !strings.EqualFold(con.Kind, "unique") {
			return "", fmt.Errorf("%s unsupported constraint kind: %s", t.Name, con.Kind)
		}
		if len(con.Columns) == 0 {
			return "", fmt.Errorf("%s unique constraint has no columns", t.Name)
		}
		var cols []string
		for _, c := range con.Columns {
			cols = append(cols, mssqlIdent(c))
		}
		parts = append(parts, fmt.Sprintf("UNIQUE (%s)", strings.Join(cols, ", ")))
	}

	return strings.Join(parts, ", "), nil
}

// wrapCreateIfMissing wraps a CREATE TABLE statement in an OBJECT_ID guard.
func wrapCreateIfMissing(tableName string, innerDefs string) string {
	return fmt.Sprintf(
		"IF OBJECT_ID(N'%s', N'U') IS NULL BEGIN CREATE TABLE %s (%s); END;",
		sqlLiteral(tableName),
		mssqlTableIdent(tableName),
		innerDefs,
	)
}

// mssqlColumnDef builds a column definition; nil Nullable means NOT NULL.
func mssqlColumnDef(c storage.ColumnSpec) (string, error) {
	if strings.TrimSpace(c.Name) == "" {
		return "", fmt.Errorf("column name is empty")
	}
	typ, err := mssqlType(c.Type)
	if err != nil {
		return "", fmt.Errorf("column %s: %w", c.Name, err)
	}

	var b strings.Builder
	b.WriteString(mssqlIdent(c.Name))
	b.WriteString(" ")
	b.WriteString(typ)
	if c.IsNullable() {
		b.WriteString(" NULL")
	} else {
		b.WriteString(" NOT NULL")
	}
	if ref := strings.TrimSpace(c.References); ref != "" {
		open := strings.IndexByte(ref, '(')
		if open <= 0 || !strings.HasSuffix(ref, ")") {
			return "", fmt.Errorf("column %s: invalid reference %q", c.Name, ref)
		}
		fmt.Fprintf(&b, " REFERENCES %s (%s)", mssqlTableIdent(strings.TrimSpace(ref[:open])), mssqlIdent(ref[open+1:len(ref)-1]))
	}
	return b.String(), nil
}
