package star

import (
	"fmt"

	"sagestar/internal/config"
	"sagestar/internal/flat"
	"sagestar/internal/storage"
)

func nullable() *bool {
	v := true
	return &v
}

// TableSpecs returns the DDL specs of set: dimensions in dependency order,
// then the fact table.
func TableSpecs(set config.StarSchema) ([]storage.TableSpec, error) {
	order, err := config.DimensionOrder(set)
	if err != nil {
		return nil, err
	}
	out := make([]storage.TableSpec, 0, len(order)+1)
	for _, d := range order {
		out = append(out, DimensionSpec(set, d))
	}
	fs, err := FactSpec(set)
	if err != nil {
		return nil, err
	}
	return append(out, fs), nil
}

// DimensionSpec returns the DDL spec of d. Columns follow dimension.Table
// column order after the surrogate key: natural key, attributes, parents.
func DimensionSpec(set config.StarSchema, d config.DimensionConfig) storage.TableSpec {
	cols := []storage.ColumnSpec{{Name: d.NaturalKey.Column, Type: keyType(d.NaturalKey.Type)}}
	for _, a := range d.Attributes {
		cols = append(cols, storage.ColumnSpec{Name: a.Column, Type: AttributeType(a), Nullable: nullable()})
	}
	for _, p := range d.Parents {
		parent, _ := set.Dimension(p.Dimension)
		cols = append(cols, storage.ColumnSpec{
			Name:       p.Column,
			Type:       storage.TypeInteger,
			References: fmt.Sprintf("%s(%s)", set.QualifiedName(p.Dimension), parent.SurrogateKey),
		})
	}
	return storage.TableSpec{
		Name:        set.QualifiedName(d.Table),
		Kind:        storage.KindDimension,
		PrimaryKey:  &storage.PrimaryKeySpec{Name: d.SurrogateKey, Type: storage.TypeInteger},
		Columns:     cols,
		Constraints: []storage.ConstraintSpec{{Kind: "unique", Columns: []string{d.NaturalKey.Column}}},
	}
}

// UpsertColumns returns the dimension columns in row order, surrogate key
// first.
func UpsertColumns(spec storage.TableSpec) []storage.ColumnSpec {
	cols := make([]storage.ColumnSpec, 0, len(spec.Columns)+1)
	cols = append(cols, storage.ColumnSpec{Name: spec.PrimaryKey.Name, Type: spec.PrimaryKey.Type})
	return append(cols, spec.Columns...)
}

// FactSpec returns the DDL spec of the fact table. Foreign keys are NOT NULL
// and reference the dimension surrogate key; measures are nullable.
func FactSpec(set config.StarSchema) (storage.TableSpec, error) {
	cols := make([]storage.ColumnSpec, 0, len(set.Fact.Columns))
	for _, c := range set.Fact.Columns {
		if c.Dimension == "" {
			cols = append(cols, storage.ColumnSpec{Name: c.Column, Type: valueType(c.Type), Nullable: nullable()})
			continue
		}
		d, ok := set.Dimension(c.Dimension)
		if !ok {
			return storage.TableSpec{}, fmt.Errorf("fact %s: column %s references unknown dimension %s", set.Fact.Table, c.Column, c.Dimension)
		}
		cols = append(cols, storage.ColumnSpec{
			Name:       c.Column,
			Type:       storage.TypeInteger,
			References: fmt.Sprintf("%s(%s)", set.QualifiedName(d.Table), d.SurrogateKey),
		})
	}
	return storage.TableSpec{Name: set.QualifiedName(set.Fact.Table), Kind: storage.KindFact, Columns: cols}, nil
}

// FactLoadSpec describes the fact load for a backend: INNER JOIN targets,
// replace or append mode, document key dedupe.
func FactLoadSpec(set config.StarSchema) (storage.FactLoadSpec, error) {
	ts, err := FactSpec(set)
	if err != nil {
		return storage.FactLoadSpec{}, err
	}
	spec := storage.FactLoadSpec{
		Table:   ts.Name,
		Columns: ts.Columns,
		Replace: set.Fact.Mode != config.ModeAppend,
	}
	for _, c := range set.Fact.ForeignKeys() {
		d, _ := set.Dimension(c.Dimension)
		spec.ForeignKeys = append(spec.ForeignKeys, storage.ForeignKeyRef{
			Column:    c.Column,
			RefTable:  set.QualifiedName(d.Table),
			RefColumn: d.SurrogateKey,
		})
	}
	if !spec.Replace {
		spec.DedupeColumns = set.Fact.DocumentKey
	}
	return spec, nil
}

// AttributeType is the storage type of a dimension attribute: integer for
// calendar derivations, text for codes, the configured type otherwise.
func AttributeType(a config.AttributeConfig) string {
	switch a.Derive {
	case config.DeriveYear, config.DeriveMonth, config.DeriveDay, config.DeriveQuarter:
		return storage.TypeInteger
	case config.DeriveCode:
		return storage.TypeText
	}
	return valueType(a.Type)
}

func keyType(t string) string {
	if t == flat.TypeDate {
		return storage.TypeDate
	}
	return storage.TypeText
}

func valueType(t string) string {
	switch t {
	case flat.TypeInteger:
		return storage.TypeInteger
	case flat.TypeDecimal:
		return storage.TypeDecimal
	case flat.TypeDate:
		return storage.TypeDate
	default:
		return storage.TypeText
	}
}
