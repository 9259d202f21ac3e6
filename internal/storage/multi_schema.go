// The table spec types live here so the star model and every backend can
// import them without circular deps.
package storage

// Portable column types. Each backend maps them to its own DDL type.
const (
	TypeInteger = "integer"
	TypeText    = "text"
	TypeDecimal = "decimal"
	TypeDate    = "date"
)

// Table kinds.
const (
	KindDimension = "dimension"
	KindFact      = "fact"
)

type TableSpec struct {
	Name string `json:"name"`
	// Kind is KindDimension or KindFact.
	Kind        string           `json:"kind"`
	PrimaryKey  *PrimaryKeySpec  `json:"primary_key,omitempty"`
	Columns     []ColumnSpec     `json:"columns"`
	Constraints []ConstraintSpec `json:"constraints,omitempty"`
}

// PrimaryKeySpec is a surrogate key column. Keys are assigned by the loader,
// never generated by the store.
type PrimaryKeySpec struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type ColumnSpec struct {
	Name string `json:"name"`
	Type string `json:"type"`
	// References is "<table>(<column>)" for foreign keys.
	References string `json:"references,omitempty"`
	Nullable   *bool  `json:"nullable,omitempty"`
}

// IsNullable reports the column nullability; nil means NOT NULL.
func (c ColumnSpec) IsNullable() bool {
	return c.Nullable != nil && *c.Nullable
}

type ConstraintSpec struct {
	Kind    string   `json:"kind"` // "unique"
	Columns []string `json:"columns"`
}

// ColumnNames returns the names of cols.
func ColumnNames(cols []ColumnSpec) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = c.Name
	}
	return out
}
