// Package config describes a pipeline run: the two star schemas derived from
// the flat extracts, and the runtime, storage, output and metrics settings.
//
// A Pipeline is built once (Default or Load), validated, then passed by value.
// Nothing in the pipeline mutates it afterwards.
package config

import (
	"strings"

	"sagestar/internal/flat"
)

// Fact load modes.
const (
	ModeReplace = "replace"
	ModeAppend  = "append"
)

// Dimension member orderings.
const (
	OrderSource        = "source"
	OrderSorted        = "sorted"
	OrderChronological = "chronological"
)

// Derived attribute functions. Calendar derivations need a date natural key.
const (
	DeriveYear    = "year"
	DeriveMonth   = "month"
	DeriveDay     = "day"
	DeriveQuarter = "quarter"
	DeriveCode    = "code"
)

// Unknown-member defaults.
const (
	UnknownCode = "INC"
	UnknownDate = "1900-01-01"
	UnknownText = "Inconnu"
)

type Pipeline struct {
	Job     string       `json:"job" yaml:"job"`
	Runtime Runtime      `json:"runtime" yaml:"runtime"`
	Storage Storage      `json:"storage" yaml:"storage"`
	Output  Output       `json:"output" yaml:"output"`
	Metrics Metrics      `json:"metrics" yaml:"metrics"`
	Sets    []StarSchema `json:"sets" yaml:"sets"`
}

type Runtime struct {
	// ChunkSize bounds rows per write request.
	ChunkSize int `json:"chunk_size" yaml:"chunk_size"`
	// HaltOnError re-raises fact chunk failures instead of logging them.
	HaltOnError bool `json:"halt_on_error" yaml:"halt_on_error"`
	// MaxRejectRatio > 0 turns a fact table whose rejected/attempted ratio
	// exceeds it into a fatal referential violation.
	MaxRejectRatio float64 `json:"max_reject_ratio" yaml:"max_reject_ratio"`
	// ConnectRetries is the number of connectivity attempts at Init.
	ConnectRetries int `json:"connect_retries" yaml:"connect_retries"`
	// StrictReferences resolves unmatched (non-null) natural keys to an
	// invalid key so staging rejects the row instead of attributing it to
	// the unknown member.
	StrictReferences bool `json:"strict_references" yaml:"strict_references"`
}

type Storage struct {
	Kind string `json:"kind" yaml:"kind"`
	DSN  string `json:"dsn" yaml:"dsn"`
	// Ledger records each run in etl_runs/etl_run_tables when the backend
	// supports it.
	Ledger bool `json:"ledger" yaml:"ledger"`
}

type Output struct {
	// Dir receives <set>/<table>.csv. Empty disables CSV output.
	Dir string `json:"dir" yaml:"dir"`
	// Workbook is an optional .xlsx path with one sheet per table.
	Workbook string `json:"workbook" yaml:"workbook"`
	// Report is an optional path for the JSON run report.
	Report string `json:"report" yaml:"report"`
}

type Metrics struct {
	Backend        string   `json:"backend" yaml:"backend"`
	PushgatewayURL string   `json:"pushgateway_url" yaml:"pushgateway_url"`
	Tags           []string `json:"tags" yaml:"tags"`
}

// StarSchema maps one flat extract to its dimensions and fact table.
type StarSchema struct {
	Name       string            `json:"name" yaml:"name"`
	Schema     string            `json:"schema" yaml:"schema"`
	Source     Source            `json:"source" yaml:"source"`
	Dimensions []DimensionConfig `json:"dimensions" yaml:"dimensions"`
	Fact       FactConfig        `json:"fact" yaml:"fact"`
}

// QualifiedName returns schema.table, or table when the set has no schema.
func (s StarSchema) QualifiedName(table string) string {
	if s.Schema == "" {
		return table
	}
	return s.Schema + "." + table
}

// Dimension returns the dimension configured under table.
func (s StarSchema) Dimension(table string) (DimensionConfig, bool) {
	for _, d := range s.Dimensions {
		if d.Table == table {
			return d, true
		}
	}
	return DimensionConfig{}, false
}

type Source struct {
	Path   string `json:"path" yaml:"path"`
	Format string `json:"format" yaml:"format"` // csv | xlsx
	// Comma is the CSV field separator; empty means ','. "auto" sniffs it
	// from the head of the file, as does Encoding "auto".
	Comma    string `json:"comma" yaml:"comma"`
	Encoding string `json:"encoding" yaml:"encoding"` // utf-8 | windows-1252 | iso-8859-1 | auto
	Sheet    string `json:"sheet" yaml:"sheet"`
	// DayFirst selects dd/mm/yyyy layouts when DateLayouts is empty.
	DayFirst    bool     `json:"day_first" yaml:"day_first"`
	DateLayouts []string `json:"date_layouts" yaml:"date_layouts"`
}

// Dates returns the parser for this source's date columns.
func (s Source) Dates() flat.DateParser {
	switch {
	case len(s.DateLayouts) > 0:
		return flat.DateParser{Layouts: s.DateLayouts}
	case s.DayFirst:
		return flat.DateParser{Layouts: flat.DayFirstDateLayouts}
	default:
		return flat.DateParser{Layouts: flat.DefaultDateLayouts}
	}
}

// CommaRune returns the CSV separator.
func (s Source) CommaRune() rune {
	if s.Comma == "" {
		return ','
	}
	if s.Comma == `\t` {
		return '\t'
	}
	return []rune(s.Comma)[0]
}

type DimensionConfig struct {
	Table        string            `json:"table" yaml:"table"`
	SurrogateKey string            `json:"surrogate_key" yaml:"surrogate_key"`
	NaturalKey   KeyConfig         `json:"natural_key" yaml:"natural_key"`
	Attributes   []AttributeConfig `json:"attributes" yaml:"attributes"`
	Parents      []ParentConfig    `json:"parents" yaml:"parents"`
	Order        string            `json:"order" yaml:"order"`
}

// KeyConfig names the single natural-key column of a dimension.
type KeyConfig struct {
	Column string `json:"column" yaml:"column"`
	Source string `json:"source" yaml:"source"`
	Type   string `json:"type" yaml:"type"` // text | date
	// Unknown is the sentinel natural key of the unknown member.
	Unknown string `json:"unknown" yaml:"unknown"`
}

// UnknownKey returns the sentinel, defaulting by key type.
func (k KeyConfig) UnknownKey() string {
	if k.Unknown != "" {
		return k.Unknown
	}
	if k.Type == flat.TypeDate {
		return UnknownDate
	}
	return UnknownCode
}

// AttributeConfig is a descriptive column. Either Source (copied from the
// first row of the member) or Derive (computed from the natural key) is set.
type AttributeConfig struct {
	Column string `json:"column" yaml:"column"`
	Source string `json:"source" yaml:"source"`
	Type   string `json:"type" yaml:"type"`
	Derive string `json:"derive" yaml:"derive"`
	// Unknown overrides the unknown member's value for sourced attributes.
	Unknown *string `json:"unknown" yaml:"unknown"`
}

// UnknownValue returns the unknown member's value for a sourced attribute.
func (a AttributeConfig) UnknownValue() string {
	if a.Unknown != nil {
		return *a.Unknown
	}
	return UnknownText
}

// ParentConfig resolves a foreign key to another dimension of the same set,
// e.g. article -> family.
type ParentConfig struct {
	Column    string `json:"column" yaml:"column"`
	Dimension string `json:"dimension" yaml:"dimension"`
	Source    string `json:"source" yaml:"source"`
}

type FactConfig struct {
	Table   string       `json:"table" yaml:"table"`
	Columns []FactColumn `json:"columns" yaml:"columns"`
	Mode    string       `json:"mode" yaml:"mode"`
	// DocumentKey lists fact columns identifying a business document line;
	// used to skip already-loaded rows in append mode.
	DocumentKey []string `json:"document_key" yaml:"document_key"`
}

// ForeignKeys returns the columns resolved against a dimension.
func (f FactConfig) ForeignKeys() []FactColumn {
	var out []FactColumn
	for _, c := range f.Columns {
		if c.Dimension != "" {
			out = append(out, c)
		}
	}
	return out
}

// FactColumn is either a foreign key (Dimension set) or a measure /
// degenerate attribute typed text|integer|decimal|date.
type FactColumn struct {
	Column    string `json:"column" yaml:"column"`
	Source    string `json:"source" yaml:"source"`
	Type      string `json:"type" yaml:"type"`
	Dimension string `json:"dimension" yaml:"dimension"`
}

// Set returns the star schema with the given name (case-insensitive).
func (p Pipeline) Set(name string) (StarSchema, bool) {
	for _, s := range p.Sets {
		if strings.EqualFold(s.Name, name) {
			return s, true
		}
	}
	return StarSchema{}, false
}
