// Package fact resolves fact rows of a flat extract against dimension
// lookups.
package fact

import (
	"fmt"
	"slices"

	"sagestar/internal/config"
	"sagestar/internal/dimension"
	"sagestar/internal/etlerr"
	"sagestar/internal/flat"
)

// InvalidKey is written for unmatched natural keys under strict references.
// No dimension member carries it, so staging rejects the row.
const InvalidKey int64 = 0

// ForeignKey locates a resolved column in a fact table.
type ForeignKey struct {
	Column    string
	Index     int
	Dimension string
}

// Table is a resolved fact table. Lines[i] is the source line of Rows[i].
type Table struct {
	Name        string
	Columns     []string
	Rows        [][]any
	Lines       []int
	ForeignKeys []ForeignKey
}

func (t *Table) Len() int { return len(t.Rows) }

// Subset returns a table holding the rows at idx, in that order.
func (t *Table) Subset(idx []int) *Table {
	out := t.shell(len(idx))
	for _, i := range idx {
		out.Rows = append(out.Rows, t.Rows[i])
		out.Lines = append(out.Lines, t.Lines[i])
	}
	return out
}

// Remap returns a copy whose foreign keys to dimension are translated
// through remap. Keys absent from remap are kept.
func (t *Table) Remap(dimension string, remap map[int64]int64) *Table {
	var cols []int
	for _, fk := range t.ForeignKeys {
		if fk.Dimension == dimension {
			cols = append(cols, fk.Index)
		}
	}
	if len(cols) == 0 || len(remap) == 0 {
		return t
	}
	out := t.shell(len(t.Rows))
	for i, r := range t.Rows {
		row := slices.Clone(r)
		for _, c := range cols {
			if v, ok := remap[row[c].(int64)]; ok {
				row[c] = v
			}
		}
		out.Rows = append(out.Rows, row)
		out.Lines = append(out.Lines, t.Lines[i])
	}
	return out
}

func (t *Table) shell(capacity int) *Table {
	return &Table{
		Name:        t.Name,
		Columns:     t.Columns,
		Rows:        make([][]any, 0, capacity),
		Lines:       make([]int, 0, capacity),
		ForeignKeys: t.ForeignKeys,
	}
}

// Counts tallies unknown-member substitutions for one foreign key.
type Counts struct {
	Null      int `json:"null"`
	Unmatched int `json:"unmatched"`
}

func (c Counts) Total() int { return c.Null + c.Unmatched }

// Report is the resolution report of one fact table.
type Report struct {
	Rows int `json:"rows"`
	// Unresolved is keyed by foreign-key column.
	Unresolved map[string]Counts `json:"unresolved"`
	// MissingColumns lists measure source columns absent from the extract.
	MissingColumns []string `json:"missing_columns,omitempty"`
}

// UnresolvedTotal sums substitutions over every foreign key.
func (r Report) UnresolvedTotal() int {
	n := 0
	for _, c := range r.Unresolved {
		n += c.Total()
	}
	return n
}

// Resolve builds the fact table for spec. Every source row yields one fact
// row. Null or unmatched natural keys resolve to the unknown member and are
// counted; with strict, unmatched keys resolve to InvalidKey instead.
//
// A foreign-key source column absent from src, or a dimension without a
// lookup, is a fatal configuration error.
func Resolve(src *flat.Table, spec config.FactConfig, lookups map[string]*dimension.Lookup, dates flat.DateParser, strict bool) (*Table, Report, error) {
	rep := Report{Unresolved: map[string]Counts{}}
	out := &Table{Name: spec.Table}

	srcIdx := make([]int, len(spec.Columns))
	colLookups := make([]*dimension.Lookup, len(spec.Columns))
	for i, c := range spec.Columns {
		out.Columns = append(out.Columns, c.Column)
		j, ok := src.Index(c.Source)
		if c.Dimension != "" {
			if !ok {
				return nil, rep, configErr(spec.Table, c.Column, fmt.Errorf("foreign key source column %q not found in source", c.Source))
			}
			l, found := lookups[c.Dimension]
			if !found {
				return nil, rep, configErr(spec.Table, c.Column, fmt.Errorf("no lookup for dimension %q", c.Dimension))
			}
			colLookups[i] = l
			out.ForeignKeys = append(out.ForeignKeys, ForeignKey{Column: c.Column, Index: i, Dimension: c.Dimension})
			rep.Unresolved[c.Column] = Counts{}
		}
		if !ok {
			j = -1
			rep.MissingColumns = append(rep.MissingColumns, c.Source)
		}
		srcIdx[i] = j
	}

	out.Rows = make([][]any, 0, len(src.Rows))
	out.Lines = make([]int, 0, len(src.Rows))
	for _, r := range src.Rows {
		row := make([]any, len(spec.Columns))
		for i, c := range spec.Columns {
			var raw any
			if srcIdx[i] >= 0 {
				raw = r.V[srcIdx[i]]
			}
			if l := colLookups[i]; l != nil {
				sk, res := l.Resolve(raw)
				switch res {
				case dimension.Null:
					cnt := rep.Unresolved[c.Column]
					cnt.Null++
					rep.Unresolved[c.Column] = cnt
				case dimension.Unmatched:
					cnt := rep.Unresolved[c.Column]
					cnt.Unmatched++
					rep.Unresolved[c.Column] = cnt
					if strict {
						sk = InvalidKey
					}
				}
				row[i] = sk
				continue
			}
			row[i] = flat.Coerce(c.Type, raw, dates)
		}
		out.Rows = append(out.Rows, row)
		out.Lines = append(out.Lines, r.Line)
	}
	rep.Rows = len(out.Rows)
	return out, rep, nil
}

func configErr(table, column string, err error) error {
	return &etlerr.Error{Kind: etlerr.KindConfig, Fatal: true, Op: "resolve", Table: table, Column: column, Err: err}
}
