// Package flat holds the denormalized source table as read from a CSV or XLSX
// extract, and the value coercions applied to its cells.
package flat

import (
	"strings"
)

// Row is one source record. V is aligned to Table.Columns; nil means null.
// Line is the 1-based physical line (or sheet row) in the source.
type Row struct {
	V    []any
	Line int
}

// Table is an in-memory flat source. Rows keep source order.
type Table struct {
	Name    string
	Columns []string
	Rows    []Row

	index map[string]int
}

// NewTable returns an empty table with the given header. Header names are
// trimmed and a leading BOM is removed.
func NewTable(name string, columns []string) *Table {
	cols := make([]string, len(columns))
	idx := make(map[string]int, len(columns))
	for i, c := range columns {
		c = strings.TrimSpace(strings.TrimPrefix(c, "\uFEFF"))
		cols[i] = c
		k := headerKey(c)
		if _, dup := idx[k]; !dup {
			idx[k] = i
		}
	}
	return &Table{Name: name, Columns: cols, index: idx}
}

// Append adds a row. values shorter than the header are padded with nulls;
// extra values are dropped.
func (t *Table) Append(line int, values []any) {
	v := make([]any, len(t.Columns))
	copy(v, values)
	t.Rows = append(t.Rows, Row{V: v, Line: line})
}

// Index returns the position of column, matched case-insensitively after
// trimming. The first occurrence wins for duplicated headers.
func (t *Table) Index(column string) (int, bool) {
	if t.index == nil {
		return -1, false
	}
	i, ok := t.index[headerKey(column)]
	return i, ok
}

// Has reports whether column exists in the header.
func (t *Table) Has(column string) bool {
	_, ok := t.Index(column)
	return ok
}

func (t *Table) Len() int { return len(t.Rows) }

func headerKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
