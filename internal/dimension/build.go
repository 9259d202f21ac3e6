package dimension

import (
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"sagestar/internal/config"
	"sagestar/internal/etlerr"
	"sagestar/internal/flat"
)

// Table is a finished dimension. Columns are the surrogate key, the natural
// key, the attributes, then the parent references; Rows[i][0] is an int64
// surrogate key and Rows[0] is the unknown member.
type Table struct {
	Name         string
	SurrogateKey string
	NaturalKey   string
	Columns      []string
	Rows         [][]any

	parentCols []int
	parentDims []string
}

// KeySet returns the surrogate keys present in the table.
func (t *Table) KeySet() map[int64]struct{} {
	out := make(map[int64]struct{}, len(t.Rows))
	for _, r := range t.Rows {
		out[r[0].(int64)] = struct{}{}
	}
	return out
}

// ParentColumns returns the positions of parent reference columns.
func (t *Table) ParentColumns() []int { return t.parentCols }

// ParentDimension returns the dimension referenced by the parent column at
// position col, or "".
func (t *Table) ParentDimension(col int) string {
	for i, c := range t.parentCols {
		if c == col {
			return t.parentDims[i]
		}
	}
	return ""
}

// Result is the Dimension Builder output.
type Result struct {
	Table  *Table
	Lookup *Lookup
	// Unresolved counts members whose parent key was null or unmatched, per
	// parent column.
	Unresolved map[string]int
}

// Build assigns dense surrogate keys to cands: the unknown member gets 1 and
// members get 2..N+1 in the configured order. parents holds the lookups of
// already built parent dimensions, keyed by table.
func Build(spec config.DimensionConfig, cands []Candidate, parents map[string]*Lookup, dates flat.DateParser) (*Result, error) {
	ordered := slices.Clone(cands)
	switch spec.Order {
	case config.OrderSorted:
		slices.SortStableFunc(ordered, func(a, b Candidate) int { return strings.Compare(a.Key, b.Key) })
	case config.OrderChronological:
		slices.SortStableFunc(ordered, func(a, b Candidate) int {
			ta, _ := a.Value.(time.Time)
			tb, _ := b.Value.(time.Time)
			return ta.Compare(tb)
		})
	}

	parentLookups := make([]*Lookup, len(spec.Parents))
	for i, p := range spec.Parents {
		l, ok := parents[p.Dimension]
		if !ok {
			return nil, &etlerr.Error{
				Kind: etlerr.KindConfig, Fatal: true, Op: "build", Table: spec.Table, Column: p.Column,
				Err: fmt.Errorf("parent dimension %q is not built yet", p.Dimension),
			}
		}
		parentLookups[i] = l
	}

	tbl := newTable(spec)
	res := &Result{
		Table:      tbl,
		Lookup:     newLookup(spec.Table, spec.NaturalKey.Type, dates, len(ordered)+1),
		Unresolved: map[string]int{},
	}

	unknown, err := unknownRow(spec)
	if err != nil {
		return nil, err
	}
	tbl.Rows = append(tbl.Rows, unknown)
	res.Lookup.keys[unknownNaturalKey(spec)] = UnknownKey

	for i, c := range ordered {
		sk := int64(i + 2)
		row := make([]any, 0, len(tbl.Columns))
		row = append(row, sk, c.Value)
		for j, a := range spec.Attributes {
			if a.Derive != "" {
				row = append(row, derive(a.Derive, c.Value))
			} else {
				row = append(row, c.Attrs[j])
			}
		}
		for j, p := range spec.Parents {
			pk, r := parentLookups[j].Resolve(c.Parents[j])
			if r != Matched {
				res.Unresolved[p.Column]++
			}
			row = append(row, pk)
		}
		tbl.Rows = append(tbl.Rows, row)
		res.Lookup.keys[c.Key] = sk
	}
	return res, nil
}

func newTable(spec config.DimensionConfig) *Table {
	cols := []string{spec.SurrogateKey, spec.NaturalKey.Column}
	for _, a := range spec.Attributes {
		cols = append(cols, a.Column)
	}
	var (
		parentCols []int
		parentDims []string
	)
	for _, p := range spec.Parents {
		parentCols = append(parentCols, len(cols))
		parentDims = append(parentDims, p.Dimension)
		cols = append(cols, p.Column)
	}
	return &Table{
		Name:         spec.Table,
		SurrogateKey: spec.SurrogateKey,
		NaturalKey:   spec.NaturalKey.Column,
		Columns:      cols,
		parentCols:   parentCols,
		parentDims:   parentDims,
	}
}

func unknownNaturalKey(spec config.DimensionConfig) string {
	key, _, ok := NormalizeKey(spec.NaturalKey.UnknownKey(), spec.NaturalKey.Type, flat.DateParser{})
	if !ok {
		return spec.NaturalKey.UnknownKey()
	}
	return key
}

// unknownRow builds the reserved member: sentinel natural key, default
// attribute values, derived attributes computed from the sentinel and
// parents pointing at their own unknown member.
func unknownRow(spec config.DimensionConfig) ([]any, error) {
	_, value, ok := NormalizeKey(spec.NaturalKey.UnknownKey(), spec.NaturalKey.Type, flat.DateParser{})
	if !ok {
		return nil, &etlerr.Error{
			Kind: etlerr.KindConfig, Fatal: true, Op: "build", Table: spec.Table, Column: spec.NaturalKey.Column,
			Err: fmt.Errorf("unknown-member sentinel %q is not a valid %s key", spec.NaturalKey.UnknownKey(), spec.NaturalKey.Type),
		}
	}
	row := []any{UnknownKey, value}
	for _, a := range spec.Attributes {
		switch {
		case a.Derive != "":
			row = append(row, derive(a.Derive, value))
		case a.Type == "" || a.Type == flat.TypeText:
			row = append(row, a.UnknownValue())
		default:
			row = append(row, flat.Coerce(a.Type, a.UnknownValue(), flat.DateParser{}))
		}
	}
	for range spec.Parents {
		row = append(row, UnknownKey)
	}
	return row, nil
}

// derive computes a derived attribute from the typed natural key.
func derive(fn string, key any) any {
	if fn == config.DeriveCode {
		s, _ := flat.Text(key).(string)
		return codeOf(s)
	}
	t, ok := key.(time.Time)
	if !ok {
		return nil
	}
	switch fn {
	case config.DeriveYear:
		return int64(t.Year())
	case config.DeriveMonth:
		return int64(t.Month())
	case config.DeriveDay:
		return int64(t.Day())
	case config.DeriveQuarter:
		return int64((int(t.Month())-1)/3 + 1)
	}
	return nil
}

// codeOf upper-cases s, replaces spaces with underscores and keeps the first
// 20 characters.
func codeOf(s string) string {
	s = strings.ReplaceAll(strings.ToUpper(s), " ", "_")
	if utf8.RuneCountInString(s) <= 20 {
		return s
	}
	return string([]rune(s)[:20])
}
