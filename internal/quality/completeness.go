// Package quality measures how complete the flat source is on the columns a
// star mapping reads.
package quality

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/shopspring/decimal"

	"sagestar/internal/config"
	"sagestar/internal/flat"
)

// Column is the completeness of one source column.
type Column struct {
	Set     string  `json:"set"`
	Column  string  `json:"column"`
	Present bool    `json:"present"`
	Total   int     `json:"total_rows"`
	NonNull int     `json:"non_null"`
	Percent float64 `json:"completeness_pct"`
}

// SourceColumns lists the source headers set reads, in mapping order without
// duplicates: natural keys, attributes and parents per dimension, then fact
// columns.
func SourceColumns(set config.StarSchema) []string {
	seen := map[string]struct{}{}
	var out []string
	add := func(c string) {
		if c == "" {
			return
		}
		if _, ok := seen[c]; ok {
			return
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	for _, d := range set.Dimensions {
		add(d.NaturalKey.Source)
		for _, a := range d.Attributes {
			add(a.Source)
		}
		for _, p := range d.Parents {
			add(p.Source)
		}
	}
	for _, c := range set.Fact.Columns {
		add(c.Source)
	}
	return out
}

// Completeness reports each column of SourceColumns(set). Cells that are nil
// or blank text count as null. A column absent from src reports 0.
func Completeness(set config.StarSchema, src *flat.Table) []Column {
	cols := SourceColumns(set)
	out := make([]Column, 0, len(cols))
	for _, name := range cols {
		c := Column{Set: set.Name, Column: name, Total: src.Len()}
		idx, ok := src.Index(name)
		if ok {
			c.Present = true
			for _, r := range src.Rows {
				if flat.Text(r.V[idx]) != nil {
					c.NonNull++
				}
			}
		}
		c.Percent = percent(c.NonNull, c.Total)
		out = append(out, c)
	}
	return out
}

// percent is 100*n/total rounded half-up to two decimals, 0 when total is 0.
func percent(n, total int) float64 {
	if total == 0 {
		return 0
	}
	p, _ := decimal.NewFromInt(int64(n)).
		Mul(decimal.NewFromInt(100)).
		DivRound(decimal.NewFromInt(int64(total)), 2).
		Float64()
	return p
}

// WriteText renders cols as an aligned table.
func WriteText(w io.Writer, cols []Column) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SET\tCOLUMN\tTOTAL\tNON NULL\tCOMPLETENESS")
	for _, c := range cols {
		name := c.Column
		if !c.Present {
			name += " (absent)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%.2f %%\n", c.Set, name, c.Total, c.NonNull, c.Percent)
	}
	return tw.Flush()
}
