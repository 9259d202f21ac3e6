// Package star turns one flat extract into a star schema: dimensions in
// dependency order, their lookups, and the resolved fact table.
package star

import (
	"fmt"

	"sagestar/internal/config"
	"sagestar/internal/dimension"
	"sagestar/internal/etlerr"
	"sagestar/internal/fact"
	"sagestar/internal/flat"
)

// Dimension is one built dimension with its extraction statistics.
type Dimension struct {
	Config     config.DimensionConfig
	Extraction *dimension.Extraction
	Result     *dimension.Result
}

// Table returns the built dimension table.
func (d Dimension) Table() *dimension.Table { return d.Result.Table }

// Model is the in-memory star schema of one fact set.
type Model struct {
	Set config.StarSchema
	// SourceRows counts rows read from the extract.
	SourceRows int
	// Dimensions are in dependency order (parents first).
	Dimensions []Dimension
	Lookups    map[string]*dimension.Lookup
	Fact       *fact.Table
	Report     fact.Report
}

// Build extracts and keys every dimension of set, then resolves the fact
// table. It fails on configuration errors only; unresolved references are
// reported in Report.
func Build(set config.StarSchema, src *flat.Table, strict bool) (*Model, error) {
	order, err := config.DimensionOrder(set)
	if err != nil {
		return nil, &etlerr.Error{Kind: etlerr.KindConfig, Fatal: true, Op: "build", Table: set.Name, Err: err}
	}
	dates := set.Source.Dates()

	m := &Model{
		Set:        set,
		SourceRows: src.Len(),
		Lookups:    make(map[string]*dimension.Lookup, len(order)),
	}
	for _, d := range order {
		ext, err := dimension.Extract(src, d, dates)
		if err != nil {
			return nil, err
		}
		res, err := dimension.Build(d, ext.Candidates, m.Lookups, dates)
		if err != nil {
			return nil, err
		}
		m.Lookups[d.Table] = res.Lookup
		m.Dimensions = append(m.Dimensions, Dimension{Config: d, Extraction: ext, Result: res})
	}

	facts, rep, err := fact.Resolve(src, set.Fact, m.Lookups, dates, strict)
	if err != nil {
		return nil, err
	}
	m.Fact = facts
	m.Report = rep
	return m, nil
}

// Dimension returns the built dimension for table.
func (m *Model) Dimension(table string) (Dimension, bool) {
	for _, d := range m.Dimensions {
		if d.Config.Table == table {
			return d, true
		}
	}
	return Dimension{}, false
}

// KeySets returns each dimension's surrogate key set, for staging.Check.
func (m *Model) KeySets() map[string]map[int64]struct{} {
	out := make(map[string]map[int64]struct{}, len(m.Dimensions))
	for _, d := range m.Dimensions {
		out[d.Config.Table] = d.Table().KeySet()
	}
	return out
}

// ReplaceDimension swaps in a reconciled dimension result and its lookup.
func (m *Model) ReplaceDimension(table string, res *dimension.Result) error {
	for i, d := range m.Dimensions {
		if d.Config.Table == table {
			m.Dimensions[i].Result = res
			m.Lookups[table] = res.Lookup
			return nil
		}
	}
	return fmt.Errorf("star %s: no dimension %s", m.Set.Name, table)
}
