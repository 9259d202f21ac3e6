// Package dimension derives deduplicated dimension tables with dense
// surrogate keys from a flat extract.
//
// Extract finds one candidate per distinct natural key (first occurrence
// wins), Build assigns surrogate keys with the unknown member at 1, and
// Reconcile aligns the result with keys already persisted in a store.
package dimension

import (
	"fmt"

	"sagestar/internal/config"
	"sagestar/internal/etlerr"
	"sagestar/internal/flat"
)

// Candidate is the first source row seen for one natural key.
type Candidate struct {
	// Key is the normalized natural key; Value its typed form.
	Key   string
	Value any
	// Attrs is aligned to the dimension's attributes; derived entries are nil.
	Attrs []any
	// Parents holds the raw parent natural keys, aligned to the dimension's
	// parents.
	Parents []any
	Line    int
}

// Extraction is the Natural-Key Extractor output for one dimension.
type Extraction struct {
	Candidates []Candidate
	// NullKeys counts rows skipped because the natural key was absent.
	NullKeys int
	// Duplicates counts rows whose natural key was already seen.
	Duplicates int
	// SentinelRows counts rows whose natural key equals the unknown-member
	// sentinel; they fold into the unknown member.
	SentinelRows int
	// MissingColumns lists attribute source columns absent from the extract;
	// those attributes are null.
	MissingColumns []string
}

// Extract scans src for the distinct natural keys of spec. A natural-key or
// parent source column absent from src is a fatal configuration error.
func Extract(src *flat.Table, spec config.DimensionConfig, dates flat.DateParser) (*Extraction, error) {
	nkIdx, ok := src.Index(spec.NaturalKey.Source)
	if !ok {
		return nil, missingColumn(spec.Table, spec.NaturalKey.Source, "natural key")
	}

	out := &Extraction{}
	attrIdx := make([]int, len(spec.Attributes))
	for i, a := range spec.Attributes {
		attrIdx[i] = -1
		if a.Derive != "" {
			continue
		}
		if j, ok := src.Index(a.Source); ok {
			attrIdx[i] = j
		} else {
			out.MissingColumns = append(out.MissingColumns, a.Source)
		}
	}
	parentIdx := make([]int, len(spec.Parents))
	for i, p := range spec.Parents {
		j, ok := src.Index(p.Source)
		if !ok {
			return nil, missingColumn(spec.Table, p.Source, "parent key")
		}
		parentIdx[i] = j
	}

	sentinel := spec.NaturalKey.UnknownKey()
	if spec.NaturalKey.Type == flat.TypeDate {
		if k, _, ok := NormalizeKey(sentinel, flat.TypeDate, flat.DateParser{}); ok {
			sentinel = k
		}
	}

	seen := make(map[string]struct{})
	for _, row := range src.Rows {
		key, val, ok := NormalizeKey(row.V[nkIdx], spec.NaturalKey.Type, dates)
		if !ok {
			out.NullKeys++
			continue
		}
		if key == sentinel {
			out.SentinelRows++
			continue
		}
		if _, dup := seen[key]; dup {
			out.Duplicates++
			continue
		}
		seen[key] = struct{}{}

		c := Candidate{
			Key:     key,
			Value:   val,
			Attrs:   make([]any, len(spec.Attributes)),
			Parents: make([]any, len(spec.Parents)),
			Line:    row.Line,
		}
		for i, j := range attrIdx {
			if j >= 0 {
				c.Attrs[i] = flat.Coerce(spec.Attributes[i].Type, row.V[j], dates)
			}
		}
		for i, j := range parentIdx {
			c.Parents[i] = row.V[j]
		}
		out.Candidates = append(out.Candidates, c)
	}
	return out, nil
}

func missingColumn(table, column, role string) error {
	return &etlerr.Error{
		Kind:   etlerr.KindConfig,
		Fatal:  true,
		Op:     "extract",
		Table:  table,
		Column: column,
		Err:    fmt.Errorf("%s column %q not found in source", role, column),
	}
}
