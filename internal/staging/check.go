// Package staging re-checks resolved fact rows against the keyed dimensions
// before anything is written.
package staging

import (
	"fmt"

	"sagestar/internal/etlerr"
	"sagestar/internal/fact"
)

// Reject is a fact row excluded because a foreign key names no member.
type Reject struct {
	Line   int    `json:"line"`
	Column string `json:"column"`
	Value  any    `json:"value"`
}

type Options struct {
	// MaxRejectRatio > 0 makes a rejected/attempted ratio above it fatal.
	MaxRejectRatio float64
}

type Result struct {
	Table     string
	Attempted int
	Accepted  *fact.Table
	Rejected  []Reject
}

// RejectRatio is rejected/attempted, 0 for an empty table.
func (r *Result) RejectRatio() float64 {
	if r.Attempted == 0 {
		return 0
	}
	return float64(len(r.Rejected)) / float64(r.Attempted)
}

// Err reports rejects as a recovered referential violation, nil when every
// row was accepted.
func (r *Result) Err() error {
	if len(r.Rejected) == 0 {
		return nil
	}
	first := r.Rejected[0]
	return etlerr.ReferentialViolation(r.Table, false,
		fmt.Errorf("%d of %d rows rejected (first: line %d %s=%v)", len(r.Rejected), r.Attempted, first.Line, first.Column, first.Value))
}

// Check keeps the fact rows whose every foreign key is a member of the
// referenced dimension. keys maps dimension table to its surrogate key set.
//
// Rejected rows are listed and excluded. The error is non-nil only when a
// referenced dimension has no key set (configuration) or the reject ratio
// exceeds opt.MaxRejectRatio; the result is returned in both cases.
func Check(facts *fact.Table, keys map[string]map[int64]struct{}, opt Options) (*Result, error) {
	res := &Result{Table: facts.Name, Attempted: facts.Len()}

	for _, fk := range facts.ForeignKeys {
		if _, ok := keys[fk.Dimension]; !ok {
			return res, &etlerr.Error{
				Kind: etlerr.KindConfig, Fatal: true, Op: "stage", Table: facts.Name, Column: fk.Column,
				Err: fmt.Errorf("no keys for dimension %q", fk.Dimension),
			}
		}
	}

	accepted := make([]int, 0, facts.Len())
	for i, row := range facts.Rows {
		ok := true
		for _, fk := range facts.ForeignKeys {
			sk, isInt := row[fk.Index].(int64)
			if _, member := keys[fk.Dimension][sk]; !isInt || !member {
				res.Rejected = append(res.Rejected, Reject{Line: facts.Lines[i], Column: fk.Column, Value: row[fk.Index]})
				ok = false
				break
			}
		}
		if ok {
			accepted = append(accepted, i)
		}
	}
	res.Accepted = facts.Subset(accepted)

	if opt.MaxRejectRatio > 0 && res.RejectRatio() > opt.MaxRejectRatio {
		return res, etlerr.ReferentialViolation(facts.Name, true,
			fmt.Errorf("%d of %d rows rejected, above max reject ratio %.2f", len(res.Rejected), res.Attempted, opt.MaxRejectRatio))
	}
	return res, nil
}
