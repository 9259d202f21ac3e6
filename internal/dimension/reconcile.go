package dimension

import (
	"fmt"
	"time"

	"sagestar/internal/etlerr"
	"sagestar/internal/flat"
)

// Reconcile aligns res with the members already persisted in a store.
//
// persisted maps normalized natural keys to stored surrogate keys. Persisted
// pairs win; members new to the store get keys after the persisted maximum,
// in table order. parentRemaps holds the remaps already computed for parent
// dimensions, keyed by dimension table, and is applied to parent columns.
//
// The returned remap translates in-memory keys to store keys. Against an
// empty store it is the identity.
func Reconcile(res *Result, persisted map[string]int64, parentRemaps map[string]map[int64]int64) (*Result, map[int64]int64, error) {
	src := res.Table
	out := &Table{
		Name:         src.Name,
		SurrogateKey: src.SurrogateKey,
		NaturalKey:   src.NaturalKey,
		Columns:      src.Columns,
		Rows:         make([][]any, 0, len(src.Rows)),
		parentCols:   src.parentCols,
		parentDims:   src.parentDims,
	}
	lookup := newLookup(res.Lookup.dimension, res.Lookup.keyType, res.Lookup.dates, len(src.Rows))
	remap := make(map[int64]int64, len(src.Rows))

	next := max(maxKey(persisted), UnknownKey)
	for _, r := range src.Rows {
		oldSK := r[0].(int64)
		key := keyString(r[1])

		newSK, ok := persisted[key]
		switch {
		case oldSK == UnknownKey && ok && newSK != UnknownKey:
			return nil, nil, conflict(src.Name, fmt.Errorf("unknown member %q is stored with key %d, want %d", key, newSK, UnknownKey))
		case oldSK != UnknownKey && ok && newSK == UnknownKey:
			return nil, nil, conflict(src.Name, fmt.Errorf("member %q is stored with the unknown-member key %d", key, UnknownKey))
		case oldSK == UnknownKey:
			newSK = UnknownKey
		case !ok:
			next++
			newSK = next
		}

		row := make([]any, len(r))
		copy(row, r)
		row[0] = newSK
		for i, c := range src.parentCols {
			pm := parentRemaps[src.parentDims[i]]
			if pm == nil {
				continue
			}
			if v, found := pm[row[c].(int64)]; found {
				row[c] = v
			}
		}
		out.Rows = append(out.Rows, row)
		lookup.keys[key] = newSK
		remap[oldSK] = newSK
	}

	return &Result{Table: out, Lookup: lookup, Unresolved: res.Unresolved}, remap, nil
}

// keyString renders a typed natural key the way NormalizeKey does.
func keyString(v any) string {
	switch t := v.(type) {
	case time.Time:
		return t.Format(flat.DateLayout)
	case string:
		return t
	default:
		s, _ := flat.Text(v).(string)
		return s
	}
}

func maxKey(m map[string]int64) int64 {
	var hi int64
	for _, v := range m {
		hi = max(hi, v)
	}
	return hi
}

func conflict(table string, err error) error {
	return &etlerr.Error{Kind: etlerr.KindTableWrite, Fatal: true, Op: "reconcile", Table: table, Err: err}
}
