package dimension

import (
	"sagestar/internal/flat"
)

// UnknownKey is the surrogate key of the unknown member in every dimension.
const UnknownKey int64 = 1

// Resolution is the outcome of resolving one natural key.
type Resolution int

const (
	Matched Resolution = iota
	// Null: the natural key was absent or empty.
	Null
	// Unmatched: the natural key is not a member of the dimension.
	Unmatched
)

// Lookup maps normalized natural keys to surrogate keys for one dimension.
// It is read-only once built; share it by pointer.
type Lookup struct {
	dimension string
	keyType   string
	dates     flat.DateParser
	keys      map[string]int64
}

func newLookup(dimension, keyType string, dates flat.DateParser, size int) *Lookup {
	return &Lookup{
		dimension: dimension,
		keyType:   keyType,
		dates:     dates,
		keys:      make(map[string]int64, size),
	}
}

// Dimension returns the dimension table name.
func (l *Lookup) Dimension() string { return l.dimension }

// Len counts members, unknown member included.
func (l *Lookup) Len() int { return len(l.keys) }

// Unknown returns the unknown member's surrogate key.
func (l *Lookup) Unknown() int64 { return UnknownKey }

// Get returns the surrogate key of an already normalized natural key.
func (l *Lookup) Get(key string) (int64, bool) {
	sk, ok := l.keys[key]
	return sk, ok
}

// Resolve normalizes raw the same way members were keyed and returns its
// surrogate key. Null and unmatched keys return the unknown member. A present
// key that does not normalize (a malformed date) is unmatched.
func (l *Lookup) Resolve(raw any) (int64, Resolution) {
	key, _, ok := NormalizeKey(raw, l.keyType, l.dates)
	if !ok {
		if flat.Text(raw) != nil {
			return UnknownKey, Unmatched
		}
		return UnknownKey, Null
	}
	if sk, found := l.keys[key]; found {
		return sk, Matched
	}
	return UnknownKey, Unmatched
}

// NormalizeKey returns the canonical string of a natural key and its typed
// value: trimmed text, or a date rendered 2006-01-02. ok is false for
// absent keys and unparseable dates.
func NormalizeKey(raw any, keyType string, dates flat.DateParser) (string, any, bool) {
	if keyType == flat.TypeDate {
		t, ok := dates.Parse(raw)
		if !ok {
			return "", nil, false
		}
		return t.Format(flat.DateLayout), t, true
	}
	v := flat.Text(raw)
	if v == nil {
		return "", nil, false
	}
	s := v.(string)
	return s, s, true
}
