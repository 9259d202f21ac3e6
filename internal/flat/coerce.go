package flat

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Value types understood by the coercions.
const (
	TypeText    = "text"
	TypeInteger = "integer"
	TypeDecimal = "decimal"
	TypeDate    = "date"
)

// DateLayout is the canonical rendering of calendar values.
const DateLayout = "2006-01-02"

// DefaultDateLayouts are tried in order when a set configures none.
var DefaultDateLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05Z07:00",
	"01/02/2006",
	"01/02/2006 15:04:05",
}

// DayFirstDateLayouts parse dd/mm/yyyy before mm/dd/yyyy.
var DayFirstDateLayouts = []string{
	"02/01/2006",
	"02/01/2006 15:04:05",
	"02/01/2006 15:04",
	"2006-01-02",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"02-01-2006",
}

// DateParser turns source cells into dates. Time of day is discarded.
type DateParser struct {
	Layouts []string
}

// Parse returns the date at midnight UTC. ok is false for nulls and
// unparseable values.
func (p DateParser) Parse(v any) (time.Time, bool) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, false
	case time.Time:
		return truncateDay(t), true
	}
	s := strings.TrimSpace(fmt.Sprint(v))
	if s == "" {
		return time.Time{}, false
	}
	layouts := p.Layouts
	if len(layouts) == 0 {
		layouts = DefaultDateLayouts
	}
	for _, l := range layouts {
		if ts, err := time.Parse(l, s); err == nil {
			return truncateDay(ts), true
		}
	}
	return time.Time{}, false
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Text returns the trimmed string form of v, or nil when empty.
func Text(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return nil
		}
		return s
	case time.Time:
		return t.Format(DateLayout)
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1e15 {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		s := strings.TrimSpace(fmt.Sprint(v))
		if s == "" {
			return nil
		}
		return s
	}
}

// Integer returns v as int64. "12" and "12.0" are accepted; fractional or
// non-numeric values yield nil.
func Integer(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case int:
		return int64(t)
	case int32:
		return int64(t)
	case int64:
		return t
	case float64:
		if t != math.Trunc(t) {
			return nil
		}
		return int64(t)
	case decimal.Decimal:
		if !t.IsInteger() {
			return nil
		}
		return t.IntPart()
	}
	d, ok := parseDecimal(fmt.Sprint(v))
	if !ok || !d.IsInteger() {
		return nil
	}
	return d.IntPart()
}

// Decimal returns v as decimal.Decimal. Either separator may be the decimal
// one (see normalizeSeparators); spaces group thousands. Non-numeric values
// yield nil.
func Decimal(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case decimal.Decimal:
		return t
	case int64:
		return decimal.NewFromInt(t)
	case int:
		return decimal.NewFromInt(int64(t))
	case float64:
		return decimal.NewFromFloat(t)
	}
	d, ok := parseDecimal(fmt.Sprint(v))
	if !ok {
		return nil
	}
	return d
}

// Coerce converts v to typ. Unknown types are treated as text.
func Coerce(typ string, v any, dates DateParser) any {
	switch typ {
	case TypeInteger:
		return Integer(v)
	case TypeDecimal:
		return Decimal(v)
	case TypeDate:
		if d, ok := dates.Parse(v); ok {
			return d
		}
		return nil
	default:
		return Text(v)
	}
}

func parseDecimal(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Decimal{}, false
	}
	s = strings.NewReplacer(" ", "", "\u00a0", "", "\u202f", "").Replace(s)
	s = normalizeSeparators(s)
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}

// normalizeSeparators rewrites s with '.' as the only decimal separator. When
// both ',' and '.' appear the last one is the decimal separator. A single ','
// alone is decimal ("12,5"); a separator repeated alone groups thousands.
func normalizeSeparators(s string) string {
	comma, dot := strings.LastIndexByte(s, ','), strings.LastIndexByte(s, '.')
	switch {
	case comma >= 0 && dot >= 0:
		if comma > dot {
			return strings.ReplaceAll(strings.ReplaceAll(s, ".", ""), ",", ".")
		}
		return strings.ReplaceAll(s, ",", "")
	case comma >= 0:
		if strings.Count(s, ",") > 1 {
			return strings.ReplaceAll(s, ",", "")
		}
		return strings.Replace(s, ",", ".", 1)
	case dot >= 0 && strings.Count(s, ".") > 1:
		return strings.ReplaceAll(s, ".", "")
	}
	return s
}
