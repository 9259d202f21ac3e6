package storage

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// NormalizeKey converts a dimension key value to a canonical string form,
// suitable for in-memory cache keys (e.g. "C001" or "2024-03-01").
//
// Backends must not assume a particular underlying type for keys; this helper
// keeps lookup caches consistent across backends. Dates are rendered as
// 2006-01-02 whatever the driver returns (time.Time, or text with a time part).
func NormalizeKey(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return normalizeText(t)
	case int64:
		return fmt.Sprintf("%d", t)
	case []byte:
		return normalizeText(string(t))
	case int:
		return fmt.Sprintf("%d", t)
	case time.Time:
		return t.Format("2006-01-02")
	case decimal.Decimal:
		return t.String()
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

// normalizeText trims s, and cuts a stored date-time such as
// "1900-01-01T00:00:00Z" or "1900-01-01 00:00:00" down to its date.
func normalizeText(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 10 && (s[10] == 'T' || s[10] == ' ') {
		if _, err := time.Parse("2006-01-02", s[:10]); err == nil {
			return s[:10]
		}
	}
	return s
}

// DBValue converts an in-memory cell to a driver argument. Decimals are sent
// as their exact string form and dates as 2006-01-02 so every backend can
// bind them to numeric and date columns without float rounding.
func DBValue(v any) any {
	switch t := v.(type) {
	case decimal.Decimal:
		return t.String()
	case time.Time:
		return t.Format("2006-01-02")
	case int:
		return int64(t)
	default:
		return v
	}
}

// DBRow applies DBValue to every cell of row.
func DBRow(row []any) []any {
	out := make([]any, len(row))
	for i, v := range row {
		out[i] = DBValue(v)
	}
	return out
}

// TextValue renders a cell as the text literal a typed column accepts
// ("12.50", "2024-03-01", "42"), or nil for null. Backends that bind every
// argument as text and cast in SQL use it.
func TextValue(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		return t
	case int64:
		return strconv.FormatInt(t, 10)
	case int:
		return strconv.Itoa(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case decimal.Decimal:
		return t.String()
	case time.Time:
		return t.Format("2006-01-02")
	default:
		return fmt.Sprint(v)
	}
}
