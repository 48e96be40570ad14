// Package rows translates flat database rows and remote documents into
// model entities and back. Every function here is total: missing columns,
// NULLs, text-typed numbers and malformed JSON turn into defaults.
package rows

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// String coerces a column value to a string
func String(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	}
	return ""
}

// Int coerces a column value to an integer, or 0
func Int(v any) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case int:
		return int64(x)
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return 0
		}
		return int64(x)
	case bool:
		if x {
			return 1
		}
		return 0
	case string, []byte:
		s := strings.TrimSpace(String(x))
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n
		}
		if f := OptFloat(s); f != nil {
			return int64(*f)
		}
	}
	return 0
}

// Float coerces a column value to a float, or 0
func Float(v any) float64 {
	if f := OptFloat(v); f != nil {
		return *f
	}
	return 0
}

// OptFloat parses a column value that may be numeric or numeric text.
// Anything unparsable is nil, never an error.
func OptFloat(v any) *float64 {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case int64:
		f = float64(x)
	case int:
		f = float64(x)
	case string, []byte:
		s := strings.TrimSpace(String(x))
		if s == "" {
			return nil
		}
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil
		}
		f = parsed
	default:
		return nil
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

// Bool coerces a column value to a bool
func Bool(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case int64:
		return x != 0
	case float64:
		return x != 0
	case string, []byte:
		b, _ := strconv.ParseBool(strings.TrimSpace(String(x)))
		return b
	}
	return false
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Time coerces a column value to a time: RFC 3339 text, SQLite datetime
// text, or Unix seconds. Unparsable values are the zero time.
func Time(v any) time.Time {
	switch x := v.(type) {
	case time.Time:
		return x
	case int64:
		return time.Unix(x, 0).UTC()
	case float64:
		return time.Unix(int64(x), 0).UTC()
	case string, []byte:
		s := strings.TrimSpace(String(x))
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t
			}
		}
	}
	return time.Time{}
}

// storedTimeLayout is fixed width so TEXT columns compare chronologically
const storedTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// FormatTime renders a time for a TEXT column
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(storedTimeLayout)
}

// Strings coerces a JSON-array column or a decoded []any to a string slice
func Strings(v any) []string {
	switch x := v.(type) {
	case []string:
		return x
	case []any:
		out := make([]string, 0, len(x))
		for _, item := range x {
			if s := String(item); s != "" {
				out = append(out, s)
			}
		}
		return out
	case string, []byte:
		return DecodeJSON[[]string](x, nil)
	}
	return nil
}

// DecodeJSON parses a JSON text column, returning fallback when the column
// is empty or malformed.
func DecodeJSON[T any](raw any, fallback T) T {
	var data []byte
	switch x := raw.(type) {
	case string:
		data = []byte(x)
	case []byte:
		data = x
	default:
		return fallback
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return fallback
	}

	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return fallback
	}
	return out
}
