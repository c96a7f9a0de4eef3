package extract

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/adlake/adlake/pkg/colspec"
)

// Coerce converts a raw extracted value to the declared destination type.
// It never returns an error: a missing or unparseable value yields the
// type's default (INTEGER 0, FLOAT 0.0, STRING "", BOOLEAN false,
// DATE/TIMESTAMP nil).
func Coerce(value interface{}, t colspec.Type) interface{} {
	switch t {
	case colspec.TypeInteger:
		return coerceInt(value)
	case colspec.TypeFloat:
		return coerceFloat(value)
	case colspec.TypeString:
		return coerceString(value)
	case colspec.TypeBoolean:
		return coerceBool(value)
	case colspec.TypeDate:
		return coerceDate(value, "2006-01-02")
	case colspec.TypeTimestamp:
		return coerceDate(value, time.RFC3339)
	default:
		return coerceString(value)
	}
}

// Default returns the type's default without a source value.
func Default(t colspec.Type) interface{} {
	return Coerce(nil, t)
}

func coerceInt(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case float64:
		return int64(n)
	case float32:
		return int64(n)
	case bool:
		if n {
			return 1
		}
		return 0
	case string:
		s := strings.TrimSpace(n)
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return int64(f)
		}
		return 0
	default:
		return 0
	}
}

func coerceFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int64:
		return float64(n)
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case bool:
		if n {
			return 1
		}
		return 0
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
			return f
		}
		return 0
	default:
		return 0
	}
}

func coerceString(v interface{}) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(s), 'f', -1, 32)
	case int64:
		return strconv.FormatInt(s, 10)
	case int:
		return strconv.Itoa(s)
	case bool:
		return strconv.FormatBool(s)
	case time.Time:
		return s.Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", s)
	}
}

func coerceBool(v interface{}) bool {
	switch b := v.(type) {
	case nil:
		return false
	case bool:
		return b
	case string:
		s := strings.TrimSpace(b)
		if s == "" {
			return false
		}
		if parsed, err := strconv.ParseBool(strings.ToLower(s)); err == nil {
			return parsed
		}
		return true
	case float64:
		return b != 0
	case int64:
		return b != 0
	case int:
		return b != 0
	default:
		return false
	}
}

// coerceDate passes dates and timestamps through as strings; the warehouse
// loader owns timezone-aware parsing. Unrepresentable values become nil.
func coerceDate(v interface{}, layout string) interface{} {
	switch d := v.(type) {
	case nil:
		return nil
	case string:
		if strings.TrimSpace(d) == "" {
			return nil
		}
		return d
	case time.Time:
		return d.UTC().Format(layout)
	default:
		return nil
	}
}
