package colspec

import (
	"math"
	"strconv"
	"strings"
)

// TransformFunc rewrites one extracted value before type coercion. Pure:
// one value in, one value out, never errors. Non-applicable inputs pass
// through unchanged.
type TransformFunc func(value interface{}) interface{}

// transforms is the closed registry of vetted transform functions.
// Configuration may only reference names registered here.
var transforms = map[string]TransformFunc{
	"micros": func(v interface{}) interface{} {
		if f, ok := toFloat(v); ok {
			return f / 1e6
		}
		return v
	},
	"cents": func(v interface{}) interface{} {
		if f, ok := toFloat(v); ok {
			return f / 100
		}
		return v
	},
	"abs": func(v interface{}) interface{} {
		if f, ok := toFloat(v); ok {
			return math.Abs(f)
		}
		return v
	},
	"negate": func(v interface{}) interface{} {
		if f, ok := toFloat(v); ok {
			return -f
		}
		return v
	},
	"lower": func(v interface{}) interface{} {
		if s, ok := v.(string); ok {
			return strings.ToLower(s)
		}
		return v
	},
	"upper": func(v interface{}) interface{} {
		if s, ok := v.(string); ok {
			return strings.ToUpper(s)
		}
		return v
	},
	"trim": func(v interface{}) interface{} {
		if s, ok := v.(string); ok {
			return strings.TrimSpace(s)
		}
		return v
	},
}

// LookupTransform returns the named transform function.
func LookupTransform(name string) (TransformFunc, bool) {
	fn, ok := transforms[name]
	return fn, ok
}

// toFloat converts numeric values and numeric strings to float64.
func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
