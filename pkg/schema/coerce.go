// Package schema - enumerated coercion table used by sanitization.
//
// Coercion rules are explicit per target type rather than ad hoc branching,
// so each rule is independently testable. A coercion either produces a value
// of the target type or reports failure; sanitization then falls back to the
// field default.
package schema

import (
	"math"
	"strconv"
	"strings"
)

// coerceNumber converts v to a float64 where a sensible conversion exists.
// Accepted: numeric types, numeric strings, booleans (1/0).
func coerceNumber(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint:
		return float64(val), true
	case uint64:
		return float64(val), true
	case bool:
		if val {
			return 1, true
		}
		return 0, true
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil || math.IsNaN(parsed) || math.IsInf(parsed, 0) {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}

// coerceInteger converts v to a whole float64 (integers travel as float64
// through JSON). Fractional numbers are truncated toward zero.
func coerceInteger(v any) (float64, bool) {
	num, ok := coerceNumber(v)
	if !ok {
		return 0, false
	}
	return math.Trunc(num), true
}

// coerceBoolean converts v to a bool. Accepted: booleans, the strings
// "true"/"false" (case-insensitive), and numbers (non-zero = true).
func coerceBoolean(v any) (bool, bool) {
	switch val := v.(type) {
	case bool:
		return val, true
	case string:
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "true":
			return true, true
		case "false":
			return false, true
		}
		return false, false
	case float64:
		return val != 0, true
	case int:
		return val != 0, true
	default:
		return false, false
	}
}

// coerceString converts v to a string. Accepted: strings, numbers,
// booleans. Composite values are not stringified.
func coerceString(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case int:
		return strconv.Itoa(val), true
	case bool:
		return strconv.FormatBool(val), true
	default:
		return "", false
	}
}

// coerceTo applies the coercion rule for the target type. Returns the
// coerced value and whether coercion succeeded. TypeObject and TypeArray
// have no coercion rule: composite shapes are repaired structurally, not
// coerced.
func coerceTo(target Type, v any) (any, bool) {
	switch target {
	case TypeNumber:
		return unwrap(coerceNumber(v))
	case TypeInteger:
		return unwrap(coerceInteger(v))
	case TypeBoolean:
		return unwrap(coerceBoolean(v))
	case TypeString:
		return unwrap(coerceString(v))
	default:
		return nil, false
	}
}

func unwrap[T any](v T, ok bool) (any, bool) {
	if !ok {
		return nil, false
	}
	return v, true
}
