// Package schema - validation and sanitization walker.
package schema

import (
	"fmt"
	"log"
)

// Options controls a validation pass.
type Options struct {
	// Strict treats unknown object keys as errors instead of warnings.
	Strict bool

	// Sanitize corrects problems in a copy of the value instead of only
	// reporting them: ill-typed leaves are coerced, out-of-range numbers
	// clamped, and missing required fields filled from their defaults.
	// The corrected copy is returned in Result.Sanitized.
	Sanitize bool

	// LogErrors logs each validation error as it is found.
	LogErrors bool

	// FailFast stops the walk at the first error.
	FailFast bool
}

// Issue describes one validation finding at a path like "cultivation.qi.level".
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (i Issue) String() string {
	if i.Path == "" {
		return i.Message
	}
	return i.Path + ": " + i.Message
}

// Result is the outcome of one validation pass.
type Result struct {
	// Valid is true when no errors were found. Warnings do not affect it.
	Valid bool `json:"valid"`

	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`

	// Sanitized holds the corrected value when Options.Sanitize was set.
	// Sanitization never mutates the caller's value in place.
	Sanitized any `json:"-"`

	// CorruptionIndicator is set when the failure pattern suggests
	// corrupted rather than merely invalid data: a root of the wrong
	// structural type, or a value that cannot be serialized at all.
	CorruptionIndicator bool `json:"corruption_indicator"`
}

// Err returns a wrapped ErrValidationFailed carrying the first error, or
// nil when the result is valid. For callers that want validation failures
// as hard errors.
func (r *Result) Err() error {
	if r.Valid {
		return nil
	}
	if len(r.Errors) > 0 {
		return fmt.Errorf("%w: %s", ErrValidationFailed, r.Errors[0])
	}
	return ErrValidationFailed
}

// Validate applies def to value.
//
// Validation and sanitization share one recursive walker, parameterized by
// Options.Sanitize: out-of-bound values are either reported (validate-only)
// or corrected in the returned copy (sanitize). The input value is never
// mutated.
func Validate(value any, def *Definition, opts Options) *Result {
	w := &walker{opts: opts, result: &Result{Valid: true}}

	sanitized := w.walk("", value, def)
	if opts.Sanitize {
		w.result.Sanitized = sanitized
	}

	// Root structural mismatch is a corruption signal, not just an
	// invalid field: the payload shape itself is wrong.
	if def.effectiveType() == TypeObject {
		if _, ok := value.(map[string]any); !ok {
			w.result.CorruptionIndicator = true
		}
	}

	return w.result
}

// walker carries one validation pass's options and accumulating result.
type walker struct {
	opts   Options
	result *Result
}

// stopped reports whether FailFast already tripped.
func (w *walker) stopped() bool {
	return w.opts.FailFast && len(w.result.Errors) > 0
}

func (w *walker) addError(path, format string, args ...any) {
	issue := Issue{Path: path, Message: fmt.Sprintf(format, args...)}
	w.result.Errors = append(w.result.Errors, issue)
	w.result.Valid = false
	if w.opts.LogErrors {
		log.Printf("schema: validation error at %s", issue)
	}
}

func (w *walker) addWarning(path, format string, args ...any) {
	w.result.Warnings = append(w.result.Warnings, Issue{Path: path, Message: fmt.Sprintf(format, args...)})
}

// walk validates v against def and returns the (possibly corrected) value.
// In validate-only mode the return value is v unchanged.
func (w *walker) walk(path string, v any, def *Definition) any {
	if def == nil || w.stopped() {
		return v
	}

	switch def.effectiveType() {
	case TypeAny:
		return v
	case TypeObject:
		return w.walkObject(path, v, def)
	case TypeArray:
		return w.walkArray(path, v, def)
	case TypeNumber, TypeInteger:
		return w.walkNumber(path, v, def)
	case TypeBoolean, TypeString:
		return w.walkScalar(path, v, def)
	default:
		w.addError(path, "unknown schema type %q", def.Type)
		return v
	}
}

func (w *walker) walkObject(path string, v any, def *Definition) any {
	obj, ok := v.(map[string]any)
	if !ok {
		w.addError(path, "expected object, got %T", v)
		if w.opts.Sanitize && def.Default != nil {
			return deepCopyValue(def.Default)
		}
		return v
	}

	var out map[string]any
	if w.opts.Sanitize {
		out = make(map[string]any, len(obj))
		for k, val := range obj {
			out[k] = val
		}
	} else {
		out = obj
	}

	for _, required := range def.Required {
		if _, present := obj[required]; present {
			continue
		}
		prop := def.Properties[required]
		if w.opts.Sanitize && prop != nil && prop.Default != nil {
			out[required] = deepCopyValue(prop.Default)
			w.addWarning(joinPath(path, required), "missing required field filled from default")
			continue
		}
		w.addError(joinPath(path, required), "missing required field")
		if w.stopped() {
			return out
		}
	}

	for name, val := range obj {
		prop, known := def.Properties[name]
		if !known {
			if len(def.Properties) == 0 {
				continue // unconstrained object
			}
			if w.opts.Strict {
				w.addError(joinPath(path, name), "unknown field")
			} else {
				w.addWarning(joinPath(path, name), "unknown field")
			}
			continue
		}
		walked := w.walk(joinPath(path, name), val, prop)
		if w.opts.Sanitize {
			out[name] = walked
		}
		if w.stopped() {
			return out
		}
	}

	return out
}

func (w *walker) walkArray(path string, v any, def *Definition) any {
	arr, ok := v.([]any)
	if !ok {
		w.addError(path, "expected array, got %T", v)
		return v
	}

	var out []any
	if w.opts.Sanitize {
		out = make([]any, len(arr))
		copy(out, arr)
	} else {
		out = arr
	}

	if def.Items != nil {
		for i, elem := range arr {
			walked := w.walk(fmt.Sprintf("%s[%d]", path, i), elem, def.Items)
			if w.opts.Sanitize {
				out[i] = walked
			}
			if w.stopped() {
				break
			}
		}
	}

	return out
}

func (w *walker) walkNumber(path string, v any, def *Definition) any {
	num, isNumber := numericValue(v)
	if !isNumber {
		if w.opts.Sanitize {
			if coerced, ok := coerceTo(def.effectiveType(), v); ok {
				w.addWarning(path, "coerced %T to %s", v, def.effectiveType())
				num = coerced.(float64)
			} else if def.Default != nil {
				w.addWarning(path, "uncoercible %T replaced with default", v)
				if d, ok := numericValue(def.Default); ok {
					num = d
				} else {
					return deepCopyValue(def.Default)
				}
			} else {
				w.addError(path, "expected %s, got %T", def.effectiveType(), v)
				return v
			}
		} else {
			w.addError(path, "expected %s, got %T", def.effectiveType(), v)
			return v
		}
	}

	if def.effectiveType() == TypeInteger && num != float64(int64(num)) {
		if w.opts.Sanitize {
			w.addWarning(path, "truncated %v to integer", num)
			num = float64(int64(num))
		} else {
			w.addError(path, "expected integer, got %v", num)
			return v
		}
	}

	if def.Minimum != nil && num < *def.Minimum {
		if w.opts.Sanitize {
			w.addWarning(path, "clamped %v to minimum %v", num, *def.Minimum)
			num = *def.Minimum
		} else {
			w.addError(path, "value %v below minimum %v", num, *def.Minimum)
			return v
		}
	}
	if def.Maximum != nil && num > *def.Maximum {
		if w.opts.Sanitize {
			w.addWarning(path, "clamped %v to maximum %v", num, *def.Maximum)
			num = *def.Maximum
		} else {
			w.addError(path, "value %v above maximum %v", num, *def.Maximum)
			return v
		}
	}

	if w.opts.Sanitize {
		return num
	}
	return v
}

func (w *walker) walkScalar(path string, v any, def *Definition) any {
	target := def.effectiveType()
	if matchesType(v, target) {
		return v
	}

	if w.opts.Sanitize {
		if coerced, ok := coerceTo(target, v); ok {
			w.addWarning(path, "coerced %T to %s", v, target)
			return coerced
		}
		if def.Default != nil {
			w.addWarning(path, "uncoercible %T replaced with default", v)
			return deepCopyValue(def.Default)
		}
	}

	w.addError(path, "expected %s, got %T", target, v)
	return v
}

// matchesType reports whether v already satisfies the schema type.
func matchesType(v any, t Type) bool {
	switch t {
	case TypeAny:
		return true
	case TypeObject:
		_, ok := v.(map[string]any)
		return ok
	case TypeArray:
		_, ok := v.([]any)
		return ok
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeBoolean:
		_, ok := v.(bool)
		return ok
	case TypeNumber:
		_, ok := numericValue(v)
		return ok
	case TypeInteger:
		num, ok := numericValue(v)
		return ok && num == float64(int64(num))
	default:
		return false
	}
}

// numericValue unifies Go's numeric types into float64, the shape numbers
// take after a JSON round-trip. Strings and booleans are NOT numbers here;
// converting those is coercion, not matching.
func numericValue(v any) (float64, bool) {
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
	default:
		return 0, false
	}
}

func joinPath(base, key string) string {
	if base == "" {
		return key
	}
	return base + "." + key
}

// deepCopyValue copies JSON-shaped data so defaults and repairs never alias
// the template.
func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = deepCopyValue(elem)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = deepCopyValue(elem)
		}
		return out
	default:
		return val
	}
}
