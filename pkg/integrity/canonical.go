// Package integrity provides canonical serialization and content digests
// for corruption detection.
//
// A digest is computed over a canonical serialization of the value: map keys
// are sorted deterministically before encoding, so the digest is independent
// of insertion order. A digest mismatch on load is the authoritative
// corruption signal for the save engine.
package integrity

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
)

// Errors returned by canonicalization.
var (
	// ErrCyclicValue is returned when the value graph references itself.
	// A cyclic value can never round-trip through serialization, so it is
	// treated as severe corruption by the schema checks.
	ErrCyclicValue = errors.New("integrity: value contains a cycle")

	// ErrUnsupportedValue is returned for values that have no canonical
	// JSON form (channels, funcs, NaN, infinities).
	ErrUnsupportedValue = errors.New("integrity: value has no canonical form")
)

// Canonicalize returns the canonical JSON serialization of v.
//
// Properties:
//   - Map keys are emitted in sorted order, regardless of insertion order.
//   - Equal values always produce byte-identical output.
//   - Cycles are detected and reported as ErrCyclicValue rather than
//     recursing forever.
//
// The input is restricted to JSON-shaped data: nil, bool, numbers, strings,
// []any, map[string]any, and anything that marshals to those via
// encoding/json.
func Canonicalize(v any) ([]byte, error) {
	var buf bytes.Buffer
	seen := make(map[uintptr]struct{})
	if err := writeCanonical(&buf, v, seen); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// writeCanonical recursively encodes v into buf with sorted map keys.
// seen tracks visited map/slice backing pointers for cycle detection.
func writeCanonical(buf *bytes.Buffer, v any, seen map[uintptr]struct{}) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil

	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil

	case string:
		return writeJSONScalar(buf, val)

	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return fmt.Errorf("%w: %v", ErrUnsupportedValue, val)
		}
		return writeJSONScalar(buf, val)

	case float32:
		return writeCanonical(buf, float64(val), seen)

	case int:
		return writeJSONScalar(buf, val)
	case int32:
		return writeJSONScalar(buf, val)
	case int64:
		return writeJSONScalar(buf, val)
	case uint:
		return writeJSONScalar(buf, val)
	case uint32:
		return writeJSONScalar(buf, val)
	case uint64:
		return writeJSONScalar(buf, val)
	case json.Number:
		buf.WriteString(string(val))
		return nil

	case map[string]any:
		return writeCanonicalMap(buf, val, seen)

	case []any:
		return writeCanonicalSlice(buf, val, seen)

	default:
		// Structs, typed maps/slices: lower to JSON-shaped data first,
		// then canonicalize the generic form.
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnsupportedValue, err)
		}
		var generic any
		if err := json.Unmarshal(raw, &generic); err != nil {
			return fmt.Errorf("%w: %v", ErrUnsupportedValue, err)
		}
		return writeCanonical(buf, generic, seen)
	}
}

func writeCanonicalMap(buf *bytes.Buffer, m map[string]any, seen map[uintptr]struct{}) error {
	ptr := reflect.ValueOf(m).Pointer()
	if _, visited := seen[ptr]; visited {
		return ErrCyclicValue
	}
	seen[ptr] = struct{}{}
	defer delete(seen, ptr)

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeJSONScalar(buf, k); err != nil {
			return err
		}
		buf.WriteByte(':')
		if err := writeCanonical(buf, m[k], seen); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func writeCanonicalSlice(buf *bytes.Buffer, s []any, seen map[uintptr]struct{}) error {
	if len(s) > 0 {
		ptr := reflect.ValueOf(s).Pointer()
		if _, visited := seen[ptr]; visited {
			return ErrCyclicValue
		}
		seen[ptr] = struct{}{}
		defer delete(seen, ptr)
	}

	buf.WriteByte('[')
	for i, elem := range s {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeCanonical(buf, elem, seen); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}

// writeJSONScalar encodes a scalar via encoding/json without the trailing
// newline json.Encoder would add.
func writeJSONScalar(buf *bytes.Buffer, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsupportedValue, err)
	}
	buf.Write(raw)
	return nil
}
