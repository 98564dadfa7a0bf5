// Package canonical provides JCS-style canonical JSON encoding for hashing
// and signing. Go's encoding/json already sorts map keys, which satisfies
// the bulk of RFC 8785; this package adds the NaN/Infinity rejection JCS
// requires and a minimal-separator re-encode so callers get a stable byte
// sequence regardless of struct field order.
package canonical

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
)

// Marshal serializes v to canonical JSON: sorted object keys, minimal
// separators, and no NaN/Infinity values anywhere in the value graph.
func Marshal(v any) ([]byte, error) {
	if containsNonFinite(reflect.ValueOf(v)) {
		return nil, fmt.Errorf("canonical: value contains NaN or Infinity")
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal: %w", err)
	}

	// Re-decode into a generic representation and re-encode so map keys at
	// every depth are sorted and separators are minimal, even when v is a
	// struct whose json tags were declared out of order.
	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonical: redecode: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, fmt.Errorf("canonical: reencode: %w", err)
	}

	// json.Encoder.Encode appends a trailing newline; strip it for a
	// deterministic byte sequence callers can hash directly.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Hash returns the lowercase-hex SHA-256 of the canonical encoding of
// v, prefixed "sha256:".
func Hash(v any) (string, error) {
	data, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return "sha256:" + sha256Hex(data), nil
}

func containsNonFinite(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Float32, reflect.Float64:
		f := v.Float()
		return math.IsNaN(f) || math.IsInf(f, 0)
	case reflect.Interface, reflect.Pointer:
		if v.IsNil() {
			return false
		}
		return containsNonFinite(v.Elem())
	case reflect.Map:
		for _, key := range v.MapKeys() {
			if containsNonFinite(v.MapIndex(key)) {
				return true
			}
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if containsNonFinite(v.Index(i)) {
				return true
			}
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if v.Type().Field(i).PkgPath != "" {
				continue // unexported
			}
			if containsNonFinite(v.Field(i)) {
				return true
			}
		}
	}
	return false
}
