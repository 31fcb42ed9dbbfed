package ir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strings"
	"unicode/utf16"
)

// Value is a sealed interface over the attribute value types.
// Only Null, Str, Int, Bool, List and Attrs implement it.
type Value interface {
	value()
}

// Null marks an attribute that must be cleared on the receiving side.
type Null struct{}

func (Null) value() {}

// MarshalJSON implements json.Marshaler.
func (Null) MarshalJSON() ([]byte, error) {
	return []byte("null"), nil
}

// Str is a string attribute value.
type Str string

func (Str) value() {}

// Int is an integer attribute value. Always int64, never float.
type Int int64

func (Int) value() {}

// Bool is a boolean attribute value.
type Bool bool

func (Bool) value() {}

// List is a multi-valued attribute.
type List []Value

func (List) value() {}

// Attrs maps attribute names to values. It is both the payload of
// provisioning operations and the attribute set of remote objects.
// Use SortedKeys() for deterministic iteration.
type Attrs map[string]Value

func (Attrs) value() {}

// SortedKeys returns keys in RFC 8785 canonical order (UTF-16 code units).
func (a Attrs) SortedKeys() []string {
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareUTF16)
	return keys
}

// Clone returns a deep copy of the attribute set.
func (a Attrs) Clone() Attrs {
	if a == nil {
		return nil
	}
	out := make(Attrs, len(a))
	for k, v := range a {
		out[k] = cloneValue(v)
	}
	return out
}

// Merge returns a copy of a with every key of b applied on top.
// Null values in b delete the key.
func (a Attrs) Merge(b Attrs) Attrs {
	out := a.Clone()
	if out == nil {
		out = Attrs{}
	}
	for k, v := range b {
		if _, clear := v.(Null); clear {
			delete(out, k)
			continue
		}
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v Value) Value {
	switch val := v.(type) {
	case List:
		out := make(List, len(val))
		for i, e := range val {
			out[i] = cloneValue(e)
		}
		return out
	case Attrs:
		return val.Clone()
	default:
		return v
	}
}

// Equal reports whether two values have the same canonical encoding.
// Strings are compared after NFC normalization.
func Equal(a, b Value) bool {
	if a == nil || b == nil {
		return isAbsent(a) && isAbsent(b)
	}
	ab, errA := MarshalCanonical(a)
	bb, errB := MarshalCanonical(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}

func isAbsent(v Value) bool {
	if v == nil {
		return true
	}
	_, ok := v.(Null)
	return ok
}

// AsString renders scalar values as strings. Lists and objects use their
// canonical JSON encoding.
func AsString(v Value) string {
	switch val := v.(type) {
	case nil, Null:
		return ""
	case Str:
		return string(val)
	case Int:
		return fmt.Sprintf("%d", val)
	case Bool:
		if val {
			return "true"
		}
		return "false"
	default:
		data, err := MarshalCanonical(val)
		if err != nil {
			return ""
		}
		return string(data)
	}
}

// compareUTF16 compares strings by UTF-16 code units as RFC 8785 requires.
// Go's native string comparison uses UTF-8 bytes, which orders
// supplementary-plane characters differently.
func compareUTF16(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))
	n := min(len(a16), len(b16))
	for i := 0; i < n; i++ {
		if a16[i] != b16[i] {
			if a16[i] < b16[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a16) < len(b16):
		return -1
	case len(a16) > len(b16):
		return 1
	}
	return 0
}

// FromAny converts decoded JSON/YAML/CUE data into a Value.
// Floats are accepted only when they hold an integral value.
func FromAny(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return val, nil
	case string:
		return Str(val), nil
	case bool:
		return Bool(val), nil
	case int:
		return Int(val), nil
	case int32:
		return Int(val), nil
	case int64:
		return Int(val), nil
	case uint64:
		if val > math.MaxInt64 {
			return nil, fmt.Errorf("integer out of range: %d", val)
		}
		return Int(val), nil
	case float64:
		if val != math.Trunc(val) || math.IsInf(val, 0) {
			return nil, fmt.Errorf("floats are not allowed in attribute values: %v", val)
		}
		return Int(int64(val)), nil
	case json.Number:
		s := string(val)
		if strings.ContainsAny(s, ".eE") {
			return nil, fmt.Errorf("floats are not allowed in attribute values: %s", s)
		}
		n, err := val.Int64()
		if err != nil {
			return nil, fmt.Errorf("number out of int64 range: %s", s)
		}
		return Int(n), nil
	case []any:
		out := make(List, len(val))
		for i, e := range val {
			conv, err := FromAny(e)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = conv
		}
		return out, nil
	case map[string]any:
		return AttrsFromMap(val)
	default:
		return nil, fmt.Errorf("unsupported attribute value type: %T", v)
	}
}

// AttrsFromMap converts a decoded map into Attrs.
func AttrsFromMap(m map[string]any) (Attrs, error) {
	out := make(Attrs, len(m))
	for k, e := range m {
		conv, err := FromAny(e)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", k, err)
		}
		out[k] = conv
	}
	return out, nil
}

// ToAny converts a Value back to plain Go data (for CLI and YAML output).
func ToAny(v Value) any {
	switch val := v.(type) {
	case nil, Null:
		return nil
	case Str:
		return string(val)
	case Int:
		return int64(val)
	case Bool:
		return bool(val)
	case List:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = ToAny(e)
		}
		return out
	case Attrs:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = ToAny(e)
		}
		return out
	default:
		return nil
	}
}

// UnmarshalJSON implements json.Unmarshaler. Numbers are decoded via
// json.Number so large integers keep their precision.
func (a *Attrs) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	conv, err := AttrsFromMap(raw)
	if err != nil {
		return err
	}
	*a = conv
	return nil
}

// MarshalJSON implements json.Marshaler using the canonical encoding.
func (a Attrs) MarshalJSON() ([]byte, error) {
	if a == nil {
		return []byte("{}"), nil
	}
	return MarshalCanonical(a)
}

// ParseAttrs decodes a JSON object into Attrs. Empty input yields an empty set.
func ParseAttrs(data string) (Attrs, error) {
	if data == "" || data == "{}" {
		return Attrs{}, nil
	}
	var a Attrs
	if err := json.Unmarshal([]byte(data), &a); err != nil {
		return nil, fmt.Errorf("parse attributes: %w", err)
	}
	return a, nil
}
