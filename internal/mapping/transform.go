package mapping

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"

	"github.com/roach88/provsync/internal/ir"
)

// ErrUnknownTransform is returned for a transform name that is not defined.
var ErrUnknownTransform = errors.New("unknown transform")

// stringTransforms apply to strings, and element-wise to lists of strings.
// cases.Caser is stateful, so each call builds its own.
var stringTransforms = map[string]func(string) string{
	"trim":  strings.TrimSpace,
	"lower": func(s string) string { return cases.Lower(language.Und).String(s) },
	"upper": func(s string) string { return cases.Upper(language.Und).String(s) },
	"title": func(s string) string { return cases.Title(language.Und).String(s) },
	"nfc":   norm.NFC.String,
}

// KnownTransform reports whether name is a defined transform. The empty
// name is the identity.
func KnownTransform(name string) bool {
	if name == "" || name == "string" {
		return true
	}
	_, ok := stringTransforms[name]
	return ok
}

// Transform applies the named transform to v. Null passes through
// unchanged so "clear" markers survive every transform.
func Transform(name string, v ir.Value) (ir.Value, error) {
	if name == "" || v == nil {
		return v, nil
	}
	if _, isNull := v.(ir.Null); isNull {
		return v, nil
	}
	if name == "string" {
		return ir.Str(ir.AsString(v)), nil
	}
	fn, ok := stringTransforms[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTransform, name)
	}
	return applyString(fn, v), nil
}

func applyString(fn func(string) string, v ir.Value) ir.Value {
	switch val := v.(type) {
	case ir.Str:
		return ir.Str(fn(string(val)))
	case ir.List:
		out := make(ir.List, len(val))
		for i, e := range val {
			out[i] = applyString(fn, e)
		}
		return out
	default:
		return v
	}
}
