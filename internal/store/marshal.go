package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/provsync/internal/ir"
)

// marshalAttrs converts Attrs to canonical JSON TEXT for storage.
func marshalAttrs(attrs ir.Attrs) (string, error) {
	if attrs == nil {
		attrs = ir.Attrs{}
	}
	data, err := ir.MarshalCanonical(attrs)
	if err != nil {
		return "", fmt.Errorf("marshal attributes: %w", err)
	}
	return string(data), nil
}

// unmarshalAttrs parses canonical JSON TEXT to Attrs. Large integers keep
// their precision through json.Number.
func unmarshalAttrs(data string) (ir.Attrs, error) {
	attrs, err := ir.ParseAttrs(data)
	if err != nil {
		return nil, fmt.Errorf("unmarshal attributes: %w", err)
	}
	return attrs, nil
}

// marshalValue converts a single attribute value to canonical JSON TEXT.
func marshalValue(v ir.Value) (string, error) {
	data, err := ir.MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("marshal value: %w", err)
	}
	return string(data), nil
}

func unmarshalValue(data string) (ir.Value, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(data)))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("unmarshal value: %w", err)
	}
	v, err := ir.FromAny(raw)
	if err != nil {
		return nil, fmt.Errorf("unmarshal value: %w", err)
	}
	return v, nil
}

// marshalSummary stores a run summary as JSON. encoding/json sorts map keys,
// which keeps the column deterministic.
func marshalSummary(s ir.RunSummary) (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("marshal summary: %w", err)
	}
	return string(data), nil
}

func unmarshalSummary(data string) (ir.RunSummary, error) {
	var s ir.RunSummary
	if data == "" || data == "{}" {
		return s, nil
	}
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return ir.RunSummary{}, fmt.Errorf("unmarshal summary: %w", err)
	}
	return s, nil
}

// toNanos stores the zero time as 0 so "not set" survives a round trip.
func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
