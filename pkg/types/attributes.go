package types

import "math"

// MaxAttributes bounds the number of keys kept in an Attributes map.
const MaxAttributes = 32

// Attributes is a bounded schema-less map of primitive values.
//
// Values are restricted to string, bool and float64 so that they survive
// JSON encoding unchanged in every store.
type Attributes map[string]any

// NormalizeAttributes copies src keeping only primitive values.
//
// Integer and float32 values are widened to float64. NaN and infinite
// numbers are dropped. Keys beyond
// MaxAttributes are dropped in unspecified order.
func NormalizeAttributes(src map[string]any) Attributes {
	if len(src) == 0 {
		return nil
	}
	dst := make(Attributes, len(src))
	for k, v := range src {
		if len(dst) >= MaxAttributes {
			break
		}
		if nv, ok := normalizeValue(v); ok {
			dst[k] = nv
		}
	}
	return dst
}

func normalizeValue(v any) (any, bool) {
	var f float64
	switch v := v.(type) {
	case string, bool:
		return v, true
	case float64:
		f = v
	case float32:
		f = float64(v)
	case int:
		f = float64(v)
	case int8:
		f = float64(v)
	case int16:
		f = float64(v)
	case int32:
		f = float64(v)
	case int64:
		f = float64(v)
	case uint:
		f = float64(v)
	case uint8:
		f = float64(v)
	case uint16:
		f = float64(v)
	case uint32:
		f = float64(v)
	case uint64:
		f = float64(v)
	default:
		return nil, false
	}
	// NaN and infinities have no JSON encoding.
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, false
	}
	return f, true
}

// With returns a copy of a with key set to value.
func (a Attributes) With(key string, value any) Attributes {
	out := make(Attributes, len(a)+1)
	for k, v := range a {
		out[k] = v
	}
	if nv, ok := normalizeValue(value); ok {
		out[key] = nv
	}
	return out
}

// Matches reports whether every key of filter is present in a with an
// equal value.
func (a Attributes) Matches(filter Attributes) bool {
	for k, want := range filter {
		got, ok := a[k]
		if !ok {
			return false
		}
		if nw, ok := normalizeValue(want); !ok || got != nw {
			return false
		}
	}
	return true
}

// LabelsMatch reports whether labels contain every pair of filter.
func LabelsMatch(labels, filter map[string]string) bool {
	for k, v := range filter {
		if labels[k] != v {
			return false
		}
	}
	return true
}
