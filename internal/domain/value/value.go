// Package value defines the total order documents are indexed by and an
// order-preserving byte encoding of that order.
//
// The collation is:
//
//	MinVal < null < false < true < numbers < strings < arrays < objects < MaxVal
//
// Arrays compare element-wise, shorter first on a common prefix. Objects
// compare by their canonical JSON text.
package value

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

type sentinel int8

const (
	// MinVal orders below every value.
	MinVal sentinel = -1
	// MaxVal orders above every value.
	MaxVal sentinel = 1
)

func (s sentinel) String() string {
	if s == MinVal {
		return "minval"
	}
	return "maxval"
}

// MarshalJSON renders sentinels readably in plan dumps.
func (s sentinel) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// IsSentinel reports whether v is MinVal or MaxVal.
func IsSentinel(v any) bool {
	_, ok := v.(sentinel)
	return ok
}

type rank int

const (
	rankMin rank = iota
	rankNull
	rankBool
	rankNumber
	rankString
	rankArray
	rankObject
	rankMax
)

func rankOf(v any) rank {
	switch t := v.(type) {
	case sentinel:
		if t == MinVal {
			return rankMin
		}
		return rankMax
	case nil:
		return rankNull
	case bool:
		return rankBool
	case string:
		return rankString
	case []any:
		return rankArray
	case map[string]any:
		return rankObject
	default:
		if _, ok := toFloat(v); ok {
			return rankNumber
		}
		return rankObject
	}
}

// Normalize maps every numeric type onto float64 and Document-like maps onto
// map[string]any, so values from the wire and from Go callers compare alike.
func Normalize(v any) any {
	if f, ok := toFloat(v); ok {
		return f
	}
	switch t := v.(type) {
	case nil, bool, string, sentinel:
		return v
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = Normalize(t[i])
		}
		return out
	case map[string]any:
		return t
	}
	// named map types (domain.Document) and other JSON-able values
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

func toFloat(v any) (float64, bool) {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int:
		f = float64(t)
	case int8:
		f = float64(t)
	case int16:
		f = float64(t)
	case int32:
		f = float64(t)
	case int64:
		f = float64(t)
	case uint:
		f = float64(t)
	case uint8:
		f = float64(t)
	case uint16:
		f = float64(t)
	case uint32:
		f = float64(t)
	case uint64:
		f = float64(t)
	case json.Number:
		parsed, err := t.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if f == 0 {
		f = 0 // fold -0 onto +0
	}
	return f, true
}

// Compare returns -1, 0 or +1 ordering a against b.
func Compare(a, b any) int {
	a, b = Normalize(a), Normalize(b)
	ra, rb := rankOf(a), rankOf(b)
	if ra != rb {
		return cmpInt(int(ra), int(rb))
	}
	switch ra {
	case rankMin, rankMax, rankNull:
		return 0
	case rankBool:
		ab, bb := a.(bool), b.(bool)
		switch {
		case ab == bb:
			return 0
		case !ab:
			return -1
		default:
			return 1
		}
	case rankNumber:
		af, _ := toFloat(a)
		bf, _ := toFloat(b)
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	case rankString:
		return strings.Compare(a.(string), b.(string))
	case rankArray:
		return CompareTuple(a.([]any), b.([]any))
	default:
		return bytes.Compare(canonical(a), canonical(b))
	}
}

// CompareTuple compares two value sequences element-wise; a proper prefix
// orders first.
func CompareTuple(a, b []any) int {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if c := Compare(a[i], b[i]); c != 0 {
			return c
		}
	}
	return cmpInt(len(a), len(b))
}

// ComparePrefix compares the first len(bound) elements of key against bound.
// Keys shorter than the bound compare as a proper prefix.
func ComparePrefix(key, bound []any) int {
	if len(key) > len(bound) {
		key = key[:len(bound)]
	}
	return CompareTuple(key, bound)
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func canonical(v any) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		return []byte(fmt.Sprint(v))
	}
	return raw
}

// Field extracts a top-level field from a document-like value; missing
// fields read as nil.
func Field(doc map[string]any, name string) any {
	return Normalize(doc[name])
}

// IsNaN reports a numeric value that has no place in the order.
func IsNaN(v any) bool {
	f, ok := toFloat(v)
	return ok && math.IsNaN(f)
}
