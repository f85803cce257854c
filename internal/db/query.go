package db

import (
	"fmt"
	"strings"

	"github.com/kailas-cloud/fusion/internal/domain/value"
)

// BoundMode says whether a range edge includes its bound value.
type BoundMode string

const (
	// Closed includes the bound value.
	Closed BoundMode = "closed"
	// Open excludes the bound value.
	Open BoundMode = "open"
)

// IsValid reports whether m is a known mode.
func (m BoundMode) IsValid() bool { return m == Closed || m == Open }

// Order is the output ordering of a range.
type Order int

const (
	// Unordered leaves output order to the store.
	Unordered Order = iota
	// Ascending orders by the range's index.
	Ascending
	// Descending orders by the range's index, reversed.
	Descending
)

func (o Order) String() string {
	switch o {
	case Ascending:
		return "ascending"
	case Descending:
		return "descending"
	default:
		return "none"
	}
}

// Bound is one edge of a range. Value is a scalar for the primary index and
// a []any with one entry per index field otherwise; entries may be
// value.MinVal or value.MaxVal.
type Bound struct {
	Value any
	Mode  BoundMode
}

// Key returns the bound as a tuple.
func (b Bound) Key() []any {
	if t, ok := b.Value.([]any); ok {
		return t
	}
	return []any{b.Value}
}

// Range is a between query over one index.
type Range struct {
	Index string
	Lower Bound
	Upper Bound
	Order Order
}

// Contains reports whether an index key falls within the range.
func (r Range) Contains(key []any) bool {
	c := value.ComparePrefix(key, r.Lower.Key())
	if c < 0 || (c == 0 && r.Lower.Mode == Open) {
		return false
	}
	c = value.ComparePrefix(key, r.Upper.Key())
	if c > 0 || (c == 0 && r.Upper.Mode == Open) {
		return false
	}
	return true
}

func (r Range) String() string {
	return fmt.Sprintf("between(%v %s, %v %s, index=%s, order=%s)",
		r.Lower.Value, r.Lower.Mode, r.Upper.Value, r.Upper.Mode, r.Index, r.Order)
}

// Query is an executable query: the union of its ranges, then a limit.
// Limit 0 means unlimited.
type Query struct {
	Table  string
	Ranges []Range
	Limit  int
}

// IsUnion reports whether the query merges more than one range.
func (q *Query) IsUnion() bool { return len(q.Ranges) > 1 }

func (q *Query) String() string {
	parts := make([]string, len(q.Ranges))
	for i, r := range q.Ranges {
		parts[i] = r.String()
	}
	s := q.Table + "." + strings.Join(parts, " ∪ ")
	if q.Limit > 0 {
		s += fmt.Sprintf(".limit(%d)", q.Limit)
	}
	return s
}

// ApplyLimit truncates items to the query limit.
func (q *Query) ApplyLimit(items []any) []any {
	if q.Limit > 0 && len(items) > q.Limit {
		return items[:q.Limit]
	}
	return items
}
