package db

import (
	"errors"
	"fmt"

	"github.com/kailas-cloud/fusion/internal/domain/value"
)

// RangeBuilder is a fluent builder for index ranges.
type RangeBuilder struct {
	r Range
}

// NewRange starts a range over the named index covering everything.
func NewRange(index string) *RangeBuilder {
	return &RangeBuilder{
		r: Range{
			Index: index,
			Lower: Bound{Value: value.MinVal, Mode: Closed},
			Upper: Bound{Value: value.MaxVal, Mode: Closed},
		},
	}
}

// Between sets both bound values.
func (b *RangeBuilder) Between(lower, upper any) *RangeBuilder {
	b.r.Lower.Value = lower
	b.r.Upper.Value = upper
	return b
}

// LeftBound sets the lower edge mode.
func (b *RangeBuilder) LeftBound(m BoundMode) *RangeBuilder {
	b.r.Lower.Mode = m
	return b
}

// RightBound sets the upper edge mode.
func (b *RangeBuilder) RightBound(m BoundMode) *RangeBuilder {
	b.r.Upper.Mode = m
	return b
}

// OrderBy orders output by the range's index.
func (b *RangeBuilder) OrderBy(o Order) *RangeBuilder {
	b.r.Order = o
	return b
}

// Build validates and returns the range.
func (b *RangeBuilder) Build() (Range, error) {
	if b.r.Index == "" {
		return Range{}, errors.New("range index is required")
	}
	if !b.r.Lower.Mode.IsValid() {
		return Range{}, fmt.Errorf("invalid left bound mode %q", b.r.Lower.Mode)
	}
	if !b.r.Upper.Mode.IsValid() {
		return Range{}, fmt.Errorf("invalid right bound mode %q", b.r.Upper.Mode)
	}
	lk, uk := b.r.Lower.Key(), b.r.Upper.Key()
	if b.r.Index != PrimaryIndex && len(lk) != len(uk) {
		return Range{}, fmt.Errorf("bound arity mismatch: %d vs %d", len(lk), len(uk))
	}
	return b.r, nil
}

// MustBuild calls Build and panics on error.
func (b *RangeBuilder) MustBuild() Range {
	r, err := b.Build()
	if err != nil {
		panic(err)
	}
	return r
}

// QueryBuilder assembles a Query from ranges.
type QueryBuilder struct {
	q Query
}

// NewQuery starts a query against a table.
func NewQuery(table string) *QueryBuilder {
	return &QueryBuilder{q: Query{Table: table}}
}

// Union adds ranges whose results are concatenated.
func (b *QueryBuilder) Union(ranges ...Range) *QueryBuilder {
	b.q.Ranges = append(b.q.Ranges, ranges...)
	return b
}

// Limit caps the number of results; 0 means unlimited.
func (b *QueryBuilder) Limit(n int) *QueryBuilder {
	b.q.Limit = n
	return b
}

// Build validates and returns the query.
func (b *QueryBuilder) Build() (*Query, error) {
	if b.q.Table == "" {
		return nil, errors.New("query table is required")
	}
	if len(b.q.Ranges) == 0 {
		return nil, errors.New("at least one range is required")
	}
	if b.q.Limit < 0 {
		return nil, errors.New("limit must not be negative")
	}
	q := b.q
	return &q, nil
}
