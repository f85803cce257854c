package query

import (
	"github.com/kailas-cloud/fusion/internal/db"
	"github.com/kailas-cloud/fusion/internal/domain"
	"github.com/kailas-cloud/fusion/internal/domain/value"
	"github.com/kailas-cloud/fusion/internal/metadata"
)

// Index is what the planner needs to know about a selected index.
type Index interface {
	Name() string
	Fields() []string
	IsPrimary() bool
}

// IndexSelector picks the index serving a predicate and ordering shape.
type IndexSelector interface {
	GetMatchingIndex(fuzzy, ordered []string) (Index, error)
}

type tableSelector struct{ t *metadata.Table }

func (s tableSelector) GetMatchingIndex(fuzzy, ordered []string) (Index, error) {
	idx, err := s.t.GetMatchingIndex(fuzzy, ordered)
	if err != nil {
		return nil, err
	}
	return idx, nil
}

// ForTable adapts collection metadata to an IndexSelector.
func ForTable(t *metadata.Table) IndexSelector { return tableSelector{t: t} }

// MakeQueryPlan translates validated options into an executable query over
// the indexes of one collection. It has no side effects: every error is
// returned before anything reaches the database.
func MakeQueryPlan(opts *Options, table IndexSelector) (*db.Query, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	predicates := []Predicate{{}}
	switch {
	case len(opts.FindAll) > 0:
		predicates = opts.FindAll
	case opts.Find != nil:
		predicates = []Predicate{opts.Find}
	}

	qb := db.NewQuery(opts.Collection)
	for _, p := range predicates {
		r, err := orderedBetween(opts, p, table)
		if err != nil {
			return nil, err
		}
		qb.Union(r)
	}

	switch {
	case opts.Single():
		qb.Limit(1)
	case opts.Limit != nil:
		qb.Limit(*opts.Limit)
	}

	q, err := qb.Build()
	if err != nil {
		return nil, domain.Validationf("%v", err)
	}
	return q, nil
}

// orderingKeys returns the fields that drive range bounds and output order:
// the explicit order fields, else the fields of above, else of below.
func orderingKeys(opts *Options) []string {
	switch {
	case opts.Order != nil:
		return opts.Order.Fields
	case opts.Above != nil:
		return opts.Above.Keys
	case opts.Below != nil:
		return opts.Below.Keys
	}
	return nil
}

func orderedBetween(opts *Options, pred Predicate, table IndexSelector) (db.Range, error) {
	keys := orderingKeys(opts)

	if len(keys) > 0 {
		k := keys[0]
		if opts.Above != nil && !opts.Above.Has(k) {
			return db.Range{}, domain.Validationf(`"above" must be on the same field as the first in "order".`)
		}
		if opts.Below != nil && !opts.Below.Has(k) {
			return db.Range{}, domain.Validationf(`"below" must be on the same field as "above" and the first in "order".`)
		}
	}
	for _, k := range keys {
		if _, ok := pred[k]; ok {
			return db.Range{}, domain.Validationf(
				`"%s" cannot be used in "order", "above", or "below" when finding by that field.`, k)
		}
	}

	index, err := table.GetMatchingIndex(pred.Fields(), keys)
	if err != nil {
		return db.Range{}, err
	}

	rb := db.NewRange(index.Name()).
		Between(bound(index, pred, opts.Above, lowerSide), bound(index, pred, opts.Below, upperSide))
	if opts.Above != nil {
		rb.LeftBound(opts.Above.Mode)
	}
	if opts.Below != nil {
		rb.RightBound(opts.Below.Mode)
	}
	if opts.Order != nil {
		if opts.Order.Direction == Descending {
			rb.OrderBy(db.Descending)
		} else {
			rb.OrderBy(db.Ascending)
		}
	}
	r, err := rb.Build()
	if err != nil {
		return db.Range{}, domain.Validationf("%v", err)
	}
	return r, nil
}

type side int

const (
	lowerSide side = iota
	upperSide
)

// bound computes one edge of the range, one value per index field: the
// predicate value, else the bound's value, else a sentinel. Unnamed fields of
// an open lower bound get MaxVal and of an open upper bound MinVal. The
// primary index takes the bare id.
func bound(index Index, pred Predicate, b *Bound, s side) any {
	eval := func(field string) any {
		if v, ok := pred[field]; ok {
			return v
		}
		if b.Has(field) {
			return b.Values[field]
		}
		open := b != nil && b.Mode == db.Open
		if (s == lowerSide) == open {
			return value.MaxVal
		}
		return value.MinVal
	}

	if index.IsPrimary() {
		return eval(domain.PrimaryKey)
	}
	fields := index.Fields()
	out := make([]any, len(fields))
	for i, f := range fields {
		out[i] = eval(f)
	}
	return out
}
