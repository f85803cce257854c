package fusion

import (
	"context"
	"encoding/json"

	"github.com/kailas-cloud/fusion/internal/db"
	planner "github.com/kailas-cloud/fusion/internal/query"
)

// BoundMode says whether a range bound includes its value.
type BoundMode = db.BoundMode

// Bound modes.
const (
	Open   = db.Open
	Closed = db.Closed
)

// Query builds a query over one collection. Fetch and Watch validate it.
type Query struct {
	gw   *Gateway
	opts planner.Options
}

func newQuery(gw *Gateway, collection string) *Query {
	return &Query{gw: gw, opts: planner.Options{Collection: collection}}
}

// Find selects the single document matching every field of p.
func (q *Query) Find(p Document) *Query {
	q.opts.Find = planner.Predicate(p)
	return q
}

// FindAll selects the documents matching any of the predicates.
func (q *Query) FindAll(ps ...Document) *Query {
	q.opts.FindAll = make([]planner.Predicate, len(ps))
	for i, p := range ps {
		q.opts.FindAll[i] = planner.Predicate(p)
	}
	return q
}

// OrderBy sorts ascending by fields.
func (q *Query) OrderBy(fields ...string) *Query {
	q.opts.Order = &planner.Order{Fields: fields, Direction: planner.Ascending}
	return q
}

// OrderByDesc sorts descending by fields.
func (q *Query) OrderByDesc(fields ...string) *Query {
	q.opts.Order = &planner.Order{Fields: fields, Direction: planner.Descending}
	return q
}

// Above constrains field from below. Repeated calls add ordering keys in
// call order.
func (q *Query) Above(field string, v any, mode BoundMode) *Query {
	q.opts.Above = addBound(q.opts.Above, field, v, mode)
	return q
}

// Below constrains field from above.
func (q *Query) Below(field string, v any, mode BoundMode) *Query {
	q.opts.Below = addBound(q.opts.Below, field, v, mode)
	return q
}

func addBound(b *planner.Bound, field string, v any, mode BoundMode) *planner.Bound {
	if b == nil {
		b = &planner.Bound{Values: map[string]any{}}
	}
	if _, ok := b.Values[field]; !ok {
		b.Keys = append(b.Keys, field)
	}
	b.Values[field] = v
	b.Mode = mode
	return b
}

// Limit caps the number of results.
func (q *Query) Limit(n int) *Query {
	q.opts.Limit = &n
	return q
}

// options normalizes the builder state exactly as a protocol request would be.
func (q *Query) options() (*planner.Options, error) {
	// empty predicates vanish under omitempty
	if err := q.opts.Validate(); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(q.opts)
	if err != nil {
		return nil, err
	}
	return planner.ParseOptions(raw)
}

// Fetch runs the query once.
func (q *Query) Fetch(ctx context.Context) ([]Document, error) {
	opts, err := q.options()
	if err != nil {
		return nil, err
	}
	res, err := q.gw.app.Queries.Query(ctx, opts)
	if err != nil {
		return nil, err
	}
	docs := make([]Document, 0, len(res.Items()))
	for _, item := range res.Items() {
		docs = append(docs, item.(Document))
	}
	return docs, nil
}

// Watch subscribes to changes of the documents the query selects.
func (q *Query) Watch(ctx context.Context) (*Feed, error) {
	opts, err := q.options()
	if err != nil {
		return nil, err
	}
	res, err := q.gw.app.Queries.Subscribe(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &Feed{cursor: res.Cursor()}, nil
}
