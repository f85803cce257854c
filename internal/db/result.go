package db

import "context"

// Cursor is an incrementally producing query result. Next returns io.EOF
// once the cursor is exhausted. Close unblocks a pending Next.
type Cursor interface {
	Next(ctx context.Context) (any, error)
	Close() error
}

// ResultKind tags the two shapes an execution can produce.
type ResultKind int

const (
	// KindInvalid is the zero Result; streaming it is an internal error.
	KindInvalid ResultKind = iota
	// KindMaterialized is a finite, already-fetched sequence.
	KindMaterialized
	// KindLive is a cursor that keeps producing items.
	KindLive
)

// Result is the tagged outcome of executing a query.
type Result struct {
	kind   ResultKind
	items  []any
	cursor Cursor
}

// Materialized wraps a finite result sequence.
func Materialized(items []any) Result {
	if items == nil {
		items = []any{}
	}
	return Result{kind: KindMaterialized, items: items}
}

// Live wraps a cursor.
func Live(c Cursor) Result {
	return Result{kind: KindLive, cursor: c}
}

// Kind returns the result's shape.
func (r Result) Kind() ResultKind { return r.kind }

// Items returns the materialized items.
func (r Result) Items() []any { return r.items }

// Cursor returns the live cursor.
func (r Result) Cursor() Cursor { return r.cursor }
