package memory

import (
	"context"
	"slices"

	"github.com/google/btree"

	"github.com/kailas-cloud/fusion/internal/db"
	"github.com/kailas-cloud/fusion/internal/db/feed"
)

// Run scans every range of q in turn and concatenates the results.
func (s *Store) Run(ctx context.Context, q *db.Query) (db.Result, error) {
	if err := ctx.Err(); err != nil {
		return db.Result{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return db.Result{}, db.ErrClosed
	}
	t, ok := s.tables[q.Table]
	if !ok {
		return db.Result{}, &db.Error{Op: db.OpRange, Err: db.ErrTableNotFound}
	}

	var out []any
	for _, r := range q.Ranges {
		tree, err := t.tree(r.Index)
		if err != nil {
			return db.Result{}, err
		}
		out = append(out, t.scan(tree, r, q.Limit)...)
	}
	return db.Materialized(q.ApplyLimit(out)), nil
}

func (t *table) tree(name string) (*btree.BTreeG[entry], error) {
	if name == db.PrimaryIndex {
		return t.primary, nil
	}
	ix, ok := t.indexes[name]
	if !ok || ix.state != db.IndexReady {
		return nil, &db.Error{Op: db.OpRange, Err: db.ErrIndexNotFound}
	}
	return ix.tree, nil
}

func (t *table) scan(tree *btree.BTreeG[entry], r db.Range, limit int) []any {
	kr := r.KeyRange()
	if kr.Empty() {
		return nil
	}

	var out []any
	visit := func(e entry) bool {
		out = append(out, t.docs[e.doc].Clone())
		return r.Order == db.Descending || limit == 0 || len(out) < limit
	}
	if len(kr.Start) == 0 {
		tree.AscendLessThan(entry{key: kr.End}, visit)
	} else {
		tree.AscendRange(entry{key: kr.Start}, entry{key: kr.End}, visit)
	}

	if r.Order == db.Descending {
		slices.Reverse(out)
		if limit > 0 && len(out) > limit {
			out = out[:limit]
		}
	}
	return out
}

// Changes opens a changefeed over the ranges of q. The limit is ignored.
func (s *Store) Changes(ctx context.Context, q *db.Query) (db.Cursor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, db.ErrClosed
	}
	t, ok := s.tables[q.Table]
	if !ok {
		return nil, &db.Error{Op: db.OpSubscribe, Err: db.ErrTableNotFound}
	}

	fields := make(map[string][]string, len(q.Ranges))
	for _, r := range q.Ranges {
		if r.Index == db.PrimaryIndex {
			continue
		}
		ix, ok := t.indexes[r.Index]
		if !ok {
			return nil, &db.Error{Op: db.OpSubscribe, Err: db.ErrIndexNotFound}
		}
		fields[r.Index] = ix.fields
	}

	filter := feed.RangeFilter(q.Ranges, func(name string) []string { return fields[name] })
	return s.feeds.Subscribe(q.Table, filter, s.feedSize), nil
}
