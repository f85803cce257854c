package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/rueidis"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kailas-cloud/fusion/internal/db"
	"github.com/kailas-cloud/fusion/internal/db/feed"
	"github.com/kailas-cloud/fusion/internal/domain"
)

// Run scans the ranges of q, in parallel for a union, and concatenates the
// results in range order.
func (s *Store) Run(ctx context.Context, q *db.Query) (db.Result, error) {
	cat, err := s.readable(ctx, q)
	if err != nil {
		return db.Result{}, err
	}

	for _, r := range q.Ranges {
		if r.Index != db.PrimaryIndex && cat[r.Index].State != db.IndexReady {
			return db.Result{}, &db.Error{Op: db.OpRange, Err: db.ErrIndexNotFound}
		}
	}

	parts := make([][]any, len(q.Ranges))
	g, gctx := errgroup.WithContext(ctx)
	for i, r := range q.Ranges {
		g.Go(func() error {
			docs, err := s.scan(gctx, q.Table, r, q.Limit)
			if err != nil {
				return err
			}
			parts[i] = docs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return db.Result{}, err
	}

	var out []any
	for _, p := range parts {
		out = append(out, p...)
	}
	return db.Materialized(q.ApplyLimit(out)), nil
}

// readable checks that the table exists and returns its index catalog.
func (s *Store) readable(ctx context.Context, q *db.Query) (map[string]catalogEntry, error) {
	results := s.client.DoMulti(ctx,
		s.b().Sismember().Key(s.keys.tables()).Member(q.Table).Build(),
		s.b().Hgetall().Key(s.keys.catalog(q.Table)).Build(),
	)
	exists, err := results[0].AsInt64()
	if err != nil {
		return nil, &db.Error{Op: db.OpSIsMember, Err: err}
	}
	if exists == 0 {
		return nil, &db.Error{Op: db.OpRange, Err: db.ErrTableNotFound}
	}
	raw, err := results[1].AsStrMap()
	if err != nil {
		return nil, &db.Error{Op: db.OpIndexList, Err: err}
	}
	return decodeCatalog(raw)
}

func (s *Store) scan(ctx context.Context, table string, r db.Range, limit int) ([]any, error) {
	kr := r.KeyRange()
	if kr.Empty() {
		return nil, nil
	}
	lower := "-"
	if len(kr.Start) > 0 {
		lower = "[" + string(kr.Start)
	}
	upper := "(" + string(kr.End)

	key := s.keys.index(table, r.Index)
	var cmd rueidis.Completed
	switch {
	case r.Order == db.Descending && limit > 0:
		cmd = s.b().Zrange().Key(key).Min(upper).Max(lower).Bylex().Rev().Limit(0, int64(limit)).Build()
	case r.Order == db.Descending:
		cmd = s.b().Zrange().Key(key).Min(upper).Max(lower).Bylex().Rev().Build()
	case limit > 0:
		cmd = s.b().Zrange().Key(key).Min(lower).Max(upper).Bylex().Limit(0, int64(limit)).Build()
	default:
		cmd = s.b().Zrange().Key(key).Min(lower).Max(upper).Bylex().Build()
	}
	members, err := s.do(ctx, cmd).AsStrSlice()
	if err != nil {
		return nil, &db.Error{Op: db.OpRange, Err: err}
	}

	pks := members
	if r.Index != db.PrimaryIndex {
		pks = make([]string, len(members))
		for i, m := range members {
			if pks[i], err = memberKey(m); err != nil {
				return nil, &db.Error{Op: db.OpRange, Err: err}
			}
		}
	}
	docs, err := s.fetch(ctx, table, pks)
	if err != nil {
		return nil, err
	}
	out := make([]any, len(docs))
	for i, d := range docs {
		out[i] = d
	}
	return out, nil
}

// fetch loads documents by primary key, skipping ones deleted meanwhile.
func (s *Store) fetch(ctx context.Context, table string, pks []string) ([]domain.Document, error) {
	if len(pks) == 0 {
		return nil, nil
	}
	keys := make([]string, len(pks))
	for i, pk := range pks {
		keys[i] = s.keys.doc(table, pk)
	}
	msgs, err := s.do(ctx, s.b().Mget().Key(keys...).Build()).ToArray()
	if err != nil {
		return nil, &db.Error{Op: db.OpMGet, Err: err}
	}

	docs := make([]domain.Document, 0, len(msgs))
	for i, m := range msgs {
		raw, err := m.ToString()
		if rueidis.IsRedisNil(err) {
			continue
		}
		if err != nil {
			return nil, &db.Error{Op: db.OpMGet, Err: err}
		}
		var doc domain.Document
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, &db.Error{Op: db.OpMGet, Err: fmt.Errorf("document %s: %w", keys[i], err)}
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// Changes subscribes to the table's change channel. The limit is ignored.
func (s *Store) Changes(ctx context.Context, q *db.Query) (db.Cursor, error) {
	cat, err := s.readable(ctx, q)
	if err != nil {
		return nil, err
	}
	for _, r := range q.Ranges {
		if _, ok := cat[r.Index]; !ok && r.Index != db.PrimaryIndex {
			return nil, &db.Error{Op: db.OpSubscribe, Err: db.ErrIndexNotFound}
		}
	}
	filter := feed.RangeFilter(q.Ranges, func(name string) []string { return cat[name].Fields })

	subCtx, cancel := context.WithCancel(s.ctx)
	cur := feed.NewCursor(filter, s.feedSize, cancel)
	channel := s.keys.changes(q.Table)
	s.goBackground(func(context.Context) {
		err := s.client.Receive(subCtx, s.b().Subscribe().Channel(channel).Build(), func(msg rueidis.PubSubMessage) {
			var m changeMessage
			if err := json.Unmarshal([]byte(msg.Message), &m); err != nil {
				s.logger.Warn("dropping malformed change", zap.String("channel", channel), zap.Error(err))
				return
			}
			if m.Dropped {
				cur.Fail(fmt.Errorf("table %q was dropped", q.Table))
				return
			}
			cur.Send(domain.Change{OldVal: m.OldVal, NewVal: m.NewVal})
		})
		switch {
		case s.ctx.Err() != nil:
			cur.Fail(db.ErrClosed)
		case err != nil && !errors.Is(err, context.Canceled):
			cur.Fail(&db.Error{Op: db.OpSubscribe, Err: err})
		default:
			cur.Fail(nil)
		}
	})
	return cur, nil
}
