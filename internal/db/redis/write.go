package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/rueidis"

	"github.com/kailas-cloud/fusion/internal/db"
	"github.com/kailas-cloud/fusion/internal/domain"
)

type writeMode int

const (
	modeInsert writeMode = iota
	modeStore
	modeReplace
	modeUpdate
	modeRemove
)

// Insert adds documents; the whole batch fails if any id is taken.
func (s *Store) Insert(ctx context.Context, table string, docs []domain.Document) error {
	return s.write(ctx, table, docs, modeInsert)
}

// Store inserts or overwrites documents.
func (s *Store) Store(ctx context.Context, table string, docs []domain.Document) error {
	return s.write(ctx, table, docs, modeStore)
}

// Replace overwrites existing documents.
func (s *Store) Replace(ctx context.Context, table string, docs []domain.Document) error {
	return s.write(ctx, table, docs, modeReplace)
}

// Update merges top-level fields into existing documents.
func (s *Store) Update(ctx context.Context, table string, docs []domain.Document) error {
	return s.write(ctx, table, docs, modeUpdate)
}

// Remove deletes documents by id. Missing ids are skipped.
func (s *Store) Remove(ctx context.Context, table string, ids []any) error {
	docs := make([]domain.Document, len(ids))
	for i, id := range ids {
		docs[i] = domain.Document{domain.PrimaryKey: id}
	}
	return s.write(ctx, table, docs, modeRemove)
}

// write reads the current versions of the batch, checks the mode's
// preconditions, then applies documents, index entries and change
// notifications in one MULTI/EXEC. Concurrent writers to the same id are
// last-writer-wins.
func (s *Store) write(ctx context.Context, table string, docs []domain.Document, mode writeMode) error {
	if len(docs) == 0 {
		return nil
	}
	ids := make([]any, len(docs))
	pks := make([]string, len(docs))
	for i, doc := range docs {
		id, err := domain.RequireID(doc)
		if err != nil {
			return err
		}
		ids[i], pks[i] = id, primaryKey(id)
	}

	cat, current, err := s.loadForWrite(ctx, table, pks)
	if err != nil {
		return err
	}

	// Check the whole batch before touching anything.
	seen := make(map[string]bool, len(pks))
	for i, pk := range pks {
		exists := current[pk] != nil || seen[pk]
		switch mode {
		case modeInsert:
			if exists {
				return &db.Error{Op: db.OpTxn, Err: fmt.Errorf("%w: %v", db.ErrKeyExists, ids[i])}
			}
		case modeReplace, modeUpdate:
			if !exists {
				return &domain.DocumentMissingError{ID: ids[i]}
			}
		}
		seen[pk] = true
	}

	var cmds []rueidis.Completed
	for i, pk := range pks {
		old := current[pk]
		var next domain.Document
		switch mode {
		case modeRemove:
			if old == nil {
				continue
			}
		case modeUpdate:
			next = old.Merge(docs[i])
		default:
			next = docs[i]
		}
		current[pk] = next

		more, err := s.putCommands(table, pk, ids[i], cat, old, next)
		if err != nil {
			return err
		}
		cmds = append(cmds, more...)
	}
	return s.exec(ctx, cmds...)
}

// loadForWrite fetches the table catalog and the current version of every
// document in one round trip.
func (s *Store) loadForWrite(ctx context.Context, table string, pks []string) (map[string]catalogEntry, map[string]domain.Document, error) {
	keys := make([]string, len(pks))
	for i, pk := range pks {
		keys[i] = s.keys.doc(table, pk)
	}
	results := s.client.DoMulti(ctx,
		s.b().Sismember().Key(s.keys.tables()).Member(table).Build(),
		s.b().Hgetall().Key(s.keys.catalog(table)).Build(),
		s.b().Mget().Key(keys...).Build(),
	)

	exists, err := results[0].AsInt64()
	if err != nil {
		return nil, nil, &db.Error{Op: db.OpSIsMember, Err: err}
	}
	if exists == 0 {
		return nil, nil, &db.Error{Op: db.OpTxn, Err: db.ErrTableNotFound}
	}
	raw, err := results[1].AsStrMap()
	if err != nil {
		return nil, nil, &db.Error{Op: db.OpIndexList, Err: err}
	}
	cat, err := decodeCatalog(raw)
	if err != nil {
		return nil, nil, err
	}
	msgs, err := results[2].ToArray()
	if err != nil {
		return nil, nil, &db.Error{Op: db.OpMGet, Err: err}
	}

	current := make(map[string]domain.Document, len(pks))
	for i, m := range msgs {
		text, err := m.ToString()
		if rueidis.IsRedisNil(err) {
			continue
		}
		if err != nil {
			return nil, nil, &db.Error{Op: db.OpMGet, Err: err}
		}
		var doc domain.Document
		if err := json.Unmarshal([]byte(text), &doc); err != nil {
			return nil, nil, &db.Error{Op: db.OpMGet, Err: fmt.Errorf("document %s: %w", keys[i], err)}
		}
		current[pks[i]] = doc
	}
	return cat, current, nil
}

// putCommands moves a document between versions; a nil next deletes it.
func (s *Store) putCommands(
	table, pk string, id any, cat map[string]catalogEntry, old, next domain.Document,
) ([]rueidis.Completed, error) {
	change, err := json.Marshal(changeMessage{OldVal: old, NewVal: next})
	if err != nil {
		return nil, fmt.Errorf("marshal change: %w", err)
	}

	var cmds []rueidis.Completed
	if next == nil {
		cmds = append(cmds,
			s.b().Del().Key(s.keys.doc(table, pk)).Build(),
			s.b().Zrem().Key(s.keys.index(table, db.PrimaryIndex)).Member(pk).Build(),
		)
	} else {
		raw, err := json.Marshal(next)
		if err != nil {
			return nil, fmt.Errorf("marshal document: %w", err)
		}
		cmds = append(cmds,
			s.b().Set().Key(s.keys.doc(table, pk)).Value(string(raw)).Build(),
			s.b().Zadd().Key(s.keys.index(table, db.PrimaryIndex)).ScoreMember().ScoreMember(0, pk).Build(),
		)
	}

	for name, e := range cat {
		var before, after string
		if old != nil {
			before = e.member(old, id)
		}
		if next != nil {
			after = e.member(next, id)
		}
		if before == after {
			continue
		}
		if before != "" {
			cmds = append(cmds, s.b().Zrem().Key(s.keys.index(table, name)).Member(before).Build())
		}
		if after != "" {
			cmds = append(cmds, s.b().Zadd().Key(s.keys.index(table, name)).ScoreMember().ScoreMember(0, after).Build())
		}
	}

	cmds = append(cmds, s.b().Publish().Channel(s.keys.changes(table)).Message(string(change)).Build())
	return cmds, nil
}
