package memory

import (
	"context"
	"fmt"

	"github.com/kailas-cloud/fusion/internal/db"
	"github.com/kailas-cloud/fusion/internal/domain"
	"github.com/kailas-cloud/fusion/internal/domain/value"
)

type writeMode int

const (
	modeInsert writeMode = iota
	modeStore
	modeReplace
	modeUpdate
)

type pending struct {
	pk  string
	id  any
	doc domain.Document
}

func primaryKey(id any) string { return string(value.EncodeTuple(id)) }

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

func (s *Store) write(ctx context.Context, tableName string, docs []domain.Document, mode writeMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	batch := make([]pending, 0, len(docs))
	for _, doc := range docs {
		id, err := domain.RequireID(doc)
		if err != nil {
			return err
		}
		batch = append(batch, pending{pk: primaryKey(id), id: id, doc: doc.Clone()})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return db.ErrClosed
	}
	t, ok := s.tables[tableName]
	if !ok {
		return &db.Error{Op: db.OpTxn, Err: db.ErrTableNotFound}
	}

	// Check the whole batch before touching anything.
	seen := make(map[string]bool, len(batch))
	for _, p := range batch {
		_, exists := t.docs[p.pk]
		switch mode {
		case modeInsert:
			if exists || seen[p.pk] {
				return &db.Error{Op: db.OpTxn, Err: fmt.Errorf("%w: %v", db.ErrKeyExists, p.id)}
			}
		case modeReplace, modeUpdate:
			if !exists && !seen[p.pk] {
				return &domain.DocumentMissingError{ID: p.id}
			}
		}
		seen[p.pk] = true
	}

	for _, p := range batch {
		old := t.docs[p.pk]
		next := p.doc
		if mode == modeUpdate {
			next = old.Merge(p.doc)
		}
		t.put(p.pk, p.id, old, next)
		s.feeds.Publish(tableName, domain.Change{OldVal: old, NewVal: next})
	}
	return nil
}

// Remove deletes documents by id. Missing ids are skipped.
func (s *Store) Remove(ctx context.Context, tableName string, ids []any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, id := range ids {
		if err := domain.ValidateID(id); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return db.ErrClosed
	}
	t, ok := s.tables[tableName]
	if !ok {
		return &db.Error{Op: db.OpDel, Err: db.ErrTableNotFound}
	}
	for _, id := range ids {
		pk := primaryKey(id)
		old, ok := t.docs[pk]
		if !ok {
			continue
		}
		t.put(pk, id, old, nil)
		s.feeds.Publish(tableName, domain.Change{OldVal: old})
	}
	return nil
}

// put moves a document between versions in every index; a nil next deletes it.
func (t *table) put(pk string, id any, old, next domain.Document) {
	if old != nil {
		t.primary.Delete(entry{key: []byte(pk)})
		for _, ix := range t.indexes {
			ix.tree.Delete(entry{key: ix.keyOf(old, id)})
		}
		delete(t.docs, pk)
	}
	if next == nil {
		return
	}
	t.docs[pk] = next
	t.primary.ReplaceOrInsert(entry{key: []byte(pk), doc: pk})
	for _, ix := range t.indexes {
		ix.tree.ReplaceOrInsert(entry{key: ix.keyOf(next, id), doc: pk})
	}
}
