// Package memory is an in-process db.Store. Every index, the primary one
// included, is a B-tree over order-preserving encoded keys.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/btree"
	"go.uber.org/zap"

	"github.com/kailas-cloud/fusion/internal/db"
	"github.com/kailas-cloud/fusion/internal/db/feed"
	"github.com/kailas-cloud/fusion/internal/domain"
	"github.com/kailas-cloud/fusion/internal/domain/value"
)

const (
	btreeDegree     = 32
	defaultFeedSize = 1024
)

// entry is one index slot: the encoded index key and the primary key of
// the document holding it.
type entry struct {
	key []byte
	doc string
}

func entryLess(a, b entry) bool { return bytes.Compare(a.key, b.key) < 0 }

type index struct {
	fields []string
	state  db.IndexState
	tree   *btree.BTreeG[entry]
}

func (ix *index) keyOf(doc domain.Document, id any) []byte {
	return value.EncodeTuple(db.IndexKey(doc, ix.fields, id)...)
}

type table struct {
	docs    map[string]domain.Document
	primary *btree.BTreeG[entry]
	indexes map[string]*index
}

func newTable() *table {
	return &table{
		docs:    make(map[string]domain.Document),
		primary: btree.NewG(btreeDegree, entryLess),
		indexes: make(map[string]*index),
	}
}

func (t *table) indexNames() []string {
	names := make([]string, 0, len(t.indexes))
	for name := range t.indexes {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Option configures a Store.
type Option func(*Store)

// WithFeedBuffer sets how many changes a changefeed buffers before its
// consumer is considered too slow.
func WithFeedBuffer(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.feedSize = n
		}
	}
}

// Store is a db.Store held entirely in memory.
type Store struct {
	logger   *zap.Logger
	feeds    *feed.Broker
	feedSize int

	mu       sync.RWMutex
	tables   map[string]*table
	changed  chan struct{}
	watchers map[*watcher]struct{}
	closed   bool
	done     chan struct{}
}

var _ db.Store = (*Store)(nil)

// New creates an empty store.
func New(logger *zap.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		logger:   logger,
		feeds:    feed.NewBroker(),
		feedSize: defaultFeedSize,
		tables:   make(map[string]*table),
		changed:  make(chan struct{}),
		watchers: make(map[*watcher]struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ping reports whether the store is open.
func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return db.ErrClosed
	}
	return nil
}

// WaitForReady returns at once; an open memory store is always ready.
func (s *Store) WaitForReady(ctx context.Context, _ time.Duration) error {
	return s.Ping(ctx)
}

// Close ends every changefeed and index watch.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
	s.broadcast()
	s.feeds.CloseAll(db.ErrClosed)
}

// broadcast wakes every waiter. Caller holds mu.
func (s *Store) broadcast() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// notify queues the index set of a table for every watcher. Caller holds mu.
func (s *Store) notify(ev db.IndexEvent) {
	for w := range s.watchers {
		w.push(ev)
	}
}

// waitFor blocks until cond reports done or fails.
func (s *Store) waitFor(ctx context.Context, cond func() (bool, error)) error {
	for {
		s.mu.RLock()
		ok, err := cond()
		changed, closed := s.changed, s.closed
		s.mu.RUnlock()

		switch {
		case err != nil:
			return err
		case ok:
			return nil
		case closed:
			return db.ErrClosed
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// CreateTable creates an empty table.
func (s *Store) CreateTable(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return db.ErrClosed
	}
	if _, ok := s.tables[name]; ok {
		return &db.Error{Op: db.OpSAdd, Err: db.ErrTableExists}
	}
	s.tables[name] = newTable()
	s.notify(db.IndexEvent{Table: name, Indexes: []string{}})
	s.broadcast()
	s.logger.Debug("table created", zap.String("table", name))
	return nil
}

// DropTable removes a table with its documents and indexes and ends its
// changefeeds.
func (s *Store) DropTable(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return db.ErrClosed
	}
	if _, ok := s.tables[name]; !ok {
		return &db.Error{Op: db.OpDel, Err: db.ErrTableNotFound}
	}
	delete(s.tables, name)
	s.feeds.Drop(name, fmt.Errorf("table %q was dropped", name))
	s.notify(db.IndexEvent{Table: name, Dropped: true})
	s.broadcast()
	s.logger.Debug("table dropped", zap.String("table", name))
	return nil
}

// ListTables returns table names in order.
func (s *Store) ListTables(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, db.ErrClosed
	}
	names := make([]string, 0, len(s.tables))
	for name := range s.tables {
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

// WaitTable blocks until the table exists.
func (s *Store) WaitTable(ctx context.Context, name string) error {
	return s.waitFor(ctx, func() (bool, error) {
		_, ok := s.tables[name]
		return ok, nil
	})
}

// CreateIndex registers a building index and backfills it in the background.
func (s *Store) CreateIndex(_ context.Context, tableName string, def *db.IndexDefinition) error {
	if err := def.Validate(); err != nil {
		return fmt.Errorf("invalid index definition: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return db.ErrClosed
	}
	t, ok := s.tables[tableName]
	if !ok {
		return &db.Error{Op: db.OpCreateIndex, Err: db.ErrTableNotFound}
	}
	if _, ok := t.indexes[def.Name]; ok {
		return &db.Error{Op: db.OpCreateIndex, Err: db.ErrIndexExists}
	}

	ix := &index{
		fields: slices.Clone(def.Fields),
		state:  db.IndexBuilding,
		tree:   btree.NewG(btreeDegree, entryLess),
	}
	t.indexes[def.Name] = ix
	s.notify(db.IndexEvent{Table: tableName, Indexes: t.indexNames()})
	s.broadcast()

	go s.backfill(tableName, def.Name, t, ix)
	return nil
}

func (s *Store) backfill(tableName, name string, t *table, ix *index) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tables[tableName] != t || t.indexes[name] != ix {
		return
	}
	for pk, doc := range t.docs {
		id, _ := doc.ID()
		ix.tree.ReplaceOrInsert(entry{key: ix.keyOf(doc, id), doc: pk})
	}
	ix.state = db.IndexReady
	s.broadcast()
	s.logger.Debug("index built",
		zap.String("table", tableName),
		zap.String("index", name),
		zap.Int("entries", ix.tree.Len()),
	)
}

// DropIndex removes a secondary index.
func (s *Store) DropIndex(_ context.Context, tableName, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return db.ErrClosed
	}
	t, ok := s.tables[tableName]
	if !ok {
		return &db.Error{Op: db.OpDel, Err: db.ErrTableNotFound}
	}
	if _, ok := t.indexes[name]; !ok {
		return &db.Error{Op: db.OpDel, Err: db.ErrIndexNotFound}
	}
	delete(t.indexes, name)
	s.notify(db.IndexEvent{Table: tableName, Indexes: t.indexNames()})
	s.broadcast()
	return nil
}

// ListIndexes returns the secondary index names of a table.
func (s *Store) ListIndexes(_ context.Context, tableName string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, db.ErrClosed
	}
	t, ok := s.tables[tableName]
	if !ok {
		return nil, &db.Error{Op: db.OpIndexList, Err: db.ErrTableNotFound}
	}
	return t.indexNames(), nil
}

// WaitIndex blocks until the index is built. The primary index is ready
// as soon as its table exists.
func (s *Store) WaitIndex(ctx context.Context, tableName, name string) error {
	if name == db.PrimaryIndex {
		return s.WaitTable(ctx, tableName)
	}
	return s.waitFor(ctx, func() (bool, error) {
		t, ok := s.tables[tableName]
		if !ok {
			return false, &db.Error{Op: db.OpIndexInfo, Err: db.ErrTableNotFound}
		}
		ix, ok := t.indexes[name]
		if !ok {
			return false, &db.Error{Op: db.OpIndexInfo, Err: db.ErrIndexNotFound}
		}
		return ix.state == db.IndexReady, nil
	})
}

// WatchIndexes streams index-set changes. Events for the same table that
// the consumer has not read yet are coalesced to the latest.
func (s *Store) WatchIndexes(ctx context.Context) (<-chan db.IndexEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, db.ErrClosed
	}
	w := newWatcher()
	s.watchers[w] = struct{}{}
	go func() {
		w.run(ctx, s.done)
		s.mu.Lock()
		delete(s.watchers, w)
		s.mu.Unlock()
	}()
	return w.out, nil
}

type watcher struct {
	mu      sync.Mutex
	pending map[string]db.IndexEvent
	order   []string
	wake    chan struct{}
	out     chan db.IndexEvent
}

func newWatcher() *watcher {
	return &watcher{
		pending: make(map[string]db.IndexEvent),
		wake:    make(chan struct{}, 1),
		out:     make(chan db.IndexEvent),
	}
}

func (w *watcher) push(ev db.IndexEvent) {
	w.mu.Lock()
	if _, ok := w.pending[ev.Table]; !ok {
		w.order = append(w.order, ev.Table)
	}
	w.pending[ev.Table] = ev
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *watcher) drain() []db.IndexEvent {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]db.IndexEvent, 0, len(w.order))
	for _, name := range w.order {
		out = append(out, w.pending[name])
	}
	w.order = w.order[:0]
	clear(w.pending)
	return out
}

func (w *watcher) run(ctx context.Context, done <-chan struct{}) {
	defer close(w.out)
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-w.wake:
		}
		for _, ev := range w.drain() {
			select {
			case w.out <- ev:
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}
	}
}
