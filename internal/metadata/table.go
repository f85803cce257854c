package metadata

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kailas-cloud/fusion/internal/db"
	"github.com/kailas-cloud/fusion/internal/domain"
)

// tableStore is the consumer interface a Table needs from the backend.
type tableStore interface {
	WaitTable(ctx context.Context, table string) error
	WaitIndex(ctx context.Context, table, name string) error
	CreateIndex(ctx context.Context, table string, def *db.IndexDefinition) error
}

// Table is the locally cached view of one collection: its readiness and the
// set of indexes the backend reports for it.
type Table struct {
	name   string
	store  tableStore
	logger *zap.Logger

	ready  readiness
	cancel context.CancelFunc

	mu      sync.RWMutex
	indexes map[string]*Index
	closed  bool

	creates singleflight.Group
}

// NewTable returns table metadata holding only the primary index. Readiness
// checks for the table and the primary index start immediately.
func NewTable(name string, store tableStore, logger *zap.Logger) *Table {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Table{
		name:    name,
		store:   store,
		logger:  logger.With(zap.String("collection", name)),
		indexes: make(map[string]*Index),
	}

	primary, _ := newIndex(PrimaryIndexName, name, store, t.logger) // reserved name always parses
	t.indexes[PrimaryIndexName] = primary
	primary.start()

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	go func() {
		err := store.WaitTable(ctx, name)
		if ctx.Err() != nil {
			return
		}
		if !t.ready.resolve(err) {
			return
		}
		if err != nil {
			t.logger.Warn("collection failed", zap.Error(err))
			return
		}
		t.logger.Debug("collection ready")
	}()
	return t
}

// Name returns the collection name.
func (t *Table) Name() string { return t.name }

// Ready reports whether the collection can serve queries.
func (t *Table) Ready() bool {
	s, _ := t.ready.current()
	return s == Ready
}

// State returns the collection readiness and its failure, if any.
func (t *Table) State() (State, error) { return t.ready.current() }

// OnReady invokes fn once the collection resolves.
func (t *Table) OnReady(fn func(error)) { t.ready.onReady(fn) }

// Wait blocks until the collection resolves or ctx ends.
func (t *Table) Wait(ctx context.Context) error { return t.ready.wait(ctx) }

// Index returns the index with the given name.
func (t *Table) Index(name string) (*Index, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	idx, ok := t.indexes[name]
	return idx, ok
}

// Indexes returns every index, primary included, sorted by name.
func (t *Table) Indexes() []*Index {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Index, 0, len(t.indexes))
	for _, idx := range t.indexes {
		out = append(out, idx)
	}
	slices.SortFunc(out, func(a, b *Index) int { return strings.Compare(a.name, b.name) })
	return out
}

// UpdateIndexes reconciles the local index set with the names the backend
// reports. The primary index is always kept. A pending index that is
// replaced hands its waiters to its successor before the successor's
// readiness check starts; ready indexes are kept as they are.
func (t *Table) UpdateIndexes(names []string) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}

	next := make(map[string]*Index, len(names)+1)
	var fresh []*Index
	for _, name := range append([]string{PrimaryIndexName}, names...) {
		if _, dup := next[name]; dup {
			continue
		}
		old := t.indexes[name]
		if old != nil && old.Ready() {
			next[name] = old
			continue
		}
		idx, err := newIndex(name, t.name, t.store, t.logger)
		if err != nil {
			t.logger.Warn("skipping index", zap.String("index", name), zap.Error(err))
			continue
		}
		if old != nil {
			old.ready.handOff(&idx.ready)
		}
		next[name] = idx
		fresh = append(fresh, idx)
	}

	var retired []*Index
	for name, idx := range t.indexes {
		if next[name] != idx {
			retired = append(retired, idx)
		}
	}
	t.indexes = next
	t.mu.Unlock()

	for _, idx := range retired {
		idx.close()
	}
	for _, idx := range fresh {
		idx.start()
	}
	if len(fresh) > 0 || len(retired) > 0 {
		t.logger.Info("indexes reconciled",
			zap.Int("indexes", len(next)),
			zap.Int("started", len(fresh)),
			zap.Int("retired", len(retired)))
	}
}

// CreateIndex creates a secondary index over fields and blocks until it is
// ready or ctx ends. It fails fast with an IndexExistsError when the index is
// already known locally. Concurrent creations of the same index share one
// backend call.
func (t *Table) CreateIndex(ctx context.Context, fields []string) error {
	name := InfoToName(Info{Fields: fields})
	if _, ok := t.Index(name); ok {
		return &domain.IndexExistsError{Collection: t.name, Index: name}
	}
	def := &db.IndexDefinition{Name: name, Fields: fields}
	if err := def.Validate(); err != nil {
		return domain.Validationf("invalid index on %q: %v", t.name, err)
	}

	_, err, _ := t.creates.Do(name, func() (any, error) {
		err := t.store.CreateIndex(context.WithoutCancel(ctx), t.name, def)
		if errors.Is(err, db.ErrIndexExists) {
			return nil, nil
		}
		return nil, err
	})
	if err != nil {
		return &domain.ExecutionError{Err: err}
	}
	t.logger.Info("index created", zap.String("index", name), zap.Strings("fields", fields))

	idx, err := t.registerCreated(name)
	if err != nil {
		return err
	}
	return idx.Wait(ctx)
}

func (t *Table) registerCreated(name string) (*Index, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, domain.NewLifecycleError("collection deleted")
	}
	if idx, ok := t.indexes[name]; ok {
		t.mu.Unlock()
		return idx, nil
	}
	idx, err := newIndex(name, t.name, t.store, t.logger)
	if err != nil {
		t.mu.Unlock()
		return nil, err
	}
	t.indexes[name] = idx
	t.mu.Unlock()

	idx.start()
	return idx, nil
}

// GetMatchingIndex selects an index that serves equality on fuzzy and
// range/order on ordered. A ready match wins over one that is not ready;
// with only pending or failed matches it returns an IndexNotReadyError
// naming the first of them, with none an IndexMissingError.
func (t *Table) GetMatchingIndex(fuzzy, ordered []string) (*Index, error) {
	if len(fuzzy) == 0 && len(ordered) == 0 {
		if idx, ok := t.Index(PrimaryIndexName); ok {
			return idx, nil
		}
		return nil, domain.NewLifecycleError("collection deleted")
	}

	var notReady *Index
	for _, idx := range t.Indexes() {
		if !idx.IsMatch(fuzzy, ordered) {
			continue
		}
		if idx.Ready() {
			return idx, nil
		}
		if notReady == nil {
			notReady = idx
		}
	}
	if notReady != nil {
		return nil, &domain.IndexNotReadyError{Collection: t.name, Index: notReady.name}
	}
	return nil, &domain.IndexMissingError{
		Collection: t.name,
		Fields:     append(slices.Clone(fuzzy), ordered...),
	}
}

// Close fails pending waiters of the collection and of every index.
func (t *Table) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	indexes := t.indexes
	t.indexes = map[string]*Index{}
	t.mu.Unlock()

	t.ready.resolve(domain.NewLifecycleError("collection deleted"))
	t.cancel()
	for _, idx := range indexes {
		idx.close()
	}
}
