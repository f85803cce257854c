package metadata

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/kailas-cloud/fusion/internal/db"
	"github.com/kailas-cloud/fusion/internal/domain"
)

// Store is the part of the backend the registry drives.
type Store interface {
	tableStore
	CreateTable(ctx context.Context, table string) error
	DropTable(ctx context.Context, table string) error
	ListTables(ctx context.Context) ([]string, error)
	ListIndexes(ctx context.Context, table string) ([]string, error)
	WatchIndexes(ctx context.Context) (<-chan db.IndexEvent, error)
}

// Registry owns the metadata of every known collection and keeps it in sync
// with the backend's index notifications.
type Registry struct {
	store      Store
	logger     *zap.Logger
	autoCreate bool

	mu     sync.RWMutex
	tables map[string]*Table

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRegistry creates a registry. With autoCreate, unknown collections are
// created on first use.
func NewRegistry(store Store, logger *zap.Logger, autoCreate bool) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		store:      store,
		logger:     logger,
		autoCreate: autoCreate,
		tables:     make(map[string]*Table),
		cancel:     func() {},
	}
}

// Start loads the current collections and indexes and follows index changes
// until Close.
func (r *Registry) Start(ctx context.Context) error {
	watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	events, err := r.store.WatchIndexes(watchCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("watch indexes: %w", err)
	}

	names, err := r.store.ListTables(ctx)
	if err != nil {
		cancel()
		return fmt.Errorf("list tables: %w", err)
	}
	for _, name := range names {
		indexes, err := r.store.ListIndexes(ctx, name)
		if err != nil {
			cancel()
			return fmt.Errorf("list indexes of %q: %w", name, err)
		}
		r.getOrCreate(name).UpdateIndexes(indexes)
	}
	r.logger.Info("metadata loaded", zap.Int("collections", len(names)))

	r.cancel = cancel
	r.done = make(chan struct{})
	go r.watch(events)
	return nil
}

func (r *Registry) watch(events <-chan db.IndexEvent) {
	defer close(r.done)
	for ev := range events {
		r.Apply(ev)
	}
	r.logger.Debug("index watch stopped")
}

// Apply reconciles one index notification.
func (r *Registry) Apply(ev db.IndexEvent) {
	if ev.Dropped {
		r.remove(ev.Table)
		return
	}
	r.getOrCreate(ev.Table).UpdateIndexes(ev.Indexes)
}

// Table returns the metadata of a collection. Unknown collections are created
// when the registry auto-creates, otherwise ErrCollectionMissing is returned.
func (r *Registry) Table(ctx context.Context, name string) (*Table, error) {
	r.mu.RLock()
	t, ok := r.tables[name]
	r.mu.RUnlock()
	if ok {
		return t, nil
	}
	if !r.autoCreate {
		return nil, fmt.Errorf("collection %q: %w", name, domain.ErrCollectionMissing)
	}
	if err := r.Create(ctx, name); err != nil {
		return nil, err
	}
	return r.getOrCreate(name), nil
}

// Create creates a collection in the backend. An existing collection is not an error.
func (r *Registry) Create(ctx context.Context, name string) error {
	if name == "" {
		return domain.Validationf("collection name is required")
	}
	if err := r.store.CreateTable(ctx, name); err != nil && !errors.Is(err, db.ErrTableExists) {
		return &domain.ExecutionError{Err: err}
	}
	r.getOrCreate(name)
	r.logger.Info("collection created", zap.String("collection", name))
	return nil
}

// Drop deletes a collection and fails everything waiting on it.
func (r *Registry) Drop(ctx context.Context, name string) error {
	if err := r.store.DropTable(ctx, name); err != nil {
		if errors.Is(err, db.ErrTableNotFound) {
			return fmt.Errorf("collection %q: %w", name, domain.ErrCollectionMissing)
		}
		return &domain.ExecutionError{Err: err}
	}
	r.remove(name)
	return nil
}

// Tables returns the known collection names, sorted.
func (r *Registry) Tables() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tables))
	for name := range r.tables {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Close stops following the backend and closes every collection.
func (r *Registry) Close() {
	r.cancel()
	if r.done != nil {
		<-r.done
	}
	r.mu.Lock()
	tables := r.tables
	r.tables = make(map[string]*Table)
	r.mu.Unlock()
	for _, t := range tables {
		t.Close()
	}
}

func (r *Registry) getOrCreate(name string) *Table {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tables[name]; ok {
		return t
	}
	t := NewTable(name, r.store, r.logger)
	r.tables[name] = t
	return t
}

func (r *Registry) remove(name string) {
	r.mu.Lock()
	t, ok := r.tables[name]
	delete(r.tables, name)
	r.mu.Unlock()
	if ok {
		t.Close()
		r.logger.Info("collection dropped", zap.String("collection", name))
	}
}
