package metadata

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kailas-cloud/fusion/internal/db"
)

// gate is a readiness check outcome the test releases by hand.
type gate struct {
	done chan struct{}
	err  error
}

type fakeStore struct {
	mu        sync.Mutex
	gates     map[string]*gate
	created   []*db.IndexDefinition
	createErr error

	tables  map[string][]string
	events  chan db.IndexEvent
	dropped []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		gates:  make(map[string]*gate),
		tables: make(map[string][]string),
		events: make(chan db.IndexEvent, 16),
	}
}

func (s *fakeStore) gate(key string) *gate {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.gates[key]
	if !ok {
		g = &gate{done: make(chan struct{})}
		s.gates[key] = g
	}
	return g
}

// release resolves every current and future wait on key.
func (s *fakeStore) release(key string, err error) {
	g := s.gate(key)
	g.err = err
	close(g.done)
}

func (s *fakeStore) await(ctx context.Context, key string) error {
	g := s.gate(key)
	select {
	case <-g.done:
		return g.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *fakeStore) WaitTable(ctx context.Context, table string) error {
	return s.await(ctx, table)
}

func (s *fakeStore) WaitIndex(ctx context.Context, table, name string) error {
	return s.await(ctx, table+"/"+name)
}

func (s *fakeStore) CreateIndex(_ context.Context, _ string, def *db.IndexDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created = append(s.created, def)
	return s.createErr
}

func (s *fakeStore) CreateTable(_ context.Context, table string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tables[table]; ok {
		return db.ErrTableExists
	}
	s.tables[table] = nil
	return nil
}

func (s *fakeStore) DropTable(_ context.Context, table string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tables[table]; !ok {
		return db.ErrTableNotFound
	}
	delete(s.tables, table)
	s.dropped = append(s.dropped, table)
	return nil
}

func (s *fakeStore) ListTables(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.tables))
	for name := range s.tables {
		names = append(names, name)
	}
	return names, nil
}

func (s *fakeStore) ListIndexes(_ context.Context, table string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tables[table], nil
}

func (s *fakeStore) WatchIndexes(ctx context.Context) (<-chan db.IndexEvent, error) {
	out := make(chan db.IndexEvent)
	go func() {
		defer close(out)
		for {
			select {
			case ev := <-s.events:
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// eventually polls cond until it holds or the test times out.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
