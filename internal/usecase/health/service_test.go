package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kailas-cloud/fusion/internal/db/memory"
	"github.com/kailas-cloud/fusion/internal/metadata"
)

// --- Mocks ---

type mockDBPinger struct {
	err error
}

func (m *mockDBPinger) Ping(_ context.Context) error { return m.err }

type blockedStore struct {
	*memory.Store
}

// WaitTable never finishes, so tables stay pending.
func (b blockedStore) WaitTable(ctx context.Context, _ string) error {
	<-ctx.Done()
	return ctx.Err()
}

// --- Tests ---

func TestCheck_AllHealthy(t *testing.T) {
	svc := New(&mockDBPinger{}, nil)
	r := svc.Check(context.Background())

	if r.Status != Healthy {
		t.Errorf("expected %q, got %q", Healthy, r.Status)
	}
	if r.Checks["database"] != CheckOK {
		t.Errorf("expected database %q, got %q", CheckOK, r.Checks["database"])
	}
	if r.Checks["collections"] != CheckOK {
		t.Errorf("expected collections %q, got %q", CheckOK, r.Checks["collections"])
	}
}

func TestCheck_DBError(t *testing.T) {
	svc := New(&mockDBPinger{err: errors.New("conn refused")}, nil)
	r := svc.Check(context.Background())

	if r.Status != Unhealthy {
		t.Errorf("expected %q, got %q", Unhealthy, r.Status)
	}
	if r.Checks["database"] != CheckError {
		t.Errorf("expected database %q, got %q", CheckError, r.Checks["database"])
	}
}

func TestCheck_ReadyCollections(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	store := memory.New(nil)
	defer store.Close()
	reg := metadata.NewRegistry(store, nil, false)
	if err := reg.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer reg.Close()
	if err := reg.Create(ctx, "users"); err != nil {
		t.Fatal(err)
	}
	tbl, _ := reg.Table(ctx, "users")
	if err := tbl.Wait(ctx); err != nil {
		t.Fatal(err)
	}

	r := New(store, reg).Check(ctx)
	if r.Status != Healthy || r.Checks["collections"] != CheckOK {
		t.Errorf("report = %+v", r)
	}
}

func TestCheck_PendingCollection(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	store := memory.New(nil)
	defer store.Close()
	reg := metadata.NewRegistry(blockedStore{store}, nil, false)
	defer reg.Close()
	if err := reg.Create(ctx, "users"); err != nil {
		t.Fatal(err)
	}

	r := New(store, reg).Check(ctx)
	if r.Status != Degraded {
		t.Errorf("expected %q, got %q", Degraded, r.Status)
	}
	if r.Checks["collections"] != CheckPending {
		t.Errorf("expected collections %q, got %q", CheckPending, r.Checks["collections"])
	}
}
