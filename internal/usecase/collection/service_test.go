package collection

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kailas-cloud/fusion/internal/db"
	"github.com/kailas-cloud/fusion/internal/db/memory"
	"github.com/kailas-cloud/fusion/internal/domain"
	"github.com/kailas-cloud/fusion/internal/metadata"
)

// --- Mocks ---

type mockDropper struct {
	dropped []string
	err     error
}

func (m *mockDropper) DropIndex(_ context.Context, _, name string) error {
	m.dropped = append(m.dropped, name)
	return m.err
}

// --- Helpers ---

func setup(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	store := memory.New(nil)
	reg := metadata.NewRegistry(store, nil, false)
	if err := reg.Start(testCtx(t)); err != nil {
		t.Fatalf("Start() = %v", err)
	}
	t.Cleanup(func() {
		reg.Close()
		store.Close()
	})
	return New(reg, store, nil), store
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// --- Tests ---

func TestEnsureAndDrop(t *testing.T) {
	svc, store := setup(t)
	ctx := testCtx(t)

	if err := svc.Ensure(ctx, "users"); err != nil {
		t.Fatalf("Ensure() = %v", err)
	}
	if err := svc.Ensure(ctx, "users"); err != nil {
		t.Fatalf("second Ensure() = %v", err)
	}
	if got := svc.List(); len(got) != 1 || got[0] != "users" {
		t.Errorf("List() = %v", got)
	}

	if err := svc.Drop(ctx, "users"); err != nil {
		t.Fatalf("Drop() = %v", err)
	}
	if names, _ := store.ListTables(ctx); len(names) != 0 {
		t.Errorf("tables after drop = %v", names)
	}
	if err := svc.Drop(ctx, "users"); !errors.Is(err, domain.ErrCollectionMissing) {
		t.Errorf("Drop() missing = %v", err)
	}
}

func TestCreateIndex_Idempotent(t *testing.T) {
	svc, store := setup(t)
	ctx := testCtx(t)
	if err := svc.Ensure(ctx, "users"); err != nil {
		t.Fatal(err)
	}

	name, err := svc.CreateIndex(ctx, "users", []string{"age", "name"})
	if err != nil {
		t.Fatalf("CreateIndex() = %v", err)
	}
	if want := metadata.InfoToName(metadata.Info{Fields: []string{"age", "name"}}); name != want {
		t.Errorf("name = %q, want %q", name, want)
	}
	again, err := svc.CreateIndex(ctx, "users", []string{"age", "name"})
	if err != nil || again != name {
		t.Fatalf("second CreateIndex() = %q, %v", again, err)
	}
	if err := store.WaitIndex(ctx, "users", name); err != nil {
		t.Errorf("backend index not ready: %v", err)
	}
}

func TestCreateIndex_Errors(t *testing.T) {
	svc, _ := setup(t)
	ctx := testCtx(t)

	if _, err := svc.CreateIndex(ctx, "users", nil); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("no fields = %v", err)
	}
	if _, err := svc.CreateIndex(ctx, "nope", []string{"a"}); !errors.Is(err, domain.ErrCollectionMissing) {
		t.Errorf("missing collection = %v", err)
	}
}

func TestListIndexes(t *testing.T) {
	svc, _ := setup(t)
	ctx := testCtx(t)
	if err := svc.Ensure(ctx, "users"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.CreateIndex(ctx, "users", []string{"age"}); err != nil {
		t.Fatal(err)
	}

	got, err := svc.ListIndexes(ctx, "users")
	if err != nil {
		t.Fatalf("ListIndexes() = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ListIndexes() = %+v", got)
	}
	if !got[0].Primary || got[0].Name != metadata.PrimaryIndexName {
		t.Errorf("first index = %+v, want primary", got[0])
	}
	if got[1].State != "ready" || len(got[1].Fields) != 1 || got[1].Fields[0] != "age" {
		t.Errorf("secondary index = %+v", got[1])
	}
}

func TestDropIndex(t *testing.T) {
	svc, _ := setup(t)
	ctx := testCtx(t)
	if err := svc.Ensure(ctx, "users"); err != nil {
		t.Fatal(err)
	}

	dropper := &mockDropper{err: db.ErrIndexNotFound}
	svc.indexes = dropper
	err := svc.DropIndex(ctx, "users", []string{"age"})
	var missing *domain.IndexMissingError
	if !errors.As(err, &missing) {
		t.Errorf("DropIndex() = %v, want IndexMissingError", err)
	}

	dropper.err = errors.New("timeout")
	if err := svc.DropIndex(ctx, "users", []string{"age"}); !errors.Is(err, domain.ErrExecution) {
		t.Errorf("DropIndex() = %v, want ExecutionError", err)
	}
	if len(dropper.dropped) != 2 {
		t.Errorf("dropped = %v", dropper.dropped)
	}
}
