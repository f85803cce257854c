package fusion

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func newGateway(t *testing.T, opts ...Option) *Gateway {
	t.Helper()
	gw, err := New(testCtx(t), append([]Option{WithMemory()}, opts...)...)
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	t.Cleanup(gw.Close)
	return gw
}

func TestNew_RedisWithoutAddress(t *testing.T) {
	redisOnly := optionFunc(func(c *gatewayConfig) { c.driver = "redis" })
	_, err := New(context.Background(), redisOnly)
	if err == nil {
		t.Fatal("expected error when no address provided")
	}
}

func TestNew_Defaults(t *testing.T) {
	gc := &gatewayConfig{driver: "memory", readinessTimeout: 3 * time.Second}
	WithAuth("secret", time.Hour, true).apply(gc)
	cfg := gc.config()

	if cfg.Database.Name != "fusion" || cfg.Storage.KeyPrefix != "fusion:" {
		t.Errorf("database defaults = %+v %+v", cfg.Database, cfg.Storage)
	}
	if cfg.Database.ReadinessTimeout != 3 {
		t.Errorf("readiness timeout = %d", cfg.Database.ReadinessTimeout)
	}
	if cfg.Auth.AllowUnauthenticated || cfg.Auth.TokenTTLSec != 3600 {
		t.Errorf("auth = %+v", cfg.Auth)
	}
}

func TestGateway_WriteAndFetch(t *testing.T) {
	gw := newGateway(t, WithDevMode())
	ctx := testCtx(t)

	ids, err := gw.Insert(ctx, "people",
		Document{"id": "ada", "age": 36},
		Document{"id": "alan", "age": 41},
		Document{"name": "anon", "age": 29},
	)
	if err != nil {
		t.Fatalf("Insert() = %v", err)
	}
	if len(ids) != 3 || ids[0] != "ada" || ids[2] == nil {
		t.Fatalf("ids = %v", ids)
	}

	docs, err := gw.Table("people").OrderBy("age").Above("age", 30, Closed).Fetch(ctx)
	if err != nil {
		t.Fatalf("Fetch() = %v", err)
	}
	if len(docs) != 2 || docs[0]["id"] != "ada" || docs[1]["id"] != "alan" {
		t.Errorf("docs = %v", docs)
	}
	if docs[0]["age"] != 36.0 {
		t.Errorf("age = %#v, want float64 after normalization", docs[0]["age"])
	}

	docs, err = gw.Table("people").OrderByDesc("age").Limit(1).Fetch(ctx)
	if err != nil || len(docs) != 1 || docs[0]["id"] != "alan" {
		t.Errorf("descending = %v, %v", docs, err)
	}

	if _, err := gw.Update(ctx, "people", Document{"id": "ada", "city": "London"}); err != nil {
		t.Fatalf("Update() = %v", err)
	}
	docs, _ = gw.Table("people").Find(Document{"id": "ada"}).Fetch(ctx)
	if len(docs) != 1 || docs[0]["city"] != "London" || docs[0]["age"] != 36.0 {
		t.Errorf("after update = %v", docs)
	}

	if err := gw.Remove(ctx, "people", "ada", "alan"); err != nil {
		t.Fatalf("Remove() = %v", err)
	}
	docs, _ = gw.Table("people").FindAll(Document{"id": "ada"}, Document{"id": "alan"}).Fetch(ctx)
	if len(docs) != 0 {
		t.Errorf("after remove = %v", docs)
	}
}

func TestGateway_Errors(t *testing.T) {
	gw := newGateway(t)
	ctx := testCtx(t)

	if _, err := gw.Insert(ctx, "missing", Document{"id": 1}); !errors.Is(err, ErrCollectionMissing) {
		t.Errorf("Insert(missing) = %v", err)
	}
	if err := gw.EnsureCollection(ctx, "things"); err != nil {
		t.Fatal(err)
	}
	if _, err := gw.Insert(ctx, "things", Document{"id": 1}); err != nil {
		t.Fatal(err)
	}
	if _, err := gw.Insert(ctx, "things", Document{"id": 1}); !errors.Is(err, ErrExecution) {
		t.Errorf("duplicate Insert() = %v", err)
	}
	if _, err := gw.Update(ctx, "things", Document{"id": 2}); !errors.Is(err, ErrDocumentMissing) {
		t.Errorf("Update(missing) = %v", err)
	}
	if _, err := gw.Table("things").OrderBy("rank").Fetch(ctx); !errors.Is(err, ErrIndexMissing) {
		t.Errorf("unindexed order = %v", err)
	}
	if _, err := gw.Table("things").Limit(0).Fetch(ctx); !errors.Is(err, ErrValidation) {
		t.Errorf("limit 0 = %v", err)
	}
	if _, err := gw.Table("things").Find(Document{}).Fetch(ctx); !errors.Is(err, ErrValidation) {
		t.Errorf("empty find = %v", err)
	}
	if _, err := gw.Insert(ctx, "things", Document{"id": 3, "bad": func() {}}); !errors.Is(err, ErrValidation) {
		t.Errorf("non-JSON document = %v", err)
	}
}

func TestGateway_Indexes(t *testing.T) {
	gw := newGateway(t)
	ctx := testCtx(t)
	if err := gw.EnsureCollection(ctx, "things"); err != nil {
		t.Fatal(err)
	}
	if _, err := gw.Store(ctx, "things", Document{"id": "x", "rank": 2}, Document{"id": "y", "rank": 1}); err != nil {
		t.Fatal(err)
	}

	name, err := gw.CreateIndex(ctx, "things", "rank")
	if err != nil {
		t.Fatalf("CreateIndex() = %v", err)
	}
	infos, err := gw.Indexes(ctx, "things")
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 2 || !infos[0].Primary || infos[1].Name != name || infos[1].State != "ready" {
		t.Errorf("indexes = %+v", infos)
	}

	docs, err := gw.Table("things").OrderBy("rank").Fetch(ctx)
	if err != nil || len(docs) != 2 || docs[0]["id"] != "y" {
		t.Errorf("ordered = %v, %v", docs, err)
	}

	if err := gw.DropIndex(ctx, "things", "rank"); err != nil {
		t.Fatalf("DropIndex() = %v", err)
	}
	if err := gw.DropIndex(ctx, "things", "rank"); !errors.Is(err, ErrIndexMissing) {
		t.Errorf("second DropIndex() = %v", err)
	}

	if got := gw.Collections(); len(got) != 1 || got[0] != "things" {
		t.Errorf("collections = %v", got)
	}
	if err := gw.DropCollection(ctx, "things"); err != nil {
		t.Fatal(err)
	}
	if got := gw.Collections(); len(got) != 0 {
		t.Errorf("collections after drop = %v", got)
	}
}

func TestGateway_Watch(t *testing.T) {
	gw := newGateway(t, WithDevMode())
	ctx := testCtx(t)
	if _, err := gw.Insert(ctx, "people", Document{"id": "ada", "age": 36}); err != nil {
		t.Fatal(err)
	}

	feed, err := gw.Table("people").Find(Document{"id": "ada"}).Watch(ctx)
	if err != nil {
		t.Fatalf("Watch() = %v", err)
	}
	defer feed.Close()

	if _, err := gw.Update(ctx, "people", Document{"id": "ada", "age": 37}); err != nil {
		t.Fatal(err)
	}
	change, err := feed.Next(ctx)
	if err != nil {
		t.Fatalf("Next() = %v", err)
	}
	if change.OldVal["age"] != 36.0 || change.NewVal["age"] != 37.0 {
		t.Errorf("change = %v", change)
	}
}

func TestGateway_Handler(t *testing.T) {
	gw := newGateway(t)
	ts := httptest.NewServer(gw.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if err := gw.Ping(testCtx(t)); err != nil {
		t.Errorf("Ping() = %v", err)
	}
}
