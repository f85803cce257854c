package fusion

import (
	"errors"
	"testing"
)

type person struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Age  int    `json:"age,omitempty"`
}

func TestCollection_Typed(t *testing.T) {
	gw := newGateway(t)
	ctx := testCtx(t)
	people := NewCollection[person](gw, "people")
	if people.Name() != "people" {
		t.Errorf("Name() = %q", people.Name())
	}
	if err := people.Ensure(ctx); err != nil {
		t.Fatalf("Ensure() = %v", err)
	}

	ids, err := people.Insert(ctx, person{ID: "ada", Name: "Ada", Age: 36}, person{ID: "alan", Name: "Alan", Age: 41})
	if err != nil {
		t.Fatalf("Insert() = %v", err)
	}
	if len(ids) != 2 || ids[1] != "alan" {
		t.Errorf("ids = %v", ids)
	}

	got, ok, err := people.Get(ctx, "ada")
	if err != nil || !ok {
		t.Fatalf("Get() = %v, %v, %v", got, ok, err)
	}
	if got != (person{ID: "ada", Name: "Ada", Age: 36}) {
		t.Errorf("Get() = %+v", got)
	}

	if _, ok, err := people.Get(ctx, "grace"); ok || err != nil {
		t.Errorf("Get(missing) = %v, %v", ok, err)
	}

	if _, err := people.Update(ctx, person{ID: "ada", Name: "Ada Lovelace"}); err != nil {
		t.Fatalf("Update() = %v", err)
	}
	got, _, _ = people.Get(ctx, "ada")
	if got.Name != "Ada Lovelace" || got.Age != 36 {
		t.Errorf("after update = %+v", got)
	}

	if _, err := people.Replace(ctx, person{ID: "grace", Name: "Grace"}); !errors.Is(err, ErrDocumentMissing) {
		t.Errorf("Replace(missing) = %v", err)
	}
	if _, err := people.Store(ctx, person{ID: "grace", Name: "Grace", Age: 85}); err != nil {
		t.Fatal(err)
	}

	if _, err := gw.CreateIndex(ctx, "people", "age"); err != nil {
		t.Fatal(err)
	}
	list, err := people.Fetch(ctx, people.Query().OrderByDesc("age").Below("age", 80, Open))
	if err != nil {
		t.Fatalf("Fetch() = %v", err)
	}
	if len(list) != 2 || list[0].ID != "alan" || list[1].ID != "ada" {
		t.Errorf("Fetch() = %+v", list)
	}

	if err := people.Remove(ctx, "grace"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := people.Get(ctx, "grace"); ok {
		t.Error("grace still present after Remove")
	}
}
