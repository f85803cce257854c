package query

import (
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/kailas-cloud/fusion/internal/db"
	"github.com/kailas-cloud/fusion/internal/domain"
	"github.com/kailas-cloud/fusion/internal/domain/value"
)

type testIndex struct {
	name    string
	fields  []string
	primary bool
	ready   bool
}

func (i *testIndex) Name() string     { return i.name }
func (i *testIndex) Fields() []string { return i.fields }
func (i *testIndex) IsPrimary() bool  { return i.primary }

// mockSelector mirrors the matching rules of collection metadata over a fixed index list.
type mockSelector struct {
	indexes []*testIndex
	calls   int
}

func (m *mockSelector) GetMatchingIndex(fuzzy, ordered []string) (Index, error) {
	m.calls++
	if len(fuzzy) == 0 && len(ordered) == 0 {
		return m.indexes[0], nil
	}
	var pending *testIndex
	for _, idx := range m.indexes {
		if !matches(idx.fields, fuzzy, ordered) {
			continue
		}
		if idx.ready {
			return idx, nil
		}
		if pending == nil {
			pending = idx
		}
	}
	if pending != nil {
		return nil, &domain.IndexNotReadyError{Collection: "users", Index: pending.name}
	}
	return nil, &domain.IndexMissingError{Collection: "users", Fields: append(fuzzy, ordered...)}
}

func matches(fields, fuzzy, ordered []string) bool {
	if len(fuzzy)+len(ordered) > len(fields) {
		return false
	}
	for _, f := range fuzzy {
		if !slices.Contains(fields[:len(fuzzy)], f) {
			return false
		}
	}
	return slices.Equal(fields[len(fuzzy):len(fuzzy)+len(ordered)], ordered)
}

func newSelector() *mockSelector {
	return &mockSelector{indexes: []*testIndex{
		{name: "id", fields: []string{"id"}, primary: true, ready: true},
		{name: `fz_["x"]`, fields: []string{"x"}, ready: true},
		{name: `fz_["age","name"]`, fields: []string{"age", "name"}, ready: true},
		{name: `fz_["score"]`, fields: []string{"score"}},
	}}
}

func mustParse(t *testing.T, raw string) *Options {
	t.Helper()
	opts, err := ParseOptions(json.RawMessage(raw))
	if err != nil {
		t.Fatalf("ParseOptions(%s) = %v", raw, err)
	}
	return opts
}

func TestMakeQueryPlan_FindEqualsFindAll(t *testing.T) {
	find, err := MakeQueryPlan(mustParse(t, `{"collection":"users","find":{"id":4}}`), newSelector())
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	findAll, err := MakeQueryPlan(mustParse(t, `{"collection":"users","find_all":[{"id":4}]}`), newSelector())
	if err != nil {
		t.Fatalf("find_all: %v", err)
	}

	// only find asks for a single document; a one-element find_all is not limited
	if find.Limit != 1 {
		t.Errorf("find limit = %d, want 1", find.Limit)
	}
	if findAll.Limit != 0 {
		t.Errorf("find_all limit = %d, want none", findAll.Limit)
	}

	for _, q := range []*db.Query{find, findAll} {
		if len(q.Ranges) != 1 {
			t.Fatalf("plan = %s, want one range", q)
		}
		r := q.Ranges[0]
		if r.Index != "id" || r.Lower.Value != 4.0 || r.Upper.Value != 4.0 {
			t.Errorf("range = %s, want point 4 on the primary index", r)
		}
		if r.Lower.Mode != db.Closed || r.Upper.Mode != db.Closed || r.Order != db.Unordered {
			t.Errorf("range = %s, want closed unordered", r)
		}
	}
}

func TestMakeQueryPlan_Union(t *testing.T) {
	q, err := MakeQueryPlan(mustParse(t, `{"collection":"users","find_all":[{"x":1},{"x":2}]}`), newSelector())
	if err != nil {
		t.Fatalf("MakeQueryPlan() = %v", err)
	}
	if !q.IsUnion() || len(q.Ranges) != 2 {
		t.Fatalf("plan = %s, want union of two", q)
	}
	for i, want := range []float64{1, 2} {
		r := q.Ranges[i]
		if r.Index != `fz_["x"]` || r.Lower.Key()[0] != want || r.Upper.Key()[0] != want {
			t.Errorf("range %d = %s, want point %v", i, r, want)
		}
	}
	if q.Limit != 0 {
		t.Errorf("limit = %d, want none", q.Limit)
	}
}

func TestMakeQueryPlan_EmptyIsFullPrimaryScan(t *testing.T) {
	q, err := MakeQueryPlan(mustParse(t, `{"collection":"users"}`), newSelector())
	if err != nil {
		t.Fatalf("MakeQueryPlan() = %v", err)
	}
	r := q.Ranges[0]
	if r.Index != "id" || r.Lower.Value != value.MinVal || r.Upper.Value != value.MaxVal {
		t.Errorf("range = %s, want the whole primary index", r)
	}
	if r.Lower.Mode != db.Closed || r.Upper.Mode != db.Closed {
		t.Errorf("unconstrained sides must be closed, got %s", r)
	}
}

func TestMakeQueryPlan_Bounds(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		wantIndex string
		lower     []any
		upper     []any
		lowerMode db.BoundMode
		upperMode db.BoundMode
		order     db.Order
	}{
		{
			name:      "open above",
			raw:       `{"collection":"users","above":[{"age":30},"open"]}`,
			wantIndex: `fz_["age","name"]`,
			lower:     []any{30.0, value.MaxVal},
			upper:     []any{value.MaxVal, value.MaxVal},
			lowerMode: db.Open, upperMode: db.Closed,
		},
		{
			name:      "closed above with order",
			raw:       `{"collection":"users","order":[["age"],"descending"],"above":[{"age":30},"closed"]}`,
			wantIndex: `fz_["age","name"]`,
			lower:     []any{30.0, value.MinVal},
			upper:     []any{value.MaxVal, value.MaxVal},
			lowerMode: db.Closed, upperMode: db.Closed,
			order:     db.Descending,
		},
		{
			name:      "open below",
			raw:       `{"collection":"users","below":[{"age":65},"open"]}`,
			wantIndex: `fz_["age","name"]`,
			lower:     []any{value.MinVal, value.MinVal},
			upper:     []any{65.0, value.MinVal},
			lowerMode: db.Closed, upperMode: db.Open,
		},
		{
			name:      "compound bound keeps key order",
			raw:       `{"collection":"users","above":[{"age":30,"name":"b"},"closed"],"below":[{"age":40,"name":"m"},"open"],"order":[["age","name"],"ascending"]}`,
			wantIndex: `fz_["age","name"]`,
			lower:     []any{30.0, "b"},
			upper:     []any{40.0, "m"},
			lowerMode: db.Closed, upperMode: db.Open,
			order:     db.Ascending,
		},
		{
			name:      "predicate collapses the leading field",
			raw:       `{"collection":"users","find_all":[{"age":30}],"order":[["name"],"ascending"]}`,
			wantIndex: `fz_["age","name"]`,
			lower:     []any{30.0, value.MinVal},
			upper:     []any{30.0, value.MaxVal},
			lowerMode: db.Closed, upperMode: db.Closed,
			order:     db.Ascending,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			q, err := MakeQueryPlan(mustParse(t, tc.raw), newSelector())
			if err != nil {
				t.Fatalf("MakeQueryPlan() = %v", err)
			}
			r := q.Ranges[0]
			if r.Index != tc.wantIndex {
				t.Errorf("index = %s, want %s", r.Index, tc.wantIndex)
			}
			if value.CompareTuple(r.Lower.Key(), tc.lower) != 0 || len(r.Lower.Key()) != len(tc.lower) {
				t.Errorf("lower = %v, want %v", r.Lower.Key(), tc.lower)
			}
			if value.CompareTuple(r.Upper.Key(), tc.upper) != 0 || len(r.Upper.Key()) != len(tc.upper) {
				t.Errorf("upper = %v, want %v", r.Upper.Key(), tc.upper)
			}
			if r.Lower.Mode != tc.lowerMode || r.Upper.Mode != tc.upperMode {
				t.Errorf("modes = %s/%s, want %s/%s", r.Lower.Mode, r.Upper.Mode, tc.lowerMode, tc.upperMode)
			}
			if r.Order != tc.order {
				t.Errorf("order = %s, want %s", r.Order, tc.order)
			}
		})
	}
}

func TestMakeQueryPlan_OpenAboveExcludesValue(t *testing.T) {
	q, err := MakeQueryPlan(mustParse(t, `{"collection":"users","above":[{"age":30},"open"]}`), newSelector())
	if err != nil {
		t.Fatalf("MakeQueryPlan() = %v", err)
	}
	r := q.Ranges[0]
	if r.Contains([]any{30.0, "zed", "u1"}) {
		t.Error("age 30 must be excluded by an open lower bound")
	}
	if !r.Contains([]any{31.0, "al", "u2"}) {
		t.Error("age 31 must be included")
	}
}

func TestMakeQueryPlan_Errors(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr error
		wantMsg string
	}{
		{
			name:    "predicate field used for ordering",
			raw:     `{"collection":"users","find_all":[{"age":3}],"order":[["age"],"ascending"]}`,
			wantErr: domain.ErrValidation,
			wantMsg: `"age" cannot be used in "order", "above", or "below" when finding by that field.`,
		},
		{
			name:    "above on another field",
			raw:     `{"collection":"users","order":[["age"],"ascending"],"above":[{"name":"a"},"open"]}`,
			wantErr: domain.ErrValidation,
			wantMsg: `"above" must be on the same field as the first in "order".`,
		},
		{
			name:    "below on another field",
			raw:     `{"collection":"users","above":[{"age":1},"open"],"below":[{"name":"a"},"open"]}`,
			wantErr: domain.ErrValidation,
			wantMsg: `"below" must be on the same field`,
		},
		{
			name:    "no index",
			raw:     `{"collection":"users","find_all":[{"color":"red"}]}`,
			wantErr: domain.ErrIndexMissing,
		},
		{
			name:    "index still building",
			raw:     `{"collection":"users","order":[["score"],"ascending"]}`,
			wantErr: domain.ErrIndexNotReady,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := MakeQueryPlan(mustParse(t, tc.raw), newSelector())
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("error = %v, want %v", err, tc.wantErr)
			}
			if tc.wantMsg != "" && !strings.Contains(err.Error(), tc.wantMsg) {
				t.Errorf("message = %q, want %q", err.Error(), tc.wantMsg)
			}
		})
	}
}

func TestMakeQueryPlan_ValidationPrecedesIndexLookup(t *testing.T) {
	sel := newSelector()
	_, err := MakeQueryPlan(mustParse(t, `{"collection":"users","find_all":[{"age":1},{"x":1}],"order":[["age"],"ascending"]}`), sel)
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("error = %v, want ValidationError", err)
	}
	if sel.calls != 0 {
		t.Errorf("index lookups = %d, want none before validation passes", sel.calls)
	}
}

func TestParseOptions_Errors(t *testing.T) {
	for _, raw := range []string{
		``,
		`{}`,
		`{"collection":"u","find":{"id":1},"limit":2}`,
		`{"collection":"u","find":{"id":1},"find_all":[{"id":1}]}`,
		`{"collection":"u","find":{}}`,
		`{"collection":"u","find_all":[]}`,
		`{"collection":"u","find_all":[{}]}`,
		`{"collection":"u","order":[["a"],"sideways"]}`,
		`{"collection":"u","order":[[],"ascending"]}`,
		`{"collection":"u","order":["a","ascending"]}`,
		`{"collection":"u","above":[{"a":1},"half"]}`,
		`{"collection":"u","above":[{},"open"]}`,
		`{"collection":"u","above":[[1],"open"]}`,
		`{"collection":"u","limit":0}`,
	} {
		if _, err := ParseOptions(json.RawMessage(raw)); !errors.Is(err, domain.ErrValidation) {
			t.Errorf("ParseOptions(%s) = %v, want ValidationError", raw, err)
		}
	}
}

func TestBound_JSONKeepsKeyOrder(t *testing.T) {
	var b Bound
	if err := json.Unmarshal([]byte(`[{"z":1,"a":2},"open"]`), &b); err != nil {
		t.Fatalf("Unmarshal() = %v", err)
	}
	if !slices.Equal(b.Keys, []string{"z", "a"}) {
		t.Errorf("keys = %v, want [z a]", b.Keys)
	}
	out, err := json.Marshal(b)
	if err != nil {
		t.Fatalf("Marshal() = %v", err)
	}
	if string(out) != `[{"z":1,"a":2},"open"]` {
		t.Errorf("Marshal() = %s", out)
	}
}
