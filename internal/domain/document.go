package domain

import (
	"fmt"
	"maps"
)

// PrimaryKey is the reserved document field every collection is keyed by.
const PrimaryKey = "id"

// Document is a schemaless JSON document as decoded from the wire.
type Document map[string]any

// ID returns the document's primary key value.
func (d Document) ID() (any, bool) {
	id, ok := d[PrimaryKey]
	return id, ok && id != nil
}

// Clone returns a shallow copy of the document.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	return maps.Clone(d)
}

// Merge returns a copy of d with the top-level fields of patch applied.
func (d Document) Merge(patch Document) Document {
	out := d.Clone()
	if out == nil {
		out = make(Document, len(patch))
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}

// ValidateID checks that a primary key is a scalar the indexes can order.
func ValidateID(id any) error {
	switch id.(type) {
	case string, float64, float32, int, int32, int64, uint, uint32, uint64:
		return nil
	case nil:
		return Validationf("document is missing %q", PrimaryKey)
	default:
		return Validationf("%q must be a string or a number, got %T", PrimaryKey, id)
	}
}

// RequireID extracts and validates the primary key of a document.
func RequireID(d Document) (any, error) {
	id, ok := d.ID()
	if !ok {
		return nil, Validationf("document is missing %q", PrimaryKey)
	}
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	return id, nil
}

// Change is one changefeed item: the document before and after a write.
// A nil OldVal is an insert, a nil NewVal is a delete.
type Change struct {
	OldVal Document `json:"old_val"`
	NewVal Document `json:"new_val"`
}

func (c Change) String() string {
	return fmt.Sprintf("change{old=%v new=%v}", c.OldVal, c.NewVal)
}
