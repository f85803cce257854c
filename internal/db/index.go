package db

import (
	"errors"
	"strconv"

	"github.com/kailas-cloud/fusion/internal/domain"
	"github.com/kailas-cloud/fusion/internal/domain/value"
)

// PrimaryIndex is the reserved name of every table's primary key index.
const PrimaryIndex = domain.PrimaryKey

// IndexState is the build state of a secondary index as recorded by the store.
type IndexState string

const (
	// IndexBuilding means the index exists but is still being backfilled.
	IndexBuilding IndexState = "building"
	// IndexReady means the index can serve queries.
	IndexReady IndexState = "ready"
)

// IndexDefinition is a compound secondary index over top-level fields.
type IndexDefinition struct {
	Name   string
	Fields []string
}

// Validate checks that the index definition is well-formed.
func (idx *IndexDefinition) Validate() error {
	if idx.Name == "" {
		return errors.New("index name is required")
	}
	if idx.Name == PrimaryIndex {
		return errors.New("index name is reserved: " + PrimaryIndex)
	}
	if len(idx.Fields) == 0 {
		return errors.New("at least one field is required")
	}

	seen := make(map[string]bool)
	for i, f := range idx.Fields {
		if f == "" {
			return errors.New("field name is required at index " + strconv.Itoa(i))
		}
		if seen[f] {
			return errors.New("duplicate field name: " + f)
		}
		seen[f] = true
	}
	return nil
}

// IndexKey is the key a document occupies in an index: the indexed field
// values followed by the document id, so equal field values stay distinct.
// The primary index key is just the id.
func IndexKey(doc domain.Document, fields []string, id any) []any {
	key := make([]any, 0, len(fields)+1)
	for _, f := range fields {
		key = append(key, value.Field(doc, f))
	}
	return append(key, value.Normalize(id))
}
