package fusion

import (
	"context"
	"encoding/json"
	"fmt"
)

// Collection is a typed view of a collection. Items are converted through
// their JSON encoding, so T's json tags name the document fields and T must
// encode an "id" field.
type Collection[T any] struct {
	name string
	gw   *Gateway
}

// NewCollection creates a typed handle for the named collection.
func NewCollection[T any](gw *Gateway, name string) *Collection[T] {
	return &Collection[T]{name: name, gw: gw}
}

// Name returns the collection name.
func (c *Collection[T]) Name() string { return c.name }

// Ensure creates the collection if it does not exist (idempotent).
func (c *Collection[T]) Ensure(ctx context.Context) error {
	if err := c.gw.EnsureCollection(ctx, c.name); err != nil {
		return fmt.Errorf("ensure %q: %w", c.name, err)
	}
	return nil
}

// Insert adds items that must not exist yet.
func (c *Collection[T]) Insert(ctx context.Context, items ...T) ([]any, error) {
	return c.write(ctx, c.gw.Insert, items)
}

// Store inserts or overwrites items.
func (c *Collection[T]) Store(ctx context.Context, items ...T) ([]any, error) {
	return c.write(ctx, c.gw.Store, items)
}

// Replace overwrites existing items.
func (c *Collection[T]) Replace(ctx context.Context, items ...T) ([]any, error) {
	return c.write(ctx, c.gw.Replace, items)
}

// Update merges the encoded fields of items into existing documents.
// Fields without omitempty overwrite stored values with their zero value.
func (c *Collection[T]) Update(ctx context.Context, items ...T) ([]any, error) {
	return c.write(ctx, c.gw.Update, items)
}

type writeFunc func(ctx context.Context, collection string, docs ...Document) ([]any, error)

func (c *Collection[T]) write(ctx context.Context, fn writeFunc, items []T) ([]any, error) {
	docs := make([]Document, len(items))
	for i, item := range items {
		doc, err := toDocument(item)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		docs[i] = doc
	}
	return fn(ctx, c.name, docs...)
}

// Remove deletes items by id.
func (c *Collection[T]) Remove(ctx context.Context, ids ...any) error {
	return c.gw.Remove(ctx, c.name, ids...)
}

// Get retrieves an item by id. ok is false when no document has that id.
func (c *Collection[T]) Get(ctx context.Context, id any) (item T, ok bool, err error) {
	docs, err := c.gw.Table(c.name).Find(Document{"id": id}).Fetch(ctx)
	if err != nil || len(docs) == 0 {
		return item, false, err
	}
	item, err = fromDocument[T](docs[0])
	if err != nil {
		return item, false, fmt.Errorf("get: %w", err)
	}
	return item, true, nil
}

// Fetch runs q, usually started with Query, and decodes the results into T.
func (c *Collection[T]) Fetch(ctx context.Context, q *Query) ([]T, error) {
	docs, err := q.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]T, len(docs))
	for i, doc := range docs {
		if out[i], err = fromDocument[T](doc); err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
	}
	return out, nil
}

// Query starts a query over this collection.
func (c *Collection[T]) Query() *Query {
	return c.gw.Table(c.name)
}

func fromDocument[T any](doc Document) (T, error) {
	var item T
	raw, err := json.Marshal(doc)
	if err != nil {
		return item, err
	}
	err = json.Unmarshal(raw, &item)
	return item, err
}
