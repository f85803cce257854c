package write

import (
	"context"

	"github.com/kailas-cloud/fusion/internal/domain"
	"github.com/kailas-cloud/fusion/internal/metadata"
)

// TableResolver looks up collection metadata.
type TableResolver interface {
	Table(ctx context.Context, name string) (*metadata.Table, error)
}

// Writer applies document writes to a collection.
type Writer interface {
	Insert(ctx context.Context, table string, docs []domain.Document) error
	Store(ctx context.Context, table string, docs []domain.Document) error
	Replace(ctx context.Context, table string, docs []domain.Document) error
	Update(ctx context.Context, table string, docs []domain.Document) error
	Remove(ctx context.Context, table string, ids []any) error
}
