package collection

import (
	"context"

	"github.com/kailas-cloud/fusion/internal/metadata"
)

// Registry owns collection metadata.
type Registry interface {
	Table(ctx context.Context, name string) (*metadata.Table, error)
	Create(ctx context.Context, name string) error
	Drop(ctx context.Context, name string) error
	Tables() []string
}

// IndexDropper removes secondary indexes from the backend.
type IndexDropper interface {
	DropIndex(ctx context.Context, table, name string) error
}
