package health

import (
	"context"

	"github.com/kailas-cloud/fusion/internal/metadata"
)

// DBPinger checks database availability.
type DBPinger interface {
	Ping(ctx context.Context) error
}

// TableLister exposes the collections the gateway tracks.
type TableLister interface {
	Tables() []string
	Table(ctx context.Context, name string) (*metadata.Table, error)
}
