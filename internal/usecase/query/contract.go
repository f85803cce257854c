package query

import (
	"context"

	"github.com/kailas-cloud/fusion/internal/db"
	"github.com/kailas-cloud/fusion/internal/metadata"
)

// TableResolver looks up collection metadata.
type TableResolver interface {
	Table(ctx context.Context, name string) (*metadata.Table, error)
}

// Runner executes planned queries.
type Runner interface {
	Run(ctx context.Context, q *db.Query) (db.Result, error)
	Changes(ctx context.Context, q *db.Query) (db.Cursor, error)
}
