package db

import (
	"context"
	"time"

	"github.com/kailas-cloud/fusion/internal/domain"
)

// Store is the main database facade combining all sub-interfaces.
//
//nolint:interfacebloat // facade by design -- consumers use narrow sub-interfaces (ISP)
type Store interface {
	Pinger
	TableManager
	IndexManager
	Runner
	Writer
	Close()
	WaitForReady(ctx context.Context, timeout time.Duration) error
}

// Pinger checks database connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// TableManager provides collection (table) lifecycle operations.
type TableManager interface {
	CreateTable(ctx context.Context, table string) error
	DropTable(ctx context.Context, table string) error
	ListTables(ctx context.Context) ([]string, error)
	// WaitTable returns once the table exists and its replicas can serve reads.
	WaitTable(ctx context.Context, table string) error
}

// IndexManager provides secondary index lifecycle operations.
type IndexManager interface {
	CreateIndex(ctx context.Context, table string, def *IndexDefinition) error
	DropIndex(ctx context.Context, table, name string) error
	// ListIndexes returns secondary index names. The primary index is never listed.
	ListIndexes(ctx context.Context, table string) ([]string, error)
	// WaitIndex returns once the index has been built.
	WaitIndex(ctx context.Context, table, name string) error
	// WatchIndexes reports the current index set of a table whenever it changes.
	// The channel is closed when ctx ends or the store is closed.
	WatchIndexes(ctx context.Context) (<-chan IndexEvent, error)
}

// IndexEvent is one index-set notification.
type IndexEvent struct {
	Table   string
	Indexes []string
	Dropped bool // the table itself is gone
}

// Runner executes planned queries.
type Runner interface {
	// Run executes q once and returns its result.
	Run(ctx context.Context, q *Query) (Result, error)
	// Changes opens a changefeed over the ranges of q.
	Changes(ctx context.Context, q *Query) (Cursor, error)
}

// Writer provides document writes. Every write publishes a change.
type Writer interface {
	// Insert fails with ErrKeyExists if any id is taken.
	Insert(ctx context.Context, table string, docs []domain.Document) error
	// Store inserts or overwrites.
	Store(ctx context.Context, table string, docs []domain.Document) error
	// Replace overwrites existing documents; a missing id fails with a DocumentMissingError.
	Replace(ctx context.Context, table string, docs []domain.Document) error
	// Update merges into existing documents; a missing id fails with a DocumentMissingError.
	Update(ctx context.Context, table string, docs []domain.Document) error
	Remove(ctx context.Context, table string, ids []any) error
}
