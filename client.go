package fusion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/fusion/internal/app"
	"github.com/kailas-cloud/fusion/internal/config"
	"github.com/kailas-cloud/fusion/internal/db"
	"github.com/kailas-cloud/fusion/internal/domain"
	collectionuc "github.com/kailas-cloud/fusion/internal/usecase/collection"
	writeuc "github.com/kailas-cloud/fusion/internal/usecase/write"
)

// Document is a JSON object with a primary key under "id".
type Document = domain.Document

// Change is one changefeed item. A nil OldVal is an insert, a nil NewVal a delete.
type Change = domain.Change

// IndexInfo describes one index of a collection.
type IndexInfo = collectionuc.IndexInfo

// Gateway is an embedded fusion gateway.
type Gateway struct {
	app    *app.App
	logger *zap.Logger
}

// New connects to the configured backend, loads collection metadata and
// wires the gateway. Without WithRedis the gateway keeps data in memory.
func New(ctx context.Context, opts ...Option) (*Gateway, error) {
	gc := &gatewayConfig{
		driver:           "memory",
		readinessTimeout: 10 * time.Second,
	}
	for _, o := range opts {
		o.apply(gc)
	}
	if gc.driver == "redis" && len(gc.addrs) == 0 {
		return nil, errors.New("fusion: redis address is required")
	}
	logger := gc.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	a, err := app.New(ctx, gc.config(), logger)
	if err != nil {
		return nil, fmt.Errorf("fusion: %w", err)
	}
	return &Gateway{app: a, logger: logger}, nil
}

func (gc *gatewayConfig) config() *config.Config {
	cfg := &config.Config{
		Database: config.DatabaseConfig{
			Driver:           gc.driver,
			Addrs:            gc.addrs,
			Password:         gc.password,
			Name:             gc.database,
			ReadinessTimeout: int(gc.readinessTimeout / time.Second),
		},
		Storage: config.StorageConfig{KeyPrefix: gc.keyPrefix},
		Auth: config.AuthConfig{
			JWTSecret:            gc.jwtSecret,
			TokenTTLSec:          int(gc.tokenTTL / time.Second),
			AllowAnonymous:       gc.allowAnonymous,
			AllowUnauthenticated: gc.jwtSecret == "",
		},
		DevMode: gc.devMode,
		Query:   config.QueryConfig{IndexWaitMs: int(gc.indexWait / time.Millisecond)},
	}
	cfg.ApplyDefaults()
	return cfg
}

// Close drops protocol connections and releases the backend.
func (g *Gateway) Close() {
	g.app.Close()
}

// Ping checks that the backend is reachable.
func (g *Gateway) Ping(ctx context.Context) error {
	return g.app.Store.Ping(ctx)
}

// Handler serves the websocket protocol at /fusion together with
// /health and /metrics.
func (g *Gateway) Handler() http.Handler {
	return g.app.Server.Router()
}

// Insert adds new documents and returns their ids in order. Documents
// without an id get a generated one. An existing id fails the write.
func (g *Gateway) Insert(ctx context.Context, collection string, docs ...Document) ([]any, error) {
	return g.write(ctx, writeuc.Insert, collection, docs)
}

// Store inserts or fully overwrites documents.
func (g *Gateway) Store(ctx context.Context, collection string, docs ...Document) ([]any, error) {
	return g.write(ctx, writeuc.Store, collection, docs)
}

// Replace overwrites existing documents. Each document must carry an id.
func (g *Gateway) Replace(ctx context.Context, collection string, docs ...Document) ([]any, error) {
	return g.write(ctx, writeuc.Replace, collection, docs)
}

// Update merges fields into existing documents. Each document must carry an id.
func (g *Gateway) Update(ctx context.Context, collection string, docs ...Document) ([]any, error) {
	return g.write(ctx, writeuc.Update, collection, docs)
}

// Remove deletes documents by id.
func (g *Gateway) Remove(ctx context.Context, collection string, ids ...any) error {
	data := make([]Document, len(ids))
	for i, id := range ids {
		data[i] = Document{domain.PrimaryKey: id}
	}
	_, err := g.write(ctx, writeuc.Remove, collection, data)
	return err
}

func (g *Gateway) write(ctx context.Context, kind writeuc.Kind, collection string, docs []Document) ([]any, error) {
	data := make([]Document, len(docs))
	for i, doc := range docs {
		d, err := toDocument(doc)
		if err != nil {
			return nil, err
		}
		data[i] = d
	}
	res, err := g.app.Writes.Write(ctx, kind, &writeuc.Options{Collection: collection, Data: data})
	if err != nil {
		return nil, err
	}
	ids := make([]any, 0, len(res.Items()))
	for _, item := range res.Items() {
		ids = append(ids, item.(Document)[domain.PrimaryKey])
	}
	return ids, nil
}

// EnsureCollection creates a collection if needed and waits until it is ready.
func (g *Gateway) EnsureCollection(ctx context.Context, name string) error {
	return g.app.Collections.Ensure(ctx, name)
}

// DropCollection deletes a collection with its documents and indexes.
func (g *Gateway) DropCollection(ctx context.Context, name string) error {
	return g.app.Collections.Drop(ctx, name)
}

// Collections returns the known collection names.
func (g *Gateway) Collections() []string {
	return g.app.Collections.List()
}

// CreateIndex builds a secondary index over fields and waits until it is
// ready. It returns the index name.
func (g *Gateway) CreateIndex(ctx context.Context, collection string, fields ...string) (string, error) {
	return g.app.Collections.CreateIndex(ctx, collection, fields)
}

// DropIndex removes the index over fields.
func (g *Gateway) DropIndex(ctx context.Context, collection string, fields ...string) error {
	return g.app.Collections.DropIndex(ctx, collection, fields)
}

// Indexes lists a collection's indexes, primary first.
func (g *Gateway) Indexes(ctx context.Context, collection string) ([]IndexInfo, error) {
	return g.app.Collections.ListIndexes(ctx, collection)
}

// Table starts a query over collection.
func (g *Gateway) Table(collection string) *Query {
	return newQuery(g, collection)
}

// Feed follows a subscription.
type Feed struct {
	cursor db.Cursor
}

// Next blocks until the next change arrives, ctx is done, or the feed is
// closed. It returns io.EOF after Close.
func (f *Feed) Next(ctx context.Context) (Change, error) {
	item, err := f.cursor.Next(ctx)
	if err != nil {
		return Change{}, err
	}
	return item.(Change), nil
}

// Close stops the feed.
func (f *Feed) Close() error {
	return f.cursor.Close()
}

// toDocument converts v to the JSON shape documents have on the wire.
func toDocument(v any) (Document, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, domain.Validationf("document is not JSON: %v", err)
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil || doc == nil {
		return nil, domain.Validationf("document must be a JSON object")
	}
	return doc, nil
}
