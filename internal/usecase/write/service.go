package write

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kailas-cloud/fusion/internal/db"
	"github.com/kailas-cloud/fusion/internal/domain"
)

// Kind is a write request type.
type Kind string

// Write request types.
const (
	Insert  Kind = "insert"
	Store   Kind = "store"
	Replace Kind = "replace"
	Update  Kind = "update"
	Remove  Kind = "remove"
)

// ParseKind maps a request type onto a write kind.
func ParseKind(s string) (Kind, bool) {
	switch k := Kind(s); k {
	case Insert, Store, Replace, Update, Remove:
		return k, true
	default:
		return "", false
	}
}

// Options are the options of a write request. Data holds one document or an
// array of documents; remove only reads their ids.
type Options struct {
	Collection string            `json:"collection"`
	Data       []domain.Document `json:"-"`
}

// ParseOptions decodes raw write options.
func ParseOptions(raw json.RawMessage) (*Options, error) {
	if len(raw) == 0 {
		return nil, domain.Validationf(`"options" is required`)
	}
	var wire struct {
		Collection string          `json:"collection"`
		Data       json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, domain.Validationf("invalid write options: %v", err)
	}
	if wire.Collection == "" {
		return nil, domain.Validationf(`"collection" is required`)
	}
	data := bytes.TrimSpace(wire.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, domain.Validationf(`"data" is required`)
	}

	var docs []domain.Document
	if data[0] == '{' {
		var doc domain.Document
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, domain.Validationf(`"data" must be an object or an array of objects`)
		}
		docs = []domain.Document{doc}
	} else if err := json.Unmarshal(data, &docs); err != nil {
		return nil, domain.Validationf(`"data" must be an object or an array of objects`)
	}
	if len(docs) == 0 {
		return nil, domain.Validationf(`"data" must hold at least one document`)
	}
	for i, doc := range docs {
		if doc == nil {
			return nil, domain.Validationf(`"data" entry %d is not an object`, i)
		}
	}
	return &Options{Collection: wire.Collection, Data: docs}, nil
}

// Service applies writes to collections.
type Service struct {
	tables TableResolver
	writer Writer
	logger *zap.Logger
	newID  func() string
}

// New creates a write service.
func New(tables TableResolver, writer Writer, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		tables: tables,
		writer: writer,
		logger: logger,
		newID:  func() string { return uuid.NewString() },
	}
}

// Write applies one write request and returns the affected documents as
// {"id": ...} items, in request order.
func (s *Service) Write(ctx context.Context, kind Kind, opts *Options) (db.Result, error) {
	docs, ids, err := s.prepare(kind, opts.Data)
	if err != nil {
		return db.Result{}, err
	}

	t, err := s.tables.Table(ctx, opts.Collection)
	if err != nil {
		return db.Result{}, err
	}
	if err := t.Wait(ctx); err != nil {
		return db.Result{}, fmt.Errorf("collection %q: %w", opts.Collection, err)
	}

	switch kind {
	case Insert:
		err = s.writer.Insert(ctx, opts.Collection, docs)
	case Store:
		err = s.writer.Store(ctx, opts.Collection, docs)
	case Replace:
		err = s.writer.Replace(ctx, opts.Collection, docs)
	case Update:
		err = s.writer.Update(ctx, opts.Collection, docs)
	case Remove:
		err = s.writer.Remove(ctx, opts.Collection, ids)
	default:
		return db.Result{}, domain.Validationf("unknown write type %q", kind)
	}
	if err != nil {
		return db.Result{}, writeError(err)
	}

	items := make([]any, len(ids))
	for i, id := range ids {
		items[i] = domain.Document{domain.PrimaryKey: id}
	}
	return db.Materialized(items), nil
}

// prepare validates ids, generating them for insert and store, and copies
// documents so callers never see the generated ids.
func (s *Service) prepare(kind Kind, data []domain.Document) ([]domain.Document, []any, error) {
	docs := make([]domain.Document, len(data))
	ids := make([]any, len(data))
	for i, doc := range data {
		doc = doc.Clone()
		if _, ok := doc.ID(); !ok && (kind == Insert || kind == Store) {
			doc[domain.PrimaryKey] = s.newID()
		}
		id, err := domain.RequireID(doc)
		if err != nil {
			return nil, nil, err
		}
		docs[i], ids[i] = doc, id
	}
	return docs, ids, nil
}

func writeError(err error) error {
	var missing *domain.DocumentMissingError
	var invalid *domain.ValidationError
	switch {
	case errors.As(err, &missing):
		return missing
	case errors.As(err, &invalid):
		return invalid
	case errors.Is(err, db.ErrKeyExists):
		return &domain.ExecutionError{Err: fmt.Errorf("document already exists: %w", err)}
	case errors.Is(err, db.ErrTableNotFound):
		return domain.ErrCollectionMissing
	default:
		return &domain.ExecutionError{Err: err}
	}
}
