package collection

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/kailas-cloud/fusion/internal/db"
	"github.com/kailas-cloud/fusion/internal/domain"
	"github.com/kailas-cloud/fusion/internal/metadata"
	"github.com/kailas-cloud/fusion/internal/metrics"
)

// IndexInfo describes one index of a collection.
type IndexInfo struct {
	Name    string   `json:"name"`
	Fields  []string `json:"fields"`
	Primary bool     `json:"primary,omitempty"`
	State   string   `json:"state"`
}

// Service manages collections and their indexes.
type Service struct {
	registry Registry
	indexes  IndexDropper
	logger   *zap.Logger
}

// New creates a collection service.
func New(registry Registry, indexes IndexDropper, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{registry: registry, indexes: indexes, logger: logger}
}

// Ensure creates the collection if it does not exist and waits until it is ready.
func (s *Service) Ensure(ctx context.Context, name string) error {
	if err := s.registry.Create(ctx, name); err != nil {
		return fmt.Errorf("create collection: %w", err)
	}
	t, err := s.registry.Table(ctx, name)
	if err != nil {
		return err
	}
	return t.Wait(ctx)
}

// Drop deletes a collection with all of its documents and indexes.
func (s *Service) Drop(ctx context.Context, name string) error {
	if err := s.registry.Drop(ctx, name); err != nil {
		return fmt.Errorf("drop collection: %w", err)
	}
	return nil
}

// List returns the known collection names.
func (s *Service) List() []string {
	return s.registry.Tables()
}

// CreateIndex creates a secondary index over fields and returns its name once
// it is ready. An index that already exists is waited for instead.
func (s *Service) CreateIndex(ctx context.Context, collection string, fields []string) (string, error) {
	if len(fields) == 0 {
		return "", domain.Validationf("an index needs at least one field")
	}
	t, err := s.table(ctx, collection)
	if err != nil {
		return "", err
	}

	name := metadata.InfoToName(metadata.Info{Fields: fields})
	err = t.CreateIndex(ctx, fields)
	var exists *domain.IndexExistsError
	if errors.As(err, &exists) {
		idx, ok := t.Index(exists.Index)
		if !ok {
			return name, nil
		}
		err = idx.Wait(ctx)
	}
	if err != nil {
		return "", err
	}
	return name, nil
}

// DropIndex removes the secondary index over fields.
func (s *Service) DropIndex(ctx context.Context, collection string, fields []string) error {
	t, err := s.table(ctx, collection)
	if err != nil {
		return err
	}
	name := metadata.InfoToName(metadata.Info{Fields: fields})
	if err := s.indexes.DropIndex(ctx, collection, name); err != nil {
		if errors.Is(err, db.ErrIndexNotFound) {
			return &domain.IndexMissingError{Collection: collection, Fields: fields}
		}
		return &domain.ExecutionError{Err: err}
	}
	metrics.DeleteIndexState(collection, name)
	s.logger.Info("index dropped", zap.String("collection", t.Name()), zap.String("index", name))
	return nil
}

// ListIndexes describes every index of a collection, primary first.
func (s *Service) ListIndexes(ctx context.Context, collection string) ([]IndexInfo, error) {
	t, err := s.table(ctx, collection)
	if err != nil {
		return nil, err
	}
	var out []IndexInfo
	for _, idx := range t.Indexes() {
		state, _ := idx.State()
		info := IndexInfo{
			Name:    idx.Name(),
			Fields:  idx.Fields(),
			Primary: idx.IsPrimary(),
			State:   state.String(),
		}
		if info.Primary {
			out = append([]IndexInfo{info}, out...)
			continue
		}
		out = append(out, info)
	}
	return out, nil
}

func (s *Service) table(ctx context.Context, name string) (*metadata.Table, error) {
	t, err := s.registry.Table(ctx, name)
	if err != nil {
		return nil, err
	}
	if err := t.Wait(ctx); err != nil {
		return nil, fmt.Errorf("collection %q: %w", name, err)
	}
	return t, nil
}
