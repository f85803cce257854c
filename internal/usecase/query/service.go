package query

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/fusion/internal/db"
	"github.com/kailas-cloud/fusion/internal/domain"
	"github.com/kailas-cloud/fusion/internal/metadata"
	"github.com/kailas-cloud/fusion/internal/metrics"
	planner "github.com/kailas-cloud/fusion/internal/query"
)

// Config tunes planning retries.
type Config struct {
	// DevMode creates missing indexes on demand instead of failing.
	DevMode bool
	// IndexWait bounds how long a query waits for a matching index that is
	// still building before giving up with an IndexNotReadyError.
	IndexWait time.Duration
}

// Service plans and executes queries and subscriptions.
type Service struct {
	tables TableResolver
	runner Runner
	logger *zap.Logger
	cfg    Config
}

// New creates a query service.
func New(tables TableResolver, runner Runner, logger *zap.Logger, cfg Config) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{tables: tables, runner: runner, logger: logger, cfg: cfg}
}

// Query runs opts once and returns the materialized result.
func (s *Service) Query(ctx context.Context, opts *planner.Options) (db.Result, error) {
	q, err := s.Plan(ctx, opts)
	if err != nil {
		return db.Result{}, err
	}
	res, err := s.runner.Run(ctx, q)
	if err != nil {
		return db.Result{}, &domain.ExecutionError{Err: err}
	}
	return res, nil
}

// Subscribe opens a changefeed over the ranges opts selects.
func (s *Service) Subscribe(ctx context.Context, opts *planner.Options) (db.Result, error) {
	q, err := s.Plan(ctx, opts)
	if err != nil {
		return db.Result{}, err
	}
	cur, err := s.runner.Changes(ctx, q)
	if err != nil {
		return db.Result{}, &domain.ExecutionError{Err: err}
	}
	return db.Live(cur), nil
}

// Plan resolves the collection, waits for it, and plans opts against its
// indexes. A missing index is created first in dev mode, and an index still
// building is waited for up to IndexWait, each at most once.
func (s *Service) Plan(ctx context.Context, opts *planner.Options) (*db.Query, error) {
	if err := opts.Validate(); err != nil {
		metrics.PlanErrorsTotal.WithLabelValues(planErrorKind(err)).Inc()
		return nil, err
	}
	t, err := s.tables.Table(ctx, opts.Collection)
	if err != nil {
		return nil, err
	}
	if err := t.Wait(ctx); err != nil {
		return nil, fmt.Errorf("collection %q: %w", opts.Collection, err)
	}

	created, waited := false, false
	for {
		q, err := planner.MakeQueryPlan(opts, planner.ForTable(t))
		if err == nil {
			return q, nil
		}
		metrics.PlanErrorsTotal.WithLabelValues(planErrorKind(err)).Inc()

		var missing *domain.IndexMissingError
		var notReady *domain.IndexNotReadyError
		switch {
		case s.cfg.DevMode && !created && errors.As(err, &missing):
			created = true
			if err := s.createIndex(ctx, t, missing.Fields); err != nil {
				return nil, err
			}
		case s.cfg.IndexWait > 0 && !waited && errors.As(err, &notReady):
			waited = true
			if !s.waitIndex(ctx, t, notReady.Index) {
				return nil, err
			}
		default:
			return nil, err
		}
	}
}

func (s *Service) createIndex(ctx context.Context, t *metadata.Table, fields []string) error {
	s.logger.Info("creating missing index",
		zap.String("collection", t.Name()),
		zap.Strings("fields", fields),
	)
	err := t.CreateIndex(ctx, fields)
	var exists *domain.IndexExistsError
	if errors.As(err, &exists) {
		if idx, ok := t.Index(exists.Index); ok {
			return idx.Wait(ctx)
		}
		return nil
	}
	return err
}

// waitIndex reports whether the index became ready within IndexWait.
func (s *Service) waitIndex(ctx context.Context, t *metadata.Table, name string) bool {
	idx, ok := t.Index(name)
	if !ok {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.IndexWait)
	defer cancel()
	return idx.Wait(ctx) == nil
}

func planErrorKind(err error) string {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return "validation"
	case errors.Is(err, domain.ErrIndexMissing):
		return "index_missing"
	case errors.Is(err, domain.ErrIndexNotReady):
		return "index_not_ready"
	default:
		return "other"
	}
}
