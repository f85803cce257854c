package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/rueidis"
	"go.uber.org/zap"

	"github.com/kailas-cloud/fusion/internal/db"
)

// Compile-time check: Store implements db.Store.
var _ db.Store = (*Store)(nil)

const (
	defaultPollInterval = 100 * time.Millisecond
	defaultFeedSize     = 1024
)

// Config holds connection parameters for a Redis store.
type Config struct {
	Addrs    []string
	Username string
	Password string
	DB       int

	// Database namespaces every key, so several gateways can share a server.
	Database  string
	KeyPrefix string

	// PollInterval paces WaitTable and WaitIndex.
	PollInterval time.Duration
	// FeedBuffer is how many changes a changefeed buffers for a slow consumer.
	FeedBuffer int
}

// Store implements db.Store via rueidis. Every index, the primary one
// included, is a sorted set of order-preserving encoded keys scanned with
// ZRANGE BYLEX.
type Store struct {
	client rueidis.Client
	keys   keyspace
	logger *zap.Logger

	pollInterval time.Duration
	feedSize     int

	// ctx outlives requests: backfills and subscriptions stop when it ends.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewStore creates a Redis store via rueidis.
func NewStore(cfg Config, logger *zap.Logger) (*Store, error) {
	if len(cfg.Addrs) == 0 {
		return nil, fmt.Errorf("addrs is required")
	}

	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress:  cfg.Addrs,
		Username:     cfg.Username,
		Password:     cfg.Password,
		SelectDB:     cfg.DB,
		DisableCache: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	return newStore(client, cfg, logger), nil
}

func newStore(client rueidis.Client, cfg Config, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.FeedBuffer <= 0 {
		cfg.FeedBuffer = defaultFeedSize
	}
	if cfg.Database == "" {
		cfg.Database = "fusion"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Store{
		client:       client,
		keys:         keyspace{prefix: cfg.KeyPrefix + cfg.Database + ":"},
		logger:       logger,
		pollInterval: cfg.PollInterval,
		feedSize:     cfg.FeedBuffer,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	cmd := s.b().Ping().Build()
	if err := s.do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

// Close stops background work and shuts down the client.
func (s *Store) Close() {
	s.cancel()
	s.wg.Wait()
	s.client.Close()
}

// WaitForReady polls Ping until the store responds or timeout expires.
func (s *Store) WaitForReady(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for database: %w", ctx.Err())
		case <-ticker.C:
			if err := s.Ping(ctx); err == nil {
				return nil
			}
		}
	}
}

// poll calls check every poll interval until it reports done or fails.
func (s *Store) poll(ctx context.Context, check func() (bool, error)) error {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		done, err := check()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.ctx.Done():
			return db.ErrClosed
		case <-ticker.C:
		}
	}
}

// goBackground runs fn until the store closes.
func (s *Store) goBackground(fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.ctx)
	}()
}

func (s *Store) do(ctx context.Context, cmd rueidis.Completed) rueidis.RedisResult {
	return s.client.Do(ctx, cmd)
}

func (s *Store) b() rueidis.Builder {
	return s.client.B()
}

// exec runs cmds atomically inside MULTI/EXEC.
func (s *Store) exec(ctx context.Context, cmds ...rueidis.Completed) error {
	if len(cmds) == 0 {
		return nil
	}
	multi := make([]rueidis.Completed, 0, len(cmds)+2)
	multi = append(multi, s.b().Multi().Build())
	multi = append(multi, cmds...)
	multi = append(multi, s.b().Exec().Build())

	for _, res := range s.client.DoMulti(ctx, multi...) {
		if err := res.Error(); err != nil {
			return &db.Error{Op: db.OpTxn, Err: err}
		}
	}
	return nil
}
