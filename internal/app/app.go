// Package app wires a store, the collection registry, the use cases and the
// protocol server from one configuration.
package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/fusion/internal/config"
	"github.com/kailas-cloud/fusion/internal/db"
	"github.com/kailas-cloud/fusion/internal/db/memory"
	dbRedis "github.com/kailas-cloud/fusion/internal/db/redis"
	"github.com/kailas-cloud/fusion/internal/metadata"
	chiTransport "github.com/kailas-cloud/fusion/internal/transport/chi"
	collectionuc "github.com/kailas-cloud/fusion/internal/usecase/collection"
	healthuc "github.com/kailas-cloud/fusion/internal/usecase/health"
	queryuc "github.com/kailas-cloud/fusion/internal/usecase/query"
	writeuc "github.com/kailas-cloud/fusion/internal/usecase/write"
)

// App is a fully wired gateway.
type App struct {
	Store       db.Store
	Registry    *metadata.Registry
	Queries     *queryuc.Service
	Writes      *writeuc.Service
	Collections *collectionuc.Service
	Health      *healthuc.Service
	Server      *chiTransport.Server
}

// OpenStore creates the store the configuration names.
func OpenStore(cfg *config.Config, logger *zap.Logger) (db.Store, error) {
	switch cfg.Database.Driver {
	case "memory":
		return memory.New(logger, memory.WithFeedBuffer(cfg.Storage.FeedBuffer)), nil
	case "redis":
		s, err := dbRedis.NewStore(dbRedis.Config{
			Addrs:        cfg.Database.Addrs,
			Username:     cfg.Database.Username,
			Password:     cfg.Database.Password,
			DB:           cfg.Database.DB,
			Database:     cfg.Database.Name,
			KeyPrefix:    cfg.Storage.KeyPrefix,
			PollInterval: time.Duration(cfg.Database.PollIntervalMs) * time.Millisecond,
			FeedBuffer:   cfg.Storage.FeedBuffer,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("create redis store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}

// New opens the store, waits for it, loads collection metadata and wires
// every service. The caller owns the returned App and must Close it.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	store, err := OpenStore(cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := store.WaitForReady(ctx, time.Duration(cfg.Database.ReadinessTimeout)*time.Second); err != nil {
		store.Close()
		return nil, fmt.Errorf("database not ready: %w", err)
	}
	return Wire(ctx, store, cfg, logger)
}

// Wire builds an App around an open store.
func Wire(ctx context.Context, store db.Store, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	registry := metadata.NewRegistry(store, logger.Named("metadata"), cfg.DevMode)
	if err := registry.Start(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("load metadata: %w", err)
	}

	a := &App{
		Store:    store,
		Registry: registry,
		Queries: queryuc.New(registry, store, logger.Named("query"), queryuc.Config{
			DevMode:   cfg.DevMode,
			IndexWait: time.Duration(cfg.Query.IndexWaitMs) * time.Millisecond,
		}),
		Writes:      writeuc.New(registry, store, logger.Named("write")),
		Collections: collectionuc.New(registry, store, logger.Named("collection")),
		Health:      healthuc.New(store, registry),
	}
	a.Server = chiTransport.NewServer(a.Queries, a.Writes, a.Health, authenticator(cfg), logger.Named("transport"),
		chiTransport.Options{
			Path:              cfg.HTTP.Path,
			RequestsPerSecond: cfg.Limits.RequestsPerSecond,
			Burst:             cfg.Limits.Burst,
			MaxFrameBytes:     cfg.Limits.MaxFrameBytes,
			WriteTimeout:      time.Duration(cfg.HTTP.WriteTimeoutSec) * time.Second,
		})
	return a, nil
}

func authenticator(cfg *config.Config) *chiTransport.Authenticator {
	var tokens *chiTransport.TokenService
	if cfg.Auth.JWTSecret != "" {
		tokens = chiTransport.NewTokenService([]byte(cfg.Auth.JWTSecret), cfg.Auth.TokenTTL())
	}
	return chiTransport.NewAuthenticator(tokens, cfg.Auth.AllowAnonymous, cfg.Auth.AllowUnauthenticated)
}

// Close drops every connection, stops following the backend and closes the store.
func (a *App) Close() {
	a.Server.CloseConnections()
	a.Registry.Close()
	a.Store.Close()
}
