// Command fusion runs the realtime document gateway.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kailas-cloud/fusion/internal/app"
	"github.com/kailas-cloud/fusion/internal/config"
	logpkg "github.com/kailas-cloud/fusion/internal/logger"
	"github.com/kailas-cloud/fusion/internal/metrics"
	"github.com/kailas-cloud/fusion/internal/version"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "fusion",
		Short:         "Realtime document gateway",
		SilenceUsage:  true,
		RunE:          runServe,
	}
	root.PersistentFlags().String("env", config.GetEnv(), "configuration environment (config/<env>.yaml)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the websocket gateway",
		RunE:  runServe,
	}

	createIndexCmd := &cobra.Command{
		Use:   "create-index",
		Short: "Create a secondary index and wait until it is ready",
		RunE: func(cmd *cobra.Command, _ []string) error {
			collection, _ := cmd.Flags().GetString("collection")
			fields, _ := cmd.Flags().GetStringSlice("fields")
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.Collections.Ensure(ctx, collection); err != nil {
					return err
				}
				name, err := a.Collections.CreateIndex(ctx, collection, fields)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), name)
				return nil
			})
		},
	}
	createIndexCmd.Flags().String("collection", "", "collection name")
	createIndexCmd.Flags().StringSlice("fields", nil, "indexed fields, in order")
	_ = createIndexCmd.MarkFlagRequired("collection")
	_ = createIndexCmd.MarkFlagRequired("fields")

	dropIndexCmd := &cobra.Command{
		Use:   "drop-index",
		Short: "Drop a secondary index",
		RunE: func(cmd *cobra.Command, _ []string) error {
			collection, _ := cmd.Flags().GetString("collection")
			fields, _ := cmd.Flags().GetStringSlice("fields")
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				return a.Collections.DropIndex(ctx, collection, fields)
			})
		},
	}
	dropIndexCmd.Flags().String("collection", "", "collection name")
	dropIndexCmd.Flags().StringSlice("fields", nil, "indexed fields, in order")
	_ = dropIndexCmd.MarkFlagRequired("collection")
	_ = dropIndexCmd.MarkFlagRequired("fields")

	indexesCmd := &cobra.Command{
		Use:   "indexes <collection>",
		Short: "List the indexes of a collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				infos, err := a.Collections.ListIndexes(ctx, args[0])
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(infos)
			})
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s (commit %s, built %s)\n", version.Version, version.Commit, version.Date)
		},
	}

	root.AddCommand(serveCmd, createIndexCmd, dropIndexCmd, indexesCmd, versionCmd)
	return root
}

func loadConfig(cmd *cobra.Command) (string, config.Config, *zap.Logger, error) {
	env, _ := cmd.Flags().GetString("env")
	cfg, err := config.Load(env)
	if err != nil {
		return "", config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logpkg.NewLogger(env, cfg.Logging.Level)
	if err != nil {
		return "", config.Config{}, nil, fmt.Errorf("create logger: %w", err)
	}
	return env, cfg, logger, nil
}

// withApp runs fn against a gateway wired from the selected configuration.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	_, cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, &cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func runServe(cmd *cobra.Command, _ []string) error {
	env, cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting fusion gateway",
		zap.String("version", version.Version),
		zap.String("commit", version.Commit),
		zap.String("env", env),
		zap.Int("http_port", cfg.HTTP.Port),
		zap.String("path", cfg.HTTP.Path),
		zap.String("db_driver", cfg.Database.Driver),
		zap.Strings("db_addrs", cfg.Database.Addrs),
		zap.Bool("dev_mode", cfg.DevMode),
	)

	// Register metrics explicitly (no init())
	metrics.RegisterGatewayMetrics()
	metrics.RegisterHTTPMetrics()

	ctx := context.Background()
	a, err := app.New(ctx, &cfg, logger)
	if err != nil {
		logger.Error("Failed to start gateway", zap.Error(err))
		return err
	}
	defer a.Close()
	logger.Info("Connected to database", zap.Strings("collections", a.Registry.Tables()))

	addr := fmt.Sprintf(":%d", cfg.HTTP.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: a.Server.Router(),
		// no Read/WriteTimeout: they would cut long-lived websocket connections
		ReadHeaderTimeout: time.Duration(cfg.HTTP.ReadTimeoutSec) * time.Second,
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case sig := <-quit:
		logger.Info("Received shutdown signal", zap.String("signal", strings.ToLower(sig.String())))
	case err := <-serveErr:
		logger.Error("HTTP server error", zap.Error(err))
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.HTTP.ShutdownSec)*time.Second)
	defer cancel()

	// Hijacked websocket connections are not tracked by Shutdown.
	a.Server.CloseConnections()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
	}

	logger.Info("Server stopped gracefully")
	return nil
}
