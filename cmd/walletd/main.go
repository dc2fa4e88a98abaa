package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/boddenberg/walletsync-go/internal/config"
	"github.com/boddenberg/walletsync-go/internal/domain"
	"github.com/boddenberg/walletsync-go/internal/export"
	"github.com/boddenberg/walletsync-go/internal/handler"
	"github.com/boddenberg/walletsync-go/internal/infra/cache"
	"github.com/boddenberg/walletsync-go/internal/infra/couch"
	"github.com/boddenberg/walletsync-go/internal/infra/docstore"
	"github.com/boddenberg/walletsync-go/internal/infra/observability"
	"github.com/boddenberg/walletsync-go/internal/infra/replication"
	"github.com/boddenberg/walletsync-go/internal/infra/resilience"
	"github.com/boddenberg/walletsync-go/internal/port"
	"github.com/boddenberg/walletsync-go/internal/service"

	"go.uber.org/zap"
)

func main() {
	// --- Load .env file (for local development) ---
	_ = config.LoadDotEnv(".env")

	// --- Config ---
	cfg := config.Load()

	// --- Logger ---
	logger, err := observability.NewLogger(cfg.LogLevel, "walletd", cfg.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "walletd: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("configuration loaded",
		zap.Int("port", cfg.Port),
		zap.String("log_level", cfg.LogLevel),
		zap.String("db_path", cfg.DBPath),
		zap.Bool("sync_enabled", cfg.SyncConfigured()),
		zap.Duration("sync_interval", cfg.SyncInterval),
		zap.Int("conflict_retries", cfg.ConflictRetries),
		zap.Duration("conflict_backoff", cfg.ConflictBackoff),
		zap.Duration("cache_ttl", cfg.CacheTTL),
		zap.Duration("jwt_access_ttl", cfg.JWTAccessTTL),
	)

	// --- Tracing ---
	shutdown, err := observability.InitTracer(cfg.OTLPEndpoint, "walletsync")
	if err != nil {
		logger.Fatal("failed to init tracer", zap.Error(err))
	}
	defer shutdown(context.Background())

	// --- Metrics ---
	metrics := observability.NewMetrics()

	// --- Local store ---
	store := docstore.New(docstore.Options{
		PollAttempts: cfg.ReadyPollAttempts,
		PollInterval: cfg.ReadyPollInterval,
	}, logger)
	if err := store.Open(cfg.DBPath); err != nil {
		logger.Fatal("failed to open local store", zap.String("path", cfg.DBPath), zap.Error(err))
	}
	defer store.Close()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// --- Replication ---
	var replicator *replication.Replicator
	var syncer port.Syncer
	if cfg.SyncConfigured() {
		resilienceCfg := resilience.Config{
			MaxRetries:     cfg.MaxRetries,
			InitialBackoff: cfg.InitialBackoff,
			MaxConcurrency: cfg.MaxConcurrency,
		}
		remote := couch.NewClient(
			&http.Client{Timeout: cfg.HTTPTimeout},
			cfg.RemoteURL,
			cfg.RemoteDBName,
			couch.Credentials{Username: cfg.RemoteUsername, Password: cfg.RemotePassword},
			resilience.NewCircuitBreaker("couchdb"),
			resilienceCfg,
			logger,
		)
		replicator = replication.New(store, remote, replication.Options{
			Interval:         cfg.SyncInterval,
			BatchSize:        cfg.SyncBatchSize,
			HandshakeTimeout: cfg.SyncHandshakeTimeout,
			InitialBackoff:   cfg.InitialBackoff,
			MaxBackoff:       cfg.SyncMaxBackoff,
			MaxConcurrency:   cfg.MaxConcurrency,
		}, metrics, logger)
		replicator.Start(ctx)
		defer replicator.Stop()
		syncer = replicator
		logger.Info("replication enabled", zap.String("remote_db", cfg.RemoteDBName))
	} else {
		logger.Warn("replication disabled, running local only")
	}

	// --- Write path, queries, aggregates ---
	writer := service.NewWriter(store, service.WriterOptions{
		ConflictRetries: cfg.ConflictRetries,
		ConflictBackoff: cfg.ConflictBackoff,
	}, metrics, logger)
	queries := service.NewQueries(store, cache.New[[]*domain.Category](cfg.CacheTTL), metrics, logger)
	defer queries.Close()
	agg := service.NewAggregator(store, writer, queries, metrics, logger)
	agg.Start(ctx)
	defer agg.Stop()

	// --- Services ---
	users := service.NewUserService(writer, queries, agg, logger)
	categories := service.NewCategoryService(writer, queries, users, logger)
	wallets := service.NewWalletService(writer, queries, logger)
	txs := service.NewTransactionService(writer, queries, agg, users, syncer, logger)
	budgets := service.NewBudgetService(writer, queries, agg, users, logger)
	bootstrap := service.NewBootstrap(writer, queries, categories, agg, logger)
	authSvc := service.NewAuthService(writer, queries, bootstrap, syncer, cfg.JWTSecret, cfg.JWTAccessTTL, logger)
	if cfg.GatewayToken == "" {
		logger.Warn("identity gateway token not set, identity login unavailable")
	}

	// Repair aggregates once the first sync round has landed.
	go func() {
		if syncer != nil {
			syncer.Handshake(ctx)
		}
		if err := agg.ReconcileAll(ctx); err != nil {
			logger.Error("startup reconciliation failed", zap.Error(err))
		}
	}()

	// --- Router ---
	router := handler.NewRouter(handler.Services{
		Auth:         authSvc,
		Users:        users,
		Wallets:      wallets,
		Categories:   categories,
		Transactions: txs,
		Budgets:      budgets,
		Export:       export.New(txs, wallets, categories, logger),
		Sync:         syncer,
	}, handler.Options{
		GatewayToken: cfg.GatewayToken,
		Ready:        store.Ready,
	}, metrics, logger)

	// --- Server ---
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// --- Graceful shutdown ---
	go func() {
		logger.Info("server starting", zap.Int("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("server shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced shutdown", zap.Error(err))
	}
	stop()

	// Push what is still pending before the process exits.
	if replicator != nil {
		if err := replicator.Flush(shutdownCtx); err != nil {
			logger.Warn("final flush failed, changes stay queued locally", zap.Error(err))
		}
	}

	logger.Info("server stopped")
}
