package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"projectsync/config"
	"projectsync/internal/admin"
	"projectsync/internal/cache"
	"projectsync/internal/fanout"
	"projectsync/internal/handler"
	"projectsync/internal/httpserver"
	"projectsync/internal/identity"
	"projectsync/internal/store"
	"projectsync/internal/store/memstore"
	"projectsync/internal/store/pgstore"
	"projectsync/internal/workflow"
	"projectsync/pkg/circuitbreaker"
	"projectsync/pkg/db"
	"projectsync/pkg/logger"
	"projectsync/pkg/mq"
	"projectsync/pkg/outbox"
	redisclient "projectsync/pkg/redis"
)

// gateway is what the server needs from an authoritative store.
type gateway interface {
	store.Gateway
	store.Pinger
}

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := logger.NewLogger(cfg.Log)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backoff := store.Backoff{Initial: cfg.Sync.BackoffInitial, Max: cfg.Sync.BackoffMax}

	// 2. Init store
	var gw gateway
	var pool *pgxpool.Pool
	switch cfg.Sync.Store {
	case "postgres":
		pool, err = db.NewPool(ctx, cfg.DB, logger)
		if err != nil {
			logger.Fatal("DB initialization failed", zap.Error(err))
		}
		defer pool.Close()

		rdb := redisclient.NewRedisClient(cfg.Redis)
		defer rdb.Close()
		if err := redisclient.Ping(ctx, rdb); err != nil {
			logger.Fatal("Redis initialization failed", zap.Error(err))
		}

		pg := pgstore.New(pool, rdb, logger, pgstore.WithBackoff(backoff))
		if err := pg.Migrate(ctx); err != nil {
			logger.Fatal("Store migration failed", zap.Error(err))
		}
		gw = pg
	default:
		logger.Warn("Using the in-memory store; data is lost on restart")
		gw = memstore.New(memstore.WithLogger(logger))
	}

	// 3. Entity cache + fan-out
	entities, writer := cache.New()
	manager := fanout.NewManager(gw, writer, logger, fanout.WithBackoff(backoff))
	root, err := manager.Attach(ctx, fanout.RootQuery{
		CompanyID:   cfg.Sync.CompanyID,
		WithClients: cfg.Sync.WithClients,
	})
	if err != nil {
		logger.Fatal("Failed to attach live queries", zap.Error(err))
	}
	defer root.Detach()

	// 4. Workflow engine
	opts := []workflow.Option{
		workflow.WithBreaker(circuitbreaker.NewCircuitBreaker(
			workflow.BreakerConfig(cfg.Sync.BreakerFailures, cfg.Sync.BreakerTimeout, logger))),
	}
	var dispatcher *outbox.Dispatcher
	var outboxHandler *handler.OutboxHandler
	if cfg.MQ.Enabled {
		publisher, err := mq.NewPublisher(cfg.MQ.URL)
		if err != nil {
			logger.Fatal("Failed to init MQ publisher", zap.Error(err))
		}
		defer publisher.Close()

		if cfg.Outbox.Enabled {
			outboxRepo := outbox.NewRepository(pool)
			if err := outboxRepo.Migrate(ctx); err != nil {
				logger.Fatal("Outbox migration failed", zap.Error(err))
			}
			dispatcher = outbox.NewDispatcher(outboxRepo, publisher, logger).
				WithMaxRetries(cfg.Outbox.MaxRetries).
				WithInterval(cfg.Outbox.Interval).
				WithBatchSize(cfg.Outbox.BatchSize)
			outboxHandler = handler.NewOutboxHandler(outbox.NewReplayService(outboxRepo, publisher, cfg.Outbox.MaxRetries), logger)
			opts = append(opts, workflow.WithPublisher(outbox.NewSpool(outboxRepo)))
		} else {
			opts = append(opts, workflow.WithPublisher(publisher))
		}
	}
	engine := workflow.New(gw, entities, logger, opts...)

	// 5. Admin records
	var records *admin.Records
	var adminHandler *handler.AdminHandler
	if cfg.Admin.Enabled {
		kv, err := admin.OpenKV(cfg.Admin.DataDir)
		if err != nil {
			logger.Fatal("Failed to open admin records", zap.Error(err))
		}
		defer kv.Close()
		records = admin.NewRecords(kv, logger)
		adminHandler = handler.NewAdminHandler(records, logger)
	}

	// 6. Router
	provider := identity.NewProvider(cfg.JWT.Secret)
	router := httpserver.NewRouter(httpserver.Deps{
		Provider:    provider,
		Auth:        handler.NewAuthHandler(provider, cfg.JWT.TTL, logger),
		View:        handler.NewViewHandler(entities, manager.Stale, records, cfg.Sync.StreamHeartbeat, logger),
		Projects:    handler.NewProjectHandler(engine),
		Suggestions: handler.NewSuggestionHandler(engine),
		Clients:     handler.NewClientHandler(engine),
		Admin:       adminHandler,
		Outbox:      outboxHandler,
		Store:       gw,
		Stale:       manager.Stale,
		CORSOrigins: cfg.Server.CORSOrigins,
		Logger:      logger,
	})
	srv := router.Server(cfg.Server.Port)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Starting sync server",
			zap.String("port", cfg.Server.Port),
			zap.String("store", cfg.Sync.Store),
			zap.Bool("mq", cfg.MQ.Enabled),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if dispatcher != nil {
		g.Go(func() error {
			dispatcher.Start(gctx)
			return nil
		})
	}
	g.Go(func() error {
		var reason error
		select {
		case <-gctx.Done():
		case <-root.Done():
			reason = errors.New("live query tree stopped")
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		logger.Info("Shutting down sync server")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return reason
	})

	if err := g.Wait(); err != nil {
		logger.Error("Server stopped with error", zap.Error(err))
	}
}
