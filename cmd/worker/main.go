package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"projectsync/config"
	contracts "projectsync/contracts/mq"
	"projectsync/internal/mqhandler"
	"projectsync/internal/repository"
	"projectsync/pkg/db"
	"projectsync/pkg/logger"
	"projectsync/pkg/mq"
	redisclient "projectsync/pkg/redis"
	"projectsync/pkg/util"
)

func main() {
	// Load config
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

	logger.Info("Starting activity worker...")

	// Init Redis
	rdb := redisclient.NewRedisClient(cfg.Redis)
	defer rdb.Close()
	if err := redisclient.Ping(ctx, rdb); err != nil {
		logger.Fatal("Redis initialization failed", zap.Error(err))
	}
	deduper := util.NewDeduper(rdb, cfg.Worker.DedupTTL, logger)

	// Init DB
	dbConn, err := db.NewPool(ctx, cfg.DB, logger)
	if err != nil {
		logger.Fatal("DB initialization failed", zap.Error(err))
	}
	defer dbConn.Close()

	activityRepo := repository.NewActivityLogRepository(dbConn)
	if err := activityRepo.Migrate(ctx); err != nil {
		logger.Fatal("Activity log migration failed", zap.Error(err))
	}

	// Dead letter publisher
	dlq, err := mq.NewPublisher(cfg.MQ.URL)
	if err != nil {
		logger.Fatal("Failed to init DLQ publisher", zap.Error(err))
	}
	defer dlq.Close()

	// Consumer for every activity type
	logger.Info("Initializing activity consumer", zap.String("queue", cfg.Worker.Queue))
	consumer, err := mq.NewConsumer(cfg.MQ.URL, cfg.Worker.Queue, contracts.AllActivityKeys, logger)
	if err != nil {
		logger.Fatal("Failed to init activity consumer", zap.Error(err))
	}
	defer consumer.Close()

	if err := consumer.SetRetryPolicy(mq.RetryPolicy{
		Counter:    util.NewRetryCounter(rdb, cfg.Worker.RetryTTL),
		MaxRetries: cfg.Worker.MaxRetries,
		DLQ:        dlq,
	}); err != nil {
		logger.Fatal("Failed to set up dead letter queue", zap.Error(err))
	}
	consumer.SetHandler(mqhandler.NewActivityHandler(activityRepo, deduper, logger).HandleActivity)

	metricsSrv := &http.Server{
		Addr:              cfg.Worker.MetricsAddr,
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Starting activity consumer")
		if err := consumer.StartConsuming(gctx); err != nil {
			return err
		}
		if gctx.Err() == nil {
			return errors.New("activity consumer stopped: delivery channel closed")
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("Serving worker metrics", zap.String("addr", cfg.Worker.MetricsAddr))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		consumer.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("Worker stopped with error", zap.Error(err))
	}
	logger.Info("Activity worker stopped")
}
