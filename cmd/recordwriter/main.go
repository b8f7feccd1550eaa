package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/smukkama/epidemic-metrics/internal/database"
	"github.com/smukkama/epidemic-metrics/internal/httpapi"
	"github.com/smukkama/epidemic-metrics/internal/observability"
	"github.com/smukkama/epidemic-metrics/internal/queue"
	"github.com/smukkama/epidemic-metrics/pkg/config"
)

// windowSpan is the widest window a recalculation reads: the 14-day R prefix.
const windowSpan = 2 * 14

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	metrics := observability.NewMetrics()

	db, err := database.Connect(cfg.Database.ConnectionString())
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	logger.Info("connected to database")

	if dir := cfg.Database.MigrationsDir; dir != "" {
		if err := db.RunMigrations(context.Background(), dir, logger); err != nil {
			logger.Fatal("failed to run migrations", zap.Error(err))
		}
	}

	if err := queue.CreateTopic(cfg.Kafka.Brokers, cfg.Kafka.TopicRecords, cfg.Kafka.NumPartitions, 1, logger); err != nil {
		logger.Warn("could not create records topic", zap.Error(err))
	}
	consumer := queue.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicRecords, cfg.Kafka.GroupID)
	defer consumer.Close()

	writer := queue.NewRecordWriter(consumer, db, clockwork.NewRealClock(), queue.RecordWriterConfig{
		BatchSize:      cfg.Kafka.BatchSize,
		FlushInterval:  cfg.Kafka.FlushInterval,
		DependencyDays: windowSpan + cfg.Recalculation.RSkipDays,
	}, logger, metrics)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := httpapi.NewServer(cfg.HTTP.Addr, httpapi.ReadinessFunc(db.Ping), logger)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
		}
	}()

	writer.Start(ctx)
	logger.Info("record writer running",
		zap.String("topic", cfg.Kafka.TopicRecords),
		zap.Int("batch_size", cfg.Kafka.BatchSize),
		zap.Duration("flush_interval", cfg.Kafka.FlushInterval))

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := consumer.Stats()
				logger.Info("consumer stats",
					zap.Int64("messages", stats.Messages),
					zap.Int64("bytes", stats.Bytes),
					zap.Int64("errors", stats.Errors),
					zap.Int64("lag", stats.Lag))
			}
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	writer.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", zap.Error(err))
	}
}
