package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/smukkama/epidemic-metrics/internal/notification"
	"github.com/smukkama/epidemic-metrics/internal/observability"
	"github.com/smukkama/epidemic-metrics/internal/protocol"
	"github.com/smukkama/epidemic-metrics/internal/queue"
	"github.com/smukkama/epidemic-metrics/pkg/config"
)

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

	notifier := notification.NewEmailNotifier(&cfg.SMTP, clockwork.NewRealClock(), logger)
	if err := notifier.TestConnection(); err != nil {
		logger.Warn("notifications will be logged only", zap.Error(err))
	}

	consumer := queue.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicAlerts, "notification-group")
	defer consumer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("notification service running", zap.String("topic", cfg.Kafka.TopicAlerts))

	for {
		msg, err := consumer.Consume(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			logger.Warn("failed to consume message", zap.Error(err))
			continue
		}

		alert, err := protocol.DecodeAlertNotification(msg.Value)
		if err != nil {
			logger.Warn("dropping undecodable notification", zap.Int64("offset", msg.Offset), zap.Error(err))
			if err := consumer.Commit(ctx, msg); err != nil {
				logger.Error("failed to commit offset", zap.Error(err))
			}
			continue
		}

		if err := notifier.SendAlertNotification(alert); err != nil {
			// Left uncommitted so it is redelivered.
			logger.Error("failed to send notification", zap.Int64("location_id", alert.LocationID), zap.Error(err))
			continue
		}

		if err := consumer.Commit(ctx, msg); err != nil {
			logger.Error("failed to commit offset", zap.Error(err))
		}
	}

	logger.Info("shutting down")
}
