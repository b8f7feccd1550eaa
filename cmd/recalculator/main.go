package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/smukkama/epidemic-metrics/internal/alerting"
	"github.com/smukkama/epidemic-metrics/internal/database"
	"github.com/smukkama/epidemic-metrics/internal/httpapi"
	"github.com/smukkama/epidemic-metrics/internal/observability"
	"github.com/smukkama/epidemic-metrics/internal/queue"
	"github.com/smukkama/epidemic-metrics/internal/recalc"
	"github.com/smukkama/epidemic-metrics/internal/scheduler"
	"github.com/smukkama/epidemic-metrics/pkg/config"
)

func main() {
	once := flag.Bool("once", false, "run a single recalculation pass and exit")
	force := flag.Bool("force", false, "recalculate records already flagged as calculated")
	locations := flag.String("location", "", "comma-separated location ids to recalculate")
	since := flag.String("since", "", "only recalculate records on or after this date (YYYY-MM-DD)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	locationIDs, err := parseIDs(*locations)
	if err != nil {
		logger.Fatal("invalid -location", zap.Error(err))
	}
	sinceDate, err := parseSince(*since)
	if err != nil {
		logger.Fatal("invalid -since", zap.Error(err))
	}

	metrics := observability.NewMetrics()
	clock := clockwork.NewRealClock()

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

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	if err := queue.CreateTopic(cfg.Kafka.Brokers, cfg.Kafka.TopicAlerts, cfg.Kafka.NumPartitions, 1, logger); err != nil {
		logger.Warn("could not create alerts topic", zap.Error(err))
	}
	producer := queue.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicAlerts)
	defer producer.Close()

	states := alerting.NewRedisStateStore(redisClient, alerting.DefaultStateTTL)
	r := &recalculator{
		orch: recalc.New(db, clock, recalc.Options{
			IncidenceFactor: cfg.Recalculation.IncidenceFactor,
			RSkipDays:       cfg.Recalculation.RSkipDays,
			Workers:         cfg.Recalculation.Workers,
		}),
		tracker: alerting.NewTracker(states, producer, clock, logger, metrics),
		clock:   clock,
		logger:  logger,
		metrics: metrics,
		cfg:     cfg.Recalculation,
		batch: recalc.Batch{
			LocationIDs: locationIDs,
			Since:       sinceDate,
			Force:       *force || cfg.Recalculation.Force,
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *once {
		res := r.runPass(ctx)
		if res.State != recalc.StateCommitted {
			os.Exit(1)
		}
		return
	}

	srv := httpapi.NewServer(cfg.HTTP.Addr, httpapi.ReadinessFunc(func(ctx context.Context) error {
		if err := db.Ping(ctx); err != nil {
			return err
		}
		return states.Ping(ctx)
	}), logger)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
		}
	}()

	sched := scheduler.New(clock, logger)
	if err := sched.Every("recalculation", cfg.Recalculation.Interval, func(ctx context.Context) {
		r.runPass(ctx)
	}); err != nil {
		logger.Fatal("failed to schedule recalculation", zap.Error(err))
	}
	logger.Info("recalculator running", zap.Duration("interval", cfg.Recalculation.Interval))

	sched.Run(ctx)
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", zap.Error(err))
	}
}
