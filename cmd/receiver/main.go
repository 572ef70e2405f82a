// Command receiver consumes the Redis tick stream as a consumer-group member,
// maintains the fast-lookup keys and periodically flushes ticks to SQLite or
// PostgreSQL.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tickstream/config"
	"tickstream/internal/logger"
	"tickstream/internal/metrics"
	"tickstream/internal/model"
	"tickstream/internal/receiver"
	"tickstream/internal/store/postgres"
	redisstore "tickstream/internal/store/redis"
	"tickstream/internal/store/sqlite"
)

type flags struct {
	envFile      string
	logLevel     string
	consumerName string
}

func main() {
	var f flags
	cmd := &cobra.Command{
		Use:   "receiver",
		Short: "Persist ticks from the Redis stream",
		Long: `Receiver joins the tick stream's consumer group, updates the per-symbol
lookup keys for every tick and writes buffered ticks to the durable store on
a fixed interval. Unacknowledged entries from a previous run are processed
again on startup.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), f)
		},
	}
	cmd.Flags().StringVar(&f.envFile, "env-file", "", "path to a .env file (default: ./.env when present)")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "", "override APP_LOG_LEVEL")
	cmd.Flags().StringVar(&f.consumerName, "consumer-name", "", "override REDIS_CONSUMER_NAME")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := cmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, f flags) error {
	// ---- Config ----
	cfg, err := config.Load(f.envFile)
	if err != nil {
		return err
	}
	if f.logLevel != "" {
		cfg.App.LogLevel = f.logLevel
	}
	if f.consumerName != "" {
		cfg.Redis.ConsumerName = f.consumerName
	}
	if err := cfg.ValidateReceiver(); err != nil {
		return err
	}

	log := logger.Init("receiver", logger.ParseLevel(cfg.App.LogLevel))
	defer func() { _ = log.Sync() }()
	log.Info("starting",
		zap.String("stream", cfg.Redis.Stream),
		zap.String("group", cfg.Redis.ConsumerGroup),
		zap.String("consumer", cfg.Redis.ConsumerName),
		zap.String("store", cfg.Store.Driver),
		zap.Duration("flush_interval", cfg.Receiver.FlushInterval))

	// ---- Durable store ----
	persister, err := openStore(ctx, cfg.Store, log)
	if err != nil {
		log.Error("durable store unavailable", zap.Error(err))
		return err
	}

	// ---- Redis ----
	client, err := redisstore.NewClient(redisstore.ClientConfig{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		persister.Close()
		log.Error("redis unavailable", zap.Error(err))
		return err
	}
	defer client.Close()

	consumer := redisstore.NewConsumer(client, redisstore.ConsumerConfig{
		Stream:       cfg.Redis.Stream,
		Group:        cfg.Redis.ConsumerGroup,
		Consumer:     cfg.Redis.ConsumerName,
		Count:        cfg.Receiver.BatchSize,
		Block:        cfg.Receiver.Block,
		DeadMaxLen:   cfg.Redis.StreamMaxLen,
		ClaimMinIdle: cfg.Receiver.ClaimMinIdle,
	}, log)
	live := redisstore.NewLiveStore(client, cfg.Redis.KeyTTL)

	// ---- Metrics & health ----
	reg := metrics.NewRegistry()
	prom := metrics.NewReceiverMetrics(reg)
	health := metrics.NewHealthStatus()
	health.AddProbe("redis", consumer.Ping)
	health.AddProbe("store", persister.Ping)

	rcv := receiver.New(receiver.Config{
		FlushInterval:  cfg.Receiver.FlushInterval,
		ReconnectDelay: cfg.Receiver.ReconnectDelay,
		RetryDelay:     cfg.Receiver.RetryDelay,
		PoisonPolicy:   receiver.PoisonPolicy(cfg.Receiver.PoisonPolicy),
	}, consumer, live, persister, log)
	prom.Attach(rcv)
	health.AddDetail("receiver", func() any { return rcv.Stats() })

	srv := metrics.NewServer(cfg.App.MetricsAddr, reg, health, log)
	srv.Start()
	health.StartLivenessChecker(ctx, 10*time.Second)

	// ---- Run until signalled; Run performs the final flush ----
	runErr := rcv.Run(ctx)

	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	srv.Stop(sctx)
	cancel()
	if err := persister.Close(); err != nil {
		log.Warn("store close", zap.Error(err))
	}

	st := rcv.Stats()
	log.Info("shutdown complete",
		zap.Int64("ticks_processed", st.TicksProcessed),
		zap.Int("buffer_pending", st.BufferPending),
		zap.Int64("dead_lettered", st.DeadLettered))
	if runErr != nil {
		return fmt.Errorf("receiver: %w", runErr)
	}
	return nil
}

func openStore(ctx context.Context, cfg config.StoreConfig, log *zap.Logger) (model.TickPersister, error) {
	if cfg.Driver == "postgres" {
		w, err := postgres.New(ctx, cfg.PostgresDSN, log)
		if err != nil {
			return nil, err
		}
		return w, nil
	}
	w, err := sqlite.New(sqlite.WriterConfig{DBPath: cfg.SQLitePath}, log)
	if err != nil {
		return nil, err
	}
	return w, nil
}
