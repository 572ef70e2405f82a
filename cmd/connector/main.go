// Command connector logs in to SmartAPI every trading day, streams ticks for
// the selected instruments over up to three websockets and appends them to
// the Redis tick stream.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tickstream/config"
	"tickstream/internal/feed"
	"tickstream/internal/instruments"
	"tickstream/internal/logger"
	"tickstream/internal/metrics"
	"tickstream/internal/model"
	"tickstream/internal/notification"
	"tickstream/internal/session"
	redisstore "tickstream/internal/store/redis"
	"tickstream/pkg/smartconnect"
)

type flags struct {
	envFile  string
	logLevel string
	symbols  []string
	loginNow bool
}

func main() {
	var f flags
	cmd := &cobra.Command{
		Use:   "connector",
		Short: "Stream live ticks from SmartAPI into Redis",
		Long: `Connector waits for the configured login time on each trading day, logs in
with a fresh TOTP, resolves the option universe for the configured underlyings
and streams ticks over up to three websockets into the Redis tick stream.
It stops shortly after market close and waits for the next trading day.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), f)
		},
	}
	cmd.Flags().StringVar(&f.envFile, "env-file", "", "path to a .env file (default: ./.env when present)")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "", "override APP_LOG_LEVEL")
	cmd.Flags().StringSliceVar(&f.symbols, "symbol", nil, "underlying to subscribe (repeatable), overrides CONNECTOR_SYMBOLS")
	cmd.Flags().BoolVar(&f.loginNow, "login-now", false, "log in immediately and run a single session")

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
	if len(f.symbols) > 0 {
		cfg.Connector.Symbols = cfg.Connector.Symbols[:0]
		for _, s := range f.symbols {
			cfg.Connector.Symbols = append(cfg.Connector.Symbols, strings.ToUpper(strings.TrimSpace(s)))
		}
	}
	if err := cfg.ValidateConnector(); err != nil {
		return err
	}

	log := logger.Init("connector", logger.ParseLevel(cfg.App.LogLevel))
	defer func() { _ = log.Sync() }()
	log.Info("starting",
		zap.Strings("symbols", cfg.Connector.Symbols),
		zap.Int("sockets", cfg.Connector.NumSockets),
		zap.String("mode", cfg.Connector.Mode),
		zap.Bool("login_now", f.loginNow))

	// ---- Metrics & health ----
	reg := metrics.NewRegistry()
	prom := metrics.NewConnectorMetrics(reg)
	health := metrics.NewHealthStatus()
	srv := metrics.NewServer(cfg.App.MetricsAddr, reg, health, log)
	srv.Start()
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Stop(sctx)
	}()

	// ---- Redis stream publisher ----
	client, err := redisstore.NewClient(redisstore.ClientConfig{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		log.Error("redis unavailable", zap.Error(err))
		return err
	}
	pub := redisstore.NewPublisher(client, redisstore.PublisherConfig{
		Stream:  cfg.Redis.Stream,
		MaxLen:  cfg.Redis.StreamMaxLen,
		Timeout: cfg.Connector.PublishTimeout,
	}, log)
	defer pub.Close()
	pub.OnPublish = prom.ObservePublish
	pub.OnError = prom.ObservePublishError
	health.AddProbe("redis", pub.Ping)
	health.AddDetail("stream", func() any {
		ictx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		info, err := pub.StreamInfo(ictx)
		if err != nil {
			return map[string]string{"error": err.Error()}
		}
		return info
	})
	health.StartLivenessChecker(ctx, 10*time.Second)

	// ---- Broker session & instruments ----
	auth := session.NewAuthenticator(session.Credentials{
		APIKey:     cfg.Angel.APIKey,
		ClientCode: cfg.Angel.ClientCode,
		Password:   cfg.Angel.Password,
		TOTPSecret: cfg.Angel.TOTPSecret,
		RootURL:    cfg.Angel.RootURL,
	}, log)

	kinds := make([]model.InstrumentKind, 0, len(cfg.Instruments.Kinds))
	for _, k := range cfg.Instruments.Kinds {
		kinds = append(kinds, model.InstrumentKind(k))
	}
	selector := instruments.NewSelector(instruments.SelectionConfig{
		Exchange:          cfg.Instruments.Exchange,
		Kinds:             kinds,
		WeeklyExpiries:    cfg.Instruments.WeeklyExpiries,
		MonthlyExpiries:   cfg.Instruments.MonthlyExpiries,
		StrikeRangePct:    cfg.Instruments.StrikeRangePct,
		IncludeUnderlying: cfg.Instruments.IncludeUnderlying,
	}, auth.SpotPrice, log)

	scripClient := &http.Client{Timeout: 2 * time.Minute}
	loadScrips := func(ctx context.Context) ([]instruments.ScripRecord, error) {
		return instruments.LoadScripMaster(ctx, cfg.Instruments.ScripMaster, scripClient)
	}

	dialerFor := func(sess *smartconnect.Session, meta model.TokenMap) feed.Dialer {
		return feed.NewSmartDialer(feed.SmartSocketConfig{
			AuthToken:     sess.JWTToken,
			APIKey:        cfg.Angel.APIKey,
			ClientCode:    sess.ClientCode,
			FeedToken:     sess.FeedToken,
			URL:           cfg.Connector.FeedURL,
			MaxRetries:    cfg.Connector.ReconnectMaxRetries,
			MaxRetryDelay: cfg.Connector.ReconnectMaxDelay,
			Logger:        log,
		}, meta)
	}

	notifier := notification.New(notification.Config{
		TelegramBotToken: cfg.Telegram.BotToken,
		TelegramChatID:   cfg.Telegram.ChatID,
		WebhookURL:       cfg.Webhook.URL,
	}, log)

	// ---- Session loop ----
	app := session.New(session.Config{
		Symbols:        cfg.Connector.Symbols,
		NumSockets:     cfg.Connector.NumSockets,
		ConsumerGroup:  cfg.Redis.ConsumerGroup,
		LoginTime:      cfg.Connector.LoginTime,
		LoginNow:       f.loginNow,
		CloseGrace:     cfg.Connector.CloseGrace,
		StatusInterval: cfg.Connector.StatusInterval,
		NotifyInterval: cfg.Connector.NotifyInterval,
		StallThreshold: cfg.Connector.StallThreshold,
		MaxResets:      cfg.Connector.MaxResets,
		Coordinator: feed.CoordinatorConfig{
			Connection: feed.ConnectionConfig{
				Mode:       model.ParseMode(cfg.Connector.Mode),
				QueueSize:  cfg.Connector.QueueSize,
				BatchSize:  cfg.Connector.PublishBatchSize,
				FlushDelay: cfg.Connector.PublishFlushDelay,
			},
			StaggerDelay: cfg.Connector.StaggerDelay,
			ResetPause:   cfg.Connector.ResetPause,
		},
	}, session.Deps{
		Auth:       auth,
		LoadScrips: loadScrips,
		Selector:   selector,
		Publisher:  pub,
		DialerFor:  dialerFor,
		Notifier:   notifier,
		Metrics:    prom,
		Health:     health,
		Log:        log,
	})

	if err := app.Run(ctx); err != nil {
		log.Error("connector stopped with error", zap.Error(err))
		return fmt.Errorf("connector: %w", err)
	}
	log.Info("shutdown complete",
		zap.Int64("published", pub.Published()),
		zap.Int64("publish_failed", pub.Failed()))
	return nil
}
