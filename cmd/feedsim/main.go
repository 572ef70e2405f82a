// Command feedsim serves simulated SmartAPI market data for staging. Point the
// connector at it with CONNECTOR_FEED_URL=ws://localhost:9001/smart-stream.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tickstream/internal/feedsim"
	"tickstream/internal/logger"
)

type simConfig struct {
	Addr        string        `env:"FEEDSIM_ADDR" envDefault:":9001"`
	Interval    time.Duration `env:"FEEDSIM_INTERVAL" envDefault:"200ms"`
	StartPrice  int64         `env:"FEEDSIM_START_PRICE" envDefault:"100000"`
	RequireAuth bool          `env:"FEEDSIM_REQUIRE_AUTH" envDefault:"false"`
	LogLevel    string        `env:"APP_LOG_LEVEL" envDefault:"info"`
}

func main() {
	var envFile, logLevel string
	cmd := &cobra.Command{
		Use:          "feedsim",
		Short:        "Serve simulated SmartAPI websocket ticks",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if envFile != "" {
				if err := godotenv.Load(envFile); err != nil {
					return fmt.Errorf("load env file %s: %w", envFile, err)
				}
			} else {
				_ = godotenv.Load()
			}
			var cfg simConfig
			if err := env.Parse(&cfg); err != nil {
				return fmt.Errorf("failed to parse config: %w", err)
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			return run(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&envFile, "env-file", "", "path to a .env file (default: ./.env when present)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "override APP_LOG_LEVEL")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := cmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg simConfig) error {
	log := logger.Init("feedsim", logger.ParseLevel(cfg.LogLevel))
	defer func() { _ = log.Sync() }()

	sim := feedsim.New(feedsim.Config{
		Interval:    cfg.Interval,
		StartPrice:  cfg.StartPrice,
		RequireAuth: cfg.RequireAuth,
		Logger:      log,
	})
	go sim.Run(ctx)

	mux := http.NewServeMux()
	mux.Handle("/smart-stream", sim)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		sent, dropped := sim.Stats()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","service":"feedsim","clients":%d,"sent":%d,"dropped":%d}`+"\n",
			sim.Clients(), sent, dropped)
	})
	srv := &http.Server{Addr: cfg.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", cfg.Addr), zap.Duration("interval", cfg.Interval))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			log.Error("server error", zap.Error(err))
			return err
		}
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Warn("shutdown", zap.Error(err))
	}
	sent, dropped := sim.Stats()
	log.Info("stopped", zap.Int64("frames_sent", sent), zap.Int64("frames_dropped", dropped))
	return nil
}
