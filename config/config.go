// Package config loads service configuration from the environment (and an
// optional .env file).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	App         AppConfig         `envPrefix:"APP_"`
	Angel       AngelConfig       `envPrefix:"ANGEL_"`
	Redis       RedisConfig       `envPrefix:"REDIS_"`
	Connector   ConnectorConfig   `envPrefix:"CONNECTOR_"`
	Receiver    ReceiverConfig    `envPrefix:"RECEIVER_"`
	Store       StoreConfig       `envPrefix:"STORE_"`
	Instruments InstrumentsConfig `envPrefix:"INSTRUMENTS_"`
	Telegram    TelegramConfig    `envPrefix:"TELEGRAM_"`
	Webhook     WebhookConfig     `envPrefix:"WEBHOOK_"`
}

// AppConfig holds process-wide settings.
type AppConfig struct {
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`
}

// AngelConfig holds broker credentials. Only the connector needs them.
type AngelConfig struct {
	APIKey     string `env:"API_KEY" validate:"required"`
	ClientCode string `env:"CLIENT_CODE" validate:"required"`
	Password   string `env:"PASSWORD" validate:"required"`
	TOTPSecret string `env:"TOTP_SECRET" validate:"required"`
	RootURL    string `env:"ROOT_URL"`
}

// RedisConfig covers the durable stream and the fast-lookup keys.
type RedisConfig struct {
	Addr          string        `env:"ADDR" envDefault:"localhost:6379" validate:"required,hostname_port"`
	Password      string        `env:"PASSWORD"`
	DB            int           `env:"DB" envDefault:"0" validate:"gte=0"`
	Stream        string        `env:"STREAM" envDefault:"ticks:raw" validate:"required"`
	StreamMaxLen  int64         `env:"STREAM_MAXLEN" envDefault:"500000" validate:"gt=0"`
	ConsumerGroup string        `env:"CONSUMER_GROUP" envDefault:"tick_processors" validate:"required"`
	ConsumerName  string        `env:"CONSUMER_NAME" envDefault:"receiver_1" validate:"required"`
	KeyTTL        time.Duration `env:"KEY_TTL" envDefault:"24h" validate:"gt=0"`
}

// ConnectorConfig tunes the feed side.
type ConnectorConfig struct {
	NumSockets          int           `env:"NUM_SOCKETS" envDefault:"3" validate:"gte=1"`
	Mode                string        `env:"MODE" envDefault:"full" validate:"oneof=ltp quote full"`
	FeedURL             string        `env:"FEED_URL"`
	ReconnectMaxRetries int           `env:"RECONNECT_MAX_RETRIES" envDefault:"50" validate:"gte=0"`
	ReconnectMaxDelay   time.Duration `env:"RECONNECT_MAX_DELAY" envDefault:"60s" validate:"gt=0"`
	StaggerDelay        time.Duration `env:"STAGGER_DELAY" envDefault:"1s"`
	ResetPause          time.Duration `env:"RESET_PAUSE" envDefault:"2s"`
	PublishTimeout      time.Duration `env:"PUBLISH_TIMEOUT" envDefault:"2s" validate:"gt=0"`
	PublishBatchSize    int           `env:"PUBLISH_BATCH_SIZE" envDefault:"200" validate:"gt=0"`
	PublishFlushDelay   time.Duration `env:"PUBLISH_FLUSH_DELAY" envDefault:"50ms" validate:"gt=0"`
	QueueSize           int           `env:"QUEUE_SIZE" envDefault:"10000" validate:"gt=0"`
	StatusInterval      time.Duration `env:"STATUS_INTERVAL" envDefault:"60s" validate:"gt=0"`
	NotifyInterval      time.Duration `env:"NOTIFY_INTERVAL" envDefault:"1h" validate:"gt=0"`
	StallThreshold      time.Duration `env:"STALL_THRESHOLD" envDefault:"2m" validate:"gt=0"`
	MaxResets           int           `env:"MAX_RESETS" envDefault:"5" validate:"gte=0"`
	LoginTime           string        `env:"LOGIN_TIME" envDefault:"09:00" validate:"datetime=15:04"`
	CloseGrace          time.Duration `env:"CLOSE_GRACE" envDefault:"5m"`
	Symbols             []string      `env:"SYMBOLS" envSeparator:"," envDefault:"NIFTY"`
}

// ReceiverConfig tunes the stream consumer and flush loop.
type ReceiverConfig struct {
	BatchSize      int64         `env:"BATCH_SIZE" envDefault:"100" validate:"gt=0"`
	Block          time.Duration `env:"BLOCK" envDefault:"1s" validate:"gt=0"`
	FlushInterval  time.Duration `env:"FLUSH_INTERVAL" envDefault:"300s" validate:"gt=0"`
	ReconnectDelay time.Duration `env:"RECONNECT_DELAY" envDefault:"2s"`
	RetryDelay     time.Duration `env:"RETRY_DELAY" envDefault:"5s"`
	PoisonPolicy   string        `env:"POISON_POLICY" envDefault:"deadletter" validate:"oneof=deadletter ack"`
	ClaimMinIdle   time.Duration `env:"CLAIM_MIN_IDLE" envDefault:"5m"`
}

// StoreConfig selects the durable store.
type StoreConfig struct {
	Driver      string `env:"DRIVER" envDefault:"sqlite" validate:"oneof=sqlite postgres"`
	SQLitePath  string `env:"SQLITE_PATH" envDefault:"data/ticks.db"`
	PostgresDSN string `env:"POSTGRES_DSN" validate:"required_if=Driver postgres"`
}

// InstrumentsConfig drives universe selection from the scrip master.
type InstrumentsConfig struct {
	ScripMaster       string   `env:"SCRIP_MASTER" envDefault:"https://margincalculator.angelbroking.com/OpenAPI_File/files/OpenAPIScripMaster.json"`
	Exchange          string   `env:"EXCHANGE" envDefault:"NFO"`
	Kinds             []string `env:"KINDS" envSeparator:"," envDefault:"CE,PE,FUT" validate:"dive,oneof=CE PE FUT"`
	WeeklyExpiries    int      `env:"WEEKLY_EXPIRIES" envDefault:"2" validate:"gte=0"`
	MonthlyExpiries   int      `env:"MONTHLY_EXPIRIES" envDefault:"2" validate:"gte=0"`
	StrikeRangePct    float64  `env:"STRIKE_RANGE_PCT" envDefault:"0" validate:"gte=0"`
	IncludeUnderlying bool     `env:"INCLUDE_UNDERLYING" envDefault:"true"`
}

// TelegramConfig enables Telegram notifications when both fields are set.
type TelegramConfig struct {
	BotToken string `env:"BOT_TOKEN"`
	ChatID   string `env:"CHAT_ID"`
}

// WebhookConfig enables webhook notifications when URL is set.
type WebhookConfig struct {
	URL string `env:"URL" validate:"omitempty,url"`
}

var validate = validator.New()

// Load reads envFile (if present, else .env) and the environment.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	} else {
		_ = godotenv.Load()
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	for i, s := range cfg.Connector.Symbols {
		cfg.Connector.Symbols[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	return cfg, nil
}

// ValidateReceiver checks everything the receiver reads.
func (c *Config) ValidateReceiver() error {
	return validateAll(c.App, c.Redis, c.Receiver, c.Store)
}

// ValidateConnector checks everything the connector reads, credentials included.
func (c *Config) ValidateConnector() error {
	return validateAll(c.App, c.Angel, c.Redis, c.Connector, c.Instruments)
}

func validateAll(sections ...any) error {
	for _, s := range sections {
		if err := validate.Struct(s); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
	}
	return nil
}
