package main

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	retry "github.com/TimKotowski/pg-payment-retry"
)

const envPrefix = "RETRY"

// Config is read from RETRY_* environment variables, optionally seeded from a .env file.
type Config struct {
	DSN          string `envconfig:"DSN"`
	ProcessorURL string `envconfig:"PROCESSOR_URL" default:"http://localhost:8080/internal/payments/retry"`
	WebhookURL   string `envconfig:"WEBHOOK_URL"`
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:":9090"`

	PollInterval   time.Duration `envconfig:"POLL_INTERVAL" default:"15s"`
	FetchLimit     int           `envconfig:"FETCH_LIMIT" default:"100"`
	Workers        int           `envconfig:"WORKERS" default:"3"`
	LockTTL        time.Duration `envconfig:"LOCK_TTL" default:"2m"`
	ProcessTimeout time.Duration `envconfig:"PROCESS_TIMEOUT" default:"30s"`
	CancelWait     time.Duration `envconfig:"CANCEL_WAIT" default:"5s"`

	NotificationBuffer int           `envconfig:"NOTIFICATION_BUFFER" default:"256"`
	NotifyTimeout      time.Duration `envconfig:"NOTIFY_TIMEOUT" default:"5s"`

	MaintenanceDisabled bool   `envconfig:"MAINTENANCE_DISABLED" default:"false"`
	Debug               bool   `envconfig:"DEBUG" default:"false"`
	LogLevel            string `envconfig:"LOG_LEVEL" default:"info"`
}

func LoadConfig() (Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "failed to process env config")
	}
	return cfg, nil
}

func (c Config) RetryConfig(logger *slog.Logger) *retry.Config {
	opts := []retry.ConfigFunc{
		retry.WithDSN(c.DSN),
		retry.WithPollInterval(c.PollInterval),
		retry.WithFetchLimit(c.FetchLimit),
		retry.WithWorkers(c.Workers),
		retry.WithLockTTL(c.LockTTL),
		retry.WithProcessTimeout(c.ProcessTimeout),
		retry.WithCancelWait(c.CancelWait),
		retry.WithNotificationBuffer(c.NotificationBuffer),
		retry.WithNotifyTimeout(c.NotifyTimeout),
		retry.WithDebug(c.Debug),
		retry.WithLogger(logger),
	}
	if c.MaintenanceDisabled {
		opts = append(opts, retry.WithoutMaintenance())
	}
	return retry.NewConfig(opts...)
}

func NewLogger(cfg Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}
