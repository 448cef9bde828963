package retry

import (
	"crypto/tls"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
)

type Config struct {
	/////////////////////
	// SCHEDULER SECTION //
	/////////////////////

	// Interval rate for polling due retry jobs.
	PollInterval time.Duration

	// Limit for fetching due retry jobs per cycle.
	FetchLimit int

	// Number of due jobs processed concurrently within one cycle.
	// Distinct transactions run in parallel, the same transaction never does.
	Workers int

	// Expiry of the per-transaction lock. Must stay comfortably above ProcessTimeout,
	// otherwise a slow payment call could outlive its lock and a second worker could
	// start the same attempt. Validate enforces LockTTL >= 2 * ProcessTimeout.
	// Postgres locks expire on the database clock; in-memory locks on the local one.
	LockTTL time.Duration

	// Upper bound for a single payment processor call.
	ProcessTimeout time.Duration

	// How long CancelRetry waits for an in-flight attempt to release its lock
	// before rejecting the cancellation.
	CancelWait time.Duration

	// Error code to retry policy table. Jobs copy their policy at enqueue time.
	Strategies StrategyTable

	////////////////////////
	// NOTIFICATION SECTION //
	////////////////////////

	// Capacity of the outbound event queue. Events are dropped when it is full.
	NotificationBuffer int

	// Upper bound for one notifier call.
	NotifyTimeout time.Duration

	///////////////////
	// STORE SECTION //
	///////////////////

	// Consecutive primary store failures before reads and writes go straight to the fallback.
	BreakerThreshold int

	// Time the primary store is skipped once the breaker trips.
	BreakerReset time.Duration

	// Cron schedules for maintenance jobs.
	LockSweepSchedule   string
	ResyncSchedule      string
	QueueGaugeSchedule  string
	MaintenanceDisabled bool

	/////////////////////
	// GENERAL SECTION //
	/////////////////////

	// Postgres connection string. Empty means in-memory only.
	DSN string

	TLSConfig *tls.Config

	// Logs every SQL query.
	Debug bool

	Logger *slog.Logger
}

type ConfigFunc func(c *Config)

func NewConfig(opts ...ConfigFunc) *Config {
	c := &Config{
		PollInterval:       time.Duration(15) * time.Second,
		FetchLimit:         100,
		Workers:            3,
		LockTTL:            time.Duration(2) * time.Minute,
		ProcessTimeout:     time.Duration(30) * time.Second,
		CancelWait:         time.Duration(5) * time.Second,
		Strategies:         DefaultStrategies(),
		NotificationBuffer: 256,
		NotifyTimeout:      time.Duration(5) * time.Second,
		BreakerThreshold:   3,
		BreakerReset:       time.Duration(30) * time.Second,
		LockSweepSchedule:  "*/5 * * * *",
		ResyncSchedule:     "* * * * *",
		QueueGaugeSchedule: "* * * * *",
		Logger:             slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

func (c *Config) Validate() error {
	if c.PollInterval <= 0 {
		return errors.New("poll interval must be positive")
	}
	if c.FetchLimit <= 0 {
		return errors.New("fetch limit must be positive")
	}
	if c.Workers <= 0 {
		return errors.New("workers must be positive")
	}
	if c.ProcessTimeout <= 0 {
		return errors.New("process timeout must be positive")
	}
	if c.LockTTL < 2*c.ProcessTimeout {
		return errors.Newf("lock ttl %s must be at least twice the process timeout %s", c.LockTTL, c.ProcessTimeout)
	}
	if c.NotificationBuffer <= 0 {
		return errors.New("notification buffer must be positive")
	}
	if c.Strategies == nil {
		return errors.New("strategy table cant be nil")
	}
	return c.Strategies.Validate()
}

func WithPollInterval(interval time.Duration) ConfigFunc {
	return func(c *Config) {
		c.PollInterval = interval
	}
}

func WithFetchLimit(limit int) ConfigFunc {
	return func(c *Config) {
		c.FetchLimit = limit
	}
}

func WithWorkers(workers int) ConfigFunc {
	return func(c *Config) {
		c.Workers = workers
	}
}

func WithLockTTL(ttl time.Duration) ConfigFunc {
	return func(c *Config) {
		c.LockTTL = ttl
	}
}

func WithProcessTimeout(timeout time.Duration) ConfigFunc {
	return func(c *Config) {
		c.ProcessTimeout = timeout
	}
}

func WithCancelWait(wait time.Duration) ConfigFunc {
	return func(c *Config) {
		c.CancelWait = wait
	}
}

func WithStrategies(table StrategyTable) ConfigFunc {
	return func(c *Config) {
		c.Strategies = table
	}
}

func WithNotificationBuffer(size int) ConfigFunc {
	return func(c *Config) {
		c.NotificationBuffer = size
	}
}

func WithNotifyTimeout(timeout time.Duration) ConfigFunc {
	return func(c *Config) {
		c.NotifyTimeout = timeout
	}
}

func WithBreaker(threshold int, reset time.Duration) ConfigFunc {
	return func(c *Config) {
		c.BreakerThreshold = threshold
		c.BreakerReset = reset
	}
}

func WithMaintenanceSchedules(lockSweep, resync, queueGauge string) ConfigFunc {
	return func(c *Config) {
		c.LockSweepSchedule = lockSweep
		c.ResyncSchedule = resync
		c.QueueGaugeSchedule = queueGauge
	}
}

func WithoutMaintenance() ConfigFunc {
	return func(c *Config) {
		c.MaintenanceDisabled = true
	}
}

func WithDSN(dsn string) ConfigFunc {
	return func(c *Config) {
		c.DSN = dsn
	}
}

func WithTLSConfig(tlsConfig *tls.Config) ConfigFunc {
	return func(c *Config) {
		c.TLSConfig = tlsConfig
	}
}

func WithDebug(debug bool) ConfigFunc {
	return func(c *Config) {
		c.Debug = debug
	}
}

func WithLogger(logger *slog.Logger) ConfigFunc {
	return func(c *Config) {
		c.Logger = logger
	}
}
