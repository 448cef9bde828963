package retry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RetriesQueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_retry_queued_total",
		Help: "Retry jobs created, by error code",
	}, []string{"error_code"})

	RetriesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_retry_rejected_total",
		Help: "Failed payments not queued because their error code is not retryable",
	}, []string{"error_code"})

	RetryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_retry_attempts_total",
		Help: "Retry attempts by outcome",
	}, []string{"outcome"})

	RetriesExhausted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_retry_exhausted_total",
		Help: "Retry jobs that failed permanently, by last error code",
	}, []string{"error_code"})

	RetriesCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payment_retry_cancelled_total",
		Help: "Retry jobs cancelled by callers",
	})

	LockContention = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payment_retry_lock_contention_total",
		Help: "Lock acquisitions that found the transaction already locked",
	})

	StoreFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_retry_store_fallbacks_total",
		Help: "Store operations served by the in-memory fallback after a primary failure",
	}, []string{"operation"})

	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payment_retry_events_dropped_total",
		Help: "Notification events dropped because the event queue was full",
	})

	NotifyFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payment_retry_notify_failures_total",
		Help: "Notifier calls that returned an error or panicked",
	})

	RetryQueueSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "payment_retry_queue_size",
		Help: "Active retry jobs",
	})

	ProcessingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "payment_retry_processing_seconds",
		Help:    "Payment processor call duration during retries",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	})
)
