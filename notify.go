package retry

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

type EventType = string

const (
	EventQueued     EventType = "retry_queued"
	EventAttempting EventType = "retry_attempting"
	EventScheduled  EventType = "retry_scheduled"
	EventSuccess    EventType = "retry_success"
	EventExhausted  EventType = "retry_exhausted"
	EventCancelled  EventType = "retry_cancelled"
)

type Event struct {
	Type          EventType `json:"type"`
	JobID         string    `json:"jobId"`
	TransactionID string    `json:"transactionId"`
	UserID        string    `json:"userId"`
	AttemptCount  int       `json:"attemptCount"`
	MaxAttempts   int       `json:"maxAttempts"`
	ErrorCode     ErrorCode `json:"errorCode,omitempty"`
	NextRetryAt   time.Time `json:"nextRetryAt,omitzero"`
	OccurredAt    time.Time `json:"occurredAt"`
}

func newEvent(typ EventType, job RetryJob, now time.Time) Event {
	e := Event{
		Type:          typ,
		JobID:         job.ID,
		TransactionID: job.TransactionID,
		UserID:        job.UserID,
		AttemptCount:  job.AttemptCount,
		MaxAttempts:   job.MaxAttempts,
		ErrorCode:     job.ErrorCode,
		OccurredAt:    now,
	}
	if typ == EventQueued || typ == EventScheduled {
		e.NextRetryAt = job.NextRetryAt
	}
	return e
}

// Notifier delivers an event to a user. Errors are logged and never retried.
type Notifier interface {
	Notify(ctx context.Context, userID string, event Event) error
}

type NotifierFunc func(ctx context.Context, userID string, event Event) error

func (f NotifierFunc) Notify(ctx context.Context, userID string, event Event) error {
	return f(ctx, userID, event)
}

// Emitter decouples event delivery from payment state changes. Emit never
// blocks the caller; Run delivers queued events to notifiers and subscribers.
type Emitter struct {
	events        chan Event
	logger        *slog.Logger
	notifyTimeout time.Duration

	mu          sync.RWMutex
	notifiers   []Notifier
	subscribers []chan Event
	stopped     bool
}

func NewEmitter(conf *Config) *Emitter {
	return &Emitter{
		events:        make(chan Event, conf.NotificationBuffer),
		logger:        conf.Logger,
		notifyTimeout: conf.NotifyTimeout,
	}
}

func (e *Emitter) Register(n Notifier) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.notifiers = append(e.notifiers, n)
}

// Subscribe returns a channel receiving every event emitted after the call.
// A subscriber that falls behind by more than buffer events misses events.
// The channel is closed when Run returns.
func (e *Emitter) Subscribe(buffer int) <-chan Event {
	ch := make(chan Event, buffer)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		close(ch)
		return ch
	}
	e.subscribers = append(e.subscribers, ch)
	return ch
}

// Emit queues an event. A full queue drops the event.
func (e *Emitter) Emit(event Event) {
	select {
	case e.events <- event:
	default:
		EventsDropped.Inc()
		e.logger.Warn("notification queue full, dropping event",
			"type", event.Type, "transaction_id", event.TransactionID)
	}
}

// Run delivers events until ctx is done, then flushes what is already queued.
func (e *Emitter) Run(ctx context.Context) {
	defer e.stop()

	for {
		select {
		case <-ctx.Done():
			e.flush()
			return
		case event := <-e.events:
			e.deliver(event)
		}
	}
}

func (e *Emitter) flush() {
	for {
		select {
		case event := <-e.events:
			e.deliver(event)
		default:
			return
		}
	}
}

func (e *Emitter) stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = true
	for _, ch := range e.subscribers {
		close(ch)
	}
	e.subscribers = nil
}

func (e *Emitter) deliver(event Event) {
	e.mu.RLock()
	notifiers := append([]Notifier(nil), e.notifiers...)
	for _, ch := range e.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
	e.mu.RUnlock()

	for _, n := range notifiers {
		if err := e.notify(n, event); err != nil {
			NotifyFailures.Inc()
			e.logger.Error("notifying user about retry event",
				"type", event.Type, "transaction_id", event.TransactionID, "user_id", event.UserID, "error", err)
		}
	}
}

func (e *Emitter) notify(n Notifier, event Event) (err error) {
	ctx := context.Background()
	if e.notifyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.notifyTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("notifier panicked: %v", r)
		}
	}()
	return n.Notify(ctx, event.UserID, event)
}

var (
	_ Notifier = &LogNotifier{}
	_ Notifier = &WebhookNotifier{}
)

// LogNotifier writes every event to a structured logger.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) Notify(ctx context.Context, userID string, event Event) error {
	l.logger.InfoContext(ctx, "retry event",
		"type", event.Type,
		"user_id", userID,
		"transaction_id", event.TransactionID,
		"job_id", event.JobID,
		"attempt", event.AttemptCount,
		"max_attempts", event.MaxAttempts,
		"error_code", event.ErrorCode,
	)
	return nil
}

// WebhookNotifier posts events as JSON to a URL.
type WebhookNotifier struct {
	httpClient *http.Client
	url        string
}

func NewWebhookNotifier(url string, httpClient *http.Client) *WebhookNotifier {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &WebhookNotifier{httpClient: httpClient, url: url}
}

type webhookPayload struct {
	UserID string `json:"userId"`
	Event  Event  `json:"event"`
}

func (w *WebhookNotifier) Notify(ctx context.Context, userID string, event Event) error {
	body, err := json.Marshal(webhookPayload{UserID: userID, Event: event})
	if err != nil {
		return errors.Wrap(err, "encoding webhook payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "building webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "posting webhook")
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.Newf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
