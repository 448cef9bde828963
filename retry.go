package retry

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"
	"github.com/uptrace/bun"

	"github.com/TimKotowski/pg-payment-retry/migrations"
)

const (
	uninitialized = iota
	running
	closed
)

// How often CancelRetry re-tries the transaction lock while an attempt holds it.
const cancelPollInterval = 100 * time.Millisecond

// Retrier is the entry point for the application: it queues failed payments
// for retry, answers status queries and runs the scheduler in the background.
type Retrier struct {
	conf        *Config
	store       Store
	fallback    *FallbackStore
	db          *bun.DB
	emitter     *Emitter
	scheduler   *Scheduler
	maintenance *BackgroundJobProcessor
	clock       clockwork.Clock
	logger      *slog.Logger

	state         atomic.Uint32
	cancel        context.CancelFunc
	cancelEmitter context.CancelFunc
	wg            sync.WaitGroup
	emitterDone   chan struct{}
}

// New builds a Retrier on top of an existing store.
func New(conf *Config, store Store, processor PaymentProcessor, clock clockwork.Clock) (*Retrier, error) {
	if err := conf.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid retry config")
	}
	if processor == nil {
		return nil, errors.New("payment processor cant be nil")
	}

	emitter := NewEmitter(conf)
	return &Retrier{
		conf:        conf,
		store:       store,
		emitter:     emitter,
		scheduler:   NewScheduler(conf, store, processor, emitter, clock),
		maintenance: NewBackgroundJobProcessor(conf, store, clock),
		clock:       clock,
		logger:      conf.Logger,
	}, nil
}

// NewFromConfig uses Postgres behind an in-memory fallback when a DSN is
// configured, and memory only otherwise.
func NewFromConfig(conf *Config, processor PaymentProcessor) (*Retrier, error) {
	clock := clockwork.NewRealClock()
	if conf.DSN == "" {
		return New(conf, NewMemoryStore(clock), processor, clock)
	}

	db, err := GetDBConnection(conf)
	if err != nil {
		return nil, err
	}
	store := NewFallbackStore(NewPostgresStore(db), NewMemoryStore(clock), conf, clock)

	r, err := New(conf, store, processor, clock)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	r.db = db
	r.fallback = store
	return r, nil
}

// Init migrates the schema when running on Postgres and starts the scheduler,
// event delivery and maintenance jobs. It can only be called once.
func (r *Retrier) Init(ctx context.Context) error {
	if !r.state.CompareAndSwap(uninitialized, running) {
		return ErrAlreadyInitialized
	}

	if r.db != nil {
		if _, err := migrations.Migrate(ctx, r.db, r.logger); err != nil {
			r.state.Store(uninitialized)
			return err
		}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.cancel = cancel
	emitCtx, cancelEmitter := context.WithCancel(context.WithoutCancel(ctx))
	r.cancelEmitter = cancelEmitter

	r.emitterDone = make(chan struct{})
	go func() {
		defer close(r.emitterDone)
		r.emitter.Run(emitCtx)
	}()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.scheduler.Run(runCtx)
	}()

	if !r.conf.MaintenanceDisabled {
		r.maintenance.SetUp()
		if r.fallback != nil {
			r.maintenance.Register(newResyncJob(r.conf, r.fallback))
		}
		r.maintenance.Start(runCtx)
	}

	r.logger.Info("payment retrier started", "scheduler_id", r.scheduler.ID(), "workers", r.conf.Workers)
	return nil
}

// Close stops background work, waits for in-flight attempts and closes the database.
func (r *Retrier) Close() error {
	prev := r.state.Swap(closed)
	if prev == running {
		r.cancel()
		r.maintenance.Close()
		r.wg.Wait()

		// Events from the last attempts are delivered before the emitter stops.
		r.cancelEmitter()
		<-r.emitterDone
	}
	if prev != closed && r.db != nil {
		return r.db.Close()
	}
	return nil
}

// QueueRetry registers a failed payment for retry. It returns false when the
// error code is not retryable. Calling it again for a transaction that already
// has an active job leaves that job's attempts and schedule untouched.
func (r *Retrier) QueueRetry(ctx context.Context, transactionID string, failure Failure, payment Payment) (bool, error) {
	if transactionID == "" {
		return false, errors.Wrap(ErrInvalidPayment, "transaction id cant be empty")
	}
	if err := payment.validate(); err != nil {
		return false, err
	}

	policy := r.conf.Strategies.Classify(failure.Code)
	if !policy.ShouldRetry {
		RetriesRejected.WithLabelValues(string(failure.Code)).Inc()
		r.logger.Info("payment failure not retryable", "transaction_id", transactionID, "error_code", failure.Code)
		return false, nil
	}

	// A second pass covers a job that finished between the insert and the read.
	for range 2 {
		job := newRetryJob(transactionID, failure, payment, policy, r.clock.Now())
		inserted, err := r.store.Insert(ctx, job)
		if err != nil {
			return false, storeErr(err, "queueing retry for %s", transactionID)
		}
		if inserted {
			RetriesQueued.WithLabelValues(string(failure.Code)).Inc()
			r.logger.Info("payment retry queued",
				"transaction_id", transactionID, "job_id", job.ID, "error_code", failure.Code, "next_retry_at", job.NextRetryAt)
			r.emitter.Emit(newEvent(EventQueued, job, job.CreatedAt))
			return true, nil
		}

		existing, err := r.store.Get(ctx, transactionID)
		if errors.Is(err, ErrJobNotFound) {
			continue
		}
		if err != nil {
			return false, storeErr(err, "loading retry job for %s", transactionID)
		}
		if existing.Fingerprint != job.Fingerprint {
			r.refresh(ctx, job)
		}
		return true, nil
	}
	return true, nil
}

// refresh copies new failure details onto the active job when no attempt is
// running. A running attempt records its own failure details anyway.
func (r *Retrier) refresh(ctx context.Context, update RetryJob) {
	owner, ok, err := r.store.AcquireLock(ctx, update.TransactionID, r.conf.LockTTL)
	if err != nil || !ok {
		return
	}
	defer func() {
		_ = r.store.ReleaseLock(context.WithoutCancel(ctx), update.TransactionID, owner)
	}()

	current, err := r.store.Get(ctx, update.TransactionID)
	if err != nil {
		return
	}
	current.ErrorCode = update.ErrorCode
	current.ErrorMessage = update.ErrorMessage
	current.Metadata = update.Metadata
	current.Fingerprint = update.Fingerprint
	current.UpdatedAt = update.UpdatedAt
	if err := r.store.Put(ctx, current); err != nil {
		r.logger.Warn("refreshing retry job failure details", "transaction_id", update.TransactionID, "error", err)
	}
}

// GetStatus returns the active job for a transaction, if any.
func (r *Retrier) GetStatus(ctx context.Context, transactionID string) (RetryJob, bool, error) {
	job, err := r.store.Get(ctx, transactionID)
	if errors.Is(err, ErrJobNotFound) {
		return RetryJob{}, false, nil
	}
	if err != nil {
		return RetryJob{}, false, storeErr(err, "loading retry job for %s", transactionID)
	}
	return job, true, nil
}

// CancelRetry removes the active job for a transaction and reports whether one
// existed. While a scheduler is attempting the payment the cancellation waits
// up to CancelWait and then fails with ErrAttemptInFlight.
func (r *Retrier) CancelRetry(ctx context.Context, transactionID string) (bool, error) {
	deadline := r.clock.Now().Add(r.conf.CancelWait)

	var owner string
	for {
		o, ok, err := r.store.AcquireLock(ctx, transactionID, r.conf.LockTTL)
		if err != nil {
			return false, storeErr(err, "locking transaction %s", transactionID)
		}
		if ok {
			owner = o
			break
		}
		if !r.clock.Now().Before(deadline) {
			return false, errors.Wrapf(ErrAttemptInFlight, "transaction %s", transactionID)
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-r.clock.After(cancelPollInterval):
		}
	}
	defer func() {
		_ = r.store.ReleaseLock(context.WithoutCancel(ctx), transactionID, owner)
	}()

	job, err := r.store.Get(ctx, transactionID)
	if errors.Is(err, ErrJobNotFound) {
		return false, nil
	}
	if err != nil {
		return false, storeErr(err, "loading retry job for %s", transactionID)
	}

	removed, err := r.store.Delete(ctx, transactionID)
	if err != nil {
		return false, storeErr(err, "cancelling retry for %s", transactionID)
	}
	if removed {
		RetriesCancelled.Inc()
		r.logger.Info("payment retry cancelled", "transaction_id", transactionID, "job_id", job.ID)
		r.emitter.Emit(newEvent(EventCancelled, job, r.clock.Now()))
	}
	return removed, nil
}

// ListForUser returns the user's active jobs, oldest first.
func (r *Retrier) ListForUser(ctx context.Context, userID string) ([]RetryJob, error) {
	jobs, err := r.store.ListByUser(ctx, userID)
	if err != nil {
		return nil, storeErr(err, "listing retry jobs for user %s", userID)
	}
	return jobs, nil
}

// RunCycle runs a single scheduler cycle in the caller's goroutine.
func (r *Retrier) RunCycle(ctx context.Context) (CycleStats, error) {
	return r.scheduler.RunCycle(ctx)
}

func (r *Retrier) Subscribe(buffer int) <-chan Event {
	return r.emitter.Subscribe(buffer)
}

func (r *Retrier) RegisterNotifier(n Notifier) {
	r.emitter.Register(n)
}

// storeErr tags any store failure as ErrStoreUnavailable for callers.
func storeErr(err error, format string, args ...any) error {
	return errors.Mark(errors.Wrapf(err, format, args...), ErrStoreUnavailable)
}
