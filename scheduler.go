package retry

import (
	"context"
	"log/slog"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
)

// Scheduler polls the store for due jobs and re-attempts them. Any number of
// schedulers may share a store; the per-transaction lock keeps a transaction
// from being attempted twice at once.
type Scheduler struct {
	id        string
	conf      *Config
	store     Store
	processor PaymentProcessor
	emitter   *Emitter
	clock     clockwork.Clock
	logger    *slog.Logger
}

func NewScheduler(conf *Config, store Store, processor PaymentProcessor, emitter *Emitter, clock clockwork.Clock) *Scheduler {
	id := uuid.NewString()
	return &Scheduler{
		id:        id,
		conf:      conf,
		store:     store,
		processor: processor,
		emitter:   emitter,
		clock:     clock,
		logger:    conf.Logger.With("scheduler_id", id),
	}
}

func (s *Scheduler) ID() string {
	return s.id
}

// Run executes a cycle every PollInterval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.conf.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}

		stats, err := s.RunCycle(ctx)
		if err != nil {
			s.logger.Error("retry cycle failed", "error", err)
			continue
		}
		if stats.Due > 0 {
			s.logger.Info("retry cycle finished",
				"due", stats.Due,
				"succeeded", stats.Succeeded,
				"rescheduled", stats.Rescheduled,
				"exhausted", stats.Exhausted,
				"skipped", stats.Skipped,
				"failed", stats.Failed,
			)
		}
	}
}

// RunCycle processes one batch of due jobs and returns once every dispatched
// attempt has finished. Per job failures are counted in CycleStats.Failed,
// the returned error only reports a failed listing.
func (s *Scheduler) RunCycle(ctx context.Context) (CycleStats, error) {
	var stats CycleStats

	jobs, err := s.store.ListDue(ctx, s.clock.Now(), s.conf.FetchLimit)
	if err != nil {
		return stats, errors.Wrap(err, "listing due retry jobs")
	}
	stats.Due = len(jobs)

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(s.conf.Workers)

	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}

		g.Go(func() error {
			outcome, err := s.attempt(ctx, job)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				stats.Failed++
				s.logger.Error("retry attempt failed",
					"transaction_id", job.TransactionID, "job_id", job.ID, "error", err)
				return nil
			}
			stats.record(outcome)
			return nil
		})
	}
	_ = g.Wait()

	return stats, nil
}

func (s *Scheduler) attempt(ctx context.Context, job RetryJob) (Outcome, error) {
	owner, ok, err := s.store.AcquireLock(ctx, job.TransactionID, s.conf.LockTTL)
	if err != nil {
		return Outcome{}, errors.Wrapf(err, "locking transaction %s", job.TransactionID)
	}
	if !ok {
		LockContention.Inc()
		RetryAttempts.WithLabelValues(skipped).Inc()
		return Skipped, nil
	}

	locked := true
	unlock := func() {
		if !locked {
			return
		}
		locked = false
		if err := s.store.ReleaseLock(context.WithoutCancel(ctx), job.TransactionID, owner); err != nil {
			s.logger.Warn("releasing transaction lock", "transaction_id", job.TransactionID, "error", err)
		}
	}
	defer unlock()

	// The listing may be stale: another scheduler could have finished or
	// rescheduled this job, or it could have been cancelled.
	current, err := s.store.Get(ctx, job.TransactionID)
	if errors.Is(err, ErrJobNotFound) {
		RetryAttempts.WithLabelValues(skipped).Inc()
		return Skipped, nil
	}
	if err != nil {
		return Outcome{}, errors.Wrapf(err, "reloading retry job %s", job.TransactionID)
	}
	if !current.IsDue(s.clock.Now()) {
		RetryAttempts.WithLabelValues(skipped).Inc()
		return Skipped, nil
	}

	s.emitter.Emit(newEvent(EventAttempting, current, s.clock.Now()))

	result := s.process(ctx, current)
	if !result.Succeeded && ctx.Err() != nil {
		// Shutdown interrupted the call, the attempt does not count.
		return Outcome{}, errors.Wrapf(ctx.Err(), "attempt for %s interrupted", current.TransactionID)
	}
	now := s.clock.Now()
	logger := s.logger.With("transaction_id", current.TransactionID, "job_id", current.ID, "attempt", current.AttemptCount+1)

	if result.Succeeded {
		if _, err := s.store.Delete(ctx, current.TransactionID); err != nil {
			// The job stays due with the same attempt number, so the next try
			// reuses the idempotency key of the charge that just went through.
			return Outcome{}, errors.Wrapf(err, "removing succeeded retry job %s", current.TransactionID)
		}
		current.AttemptCount++
		current.UpdatedAt = now
		unlock()

		RetryAttempts.WithLabelValues(succeeded).Inc()
		logger.Info("payment retry succeeded", "reference", result.Reference)
		s.emitter.Emit(newEvent(EventSuccess, current, now))
		return Succeeded, nil
	}

	current.AttemptCount++
	current.ErrorCode = result.ErrorCode
	current.ErrorMessage = result.ErrorMessage
	current.UpdatedAt = now

	if current.Exhausted() || !s.conf.Strategies.Classify(result.ErrorCode).ShouldRetry {
		if _, err := s.store.Delete(ctx, current.TransactionID); err != nil {
			return Outcome{}, errors.Wrapf(err, "removing exhausted retry job %s", current.TransactionID)
		}
		unlock()

		RetryAttempts.WithLabelValues(exhausted).Inc()
		RetriesExhausted.WithLabelValues(string(current.ErrorCode)).Inc()
		logger.Warn("payment retry exhausted", "error_code", current.ErrorCode, "max_attempts", current.MaxAttempts)
		s.emitter.Emit(newEvent(EventExhausted, current, now))
		return Exhausted, nil
	}

	current.NextRetryAt = now.Add(current.Policy.Delay(current.AttemptCount + 1))
	if err := s.store.Put(ctx, current); err != nil {
		return Outcome{}, errors.Wrapf(err, "rescheduling retry job %s", current.TransactionID)
	}
	unlock()

	RetryAttempts.WithLabelValues(rescheduled).Inc()
	logger.Info("payment retry rescheduled", "error_code", current.ErrorCode, "next_retry_at", current.NextRetryAt)
	s.emitter.Emit(newEvent(EventScheduled, current, now))
	return Rescheduled, nil
}

// process calls the payment processor within ProcessTimeout. Processor errors
// and panics become failed results so the job is always rescheduled or exhausted.
func (s *Scheduler) process(ctx context.Context, job RetryJob) (result PaymentResult) {
	ctx, cancel := context.WithTimeout(ctx, s.conf.ProcessTimeout)
	defer cancel()

	start := s.clock.Now()
	defer func() {
		ProcessingDuration.Observe(s.clock.Since(start).Seconds())
	}()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("payment processor panicked", "transaction_id", job.TransactionID, "panic", r)
			result = PaymentResult{ErrorCode: ProcessingError, ErrorMessage: "payment processor panicked"}
		}
	}()

	result, err := s.processor.ProcessPayment(ctx, requestFor(job))
	if err != nil {
		code := NetworkError
		if errors.Is(err, context.DeadlineExceeded) {
			code = Timeout
		}
		return PaymentResult{ErrorCode: code, ErrorMessage: err.Error()}
	}
	if !result.Succeeded && result.ErrorCode == "" {
		result.ErrorCode = ProcessingError
	}
	return result
}
