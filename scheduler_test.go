package retry_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	retry "github.com/TimKotowski/pg-payment-retry"
	mock_retry "github.com/TimKotowski/pg-payment-retry/mocks"
	"github.com/TimKotowski/pg-payment-retry/testHelper"
)

type schedulerFixture struct {
	conf      *retry.Config
	clock     interface{ Advance(time.Duration) }
	store     *retry.MemoryStore
	processor *mock_retry.MockPaymentProcessor
	scheduler *retry.Scheduler
	events    <-chan retry.Event
}

func newSchedulerFixture(t *testing.T, opts ...retry.ConfigFunc) *schedulerFixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	clock := newFakeClock()
	conf := testConfig(opts...)
	store := retry.NewMemoryStore(clock)
	processor := mock_retry.NewMockPaymentProcessor(ctrl)
	emitter, events := startEmitter(t, conf)

	return &schedulerFixture{
		conf:      conf,
		clock:     clock,
		store:     store,
		processor: processor,
		scheduler: retry.NewScheduler(conf, store, processor, emitter, clock),
		events:    events,
	}
}

func declined(code retry.ErrorCode) (retry.PaymentResult, error) {
	return retry.PaymentResult{ErrorCode: code, ErrorMessage: string(code)}, nil
}

func TestSchedulerCycle(t *testing.T) {
	ctx := context.Background()

	t.Run("successful retry removes the job", func(t *testing.T) {
		f := newSchedulerFixture(t)
		require.NoError(t, f.store.Put(ctx, testJob("txn_1", "user_1", 2500, retry.NetworkError, epoch)))

		f.processor.EXPECT().
			ProcessPayment(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, req retry.PaymentRequest) (retry.PaymentResult, error) {
				assert.Equal(t, "txn_1", req.TransactionID)
				assert.Equal(t, int64(2500), req.Amount)
				assert.Equal(t, 1, req.Attempt)
				assert.Equal(t, "job_txn_1-1", req.IdempotencyKey())
				return retry.PaymentResult{Succeeded: true, Reference: "ch_1"}, nil
			})

		stats, err := f.scheduler.RunCycle(ctx)
		require.NoError(t, err)
		assert.Equal(t, retry.CycleStats{Due: 1, Succeeded: 1}, stats)

		_, err = f.store.Get(ctx, "txn_1")
		assert.ErrorIs(t, err, retry.ErrJobNotFound)

		events := nextEvents(t, f.events, 2)
		assert.Equal(t, []retry.EventType{retry.EventAttempting, retry.EventSuccess}, eventTypes(events))
		assert.Equal(t, "user_1", events[1].UserID)
		assert.Equal(t, 1, events[1].AttemptCount)
	})

	t.Run("failed retry is rescheduled with backoff", func(t *testing.T) {
		f := newSchedulerFixture(t)
		require.NoError(t, f.store.Put(ctx, testJob("txn_1", "user_1", 2500, retry.ProcessingError, epoch)))

		stats, err := f.scheduler.RunCycle(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, stats.Due, "not due before the initial delay")

		f.clock.Advance(time.Minute)
		f.processor.EXPECT().ProcessPayment(gomock.Any(), gomock.Any()).Return(declined(retry.ProcessingError))

		stats, err = f.scheduler.RunCycle(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Rescheduled)

		job, err := f.store.Get(ctx, "txn_1")
		require.NoError(t, err)
		assert.Equal(t, 1, job.AttemptCount)
		assert.Equal(t, epoch.Add(time.Minute).Add(2*time.Minute), job.NextRetryAt)

		events := nextEvents(t, f.events, 2)
		assert.Equal(t, []retry.EventType{retry.EventAttempting, retry.EventScheduled}, eventTypes(events))
		assert.Equal(t, job.NextRetryAt, events[1].NextRetryAt)

		f.clock.Advance(time.Minute)
		stats, err = f.scheduler.RunCycle(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, stats.Due)
	})

	t.Run("last allowed attempt exhausts the job once", func(t *testing.T) {
		f := newSchedulerFixture(t)
		require.NoError(t, f.store.Put(ctx, testJob("txn_1", "user_1", 2500, retry.InsufficientFunds, epoch)))

		f.clock.Advance(24 * time.Hour)
		f.processor.EXPECT().ProcessPayment(gomock.Any(), gomock.Any()).Return(declined(retry.InsufficientFunds)).Times(1)

		stats, err := f.scheduler.RunCycle(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Exhausted)

		_, err = f.store.Get(ctx, "txn_1")
		assert.ErrorIs(t, err, retry.ErrJobNotFound)

		events := nextEvents(t, f.events, 2)
		assert.Equal(t, []retry.EventType{retry.EventAttempting, retry.EventExhausted}, eventTypes(events))
		assert.Equal(t, 1, events[1].AttemptCount)
		assert.Equal(t, 1, events[1].MaxAttempts)

		f.clock.Advance(48 * time.Hour)
		stats, err = f.scheduler.RunCycle(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, stats.Due)
		noMoreEvents(t, f.events)
	})

	t.Run("attempts walk the backoff until exhausted", func(t *testing.T) {
		f := newSchedulerFixture(t)
		require.NoError(t, f.store.Put(ctx, testJob("txn_1", "user_1", 2500, retry.ProcessingError, epoch)))
		f.processor.EXPECT().ProcessPayment(gomock.Any(), gomock.Any()).Return(declined(retry.ProcessingError)).Times(3)

		for _, wait := range []time.Duration{time.Minute, 2 * time.Minute} {
			f.clock.Advance(wait)
			stats, err := f.scheduler.RunCycle(ctx)
			require.NoError(t, err)
			require.Equal(t, 1, stats.Rescheduled)
		}

		job, err := f.store.Get(ctx, "txn_1")
		require.NoError(t, err)
		assert.Equal(t, 2, job.AttemptCount)
		assert.Equal(t, epoch.Add(3*time.Minute).Add(4*time.Minute), job.NextRetryAt)

		f.clock.Advance(4 * time.Minute)
		stats, err := f.scheduler.RunCycle(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Exhausted)

		events := nextEvents(t, f.events, 6)
		exhausted, rest := testHelper.Partition(events, func(e retry.Event) bool { return e.Type == retry.EventExhausted })
		assert.Len(t, exhausted, 1)
		assert.Len(t, rest, 5)
	})

	t.Run("non retryable failure ends the job early", func(t *testing.T) {
		f := newSchedulerFixture(t)
		require.NoError(t, f.store.Put(ctx, testJob("txn_1", "user_1", 2500, retry.NetworkError, epoch)))
		f.processor.EXPECT().ProcessPayment(gomock.Any(), gomock.Any()).Return(declined(retry.CardDeclined))

		stats, err := f.scheduler.RunCycle(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Exhausted)

		events := nextEvents(t, f.events, 2)
		assert.Equal(t, retry.EventExhausted, events[1].Type)
		assert.Equal(t, retry.CardDeclined, events[1].ErrorCode)
	})

	t.Run("jobs keep the policy they were queued with", func(t *testing.T) {
		f := newSchedulerFixture(t)
		require.NoError(t, f.store.Put(ctx, testJob("txn_1", "user_1", 2500, retry.ProcessingError, epoch)))
		f.conf.Strategies[retry.ProcessingError] = retry.Policy{ShouldRetry: true, MaxAttempts: 1, InitialDelay: time.Hour}

		f.clock.Advance(time.Minute)
		f.processor.EXPECT().ProcessPayment(gomock.Any(), gomock.Any()).Return(declined(retry.ProcessingError))

		stats, err := f.scheduler.RunCycle(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Rescheduled)

		job, err := f.store.Get(ctx, "txn_1")
		require.NoError(t, err)
		assert.Equal(t, 3, job.MaxAttempts)
		assert.Equal(t, epoch.Add(3*time.Minute), job.NextRetryAt)
	})

	t.Run("unreachable processor counts as a network error", func(t *testing.T) {
		f := newSchedulerFixture(t)
		require.NoError(t, f.store.Put(ctx, testJob("txn_1", "user_1", 2500, retry.NetworkError, epoch)))
		f.processor.EXPECT().ProcessPayment(gomock.Any(), gomock.Any()).Return(retry.PaymentResult{}, errors.New("connection refused"))

		stats, err := f.scheduler.RunCycle(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Rescheduled)

		job, err := f.store.Get(ctx, "txn_1")
		require.NoError(t, err)
		assert.Equal(t, retry.NetworkError, job.ErrorCode)
		assert.Equal(t, epoch.Add(time.Minute), job.NextRetryAt)
	})

	t.Run("processor panic does not kill the cycle", func(t *testing.T) {
		f := newSchedulerFixture(t)
		require.NoError(t, f.store.Put(ctx, testJob("txn_1", "user_1", 2500, retry.NetworkError, epoch)))
		f.processor.EXPECT().
			ProcessPayment(gomock.Any(), gomock.Any()).
			DoAndReturn(func(context.Context, retry.PaymentRequest) (retry.PaymentResult, error) {
				panic("boom")
			})

		stats, err := f.scheduler.RunCycle(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Rescheduled)

		job, err := f.store.Get(ctx, "txn_1")
		require.NoError(t, err)
		assert.Equal(t, retry.ProcessingError, job.ErrorCode)
	})

	t.Run("locked transaction is skipped", func(t *testing.T) {
		f := newSchedulerFixture(t)
		require.NoError(t, f.store.Put(ctx, testJob("txn_1", "user_1", 2500, retry.NetworkError, epoch)))
		_, ok, err := f.store.AcquireLock(ctx, "txn_1", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		stats, err := f.scheduler.RunCycle(ctx)
		require.NoError(t, err)
		assert.Equal(t, retry.CycleStats{Due: 1, Skipped: 1}, stats)

		job, err := f.store.Get(ctx, "txn_1")
		require.NoError(t, err)
		assert.Equal(t, 0, job.AttemptCount)
	})

	t.Run("cycle honours the fetch limit and priority", func(t *testing.T) {
		f := newSchedulerFixture(t, retry.WithFetchLimit(2), retry.WithWorkers(1))
		require.NoError(t, f.store.Put(ctx, testJob("txn_small", "user_1", 100, retry.NetworkError, epoch)))
		require.NoError(t, f.store.Put(ctx, testJob("txn_big", "user_1", 9000, retry.NetworkError, epoch)))
		require.NoError(t, f.store.Put(ctx, testJob("txn_mid", "user_1", 500, retry.NetworkError, epoch)))

		var seen []string
		f.processor.EXPECT().
			ProcessPayment(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, req retry.PaymentRequest) (retry.PaymentResult, error) {
				seen = append(seen, req.TransactionID)
				return retry.PaymentResult{Succeeded: true}, nil
			}).Times(2)

		stats, err := f.scheduler.RunCycle(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, stats.Succeeded)
		assert.Equal(t, []string{"txn_big", "txn_mid"}, seen)

		_, err = f.store.Get(ctx, "txn_small")
		assert.NoError(t, err)
	})
}

func TestConcurrentSchedulers(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	clock := newFakeClock()
	conf := testConfig(retry.WithWorkers(4))
	store := retry.NewMemoryStore(clock)
	emitter, events := startEmitter(t, conf)

	var calls atomic.Int64
	processor := mock_retry.NewMockPaymentProcessor(ctrl)
	processor.EXPECT().
		ProcessPayment(gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, retry.PaymentRequest) (retry.PaymentResult, error) {
			calls.Add(1)
			time.Sleep(20 * time.Millisecond)
			return retry.PaymentResult{Succeeded: true}, nil
		}).
		AnyTimes()

	const jobs = 10
	for i := range jobs {
		txn := "txn_" + string(rune('a'+i))
		require.NoError(t, store.Put(ctx, testJob(txn, "user_1", int64(100+i), retry.NetworkError, epoch)))
	}

	schedulers := []*retry.Scheduler{
		retry.NewScheduler(conf, store, processor, emitter, clock),
		retry.NewScheduler(conf, store, processor, emitter, clock),
	}
	assert.NotEqual(t, schedulers[0].ID(), schedulers[1].ID())

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total retry.CycleStats
	)
	for _, s := range schedulers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			stats, err := s.RunCycle(ctx)
			assert.NoError(t, err)

			mu.Lock()
			defer mu.Unlock()
			total.Succeeded += stats.Succeeded
			total.Skipped += stats.Skipped
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(jobs), calls.Load(), "every transaction charged exactly once")
	assert.Equal(t, jobs, total.Succeeded)

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	got := nextEvents(t, events, 2*jobs)
	byType := testHelper.GroupBy(got, func(e retry.Event) retry.EventType { return e.Type })
	assert.Len(t, byType[retry.EventSuccess], jobs)
	assert.Len(t, byType[retry.EventAttempting], jobs)
}

func TestSchedulerDuringOutage(t *testing.T) {
	ctx := context.Background()

	t.Run("success is reported when the primary fails mid attempt", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		clock := newFakeClock()
		conf := testConfig()
		primary := &flakyStore{MemoryStore: retry.NewMemoryStore(clock)}
		store := retry.NewFallbackStore(primary, retry.NewMemoryStore(clock), conf, clock)
		processor := mock_retry.NewMockPaymentProcessor(ctrl)
		emitter, events := startEmitter(t, conf)
		scheduler := retry.NewScheduler(conf, store, processor, emitter, clock)

		require.NoError(t, store.Put(ctx, testJob("txn_1", "user_1", 2500, retry.NetworkError, epoch)))
		clock.Advance(time.Hour)

		processor.EXPECT().
			ProcessPayment(gomock.Any(), gomock.Any()).
			DoAndReturn(func(context.Context, retry.PaymentRequest) (retry.PaymentResult, error) {
				primary.down.Store(true)
				return retry.PaymentResult{Succeeded: true, Reference: "ch_1"}, nil
			})

		stats, err := scheduler.RunCycle(ctx)
		require.NoError(t, err)
		assert.Equal(t, retry.CycleStats{Due: 1, Succeeded: 1}, stats)
		assert.Equal(t, []retry.EventType{retry.EventAttempting, retry.EventSuccess}, eventTypes(nextEvents(t, events, 2)))

		primary.down.Store(false)
		_, err = store.Get(ctx, "txn_1")
		assert.ErrorIs(t, err, retry.ErrJobNotFound)

		// The charge went through, the next cycle must not charge again.
		stats, err = scheduler.RunCycle(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, stats.Due)

		_, err = store.Resync(ctx, conf.LockTTL)
		require.NoError(t, err)
		_, err = primary.MemoryStore.Get(ctx, "txn_1")
		assert.ErrorIs(t, err, retry.ErrJobNotFound)
	})
}
