package retry_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	retry "github.com/TimKotowski/pg-payment-retry"
)

var epoch = time.Date(2025, time.September, 1, 12, 0, 0, 0, time.UTC)

func testConfig(opts ...retry.ConfigFunc) *retry.Config {
	base := []retry.ConfigFunc{
		retry.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		retry.WithoutMaintenance(),
		// Tests drive cycles by hand, the background loop must never tick.
		retry.WithPollInterval(time.Hour * 24 * 365),
	}
	return retry.NewConfig(append(base, opts...)...)
}

// testJob builds an active job the way QueueRetry would for the given code.
func testJob(txn, user string, amount int64, code retry.ErrorCode, now time.Time) retry.RetryJob {
	policy := retry.DefaultStrategies().Classify(code)
	return retry.RetryJob{
		ID:            "job_" + txn,
		TransactionID: txn,
		UserID:        user,
		Amount:        amount,
		Currency:      "usd",
		ErrorCode:     code,
		ErrorMessage:  string(code),
		MaxAttempts:   policy.MaxAttempts,
		Policy:        policy,
		NextRetryAt:   now.Add(policy.Delay(1)),
		CreatedAt:     now,
		UpdatedAt:     now,
		Priority:      amount,
		Fingerprint:   "fp_" + txn,
	}
}

func startEmitter(t *testing.T, conf *retry.Config) (*retry.Emitter, <-chan retry.Event) {
	t.Helper()
	emitter := retry.NewEmitter(conf)
	events := emitter.Subscribe(64)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		emitter.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return emitter, events
}

func nextEvents(t *testing.T, events <-chan retry.Event, n int) []retry.Event {
	t.Helper()
	got := make([]retry.Event, 0, n)
	for len(got) < n {
		select {
		case e, ok := <-events:
			require.True(t, ok, "event channel closed after %d events", len(got))
			got = append(got, e)
		case <-time.After(2 * time.Second):
			require.FailNow(t, "timed out waiting for events", "got %d of %d", len(got), n)
		}
	}
	return got
}

func noMoreEvents(t *testing.T, events <-chan retry.Event) {
	t.Helper()
	select {
	case e := <-events:
		require.FailNow(t, "unexpected event", "%+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func eventTypes(events []retry.Event) []retry.EventType {
	types := make([]retry.EventType, len(events))
	for i, e := range events {
		types[i] = e.Type
	}
	return types
}

func newFakeClock() *clockwork.FakeClock {
	return clockwork.NewFakeClockAt(epoch)
}
