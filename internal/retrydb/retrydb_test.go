package retrydb_test

import (
	"context"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun/extra/bundebug"

	"github.com/TimKotowski/pg-payment-retry/internal/retrydb"
	"github.com/TimKotowski/pg-payment-retry/testHelper/postgres"
)

var now = time.Date(2025, time.September, 1, 12, 0, 0, 0, time.UTC)

func row(txn, user string, priority int64, next time.Time) *retrydb.RetryJob {
	return &retrydb.RetryJob{
		TransactionID: txn,
		ID:            ulid.Make().String(),
		UserID:        user,
		Amount:        priority,
		Currency:      "usd",
		ErrorCode:     "processing_error",
		ErrorMessage:  "try later",
		MaxAttempts:   3,
		ShouldRetry:   true,
		InitialDelay:  time.Minute,
		NextRetryAt:   next,
		Priority:      priority,
		Fingerprint:   "fp_" + txn,
		Metadata:      map[string]string{"order": "o_" + txn},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestRetryDB(t *testing.T) {
	pool := postgres.NewPool(t)
	resource := postgres.SetUp(pool, t)
	resource.DB.AddQueryHook(bundebug.NewQueryHook(bundebug.WithVerbose(testing.Verbose())))

	db := retrydb.NewRetryDB(resource.DB)
	ctx := context.Background()

	t.Run("insert if absent and upsert", func(t *testing.T) {
		inserted, err := db.InsertJob(ctx, row("txn_upsert", "user_1", 100, now))
		require.NoError(t, err)
		assert.True(t, inserted)

		inserted, err = db.InsertJob(ctx, row("txn_upsert", "user_1", 999, now))
		require.NoError(t, err)
		assert.False(t, inserted)

		updated := row("txn_upsert", "user_1", 100, now.Add(time.Hour))
		updated.AttemptCount = 2
		require.NoError(t, db.UpsertJob(ctx, updated))

		got, err := db.GetJob(ctx, "txn_upsert")
		require.NoError(t, err)
		assert.Equal(t, 2, got.AttemptCount)
		assert.Equal(t, time.Minute, got.InitialDelay)
		assert.True(t, got.NextRetryAt.Equal(now.Add(time.Hour)))
		assert.Equal(t, "o_txn_upsert", got.Metadata["order"])

		removed, err := db.DeleteJob(ctx, "txn_upsert")
		require.NoError(t, err)
		assert.True(t, removed)

		_, err = db.GetJob(ctx, "txn_upsert")
		assert.ErrorIs(t, err, retrydb.ErrNotFound)

		removed, err = db.DeleteJob(ctx, "txn_upsert")
		require.NoError(t, err)
		assert.False(t, removed)
	})

	t.Run("due jobs by priority", func(t *testing.T) {
		for _, r := range []*retrydb.RetryJob{
			row("txn_due_small", "user_due", 100, now),
			row("txn_due_big", "user_due", 5000, now.Add(-time.Minute)),
			row("txn_not_due", "user_due", 9000, now.Add(time.Hour)),
		} {
			_, err := db.InsertJob(ctx, r)
			require.NoError(t, err)
		}

		due, err := db.ListDueJobs(ctx, now, 10)
		require.NoError(t, err)
		require.Len(t, due, 2)
		assert.Equal(t, "txn_due_big", due[0].TransactionID)
		assert.Equal(t, "txn_due_small", due[1].TransactionID)

		limited, err := db.ListDueJobs(ctx, now, 1)
		require.NoError(t, err)
		assert.Len(t, limited, 1)

		jobs, err := db.ListJobsByUser(ctx, "user_due")
		require.NoError(t, err)
		assert.Len(t, jobs, 3)

		n, err := db.CountJobs(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, n)
	})

	t.Run("locks", func(t *testing.T) {
		ok, err := db.AcquireLock(ctx, "txn_lock", "owner_a", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = db.AcquireLock(ctx, "txn_lock", "owner_b", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok, "live lock must not be taken")

		// Releasing with the wrong owner leaves the lock in place.
		require.NoError(t, db.ReleaseLock(ctx, "txn_lock", "owner_b"))
		ok, err = db.AcquireLock(ctx, "txn_lock", "owner_b", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, db.ReleaseLock(ctx, "txn_lock", "owner_a"))
		ok, err = db.AcquireLock(ctx, "txn_lock", "owner_c", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("locks expire on the database clock", func(t *testing.T) {
		ok, err := db.AcquireLock(ctx, "txn_short", "owner_a", 50*time.Millisecond)
		require.NoError(t, err)
		require.True(t, ok)

		var lock retrydb.RetryLock
		require.NoError(t, resource.DB.NewSelect().Model(&lock).Where("transaction_id = ?", "txn_short").Scan(ctx))
		assert.Equal(t, 50*time.Millisecond, lock.ExpiresAt.Sub(lock.AcquiredAt))

		require.Eventually(t, func() bool {
			ok, err := db.AcquireLock(ctx, "txn_short", "owner_b", time.Minute)
			return err == nil && ok
		}, 5*time.Second, 20*time.Millisecond, "expired lock must be taken over")

		_, err = db.AcquireLock(ctx, "txn_sweep", "owner_d", time.Millisecond)
		require.NoError(t, err)
		require.Eventually(t, func() bool {
			swept, err := db.DeleteExpiredLocks(ctx)
			return err == nil && swept == 1
		}, 5*time.Second, 20*time.Millisecond)
	})
}
