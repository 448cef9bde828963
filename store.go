package retry

import (
	"context"
	"time"
)

// JobStore holds active retry jobs keyed by transaction id.
// Implementations must make Put, Insert and Delete atomic per transaction.
type JobStore interface {
	// Put upserts the job.
	Put(ctx context.Context, job RetryJob) error

	// Insert stores the job only if no active job exists for its transaction.
	// Reports whether the job was inserted.
	Insert(ctx context.Context, job RetryJob) (bool, error)

	// Get returns ErrJobNotFound when the transaction has no active job.
	Get(ctx context.Context, transactionID string) (RetryJob, error)

	// Delete reports whether an active job was removed.
	Delete(ctx context.Context, transactionID string) (bool, error)

	// ListDue returns jobs with NextRetryAt <= now ordered by priority descending,
	// then created_at ascending, then transaction id. limit <= 0 means no limit.
	ListDue(ctx context.Context, now time.Time, limit int) ([]RetryJob, error)

	// ListByUser returns the user's active jobs ordered by created_at.
	ListByUser(ctx context.Context, userID string) ([]RetryJob, error)

	Count(ctx context.Context) (int, error)
}

// Locker hands out expiring per-transaction locks. A lock whose ttl passed can be
// taken over by another owner, so a crashed worker never blocks a transaction for good.
type Locker interface {
	// AcquireLock returns the owner token to release with, and false on contention.
	AcquireLock(ctx context.Context, transactionID string, ttl time.Duration) (string, bool, error)

	// ReleaseLock is a no-op when owner no longer holds the lock.
	ReleaseLock(ctx context.Context, transactionID string, owner string) error

	// SweepExpiredLocks removes expired lock entries.
	SweepExpiredLocks(ctx context.Context) (int, error)
}

type Store interface {
	JobStore
	Locker
}
