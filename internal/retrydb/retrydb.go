package retrydb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"
)

var ErrNotFound = errors.New("retry job row not found")

type RetryDB interface {
	RetryMaintenanceDB

	// UpsertJob inserts the job or replaces the active job of the same transaction.
	UpsertJob(ctx context.Context, job *RetryJob) error

	// InsertJob inserts the job only if its transaction has no active job.
	InsertJob(ctx context.Context, job *RetryJob) (bool, error)

	GetJob(ctx context.Context, transactionID string) (*RetryJob, error)

	DeleteJob(ctx context.Context, transactionID string) (bool, error)

	// ListDueJobs returns jobs with next_retry_at <= now, highest priority first, then oldest.
	ListDueJobs(ctx context.Context, now time.Time, limit int) ([]RetryJob, error)

	ListJobsByUser(ctx context.Context, userID string) ([]RetryJob, error)

	// AcquireLock takes the transaction's lock for owner for ttl. An existing lock
	// is only taken over once it expired. Both times come from the database clock
	// so every worker judges expiry against the same time source.
	AcquireLock(ctx context.Context, transactionID, owner string, ttl time.Duration) (bool, error)

	// ReleaseLock deletes the lock only while owner still holds it.
	ReleaseLock(ctx context.Context, transactionID, owner string) error
}

type retryDB struct {
	db *bun.DB
}

func NewRetryDB(db *bun.DB) RetryDB {
	return &retryDB{
		db: db,
	}
}

func (r *retryDB) UpsertJob(ctx context.Context, job *RetryJob) error {
	_, err := r.db.NewInsert().
		Model(job).
		On("CONFLICT (transaction_id) DO UPDATE").
		Set("id = EXCLUDED.id").
		Set("user_id = EXCLUDED.user_id").
		Set("amount = EXCLUDED.amount").
		Set("currency = EXCLUDED.currency").
		Set("error_code = EXCLUDED.error_code").
		Set("error_message = EXCLUDED.error_message").
		Set("attempt_count = EXCLUDED.attempt_count").
		Set("max_attempts = EXCLUDED.max_attempts").
		Set("should_retry = EXCLUDED.should_retry").
		Set("initial_delay = EXCLUDED.initial_delay").
		Set("immediate = EXCLUDED.immediate").
		Set("next_retry_at = EXCLUDED.next_retry_at").
		Set("priority = EXCLUDED.priority").
		Set("fingerprint = EXCLUDED.fingerprint").
		Set("metadata = EXCLUDED.metadata").
		Set("created_at = EXCLUDED.created_at").
		Set("updated_at = EXCLUDED.updated_at").
		Returning("NULL").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("upserting retry job %s: %w", job.TransactionID, err)
	}

	return nil
}

func (r *retryDB) InsertJob(ctx context.Context, job *RetryJob) (bool, error) {
	res, err := r.db.NewInsert().
		Model(job).
		On("CONFLICT (transaction_id) DO NOTHING").
		Returning("NULL").
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("inserting retry job %s: %w", job.TransactionID, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return rows == 1, nil
}

func (r *retryDB) GetJob(ctx context.Context, transactionID string) (*RetryJob, error) {
	job := new(RetryJob)
	err := r.db.NewSelect().
		Model(job).
		Where("transaction_id = ?", transactionID).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting retry job %s: %w", transactionID, err)
	}

	return job, nil
}

func (r *retryDB) DeleteJob(ctx context.Context, transactionID string) (bool, error) {
	res, err := r.db.NewDelete().
		Model((*RetryJob)(nil)).
		Where("transaction_id = ?", transactionID).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("deleting retry job %s: %w", transactionID, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return rows > 0, nil
}

func (r *retryDB) ListDueJobs(ctx context.Context, now time.Time, limit int) ([]RetryJob, error) {
	var jobs []RetryJob
	q := r.db.NewSelect().
		Model(&jobs).
		Where("next_retry_at <= ?", now).
		Order("priority DESC", "created_at ASC", "transaction_id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("listing due retry jobs: %w", err)
	}

	return jobs, nil
}

func (r *retryDB) ListJobsByUser(ctx context.Context, userID string) ([]RetryJob, error) {
	var jobs []RetryJob
	err := r.db.NewSelect().
		Model(&jobs).
		Where("user_id = ?", userID).
		Order("created_at ASC", "transaction_id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing retry jobs of user %s: %w", userID, err)
	}

	return jobs, nil
}

func (r *retryDB) CountJobs(ctx context.Context) (int, error) {
	return r.db.NewSelect().Model((*RetryJob)(nil)).Count(ctx)
}

func (r *retryDB) AcquireLock(ctx context.Context, transactionID, owner string, ttl time.Duration) (bool, error) {
	lock := &RetryLock{
		TransactionID: transactionID,
		Owner:         owner,
	}

	// The conflict update only fires on an expired lock, so a live lock leaves
	// zero affected rows and the caller sees contention.
	res, err := r.db.NewInsert().
		Model(lock).
		Value("acquired_at", "now()").
		Value("expires_at", "now() + ? * interval '1 microsecond'", ttl.Microseconds()).
		On("CONFLICT (transaction_id) DO UPDATE").
		Set("owner = EXCLUDED.owner").
		Set("acquired_at = EXCLUDED.acquired_at").
		Set("expires_at = EXCLUDED.expires_at").
		Where("rl.expires_at <= now()").
		Returning("NULL").
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("acquiring lock for %s: %w", transactionID, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return rows == 1, nil
}

func (r *retryDB) ReleaseLock(ctx context.Context, transactionID, owner string) error {
	_, err := r.db.NewDelete().
		Model((*RetryLock)(nil)).
		Where("transaction_id = ?", transactionID).
		Where("owner = ?", owner).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("releasing lock for %s: %w", transactionID, err)
	}

	return nil
}

func (r *retryDB) DeleteExpiredLocks(ctx context.Context) (int, error) {
	res, err := r.db.NewDelete().
		Model((*RetryLock)(nil)).
		Where("expires_at <= now()").
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("deleting expired locks: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	return int(rows), nil
}
