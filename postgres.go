package retry

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jinzhu/copier"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/extra/bundebug"

	"github.com/TimKotowski/pg-payment-retry/internal/retrydb"
)

func GetDBConnection(config *Config) (*bun.DB, error) {
	if config.DSN == "" {
		return nil, errors.New("connection string is empty, unable to establish connection")
	}

	pgxCfg, err := pgxpool.ParseConfig(config.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "unable to parse connection")
	}
	if config.TLSConfig != nil {
		pgxCfg.ConnConfig.TLSConfig = config.TLSConfig
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), pgxCfg)
	if err != nil {
		return nil, errors.Wrap(err, "creating connection pool")
	}

	db := bun.NewDB(stdlib.OpenDBFromPool(pool), pgdialect.New())
	if config.Debug {
		db.AddQueryHook(bundebug.NewQueryHook(bundebug.WithVerbose(true)))
	}
	if err = db.Ping(); err != nil {
		return nil, errors.Wrap(err, "pinging postgres")
	}

	return db, nil
}

var (
	_ Store = &PostgresStore{}
)

// PostgresStore is the shared, durable Store. Several processes may use the same
// database; the lock table serializes attempts across all of them. Lock expiry
// is judged by the database clock, so worker hosts may disagree on the time.
type PostgresStore struct {
	db retrydb.RetryDB
}

func NewPostgresStore(db *bun.DB) *PostgresStore {
	return &PostgresStore{
		db: retrydb.NewRetryDB(db),
	}
}

func (p *PostgresStore) Put(ctx context.Context, job RetryJob) error {
	row, err := toRow(job)
	if err != nil {
		return err
	}
	return p.db.UpsertJob(ctx, row)
}

func (p *PostgresStore) Insert(ctx context.Context, job RetryJob) (bool, error) {
	row, err := toRow(job)
	if err != nil {
		return false, err
	}
	return p.db.InsertJob(ctx, row)
}

func (p *PostgresStore) Get(ctx context.Context, transactionID string) (RetryJob, error) {
	row, err := p.db.GetJob(ctx, transactionID)
	if errors.Is(err, retrydb.ErrNotFound) {
		return RetryJob{}, ErrJobNotFound
	}
	if err != nil {
		return RetryJob{}, err
	}
	return fromRow(*row)
}

func (p *PostgresStore) Delete(ctx context.Context, transactionID string) (bool, error) {
	return p.db.DeleteJob(ctx, transactionID)
}

func (p *PostgresStore) ListDue(ctx context.Context, now time.Time, limit int) ([]RetryJob, error) {
	rows, err := p.db.ListDueJobs(ctx, now, limit)
	if err != nil {
		return nil, err
	}
	return fromRows(rows)
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string) ([]RetryJob, error) {
	rows, err := p.db.ListJobsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return fromRows(rows)
}

func (p *PostgresStore) Count(ctx context.Context) (int, error) {
	return p.db.CountJobs(ctx)
}

func (p *PostgresStore) AcquireLock(ctx context.Context, transactionID string, ttl time.Duration) (string, bool, error) {
	owner := uuid.NewString()
	ok, err := p.db.AcquireLock(ctx, transactionID, owner, ttl)
	if err != nil || !ok {
		return "", false, err
	}
	return owner, true, nil
}

func (p *PostgresStore) ReleaseLock(ctx context.Context, transactionID string, owner string) error {
	return p.db.ReleaseLock(ctx, transactionID, owner)
}

func (p *PostgresStore) SweepExpiredLocks(ctx context.Context) (int, error) {
	return p.db.DeleteExpiredLocks(ctx)
}

func toRow(job RetryJob) (*retrydb.RetryJob, error) {
	row := &retrydb.RetryJob{}
	if err := copier.CopyWithOption(row, &job, copier.Option{IgnoreEmpty: true}); err != nil {
		return nil, errors.Wrapf(err, "converting retry job %s", job.TransactionID)
	}
	row.ErrorCode = string(job.ErrorCode)
	row.Metadata = copyMetadata(job.Metadata)
	row.ShouldRetry = job.Policy.ShouldRetry
	row.InitialDelay = job.Policy.InitialDelay
	row.Immediate = job.Policy.Immediate
	row.NextRetryAt = job.NextRetryAt.UTC()
	row.CreatedAt = job.CreatedAt.UTC()
	row.UpdatedAt = job.UpdatedAt.UTC()
	return row, nil
}

func fromRow(row retrydb.RetryJob) (RetryJob, error) {
	job := RetryJob{}
	if err := copier.CopyWithOption(&job, &row, copier.Option{IgnoreEmpty: true}); err != nil {
		return RetryJob{}, errors.Wrapf(err, "converting retry job row %s", row.TransactionID)
	}
	job.ErrorCode = ErrorCode(row.ErrorCode)
	job.Metadata = copyMetadata(row.Metadata)
	job.NextRetryAt = row.NextRetryAt.UTC()
	job.CreatedAt = row.CreatedAt.UTC()
	job.UpdatedAt = row.UpdatedAt.UTC()
	job.Policy = Policy{
		ShouldRetry:  row.ShouldRetry,
		MaxAttempts:  row.MaxAttempts,
		InitialDelay: row.InitialDelay,
		Immediate:    row.Immediate,
	}
	return job, nil
}

func fromRows(rows []retrydb.RetryJob) ([]RetryJob, error) {
	jobs := make([]RetryJob, 0, len(rows))
	for _, row := range rows {
		job, err := fromRow(row)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}
