package retrydb

import (
	"context"
	"time"

	"github.com/uptrace/bun"
)

type RetryJob struct {
	bun.BaseModel `bun:"table:retry_jobs,alias:rj"`

	TransactionID string            `bun:"transaction_id,pk"`
	ID            string            `bun:"id,notnull"`
	UserID        string            `bun:"user_id,notnull"`
	Amount        int64             `bun:"amount,notnull"`
	Currency      string            `bun:"currency,notnull"`
	ErrorCode     string            `bun:"error_code,notnull"`
	ErrorMessage  string            `bun:"error_message,notnull"`
	AttemptCount  int               `bun:"attempt_count,notnull"`
	MaxAttempts   int               `bun:"max_attempts,notnull"`
	ShouldRetry   bool              `bun:"should_retry,notnull"`
	InitialDelay  time.Duration     `bun:"initial_delay,notnull"`
	Immediate     bool              `bun:"immediate,notnull"`
	NextRetryAt   time.Time         `bun:"next_retry_at,notnull"`
	Priority      int64             `bun:"priority,notnull"`
	Fingerprint   string            `bun:"fingerprint,notnull"`
	Metadata      map[string]string `bun:"metadata,type:jsonb"`
	CreatedAt     time.Time         `bun:"created_at,notnull"`
	UpdatedAt     time.Time         `bun:"updated_at,notnull"`
}

func (j *RetryJob) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	switch query.(type) {
	case *bun.InsertQuery:
		now := time.Now().UTC()
		if j.CreatedAt.IsZero() {
			j.CreatedAt = now
		}
		if j.UpdatedAt.IsZero() {
			j.UpdatedAt = now
		}
	}
	return nil
}

// RetryLock is an expiring per-transaction lock row.
type RetryLock struct {
	bun.BaseModel `bun:"table:retry_locks,alias:rl"`

	TransactionID string    `bun:"transaction_id,pk"`
	Owner         string    `bun:"owner,notnull"`
	AcquiredAt    time.Time `bun:"acquired_at,notnull"`
	ExpiresAt     time.Time `bun:"expires_at,notnull"`
}
