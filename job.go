package retry

import (
	"crypto/sha256"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/oklog/ulid/v2"

	"github.com/TimKotowski/pg-payment-retry/hash"
)

// RetryJob tracks one transaction's pending re-attempt state.
type RetryJob struct {
	ID            string            `json:"id"`
	TransactionID string            `json:"transactionId"`
	UserID        string            `json:"userId"`
	Amount        int64             `json:"amount"`
	Currency      string            `json:"currency"`
	ErrorCode     ErrorCode         `json:"errorCode"`
	ErrorMessage  string            `json:"errorMessage"`
	AttemptCount  int               `json:"attemptCount"`
	MaxAttempts   int               `json:"maxAttempts"`
	Policy        Policy            `json:"policy"`
	NextRetryAt   time.Time         `json:"nextRetryAt"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
	Priority      int64             `json:"priority"`
	Fingerprint   string            `json:"fingerprint"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Payment is the context needed to re-invoke processing for a failed transaction.
// Amount is in minor currency units.
type Payment struct {
	UserID   string
	Amount   int64
	Currency string
	Metadata map[string]string
}

// Failure describes why the last payment attempt failed.
type Failure struct {
	Code    ErrorCode
	Message string
}

func (p Payment) validate() error {
	if p.UserID == "" {
		return errors.Wrap(ErrInvalidPayment, "user id cant be empty")
	}
	if p.Amount <= 0 {
		return errors.Wrapf(ErrInvalidPayment, "amount must be positive, got %d", p.Amount)
	}
	if p.Currency == "" {
		return errors.Wrap(ErrInvalidPayment, "currency cant be empty")
	}
	return nil
}

func (j RetryJob) IsDue(now time.Time) bool {
	return !now.Before(j.NextRetryAt)
}

// Exhausted reports whether another failed attempt would be the last one allowed.
func (j RetryJob) Exhausted() bool {
	return j.AttemptCount >= j.MaxAttempts
}

// priorityFor orders due jobs, larger payments first.
func priorityFor(amount int64) int64 {
	return amount
}

func newJobID() string {
	return ulid.Make().String()
}

func newRetryJob(transactionID string, failure Failure, payment Payment, policy Policy, now time.Time) RetryJob {
	return RetryJob{
		ID:            newJobID(),
		TransactionID: transactionID,
		UserID:        payment.UserID,
		Amount:        payment.Amount,
		Currency:      payment.Currency,
		ErrorCode:     failure.Code,
		ErrorMessage:  failure.Message,
		AttemptCount:  0,
		MaxAttempts:   policy.MaxAttempts,
		Policy:        policy,
		NextRetryAt:   now.Add(policy.Delay(1)),
		CreatedAt:     now,
		UpdatedAt:     now,
		Priority:      priorityFor(payment.Amount),
		Fingerprint:   fingerprint(transactionID, failure, payment),
		Metadata:      copyMetadata(payment.Metadata),
	}
}

// fingerprint identifies a queueRetry request, so repeating the exact same
// request can be told apart from one carrying fresh failure details.
func fingerprint(transactionID string, failure Failure, payment Payment) string {
	h := hash.NewHash(sha256.New())
	_ = h.WriteFields(
		transactionID,
		string(failure.Code),
		failure.Message,
		payment.UserID,
		strconv.FormatInt(payment.Amount, 10),
		payment.Currency,
	)
	_ = h.WriteMap(payment.Metadata)
	return h.Key()
}

func copyMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
