package retry

import "github.com/cockroachdb/errors"

var (
	// ErrJobNotFound is returned by stores when no active job exists for a transaction.
	ErrJobNotFound = errors.New("retry job not found")

	// ErrStoreUnavailable is returned only when neither the primary nor the fallback store could serve a request.
	ErrStoreUnavailable = errors.New("retry job store unavailable")

	ErrInvalidPayment = errors.New("invalid payment for retry")

	// ErrAttemptInFlight rejects a cancellation while a scheduler holds the transaction lock.
	ErrAttemptInFlight = errors.New("retry attempt in flight")

	ErrAlreadyInitialized = errors.New("initializing retrier already occurred, and retrier is actively running")
)
