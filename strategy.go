package retry

import (
	"math"
	"time"

	"github.com/cockroachdb/errors"
)

type ErrorCode string

const (
	// Permanent declines, a retry can never succeed without user action.
	CardDeclined                ErrorCode = "card_declined"
	ExpiredCard                 ErrorCode = "expired_card"
	IncorrectCVC                ErrorCode = "incorrect_cvc"
	Fraudulent                  ErrorCode = "fraudulent"
	LostCard                    ErrorCode = "lost_card"
	StolenCard                  ErrorCode = "stolen_card"
	AuthenticationRequired      ErrorCode = "authentication_required"
	BiometricVerificationFailed ErrorCode = "biometric_verification_failed"

	InsufficientFunds  ErrorCode = "insufficient_funds"
	ProcessingError    ErrorCode = "processing_error"
	APIError           ErrorCode = "api_error"
	APIConnectionError ErrorCode = "api_connection_error"
	NetworkError       ErrorCode = "network_error"
	Timeout            ErrorCode = "timeout"
	RateLimited        ErrorCode = "rate_limit"
)

// Policy is the retry rule set for one error classification.
// A copy is stored on every RetryJob at enqueue time.
type Policy struct {
	ShouldRetry  bool          `json:"shouldRetry"`
	MaxAttempts  int           `json:"maxAttempts"`
	InitialDelay time.Duration `json:"initialDelay"`
	Immediate    bool          `json:"immediate"`
}

// DefaultPolicy applies to any error code missing from the table.
var DefaultPolicy = Policy{
	ShouldRetry:  true,
	MaxAttempts:  2,
	InitialDelay: 5 * time.Minute,
}

var noRetry = Policy{ShouldRetry: false}

var defaultStrategies = StrategyTable{
	CardDeclined:                noRetry,
	ExpiredCard:                 noRetry,
	IncorrectCVC:                noRetry,
	Fraudulent:                  noRetry,
	LostCard:                    noRetry,
	StolenCard:                  noRetry,
	AuthenticationRequired:      noRetry,
	BiometricVerificationFailed: noRetry,

	InsufficientFunds:  {ShouldRetry: true, MaxAttempts: 1, InitialDelay: 24 * time.Hour},
	ProcessingError:    {ShouldRetry: true, MaxAttempts: 3, InitialDelay: time.Minute},
	APIError:           {ShouldRetry: true, MaxAttempts: 3, InitialDelay: 2 * time.Minute},
	APIConnectionError: {ShouldRetry: true, MaxAttempts: 5, InitialDelay: 30 * time.Second, Immediate: true},
	NetworkError:       {ShouldRetry: true, MaxAttempts: 5, InitialDelay: 30 * time.Second, Immediate: true},
	Timeout:            {ShouldRetry: true, MaxAttempts: 3, InitialDelay: 30 * time.Second, Immediate: true},
	RateLimited:        {ShouldRetry: true, MaxAttempts: 3, InitialDelay: 5 * time.Minute},
}

type StrategyTable map[ErrorCode]Policy

// DefaultStrategies returns a copy of the built-in table, safe to extend.
func DefaultStrategies() StrategyTable {
	t := make(StrategyTable, len(defaultStrategies))
	for code, p := range defaultStrategies {
		t[code] = p
	}
	return t
}

// Classify never fails, unknown codes resolve to DefaultPolicy.
func (t StrategyTable) Classify(code ErrorCode) Policy {
	if p, ok := t[code]; ok {
		return p
	}
	return DefaultPolicy
}

func (t StrategyTable) Validate() error {
	for code, p := range t {
		if err := p.Validate(); err != nil {
			return errors.Wrapf(err, "strategy %q", code)
		}
	}
	return nil
}

func (p Policy) Validate() error {
	if p.MaxAttempts < 0 {
		return errors.New("max attempts cant be negative")
	}
	if p.InitialDelay < 0 {
		return errors.New("initial delay cant be negative")
	}
	if p.ShouldRetry && p.MaxAttempts == 0 {
		return errors.New("retryable policy needs at least one attempt")
	}
	return nil
}

// Delay returns the wait before the 1-indexed attempt: InitialDelay * 2^(attempt-1).
// Immediate policies skip the wait for the first attempt only.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if p.Immediate && attempt == 1 {
		return 0
	}
	if p.InitialDelay <= 0 {
		return 0
	}

	shift := attempt - 1
	if shift >= 62 || p.InitialDelay > time.Duration(math.MaxInt64>>shift) {
		return time.Duration(math.MaxInt64)
	}
	return p.InitialDelay << shift
}
