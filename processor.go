package retry

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
)

// PaymentRequest is what a retry attempt hands to the payment processor.
type PaymentRequest struct {
	JobID         string            `json:"jobId"`
	TransactionID string            `json:"transactionId"`
	UserID        string            `json:"userId"`
	Amount        int64             `json:"amount"`
	Currency      string            `json:"currency"`
	Attempt       int               `json:"attempt"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// IdempotencyKey is unique per job attempt, so a processor can discard a
// duplicate delivery of the same attempt.
func (r PaymentRequest) IdempotencyKey() string {
	return r.JobID + "-" + strconv.Itoa(r.Attempt)
}

type PaymentResult struct {
	Succeeded    bool      `json:"succeeded"`
	ErrorCode    ErrorCode `json:"errorCode,omitempty"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	Reference    string    `json:"reference,omitempty"`
}

// PaymentProcessor re-invokes payment processing. A returned error means the
// processor could not be reached, a declined payment is a PaymentResult.
type PaymentProcessor interface {
	ProcessPayment(ctx context.Context, req PaymentRequest) (PaymentResult, error)
}

type PaymentProcessorFunc func(ctx context.Context, req PaymentRequest) (PaymentResult, error)

func (f PaymentProcessorFunc) ProcessPayment(ctx context.Context, req PaymentRequest) (PaymentResult, error) {
	return f(ctx, req)
}

func requestFor(job RetryJob) PaymentRequest {
	return PaymentRequest{
		JobID:         job.ID,
		TransactionID: job.TransactionID,
		UserID:        job.UserID,
		Amount:        job.Amount,
		Currency:      job.Currency,
		Attempt:       job.AttemptCount + 1,
		Metadata:      copyMetadata(job.Metadata),
	}
}

var (
	_ PaymentProcessor = &HTTPProcessor{}
)

// HTTPProcessor posts retry attempts to the application's internal charge endpoint.
type HTTPProcessor struct {
	httpClient *http.Client
	endpoint   string
}

func NewHTTPProcessor(endpoint string, timeout time.Duration) *HTTPProcessor {
	return &HTTPProcessor{
		httpClient: &http.Client{Timeout: timeout},
		endpoint:   endpoint,
	}
}

func (h *HTTPProcessor) ProcessPayment(ctx context.Context, req PaymentRequest) (PaymentResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return PaymentResult{}, errors.Wrap(err, "encoding payment request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return PaymentResult{}, errors.Wrap(err, "building payment request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey())

	resp, err := h.httpClient.Do(httpReq)
	if err != nil {
		return PaymentResult{}, errors.Wrapf(err, "calling payment processor for %s", req.TransactionID)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return PaymentResult{}, errors.Wrap(err, "reading payment processor response")
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return PaymentResult{ErrorCode: RateLimited, ErrorMessage: string(respBody)}, nil
	case resp.StatusCode >= http.StatusInternalServerError:
		return PaymentResult{
			ErrorCode:    APIError,
			ErrorMessage: "payment processor returned " + strconv.Itoa(resp.StatusCode),
		}, nil
	}

	var result PaymentResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return PaymentResult{}, errors.Wrapf(err, "decoding payment processor response, status %d", resp.StatusCode)
	}
	if !result.Succeeded && result.ErrorCode == "" {
		result.ErrorCode = ProcessingError
	}
	return result, nil
}
