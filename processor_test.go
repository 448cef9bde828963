package retry_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	retry "github.com/TimKotowski/pg-payment-retry"
)

func TestHTTPProcessor(t *testing.T) {
	req := retry.PaymentRequest{
		JobID:         "01J8Z",
		TransactionID: "txn_1",
		UserID:        "user_1",
		Amount:        4999,
		Currency:      "usd",
		Attempt:       2,
	}

	t.Run("sends the attempt with an idempotency key", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "01J8Z-2", r.Header.Get("Idempotency-Key"))

			var got retry.PaymentRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			assert.Equal(t, req, got)

			_ = json.NewEncoder(w).Encode(retry.PaymentResult{Succeeded: true, Reference: "ch_1"})
		}))
		defer server.Close()

		result, err := retry.NewHTTPProcessor(server.URL, time.Second).ProcessPayment(context.Background(), req)
		require.NoError(t, err)
		assert.True(t, result.Succeeded)
		assert.Equal(t, "ch_1", result.Reference)
	})

	t.Run("declines come back as results", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusPaymentRequired)
			_ = json.NewEncoder(w).Encode(retry.PaymentResult{ErrorCode: retry.InsufficientFunds, ErrorMessage: "nsf"})
		}))
		defer server.Close()

		result, err := retry.NewHTTPProcessor(server.URL, time.Second).ProcessPayment(context.Background(), req)
		require.NoError(t, err)
		assert.False(t, result.Succeeded)
		assert.Equal(t, retry.InsufficientFunds, result.ErrorCode)
	})

	t.Run("status codes map to transient errors", func(t *testing.T) {
		cases := map[int]retry.ErrorCode{
			http.StatusTooManyRequests:     retry.RateLimited,
			http.StatusInternalServerError: retry.APIError,
			http.StatusServiceUnavailable:  retry.APIError,
		}
		for status, code := range cases {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(status)
			}))

			result, err := retry.NewHTTPProcessor(server.URL, time.Second).ProcessPayment(context.Background(), req)
			server.Close()
			require.NoError(t, err)
			assert.Equal(t, code, result.ErrorCode, status)
		}
	})

	t.Run("unreachable endpoint is an error", func(t *testing.T) {
		server := httptest.NewServer(http.NotFoundHandler())
		url := server.URL
		server.Close()

		_, err := retry.NewHTTPProcessor(url, time.Second).ProcessPayment(context.Background(), req)
		assert.Error(t, err)
	})
}
