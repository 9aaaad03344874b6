package binance

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"
)

// APIError is an error response from the exchange REST interface.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       int    `json:"code"`
	Message    string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance API error %d (code %d): %s", e.StatusCode, e.Code, e.Message)
}

// parseAPIError builds an APIError from a non-200 response body.
func parseAPIError(statusCode int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: statusCode}
	if err := json.Unmarshal(body, apiErr); err != nil {
		apiErr.Message = string(body)
	}
	return apiErr
}

// IsRetriable reports whether an error is worth retrying: network failures,
// 5xx responses, and 429 rate limiting. Validation rejections (other 4xx) are
// surfaced to the caller as-is.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= http.StatusInternalServerError ||
			apiErr.StatusCode == http.StatusTooManyRequests
	}
	// Anything that never reached the exchange (dial, timeout) is transient.
	return true
}

// WithRetry runs fn with exponential backoff, up to maxAttempts. Non-retriable
// errors abort immediately.
func WithRetry(maxAttempts int, fn func() error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	backoff := 500 * time.Millisecond
	var err error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !IsRetriable(err) {
			return err
		}
		if attempt < maxAttempts {
			log.Printf("[Binance] transient error (attempt %d/%d), retrying in %v: %v",
				attempt, maxAttempts, backoff, err)
			time.Sleep(backoff)
			backoff *= 2
		}
	}

	return fmt.Errorf("retries exhausted after %d attempts: %w", maxAttempts, err)
}
