package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fathomlabs/fathom/pkg/models"
)

// ProviderError is a terminal provider-side failure surfaced from a stream.
type ProviderError struct {
	Message    string
	StatusCode int
	Failure    models.FailureType
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider error (%s, status %d): %s", e.Failure, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("provider error (%s): %s", e.Failure, e.Message)
}

// ClassifyStatus maps an HTTP status code to a failure category.
func ClassifyStatus(status int) models.FailureType {
	switch {
	case status == http.StatusTooManyRequests:
		return models.FailureRateLimit
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return models.FailureAuthError
	case status == http.StatusBadRequest || status == http.StatusNotFound ||
		status == http.StatusRequestEntityTooLarge || status == http.StatusUnprocessableEntity:
		return models.FailureBadRequest
	case status >= 500:
		return models.FailureServerError
	default:
		return models.FailureUnknown
	}
}

// ClassifyError extracts the failure category from an error. ProviderError
// carries its own classification; context cancellation is a bad request
// (retrying a cancelled call is pointless); anything else is unknown.
func ClassifyError(err error) models.FailureType {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Failure
	}
	if errors.Is(err, context.Canceled) {
		return models.FailureBadRequest
	}
	return models.FailureUnknown
}

// RetryDelay returns the backoff before retry number attempt (1-based):
// base × 2^(attempt−1), where base depends on the failure category.
func RetryDelay(failure models.FailureType, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return failure.BackoffBase() * time.Duration(1<<(attempt-1))
}
