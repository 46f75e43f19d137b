package client

import (
	"errors"
	"fmt"
)

// Common errors returned by the fetcher. They form the fault kinds the
// rest of the pipeline dispatches on via errors.Is.
var (
	// ErrTransient marks network failures and 5xx responses. Retried.
	ErrTransient = errors.New("transient network failure")

	// ErrRateLimited marks upstream 429 responses. Retried, and the
	// rate limiter is suspended for the Retry-After duration.
	ErrRateLimited = errors.New("rate limited by upstream")

	// ErrClientFault marks 4xx responses other than 429 (bad request,
	// auth failure). Never retried.
	ErrClientFault = errors.New("non-retryable client fault")

	// ErrMalformedResponse marks undecodable or unexpected response
	// bodies. Never retried.
	ErrMalformedResponse = errors.New("malformed upstream response")

	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled
	// while fetching or backing off.
	ErrContextCancelled = errors.New("context cancelled")
)

// ErrorClass labels a fault for logging and metrics.
type ErrorClass string

const (
	// ErrorClassTransient covers network errors and 5xx responses.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassRateLimit covers HTTP 429 responses.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassClient covers 4xx responses other than 429.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassMalformed covers undecodable response bodies.
	ErrorClassMalformed ErrorClass = "malformed"
)

// APIError carries the HTTP status alongside the fault classification.
type APIError struct {
	StatusCode int
	Class      ErrorClass
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("upstream %s error (status %d): %s", e.Class, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *APIError) Unwrap() error {
	return e.Err
}

// classOf maps an error onto its class label.
func classOf(err error) ErrorClass {
	switch {
	case errors.Is(err, ErrRateLimited):
		return ErrorClassRateLimit
	case errors.Is(err, ErrClientFault):
		return ErrorClassClient
	case errors.Is(err, ErrMalformedResponse):
		return ErrorClassMalformed
	default:
		return ErrorClassTransient
	}
}

// retryable reports whether a fault may be retried. Client faults and
// malformed responses propagate immediately; retrying them wastes the
// request budget without any chance of success.
func retryable(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrRateLimited)
}
