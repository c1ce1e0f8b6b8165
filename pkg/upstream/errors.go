package upstream

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/harborwatch/fleetglass/pkg/breaker"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")
)

// ErrorClass classifies upstream failures for retry and breaker decisions.
type ErrorClass string

const (
	// ClassNetwork represents transport-level failures and timeouts.
	ClassNetwork ErrorClass = "network"

	// ClassAuth represents 401/403 responses. Never retried.
	ClassAuth ErrorClass = "auth"

	// ClassRateLimit represents 429 responses. Retried with backoff.
	ClassRateLimit ErrorClass = "rate_limit"

	// ClassServer represents 5xx responses. Retried, breaker-relevant.
	ClassServer ErrorClass = "server"

	// ClassUnknown represents everything else (other 4xx). Not retried.
	ClassUnknown ErrorClass = "unknown"
)

// Error is an upstream API error with its classification.
type Error struct {
	StatusCode int
	Class      ErrorClass
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("upstream %s error (status %d): %s: %v",
			e.Class, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("upstream %s error (status %d): %s",
		e.Class, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// classifyStatus maps an HTTP status code to an error class.
func classifyStatus(status int) ErrorClass {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ClassAuth
	case status == http.StatusTooManyRequests:
		return ClassRateLimit
	case status >= 500:
		return ClassServer
	default:
		return ClassUnknown
	}
}

// shouldRetry determines if an error class is worth another attempt.
// Auth failures fail fast; unknown client-side conditions are not retried.
func shouldRetry(class ErrorClass) bool {
	switch class {
	case ClassNetwork, ClassRateLimit, ClassServer:
		return true
	default:
		return false
	}
}

// isBreakerFailure is the breaker's IsFailure predicate: only server and
// network failures indicate an unhealthy partition. Auth and rate-limit
// conditions are caller-side and must not trip the breaker.
func isBreakerFailure(err error) bool {
	var uerr *Error
	if errors.As(err, &uerr) {
		return uerr.Class == ClassServer || uerr.Class == ClassNetwork
	}
	return true
}

// IsBreakerOpen reports whether err is a breaker rejection and returns the
// open-error for retry-after hints.
func IsBreakerOpen(err error) (*breaker.OpenError, bool) {
	var openErr *breaker.OpenError
	if errors.As(err, &openErr) {
		return openErr, true
	}
	return nil, false
}
