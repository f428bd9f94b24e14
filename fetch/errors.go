package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// TimeoutError indicates a timeout while issuing a request.
type TimeoutError struct {
	Err error
}

func (e TimeoutError) Error() string { return "timeout: " + e.Err.Error() }
func (e TimeoutError) Unwrap() error { return e.Err }

// ConnectionError indicates a network connectivity failure.
type ConnectionError struct {
	Err error
}

func (e ConnectionError) Error() string { return "connection: " + e.Err.Error() }
func (e ConnectionError) Unwrap() error { return e.Err }

// ForbiddenError indicates an HTTP 403 response.
type ForbiddenError struct {
	Err error
}

func (e ForbiddenError) Error() string { return "forbidden: " + e.Err.Error() }
func (e ForbiddenError) Unwrap() error { return e.Err }

// NotFoundError indicates an HTTP 404 response.
type NotFoundError struct {
	Err error
}

func (e NotFoundError) Error() string { return "not_found: " + e.Err.Error() }
func (e NotFoundError) Unwrap() error { return e.Err }

// RateLimitedError indicates the remote host rate-limited the request.
type RateLimitedError struct {
	Err error
}

func (e RateLimitedError) Error() string { return "rate_limited: " + e.Err.Error() }
func (e RateLimitedError) Unwrap() error { return e.Err }

// Classify wraps transport errors and HTTP statuses into the typed taxonomy.
func Classify(err error, statusCode int) error {
	if err == nil && statusCode == 0 {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return TimeoutError{Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return TimeoutError{Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ConnectionError{Err: err}
	}

	if statusCode >= http.StatusBadRequest {
		wrapped := err
		if wrapped == nil {
			wrapped = fmt.Errorf("http status %d", statusCode)
		}
		switch statusCode {
		case http.StatusForbidden:
			return ForbiddenError{Err: wrapped}
		case http.StatusNotFound:
			return NotFoundError{Err: wrapped}
		case http.StatusTooManyRequests:
			return RateLimitedError{Err: wrapped}
		}
		return wrapped
	}

	return err
}

// Label buckets an error for metrics and summaries.
func Label(err error) string {
	if err == nil {
		return "none"
	}
	var timeout TimeoutError
	if errors.As(err, &timeout) {
		return "timeout"
	}
	var conn ConnectionError
	if errors.As(err, &conn) {
		return "connection"
	}
	var forbidden ForbiddenError
	if errors.As(err, &forbidden) {
		return "forbidden"
	}
	var notFound NotFoundError
	if errors.As(err, &notFound) {
		return "not_found"
	}
	var rateLimited RateLimitedError
	if errors.As(err, &rateLimited) {
		return "rate_limited"
	}
	return "other"
}

// IsTransient reports whether an error is worth retrying with the standard
// inter-request delay. Rate limits and hard statuses are not.
func IsTransient(err error) bool {
	var timeout TimeoutError
	var conn ConnectionError
	return errors.As(err, &timeout) || errors.As(err, &conn)
}
