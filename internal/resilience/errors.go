// Package resilience provides retry and circuit-breaker primitives for calls
// to external evidence sources.
package resilience

import (
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// TransientError marks a provider failure worth retrying. RetryAfter is the
// pause the server asked for, if any.
type TransientError struct {
	Err        error
	StatusCode int
	RetryAfter time.Duration
}

func (e *TransientError) Error() string { return e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// NewTransientError marks err as retryable. statusCode is 0 for transport
// failures.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// IsTransient reports whether err is worth another attempt: an explicit
// TransientError, a network timeout, a dropped connection or a truncated body.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	switch {
	case errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.EPIPE):
		return true
	}
	// Errors that crossed a fmt boundary lose their chain.
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "i/o timeout") ||
		strings.Contains(msg, "broken pipe")
}

// IsTransientHTTPStatus reports whether a provider status is a passing
// server-side fault. 429 is not one: rate limits go back to the cascade so
// the source is skipped for the subject instead of retried in place.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusRequestTimeout,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// IsBlockedHTTPStatus reports whether a status is an anti-scraping response
// from an obituary or news site.
func IsBlockedHTTPStatus(statusCode int) bool {
	return statusCode == http.StatusForbidden || statusCode == http.StatusTeapot
}

// ParseRetryAfter reads a Retry-After value in delta-seconds or HTTP-date
// form. Unparseable or past values give 0.
func ParseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(max(secs, 0)) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		return max(time.Until(t), 0)
	}
	return 0
}

// ClassifyStatus wraps apiErr in a TransientError when resp carries a
// retryable status, copying the server's Retry-After onto it.
func ClassifyStatus(resp *http.Response, apiErr error) error {
	if !IsTransientHTTPStatus(resp.StatusCode) {
		return apiErr
	}
	te := NewTransientError(apiErr, resp.StatusCode)
	te.RetryAfter = ParseRetryAfter(resp.Header.Get("Retry-After"))
	return te
}
