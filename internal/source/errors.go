package source

import (
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"

	"github.com/deadonfilm/enrich/internal/model"
)

// ErrNotFound is the benign no-match outcome.
var ErrNotFound = eris.New("source: no match")

// ErrUnavailable means the source is not configured. It is raised
// pre-flight and never counted as an attempt.
var ErrUnavailable = eris.New("source: unavailable")

// AccessBlockedError reports an anti-scraping response (HTTP 403/418 class).
type AccessBlockedError struct {
	URL        string
	StatusCode int
}

func (e *AccessBlockedError) Error() string {
	return fmt.Sprintf("source: access blocked (status %d) fetching %s", e.StatusCode, e.URL)
}

// RateLimitedError reports throttling by the remote service. The source is
// skipped for the current subject only.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("source: rate limited (retry after %s)", e.RetryAfter)
	}
	return "source: rate limited"
}

// ParseError reports a response that could not be interpreted. Detail keeps
// the diagnostic for the attempt record.
type ParseError struct {
	Detail string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("source: parse: %s: %v", e.Detail, e.Err)
	}
	return "source: parse: " + e.Detail
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Classify maps a lookup error onto the attempt error kinds.
func Classify(err error) model.ErrorKind {
	if err == nil {
		return model.ErrorNone
	}
	var blocked *AccessBlockedError
	var limited *RateLimitedError
	var parse *ParseError
	switch {
	case errors.Is(err, ErrNotFound):
		return model.ErrorNotFound
	case errors.As(err, &blocked):
		return model.ErrorBlocked
	case errors.As(err, &limited):
		return model.ErrorRateLimited
	case errors.As(err, &parse):
		return model.ErrorParse
	default:
		return model.ErrorOther
	}
}
