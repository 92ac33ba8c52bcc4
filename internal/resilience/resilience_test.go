package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Multiplier:     2,
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("bad request"), false},
		{"wrapped transient", NewTransientError(errors.New("503"), 503), true},
		{"reset by peer", errors.New("read: connection reset by peer"), true},
		{"io timeout", errors.New("dial tcp: i/o timeout"), true},
		{"truncated body", fmt.Errorf("read: %w", io.ErrUnexpectedEOF), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestHTTPStatusClassification(t *testing.T) {
	assert.True(t, IsTransientHTTPStatus(http.StatusServiceUnavailable))
	assert.False(t, IsTransientHTTPStatus(http.StatusTooManyRequests))
	assert.False(t, IsTransientHTTPStatus(http.StatusNotFound))
	assert.True(t, IsBlockedHTTPStatus(http.StatusForbidden))
	assert.True(t, IsBlockedHTTPStatus(http.StatusTeapot))
	assert.False(t, IsBlockedHTTPStatus(http.StatusOK))
}

func TestRetryAfterParsing(t *testing.T) {
	assert.Equal(t, time.Duration(0), ParseRetryAfter(""))
	assert.Equal(t, 30*time.Second, ParseRetryAfter(" 30 "))
	assert.Equal(t, time.Duration(0), ParseRetryAfter("-4"))
	assert.Equal(t, time.Duration(0), ParseRetryAfter("garbage"))
	assert.Equal(t, time.Duration(0), ParseRetryAfter("Wed, 21 Oct 2015 07:28:00 GMT"))

	future := time.Now().Add(time.Hour).UTC().Format(http.TimeFormat)
	assert.InDelta(t, float64(time.Hour), float64(ParseRetryAfter(future)), float64(5*time.Second))
}

func TestClassifyStatus(t *testing.T) {
	apiErr := errors.New("wikidata: 503")
	resp := &http.Response{StatusCode: http.StatusServiceUnavailable, Header: http.Header{"Retry-After": {"9"}}}

	err := ClassifyStatus(resp, apiErr)
	var te *TransientError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 9*time.Second, te.RetryAfter)
	assert.ErrorIs(t, err, apiErr)

	resp.StatusCode = http.StatusTooManyRequests
	assert.Same(t, apiErr, ClassifyStatus(resp, apiErr))
}

func TestDo_RetriesTransient(t *testing.T) {
	calls := 0
	v, err := Do(context.Background(), fastRetry(3), func(_ context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", NewTransientError(errors.New("502"), 502)
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 3, calls)
}

func TestDo_StopsOnPermanent(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), fastRetry(5), func(_ context.Context) (int, error) {
		calls++
		return 0, errors.New("bad input")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	calls := 0
	var retried []int
	cfg := fastRetry(3)
	cfg.OnRetry = func(attempt int, _ error, _ time.Duration) { retried = append(retried, attempt) }
	_, err := Do(context.Background(), cfg, func(_ context.Context) (struct{}, error) {
		calls++
		return struct{}{}, NewTransientError(errors.New("timeout"), 0)
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	_, err := Do(ctx, fastRetry(5), func(_ context.Context) (bool, error) {
		calls++
		return false, NewTransientError(errors.New("503"), 503)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestFromRetryConfig(t *testing.T) {
	cfg := FromRetryConfig(5, 100, 0)
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.InitialBackoff)
	assert.Equal(t, DefaultRetryConfig().MaxBackoff, cfg.MaxBackoff)
	assert.Equal(t, DefaultRetryConfig().Jitter, cfg.Jitter)
}

func TestRetryWait(t *testing.T) {
	cfg := RetryConfig{InitialBackoff: time.Second, MaxBackoff: 3 * time.Second, Multiplier: 2}
	assert.Equal(t, time.Second, cfg.wait(0, nil))
	assert.Equal(t, 2*time.Second, cfg.wait(1, nil))
	assert.Equal(t, 3*time.Second, cfg.wait(5, nil))

	slow := &TransientError{Err: errors.New("503"), RetryAfter: 2500 * time.Millisecond}
	assert.Equal(t, 2500*time.Millisecond, cfg.wait(0, slow))
	slow.RetryAfter = time.Minute
	assert.Equal(t, 3*time.Second, cfg.wait(0, slow))
}

func TestCircuitBreaker_Lifecycle(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker("imdb", CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Minute})
	cb.nowFunc = func() time.Time { return now }

	fail := errors.New("blocked")
	assert.True(t, cb.Allow())
	cb.Record(fail)
	assert.Equal(t, CircuitClosed, cb.State())
	cb.Record(fail)
	assert.Equal(t, CircuitOpen, cb.State())
	assert.False(t, cb.Allow())

	now = now.Add(2 * time.Minute)
	assert.True(t, cb.Allow())
	assert.Equal(t, CircuitHalfOpen, cb.State())

	cb.Record(nil)
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker("obituary", CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Second})
	cb.nowFunc = func() time.Time { return now }

	cb.Record(errors.New("x"))
	require.Equal(t, CircuitOpen, cb.State())
	now = now.Add(2 * time.Second)
	require.True(t, cb.Allow())
	cb.Record(errors.New("x"))
	assert.Equal(t, CircuitOpen, cb.State())
}

func TestCircuitBreaker_ShouldTripFilters(t *testing.T) {
	notFound := errors.New("not found")
	cb := NewCircuitBreaker("wikidata", CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
		ShouldTrip:       func(err error) bool { return !errors.Is(err, notFound) },
	})
	cb.Record(notFound)
	assert.Equal(t, CircuitClosed, cb.State())
	cb.Record(errors.New("403"))
	assert.Equal(t, CircuitOpen, cb.State())
}

func TestBreakers_GetAndOpen(t *testing.T) {
	b := NewBreakers(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour})
	assert.Same(t, b.Get("imdb"), b.Get("imdb"))
	b.Get("obituary").Record(errors.New("blocked"))
	b.Get("imdb").Record(nil)
	assert.Equal(t, []string{"obituary"}, b.Open())
}
