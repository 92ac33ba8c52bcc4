package fetcher

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/deadonfilm/enrich/internal/resilience"
	"github.com/deadonfilm/enrich/internal/source"
)

const defaultMaxBody = 4 << 20

// HTTPOptions configures the HTTP fetcher.
type HTTPOptions struct {
	UserAgent string
	Timeout   time.Duration
	Retry     resilience.RetryConfig
	// HostRate is the starting requests/second for hosts without an entry in
	// HostRates.
	HostRate  rate.Limit
	HostRates map[string]rate.Limit
	// MaxBodyBytes truncates Fetch bodies. Download is not limited.
	MaxBodyBytes int64
	Client       *http.Client
}

// HTTPFetcher implements Fetcher using net/http with retry and adaptive
// per-host rate limiting.
type HTTPFetcher struct {
	client *http.Client
	opts   HTTPOptions

	mu       sync.Mutex
	limiters map[string]*AdaptiveLimiter
}

// NewHTTPFetcher creates an HTTPFetcher.
func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "death-enrich/1.0"
	}
	if opts.HostRate <= 0 {
		opts.HostRate = 2
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBody
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = resilience.DefaultRetryConfig()
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return &HTTPFetcher{
		client:   client,
		opts:     opts,
		limiters: make(map[string]*AdaptiveLimiter),
	}
}

func (f *HTTPFetcher) limiterFor(host string) *AdaptiveLimiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	lim, ok := f.limiters[host]
	if !ok {
		r := f.opts.HostRate
		if hr, ok := f.opts.HostRates[host]; ok && hr > 0 {
			r = hr
		}
		lim = NewAdaptiveLimiter(r, 1)
		f.limiters[host] = lim
	}
	return lim
}

// Fetch retrieves rawURL and returns its body as text.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (*Document, error) {
	cfg := f.opts.Retry
	cfg.OnRetry = resilience.RetryLogger("fetcher", rawURL)

	return resilience.Do(ctx, cfg, func(ctx context.Context) (*Document, error) {
		resp, err := f.do(ctx, rawURL)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close() //nolint:errcheck

		body, err := io.ReadAll(io.LimitReader(resp.Body, f.opts.MaxBodyBytes))
		if err != nil {
			return nil, resilience.NewTransientError(eris.Wrap(err, "fetcher: read body"), 0)
		}
		return &Document{
			URL:         rawURL,
			StatusCode:  resp.StatusCode,
			ContentType: resp.Header.Get("Content-Type"),
			Body:        string(body),
		}, nil
	})
}

// Download streams rawURL. The caller closes the body.
func (f *HTTPFetcher) Download(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	resp, err := resilience.Do(ctx, f.opts.Retry, func(ctx context.Context) (*http.Response, error) {
		return f.do(ctx, rawURL)
	})
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// do issues one rate-limited GET and maps non-2xx statuses to errors. On
// success the caller owns the response body.
func (f *HTTPFetcher) do(ctx context.Context, rawURL string) (*http.Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: parse url %q", rawURL)
	}
	lim := f.limiterFor(u.Host)
	if err := lim.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "fetcher: rate limiter wait")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: create request")
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,*/*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrapf(err, "fetcher: get %s", rawURL), 0)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		lim.OnSuccess()
		return resp, nil
	}
	_ = resp.Body.Close()

	switch code := resp.StatusCode; {
	case resilience.IsBlockedHTTPStatus(code):
		zap.L().Warn("fetcher: access blocked",
			zap.String("url", rawURL),
			zap.Int("status", code),
		)
		return nil, &source.AccessBlockedError{URL: rawURL, StatusCode: code}
	case code == http.StatusTooManyRequests:
		lim.OnRateLimit(u.Host)
		return nil, &source.RateLimitedError{RetryAfter: resilience.ParseRetryAfter(resp.Header.Get("Retry-After"))}
	case code == http.StatusNotFound || code == http.StatusGone:
		return nil, eris.Wrapf(source.ErrNotFound, "fetcher: %s returned %d", rawURL, code)
	case resilience.IsTransientHTTPStatus(code):
		return nil, resilience.ClassifyStatus(resp, eris.Errorf("fetcher: %s returned %d", rawURL, code))
	default:
		return nil, eris.Errorf("fetcher: unexpected status %d from %s", code, rawURL)
	}
}
