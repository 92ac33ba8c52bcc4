// Package jina is a client for Jina AI Search (s.jina.ai), used to find
// obituaries and news reports of a death.
package jina

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"

	"github.com/deadonfilm/enrich/internal/resilience"
)

const (
	defaultBaseURL = "https://s.jina.ai"
	maxErrorBody   = 200
)

// Client searches the web through Jina.
type Client interface {
	Search(ctx context.Context, query string, opts ...SearchOption) (*SearchResponse, error)
}

// SearchResponse is the body of a search call. Code is 422 with no Data
// when Jina found nothing.
type SearchResponse struct {
	Code int            `json:"code"`
	Data []SearchResult `json:"data"`
}

// SearchResult is one hit. Content is empty when the search ran with
// WithoutContent.
type SearchResult struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description"`
	Content     string `json:"content"`
	Date        string `json:"date,omitempty"`
}

// APIError is a non-200 response other than the empty-result 422.
type APIError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("jina: unexpected status %d: %s", e.StatusCode, e.Body)
}

// SearchOption narrows a search.
type SearchOption func(*searchParams)

type searchParams struct {
	site      string
	noContent bool
}

// WithSite restricts hits to one domain, e.g. "legacy.com".
func WithSite(domain string) SearchOption {
	return func(p *searchParams) { p.site = domain }
}

// WithoutContent skips fetching each hit's page, returning only title,
// URL and description. Faster and billed fewer tokens.
func WithoutContent() SearchOption {
	return func(p *searchParams) { p.noContent = true }
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL points the client at another search host.
func WithBaseURL(u string) Option { return func(c *httpClient) { c.baseURL = u } }

// WithHTTPClient replaces the http.Client.
func WithHTTPClient(hc *http.Client) Option { return func(c *httpClient) { c.http = hc } }

// WithRetry sets the retry policy for 5xx and network failures.
func WithRetry(cfg resilience.RetryConfig) Option { return func(c *httpClient) { c.retry = cfg } }

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
	retry   resilience.RetryConfig
}

// NewClient creates a Jina Search client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		retry:   resilience.DefaultRetryConfig(),
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) Search(ctx context.Context, query string, opts ...SearchOption) (*SearchResponse, error) {
	var p searchParams
	for _, o := range opts {
		o(&p)
	}

	reqURL := c.baseURL + "/" + url.PathEscape(query)
	if p.site != "" {
		reqURL += "?" + url.Values{"site": {p.site}}.Encode()
	}

	cfg := c.retry
	cfg.OnRetry = resilience.RetryLogger("jina", "search")
	return resilience.Do(ctx, cfg, func(ctx context.Context) (*SearchResponse, error) {
		status, body, err := c.get(ctx, reqURL, p.noContent)
		if err != nil {
			return nil, err
		}
		if status == http.StatusUnprocessableEntity {
			return &SearchResponse{Code: status}, nil
		}
		var out SearchResponse
		if err := json.Unmarshal(body, &out); err != nil {
			return nil, eris.Wrap(err, "jina: unmarshal search response")
		}
		return &out, nil
	})
}

// get makes one request. It returns the body for 200 and the status alone
// for 422; anything else is an error.
func (c *httpClient) get(ctx context.Context, reqURL string, noContent bool) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return 0, nil, eris.Wrap(err, "jina: create request")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if noContent {
		req.Header.Set("X-Respond-With", "no-content")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, resilience.NewTransientError(eris.Wrap(err, "jina: send request"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, resilience.NewTransientError(eris.Wrap(err, "jina: read response body"), resp.StatusCode)
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusUnprocessableEntity:
		return resp.StatusCode, body, nil
	}
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	return 0, nil, resilience.ClassifyStatus(resp, &APIError{
		StatusCode: resp.StatusCode,
		Body:       string(body),
		RetryAfter: resilience.ParseRetryAfter(resp.Header.Get("Retry-After")),
	})
}
