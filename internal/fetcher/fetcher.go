// Package fetcher retrieves remote documents for evidence sources, enforcing
// per-host rate limits and translating anti-scraping responses into the
// typed source errors.
package fetcher

import (
	"context"
	"io"
)

// Document is a fetched page.
type Document struct {
	URL         string
	StatusCode  int
	ContentType string
	Body        string
}

// Fetcher defines the interface for downloading remote data.
type Fetcher interface {
	// Fetch retrieves a page body. 403/418 responses return
	// *source.AccessBlockedError, 429 returns *source.RateLimitedError and
	// 404 wraps source.ErrNotFound.
	Fetch(ctx context.Context, url string) (*Document, error)

	// Download streams a large resource such as a dataset dump.
	Download(ctx context.Context, url string) (io.ReadCloser, error)
}
