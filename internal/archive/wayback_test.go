package archive

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deadonfilm/enrich/internal/fetcher"
	"github.com/deadonfilm/enrich/internal/resilience"
)

func testFetcher() *fetcher.HTTPFetcher {
	return fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		HostRate: 1000,
		Retry:    resilience.RetryConfig{MaxAttempts: 1, InitialBackoff: time.Millisecond},
	})
}

func TestWayback_FetchSnapshot(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/wayback/available":
			assert.Equal(t, "https://obits.example.com/jane", r.URL.Query().Get("url"))
			fmt.Fprintf(w, `{"archived_snapshots":{"closest":{"available":true,"status":"200","timestamp":"20200101000000","url":"%s/web/20200101000000/https://obits.example.com/jane"}}}`, srv.URL)
		case strings.HasPrefix(r.URL.Path, "/web/20200101000000id_/"):
			_, _ = w.Write([]byte("Jane Doe died on March 3, 1999 of pneumonia."))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	wb := NewWayback(testFetcher(), WithAvailabilityURL(srv.URL+"/wayback/available"))
	res, err := wb.Fetch(context.Background(), "https://obits.example.com/jane")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Contains(t, res.Content, "died on March 3, 1999")
	assert.Equal(t, "20200101000000", res.Timestamp)
}

func TestWayback_NoSnapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"archived_snapshots":{}}`))
	}))
	defer srv.Close()

	wb := NewWayback(testFetcher(), WithAvailabilityURL(srv.URL))
	res, err := wb.Fetch(context.Background(), "https://example.com/x")
	require.NoError(t, err)
	assert.False(t, res.Success)
}

func TestWayback_BadJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>`))
	}))
	defer srv.Close()

	wb := NewWayback(testFetcher(), WithAvailabilityURL(srv.URL))
	_, err := wb.Fetch(context.Background(), "https://example.com/x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode availability")
}

func TestRawSnapshotURL(t *testing.T) {
	assert.Equal(t,
		"http://web.archive.org/web/2020id_/https://a.com/",
		rawSnapshotURL("http://web.archive.org/web/2020/https://a.com/", "2020"))
	assert.Equal(t, "http://x/y", rawSnapshotURL("http://x/y", "2020"))
	assert.Equal(t, "http://x/y", rawSnapshotURL("http://x/y", ""))
}
