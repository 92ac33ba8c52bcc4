// Package archive retrieves archived snapshots of pages that refused a
// direct fetch.
package archive

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/deadonfilm/enrich/internal/fetcher"
)

const defaultAvailabilityURL = "https://archive.org/wayback/available"

// Result is the outcome of an archive lookup.
type Result struct {
	Success     bool
	Content     string
	SnapshotURL string
	Timestamp   string
}

// Fallback fetches an archived copy of a URL.
type Fallback interface {
	Fetch(ctx context.Context, originalURL string) (Result, error)
}

// Wayback queries the Internet Archive availability API and downloads the
// closest snapshot.
type Wayback struct {
	fetcher         fetcher.Fetcher
	availabilityURL string
}

// Option configures a Wayback client.
type Option func(*Wayback)

// WithAvailabilityURL overrides the availability endpoint.
func WithAvailabilityURL(u string) Option {
	return func(w *Wayback) { w.availabilityURL = u }
}

// NewWayback creates a Wayback client that downloads through f.
func NewWayback(f fetcher.Fetcher, opts ...Option) *Wayback {
	w := &Wayback{fetcher: f, availabilityURL: defaultAvailabilityURL}
	for _, o := range opts {
		o(w)
	}
	return w
}

type availabilityResponse struct {
	ArchivedSnapshots struct {
		Closest *struct {
			Available bool   `json:"available"`
			URL       string `json:"url"`
			Timestamp string `json:"timestamp"`
			Status    string `json:"status"`
		} `json:"closest"`
	} `json:"archived_snapshots"`
}

// Fetch returns the closest archived snapshot of originalURL. No snapshot is
// a normal outcome: Result.Success is false and err is nil.
func (w *Wayback) Fetch(ctx context.Context, originalURL string) (Result, error) {
	q := url.Values{"url": {originalURL}}
	doc, err := w.fetcher.Fetch(ctx, w.availabilityURL+"?"+q.Encode())
	if err != nil {
		return Result{}, eris.Wrap(err, "archive: availability lookup")
	}

	var resp availabilityResponse
	if err := json.Unmarshal([]byte(doc.Body), &resp); err != nil {
		return Result{}, eris.Wrap(err, "archive: decode availability")
	}
	closest := resp.ArchivedSnapshots.Closest
	if closest == nil || !closest.Available || closest.URL == "" {
		zap.L().Debug("archive: no snapshot", zap.String("url", originalURL))
		return Result{}, nil
	}
	if closest.Status != "" && closest.Status != "200" {
		zap.L().Debug("archive: snapshot not a 200 capture",
			zap.String("url", originalURL),
			zap.String("status", closest.Status),
		)
		return Result{}, nil
	}

	snapshot := rawSnapshotURL(closest.URL, closest.Timestamp)
	page, err := w.fetcher.Fetch(ctx, snapshot)
	if err != nil {
		return Result{}, eris.Wrapf(err, "archive: fetch snapshot %s", snapshot)
	}
	if strings.TrimSpace(page.Body) == "" {
		return Result{}, nil
	}
	return Result{
		Success:     true,
		Content:     page.Body,
		SnapshotURL: closest.URL,
		Timestamp:   closest.Timestamp,
	}, nil
}

// rawSnapshotURL rewrites a snapshot URL to the id_ form, which serves the
// original bytes without the Wayback toolbar.
func rawSnapshotURL(snapshot, timestamp string) string {
	if timestamp == "" {
		return snapshot
	}
	marker := "/web/" + timestamp + "/"
	if !strings.Contains(snapshot, marker) {
		return snapshot
	}
	return strings.Replace(snapshot, marker, "/web/"+timestamp+"id_/", 1)
}
