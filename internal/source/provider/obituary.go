package provider

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/deadonfilm/enrich/internal/fetcher"
	"github.com/deadonfilm/enrich/internal/model"
	"github.com/deadonfilm/enrich/internal/source"
	"github.com/deadonfilm/enrich/pkg/jina"
)

// Obituary finds the subject's obituary on a memorial site through Jina
// search, fetches the page directly and parses the death statement. Pages
// that refuse the fetch are reported as blocked so the archive can be
// tried; ParseArchived handles the snapshot.
type Obituary struct {
	search     jina.Client
	fetch      fetcher.Fetcher
	site       string
	searchCost float64
	throttle   *source.Throttle
}

// NewObituary creates the obituary source. site restricts search results,
// e.g. "legacy.com". searchCost is charged per search call.
func NewObituary(search jina.Client, fetch fetcher.Fetcher, site string, searchCost float64, throttle *source.Throttle) *Obituary {
	return &Obituary{search: search, fetch: fetch, site: site, searchCost: searchCost, throttle: throttle}
}

func (o *Obituary) Name() string                            { return NameObituary }
func (o *Obituary) ReliabilityTier() source.ReliabilityTier { return source.TierObituary }
func (o *Obituary) IsFree() bool                            { return true }
func (o *Obituary) EstimatedCostPerQuery() float64          { return o.searchCost }
func (o *Obituary) IsAvailable() bool                       { return o.search != nil && o.fetch != nil }

func (o *Obituary) Lookup(ctx context.Context, req source.Request) (source.Result, error) {
	if !o.IsAvailable() {
		return source.Result{}, source.ErrUnavailable
	}
	subject := req.Subject
	if subject.Name == "" {
		return source.Result{}, source.ErrNotFound
	}
	if err := o.throttle.Wait(ctx); err != nil {
		return source.Result{}, err
	}

	// Only the hit's title and description are matched; the page itself
	// goes through the fetcher.
	opts := []jina.SearchOption{jina.WithoutContent()}
	if o.site != "" {
		opts = append(opts, jina.WithSite(o.site))
	}
	resp, err := o.search.Search(ctx, obituaryQuery(subject), opts...)
	if err != nil {
		return source.Result{}, jinaErr(err, "obituary: search")
	}
	res := source.Result{CostUSD: o.searchCost}

	hit, ok := firstMention(resp.Data, subject.Name)
	if !ok {
		return res, source.ErrNotFound
	}

	doc, err := o.fetch.Fetch(ctx, hit.URL)
	if err != nil {
		var blocked *source.AccessBlockedError
		if errors.As(err, &blocked) {
			subjectLog(o.Name(), subject).Warn("obituary: page blocked", zap.String("url", hit.URL), zap.Int("status", blocked.StatusCode))
			return res, err
		}
		if errors.Is(err, source.ErrNotFound) {
			return res, source.ErrNotFound
		}
		return res, err
	}

	ev, err := o.parse(subject, doc.Body)
	if err != nil {
		return res, err
	}
	ev.URL = hit.URL
	res.Evidence = ev
	return res, nil
}

// ParseArchived extracts evidence from an archived copy of an obituary.
func (o *Obituary) ParseArchived(_ context.Context, subject model.Subject, originalURL, content string) (*model.DeathEvidence, error) {
	ev, err := o.parse(subject, content)
	if err != nil {
		return nil, err
	}
	ev.URL = originalURL
	return ev, nil
}

func (o *Obituary) parse(subject model.Subject, body string) (*model.DeathEvidence, error) {
	if body == "" {
		return nil, &source.ParseError{Detail: "empty page"}
	}
	body = plainText(body)
	if !mentions(body, subject.Name) {
		return nil, source.ErrNotFound
	}
	ev := ParseDeathText(body)
	if ev == nil {
		return nil, &source.ParseError{Detail: "no death statement"}
	}
	return ev, nil
}

func obituaryQuery(s model.Subject) string {
	q := fmt.Sprintf("%q obituary", s.Name)
	if y := s.DeathYear(); y > 0 {
		q += " " + strconv.Itoa(y)
	}
	return q
}

// firstMention returns the first result whose title or description names
// the subject.
func firstMention(results []jina.SearchResult, name string) (jina.SearchResult, bool) {
	for _, r := range results {
		if r.URL != "" && (mentions(r.Title, name) || mentions(r.Description, name)) {
			return r, true
		}
	}
	return jina.SearchResult{}, false
}

// jinaErr maps Jina API statuses onto source errors.
func jinaErr(err error, action string) error {
	var apiErr *jina.APIError
	if errors.As(err, &apiErr) {
		return statusError(apiErr.StatusCode, apiErr.RetryAfter, "", eris.Wrap(err, action))
	}
	return eris.Wrap(err, action)
}
