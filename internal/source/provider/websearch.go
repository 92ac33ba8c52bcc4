package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/deadonfilm/enrich/internal/source"
	"github.com/deadonfilm/enrich/pkg/jina"
)

// WebSearch runs a general Jina web search and parses the death statement
// out of result snippets. It never fetches result pages.
type WebSearch struct {
	search     jina.Client
	searchCost float64
	throttle   *source.Throttle
}

// NewWebSearch creates the web search source.
func NewWebSearch(search jina.Client, searchCost float64, throttle *source.Throttle) *WebSearch {
	return &WebSearch{search: search, searchCost: searchCost, throttle: throttle}
}

func (w *WebSearch) Name() string                            { return NameWebSearch }
func (w *WebSearch) ReliabilityTier() source.ReliabilityTier { return source.TierSearchAggregator }
func (w *WebSearch) IsFree() bool                            { return false }
func (w *WebSearch) EstimatedCostPerQuery() float64          { return w.searchCost }
func (w *WebSearch) IsAvailable() bool                       { return w.search != nil }

func (w *WebSearch) Lookup(ctx context.Context, req source.Request) (source.Result, error) {
	if !w.IsAvailable() {
		return source.Result{}, source.ErrUnavailable
	}
	subject := req.Subject
	if subject.Name == "" {
		return source.Result{}, source.ErrNotFound
	}
	if err := w.throttle.Wait(ctx); err != nil {
		return source.Result{}, err
	}

	resp, err := w.search.Search(ctx, fmt.Sprintf("%q died cause of death", subject.Name))
	if err != nil {
		return source.Result{}, jinaErr(err, "websearch: search")
	}
	res := source.Result{CostUSD: w.searchCost}

	for _, r := range resp.Data {
		text := snippet(r)
		if !mentions(text, subject.Name) {
			continue
		}
		if ev := ParseDeathText(text); ev != nil {
			ev.URL = r.URL
			res.Evidence = ev
			return res, nil
		}
	}
	return res, source.ErrNotFound
}

// snippet joins the searchable text of a result.
func snippet(r jina.SearchResult) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{r.Title, r.Description, r.Content} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return plainText(strings.Join(parts, ". "))
}
