// Package source defines the contract every death-evidence provider
// implements, the error taxonomy for a single lookup, and the registry the
// waterfall selects sources from.
package source

import (
	"context"
	"strings"

	"github.com/deadonfilm/enrich/internal/model"
)

// ReliabilityTier is the static trust classification of a source. Lower
// values are queried first and carry more weight in reconciliation.
type ReliabilityTier int

// Reliability tiers in query priority order.
const (
	TierPrimaryRecord ReliabilityTier = iota + 1
	TierStructuredRecord
	TierObituary
	TierSearchAggregator
	TierAISynthesis
)

var tierNames = map[ReliabilityTier]string{
	TierPrimaryRecord:    "primary_record",
	TierStructuredRecord: "structured_record",
	TierObituary:         "obituary",
	TierSearchAggregator: "search_aggregator",
	TierAISynthesis:      "ai_synthesis",
}

func (t ReliabilityTier) String() string {
	if n, ok := tierNames[t]; ok {
		return n
	}
	return "unknown"
}

// ParseReliabilityTier maps a tier name back to its value.
func ParseReliabilityTier(s string) (ReliabilityTier, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for t, n := range tierNames {
		if n == s {
			return t, true
		}
	}
	return 0, false
}

// HighTrust reports whether a contradiction from this tier is strong enough
// to flag the system-of-record as suspicious.
func (t ReliabilityTier) HighTrust() bool {
	return t == TierPrimaryRecord || t == TierStructuredRecord
}

// Category groups sources by how they are paid for. Runs enable categories
// independently.
type Category string

// Source categories.
const (
	CategoryFree Category = "free"
	CategoryPaid Category = "paid"
	CategoryAI   Category = "ai"
)

// Categories is the set of enabled source categories for a run.
type Categories struct {
	Free bool `yaml:"free" mapstructure:"free" json:"free"`
	Paid bool `yaml:"paid" mapstructure:"paid" json:"paid"`
	AI   bool `yaml:"ai" mapstructure:"ai" json:"ai"`
}

// Allows reports whether the category is enabled.
func (c Categories) Allows(cat Category) bool {
	switch cat {
	case CategoryFree:
		return c.Free
	case CategoryPaid:
		return c.Paid
	case CategoryAI:
		return c.AI
	}
	return false
}

// Request is the input to a single lookup.
type Request struct {
	Subject model.Subject
	// Prior holds the results already gathered for this subject, in query
	// order. Synthesis sources read raw text from it.
	Prior []model.SourceQueryResult
}

// Result is the output of a single lookup. CostUSD is what the provider
// says the call cost, where it meters spend. It is logged for diagnostics
// only; budgets and totals use EstimatedCostPerQuery.
type Result struct {
	Evidence *model.DeathEvidence
	CostUSD  float64
}

// DataSource is the uniform contract each evidence provider implements.
//
// Lookup returns a nil error and non-nil Evidence on success. An ordinary
// miss returns ErrNotFound. Anti-scraping responses return
// *AccessBlockedError so the caller can try the archive; throttling returns
// *RateLimitedError; unparseable documents return *ParseError. Sources wait
// on their own Throttle before any network call.
type DataSource interface {
	Name() string
	ReliabilityTier() ReliabilityTier
	IsFree() bool
	EstimatedCostPerQuery() float64
	IsAvailable() bool
	Lookup(ctx context.Context, req Request) (Result, error)
}

// ArchiveParser is implemented by sources that can extract evidence from an
// archived snapshot of a document they were blocked from fetching.
type ArchiveParser interface {
	ParseArchived(ctx context.Context, subject model.Subject, originalURL, content string) (*model.DeathEvidence, error)
}

// CategoryOf derives the run category of a source.
func CategoryOf(ds DataSource) Category {
	switch {
	case ds.ReliabilityTier() == TierAISynthesis:
		return CategoryAI
	case ds.IsFree():
		return CategoryFree
	default:
		return CategoryPaid
	}
}
