package cost

import (
	"go.uber.org/zap"
)

// costEpsilon absorbs float rounding when comparing sums of cents.
const costEpsilon = 1e-9

// Budget holds the spending ceilings for a run. Zero means unlimited.
type Budget struct {
	MaxCostPerSubject float64 `yaml:"max_cost_per_subject" mapstructure:"max_cost_per_subject" json:"max_cost_per_subject"`
	MaxTotalCost      float64 `yaml:"max_total_cost" mapstructure:"max_total_cost" json:"max_total_cost"`
}

// Decision is the guard's answer to a proposed query.
type Decision int

// Guard decisions.
const (
	Allow Decision = iota
	// DenySubject means the per-subject cap would be exceeded.
	DenySubject
	// DenyRun means the run-wide cap would be exceeded.
	DenyRun
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case DenySubject:
		return "deny_subject"
	case DenyRun:
		return "deny_run"
	default:
		return "unknown"
	}
}

// Guard tracks spend against a Budget. Queries are checked before they are
// issued and charged at the same declared cost, so the run total never
// exceeds MaxTotalCost. A Guard belongs to one batch run and is not safe for
// concurrent use.
type Guard struct {
	budget    Budget
	total     float64
	subject   float64
	exhausted bool
}

// NewGuard creates a guard seeded with spend carried over from a resumed run.
func NewGuard(b Budget, alreadySpent float64) *Guard {
	return &Guard{budget: b, total: alreadySpent}
}

// BeginSubject resets the per-subject tally.
func (g *Guard) BeginSubject() {
	g.subject = 0
}

// BeforeQuery decides whether a query with the given estimated cost may run.
// Free queries are always allowed. A run-wide denial marks the budget
// exhausted.
func (g *Guard) BeforeQuery(estimated float64) Decision {
	if estimated <= 0 {
		return Allow
	}
	if g.budget.MaxCostPerSubject > 0 && g.subject+estimated > g.budget.MaxCostPerSubject+costEpsilon {
		return DenySubject
	}
	if g.budget.MaxTotalCost > 0 && g.total+estimated > g.budget.MaxTotalCost+costEpsilon {
		if !g.exhausted {
			zap.L().Info("cost: run budget exhausted",
				zap.Float64("spent_usd", g.total),
				zap.Float64("next_query_usd", estimated),
				zap.Float64("max_total_usd", g.budget.MaxTotalCost),
			)
		}
		g.exhausted = true
		return DenyRun
	}
	return Allow
}

// Charge records the declared cost of an attempted query.
func (g *Guard) Charge(cost float64) {
	if cost <= 0 {
		return
	}
	g.subject += cost
	g.total += cost
}

// Exhausted reports whether a query was denied by the run-wide cap.
func (g *Guard) Exhausted() bool {
	return g.exhausted
}

// Total returns spend so far, including carried-over spend.
func (g *Guard) Total() float64 {
	return g.total
}

// SubjectSpent returns spend on the current subject.
func (g *Guard) SubjectSpent() float64 {
	return g.subject
}

// Remaining returns the unspent run budget, or -1 when unlimited.
func (g *Guard) Remaining() float64 {
	if g.budget.MaxTotalCost <= 0 {
		return -1
	}
	r := g.budget.MaxTotalCost - g.total
	if r < 0 {
		return 0
	}
	return r
}
