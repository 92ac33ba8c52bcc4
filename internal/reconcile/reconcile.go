package reconcile

import (
	"sort"

	"github.com/deadonfilm/enrich/internal/model"
	"github.com/deadonfilm/enrich/internal/source"
)

// Opinion is one successful source result classified against the record.
type Opinion struct {
	Source   string
	Tier     source.ReliabilityTier
	Signal   Signal
	Evidence model.DeathEvidence
}

// Verdict is the outcome of reconciling a subject's results.
type Verdict struct {
	Standing Standing
	Fields   map[model.Field]model.FieldValue
	Opinions []Opinion
}

// Tier returns the public confidence tier.
func (v Verdict) Tier() model.ConfidenceTier {
	return v.Standing.Tier()
}

// Reconciler classifies and merges source results. It needs the
// reliability tier of every source it may see.
type Reconciler struct {
	tiers map[string]source.ReliabilityTier
}

// New creates a Reconciler for the given source tiers.
func New(tiers map[string]source.ReliabilityTier) *Reconciler {
	cp := make(map[string]source.ReliabilityTier, len(tiers))
	for k, v := range tiers {
		cp[k] = v
	}
	return &Reconciler{tiers: cp}
}

// ForSources builds a Reconciler from data sources.
func ForSources(sources []source.DataSource) *Reconciler {
	tiers := make(map[string]source.ReliabilityTier, len(sources))
	for _, ds := range sources {
		tiers[ds.Name()] = ds.ReliabilityTier()
	}
	return New(tiers)
}

func (r *Reconciler) tierOf(name string) source.ReliabilityTier {
	if t, ok := r.tiers[name]; ok {
		return t
	}
	return source.TierSearchAggregator
}

// Reconcile merges all results for a subject. The subject's stored
// confidence is the starting standing, so a verdict never falls below what
// was already established without a contradicting signal. The output depends
// only on the set of results, not their order.
func (r *Reconciler) Reconcile(subject model.Subject, results []model.SourceQueryResult) Verdict {
	opinions := r.classify(subject, results)

	standing := StandingOf(subject.Confidence)
	for _, op := range opinions {
		standing = Apply(standing, op.Signal)
	}

	return Verdict{
		Standing: standing,
		Fields:   chooseFields(opinions),
		Opinions: opinions,
	}
}

func (r *Reconciler) classify(subject model.Subject, results []model.SourceQueryResult) []Opinion {
	var opinions []Opinion
	reported := make(map[int]bool)
	for _, res := range results {
		if !res.Success || res.Evidence == nil {
			continue
		}
		ev := *res.Evidence
		opinions = append(opinions, Opinion{
			Source:   res.Source,
			Tier:     r.tierOf(res.Source),
			Evidence: ev,
		})
		if !ev.Alive && ev.DeathDate.Year > 0 {
			reported[ev.DeathDate.Year] = true
		}
	}

	ref := subject.DeathYear()
	if ref == 0 && len(reported) == 1 {
		for y := range reported {
			ref = y
		}
	}

	for i := range opinions {
		opinions[i].Signal = signalFor(opinions[i], ref)
	}

	sort.Slice(opinions, func(i, j int) bool {
		if opinions[i].Tier != opinions[j].Tier {
			return opinions[i].Tier < opinions[j].Tier
		}
		return opinions[i].Source < opinions[j].Source
	})
	return opinions
}

// signalFor classifies one opinion against the reference year. A zero
// reference with a reported year means sources disagree among themselves.
func signalFor(op Opinion, ref int) Signal {
	ev := op.Evidence
	if ev.Alive {
		if op.Tier.HighTrust() {
			return SignalContradictAlive
		}
		return SignalNone
	}
	year := ev.DeathDate.Year
	if year == 0 {
		return SignalNone
	}
	if ref == 0 || year != ref {
		return SignalDisagreeDate
	}
	switch op.Tier {
	case source.TierPrimaryRecord:
		return SignalAgreePrimary
	case source.TierStructuredRecord:
		return SignalAgreeIMDb
	default:
		return SignalCorroborate
	}
}

func consistent(sig Signal) bool {
	return sig != SignalDisagreeDate && sig != SignalContradictAlive
}

func chooseFields(opinions []Opinion) map[model.Field]model.FieldValue {
	fields := make(map[model.Field]model.FieldValue)

	// Death date: most precise agreeing date, ties by reliability.
	var best *Opinion
	for i := range opinions {
		op := &opinions[i]
		if !agrees(op.Signal) || op.Evidence.DeathDate.IsZero() {
			continue
		}
		if best == nil || precision(op.Evidence.DeathDate) > precision(best.Evidence.DeathDate) {
			best = op
		}
	}
	if best != nil {
		fields[model.FieldDeathDate] = fieldValue(*best, model.FieldDeathDate)
	}

	// Remaining fields: first consistent opinion in reliability order.
	for _, f := range model.AllFields {
		if f == model.FieldDeathDate {
			continue
		}
		for _, op := range opinions {
			if !consistent(op.Signal) || op.Evidence.Value(f) == "" {
				continue
			}
			fields[f] = fieldValue(op, f)
			break
		}
	}
	return fields
}

func agrees(sig Signal) bool {
	return sig == SignalCorroborate || sig == SignalAgreeIMDb || sig == SignalAgreePrimary
}

func precision(d model.PartialDate) int {
	switch {
	case d.Day > 0:
		return 3
	case d.Month > 0:
		return 2
	case d.Year > 0:
		return 1
	}
	return 0
}

func fieldValue(op Opinion, f model.Field) model.FieldValue {
	return model.FieldValue{
		Value:    op.Evidence.Value(f),
		Source:   op.Source,
		URL:      op.Evidence.URL,
		Archived: op.Evidence.Archived,
	}
}
