// Package waterfall runs the per-subject source cascade: sources are queried
// cheapest-trustworthy first and the cascade stops as soon as the reconciled
// verdict meets the confidence target.
package waterfall

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/deadonfilm/enrich/internal/archive"
	"github.com/deadonfilm/enrich/internal/cost"
	"github.com/deadonfilm/enrich/internal/model"
	"github.com/deadonfilm/enrich/internal/reconcile"
	"github.com/deadonfilm/enrich/internal/resilience"
	"github.com/deadonfilm/enrich/internal/source"
	"github.com/deadonfilm/enrich/internal/store"
)

// Options are the per-run knobs of the cascade.
type Options struct {
	Categories source.Categories
	// Target is the confidence tier at which the cascade stops.
	Target model.ConfidenceTier
	// RequireCause keeps querying until a cause of death is found, even
	// when the target tier is met.
	RequireCause bool
}

// Executor runs the waterfall cascade for one subject at a time.
type Executor struct {
	cfg      *Config
	registry *source.Registry
	cache    *store.QueryCache
	archive  archive.Fallback
	breakers *resilience.Breakers
	now      func() time.Time // injectable for testing
}

// NewExecutor creates a waterfall executor over the registry's sources.
func NewExecutor(cfg *Config, registry *source.Registry) *Executor {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Executor{
		cfg:      cfg,
		registry: registry,
		now:      time.Now,
	}
}

// WithCache serves repeated lookups from the query cache.
func (e *Executor) WithCache(c *store.QueryCache) *Executor {
	e.cache = c
	return e
}

// WithArchive enables the archive fallback for blocked fetches.
func (e *Executor) WithArchive(a archive.Fallback) *Executor {
	e.archive = a
	return e
}

// WithBreakers skips sources whose circuit is open.
func (e *Executor) WithBreakers(b *resilience.Breakers) *Executor {
	e.breakers = b
	return e
}

// WithNow sets a fixed clock for testing.
func (e *Executor) WithNow(now func() time.Time) *Executor {
	e.now = now
	return e
}

// Plan returns the sources the cascade would query, in order: available,
// category enabled, not disabled by config and not tripped.
func (e *Executor) Plan(cats source.Categories) []source.DataSource {
	var plan []source.DataSource
	for _, ds := range e.registry.Enabled(cats) {
		if e.cfg.Disabled(ds.Name()) {
			continue
		}
		if e.breakers != nil && !e.breakers.Get(ds.Name()).Allow() {
			zap.L().Debug("waterfall: circuit open, skipping source", zap.String("source", ds.Name()))
			continue
		}
		plan = append(plan, ds)
	}
	e.cfg.Order(plan)
	return plan
}

// Run queries sources for one subject until the confidence target is met,
// the sources run out, or the guard denies further spend. Every attempt,
// including budget denials and cache hits, is recorded in the result.
// Source failures never end the cascade early.
//
// The guard's per-subject tally is reset on entry. A nil guard means no
// budget.
func (e *Executor) Run(ctx context.Context, subject model.Subject, opts Options, guard *cost.Guard) *model.AggregatedEnrichment {
	if guard == nil {
		guard = cost.NewGuard(cost.Budget{}, 0)
	}
	guard.BeginSubject()

	rec := reconcile.ForSources(e.registry.All())
	agg := model.NewAggregatedEnrichment(subject.ID)
	initial := rec.Reconcile(subject, nil)
	agg.Confidence = initial.Tier()

	log := zap.L().With(zap.String("subject_id", subject.ID))

	// A stored terminal standing already meets every target and no source
	// can lift it back into the positive chain.
	if initial.Standing.Terminal() {
		agg.TargetMet = true
		log.Debug("waterfall: stored standing is terminal, skipping sources",
			zap.String("standing", initial.Standing.String()),
		)
		return agg
	}

	for _, ds := range e.Plan(opts.Categories) {
		res, out := e.query(ctx, subject, ds, agg.Results, guard)
		if out == skipped {
			continue
		}
		agg.Results = append(agg.Results, res)
		agg.TotalCost += res.CostUSD
		if out == denied {
			log.Info("waterfall: budget denied remaining sources",
				zap.String("source", ds.Name()),
				zap.String("decision", res.Error),
			)
			break
		}
		if !res.Success {
			continue
		}

		verdict := rec.Reconcile(subject, agg.Results)
		agg.Fields = verdict.Fields
		agg.Confidence = verdict.Tier()

		if met(verdict, opts) {
			agg.TargetMet = true
			log.Debug("waterfall: confidence target met",
				zap.String("source", ds.Name()),
				zap.String("standing", verdict.Standing.String()),
			)
			break
		}
	}

	log.Debug("waterfall: subject complete",
		zap.String("confidence", string(agg.Confidence)),
		zap.Int("fields", len(agg.Fields)),
		zap.Int("attempts", agg.Attempted()),
		zap.Float64("cost_usd", agg.TotalCost),
	)
	return agg
}

func met(v reconcile.Verdict, opts Options) bool {
	if !v.Standing.Meets(opts.Target) {
		return false
	}
	if !opts.RequireCause || v.Standing.Terminal() {
		return true
	}
	_, ok := v.Fields[model.FieldCauseOfDeath]
	return ok
}

type outcome int

const (
	recorded outcome = iota
	// skipped attempts are not recorded: the source turned out to be
	// unavailable.
	skipped
	// denied ends the subject's cascade.
	denied
)

// query performs one attempt.
func (e *Executor) query(ctx context.Context, subject model.Subject, ds source.DataSource, prior []model.SourceQueryResult, guard *cost.Guard) (model.SourceQueryResult, outcome) {
	name := ds.Name()
	log := zap.L().With(zap.String("subject_id", subject.ID), zap.String("source", name))

	if cached, ok := e.cache.Get(ctx, name, subject.ID); ok {
		log.Debug("waterfall: cache hit", zap.Bool("success", cached.Success))
		return cached, recorded
	}

	res := model.SourceQueryResult{
		SubjectID: subject.ID,
		Source:    name,
		QueriedAt: e.now().UTC(),
	}

	if d := guard.BeforeQuery(ds.EstimatedCostPerQuery()); d != cost.Allow {
		res.ErrorKind = model.ErrorBudget
		res.Error = d.String()
		return res, denied
	}

	out, err := ds.Lookup(ctx, source.Request{Subject: subject, Prior: prior})
	if errors.Is(err, source.ErrUnavailable) {
		log.Debug("waterfall: source unavailable")
		return res, skipped
	}
	// Every attempt is charged its declared cost so the cap and the
	// recorded total agree with what BeforeQuery admitted.
	declared := ds.EstimatedCostPerQuery()
	guard.Charge(declared)
	res.CostUSD = declared
	if out.CostUSD != 0 && out.CostUSD != declared {
		log.Debug("waterfall: metered cost differs from declared",
			zap.Float64("declared_usd", declared),
			zap.Float64("metered_usd", out.CostUSD),
		)
	}

	switch {
	case err == nil && out.Evidence != nil:
		res.Success = true
		res.Evidence = out.Evidence
	case err == nil:
		res.ErrorKind = model.ErrorNotFound
	default:
		res.ErrorKind = source.Classify(err)
		res.Error = err.Error()
	}

	var blocked *source.AccessBlockedError
	if errors.As(err, &blocked) {
		log.Warn("waterfall: access blocked", zap.String("url", blocked.URL), zap.Int("status", blocked.StatusCode))
		ev, tried := e.fromArchive(ctx, subject, ds, blocked.URL)
		res.ArchiveTried = tried
		if ev != nil {
			res.Success = true
			res.Evidence = ev
			res.ErrorKind = model.ErrorNone
			res.Error = ""
		}
	}

	switch res.ErrorKind {
	case model.ErrorRateLimited:
		log.Warn("waterfall: rate limited, skipping for this subject", zap.Error(err))
	case model.ErrorParse, model.ErrorOther:
		log.Debug("waterfall: lookup failed", zap.String("kind", string(res.ErrorKind)), zap.Error(err))
	case model.ErrorNotFound:
		log.Debug("waterfall: no match")
	}

	if e.breakers != nil {
		// A block the archive recovered from is not a failure of the source.
		if res.Success {
			e.breakers.Get(name).Record(nil)
		} else {
			e.breakers.Get(name).Record(err)
		}
	}
	e.cache.Put(ctx, res)
	return res, recorded
}

// fromArchive fetches an archived copy of a blocked URL once and lets the
// source parse it. Provenance stays on the original URL. tried reports
// whether the archive was consulted at all.
func (e *Executor) fromArchive(ctx context.Context, subject model.Subject, ds source.DataSource, url string) (ev *model.DeathEvidence, tried bool) {
	parser, ok := ds.(source.ArchiveParser)
	if e.archive == nil || !ok || url == "" {
		return nil, false
	}
	log := zap.L().With(zap.String("subject_id", subject.ID), zap.String("source", ds.Name()), zap.String("url", url))

	snap, err := e.archive.Fetch(ctx, url)
	if err != nil {
		log.Warn("waterfall: archive fetch failed", zap.Error(err))
		return nil, true
	}
	if !snap.Success {
		log.Debug("waterfall: no archived snapshot")
		return nil, true
	}

	ev, err = parser.ParseArchived(ctx, subject, url, snap.Content)
	if err != nil || ev == nil {
		log.Debug("waterfall: archived snapshot had no death statement", zap.Error(err))
		return nil, true
	}
	ev.URL = url
	ev.Archived = true
	log.Info("waterfall: recovered evidence from archive", zap.String("snapshot", snap.SnapshotURL))
	return ev, true
}

// ShouldTrip reports which lookup errors count against a source's circuit:
// blocks, throttling and unclassified failures. Misses and parse errors do
// not.
func ShouldTrip(err error) bool {
	switch source.Classify(err) {
	case model.ErrorBlocked, model.ErrorRateLimited, model.ErrorOther:
		return true
	}
	return false
}
