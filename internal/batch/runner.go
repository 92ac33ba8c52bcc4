// Package batch drives the waterfall across a list of subjects with
// checkpointed progress, a run-wide budget and cooperative cancellation.
package batch

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/deadonfilm/enrich/internal/checkpoint"
	"github.com/deadonfilm/enrich/internal/cost"
	"github.com/deadonfilm/enrich/internal/model"
	"github.com/deadonfilm/enrich/internal/store"
	"github.com/deadonfilm/enrich/internal/waterfall"
)

// Enricher runs the source cascade for one subject.
type Enricher interface {
	Run(ctx context.Context, subject model.Subject, opts waterfall.Options, guard *cost.Guard) *model.AggregatedEnrichment
}

// Config describes one batch run.
type Config struct {
	// BatchID tags audit rows. A resumed run keeps the checkpoint's id.
	BatchID string
	// SubjectIDs selects subjects explicitly. When empty, Filter is used.
	SubjectIDs []string
	// TitleIDs switches to hierarchical units: one unit per title whose
	// members are its cast.
	TitleIDs []string
	Filter   store.SubjectFilter
	// Limit caps the number of units across resumes. Zero means no limit.
	Limit   int
	Options waterfall.Options
	Budget  cost.Budget
	DryRun  bool
	// Fresh ignores and replaces any saved checkpoint.
	Fresh bool
	// SaveEvery is the number of completed units between checkpoint saves.
	SaveEvery int
}

// Progress is reported after every subject with cumulative counters.
type Progress struct {
	SubjectID  string
	Confidence model.ConfidenceTier
	Processed  int
	Enriched   int
	Errors     int
	CostUSD    float64
	// Units is the number of units selected for this invocation.
	Units int
}

// ProgressFunc receives progress updates. It runs on the batch goroutine.
type ProgressFunc func(Progress)

// Runner owns the checkpoint and cost counters for the duration of a run.
type Runner struct {
	store       store.Store
	enricher    Enricher
	checkpoints *checkpoint.Store
	progress    ProgressFunc
	now         func() time.Time
}

// NewRunner creates a runner. A nil checkpoint store disables resumability.
func NewRunner(st store.Store, enricher Enricher, checkpoints *checkpoint.Store) *Runner {
	return &Runner{
		store:       st,
		enricher:    enricher,
		checkpoints: checkpoints,
		now:         time.Now,
	}
}

// WithProgress sets the progress callback.
func (r *Runner) WithProgress(fn ProgressFunc) *Runner {
	r.progress = fn
	return r
}

// WithNow sets a fixed clock for testing.
func (r *Runner) WithNow(now func() time.Time) *Runner {
	r.now = now
	return r
}

type unit struct {
	id string
	// members is nil for a plain subject unit.
	members []string
}

// run is the mutable state of one invocation.
type run struct {
	cfg     Config
	cp      *checkpoint.Checkpoint
	guard   *cost.Guard
	stats   *model.RunStats
	units   int
	pending int
}

// Run processes the selected units sequentially and always returns a summary
// once setup succeeds. Cancellation is honored between subjects only; the
// subject in flight completes, including its write. Only setup failures are
// returned as errors.
func (r *Runner) Run(ctx context.Context, cfg Config) (*model.RunStats, error) {
	if cfg.SaveEvery <= 0 {
		cfg.SaveEvery = 1
	}

	persist := r.checkpoints != nil && !cfg.DryRun
	if persist {
		if err := r.checkpoints.Lock(); err != nil {
			return nil, err
		}
		defer func() {
			if err := r.checkpoints.Unlock(); err != nil {
				zap.L().Warn("batch: release checkpoint lock", zap.Error(err))
			}
		}()
	}

	cp, err := r.openCheckpoint(cfg, persist)
	if err != nil {
		return nil, err
	}

	units, subjects, err := r.selectUnits(ctx, cfg, cp)
	if err != nil {
		return nil, err
	}

	st := &run{
		cfg:   cfg,
		cp:    cp,
		guard: cost.NewGuard(cfg.Budget, cp.Counters.CostUSD),
		stats: model.NewRunStats(cp.BatchID),
		units: len(units),
	}
	st.stats.DryRun = cfg.DryRun

	log := zap.L().With(zap.String("batch_id", cp.BatchID))
	log.Info("batch: starting",
		zap.Int("units", len(units)),
		zap.Int("already_processed", len(cp.ProcessedIDs)),
		zap.Float64("carried_cost_usd", cp.Counters.CostUSD),
		zap.Bool("dry_run", cfg.DryRun),
	)

	exit := model.ExitCompleted
	for _, u := range units {
		if ctx.Err() != nil {
			exit = model.ExitInterrupted
			break
		}
		if st.guard.Exhausted() {
			exit = model.ExitCostExceeded
			break
		}
		if reason, stopped := r.processUnit(ctx, st, u, subjects); stopped {
			exit = reason
			break
		}
		st.pending++
		if persist && st.pending >= cfg.SaveEvery {
			r.save(st)
		}
	}
	if exit == model.ExitCompleted && st.guard.Exhausted() {
		exit = model.ExitCostExceeded
	}

	r.finish(st, exit, persist)
	log.Info("batch: finished",
		zap.String("exit_reason", string(exit)),
		zap.Int("processed", st.stats.SubjectsProcessed),
		zap.Int("enriched", st.stats.SubjectsEnriched),
		zap.Float64("cost_usd", st.stats.TotalCostUSD),
		zap.Int("errors", len(st.stats.Errors)),
	)
	return st.stats, nil
}

func (r *Runner) openCheckpoint(cfg Config, persist bool) (*checkpoint.Checkpoint, error) {
	var cp *checkpoint.Checkpoint
	if r.checkpoints != nil {
		if cfg.Fresh {
			if persist {
				if err := r.checkpoints.Delete(); err != nil {
					return nil, err
				}
			}
		} else {
			cp = r.checkpoints.Load()
		}
	}
	if cp != nil {
		zap.L().Info("batch: resuming from checkpoint",
			zap.String("path", r.checkpoints.Path()),
			zap.String("batch_id", cp.BatchID),
			zap.Int("processed", len(cp.ProcessedIDs)),
			zap.Int("failed", len(cp.FailedIDs)),
		)
		return cp, nil
	}

	id := cfg.BatchID
	if id == "" {
		id = uuid.NewString()
	}
	return checkpoint.New(id, r.now().UTC()), nil
}

// selectUnits resolves the work list. Units that failed in an earlier
// invocation come first, then candidates after the resume cursor.
func (r *Runner) selectUnits(ctx context.Context, cfg Config, cp *checkpoint.Checkpoint) ([]unit, map[string]model.Subject, error) {
	subjects := make(map[string]model.Subject)

	var candidates []string
	switch {
	case len(cfg.TitleIDs) > 0:
		candidates = cfg.TitleIDs
	case len(cfg.SubjectIDs) > 0:
		candidates = cfg.SubjectIDs
	default:
		filter := cfg.Filter
		filter.Limit = 0
		list, err := r.store.ListSubjects(ctx, filter)
		if err != nil {
			return nil, nil, eris.Wrap(err, "batch: list subjects")
		}
		for _, s := range list {
			candidates = append(candidates, s.ID)
			subjects[s.ID] = s
		}
	}

	var retry []string
	for _, id := range cp.FailedIDs {
		if slices.Contains(candidates, id) && !cp.IsProcessed(id) {
			retry = append(retry, id)
		}
	}
	seen := cp.Seen()
	for _, id := range retry {
		seen[id] = true
	}
	ids := append(retry, checkpoint.Select(candidates, cp.Cursor, seen, cfg.Limit, len(cp.ProcessedIDs)+len(retry))...)

	units := make([]unit, 0, len(ids))
	var need []string
	if len(cfg.TitleIDs) > 0 {
		for _, title := range ids {
			cast, err := r.store.ListTitleCast(ctx, title)
			if err != nil {
				return nil, nil, eris.Wrapf(err, "batch: list cast for title %s", title)
			}
			if cast == nil {
				cast = []string{}
			}
			units = append(units, unit{id: title, members: cast})
			need = append(need, cast...)
		}
	} else {
		for _, id := range ids {
			units = append(units, unit{id: id})
			if _, ok := subjects[id]; !ok {
				need = append(need, id)
			}
		}
	}

	if len(need) > 0 {
		loaded, err := r.store.GetSubjects(ctx, need)
		if err != nil {
			return nil, nil, eris.Wrap(err, "batch: load subjects")
		}
		for _, s := range loaded {
			subjects[s.ID] = s
		}
	}
	return units, subjects, nil
}

type outcome int

const (
	done outcome = iota
	// failed subjects were enriched but not persisted; they are retried by
	// the next invocation.
	failed
)

// processUnit enriches a unit's subjects. stopped reports an early exit;
// the unit is then left for the next invocation.
func (r *Runner) processUnit(ctx context.Context, st *run, u unit, subjects map[string]model.Subject) (model.ExitReason, bool) {
	if u.members == nil {
		s, ok := subjects[u.id]
		if !ok {
			zap.L().Warn("batch: unknown subject, skipping", zap.String("subject_id", u.id))
			st.cp.MarkProcessed(u.id)
			return "", false
		}
		switch r.processSubject(ctx, st, s) {
		case done:
			st.cp.MarkProcessed(u.id)
		case failed:
			st.cp.MarkFailed(u.id)
		}
		return "", false
	}

	anyFailed := false
	for _, member := range u.members {
		if st.cp.MemberDone(u.id, member) {
			continue
		}
		if ctx.Err() != nil {
			return model.ExitInterrupted, true
		}
		if st.guard.Exhausted() {
			return model.ExitCostExceeded, true
		}
		s, ok := subjects[member]
		if !ok {
			zap.L().Warn("batch: unknown cast member, skipping",
				zap.String("title_id", u.id), zap.String("subject_id", member))
			st.cp.MarkMember(u.id, member)
			continue
		}
		switch r.processSubject(ctx, st, s) {
		case done:
			st.cp.MarkMember(u.id, member)
		case failed:
			anyFailed = true
		}
	}
	if anyFailed {
		st.cp.MarkFailed(u.id)
	} else {
		st.cp.MarkProcessed(u.id)
	}
	return "", false
}

// processSubject runs one subject's cascade to completion and records it.
func (r *Runner) processSubject(ctx context.Context, st *run, s model.Subject) outcome {
	// In-flight work is never cut short by cancellation.
	work := context.WithoutCancel(ctx)
	log := zap.L().With(zap.String("subject_id", s.ID))

	agg := r.enricher.Run(work, s, st.cfg.Options, st.guard)

	st.stats.Record(agg.Results)
	for _, res := range agg.Results {
		st.cp.AddCost(res.Source, res.CostUSD)
	}

	// A run-cap denial only cuts this subject's cascade short. What was
	// gathered is saved; the loop stops before the next subject.
	result := done
	if !st.cfg.DryRun {
		changes, err := r.store.SaveEnrichment(work, st.cp.BatchID, agg)
		if err != nil {
			result = failed
			st.cp.Counters.Errors++
			st.stats.Errors = append(st.stats.Errors, model.RunError{SubjectID: s.ID, Message: err.Error()})
			log.Error("batch: save enrichment failed", zap.Error(err))
		} else if len(changes) > 0 {
			log.Debug("batch: subject updated", zap.Int("changes", len(changes)))
		}
	}

	if result == done {
		st.cp.Counters.Processed++
		if agg.HasData() {
			st.cp.Counters.Enriched++
		}
		if agg.Confidence.NeedsReview() {
			st.stats.ReviewIDs = append(st.stats.ReviewIDs, s.ID)
		}
	}

	if r.progress != nil {
		r.progress(Progress{
			SubjectID:  s.ID,
			Confidence: agg.Confidence,
			Processed:  st.cp.Counters.Processed,
			Enriched:   st.cp.Counters.Enriched,
			Errors:     st.cp.Counters.Errors,
			CostUSD:    st.guard.Total(),
			Units:      st.units,
		})
	}
	return result
}

func (r *Runner) save(st *run) {
	if err := r.checkpoints.Save(st.cp); err != nil {
		zap.L().Error("batch: save checkpoint", zap.String("path", r.checkpoints.Path()), zap.Error(err))
		return
	}
	st.pending = 0
}

// finish fills the summary and settles the checkpoint: it is deleted only
// when the run completed with nothing left to retry.
func (r *Runner) finish(st *run, exit model.ExitReason, persist bool) {
	s := st.stats
	s.ExitReason = exit
	s.SubjectsProcessed = st.cp.Counters.Processed
	s.SubjectsEnriched = st.cp.Counters.Enriched
	s.TotalCostUSD = st.guard.Total()
	for src, usd := range st.cp.CostBySource {
		s.CostBySource[src] = usd
	}
	s.Finalize()

	if !persist {
		return
	}
	if exit == model.ExitCompleted && len(st.cp.FailedIDs) == 0 {
		if err := r.checkpoints.Delete(); err != nil {
			zap.L().Warn("batch: delete checkpoint", zap.Error(err))
		}
		return
	}
	r.save(st)
}
