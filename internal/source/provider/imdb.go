package provider

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/deadonfilm/enrich/internal/model"
	"github.com/deadonfilm/enrich/internal/source"
	"github.com/deadonfilm/enrich/pkg/imdb"
)

// NameIndex is the store's view of the imported IMDb name.basics table.
type NameIndex interface {
	GetIMDbName(ctx context.Context, nconst string) (*model.IMDbName, error)
	FindIMDbCandidates(ctx context.Context, nameNorm string, limit int) ([]model.IMDbName, error)
}

// IMDbOptions tunes candidate matching.
type IMDbOptions struct {
	// Threshold is the minimum match score in [0, 1].
	Threshold     float64
	MaxCandidates int
}

// IMDb is the structured-record source backed by the local name index.
// It makes no network calls.
type IMDb struct {
	index NameIndex
	opts  IMDbOptions
}

// NewIMDb creates the IMDb source. A nil index makes it unavailable.
func NewIMDb(index NameIndex, opts IMDbOptions) *IMDb {
	if opts.Threshold <= 0 {
		opts.Threshold = 0.85
	}
	if opts.MaxCandidates <= 0 {
		opts.MaxCandidates = 25
	}
	return &IMDb{index: index, opts: opts}
}

func (s *IMDb) Name() string                            { return NameIMDb }
func (s *IMDb) ReliabilityTier() source.ReliabilityTier { return source.TierStructuredRecord }
func (s *IMDb) IsFree() bool                            { return true }
func (s *IMDb) EstimatedCostPerQuery() float64          { return 0 }
func (s *IMDb) IsAvailable() bool                       { return s.index != nil }

func (s *IMDb) Lookup(ctx context.Context, req source.Request) (source.Result, error) {
	if !s.IsAvailable() {
		return source.Result{}, source.ErrUnavailable
	}
	subject := req.Subject

	if subject.IMDbID != "" {
		n, err := s.index.GetIMDbName(ctx, subject.IMDbID)
		if err != nil {
			return source.Result{}, eris.Wrap(err, "imdb: get name")
		}
		if n != nil {
			return source.Result{Evidence: nameEvidence(*n, 1)}, nil
		}
	}

	norm := imdb.NormalizeName(subject.Name)
	if norm == "" {
		return source.Result{}, source.ErrNotFound
	}
	candidates, err := s.index.FindIMDbCandidates(ctx, norm, s.opts.MaxCandidates)
	if err != nil {
		return source.Result{}, eris.Wrap(err, "imdb: find candidates")
	}

	best, score, ok := bestCandidate(subject, candidates)
	if !ok || score < s.opts.Threshold {
		subjectLog(s.Name(), subject).Debug("imdb: no confident candidate",
			zap.Int("candidates", len(candidates)),
			zap.Float64("best_score", score),
		)
		return source.Result{}, source.ErrNotFound
	}
	return source.Result{Evidence: nameEvidence(best, score)}, nil
}

// bestCandidate returns the highest scoring candidate. A tie for the top
// score is ambiguous and reports ok=false.
func bestCandidate(subject model.Subject, candidates []model.IMDbName) (model.IMDbName, float64, bool) {
	var best model.IMDbName
	bestScore, tied := -1.0, false
	for _, c := range candidates {
		sc := MatchScore(subject, c)
		switch {
		case sc > bestScore:
			best, bestScore, tied = c, sc, false
		case sc == bestScore:
			tied = true
		}
	}
	if bestScore < 0 || tied {
		return model.IMDbName{}, max(bestScore, 0), false
	}
	return best, bestScore, true
}

// MatchScore weighs name similarity (0.6) and birth and death year
// proximity (0.2 each). A year unknown on either side scores half.
func MatchScore(subject model.Subject, c model.IMDbName) float64 {
	return 0.6*imdb.NameSimilarity(subject.Name, c.Name) +
		0.2*yearScore(subject.BirthYear, c.BirthYear) +
		0.2*yearScore(subject.DeathYear(), c.DeathYear)
}

func yearScore(a, b int) float64 {
	switch d := a - b; {
	case a == 0 || b == 0:
		return 0.5
	case d == 0:
		return 1
	case d == 1 || d == -1:
		return 0.5
	}
	return 0
}

func nameEvidence(n model.IMDbName, score float64) *model.DeathEvidence {
	ev := &model.DeathEvidence{
		URL:        "https://www.imdb.com/name/" + n.NConst + "/",
		MatchScore: score,
	}
	if n.DeathYear == 0 {
		ev.Alive = true
		return ev
	}
	ev.DeathDate = model.PartialDate{Year: n.DeathYear}
	return ev
}
