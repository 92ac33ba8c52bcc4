package provider

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/deadonfilm/enrich/internal/model"
	"github.com/deadonfilm/enrich/internal/source"
	"github.com/deadonfilm/enrich/pkg/wikidata"
)

// Wikidata is the primary-record source. Subjects with an IMDb id are
// resolved through the P345 identifier; others by exact English label and
// birth year.
type Wikidata struct {
	client   wikidata.Client
	throttle *source.Throttle
}

// NewWikidata creates the Wikidata source. A nil client makes it
// unavailable.
func NewWikidata(client wikidata.Client, throttle *source.Throttle) *Wikidata {
	return &Wikidata{client: client, throttle: throttle}
}

func (w *Wikidata) Name() string                            { return NameWikidata }
func (w *Wikidata) ReliabilityTier() source.ReliabilityTier { return source.TierPrimaryRecord }
func (w *Wikidata) IsFree() bool                            { return true }
func (w *Wikidata) EstimatedCostPerQuery() float64          { return 0 }
func (w *Wikidata) IsAvailable() bool                       { return w.client != nil }

func (w *Wikidata) Lookup(ctx context.Context, req source.Request) (source.Result, error) {
	if !w.IsAvailable() {
		return source.Result{}, source.ErrUnavailable
	}
	subject := req.Subject
	log := subjectLog(w.Name(), subject)

	if subject.IMDbID != "" {
		if err := w.throttle.Wait(ctx); err != nil {
			return source.Result{}, err
		}
		p, err := w.client.ByIMDbID(ctx, subject.IMDbID)
		if err != nil {
			return source.Result{}, w.mapErr(err)
		}
		if p != nil {
			log.Debug("wikidata: matched by imdb id", zap.String("qid", p.QID))
			// An identifier match is unambiguous, so a missing date of
			// death is a positive report that the person is alive.
			return source.Result{Evidence: personEvidence(*p, true)}, nil
		}
	}

	if subject.Name == "" {
		return source.Result{}, source.ErrNotFound
	}
	if err := w.throttle.Wait(ctx); err != nil {
		return source.Result{}, err
	}
	people, err := w.client.ByName(ctx, subject.Name, subject.BirthYear)
	if err != nil {
		return source.Result{}, w.mapErr(err)
	}
	p, ok := pickByName(people, subject)
	if !ok {
		return source.Result{}, source.ErrNotFound
	}
	log.Debug("wikidata: matched by name", zap.String("qid", p.QID))
	return source.Result{Evidence: personEvidence(p, false)}, nil
}

// pickByName chooses among same-label humans. Only people with a date of
// death are considered; with several, the one dying in the recorded year
// wins if it is unique.
func pickByName(people []wikidata.Person, subject model.Subject) (wikidata.Person, bool) {
	var dead []wikidata.Person
	for _, p := range people {
		if p.Died {
			dead = append(dead, p)
		}
	}
	switch {
	case len(dead) == 1:
		return dead[0], true
	case len(dead) == 0 || subject.DeathYear() == 0:
		return wikidata.Person{}, false
	}
	var match []wikidata.Person
	for _, p := range dead {
		if p.DeathYear == subject.DeathYear() {
			match = append(match, p)
		}
	}
	if len(match) != 1 {
		return wikidata.Person{}, false
	}
	return match[0], true
}

func personEvidence(p wikidata.Person, byID bool) *model.DeathEvidence {
	ev := &model.DeathEvidence{
		URL:        "https://www.wikidata.org/wiki/" + p.QID,
		MatchScore: 1,
	}
	if !p.Died {
		ev.Alive = byID
		return ev
	}
	ev.DeathDate = model.PartialDate{Year: p.DeathYear, Month: p.DeathMonth, Day: p.DeathDay}
	ev.CauseOfDeath = p.Cause
	ev.MannerOfDeath = normalizeManner(p.Manner)
	ev.DeathLocation = p.Place
	return ev
}

func (w *Wikidata) mapErr(err error) error {
	var apiErr *wikidata.APIError
	if errors.As(err, &apiErr) {
		return statusError(apiErr.StatusCode, apiErr.RetryAfter, "", err)
	}
	return eris.Wrap(err, "wikidata: lookup")
}
