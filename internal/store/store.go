// Package store persists subjects, enrichment results with their audit trail,
// the source query cache and the local IMDb name index.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/deadonfilm/enrich/internal/model"
)

// SubjectFilter specifies criteria for listing subjects.
type SubjectFilter struct {
	IDs []string `json:"ids,omitempty"`
	// Unenriched restricts to subjects never attempted.
	Unenriched bool `json:"unenriched,omitempty"`
	// MissingCause restricts to subjects without a cause of death.
	MissingCause bool `json:"missing_cause,omitempty"`
	Limit        int  `json:"limit,omitempty"`
}

// Store defines the persistence interface for enrichment.
type Store interface {
	// Subjects
	ListSubjects(ctx context.Context, filter SubjectFilter) ([]model.Subject, error)
	GetSubjects(ctx context.Context, ids []string) ([]model.Subject, error)
	ListTitleCast(ctx context.Context, titleID string) ([]string, error)
	ListReview(ctx context.Context, limit int) ([]model.Subject, error)

	// SaveEnrichment applies agg to the stored subject in one transaction,
	// appending an audit row per changed field. Failures are returned as
	// *PersistenceError.
	SaveEnrichment(ctx context.Context, batchID string, agg *model.AggregatedEnrichment) ([]model.AuditEntry, error)
	ListAudit(ctx context.Context, subjectID string) ([]model.AuditEntry, error)

	// Query cache
	GetCachedQuery(ctx context.Context, key string) ([]byte, error)
	SetCachedQuery(ctx context.Context, key string, value []byte, ttl time.Duration) error
	DeleteExpiredQueries(ctx context.Context) (int, error)

	// IMDb name index
	GetIMDbName(ctx context.Context, nconst string) (*model.IMDbName, error)
	FindIMDbCandidates(ctx context.Context, nameNorm string, limit int) ([]model.IMDbName, error)
	ImportIMDbNames(ctx context.Context, names []model.IMDbName) (int64, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// PersistenceError reports a failed write for one subject. The batch counts
// it and moves on.
type PersistenceError struct {
	SubjectID string
	Op        string
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("store: %s subject %s: %v", e.Op, e.SubjectID, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// change is one column update produced by diffing a stored subject against an
// aggregated enrichment.
type change struct {
	field    model.Field
	oldValue string
	newValue string
	source   string
}

// diff computes the field changes agg makes to cur. Subjects whose verdict
// needs review only get their confidence updated; their field values are left
// for a human.
func diff(cur model.Subject, agg *model.AggregatedEnrichment) []change {
	var out []change
	if !agg.Confidence.NeedsReview() {
		current := cur.FieldValues()
		for _, f := range model.AllFields {
			fv, ok := agg.Fields[f]
			if !ok || fv.Value == "" || fv.Value == current[f] {
				continue
			}
			if f == model.FieldDeathDate && !morePrecise(cur.DeathDate, fv.Value) {
				continue
			}
			out = append(out, change{field: f, oldValue: current[f], newValue: fv.Value, source: fv.Source})
		}
	}
	curTier := cur.Confidence
	if curTier == "" {
		curTier = model.TierUnverified
	}
	if agg.Confidence != "" && agg.Confidence != curTier {
		out = append(out, change{
			field:    model.FieldConfidence,
			oldValue: string(curTier),
			newValue: string(agg.Confidence),
			source:   primarySource(agg),
		})
	}
	return out
}

// morePrecise reports whether candidate refines the stored death date without
// moving its year.
func morePrecise(stored model.PartialDate, candidate string) bool {
	d, err := model.ParsePartialDate(candidate)
	if err != nil || d.IsZero() {
		return false
	}
	if stored.IsZero() {
		return true
	}
	if d.Year != stored.Year {
		return false
	}
	return precision(d) > precision(stored)
}

func precision(d model.PartialDate) int {
	switch {
	case d.Day != 0:
		return 3
	case d.Month != 0:
		return 2
	case d.Year != 0:
		return 1
	}
	return 0
}

// primarySource names the source credited for an enrichment: the cause of
// death provider when there is one, else the death date provider.
func primarySource(agg *model.AggregatedEnrichment) string {
	for _, f := range []model.Field{model.FieldCauseOfDeath, model.FieldDeathDate} {
		if fv, ok := agg.Fields[f]; ok && fv.Source != "" {
			return fv.Source
		}
	}
	for _, r := range agg.Results {
		if r.Success {
			return r.Source
		}
	}
	return ""
}

// apply returns cur with the changes applied.
func apply(cur model.Subject, changes []change) model.Subject {
	for _, c := range changes {
		switch c.field {
		case model.FieldDeathDate:
			if d, err := model.ParsePartialDate(c.newValue); err == nil {
				cur.DeathDate = d
			}
		case model.FieldCauseOfDeath:
			cur.CauseOfDeath = c.newValue
		case model.FieldMannerOfDeath:
			cur.MannerOfDeath = c.newValue
		case model.FieldCircumstances:
			cur.Circumstances = c.newValue
		case model.FieldDeathLocation:
			cur.DeathLocation = c.newValue
		case model.FieldConfidence:
			cur.Confidence = model.ConfidenceTier(c.newValue)
		}
	}
	return cur
}

// orderByIDs returns subjects in the order of ids, dropping unknown ids.
func orderByIDs(ids []string, subjects []model.Subject) []model.Subject {
	byID := make(map[string]model.Subject, len(subjects))
	for _, s := range subjects {
		byID[s.ID] = s
	}
	out := make([]model.Subject, 0, len(ids))
	for _, id := range ids {
		if s, ok := byID[id]; ok {
			out = append(out, s)
			delete(byID, id)
		}
	}
	return out
}
