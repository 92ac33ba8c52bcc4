package model

import (
	"time"
)

// ConfidenceTier is the verdict on how trustworthy a subject's death
// information is.
type ConfidenceTier string

// Confidence tiers.
const (
	TierUnverified   ConfidenceTier = "unverified"
	TierIMDbVerified ConfidenceTier = "imdb_verified"
	TierVerified     ConfidenceTier = "verified"
	TierConflicting  ConfidenceTier = "conflicting"
	TierSuspicious   ConfidenceTier = "suspicious"
)

// ParseConfidenceTier validates a tier name.
func ParseConfidenceTier(s string) (ConfidenceTier, bool) {
	switch t := ConfidenceTier(s); t {
	case TierUnverified, TierIMDbVerified, TierVerified, TierConflicting, TierSuspicious:
		return t, true
	}
	return "", false
}

// NeedsReview reports whether the tier flags the subject for human review.
func (t ConfidenceTier) NeedsReview() bool {
	return t == TierSuspicious || t == TierConflicting
}

// Field names an enrichable subject field.
type Field string

// Enrichable fields.
const (
	FieldDeathDate     Field = "death_date"
	FieldCauseOfDeath  Field = "cause_of_death"
	FieldMannerOfDeath Field = "manner_of_death"
	FieldCircumstances Field = "circumstances"
	FieldDeathLocation Field = "death_location"

	// FieldConfidence appears only in audit rows.
	FieldConfidence Field = "confidence"
)

// AllFields lists enrichable fields in persistence order.
var AllFields = []Field{
	FieldDeathDate,
	FieldCauseOfDeath,
	FieldMannerOfDeath,
	FieldCircumstances,
	FieldDeathLocation,
}

// DeathEvidence is the structured payload a source returns on success.
type DeathEvidence struct {
	// Alive is set when the source positively reports the subject as living.
	Alive         bool        `json:"alive,omitempty"`
	DeathDate     PartialDate `json:"death_date"`
	CauseOfDeath  string      `json:"cause_of_death,omitempty"`
	MannerOfDeath string      `json:"manner_of_death,omitempty"`
	Circumstances string      `json:"circumstances,omitempty"`
	DeathLocation string      `json:"death_location,omitempty"`
	URL           string      `json:"url,omitempty"`
	Archived      bool        `json:"archived,omitempty"`
	// RawText is the source text the evidence was parsed from. It feeds
	// later synthesis stages.
	RawText string `json:"raw_text,omitempty"`
	// MatchScore is the candidate-match score for record sources.
	MatchScore float64 `json:"match_score,omitempty"`
}

// Value returns the evidence value for a field.
func (e DeathEvidence) Value(f Field) string {
	switch f {
	case FieldDeathDate:
		return e.DeathDate.String()
	case FieldCauseOfDeath:
		return e.CauseOfDeath
	case FieldMannerOfDeath:
		return e.MannerOfDeath
	case FieldCircumstances:
		return e.Circumstances
	case FieldDeathLocation:
		return e.DeathLocation
	}
	return ""
}

// ErrorKind classifies a failed source attempt.
type ErrorKind string

// Source error kinds.
const (
	ErrorNone        ErrorKind = ""
	ErrorNotFound    ErrorKind = "not_found"
	ErrorBlocked     ErrorKind = "access_blocked"
	ErrorRateLimited ErrorKind = "rate_limited"
	ErrorParse       ErrorKind = "parse_error"
	ErrorBudget      ErrorKind = "budget_denied"
	ErrorOther       ErrorKind = "error"
)

// SourceQueryResult records one (subject, source) attempt.
type SourceQueryResult struct {
	SubjectID string         `json:"subject_id"`
	Source    string         `json:"source"`
	Success   bool           `json:"success"`
	Evidence  *DeathEvidence `json:"evidence,omitempty"`
	CostUSD   float64        `json:"cost_usd"`
	ErrorKind ErrorKind      `json:"error_kind,omitempty"`
	Error     string         `json:"error,omitempty"`
	Cached    bool           `json:"cached,omitempty"`
	// ArchiveTried is set when the archive fallback ran for this attempt.
	ArchiveTried bool      `json:"archive_tried,omitempty"`
	QueriedAt    time.Time `json:"queried_at"`
}

// FieldValue is a chosen field value with its provenance.
type FieldValue struct {
	Value    string `json:"value"`
	Source   string `json:"source"`
	URL      string `json:"url,omitempty"`
	Archived bool   `json:"archived,omitempty"`
}

// AggregatedEnrichment is the merged view for one subject.
type AggregatedEnrichment struct {
	SubjectID  string               `json:"subject_id"`
	Fields     map[Field]FieldValue `json:"fields"`
	Confidence ConfidenceTier       `json:"confidence"`
	TotalCost  float64              `json:"total_cost_usd"`
	Results    []SourceQueryResult  `json:"results"`
	// TargetMet is set when the orchestrator stopped early.
	TargetMet bool `json:"target_met"`
}

// NewAggregatedEnrichment returns an empty unverified aggregate.
func NewAggregatedEnrichment(subjectID string) *AggregatedEnrichment {
	return &AggregatedEnrichment{
		SubjectID:  subjectID,
		Fields:     make(map[Field]FieldValue),
		Confidence: TierUnverified,
	}
}

// HasData reports whether any field value was produced.
func (a *AggregatedEnrichment) HasData() bool {
	return a != nil && len(a.Fields) > 0
}

// Attempted returns the number of results that were real source attempts,
// excluding cache hits.
func (a *AggregatedEnrichment) Attempted() int {
	n := 0
	for _, r := range a.Results {
		if !r.Cached && r.ErrorKind != ErrorBudget {
			n++
		}
	}
	return n
}

// AuditEntry records one changed subject field.
type AuditEntry struct {
	ID        string    `json:"id"`
	SubjectID string    `json:"subject_id"`
	Field     Field     `json:"field"`
	OldValue  string    `json:"old_value"`
	NewValue  string    `json:"new_value"`
	Source    string    `json:"source"`
	BatchID   string    `json:"batch_id"`
	CreatedAt time.Time `json:"created_at"`
}
