package model

import (
	"fmt"
	"strings"
	"time"
)

// PartialDate is a calendar date whose month and day may be unknown.
// A zero Month or Day means that component was not reported.
type PartialDate struct {
	Year  int `json:"year"`
	Month int `json:"month,omitempty"`
	Day   int `json:"day,omitempty"`
}

// DateFromTime converts a time to a fully specified PartialDate.
func DateFromTime(t time.Time) PartialDate {
	return PartialDate{Year: t.Year(), Month: int(t.Month()), Day: t.Day()}
}

// IsZero reports whether no year is known.
func (d PartialDate) IsZero() bool {
	return d.Year == 0
}

// String renders the date at its known precision: 2006, 2006-01 or 2006-01-02.
func (d PartialDate) String() string {
	switch {
	case d.Year == 0:
		return ""
	case d.Month == 0:
		return fmt.Sprintf("%04d", d.Year)
	case d.Day == 0:
		return fmt.Sprintf("%04d-%02d", d.Year, d.Month)
	default:
		return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, d.Day)
	}
}

// ParsePartialDate parses the formats produced by String.
func ParsePartialDate(s string) (PartialDate, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return PartialDate{}, nil
	}
	for _, layout := range []string{"2006-01-02", "2006-01", "2006"} {
		t, err := time.Parse(layout, s)
		if err != nil {
			continue
		}
		d := PartialDate{Year: t.Year()}
		if len(layout) >= 7 {
			d.Month = int(t.Month())
		}
		if len(layout) == 10 {
			d.Day = t.Day()
		}
		return d, nil
	}
	return PartialDate{}, fmt.Errorf("model: unrecognized date %q", s)
}

// Subject is a deceased person's enrichable record. The death fields hold the
// system-of-record values; the enrichment fields are overwritten by merged
// results.
type Subject struct {
	ID        string      `json:"id"`
	IMDbID    string      `json:"imdb_id,omitempty"`
	Name      string      `json:"name"`
	BirthYear int         `json:"birth_year,omitempty"`
	DeathDate PartialDate `json:"death_date"`

	CauseOfDeath  string         `json:"cause_of_death,omitempty"`
	MannerOfDeath string         `json:"manner_of_death,omitempty"`
	Circumstances string         `json:"circumstances,omitempty"`
	DeathLocation string         `json:"death_location,omitempty"`
	Confidence    ConfidenceTier `json:"confidence,omitempty"`
	EnrichedAt    *time.Time     `json:"enriched_at,omitempty"`
}

// DeathYear returns the recorded death year, or 0 when unknown.
func (s Subject) DeathYear() int {
	return s.DeathDate.Year
}

// FieldValues returns the current enrichment fields keyed by field name.
func (s Subject) FieldValues() map[Field]string {
	return map[Field]string{
		FieldDeathDate:     s.DeathDate.String(),
		FieldCauseOfDeath:  s.CauseOfDeath,
		FieldMannerOfDeath: s.MannerOfDeath,
		FieldCircumstances: s.Circumstances,
		FieldDeathLocation: s.DeathLocation,
	}
}
