package provider

import (
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deadonfilm/enrich/internal/model"
)

func TestParseDeathText(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		date     model.PartialDate
		cause    string
		manner   string
		location string
	}{
		{
			name:     "date after verb",
			text:     "Jane Doe, the actress, died on March 3, 1999 of heart failure at her home in Los Angeles.",
			date:     model.PartialDate{Year: 1999, Month: 3, Day: 3},
			cause:    "heart failure",
			location: "",
		},
		{
			name:     "date before verb skips birth date",
			text:     "Jane Doe (May 1, 1930) was a stage actress. On 3 March 1999 she died peacefully in Santa Monica, California.",
			date:     model.PartialDate{Year: 1999, Month: 3, Day: 3},
			location: "Santa Monica, California",
		},
		{
			name:   "month and year",
			text:   "The actor passed away in June 2004 from complications of pneumonia.",
			date:   model.PartialDate{Year: 2004, Month: 6},
			cause:  "pneumonia",
			manner: "",
		},
		{
			name:   "iso date and cause sentence",
			text:   "Death: 2010-11-02. The cause of death was a car crash.",
			date:   model.PartialDate{Year: 2010, Month: 11, Day: 2},
			cause:  "car crash",
			manner: "accident",
		},
		{
			name:  "year only with battle",
			text:  "He died in 1987 after a long battle with lung cancer.",
			date:  model.PartialDate{Year: 1987},
			cause: "lung cancer",
		},
		{
			name:   "suicide manner",
			text:   "She died by suicide on Aug. 12, 2014.",
			date:   model.PartialDate{Year: 2014, Month: 8, Day: 12},
			cause:  "suicide",
			manner: "suicide",
		},
		{
			name: "home of is not a cause",
			text: "He died on July 4, 2001 at the home of his daughter.",
			date: model.PartialDate{Year: 2001, Month: 7, Day: 4},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := ParseDeathText(tt.text)
			require.NotNil(t, ev)
			assert.Equal(t, tt.date, ev.DeathDate)
			assert.Equal(t, tt.cause, ev.CauseOfDeath)
			assert.Equal(t, tt.manner, ev.MannerOfDeath)
			if tt.location != "" {
				assert.Equal(t, tt.location, ev.DeathLocation)
			}
			assert.NotEmpty(t, ev.RawText)
		})
	}
}

func TestParseDeathTextNoStatement(t *testing.T) {
	for _, text := range []string{
		"",
		"Jane Doe starred in 14 films between 1950 and 1970.",
		"Jane Doe has died, her family said.",
	} {
		assert.Nil(t, ParseDeathText(text), text)
	}
}

func TestMentions(t *testing.T) {
	tests := []struct {
		text string
		name string
		want bool
	}{
		{"Obituary: RENÉE O'BRIEN, 1930-1999", "Renee O'Brien", true},
		{"Renee Smith obituary", "Renee O'Brien", false},
		{"Mr. O'Brien died", "Renee O'Brien", false},
		{"Cher dies at 90", "Cher", true},
		{"anything", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.Equal(t, tt.want, mentions(tt.text, tt.name))
		})
	}
}

func TestPlainText(t *testing.T) {
	in := `<html><head><style>p{}</style><script>var died = "January 1, 2000";</script></head>
<body><p>Jane&nbsp;Doe   died</p><p>on March 3, 1999.</p></body></html>`
	out := plainText(in)
	assert.NotContains(t, out, "<")
	assert.NotContains(t, out, "January")
	assert.Contains(t, out, "died on March 3, 1999.")
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	tests := []struct {
		name string
		s    string
		n    int
		want string
	}{
		{name: "short", s: "José", n: 10, want: "José"},
		{name: "ascii", s: "heart failure", n: 5, want: "heart"},
		{name: "inside two byte rune", s: "José Ferrer", n: 4, want: "Jos"},
		{name: "after two byte rune", s: "José Ferrer", n: 5, want: "José"},
		{name: "inside three byte rune", s: "死去した", n: 4, want: "死"},
		{name: "inside first rune", s: "死", n: 2, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncate(tt.s, tt.n)
			assert.Equal(t, tt.want, got)
			assert.True(t, utf8.ValidString(got))
			assert.LessOrEqual(t, len(got), tt.n)
		})
	}
}

func TestCleanJSON(t *testing.T) {
	assert.Equal(t, `{"died":true}`, cleanJSON("```json\n{\"died\":true}\n```"))
	assert.Equal(t, `{"a":1}`, cleanJSON("Here you go: {\"a\":1} hope it helps"))
	assert.Equal(t, "no json", cleanJSON("no json"))
}

func TestAnswerEvidence(t *testing.T) {
	yes, no := true, false
	tests := []struct {
		name    string
		a       answer
		wantErr bool
		date    model.PartialDate
		manner  string
	}{
		{name: "unknown", a: answer{DeathDate: "1999"}, wantErr: true},
		{name: "alive", a: answer{Died: &no}, wantErr: true},
		{name: "no date", a: answer{Died: &yes, Cause: "cancer"}, wantErr: true},
		{name: "full", a: answer{Died: &yes, DeathDate: "1999-03-03", Manner: "Natural causes", Cause: "unknown"}, date: model.PartialDate{Year: 1999, Month: 3, Day: 3}, manner: "natural"},
		{name: "prose date", a: answer{Died: &yes, DeathDate: "March 1999"}, date: model.PartialDate{Year: 1999, Month: 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := tt.a.evidence()
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.date, ev.DeathDate)
			assert.Equal(t, tt.manner, ev.MannerOfDeath)
			assert.Empty(t, ev.CauseOfDeath)
		})
	}
}
