// Package provider implements the concrete death-evidence sources: Wikidata,
// the local IMDb name index, obituary pages, web search, Perplexity and AI
// synthesis over previously gathered text.
package provider

import (
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/deadonfilm/enrich/internal/model"
	"github.com/deadonfilm/enrich/internal/source"
)

// Source names.
const (
	NameWikidata   = "wikidata"
	NameIMDb       = "imdb"
	NameObituary   = "obituary"
	NameWebSearch  = "websearch"
	NamePerplexity = "perplexity"
	NameSynthesis  = "synthesis"
)

const maxRawText = 4000

var (
	_ source.DataSource    = (*Wikidata)(nil)
	_ source.DataSource    = (*IMDb)(nil)
	_ source.DataSource    = (*Obituary)(nil)
	_ source.ArchiveParser = (*Obituary)(nil)
	_ source.DataSource    = (*WebSearch)(nil)
	_ source.DataSource    = (*Perplexity)(nil)
	_ source.DataSource    = (*Synthesis)(nil)
)

// statusError maps a non-success API status onto the source error taxonomy.
// Statuses that are neither throttling nor blocking keep err as-is.
func statusError(status int, retryAfter time.Duration, url string, err error) error {
	switch {
	case status == http.StatusTooManyRequests:
		return &source.RateLimitedError{RetryAfter: retryAfter}
	case status == http.StatusForbidden || status == http.StatusTeapot:
		return &source.AccessBlockedError{URL: url, StatusCode: status}
	}
	return err
}

func subjectLog(name string, s model.Subject) *zap.Logger {
	return zap.L().With(zap.String("source", name), zap.String("subject_id", s.ID))
}

// cleanJSON extracts a JSON object from model output that may be wrapped in
// code fences or prose.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}
	return strings.TrimSpace(text)
}

// answer is the JSON shape both LLM-backed sources are asked to return.
type answer struct {
	Died          *bool  `json:"died"`
	DeathDate     string `json:"death_date"`
	Cause         string `json:"cause_of_death"`
	Manner        string `json:"manner_of_death"`
	Circumstances string `json:"circumstances"`
	Location      string `json:"death_location"`
	SourceURL     string `json:"source_url"`
}

// evidence converts an answer, returning ErrNotFound unless it positively
// reports a death with at least a year.
func (a answer) evidence() (*model.DeathEvidence, error) {
	if a.Died == nil || !*a.Died {
		return nil, source.ErrNotFound
	}
	date, err := model.ParsePartialDate(a.DeathDate)
	if err != nil {
		date = findDate(a.DeathDate)
	}
	if date.IsZero() {
		return nil, source.ErrNotFound
	}
	return &model.DeathEvidence{
		DeathDate:     date,
		CauseOfDeath:  cleanValue(a.Cause),
		MannerOfDeath: normalizeManner(a.Manner),
		Circumstances: cleanValue(a.Circumstances),
		DeathLocation: cleanValue(a.Location),
		URL:           a.SourceURL,
	}, nil
}

func cleanValue(s string) string {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "unknown", "n/a", "null", "none", "not reported":
		return ""
	}
	return s
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func wrapParse(detail string, err error) error {
	return &source.ParseError{Detail: detail, Err: eris.Wrap(err, "provider: decode")}
}
