package provider

import (
	"html"
	"regexp"
	"strconv"
	"strings"

	"github.com/deadonfilm/enrich/internal/model"
	"github.com/deadonfilm/enrich/pkg/imdb"
)

const monthNames = `(January|February|March|April|May|June|July|August|September|October|November|December|Jan|Feb|Mar|Apr|Jun|Jul|Aug|Sep|Sept|Oct|Nov|Dec)\.?`

var (
	months = map[string]int{
		"jan": 1, "feb": 2, "mar": 3, "apr": 4, "may": 5, "jun": 6,
		"jul": 7, "aug": 8, "sep": 9, "sept": 9, "oct": 10, "nov": 11, "dec": 12,
	}

	reMDY = regexp.MustCompile(`(?i)\b` + monthNames + `\s+(\d{1,2})(?:st|nd|rd|th)?,?\s+(\d{4})\b`)
	reDMY = regexp.MustCompile(`(?i)\b(\d{1,2})\s+` + monthNames + `,?\s+(\d{4})\b`)
	reISO = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`)
	reMY  = regexp.MustCompile(`(?i)\b` + monthNames + `\s+(\d{4})\b`)
	reY   = regexp.MustCompile(`\b(1[89]\d{2}|20\d{2})\b`)

	reDeath = regexp.MustCompile(`(?i)\b(died|passed away|death|dies|deceased)\b`)

	reCause = []*regexp.Regexp{
		regexp.MustCompile(`(?i)cause of death (?:was|is|:)\s*([^.;\n]+)`),
		regexp.MustCompile(`(?i)(?:died|dies) (?:by|of) (suicide)`),
		regexp.MustCompile(`(?i)(?:died|dies|passed away|death)\b[^.;\n]{0,60}?\b(?:of|from)\s+(?:complications (?:of|from)\s+)?([^.,;\n]+)`),
		regexp.MustCompile(`(?i)after (?:a |an )?(?:long |brief |lengthy |short )?(?:battle|struggle|fight) with\s+([^.,;\n]+)`),
	}
	reNotCause  = regexp.MustCompile(`(?i)^(?:his|her|their|the|a|an)\b`)
	reCauseStop = regexp.MustCompile(`(?i)\s+(?:at|in|on|aged|surrounded|while|after)\b.*$`)

	reScript = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
	reTag    = regexp.MustCompile(`<[^>]+>`)
	reSpace  = regexp.MustCompile(`\s+`)

	reLocation = regexp.MustCompile(`(?:died|passed away)\s+(?:peacefully\s+|suddenly\s+)?(?:at (?:his|her|their) home\s+)?in\s+([A-Z][\w'.-]+(?:\s+[A-Z][\w'.-]+)*(?:,\s+[A-Z][\w'.-]+(?:\s+[A-Z][\w'.-]+)*)?)`)
)

// ParseDeathText extracts death evidence from prose such as an obituary or
// a search snippet. It returns nil when the text holds no death statement
// with a date.
func ParseDeathText(text string) *model.DeathEvidence {
	for _, loc := range reDeath.FindAllStringIndex(text, -1) {
		date := dateNear(text, loc)
		if date.IsZero() {
			continue
		}
		ev := &model.DeathEvidence{
			DeathDate: date,
			RawText:   truncate(strings.TrimSpace(text), maxRawText),
		}
		ev.CauseOfDeath = findCause(text)
		ev.MannerOfDeath = mannerFromCause(ev.CauseOfDeath)
		if m := reLocation.FindStringSubmatch(text); m != nil {
			ev.DeathLocation = strings.TrimRight(m[1], ".,")
		}
		return ev
	}
	return nil
}

// dateNear looks for the death date right after the verb ("died on March 3,
// 1999"), then for the closest one before it ("On March 3, 1999, she died").
func dateNear(text string, verb []int) model.PartialDate {
	after := text[verb[1]:min(len(text), verb[1]+120)]
	if d, ok := firstDate(after); ok {
		return d
	}
	before := text[max(0, verb[0]-120):verb[0]]
	d, _ := lastDate(before)
	return d
}

type dateMatch struct {
	start, end int
	date       model.PartialDate
}

// dateMatches lists dates found in s, most precise patterns first.
func dateMatches(s string) []dateMatch {
	var out []dateMatch
	for _, m := range reMDY.FindAllStringSubmatchIndex(s, -1) {
		out = append(out, dateMatch{m[0], m[1], makeDate(s[m[6]:m[7]], months[monthKey(s[m[2]:m[3]])], s[m[4]:m[5]])})
	}
	for _, m := range reDMY.FindAllStringSubmatchIndex(s, -1) {
		out = append(out, dateMatch{m[0], m[1], makeDate(s[m[6]:m[7]], months[monthKey(s[m[4]:m[5]])], s[m[2]:m[3]])})
	}
	for _, m := range reISO.FindAllStringSubmatchIndex(s, -1) {
		mo, _ := strconv.Atoi(s[m[4]:m[5]])
		out = append(out, dateMatch{m[0], m[1], makeDate(s[m[2]:m[3]], mo, s[m[6]:m[7]])})
	}
	for _, m := range reMY.FindAllStringSubmatchIndex(s, -1) {
		out = append(out, dateMatch{m[0], m[1], makeDate(s[m[4]:m[5]], months[monthKey(s[m[2]:m[3]])], "")})
	}
	for _, m := range reY.FindAllStringSubmatchIndex(s, -1) {
		out = append(out, dateMatch{m[0], m[1], makeDate(s[m[2]:m[3]], 0, "")})
	}
	return out
}

// firstDate returns the earliest date in s. A year that is part of a fuller
// date starts later than it, so the fuller date wins.
func firstDate(s string) (model.PartialDate, bool) {
	var best *dateMatch
	for _, m := range dateMatches(s) {
		if best == nil || m.start < best.start {
			best = &m
		}
	}
	if best == nil {
		return model.PartialDate{}, false
	}
	return best.date, true
}

// lastDate returns the date closest to the end of s, skipping matches that
// sit inside a fuller date.
func lastDate(s string) (model.PartialDate, bool) {
	ms := dateMatches(s)
	var best *dateMatch
	for i := range ms {
		if within(ms[i], ms) {
			continue
		}
		if best == nil || ms[i].start > best.start {
			best = &ms[i]
		}
	}
	if best == nil {
		return model.PartialDate{}, false
	}
	return best.date, true
}

func within(m dateMatch, all []dateMatch) bool {
	for _, n := range all {
		if n.start <= m.start && n.end >= m.end && n.end-n.start > m.end-m.start {
			return true
		}
	}
	return false
}

// plainText strips markup from a fetched page so sentences read
// contiguously. Markdown and plain text pass through with whitespace
// collapsed.
func plainText(s string) string {
	if strings.Contains(s, "<") {
		s = reScript.ReplaceAllString(s, " ")
		s = reTag.ReplaceAllString(s, " ")
		s = html.UnescapeString(s)
	}
	return strings.TrimSpace(reSpace.ReplaceAllString(s, " "))
}

// findDate returns the earliest date in s, or the zero date.
func findDate(s string) model.PartialDate {
	d, _ := firstDate(s)
	return d
}

func monthKey(name string) string {
	name = strings.ToLower(strings.TrimSuffix(name, "."))
	if name == "sept" {
		return name
	}
	return name[:3]
}

func makeDate(year string, month int, day string) model.PartialDate {
	y, _ := strconv.Atoi(year)
	d, _ := strconv.Atoi(day)
	if month < 1 || month > 12 {
		return model.PartialDate{Year: y}
	}
	if d < 1 || d > 31 {
		d = 0
	}
	return model.PartialDate{Year: y, Month: month, Day: d}
}

func findCause(text string) string {
	for _, re := range reCause {
		m := re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		cause := reCauseStop.ReplaceAllString(m[1], "")
		cause = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(cause), "a "))
		cause = strings.TrimPrefix(cause, "an ")
		if cause == "" || len(cause) > 80 || reNotCause.MatchString(cause) {
			continue
		}
		return strings.ToLower(cause)
	}
	return ""
}

func mannerFromCause(cause string) string {
	c := strings.ToLower(cause)
	switch {
	case c == "":
		return ""
	case strings.Contains(c, "suicide"), strings.Contains(c, "self-inflicted"):
		return "suicide"
	case strings.Contains(c, "homicide"), strings.Contains(c, "murder"), strings.Contains(c, "gunshot"), strings.Contains(c, "stab"):
		return "homicide"
	case strings.Contains(c, "accident"), strings.Contains(c, "crash"), strings.Contains(c, "drown"), strings.Contains(c, "overdose"), strings.Contains(c, "fall"):
		return "accident"
	case strings.Contains(c, "natural causes"):
		return "natural"
	}
	return ""
}

// normalizeManner maps free-text manner values onto the standard
// categories, dropping anything unrecognized.
func normalizeManner(m string) string {
	m = strings.ToLower(strings.TrimSpace(m))
	switch {
	case m == "":
		return ""
	case strings.HasPrefix(m, "natural"):
		return "natural"
	case strings.HasPrefix(m, "accident"):
		return "accident"
	case strings.HasPrefix(m, "suicide"):
		return "suicide"
	case strings.HasPrefix(m, "homicide"):
		return "homicide"
	case strings.HasPrefix(m, "undetermined"):
		return "undetermined"
	}
	return ""
}

// mentions reports whether text names the subject: every token of the
// subject's surname and at least the first given name must appear.
func mentions(text, name string) bool {
	tokens := strings.Fields(imdb.NormalizeName(name))
	if len(tokens) == 0 {
		return false
	}
	hay := " " + imdb.NormalizeName(text) + " "
	last := tokens[len(tokens)-1]
	if !strings.Contains(hay, " "+last+" ") {
		return false
	}
	return len(tokens) == 1 || strings.Contains(hay, " "+tokens[0]+" ")
}
