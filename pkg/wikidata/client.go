// Package wikidata queries the Wikidata SPARQL endpoint for death facts of
// people: date of death (P570), cause (P509), manner (P1196) and place (P20).
package wikidata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/deadonfilm/enrich/internal/resilience"
)

const defaultEndpoint = "https://query.wikidata.org/sparql"

// Wikidata time precisions.
const (
	PrecisionYear  = 9
	PrecisionMonth = 10
	PrecisionDay   = 11
)

// Client looks up people on Wikidata.
type Client interface {
	// ByIMDbID returns the entity carrying the IMDb identifier, or nil when
	// there is none.
	ByIMDbID(ctx context.Context, imdbID string) (*Person, error)
	// ByName returns humans whose English label matches name exactly. A
	// non-zero birthYear restricts to people born that year.
	ByName(ctx context.Context, name string, birthYear int) ([]Person, error)
}

// Person is the death-relevant projection of a Wikidata human.
type Person struct {
	QID       string
	Label     string
	BirthYear int
	// Died is false when the entity has no date of death statement.
	Died       bool
	DeathYear  int
	DeathMonth int
	DeathDay   int
	Cause      string
	Manner     string
	Place      string
}

// APIError is a non-success response from the endpoint.
type APIError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("wikidata: unexpected status %d: %s", e.StatusCode, e.Body)
}

// Option configures the client.
type Option func(*httpClient)

// WithEndpoint overrides the SPARQL endpoint.
func WithEndpoint(u string) Option {
	return func(c *httpClient) { c.endpoint = u }
}

// WithUserAgent sets the User-Agent header. Wikidata rejects anonymous
// agents.
func WithUserAgent(ua string) Option {
	return func(c *httpClient) { c.userAgent = ua }
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) { c.http = hc }
}

// WithRetry sets the retry policy for transient failures.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(c *httpClient) { c.retry = cfg }
}

type httpClient struct {
	endpoint  string
	userAgent string
	http      *http.Client
	retry     resilience.RetryConfig
}

// NewClient creates a Wikidata client.
func NewClient(opts ...Option) Client {
	c := &httpClient{
		endpoint:  defaultEndpoint,
		userAgent: "death-enrich/1.0",
		http:      &http.Client{Timeout: 30 * time.Second},
		retry:     resilience.DefaultRetryConfig(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

const selectClause = `SELECT ?person ?personLabel ?birth ?dod ?prec ?causeLabel ?mannerLabel ?placeLabel WHERE {
%s
  OPTIONAL { ?person wdt:P569 ?birth . }
  OPTIONAL { ?person p:P570/psv:P570 [ wikibase:timeValue ?dod ; wikibase:timePrecision ?prec ] . }
  OPTIONAL { ?person wdt:P509 ?cause . }
  OPTIONAL { ?person wdt:P1196 ?manner . }
  OPTIONAL { ?person wdt:P20 ?place . }
  SERVICE wikibase:label { bd:serviceParam wikibase:language "en". }
}
LIMIT 50`

func (c *httpClient) ByIMDbID(ctx context.Context, imdbID string) (*Person, error) {
	if imdbID == "" {
		return nil, nil
	}
	q := fmt.Sprintf(selectClause, fmt.Sprintf("  ?person wdt:P345 %s .", literal(imdbID)))
	people, err := c.query(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(people) == 0 {
		return nil, nil
	}
	return &people[0], nil
}

func (c *httpClient) ByName(ctx context.Context, name string, birthYear int) ([]Person, error) {
	pattern := fmt.Sprintf("  ?person rdfs:label %s@en ; wdt:P31 wd:Q5 .", literal(name))
	if birthYear > 0 {
		pattern += fmt.Sprintf("\n  ?person wdt:P569 ?b . FILTER(YEAR(?b) = %d)", birthYear)
	}
	return c.query(ctx, fmt.Sprintf(selectClause, pattern))
}

// literal quotes s as a SPARQL string literal.
func literal(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`, "\r", `\r`)
	return `"` + r.Replace(s) + `"`
}

type sparqlResponse struct {
	Results struct {
		Bindings []map[string]binding `json:"bindings"`
	} `json:"results"`
}

type binding struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

func (c *httpClient) query(ctx context.Context, sparql string) ([]Person, error) {
	u := c.endpoint + "?" + url.Values{"query": {sparql}, "format": {"json"}}.Encode()

	cfg := c.retry
	cfg.OnRetry = resilience.RetryLogger("wikidata", "sparql")
	body, err := resilience.Do(ctx, cfg, func(ctx context.Context) ([]byte, error) {
		return c.get(ctx, u)
	})
	if err != nil {
		return nil, err
	}

	var resp sparqlResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, eris.Wrap(err, "wikidata: unmarshal response")
	}
	return collect(resp.Results.Bindings), nil
}

func (c *httpClient) get(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, eris.Wrap(err, "wikidata: create request")
	}
	req.Header.Set("Accept", "application/sparql-results+json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "wikidata: send request"), 0)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "wikidata: read response"), 0)
	}
	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: truncate(string(body), 200)}
		apiErr.RetryAfter = resilience.ParseRetryAfter(resp.Header.Get("Retry-After"))
		return nil, resilience.ClassifyStatus(resp, apiErr)
	}
	return body, nil
}

// collect folds result rows into one Person per entity. Optional
// multi-valued properties produce one row per value; the first non-empty
// value wins and the most precise death date is kept.
func collect(rows []map[string]binding) []Person {
	byQID := make(map[string]*Person)
	var order []string
	for _, row := range rows {
		qid := entityID(row["person"].Value)
		if qid == "" {
			continue
		}
		p, ok := byQID[qid]
		if !ok {
			p = &Person{QID: qid}
			byQID[qid] = p
			order = append(order, qid)
		}
		if p.Label == "" {
			p.Label = row["personLabel"].Value
		}
		if p.BirthYear == 0 {
			if t, ok := parseTime(row["birth"].Value); ok {
				p.BirthYear = t.Year()
			}
		}
		if dod, ok := parseTime(row["dod"].Value); ok {
			prec, _ := strconv.Atoi(row["prec"].Value)
			applyDeath(p, dod, prec)
		}
		p.Cause = firstLabel(p.Cause, row["causeLabel"])
		p.Manner = firstLabel(p.Manner, row["mannerLabel"])
		p.Place = firstLabel(p.Place, row["placeLabel"])
	}

	out := make([]Person, 0, len(order))
	for _, qid := range order {
		out = append(out, *byQID[qid])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Died && !out[j].Died })
	return out
}

func applyDeath(p *Person, dod time.Time, prec int) {
	if prec < PrecisionYear {
		return
	}
	if p.Died && precisionOf(p) >= prec {
		return
	}
	p.Died = true
	p.DeathYear, p.DeathMonth, p.DeathDay = dod.Year(), 0, 0
	if prec >= PrecisionMonth {
		p.DeathMonth = int(dod.Month())
	}
	if prec >= PrecisionDay {
		p.DeathDay = dod.Day()
	}
}

func precisionOf(p *Person) int {
	switch {
	case p.DeathDay != 0:
		return PrecisionDay
	case p.DeathMonth != 0:
		return PrecisionMonth
	default:
		return PrecisionYear
	}
}

// firstLabel keeps cur unless empty. Unlabelled items come back as their
// entity URI or bare Q-id and are ignored.
func firstLabel(cur string, b binding) string {
	if cur != "" || b.Value == "" {
		return cur
	}
	if strings.HasPrefix(b.Value, "http://") || isQID(b.Value) {
		return cur
	}
	return b.Value
}

func entityID(uri string) string {
	i := strings.LastIndex(uri, "/")
	if i < 0 {
		return ""
	}
	return uri[i+1:]
}

func isQID(s string) bool {
	if len(s) < 2 || s[0] != 'Q' {
		return false
	}
	_, err := strconv.Atoi(s[1:])
	return err == nil
}

func parseTime(v string) (time.Time, bool) {
	if v == "" || strings.HasPrefix(v, "-") {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
