package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rotisserie/eris"

	"github.com/deadonfilm/enrich/internal/model"
	"github.com/deadonfilm/enrich/internal/source"
	"github.com/deadonfilm/enrich/pkg/perplexity"
)

const perplexityPrompt = `Find reliable published information about the death of %s%s.
Reply with only a JSON object with these fields:
- died: true if a reliable source reports the person has died, false if they are reported alive, null if unknown
- death_date: "YYYY-MM-DD", "YYYY-MM" or "YYYY"
- cause_of_death: string, empty if not reported
- manner_of_death: one of "natural", "accident", "suicide", "homicide", "undetermined", or empty
- circumstances: one sentence, empty if not reported
- death_location: city and country or state, empty if not reported
- source_url: the page the date comes from
Do not guess. Use empty strings for anything not reported.`

// perplexitySchema mirrors the fields of answer.
const perplexitySchema = `{
  "type": "object",
  "properties": {
    "died": {"type": ["boolean", "null"]},
    "death_date": {"type": "string"},
    "cause_of_death": {"type": "string"},
    "manner_of_death": {"type": "string"},
    "circumstances": {"type": "string"},
    "death_location": {"type": "string"},
    "source_url": {"type": "string"}
  },
  "required": ["died"]
}`

// Perplexity asks the Perplexity search model for a structured death
// report.
type Perplexity struct {
	client       perplexity.Client
	costPerQuery float64
	throttle     *source.Throttle
}

// NewPerplexity creates the Perplexity source.
func NewPerplexity(client perplexity.Client, costPerQuery float64, throttle *source.Throttle) *Perplexity {
	return &Perplexity{client: client, costPerQuery: costPerQuery, throttle: throttle}
}

func (p *Perplexity) Name() string                            { return NamePerplexity }
func (p *Perplexity) ReliabilityTier() source.ReliabilityTier { return source.TierSearchAggregator }
func (p *Perplexity) IsFree() bool                            { return false }
func (p *Perplexity) EstimatedCostPerQuery() float64          { return p.costPerQuery }
func (p *Perplexity) IsAvailable() bool                       { return p.client != nil }

func (p *Perplexity) Lookup(ctx context.Context, req source.Request) (source.Result, error) {
	if !p.IsAvailable() {
		return source.Result{}, source.ErrUnavailable
	}
	subject := req.Subject
	if subject.Name == "" {
		return source.Result{}, source.ErrNotFound
	}
	if err := p.throttle.Wait(ctx); err != nil {
		return source.Result{}, err
	}

	temp := 0.0
	resp, err := p.client.ChatCompletion(ctx, perplexity.ChatCompletionRequest{
		Messages:       []perplexity.Message{{Role: "user", Content: fmt.Sprintf(perplexityPrompt, subject.Name, describe(subject))}},
		Temperature:    &temp,
		ResponseFormat: perplexity.JSONResponse(perplexitySchema),
	})
	if err != nil {
		var apiErr *perplexity.APIError
		if errors.As(err, &apiErr) {
			return source.Result{}, statusError(apiErr.StatusCode, apiErr.RetryAfter, "", eris.Wrap(err, "perplexity: query"))
		}
		return source.Result{}, eris.Wrap(err, "perplexity: query")
	}
	res := source.Result{CostUSD: p.costPerQuery}

	text := resp.Content()
	var a answer
	if err := json.Unmarshal([]byte(cleanJSON(text)), &a); err != nil {
		return res, wrapParse("perplexity answer is not json", err)
	}
	ev, err := a.evidence()
	if err != nil {
		return res, err
	}
	if srcs := resp.Sources(); ev.URL == "" && len(srcs) > 0 {
		ev.URL = srcs[0]
	}
	ev.RawText = truncate(text, maxRawText)
	res.Evidence = ev
	return res, nil
}

// describe adds disambiguating detail to prompts.
func describe(s model.Subject) string {
	switch {
	case s.BirthYear > 0 && s.IMDbID != "":
		return fmt.Sprintf(" (born %d, IMDb %s)", s.BirthYear, s.IMDbID)
	case s.BirthYear > 0:
		return fmt.Sprintf(" (born %d)", s.BirthYear)
	case s.IMDbID != "":
		return fmt.Sprintf(" (IMDb %s)", s.IMDbID)
	}
	return ", the film and television performer"
}
