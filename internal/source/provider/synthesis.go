package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/deadonfilm/enrich/internal/cost"
	"github.com/deadonfilm/enrich/internal/model"
	"github.com/deadonfilm/enrich/internal/source"
	"github.com/deadonfilm/enrich/pkg/anthropic"
)

const synthesisSystem = `You reconcile evidence about a person's death gathered from several sources.
Use only the evidence provided. Where sources disagree, prefer the most specific date that at least two sources support.
Reply with only a JSON object with the fields died (true, false or null), death_date ("YYYY-MM-DD", "YYYY-MM" or "YYYY"),
cause_of_death, manner_of_death (natural, accident, suicide, homicide, undetermined or empty), circumstances,
death_location and source_url (the URL of the source the date comes from). Use empty strings for anything the evidence does not state.`

// SynthesisOptions configures the AI synthesis source.
type SynthesisOptions struct {
	Model        string
	MaxTokens    int64
	EstimatedUSD float64
}

// Synthesis asks Claude to combine the raw text already gathered by earlier
// sources into one structured report. With nothing gathered it reports
// ErrUnavailable without calling the model, so the attempt is not charged.
type Synthesis struct {
	client   anthropic.Client
	calc     *cost.Calculator
	opts     SynthesisOptions
	throttle *source.Throttle
}

// NewSynthesis creates the synthesis source.
func NewSynthesis(client anthropic.Client, calc *cost.Calculator, opts SynthesisOptions, throttle *source.Throttle) *Synthesis {
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 1024
	}
	return &Synthesis{client: client, calc: calc, opts: opts, throttle: throttle}
}

func (s *Synthesis) Name() string                            { return NameSynthesis }
func (s *Synthesis) ReliabilityTier() source.ReliabilityTier { return source.TierAISynthesis }
func (s *Synthesis) IsFree() bool                            { return false }
func (s *Synthesis) EstimatedCostPerQuery() float64          { return s.opts.EstimatedUSD }
func (s *Synthesis) IsAvailable() bool                       { return s.client != nil && s.opts.Model != "" }

func (s *Synthesis) Lookup(ctx context.Context, req source.Request) (source.Result, error) {
	if !s.IsAvailable() {
		return source.Result{}, source.ErrUnavailable
	}
	evidence := gathered(req.Prior)
	if evidence == "" {
		return source.Result{}, source.ErrUnavailable
	}
	if err := s.throttle.Wait(ctx); err != nil {
		return source.Result{}, err
	}

	subject := req.Subject
	temp := 0.0
	resp, err := s.client.Complete(ctx, anthropic.Prompt{
		Model:       s.opts.Model,
		MaxTokens:   s.opts.MaxTokens,
		System:      synthesisSystem,
		CacheSystem: true,
		User:        fmt.Sprintf("Person: %s%s\n\nEvidence:\n%s", subject.Name, describe(subject), evidence),
		Prefill:     "{",
		Temperature: &temp,
	})
	switch {
	case anthropic.IsRateLimited(err):
		return source.Result{}, &source.RateLimitedError{}
	case anthropic.IsOverloaded(err):
		return source.Result{}, eris.Wrap(err, "synthesis: model overloaded")
	case err != nil:
		return source.Result{}, eris.Wrap(err, "synthesis: create message")
	}

	u := resp.Usage
	res := source.Result{CostUSD: s.calc.Claude(s.opts.Model, cost.TokenUsage{
		Input:      u.InputTokens,
		Output:     u.OutputTokens,
		CacheWrite: u.CacheCreationInputTokens,
		CacheRead:  u.CacheReadInputTokens,
	})}
	subjectLog(s.Name(), subject).Debug("synthesis: usage",
		zap.Int64("input_tokens", u.InputTokens),
		zap.Int64("output_tokens", u.OutputTokens),
		zap.Int64("cache_read_tokens", u.CacheReadInputTokens),
		zap.Float64("metered_usd", res.CostUSD),
	)

	text := resp.Text
	if resp.Truncated() {
		return res, wrapParse("synthesis answer truncated", eris.Errorf("stopped at %d output tokens", u.OutputTokens))
	}
	var a answer
	if err := json.Unmarshal([]byte(cleanJSON(text)), &a); err != nil {
		return res, wrapParse("synthesis answer is not json", err)
	}
	ev, err := a.evidence()
	if err != nil {
		return res, err
	}
	ev.RawText = truncate(text, maxRawText)
	res.Evidence = ev
	return res, nil
}

// gathered concatenates the raw text of earlier successful results, one
// labelled block per source.
func gathered(prior []model.SourceQueryResult) string {
	var b strings.Builder
	for _, r := range prior {
		if !r.Success || r.Evidence == nil || strings.TrimSpace(r.Evidence.RawText) == "" {
			continue
		}
		fmt.Fprintf(&b, "[%s]", r.Source)
		if r.Evidence.URL != "" {
			fmt.Fprintf(&b, " %s", r.Evidence.URL)
		}
		b.WriteString("\n")
		b.WriteString(strings.TrimSpace(r.Evidence.RawText))
		b.WriteString("\n\n")
	}
	return strings.TrimSpace(b.String())
}
