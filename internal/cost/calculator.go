// Package cost prices source queries and enforces per-subject and per-run
// spending ceilings.
package cost

import "sort"

// Rates is the pricing table loaded from the "pricing" config section.
type Rates struct {
	Anthropic  map[string]ModelRate `yaml:"anthropic" mapstructure:"anthropic"`
	Jina       JinaRate             `yaml:"jina" mapstructure:"jina"`
	Perplexity PerplexityRate       `yaml:"perplexity" mapstructure:"perplexity"`
}

// ModelRate is USD per million tokens. Cache multipliers scale the input rate.
type ModelRate struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

// JinaRate is the flat price of one s.jina.ai search.
type JinaRate struct {
	PerSearch float64 `yaml:"per_search" mapstructure:"per_search"`
}

// PerplexityRate is the flat price of one sonar completion.
type PerplexityRate struct {
	PerQuery float64 `yaml:"per_query" mapstructure:"per_query"`
}

// TokenUsage is the token accounting reported by a model response.
type TokenUsage struct {
	Input      int64
	Output     int64
	CacheWrite int64
	CacheRead  int64
}

// Calculator turns provider usage into USD.
type Calculator struct {
	rates    Rates
	fallback ModelRate
}

// NewCalculator builds a Calculator. Models missing from the table are
// priced at the most expensive configured model so budgets still bind.
func NewCalculator(rates Rates) *Calculator {
	c := &Calculator{rates: rates}
	names := make([]string, 0, len(rates.Anthropic))
	for name := range rates.Anthropic {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		r := rates.Anthropic[name]
		if r.Input+r.Output > c.fallback.Input+c.fallback.Output {
			c.fallback = r
		}
	}
	return c
}

// Claude prices one synthesis call.
func (c *Calculator) Claude(model string, u TokenUsage) float64 {
	rate, ok := c.rates.Anthropic[model]
	if !ok {
		rate = c.fallback
	}
	perTok := func(n int64, usdPerM float64) float64 { return float64(n) * usdPerM / 1e6 }
	return perTok(u.Input, rate.Input) +
		perTok(u.Output, rate.Output) +
		perTok(u.CacheWrite, rate.Input*rate.CacheWriteMul) +
		perTok(u.CacheRead, rate.Input*rate.CacheReadMul)
}

// KnownModel reports whether model has its own pricing row.
func (c *Calculator) KnownModel(model string) bool {
	_, ok := c.rates.Anthropic[model]
	return ok
}

// JinaSearch is the cost charged to the obituary and web search sources.
func (c *Calculator) JinaSearch() float64 {
	return c.rates.Jina.PerSearch
}

// PerplexityQuery is the cost charged to the perplexity source.
func (c *Calculator) PerplexityQuery() float64 {
	return c.rates.Perplexity.PerQuery
}

// DefaultRates is the built-in pricing table.
func DefaultRates() Rates {
	cached := func(in, out float64) ModelRate {
		return ModelRate{Input: in, Output: out, CacheWriteMul: 1.25, CacheReadMul: 0.1}
	}
	return Rates{
		Anthropic: map[string]ModelRate{
			"claude-haiku-4-5-20251001":  cached(0.80, 4.00),
			"claude-sonnet-4-5-20250929": cached(3.00, 15.00),
		},
		Jina:       JinaRate{PerSearch: 0.002},
		Perplexity: PerplexityRate{PerQuery: 0.005},
	}
}
