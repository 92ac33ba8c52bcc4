package source

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deadonfilm/enrich/internal/model"
)

type stubSource struct {
	name      string
	tier      ReliabilityTier
	free      bool
	cost      float64
	available bool
}

func (s stubSource) Name() string                     { return s.name }
func (s stubSource) ReliabilityTier() ReliabilityTier { return s.tier }
func (s stubSource) IsFree() bool                     { return s.free }
func (s stubSource) EstimatedCostPerQuery() float64   { return s.cost }
func (s stubSource) IsAvailable() bool                { return s.available }
func (s stubSource) Lookup(context.Context, Request) (Result, error) {
	return Result{}, ErrNotFound
}

func TestReliabilityTier_RoundTrip(t *testing.T) {
	t.Parallel()

	for tier := TierPrimaryRecord; tier <= TierAISynthesis; tier++ {
		got, ok := ParseReliabilityTier(tier.String())
		require.True(t, ok, tier.String())
		assert.Equal(t, tier, got)
	}
	_, ok := ParseReliabilityTier("tabloid")
	assert.False(t, ok)
	assert.Equal(t, "unknown", ReliabilityTier(99).String())
}

func TestReliabilityTier_HighTrust(t *testing.T) {
	t.Parallel()

	assert.True(t, TierPrimaryRecord.HighTrust())
	assert.True(t, TierStructuredRecord.HighTrust())
	assert.False(t, TierObituary.HighTrust())
	assert.False(t, TierAISynthesis.HighTrust())
}

func TestCategoryOf(t *testing.T) {
	t.Parallel()

	assert.Equal(t, CategoryFree, CategoryOf(stubSource{tier: TierStructuredRecord, free: true}))
	assert.Equal(t, CategoryPaid, CategoryOf(stubSource{tier: TierSearchAggregator}))
	assert.Equal(t, CategoryAI, CategoryOf(stubSource{tier: TierAISynthesis, free: true}))
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want model.ErrorKind
	}{
		{"nil", nil, model.ErrorNone},
		{"not found", ErrNotFound, model.ErrorNotFound},
		{"wrapped not found", eris.Wrap(ErrNotFound, "imdb"), model.ErrorNotFound},
		{"blocked", &AccessBlockedError{URL: "https://x", StatusCode: 403}, model.ErrorBlocked},
		{"wrapped blocked", fmt.Errorf("obituary: %w", &AccessBlockedError{StatusCode: 418}), model.ErrorBlocked},
		{"rate limited", &RateLimitedError{RetryAfter: time.Second}, model.ErrorRateLimited},
		{"parse", &ParseError{Detail: "no json"}, model.ErrorParse},
		{"other", eris.New("boom"), model.ErrorOther},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestErrorMessages(t *testing.T) {
	t.Parallel()

	assert.Contains(t, (&AccessBlockedError{URL: "https://legacy.com/x", StatusCode: 403}).Error(), "status 403")
	assert.Contains(t, (&RateLimitedError{RetryAfter: 2 * time.Second}).Error(), "2s")
	assert.Equal(t, "source: rate limited", (&RateLimitedError{}).Error())
	pe := &ParseError{Detail: "bad body", Err: eris.New("eof")}
	assert.Contains(t, pe.Error(), "bad body")
	assert.NotNil(t, pe.Unwrap())
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.Register(stubSource{name: "wikidata", tier: TierPrimaryRecord, free: true, available: true})
	r.Register(stubSource{name: "perplexity", tier: TierSearchAggregator, cost: 0.005, available: true})
	r.Register(stubSource{name: "synthesis", tier: TierAISynthesis, cost: 0.01, available: true})
	r.Register(stubSource{name: "imdb", tier: TierStructuredRecord, free: true, available: false})

	assert.Equal(t, []string{"imdb", "perplexity", "synthesis", "wikidata"}, r.List())
	assert.NotNil(t, r.Get("imdb"))
	assert.Nil(t, r.Get("missing"))

	names := func(ds []DataSource) []string {
		var out []string
		for _, d := range ds {
			out = append(out, d.Name())
		}
		return out
	}
	assert.Equal(t, []string{"wikidata"}, names(r.Enabled(Categories{Free: true})))
	assert.Equal(t, []string{"perplexity", "synthesis", "wikidata"}, names(r.Enabled(Categories{Free: true, Paid: true, AI: true})))
	assert.Empty(t, r.Enabled(Categories{}))
}

func TestThrottle(t *testing.T) {
	t.Parallel()

	var nilThrottle *Throttle
	require.NoError(t, nilThrottle.Wait(context.Background()))
	assert.Zero(t, nilThrottle.MinDelay())

	off := NewThrottle(0)
	require.NoError(t, off.Wait(context.Background()))

	th := NewThrottle(40 * time.Millisecond)
	assert.Equal(t, 40*time.Millisecond, th.MinDelay())
	start := time.Now()
	require.NoError(t, th.Wait(context.Background()))
	require.NoError(t, th.Wait(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestThrottle_ContextCanceled(t *testing.T) {
	t.Parallel()

	th := NewThrottle(time.Hour)
	require.NoError(t, th.Wait(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, th.Wait(ctx))
}
