package provider

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/deadonfilm/enrich/internal/model"
	"github.com/deadonfilm/enrich/internal/source"
	"github.com/deadonfilm/enrich/pkg/perplexity"
)

func reply(content string, citations ...string) *perplexity.ChatCompletionResponse {
	return &perplexity.ChatCompletionResponse{
		Choices:   []perplexity.Choice{{Message: perplexity.Message{Role: "assistant", Content: content}}},
		Citations: citations,
	}
}

func TestPerplexityLookup(t *testing.T) {
	m := &mockPerplexity{}
	m.On("ChatCompletion", mock.Anything, mock.MatchedBy(func(req perplexity.ChatCompletionRequest) bool {
		return len(req.Messages) == 1 && req.ResponseFormat != nil &&
			assert.Contains(t, req.Messages[0].Content, "Jane Doe (born 1930, IMDb nm0000001)")
	})).Return(reply("```json\n"+`{"died":true,"death_date":"1999-03-03","cause_of_death":"heart failure","manner_of_death":"natural","death_location":"Los Angeles, California","source_url":""}`+"\n```",
		"https://news.example.com/jane-doe"), nil)

	p := NewPerplexity(m, 0.005, nil)
	res, err := p.Lookup(context.Background(), source.Request{Subject: subject()})
	require.NoError(t, err)

	ev := res.Evidence
	assert.Equal(t, model.PartialDate{Year: 1999, Month: 3, Day: 3}, ev.DeathDate)
	assert.Equal(t, "heart failure", ev.CauseOfDeath)
	assert.Equal(t, "natural", ev.MannerOfDeath)
	assert.Equal(t, "Los Angeles, California", ev.DeathLocation)
	assert.Equal(t, "https://news.example.com/jane-doe", ev.URL)
	assert.NotEmpty(t, ev.RawText)
	assert.InDelta(t, 0.005, res.CostUSD, 1e-9)
	m.AssertExpectations(t)
}

func TestPerplexityOutcomes(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		kind     model.ErrorKind
		wantCost bool
	}{
		{name: "unknown", content: `{"died":null}`, kind: model.ErrorNotFound, wantCost: true},
		{name: "alive", content: `{"died":false}`, kind: model.ErrorNotFound, wantCost: true},
		{name: "prose", content: "I could not find anything.", kind: model.ErrorParse, wantCost: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &mockPerplexity{}
			m.On("ChatCompletion", mock.Anything, mock.Anything).Return(reply(tt.content), nil)

			res, err := NewPerplexity(m, 0.005, nil).Lookup(context.Background(), source.Request{Subject: subject()})
			assert.Equal(t, tt.kind, source.Classify(err))
			assert.InDelta(t, 0.005, res.CostUSD, 1e-9)
		})
	}
}

func TestPerplexityRateLimited(t *testing.T) {
	m := &mockPerplexity{}
	m.On("ChatCompletion", mock.Anything, mock.Anything).Return(nil, &perplexity.APIError{StatusCode: http.StatusTooManyRequests})

	res, err := NewPerplexity(m, 0.005, nil).Lookup(context.Background(), source.Request{Subject: subject()})
	assert.Equal(t, model.ErrorRateLimited, source.Classify(err))
	assert.Zero(t, res.CostUSD)
}

func TestPerplexityUnavailable(t *testing.T) {
	p := NewPerplexity(nil, 0.005, nil)
	assert.False(t, p.IsAvailable())
	_, err := p.Lookup(context.Background(), source.Request{Subject: subject()})
	assert.ErrorIs(t, err, source.ErrUnavailable)
}
