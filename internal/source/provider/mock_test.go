package provider

import (
	"context"
	"io"
	"strings"

	"github.com/stretchr/testify/mock"

	"github.com/deadonfilm/enrich/internal/fetcher"
	"github.com/deadonfilm/enrich/internal/model"
	"github.com/deadonfilm/enrich/pkg/anthropic"
	"github.com/deadonfilm/enrich/pkg/jina"
	"github.com/deadonfilm/enrich/pkg/perplexity"
	"github.com/deadonfilm/enrich/pkg/wikidata"
)

type mockWikidata struct{ mock.Mock }

func (m *mockWikidata) ByIMDbID(ctx context.Context, imdbID string) (*wikidata.Person, error) {
	args := m.Called(ctx, imdbID)
	p, _ := args.Get(0).(*wikidata.Person)
	return p, args.Error(1)
}

func (m *mockWikidata) ByName(ctx context.Context, name string, birthYear int) ([]wikidata.Person, error) {
	args := m.Called(ctx, name, birthYear)
	p, _ := args.Get(0).([]wikidata.Person)
	return p, args.Error(1)
}

type mockJina struct{ mock.Mock }

func (m *mockJina) Search(ctx context.Context, query string, opts ...jina.SearchOption) (*jina.SearchResponse, error) {
	args := m.Called(ctx, query, len(opts)) // option funcs are not comparable
	r, _ := args.Get(0).(*jina.SearchResponse)
	return r, args.Error(1)
}

type mockPerplexity struct{ mock.Mock }

func (m *mockPerplexity) ChatCompletion(ctx context.Context, req perplexity.ChatCompletionRequest) (*perplexity.ChatCompletionResponse, error) {
	args := m.Called(ctx, req)
	r, _ := args.Get(0).(*perplexity.ChatCompletionResponse)
	return r, args.Error(1)
}

type mockAnthropic struct{ mock.Mock }

func (m *mockAnthropic) Complete(ctx context.Context, p anthropic.Prompt) (*anthropic.Reply, error) {
	args := m.Called(ctx, p)
	r, _ := args.Get(0).(*anthropic.Reply)
	return r, args.Error(1)
}

// fakeFetcher serves canned bodies or errors per URL.
type fakeFetcher struct {
	pages map[string]string
	errs  map[string]error
	calls []string
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) (*fetcher.Document, error) {
	f.calls = append(f.calls, url)
	if err, ok := f.errs[url]; ok {
		return nil, err
	}
	body, ok := f.pages[url]
	if !ok {
		return nil, io.ErrUnexpectedEOF
	}
	return &fetcher.Document{URL: url, StatusCode: 200, Body: body}, nil
}

func (f *fakeFetcher) Download(_ context.Context, url string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(f.pages[url])), nil
}

// fakeIndex is an in-memory NameIndex.
type fakeIndex struct {
	byID   map[string]model.IMDbName
	byNorm map[string][]model.IMDbName
	err    error
}

func (f *fakeIndex) GetIMDbName(_ context.Context, nconst string) (*model.IMDbName, error) {
	if f.err != nil {
		return nil, f.err
	}
	n, ok := f.byID[nconst]
	if !ok {
		return nil, nil
	}
	return &n, nil
}

func (f *fakeIndex) FindIMDbCandidates(_ context.Context, nameNorm string, limit int) ([]model.IMDbName, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := f.byNorm[nameNorm]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func subject() model.Subject {
	return model.Subject{
		ID:        "s1",
		IMDbID:    "nm0000001",
		Name:      "Jane Doe",
		BirthYear: 1930,
		DeathDate: model.PartialDate{Year: 1999},
	}
}
