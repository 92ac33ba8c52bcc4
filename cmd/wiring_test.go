package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deadonfilm/enrich/internal/config"
	"github.com/deadonfilm/enrich/internal/cost"
	"github.com/deadonfilm/enrich/internal/model"
	"github.com/deadonfilm/enrich/internal/source"
	"github.com/deadonfilm/enrich/internal/source/provider"
	"github.com/deadonfilm/enrich/internal/store"
)

type stubIndex struct{}

func (stubIndex) GetIMDbName(context.Context, string) (*model.IMDbName, error) {
	return nil, nil
}

func (stubIndex) FindIMDbCandidates(context.Context, string, int) ([]model.IMDbName, error) {
	return nil, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Store: config.StoreConfig{
			Driver:     "sqlite",
			SQLitePath: filepath.Join(dir, "test.db"),
		},
		Wikidata:  config.WikidataConfig{Endpoint: "http://127.0.0.1:1/sparql"},
		Anthropic: config.AnthropicConfig{Model: "claude-haiku-4-5-20251001", EstimatedCostUSD: 0.01},
		Archive:   config.ArchiveConfig{AvailabilityURL: "http://127.0.0.1:1/wayback"},
		Pricing:   cost.DefaultRates(),
		Enrich: config.EnrichConfig{
			Sources:          source.Categories{Free: true},
			ConfidenceTarget: string(model.TierVerified),
			WaterfallFile:    filepath.Join(dir, "waterfall.yaml"),
		},
		Checkpoint: config.CheckpointConfig{Path: filepath.Join(dir, "checkpoint.json"), SaveEvery: 1},
		Cache:      config.CacheConfig{TTLHours: 1},
	}
}

func TestInitStore_SQLite(t *testing.T) {
	cfg = testConfig(t)

	st, err := initStore(context.Background())
	require.NoError(t, err)
	require.NotNil(t, st)
	defer st.Close() //nolint:errcheck
}

func TestInitStore_UnknownDriver(t *testing.T) {
	cfg = &config.Config{Store: config.StoreConfig{Driver: "mysql"}}

	st, err := initStore(context.Background())
	assert.Nil(t, st)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported store driver")
}

func TestOpenStore_Migrates(t *testing.T) {
	cfg = testConfig(t)

	st, err := openStore(context.Background())
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck

	subjects, err := st.ListSubjects(context.Background(), store.SubjectFilter{})
	require.NoError(t, err)
	assert.Empty(t, subjects)
	_, statErr := os.Stat(cfg.Store.SQLitePath)
	assert.NoError(t, statErr)
}

func TestEnrichEnv_CloseNil(t *testing.T) {
	env := &enrichEnv{}
	assert.NotPanics(t, env.Close)
}

func TestBuildRegistry_NoCredentials(t *testing.T) {
	c := testConfig(t)

	reg := buildRegistry(c, nil, newFetcher(c))

	assert.Equal(t, []string{
		provider.NameIMDb, provider.NameObituary, provider.NamePerplexity,
		provider.NameSynthesis, provider.NameWebSearch, provider.NameWikidata,
	}, reg.List())
	for _, ds := range reg.All() {
		assert.False(t, ds.IsAvailable(), "%s should be unavailable without credentials", ds.Name())
	}
}

func TestBuildRegistry_AllCredentials(t *testing.T) {
	c := testConfig(t)
	c.Wikidata.Enabled = true
	c.Jina.Key = "jina-key"
	c.Perplexity.Key = "pplx-key"
	c.Anthropic.Key = "sk-ant"

	reg := buildRegistry(c, stubIndex{}, newFetcher(c))

	for _, ds := range reg.All() {
		assert.True(t, ds.IsAvailable(), "%s should be available", ds.Name())
	}
	assert.InDelta(t, 0.002, reg.Get(provider.NameObituary).EstimatedCostPerQuery(), 1e-9)
	assert.InDelta(t, 0.005, reg.Get(provider.NamePerplexity).EstimatedCostPerQuery(), 1e-9)
	assert.InDelta(t, 0.01, reg.Get(provider.NameSynthesis).EstimatedCostPerQuery(), 1e-9)
	assert.Equal(t, source.CategoryAI, source.CategoryOf(reg.Get(provider.NameSynthesis)))
}

func TestBuildExecutor_PlanFollowsCategories(t *testing.T) {
	c := testConfig(t)
	c.Wikidata.Enabled = true
	c.Jina.Key = "jina-key"
	c.Perplexity.Key = "pplx-key"

	reg := buildRegistry(c, stubIndex{}, newFetcher(c))
	exec, err := buildExecutor(c, reg, nil, newFetcher(c))
	require.NoError(t, err)

	names := func(cats source.Categories) []string {
		var out []string
		for _, ds := range exec.Plan(cats) {
			out = append(out, ds.Name())
		}
		return out
	}

	assert.Equal(t, []string{provider.NameWikidata, provider.NameIMDb, provider.NameObituary},
		names(source.Categories{Free: true}))
	assert.Equal(t, []string{provider.NameWikidata, provider.NameIMDb, provider.NameObituary, provider.NameWebSearch, provider.NamePerplexity},
		names(source.Categories{Free: true, Paid: true}))
}

func TestBuildExecutor_WaterfallOverrides(t *testing.T) {
	c := testConfig(t)
	c.Wikidata.Enabled = true
	require.NoError(t, os.WriteFile(c.Enrich.WaterfallFile, []byte(`waterfall:
  sources:
    wikidata:
      disabled: true
`), 0o644))

	reg := buildRegistry(c, stubIndex{}, newFetcher(c))
	exec, err := buildExecutor(c, reg, nil, newFetcher(c))
	require.NoError(t, err)

	plan := exec.Plan(source.Categories{Free: true})
	require.Len(t, plan, 1)
	assert.Equal(t, provider.NameIMDb, plan[0].Name())
}

func TestBuildExecutor_BadWaterfallFile(t *testing.T) {
	c := testConfig(t)
	require.NoError(t, os.WriteFile(c.Enrich.WaterfallFile, []byte("waterfall: [\n"), 0o644))

	_, err := buildExecutor(c, buildRegistry(c, nil, newFetcher(c)), nil, newFetcher(c))
	assert.Error(t, err)
}
