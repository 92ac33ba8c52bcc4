package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/deadonfilm/enrich/internal/archive"
	"github.com/deadonfilm/enrich/internal/config"
	"github.com/deadonfilm/enrich/internal/cost"
	"github.com/deadonfilm/enrich/internal/fetcher"
	"github.com/deadonfilm/enrich/internal/resilience"
	"github.com/deadonfilm/enrich/internal/source"
	"github.com/deadonfilm/enrich/internal/source/provider"
	"github.com/deadonfilm/enrich/internal/store"
	"github.com/deadonfilm/enrich/internal/waterfall"
	anthropicpkg "github.com/deadonfilm/enrich/pkg/anthropic"
	"github.com/deadonfilm/enrich/pkg/jina"
	"github.com/deadonfilm/enrich/pkg/perplexity"
	"github.com/deadonfilm/enrich/pkg/wikidata"
)

// enrichEnv holds the store, the source registry and the executor needed by
// the enrich and lookup commands.
type enrichEnv struct {
	Store    store.Store
	Registry *source.Registry
	Executor *waterfall.Executor
}

// Close releases resources held by the environment.
func (e *enrichEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initStore opens the configured store backend.
func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		return store.NewSQLite(cfg.Store.SQLitePath)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// openStore opens and migrates the store.
func openStore(ctx context.Context) (store.Store, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// newFetcher builds the document fetcher shared by the obituary source, the
// archive fallback and the IMDb import.
func newFetcher(c *config.Config) *fetcher.HTTPFetcher {
	return fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		UserAgent:    c.Fetch.UserAgent,
		Timeout:      time.Duration(c.Fetch.TimeoutSecs) * time.Second,
		Retry:        retryConfig(c),
		HostRate:     rate.Limit(c.Fetch.HostRate),
		MaxBodyBytes: c.Fetch.MaxBodyBytes,
	})
}

func retryConfig(c *config.Config) resilience.RetryConfig {
	return resilience.FromRetryConfig(c.Retry.MaxAttempts, c.Retry.InitialBackoffMs, c.Retry.MaxBackoffMs)
}

func throttle(ms int) *source.Throttle {
	return source.NewThrottle(time.Duration(ms) * time.Millisecond)
}

// buildRegistry registers every source. Sources whose credentials are missing
// are still registered but report themselves unavailable, so `sources` can
// list them.
func buildRegistry(c *config.Config, index provider.NameIndex, fetch fetcher.Fetcher) *source.Registry {
	calc := cost.NewCalculator(c.Pricing)
	retry := retryConfig(c)
	reg := source.NewRegistry()

	var wd wikidata.Client
	if c.Wikidata.Enabled {
		wd = wikidata.NewClient(
			wikidata.WithEndpoint(c.Wikidata.Endpoint),
			wikidata.WithUserAgent(c.Fetch.UserAgent),
			wikidata.WithRetry(retry),
		)
	}
	reg.Register(provider.NewWikidata(wd, throttle(c.Wikidata.MinDelayMs)))

	reg.Register(provider.NewIMDb(index, provider.IMDbOptions{
		Threshold:     c.IMDb.MatchThreshold,
		MaxCandidates: c.IMDb.MaxCandidates,
	}))

	var search jina.Client
	if c.Jina.Key != "" {
		search = jina.NewClient(c.Jina.Key, jina.WithBaseURL(c.Jina.BaseURL), jina.WithRetry(retry))
	} else {
		zap.L().Debug("DEATH_ENRICH_JINA_KEY not set, obituary and web search sources disabled")
	}
	// Obituary and web search pace the same Jina account separately; each
	// source owns its throttle.
	reg.Register(provider.NewObituary(search, fetch, c.Jina.ObituarySite, calc.JinaSearch(), throttle(c.Jina.MinDelayMs)))
	reg.Register(provider.NewWebSearch(search, calc.JinaSearch(), throttle(c.Jina.MinDelayMs)))

	var pplx perplexity.Client
	if c.Perplexity.Key != "" {
		pplx = perplexity.NewClient(c.Perplexity.Key,
			perplexity.WithBaseURL(c.Perplexity.BaseURL),
			perplexity.WithModel(c.Perplexity.Model),
			perplexity.WithRetry(retry),
		)
	}
	reg.Register(provider.NewPerplexity(pplx, calc.PerplexityQuery(), throttle(c.Perplexity.MinDelayMs)))

	var claude anthropicpkg.Client
	if c.Anthropic.Key != "" {
		claude = anthropicpkg.NewClient(c.Anthropic.Key)
		if !calc.KnownModel(c.Anthropic.Model) {
			zap.L().Warn("no pricing for synthesis model, using the highest configured rate",
				zap.String("model", c.Anthropic.Model))
		}
	}
	reg.Register(provider.NewSynthesis(claude, calc, provider.SynthesisOptions{
		Model:        c.Anthropic.Model,
		MaxTokens:    int64(c.Anthropic.MaxTokens),
		EstimatedUSD: c.Anthropic.EstimatedCostUSD,
	}, throttle(c.Anthropic.MinDelayMs)))

	return reg
}

// buildExecutor wires the cascade with the query cache, the archive fallback
// and per-source circuit breakers.
func buildExecutor(c *config.Config, reg *source.Registry, st store.Store, fetch fetcher.Fetcher) (*waterfall.Executor, error) {
	wfCfg, err := waterfall.LoadConfig(c.Enrich.WaterfallFile)
	if err != nil {
		return nil, err
	}

	breakerCfg := resilience.FromCircuitConfig(c.Circuit.FailureThreshold, c.Circuit.ResetTimeoutSecs)
	breakerCfg.ShouldTrip = waterfall.ShouldTrip

	exec := waterfall.NewExecutor(wfCfg, reg).
		WithCache(store.NewQueryCache(st, c.Cache.TTL())).
		WithBreakers(resilience.NewBreakers(breakerCfg))
	if c.Archive.Enabled {
		exec = exec.WithArchive(archive.NewWayback(fetch, archive.WithAvailabilityURL(c.Archive.AvailabilityURL)))
	}
	return exec, nil
}

// initEnrich validates config for mode, opens the store and builds the
// executor. Callers should defer env.Close().
func initEnrich(ctx context.Context, mode string) (*enrichEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	fetch := newFetcher(cfg)
	reg := buildRegistry(cfg, st, fetch)
	exec, err := buildExecutor(cfg, reg, st, fetch)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	zap.L().Info("sources registered",
		zap.Strings("sources", reg.List()),
		zap.Int("available", countAvailable(reg)),
	)

	return &enrichEnv{Store: st, Registry: reg, Executor: exec}, nil
}

func countAvailable(reg *source.Registry) int {
	n := 0
	for _, ds := range reg.All() {
		if ds.IsAvailable() {
			n++
		}
	}
	return n
}
