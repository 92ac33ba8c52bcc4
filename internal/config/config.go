package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/deadonfilm/enrich/internal/cost"
	"github.com/deadonfilm/enrich/internal/model"
	"github.com/deadonfilm/enrich/internal/source"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Jina       JinaConfig       `yaml:"jina" mapstructure:"jina"`
	Perplexity PerplexityConfig `yaml:"perplexity" mapstructure:"perplexity"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Wikidata   WikidataConfig   `yaml:"wikidata" mapstructure:"wikidata"`
	IMDb       IMDbConfig       `yaml:"imdb" mapstructure:"imdb"`
	Archive    ArchiveConfig    `yaml:"archive" mapstructure:"archive"`
	Fetch      FetchConfig      `yaml:"fetch" mapstructure:"fetch"`
	Pricing    cost.Rates       `yaml:"pricing" mapstructure:"pricing"`
	Enrich     EnrichConfig     `yaml:"enrich" mapstructure:"enrich"`
	Checkpoint CheckpointConfig `yaml:"checkpoint" mapstructure:"checkpoint"`
	Cache      CacheConfig      `yaml:"cache" mapstructure:"cache"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Circuit    CircuitConfig    `yaml:"circuit" mapstructure:"circuit"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// JinaConfig holds Jina Search settings used by the obituary and web-search
// sources.
type JinaConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	// ObituarySite restricts obituary searches to one site.
	ObituarySite string `yaml:"obituary_site" mapstructure:"obituary_site"`
	MinDelayMs   int    `yaml:"min_delay_ms" mapstructure:"min_delay_ms"`
}

// PerplexityConfig holds Perplexity API settings.
type PerplexityConfig struct {
	Key        string `yaml:"key" mapstructure:"key"`
	BaseURL    string `yaml:"base_url" mapstructure:"base_url"`
	Model      string `yaml:"model" mapstructure:"model"`
	MinDelayMs int    `yaml:"min_delay_ms" mapstructure:"min_delay_ms"`
}

// AnthropicConfig holds Anthropic API settings for the synthesis source.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int    `yaml:"max_tokens" mapstructure:"max_tokens"`
	// EstimatedCostUSD is the declared per-query cost checked against the
	// budget before a synthesis call.
	EstimatedCostUSD float64 `yaml:"estimated_cost_usd" mapstructure:"estimated_cost_usd"`
	MinDelayMs       int     `yaml:"min_delay_ms" mapstructure:"min_delay_ms"`
}

// WikidataConfig configures the SPARQL source.
type WikidataConfig struct {
	Enabled    bool   `yaml:"enabled" mapstructure:"enabled"`
	Endpoint   string `yaml:"endpoint" mapstructure:"endpoint"`
	MinDelayMs int    `yaml:"min_delay_ms" mapstructure:"min_delay_ms"`
}

// IMDbConfig configures the local IMDb name index.
type IMDbConfig struct {
	DatasetURL     string  `yaml:"dataset_url" mapstructure:"dataset_url"`
	MatchThreshold float64 `yaml:"match_threshold" mapstructure:"match_threshold"`
	MaxCandidates  int     `yaml:"max_candidates" mapstructure:"max_candidates"`
	ImportBatch    int     `yaml:"import_batch" mapstructure:"import_batch"`
}

// ArchiveConfig configures the Wayback Machine fallback.
type ArchiveConfig struct {
	Enabled         bool   `yaml:"enabled" mapstructure:"enabled"`
	AvailabilityURL string `yaml:"availability_url" mapstructure:"availability_url"`
}

// FetchConfig configures outbound HTTP for scraped documents.
type FetchConfig struct {
	UserAgent    string  `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs  int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	HostRate     float64 `yaml:"host_rate" mapstructure:"host_rate"`
	MaxBodyBytes int64   `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
}

// EnrichConfig holds the batch run defaults. CLI flags override them.
type EnrichConfig struct {
	Sources           source.Categories `yaml:"sources" mapstructure:"sources"`
	ConfidenceTarget  string            `yaml:"confidence_target" mapstructure:"confidence_target"`
	RequireCause      bool              `yaml:"require_cause" mapstructure:"require_cause"`
	MaxCostPerSubject float64           `yaml:"max_cost_per_subject" mapstructure:"max_cost_per_subject"`
	MaxTotalCost      float64           `yaml:"max_total_cost" mapstructure:"max_total_cost"`
	Limit             int               `yaml:"limit" mapstructure:"limit"`
	// WaterfallFile holds per-source priority overrides.
	WaterfallFile string `yaml:"waterfall_file" mapstructure:"waterfall_file"`
}

// Budget returns the configured spending caps.
func (e EnrichConfig) Budget() cost.Budget {
	return cost.Budget{MaxCostPerSubject: e.MaxCostPerSubject, MaxTotalCost: e.MaxTotalCost}
}

// Target returns the parsed confidence target.
func (e EnrichConfig) Target() (model.ConfidenceTier, error) {
	t, ok := model.ParseConfidenceTier(e.ConfidenceTarget)
	if !ok {
		return "", eris.Errorf("config: unknown confidence target %q", e.ConfidenceTarget)
	}
	return t, nil
}

// CheckpointConfig configures resumable runs.
type CheckpointConfig struct {
	Path      string `yaml:"path" mapstructure:"path"`
	SaveEvery int    `yaml:"save_every" mapstructure:"save_every"`
}

// CacheConfig configures the source query cache.
type CacheConfig struct {
	TTLHours int `yaml:"ttl_hours" mapstructure:"ttl_hours"`
}

// TTL returns the cache TTL. Zero disables caching.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLHours) * time.Hour
}

// RetryConfig configures retries of transient HTTP failures.
type RetryConfig struct {
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
}

// CircuitConfig configures the per-source circuit breakers.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// Load reads configuration from path, or ./config.yaml when path is empty,
// then the DEATH_ENRICH_* environment. Only an explicit path must exist.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	// Environment
	v.SetEnvPrefix("DEATH_ENRICH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.sqlite_path", "death-enrich.db")
	v.SetDefault("store.max_conns", 4)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("jina.base_url", "https://s.jina.ai")
	v.SetDefault("jina.obituary_site", "legacy.com")
	v.SetDefault("jina.min_delay_ms", 1000)
	v.SetDefault("perplexity.base_url", "https://api.perplexity.ai")
	v.SetDefault("perplexity.model", "sonar-pro")
	v.SetDefault("perplexity.min_delay_ms", 1000)
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 1024)
	v.SetDefault("anthropic.estimated_cost_usd", 0.01)
	v.SetDefault("anthropic.min_delay_ms", 500)
	v.SetDefault("wikidata.enabled", true)
	v.SetDefault("wikidata.endpoint", "https://query.wikidata.org/sparql")
	v.SetDefault("wikidata.min_delay_ms", 500)
	v.SetDefault("imdb.dataset_url", "https://datasets.imdbws.com/name.basics.tsv.gz")
	v.SetDefault("imdb.match_threshold", 0.85)
	v.SetDefault("imdb.max_candidates", 25)
	v.SetDefault("imdb.import_batch", 5000)
	v.SetDefault("archive.enabled", true)
	v.SetDefault("archive.availability_url", "https://archive.org/wayback/available")
	v.SetDefault("fetch.user_agent", "death-enrich/1.0")
	v.SetDefault("fetch.timeout_secs", 30)
	v.SetDefault("fetch.host_rate", 2.0)
	v.SetDefault("fetch.max_body_bytes", 4<<20)
	v.SetDefault("pricing.jina.per_search", 0.002)
	v.SetDefault("pricing.perplexity.per_query", 0.005)
	v.SetDefault("enrich.sources.free", true)
	v.SetDefault("enrich.sources.paid", false)
	v.SetDefault("enrich.sources.ai", false)
	v.SetDefault("enrich.confidence_target", string(model.TierVerified))
	v.SetDefault("enrich.max_cost_per_subject", 0.05)
	v.SetDefault("enrich.max_total_cost", 5.0)
	v.SetDefault("enrich.waterfall_file", "waterfall.yaml")
	v.SetDefault("checkpoint.path", ".death-enrich/checkpoint.json")
	v.SetDefault("checkpoint.save_every", 1)
	v.SetDefault("cache.ttl_hours", 24*7)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 15000)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout_secs", 600)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	if cfg.Pricing.Anthropic == nil {
		cfg.Pricing.Anthropic = cost.DefaultRates().Anthropic
	}

	return &cfg, nil
}

// Validate checks the settings a command mode needs: "enrich", "lookup",
// "import" or "migrate".
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for the postgres driver")
		}
	case "sqlite":
		if c.Store.SQLitePath == "" {
			errs = append(errs, "store.sqlite_path is required for the sqlite driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not one of postgres, sqlite", c.Store.Driver))
	}

	switch mode {
	case "enrich", "lookup":
		if _, err := c.Enrich.Target(); err != nil {
			errs = append(errs, fmt.Sprintf("enrich.confidence_target %q is not a confidence tier", c.Enrich.ConfidenceTarget))
		}
		if c.Enrich.MaxCostPerSubject < 0 || c.Enrich.MaxTotalCost < 0 {
			errs = append(errs, "enrich cost caps must be >= 0")
		}
		if c.Enrich.Limit < 0 {
			errs = append(errs, "enrich.limit must be >= 0")
		}
		if mode == "enrich" && c.Checkpoint.Path == "" {
			errs = append(errs, "checkpoint.path is required")
		}
	case "import":
		if c.IMDb.DatasetURL == "" {
			errs = append(errs, "imdb.dataset_url is required")
		}
		if c.IMDb.ImportBatch <= 0 {
			errs = append(errs, "imdb.import_batch must be > 0")
		}
	case "migrate":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
