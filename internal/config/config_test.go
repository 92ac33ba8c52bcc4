package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/deadonfilm/enrich/internal/model"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	chdirTemp(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "https://s.jina.ai", cfg.Jina.BaseURL)
	assert.Equal(t, "sonar-pro", cfg.Perplexity.Model)
	assert.Equal(t, "claude-haiku-4-5-20251001", cfg.Anthropic.Model)
	assert.Equal(t, "https://query.wikidata.org/sparql", cfg.Wikidata.Endpoint)
	assert.True(t, cfg.Archive.Enabled)
	assert.True(t, cfg.Enrich.Sources.Free)
	assert.False(t, cfg.Enrich.Sources.Paid)
	assert.False(t, cfg.Enrich.Sources.AI)
	assert.InDelta(t, 0.05, cfg.Enrich.MaxCostPerSubject, 1e-9)
	assert.InDelta(t, 0.005, cfg.Pricing.Perplexity.PerQuery, 1e-9)
	assert.InDelta(t, 0.002, cfg.Pricing.Jina.PerSearch, 1e-9)
	assert.Contains(t, cfg.Pricing.Anthropic, "claude-haiku-4-5-20251001")
	assert.Equal(t, 7*24*time.Hour, cfg.Cache.TTL())
	assert.Equal(t, 1, cfg.Checkpoint.SaveEvery)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 5, cfg.Circuit.FailureThreshold)

	target, err := cfg.Enrich.Target()
	require.NoError(t, err)
	assert.Equal(t, model.TierVerified, target)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
  sqlite_path: local.db
log:
  level: debug
  format: console
enrich:
  sources:
    paid: true
  confidence_target: imdb_verified
  max_total_cost: 1.5
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "local.db", cfg.Store.SQLitePath)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Enrich.Sources.Paid)
	// Defaults still apply for unset values
	assert.True(t, cfg.Enrich.Sources.Free)
	assert.InDelta(t, 1.5, cfg.Enrich.Budget().MaxTotalCost, 1e-9)
	assert.InDelta(t, 0.05, cfg.Enrich.Budget().MaxCostPerSubject, 1e-9)

	target, err := cfg.Enrich.Target()
	require.NoError(t, err)
	assert.Equal(t, model.TierIMDbVerified, target)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("DEATH_ENRICH_STORE_DRIVER", "postgres")
	t.Setenv("DEATH_ENRICH_LOG_LEVEL", "warn")
	t.Setenv("DEATH_ENRICH_ENRICH_MAX_TOTAL_COST", "2.25")

	cfg, err := Load("")
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.InDelta(t, 2.25, cfg.Enrich.MaxTotalCost, 1e-9)
}

func TestLoadBadYAML(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("store: [oops"), 0644))

	_, err := Load("")
	assert.Error(t, err)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with the fields validation looks at populated.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "postgres"
	cfg.Store.DatabaseURL = "postgres://localhost/deadonfilm"
	cfg.Enrich.ConfidenceTarget = "verified"
	cfg.Checkpoint.Path = "checkpoint.json"
	cfg.IMDb.DatasetURL = "https://datasets.imdbws.com/name.basics.tsv.gz"
	cfg.IMDb.ImportBatch = 1000
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mode    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "enrich ok", mode: "enrich"},
		{name: "lookup ok", mode: "lookup"},
		{name: "import ok", mode: "import"},
		{name: "migrate ok", mode: "migrate"},
		{
			name:    "missing database url",
			mode:    "migrate",
			mutate:  func(c *Config) { c.Store.DatabaseURL = "" },
			wantErr: "store.database_url is required",
		},
		{
			name:    "sqlite needs a path",
			mode:    "enrich",
			mutate:  func(c *Config) { c.Store.Driver = "sqlite" },
			wantErr: "store.sqlite_path is required",
		},
		{
			name:    "unknown driver",
			mode:    "enrich",
			mutate:  func(c *Config) { c.Store.Driver = "mysql" },
			wantErr: `store.driver "mysql"`,
		},
		{
			name:    "bad target",
			mode:    "enrich",
			mutate:  func(c *Config) { c.Enrich.ConfidenceTarget = "certain" },
			wantErr: "enrich.confidence_target",
		},
		{
			name:    "negative cap",
			mode:    "lookup",
			mutate:  func(c *Config) { c.Enrich.MaxTotalCost = -1 },
			wantErr: "cost caps must be >= 0",
		},
		{
			name:    "enrich needs checkpoint path",
			mode:    "enrich",
			mutate:  func(c *Config) { c.Checkpoint.Path = "" },
			wantErr: "checkpoint.path is required",
		},
		{
			name:    "import batch",
			mode:    "import",
			mutate:  func(c *Config) { c.IMDb.ImportBatch = 0 },
			wantErr: "imdb.import_batch must be > 0",
		},
		{name: "unknown mode", mode: "serve", wantErr: "unknown mode"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validDefaults()
			if tt.mutate != nil {
				tt.mutate(cfg)
			}
			err := cfg.Validate(tt.mode)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.DatabaseURL = ""
	cfg.Enrich.ConfidenceTarget = "nope"

	err := cfg.Validate("enrich")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")
	assert.Contains(t, err.Error(), "enrich.confidence_target")
}

func TestLoadExplicitPath(t *testing.T) {
	dir := chdirTemp(t)

	_, err := Load(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config: read file")

	path := filepath.Join(dir, "prod.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  driver: sqlite\n  sqlite_path: /var/lib/enrich.db\n"), 0o644))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "/var/lib/enrich.db", cfg.Store.SQLitePath)
}
