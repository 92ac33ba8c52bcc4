package waterfall

import (
	"errors"
	"os"
	"sort"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/deadonfilm/enrich/internal/source"
)

// Config holds per-source overrides for the query order.
type Config struct {
	Sources map[string]SourceConfig `yaml:"sources"`
}

// SourceConfig overrides one source's place in the cascade.
type SourceConfig struct {
	// Priority replaces the reliability tier as the primary sort key. Zero
	// keeps the tier.
	Priority int  `yaml:"priority"`
	Disabled bool `yaml:"disabled"`
}

// DefaultConfig returns a config with no overrides.
func DefaultConfig() *Config {
	return &Config{Sources: map[string]SourceConfig{}}
}

// LoadConfig reads waterfall overrides from a YAML file. A missing file
// yields the default config.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "waterfall: read config %s", path)
	}

	// The YAML has a top-level "waterfall" key
	var wrapper struct {
		Waterfall Config `yaml:"waterfall"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "waterfall: parse config")
	}

	cfg := &wrapper.Waterfall
	if cfg.Sources == nil {
		cfg.Sources = map[string]SourceConfig{}
	}
	for name, sc := range cfg.Sources {
		if sc.Priority < 0 {
			return nil, eris.Errorf("waterfall: source %s: negative priority %d", name, sc.Priority)
		}
	}
	return cfg, nil
}

// Disabled reports whether the named source is switched off.
func (c *Config) Disabled(name string) bool {
	if c == nil {
		return false
	}
	return c.Sources[name].Disabled
}

// Priority returns the primary sort key for a source.
func (c *Config) Priority(ds source.DataSource) int {
	if c != nil {
		if sc, ok := c.Sources[ds.Name()]; ok && sc.Priority > 0 {
			return sc.Priority
		}
	}
	return int(ds.ReliabilityTier())
}

// Order sorts sources by (priority, declared cost, name). The sort is total,
// so a fixed source set always yields the same order.
func (c *Config) Order(sources []source.DataSource) {
	sort.SliceStable(sources, func(i, j int) bool {
		pi, pj := c.Priority(sources[i]), c.Priority(sources[j])
		if pi != pj {
			return pi < pj
		}
		ci, cj := sources[i].EstimatedCostPerQuery(), sources[j].EstimatedCostPerQuery()
		if ci != cj {
			return ci < cj
		}
		return sources[i].Name() < sources[j].Name()
	})
}
