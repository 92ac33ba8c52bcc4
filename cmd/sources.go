package main

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/deadonfilm/enrich/internal/source"
	"github.com/deadonfilm/enrich/internal/source/provider"
	"github.com/deadonfilm/enrich/internal/waterfall"
)

var sourcesJSON bool

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List registered sources in query order",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		// The IMDb source needs the store; list it as unavailable when the
		// database is unreachable.
		var index provider.NameIndex
		if st, err := initStore(ctx); err != nil {
			zap.L().Warn("store unavailable, imdb source listed as unavailable", zap.Error(err))
		} else {
			defer st.Close() //nolint:errcheck
			index = st
		}

		reg := buildRegistry(cfg, index, newFetcher(cfg))
		wfCfg, err := waterfall.LoadConfig(cfg.Enrich.WaterfallFile)
		if err != nil {
			return err
		}
		exec := waterfall.NewExecutor(wfCfg, reg)

		planned := make(map[string]bool)
		for _, ds := range exec.Plan(cfg.Enrich.Sources) {
			planned[ds.Name()] = true
		}

		all := reg.All()
		wfCfg.Order(all)

		if sourcesJSON {
			return writeJSON(os.Stdout, describeSources(all, planned))
		}
		formatSources(os.Stdout, all, planned)
		return nil
	},
}

type sourceInfo struct {
	Name          string  `json:"name"`
	Tier          string  `json:"tier"`
	Category      string  `json:"category"`
	EstimatedCost float64 `json:"estimated_cost_usd"`
	Available     bool    `json:"available"`
	Enabled       bool    `json:"enabled"`
}

func describeSources(all []source.DataSource, planned map[string]bool) []sourceInfo {
	out := make([]sourceInfo, 0, len(all))
	for _, ds := range all {
		out = append(out, sourceInfo{
			Name:          ds.Name(),
			Tier:          ds.ReliabilityTier().String(),
			Category:      string(source.CategoryOf(ds)),
			EstimatedCost: ds.EstimatedCostPerQuery(),
			Available:     ds.IsAvailable(),
			Enabled:       planned[ds.Name()],
		})
	}
	return out
}

func init() {
	sourcesCmd.Flags().BoolVar(&sourcesJSON, "json", false, "print as JSON")
	rootCmd.AddCommand(sourcesCmd)
}
