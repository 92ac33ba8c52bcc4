package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/deadonfilm/enrich/internal/cost"
)

var (
	lookupID   string
	lookupOpts enrichFlags
)

var lookupCmd = &cobra.Command{
	Use:   "lookup",
	Short: "Run one subject through the source cascade without saving",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		applyEnrichFlags(cfg, cmd.Flags(), lookupOpts)
		bc, err := batchConfig(cfg, lookupOpts)
		if err != nil {
			return err
		}

		env, err := initEnrich(ctx, "lookup")
		if err != nil {
			return err
		}
		defer env.Close()

		subjects, err := env.Store.GetSubjects(ctx, []string{lookupID})
		if err != nil {
			return eris.Wrap(err, "lookup: load subject")
		}
		if len(subjects) == 0 {
			return eris.Errorf("lookup: subject %s not found", lookupID)
		}

		agg := env.Executor.Run(ctx, subjects[0], bc.Options, cost.NewGuard(bc.Budget, 0))
		zap.L().Info("lookup complete",
			zap.String("subject_id", lookupID),
			zap.String("confidence", string(agg.Confidence)),
			zap.Float64("cost_usd", agg.TotalCost),
		)
		return writeJSON(os.Stdout, agg)
	},
}

func init() {
	f := lookupCmd.Flags()
	f.StringVar(&lookupID, "id", "", "subject ID (required)")
	_ = lookupCmd.MarkFlagRequired("id")
	f.BoolVar(&lookupOpts.free, "free", true, "query free sources")
	f.BoolVar(&lookupOpts.paid, "paid", false, "query paid sources")
	f.BoolVar(&lookupOpts.ai, "ai", false, "query AI synthesis")
	f.StringVar(&lookupOpts.target, "target", "verified", "confidence tier at which querying stops")
	f.BoolVar(&lookupOpts.requireCause, "require-cause", false, "keep querying until a cause of death is found")
	f.Float64Var(&lookupOpts.maxPerSubject, "max-cost-per-subject", 0, "USD cap for this lookup (0 = no cap)")
	rootCmd.AddCommand(lookupCmd)
}
