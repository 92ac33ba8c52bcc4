package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/deadonfilm/enrich/internal/batch"
	"github.com/deadonfilm/enrich/internal/checkpoint"
	"github.com/deadonfilm/enrich/internal/config"
	"github.com/deadonfilm/enrich/internal/store"
	"github.com/deadonfilm/enrich/internal/waterfall"
)

type enrichFlags struct {
	ids            []string
	titles         []string
	limit          int
	free           bool
	paid           bool
	ai             bool
	target         string
	requireCause   bool
	maxPerSubject  float64
	maxTotal       float64
	dryRun         bool
	fresh          bool
	checkpointPath string
	unenriched     bool
	missingCause   bool
	jsonOut        bool
}

var enrichOpts enrichFlags

var enrichCmd = &cobra.Command{
	Use:   "enrich",
	Short: "Enrich subjects with death information",
	Long:  "Runs the source cascade over the selected subjects, persists the reconciled fields and prints a run summary. Interrupted runs resume from the checkpoint.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		applyEnrichFlags(cfg, cmd.Flags(), enrichOpts)
		bc, err := batchConfig(cfg, enrichOpts)
		if err != nil {
			return err
		}

		env, err := initEnrich(ctx, "enrich")
		if err != nil {
			return err
		}
		defer env.Close()

		runner := batch.NewRunner(env.Store, env.Executor, checkpoint.NewStore(cfg.Checkpoint.Path)).
			WithProgress(progressPrinter(os.Stderr))

		stats, err := runner.Run(ctx, bc)
		if isTerminal(os.Stderr) {
			fmt.Fprintln(os.Stderr)
		}
		if errors.Is(err, checkpoint.ErrLocked) {
			return eris.Wrapf(err, "another enrich run holds %s", cfg.Checkpoint.Path)
		}
		if err != nil {
			return eris.Wrap(err, "enrich")
		}

		if enrichOpts.jsonOut {
			return writeJSON(os.Stdout, stats)
		}
		formatRunStats(os.Stdout, stats)
		return nil
	},
}

// applyEnrichFlags overrides config values with the flags set on this
// invocation.
func applyEnrichFlags(c *config.Config, fs *pflag.FlagSet, f enrichFlags) {
	if fs.Changed("free") {
		c.Enrich.Sources.Free = f.free
	}
	if fs.Changed("paid") {
		c.Enrich.Sources.Paid = f.paid
	}
	if fs.Changed("ai") {
		c.Enrich.Sources.AI = f.ai
	}
	if fs.Changed("target") {
		c.Enrich.ConfidenceTarget = f.target
	}
	if fs.Changed("require-cause") {
		c.Enrich.RequireCause = f.requireCause
	}
	if fs.Changed("max-cost-per-subject") {
		c.Enrich.MaxCostPerSubject = f.maxPerSubject
	}
	if fs.Changed("max-total-cost") {
		c.Enrich.MaxTotalCost = f.maxTotal
	}
	if fs.Changed("limit") {
		c.Enrich.Limit = f.limit
	}
	if fs.Changed("checkpoint") {
		c.Checkpoint.Path = f.checkpointPath
	}
}

// batchConfig builds the runner config from the effective settings.
func batchConfig(c *config.Config, f enrichFlags) (batch.Config, error) {
	target, err := c.Enrich.Target()
	if err != nil {
		return batch.Config{}, err
	}
	if len(f.ids) > 0 && len(f.titles) > 0 {
		return batch.Config{}, eris.New("--ids and --title are mutually exclusive")
	}
	if !c.Enrich.Sources.Free && !c.Enrich.Sources.Paid && !c.Enrich.Sources.AI {
		return batch.Config{}, eris.New("no source categories enabled; pass --free, --paid or --ai")
	}
	if c.Enrich.Sources.AI && !c.Enrich.Sources.Paid {
		zap.L().Info("ai synthesis enabled without paid sources; it can only use evidence from free sources")
	}

	return batch.Config{
		SubjectIDs: f.ids,
		TitleIDs:   f.titles,
		Filter: store.SubjectFilter{
			Unenriched:   f.unenriched,
			MissingCause: f.missingCause,
		},
		Limit: c.Enrich.Limit,
		Options: waterfall.Options{
			Categories:   c.Enrich.Sources,
			Target:       target,
			RequireCause: c.Enrich.RequireCause,
		},
		Budget:    c.Enrich.Budget(),
		DryRun:    f.dryRun,
		Fresh:     f.fresh,
		SaveEvery: c.Checkpoint.SaveEvery,
	}, nil
}

func init() {
	f := enrichCmd.Flags()
	f.StringSliceVar(&enrichOpts.ids, "ids", nil, "subject IDs to enrich (comma separated)")
	f.StringSliceVar(&enrichOpts.titles, "title", nil, "title IDs whose cast to enrich, one checkpoint unit per title")
	f.IntVar(&enrichOpts.limit, "limit", 0, "max units to process across resumes (0 = no limit)")
	f.BoolVar(&enrichOpts.free, "free", true, "query free sources")
	f.BoolVar(&enrichOpts.paid, "paid", false, "query paid sources")
	f.BoolVar(&enrichOpts.ai, "ai", false, "query AI synthesis")
	f.StringVar(&enrichOpts.target, "target", "verified", "confidence tier at which a subject stops querying")
	f.BoolVar(&enrichOpts.requireCause, "require-cause", false, "keep querying until a cause of death is found")
	f.Float64Var(&enrichOpts.maxPerSubject, "max-cost-per-subject", 0, "USD cap per subject (0 = no cap)")
	f.Float64Var(&enrichOpts.maxTotal, "max-total-cost", 0, "USD cap for the whole run, including resumed spend (0 = no cap)")
	f.BoolVar(&enrichOpts.dryRun, "dry-run", false, "query sources but write nothing")
	f.BoolVar(&enrichOpts.fresh, "fresh", false, "ignore any saved checkpoint and start a new batch")
	f.StringVar(&enrichOpts.checkpointPath, "checkpoint", "", "checkpoint file path")
	f.BoolVar(&enrichOpts.unenriched, "unenriched", false, "only subjects never enriched")
	f.BoolVar(&enrichOpts.missingCause, "missing-cause", false, "only subjects without a cause of death")
	f.BoolVar(&enrichOpts.jsonOut, "json", false, "print the run summary as JSON")
	rootCmd.AddCommand(enrichCmd)
}
