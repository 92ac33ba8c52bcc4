package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/deadonfilm/enrich/internal/checkpoint"
)

var (
	checkpointPath string
	checkpointJSON bool
)

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Inspect or clear the resume checkpoint",
}

var checkpointShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the saved checkpoint",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cs := checkpoint.NewStore(resolveCheckpointPath())
		cp := cs.Load()
		if cp == nil {
			fmt.Fprintf(os.Stderr, "No checkpoint at %s.\n", cs.Path())
			return nil
		}
		if checkpointJSON {
			return writeJSON(os.Stdout, cp)
		}
		fmt.Fprintln(os.Stdout, renderTable([]string{"Checkpoint", ""}, checkpointRows(cp), []columnAlignment{alignLeft, alignRight}))
		return nil
	},
}

var checkpointClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete the saved checkpoint so the next run starts a new batch",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cs := checkpoint.NewStore(resolveCheckpointPath())
		if err := cs.Lock(); err != nil {
			if errors.Is(err, checkpoint.ErrLocked) {
				return eris.Wrapf(err, "an enrich run is using %s", cs.Path())
			}
			return err
		}
		defer cs.Unlock() //nolint:errcheck

		if err := cs.Delete(); err != nil {
			return err
		}
		zap.L().Info("checkpoint cleared", zap.String("path", cs.Path()))
		return nil
	},
}

func resolveCheckpointPath() string {
	if checkpointPath != "" {
		return checkpointPath
	}
	return cfg.Checkpoint.Path
}

func checkpointRows(cp *checkpoint.Checkpoint) [][]string {
	return [][]string{
		{"Batch", cp.BatchID},
		{"Started", cp.StartedAt.Format(time.RFC3339)},
		{"Updated", cp.UpdatedAt.Format(time.RFC3339)},
		{"Processed IDs", fmt.Sprintf("%d", len(cp.ProcessedIDs))},
		{"Failed IDs", fmt.Sprintf("%d", len(cp.FailedIDs))},
		{"Open units", fmt.Sprintf("%d", len(cp.SubUnits))},
		{"Cursor", cp.Cursor},
		{"Enriched", fmt.Sprintf("%d", cp.Counters.Enriched)},
		{"Errors", fmt.Sprintf("%d", cp.Counters.Errors)},
		{"Cost", usd(cp.Counters.CostUSD)},
	}
}

func init() {
	checkpointCmd.PersistentFlags().StringVar(&checkpointPath, "path", "", "checkpoint file (default from config)")
	checkpointShowCmd.Flags().BoolVar(&checkpointJSON, "json", false, "print as JSON")
	checkpointCmd.AddCommand(checkpointShowCmd, checkpointClearCmd)
	rootCmd.AddCommand(checkpointCmd)
}
