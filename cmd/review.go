package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var (
	reviewLimit int
	reviewAudit string
	reviewJSON  bool
)

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "List subjects whose evidence was suspicious or conflicting",
	Long:  "Lists subjects flagged for human review. With --audit, prints the change history of one subject instead.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("migrate"); err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if reviewAudit != "" {
			entries, err := st.ListAudit(ctx, reviewAudit)
			if err != nil {
				return eris.Wrap(err, "review: list audit")
			}
			if reviewJSON {
				return writeJSON(os.Stdout, entries)
			}
			rows := make([][]string, 0, len(entries))
			for _, e := range entries {
				rows = append(rows, []string{
					e.CreatedAt.Format("2006-01-02 15:04"),
					string(e.Field),
					truncateCell(e.OldValue, 30),
					truncateCell(e.NewValue, 30),
					e.Source,
					e.BatchID,
				})
			}
			fmt.Fprintln(os.Stdout, renderTable([]string{"When", "Field", "Old", "New", "Source", "Batch"}, rows, nil))
			return nil
		}

		subjects, err := st.ListReview(ctx, reviewLimit)
		if err != nil {
			return eris.Wrap(err, "review: list subjects")
		}
		if reviewJSON {
			return writeJSON(os.Stdout, subjects)
		}
		if len(subjects) == 0 {
			fmt.Fprintln(os.Stderr, "No subjects need review.")
			return nil
		}
		formatSubjects(os.Stdout, subjects)
		return nil
	},
}

func init() {
	reviewCmd.Flags().IntVar(&reviewLimit, "limit", 50, "max subjects to list")
	reviewCmd.Flags().StringVar(&reviewAudit, "audit", "", "print the audit trail of this subject ID")
	reviewCmd.Flags().BoolVar(&reviewJSON, "json", false, "print as JSON")
	rootCmd.AddCommand(reviewCmd)
}
