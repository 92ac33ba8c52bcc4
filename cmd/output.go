package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"
	"github.com/rotisserie/eris"

	"github.com/deadonfilm/enrich/internal/batch"
	"github.com/deadonfilm/enrich/internal/model"
	"github.com/deadonfilm/enrich/internal/source"
)

type columnAlignment int

const (
	alignLeft columnAlignment = iota
	alignRight
)

func renderTable(headers []string, rows [][]string, aligns []columnAlignment) string {
	columns := len(headers)
	if columns == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, columns)
	for i, h := range headers {
		header[i] = h
	}
	tw.AppendHeader(header)

	for _, row := range rows {
		r := make(table.Row, columns)
		for i := range columns {
			if i < len(row) {
				r[i] = row[i]
			} else {
				r[i] = ""
			}
		}
		tw.AppendRow(r)
	}

	configs := make([]table.ColumnConfig, 0, columns)
	for i := range columns {
		align := text.AlignLeft
		if i < len(aligns) && aligns[i] == alignRight {
			align = text.AlignRight
		}
		configs = append(configs, table.ColumnConfig{Number: i + 1, Align: align, AlignHeader: text.AlignLeft})
	}
	tw.SetColumnConfigs(configs)

	return tw.Render()
}

func isTerminal(file *os.File) bool {
	if file == nil {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return eris.Wrap(enc.Encode(v), "encode json")
}

func usd(v float64) string {
	return fmt.Sprintf("$%.4f", v)
}

// formatRunStats writes the run summary and per-source breakdown.
func formatRunStats(w io.Writer, stats *model.RunStats) {
	summary := [][]string{
		{"Batch", stats.BatchID},
		{"Exit", string(stats.ExitReason)},
		{"Processed", fmt.Sprintf("%d", stats.SubjectsProcessed)},
		{"Enriched", fmt.Sprintf("%d", stats.SubjectsEnriched)},
		{"Fill rate", fmt.Sprintf("%.1f%%", stats.FillRate*100)},
		{"Cost", usd(stats.TotalCostUSD)},
		{"Errors", fmt.Sprintf("%d", len(stats.Errors))},
		{"Review", fmt.Sprintf("%d", len(stats.ReviewIDs))},
	}
	if stats.DryRun {
		summary = append(summary, []string{"Dry run", "yes"})
	}
	fmt.Fprintln(w, renderTable([]string{"Run", ""}, summary, []columnAlignment{alignLeft, alignRight}))

	if len(stats.Sources) > 0 {
		names := make([]string, 0, len(stats.Sources))
		for name := range stats.Sources {
			names = append(names, name)
		}
		slices.Sort(names)

		rows := make([][]string, 0, len(names))
		for _, name := range names {
			s := stats.Sources[name]
			rows = append(rows, []string{
				name,
				fmt.Sprintf("%d", s.Attempts),
				fmt.Sprintf("%d", s.CacheHits),
				fmt.Sprintf("%d", s.Hits),
				fmt.Sprintf("%.0f%%", s.HitRate()*100),
				fmt.Sprintf("%d", s.Blocked),
				usd(s.CostUSD),
			})
		}
		fmt.Fprintln(w, renderTable(
			[]string{"Source", "Attempts", "Cached", "Hits", "Hit rate", "Blocked", "Cost"},
			rows,
			[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight, alignRight, alignRight},
		))
	}

	if len(stats.Errors) > 0 {
		rows := make([][]string, 0, len(stats.Errors))
		for _, e := range stats.Errors {
			rows = append(rows, []string{e.SubjectID, e.Message})
		}
		fmt.Fprintln(w, renderTable([]string{"Subject", "Error"}, rows, nil))
	}
}

// formatSources lists the registry in query order.
func formatSources(w io.Writer, sources []source.DataSource, planned map[string]bool) {
	rows := make([][]string, 0, len(sources))
	for _, ds := range sources {
		status := "unavailable"
		switch {
		case planned[ds.Name()]:
			status = "enabled"
		case ds.IsAvailable():
			status = "available"
		}
		rows = append(rows, []string{
			ds.Name(),
			ds.ReliabilityTier().String(),
			string(source.CategoryOf(ds)),
			usd(ds.EstimatedCostPerQuery()),
			status,
		})
	}
	fmt.Fprintln(w, renderTable(
		[]string{"Source", "Tier", "Category", "Est. cost", "Status"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
	))
}

// formatSubjects lists subjects with their stored death fields.
func formatSubjects(w io.Writer, subjects []model.Subject) {
	rows := make([][]string, 0, len(subjects))
	for _, s := range subjects {
		rows = append(rows, []string{
			s.ID,
			s.Name,
			s.DeathDate.String(),
			truncateCell(s.CauseOfDeath, 40),
			string(s.Confidence),
		})
	}
	fmt.Fprintln(w, renderTable([]string{"ID", "Name", "Death date", "Cause", "Confidence"}, rows, nil))
}

func truncateCell(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n-1])) + "…"
}

// progressPrinter returns a batch progress callback that rewrites one
// terminal line. Off a terminal it returns nil and progress goes to the log
// only.
func progressPrinter(file *os.File) batch.ProgressFunc {
	if !isTerminal(file) {
		return nil
	}
	return func(p batch.Progress) {
		fmt.Fprintf(file, "\r\033[K%s %-14s processed=%d enriched=%d errors=%d cost=%s",
			p.SubjectID, p.Confidence, p.Processed, p.Enriched, p.Errors, usd(p.CostUSD))
	}
}
