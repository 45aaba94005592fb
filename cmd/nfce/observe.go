package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/hazyhaar/nfce/observability"
)

func newMetricsCmd(g *globalFlags) *cobra.Command {
	var since string
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Show pipeline counters: captures, decode outcomes, scrape outcomes.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var from *time.Time
			if since != "" {
				t, err := time.ParseInLocation(time.DateOnly, since, time.Local)
				if err != nil {
					return fmt.Errorf("--since: %w", err)
				}
				from = &t
			}
			svc, err := g.open()
			if err != nil {
				return err
			}
			defer svc.Close()

			totals, err := svc.Metrics(cmd.Context(), from)
			if err != nil {
				return err
			}
			if g.jsonOut {
				return printJSON(cmd.OutOrStdout(), totals)
			}
			t := newTable(cmd.OutOrStdout())
			t.AppendHeader(table.Row{"Metric", "Labels", "Samples", "Sum"})
			for _, m := range totals {
				labels := m.Labels
				if labels == "" {
					labels = "-"
				}
				t.AppendRow(table.Row{m.Name, labels, humanize.Comma(m.Count), humanize.CommafWithDigits(m.Sum, 2)})
			}
			t.SetColumnConfigs([]table.ColumnConfig{
				{Number: 3, Align: text.AlignRight},
				{Number: 4, Align: text.AlignRight},
			})
			t.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&since, "since", "", "first day, yyyy-mm-dd")
	return cmd
}

func newAuditCmd(g *globalFlags) *cobra.Command {
	var f observability.AuditFilter
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show operator actions: history resets and forced rescrapes.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := g.open()
			if err != nil {
				return err
			}
			defer svc.Close()

			entries, err := svc.AuditLog(cmd.Context(), f)
			if err != nil {
				return err
			}
			if g.jsonOut {
				return printJSON(cmd.OutOrStdout(), entries)
			}
			t := newTable(cmd.OutOrStdout())
			t.AppendHeader(table.Row{"When", "Operation", "Via", "Status", "Parameters", "Error"})
			for _, e := range entries {
				errMsg := e.Error
				if errMsg == "" {
					errMsg = "-"
				}
				t.AppendRow(table.Row{humanize.Time(e.Timestamp), e.Operation, e.Transport, e.Status, e.Parameters, errMsg})
			}
			t.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&f.Operation, "operation", "", "only this operation (clear_history, rescrape)")
	cmd.Flags().StringVar(&f.Status, "status", "", "success or error")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}
