package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/hazyhaar/nfce/internal/store"
)

func newListCmd(g *globalFlags) *cobra.Command {
	var f store.ListFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List captured receipts, newest first.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := g.open()
			if err != nil {
				return err
			}
			defer svc.Close()

			list, err := svc.ListReceipts(cmd.Context(), f)
			if err != nil {
				return err
			}
			if g.jsonOut {
				return printJSON(cmd.OutOrStdout(), list)
			}
			t := newTable(cmd.OutOrStdout())
			t.AppendHeader(table.Row{"Access key", "Captured", "Origin", "Sale", "Total", "Payment", "Items"})
			for _, r := range list {
				sale, total, pay := "pending", "-", "-"
				if r.Scraped {
					sale, total, pay = deref(r.SaleTimestamp), money(r.TotalAmount), deref(r.PaymentMethod)
				}
				t.AppendRow(table.Row{r.AccessKey, humanize.Time(time.UnixMilli(r.CapturedAt)),
					r.Origin, sale, total, pay, r.ItemCount})
			}
			t.SetColumnConfigs([]table.ColumnConfig{
				{Number: 5, Align: text.AlignRight},
				{Number: 7, Align: text.AlignRight},
			})
			t.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "all", "all, pending or scraped")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	cmd.Flags().IntVar(&f.Offset, "offset", 0, "rows to skip")
	return cmd
}

func newShowCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show <access-key>",
		Short: "Show one receipt with its items and scrape log.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := g.open()
			if err != nil {
				return err
			}
			defer svc.Close()

			rec, err := svc.GetReceipt(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			attempts, err := svc.Attempts(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if g.jsonOut {
				return printJSON(out, map[string]any{"receipt": rec, "attempts": attempts})
			}
			printReceipt(out, rec, attempts)
			return nil
		},
	}
}

func printReceipt(w io.Writer, r *store.Receipt, attempts []store.Attempt) {
	fmt.Fprintf(w, "Access key: %s\nSource:     %s\nCaptured:   %s (%s)\n",
		r.AccessKey, r.SourceURL, time.UnixMilli(r.CapturedAt).Format(time.RFC3339), r.Origin)
	if r.Detail == nil {
		fmt.Fprintln(w, "Detail:     not scraped yet")
	} else {
		fmt.Fprintf(w, "Sale:       %s\nPayment:    %s\nTotal:      %s\n",
			deref(r.Detail.SaleTimestamp), deref(r.Detail.PaymentMethod), money(r.Detail.TotalAmount))
		fmt.Fprintln(w)
		t := newTable(w)
		t.AppendHeader(table.Row{"#", "Product", "Qty", "Unit", "Total"})
		for _, it := range r.Items {
			t.AppendRow(table.Row{it.LineIndex + 1, it.ProductName,
				number(it.Quantity), money(it.UnitPrice), money(it.LineTotal)})
		}
		t.SetColumnConfigs([]table.ColumnConfig{
			{Number: 3, Align: text.AlignRight},
			{Number: 4, Align: text.AlignRight},
			{Number: 5, Align: text.AlignRight},
		})
		t.Render()
	}
	if len(attempts) > 0 {
		fmt.Fprintln(w, "\nScrape log:")
		for _, a := range attempts {
			fmt.Fprintf(w, "  %s  attempt %d  %s %s %s\n",
				time.UnixMilli(a.CreatedAt).Format(time.DateTime), a.Attempt, a.State, a.ErrorClass, a.Message)
		}
	}
}

func newReportCmd(g *globalFlags) *cobra.Command {
	var f store.SummaryFilter
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Sales summary over scraped receipts.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := g.open()
			if err != nil {
				return err
			}
			defer svc.Close()

			sum, err := svc.Summary(cmd.Context(), f)
			if err != nil {
				return err
			}
			stats, err := svc.Stats(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if g.jsonOut {
				return printJSON(out, map[string]any{"summary": sum, "stats": stats})
			}
			printSummary(out, sum, stats)
			return nil
		},
	}
	cmd.Flags().StringVar(&f.From, "from", "", "first sale day, yyyy-mm-dd")
	cmd.Flags().StringVar(&f.To, "to", "", "last sale day, yyyy-mm-dd")
	cmd.Flags().StringVar(&f.Payment, "payment", "", "only this payment method")
	return cmd
}

func printSummary(w io.Writer, s *store.Summary, st *store.Stats) {
	fmt.Fprintf(w, "Total sales:   R$ %s\nTransactions:  %s\nAverage sale:  R$ %s\n",
		humanize.CommafWithDigits(s.TotalSales, 2), humanize.Comma(int64(s.Transactions)),
		humanize.CommafWithDigits(s.AverageSale, 2))
	section := func(title string, buckets []store.Bucket) {
		if len(buckets) == 0 {
			return
		}
		fmt.Fprintln(w)
		t := newTable(w)
		t.SetTitle(title)
		t.AppendHeader(table.Row{"", "Receipts", "Total R$"})
		for _, b := range buckets {
			t.AppendRow(table.Row{b.Key, b.Count, humanize.CommafWithDigits(b.Total, 2)})
		}
		t.SetColumnConfigs([]table.ColumnConfig{
			{Number: 2, Align: text.AlignRight},
			{Number: 3, Align: text.AlignRight},
		})
		t.Render()
	}
	section("By month", s.ByMonth)
	section("By day", s.ByDay)
	section("By payment method", s.ByPayment)
	fmt.Fprintf(w, "\nStore: %d receipts, %d scraped, %d pending, %d line items, %d failed scrapes\n",
		st.Headers, st.Details, st.Pending, st.LineItems, st.FailedScrapes)
}

func newClearCmd(g *globalFlags) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every receipt, detail, line item and scrape log entry.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return fmt.Errorf("refusing to clear history without --yes")
			}
			svc, err := g.open()
			if err != nil {
				return err
			}
			defer svc.Close()
			if err := svc.ClearHistory(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "history cleared")
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm deletion")
	return cmd
}

func deref(p *string) string {
	if p == nil || strings.TrimSpace(*p) == "" {
		return "-"
	}
	return *p
}

func money(p *float64) string {
	if p == nil {
		return "-"
	}
	return humanize.CommafWithDigits(*p, 2)
}

func number(p *float64) string {
	if p == nil {
		return "-"
	}
	return humanize.Ftoa(*p)
}
