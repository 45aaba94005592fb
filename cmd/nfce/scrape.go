package main

import (
	"fmt"
	"io"
	"time"

	humanize "github.com/dustin/go-humanize/english"
	"github.com/spf13/cobra"

	"github.com/hazyhaar/nfce/scraper"
)

func newScrapeCmd(g *globalFlags) *cobra.Command {
	var (
		workers int
		limit   int
		key     string
	)
	cmd := &cobra.Command{
		Use:   "scrape",
		Short: "Fetch details from the issuer portal for every receipt that has none.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			if workers > 0 {
				cfg.Scrape.Workers = workers
			}
			if limit > 0 {
				cfg.Scrape.Limit = limit
			}
			svc, err := openService(cfg)
			if err != nil {
				return err
			}
			defer svc.Close()

			var report *scraper.Report
			if key != "" {
				report, err = svc.Rescrape(cmd.Context(), key)
			} else {
				report, err = svc.ScrapePending(cmd.Context())
			}
			if report != nil {
				if g.jsonOut {
					printJSON(cmd.OutOrStdout(), report)
				} else {
					printReport(cmd.OutOrStdout(), report)
				}
			}
			return err
		},
	}
	cmd.Flags().IntVar(&workers, "workers", 0, "browser workers (default from config, 1)")
	cmd.Flags().IntVar(&limit, "limit", 0, "max receipts this pass")
	cmd.Flags().StringVar(&key, "key", "", "re-scrape this access key even if already scraped")
	return cmd
}

func printReport(w io.Writer, r *scraper.Report) {
	fmt.Fprintf(w, "%d receipts in %s: %d saved, %d failed, %d store errors, %d skipped, %d cancelled\n",
		r.Total, r.Duration.Round(time.Millisecond), r.Succeeded, r.Failed, r.StoreErrors, r.Skipped, r.Cancelled)
	for _, o := range r.Outcomes {
		switch o.State {
		case scraper.StateSuccess:
			line := fmt.Sprintf("  ok      %s  %s, %d attempt(s)", o.AccessKey, humanize.Plural(o.Items, "item", "items"), o.Attempts)
			if len(o.Issues) > 0 {
				line += fmt.Sprintf(", %d field(s) unreadable", len(o.Issues))
			}
			fmt.Fprintln(w, line)
		case scraper.StateSkipped:
		default:
			fmt.Fprintf(w, "  %-7s %s  %s: %s\n", o.State, o.AccessKey, o.ErrorClass, o.Error)
		}
	}
}
