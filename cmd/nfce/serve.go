package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	"github.com/hazyhaar/nfce/kit"
	"github.com/hazyhaar/nfce/nfce"
)

const version = "0.3.0"

func newServeCmd(g *globalFlags) *cobra.Command {
	var (
		listen          string
		scrapeEvery     time.Duration
		scrapeOnCapture bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the JSON API (and optionally run scrape passes on an interval).",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.HTTP.Listen = listen
			}
			if scrapeEvery > 0 {
				cfg.HTTP.ScrapeEvery = scrapeEvery
			}
			if scrapeOnCapture {
				cfg.HTTP.ScrapeOnCapture = true
			}
			svc, err := openService(cfg)
			if err != nil {
				return err
			}
			defer svc.Close()
			if err := svc.Prune(cmd.Context()); err != nil {
				svc.Logger().Warn("nfce: prune failed", "error", err)
			}
			return serve(cmd.Context(), svc, cfg)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default from config, 127.0.0.1:8087)")
	cmd.Flags().DurationVar(&scrapeEvery, "scrape-every", 0, "run a scrape pass on this interval (0 = only on POST /scrape)")
	cmd.Flags().BoolVar(&scrapeOnCapture, "scrape-on-capture", false, "run a scrape pass shortly after new captures land")
	return cmd
}

func serve(ctx context.Context, svc *nfce.Service, cfg *nfce.Config) error {
	logger := svc.Logger()
	srv := &http.Server{
		Addr:              cfg.HTTP.Listen,
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
	}

	if cfg.HTTP.ScrapeEvery > 0 {
		go scrapeLoop(ctx, svc, cfg.HTTP.ScrapeEvery)
	}
	if cfg.HTTP.ScrapeOnCapture {
		go svc.WatchCaptures(ctx, time.Second, 2*time.Second)
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("nfce: listening", "addr", cfg.HTTP.Listen, "db", cfg.DBPath)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("nfce: shutting down")
	shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

// scrapeLoop runs a pass every interval until ctx is done. A pass still
// running when the next tick fires makes that tick a no-op.
func scrapeLoop(ctx context.Context, svc *nfce.Service, every time.Duration) {
	logger := svc.Logger()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_, err := svc.ScrapePending(kit.WithTransport(ctx, "scheduler"))
			switch {
			case errors.Is(err, nfce.ErrScrapeRunning):
				logger.Debug("nfce: scheduled pass skipped, previous still running")
			case err != nil && ctx.Err() == nil:
				logger.Error("nfce: scheduled pass failed", "error", err)
			}
		}
	}
}

func newMCPCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the receipt tools over MCP on stdin/stdout.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := g.open()
			if err != nil {
				return err
			}
			defer svc.Close()

			srv := mcp.NewServer(&mcp.Implementation{Name: "nfce", Version: version}, nil)
			svc.RegisterMCP(srv)
			return srv.Run(cmd.Context(), &mcp.StdioTransport{})
		},
	}
}
