package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/hazyhaar/nfce/nfce"
)

type globalFlags struct {
	configPath string
	envFile    string
	dbPath     string
	logLevel   string
	jsonOut    bool
	traceSQL   bool
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:          "nfce",
		Short:        "Capture NFC-e receipt QR codes and scrape their details into SQLite.",
		SilenceUsage: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&g.configPath, "config", "", "path to nfce.yaml config file")
	pf.StringVar(&g.envFile, "env-file", ".env", "dotenv file loaded before NFCE_* overrides")
	pf.StringVar(&g.dbPath, "db", "", "path to SQLite database (overrides config)")
	pf.StringVar(&g.logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.BoolVar(&g.jsonOut, "json", false, "print JSON instead of text")
	pf.BoolVar(&g.traceSQL, "trace-sql", false, "log every SQL statement (needs --log-level debug)")

	root.AddCommand(
		newCaptureCmd(g),
		newScrapeCmd(g),
		newListCmd(g),
		newShowCmd(g),
		newReportCmd(g),
		newMetricsCmd(g),
		newAuditCmd(g),
		newClearCmd(g),
		newServeCmd(g),
		newMCPCmd(g),
	)
	return root
}

// loadConfig resolves the config file, .env, NFCE_* variables and flags,
// in increasing precedence.
func (g *globalFlags) loadConfig() (*nfce.Config, error) {
	cfg := &nfce.Config{}
	if g.configPath != "" {
		c, err := nfce.LoadConfigFile(g.configPath)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		cfg = c
	}
	if err := nfce.LoadEnvFile(g.envFile); err != nil {
		return nil, fmt.Errorf("env file: %w", err)
	}
	cfg.ApplyEnv()
	if g.dbPath != "" {
		cfg.DBPath = g.dbPath
	}
	if g.logLevel != "" {
		cfg.LogLevel = g.logLevel
	}
	if g.traceSQL {
		cfg.TraceSQL = true
	}
	return cfg, nil
}

// logger writes JSON logs to stderr. Stdout is kept for command output
// (and for the MCP stdio transport).
func newLogger(level string) *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: nfce.ParseLevel(level)}))
	slog.SetDefault(logger)
	return logger
}

// open builds the service. A store that cannot be opened ends the command.
func (g *globalFlags) open() (*nfce.Service, error) {
	cfg, err := g.loadConfig()
	if err != nil {
		return nil, err
	}
	return openService(cfg)
}

func openService(cfg *nfce.Config) (*nfce.Service, error) {
	logger := newLogger(cfg.LogLevel)
	svc, err := nfce.New(cfg, logger)
	if err != nil {
		logger.Error("nfce: init failed", "db", cfg.DBPath, "error", err)
		return nil, err
	}
	return svc, nil
}

// newTable returns a rounded table that renders to w.
func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.SetOutputMirror(w)
	return t
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
