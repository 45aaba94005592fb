// CLAUDE:SUMMARY Configuration structs (decode, scrape, browser, http, observe), YAML loader, .env and NFCE_* environment overrides.
package nfce

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/nfce/horosafe"
	"github.com/hazyhaar/nfce/internal/browser"
	"github.com/hazyhaar/nfce/qrdecode"
	"github.com/hazyhaar/nfce/scraper"
	"github.com/hazyhaar/nfce/scraper/rodextract"
)

// Config holds all service configuration.
type Config struct {
	DBPath   string            `yaml:"db_path"`
	LogLevel string            `yaml:"log_level"`
	Decode   DecodeConfig      `yaml:"decode"`
	Scrape   scraper.Config    `yaml:"scrape"`
	Page     rodextract.Config `yaml:"page"`
	Browser  browser.Config    `yaml:"browser"`
	HTTP     HTTPConfig        `yaml:"http"`
	Observe  ObserveConfig     `yaml:"observe"`

	// ScrapeLease is how long a scrape pass holds the cross-process lease
	// between renewals. A process that dies mid-pass frees it after this.
	ScrapeLease time.Duration `yaml:"scrape_lease"`

	// TraceSQL opens the store through the sqlite-trace driver, logging
	// every statement at debug level.
	TraceSQL bool `yaml:"trace_sql"`
}

// ObserveConfig controls the metrics writer and retention.
type ObserveConfig struct {
	MetricsFlush  time.Duration `yaml:"metrics_flush"`  // default 5s
	RetentionDays int           `yaml:"retention_days"` // 0 keeps everything
}

// DecodeConfig orders the decode strategies and configures the remote one.
type DecodeConfig struct {
	Strategies []string              `yaml:"strategies"`
	Remote     qrdecode.RemoteConfig `yaml:"remote"`
}

// HTTPConfig controls the JSON API listener.
type HTTPConfig struct {
	Listen         string        `yaml:"listen"`
	MaxUploadBytes int64         `yaml:"max_upload_bytes"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	// ScrapeEvery runs a detail pass on this interval while serving. 0 disables it.
	ScrapeEvery time.Duration `yaml:"scrape_every"`
	// ScrapeOnCapture runs a detail pass shortly after new receipts are
	// captured, by this server or by another process on the same database.
	ScrapeOnCapture bool `yaml:"scrape_on_capture"`
}

func (d *DecodeConfig) usesRemote() bool {
	for _, n := range d.Strategies {
		if strings.EqualFold(strings.TrimSpace(n), qrdecode.StrategyRemote) {
			return true
		}
	}
	return false
}

func (c *Config) defaults() {
	if c.DBPath == "" {
		c.DBPath = "nfce.db"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if len(c.Decode.Strategies) == 0 {
		c.Decode.Strategies = qrdecode.DefaultStrategies
	}
	if c.Decode.Remote.URL == "" && c.Decode.usesRemote() {
		c.Decode.Remote.URL = qrdecode.DefaultRemoteURL
	}
	if c.Browser.ResourceBlocking == nil {
		c.Browser.ResourceBlocking = []string{"images", "fonts", "media"}
	}
	if c.HTTP.Listen == "" {
		c.HTTP.Listen = "127.0.0.1:8087"
	}
	if c.HTTP.MaxUploadBytes <= 0 {
		c.HTTP.MaxUploadBytes = horosafe.MaxImageBytes
	}
	if c.HTTP.ReadTimeout <= 0 {
		c.HTTP.ReadTimeout = 30 * time.Second
	}
	if c.ScrapeLease <= 0 {
		c.ScrapeLease = 2 * time.Minute
	}
	if c.Observe.MetricsFlush <= 0 {
		c.Observe.MetricsFlush = 5 * time.Second
	}
}

// LoadConfigFile reads a YAML config file.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadEnvFile loads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set. A missing file is not
// an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	err := godotenv.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// ApplyEnv overrides cfg from NFCE_* variables.
func (c *Config) ApplyEnv() {
	set := func(dst *string, name string) {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			*dst = v
		}
	}
	set(&c.DBPath, "NFCE_DB")
	set(&c.Decode.Remote.URL, "NFCE_DECODE_URL")
	set(&c.Browser.RemoteURL, "NFCE_BROWSER_REMOTE")
	set(&c.HTTP.Listen, "NFCE_LISTEN")
	set(&c.LogLevel, "NFCE_LOG_LEVEL")
	if v, err := strconv.ParseBool(os.Getenv("NFCE_TRACE_SQL")); err == nil {
		c.TraceSQL = v
	}
}

// ParseLevel maps a config level name to a slog level. Unknown names are info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
