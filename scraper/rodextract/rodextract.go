// CLAUDE:SUMMARY go-rod DetailExtractor: incognito stealth session per attempt, wait for the danfeNFCe frame, read its HTML.
// Package rodextract implements scraper.DetailExtractor with a real Chrome
// driven through go-rod.
package rodextract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/hazyhaar/nfce/horosafe"
	"github.com/hazyhaar/nfce/internal/browser"
	"github.com/hazyhaar/nfce/layout"
	"github.com/hazyhaar/nfce/scraper"
)

// Config tunes page timing and URL policy.
type Config struct {
	NavigationTimeout time.Duration `yaml:"navigation_timeout"` // default 30s
	FrameTimeout      time.Duration `yaml:"frame_timeout"`      // default 15s
	// AllowedHosts restricts navigation to hosts equal to or under one of
	// these suffixes (e.g. "fazenda.sp.gov.br"). Empty allows any public host.
	AllowedHosts []string `yaml:"allowed_hosts"`
	// AllowPrivate skips the private-address check (local portal mirrors).
	AllowPrivate bool          `yaml:"allow_private"`
	Layout       layout.Layout `yaml:"layout"`
}

func (c *Config) defaults() {
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = 30 * time.Second
	}
	if c.FrameTimeout <= 0 {
		c.FrameTimeout = 15 * time.Second
	}
	c.Layout = c.Layout.Merge()
}

// Extractor scrapes receipts with one Chrome process.
type Extractor struct {
	mgr    *browser.Manager
	cfg    Config
	logger *slog.Logger
}

// New wraps a browser manager. The extractor owns it and closes it on Close.
func New(mgr *browser.Manager, cfg Config, logger *slog.Logger) *Extractor {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{mgr: mgr, cfg: cfg, logger: logger}
}

// Factory returns a scraper.Factory that gives every worker its own Chrome.
func Factory(bcfg browser.Config, cfg Config, logger *slog.Logger) scraper.Factory {
	return func(ctx context.Context) (scraper.DetailExtractor, error) {
		if bcfg.Logger == nil {
			bcfg.Logger = logger
		}
		return New(browser.NewManager(bcfg), cfg, logger), nil
	}
}

// Close shuts the Chrome process down.
func (e *Extractor) Close() error { return e.mgr.Close() }

// Extract runs one attempt: NAVIGATE, WAIT_FRAME, EXTRACT_FIELDS. The
// incognito session is released on every return path.
func (e *Extractor) Extract(ctx context.Context, sourceURL string) (*layout.RawReceipt, error) {
	if err := e.checkURL(sourceURL); err != nil {
		return nil, scraper.Fail(scraper.StateNavigate, scraper.ClassUnsafeURL, err)
	}

	sess, err := e.mgr.Session(ctx)
	if err != nil {
		return nil, scraper.Fail(scraper.StateNavigate, scraper.ClassNavigation, err)
	}
	defer sess.Close()

	// NAVIGATE
	navCtx, cancelNav := context.WithTimeout(ctx, e.cfg.NavigationTimeout)
	defer cancelNav()
	page := sess.Page.Context(navCtx)
	if err := page.Navigate(sourceURL); err != nil {
		return nil, scraper.Fail(scraper.StateNavigate, timeoutOr(navCtx, scraper.ClassNavigation), err)
	}
	if err := page.WaitLoad(); err != nil {
		e.logger.Debug("rodextract: wait load", "url", sourceURL, "error", err)
	}

	// WAIT_FRAME
	frameCtx, cancelFrame := context.WithTimeout(ctx, e.cfg.FrameTimeout)
	defer cancelFrame()
	el, err := sess.Page.Context(frameCtx).Element(e.cfg.Layout.Frame)
	if err != nil {
		return nil, scraper.Fail(scraper.StateWaitFrame, timeoutOr(frameCtx, scraper.ClassMissingElement),
			fmt.Errorf("frame %s: %w", e.cfg.Layout.Frame, err))
	}
	frame, err := el.Frame()
	if err != nil {
		return nil, scraper.Fail(scraper.StateWaitFrame, scraper.ClassNavigation, fmt.Errorf("enter frame: %w", err))
	}
	frame = frame.Context(frameCtx)
	if _, err := frame.ElementX(e.cfg.Layout.Emission); err != nil {
		return nil, scraper.Fail(scraper.StateWaitFrame, timeoutOr(frameCtx, scraper.ClassMissingElement),
			fmt.Errorf("emission element: %w", err))
	}

	// EXTRACT_FIELDS
	html, err := frame.HTML()
	if err != nil {
		return nil, scraper.Fail(scraper.StateExtract, timeoutOr(frameCtx, scraper.ClassNavigation), err)
	}
	raw, err := e.cfg.Layout.Read(html)
	if err != nil {
		return nil, scraper.Fail(scraper.StateExtract, scraper.ClassMissingElement, err)
	}
	return raw, nil
}

// checkURL applies the navigation policy to a URL read from a QR code.
func (e *Extractor) checkURL(raw string) error {
	u, err := horosafe.CheckScheme(raw)
	if err != nil {
		return err
	}
	if len(e.cfg.AllowedHosts) > 0 && !hostAllowed(u, e.cfg.AllowedHosts) {
		return fmt.Errorf("%w: host %s not in allowed list", horosafe.ErrSSRF, u.Hostname())
	}
	if e.cfg.AllowPrivate {
		return nil
	}
	return horosafe.ValidateURL(raw)
}

func hostAllowed(u *url.URL, allowed []string) bool {
	host := strings.ToLower(u.Hostname())
	for _, a := range allowed {
		a = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(a), "."))
		if a == "" {
			continue
		}
		if host == a || strings.HasSuffix(host, "."+a) {
			return true
		}
	}
	return false
}

// timeoutOr reports ClassTimeout when ctx hit its deadline, else fallback.
func timeoutOr(ctx context.Context, fallback scraper.ErrorClass) scraper.ErrorClass {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return scraper.ClassTimeout
	}
	return fallback
}

var _ scraper.DetailExtractor = (*Extractor)(nil)
