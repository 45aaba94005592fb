// CLAUDE:SUMMARY Manages the Chrome lifecycle for scraping: launch or connect, incognito sessions, time/usage-based recycling.
// Package browser manages a Chrome process for the detail scraper: launch a
// local headless Chrome or connect to a remote one via Rod, hand out
// isolated incognito sessions, and recycle the process after a lifetime or
// session budget so a long batch does not accumulate leaked renderer memory.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
)

// ErrClosed is returned by a Manager after Close.
var ErrClosed = errors.New("browser: manager is closed")

// Config configures the browser manager.
type Config struct {
	// RemoteURL is the WebSocket URL of an external Chrome instance.
	// Empty = launch a local Chrome via launcher.
	RemoteURL string `yaml:"remote_url"`

	// Bin is the Chrome binary. Empty = launcher lookup / download.
	Bin string `yaml:"bin"`

	// Headful runs a visible window (debugging only).
	Headful bool `yaml:"headful"`

	// RecycleInterval is the maximum lifetime of a Chrome process. Default: 1h.
	RecycleInterval time.Duration `yaml:"recycle_interval"`

	// RecycleAfter is the number of sessions after which Chrome is restarted.
	// Default: 200.
	RecycleAfter int `yaml:"recycle_after"`

	// ResourceBlocking lists resource types to block (images, fonts, media, stylesheets).
	ResourceBlocking []string `yaml:"resource_blocking"`

	Logger *slog.Logger `yaml:"-"`
}

func (c *Config) defaults() {
	if c.RecycleInterval <= 0 {
		c.RecycleInterval = time.Hour
	}
	if c.RecycleAfter <= 0 {
		c.RecycleAfter = 200
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Manager owns one Chrome process. Safe for concurrent use; sessions from
// one manager share the process but not cookies or storage.
type Manager struct {
	cfg      Config
	mu       sync.Mutex
	browser  *rod.Browser
	lnch     *launcher.Launcher
	startAt  time.Time
	sessions int
	active   sync.WaitGroup
	closed   bool
}

// NewManager creates a browser Manager. Chrome starts lazily on the first
// Session call.
func NewManager(cfg Config) *Manager {
	cfg.defaults()
	return &Manager{cfg: cfg}
}

// acquire returns a live browser, launching or recycling as needed, and
// registers one active session.
func (m *Manager) acquire(ctx context.Context) (*rod.Browser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	if m.browser != nil && m.dueForRecycle() {
		m.cfg.Logger.Info("browser: recycling",
			"uptime", time.Since(m.startAt).Round(time.Second), "sessions", m.sessions)
		m.active.Wait()
		m.cleanup()
	}

	if m.browser == nil {
		b, err := m.launch(ctx)
		if err != nil {
			return nil, err
		}
		m.browser = b
		m.startAt = time.Now()
		m.sessions = 0
	}

	m.sessions++
	m.active.Add(1)
	return m.browser, nil
}

func (m *Manager) release() { m.active.Done() }

func (m *Manager) dueForRecycle() bool {
	return time.Since(m.startAt) > m.cfg.RecycleInterval || m.sessions >= m.cfg.RecycleAfter
}

// Recycle closes the current Chrome; the next Session launches a new one.
func (m *Manager) Recycle() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active.Wait()
	m.cleanup()
}

// Close shuts Chrome down. Open sessions are waited for.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.active.Wait()
	m.cleanup()
	return nil
}

func (m *Manager) launch(ctx context.Context) (*rod.Browser, error) {
	log := m.cfg.Logger

	var wsURL string
	if m.cfg.RemoteURL != "" {
		wsURL = m.cfg.RemoteURL
		log.Info("browser: connecting to remote", "url", wsURL)
	} else {
		l := newLauncher(m.cfg).Context(ctx)
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("browser: launch: %w", err)
		}
		wsURL = u
		m.lnch = l
		log.Info("browser: launched local chrome", "url", wsURL)
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		if m.lnch != nil {
			m.lnch.Cleanup()
			m.lnch = nil
		}
		return nil, fmt.Errorf("browser: connect: %w", err)
	}

	// Several state portals serve incomplete certificate chains.
	if err := b.IgnoreCertErrors(true); err != nil {
		log.Warn("browser: ignore cert errors failed", "error", err)
	}
	return b, nil
}

// newLauncher builds the local Chrome launcher with anti-detection flags.
func newLauncher(cfg Config) *launcher.Launcher {
	l := launcher.New().
		Headless(!cfg.Headful).
		Set("disable-blink-features", "AutomationControlled").
		Set("disable-dev-shm-usage").
		Set("disable-gpu")
	if cfg.Bin != "" {
		l = l.Bin(cfg.Bin)
	}
	if os.Geteuid() == 0 {
		l = l.NoSandbox(true)
	}
	return l
}

func (m *Manager) cleanup() {
	if m.browser != nil {
		if err := m.browser.Close(); err != nil {
			m.cfg.Logger.Debug("browser: close", "error", err)
		}
		m.browser = nil
	}
	if m.lnch != nil {
		m.lnch.Cleanup()
		m.lnch = nil
	}
}
