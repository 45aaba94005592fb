package browser

import (
	"context"
	"fmt"

	"github.com/go-rod/rod"
	"github.com/go-rod/stealth"
)

// Session is one incognito browser context with a single stealth page.
// Close must be called on every path; it disposes the context and with it
// every cookie, frame and request the portal produced.
type Session struct {
	Page      *rod.Page
	incognito *rod.Browser
	router    *rod.HijackRouter
	mgr       *Manager
	closed    bool
}

// Session opens a fresh incognito context and a stealth page in it.
func (m *Manager) Session(ctx context.Context) (*Session, error) {
	b, err := m.acquire(ctx)
	if err != nil {
		return nil, err
	}
	s := &Session{mgr: m}

	s.incognito, err = b.Incognito()
	if err != nil {
		m.release()
		return nil, fmt.Errorf("browser: incognito: %w", err)
	}

	s.Page, err = stealth.Page(s.incognito)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("browser: stealth page: %w", err)
	}

	if len(m.cfg.ResourceBlocking) > 0 {
		s.router = applyResourceBlocking(s.Page, m.cfg.ResourceBlocking)
	}
	return s, nil
}

// Close releases the page, the router and the incognito context. Safe to
// call more than once.
func (s *Session) Close() {
	if s.closed {
		return
	}
	s.closed = true
	log := s.mgr.cfg.Logger
	if s.router != nil {
		if err := s.router.Stop(); err != nil {
			log.Debug("browser: stop router", "error", err)
		}
	}
	if s.Page != nil {
		s.Page.Close()
	}
	if s.incognito != nil {
		if err := s.incognito.Close(); err != nil {
			log.Debug("browser: dispose incognito", "error", err)
		}
	}
	s.mgr.release()
}
