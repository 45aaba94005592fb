package browser

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-rod/rod/lib/launcher/flags"
)

func TestShouldBlock(t *testing.T) {
	set := map[string]bool{"images": true, "fonts": true, "ping": true}
	tests := []struct {
		typ  string
		want bool
	}{
		{"Image", true},
		{"Font", true},
		{"Stylesheet", false},
		{"Document", false},
		{"Script", false},
		{"Ping", true},
	}
	for _, tt := range tests {
		if got := shouldBlock(set, tt.typ); got != tt.want {
			t.Errorf("shouldBlock(%q) = %v, want %v", tt.typ, got, tt.want)
		}
	}
}

func TestConfigDefaults(t *testing.T) {
	var c Config
	c.defaults()
	if c.RecycleInterval != time.Hour || c.RecycleAfter != 200 || c.Logger == nil {
		t.Fatalf("defaults: %+v", c)
	}
}

func TestNewLauncherFlags(t *testing.T) {
	l := newLauncher(Config{})
	if v := l.Get(flags.Flag("disable-blink-features")); v != "AutomationControlled" {
		t.Fatalf("disable-blink-features = %q", v)
	}
	if !l.Has(flags.Headless) {
		t.Fatal("expected headless")
	}
	if newLauncher(Config{Headful: true}).Has(flags.Headless) {
		t.Fatal("headful launcher still headless")
	}
}

func TestDueForRecycle(t *testing.T) {
	m := NewManager(Config{RecycleAfter: 2, RecycleInterval: time.Hour})
	m.startAt = time.Now()
	if m.dueForRecycle() {
		t.Fatal("fresh manager due for recycle")
	}
	m.sessions = 2
	if !m.dueForRecycle() {
		t.Fatal("session budget not honoured")
	}
	m.sessions = 0
	m.startAt = time.Now().Add(-2 * time.Hour)
	if !m.dueForRecycle() {
		t.Fatal("lifetime not honoured")
	}
}

func TestClosedManager(t *testing.T) {
	m := NewManager(Config{})
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Session(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("got %v", err)
	}
}
