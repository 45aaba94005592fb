// CLAUDE:SUMMARY Polls a SQLite version token (e.g. MAX(captured_at)), debounces changes and runs an action; failed actions retry on the next poll.
// Package watch runs an action when a SQLite database changes.
//
// The server uses it to start a scrape pass as soon as new receipts are
// captured, whether by its own API or by a CLI process writing the same
// database file:
//
//	w := watch.New(db, watch.Options{
//		Interval: time.Second,
//		Debounce: 2 * time.Second,
//		Detector: watch.MaxColumn("receipt_headers", "captured_at"),
//	})
//	go w.Run(ctx, func(ctx context.Context) error { ... })
package watch

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
)

// Detector reads a version token. Two calls returning different values
// mean something changed.
type Detector func(ctx context.Context, db *sql.DB) (int64, error)

// Options tunes a Watcher.
type Options struct {
	// Interval is the polling frequency. Default 1s.
	Interval time.Duration
	// Debounce is the quiet period after a change before the action fires.
	// Further changes during the window restart it. 0 fires immediately.
	Debounce time.Duration
	// Detector defaults to PragmaDataVersion.
	Detector Detector
	Logger   *slog.Logger
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = time.Second
	}
	if o.Detector == nil {
		o.Detector = PragmaDataVersion
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Watcher polls a database and runs an action on change.
type Watcher struct {
	db   *sql.DB
	opts Options

	version atomic.Int64

	checks  atomic.Int64
	changes atomic.Int64
	errors  atomic.Int64
	runs    atomic.Int64
}

// Stats are point-in-time counters.
type Stats struct {
	Checks          int64 `json:"checks"`
	ChangesDetected int64 `json:"changes_detected"`
	Errors          int64 `json:"errors"`
	Runs            int64 `json:"runs"`
}

// New creates a Watcher. Call Run to start it.
func New(db *sql.DB, opts Options) *Watcher {
	opts.defaults()
	return &Watcher{db: db, opts: opts}
}

// Stats returns the current counters.
func (w *Watcher) Stats() Stats {
	return Stats{
		Checks:          w.checks.Load(),
		ChangesDetected: w.changes.Load(),
		Errors:          w.errors.Load(),
		Runs:            w.runs.Load(),
	}
}

// Version returns the last version the action succeeded for.
func (w *Watcher) Version() int64 { return w.version.Load() }

// Run blocks until ctx is cancelled. The version present at start is the
// baseline and does not fire. When the action fails the version is not
// advanced, so the next poll fires it again.
func (w *Watcher) Run(ctx context.Context, action func(context.Context) error) {
	log := w.opts.Logger

	if v, err := w.opts.Detector(ctx, w.db); err != nil {
		log.Warn("watch: initial version check failed", "error", err)
	} else {
		w.version.Store(v)
	}

	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	var debounce *time.Timer
	var debounceCh <-chan time.Time
	pending := int64(-1)

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return

		case <-ticker.C:
			w.checks.Add(1)
			cur, err := w.opts.Detector(ctx, w.db)
			if err != nil {
				if ctx.Err() == nil {
					w.errors.Add(1)
					log.Warn("watch: version check failed", "error", err)
				}
				continue
			}
			if cur == w.version.Load() {
				pending = -1
				continue
			}
			if w.opts.Debounce <= 0 {
				w.changes.Add(1)
				w.fire(ctx, action, cur)
				continue
			}
			if cur != pending {
				w.changes.Add(1)
				pending = cur
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.NewTimer(w.opts.Debounce)
				debounceCh = debounce.C
			}

		case <-debounceCh:
			debounceCh = nil
			if pending >= 0 {
				w.fire(ctx, action, pending)
				pending = -1
			}
		}
	}
}

func (w *Watcher) fire(ctx context.Context, action func(context.Context) error, ver int64) {
	start := time.Now()
	if err := action(ctx); err != nil {
		w.errors.Add(1)
		w.opts.Logger.Warn("watch: action failed, retrying on next poll", "error", err, "version", ver)
		return
	}
	w.runs.Add(1)
	w.version.Store(ver)
	w.opts.Logger.Debug("watch: action done", "version", ver, "duration", time.Since(start))
}

// PragmaDataVersion reads PRAGMA data_version, which moves when another
// connection commits to the same database file.
func PragmaDataVersion(ctx context.Context, db *sql.DB) (int64, error) {
	var v int64
	err := db.QueryRowContext(ctx, "PRAGMA data_version").Scan(&v)
	return v, err
}

// MaxColumn polls MAX(column) on table. Identifiers are quoted.
func MaxColumn(table, column string) Detector {
	query := "SELECT COALESCE(MAX(" + quoteIdent(column) + "), 0) FROM " + quoteIdent(table)
	return func(ctx context.Context, db *sql.DB) (int64, error) {
		var v int64
		err := db.QueryRowContext(ctx, query).Scan(&v)
		return v, err
	}
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
