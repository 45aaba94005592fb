// Package trace registers "sqlite-trace", a modernc.org/sqlite driver that
// logs every statement it runs. Switching a store to it needs no other code
// change:
//
//	store.Open(path, dbopen.WithDriver(trace.DriverName))
//
// Statements log at Debug, at Warn when slower than SlowQuery, and at Error
// when they fail. The request id and transport found in the statement's
// context are attached, so a slow capture can be followed from the HTTP
// request down to its INSERT.
package trace

import (
	"database/sql"
	"log/slog"
	"sync/atomic"
	"time"

	sqlite "modernc.org/sqlite"
)

// DriverName is the database/sql driver name registered by this package.
const DriverName = "sqlite-trace"

// SlowQuery is the duration above which a statement logs at Warn.
const SlowQuery = 100 * time.Millisecond

var logger atomic.Pointer[slog.Logger]

// SetLogger sets the logger statements are written to. nil restores
// slog.Default.
func SetLogger(l *slog.Logger) {
	logger.Store(l)
}

func getLogger() *slog.Logger {
	if l := logger.Load(); l != nil {
		return l
	}
	return slog.Default()
}

func init() {
	sql.Register(DriverName, &TracingDriver{Driver: &sqlite.Driver{}})
}
