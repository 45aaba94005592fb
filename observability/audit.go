package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hazyhaar/nfce/idgen"
	"github.com/hazyhaar/nfce/kit"
)

// AuditEntry records one operator action: a history reset, a forced
// rescrape, a manual scrape pass.
type AuditEntry struct {
	EntryID    string    `json:"entry_id"`
	Timestamp  time.Time `json:"timestamp"`
	Operation  string    `json:"operation"`
	Transport  string    `json:"transport,omitempty"`
	RequestID  string    `json:"request_id,omitempty"`
	RemoteAddr string    `json:"remote_addr,omitempty"`
	Parameters string    `json:"parameters"` // JSON
	Result     string    `json:"result,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	Status     string    `json:"status"` // "success" or "error"
}

// AuditLogger writes audit entries synchronously. Operator actions are rare
// and must not be lost to a buffer.
type AuditLogger struct {
	db    *sql.DB
	newID idgen.Generator
}

// AuditOption configures an AuditLogger.
type AuditOption func(*AuditLogger)

// WithAuditIDGenerator sets the entry ID generator.
func WithAuditIDGenerator(gen idgen.Generator) AuditOption {
	return func(a *AuditLogger) { a.newID = gen }
}

// NewAuditLogger returns an audit logger over db.
func NewAuditLogger(db *sql.DB, opts ...AuditOption) *AuditLogger {
	a := &AuditLogger{db: db, newID: idgen.Prefixed("audit_", idgen.Default)}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Record builds an entry from ctx (transport, request id, remote address),
// params, result and err, and inserts it.
func (a *AuditLogger) Record(ctx context.Context, operation string, params, result any, err error, d time.Duration) error {
	e := &AuditEntry{
		EntryID:    a.newID(),
		Timestamp:  time.Now(),
		Operation:  operation,
		Transport:  kit.GetTransport(ctx),
		RequestID:  kit.GetRequestID(ctx),
		RemoteAddr: kit.GetRemoteAddr(ctx),
		Parameters: "{}",
		DurationMs: d.Milliseconds(),
		Status:     "success",
	}
	if params != nil {
		if b, e2 := json.Marshal(params); e2 == nil {
			e.Parameters = string(b)
		}
	}
	if err != nil {
		e.Status, e.Error = "error", err.Error()
	} else if result != nil {
		if b, e2 := json.Marshal(result); e2 == nil {
			e.Result = string(b)
		}
	}
	return a.Log(ctx, e)
}

// Log inserts e, filling EntryID, Timestamp and Status when empty.
func (a *AuditLogger) Log(ctx context.Context, e *AuditEntry) error {
	if e.EntryID == "" {
		e.EntryID = a.newID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.Status == "" {
		e.Status = "success"
		if e.Error != "" {
			e.Status = "error"
		}
	}
	if e.Parameters == "" {
		e.Parameters = "{}"
	}
	// The entry outlives a cancelled request.
	ctx = context.WithoutCancel(ctx)
	_, err := a.db.ExecContext(ctx, `INSERT INTO audit_log
		(entry_id, timestamp, operation, transport, request_id, remote_addr,
		 parameters, result, error_message, duration_ms, status)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		e.EntryID, e.Timestamp.Unix(), e.Operation, e.Transport, e.RequestID, e.RemoteAddr,
		e.Parameters, nullIfEmpty(e.Result), nullIfEmpty(e.Error), e.DurationMs, e.Status)
	if err != nil {
		return fmt.Errorf("audit %s: %w", e.Operation, err)
	}
	return nil
}

// AuditFilter narrows Query.
type AuditFilter struct {
	Operation string
	Status    string
	Since     *time.Time
	Limit     int // default 100
}

// Query returns entries, newest first.
func (a *AuditLogger) Query(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	q := `SELECT entry_id, timestamp, operation, COALESCE(transport, ''), COALESCE(request_id, ''),
		COALESCE(remote_addr, ''), parameters, COALESCE(result, ''), COALESCE(error_message, ''),
		COALESCE(duration_ms, 0), status
		FROM audit_log WHERE 1=1`
	var args []any
	if f.Operation != "" {
		q += " AND operation = ?"
		args = append(args, f.Operation)
	}
	if f.Status != "" {
		q += " AND status = ?"
		args = append(args, f.Status)
	}
	if f.Since != nil {
		q += " AND timestamp >= ?"
		args = append(args, f.Since.Unix())
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " ORDER BY timestamp DESC, rowid DESC LIMIT ?"
	args = append(args, limit)

	rows, err := a.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var ts int64
		if err := rows.Scan(&e.EntryID, &ts, &e.Operation, &e.Transport, &e.RequestID,
			&e.RemoteAddr, &e.Parameters, &e.Result, &e.Error, &e.DurationMs, &e.Status); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Timestamp = time.Unix(ts, 0)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Cleanup deletes entries older than retentionDays.
func (a *AuditLogger) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	threshold := time.Now().AddDate(0, 0, -retentionDays).Unix()
	result, err := a.db.ExecContext(ctx, "DELETE FROM audit_log WHERE timestamp < ?", threshold)
	if err != nil {
		return 0, fmt.Errorf("cleanup audit log: %w", err)
	}
	return result.RowsAffected()
}

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
