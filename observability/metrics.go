// CLAUDE:SUMMARY SQLite-backed pipeline metrics: buffered batch writer, query and per-label totals.
// Package observability persists pipeline metrics and an audit trail in
// SQLite, next to the receipts they describe.
//
// Writes are buffered and flushed in batches by a background goroutine so
// the capture and scrape paths never wait on them. A failed flush is logged
// and the batch dropped.
package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// Metric names written by the receipt pipeline.
const (
	MetricCaptureTotal       = "capture_total"        // labels: status
	MetricDecodeAttempt      = "decode_attempt"       // labels: strategy, outcome
	MetricScrapeOutcome      = "scrape_outcome"       // labels: state, error_class
	MetricScrapeAttempts     = "scrape_attempts"      // labels: state
	MetricScrapePassDuration = "scrape_pass_duration" // unit: milliseconds
	MetricScrapeItems        = "scrape_items"         // line items saved
	MetricNormalizeIssue     = "normalize_issue"      // labels: field
)

// Metric is a single timeseries datapoint.
type Metric struct {
	Name      string            `json:"name"`
	Timestamp time.Time         `json:"timestamp"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"`
	Unit      string            `json:"unit,omitempty"` // "count", "milliseconds"
}

// MetricsManager buffers metrics and flushes them to SQLite in batches.
type MetricsManager struct {
	db            *sql.DB
	bufferSize    int
	flushInterval time.Duration
	logger        *slog.Logger

	mu     sync.Mutex
	buffer []*Metric

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewMetricsManager creates a manager that flushes when bufferSize metrics
// are queued or every flushInterval, whichever comes first.
func NewMetricsManager(db *sql.DB, bufferSize int, flushInterval time.Duration, logger *slog.Logger) *MetricsManager {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	mm := &MetricsManager{
		db:            db,
		bufferSize:    bufferSize,
		flushInterval: flushInterval,
		logger:        logger,
		buffer:        make([]*Metric, 0, bufferSize),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	go mm.flushLoop()
	return mm
}

// Record queues a metric. It never blocks on the database.
func (mm *MetricsManager) Record(m *Metric) {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.buffer = append(mm.buffer, m)
	if len(mm.buffer) >= mm.bufferSize {
		mm.flushLocked()
	}
}

// Count records one occurrence of name with the given label pairs
// ("k1", "v1", "k2", "v2", ...). Empty values are dropped.
func (mm *MetricsManager) Count(name string, kv ...string) {
	mm.Add(name, 1, "count", kv...)
}

// Add records value for name with the given label pairs.
func (mm *MetricsManager) Add(name string, value float64, unit string, kv ...string) {
	var labels map[string]string
	for i := 0; i+1 < len(kv); i += 2 {
		if kv[i+1] == "" {
			continue
		}
		if labels == nil {
			labels = make(map[string]string, len(kv)/2)
		}
		labels[kv[i]] = kv[i+1]
	}
	mm.Record(&Metric{Name: name, Value: value, Labels: labels, Unit: unit})
}

// Flush writes the buffered metrics now.
func (mm *MetricsManager) Flush() {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.flushLocked()
}

// Query returns datapoints, newest first. Empty name means all metrics;
// a nil since means unbounded.
func (mm *MetricsManager) Query(ctx context.Context, name string, since *time.Time, limit int) ([]*Metric, error) {
	q := "SELECT metric_name, timestamp, value, labels, unit FROM metrics_timeseries WHERE 1=1"
	args := make([]any, 0, 3)
	if name != "" {
		q += " AND metric_name = ?"
		args = append(args, name)
	}
	if since != nil {
		q += " AND timestamp >= ?"
		args = append(args, since.Unix())
	}
	q += " ORDER BY timestamp DESC, rowid DESC"
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := mm.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	defer rows.Close()

	var out []*Metric
	for rows.Next() {
		var ts int64
		var labelsJSON, unit sql.NullString
		m := &Metric{}
		if err := rows.Scan(&m.Name, &ts, &m.Value, &labelsJSON, &unit); err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		m.Timestamp = time.Unix(ts, 0)
		m.Unit = unit.String
		if labelsJSON.Valid {
			json.Unmarshal([]byte(labelsJSON.String), &m.Labels)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Total is the sum of one metric for one label set.
type Total struct {
	Name   string  `json:"name"`
	Labels string  `json:"labels,omitempty"` // canonical "k=v,k=v"
	Count  int64   `json:"count"`
	Sum    float64 `json:"sum"`
}

// Totals aggregates every persisted datapoint by name and label set,
// ordered by name then labels.
func (mm *MetricsManager) Totals(ctx context.Context, since *time.Time) ([]Total, error) {
	q := "SELECT metric_name, COALESCE(labels, ''), COUNT(*), SUM(value) FROM metrics_timeseries"
	var args []any
	if since != nil {
		q += " WHERE timestamp >= ?"
		args = append(args, since.Unix())
	}
	q += " GROUP BY metric_name, labels"

	rows, err := mm.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("metric totals: %w", err)
	}
	defer rows.Close()

	var out []Total
	for rows.Next() {
		var t Total
		var labelsJSON string
		if err := rows.Scan(&t.Name, &labelsJSON, &t.Count, &t.Sum); err != nil {
			return nil, fmt.Errorf("scan total: %w", err)
		}
		t.Labels = canonicalLabels(labelsJSON)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Labels < out[j].Labels
	})
	return out, nil
}

// Cleanup deletes metrics older than retentionDays and returns the count removed.
func (mm *MetricsManager) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	threshold := time.Now().AddDate(0, 0, -retentionDays).Unix()
	result, err := mm.db.ExecContext(ctx, "DELETE FROM metrics_timeseries WHERE timestamp < ?", threshold)
	if err != nil {
		return 0, fmt.Errorf("cleanup metrics: %w", err)
	}
	return result.RowsAffected()
}

// Close flushes remaining metrics and stops the background goroutine.
// It is safe to call more than once.
func (mm *MetricsManager) Close() error {
	mm.closeOnce.Do(func() {
		close(mm.stop)
		<-mm.done
	})
	return nil
}

func (mm *MetricsManager) flushLoop() {
	defer close(mm.done)
	ticker := time.NewTicker(mm.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-mm.stop:
			mm.Flush()
			return
		case <-ticker.C:
			mm.Flush()
		}
	}
}

func (mm *MetricsManager) flushLocked() {
	if len(mm.buffer) == 0 {
		return
	}
	defer func() { mm.buffer = mm.buffer[:0] }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := mm.db.BeginTx(ctx, nil)
	if err != nil {
		mm.logger.Error("observability metrics: begin tx", "error", err, "dropped", len(mm.buffer))
		return
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO metrics_timeseries (metric_name, timestamp, value, labels, unit) VALUES (?,?,?,?,?)`)
	if err != nil {
		tx.Rollback()
		mm.logger.Error("observability metrics: prepare", "error", err)
		return
	}
	defer stmt.Close()

	for _, m := range mm.buffer {
		var labelsJSON sql.NullString
		if len(m.Labels) > 0 {
			if b, err := json.Marshal(m.Labels); err == nil {
				labelsJSON = sql.NullString{String: string(b), Valid: true}
			}
		}
		if _, err := stmt.ExecContext(ctx, m.Name, m.Timestamp.Unix(), m.Value, labelsJSON, m.Unit); err != nil {
			mm.logger.Error("observability metrics: insert", "error", err, "metric", m.Name)
		}
	}
	if err := tx.Commit(); err != nil {
		mm.logger.Error("observability metrics: commit", "error", err)
	}
}

// canonicalLabels renders a labels JSON object as sorted "k=v" pairs.
func canonicalLabels(labelsJSON string) string {
	if labelsJSON == "" {
		return ""
	}
	var labels map[string]string
	if json.Unmarshal([]byte(labelsJSON), &labels) != nil {
		return labelsJSON
	}
	pairs := make([]string, 0, len(labels))
	for k, v := range labels {
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)
	return strings.Join(pairs, ",")
}
