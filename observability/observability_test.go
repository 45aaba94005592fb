package observability

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/nfce/dbopen"
	"github.com/hazyhaar/nfce/kit"
)

func setupObsDB(t *testing.T) *sql.DB {
	t.Helper()
	return dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
}

func TestInit_CreatesAllTables(t *testing.T) {
	db := setupObsDB(t)
	if err := Init(db); err != nil {
		t.Fatalf("Init is not idempotent: %v", err)
	}
	for _, table := range []string{"metrics_timeseries", "audit_log"} {
		var count int
		db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		if count != 1 {
			t.Fatalf("table %s not found", table)
		}
	}
}

// --- MetricsManager ---

func TestMetricsManager_RecordAndQuery(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, 100, time.Hour, nil)
	defer mm.Close()

	mm.Count(MetricCaptureTotal, "status", "registered")
	mm.Add(MetricScrapePassDuration, 1250, "milliseconds")
	mm.Flush()

	got, err := mm.Query(context.Background(), MetricCaptureTotal, nil, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Value != 1 || got[0].Labels["status"] != "registered" {
		t.Fatalf("capture metrics: %+v", got)
	}

	all, err := mm.Query(context.Background(), "", nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("all metrics count: got %d", len(all))
	}
}

func TestMetricsManager_FlushOnClose(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, 100, time.Hour, nil)
	mm.Count(MetricScrapeItems)
	mm.Close()
	mm.Close()

	var n int
	db.QueryRow("SELECT COUNT(*) FROM metrics_timeseries").Scan(&n)
	if n != 1 {
		t.Fatalf("rows after close: %d", n)
	}
}

func TestMetricsManager_FlushWhenBufferFull(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, 2, time.Hour, nil)
	defer mm.Close()

	mm.Count(MetricCaptureTotal)
	mm.Count(MetricCaptureTotal)

	var n int
	db.QueryRow("SELECT COUNT(*) FROM metrics_timeseries").Scan(&n)
	if n != 2 {
		t.Fatalf("rows after full buffer: %d", n)
	}
}

func TestMetricsManager_QuerySince(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, 100, time.Hour, nil)
	defer mm.Close()

	now := time.Now()
	mm.Record(&Metric{Name: "m1", Timestamp: now.Add(-2 * time.Hour), Value: 1})
	mm.Record(&Metric{Name: "m1", Timestamp: now, Value: 2})
	mm.Flush()

	start := now.Add(-time.Hour)
	got, err := mm.Query(context.Background(), "m1", &start, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Value != 2 {
		t.Fatalf("since-filtered: %+v", got)
	}
}

func TestMetricsManager_Totals(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, 100, time.Hour, nil)
	defer mm.Close()

	mm.Count(MetricDecodeAttempt, "strategy", "local", "outcome", "miss")
	mm.Count(MetricDecodeAttempt, "outcome", "miss", "strategy", "local")
	mm.Count(MetricDecodeAttempt, "strategy", "remote", "outcome", "hit")
	mm.Add(MetricScrapeAttempts, 3, "count", "state", "success")
	mm.Add(MetricScrapeAttempts, 1, "count", "state", "success", "error_class", "")
	mm.Flush()

	got, err := mm.Totals(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	want := []Total{
		{Name: MetricDecodeAttempt, Labels: "outcome=hit,strategy=remote", Count: 1, Sum: 1},
		{Name: MetricDecodeAttempt, Labels: "outcome=miss,strategy=local", Count: 2, Sum: 2},
		{Name: MetricScrapeAttempts, Labels: "state=success", Count: 2, Sum: 4},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("totals (-want +got):\n%s", diff)
	}
}

func TestMetricsManager_Cleanup(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, 100, time.Hour, nil)
	defer mm.Close()

	mm.Record(&Metric{Name: "old_metric", Timestamp: time.Now().Add(-40 * 24 * time.Hour), Value: 1})
	mm.Record(&Metric{Name: "new_metric", Timestamp: time.Now(), Value: 2})
	mm.Flush()

	deleted, err := mm.Cleanup(context.Background(), 30)
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 1 {
		t.Fatalf("deleted: got %d", deleted)
	}
}

// --- AuditLogger ---

func TestAuditLogger_RecordCarriesRequestContext(t *testing.T) {
	db := setupObsDB(t)
	al := NewAuditLogger(db)

	ctx := kit.WithTransport(context.Background(), "http")
	ctx = kit.WithRequestID(ctx, "req-1")
	ctx = kit.WithRemoteAddr(ctx, "10.0.0.7:5555")
	if err := al.Record(ctx, "clear_history", nil, map[string]int{"headers": 3}, nil, 12*time.Millisecond); err != nil {
		t.Fatal(err)
	}

	got, err := al.Query(context.Background(), AuditFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("entries: %d", len(got))
	}
	e := got[0]
	if e.Operation != "clear_history" || e.Transport != "http" || e.RequestID != "req-1" || e.RemoteAddr != "10.0.0.7:5555" {
		t.Fatalf("entry: %+v", e)
	}
	if e.Status != "success" || e.Result != `{"headers":3}` || e.Parameters != "{}" || e.DurationMs != 12 {
		t.Fatalf("entry body: %+v", e)
	}
}

func TestAuditLogger_RecordError(t *testing.T) {
	db := setupObsDB(t)
	al := NewAuditLogger(db, WithAuditIDGenerator(func() string { return "fixed" }))

	err := al.Record(context.Background(), "rescrape", map[string]string{"access_key": "k"}, nil, errors.New("portal down"), 0)
	if err != nil {
		t.Fatal(err)
	}
	got, _ := al.Query(context.Background(), AuditFilter{Status: "error"})
	if len(got) != 1 || got[0].EntryID != "fixed" || got[0].Error != "portal down" {
		t.Fatalf("entries: %+v", got)
	}
	if got[0].Parameters != `{"access_key":"k"}` {
		t.Fatalf("params: %s", got[0].Parameters)
	}
}

func TestAuditLogger_LogSurvivesCancelledContext(t *testing.T) {
	db := setupObsDB(t)
	al := NewAuditLogger(db)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := al.Log(ctx, &AuditEntry{Operation: "scrape_pass"}); err != nil {
		t.Fatal(err)
	}
	got, _ := al.Query(context.Background(), AuditFilter{Operation: "scrape_pass"})
	if len(got) != 1 || got[0].Status != "success" {
		t.Fatalf("entries: %+v", got)
	}
}

func TestAuditLogger_Cleanup(t *testing.T) {
	db := setupObsDB(t)
	al := NewAuditLogger(db)
	ctx := context.Background()

	al.Log(ctx, &AuditEntry{Operation: "old", Timestamp: time.Now().Add(-40 * 24 * time.Hour)})
	al.Log(ctx, &AuditEntry{Operation: "new"})

	deleted, err := al.Cleanup(ctx, 30)
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 1 {
		t.Fatalf("deleted: %d", deleted)
	}
}
