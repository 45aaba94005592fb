package store

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/nfce/dbopen"
)

const (
	keyA = "35240312345678000190650010000012341000012345"
	keyB = "35240312345678000190650010000012351000012346"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db := dbopen.OpenMemory(t)
	if _, err := db.Exec(Schema); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	return New(db)
}

func ptr[T any](v T) *T { return &v }

func register(t *testing.T, s *Store, key string, at int64) {
	t.Helper()
	ok, err := s.RegisterHeader(context.Background(), &Header{
		AccessKey: key, SourceURL: "https://portal/qrcode?p=" + key, CapturedAt: at, Origin: "test",
	})
	if err != nil || !ok {
		t.Fatalf("register %s: %v %v", key, ok, err)
	}
}

func TestRegisterHeader_Dedup(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	h := &Header{AccessKey: keyA, SourceURL: "https://a", Origin: " photo "}
	created, err := s.RegisterHeader(ctx, h)
	if err != nil || !created {
		t.Fatalf("first: %v %v", created, err)
	}
	created, err = s.RegisterHeader(ctx, &Header{AccessKey: keyA, SourceURL: "https://other", Origin: "upload"})
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Fatal("second register of same key must not create a row")
	}

	got, err := s.GetHeader(ctx, keyA)
	if err != nil {
		t.Fatal(err)
	}
	if got.SourceURL != "https://a" || got.Origin != "photo" || got.CapturedAt == 0 {
		t.Fatalf("header changed or not normalized: %+v", got)
	}

	var n int
	s.DB.QueryRow(`SELECT COUNT(*) FROM receipt_headers`).Scan(&n)
	if n != 1 {
		t.Fatalf("rows: %d", n)
	}
}

func TestRegisterHeader_Concurrent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.RegisterHeader(ctx, &Header{AccessKey: keyA, SourceURL: "u"})
			if err != nil {
				t.Error(err)
				return
			}
			if ok {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if created != 1 {
		t.Fatalf("created %d times, want 1", created)
	}
}

func TestRegisterHeader_BadKey(t *testing.T) {
	s := testStore(t)
	if _, err := s.RegisterHeader(context.Background(), &Header{AccessKey: "123"}); !errors.Is(err, ErrBadKey) {
		t.Fatalf("got %v", err)
	}
}

func TestPendingHeaders(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	register(t, s, keyB, 2000)
	register(t, s, keyA, 1000)

	pending, err := s.PendingHeaders(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 || pending[0].AccessKey != keyA {
		t.Fatalf("pending: %+v", pending)
	}

	if err := s.SaveReceipt(ctx, &Detail{AccessKey: keyA}, nil); err != nil {
		t.Fatal(err)
	}
	pending, _ = s.PendingHeaders(ctx, 0)
	if len(pending) != 1 || pending[0].AccessKey != keyB {
		t.Fatalf("pending after save: %+v", pending)
	}
	if has, _ := s.HasDetail(ctx, keyA); !has {
		t.Fatal("HasDetail(keyA) = false")
	}
	if has, _ := s.HasDetail(ctx, keyB); has {
		t.Fatal("HasDetail(keyB) = true")
	}
}

func TestSaveReceipt_Idempotent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	register(t, s, keyA, 1000)

	d := &Detail{
		AccessKey:     keyA,
		SaleTimestamp: ptr("2024-03-10T14:05:00"),
		PaymentMethod: ptr("Cartão de Crédito"),
		TotalAmount:   ptr(58.43),
		ScrapedAt:     5000,
	}
	items := []LineItem{
		{ProductName: "ARROZ", Quantity: ptr(2.0), UnitPrice: ptr(24.90), LineTotal: ptr(49.80)},
		{ProductName: "BANANA", Quantity: ptr(1.235), UnitPrice: ptr(6.99), LineTotal: ptr(8.63)},
	}
	for i := 0; i < 2; i++ {
		if err := s.SaveReceipt(ctx, d, items); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}

	var details, lines int
	s.DB.QueryRow(`SELECT COUNT(*) FROM receipt_details`).Scan(&details)
	s.DB.QueryRow(`SELECT COUNT(*) FROM line_items`).Scan(&lines)
	if details != 1 || lines != 2 {
		t.Fatalf("details=%d lines=%d", details, lines)
	}

	got, err := s.GetReceipt(ctx, keyA)
	if err != nil {
		t.Fatal(err)
	}
	want := []LineItem{
		{AccessKey: keyA, LineIndex: 0, ProductName: "ARROZ", Quantity: ptr(2.0), UnitPrice: ptr(24.90), LineTotal: ptr(49.80)},
		{AccessKey: keyA, LineIndex: 1, ProductName: "BANANA", Quantity: ptr(1.235), UnitPrice: ptr(6.99), LineTotal: ptr(8.63)},
	}
	if diff := cmp.Diff(want, got.Items); diff != "" {
		t.Fatalf("items (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(d, got.Detail); diff != "" {
		t.Fatalf("detail (-want +got):\n%s", diff)
	}
}

func TestSaveReceipt_RescrapeTrimsStaleLines(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	register(t, s, keyA, 1000)

	three := []LineItem{{ProductName: "a"}, {ProductName: "b"}, {ProductName: "c"}}
	if err := s.SaveReceipt(ctx, &Detail{AccessKey: keyA}, three); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveReceipt(ctx, &Detail{AccessKey: keyA, TotalAmount: ptr(1.0)}, []LineItem{{ProductName: "x"}}); err != nil {
		t.Fatal(err)
	}
	items, err := s.LineItems(ctx, keyA)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].ProductName != "x" {
		t.Fatalf("items: %+v", items)
	}
}

func TestSaveReceipt_NullFields(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	register(t, s, keyA, 1000)

	if err := s.SaveReceipt(ctx, &Detail{AccessKey: keyA}, []LineItem{{ProductName: "?"}}); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetReceipt(ctx, keyA)
	if got.Detail.SaleTimestamp != nil || got.Detail.TotalAmount != nil || got.Detail.PaymentMethod != nil {
		t.Fatalf("expected nulls: %+v", got.Detail)
	}
	if got.Items[0].Quantity != nil {
		t.Fatal("expected null quantity")
	}
}

func TestSaveReceipt_NoHeader(t *testing.T) {
	s := testStore(t)
	err := s.SaveReceipt(context.Background(), &Detail{AccessKey: keyA}, []LineItem{{ProductName: "x"}})
	if !errors.Is(err, ErrNoHeader) {
		t.Fatalf("got %v", err)
	}
	var n int
	s.DB.QueryRow(`SELECT COUNT(*) FROM line_items`).Scan(&n)
	if n != 0 {
		t.Fatal("orphan line items written")
	}
}

func TestForeignKeys_RejectOrphans(t *testing.T) {
	s := testStore(t)
	_, err := s.DB.Exec(`INSERT INTO line_items (access_key, line_index) VALUES (?, 0)`, keyA)
	if err == nil {
		t.Fatal("orphan line item accepted")
	}
}

func TestClearHistory(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	register(t, s, keyA, 1000)
	s.SaveReceipt(ctx, &Detail{AccessKey: keyA}, []LineItem{{ProductName: "x"}})
	s.LogAttempt(ctx, &Attempt{AccessKey: keyA, State: "success"})

	if err := s.ClearHistory(ctx); err != nil {
		t.Fatal(err)
	}
	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(&Stats{}, st); diff != "" {
		t.Fatalf("stats after clear (-want +got):\n%s", diff)
	}
	var logs int
	s.DB.QueryRow(`SELECT COUNT(*) FROM scrape_log`).Scan(&logs)
	if logs != 0 {
		t.Fatal("scrape log not cleared")
	}

	// A cleared key can be registered again.
	register(t, s, keyA, 2000)
}

func TestLogAttempt(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	register(t, s, keyA, 1000)

	for i, state := range []string{"retry", "retry", "failed"} {
		if err := s.LogAttempt(ctx, &Attempt{AccessKey: keyA, Attempt: i + 1, State: state, ErrorClass: "timeout", CreatedAt: int64(100 + i)}); err != nil {
			t.Fatal(err)
		}
	}
	got, err := s.Attempts(ctx, keyA)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || got[2].State != "failed" || got[0].ID == "" || got[0].ID[:4] != "scr_" {
		t.Fatalf("attempts: %+v", got)
	}
	st, _ := s.Stats(ctx)
	if st.FailedScrapes != 1 || st.Pending != 1 {
		t.Fatalf("stats: %+v", st)
	}
}

func TestListReceipts(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	register(t, s, keyA, 1000)
	register(t, s, keyB, 2000)
	s.SaveReceipt(ctx, &Detail{AccessKey: keyA, TotalAmount: ptr(10.0)}, []LineItem{{ProductName: "x"}, {ProductName: "y"}})

	all, err := s.ListReceipts(ctx, ListFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].AccessKey != keyB {
		t.Fatalf("all: %+v", all)
	}
	if all[1].ItemCount != 2 || !all[1].Scraped || *all[1].TotalAmount != 10 {
		t.Fatalf("scraped row: %+v", all[1])
	}

	pending, _ := s.ListReceipts(ctx, ListFilter{Status: "pending"})
	if len(pending) != 1 || pending[0].AccessKey != keyB || pending[0].Scraped {
		t.Fatalf("pending: %+v", pending)
	}
	if _, err := s.ListReceipts(ctx, ListFilter{Status: "bogus"}); err == nil {
		t.Fatal("expected error for unknown status")
	}
}

func TestGetReceipt_Unknown(t *testing.T) {
	s := testStore(t)
	r, err := s.GetReceipt(context.Background(), keyA)
	if err != nil || r != nil {
		t.Fatalf("got %v, %v", r, err)
	}
}

func TestSummary(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	keys := []string{
		"35240312345678000190650010000000011000000001",
		"35240312345678000190650010000000021000000002",
		"35240312345678000190650010000000031000000003",
		"35240312345678000190650010000000041000000004",
	}
	rows := []struct {
		ts    *string
		pay   *string
		total float64
	}{
		{ptr("2024-03-01T09:00:00"), ptr("Dinheiro"), 10},
		{ptr("2024-03-01T18:30:00"), ptr("Cartão de Crédito"), 30},
		{ptr("2024-03-31T23:59:59"), nil, 20},
		{nil, ptr("Dinheiro"), 1000}, // no timestamp: excluded
	}
	for i, r := range rows {
		register(t, s, keys[i], int64(i))
		if err := s.SaveReceipt(ctx, &Detail{AccessKey: keys[i], SaleTimestamp: r.ts, PaymentMethod: r.pay, TotalAmount: ptr(r.total)}, nil); err != nil {
			t.Fatal(err)
		}
	}

	sum, err := s.Summary(ctx, SummaryFilter{From: "2024-03-01", To: "2024-03-31"})
	if err != nil {
		t.Fatal(err)
	}
	if sum.TotalSales != 60 || sum.Transactions != 3 || sum.AverageSale != 20 {
		t.Fatalf("totals: %+v", sum)
	}
	wantDays := []Bucket{{Key: "2024-03-01", Total: 40, Count: 2}, {Key: "2024-03-31", Total: 20, Count: 1}}
	if diff := cmp.Diff(wantDays, sum.ByDay); diff != "" {
		t.Fatalf("by day (-want +got):\n%s", diff)
	}
	wantPay := []Bucket{
		{Key: "Cartão de Crédito", Total: 30, Count: 1},
		{Key: "Dinheiro", Total: 10, Count: 1},
		{Key: unspecifiedPayment, Total: 20, Count: 1},
	}
	if diff := cmp.Diff(wantPay, sum.ByPayment); diff != "" {
		t.Fatalf("by payment (-want +got):\n%s", diff)
	}
	if len(sum.ByMonth) != 1 || sum.ByMonth[0].Key != "2024-03" {
		t.Fatalf("by month: %+v", sum.ByMonth)
	}

	cash, _ := s.Summary(ctx, SummaryFilter{Payment: "Dinheiro"})
	if cash.Transactions != 1 || cash.TotalSales != 10 {
		t.Fatalf("payment filter: %+v", cash)
	}

	empty, _ := s.Summary(ctx, SummaryFilter{From: "2025-01-01"})
	if empty.Transactions != 0 || empty.AverageSale != 0 || len(empty.ByDay) != 0 {
		t.Fatalf("empty: %+v", empty)
	}

	methods, _ := s.PaymentMethods(ctx)
	if diff := cmp.Diff([]string{"Cartão de Crédito", "Dinheiro"}, methods); diff != "" {
		t.Fatalf("methods (-want +got):\n%s", diff)
	}
}
