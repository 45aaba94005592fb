// CLAUDE:SUMMARY Listing, sales summary and stats queries over scraped receipts.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// ListFilter selects receipts for ListReceipts.
type ListFilter struct {
	Status string // "", "all", "pending", "scraped"
	Limit  int    // default 50
	Offset int
}

// ReceiptSummary is one listing row.
type ReceiptSummary struct {
	Header
	Scraped       bool     `json:"scraped"`
	SaleTimestamp *string  `json:"sale_timestamp,omitempty"`
	PaymentMethod *string  `json:"payment_method,omitempty"`
	TotalAmount   *float64 `json:"total_amount,omitempty"`
	ItemCount     int      `json:"item_count"`
}

// ListReceipts returns receipts newest capture first.
func (s *Store) ListReceipts(ctx context.Context, f ListFilter) ([]ReceiptSummary, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	where := ""
	switch strings.ToLower(f.Status) {
	case "", "all":
	case "pending":
		where = "WHERE d.access_key IS NULL"
	case "scraped":
		where = "WHERE d.access_key IS NOT NULL"
	default:
		return nil, fmt.Errorf("store: unknown status filter %q", f.Status)
	}

	rows, err := s.DB.QueryContext(ctx, `
		SELECT h.access_key, h.source_url, h.captured_at, h.origin,
		       d.access_key IS NOT NULL, d.sale_timestamp, d.payment_method, d.total_amount,
		       (SELECT COUNT(*) FROM line_items li WHERE li.access_key = h.access_key)
		FROM receipt_headers h
		LEFT JOIN receipt_details d ON d.access_key = h.access_key
		`+where+`
		ORDER BY h.captured_at DESC, h.access_key
		LIMIT ? OFFSET ?`, f.Limit, f.Offset)
	if err != nil {
		return nil, fmt.Errorf("store: list receipts: %w", err)
	}
	defer rows.Close()

	out := []ReceiptSummary{}
	for rows.Next() {
		var r ReceiptSummary
		var ts, pay sql.NullString
		var total sql.NullFloat64
		if err := rows.Scan(&r.AccessKey, &r.SourceURL, &r.CapturedAt, &r.Origin,
			&r.Scraped, &ts, &pay, &total, &r.ItemCount); err != nil {
			return nil, fmt.Errorf("store: list receipts: %w", err)
		}
		r.SaleTimestamp, r.PaymentMethod, r.TotalAmount = strPtr(ts), strPtr(pay), floatPtr(total)
		out = append(out, r)
	}
	return out, rows.Err()
}

// SummaryFilter bounds a sales summary. From and To are yyyy-mm-dd and
// inclusive; either may be empty. An empty Payment matches every method.
type SummaryFilter struct {
	From    string
	To      string
	Payment string
}

// Bucket is a total over a group of receipts.
type Bucket struct {
	Key   string  `json:"key"`
	Total float64 `json:"total"`
	Count int     `json:"count"`
}

// Summary aggregates scraped receipts with a sale timestamp.
type Summary struct {
	TotalSales   float64  `json:"total_sales"`
	Transactions int      `json:"transactions"`
	AverageSale  float64  `json:"average_sale"`
	ByDay        []Bucket `json:"by_day"`
	ByMonth      []Bucket `json:"by_month"`
	ByPayment    []Bucket `json:"by_payment"`
}

// unspecifiedPayment labels receipts whose payment method could not be read.
const unspecifiedPayment = "Não especificado"

// Summary computes the sales report for f. Receipts without a sale
// timestamp cannot be placed in a period and are excluded.
func (s *Store) Summary(ctx context.Context, f SummaryFilter) (*Summary, error) {
	conds := []string{"sale_timestamp IS NOT NULL"}
	var args []any
	if f.From != "" {
		conds = append(conds, "substr(sale_timestamp, 1, 10) >= ?")
		args = append(args, f.From)
	}
	if f.To != "" {
		conds = append(conds, "substr(sale_timestamp, 1, 10) <= ?")
		args = append(args, f.To)
	}
	if f.Payment != "" {
		conds = append(conds, "payment_method = ?")
		args = append(args, f.Payment)
	}
	where := "WHERE " + strings.Join(conds, " AND ")

	sum := &Summary{ByDay: []Bucket{}, ByMonth: []Bucket{}, ByPayment: []Bucket{}}
	err := s.DB.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(total_amount), 0), COUNT(*)
		FROM receipt_details `+where, args...,
	).Scan(&sum.TotalSales, &sum.Transactions)
	if err != nil {
		return nil, fmt.Errorf("store: summary: %w", err)
	}
	if sum.Transactions > 0 {
		sum.AverageSale = sum.TotalSales / float64(sum.Transactions)
	}

	groups := []struct {
		expr string
		dst  *[]Bucket
	}{
		{"substr(sale_timestamp, 1, 10)", &sum.ByDay},
		{"substr(sale_timestamp, 1, 7)", &sum.ByMonth},
		{"COALESCE(payment_method, '" + unspecifiedPayment + "')", &sum.ByPayment},
	}
	for _, g := range groups {
		b, err := s.buckets(ctx, g.expr, where, args)
		if err != nil {
			return nil, err
		}
		*g.dst = b
	}
	return sum, nil
}

func (s *Store) buckets(ctx context.Context, expr, where string, args []any) ([]Bucket, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+expr+` AS k, COALESCE(SUM(total_amount), 0), COUNT(*)
		FROM receipt_details `+where+`
		GROUP BY k ORDER BY k`, args...)
	if err != nil {
		return nil, fmt.Errorf("store: summary buckets: %w", err)
	}
	defer rows.Close()

	out := []Bucket{}
	for rows.Next() {
		var b Bucket
		if err := rows.Scan(&b.Key, &b.Total, &b.Count); err != nil {
			return nil, fmt.Errorf("store: summary buckets: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// PaymentMethods lists the distinct payment methods seen, for filters.
func (s *Store) PaymentMethods(ctx context.Context) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT DISTINCT payment_method FROM receipt_details
		WHERE payment_method IS NOT NULL ORDER BY payment_method`)
	if err != nil {
		return nil, fmt.Errorf("store: payment methods: %w", err)
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Stats counts rows per relation.
type Stats struct {
	Headers        int `json:"headers"`
	Details        int `json:"details"`
	Pending        int `json:"pending"`
	LineItems      int `json:"line_items"`
	FailedScrapes  int `json:"failed_scrapes"`
	FieldIssueRows int `json:"field_issue_rows"`
}

// Stats returns table counts.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{}
	err := s.DB.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM receipt_headers),
			(SELECT COUNT(*) FROM receipt_details),
			(SELECT COUNT(*) FROM line_items),
			(SELECT COUNT(*) FROM scrape_log WHERE state = 'failed'),
			(SELECT COUNT(*) FROM scrape_log WHERE state = 'success' AND error_class = 'parse')`,
	).Scan(&st.Headers, &st.Details, &st.LineItems, &st.FailedScrapes, &st.FieldIssueRows)
	if err != nil {
		return nil, fmt.Errorf("store: stats: %w", err)
	}
	st.Pending = st.Headers - st.Details
	return st, nil
}
