// CLAUDE:SUMMARY Header dedup guard, pending scan, and transactional detail + line-item upsert.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hazyhaar/nfce/accesskey"
	"github.com/hazyhaar/nfce/dbopen"
)

// Header is the first-sighting record of an access key.
type Header struct {
	AccessKey  string `json:"access_key"`
	SourceURL  string `json:"source_url"`
	CapturedAt int64  `json:"captured_at"` // unix ms
	Origin     string `json:"origin"`
}

// Detail is the scraped summary of a receipt. Pointer fields are nil when
// the page value could not be read or parsed.
type Detail struct {
	AccessKey     string   `json:"access_key"`
	SaleTimestamp *string  `json:"sale_timestamp"`
	PaymentMethod *string  `json:"payment_method"`
	TotalAmount   *float64 `json:"total_amount"`
	ScrapedAt     int64    `json:"scraped_at"` // unix ms
}

// LineItem is one product row, identified by its 0-based page position.
type LineItem struct {
	AccessKey   string   `json:"access_key"`
	LineIndex   int      `json:"line_index"`
	ProductName string   `json:"product_name"`
	Quantity    *float64 `json:"quantity"`
	UnitPrice   *float64 `json:"unit_price"`
	LineTotal   *float64 `json:"line_total"`
}

// Receipt is a header with whatever detail has been scraped.
type Receipt struct {
	Header
	Detail *Detail    `json:"detail,omitempty"`
	Items  []LineItem `json:"items"`
}

// RegisterHeader inserts h unless its key is already known. The insert is
// a single conditional statement, so concurrent captures of the same key
// cannot both register it. Reports whether a row was created.
func (s *Store) RegisterHeader(ctx context.Context, h *Header) (bool, error) {
	if !accesskey.Valid(h.AccessKey) {
		return false, ErrBadKey
	}
	if h.CapturedAt == 0 {
		h.CapturedAt = time.Now().UnixMilli()
	}
	h.Origin = strings.TrimSpace(h.Origin)

	res, err := dbopen.Exec(ctx, s.DB, `
		INSERT INTO receipt_headers (access_key, source_url, captured_at, origin)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(access_key) DO NOTHING`,
		h.AccessKey, h.SourceURL, h.CapturedAt, h.Origin,
	)
	if err != nil {
		return false, fmt.Errorf("store: register header: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: register header: %w", err)
	}
	return n == 1, nil
}

// GetHeader returns the header for key, or nil if unknown.
func (s *Store) GetHeader(ctx context.Context, key string) (*Header, error) {
	h := &Header{}
	err := s.DB.QueryRowContext(ctx, `
		SELECT access_key, source_url, captured_at, origin
		FROM receipt_headers WHERE access_key = ?`, key,
	).Scan(&h.AccessKey, &h.SourceURL, &h.CapturedAt, &h.Origin)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get header: %w", err)
	}
	return h, nil
}

// PendingHeaders returns headers without a detail row, oldest capture
// first. limit <= 0 means no limit.
func (s *Store) PendingHeaders(ctx context.Context, limit int) ([]Header, error) {
	q := `
		SELECT h.access_key, h.source_url, h.captured_at, h.origin
		FROM receipt_headers h
		LEFT JOIN receipt_details d ON d.access_key = h.access_key
		WHERE d.access_key IS NULL
		ORDER BY h.captured_at, h.access_key`
	var args []any
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: pending headers: %w", err)
	}
	defer rows.Close()

	var out []Header
	for rows.Next() {
		var h Header
		if err := rows.Scan(&h.AccessKey, &h.SourceURL, &h.CapturedAt, &h.Origin); err != nil {
			return nil, fmt.Errorf("store: pending headers: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// HasDetail reports whether key already has a detail row.
func (s *Store) HasDetail(ctx context.Context, key string) (bool, error) {
	var one int
	err := s.DB.QueryRowContext(ctx,
		`SELECT 1 FROM receipt_details WHERE access_key = ?`, key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: has detail: %w", err)
	}
	return true, nil
}

// SaveReceipt writes d and its items in one transaction. The detail is
// upserted by access key and items by (access key, line index); rows past
// the new item count are removed, so a re-scrape converges on the page.
func (s *Store) SaveReceipt(ctx context.Context, d *Detail, items []LineItem) error {
	if !accesskey.Valid(d.AccessKey) {
		return ErrBadKey
	}
	if d.ScrapedAt == 0 {
		d.ScrapedAt = time.Now().UnixMilli()
	}

	err := dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx,
			`SELECT 1 FROM receipt_headers WHERE access_key = ?`, d.AccessKey).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNoHeader
		}
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO receipt_details (access_key, sale_timestamp, payment_method, total_amount, scraped_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(access_key) DO UPDATE SET
				sale_timestamp = excluded.sale_timestamp,
				payment_method = excluded.payment_method,
				total_amount   = excluded.total_amount,
				scraped_at     = excluded.scraped_at`,
			d.AccessKey, nullStr(d.SaleTimestamp), nullStr(d.PaymentMethod), nullFloat(d.TotalAmount), d.ScrapedAt,
		); err != nil {
			return fmt.Errorf("upsert detail: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO line_items (access_key, line_index, product_name, quantity, unit_price, line_total)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(access_key, line_index) DO UPDATE SET
				product_name = excluded.product_name,
				quantity     = excluded.quantity,
				unit_price   = excluded.unit_price,
				line_total   = excluded.line_total`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for i, it := range items {
			if _, err := stmt.ExecContext(ctx,
				d.AccessKey, i, it.ProductName, nullFloat(it.Quantity), nullFloat(it.UnitPrice), nullFloat(it.LineTotal),
			); err != nil {
				return fmt.Errorf("upsert line %d: %w", i, err)
			}
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM line_items WHERE access_key = ? AND line_index >= ?`,
			d.AccessKey, len(items),
		); err != nil {
			return fmt.Errorf("trim lines: %w", err)
		}
		return nil
	})
	if errors.Is(err, ErrNoHeader) {
		return err
	}
	if err != nil {
		return fmt.Errorf("store: save receipt %s: %w", d.AccessKey, err)
	}
	return nil
}

// GetReceipt returns the full receipt for key, or nil if the key is unknown.
func (s *Store) GetReceipt(ctx context.Context, key string) (*Receipt, error) {
	h, err := s.GetHeader(ctx, key)
	if err != nil || h == nil {
		return nil, err
	}
	r := &Receipt{Header: *h, Items: []LineItem{}}

	d := &Detail{}
	var ts, pay sql.NullString
	var total sql.NullFloat64
	err = s.DB.QueryRowContext(ctx, `
		SELECT access_key, sale_timestamp, payment_method, total_amount, scraped_at
		FROM receipt_details WHERE access_key = ?`, key,
	).Scan(&d.AccessKey, &ts, &pay, &total, &d.ScrapedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return r, nil
	case err != nil:
		return nil, fmt.Errorf("store: get detail: %w", err)
	}
	d.SaleTimestamp, d.PaymentMethod, d.TotalAmount = strPtr(ts), strPtr(pay), floatPtr(total)
	r.Detail = d

	r.Items, err = s.LineItems(ctx, key)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// LineItems returns the items of key in page order.
func (s *Store) LineItems(ctx context.Context, key string) ([]LineItem, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT access_key, line_index, product_name, quantity, unit_price, line_total
		FROM line_items WHERE access_key = ? ORDER BY line_index`, key)
	if err != nil {
		return nil, fmt.Errorf("store: line items: %w", err)
	}
	defer rows.Close()

	items := []LineItem{}
	for rows.Next() {
		var it LineItem
		var q, u, tot sql.NullFloat64
		if err := rows.Scan(&it.AccessKey, &it.LineIndex, &it.ProductName, &q, &u, &tot); err != nil {
			return nil, fmt.Errorf("store: line items: %w", err)
		}
		it.Quantity, it.UnitPrice, it.LineTotal = floatPtr(q), floatPtr(u), floatPtr(tot)
		items = append(items, it)
	}
	return items, rows.Err()
}

// ClearHistory removes every header, detail, line item and scrape log row.
func (s *Store) ClearHistory(ctx context.Context) error {
	return dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		for _, table := range []string{"scrape_log", "line_items", "receipt_details", "receipt_headers"} {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
				return fmt.Errorf("store: clear %s: %w", table, err)
			}
		}
		return nil
	})
}
