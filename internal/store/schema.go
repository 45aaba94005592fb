package store

// Schema contains the complete DDL for the receipt tables.
const Schema = `
-- One row per access key, written by the capture pass. Never updated.
CREATE TABLE IF NOT EXISTS receipt_headers (
    access_key  TEXT PRIMARY KEY CHECK (length(access_key) = 44),
    source_url  TEXT NOT NULL,
    captured_at INTEGER NOT NULL,
    origin      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_headers_captured ON receipt_headers(captured_at);

-- Scraped receipt totals, at most one per header.
CREATE TABLE IF NOT EXISTS receipt_details (
    access_key     TEXT PRIMARY KEY,
    sale_timestamp TEXT,
    payment_method TEXT,
    total_amount   REAL,
    scraped_at     INTEGER NOT NULL,
    FOREIGN KEY (access_key) REFERENCES receipt_headers(access_key) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_details_sale ON receipt_details(sale_timestamp);
CREATE INDEX IF NOT EXISTS idx_details_payment ON receipt_details(payment_method);

-- Product rows in page order; (access_key, line_index) is the identity.
CREATE TABLE IF NOT EXISTS line_items (
    access_key   TEXT NOT NULL,
    line_index   INTEGER NOT NULL CHECK (line_index >= 0),
    product_name TEXT NOT NULL DEFAULT '',
    quantity     REAL,
    unit_price   REAL,
    line_total   REAL,
    PRIMARY KEY (access_key, line_index),
    FOREIGN KEY (access_key) REFERENCES receipt_headers(access_key) ON DELETE CASCADE
);

-- Scrape attempts and outcomes, including field-level parse issues.
CREATE TABLE IF NOT EXISTS scrape_log (
    id          TEXT PRIMARY KEY,
    access_key  TEXT NOT NULL,
    attempt     INTEGER NOT NULL DEFAULT 0,
    state       TEXT NOT NULL,
    error_class TEXT NOT NULL DEFAULT '',
    message     TEXT NOT NULL DEFAULT '',
    duration_ms INTEGER NOT NULL DEFAULT 0,
    created_at  INTEGER NOT NULL,
    FOREIGN KEY (access_key) REFERENCES receipt_headers(access_key) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_scrape_log_key ON scrape_log(access_key, created_at);
`
