// CLAUDE:SUMMARY Service orchestrator: wires store, decode chain and scraper; capture pass, scrape pass, queries and history reset.
// Package nfce wires the receipt pipeline together.
//
// The capture pass turns an image (or already decoded QR text) into a
// registered header:
//
//	image → qrdecode.Chain → text → accesskey.Extract → store.RegisterHeader
//
// The scrape pass fills in details for every header that lacks one:
//
//	store.PendingHeaders → scraper (DetailExtractor) → normalize → store.SaveReceipt
//
// The two passes share nothing but the SQLite store. Both record counters
// in the store's metrics_timeseries table; operator actions (history reset,
// forced rescrape) land in audit_log.
//
// Usage:
//
//	svc, err := nfce.New(cfg, logger)
//	defer svc.Close()
//	res, err := svc.Capture(ctx, image, "upload")
//	report, err := svc.ScrapePending(ctx)
//	svc.RegisterMCP(mcpServer)
//	http.ListenAndServe(addr, svc.Handler())
package nfce

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/hazyhaar/nfce/accesskey"
	"github.com/hazyhaar/nfce/connectivity"
	"github.com/hazyhaar/nfce/dbopen"
	"github.com/hazyhaar/nfce/horosafe"
	"github.com/hazyhaar/nfce/internal/store"
	"github.com/hazyhaar/nfce/kit"
	"github.com/hazyhaar/nfce/observability"
	"github.com/hazyhaar/nfce/qrdecode"
	"github.com/hazyhaar/nfce/scraper"
	"github.com/hazyhaar/nfce/scraper/rodextract"
	"github.com/hazyhaar/nfce/trace"
	"github.com/hazyhaar/nfce/vtq"
	"github.com/hazyhaar/nfce/watch"
)

var (
	// ErrInvalidKey is returned when a lookup key is not 44 digits.
	ErrInvalidKey = errors.New("nfce: access key must be 44 digits")
	// ErrNotFound is returned when a key has no header.
	ErrNotFound = errors.New("nfce: receipt not found")
	// ErrScrapeRunning is returned when a scrape pass is already in progress,
	// in this process or in another one sharing the database.
	ErrScrapeRunning = errors.New("nfce: scrape pass already running")
)

// CaptureStatus is the outcome of a capture.
type CaptureStatus string

const (
	StatusRegistered   CaptureStatus = "registered"
	StatusAlreadyKnown CaptureStatus = "already_known"
	StatusNoCode       CaptureStatus = "no_code"
	StatusNoKey        CaptureStatus = "no_key"
)

// CaptureResult reports what a capture did. Only StatusRegistered wrote a row.
type CaptureResult struct {
	Status    CaptureStatus    `json:"status"`
	AccessKey string           `json:"access_key,omitempty"`
	SourceURL string           `json:"source_url,omitempty"`
	Text      string           `json:"text,omitempty"`
	Decode    *qrdecode.Result `json:"decode,omitempty"`
}

// Service is the receipt pipeline.
type Service struct {
	store   *store.Store
	decoder *qrdecode.Chain
	remote  *qrdecode.Remote
	scraper *scraper.Scraper
	config  *Config
	logger  *slog.Logger
	metrics *observability.MetricsManager
	audit   *observability.AuditLogger
	lease   *vtq.Q

	closeStore bool
	scrapeMu   sync.Mutex
}

type options struct {
	store   *store.Store
	decoder *qrdecode.Chain
	factory scraper.Factory
	client  *resty.Client
}

// Option customises New.
type Option func(*options)

// WithStore uses an already opened store. The service does not close it.
func WithStore(s *store.Store) Option { return func(o *options) { o.store = s } }

// WithDecoder replaces the configured decode chain.
func WithDecoder(c *qrdecode.Chain) Option { return func(o *options) { o.decoder = c } }

// WithExtractorFactory replaces the go-rod extractors used by the scrape pass.
func WithExtractorFactory(f scraper.Factory) Option { return func(o *options) { o.factory = f } }

// WithHTTPClient sets the resty client used by the remote decode strategy.
func WithHTTPClient(c *resty.Client) Option { return func(o *options) { o.client = c } }

// New builds a Service. Unless WithStore is given it opens cfg.DBPath; a
// failure there is the one startup error callers should treat as fatal.
func New(cfg *Config, logger *slog.Logger, opts ...Option) (*Service, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	svc := &Service{config: cfg, logger: logger}

	decoder := o.decoder
	if decoder == nil {
		if cfg.Decode.Remote.URL != "" {
			r, err := qrdecode.NewRemote(cfg.Decode.Remote, o.client, logger)
			if err != nil {
				return nil, err
			}
			svc.remote = r
		}
		var err error
		decoder, err = qrdecode.Build(cfg.Decode.Strategies, svc.remote, logger)
		if err != nil {
			return nil, err
		}
	}
	svc.decoder = decoder

	factory := o.factory
	if factory == nil {
		factory = rodextract.Factory(cfg.Browser, cfg.Page, logger)
	}

	st := o.store
	if st == nil {
		var err error
		var dbOpts []dbopen.Option
		if cfg.TraceSQL {
			trace.SetLogger(logger)
			dbOpts = append(dbOpts, dbopen.WithDriver(trace.DriverName))
		}
		st, err = store.Open(cfg.DBPath, dbOpts...)
		if err != nil {
			return nil, fmt.Errorf("nfce: open store: %w", err)
		}
		svc.closeStore = true
	}
	svc.store = st
	if err := observability.Init(st.DB); err != nil {
		if svc.closeStore {
			st.Close()
		}
		return nil, fmt.Errorf("nfce: observability schema: %w", err)
	}
	svc.metrics = observability.NewMetricsManager(st.DB, 100, cfg.Observe.MetricsFlush, logger)
	svc.audit = observability.NewAuditLogger(st.DB)
	svc.lease = vtq.New(st.DB, vtq.Options{Queue: "scrape", Visibility: cfg.ScrapeLease, Logger: logger})
	if err := svc.initLease(); err != nil {
		svc.metrics.Close()
		if svc.closeStore {
			st.Close()
		}
		return nil, fmt.Errorf("nfce: scrape lease: %w", err)
	}
	svc.scraper = scraper.New(st, factory, cfg.Scrape, logger)
	return svc, nil
}

// Close flushes pending metrics and releases the store when the service
// opened it.
func (s *Service) Close() error {
	s.metrics.Close()
	if s.closeStore {
		return s.store.Close()
	}
	return nil
}

// Store returns the underlying store for direct access (testing, admin).
func (s *Service) Store() *store.Store { return s.store }

// Logger returns the service logger.
func (s *Service) Logger() *slog.Logger { return s.logger }

// Capture decodes image and registers the access key it carries. Decode
// misses, key misses and known keys are results, not errors; only a
// store failure (or an oversized image) is returned as an error.
func (s *Service) Capture(ctx context.Context, image []byte, origin string) (*CaptureResult, error) {
	if int64(len(image)) > horosafe.MaxImageBytes {
		return nil, fmt.Errorf("nfce: image of %d bytes: %w", len(image), horosafe.ErrTooLarge)
	}
	dec := s.decoder.Decode(ctx, image)
	for _, a := range dec.Attempts {
		s.metrics.Count(observability.MetricDecodeAttempt, "strategy", a.Strategy, "outcome", string(a.Outcome))
	}
	if !dec.Found() {
		s.logger.Info("nfce: no code detected", "bytes", len(image), "strategies", s.decoder.Names())
		s.countCapture(StatusNoCode)
		return &CaptureResult{Status: StatusNoCode, Decode: dec}, nil
	}
	res, err := s.CaptureText(ctx, dec.Text, origin)
	if err != nil {
		return nil, err
	}
	res.Decode = dec
	return res, nil
}

// CaptureText registers the access key found in already decoded QR text.
// The trimmed text is kept verbatim as the source URL.
func (s *Service) CaptureText(ctx context.Context, text, origin string) (*CaptureResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		s.countCapture(StatusNoCode)
		return &CaptureResult{Status: StatusNoCode}, nil
	}
	key, ok := accesskey.Extract(text)
	if !ok {
		s.logger.Info("nfce: no valid key in decoded text", "text", text)
		s.countCapture(StatusNoKey)
		return &CaptureResult{Status: StatusNoKey, Text: text}, nil
	}
	if origin == "" {
		origin = kit.GetOrigin(ctx)
	}

	h := &store.Header{AccessKey: key, SourceURL: text, Origin: origin}
	created, err := s.store.RegisterHeader(ctx, h)
	if err != nil {
		return nil, fmt.Errorf("nfce: capture %s: %w", key, err)
	}
	res := &CaptureResult{Status: StatusAlreadyKnown, AccessKey: key, SourceURL: text, Text: text}
	if created {
		res.Status = StatusRegistered
		s.logger.Info("nfce: receipt registered", "access_key", key, "origin", origin)
	} else {
		s.logger.Info("nfce: receipt already registered", "access_key", key)
	}
	s.countCapture(res.Status)
	return res, nil
}

func (s *Service) countCapture(st CaptureStatus) {
	s.metrics.Count(observability.MetricCaptureTotal, "status", string(st))
}

// ScrapePending runs one detail pass over every header without a detail.
// Only one pass runs at a time per service.
func (s *Service) ScrapePending(ctx context.Context) (*scraper.Report, error) {
	if !s.scrapeMu.TryLock() {
		return nil, ErrScrapeRunning
	}
	defer s.scrapeMu.Unlock()

	var report *scraper.Report
	err := s.lease.Hold(ctx, func(ctx context.Context) error {
		var err error
		report, err = s.scraper.Run(ctx)
		return err
	})
	if errors.Is(err, vtq.ErrBusy) {
		return nil, ErrScrapeRunning
	}
	s.recordReport(report)
	return report, err
}

const leaseID = "pass"

func (s *Service) initLease() error {
	ctx := context.Background()
	if err := s.lease.EnsureTable(ctx); err != nil {
		return err
	}
	return s.lease.Publish(ctx, leaseID, nil)
}

// Rescrape scrapes key again even if it already has a detail. Detail and
// items are replaced in place.
func (s *Service) Rescrape(ctx context.Context, key string) (*scraper.Report, error) {
	h, err := s.header(ctx, key)
	if err != nil {
		return nil, err
	}
	if !s.scrapeMu.TryLock() {
		return nil, ErrScrapeRunning
	}
	defer s.scrapeMu.Unlock()

	start := time.Now()
	var report *scraper.Report
	err = s.lease.Hold(ctx, func(ctx context.Context) error {
		var err error
		report, err = s.scraper.RunHeaders(ctx, []store.Header{*h})
		return err
	})
	if errors.Is(err, vtq.ErrBusy) {
		return nil, ErrScrapeRunning
	}
	s.recordReport(report)
	var result any
	if report != nil && len(report.Outcomes) == 1 {
		o := report.Outcomes[0]
		result = map[string]any{"state": o.State, "attempts": o.Attempts, "items": o.Items}
	}
	s.auditLog(ctx, "rescrape", map[string]string{"access_key": key}, result, err, time.Since(start))
	return report, err
}

// WatchCaptures blocks until ctx is done, starting a scrape pass once
// captures have been quiet for debounce. A pass that cannot start (another
// one is running) or fails is retried on the next poll.
func (s *Service) WatchCaptures(ctx context.Context, interval, debounce time.Duration) {
	w := watch.New(s.store.DB, watch.Options{
		Interval: interval,
		Debounce: debounce,
		Detector: watch.MaxColumn("receipt_headers", "captured_at"),
		Logger:   s.logger,
	})
	w.Run(ctx, func(ctx context.Context) error {
		_, err := s.ScrapePending(kit.WithTransport(ctx, "watch"))
		return err
	})
}

// recordReport turns a scrape pass into metrics. A nil report (the pass
// never started) records nothing.
func (s *Service) recordReport(r *scraper.Report) {
	if r == nil {
		return
	}
	s.metrics.Add(observability.MetricScrapePassDuration, float64(r.Duration.Milliseconds()), "milliseconds")
	for _, o := range r.Outcomes {
		state := string(o.State)
		s.metrics.Count(observability.MetricScrapeOutcome, "state", state, "error_class", string(o.ErrorClass))
		s.metrics.Add(observability.MetricScrapeAttempts, float64(o.Attempts), "count", "state", state)
		if o.Items > 0 {
			s.metrics.Add(observability.MetricScrapeItems, float64(o.Items), "count")
		}
		for _, is := range o.Issues {
			s.metrics.Count(observability.MetricNormalizeIssue, "field", is.Field)
		}
	}
}

// ClearHistory deletes every header, detail, item and scrape log row.
// Metrics and the audit trail are kept.
func (s *Service) ClearHistory(ctx context.Context) error {
	start := time.Now()
	before, err := s.store.Stats(ctx)
	if err != nil {
		s.logger.Warn("nfce: stats before clear", "error", err)
	}
	err = s.store.ClearHistory(ctx)
	s.auditLog(ctx, "clear_history", nil, before, err, time.Since(start))
	if err != nil {
		return err
	}
	s.logger.Warn("nfce: history cleared", "transport", kit.GetTransport(ctx))
	return nil
}

func (s *Service) auditLog(ctx context.Context, op string, params, result any, err error, d time.Duration) {
	if aerr := s.audit.Record(ctx, op, params, result, err, d); aerr != nil {
		s.logger.Error("nfce: audit write failed", "operation", op, "error", aerr)
	}
}

// Metrics returns per-label metric totals recorded since since (nil for all).
// Buffered datapoints are flushed first.
func (s *Service) Metrics(ctx context.Context, since *time.Time) ([]observability.Total, error) {
	s.metrics.Flush()
	return s.metrics.Totals(ctx, since)
}

// AuditLog returns operator actions, newest first.
func (s *Service) AuditLog(ctx context.Context, f observability.AuditFilter) ([]observability.AuditEntry, error) {
	return s.audit.Query(ctx, f)
}

// Prune deletes metrics and audit entries older than the configured
// retention. A zero retention keeps everything.
func (s *Service) Prune(ctx context.Context) error {
	days := s.config.Observe.RetentionDays
	if days <= 0 {
		return nil
	}
	m, err := s.metrics.Cleanup(ctx, days)
	if err != nil {
		return err
	}
	a, err := s.audit.Cleanup(ctx, days)
	if err != nil {
		return err
	}
	s.logger.Info("nfce: observability pruned", "metrics", m, "audit", a, "retention_days", days)
	return nil
}

// ListReceipts lists receipts, newest capture first.
func (s *Service) ListReceipts(ctx context.Context, f store.ListFilter) ([]store.ReceiptSummary, error) {
	return s.store.ListReceipts(ctx, f)
}

// GetReceipt returns the header, detail and items of key.
func (s *Service) GetReceipt(ctx context.Context, key string) (*store.Receipt, error) {
	if !accesskey.Valid(key) {
		return nil, ErrInvalidKey
	}
	r, err := s.store.GetReceipt(ctx, key)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, ErrNotFound
	}
	return r, nil
}

// Attempts returns the scrape log of key.
func (s *Service) Attempts(ctx context.Context, key string) ([]store.Attempt, error) {
	if _, err := s.header(ctx, key); err != nil {
		return nil, err
	}
	return s.store.Attempts(ctx, key)
}

// Summary computes the sales report.
func (s *Service) Summary(ctx context.Context, f store.SummaryFilter) (*store.Summary, error) {
	return s.store.Summary(ctx, f)
}

// PaymentMethods lists the distinct payment methods seen.
func (s *Service) PaymentMethods(ctx context.Context) ([]string, error) {
	return s.store.PaymentMethods(ctx)
}

// Stats returns row counts.
func (s *Service) Stats(ctx context.Context) (*store.Stats, error) {
	return s.store.Stats(ctx)
}

// Health reports store reachability, the decode strategy order and, when a
// remote decoder is configured, its circuit state.
type Health struct {
	Status     string   `json:"status"`
	Store      string   `json:"store"`
	Strategies []string `json:"strategies"`
	Remote     string   `json:"remote_decoder,omitempty"`
}

// Health checks the store and decoder.
func (s *Service) Health(ctx context.Context) *Health {
	h := &Health{Status: "ok", Store: "ok", Strategies: s.decoder.Names()}
	if err := s.store.DB.PingContext(ctx); err != nil {
		h.Status, h.Store = "degraded", err.Error()
	}
	if s.remote != nil {
		h.Remote = s.remote.Breaker().State().String()
		if s.remote.Breaker().State() == connectivity.BreakerOpen {
			h.Status = "degraded"
		}
	}
	return h
}

func (s *Service) header(ctx context.Context, key string) (*store.Header, error) {
	if !accesskey.Valid(key) {
		return nil, ErrInvalidKey
	}
	h, err := s.store.GetHeader(ctx, key)
	if err != nil {
		return nil, err
	}
	if h == nil {
		return nil, ErrNotFound
	}
	return h, nil
}
