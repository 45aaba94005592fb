// CLAUDE:SUMMARY Detail scrape pass: pending scan, worker pool, bounded retry with exponential backoff, normalize and persist.
// Package scraper runs the detail pass. For every header without a detail
// row it drives a DetailExtractor through the page states, retries failed
// attempts from NAVIGATE with exponential backoff, normalizes the raw
// strings and writes detail and line items in one transaction. A receipt
// that exhausts its attempts is logged and the batch moves on.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/hazyhaar/nfce/internal/store"
	"github.com/hazyhaar/nfce/layout"
	"github.com/hazyhaar/nfce/normalize"
)

// Store is the persistence the scraper needs.
type Store interface {
	PendingHeaders(ctx context.Context, limit int) ([]store.Header, error)
	HasDetail(ctx context.Context, key string) (bool, error)
	SaveReceipt(ctx context.Context, d *store.Detail, items []store.LineItem) error
	LogAttempt(ctx context.Context, a *store.Attempt) error
}

// Config tunes the pass.
type Config struct {
	Attempts       int           `yaml:"attempts"`        // per receipt, default 3
	BackoffInitial time.Duration `yaml:"backoff_initial"` // default 2s
	BackoffMax     time.Duration `yaml:"backoff_max"`     // default 30s
	Workers        int           `yaml:"workers"`         // default 1
	Limit          int           `yaml:"limit"`           // max receipts per pass, 0 = all
}

func (c *Config) defaults() {
	if c.Attempts <= 0 {
		c.Attempts = 3
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = 2 * time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
}

// Scraper runs detail passes. Safe to reuse across passes, not to run two
// passes concurrently on one instance.
type Scraper struct {
	store   Store
	factory Factory
	cfg     Config
	logger  *slog.Logger
}

// New creates a Scraper.
func New(st Store, factory Factory, cfg Config, logger *slog.Logger) *Scraper {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Scraper{store: st, factory: factory, cfg: cfg, logger: logger}
}

// Run scrapes every pending header. It returns an error only when the pass
// cannot start (pending scan or extractor construction failed); per-receipt
// failures are in the report. On cancellation the report marks unprocessed
// receipts cancelled and ctx.Err() is returned alongside it.
func (s *Scraper) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	pending, err := s.store.PendingHeaders(ctx, s.cfg.Limit)
	if err != nil {
		return nil, fmt.Errorf("scraper: pending headers: %w", err)
	}
	return s.run(ctx, pending, start, false)
}

// RunHeaders scrapes the given headers, pending or not. Used to re-scrape
// a receipt whose detail is already stored.
func (s *Scraper) RunHeaders(ctx context.Context, headers []store.Header) (*Report, error) {
	return s.run(ctx, headers, time.Now(), true)
}

func (s *Scraper) run(ctx context.Context, headers []store.Header, start time.Time, force bool) (*Report, error) {
	report := &Report{Outcomes: make([]Outcome, len(headers))}
	if len(headers) == 0 {
		report.Duration = time.Since(start)
		return report, nil
	}

	workers := min(s.cfg.Workers, len(headers))
	extractors := make([]DetailExtractor, 0, workers)
	defer func() {
		for _, ex := range extractors {
			if err := ex.Close(); err != nil {
				s.logger.Warn("scraper: close extractor", "error", err)
			}
		}
	}()
	for range workers {
		ex, err := s.factory(ctx)
		if err != nil {
			return nil, fmt.Errorf("scraper: build extractor: %w", err)
		}
		extractors = append(extractors, ex)
	}

	s.logger.Info("scraper: pass started", "receipts", len(headers), "workers", workers)

	jobs := make(chan int)
	var wg sync.WaitGroup
	for _, ex := range extractors {
		wg.Add(1)
		go func(ex DetailExtractor) {
			defer wg.Done()
			for i := range jobs {
				report.Outcomes[i] = s.process(ctx, ex, headers[i], force)
			}
		}(ex)
	}

	dispatched := 0
dispatch:
	for i := range headers {
		select {
		case <-ctx.Done():
			break dispatch
		case jobs <- i:
			dispatched++
		}
	}
	close(jobs)
	wg.Wait()

	for i := dispatched; i < len(headers); i++ {
		report.Outcomes[i] = Outcome{AccessKey: headers[i].AccessKey, State: StateCancelled, ErrorClass: ClassCancelled}
	}

	report.tally()
	report.Duration = time.Since(start)
	s.logger.Info("scraper: pass finished",
		"total", report.Total, "succeeded", report.Succeeded, "failed", report.Failed,
		"store_errors", report.StoreErrors, "skipped", report.Skipped, "cancelled", report.Cancelled,
		"duration_ms", report.Duration.Milliseconds())

	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}

// process takes one header through the state machine.
func (s *Scraper) process(ctx context.Context, ex DetailExtractor, h store.Header, force bool) Outcome {
	start := time.Now()
	out := Outcome{AccessKey: h.AccessKey, State: StateStart}
	log := s.logger.With("access_key", h.AccessKey)

	if ctx.Err() != nil {
		out.State, out.ErrorClass = StateCancelled, ClassCancelled
		return out
	}

	if !force {
		done, err := s.store.HasDetail(ctx, h.AccessKey)
		if err != nil {
			log.Warn("scraper: precondition check failed", "error", err)
		} else if done {
			out.State = StateSkipped
			return out
		}
	}

	raw, attempts, err := s.extract(ctx, ex, h, log)
	out.Attempts = attempts
	out.Duration = time.Since(start)
	if err != nil {
		out.ErrorClass = Classify(err)
		out.Error = err.Error()
		if ctx.Err() != nil {
			out.ErrorClass = ClassCancelled
			out.State = StateCancelled
			s.logAttempt(ctx, log, h.AccessKey, attempts, StateCancelled, ClassCancelled, err.Error(), out.Duration)
			return out
		}
		out.State = StateFailed
		log.Error("scraper: receipt failed", "attempts", attempts, "class", out.ErrorClass, "error", err)
		s.logAttempt(ctx, log, h.AccessKey, attempts, StateFailed, out.ErrorClass, err.Error(), out.Duration)
		return out
	}

	detail, items, issues := ToRecords(h.AccessKey, raw)
	out.Items = len(items)
	out.Issues = issues
	for _, is := range issues {
		log.Warn("scraper: field not normalized", "field", is.Field, "raw", is.Raw, "error", is.Err)
	}

	if err := s.store.SaveReceipt(ctx, detail, items); err != nil {
		out.State, out.ErrorClass, out.Error = StateStoreError, ClassStore, err.Error()
		out.Duration = time.Since(start)
		log.Error("scraper: save failed, receipt stays pending", "error", err)
		s.logAttempt(ctx, log, h.AccessKey, attempts, StateStoreError, ClassStore, err.Error(), out.Duration)
		return out
	}

	out.State = StateSuccess
	out.Duration = time.Since(start)
	var class ErrorClass
	var msg string
	if len(issues) > 0 {
		class = ClassParse
		parts := make([]string, len(issues))
		for i, is := range issues {
			parts[i] = is.String()
		}
		msg = strings.Join(parts, "; ")
	}
	s.logAttempt(ctx, log, h.AccessKey, attempts, StateSuccess, class, msg, out.Duration)
	log.Info("scraper: receipt saved", "items", len(items), "attempts", attempts, "issues", len(issues))
	return out
}

// extract runs up to cfg.Attempts attempts with exponential backoff between
// them. Every retried failure is written to the scrape log.
func (s *Scraper) extract(ctx context.Context, ex DetailExtractor, h store.Header, log *slog.Logger) (*layout.RawReceipt, int, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = s.cfg.BackoffInitial
	eb.MaxInterval = s.cfg.BackoffMax
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(s.cfg.Attempts-1)), ctx)

	var (
		raw      *layout.RawReceipt
		attempts int
		began    time.Time
	)
	op := func() error {
		attempts++
		began = time.Now()
		r, err := ex.Extract(ctx, h.SourceURL)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			if Classify(err) == ClassUnsafeURL {
				return backoff.Permanent(err)
			}
			return err
		}
		if r == nil {
			return Fail(StateExtract, ClassMissingElement, errors.New("extractor returned no receipt"))
		}
		raw = r
		return nil
	}
	notify := func(err error, wait time.Duration) {
		class := Classify(err)
		log.Warn("scraper: attempt failed, retrying",
			"attempt", attempts, "state", stateOf(err), "class", class, "retry_in", wait, "error", err)
		s.logAttempt(ctx, log, h.AccessKey, attempts, StateRetry, class,
			fmt.Sprintf("%s: %v", stateOf(err), err), time.Since(began))
	}

	err := backoff.RetryNotify(op, policy, notify)
	if err != nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	return raw, attempts, err
}

func (s *Scraper) logAttempt(ctx context.Context, log *slog.Logger, key string, attempt int, state State, class ErrorClass, msg string, d time.Duration) {
	err := s.store.LogAttempt(context.WithoutCancel(ctx), &store.Attempt{
		AccessKey:  key,
		Attempt:    attempt,
		State:      string(state),
		ErrorClass: string(class),
		Message:    msg,
		DurationMs: d.Milliseconds(),
	})
	if err != nil {
		log.Warn("scraper: scrape log write failed", "error", err)
	}
}

// ToRecords normalizes a raw receipt into store rows and the list of
// fields that did not parse.
func ToRecords(key string, raw *layout.RawReceipt) (*store.Detail, []store.LineItem, []normalize.Issue) {
	var c normalize.Collector
	d := &store.Detail{
		AccessKey:     key,
		SaleTimestamp: c.SaleTime("sale_timestamp", raw.Emission),
		PaymentMethod: normalize.Payment(raw.Payment),
		TotalAmount:   c.Decimal("total_amount", raw.Total),
	}
	items := make([]store.LineItem, len(raw.Items))
	for i, it := range raw.Items {
		prefix := fmt.Sprintf("items[%d].", i)
		items[i] = store.LineItem{
			AccessKey:   key,
			LineIndex:   i,
			ProductName: normalize.Name(it.Name),
			Quantity:    c.Decimal(prefix+"quantity", it.Quantity),
			UnitPrice:   c.Decimal(prefix+"unit_price", it.UnitPrice),
			LineTotal:   c.Decimal(prefix+"line_total", it.LineTotal),
		}
	}
	return d, items, c.Issues
}
