package qrdecode

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"

	"github.com/hazyhaar/nfce/connectivity"
	"github.com/hazyhaar/nfce/horosafe"
)

// RemoteConfig configures the fallback decode service.
type RemoteConfig struct {
	URL       string        `yaml:"url"`
	FileField string        `yaml:"file_field"` // multipart field name, default "file"
	JSONPath  string        `yaml:"json_path"`  // gjson path to the text, default "0.symbol.0.data"
	Selector  string        `yaml:"selector"`   // goquery selector for HTML answers, default "pre"
	Timeout   time.Duration `yaml:"timeout"`    // default 15s

	BreakerThreshold int           `yaml:"breaker_threshold"` // default 3
	BreakerReset     time.Duration `yaml:"breaker_reset"`     // default 1m
}

func (c *RemoteConfig) defaults() {
	if c.FileField == "" {
		c.FileField = "file"
	}
	if c.JSONPath == "" {
		c.JSONPath = "0.symbol.0.data"
	}
	if c.Selector == "" {
		c.Selector = "pre"
	}
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 3
	}
	if c.BreakerReset <= 0 {
		c.BreakerReset = time.Minute
	}
}

// Remote posts the image to an external decode service. The call runs
// through a connectivity chain (logging, circuit breaker, timeout) so a
// dead service costs one timeout per breaker window, not one per photo.
type Remote struct {
	cfg     RemoteConfig
	client  *resty.Client
	breaker *connectivity.CircuitBreaker
	call    connectivity.Handler
}

// NewRemote builds the remote strategy. The client may be nil.
func NewRemote(cfg RemoteConfig, client *resty.Client, logger *slog.Logger) (*Remote, error) {
	cfg.defaults()
	if _, err := horosafe.CheckScheme(cfg.URL); err != nil {
		return nil, fmt.Errorf("qrdecode: remote url: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if client == nil {
		client = resty.New()
	}
	client.SetHeader("Accept", "application/json, text/html;q=0.9")

	r := &Remote{
		cfg:    cfg,
		client: client,
		breaker: connectivity.NewCircuitBreaker(
			connectivity.WithBreakerThreshold(cfg.BreakerThreshold),
			connectivity.WithBreakerResetTimeout(cfg.BreakerReset),
		),
	}
	r.call = connectivity.Chain(
		connectivity.Recovery(logger),
		connectivity.Logging(logger, "qr-decode"),
		connectivity.WithCircuitBreaker(r.breaker, "qr-decode"),
		connectivity.Timeout(cfg.Timeout, "qr-decode"),
	)(r.post)
	return r, nil
}

func (r *Remote) Name() string { return StrategyRemote }

// Breaker exposes the circuit state for health reporting.
func (r *Remote) Breaker() *connectivity.CircuitBreaker { return r.breaker }

func (r *Remote) Decode(ctx context.Context, image []byte) (string, error) {
	if len(image) == 0 {
		return "", fmt.Errorf("%w: empty input", ErrBadImage)
	}
	out, err := r.call(ctx, image)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// post performs one multipart upload and extracts the decoded field. An
// answer without the field is a miss, not an error: the service worked.
func (r *Remote) post(ctx context.Context, image []byte) ([]byte, error) {
	res, err := r.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		SetFileReader(r.cfg.FileField, "receipt.jpg", bytes.NewReader(image)).
		Post(r.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("qrdecode: remote post: %w", err)
	}
	body := res.RawBody()
	defer body.Close()

	data, err := horosafe.LimitedReadAll(body, horosafe.MaxResponseBody)
	if err != nil {
		return nil, fmt.Errorf("qrdecode: remote read: %w", err)
	}
	if res.StatusCode() >= http.StatusInternalServerError {
		return nil, fmt.Errorf("qrdecode: remote status %d", res.StatusCode())
	}
	if res.StatusCode() >= http.StatusBadRequest {
		// 4xx means the service rejected this image; other images may work.
		return nil, nil
	}
	return []byte(r.extract(res.Header().Get("Content-Type"), data)), nil
}

// extract reads the decoded text from a JSON or HTML answer.
func (r *Remote) extract(contentType string, body []byte) string {
	trimmed := bytes.TrimSpace(body)
	if strings.Contains(contentType, "json") || (len(trimmed) > 0 && (trimmed[0] == '[' || trimmed[0] == '{')) {
		if !gjson.ValidBytes(trimmed) {
			return ""
		}
		v := gjson.GetBytes(trimmed, r.cfg.JSONPath)
		if v.Type != gjson.String {
			return ""
		}
		return strings.TrimSpace(v.String())
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(doc.Find(r.cfg.Selector).First().Text())
}
