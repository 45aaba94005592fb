package nfce

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hazyhaar/nfce/internal/store"
	"github.com/hazyhaar/nfce/observability"
)

func do(t *testing.T, h http.Handler, method, path string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	if body == nil {
		body = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func multipartImage(t *testing.T, origin string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("image", "receipt.jpg")
	if err != nil {
		t.Fatal(err)
	}
	fw.Write([]byte("not really a jpeg"))
	if origin != "" {
		mw.WriteField("origin", origin)
	}
	mw.Close()
	return &buf, mw.FormDataContentType()
}

func TestHTTP_CaptureImage(t *testing.T) {
	svc := testService(t, testURL, newFixtureExtractor(t))
	h := svc.Handler()

	body, ct := multipartImage(t, "photo")
	rec := do(t, h, http.MethodPost, "/captures", body, ct)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	res := decodeBody[CaptureResult](t, rec)
	if res.AccessKey != testKey || res.Status != StatusRegistered {
		t.Fatalf("result: %+v", res)
	}

	body, ct = multipartImage(t, "")
	rec = do(t, h, http.MethodPost, "/captures", body, ct)
	if rec.Code != http.StatusOK {
		t.Fatalf("second capture status %d", rec.Code)
	}
	if decodeBody[CaptureResult](t, rec).Status != StatusAlreadyKnown {
		t.Fatalf("second capture: %s", rec.Body)
	}
}

func TestHTTP_CaptureImageNoCode(t *testing.T) {
	svc := testService(t, "", newFixtureExtractor(t))
	body, ct := multipartImage(t, "")
	rec := do(t, svc.Handler(), http.MethodPost, "/captures", body, ct)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status %d", rec.Code)
	}
	if decodeBody[CaptureResult](t, rec).Status != StatusNoCode {
		t.Fatalf("body: %s", rec.Body)
	}
}

func TestHTTP_CaptureTextAndQueries(t *testing.T) {
	svc := testService(t, "", newFixtureExtractor(t))
	h := svc.Handler()

	payload, _ := json.Marshal(captureTextRequest{Text: testURL})
	rec := do(t, h, http.MethodPost, "/captures/text", bytes.NewBuffer(payload), "application/json")
	if rec.Code != http.StatusCreated {
		t.Fatalf("capture status %d: %s", rec.Code, rec.Body)
	}
	hdr, _ := svc.Store().GetHeader(t.Context(), testKey)
	if hdr.Origin != "api" {
		t.Fatalf("origin: %q", hdr.Origin)
	}

	rec = do(t, h, http.MethodGet, "/receipts?status=pending", nil, "")
	if list := decodeBody[[]store.ReceiptSummary](t, rec); len(list) != 1 || list[0].Scraped {
		t.Fatalf("pending list: %s", rec.Body)
	}

	rec = do(t, h, http.MethodPost, "/scrape", nil, "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"succeeded":1`) {
		t.Fatalf("scrape %d: %s", rec.Code, rec.Body)
	}

	rec = do(t, h, http.MethodGet, "/receipts/"+testKey, nil, "")
	r := decodeBody[store.Receipt](t, rec)
	if r.Detail == nil || len(r.Items) != 2 {
		t.Fatalf("receipt: %s", rec.Body)
	}

	rec = do(t, h, http.MethodGet, "/receipts/"+testKey+"/attempts", nil, "")
	if attempts := decodeBody[[]store.Attempt](t, rec); len(attempts) != 1 || attempts[0].State != "success" {
		t.Fatalf("attempts: %s", rec.Body)
	}

	rec = do(t, h, http.MethodGet, "/report?from=2024-03-01&to=2024-03-31", nil, "")
	sum := decodeBody[store.Summary](t, rec)
	if sum.Transactions != 1 || sum.TotalSales != 58.43 {
		t.Fatalf("report: %s", rec.Body)
	}

	rec = do(t, h, http.MethodGet, "/stats", nil, "")
	if st := decodeBody[store.Stats](t, rec); st.Headers != 1 || st.Details != 1 || st.Pending != 0 {
		t.Fatalf("stats: %s", rec.Body)
	}
}

func TestHTTP_ReceiptErrors(t *testing.T) {
	h := testService(t, "", newFixtureExtractor(t)).Handler()

	if rec := do(t, h, http.MethodGet, "/receipts/123", nil, ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad key: %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/receipts/"+testKey, nil, ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown key: %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/receipts/"+testKey+"/scrape", nil, ""); rec.Code != http.StatusNotFound {
		t.Errorf("rescrape unknown key: %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/receipts?status=bogus", nil, ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad status filter: %d", rec.Code)
	}
}

func TestHTTP_ClearNeedsConfirm(t *testing.T) {
	svc := testService(t, "", newFixtureExtractor(t))
	h := svc.Handler()
	svc.CaptureText(t.Context(), testURL, "cli")

	if rec := do(t, h, http.MethodDelete, "/receipts", nil, ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("unconfirmed clear: %d", rec.Code)
	}
	if n := count(t, svc, "receipt_headers"); n != 1 {
		t.Fatalf("headers after refused clear: %d", n)
	}
	if rec := do(t, h, http.MethodDelete, "/receipts?confirm=yes", nil, ""); rec.Code != http.StatusOK {
		t.Fatalf("clear: %d", rec.Code)
	}
	if n := count(t, svc, "receipt_headers"); n != 0 {
		t.Fatalf("headers after clear: %d", n)
	}
}

func TestHTTP_Healthz(t *testing.T) {
	h := testService(t, "", newFixtureExtractor(t)).Handler()
	rec := do(t, h, http.MethodGet, "/healthz", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("missing request id")
	}
	if decodeBody[Health](t, rec).Status != "ok" {
		t.Fatalf("body: %s", rec.Body)
	}
}

func TestHTTP_MetricsAndAudit(t *testing.T) {
	svc := testService(t, "", newFixtureExtractor(t))
	h := svc.Handler()
	svc.CaptureText(t.Context(), testURL, "cli")

	rec := do(t, h, http.MethodGet, "/metrics", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status %d", rec.Code)
	}
	if got := total(decodeBody[[]observability.Total](t, rec), observability.MetricCaptureTotal, "status=registered"); got != 1 {
		t.Fatalf("metrics: %s", rec.Body)
	}
	if rec := do(t, h, http.MethodGet, "/metrics?since=yesterday", nil, ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad since: %d", rec.Code)
	}

	do(t, h, http.MethodDelete, "/receipts?confirm=yes", nil, "")
	rec = do(t, h, http.MethodGet, "/audit?operation=clear_history", nil, "")
	entries := decodeBody[[]observability.AuditEntry](t, rec)
	if len(entries) != 1 || entries[0].Transport != "http" || entries[0].RequestID == "" {
		t.Fatalf("audit: %s", rec.Body)
	}
}

func TestHTTP_UnencodableReceiptIs500(t *testing.T) {
	svc := testService(t, testURL, newFixtureExtractor(t))
	ctx := context.Background()
	if _, err := svc.CaptureText(ctx, testURL, "api"); err != nil {
		t.Fatal(err)
	}
	inf := math.Inf(1)
	if err := svc.Store().SaveReceipt(ctx, &store.Detail{AccessKey: testKey, TotalAmount: &inf}, nil); err != nil {
		t.Fatal(err)
	}

	rec := do(t, svc.Handler(), http.MethodGet, "/receipts/"+testKey, nil, "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status %d: %q", rec.Code, rec.Body)
	}
	if !strings.Contains(decodeBody[map[string]string](t, rec)["error"], "unsupported value") {
		t.Fatalf("body: %s", rec.Body)
	}
}
