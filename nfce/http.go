// CLAUDE:SUMMARY chi JSON API: capture (image and text), scrape pass, receipt queries, sales report, history reset, health, metrics and audit.
package nfce

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/nfce/horosafe"
	"github.com/hazyhaar/nfce/internal/store"
	"github.com/hazyhaar/nfce/kit"
	"github.com/hazyhaar/nfce/observability"
	"github.com/hazyhaar/nfce/shield"
)

// Handler returns the JSON API.
//
//	GET    /healthz
//	POST   /captures                 multipart: image, origin
//	POST   /captures/text            {"text": "...", "origin": "..."}
//	GET    /receipts                 ?status=pending|scraped&limit=&offset=
//	DELETE /receipts                 clear history
//	GET    /receipts/{key}
//	GET    /receipts/{key}/attempts
//	POST   /receipts/{key}/scrape
//	POST   /scrape
//	GET    /report                   ?from=yyyy-mm-dd&to=yyyy-mm-dd&payment=
//	GET    /stats
//	GET    /metrics                  ?since=yyyy-mm-dd
//	GET    /audit                    ?operation=&status=&limit=
func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	for _, mw := range shield.APIStack(s.config.HTTP.MaxUploadBytes + 64<<10) {
		r.Use(mw)
	}

	r.Get("/healthz", s.handleHealth)
	r.Post("/captures", s.handleCaptureImage)
	r.Post("/captures/text", s.handleCaptureText)
	r.Get("/receipts", s.handleList)
	r.Delete("/receipts", s.handleClear)
	r.Get("/receipts/{key}", s.handleGet)
	r.Get("/receipts/{key}/attempts", s.handleAttempts)
	r.Post("/receipts/{key}/scrape", s.handleRescrape)
	r.Post("/scrape", s.handleScrape)
	r.Get("/report", s.handleReport)
	r.Get("/stats", s.handleStats)
	r.Get("/metrics", s.handleMetrics)
	r.Get("/audit", s.handleAudit)
	return r
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.Health(r.Context())
	code := http.StatusOK
	if h.Store != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, h)
}

func (s *Service) handleCaptureImage(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	f, _, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	defer f.Close()
	image, err := horosafe.LimitedReadAll(f, s.config.HTTP.MaxUploadBytes)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err)
		return
	}

	origin := r.FormValue("origin")
	if origin == "" {
		origin = "upload"
	}
	res, err := s.Capture(kit.WithOrigin(r.Context(), origin), image, origin)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, captureCode(res.Status), res)
}

type captureTextRequest struct {
	Text   string `json:"text"`
	Origin string `json:"origin,omitempty"`
}

func (s *Service) handleCaptureText(w http.ResponseWriter, r *http.Request) {
	var req captureTextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Origin == "" {
		req.Origin = "api"
	}
	res, err := s.CaptureText(r.Context(), req.Text, req.Origin)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, captureCode(res.Status), res)
}

func (s *Service) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	list, err := s.ListReceipts(r.Context(), store.ListFilter{
		Status: q.Get("status"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Service) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.GetReceipt(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Service) handleAttempts(w http.ResponseWriter, r *http.Request) {
	list, err := s.Attempts(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if list == nil {
		list = []store.Attempt{}
	}
	writeJSON(w, http.StatusOK, list)
}

// The scrape pass is bound to the request: a client that disconnects
// cancels it, and open browser sessions are released before it returns.
func (s *Service) handleScrape(w http.ResponseWriter, r *http.Request) {
	report, err := s.ScrapePending(r.Context())
	if err != nil && report == nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Service) handleRescrape(w http.ResponseWriter, r *http.Request) {
	report, err := s.Rescrape(r.Context(), chi.URLParam(r, "key"))
	if err != nil && report == nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Service) handleClear(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("confirm") != "yes" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "add ?confirm=yes to delete every receipt"})
		return
	}
	if err := s.ClearHistory(r.Context()); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Service) handleReport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sum, err := s.Summary(r.Context(), store.SummaryFilter{
		From:    q.Get("from"),
		To:      q.Get("to"),
		Payment: q.Get("payment"),
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.Stats(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Service) handleMetrics(w http.ResponseWriter, r *http.Request) {
	var since *time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.ParseInLocation(time.DateOnly, v, time.Local)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		since = &t
	}
	totals, err := s.Metrics(r.Context(), since)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if totals == nil {
		totals = []observability.Total{}
	}
	writeJSON(w, http.StatusOK, totals)
}

func (s *Service) handleAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	entries, err := s.AuditLog(r.Context(), observability.AuditFilter{
		Operation: q.Get("operation"),
		Status:    q.Get("status"),
		Limit:     limit,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if entries == nil {
		entries = []observability.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func captureCode(st CaptureStatus) int {
	switch st {
	case StatusRegistered:
		return http.StatusCreated
	case StatusNoCode, StatusNoKey:
		return http.StatusUnprocessableEntity
	}
	return http.StatusOK
}

func writeServiceError(w http.ResponseWriter, err error) {
	var mbe *http.MaxBytesError
	switch {
	case errors.Is(err, ErrInvalidKey):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, ErrScrapeRunning):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, horosafe.ErrTooLarge), errors.As(err, &mbe):
		writeError(w, http.StatusRequestEntityTooLarge, err)
	case errors.Is(err, io.ErrUnexpectedEOF):
		writeError(w, http.StatusBadRequest, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		slog.Error("nfce: encode response", "error", err)
		code = http.StatusInternalServerError
		body, _ = json.Marshal(map[string]string{"error": "response not encodable: " + err.Error()})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(append(body, '\n'))
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
