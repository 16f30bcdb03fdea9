package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-admission/internal/admission"
	"github.com/robertarktes/ticket-admission/internal/domain"
	"github.com/robertarktes/ticket-admission/internal/ledger"
	"github.com/robertarktes/ticket-admission/internal/observability"
	"github.com/robertarktes/ticket-admission/internal/pricing"
	"github.com/robertarktes/ticket-admission/internal/rateLimit"
)

const (
	maxBodyBytes       = 64 << 10
	SuspiciousHeader   = "X-Suspicious-Activity"
	resultInvalidInput = "invalid_request"
)

// Scanner admits scans. In production it is the anti-fraud guard wrapping
// the engine.
type Scanner interface {
	Admit(ctx context.Context, req admission.Request) (admission.Result, error)
}

type Inspector interface {
	Inspect(ctx context.Context, code string) (admission.Inspection, error)
}

type Quoter interface {
	Quote(ctx context.Context, eventID uuid.UUID, at time.Time) (pricing.Quote, error)
}

// Check is a readiness probe for one dependency.
type Check func(ctx context.Context) error

type Handlers struct {
	scanner   Scanner
	inspector Inspector
	ledger    *ledger.Ledger
	quoter    Quoter
	checks    map[string]Check
	logger    observability.Logger
}

func NewHandlers(scanner Scanner, inspector Inspector, led *ledger.Ledger, quoter Quoter, checks map[string]Check, logger observability.Logger) *Handlers {
	return &Handlers{
		scanner:   scanner,
		inspector: inspector,
		ledger:    led,
		quoter:    quoter,
		checks:    checks,
		logger:    logger,
	}
}

// scanStatus maps an outcome to its HTTP status.
func scanStatus(o domain.Outcome) int {
	switch o {
	case domain.OutcomeSuccess:
		return http.StatusOK
	case domain.OutcomeInvalidQR:
		return http.StatusNotFound
	case domain.OutcomeAccessDenied:
		return http.StatusForbidden
	case domain.OutcomeRateLimited, domain.OutcomeQRBlocked:
		return http.StatusTooManyRequests
	case domain.OutcomeServerError:
		return http.StatusServiceUnavailable
	}
	return http.StatusBadRequest
}

func (h *Handlers) Scan(w http.ResponseWriter, r *http.Request) {
	log := loggerFrom(r.Context(), h.logger)

	var body scanRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, resultInvalidInput, "malformed request body")
		return
	}
	if body.Geo != nil && !body.Geo.valid() {
		writeError(w, http.StatusBadRequest, "invalid_location", "latitude must be within ±90 and longitude within ±180")
		return
	}

	req := admission.Request{
		Code:       body.Code,
		EventID:    body.EventID,
		EntryCount: admission.MinEntryCount,
		Location:   body.location(),
		DeviceInfo: body.DeviceInfo,
		IPAddress:  rateLimit.ClientIP(r),
		Validator:  validatorFrom(r.Context()),
	}
	if body.EntryCount != nil {
		req.EntryCount = *body.EntryCount
	}

	res, err := h.scanner.Admit(r.Context(), req)
	if err != nil {
		log.WithError(err).WithField("scan_id", res.ScanID).Error("scan failed")
		res.Outcome = domain.OutcomeServerError
		res.Message = "validation temporarily unavailable, please retry"
	}

	if len(res.Flags) > 0 {
		w.Header().Set(SuspiciousHeader, "true")
	}
	if res.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(res.RetryAfter.Seconds())))
	}
	writeJSON(w, scanStatus(res.Outcome), scanResponseOf(res))
}

func (h *Handlers) InspectTicket(w http.ResponseWriter, r *http.Request) {
	ins, err := h.inspector.Inspect(r.Context(), chi.URLParam(r, "code"))
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, string(domain.OutcomeInvalidQR), "ticket not found")
		return
	}
	if err != nil {
		h.serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inspectResponseOf(ins))
}

func (h *Handlers) RecentAttempts(w http.ResponseWriter, r *http.Request) {
	ticketID, err := uuid.Parse(chi.URLParam(r, "ticketID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, resultInvalidInput, "ticket id must be a UUID")
		return
	}
	minutes := ledger.DefaultRecentMinutes
	if raw := r.URL.Query().Get("minutes"); raw != "" {
		minutes, err = strconv.Atoi(raw)
		if err != nil || minutes < 1 {
			writeError(w, http.StatusBadRequest, resultInvalidInput, "minutes must be a positive integer")
			return
		}
	}

	entries, err := h.ledger.RecentAttempts(r.Context(), ticketID, minutes)
	if err != nil {
		h.serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ticketId": ticketID,
		"minutes":  minutes,
		"attempts": attemptViews(entries),
	})
}

func (h *Handlers) EventStats(w http.ResponseWriter, r *http.Request) {
	eventID, err := uuid.Parse(chi.URLParam(r, "eventID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, resultInvalidInput, "event id must be a UUID")
		return
	}
	stats, err := h.ledger.LiveStats(r.Context(), eventID)
	if err != nil {
		h.serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handlers) History(w http.ResponseWriter, r *http.Request) {
	f, err := historyFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, resultInvalidInput, err.Error())
		return
	}
	page, err := h.ledger.History(r.Context(), f)
	if errors.Is(err, domain.ErrInvalidInput) {
		writeError(w, http.StatusBadRequest, resultInvalidInput, "unknown result or empty time range")
		return
	}
	if err != nil {
		h.serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, historyResponse{
		Entries: attemptViews(page.Entries),
		Total:   page.Total,
		Page:    page.Page,
		Limit:   page.Limit,
		Pages:   page.Pages,
	})
}

func historyFilter(r *http.Request) (ledger.HistoryFilter, error) {
	q := r.URL.Query()
	f := ledger.HistoryFilter{
		Result:      domain.Outcome(q.Get("result")),
		ValidatorID: q.Get("validator"),
	}
	if raw := q.Get("eventId"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return f, errors.New("eventId must be a UUID")
		}
		f.EventID = &id
	}
	var err error
	if f.From, err = parseTime(q.Get("from")); err != nil {
		return f, errors.New("from must be RFC3339")
	}
	if f.To, err = parseTime(q.Get("to")); err != nil {
		return f, errors.New("to must be RFC3339")
	}
	if f.Page, err = parseInt(q.Get("page")); err != nil {
		return f, errors.New("page must be an integer")
	}
	if f.Limit, err = parseInt(q.Get("limit")); err != nil {
		return f, errors.New("limit must be an integer")
	}
	return f, nil
}

func (h *Handlers) PriceQuote(w http.ResponseWriter, r *http.Request) {
	eventID, err := uuid.Parse(chi.URLParam(r, "eventID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, resultInvalidInput, "event id must be a UUID")
		return
	}
	at, err := parseTime(r.URL.Query().Get("at"))
	if err != nil {
		writeError(w, http.StatusBadRequest, resultInvalidInput, "at must be RFC3339")
		return
	}

	quote, err := h.quoter.Quote(r.Context(), eventID, at)
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "event_not_found", "event not found")
		return
	}
	if err != nil {
		h.serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

func (h *Handlers) ValidateRanges(w http.ResponseWriter, r *http.Request) {
	var body rangesRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, resultInvalidInput, "malformed request body")
		return
	}
	writeJSON(w, http.StatusOK, pricing.ValidateRanges(body.Ranges))
}

func (h *Handlers) OptimizeRanges(w http.ResponseWriter, r *http.Request) {
	var body rangesRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, resultInvalidInput, "malformed request body")
		return
	}
	report := pricing.ValidateRanges(body.Ranges)
	if !report.Valid {
		writeJSON(w, http.StatusUnprocessableEntity, report)
		return
	}
	optimized := pricing.OptimizeRanges(body.Ranges)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"original":  len(body.Ranges),
		"optimized": len(optimized),
		"ranges":    optimized,
	})
}

func (h *Handlers) ExampleRanges(w http.ResponseWriter, r *http.Request) {
	kind := chi.URLParam(r, "kind")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"kind":   kind,
		"ranges": pricing.ExampleRanges(kind),
	})
}

func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	report := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			loggerFrom(r.Context(), h.logger).WithError(err).WithField("dependency", name).Warn("readiness check failed")
			report[name] = "unavailable"
			status = http.StatusServiceUnavailable
			continue
		}
		report[name] = "ok"
	}
	writeJSON(w, status, report)
}

func (h *Handlers) serverError(w http.ResponseWriter, r *http.Request, err error) {
	loggerFrom(r.Context(), h.logger).WithError(err).WithField("path", r.URL.Path).Error("request failed")
	writeError(w, http.StatusServiceUnavailable, string(domain.OutcomeServerError), "temporarily unavailable, please retry")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, result, message string) {
	writeJSON(w, status, errorResponse{Success: false, Result: result, Message: message})
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}

func parseInt(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}
