package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/robertarktes/ticket-admission/internal/adapters/memory"
	"github.com/robertarktes/ticket-admission/internal/admission"
	"github.com/robertarktes/ticket-admission/internal/antifraud"
	"github.com/robertarktes/ticket-admission/internal/clock"
	"github.com/robertarktes/ticket-admission/internal/domain"
	apihttp "github.com/robertarktes/ticket-admission/internal/http"
	"github.com/robertarktes/ticket-admission/internal/idempotency"
	"github.com/robertarktes/ticket-admission/internal/ledger"
	"github.com/robertarktes/ticket-admission/internal/observability"
	"github.com/robertarktes/ticket-admission/internal/pricing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type server struct {
	store  *memory.Store
	clock  *clock.Manual
	router http.Handler
	event  domain.Event
}

type memBackend struct {
	items map[string]idempotency.Response
}

func (m *memBackend) Get(_ context.Context, key string) (*idempotency.Response, error) {
	resp, ok := m.items[key]
	if !ok {
		return nil, nil
	}
	return &resp, nil
}

func (m *memBackend) Set(_ context.Context, key string, resp idempotency.Response, _ time.Duration) error {
	m.items[key] = resp
	return nil
}

func newServer(t *testing.T) *server {
	t.Helper()
	now := time.Date(2025, 6, 14, 21, 0, 0, 0, time.UTC)
	clk := clock.NewManual(now)
	store := memory.NewStore()
	logger := observability.NewNopLogger()

	ev := domain.Event{
		ID:        uuid.New(),
		Name:      "Summer Fest",
		Location:  "Main Hall",
		Status:    domain.EventActive,
		StartDate: now.Add(-time.Hour),
		EndDate:   now.Add(4 * time.Hour),
		BasePrice: 40,
		PriceRanges: []domain.PriceRange{
			{StartTime: "22:00", EndTime: "02:00", Price: 60, Name: "Night 22-2"},
		},
		MaxCapacity: 100,
	}
	store.PutEvent(ev)

	led := ledger.New(store, clk)
	engine := admission.NewEngine(store, led, clk, admission.WithOutbox(store))
	guard := antifraud.NewGuard(engine, store, clk, antifraud.DefaultConfig(), logger)
	h := apihttp.NewHandlers(guard, engine, led, pricing.NewQuoter(store, clk), map[string]apihttp.Check{
		"store": func(context.Context) error { return nil },
	}, logger)
	idemp := idempotency.NewIdempotency(&memBackend{items: map[string]idempotency.Response{}}, time.Hour, logger)

	return &server{
		store:  store,
		clock:  clk,
		router: apihttp.SetupRouter(h, logger, nil, idemp),
		event:  ev,
	}
}

func (s *server) ticket(quantity int, status domain.TicketStatus) domain.Ticket {
	t := domain.Ticket{
		ID:           uuid.New(),
		Code:         "TKT-" + uuid.NewString(),
		TicketNumber: "A-001",
		EventID:      s.event.ID,
		Quantity:     quantity,
		Status:       status,
	}
	s.store.PutTicket(t)
	return t
}

func (s *server) do(method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			_ = json.NewEncoder(&buf).Encode(body)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(apihttp.HeaderValidatorID, "val-1")
	req.Header.Set(apihttp.HeaderValidatorName, "Gate A")
	req.Header.Set(apihttp.HeaderValidatorRole, domain.RoleControl)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *server) scan(body interface{}, headers map[string]string) (*httptest.ResponseRecorder, map[string]interface{}) {
	rec := s.do(http.MethodPost, "/v1/validation/scan", body, headers)
	var out map[string]interface{}
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	return rec, out
}

func TestScan_GroupTicketCountsDown(t *testing.T) {
	s := newServer(t)
	tk := s.ticket(4, domain.TicketActive)

	rec, out := s.scan(map[string]interface{}{"code": tk.Code, "entryCount": 3, "location": "Gate A"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, out["success"])
	assert.Equal(t, "success", out["result"])
	assert.Equal(t, float64(3), out["validatedCount"])
	assert.Equal(t, "Gate A", out["validatedBy"])

	ticket := out["ticket"].(map[string]interface{})
	assert.Equal(t, float64(4), ticket["totalEntries"])
	assert.Equal(t, float64(3), ticket["usedEntries"])
	assert.Equal(t, float64(1), ticket["remainingEntries"])
	assert.Equal(t, "Summer Fest", out["event"].(map[string]interface{})["name"])

	s.clock.Advance(time.Minute)
	rec, out = s.scan(map[string]interface{}{"code": tk.Code, "entryCount": 2}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "insufficient_entries", out["result"])
	assert.Equal(t, float64(2), out["requested"])
	assert.Equal(t, float64(1), out["ticket"].(map[string]interface{})["remainingEntries"])
}

func TestScan_StatusMap(t *testing.T) {
	tests := []struct {
		name       string
		body       func(s *server) interface{}
		headers    map[string]string
		wantStatus int
		wantResult string
	}{
		{
			name:       "unknown code",
			body:       func(*server) interface{} { return map[string]interface{}{"code": "NOPE"} },
			wantStatus: http.StatusNotFound,
			wantResult: "invalid_qr",
		},
		{
			name: "wrong role",
			body: func(s *server) interface{} {
				return map[string]interface{}{"code": s.ticket(1, domain.TicketActive).Code}
			},
			headers:    map[string]string{apihttp.HeaderValidatorRole: "buyer"},
			wantStatus: http.StatusForbidden,
			wantResult: "access_denied",
		},
		{
			name: "refunded ticket",
			body: func(s *server) interface{} {
				return map[string]interface{}{"code": s.ticket(1, domain.TicketRefunded).Code}
			},
			wantStatus: http.StatusBadRequest,
			wantResult: "ticket_refunded",
		},
		{
			name: "explicit zero entries",
			body: func(s *server) interface{} {
				return map[string]interface{}{"code": s.ticket(1, domain.TicketActive).Code, "entryCount": 0}
			},
			wantStatus: http.StatusBadRequest,
			wantResult: "invalid_entry_count",
		},
		{
			name: "wrong event",
			body: func(s *server) interface{} {
				return map[string]interface{}{"code": s.ticket(1, domain.TicketActive).Code, "eventId": uuid.NewString()}
			},
			wantStatus: http.StatusBadRequest,
			wantResult: "invalid_event",
		},
		{
			name: "geo out of range",
			body: func(s *server) interface{} {
				return map[string]interface{}{"code": "X", "geo": map[string]float64{"lat": 91, "lng": 0}}
			},
			wantStatus: http.StatusBadRequest,
			wantResult: "invalid_location",
		},
		{
			name:       "malformed body",
			body:       func(*server) interface{} { return `{"code":` },
			wantStatus: http.StatusBadRequest,
			wantResult: "invalid_request",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newServer(t)
			rec, out := s.scan(tt.body(s), tt.headers)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			assert.Equal(t, tt.wantResult, out["result"])
			assert.Equal(t, false, out["success"])
		})
	}
}

func TestScan_MissingIdentity(t *testing.T) {
	s := newServer(t)
	rec := s.do(http.MethodPost, "/v1/validation/scan", map[string]string{"code": "X"},
		map[string]string{apihttp.HeaderValidatorID: ""})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, s.store.Logs())
}

func TestScan_GeoIsFoldedIntoLocation(t *testing.T) {
	s := newServer(t)
	tk := s.ticket(1, domain.TicketActive)

	rec, _ := s.scan(map[string]interface{}{
		"code":     tk.Code,
		"location": "North gate",
		"geo":      map[string]float64{"lat": 40.4168, "lng": -3.7038},
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	logs := s.store.Logs()
	require.Len(t, logs, 1)
	assert.Equal(t, "North gate (40.416800,-3.703800)", logs[0].Location)
	assert.Equal(t, "192.0.2.1", logs[0].IPAddress)
}

func TestScan_CodeRateLimitSetsRetryAfter(t *testing.T) {
	s := newServer(t)
	for i := 0; i < 5; i++ {
		s.scan(map[string]string{"code": "FAKE-CODE"}, nil)
	}

	rec, out := s.scan(map[string]string{"code": "FAKE-CODE"}, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "qr_blocked", out["result"])
	assert.Equal(t, "120", rec.Header().Get("Retry-After"))
	assert.Equal(t, float64(120), out["retryAfterSeconds"])
}

func TestScan_DuplicateAndAllUsed(t *testing.T) {
	s := newServer(t)
	tk := s.ticket(1, domain.TicketActive)

	rec, _ := s.scan(map[string]string{"code": tk.Code}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	s.clock.Advance(10 * time.Second)
	rec, out := s.scan(map[string]string{"code": tk.Code}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "duplicate_validation", out["result"])
	assert.NotNil(t, out["lastValidation"])

	s.clock.Advance(time.Minute)
	rec, out = s.scan(map[string]string{"code": tk.Code}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "all_entries_used", out["result"])
	last := out["lastValidation"].(map[string]interface{})
	assert.Equal(t, "val-1", last["validatorId"])
}

func TestScan_SuspiciousHeader(t *testing.T) {
	s := newServer(t)
	for i := 0; i < 12; i++ {
		s.scan(map[string]string{"code": fmt.Sprintf("FAKE-%d", i)}, nil)
		s.clock.Advance(time.Second)
	}

	rec, out := s.scan(map[string]string{"code": "FAKE-last"}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "true", rec.Header().Get(apihttp.SuspiciousHeader))
	assert.Contains(t, out["flags"], antifraud.FlagMassInvalidScanning)
}

func TestScan_StorageOutageIsGeneric(t *testing.T) {
	s := newServer(t)
	tk := s.ticket(1, domain.TicketActive)
	s.store.Fail("AppendValidations", errors.New("pq: connection refused at 10.1.2.3"))

	rec, out := s.scan(map[string]string{"code": tk.Code}, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "server_error", out["result"])
	assert.NotContains(t, rec.Body.String(), "10.1.2.3")
	assert.Nil(t, out["ticket"])
}

func TestScan_IdempotentReplay(t *testing.T) {
	s := newServer(t)
	tk := s.ticket(2, domain.TicketActive)
	headers := map[string]string{idempotency.HeaderKey: "device-7-scan-000123"}

	first, _ := s.scan(map[string]string{"code": tk.Code}, headers)
	require.Equal(t, http.StatusOK, first.Code)
	second, _ := s.scan(map[string]string{"code": tk.Code}, headers)

	assert.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "true", second.Header().Get(idempotency.HeaderReplay))
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Len(t, s.store.Logs(), 1)
}

func TestInspect(t *testing.T) {
	s := newServer(t)
	tk := s.ticket(3, domain.TicketActive)
	s.scan(map[string]interface{}{"code": tk.Code, "entryCount": 2}, nil)
	before := len(s.store.Logs())

	rec := s.do(http.MethodGet, "/v1/validation/tickets/"+tk.Code, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	ticket := out["ticket"].(map[string]interface{})
	assert.Equal(t, float64(1), ticket["remainingEntries"])
	assert.NotNil(t, out["lastValidation"])
	assert.Len(t, s.store.Logs(), before)

	rec = s.do(http.MethodGet, "/v1/validation/tickets/UNKNOWN", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRecentAttemptsAndStats(t *testing.T) {
	s := newServer(t)
	tk := s.ticket(2, domain.TicketActive)
	s.scan(map[string]interface{}{"code": tk.Code, "entryCount": 2}, nil)
	s.clock.Advance(time.Minute)
	s.scan(map[string]interface{}{"code": tk.Code}, nil)

	rec := s.do(http.MethodGet, "/v1/validation/tickets/"+tk.ID.String()+"/attempts?minutes=10", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var attempts struct {
		Attempts []map[string]interface{} `json:"attempts"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &attempts))
	require.Len(t, attempts.Attempts, 3)
	assert.Equal(t, "all_entries_used", attempts.Attempts[0]["result"])

	rec = s.do(http.MethodGet, "/v1/validation/tickets/"+tk.ID.String()+"/attempts?minutes=-1", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodGet, "/v1/validation/stats/"+s.event.ID.String(), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats ledger.LiveStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 3, stats.AllTime.Total)
	assert.Equal(t, 2, stats.AllTime.Successful)
	assert.Equal(t, 66.67, stats.AllTime.SuccessRate)
	assert.Equal(t, 3, stats.LastHour.Total)
}

func TestHistory(t *testing.T) {
	s := newServer(t)
	tk := s.ticket(5, domain.TicketActive)
	s.scan(map[string]interface{}{"code": tk.Code, "entryCount": 3}, nil)
	s.scan(map[string]interface{}{"code": "FAKE"}, nil)

	rec := s.do(http.MethodGet, "/v1/validation/history?result=success&limit=2&page=2", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var page struct {
		Entries []map[string]interface{} `json:"entries"`
		Total   int                      `json:"total"`
		Pages   int                      `json:"pages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, 3, page.Total)
	assert.Equal(t, 2, page.Pages)
	assert.Len(t, page.Entries, 1)

	for _, q := range []string{"result=bogus", "eventId=nope", "from=yesterday", "from=2025-06-14T22:00:00Z&to=2025-06-14T20:00:00Z"} {
		rec = s.do(http.MethodGet, "/v1/validation/history?"+q, nil, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestPricingRoutes(t *testing.T) {
	s := newServer(t)

	t.Run("quote inside a midnight range", func(t *testing.T) {
		rec := s.do(http.MethodGet, "/v1/events/"+s.event.ID.String()+"/price?at=2025-06-14T23:30:00Z", nil, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var q pricing.Quote
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &q))
		assert.Equal(t, 60.0, q.Resolution.Price)
		assert.Equal(t, pricing.SourceRange, q.Resolution.Source)
	})

	t.Run("quote for unknown event", func(t *testing.T) {
		rec := s.do(http.MethodGet, "/v1/events/"+uuid.NewString()+"/price", nil, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("validate reports overlaps", func(t *testing.T) {
		rec := s.do(http.MethodPost, "/v1/pricing/ranges/validate", map[string]interface{}{
			"ranges": []domain.PriceRange{
				{StartTime: "22:00", EndTime: "02:00", Price: 60},
				{StartTime: "01:00", EndTime: "03:00", Price: 50},
			},
		}, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var report pricing.ValidationReport
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
		assert.False(t, report.Valid)
		assert.NotEmpty(t, report.Errors)
	})

	t.Run("optimize merges adjacent equal prices", func(t *testing.T) {
		rec := s.do(http.MethodPost, "/v1/pricing/ranges/optimize", map[string]interface{}{
			"ranges": []domain.PriceRange{
				{StartTime: "10:00", EndTime: "11:59", Price: 30, Name: "A"},
				{StartTime: "12:00", EndTime: "13:00", Price: 30, Name: "B"},
			},
		}, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var out struct {
			Optimized int                 `json:"optimized"`
			Ranges    []domain.PriceRange `json:"ranges"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
		assert.Equal(t, 1, out.Optimized)
		assert.Equal(t, "13:00", out.Ranges[0].EndTime)
	})

	t.Run("examples", func(t *testing.T) {
		rec := s.do(http.MethodGet, "/v1/pricing/ranges/examples/nightclub", nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "ranges")
	})
}

func TestHealth(t *testing.T) {
	s := newServer(t)
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/v1/healthz", nil, nil).Code)
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/v1/readyz", nil, nil).Code)
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/metrics", nil, nil).Code)
}

func TestReadyzReportsFailingDependency(t *testing.T) {
	logger := observability.NewNopLogger()
	h := apihttp.NewHandlers(nil, nil, nil, nil, map[string]apihttp.Check{
		"crdb":  func(context.Context) error { return nil },
		"redis": func(context.Context) error { return errors.New("dial tcp: refused") },
	}, logger)
	router := apihttp.SetupRouter(h, logger, nil, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/readyz", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var report map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, "ok", report["crdb"])
	assert.Equal(t, "unavailable", report["redis"])
}

type stalledHistory struct {
	*memory.Store
}

func (s stalledHistory) History(ctx context.Context, _ ledger.HistoryFilter) ([]domain.ValidationLogEntry, int, error) {
	<-ctx.Done()
	return nil, 0, ctx.Err()
}

func TestHistory_StalledStoreIsServerError(t *testing.T) {
	logger := observability.NewNopLogger()
	led := ledger.New(stalledHistory{memory.NewStore()}, clock.NewSystem(), ledger.WithReadTimeout(50*time.Millisecond))
	router := apihttp.SetupRouter(apihttp.NewHandlers(nil, nil, led, nil, nil, logger), logger, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/validation/history", nil)
	req.Header.Set(apihttp.HeaderValidatorID, "val-1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"result":"server_error"`)
}
