package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/quantsignal/patterncast/internal/cache"
	"github.com/quantsignal/patterncast/internal/models"
	"github.com/quantsignal/patterncast/internal/query"
	"github.com/quantsignal/patterncast/internal/session"
)

type nopOps struct{}

func (nopOps) Connect(*session.Session)                     {}
func (nopOps) Subscribe(*session.Session, models.Predicate) {}
func (nopOps) Unsubscribe(*session.Session)                 {}
func (nopOps) JoinRoom(*session.Session, string)            {}
func (nopOps) LeaveRoom(*session.Session, string)           {}
func (nopOps) Disconnect(*session.Session)                  {}


type staticHealth bool

func (h staticHealth) Healthy() bool { return bool(h) }

func newTestServer(t *testing.T, busHealthy bool) *Server {
	t.Helper()
	pc := cache.New(cache.Options{TTL: time.Hour, ResponseTTL: time.Minute})
	pc.Insert(&models.PatternDetected{
		ID:          "p1",
		Symbol:      "AAPL",
		PatternName: "Doji",
		Tier:        models.TierDaily,
		Confidence:  0.9,
		DetectedAt:  time.Now(),
	})
	qs := query.New(pc, nil, nil, time.Second, nil)
	qs.RegisterComponent("bus", staticHealth(busHealthy), true)
	return NewServer(":0", qs, nopOps{}, nil)
}

func do(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)
	return rec
}

func TestServer_Scan(t *testing.T) {
	s := newTestServer(t, true)

	rec := do(t, s, "/api/v1/patterns?symbols=AAPL&min_confidence=0.8")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, expected 200; body %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Items      []json.RawMessage `json:"items"`
		Pagination struct {
			Total int `json:"total"`
		} `json:"pagination"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Pagination.Total != 1 || len(resp.Items) != 1 {
		t.Errorf("scan returned %+v, expected the one cached pattern", resp)
	}
}

func TestServer_ScanValidationError(t *testing.T) {
	s := newTestServer(t, true)

	rec := do(t, s, "/api/v1/patterns?page=-1")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, expected 400", rec.Code)
	}
	var qerr query.Error
	if err := json.Unmarshal(rec.Body.Bytes(), &qerr); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if qerr.Kind != "validation_error" || qerr.Field != "page" {
		t.Errorf("error body = %+v, expected validation_error on page", qerr)
	}
}

func TestServer_GetByID(t *testing.T) {
	s := newTestServer(t, true)

	if rec := do(t, s, "/api/v1/patterns/p1"); rec.Code != http.StatusOK {
		t.Errorf("existing pattern status = %d, expected 200", rec.Code)
	}
	if rec := do(t, s, "/api/v1/patterns/missing"); rec.Code != http.StatusNotFound {
		t.Errorf("missing pattern status = %d, expected 404", rec.Code)
	}
}

func TestServer_Health(t *testing.T) {
	healthy := newTestServer(t, true)
	if rec := do(t, healthy, "/health"); rec.Code != http.StatusOK {
		t.Errorf("healthy status = %d, expected 200", rec.Code)
	}

	unhealthy := newTestServer(t, false)
	rec := do(t, unhealthy, "/health")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("unhealthy status = %d, expected 503", rec.Code)
	}
	var report query.HealthReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode health report: %v", err)
	}
	if report.Status != "unhealthy" || report.Components["bus"] != "unhealthy" {
		t.Errorf("report = %+v, expected the bus flagged unhealthy", report)
	}
}

func TestServer_StatsAndSummary(t *testing.T) {
	s := newTestServer(t, true)

	if rec := do(t, s, "/api/v1/stats"); rec.Code != http.StatusOK {
		t.Errorf("stats status = %d, expected 200", rec.Code)
	}
	rec := do(t, s, "/api/v1/summary")
	if rec.Code != http.StatusOK {
		t.Fatalf("summary status = %d, expected 200", rec.Code)
	}
	var sum cache.Summary
	if err := json.Unmarshal(rec.Body.Bytes(), &sum); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if sum.Total != 1 {
		t.Errorf("summary Total = %d, expected 1", sum.Total)
	}
}

func TestServer_Metrics(t *testing.T) {
	s := newTestServer(t, true)
	if rec := do(t, s, "/metrics"); rec.Code != http.StatusOK {
		t.Errorf("metrics status = %d, expected 200", rec.Code)
	}
}
