package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/quantsignal/patterncast/internal/metrics"
	"github.com/quantsignal/patterncast/internal/query"
	"github.com/quantsignal/patterncast/internal/session"
)

// Server is the synchronous query surface plus the WebSocket session
// endpoint. Authentication and session cookies belong to the host layer
// in front of this service.
type Server struct {
	queries *query.Service
	ops     session.Ops
	metrics *metrics.Registry
	srv     *http.Server
}

// NewServer wires the router.
func NewServer(addr string, queries *query.Service, ops session.Ops, m *metrics.Registry) *Server {
	if m == nil {
		m = metrics.NewRegistry()
	}
	s := &Server{queries: queries, ops: ops, metrics: m}

	r := mux.NewRouter()
	r.HandleFunc("/api/v1/patterns", s.handleScan).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/patterns/{id}", s.handleGet).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/summary", s.handleSummary).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/ws", session.Handler(ops)).Methods(http.MethodGet)

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving requests.
func (s *Server) ListenAndServe() error {
	log.Info().Str("addr", s.srv.Addr).Msg("HTTP server listening")
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	params := query.ScanParams{
		Kinds:        listParam(r, "kinds"),
		Symbols:      listParam(r, "symbols"),
		Tiers:        listParam(r, "tiers"),
		PatternNames: listParam(r, "pattern_names"),
		SortBy:       r.URL.Query().Get("sort_by"),
		SortDir:      r.URL.Query().Get("sort_dir"),
		Page:         intParam(r, "page", 1),
		PerPage:      intParam(r, "per_page", 50),
	}
	params.MinConfidence = floatParam(r, "min_confidence")
	if rr := listParam(r, "rsi_range"); len(rr) == 2 {
		if lo, err := strconv.ParseFloat(rr[0], 64); err == nil {
			params.RSIMin = &lo
		}
		if hi, err := strconv.ParseFloat(rr[1], 64); err == nil {
			params.RSIMax = &hi
		}
	}

	resp, err := s.queries.Scan(r.Context(), params)
	if err != nil {
		writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	cp, ok := s.queries.GetByID(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"kind":    "not_found",
			"message": "pattern not found",
		})
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.queries.Stats())
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.queries.Summary())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.queries.Health()
	status := http.StatusOK
	if report.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func writeQueryError(w http.ResponseWriter, err error) {
	var qerr *query.Error
	if errors.As(err, &qerr) {
		status := http.StatusBadRequest
		if qerr.Kind == "timeout" {
			status = http.StatusGatewayTimeout
		}
		writeJSON(w, status, qerr)
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]string{
		"kind":    "internal",
		"message": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("Response encode failed")
	}
}

func listParam(r *http.Request, name string) []string {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func intParam(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func floatParam(r *http.Request, name string) *float64 {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil
	}
	return &f
}
