package query

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/quantsignal/patterncast/internal/cache"
	"github.com/quantsignal/patterncast/internal/metrics"
)

// Error is a structured query error surfaced to callers. Kind is one of
// validation_error or timeout; Field names the offending parameter for
// validation errors.
type Error struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (field %s)", e.Kind, e.Message, e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func validationError(field, message string) *Error {
	return &Error{Kind: "validation_error", Message: message, Field: field}
}

// ErrTimeout is returned when a query exceeds its hard deadline.
var ErrTimeout = &Error{Kind: "timeout", Message: "query deadline exceeded"}

const maxPerPage = 100

// ScanParams are the raw scan parameters before validation.
type ScanParams struct {
	Kinds         []string
	Symbols       []string
	Tiers         []string
	PatternNames  []string
	MinConfidence *float64
	RSIMin        *float64
	RSIMax        *float64
	SortBy        string
	SortDir       string
	Page          int
	PerPage       int
}

// Pagination describes the returned page.
type Pagination struct {
	Page    int `json:"page"`
	PerPage int `json:"per_page"`
	Total   int `json:"total"`
	Pages   int `json:"pages"`
}

// ScanResponse is the paged scan result.
type ScanResponse struct {
	Items      []*cache.CachedPattern `json:"items"`
	Pagination Pagination             `json:"pagination"`
	TookMS     float64                `json:"took_ms"`
	Source     string                 `json:"source"`
}

// StatsSnapshot is the synchronous stats read.
type StatsSnapshot struct {
	Cached          int       `json:"cached"`
	Hits            float64   `json:"hits"`
	Misses          float64   `json:"misses"`
	HitRatio        float64   `json:"hit_ratio"`
	EventsProcessed uint64    `json:"events_processed"`
	LastEventTS     time.Time `json:"last_event_ts"`
	ActiveSessions  int       `json:"active_sessions"`
	MemoryMB        float64   `json:"memory_mb"`
	UptimeSec       float64   `json:"uptime_sec"`
}

// HealthReport aggregates per-component health.
type HealthReport struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
	Timestamp  time.Time         `json:"timestamp"`
}

// HealthChecker is the per-component health probe.
type HealthChecker interface {
	Healthy() bool
}

// PipelineStats is what the query layer needs from the consume side.
type PipelineStats interface {
	Processed() uint64
	LastEvent() time.Time
}

// SessionCounter reports live session count.
type SessionCounter interface {
	SessionCount() int
}

type component struct {
	name     string
	check    HealthChecker
	critical bool
}

// Service exposes the synchronous reads over the pattern cache.
type Service struct {
	cache    *cache.PatternCache
	pipeline PipelineStats
	sessions SessionCounter
	deadline time.Duration
	metrics  *metrics.Registry

	components []component
	startedAt  time.Time
}

// New builds the query service.
func New(pc *cache.PatternCache, pipeline PipelineStats, sessions SessionCounter, deadline time.Duration, m *metrics.Registry) *Service {
	if m == nil {
		m = metrics.NewRegistry()
	}
	return &Service{
		cache:     pc,
		pipeline:  pipeline,
		sessions:  sessions,
		deadline:  deadline,
		metrics:   m,
		startedAt: time.Now(),
	}
}

// RegisterComponent adds a component to health aggregation. Critical
// components (bus, subscriber) take overall health to unhealthy when
// down; others only degrade it.
func (s *Service) RegisterComponent(name string, check HealthChecker, critical bool) {
	s.components = append(s.components, component{name: name, check: check, critical: critical})
}

// Scan validates the parameters and walks the cache indexes under the
// query deadline.
func (s *Service) Scan(ctx context.Context, params ScanParams) (*ScanResponse, error) {
	timer := s.startTimer("scan")
	defer timer()

	q, err := normalize(params)
	if err != nil {
		return nil, err
	}

	// Only patterns are cached; a kind filter that excludes them has a
	// trivially empty answer.
	if len(params.Kinds) > 0 && !containsFold(params.Kinds, "pattern") {
		return &ScanResponse{
			Items:      []*cache.CachedPattern{},
			Pagination: Pagination{Page: q.Page, PerPage: q.PerPage},
			Source:     "cache",
		}, nil
	}

	type outcome struct{ result *cache.ScanResult }
	done := make(chan outcome, 1)
	go func() {
		done <- outcome{result: s.cache.Scan(*q)}
	}()

	deadline := time.NewTimer(s.deadline)
	defer deadline.Stop()
	select {
	case <-ctx.Done():
		return nil, ErrTimeout
	case <-deadline.C:
		return nil, ErrTimeout
	case out := <-done:
		r := out.result
		pages := 0
		if q.PerPage > 0 {
			pages = (r.Total + q.PerPage - 1) / q.PerPage
		}
		return &ScanResponse{
			Items: r.Items,
			Pagination: Pagination{
				Page:    q.Page,
				PerPage: q.PerPage,
				Total:   r.Total,
				Pages:   pages,
			},
			TookMS: r.TookMS,
			Source: r.Source,
		}, nil
	}
}

// GetByID returns one cached pattern.
func (s *Service) GetByID(id string) (*cache.CachedPattern, bool) {
	timer := s.startTimer("get")
	defer timer()
	return s.cache.Get(id)
}

// Stats returns the counter snapshot.
func (s *Service) Stats() StatsSnapshot {
	timer := s.startTimer("stats")
	defer timer()

	cs := s.cache.Snapshot()
	snap := StatsSnapshot{
		Cached:    cs.Count,
		Hits:      cs.Hits,
		Misses:    cs.Misses,
		HitRatio:  cs.HitRatio,
		UptimeSec: time.Since(s.startedAt).Seconds(),
	}
	if s.pipeline != nil {
		snap.EventsProcessed = s.pipeline.Processed()
		snap.LastEventTS = s.pipeline.LastEvent()
	}
	if s.sessions != nil {
		snap.ActiveSessions = s.sessions.SessionCount()
	}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mem, err := proc.MemoryInfo(); err == nil {
			snap.MemoryMB = float64(mem.RSS) / (1024 * 1024)
		}
	}
	return snap
}

// Summary returns aggregated distributions over the cache.
func (s *Service) Summary() cache.Summary {
	timer := s.startTimer("summary")
	defer timer()
	return s.cache.Summarize(10)
}

// Health aggregates component health: unhealthy when a critical
// component is down, degraded when any other is.
func (s *Service) Health() HealthReport {
	report := HealthReport{
		Status:     "healthy",
		Components: make(map[string]string, len(s.components)),
		Timestamp:  time.Now(),
	}
	for _, c := range s.components {
		if c.check.Healthy() {
			report.Components[c.name] = "healthy"
			continue
		}
		report.Components[c.name] = "unhealthy"
		if c.critical {
			report.Status = "unhealthy"
		} else if report.Status == "healthy" {
			report.Status = "degraded"
		}
	}
	return report
}

func (s *Service) startTimer(op string) func() {
	start := time.Now()
	return func() {
		s.metrics.QueryDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

// normalize validates raw parameters into a cache query. per_page above
// the cap clamps rather than errors.
func normalize(p ScanParams) (*cache.ScanQuery, *Error) {
	if p.Page < 1 {
		return nil, validationError("page", "page must be >= 1")
	}
	if p.PerPage < 1 {
		return nil, validationError("per_page", "per_page must be >= 1")
	}
	if p.PerPage > maxPerPage {
		p.PerPage = maxPerPage
	}

	sortBy := p.SortBy
	switch sortBy {
	case "":
		sortBy = "detected_at"
	case "confidence", "detected_at", "symbol":
	default:
		return nil, validationError("sort_by", "sort_by must be one of confidence, detected_at, symbol")
	}

	var desc bool
	switch strings.ToLower(p.SortDir) {
	case "", "desc":
		desc = true
	case "asc":
		desc = false
	default:
		return nil, validationError("sort_dir", "sort_dir must be asc or desc")
	}

	if p.MinConfidence != nil && (*p.MinConfidence < 0 || *p.MinConfidence > 1) {
		return nil, validationError("min_confidence", "min_confidence must be within [0,1]")
	}

	q := &cache.ScanQuery{
		MinConfidence: p.MinConfidence,
		RSIMin:        p.RSIMin,
		RSIMax:        p.RSIMax,
		SortBy:        sortBy,
		SortDesc:      desc,
		Page:          p.Page,
		PerPage:       p.PerPage,
	}
	for _, sym := range p.Symbols {
		if sym = strings.ToUpper(strings.TrimSpace(sym)); sym != "" {
			q.Symbols = append(q.Symbols, sym)
		}
	}
	for _, t := range p.Tiers {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			q.Tiers = append(q.Tiers, t)
		}
	}
	for _, n := range p.PatternNames {
		if n = strings.TrimSpace(n); n != "" {
			q.PatternNames = append(q.PatternNames, n)
		}
	}
	return q, nil
}

func containsFold(set []string, v string) bool {
	for _, s := range set {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}
