package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Registry holds every Prometheus metric the consumer tier exposes.
// It carries its own prometheus.Registry so tests can build isolated
// instances without colliding on the default registerer.
type Registry struct {
	reg *prometheus.Registry

	// Subscriber counters
	EventsConsumed      *prometheus.CounterVec
	DecodeErrors        prometheus.Counter
	DroppedMissingField prometheus.Counter

	// Buffer counters
	BufferOverflow *prometheus.CounterVec
	FlushBatches   *prometheus.CounterVec

	// Broadcast counters
	EventsBroadcast     *prometheus.CounterVec
	DroppedRateLimit    prometheus.Counter
	DroppedSendDeadline prometheus.Counter
	BroadcastLatency    prometheus.Histogram
	ActiveSessions      prometheus.Gauge

	// Cache metrics
	CacheHits      *prometheus.CounterVec
	CacheMisses    *prometheus.CounterVec
	CacheHitRatio  prometheus.Gauge
	CachedPatterns prometheus.Gauge
	CacheEvictions *prometheus.CounterVec

	// Bus metrics
	BusReconnects prometheus.Counter
	BusPublished  prometheus.Counter

	// Query metrics
	QueryDuration *prometheus.HistogramVec
}

// NewRegistry creates a registry with all consumer metrics registered.
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		EventsConsumed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "patterncast_events_consumed_total",
				Help: "Total events consumed from the bus by channel",
			},
			[]string{"channel"},
		),
		DecodeErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "patterncast_decode_errors_total",
				Help: "Total undecodable bus payloads dropped",
			},
		),
		DroppedMissingField: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "patterncast_dropped_missing_field_total",
				Help: "Total events dropped for a missing scoping field",
			},
		),
		BufferOverflow: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "patterncast_buffer_overflow_total",
				Help: "Total buffered records evicted on overflow by kind",
			},
			[]string{"kind"},
		),
		FlushBatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "patterncast_flush_batches_total",
				Help: "Total flush batches emitted by kind",
			},
			[]string{"kind"},
		),
		EventsBroadcast: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "patterncast_events_broadcast_total",
				Help: "Total events delivered to session queues by wire event",
			},
			[]string{"event"},
		),
		DroppedRateLimit: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "patterncast_dropped_rate_limit_total",
				Help: "Total events dropped by per-client rate limiting",
			},
		),
		DroppedSendDeadline: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "patterncast_dropped_send_deadline_total",
				Help: "Total events dropped on per-send deadline misses",
			},
		),
		BroadcastLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "patterncast_broadcast_latency_seconds",
				Help:    "Latency from broadcast call to session enqueue",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
			},
		),
		ActiveSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "patterncast_active_sessions",
				Help: "Currently connected client sessions",
			},
		),
		CacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "patterncast_cache_hits_total",
				Help: "Total cache hits by cache type",
			},
			[]string{"cache_type"},
		),
		CacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "patterncast_cache_misses_total",
				Help: "Total cache misses by cache type",
			},
			[]string{"cache_type"},
		),
		CacheHitRatio: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "patterncast_cache_hit_ratio",
				Help: "Current cache hit ratio (0.0 to 1.0)",
			},
		),
		CachedPatterns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "patterncast_cached_patterns",
				Help: "Patterns currently held in the cache",
			},
		),
		CacheEvictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "patterncast_cache_evictions_total",
				Help: "Total cache evictions by reason",
			},
			[]string{"reason"},
		),
		BusReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "patterncast_bus_reconnects_total",
				Help: "Total bus reconnect cycles",
			},
		),
		BusPublished: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "patterncast_bus_published_total",
				Help: "Total messages published to the bus",
			},
		),
		QueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "patterncast_query_duration_seconds",
				Help:    "Duration of synchronous query operations",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
			},
			[]string{"op"},
		),
	}

	r.reg.MustRegister(
		r.EventsConsumed, r.DecodeErrors, r.DroppedMissingField,
		r.BufferOverflow, r.FlushBatches,
		r.EventsBroadcast, r.DroppedRateLimit, r.DroppedSendDeadline,
		r.BroadcastLatency, r.ActiveSessions,
		r.CacheHits, r.CacheMisses, r.CacheHitRatio, r.CachedPatterns, r.CacheEvictions,
		r.BusReconnects, r.BusPublished,
		r.QueryDuration,
	)
	return r
}

// Handler returns the /metrics HTTP handler for this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// RecordCacheHit records a hit and refreshes the hit-ratio gauge.
func (r *Registry) RecordCacheHit(cacheType string) {
	r.CacheHits.WithLabelValues(cacheType).Inc()
	r.updateCacheHitRatio()
}

// RecordCacheMiss records a miss and refreshes the hit-ratio gauge.
func (r *Registry) RecordCacheMiss(cacheType string) {
	r.CacheMisses.WithLabelValues(cacheType).Inc()
	r.updateCacheHitRatio()
}

var cacheTypes = []string{"pattern", "response"}

func (r *Registry) updateCacheHitRatio() {
	hits := 0.0
	misses := 0.0
	for _, cacheType := range cacheTypes {
		hits += counterValue(r.CacheHits, cacheType)
		misses += counterValue(r.CacheMisses, cacheType)
	}
	if total := hits + misses; total > 0 {
		r.CacheHitRatio.Set(hits / total)
	}
}

// CounterValue reads the current value of a plain counter.
func CounterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

func counterValue(vec *prometheus.CounterVec, labels ...string) float64 {
	c, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		return 0
	}
	return CounterValue(c)
}

// CounterVecValue reads the current value of one series of a CounterVec.
func CounterVecValue(vec *prometheus.CounterVec, labels ...string) float64 {
	return counterValue(vec, labels...)
}
