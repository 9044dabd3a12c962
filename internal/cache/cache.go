package cache

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantsignal/patterncast/internal/metrics"
	"github.com/quantsignal/patterncast/internal/models"
)

const (
	sweepInterval    = 30 * time.Second
	responseCacheCap = 256
)

// CachedPattern is a detection held in the cache, keyed by ID.
type CachedPattern struct {
	ID          string                 `json:"id"`
	Symbol      string                 `json:"symbol"`
	PatternName string                 `json:"pattern_name"`
	Tier        models.Tier            `json:"tier"`
	Confidence  float64                `json:"confidence"`
	DetectedAt  time.Time              `json:"detected_at"`
	ExpiresAt   time.Time              `json:"expires_at"`
	TTL         time.Duration          `json:"-"`
	Raw         map[string]interface{} `json:"parameters,omitempty"`
}

// PatternCache stores detections with TTL eviction and keeps sorted
// indexes on confidence, detection time and (symbol, detection time)
// for range scans. Table and index mutations happen together under the
// write lock, so readers always see a consistent pair.
type PatternCache struct {
	mu           sync.RWMutex
	patterns     map[string]*CachedPattern
	byConfidence sortedIndex
	byDetectedAt sortedIndex
	bySymbolTime sortedIndex

	respMu sync.Mutex
	resp   *responseCache

	ttl        time.Duration
	maxEntries int
	metrics    *metrics.Registry

	inserts    uint64
	evictions  uint64
	lastInsert time.Time

	closeOnce sync.Once
	closeCh   chan struct{}
}

// Options configures a PatternCache.
type Options struct {
	TTL         time.Duration
	MaxEntries  int
	ResponseTTL time.Duration
	Metrics     *metrics.Registry
}

// New builds a cache; the TTL sweeper starts with Start.
func New(opts Options) *PatternCache {
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewRegistry()
	}
	return &PatternCache{
		patterns:   make(map[string]*CachedPattern),
		resp:       newResponseCache(opts.ResponseTTL, responseCacheCap),
		ttl:        opts.TTL,
		maxEntries: opts.MaxEntries,
		metrics:    opts.Metrics,
		closeCh:    make(chan struct{}),
	}
}

// Start launches the periodic TTL sweeper.
func (c *PatternCache) Start() {
	go c.sweepLoop()
}

// Stop halts the sweeper.
func (c *PatternCache) Stop() {
	c.closeOnce.Do(func() { close(c.closeCh) })
}

// Insert stores a detection, replacing any entry with the same ID and
// updating every index in the same critical section. Inserting the same
// detection twice is indistinguishable from inserting it once.
func (c *PatternCache) Insert(p *models.PatternDetected) {
	expires := time.Now().Add(c.ttl)
	if p.ExpiresAt != nil {
		expires = *p.ExpiresAt
	}
	cp := &CachedPattern{
		ID:          p.ID,
		Symbol:      p.Symbol,
		PatternName: p.PatternName,
		Tier:        p.Tier,
		Confidence:  p.Confidence,
		DetectedAt:  p.DetectedAt,
		ExpiresAt:   expires,
		TTL:         c.ttl,
		Raw:         p.Attributes,
	}

	c.mu.Lock()
	if old, ok := c.patterns[cp.ID]; ok {
		c.dropIndexesLocked(old)
	}
	c.patterns[cp.ID] = cp
	c.addIndexesLocked(cp)
	c.inserts++
	c.lastInsert = time.Now()

	// Memory ceiling: evict oldest-by-detection-time first.
	for c.maxEntries > 0 && len(c.patterns) > c.maxEntries {
		oldest := c.byDetectedAt.entries[0]
		c.removeLocked(oldest.id)
		c.evictions++
		c.metrics.CacheEvictions.WithLabelValues("capacity").Inc()
	}
	count := len(c.patterns)
	c.mu.Unlock()

	c.metrics.CachedPatterns.Set(float64(count))
	c.PurgeResponses()
}

// Get returns the cached pattern by ID.
func (c *PatternCache) Get(id string) (*CachedPattern, bool) {
	c.mu.RLock()
	cp, ok := c.patterns[id]
	c.mu.RUnlock()
	if ok {
		c.metrics.RecordCacheHit("pattern")
	} else {
		c.metrics.RecordCacheMiss("pattern")
	}
	return cp, ok
}

// Remove deletes a pattern and its index entries.
func (c *PatternCache) Remove(id string) {
	c.mu.Lock()
	c.removeLocked(id)
	count := len(c.patterns)
	c.mu.Unlock()
	c.metrics.CachedPatterns.Set(float64(count))
	c.PurgeResponses()
}

// Clear drops everything.
func (c *PatternCache) Clear() {
	c.mu.Lock()
	c.patterns = make(map[string]*CachedPattern)
	c.byConfidence.entries = nil
	c.byDetectedAt.entries = nil
	c.bySymbolTime.entries = nil
	c.mu.Unlock()
	c.metrics.CachedPatterns.Set(0)
	c.PurgeResponses()
}

// Len returns the number of cached patterns.
func (c *PatternCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.patterns)
}

// Healthy holds while the in-memory store is usable.
func (c *PatternCache) Healthy() bool { return true }

// ScanQuery is a normalized scan request.
type ScanQuery struct {
	Symbols       []string
	PatternNames  []string
	Tiers         []string
	MinConfidence *float64
	RSIMin        *float64
	RSIMax        *float64
	SortBy        string // confidence | detected_at | symbol
	SortDesc      bool
	Page          int
	PerPage       int
}

// ScanResult is the paged outcome of a scan.
type ScanResult struct {
	Items  []*CachedPattern
	Total  int
	TookMS float64
	Source string // cache | cache_miss
}

// Scan walks the index matching the sort key, applies the residual
// predicates per candidate and pages the result. A response micro-cache
// keyed on the query hash answers repeated queries until the next
// insert purges it.
func (c *PatternCache) Scan(q ScanQuery) *ScanResult {
	start := time.Now()
	key := q.hash()

	c.respMu.Lock()
	cached, ok := c.resp.get(key)
	c.respMu.Unlock()
	if ok {
		c.metrics.RecordCacheHit("response")
		out := *cached
		out.TookMS = float64(time.Since(start).Microseconds()) / 1000.0
		out.Source = "cache"
		return &out
	}
	c.metrics.RecordCacheMiss("response")

	c.mu.RLock()
	index := &c.byDetectedAt
	switch q.SortBy {
	case "confidence":
		index = &c.byConfidence
	case "symbol":
		index = &c.bySymbolTime
	}

	skip := (q.Page - 1) * q.PerPage
	total := 0
	items := make([]*CachedPattern, 0, q.PerPage)
	index.walk(q.SortDesc, func(e indexEntry) bool {
		cp := c.patterns[e.id]
		if cp == nil || !q.matches(cp) {
			return true
		}
		if total >= skip && len(items) < q.PerPage {
			items = append(items, cp)
		}
		total++
		return true
	})
	c.mu.RUnlock()

	result := &ScanResult{
		Items:  items,
		Total:  total,
		TookMS: float64(time.Since(start).Microseconds()) / 1000.0,
		Source: "cache_miss",
	}

	c.respMu.Lock()
	c.resp.put(key, result)
	c.respMu.Unlock()
	return result
}

// PurgeResponses drops the response micro-cache. Called after every
// insert batch; conservative but simple.
func (c *PatternCache) PurgeResponses() {
	c.respMu.Lock()
	c.resp.purge()
	c.respMu.Unlock()
}

func (q ScanQuery) matches(cp *CachedPattern) bool {
	if len(q.Symbols) > 0 && !containsString(q.Symbols, cp.Symbol) {
		return false
	}
	if len(q.PatternNames) > 0 && !containsString(q.PatternNames, cp.PatternName) {
		return false
	}
	if len(q.Tiers) > 0 && !containsString(q.Tiers, string(cp.Tier)) {
		return false
	}
	if q.MinConfidence != nil && cp.Confidence < *q.MinConfidence {
		return false
	}
	if q.RSIMin != nil || q.RSIMax != nil {
		rsi, ok := rawFloat(cp.Raw, "rsi")
		if !ok {
			return false
		}
		if q.RSIMin != nil && rsi < *q.RSIMin {
			return false
		}
		if q.RSIMax != nil && rsi > *q.RSIMax {
			return false
		}
	}
	return true
}

func (q ScanQuery) hash() uint64 {
	h := fnv.New64a()
	write := func(parts ...string) {
		for _, p := range parts {
			h.Write([]byte(p))
			h.Write([]byte{0})
		}
	}
	write(strings.Join(q.Symbols, ","), strings.Join(q.PatternNames, ","), strings.Join(q.Tiers, ","))
	if q.MinConfidence != nil {
		write(fmt.Sprintf("mc=%g", *q.MinConfidence))
	}
	if q.RSIMin != nil {
		write(fmt.Sprintf("rmin=%g", *q.RSIMin))
	}
	if q.RSIMax != nil {
		write(fmt.Sprintf("rmax=%g", *q.RSIMax))
	}
	write(q.SortBy, fmt.Sprintf("desc=%t", q.SortDesc), fmt.Sprintf("p=%d,%d", q.Page, q.PerPage))
	return h.Sum64()
}

// Stats is a counter snapshot of the cache.
type Stats struct {
	Count      int       `json:"count"`
	Hits       float64   `json:"hits"`
	Misses     float64   `json:"misses"`
	HitRatio   float64   `json:"hit_ratio"`
	Inserts    uint64    `json:"inserts"`
	Evictions  uint64    `json:"evictions"`
	LastInsert time.Time `json:"last_insert"`
}

// Snapshot returns the current cache statistics.
func (c *PatternCache) Snapshot() Stats {
	c.mu.RLock()
	s := Stats{
		Count:      len(c.patterns),
		Inserts:    c.inserts,
		Evictions:  c.evictions,
		LastInsert: c.lastInsert,
	}
	c.mu.RUnlock()

	s.Hits = metrics.CounterVecValue(c.metrics.CacheHits, "pattern") +
		metrics.CounterVecValue(c.metrics.CacheHits, "response")
	s.Misses = metrics.CounterVecValue(c.metrics.CacheMisses, "pattern") +
		metrics.CounterVecValue(c.metrics.CacheMisses, "response")
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRatio = s.Hits / total
	}
	return s
}

// Summary aggregates distributions over the cached patterns.
type Summary struct {
	Total        int            `json:"total"`
	TopPatterns  []NameCount    `json:"top_patterns"`
	TopSymbols   []NameCount    `json:"top_symbols"`
	CountsByTier map[string]int `json:"counts_by_tier"`
	HitRatio     float64        `json:"hit_ratio"`
}

// NameCount pairs a value with its occurrence count.
type NameCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// Summarize computes the aggregate distributions.
func (c *PatternCache) Summarize(topN int) Summary {
	c.mu.RLock()
	patterns := make(map[string]int)
	symbols := make(map[string]int)
	tiers := make(map[string]int)
	for _, cp := range c.patterns {
		patterns[cp.PatternName]++
		symbols[cp.Symbol]++
		tiers[string(cp.Tier)]++
	}
	total := len(c.patterns)
	c.mu.RUnlock()

	s := Summary{
		Total:        total,
		TopPatterns:  topCounts(patterns, topN),
		TopSymbols:   topCounts(symbols, topN),
		CountsByTier: tiers,
		HitRatio:     c.Snapshot().HitRatio,
	}
	return s
}

func topCounts(m map[string]int, n int) []NameCount {
	out := make([]NameCount, 0, len(m))
	for name, count := range m {
		out = append(out, NameCount{Name: name, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Name < out[j].Name
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// SweepExpired evicts entries past their expiry, updating indexes in
// the same critical section. Returns the number evicted.
func (c *PatternCache) SweepExpired() int {
	now := time.Now()
	c.mu.Lock()
	var expired []string
	for id, cp := range c.patterns {
		if now.After(cp.ExpiresAt) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		c.removeLocked(id)
		c.evictions++
	}
	count := len(c.patterns)
	c.mu.Unlock()

	if len(expired) > 0 {
		c.metrics.CacheEvictions.WithLabelValues("ttl").Add(float64(len(expired)))
		c.metrics.CachedPatterns.Set(float64(count))
		c.PurgeResponses()
		log.Debug().Int("evicted", len(expired)).Msg("Pattern TTL sweep completed")
	}
	return len(expired)
}

func (c *PatternCache) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closeCh:
			return
		case <-ticker.C:
			c.SweepExpired()
		}
	}
}

func (c *PatternCache) addIndexesLocked(cp *CachedPattern) {
	ts := float64(cp.DetectedAt.UnixMilli())
	c.byConfidence.insert(indexEntry{score: cp.Confidence, id: cp.ID})
	c.byDetectedAt.insert(indexEntry{score: ts, id: cp.ID})
	c.bySymbolTime.insert(indexEntry{symbol: cp.Symbol, score: ts, id: cp.ID})
}

func (c *PatternCache) dropIndexesLocked(cp *CachedPattern) {
	ts := float64(cp.DetectedAt.UnixMilli())
	c.byConfidence.remove(indexEntry{score: cp.Confidence, id: cp.ID})
	c.byDetectedAt.remove(indexEntry{score: ts, id: cp.ID})
	c.bySymbolTime.remove(indexEntry{symbol: cp.Symbol, score: ts, id: cp.ID})
}

func (c *PatternCache) removeLocked(id string) {
	cp, ok := c.patterns[id]
	if !ok {
		return
	}
	c.dropIndexesLocked(cp)
	delete(c.patterns, id)
}

func containsString(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func rawFloat(raw map[string]interface{}, key string) (float64, bool) {
	if raw == nil {
		return 0, false
	}
	switch v := raw[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}
