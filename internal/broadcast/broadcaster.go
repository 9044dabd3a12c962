package broadcast

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/quantsignal/patterncast/internal/metrics"
	"github.com/quantsignal/patterncast/internal/models"
	"github.com/quantsignal/patterncast/internal/session"
	"github.com/quantsignal/patterncast/internal/store"
	"github.com/quantsignal/patterncast/internal/subindex"
)

// Room names. Every session is placed in the default and system rooms
// on connect; kind rooms are opt-in via join_room, and a session in
// both the default room and a kind room receives the event once per
// room. Cross-room dedup is the client's job.
const (
	DefaultRoom    = "stream"
	SystemRoom     = "system"
	PatternsRoom   = "patterns"
	IndicatorsRoom = "indicators"
	BacktestsRoom  = "backtests"
)

// Wire event names of the session contract.
const (
	EventPattern        = "streaming_pattern"
	EventPatternBatch   = "streaming_patterns_batch"
	EventIndicator      = "streaming_indicator"
	EventIndicatorBatch = "streaming_indicators_batch"
	EventPatternAlert   = "pattern_alert"
	EventStatusUpdate   = "status_update"
	EventCriticalAlert  = "critical_alert"
	EventBacktestProg   = "backtest_progress"
	EventBacktestResult = "backtest_result"
)

const workerQueueSize = 1024

// Options configures a Broadcaster.
type Options struct {
	Workers      int
	RateLimit    int // events per rolling second per client
	SendDeadline time.Duration
	Metrics      *metrics.Registry
}

// Broadcaster fans events out to sessions: match against the
// subscription index, group by room, enforce the per-client rate
// budget, deliver in broadcast order per session. Delivery work is
// sharded across workers by client ID, which is what keeps per-client
// ordering while allowing concurrent producers.
type Broadcaster struct {
	index   *subindex.Index
	opts    Options
	metrics *metrics.Registry

	mu       sync.RWMutex
	sessions map[string]map[*session.Session]struct{}
	rooms    map[string]map[*session.Session]struct{}
	limiters map[string]*rate.Limiter
	rules    []store.AlertRule
	closed   bool

	workers []chan job
	wg      sync.WaitGroup
}

type job struct {
	s        *session.Session
	event    string
	single   interface{}
	items    []interface{}
	enqueued time.Time
}

type detectionPayload struct {
	Detection *models.PatternDetected `json:"detection"`
}

type calculationPayload struct {
	Calculation *models.IndicatorCalculated `json:"calculation"`
}

type batchPayload struct {
	Count      int           `json:"count"`
	Patterns   []interface{} `json:"patterns,omitempty"`
	Indicators []interface{} `json:"indicators,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
}

type alertPayload struct {
	Detection *models.PatternDetected `json:"detection"`
	Rule      store.AlertRule         `json:"rule"`
}

// New builds a broadcaster over the given subscription index.
func New(index *subindex.Index, opts Options) *Broadcaster {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewRegistry()
	}
	b := &Broadcaster{
		index:    index,
		opts:     opts,
		metrics:  opts.Metrics,
		sessions: make(map[string]map[*session.Session]struct{}),
		rooms:    make(map[string]map[*session.Session]struct{}),
		limiters: make(map[string]*rate.Limiter),
		workers:  make([]chan job, opts.Workers),
	}
	for i := range b.workers {
		b.workers[i] = make(chan job, workerQueueSize)
	}
	return b
}

// Start launches the delivery workers.
func (b *Broadcaster) Start() {
	for _, ch := range b.workers {
		b.wg.Add(1)
		go b.worker(ch)
	}
}

// Stop drains the workers and closes every session.
func (b *Broadcaster) Stop() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var all []*session.Session
	for _, set := range b.sessions {
		for s := range set {
			all = append(all, s)
		}
	}
	b.mu.Unlock()

	for _, ch := range b.workers {
		close(ch)
	}
	b.wg.Wait()
	for _, s := range all {
		s.Close()
	}
}

// Healthy holds while the broadcaster accepts events.
func (b *Broadcaster) Healthy() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// SessionCount returns the number of live sessions.
func (b *Broadcaster) SessionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, set := range b.sessions {
		n += len(set)
	}
	return n
}

// SetAlertRules swaps in the current per-user alert rule set.
func (b *Broadcaster) SetAlertRules(rules []store.AlertRule) {
	b.mu.Lock()
	b.rules = rules
	b.mu.Unlock()
}

// Broadcast delivers one event. Pattern and indicator events are
// matched against the subscription index; system kinds go to their
// rooms without matching. Safe for concurrent producers.
func (b *Broadcaster) Broadcast(e *models.Event) {
	now := time.Now()
	switch e.Kind {
	case models.KindPattern:
		payload := detectionPayload{Detection: e.Pattern}
		b.deliverMatched(e, EventPattern, payload, kindRoom(e.Kind), now)
		b.deliverAlerts([]*models.PatternDetected{e.Pattern}, now)
	case models.KindIndicator:
		payload := calculationPayload{Calculation: e.Indicator}
		b.deliverMatched(e, EventIndicator, payload, kindRoom(e.Kind), now)
	case models.KindHealth:
		b.deliverRoom(SystemRoom, EventStatusUpdate, e.Health, now)
	case models.KindSessionStarted, models.KindSessionStopped:
		b.deliverRoom(SystemRoom, EventStatusUpdate, map[string]interface{}{
			"kind":    string(e.Kind),
			"session": e.Session,
		}, now)
	case models.KindCriticalAlert:
		b.deliverRoom(SystemRoom, EventCriticalAlert, e.Raw, now)
	case models.KindBacktestProgress:
		b.deliverRoom(BacktestsRoom, EventBacktestProg, e.Raw, now)
	case models.KindBacktestResult:
		b.deliverRoom(BacktestsRoom, EventBacktestResult, e.Raw, now)
	}
}

// BroadcastBatch delivers one flush cycle's batch for a kind: each
// matching client receives a single batched envelope with the items
// admitted by its subscription, in batch order.
func (b *Broadcaster) BroadcastBatch(kind models.EventKind, events []*models.Event) {
	if len(events) == 0 {
		return
	}
	if kind != models.KindPattern && kind != models.KindIndicator {
		for _, e := range events {
			b.Broadcast(e)
		}
		return
	}

	now := time.Now()
	perClient := make(map[string][]interface{})
	order := make([]string, 0)
	var detections []*models.PatternDetected

	for _, e := range events {
		var item interface{}
		switch kind {
		case models.KindPattern:
			item = e.Pattern
			detections = append(detections, e.Pattern)
		case models.KindIndicator:
			item = e.Indicator
		}
		for _, clientID := range b.index.Match(e) {
			if _, ok := perClient[clientID]; !ok {
				order = append(order, clientID)
			}
			perClient[clientID] = append(perClient[clientID], item)
		}
	}

	event := EventPatternBatch
	if kind == models.KindIndicator {
		event = EventIndicatorBatch
	}

	for _, clientID := range order {
		items := perClient[clientID]
		for _, s := range b.clientSessions(clientID) {
			for range b.deliveryRooms(s, kindRoom(kind)) {
				b.enqueue(job{s: s, event: event, items: items, enqueued: now})
			}
		}
	}

	if kind == models.KindPattern {
		b.deliverAlerts(detections, now)
	}
}

// Connect implements session.Ops: register and auto-join the default
// and system rooms.
func (b *Broadcaster) Connect(s *session.Session) {
	b.mu.Lock()
	set, ok := b.sessions[s.ClientID]
	if !ok {
		set = make(map[*session.Session]struct{})
		b.sessions[s.ClientID] = set
	}
	set[s] = struct{}{}
	b.joinLocked(s, DefaultRoom)
	b.joinLocked(s, SystemRoom)
	b.mu.Unlock()

	b.metrics.ActiveSessions.Inc()
	log.Info().Str("client", s.ClientID).Str("session", s.ID).Msg("Session connected")
}

// Subscribe installs the client's predicate and acks on the session.
func (b *Broadcaster) Subscribe(s *session.Session, pred models.Predicate) {
	b.index.Subscribe(s.ClientID, pred)
	s.Send(session.Envelope{Event: EventStatusUpdate, Data: map[string]string{
		"status": "subscribed",
	}}, b.opts.SendDeadline)
}

// Unsubscribe removes the client's predicate.
func (b *Broadcaster) Unsubscribe(s *session.Session) {
	b.index.Unsubscribe(s.ClientID)
	s.Send(session.Envelope{Event: EventStatusUpdate, Data: map[string]string{
		"status": "unsubscribed",
	}}, b.opts.SendDeadline)
}

// JoinRoom adds the session to a room.
func (b *Broadcaster) JoinRoom(s *session.Session, room string) {
	b.mu.Lock()
	b.joinLocked(s, room)
	b.mu.Unlock()
	s.Send(session.Envelope{Event: EventStatusUpdate, Data: map[string]string{
		"status": "joined", "room": room,
	}}, b.opts.SendDeadline)
}

// LeaveRoom removes the session from a room.
func (b *Broadcaster) LeaveRoom(s *session.Session, room string) {
	b.mu.Lock()
	b.leaveLocked(s, room)
	b.mu.Unlock()
	s.Send(session.Envelope{Event: EventStatusUpdate, Data: map[string]string{
		"status": "left", "room": room,
	}}, b.opts.SendDeadline)
}

// Disconnect tears down all state for the session. When it was the
// client's last session, the subscription and rate-limit state go too.
func (b *Broadcaster) Disconnect(s *session.Session) {
	b.mu.Lock()
	for room := range b.rooms {
		delete(b.rooms[room], s)
		if len(b.rooms[room]) == 0 {
			delete(b.rooms, room)
		}
	}
	lastSession := false
	if set, ok := b.sessions[s.ClientID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(b.sessions, s.ClientID)
			delete(b.limiters, s.ClientID)
			lastSession = true
		}
	}
	b.mu.Unlock()

	if lastSession {
		b.index.Unsubscribe(s.ClientID)
	}
	s.Close()
	b.metrics.ActiveSessions.Dec()
	log.Info().Str("client", s.ClientID).Str("session", s.ID).Msg("Session disconnected")
}

func (b *Broadcaster) deliverMatched(e *models.Event, event string, payload interface{}, room string, now time.Time) {
	for _, clientID := range b.index.Match(e) {
		for _, s := range b.clientSessions(clientID) {
			for range b.deliveryRooms(s, room) {
				b.enqueue(job{s: s, event: event, single: payload, enqueued: now})
			}
		}
	}
}

func (b *Broadcaster) deliverRoom(room, event string, payload interface{}, now time.Time) {
	b.mu.RLock()
	members := make([]*session.Session, 0, len(b.rooms[room]))
	for s := range b.rooms[room] {
		members = append(members, s)
	}
	b.mu.RUnlock()
	for _, s := range members {
		b.enqueue(job{s: s, event: event, single: payload, enqueued: now})
	}
}

func (b *Broadcaster) deliverAlerts(detections []*models.PatternDetected, now time.Time) {
	b.mu.RLock()
	rules := b.rules
	b.mu.RUnlock()
	if len(rules) == 0 {
		return
	}
	for _, d := range detections {
		for _, rule := range rules {
			if !rule.Matches(d.Symbol, d.PatternName, d.Confidence) {
				continue
			}
			for _, s := range b.clientSessions(rule.ClientID) {
				b.enqueue(job{s: s, event: EventPatternAlert, single: alertPayload{Detection: d, Rule: rule}, enqueued: now})
			}
		}
	}
}

// deliveryRooms returns one entry per room through which the session
// receives this event: the default room plus the kind room when joined.
func (b *Broadcaster) deliveryRooms(s *session.Session, kindRoom string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var rooms []string
	if _, ok := b.rooms[DefaultRoom][s]; ok {
		rooms = append(rooms, DefaultRoom)
	}
	if kindRoom != "" {
		if _, ok := b.rooms[kindRoom][s]; ok {
			rooms = append(rooms, kindRoom)
		}
	}
	return rooms
}

func (b *Broadcaster) clientSessions(clientID string) []*session.Session {
	b.mu.RLock()
	defer b.mu.RUnlock()
	set := b.sessions[clientID]
	out := make([]*session.Session, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	return out
}

// enqueue routes the job to the client's worker shard. A full shard
// queue drops the job: bounded backpressure, never an unbounded
// backlog.
func (b *Broadcaster) enqueue(j job) {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return
	}
	shard := shardFor(j.s.ClientID, len(b.workers))
	select {
	case b.workers[shard] <- j:
	default:
		b.metrics.DroppedSendDeadline.Inc()
	}
}

func (b *Broadcaster) worker(ch chan job) {
	defer b.wg.Done()
	for j := range ch {
		lim := b.limiter(j.s.ClientID)

		if j.items == nil {
			if !lim.Allow() {
				b.metrics.DroppedRateLimit.Inc()
				continue
			}
			b.emit(j, session.Envelope{Event: j.event, Data: j.single})
			continue
		}

		allowed := takeTokens(lim, len(j.items))
		if dropped := len(j.items) - allowed; dropped > 0 {
			b.metrics.DroppedRateLimit.Add(float64(dropped))
		}
		if allowed == 0 {
			continue
		}
		items := j.items[:allowed]
		payload := batchPayload{Count: len(items), Timestamp: time.Now()}
		if j.event == EventIndicatorBatch {
			payload.Indicators = items
		} else {
			payload.Patterns = items
		}
		b.emit(j, session.Envelope{Event: j.event, Data: payload})
	}
}

func (b *Broadcaster) emit(j job, env session.Envelope) {
	if !j.s.Send(env, b.opts.SendDeadline) {
		b.metrics.DroppedSendDeadline.Inc()
		return
	}
	b.metrics.EventsBroadcast.WithLabelValues(j.event).Inc()
	b.metrics.BroadcastLatency.Observe(time.Since(j.enqueued).Seconds())
}

// limiter returns the client's token bucket, creating it on first use.
func (b *Broadcaster) limiter(clientID string) *rate.Limiter {
	b.mu.RLock()
	lim, ok := b.limiters[clientID]
	b.mu.RUnlock()
	if ok {
		return lim
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if lim, ok := b.limiters[clientID]; ok {
		return lim
	}
	lim = rate.NewLimiter(rate.Limit(b.opts.RateLimit), b.opts.RateLimit)
	b.limiters[clientID] = lim
	return lim
}

// takeTokens consumes up to n tokens, returning how many were granted.
func takeTokens(lim *rate.Limiter, n int) int {
	granted := 0
	for i := 0; i < n; i++ {
		if !lim.Allow() {
			break
		}
		granted++
	}
	return granted
}

func (b *Broadcaster) joinLocked(s *session.Session, room string) {
	set, ok := b.rooms[room]
	if !ok {
		set = make(map[*session.Session]struct{})
		b.rooms[room] = set
	}
	set[s] = struct{}{}
}

func (b *Broadcaster) leaveLocked(s *session.Session, room string) {
	if set, ok := b.rooms[room]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(b.rooms, room)
		}
	}
}

func kindRoom(kind models.EventKind) string {
	switch kind {
	case models.KindPattern:
		return PatternsRoom
	case models.KindIndicator:
		return IndicatorsRoom
	}
	return ""
}

func shardFor(clientID string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(clientID))
	return int(h.Sum32()) % n
}
