package buffer

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantsignal/patterncast/internal/metrics"
	"github.com/quantsignal/patterncast/internal/models"
)

// Sink receives the aggregated batches emitted on each flush cycle.
type Sink interface {
	BroadcastBatch(kind models.EventKind, events []*models.Event)
}

// PriorityHigh marks records flushed ahead of normal ones within a
// batch. Patterns with confidence at or above this bound are high
// priority.
const (
	PriorityNormal = 0
	PriorityHigh   = 1

	HighConfidenceBound = 0.8
)

// record is the single aggregation slot for a (kind, key) pair within
// one flush cycle. Event is overwritten on every add; firstSeen keeps
// the insertion position.
type record struct {
	key       string
	event     *models.Event
	priority  int
	firstSeen time.Time
}

type kindBuffer struct {
	records map[string]*record
	order   []string
}

// Buffer aggregates high-frequency events per (kind, key) and flushes
// on a fixed cadence. The only dedup criterion is key identity within
// the current flush cycle: no timestamp windows, ever. A previous
// design compared wall-clock time against a payload field that was
// never populated and starved the stream for minutes.
type Buffer struct {
	mu    sync.Mutex
	kinds map[models.EventKind]*kindBuffer

	interval time.Duration
	maxSize  int
	sink     Sink
	metrics  *metrics.Registry

	started   bool
	closeOnce sync.Once
	closeCh   chan struct{}
	doneCh    chan struct{}
}

// New builds a buffer flushing to sink every interval.
func New(interval time.Duration, maxSize int, sink Sink, m *metrics.Registry) *Buffer {
	if m == nil {
		m = metrics.NewRegistry()
	}
	return &Buffer{
		kinds:    make(map[models.EventKind]*kindBuffer),
		interval: interval,
		maxSize:  maxSize,
		sink:     sink,
		metrics:  m,
		closeCh:  make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Add aggregates an event under (kind, key). A key already buffered in
// this cycle has its event replaced in place, keeping its insertion
// position. When the kind's buffer is full, the record added earliest
// in the cycle is evicted.
func (b *Buffer) Add(kind models.EventKind, key string, e *models.Event, priority int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	kb, ok := b.kinds[kind]
	if !ok {
		kb = &kindBuffer{records: make(map[string]*record)}
		b.kinds[kind] = kb
	}

	if rec, ok := kb.records[key]; ok {
		rec.event = e
		rec.priority = priority
		return
	}

	if len(kb.order) >= b.maxSize {
		oldest := kb.order[0]
		kb.order = kb.order[1:]
		delete(kb.records, oldest)
		b.metrics.BufferOverflow.WithLabelValues(string(kind)).Inc()
		log.Warn().Str("kind", string(kind)).Str("evicted", oldest).Msg("Streaming buffer overflow")
	}

	kb.records[key] = &record{key: key, event: e, priority: priority, firstSeen: time.Now()}
	kb.order = append(kb.order, key)
}

// AddEvent derives key and priority from the event and aggregates it.
func (b *Buffer) AddEvent(e *models.Event) {
	priority := PriorityNormal
	if conf, ok := e.Confidence(); ok && conf >= HighConfidenceBound {
		priority = PriorityHigh
	}
	b.Add(e.Kind, e.Symbol()+":"+e.Name(), e, priority)
}

// Start launches the periodic flush loop.
func (b *Buffer) Start() {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.mu.Unlock()
	go b.flushLoop()
}

// Stop halts the loop and performs one final flush so nothing buffered
// is lost on shutdown.
func (b *Buffer) Stop() {
	b.closeOnce.Do(func() {
		close(b.closeCh)
		b.mu.Lock()
		started := b.started
		b.mu.Unlock()
		if started {
			<-b.doneCh
		}
		b.Flush()
	})
}

// Flush emits every buffered record, high priority first and insertion
// order within a priority class, then clears the cycle. An empty buffer
// emits nothing.
func (b *Buffer) Flush() {
	b.mu.Lock()
	cycles := make(map[models.EventKind][]*models.Event, len(b.kinds))
	for kind, kb := range b.kinds {
		if len(kb.order) == 0 {
			continue
		}
		batch := make([]*models.Event, 0, len(kb.order))
		for _, key := range kb.order {
			if rec := kb.records[key]; rec != nil && rec.priority == PriorityHigh {
				batch = append(batch, rec.event)
			}
		}
		for _, key := range kb.order {
			if rec := kb.records[key]; rec != nil && rec.priority != PriorityHigh {
				batch = append(batch, rec.event)
			}
		}
		cycles[kind] = batch
		kb.records = make(map[string]*record)
		kb.order = kb.order[:0]
	}
	b.mu.Unlock()

	for kind, batch := range cycles {
		b.metrics.FlushBatches.WithLabelValues(string(kind)).Inc()
		b.sink.BroadcastBatch(kind, batch)
	}
}

// Len returns the number of buffered records for a kind.
func (b *Buffer) Len(kind models.EventKind) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if kb, ok := b.kinds[kind]; ok {
		return len(kb.order)
	}
	return 0
}

// Healthy holds while the flush loop is running.
func (b *Buffer) Healthy() bool {
	select {
	case <-b.closeCh:
		return false
	default:
		return true
	}
}

func (b *Buffer) flushLoop() {
	defer close(b.doneCh)
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.closeCh:
			return
		case <-ticker.C:
			b.Flush()
		}
	}
}
