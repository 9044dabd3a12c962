package buffer

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/quantsignal/patterncast/internal/models"
)

type captureSink struct {
	mu      sync.Mutex
	batches []capturedBatch
}

type capturedBatch struct {
	kind   models.EventKind
	events []*models.Event
}

func (s *captureSink) BroadcastBatch(kind models.EventKind, events []*models.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, capturedBatch{kind: kind, events: events})
}

func (s *captureSink) all() []capturedBatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]capturedBatch, len(s.batches))
	copy(out, s.batches)
	return out
}

func patternEvent(symbol, name string, confidence float64) *models.Event {
	return &models.Event{
		Kind: models.KindPattern,
		Pattern: &models.PatternDetected{
			ID:          symbol + ":" + name,
			Symbol:      symbol,
			PatternName: name,
			Tier:        models.TierIntraday,
			Confidence:  confidence,
			DetectedAt:  time.Now(),
		},
	}
}

func TestBuffer_AggregatesByKey(t *testing.T) {
	sink := &captureSink{}
	b := New(time.Hour, 100, sink, nil)

	// Three detections for the same (symbol, pattern) within one cycle
	// collapse to one record holding the latest payload.
	b.AddEvent(patternEvent("AAPL", "Doji", 0.70))
	b.AddEvent(patternEvent("AAPL", "Doji", 0.72))
	b.AddEvent(patternEvent("AAPL", "Doji", 0.74))
	b.AddEvent(patternEvent("MSFT", "Hammer", 0.60))

	if got := b.Len(models.KindPattern); got != 2 {
		t.Fatalf("Len() = %d, expected 2 aggregated records", got)
	}

	b.Flush()
	batches := sink.all()
	if len(batches) != 1 {
		t.Fatalf("sink received %d batches, expected 1", len(batches))
	}
	events := batches[0].events
	if len(events) != 2 {
		t.Fatalf("batch holds %d events, expected 2", len(events))
	}
	if events[0].Pattern.Confidence != 0.74 {
		t.Errorf("aggregated event confidence = %v, expected latest 0.74", events[0].Pattern.Confidence)
	}
}

func TestBuffer_TimestampIrrelevantToDedup(t *testing.T) {
	sink := &captureSink{}
	b := New(time.Hour, 100, sink, nil)

	// Same key with wildly different detection timestamps still
	// aggregates; zero timestamps must not suppress anything either.
	stale := patternEvent("AAPL", "Doji", 0.70)
	stale.Pattern.DetectedAt = time.Time{}
	b.AddEvent(stale)
	recent := patternEvent("AAPL", "Doji", 0.71)
	recent.Pattern.DetectedAt = time.Now().Add(-45 * time.Minute)
	b.AddEvent(recent)

	if got := b.Len(models.KindPattern); got != 1 {
		t.Errorf("Len() = %d, expected key-identity aggregation to 1", got)
	}

	b.Flush()
	b.AddEvent(patternEvent("AAPL", "Doji", 0.72))
	b.Flush()

	// A new cycle must deliver the key again; nothing is held back
	// across flushes.
	if got := len(sink.all()); got != 2 {
		t.Errorf("sink received %d batches, expected one per non-empty cycle (2)", got)
	}
}

func TestBuffer_HighPriorityFlushedFirst(t *testing.T) {
	sink := &captureSink{}
	b := New(time.Hour, 100, sink, nil)

	b.AddEvent(patternEvent("AAPL", "Doji", 0.50))
	b.AddEvent(patternEvent("MSFT", "Hammer", 0.90))
	b.AddEvent(patternEvent("NVDA", "Engulfing", 0.40))
	b.AddEvent(patternEvent("TSLA", "Doji", 0.85))
	b.Flush()

	batches := sink.all()
	if len(batches) != 1 {
		t.Fatalf("sink received %d batches, expected 1", len(batches))
	}
	got := make([]string, 0, 4)
	for _, e := range batches[0].events {
		got = append(got, e.Symbol())
	}
	// High confidence first in insertion order, then the rest in
	// insertion order.
	want := []string{"MSFT", "TSLA", "AAPL", "NVDA"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("flush order = %v, expected %v", got, want)
	}
}

func TestBuffer_OverflowEvictsEarliest(t *testing.T) {
	sink := &captureSink{}
	b := New(time.Hour, 3, sink, nil)

	for i := 0; i < 5; i++ {
		b.AddEvent(patternEvent(fmt.Sprintf("SYM%d", i), "Doji", 0.5))
	}

	if got := b.Len(models.KindPattern); got != 3 {
		t.Fatalf("Len() = %d, expected cap 3", got)
	}

	b.Flush()
	events := sink.all()[0].events
	got := make([]string, 0, 3)
	for _, e := range events {
		got = append(got, e.Symbol())
	}
	want := []string{"SYM2", "SYM3", "SYM4"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("surviving records = %v, expected earliest evicted: %v", got, want)
	}
}

func TestBuffer_EmptyFlushEmitsNothing(t *testing.T) {
	sink := &captureSink{}
	b := New(time.Hour, 100, sink, nil)

	b.Flush()
	b.Flush()

	if got := len(sink.all()); got != 0 {
		t.Errorf("sink received %d batches from empty flushes, expected 0", got)
	}
}

func TestBuffer_PeriodicFlush(t *testing.T) {
	sink := &captureSink{}
	b := New(20*time.Millisecond, 100, sink, nil)
	b.Start()
	defer b.Stop()

	b.AddEvent(patternEvent("AAPL", "Doji", 0.9))

	deadline := time.After(2 * time.Second)
	for len(sink.all()) == 0 {
		select {
		case <-deadline:
			t.Fatal("flush loop never delivered the buffered event")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestBuffer_StopFlushesRemainder(t *testing.T) {
	sink := &captureSink{}
	b := New(time.Hour, 100, sink, nil)
	b.Start()

	b.AddEvent(patternEvent("AAPL", "Doji", 0.9))
	b.Stop()

	batches := sink.all()
	if len(batches) != 1 || len(batches[0].events) != 1 {
		t.Fatalf("final flush delivered %+v, expected the one buffered event", batches)
	}
}

func TestBuffer_StopWithoutStart(t *testing.T) {
	b := New(time.Hour, 100, &captureSink{}, nil)
	done := make(chan struct{})
	go func() {
		b.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop() blocked without a running flush loop")
	}
}
