package subscriber

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/quantsignal/patterncast/internal/buffer"
	"github.com/quantsignal/patterncast/internal/bus"
	"github.com/quantsignal/patterncast/internal/cache"
	"github.com/quantsignal/patterncast/internal/config"
	"github.com/quantsignal/patterncast/internal/metrics"
	"github.com/quantsignal/patterncast/internal/models"
)

type directSpy struct {
	mu     sync.Mutex
	events []*models.Event
}

func (d *directSpy) Broadcast(e *models.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, e)
}

func (d *directSpy) kinds() []models.EventKind {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]models.EventKind, 0, len(d.events))
	for _, e := range d.events {
		out = append(out, e.Kind)
	}
	return out
}

type fixture struct {
	bus    *bus.StubBus
	cache  *cache.PatternCache
	buffer *buffer.Buffer
	direct *directSpy
	sub    *Subscriber
	m      *metrics.Registry
	ch     config.Channels

	cancel context.CancelFunc
	done   chan struct{}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	channels := config.Channels{
		PatternsStreaming: "patterns.streaming",
		PatternsDetected:  "patterns.detected",
		Indicators:        "indicators.streaming",
		StreamingHealth:   "streaming.health",
		SessionStarted:    "streaming.session_started",
		SessionStopped:    "streaming.session_stopped",
		CriticalAlerts:    "alerts.critical",
		BacktestProgress:  "backtesting.progress",
		BacktestResults:   "backtesting.results",
	}

	f := &fixture{
		bus:    bus.NewStubBus(),
		direct: &directSpy{},
		m:      metrics.NewRegistry(),
		ch:     channels,
		done:   make(chan struct{}),
	}
	f.cache = cache.New(cache.Options{TTL: time.Hour, ResponseTTL: time.Minute, Metrics: f.m})
	f.buffer = buffer.New(time.Hour, 100, noopSink{}, f.m)
	f.sub = New(f.bus, f.ch, f.cache, f.buffer, f.direct, f.m)

	if err := f.bus.Start(context.Background()); err != nil {
		t.Fatalf("bus Start() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go func() {
		defer close(f.done)
		_ = f.sub.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-f.done
	})

	// Wait for the consume loop to install its subscriptions.
	deadline := time.Now().Add(2 * time.Second)
	for len(f.bus.SubscribedTopics()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return f
}

type noopSink struct{}

func (noopSink) BroadcastBatch(models.EventKind, []*models.Event) {}

func (f *fixture) publish(t *testing.T, topic, payload string) {
	t.Helper()
	if err := f.bus.Publish(context.Background(), topic, []byte(payload)); err != nil {
		t.Fatalf("Publish(%s) error = %v", topic, err)
	}
}

func (f *fixture) waitProcessed(t *testing.T, n uint64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for f.sub.Processed() < n {
		if time.Now().After(deadline) {
			t.Fatalf("Processed() = %d, expected %d", f.sub.Processed(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSubscriber_RoutesPatterns(t *testing.T) {
	f := newFixture(t)

	f.publish(t, f.ch.PatternsStreaming,
		`{"detection":{"pattern_name":"Doji","symbol":"AAPL","confidence":0.9,"detected_at":1700000000}}`)
	f.waitProcessed(t, 1)

	if f.cache.Len() != 1 {
		t.Errorf("cache Len() = %d, expected the pattern inserted", f.cache.Len())
	}
	if f.buffer.Len(models.KindPattern) != 1 {
		t.Errorf("buffer Len() = %d, expected the pattern buffered", f.buffer.Len(models.KindPattern))
	}
	if got := len(f.direct.kinds()); got != 0 {
		t.Errorf("direct path received %d events, expected patterns to stay buffered", got)
	}
}

func TestSubscriber_BothPatternChannelsConverge(t *testing.T) {
	f := newFixture(t)

	payload := `{"detection":{"pattern_name":"Doji","symbol":"AAPL","confidence":0.9,"detected_at":1700000000}}`
	f.publish(t, f.ch.PatternsStreaming, payload)
	f.publish(t, f.ch.PatternsDetected, payload)
	f.waitProcessed(t, 2)

	// The derived ID dedups the dual-channel publish in the cache.
	if f.cache.Len() != 1 {
		t.Errorf("cache Len() = %d, expected dual-channel detection to converge to 1", f.cache.Len())
	}
}

func TestSubscriber_RoutesIndicators(t *testing.T) {
	f := newFixture(t)

	f.publish(t, f.ch.Indicators,
		`{"calculation":{"indicator_name":"RSI","symbol":"NVDA","values":{"value":61.2},"computed_at":1700000000}}`)
	f.waitProcessed(t, 1)

	if f.cache.Len() != 0 {
		t.Errorf("cache Len() = %d, indicators must not be cached", f.cache.Len())
	}
	if f.buffer.Len(models.KindIndicator) != 1 {
		t.Errorf("buffer Len() = %d, expected the indicator buffered", f.buffer.Len(models.KindIndicator))
	}
}

func TestSubscriber_SystemEventsGoDirect(t *testing.T) {
	f := newFixture(t)

	f.publish(t, f.ch.StreamingHealth, `{"status":"ok","active_symbols":120,"tps":48.5,"ts":1700000000}`)
	f.publish(t, f.ch.CriticalAlerts, `{"level":"critical","message":"feed stalled"}`)
	f.publish(t, f.ch.BacktestProgress, `{"progress":0.4}`)
	f.waitProcessed(t, 3)

	got := f.direct.kinds()
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	want := []models.EventKind{models.KindBacktestProgress, models.KindCriticalAlert, models.KindHealth}
	if len(got) != len(want) {
		t.Fatalf("direct path received %v, expected %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("direct path received %v, expected %v", got, want)
			break
		}
	}
}

func TestSubscriber_BadMessagesAreIsolated(t *testing.T) {
	f := newFixture(t)

	f.publish(t, f.ch.PatternsStreaming, `not json at all`)
	f.publish(t, f.ch.PatternsStreaming, `{"detection":{"confidence":0.9}}`)
	f.publish(t, f.ch.PatternsStreaming,
		`{"detection":{"pattern_name":"Doji","symbol":"AAPL","confidence":0.9,"detected_at":1700000000}}`)
	f.waitProcessed(t, 1)

	if f.cache.Len() != 1 {
		t.Errorf("cache Len() = %d, expected the valid event to survive its bad neighbors", f.cache.Len())
	}
	if got := metrics.CounterValue(f.m.DecodeErrors); got != 1 {
		t.Errorf("DecodeErrors = %v, expected 1", got)
	}
	if got := metrics.CounterValue(f.m.DroppedMissingField); got != 1 {
		t.Errorf("DroppedMissingField = %v, expected 1", got)
	}
}

func TestSubscriber_ResubscribesAfterReconnect(t *testing.T) {
	f := newFixture(t)
	want := len(f.ch.All())

	f.bus.SimulateOutage()

	deadline := time.Now().Add(2 * time.Second)
	for len(f.bus.SubscribedTopics()) < want {
		if time.Now().After(deadline) {
			t.Fatalf("resubscribed to %d topics after reconnect, expected %d",
				len(f.bus.SubscribedTopics()), want)
		}
		time.Sleep(5 * time.Millisecond)
	}

	// The pipeline keeps consuming on the re-issued subscriptions.
	f.publish(t, f.ch.PatternsStreaming,
		`{"detection":{"pattern_name":"Doji","symbol":"AAPL","confidence":0.9,"detected_at":1700000000}}`)
	f.waitProcessed(t, 1)
	if f.cache.Len() != 1 {
		t.Errorf("cache Len() = %d after reconnect, expected 1", f.cache.Len())
	}
}

func TestSubscriber_Healthy(t *testing.T) {
	f := newFixture(t)

	if !f.sub.Healthy() {
		t.Error("Healthy() = false while running on a healthy bus")
	}

	f.cancel()
	<-f.done
	if f.sub.Healthy() {
		t.Error("Healthy() = true after the consume loop exited")
	}
}
