package subscriber

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantsignal/patterncast/internal/buffer"
	"github.com/quantsignal/patterncast/internal/bus"
	"github.com/quantsignal/patterncast/internal/cache"
	"github.com/quantsignal/patterncast/internal/config"
	"github.com/quantsignal/patterncast/internal/metrics"
	"github.com/quantsignal/patterncast/internal/models"
)

// Direct is the non-buffered fan-out path for system events.
type Direct interface {
	Broadcast(e *models.Event)
}

// Subscriber is the single consume loop over the bus topics. It
// decodes, normalizes field names, and routes: patterns to the cache
// and the buffer, indicators to the buffer, system events straight to
// the broadcaster. A bad message is dropped and counted; the loop
// never exits on one.
type Subscriber struct {
	bus         bus.Bus
	channels    config.Channels
	cache       *cache.PatternCache
	buffer      *buffer.Buffer
	broadcaster Direct
	metrics     *metrics.Registry

	processed   atomic.Uint64
	lastEventNS atomic.Int64
	running     atomic.Bool
}

// New builds a subscriber.
func New(b bus.Bus, channels config.Channels, pc *cache.PatternCache, buf *buffer.Buffer, direct Direct, m *metrics.Registry) *Subscriber {
	if m == nil {
		m = metrics.NewRegistry()
	}
	return &Subscriber{
		bus:         b,
		channels:    channels,
		cache:       pc,
		buffer:      buf,
		broadcaster: direct,
		metrics:     m,
	}
}

// Run subscribes to every configured channel and consumes until the
// context is cancelled. After a reconnect notification it re-issues all
// subscriptions: events published during the outage are gone, by
// design.
func (s *Subscriber) Run(ctx context.Context) error {
	topics := s.channels.All()
	msgCh, err := s.bus.Subscribe(ctx, topics...)
	if err != nil {
		return err
	}
	s.running.Store(true)
	defer s.running.Store(false)

	log.Info().Int("topics", len(topics)).Msg("Event subscriber started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-s.bus.Notifications():
			switch n {
			case bus.NotifyConnectionLost:
				log.Warn().Msg("Bus connection lost, awaiting reconnect")
			case bus.NotifyReconnected:
				if _, err := s.bus.Subscribe(ctx, topics...); err != nil {
					log.Error().Err(err).Msg("Re-subscribe after reconnect failed")
					continue
				}
				log.Info().Int("topics", len(topics)).Msg("Subscriptions re-issued after reconnect")
			}
		case msg, ok := <-msgCh:
			if !ok {
				return nil
			}
			s.handle(msg)
		}
	}
}

// Healthy reports whether the consume loop is running.
func (s *Subscriber) Healthy() bool {
	return s.running.Load() && s.bus.Healthy()
}

// Processed returns the number of successfully dispatched events.
func (s *Subscriber) Processed() uint64 {
	return s.processed.Load()
}

// LastEvent returns the arrival time of the most recent dispatched
// event, zero when none arrived yet.
func (s *Subscriber) LastEvent() time.Time {
	ns := s.lastEventNS.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// handle decodes and routes one message. Panics and per-message errors
// stay inside: log, count, continue.
func (s *Subscriber) handle(msg bus.Message) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("topic", msg.Topic).Msg("Subscriber handler panic")
		}
	}()

	s.metrics.EventsConsumed.WithLabelValues(msg.Topic).Inc()

	event, err := s.decode(msg)
	if err != nil {
		if errors.Is(err, models.ErrMissingField) {
			s.metrics.DroppedMissingField.Inc()
			log.Warn().Err(err).Str("topic", msg.Topic).Msg("Event dropped: missing scoping field")
		} else {
			s.metrics.DecodeErrors.Inc()
			log.Warn().Err(err).Str("topic", msg.Topic).Msg("Event dropped: decode failure")
		}
		return
	}

	s.dispatch(event)
	s.processed.Add(1)
	s.lastEventNS.Store(msg.ReceivedAt.UnixNano())
}

func (s *Subscriber) decode(msg bus.Message) (*models.Event, error) {
	ch := s.channels
	switch msg.Topic {
	case ch.PatternsStreaming, ch.PatternsDetected:
		p, err := models.DecodePattern(msg.Payload)
		if err != nil {
			return nil, err
		}
		return &models.Event{Kind: models.KindPattern, Pattern: p}, nil
	case ch.Indicators:
		ind, err := models.DecodeIndicator(msg.Payload)
		if err != nil {
			return nil, err
		}
		return &models.Event{Kind: models.KindIndicator, Indicator: ind}, nil
	case ch.StreamingHealth:
		h, err := models.DecodeHealth(msg.Payload)
		if err != nil {
			return nil, err
		}
		return &models.Event{Kind: models.KindHealth, Health: h}, nil
	case ch.SessionStarted, ch.SessionStopped:
		life, err := models.DecodeSession(msg.Payload)
		if err != nil {
			return nil, err
		}
		kind := models.KindSessionStarted
		if msg.Topic == ch.SessionStopped {
			kind = models.KindSessionStopped
		}
		return &models.Event{Kind: kind, Session: life}, nil
	case ch.CriticalAlerts:
		return passthrough(models.KindCriticalAlert, msg.Payload)
	case ch.BacktestProgress:
		return passthrough(models.KindBacktestProgress, msg.Payload)
	case ch.BacktestResults:
		return passthrough(models.KindBacktestResult, msg.Payload)
	}
	return nil, models.ErrDecode
}

// dispatch routes a decoded event. Cache or buffer failures must not
// block consumption, so both calls are best-effort.
func (s *Subscriber) dispatch(e *models.Event) {
	switch e.Kind {
	case models.KindPattern:
		s.cache.Insert(e.Pattern)
		s.buffer.AddEvent(e)
	case models.KindIndicator:
		s.buffer.AddEvent(e)
	default:
		s.broadcaster.Broadcast(e)
	}
}

// passthrough validates the payload is JSON and wraps it untouched.
func passthrough(kind models.EventKind, payload []byte) (*models.Event, error) {
	if !json.Valid(payload) {
		return nil, models.ErrDecode
	}
	return &models.Event{Kind: kind, Raw: json.RawMessage(payload)}, nil
}
