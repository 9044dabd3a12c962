package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/quantsignal/patterncast/internal/config"
	"github.com/quantsignal/patterncast/internal/metrics"
)

// NATSBus is the alternate backend. NATS re-establishes subscriptions
// itself after a reconnect, so Subscribe is idempotent per topic and a
// re-issue after NotifyReconnected is a no-op.
type NATSBus struct {
	addr    string
	breaker *gobreaker.CircuitBreaker
	metrics *metrics.Registry

	msgCh    chan Message
	notifyCh chan Notification

	mu       sync.Mutex
	nc       *nats.Conn
	subs     map[string]*nats.Subscription
	lastPing time.Time
}

// NewNATSBus builds an unstarted NATS bus.
func NewNATSBus(cfg *config.Config, m *metrics.Registry) *NATSBus {
	return &NATSBus{
		addr:    cfg.BusAddress,
		metrics: m,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "nats-publish",
			Timeout: 10 * time.Second,
		}),
		msgCh:    make(chan Message, 4096),
		notifyCh: make(chan Notification, 8),
		subs:     make(map[string]*nats.Subscription),
	}
}

// Start connects fail-fast; reconnects afterwards are handled by the
// client with our backoff cap.
func (b *NATSBus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.nc != nil {
		return nil
	}

	nc, err := nats.Connect(b.addr,
		nats.Timeout(5*time.Second),
		nats.ReconnectWait(reconnectBase),
		nats.MaxReconnects(-1),
		nats.CustomReconnectDelay(func(attempts int) time.Duration {
			return backoffDelay(attempts)
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS connection lost")
			b.notify(NotifyConnectionLost)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			b.mu.Lock()
			b.lastPing = time.Now()
			b.mu.Unlock()
			b.metrics.BusReconnects.Inc()
			log.Info().Msg("NATS reconnected")
			b.notify(NotifyReconnected)
		}),
	)
	if err != nil {
		return fmt.Errorf("nats bus unreachable: %w", err)
	}
	b.nc = nc
	b.lastPing = time.Now()

	go b.pingLoop()
	log.Info().Str("bus", "nats").Msg("Bus connection established")
	return nil
}

// Publish sends a payload through the circuit breaker.
func (b *NATSBus) Publish(ctx context.Context, topic string, payload []byte) error {
	nc := b.conn()
	if nc == nil {
		return ErrNotStarted
	}
	_, err := b.breaker.Execute(func() (interface{}, error) {
		return nil, nc.Publish(topic, payload)
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	b.metrics.BusPublished.Inc()
	return nil
}

// Subscribe registers handlers for any topics not already subscribed.
func (b *NATSBus) Subscribe(ctx context.Context, topics ...string) (<-chan Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.nc == nil {
		return nil, ErrNotStarted
	}
	for _, topic := range topics {
		if _, ok := b.subs[topic]; ok {
			continue
		}
		topic := topic
		sub, err := b.nc.Subscribe(topic, func(m *nats.Msg) {
			select {
			case b.msgCh <- Message{Topic: topic, Payload: m.Data, ReceivedAt: time.Now()}:
			default:
				log.Warn().Str("topic", topic).Msg("Inbound bus channel full, message dropped")
			}
		})
		if err != nil {
			return nil, fmt.Errorf("subscribe %s: %w", topic, err)
		}
		b.subs[topic] = sub
	}
	return b.msgCh, nil
}

func (b *NATSBus) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for range ticker.C {
		nc := b.conn()
		if nc == nil {
			return
		}
		if err := nc.FlushTimeout(3 * time.Second); err == nil && nc.IsConnected() {
			b.mu.Lock()
			b.lastPing = time.Now()
			b.mu.Unlock()
		}
	}
}

// Notifications reports connection transitions.
func (b *NATSBus) Notifications() <-chan Notification {
	return b.notifyCh
}

// Healthy reports a live connection with a recent round trip.
func (b *NATSBus) Healthy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nc != nil && b.nc.IsConnected() && time.Since(b.lastPing) < healthWindow
}

// Close drains and closes the connection.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.nc == nil {
		return nil
	}
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.nc.Close()
	b.nc = nil
	return nil
}

func (b *NATSBus) notify(n Notification) {
	select {
	case b.notifyCh <- n:
	default:
	}
}

func (b *NATSBus) conn() *nats.Conn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nc
}
