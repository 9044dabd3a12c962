package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/quantsignal/patterncast/internal/config"
	"github.com/quantsignal/patterncast/internal/metrics"
)

// RedisBus is the primary backend: Redis Pub/Sub with a single logical
// connection, ping-based health and capped-backoff reconnect.
type RedisBus struct {
	client  *redis.Client
	breaker *gobreaker.CircuitBreaker
	metrics *metrics.Registry

	msgCh    chan Message
	notifyCh chan Notification
	closeCh  chan struct{}

	mu           sync.Mutex
	pubsub       *redis.PubSub
	started      bool
	closed       bool
	lastPing     time.Time
	pingFailures int
	degraded     bool
}

// NewRedisBus builds an unstarted Redis bus.
func NewRedisBus(cfg *config.Config, m *metrics.Registry) *RedisBus {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.BusAddress,
		DB:       cfg.BusDB,
		Password: cfg.BusPassword,
	})
	return &RedisBus{
		client:  client,
		metrics: m,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "redis-publish",
			Timeout: 10 * time.Second,
		}),
		msgCh:    make(chan Message, 4096),
		notifyCh: make(chan Notification, 8),
		closeCh:  make(chan struct{}),
	}
}

// Start pings the broker once, fail-fast, and launches the health loop.
func (b *RedisBus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return nil
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := b.client.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("redis bus unreachable: %w", err)
	}
	b.lastPing = time.Now()
	b.started = true

	go b.pingLoop()
	log.Info().Str("bus", "redis").Msg("Bus connection established")
	return nil
}

// Publish sends a payload through the circuit breaker.
func (b *RedisBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if !b.isStarted() {
		return ErrNotStarted
	}
	_, err := b.breaker.Execute(func() (interface{}, error) {
		return nil, b.client.Publish(ctx, topic, payload).Err()
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	b.metrics.BusPublished.Inc()
	return nil
}

// Subscribe issues SUBSCRIBE for the topics and starts a receive loop
// feeding the shared message channel. When the connection drops, the
// loop exits after signalling NotifyConnectionLost and, once the broker
// answers pings again, NotifyReconnected; the subscriber then calls
// Subscribe again to re-issue its topics.
func (b *RedisBus) Subscribe(ctx context.Context, topics ...string) (<-chan Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started {
		return nil, ErrNotStarted
	}
	if b.pubsub != nil {
		_ = b.pubsub.Close()
	}
	b.pubsub = b.client.Subscribe(ctx, topics...)
	go b.receiveLoop(ctx, b.pubsub)

	log.Info().Int("topics", len(topics)).Msg("Bus subscriptions issued")
	return b.msgCh, nil
}

func (b *RedisBus) receiveLoop(ctx context.Context, ps *redis.PubSub) {
	for {
		msg, err := ps.ReceiveMessage(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			case <-b.closeCh:
				return
			default:
			}
			log.Warn().Err(err).Msg("Bus receive failed, entering reconnect")
			_ = ps.Close()
			b.notify(NotifyConnectionLost)
			b.reconnect(ctx)
			return
		}
		select {
		case b.msgCh <- Message{Topic: msg.Channel, Payload: []byte(msg.Payload), ReceivedAt: time.Now()}:
		default:
			// Inbound channel full: consumer is stalled, drop rather
			// than block the receive loop.
			log.Warn().Str("topic", msg.Channel).Msg("Inbound bus channel full, message dropped")
		}
	}
}

// reconnect pings with capped exponential backoff until the broker
// answers, then signals NotifyReconnected.
func (b *RedisBus) reconnect(ctx context.Context) {
	for attempt := 0; ; attempt++ {
		delay := backoffDelay(attempt)
		select {
		case <-ctx.Done():
			return
		case <-b.closeCh:
			return
		case <-time.After(delay):
		}

		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := b.client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.Warn().Err(err).Dur("backoff", delay).Int("attempt", attempt+1).
				Msg("Bus reconnect ping failed")
			continue
		}

		b.mu.Lock()
		b.lastPing = time.Now()
		b.pingFailures = 0
		b.degraded = false
		b.mu.Unlock()

		b.metrics.BusReconnects.Inc()
		log.Info().Int("attempts", attempt+1).Msg("Bus reconnected")
		b.notify(NotifyReconnected)
		return
	}
}

func (b *RedisBus) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.closeCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			err := b.client.Ping(ctx).Err()
			cancel()

			b.mu.Lock()
			if err != nil {
				b.pingFailures++
				if b.pingFailures >= degradedThreshold && !b.degraded {
					b.degraded = true
					log.Error().Int("failures", b.pingFailures).Msg("Bus degraded: consecutive ping failures")
				}
			} else {
				b.lastPing = time.Now()
				b.pingFailures = 0
				b.degraded = false
			}
			b.mu.Unlock()
		}
	}
}

// Notifications reports connection transitions.
func (b *RedisBus) Notifications() <-chan Notification {
	return b.notifyCh
}

// Healthy reports a recent successful ping and no degradation.
func (b *RedisBus) Healthy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.started && !b.degraded && time.Since(b.lastPing) < healthWindow
}

// Close tears down the subscription and the client.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.closeCh)
	if b.pubsub != nil {
		_ = b.pubsub.Close()
	}
	return b.client.Close()
}

func (b *RedisBus) notify(n Notification) {
	select {
	case b.notifyCh <- n:
	default:
	}
}

func (b *RedisBus) isStarted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.started
}
