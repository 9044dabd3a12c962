package bus

import (
	"context"
	"sync"
	"time"
)

// StubBus is an in-process bus for tests and development. Publish
// delivers synchronously to the shared message channel when the topic
// has been subscribed; unsubscribed topics drop silently, mirroring
// pub/sub semantics.
type StubBus struct {
	mu      sync.Mutex
	started bool
	topics  map[string]struct{}
	// Topics re-issued after a simulated outage, for assertions.
	resubscribed []string

	msgCh    chan Message
	notifyCh chan Notification
}

// NewStubBus builds a stub bus.
func NewStubBus() *StubBus {
	return &StubBus{
		topics:   make(map[string]struct{}),
		msgCh:    make(chan Message, 1024),
		notifyCh: make(chan Notification, 8),
	}
}

func (b *StubBus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.started = true
	return nil
}

func (b *StubBus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	_, subscribed := b.topics[topic]
	b.mu.Unlock()
	if !subscribed {
		return nil
	}
	select {
	case b.msgCh <- Message{Topic: topic, Payload: payload, ReceivedAt: time.Now()}:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (b *StubBus) Subscribe(ctx context.Context, topics ...string) (<-chan Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started {
		return nil, ErrNotStarted
	}
	for _, t := range topics {
		if _, ok := b.topics[t]; !ok {
			b.resubscribed = append(b.resubscribed, t)
		}
		b.topics[t] = struct{}{}
	}
	return b.msgCh, nil
}

func (b *StubBus) Notifications() <-chan Notification {
	return b.notifyCh
}

func (b *StubBus) Healthy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.started
}

func (b *StubBus) Close() error {
	return nil
}

// SimulateOutage drops all subscriptions and replays the connection
// transition, as a real backend would across a broker restart.
func (b *StubBus) SimulateOutage() {
	b.mu.Lock()
	b.topics = make(map[string]struct{})
	b.resubscribed = nil
	b.mu.Unlock()
	b.notifyCh <- NotifyConnectionLost
	b.notifyCh <- NotifyReconnected
}

// SubscribedTopics returns the currently subscribed topic set.
func (b *StubBus) SubscribedTopics() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.topics))
	for t := range b.topics {
		out = append(out, t)
	}
	return out
}
