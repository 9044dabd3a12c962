package bus

import (
	"context"
	"errors"
	"time"

	"github.com/quantsignal/patterncast/internal/config"
	"github.com/quantsignal/patterncast/internal/metrics"
)

// Bus is the consumer's view of the pub/sub transport. Implementations
// own the physical connection, reconnect with capped backoff, and
// surface connection transitions on Notifications. Delivery is
// at-most-once within a live subscription window: nothing is buffered
// or replayed across a disconnect.
type Bus interface {
	// Start establishes the connection. Fail-fast: a dead broker at
	// startup is an initialization error, not a retry loop.
	Start(ctx context.Context) error

	// Publish sends a payload to a topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe issues subscriptions for the topics and returns the
	// shared inbound message channel. After a Reconnected notification
	// the caller must call Subscribe again to re-issue its topics.
	Subscribe(ctx context.Context, topics ...string) (<-chan Message, error)

	// Notifications reports connection loss and recovery.
	Notifications() <-chan Notification

	// Healthy reports whether the last successful ping is recent and
	// the connection is not degraded.
	Healthy() bool

	Close() error
}

// Message is a single inbound bus message.
type Message struct {
	Topic      string
	Payload    []byte
	ReceivedAt time.Time
}

// Notification signals a connection state transition.
type Notification int

const (
	NotifyConnectionLost Notification = iota
	NotifyReconnected
)

// Type selects a bus backend.
type Type string

const (
	TypeRedis Type = "redis"
	TypeNATS  Type = "nats"
	TypeStub  Type = "stub"
)

var (
	ErrUnsupportedBusType = errors.New("unsupported bus type")
	ErrNotStarted         = errors.New("bus not started")
)

const (
	pingInterval = 5 * time.Second
	// Connection is unhealthy once no ping succeeded in this window.
	healthWindow = 10 * time.Second

	reconnectBase = 500 * time.Millisecond
	reconnectCap  = 30 * time.Second

	// Consecutive failures before the pool reports degraded.
	degradedThreshold = 5
)

// New builds the configured bus backend.
func New(cfg *config.Config, m *metrics.Registry) (Bus, error) {
	if m == nil {
		m = metrics.NewRegistry()
	}
	switch Type(cfg.BusType) {
	case TypeRedis:
		return NewRedisBus(cfg, m), nil
	case TypeNATS:
		return NewNATSBus(cfg, m), nil
	case TypeStub:
		return NewStubBus(), nil
	default:
		return nil, ErrUnsupportedBusType
	}
}

// backoffDelay returns the capped exponential reconnect delay for the
// given attempt (0-based).
func backoffDelay(attempt int) time.Duration {
	d := reconnectBase << uint(attempt)
	if d <= 0 || d > reconnectCap {
		return reconnectCap
	}
	return d
}
