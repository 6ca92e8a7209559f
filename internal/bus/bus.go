package bus

import (
	"context"
	"time"

	"github.com/flowloop/companion/internal/applog"
)

// Bus is the facade other modules depend on: publish entrypoint plus
// subscription management, backed by a Router and Manager.
type Bus struct {
	router  *Router
	subs    *Manager
	metrics *Metrics
}

// Config is the bus-wide configuration surface named in spec §6.
type Config struct {
	MaxQueueSize         int
	DeliveryTimeout      time.Duration
	MaxRetryAttempts     int
	DeadLetterQueueSize  int
	MetricsInterval      time.Duration
	SlowHandlerThreshold time.Duration
	WorkerCount          int
	DefaultBufferSize    int
}

// DefaultConfig mirrors the teacher eventbus module's defaults.
func DefaultConfig() Config {
	return Config{
		MaxQueueSize:         1000,
		DeliveryTimeout:      5 * time.Second,
		MaxRetryAttempts:     3,
		DeadLetterQueueSize:  500,
		MetricsInterval:      30 * time.Second,
		SlowHandlerThreshold: 200 * time.Millisecond,
		WorkerCount:          4,
		DefaultBufferSize:    64,
	}
}

// NewBus constructs a bus with its own subscription manager, metrics
// collector, and worker-pool router.
func NewBus(cfg Config, log applog.Logger) *Bus {
	subs := NewManager()
	metrics := NewMetrics()
	router := NewRouter(RouterConfig{
		MaxQueueSize:    cfg.MaxQueueSize,
		WorkerCount:     cfg.WorkerCount,
		DeliveryTimeout: cfg.DeliveryTimeout,
	}, subs, metrics, log)

	return &Bus{router: router, subs: subs, metrics: metrics}
}

// Start launches the worker pool.
func (b *Bus) Start(ctx context.Context) { b.router.Start(ctx) }

// Stop stops the worker pool; envelopes still queued are not delivered.
func (b *Bus) Stop(ctx context.Context) error { return b.router.Stop(ctx) }

// Publish routes an envelope; never blocks the caller (see Router.Publish).
func (b *Bus) Publish(e Envelope) error { return b.router.Publish(e) }

// Subscribe registers a new subscription and returns it; the caller reads
// delivered envelopes from Subscription.Receive().
func (b *Bus) Subscribe(subscriberModule string, filter Filter, mode DeliveryMode, bufferSize int, reliableTimeout time.Duration) *Subscription {
	sub := NewSubscription(subscriberModule, filter, mode, bufferSize, reliableTimeout)
	b.subs.Add(sub)
	return sub
}

// Unsubscribe removes a subscription by ID so it receives no further
// envelopes. It does not call Cancel, so the subscription's Done channel
// stays open.
func (b *Bus) Unsubscribe(id string) bool {
	b.subs.Remove(id)
	return true
}

// RegisterDirectRoute wires a high-frequency (source, kind) bypass channel.
func (b *Bus) RegisterDirectRoute(source string, kind PayloadKind, ch chan Envelope) {
	b.router.RegisterDirectRoute(source, kind, ch)
}

// SetDeadLetterSink wires the fault layer's dead-letter queue.
func (b *Bus) SetDeadLetterSink(sink DeadLetterSink) { b.router.SetDeadLetterSink(sink) }

// Metrics returns a snapshot of bus-wide metrics.
func (b *Bus) Metrics() Snapshot { return b.metrics.Snapshot(b.subs.Count()) }

// SubscriptionCount returns the number of live subscriptions.
func (b *Bus) SubscriptionCount() int { return b.subs.Count() }
