package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowloop/companion/internal/applog"
)

// approxPayloadSize is a coarse per-kind byte estimate used only for the
// router's size-estimation metric (spec §4.3 step 1); it is not a real
// serialization and never touches the wire.
var approxPayloadSize = map[PayloadKind]int{
	KindRawEvent:             96,
	KindEventBatch:           2048,
	KindAnalysisComplete:     160,
	KindStateChange:          96,
	KindInterventionRequest:  256,
	KindInterventionResponse: 128,
	KindAnimationCommand:     128,
	KindHealthCheckRequest:   64,
	KindHealthCheckResponse:  64,
	KindConfigUpdate:         128,
	KindShutdown:             64,
	KindModuleReady:          48,
	KindErrorReport:          160,
	KindThrottleAdvisory:     48,
}

// defaultApproxPayloadSize is used for any payload kind not in the table
// above (e.g. a future variant added without a table entry).
const defaultApproxPayloadSize = 96

// RouteKey names a direct-route bypass (spec §4.3 step 2). No entry is
// registered by default: the table stays empty unless a caller adds one
// through RegisterDirectRoute.
type RouteKey struct {
	Source string
	Kind   PayloadKind
}

// RouterConfig carries the subset of the bus configuration surface (§6)
// the router consumes directly.
type RouterConfig struct {
	MaxQueueSize    int
	WorkerCount     int
	DeliveryTimeout time.Duration
}

// DefaultRouterConfig mirrors the teacher eventbus module's defaults.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		MaxQueueSize:    1000,
		WorkerCount:     4,
		DeliveryTimeout: 5 * time.Second,
	}
}

// DeadLetterSink receives envelopes a worker could not fully deliver, for
// the fault layer (C6) to record in the dead-letter queue.
type DeadLetterSink interface {
	Record(e Envelope, stats DeliveryStats)
}

// Router is the bus's publish entrypoint and worker pool (spec §4.3).
type Router struct {
	cfg     RouterConfig
	subs    *Manager
	metrics *Metrics
	log     applog.Logger
	dlq     DeadLetterSink

	queue chan Envelope
	seq   atomic.Uint64

	direct   map[RouteKey]chan Envelope
	directMu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
}

// NewRouter constructs a router bound to a subscription manager and metrics
// collector. Start must be called before Publish is used.
func NewRouter(cfg RouterConfig, subs *Manager, metrics *Metrics, log applog.Logger) *Router {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 1000
	}
	return &Router{
		cfg:     cfg,
		subs:    subs,
		metrics: metrics,
		log:     log,
		queue:   make(chan Envelope, cfg.MaxQueueSize),
		direct:  make(map[RouteKey]chan Envelope),
	}
}

// SetDeadLetterSink wires the fault layer's DLQ. Optional; if unset,
// undeliverable envelopes are simply counted in metrics and dropped.
func (r *Router) SetDeadLetterSink(sink DeadLetterSink) {
	r.dlq = sink
}

// RegisterDirectRoute wires a dedicated channel for a high-frequency
// (source, kind) pair, bypassing the general queue and subscription
// fan-out entirely. This is a latency optimization only (spec §4.3 step 2);
// correctness never depends on a direct route being present.
func (r *Router) RegisterDirectRoute(source string, kind PayloadKind, ch chan Envelope) {
	r.directMu.Lock()
	defer r.directMu.Unlock()
	r.direct[RouteKey{Source: source, Kind: kind}] = ch
}

// Start launches the worker pool.
func (r *Router) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	for i := 0; i < r.cfg.WorkerCount; i++ {
		r.wg.Add(1)
		go r.work()
	}
	r.started = true
}

// Stop signals workers to exit, waiting up to the context's deadline.
// Envelopes still in the queue are not delivered.
func (r *Router) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = false
	r.mu.Unlock()

	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ErrBusShutdown
	}
}

// Publish is the bus's only entrypoint for new envelopes. It never blocks:
// on a full queue it returns a *QueueFullError and the publisher retains
// ownership of the intent to republish (spec invariant, boundary behaviors).
func (r *Router) Publish(e Envelope) error {
	seq := r.seq.Add(1)
	e = e.stamp(seq)

	size, ok := approxPayloadSize[e.MessageType()]
	if !ok {
		size = defaultApproxPayloadSize
	}
	r.metrics.RecordPublish(e.MessageType(), size)

	if ch := r.lookupDirectRoute(e.Source, e.MessageType()); ch != nil {
		select {
		case ch <- e:
			return nil
		default:
			// Direct path saturated: fall through to the general queue.
		}
	}

	select {
	case r.queue <- e:
		r.metrics.RecordQueueDepth(len(r.queue))
		return nil
	default:
		r.metrics.RecordQueueDepth(len(r.queue))
		return &QueueFullError{Current: len(r.queue), Max: r.cfg.MaxQueueSize}
	}
}

func (r *Router) lookupDirectRoute(source string, kind PayloadKind) chan Envelope {
	r.directMu.RLock()
	defer r.directMu.RUnlock()
	return r.direct[RouteKey{Source: source, Kind: kind}]
}

func (r *Router) work() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case e := <-r.queue:
			r.metrics.RecordQueueDepth(len(r.queue))
			start := time.Now()
			stats := r.subs.Deliver(e)
			latency := time.Since(start)
			r.metrics.RecordDelivery(e.Source, stats, latency)

			if r.dlq != nil && (stats.QueueFull > 0 || stats.Timeout > 0 || stats.Disconnected > 0) {
				r.dlq.Record(e, stats)
			}
		}
	}
}
