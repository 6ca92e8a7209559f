package bus

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// defaultLatencySamples bounds the delivery-latency ring buffer (spec §4.4).
const defaultLatencySamples = 10000

// Metrics holds process-wide bus counters. Counters are lock-free atomics;
// only the latency ring uses a short-held mutex, matching the "no global
// locks on hot paths" guidance in spec §9 / §5.
type Metrics struct {
	published atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
	queueDepth atomic.Int64
	bytesPublished atomic.Uint64

	mu       sync.Mutex
	perModule map[string]uint64
	perType   map[PayloadKind]uint64

	latMu      sync.Mutex
	latencies  []time.Duration
	latHead    int
	latFilled  bool
}

// NewMetrics constructs an empty metrics collector.
func NewMetrics() *Metrics {
	return &Metrics{
		perModule: make(map[string]uint64),
		perType:   make(map[PayloadKind]uint64),
		latencies: make([]time.Duration, defaultLatencySamples),
	}
}

// RecordPublish increments the publish counter and the per-type count, and
// folds in sizeBytes — the router's approxPayloadSize estimate for this
// envelope's kind (spec §4.3 step 1) — to the running byte-size total.
func (m *Metrics) RecordPublish(kind PayloadKind, sizeBytes int) {
	m.published.Add(1)
	m.bytesPublished.Add(uint64(sizeBytes))
	m.mu.Lock()
	m.perType[kind]++
	m.mu.Unlock()
}

// RecordQueueDepth sets the current depth of the router's general queue.
func (m *Metrics) RecordQueueDepth(n int) {
	m.queueDepth.Store(int64(n))
}

// RecordDelivery folds one worker's DeliveryStats and latency sample into
// the running totals for the module that published the envelope.
func (m *Metrics) RecordDelivery(module string, stats DeliveryStats, latency time.Duration) {
	m.delivered.Add(uint64(stats.Successful))
	failures := uint64(stats.QueueFull + stats.Disconnected + stats.Timeout)
	m.failed.Add(failures)

	m.mu.Lock()
	m.perModule[module] += uint64(stats.Successful)
	m.mu.Unlock()

	m.latMu.Lock()
	m.latencies[m.latHead] = latency
	m.latHead = (m.latHead + 1) % len(m.latencies)
	if m.latHead == 0 {
		m.latFilled = true
	}
	m.latMu.Unlock()
}

// Snapshot is a value-typed, consistent picture of bus health at a point in
// time (spec §4.4: "without freezing the world" — each field is read under
// its own brief lock, not a single global one).
type Snapshot struct {
	Published          uint64
	Delivered          uint64
	Failed             uint64
	BytesPublished     uint64
	CurrentQueueDepth  int64
	SubscriptionCounts int
	PerModule          map[string]uint64
	PerType            map[PayloadKind]uint64
	LatencyP50         time.Duration
	LatencyP95         time.Duration
	LatencyP99         time.Duration
}

// Snapshot returns a consistent-enough point-in-time view of the metrics.
// subscriptionCounts is supplied by the caller (the Manager) since the
// Metrics collector does not own subscription state.
func (m *Metrics) Snapshot(subscriptionCounts int) Snapshot {
	m.mu.Lock()
	perModule := make(map[string]uint64, len(m.perModule))
	for k, v := range m.perModule {
		perModule[k] = v
	}
	perType := make(map[PayloadKind]uint64, len(m.perType))
	for k, v := range m.perType {
		perType[k] = v
	}
	m.mu.Unlock()

	p50, p95, p99 := m.percentiles()

	return Snapshot{
		Published:          m.published.Load(),
		Delivered:          m.delivered.Load(),
		Failed:             m.failed.Load(),
		BytesPublished:     m.bytesPublished.Load(),
		CurrentQueueDepth:  m.queueDepth.Load(),
		SubscriptionCounts: subscriptionCounts,
		PerModule:          perModule,
		PerType:            perType,
		LatencyP50:         p50,
		LatencyP95:         p95,
		LatencyP99:         p99,
	}
}

func (m *Metrics) percentiles() (p50, p95, p99 time.Duration) {
	m.latMu.Lock()
	n := len(m.latencies)
	if !m.latFilled {
		n = m.latHead
	}
	if n == 0 {
		m.latMu.Unlock()
		return 0, 0, 0
	}
	samples := make([]time.Duration, n)
	copy(samples, m.latencies[:n])
	m.latMu.Unlock()

	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })

	pick := func(p float64) time.Duration {
		idx := int(p * float64(len(samples)-1))
		if idx < 0 {
			idx = 0
		}
		if idx >= len(samples) {
			idx = len(samples) - 1
		}
		return samples[idx]
	}
	return pick(0.50), pick(0.95), pick(0.99)
}
