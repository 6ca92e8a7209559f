package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowloop/companion/internal/applog"
)

func newTestBus(t *testing.T, cfg Config) *Bus {
	t.Helper()
	b := NewBus(cfg, applog.Noop())
	b.Start(context.Background())
	t.Cleanup(func() {
		_ = b.Stop(context.Background())
	})
	return b
}

func rawEventAt(source string, sec int) Envelope {
	return New(source, RawEvent{
		SessionID: "s1",
		Timestamp: time.Unix(int64(sec), 0).UTC(),
		Data:      KeystrokeData{KeyCode: 65, InterKeyMS: 120},
	})
}

// S1 — fan-out and ordering.
func TestFanOutAndOrdering(t *testing.T) {
	b := newTestBus(t, DefaultConfig())

	subA := b.Subscribe("Storage", Filter{Clauses: []FilterClause{{MessageTypes: []PayloadKind{KindRawEvent}}}}, BestEffort, 16, 0)
	subB := b.Subscribe("AnalysisEngine", Filter{Clauses: []FilterClause{{MessageTypes: []PayloadKind{KindRawEvent}}}}, BestEffort, 16, 0)

	for i := 1; i <= 3; i++ {
		require.NoError(t, b.Publish(rawEventAt("DataCapture", i)))
	}

	for _, sub := range []*Subscription{subA, subB} {
		for i := 1; i <= 3; i++ {
			select {
			case e := <-sub.Receive():
				re := e.Payload.(RawEvent)
				assert.Equal(t, time.Unix(int64(i), 0).UTC(), re.Timestamp)
			case <-time.After(time.Second):
				t.Fatalf("timed out waiting for event %d on %s", i, sub.SubscriberModule())
			}
		}
	}
}

// S2 — backpressure: publishing beyond MaxQueueSize surfaces QueueFull.
func TestBackpressureQueueFull(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxQueueSize = 4
	cfg.WorkerCount = 0

	subs := NewManager()
	metrics := NewMetrics()
	// NewRouter turns WorkerCount 0 into its default pool size, so the router
	// is left unstarted: no worker drains the queue and it fills.
	router := NewRouter(RouterConfig{MaxQueueSize: 4, WorkerCount: 0}, subs, metrics, applog.Noop())
	t.Cleanup(func() { _ = router.Stop(context.Background()) })

	var fullCount int
	for i := 1; i <= 10; i++ {
		err := router.Publish(rawEventAt("DataCapture", i))
		if err != nil {
			var qf *QueueFullError
			require.ErrorAs(t, err, &qf)
			assert.Equal(t, 4, qf.Max)
			fullCount++
		}
	}
	assert.GreaterOrEqual(t, fullCount, 1)
}

// S3 — reliable delivery timeout.
func TestReliableDeliveryTimeout(t *testing.T) {
	subs := NewManager()
	sub := NewSubscription("Gamification", Filter{}, Reliable, 1, 50*time.Millisecond)
	subs.Add(sub)

	// Fill the single-capacity queue without draining it.
	stats1 := subs.Deliver(rawEventAt("DataCapture", 1))
	assert.Equal(t, 1, stats1.Successful)

	start := time.Now()
	stats2 := subs.Deliver(rawEventAt("DataCapture", 2))
	elapsed := time.Since(start)

	assert.Equal(t, 1, stats2.Timeout)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)

	// The subscriber eventually reads the first envelope.
	select {
	case e := <-sub.Receive():
		re := e.Payload.(RawEvent)
		assert.Equal(t, time.Unix(1, 0).UTC(), re.Timestamp)
	default:
		t.Fatal("expected R1 to still be queued")
	}
}

func TestLatestOnlyCoalesces(t *testing.T) {
	subs := NewManager()
	sub := NewSubscription("Figurine", Filter{}, LatestOnly, 1, 0)
	subs.Add(sub)

	for i := 1; i <= 5; i++ {
		subs.Deliver(rawEventAt("DataCapture", i))
	}

	select {
	case e := <-sub.Receive():
		re := e.Payload.(RawEvent)
		assert.Equal(t, time.Unix(5, 0).UTC(), re.Timestamp)
	default:
		t.Fatal("expected a coalesced envelope")
	}

	select {
	case <-sub.Receive():
		t.Fatal("expected exactly one queued envelope")
	default:
	}
}

func TestEnvelopeCloneIsIndependent(t *testing.T) {
	orig := RawEvent{
		SessionID: "s1",
		Data:      KeystrokeData{Modifiers: []string{"shift"}},
	}
	e := New("DataCapture", orig)
	clone := e.Clone()

	cloneData := clone.Payload.(RawEvent).Data.(KeystrokeData)
	cloneData.Modifiers[0] = "mutated"

	origData := e.Payload.(RawEvent).Data.(KeystrokeData)
	assert.Equal(t, "shift", origData.Modifiers[0])
}

func TestFilterEmptyMatchesAll(t *testing.T) {
	f := Filter{}
	assert.True(t, f.Matches("anything", KindRawEvent))
}

func TestSubscriptionManagerRemoveIdempotent(t *testing.T) {
	m := NewManager()
	sub := NewSubscription("X", Filter{}, BestEffort, 4, 0)
	id := m.Add(sub)

	assert.True(t, m.Remove(id))
	assert.False(t, m.Remove(id))
}
