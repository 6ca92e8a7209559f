package fault

import (
	"sync"
	"time"

	"github.com/flowloop/companion/internal/bus"
)

// Reason names why an envelope landed in the dead-letter queue (spec §4.6).
type Reason int

const (
	MaxRetriesExceeded Reason = iota
	DeliveryTimeout
	SubscriberDead
	BreakerOpen
)

func (r Reason) String() string {
	switch r {
	case DeliveryTimeout:
		return "DeliveryTimeout"
	case SubscriberDead:
		return "SubscriberDead"
	case BreakerOpen:
		return "BreakerOpen"
	default:
		return "MaxRetriesExceeded"
	}
}

// ParseReason maps a reason's String() form back to its value, used by the
// diagnostics /dlq?reason= query filter.
func ParseReason(s string) (Reason, bool) {
	switch s {
	case "MaxRetriesExceeded":
		return MaxRetriesExceeded, true
	case "DeliveryTimeout":
		return DeliveryTimeout, true
	case "SubscriberDead":
		return SubscriberDead, true
	case "BreakerOpen":
		return BreakerOpen, true
	default:
		return 0, false
	}
}

// Entry is one dead-lettered envelope.
type Entry struct {
	Envelope        bus.Envelope
	Reason          Reason
	Attempts        int
	TargetSubs      []string
	LastErr         error
	CorrelationID   string
	At              time.Time
}

// DLQ is a bounded-by-count-and-age ring buffer of dead-lettered envelopes,
// grounded in spec §4.6; no teacher precedent exists for this exact shape, so
// it is new domain logic layered on the same mutex-guarded-slice idiom the
// teacher uses elsewhere (e.g. modules/eventbus/memory.go's buffers).
type DLQ struct {
	mu      sync.Mutex
	maxSize int
	maxAge  time.Duration
	entries []Entry
}

// NewDLQ constructs a dead-letter queue bounded by maxSize entries and maxAge
// retention (0 disables the age bound).
func NewDLQ(maxSize int, maxAge time.Duration) *DLQ {
	if maxSize <= 0 {
		maxSize = 500
	}
	return &DLQ{maxSize: maxSize, maxAge: maxAge}
}

// Record implements bus.DeadLetterSink: folds a router's DeliveryStats into a
// dead-letter reason and appends the entry.
func (q *DLQ) Record(e bus.Envelope, stats bus.DeliveryStats) {
	reason := MaxRetriesExceeded
	switch {
	case stats.Timeout > 0:
		reason = DeliveryTimeout
	case stats.Disconnected > 0:
		reason = SubscriberDead
	case stats.QueueFull > 0:
		reason = MaxRetriesExceeded
	}
	q.Add(Entry{
		Envelope:      e,
		Reason:        reason,
		Attempts:      1,
		CorrelationID: e.CorrelationID,
		At:            time.Now(),
	})
}

// Add appends an entry, evicting the oldest entries past maxSize or maxAge.
func (q *DLQ) Add(entry Entry) {
	if entry.At.IsZero() {
		entry.At = time.Now()
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	q.entries = append(q.entries, entry)
	q.evictLocked()
}

func (q *DLQ) evictLocked() {
	if q.maxAge > 0 {
		cutoff := time.Now().Add(-q.maxAge)
		i := 0
		for i < len(q.entries) && q.entries[i].At.Before(cutoff) {
			i++
		}
		q.entries = q.entries[i:]
	}
	if len(q.entries) > q.maxSize {
		q.entries = q.entries[len(q.entries)-q.maxSize:]
	}
}

// List returns entries matching an optional reason filter (nil matches all).
func (q *DLQ) List(reason *Reason) []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.evictLocked()

	out := make([]Entry, 0, len(q.entries))
	for _, e := range q.entries {
		if reason != nil && e.Reason != *reason {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Replay removes and returns up to n entries for the caller to re-publish.
// Retry state is reset: the returned envelopes carry no memory of previous
// attempts, satisfying the round-trip property that replay mirrors the
// original publish's routing decisions.
func (q *DLQ) Replay(n int) []bus.Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n <= 0 || n > len(q.entries) {
		n = len(q.entries)
	}
	batch := q.entries[:n]
	q.entries = q.entries[n:]

	out := make([]bus.Envelope, len(batch))
	for i, entry := range batch {
		out[i] = entry.Envelope.Clone()
	}
	return out
}

// Len returns the current entry count.
func (q *DLQ) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
