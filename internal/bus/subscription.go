package bus

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// DeliveryMode is the per-subscription backpressure policy (spec §3, §4.2).
type DeliveryMode int

const (
	BestEffort DeliveryMode = iota
	Reliable
	LatestOnly
)

// FilterClause is one disjunct of a Filter: message_types and sources within
// a clause are ANDed (both constraints must hold, when present); clauses
// across a Filter are ORed. An empty slice within a clause means "any".
type FilterClause struct {
	MessageTypes []PayloadKind
	Sources      []string
}

func (c FilterClause) matches(source string, kind PayloadKind) bool {
	if len(c.MessageTypes) > 0 && !containsKind(c.MessageTypes, kind) {
		return false
	}
	if len(c.Sources) > 0 && !containsStr(c.Sources, source) {
		return false
	}
	return true
}

// Filter selects which envelopes a subscription receives. An empty Filter
// (no clauses) matches everything.
type Filter struct {
	Clauses []FilterClause
}

// Matches reports whether the filter admits an envelope from source with
// the given message kind.
func (f Filter) Matches(source string, kind PayloadKind) bool {
	if len(f.Clauses) == 0 {
		return true
	}
	for _, c := range f.Clauses {
		if c.matches(source, kind) {
			return true
		}
	}
	return false
}

func containsKind(xs []PayloadKind, x PayloadKind) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

func containsStr(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

// DeliveryStats reports the outcome of fanning one envelope out to every
// matched subscription (spec §4.2).
type DeliveryStats struct {
	Successful   int
	QueueFull    int
	Disconnected int
	Timeout      int
}

// Subscription is a live registration created by Manager.Add. Queue
// capacity is the caller's bufferSize for BestEffort and Reliable, and 1
// for LatestOnly.
type Subscription struct {
	id               string
	subscriberModule string
	filter           Filter
	mode             DeliveryMode
	reliableTimeout  time.Duration
	queue            chan Envelope

	mu        sync.Mutex
	dead      bool
	cancelled bool
	done      chan struct{}

	// lastSeq tracks, per source, the seq of the last envelope enqueued to
	// this subscription so ordering can be asserted/tested.
	lastSeq map[string]uint64
}

// ID returns the subscription's unique identifier.
func (s *Subscription) ID() string { return s.id }

// SubscriberModule returns the owning module's name.
func (s *Subscription) SubscriberModule() string { return s.subscriberModule }

// Mode returns the subscription's delivery mode.
func (s *Subscription) Mode() DeliveryMode { return s.mode }

// Receive returns the channel subscribers read delivered envelopes from.
func (s *Subscription) Receive() <-chan Envelope { return s.queue }

// IsDead reports whether this subscription has been cancelled or marked
// disconnected and should be skipped/reaped by the manager.
func (s *Subscription) IsDead() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dead || s.cancelled
}

func (s *Subscription) markDead() {
	s.mu.Lock()
	s.dead = true
	s.mu.Unlock()
}

// Cancel cancels the subscription. Idempotent and safe to call more than
// once; after Cancel, the subscription no longer receives envelopes.
func (s *Subscription) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled {
		return nil
	}
	s.cancelled = true
	close(s.done)
	return nil
}

// Done returns a channel closed when the subscription is cancelled, for
// subscriber loops to select on alongside Receive().
func (s *Subscription) Done() <-chan struct{} { return s.done }

// NewSubscription builds a subscription with the capacity appropriate to its
// mode. bufferSize is used verbatim for BestEffort/Reliable; LatestOnly is
// always capacity 1.
func NewSubscription(subscriberModule string, filter Filter, mode DeliveryMode, bufferSize int, reliableTimeout time.Duration) *Subscription {
	capacity := bufferSize
	if mode == LatestOnly {
		capacity = 1
	}
	if capacity < 1 {
		capacity = 1
	}
	return &Subscription{
		id:               uuid.NewString(),
		subscriberModule: subscriberModule,
		filter:           filter,
		mode:             mode,
		reliableTimeout:  reliableTimeout,
		queue:            make(chan Envelope, capacity),
		done:             make(chan struct{}),
		lastSeq:          make(map[string]uint64),
	}
}

// Manager is the subscription table: filter-matched fan-out to bounded
// per-subscriber queues. Modeled on modules/eventbus's per-topic subscriber
// map, generalized to arbitrary filters and the three delivery modes.
type Manager struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
}

// NewManager constructs an empty subscription table.
func NewManager() *Manager {
	return &Manager{subs: make(map[string]*Subscription)}
}

// Add registers a subscription atomically and returns its ID.
func (m *Manager) Add(sub *Subscription) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.id] = sub
	return sub.id
}

// Remove unregisters a subscription. It is idempotent from the caller's
// perspective but reports whether removal actually took effect.
func (m *Manager) Remove(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return false
	}
	delete(m.subs, id)
	return true
}

// Count returns the number of live (non-reaped) subscriptions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs)
}

// Deliver fans an envelope out to every matched subscription, honoring each
// subscription's delivery mode. It never blocks beyond a Reliable
// subscription's own timeout. Dead subscriptions encountered are reaped.
func (m *Manager) Deliver(e Envelope) DeliveryStats {
	m.mu.RLock()
	matched := make([]*Subscription, 0, 4)
	var stats DeliveryStats
	var toReap []string
	for _, sub := range m.subs {
		if !sub.filter.Matches(e.Source, e.MessageType()) {
			continue
		}
		if sub.IsDead() {
			stats.Disconnected++
			toReap = append(toReap, sub.id)
			continue
		}
		matched = append(matched, sub)
	}
	m.mu.RUnlock()

	for _, sub := range matched {
		clone := e.Clone()
		switch sub.mode {
		case BestEffort:
			select {
			case sub.queue <- clone:
				stats.Successful++
				sub.recordSeq(e)
			default:
				stats.QueueFull++
			}

		case Reliable:
			select {
			case sub.queue <- clone:
				stats.Successful++
				sub.recordSeq(e)
			default:
				timeout := sub.reliableTimeout
				if timeout <= 0 {
					timeout = 0
				}
				timer := time.NewTimer(timeout)
				select {
				case sub.queue <- clone:
					timer.Stop()
					stats.Successful++
					sub.recordSeq(e)
				case <-timer.C:
					stats.Timeout++
				}
			}

		case LatestOnly:
		coalesce:
			for {
				select {
				case sub.queue <- clone:
					stats.Successful++
					sub.recordSeq(e)
					break coalesce
				default:
					select {
					case <-sub.queue:
					default:
					}
				}
			}
		}
	}

	for _, id := range toReap {
		m.Remove(id)
	}

	return stats
}

func (s *Subscription) recordSeq(e Envelope) {
	s.mu.Lock()
	s.lastSeq[e.Source] = e.seq
	s.mu.Unlock()
}

// MarkDisconnected tells the manager a subscription's receiver is gone
// (e.g. the owning goroutine exited); the subscription is reaped lazily on
// the next Deliver pass.
func (m *Manager) MarkDisconnected(id string) {
	m.mu.RLock()
	sub, ok := m.subs[id]
	m.mu.RUnlock()
	if ok {
		sub.markDead()
	}
}
