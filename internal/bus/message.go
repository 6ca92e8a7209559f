// Package bus implements the in-process typed publish/subscribe event bus:
// message envelopes, filter-matched subscriptions, a router with a bounded
// worker pool, and metrics. It is modeled on the memory event bus in
// modules/eventbus, generalized from a single Event/topic shape to the
// tagged payload variants and delivery modes this runtime needs.
package bus

import (
	"time"

	"github.com/google/uuid"
)

// PayloadKind identifies the logical shape carried by an Envelope. It plays
// the role the teacher's Event.Topic does for routing, but is derived from
// the payload itself rather than supplied separately by the publisher.
type PayloadKind string

const (
	KindRawEvent             PayloadKind = "raw_event"
	KindEventBatch           PayloadKind = "event_batch"
	KindAnalysisComplete     PayloadKind = "analysis_complete"
	KindStateChange          PayloadKind = "state_change"
	KindInterventionRequest  PayloadKind = "intervention_request"
	KindInterventionResponse PayloadKind = "intervention_response"
	KindAnimationCommand     PayloadKind = "animation_command"
	KindHealthCheckRequest   PayloadKind = "health_check_request"
	KindHealthCheckResponse  PayloadKind = "health_check_response"
	KindConfigUpdate         PayloadKind = "config_update"
	KindShutdown             PayloadKind = "shutdown"
	KindModuleReady          PayloadKind = "module_ready"
	KindErrorReport          PayloadKind = "error_report"
	KindThrottleAdvisory     PayloadKind = "throttle_advisory"
)

// Priority is carried on every envelope. The Router does not read it: it
// does not pick a worker or order deliveries by priority, so envelopes of
// every priority share one FIFO queue.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Payload is implemented by every message variant enumerated in spec §3.
// Clone must return a deep copy so that independent subscribers can never
// observe each other's mutations of a delivered envelope.
type Payload interface {
	Kind() PayloadKind
	Clone() Payload
}

// Envelope is the typed message record that traverses the bus. It is owned
// by the bus from publish to final delivery; every subscriber receives its
// own semantic clone.
type Envelope struct {
	ID            string
	Timestamp     time.Time
	Source        string
	Payload       Payload
	CorrelationID string
	Priority      Priority

	// seq orders envelopes from the same source in publish order, used to
	// enforce the per-(source,subscriber) ordering guarantee even though
	// Timestamp has only wall-clock resolution.
	seq uint64
}

// New constructs an envelope at normal priority.
func New(source string, payload Payload) Envelope {
	return WithPriority(source, payload, PriorityNormal)
}

// WithPriority constructs an envelope with an explicit priority.
func WithPriority(source string, payload Payload, priority Priority) Envelope {
	return Envelope{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Source:    source,
		Payload:   payload,
		Priority:  priority,
	}
}

// Reply builds a new envelope whose CorrelationID references e's ID, the
// way a HealthCheckResponse references its HealthCheckRequest.
func (e Envelope) Reply(source string, payload Payload) Envelope {
	r := WithPriority(source, payload, e.Priority)
	r.CorrelationID = e.ID
	return r
}

// MessageType derives the routable kind from the payload tag.
func (e Envelope) MessageType() PayloadKind {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.Kind()
}

// Clone returns an independent copy of the envelope: scalar fields are
// copied directly and the payload is deep-copied via Payload.Clone so no
// subscriber can mutate another's view.
func (e Envelope) Clone() Envelope {
	c := e
	if e.Payload != nil {
		c.Payload = e.Payload.Clone()
	}
	return c
}

// stamp assigns an ID, timestamp, and sequence number if not already set.
// The router calls this exactly once per envelope before routing.
func (e Envelope) stamp(seq uint64) Envelope {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	e.seq = seq
	return e
}
