// Package modules provides thin lifecycle-stub implementations of the four
// external-collaborator modules spec §1 places out of scope (DataCapture,
// Gamification, AIIntegration, CuteFigurine), grounded in the teacher's
// Module interface (Name/Init/Start/Stop in module.go) narrowed to
// orchestrator.Module's Start/Stop contract. Each stub answers
// HealthCheckRequest on the bus so the orchestrator's health-poll loop
// exercises a real module rather than a no-op; stubs do not subscribe to
// Shutdown envelopes and stop when the orchestrator calls Stop. Storage and AnalysisEngine are not stubbed here: cmd/companiond
// fills those two graph nodes directly with orchestrator.ModuleFunc values
// wrapping real, event-driven work.
package modules

import (
	"context"

	"github.com/flowloop/companion/internal/applog"
	"github.com/flowloop/companion/internal/bus"
)

// Base implements the bus plumbing common to every stub: it answers health
// checks addressed to it and stops cleanly when Stop is called, so a
// concrete stub only needs to name itself and optionally hook in real work.
type Base struct {
	name string
	b    *bus.Bus
	log  applog.Logger

	healthSub *bus.Subscription
	done      chan struct{}
}

// NewBase constructs the shared plumbing for a module named name.
func NewBase(name string, b *bus.Bus, log applog.Logger) *Base {
	return &Base{name: name, b: b, log: log}
}

func (m *Base) Name() string { return m.name }

// Start subscribes to HealthCheckRequest envelopes and answers every one
// addressed to this module with a healthy HealthCheckResponse, correlated by
// the request's envelope ID per internal/orchestrator/health.go's matching
// rule.
func (m *Base) Start(ctx context.Context) error {
	if m.b == nil {
		return nil
	}
	m.healthSub = m.b.Subscribe(m.name, bus.Filter{Clauses: []bus.FilterClause{
		{MessageTypes: []bus.PayloadKind{bus.KindHealthCheckRequest}, Sources: []string{"Orchestrator"}},
	}}, bus.BestEffort, 16, 0)
	m.done = make(chan struct{})

	go m.answerHealthChecks()
	return nil
}

func (m *Base) answerHealthChecks() {
	for {
		select {
		case <-m.done:
			return
		case env, ok := <-m.healthSub.Receive():
			if !ok {
				return
			}
			req, ok := env.Payload.(bus.HealthCheckRequest)
			if !ok || req.ModuleID != m.name {
				continue
			}
			resp := bus.New(m.name, bus.HealthCheckResponse{ModuleID: m.name, Status: "healthy"})
			resp.CorrelationID = env.ID
			_ = m.b.Publish(resp)
		}
	}
}

// Stop unsubscribes and stops answering health checks. Concrete stubs that
// override Stop should call Base.Stop too so the health-answering goroutine
// is released.
func (m *Base) Stop(ctx context.Context) error {
	if m.done != nil {
		close(m.done)
	}
	if m.b != nil && m.healthSub != nil {
		m.b.Unsubscribe(m.healthSub.ID())
	}
	return nil
}
