package modules

import (
	"context"

	"github.com/flowloop/companion/internal/applog"
	"github.com/flowloop/companion/internal/bus"
)

// DataCapture is a lifecycle stub for the keystroke/mouse/focus capture
// surface (spec §1 Out-of-scope: capture device integration). It exists so
// the orchestrator's dependency graph has a real leaf module at the end of
// the capture->store->analysis chain; it publishes nothing itself, since a
// real capture driver is outside this project's scope.
type DataCapture struct{ *Base }

func NewDataCapture(b *bus.Bus, log applog.Logger) *DataCapture {
	return &DataCapture{Base: NewBase("DataCapture", b, log)}
}

// Storage has no stub of its own: the orchestrator's "Storage" dependency
// graph node is filled directly by cmd/companiond with an
// orchestrator.ModuleFunc wrapping the real internal/store write-buffer's
// Run/Done lifecycle, since it has production work to do and isn't
// out-of-scope like the modules below.

// AnalysisEngine has no stub of its own, for the same reason Storage
// doesn't: cmd/companiond fills the orchestrator's "AnalysisEngine" graph
// node directly with an orchestrator.ModuleFunc that subscribes to RawEvent
// and drives the real internal/pipeline.Pipeline, since the pipeline's work
// is event-driven rather than lifecycle-driven.

// Gamification is a lifecycle stub for the scoring/rewards surface (spec §1
// Out-of-scope).
type Gamification struct{ *Base }

func NewGamification(b *bus.Bus, log applog.Logger) *Gamification {
	return &Gamification{Base: NewBase("Gamification", b, log)}
}

// AIIntegration is a lifecycle stub for the external AI-assistant surface
// (spec §1 Out-of-scope: no real model calls are made).
type AIIntegration struct{ *Base }

func NewAIIntegration(b *bus.Bus, log applog.Logger) *AIIntegration {
	return &AIIntegration{Base: NewBase("AIIntegration", b, log)}
}

// CuteFigurine is a lifecycle stub for the desktop avatar rendering surface
// (spec §1 Out-of-scope: no UI is drawn).
type CuteFigurine struct {
	*Base
	stateSub *bus.Subscription
}

func NewCuteFigurine(b *bus.Bus, log applog.Logger) *CuteFigurine {
	return &CuteFigurine{Base: NewBase("CuteFigurine", b, log)}
}

// Start additionally subscribes to StateChange so the figurine stub can
// answer "what is my current pose" queries in a real implementation; here it
// only drains the subscription to keep the bus's queue from filling.
func (f *CuteFigurine) Start(ctx context.Context) error {
	if err := f.Base.Start(ctx); err != nil {
		return err
	}
	if f.Base.b == nil {
		return nil
	}
	f.stateSub = f.Base.b.Subscribe("CuteFigurine", bus.Filter{Clauses: []bus.FilterClause{
		{MessageTypes: []bus.PayloadKind{bus.KindStateChange}},
	}}, bus.LatestOnly, 4, 0)
	go f.drainStateChanges()
	return nil
}

func (f *CuteFigurine) drainStateChanges() {
	for {
		select {
		case <-f.Base.done:
			return
		case _, ok := <-f.stateSub.Receive():
			if !ok {
				return
			}
			// A real implementation would update the avatar's rendered pose
			// here; out of scope, so the state change is simply observed.
		}
	}
}

func (f *CuteFigurine) Stop(ctx context.Context) error {
	if f.Base.b != nil && f.stateSub != nil {
		f.Base.b.Unsubscribe(f.stateSub.ID())
	}
	return f.Base.Stop(ctx)
}
