package orchestrator

import (
	"context"
	"time"

	"github.com/flowloop/companion/internal/bus"
	"github.com/flowloop/companion/internal/registry"
)

// StartHealthPolling launches the background health-check loop (spec §4.11):
// on each interval, every Running module receives a HealthCheckRequest; a
// response must arrive within HealthCheckTimeout or the check counts as a
// failure. UnhealthyThreshold consecutive failures transition the module to
// Failed and invoke the unhealthy handler (the recovery controller, C12).
// Runs until ctx is cancelled.
func (o *Orchestrator) StartHealthPolling(ctx context.Context) {
	if o.bus == nil {
		return
	}

	o.mu.Lock()
	if o.healthSub == nil {
		o.healthSub = o.bus.Subscribe("Orchestrator", bus.Filter{Clauses: []bus.FilterClause{
			{MessageTypes: []bus.PayloadKind{bus.KindHealthCheckResponse}},
		}}, bus.BestEffort, 64, 0)
	}
	sub := o.healthSub
	o.mu.Unlock()

	go o.consumeHealthResponses(ctx, sub)
	go o.pollLoop(ctx)
}

func (o *Orchestrator) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.sendHealthChecks()
			o.reapExpiredChecks()
		}
	}
}

func (o *Orchestrator) sendHealthChecks() {
	for _, snap := range o.reg.All() {
		if snap.Status != registry.Running {
			continue
		}
		req := bus.New("Orchestrator", bus.HealthCheckRequest{ModuleID: snap.ID, Timestamp: time.Now()})
		o.mu.Lock()
		o.pendingChecks[req.ID] = pendingCheck{moduleID: snap.ID, sentAt: time.Now()}
		o.mu.Unlock()
		_ = o.bus.Publish(req)
	}
}

func (o *Orchestrator) reapExpiredChecks() {
	now := time.Now()
	var expired []string

	o.mu.Lock()
	for id, pc := range o.pendingChecks {
		if now.Sub(pc.sentAt) > o.cfg.HealthCheckTimeout {
			expired = append(expired, pc.moduleID)
			delete(o.pendingChecks, id)
		}
	}
	o.mu.Unlock()

	for _, moduleID := range expired {
		o.recordFailure(moduleID, "health check timed out")
	}
}

func (o *Orchestrator) consumeHealthResponses(ctx context.Context, sub *bus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-sub.Receive():
			if !ok {
				return
			}
			resp, ok := env.Payload.(bus.HealthCheckResponse)
			if !ok {
				continue
			}
			o.mu.Lock()
			_, known := o.pendingChecks[env.CorrelationID]
			delete(o.pendingChecks, env.CorrelationID)
			o.mu.Unlock()
			if !known {
				continue
			}
			if resp.Status == "healthy" {
				o.recordSuccess(resp.ModuleID)
			} else {
				o.recordFailure(resp.ModuleID, "reported status: "+resp.Status)
			}
		}
	}
}

func (o *Orchestrator) recordSuccess(moduleID string) {
	o.mu.Lock()
	o.consecutiveFail[moduleID] = 0
	o.mu.Unlock()
	_ = o.reg.RecordHealth(moduleID, registry.Healthy, "")
}

func (o *Orchestrator) recordFailure(moduleID, issue string) {
	o.mu.Lock()
	o.consecutiveFail[moduleID]++
	count := o.consecutiveFail[moduleID]
	handler := o.onUnhealthy
	o.mu.Unlock()

	_ = o.reg.RecordHealth(moduleID, registry.Degraded, issue)

	if count >= o.cfg.UnhealthyThreshold {
		_ = o.reg.RecordHealth(moduleID, registry.Unhealthy, issue)
		if err := o.reg.Transition(moduleID, registry.Failed, nil); err != nil {
			o.log.Error("failed to transition unhealthy module", "module", moduleID, "err", err)
		}
		if handler != nil {
			handler(moduleID)
		}
		o.mu.Lock()
		o.consecutiveFail[moduleID] = 0
		o.mu.Unlock()
	}
}
