package modules

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowloop/companion/internal/applog"
	"github.com/flowloop/companion/internal/bus"
)

func newTestBus(t *testing.T) *bus.Bus {
	t.Helper()
	b := bus.NewBus(bus.DefaultConfig(), applog.Noop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	b.Start(ctx)
	return b
}

func TestStubModuleAnswersHealthCheck(t *testing.T) {
	b := newTestBus(t)
	m := NewDataCapture(b, applog.Noop())

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop(context.Background())

	sub := b.Subscribe("test", bus.Filter{Clauses: []bus.FilterClause{
		{MessageTypes: []bus.PayloadKind{bus.KindHealthCheckResponse}},
	}}, bus.BestEffort, 4, 0)
	defer b.Unsubscribe(sub.ID())

	req := bus.New("Orchestrator", bus.HealthCheckRequest{ModuleID: "DataCapture", Timestamp: time.Now()})
	require.NoError(t, b.Publish(req))

	select {
	case env := <-sub.Receive():
		resp, ok := env.Payload.(bus.HealthCheckResponse)
		require.True(t, ok)
		assert.Equal(t, "DataCapture", resp.ModuleID)
		assert.Equal(t, "healthy", resp.Status)
		assert.Equal(t, req.ID, env.CorrelationID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for health check response")
	}
}

func TestStubModuleIgnoresHealthCheckForOtherModule(t *testing.T) {
	b := newTestBus(t)
	m := NewGamification(b, applog.Noop())
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop(context.Background())

	sub := b.Subscribe("test", bus.Filter{Clauses: []bus.FilterClause{
		{MessageTypes: []bus.PayloadKind{bus.KindHealthCheckResponse}},
	}}, bus.BestEffort, 4, 0)
	defer b.Unsubscribe(sub.ID())

	req := bus.New("Orchestrator", bus.HealthCheckRequest{ModuleID: "AIIntegration", Timestamp: time.Now()})
	require.NoError(t, b.Publish(req))

	select {
	case <-sub.Receive():
		t.Fatal("should not have answered a health check addressed to a different module")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestCuteFigurineDrainsStateChangesWithoutBlocking(t *testing.T) {
	b := newTestBus(t)
	f := NewCuteFigurine(b, applog.Noop())
	require.NoError(t, f.Start(context.Background()))
	defer f.Stop(context.Background())

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(bus.New("AnalysisEngine", bus.StateChange{
			StateLabel: "Distracted", Confidence: 0.8, Timestamp: time.Now(), TransitionFrom: "Focused",
		})))
	}
	time.Sleep(100 * time.Millisecond)
}
