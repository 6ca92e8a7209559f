package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func TestOnIncidentTriesRestartModuleFirst(t *testing.T) {
	var restarted []string
	c := New(DefaultConfig(), Actions{
		RestartModule: func(ctx context.Context, moduleID string) error {
			restarted = append(restarted, moduleID)
			return nil
		},
	})

	inc, err := c.OnIncident(context.Background(), "Storage", errBoom)
	require.NoError(t, err)
	assert.Equal(t, []string{"Storage"}, restarted)
	attempts := inc.Attempts()
	require.Len(t, attempts, 1)
	assert.Equal(t, RestartModule, attempts[0].Strategy)
}

func TestLadderFallsThroughOnFailure(t *testing.T) {
	var tried []Strategy
	c := New(DefaultConfig(), Actions{
		RestartModule:       func(ctx context.Context, moduleID string) error { tried = append(tried, RestartModule); return errBoom },
		RestartDependencies: func(ctx context.Context, moduleID string) error { tried = append(tried, RestartDependencies); return errBoom },
		ResetCircuit:        func(ctx context.Context, moduleID string) error { tried = append(tried, ResetCircuit); return nil },
	})

	_, err := c.OnIncident(context.Background(), "AnalysisEngine", errBoom)
	require.NoError(t, err)
	assert.Equal(t, []Strategy{RestartModule, RestartDependencies, ResetCircuit}, tried)
}

func TestLadderEscalatesWhenAllFail(t *testing.T) {
	var escalated bool
	c := New(DefaultConfig(), Actions{
		RestartModule:       func(ctx context.Context, moduleID string) error { return errBoom },
		RestartDependencies: func(ctx context.Context, moduleID string) error { return errBoom },
		ResetCircuit:        func(ctx context.Context, moduleID string) error { return errBoom },
		DrainAndRestart:     func(ctx context.Context, moduleID string) error { return errBoom },
		Escalate: func(ctx context.Context, inc *Incident) error {
			escalated = true
			return nil
		},
	})

	_, err := c.OnIncident(context.Background(), "Gamification", errBoom)
	require.NoError(t, err)
	assert.True(t, escalated)
}

func TestStrategyCooldownSkipsToNextRung(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Cooldown = time.Hour // every strategy stays in cooldown for the rest of the test

	var restartCalls, resetCalls int
	c := New(cfg, Actions{
		RestartModule: func(ctx context.Context, moduleID string) error {
			restartCalls++
			return errBoom
		},
		ResetCircuit: func(ctx context.Context, moduleID string) error {
			resetCalls++
			return nil
		},
	})

	_, err := c.OnIncident(context.Background(), "Storage", errBoom)
	require.NoError(t, err)
	assert.Equal(t, 1, restartCalls)
	assert.Equal(t, 1, resetCalls)

	// A second incident on the same module finds every already-tried rung
	// still within its one-hour cooldown, so neither RestartModule nor
	// ResetCircuit runs again.
	c.Cancel("Storage")
	_, err = c.OnIncident(context.Background(), "Storage", errBoom)
	require.Error(t, err)
	assert.Equal(t, 1, restartCalls, "restart should have been skipped due to cooldown")
	assert.Equal(t, 1, resetCalls, "reset-circuit should have been skipped due to cooldown")
}

func TestResolveIfSettledRequiresHoldDown(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HoldDown = 20 * time.Millisecond
	c := New(cfg, Actions{RestartModule: func(ctx context.Context, moduleID string) error { return errBoom }})

	_, _ = c.OnIncident(context.Background(), "DataCapture", errBoom)
	assert.False(t, c.ResolveIfSettled("DataCapture"))

	c.NotifyHealthy("DataCapture")
	assert.False(t, c.ResolveIfSettled("DataCapture"), "not settled immediately")

	time.Sleep(30 * time.Millisecond)
	assert.True(t, c.ResolveIfSettled("DataCapture"))
}

func TestNotifyUnhealthyResetsHoldDownTimer(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HoldDown = 20 * time.Millisecond
	c := New(cfg, Actions{RestartModule: func(ctx context.Context, moduleID string) error { return errBoom }})

	_, _ = c.OnIncident(context.Background(), "Storage", errBoom)
	c.NotifyHealthy("Storage")
	time.Sleep(25 * time.Millisecond)
	c.NotifyUnhealthy("Storage")
	assert.False(t, c.ResolveIfSettled("Storage"))
}
