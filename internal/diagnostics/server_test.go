package diagnostics

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowloop/companion/internal/applog"
	"github.com/flowloop/companion/internal/bus"
	"github.com/flowloop/companion/internal/fault"
	"github.com/flowloop/companion/internal/registry"
)

type fakeBusMetrics struct{ snap bus.Snapshot }

func (f fakeBusMetrics) Metrics() bus.Snapshot { return f.snap }

type fakeHealthSource struct {
	summary registry.HealthSummary
	all     []registry.Snapshot
}

func (f fakeHealthSource) Summary() registry.HealthSummary { return f.summary }
func (f fakeHealthSource) All() []registry.Snapshot        { return f.all }

type fakeDLQ struct{ entries []fault.Entry }

func (f fakeDLQ) List(reason *fault.Reason) []fault.Entry {
	if reason == nil {
		return f.entries
	}
	var out []fault.Entry
	for _, e := range f.entries {
		if e.Reason == *reason {
			out = append(out, e)
		}
	}
	return out
}

func startTestServer(t *testing.T, reg fakeHealthSource, b fakeBusMetrics, dlq fakeDLQ) string {
	t.Helper()
	cfg := Config{Addr: "127.0.0.1:0"}
	// Use an ephemeral port by letting net.Listen pick one: exercise New
	// with a fixed high port instead, since Server wires its own listener.
	cfg.Addr = "127.0.0.1:19191"
	s := New(cfg, b, reg, dlq, applog.Noop())
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	time.Sleep(50 * time.Millisecond)
	return "http://" + cfg.Addr
}

func TestHealthzReportsOverallStatus(t *testing.T) {
	reg := fakeHealthSource{summary: registry.HealthSummary{Overall: registry.OverallHealthy, HealthyCount: 3, Total: 3}}
	base := startTestServer(t, reg, fakeBusMetrics{}, fakeDLQ{})

	resp, err := http.Get(base + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "Healthy", body["overall"])
}

func TestHealthzReturns503WhenDegraded(t *testing.T) {
	reg := fakeHealthSource{summary: registry.HealthSummary{Overall: registry.OverallDegraded, HealthyCount: 2, Total: 3}}
	base := startTestServer(t, reg, fakeBusMetrics{}, fakeDLQ{})

	resp, err := http.Get(base + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestMetricsReturnsBusSnapshot(t *testing.T) {
	b := fakeBusMetrics{snap: bus.Snapshot{Published: 42, Delivered: 40}}
	base := startTestServer(t, fakeHealthSource{}, b, fakeDLQ{})

	resp, err := http.Get(base + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(raw), `"Published":42`)
}

func TestDLQFiltersByReason(t *testing.T) {
	entries := []fault.Entry{
		{Reason: fault.BreakerOpen},
		{Reason: fault.MaxRetriesExceeded},
	}
	base := startTestServer(t, fakeHealthSource{}, fakeBusMetrics{}, fakeDLQ{entries: entries})

	resp, err := http.Get(base + "/dlq?reason=BreakerOpen")
	require.NoError(t, err)
	defer resp.Body.Close()

	var got []fault.Entry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Len(t, got, 1)
	assert.Equal(t, fault.BreakerOpen, got[0].Reason)
}

func TestCloudEventsAcceptWrapsBody(t *testing.T) {
	reg := fakeHealthSource{summary: registry.HealthSummary{Overall: registry.OverallHealthy, HealthyCount: 1, Total: 1}}
	base := startTestServer(t, reg, fakeBusMetrics{}, fakeDLQ{})

	req, err := http.NewRequest(http.MethodGet, base+"/healthz", nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "application/cloudevents+json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/cloudevents+json", resp.Header.Get("Content-Type"))
}
