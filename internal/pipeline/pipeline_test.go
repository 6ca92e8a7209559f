package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowloop/companion/internal/bus"
	"github.com/flowloop/companion/internal/classifier"
	"github.com/flowloop/companion/internal/window"
)

type recordingPublisher struct {
	mu   sync.Mutex
	envs []bus.Envelope
}

func (p *recordingPublisher) Publish(e bus.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.envs = append(p.envs, e)
	return nil
}

func (p *recordingPublisher) kinds() []bus.PayloadKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]bus.PayloadKind, len(p.envs))
	for i, e := range p.envs {
		out[i] = e.Payload.Kind()
	}
	return out
}

func keystrokeEvent(ts time.Time) bus.RawEvent {
	return bus.RawEvent{SessionID: "s1", Timestamp: ts, Data: bus.KeystrokeData{KeyCode: 65, InterKeyMS: 120}}
}

func TestHandleEventEmitsAnalysisOnFinalizedWindow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Window.WindowSize = 200 * time.Millisecond
	cfg.Window.Overlap = 50 * time.Millisecond

	pub := &recordingPublisher{}
	p := New("s1", cfg, classifier.NewStub(), nil, pub, nil)

	t0 := time.Now()
	var result *Result
	for i := 0; i < 20; i++ {
		if i == 19 {
			// The window manager advances on wall-clock time since the window
			// opened; let that threshold pass before the last event.
			time.Sleep(cfg.Window.WindowSize)
		}
		r, err := p.HandleEvent(context.Background(), keystrokeEvent(t0.Add(time.Duration(i)*15*time.Millisecond)))
		require.NoError(t, err)
		if r != nil {
			result = r
			break
		}
	}

	require.NotNil(t, result)
	assert.Equal(t, "unknown", result.DetectedState)
	assert.Contains(t, pub.kinds(), bus.KindAnalysisComplete)
	assert.Contains(t, pub.kinds(), bus.KindStateChange)
}

func TestHandleEventReturnsNilWithoutFinalizedWindow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Window.WindowSize = time.Hour
	cfg.Window.Overlap = time.Minute

	p := New("s1", cfg, classifier.NewStub(), nil, &recordingPublisher{}, nil)
	r, err := p.HandleEvent(context.Background(), keystrokeEvent(time.Now()))
	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestAnalyzeEmptyWindowYieldsResult(t *testing.T) {
	p := New("s1", DefaultConfig(), classifier.NewStub(), nil, &recordingPublisher{}, nil)
	empty := &window.Window{ID: "w", SessionID: "s1", StartTime: time.Now(), EndTime: time.Now()}
	result, err := p.analyze(context.Background(), empty)
	require.NoError(t, err)
	require.NotNil(t, result)
}
