// Package window implements the sliding-window manager of spec §4.8: a
// current window accumulates raw events until an elapsed-time threshold is
// reached, at which point it finalizes (quality-scored) and a new window
// begins, seeded with the overlapping tail of the old one. New domain logic;
// arithmetic grounded in
// original_source/modules/analysis-engine/src/sliding_window.rs, expressed
// as a mutex-guarded struct rather than the original's single-owner
// (non-shared) manager.
package window

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowloop/companion/internal/bus"
)

// minEventsForAnalysis and minQualityScore are the has_sufficient_data()
// defaults from spec §4.8.
const (
	minEventsForAnalysis = 10
	minQualityScore      = 0.3
)

// Window is one accumulation of raw events between a start and end time.
type Window struct {
	ID           string
	SessionID    string
	StartTime    time.Time
	EndTime      time.Time
	Events       []bus.RawEvent
	QualityScore float64
	IsComplete   bool
}

// HasSufficientData reports whether a finalized window carries enough signal
// to be worth analyzing (spec §4.8).
func (w *Window) HasSufficientData() bool {
	return len(w.Events) >= minEventsForAnalysis && w.QualityScore >= minQualityScore
}

func newWindow(sessionID string, start time.Time) *Window {
	return &Window{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		StartTime: start,
		EndTime:   start,
	}
}

func (w *Window) addEvent(e bus.RawEvent) {
	w.Events = append(w.Events, e)
	if e.Timestamp.After(w.EndTime) {
		w.EndTime = e.Timestamp
	}
}

func (w *Window) duration() time.Duration {
	d := w.EndTime.Sub(w.StartTime)
	if d < 0 {
		return 0
	}
	return d
}

// calculateQualityScore implements spec §4.8's weighted formula:
// 0.5*density + 0.4*type_diversity + 0.1*screenshot_bonus, each term
// pre-clamped to [0,1].
func (w *Window) calculateQualityScore() {
	durationSec := w.duration().Seconds()
	if durationSec == 0 {
		w.QualityScore = 0
		return
	}

	density := float64(len(w.Events)) / durationSec / 10.0
	if density > 1 {
		density = 1
	}

	var hasKeystroke, hasMouse, hasWindow, hasScreenshot bool
	for _, e := range w.Events {
		switch e.RawKind() {
		case bus.RawKeystroke:
			hasKeystroke = true
		case bus.RawMouseMove, bus.RawMouseClick:
			hasMouse = true
		case bus.RawWindowFocus:
			hasWindow = true
		case bus.RawScreenshotRef:
			hasScreenshot = true
		}
	}
	present := 0.0
	for _, ok := range []bool{hasKeystroke, hasMouse, hasWindow} {
		if ok {
			present++
		}
	}
	diversity := present / 3.0

	bonus := 0.0
	if hasScreenshot {
		bonus = 1.0
	}

	score := 0.5*density + 0.4*diversity + 0.1*bonus
	if score > 1 {
		score = 1
	}
	w.QualityScore = score
}

// Config parameterizes a Manager (spec §6 Pipeline keys).
type Config struct {
	WindowSize  time.Duration
	Overlap     time.Duration
	HistorySize int
}

// DefaultConfig matches spec §8 S4's literal scenario parameters.
func DefaultConfig() Config {
	return Config{WindowSize: 30 * time.Second, Overlap: 5 * time.Second, HistorySize: 100}
}

// Manager owns one session's current window plus bounded finalized history.
// Mutex-guarded so concurrent capture and query paths never race, unlike the
// original single-goroutine-owner design.
type Manager struct {
	cfg Config

	mu             sync.Mutex
	sessionID      string
	current        *Window
	history        []*Window
	lastWindowTime time.Time
}

// NewManager constructs a manager whose first window starts now.
func NewManager(sessionID string, cfg Config) *Manager {
	now := time.Now()
	return &Manager{
		cfg:            cfg,
		sessionID:      sessionID,
		current:        newWindow(sessionID, now),
		lastWindowTime: now,
	}
}

// AddEvent appends an event to the current window and advances it if the
// elapsed-time threshold (window_size - overlap) has been reached. It
// returns the finalized window only when it has sufficient data for
// analysis (spec §4.8); the window still advances either way.
func (m *Manager) AddEvent(e bus.RawEvent) *Window {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.current.addEvent(e)

	threshold := m.cfg.WindowSize - m.cfg.Overlap
	if time.Since(m.lastWindowTime) >= threshold {
		return m.advanceLocked()
	}
	return nil
}

// Advance forces the current window to finalize immediately, as if the
// elapsed-time threshold had been reached.
func (m *Manager) Advance() *Window {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.advanceLocked()
}

func (m *Manager) advanceLocked() *Window {
	finished := m.current
	finished.calculateQualityScore()
	finished.IsComplete = true

	m.history = append(m.history, finished)
	if len(m.history) > m.cfg.HistorySize {
		m.history = m.history[len(m.history)-m.cfg.HistorySize:]
	}

	// Clamped to the finished window's own start (sliding_window.rs'
	// overlap_start.max(start_time)): an overlap longer than the window's
	// span must never walk the next window's start before the prior one's.
	newStart := finished.EndTime.Add(-m.cfg.Overlap)
	if newStart.Before(finished.StartTime) {
		newStart = finished.StartTime
	}
	next := newWindow(m.sessionID, newStart)
	for _, e := range finished.Events {
		if !e.Timestamp.Before(newStart) {
			next.addEvent(e)
		}
	}
	m.current = next
	m.lastWindowTime = time.Now()

	if finished.HasSufficientData() {
		return finished
	}
	return nil
}

// Current returns a shallow snapshot of the in-progress window, for
// inspection only (not analysis input — it is not finalized).
func (m *Manager) Current() Window {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.current
}

// RecentWindows returns up to count of the most recently finalized windows,
// newest first.
func (m *Manager) RecentWindows(count int) []*Window {
	m.mu.Lock()
	defer m.mu.Unlock()
	if count > len(m.history) {
		count = len(m.history)
	}
	out := make([]*Window, count)
	for i := 0; i < count; i++ {
		out[i] = m.history[len(m.history)-1-i]
	}
	return out
}
