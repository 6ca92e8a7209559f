// Package resourcemon implements the resource monitor of spec §4.13: fixed-
// interval CPU/memory sampling that publishes a throttle advisory once
// sustained CPU exceeds a configured threshold. New domain logic; the
// cron-driven scheduling shape is grounded in modules/scheduler/scheduler.go,
// which wraps the same github.com/robfig/cron/v3 scheduler this package
// reuses for its "@every" sampling interval instead of a bare time.Ticker.
package resourcemon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/flowloop/companion/internal/applog"
	"github.com/flowloop/companion/internal/bus"
	"github.com/flowloop/companion/internal/features"
)

// Config parameterizes sampling cadence and throttle decisions (spec §6's
// resource_check_interval / throttle_threshold keys).
type Config struct {
	Interval          time.Duration
	ThrottleThreshold float64 // CPU percent, 0-100
	SustainedSamples  int     // consecutive over-threshold samples before advising
	RetentionWindow   time.Duration
}

// DefaultConfig samples every 5s, throttles past 80% sustained CPU for 3
// consecutive samples, and keeps 5 minutes of history for feature
// correlation.
func DefaultConfig() Config {
	return Config{
		Interval:          5 * time.Second,
		ThrottleThreshold: 80,
		SustainedSamples:  3,
		RetentionWindow:   5 * time.Minute,
	}
}

type timestampedSample struct {
	at  time.Time
	cpu float64
	mem float64
}

type publisher interface {
	Publish(bus.Envelope) error
}

// Monitor samples resource usage on a cron schedule and keeps a bounded,
// time-trimmed history queryable by the analysis pipeline (as a
// features.ResourceSample correlated to a window's time span).
type Monitor struct {
	sampler Sampler
	cfg     Config
	pub     publisher
	log     applog.Logger

	cron *cron.Cron

	mu            sync.Mutex
	samples       []timestampedSample
	consecutive   int
	throttleActive bool
}

// New constructs a resource monitor. pub may be nil for tests that only
// exercise sampling/history, not advisory publication.
func New(sampler Sampler, cfg Config, pub publisher, log applog.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	return &Monitor{sampler: sampler, cfg: cfg, pub: pub, log: log}
}

// Start schedules periodic sampling via cron's "@every" descriptor, mirroring
// the teacher scheduler's cron.New()/cronScheduler.Start() pair. It runs
// until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) error {
	m.cron = cron.New()
	_, err := m.cron.AddFunc(fmt.Sprintf("@every %s", m.cfg.Interval), m.tick)
	if err != nil {
		return fmt.Errorf("resourcemon: schedule sampling: %w", err)
	}
	m.cron.Start()

	go func() {
		<-ctx.Done()
		stopCtx := m.cron.Stop()
		<-stopCtx.Done()
	}()
	return nil
}

// Stop halts the cron scheduler immediately (used outside the ctx-cancel
// path, e.g. in tests).
func (m *Monitor) Stop() {
	if m.cron != nil {
		<-m.cron.Stop().Done()
	}
}

func (m *Monitor) tick() {
	cpu, mem, err := m.sampler.Sample()
	if err != nil {
		if m.log != nil {
			m.log.Warn("resource sample failed", "err", err)
		}
		return
	}
	m.record(cpu, mem)
	m.evaluateThrottle(cpu)
}

func (m *Monitor) record(cpu, mem float64) {
	now := time.Now()
	m.mu.Lock()
	m.samples = append(m.samples, timestampedSample{at: now, cpu: cpu, mem: mem})
	cutoff := now.Add(-m.cfg.RetentionWindow)
	i := 0
	for i < len(m.samples) && m.samples[i].at.Before(cutoff) {
		i++
	}
	m.samples = m.samples[i:]
	m.mu.Unlock()
}

// evaluateThrottle implements spec §4.13: SustainedSamples consecutive
// readings over ThrottleThreshold trigger an advisory; dropping back below
// threshold clears it (also advised, so subscribers know to resume full
// rate).
func (m *Monitor) evaluateThrottle(cpu float64) {
	m.mu.Lock()
	over := cpu > m.cfg.ThrottleThreshold
	if over {
		m.consecutive++
	} else {
		m.consecutive = 0
	}
	shouldActivate := !m.throttleActive && m.consecutive >= m.cfg.SustainedSamples
	shouldClear := m.throttleActive && !over
	if shouldActivate {
		m.throttleActive = true
	}
	if shouldClear {
		m.throttleActive = false
	}
	m.mu.Unlock()

	if m.pub == nil {
		return
	}
	if shouldActivate {
		_ = m.pub.Publish(bus.New("ResourceMonitor", bus.ThrottleAdvisory{CPUPercent: cpu, Threshold: m.cfg.ThrottleThreshold, Active: true}))
	} else if shouldClear {
		_ = m.pub.Publish(bus.New("ResourceMonitor", bus.ThrottleAdvisory{CPUPercent: cpu, Threshold: m.cfg.ThrottleThreshold, Active: false}))
	}
}

// Reconfigure swaps in new thresholds/cadence without losing history,
// applied live by cmd/companiond's config-watcher callback each time the
// configuration file is reloaded. The cron
// schedule itself is not re-registered; interval changes take effect on
// the next Start.
func (m *Monitor) Reconfigure(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.ThrottleThreshold = cfg.ThrottleThreshold
	m.cfg.SustainedSamples = cfg.SustainedSamples
	m.cfg.RetentionWindow = cfg.RetentionWindow
}

// Throttled reports whether a throttle advisory is currently active.
func (m *Monitor) Throttled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.throttleActive
}

// SamplesBetween implements pipeline.ResourceSampler: it returns every
// recorded sample whose timestamp falls within [start, end], letting the
// analysis pipeline correlate resource pressure with a specific window.
func (m *Monitor) SamplesBetween(start, end time.Time) []features.ResourceSample {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []features.ResourceSample
	for _, s := range m.samples {
		if s.at.Before(start) || s.at.After(end) {
			continue
		}
		out = append(out, features.ResourceSample{CPUPercent: s.cpu, MemoryPercent: s.mem})
	}
	return out
}
