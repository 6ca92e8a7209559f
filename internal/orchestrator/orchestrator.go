package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/flowloop/companion/internal/applog"
	"github.com/flowloop/companion/internal/bus"
	"github.com/flowloop/companion/internal/registry"
)

// ErrModuleNotInGraph is returned by RegisterModule for a name the
// hard-coded dependency DAG does not know about.
type ErrModuleNotInGraph struct{ Name string }

func (e *ErrModuleNotInGraph) Error() string {
	return fmt.Sprintf("orchestrator: %q is not part of the dependency graph", e.Name)
}

// Config parameterizes orchestration timing (spec §4.11, §6).
type Config struct {
	StartupTimeout      time.Duration
	ShutdownTimeout      time.Duration
	ModuleStartDelay     time.Duration
	HealthCheckInterval  time.Duration
	HealthCheckTimeout   time.Duration
	UnhealthyThreshold   int
}

// DefaultConfig mirrors spec §8 S6's implied defaults: generous enough that
// a healthy system never spuriously fails a module during tests.
func DefaultConfig() Config {
	return Config{
		StartupTimeout:      10 * time.Second,
		ShutdownTimeout:     10 * time.Second,
		ModuleStartDelay:    50 * time.Millisecond,
		HealthCheckInterval: 5 * time.Second,
		HealthCheckTimeout:  2 * time.Second,
		UnhealthyThreshold:  3,
	}
}

// Orchestrator drives startup/shutdown order, lifecycle transitions, health
// polling, and config distribution for every registered module, per spec
// §4.11. It owns no module internals: each module is a thin Start/Stop
// contract the orchestrator calls in dependency order.
type Orchestrator struct {
	graph graph
	reg   *registry.Registry
	bus   *bus.Bus
	cfg   Config
	log   applog.Logger

	mu      sync.Mutex
	modules map[string]Module

	healthSub       *bus.Subscription
	pendingChecks   map[string]pendingCheck
	consecutiveFail map[string]int

	configMu    sync.Mutex
	configStore map[string]map[string]any

	onUnhealthy func(moduleID string)
}

type pendingCheck struct {
	moduleID string
	sentAt   time.Time
}

// New constructs an Orchestrator with the hard-coded spec §4.11 dependency
// graph.
func New(b *bus.Bus, reg *registry.Registry, cfg Config, log applog.Logger) *Orchestrator {
	return &Orchestrator{
		graph:           newDefaultGraph(),
		reg:             reg,
		bus:             b,
		cfg:             cfg,
		log:             log,
		modules:         make(map[string]Module),
		pendingChecks:   make(map[string]pendingCheck),
		consecutiveFail: make(map[string]int),
		configStore:     make(map[string]map[string]any),
	}
}

// SetUnhealthyHandler wires a callback invoked when a Running module crosses
// the unhealthy threshold (spec §4.11: "notify the recovery controller").
// The recovery controller (C12) registers itself here.
func (o *Orchestrator) SetUnhealthyHandler(f func(moduleID string)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onUnhealthy = f
}

// RegisterModule adds m to the orchestrated set and creates its registry
// record. m.Name() must be one of the graph's hard-coded node names.
func (o *Orchestrator) RegisterModule(m Module) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	name := m.Name()
	if _, ok := o.graph[name]; !ok {
		return &ErrModuleNotInGraph{Name: name}
	}
	if _, err := o.reg.Register(name); err != nil {
		return err
	}
	o.modules[name] = m
	return nil
}

// StartupOrder returns the topological start order of the dependency graph.
func (o *Orchestrator) StartupOrder() ([]string, error) {
	return topoSort(o.graph)
}

// StartSystem starts every registered module in dependency order: before
// starting M, all of M's dependencies are already Running (guaranteed by the
// topological order itself, since Start processes strictly in that order).
// A module_start_delay is inserted between successive starts to give the bus
// time to wire subscriptions, per spec §4.11.
func (o *Orchestrator) StartSystem(ctx context.Context) error {
	order, err := o.StartupOrder()
	if err != nil {
		return err
	}

	for i, name := range order {
		o.mu.Lock()
		m, ok := o.modules[name]
		o.mu.Unlock()
		if !ok {
			// A graph node with no registered module (e.g. a collaborator
			// not yet wired in this deployment) is simply skipped.
			continue
		}

		if err := o.reg.Transition(name, registry.Starting, nil); err != nil {
			return fmt.Errorf("orchestrator: %w", err)
		}
		o.log.Info("starting module", "module", name)

		startCtx, cancel := context.WithTimeout(ctx, o.cfg.StartupTimeout)
		startErr := m.Start(startCtx)
		cancel()

		if startErr != nil {
			_ = o.reg.Transition(name, registry.Failed, startErr)
			return fmt.Errorf("orchestrator: module %s failed to start: %w", name, startErr)
		}

		if err := o.reg.Transition(name, registry.Running, nil); err != nil {
			return fmt.Errorf("orchestrator: %w", err)
		}
		_ = o.reg.RecordHealth(name, registry.Healthy, "")
		if o.bus != nil {
			_ = o.bus.Publish(bus.New(name, bus.ModuleReady{ModuleID: name}))
		}

		if i < len(order)-1 && o.cfg.ModuleStartDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(o.cfg.ModuleStartDelay):
			}
		}
	}
	return nil
}

// StopSystem stops every registered module in reverse dependency order:
// before stopping M, every module depending on M has already stopped. A
// Shutdown envelope is published to the target before calling Stop; on
// context timeout the module is treated as force-stopped and shutdown
// proceeds to the next module regardless.
func (o *Orchestrator) StopSystem(ctx context.Context) error {
	order, err := o.StartupOrder()
	if err != nil {
		return err
	}

	var lastErr error
	for i := len(order) - 1; i >= 0; i-- {
		name := order[i]
		o.mu.Lock()
		m, ok := o.modules[name]
		o.mu.Unlock()
		if !ok {
			continue
		}

		rec, found := o.reg.Get(name)
		if !found || rec.Snapshot().Status != registry.Running {
			continue
		}

		if err := o.reg.Transition(name, registry.Stopping, nil); err != nil {
			o.log.Error("invalid stop transition", "module", name, "err", err)
			lastErr = err
			continue
		}

		if o.bus != nil {
			_ = o.bus.Publish(bus.New(name, bus.Shutdown{ModuleID: name, Timeout: o.cfg.ShutdownTimeout}))
		}

		stopCtx, cancel := context.WithTimeout(ctx, o.cfg.ShutdownTimeout)
		stopErr := m.Stop(stopCtx)
		cancel()
		if stopErr != nil {
			o.log.Error("module stop error, force-stopping", "module", name, "err", stopErr)
			lastErr = stopErr
		}

		if err := o.reg.Transition(name, registry.Stopped, stopErr); err != nil {
			o.log.Error("invalid stopped transition", "module", name, "err", err)
			lastErr = err
		}
	}
	return lastErr
}

// RestartModule stops and restarts a single registered module in place,
// without touching its dependencies or dependents — the recovery
// controller's first, cheapest ladder rung (spec §4.12 RestartModule).
func (o *Orchestrator) RestartModule(ctx context.Context, name string) error {
	o.mu.Lock()
	m, ok := o.modules[name]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("orchestrator: %q is not registered", name)
	}

	if err := o.reg.Transition(name, registry.Stopping, nil); err == nil {
		stopCtx, cancel := context.WithTimeout(ctx, o.cfg.ShutdownTimeout)
		stopErr := m.Stop(stopCtx)
		cancel()
		_ = o.reg.Transition(name, registry.Stopped, stopErr)
	}

	if err := o.reg.Transition(name, registry.Starting, nil); err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}
	startCtx, cancel := context.WithTimeout(ctx, o.cfg.StartupTimeout)
	startErr := m.Start(startCtx)
	cancel()
	if startErr != nil {
		_ = o.reg.Transition(name, registry.Failed, startErr)
		return fmt.Errorf("orchestrator: restart of %s failed: %w", name, startErr)
	}
	if err := o.reg.Transition(name, registry.Running, nil); err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}
	_ = o.reg.RecordHealth(name, registry.Healthy, "")
	if o.bus != nil {
		_ = o.bus.Publish(bus.New(name, bus.ModuleReady{ModuleID: name}))
	}
	return nil
}

// DistributeConfig updates the central config store and publishes a
// ConfigUpdate for target (or broadcast, if target is empty) to receive.
// Validation is shallow per spec §4.11: only that the call names a key.
func (o *Orchestrator) DistributeConfig(key string, value any, target string) error {
	if key == "" {
		return fmt.Errorf("orchestrator: config key must not be empty")
	}
	o.configMu.Lock()
	scope := target
	if scope == "" {
		scope = "*"
	}
	if o.configStore[scope] == nil {
		o.configStore[scope] = make(map[string]any)
	}
	o.configStore[scope][key] = value
	o.configMu.Unlock()

	if o.bus != nil {
		return o.bus.Publish(bus.New("Orchestrator", bus.ConfigUpdate{Key: key, Value: value, Target: target}))
	}
	return nil
}

// ConfigValue reads back a previously distributed config value for scope
// (module name, or "*" for broadcast values).
func (o *Orchestrator) ConfigValue(scope, key string) (any, bool) {
	o.configMu.Lock()
	defer o.configMu.Unlock()
	m, ok := o.configStore[scope]
	if !ok {
		return nil, false
	}
	v, ok := m[key]
	return v, ok
}
