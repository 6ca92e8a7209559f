// Package fault implements the circuit breaker, retry executor, and
// dead-letter queue of spec §4.6, grounded in
// modules/reverseproxy/circuit_breaker.go's closed/open/half-open machine and
// reload_orchestrator.go's backoff bookkeeping, generalized from HTTP
// backends to arbitrary named operations.
package fault

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is a circuit breaker's current position in the §4.6 state machine.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// ErrCircuitOpen is returned by Execute without invoking the operation, per
// spec §4.6 and invariant 6.
var ErrCircuitOpen = errors.New("fault: circuit breaker is open")

// BreakerConfig parameterizes one named circuit.
type BreakerConfig struct {
	FailureThreshold int           // failure_count >= threshold opens the circuit
	ResetTimeout     time.Duration // Open -> HalfOpen after this elapses
	SuccessThreshold float64       // HalfOpen -> Closed success ratio required
	HalfOpenMaxCalls int           // concurrent trial calls allowed while HalfOpen
}

// DefaultBreakerConfig mirrors the teacher's reverseproxy defaults, adjusted
// to the spec's named fields.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     10 * time.Second,
		SuccessThreshold: 1.0,
		HalfOpenMaxCalls: 1,
	}
}

// Breaker is a circuit breaker for one named operation.
type Breaker struct {
	name string
	cfg  BreakerConfig

	mu           sync.Mutex
	state        State
	failureCount int
	openedAt     time.Time

	halfOpenInFlight int
	halfOpenSuccess  int
	halfOpenTotal    int
}

// NewBreaker constructs a circuit breaker in the Closed state.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 10 * time.Second
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1.0
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = 1
	}
	return &Breaker{name: name, cfg: cfg, state: Closed}
}

// Name returns the operation name this breaker guards.
func (b *Breaker) Name() string { return b.name }

// State returns the breaker's current state, first applying the Open ->
// HalfOpen clock transition if due.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeExpireOpen()
	return b.state
}

// maybeExpireOpen must be called with mu held.
func (b *Breaker) maybeExpireOpen() {
	if b.state == Open && time.Since(b.openedAt) >= b.cfg.ResetTimeout {
		b.state = HalfOpen
		b.halfOpenInFlight = 0
		b.halfOpenSuccess = 0
		b.halfOpenTotal = 0
	}
}

// admit reserves the right to invoke the guarded operation, or reports
// ErrCircuitOpen without side effects.
func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeExpireOpen()

	switch b.state {
	case Open:
		return ErrCircuitOpen
	case HalfOpen:
		if b.halfOpenInFlight >= b.cfg.HalfOpenMaxCalls {
			return ErrCircuitOpen
		}
		b.halfOpenInFlight++
		return nil
	default:
		return nil
	}
}

// Execute runs op through the breaker. It returns ErrCircuitOpen without
// calling op when the circuit is Open (or HalfOpen trial slots are
// exhausted).
func (b *Breaker) Execute(ctx context.Context, op func(context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}

	err := op(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.halfOpenInFlight--
		b.halfOpenTotal++
		if err == nil {
			b.halfOpenSuccess++
		}
		ratio := float64(b.halfOpenSuccess) / float64(b.halfOpenTotal)
		switch {
		case err != nil:
			b.state = Open
			b.openedAt = time.Now()
			b.failureCount = b.cfg.FailureThreshold
		case b.halfOpenTotal >= b.cfg.HalfOpenMaxCalls && ratio >= b.cfg.SuccessThreshold:
			b.state = Closed
			b.failureCount = 0
		}
	default: // Closed
		if err != nil {
			b.failureCount++
			if b.failureCount >= b.cfg.FailureThreshold {
				b.state = Open
				b.openedAt = time.Now()
			}
		} else {
			b.failureCount = 0
		}
	}

	return err
}

// Registry keys breakers by operation name, one breaker per name, created
// lazily on first use.
type Registry struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	breakers map[string]*Breaker
}

// NewRegistry constructs a breaker registry sharing one default config.
func NewRegistry(cfg BreakerConfig) *Registry {
	return &Registry{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// Get returns the named breaker, creating it if this is the first reference.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	if !ok {
		b = NewBreaker(name, r.cfg)
		r.breakers[name] = b
	}
	return b
}
