package fault

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"
)

// RetryConfig parameterizes the bounded, jittered backoff executor of spec
// §4.6, grounded in reload_orchestrator.go's backoffBase/backoffCap fields,
// generalized with a jitter ratio and total deadline.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       float64 // fraction in [0,1); delay perturbed by [1-j, 1+j]
	TotalTimeout time.Duration
}

// DefaultRetryConfig mirrors the teacher's reload-orchestrator defaults,
// adapted to the spec's named fields.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  5,
		InitialDelay: 2 * time.Second,
		Multiplier:   2.0,
		MaxDelay:     2 * time.Minute,
		Jitter:       0.2,
		TotalTimeout: 5 * time.Minute,
	}
}

// Retriable classifies whether an error should trigger another attempt.
type Retriable func(error) bool

// AlwaysRetriable treats every non-nil error as retriable.
func AlwaysRetriable(err error) bool { return err != nil }

// Result reports how an executed operation concluded.
type Result struct {
	Err      error
	Attempts int
	Retried  bool
}

// Executor runs an operation with bounded, jittered exponential backoff. A
// single Executor is safe for concurrent use by multiple callers.
type Executor struct {
	cfg RetryConfig

	rndMu sync.Mutex
	rnd   *rand.Rand
}

// NewExecutor constructs a retry executor. seed varies the jitter sequence
// per executor instance without relying on a process-global source.
func NewExecutor(cfg RetryConfig, seed int64) *Executor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 2 * time.Second
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = 2.0
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Minute
	}
	return &Executor{cfg: cfg, rnd: rand.New(rand.NewSource(seed))}
}

func (e *Executor) jitter() float64 {
	e.rndMu.Lock()
	defer e.rndMu.Unlock()
	return e.rnd.Float64()
}

// delayFor returns the backoff delay waited after the given 1-indexed
// attempt fails, before the next attempt: delayFor(1) is InitialDelay.
func (e *Executor) delayFor(attempt int) time.Duration {
	factor := math.Pow(e.cfg.Multiplier, float64(attempt-1))
	base := float64(e.cfg.InitialDelay) * factor
	if base > float64(e.cfg.MaxDelay) {
		base = float64(e.cfg.MaxDelay)
	}
	if e.cfg.Jitter > 0 {
		lo := 1 - e.cfg.Jitter
		spread := 2 * e.cfg.Jitter
		base *= lo + e.jitter()*spread
	}
	return time.Duration(base)
}

// Do runs op, retrying on retriable errors up to MaxAttempts, bounded overall
// by TotalTimeout. ctx cancellation aborts immediately between attempts.
func (e *Executor) Do(ctx context.Context, retriable Retriable, op func(context.Context) error) Result {
	deadline := time.Now().Add(e.cfg.TotalTimeout)
	var lastErr error

	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return Result{Err: ctx.Err(), Attempts: attempt - 1, Retried: attempt > 1}
		}
		if e.cfg.TotalTimeout > 0 && time.Now().After(deadline) {
			return Result{Err: lastErr, Attempts: attempt - 1, Retried: attempt > 1}
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return Result{Err: nil, Attempts: attempt, Retried: attempt > 1}
		}
		if retriable == nil {
			retriable = AlwaysRetriable
		}
		if !retriable(lastErr) || attempt == e.cfg.MaxAttempts {
			return Result{Err: lastErr, Attempts: attempt, Retried: attempt > 1}
		}

		delay := e.delayFor(attempt)
		if e.cfg.TotalTimeout > 0 {
			if remaining := time.Until(deadline); remaining < delay {
				delay = remaining
			}
		}
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return Result{Err: ctx.Err(), Attempts: attempt, Retried: true}
		}
	}
	return Result{Err: lastErr, Attempts: e.cfg.MaxAttempts, Retried: true}
}
