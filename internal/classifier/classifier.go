// Package classifier defines the black-box state classifier adapter of spec
// §4.10. The real model is an external collaborator (out of scope per spec
// §1); this package only fixes the interface contract and ships a
// deterministic stub for tests and local development, grounded in
// original_source/modules/analysis-engine/src/types.rs for the result shape.
package classifier

import (
	"context"
	"errors"
	"time"

	"github.com/flowloop/companion/internal/features"
)

// ErrInference reports a hard classifier failure (spec §4.10).
var ErrInference = errors.New("classifier: inference failed")

// Result is the classifier's output for one feature vector.
type Result struct {
	StateLabel        string
	Confidence        float64
	FeatureImportance map[string]float64
	Degraded          bool // set when inference exceeded the time budget
	ProcessingTime    time.Duration
}

// Classifier is the adapter boundary the pipeline depends on. A real
// implementation wraps whatever inference runtime the AI-integration
// collaborator provides; it is never implemented in this repo.
type Classifier interface {
	Classify(ctx context.Context, vector features.Vector) (Result, error)
	// Feedback forwards a labeled outcome for online learning. Discarded by
	// implementations that do not support it.
	Feedback(ctx context.Context, windowID string, trueState string) error
}

// DefaultBudget is the soft inference-time budget from spec §4.10: exceeding it
// does not fail the call but flags the result Degraded.
const DefaultBudget = 50 * time.Millisecond

// Stub is a deterministic, non-random Classifier for tests and local runs
// where no real model is wired in. Per the Open Question in spec §9, it
// never uses randomness to simulate accuracy — its confidence is a fixed,
// clearly-labeled placeholder that cannot be mistaken for a trained model's
// output.
type Stub struct {
	Budget time.Duration
}

// NewStub constructs a Stub with the default inference budget.
func NewStub() *Stub { return &Stub{Budget: DefaultBudget} }

// Classify returns a fixed low-confidence "unknown" label, attributing equal
// importance to every feature group. It never errors.
func (s *Stub) Classify(ctx context.Context, vector features.Vector) (Result, error) {
	start := time.Now()
	importance := map[string]float64{
		"keystroke": 0.2,
		"mouse":     0.2,
		"window":    0.2,
		"temporal":  0.2,
		"resource":  0.2,
	}
	elapsed := time.Since(start)
	budget := s.Budget
	if budget <= 0 {
		budget = DefaultBudget
	}
	return Result{
		StateLabel:        "unknown",
		Confidence:        0.5,
		FeatureImportance: importance,
		Degraded:          elapsed > budget,
		ProcessingTime:    elapsed,
	}, nil
}

// Feedback is a no-op: the stub has no online-learning loop.
func (s *Stub) Feedback(ctx context.Context, windowID string, trueState string) error { return nil }
