// Package features implements the five-extractor feature pipeline of spec
// §4.9: a finalized window is turned into a fixed-arity, group-normalized
// FeatureVector. Formulas are grounded in
// original_source/modules/analysis-engine/src/feature_extraction/*.rs;
// parallel fan-out follows application_lifecycle.go's WaitGroup-based
// parallel-startup shape.
package features

import (
	"fmt"
	"math"
	"sync"

	"github.com/flowloop/companion/internal/window"
)

// Group names a feature extractor, used in FeatureExtractionError.
type Group string

const (
	GroupKeystroke Group = "keystroke"
	GroupMouse     Group = "mouse"
	GroupWindow    Group = "window"
	GroupTemporal  Group = "temporal"
	GroupResource  Group = "resource"
)

// FeatureExtractionError reports a non-finite (NaN/Inf) value produced by one
// extractor group (spec §4.9: "Invariant failures ... yield a recoverable
// FeatureExtractionError naming the group").
type FeatureExtractionError struct {
	Group Group
	Index int
}

func (e *FeatureExtractionError) Error() string {
	return fmt.Sprintf("features: non-finite value in group %s at index %d", e.Group, e.Index)
}

// Vector is the fixed-arity, group-normalized output of Extract: 10
// keystroke + 8 mouse + 6 window + 5 temporal + 4 resource = 33 values.
type Vector struct {
	Keystroke [10]float64
	Mouse     [8]float64
	Window    [6]float64
	Temporal  [5]float64
	Resource  [4]float64
}

// Extract runs the five extractors in parallel over a finalized window and
// normalizes each group's output to [0,1]. It returns the first
// FeatureExtractionError encountered, if any; other groups still complete
// (a pipeline-stage failure fails the window, not the whole pipeline, per
// spec §7 propagation policy — the caller decides whether to drop the
// window).
func Extract(w *window.Window, resources []ResourceSample) (Vector, error) {
	var (
		wg                                          sync.WaitGroup
		keystroke                                   [10]float64
		mouse                                       [8]float64
		windowFeat                                  [6]float64
		temporal                                    [5]float64
		resource                                    [4]float64
		keystrokeErr, mouseErr, windowErr, temporalErr, resourceErr error
	)

	wg.Add(5)
	go func() { defer wg.Done(); keystroke, keystrokeErr = extractKeystroke(w) }()
	go func() { defer wg.Done(); mouse, mouseErr = extractMouse(w) }()
	go func() { defer wg.Done(); windowFeat, windowErr = extractWindow(w) }()
	go func() { defer wg.Done(); temporal, temporalErr = extractTemporal(w) }()
	go func() { defer wg.Done(); resource, resourceErr = extractResource(resources) }()
	wg.Wait()

	for _, err := range []error{keystrokeErr, mouseErr, windowErr, temporalErr, resourceErr} {
		if err != nil {
			return Vector{}, err
		}
	}

	normalizeGroup(keystroke[:])
	normalizeGroup(mouse[:])
	normalizeGroup(windowFeat[:])
	normalizeGroup(temporal[:])
	normalizeGroup(resource[:])

	return Vector{
		Keystroke: keystroke,
		Mouse:     mouse,
		Window:    windowFeat,
		Temporal:  temporal,
		Resource:  resource,
	}, nil
}

// checkFinite validates every element of a group, returning a
// FeatureExtractionError naming the first offending index.
func checkFinite(group Group, values []float64) error {
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return &FeatureExtractionError{Group: group, Index: i}
		}
	}
	return nil
}

// normalizeGroup min-max scales a group's values to [0,1] in place. A
// constant group (min == max) maps to all-zero rather than dividing by zero.
func normalizeGroup(values []float64) {
	if len(values) == 0 {
		return
	}
	min, max := values[0], values[0]
	for _, v := range values {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	span := max - min
	for i, v := range values {
		if span == 0 {
			values[i] = 0
			continue
		}
		values[i] = (v - min) / span
	}
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func variance(xs []float64, m float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		d := x - m
		sum += d * d
	}
	return sum / float64(len(xs))
}

func coefficientOfVariation(xs []float64) float64 {
	m := mean(xs)
	if m == 0 {
		return 0
	}
	return math.Sqrt(variance(xs, m)) / m
}
