// Package pipeline wires the sliding-window manager (C8), feature extractors
// (C9), and classifier adapter (C10) into the Analysis Pipeline subsystem:
// raw events in, AnalysisComplete/StateChange envelopes out. New domain
// logic; the parallel extractor fan-out it drives lives in
// internal/features, grounded there.
package pipeline

import (
	"context"
	"time"

	"github.com/flowloop/companion/internal/applog"
	"github.com/flowloop/companion/internal/bus"
	"github.com/flowloop/companion/internal/classifier"
	"github.com/flowloop/companion/internal/features"
	"github.com/flowloop/companion/internal/window"
)

// Config parameterizes the pipeline (spec §6 Pipeline keys not already owned
// by window.Config).
type Config struct {
	Window                   window.Config
	EnableScreenshotAnalysis bool
	MinEventsForAnalysis     int
	ProcessingTimeout        time.Duration
}

// DefaultConfig mirrors spec §8 S4's literal parameters.
func DefaultConfig() Config {
	return Config{
		Window:               window.DefaultConfig(),
		MinEventsForAnalysis: 10,
		ProcessingTimeout:    2 * time.Second,
	}
}

// Result is the per-window analysis composition of spec §4.10.
type Result struct {
	WindowID              string
	DetectedState         string
	Confidence            float64
	ComputedMetrics       features.Vector
	ScreenshotContext     bool
	InterventionReadiness float64
	ProcessingTimeMS      float64
	FeatureImportance     map[string]float64
}

// ResourceSampler supplies the resource samples correlated to a window's time
// span, sourced from C13.
type ResourceSampler interface {
	SamplesBetween(start, end time.Time) []features.ResourceSample
}

// Pipeline owns one session's window manager and drives it through feature
// extraction and classification on every emitted window.
type Pipeline struct {
	cfg        Config
	manager    *window.Manager
	classifier classifier.Classifier
	resources  ResourceSampler
	pub        publisher
	log        applog.Logger
}

// publisher is the minimal bus surface the pipeline needs, so tests can stub
// it without standing up a full Bus.
type publisher interface {
	Publish(bus.Envelope) error
}

// New constructs a pipeline for one session.
func New(sessionID string, cfg Config, clf classifier.Classifier, resources ResourceSampler, pub publisher, log applog.Logger) *Pipeline {
	return &Pipeline{
		cfg:        cfg,
		manager:    window.NewManager(sessionID, cfg.Window),
		classifier: clf,
		resources:  resources,
		pub:        pub,
		log:        log,
	}
}

// HandleEvent feeds one raw event through the window manager; when a window
// finalizes with sufficient data, it runs feature extraction and
// classification and returns the composed Result (nil if no window
// finalized, or if the finalized window lacked sufficient data).
func (p *Pipeline) HandleEvent(ctx context.Context, e bus.RawEvent) (*Result, error) {
	finalized := p.manager.AddEvent(e)
	if finalized == nil {
		return nil, nil
	}
	if p.pub != nil {
		p.pub.Publish(bus.New("AnalysisEngine", bus.EventBatch{
			WindowID:     finalized.ID,
			SessionID:    finalized.SessionID,
			StartTime:    finalized.StartTime,
			EndTime:      finalized.EndTime,
			Events:       finalized.Events,
			QualityScore: finalized.QualityScore,
		}))
	}
	return p.analyze(ctx, finalized)
}

func (p *Pipeline) analyze(ctx context.Context, w *window.Window) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ProcessingTimeout)
	defer cancel()

	var samples []features.ResourceSample
	if p.resources != nil {
		samples = p.resources.SamplesBetween(w.StartTime, w.EndTime)
	}

	vector, err := features.Extract(w, samples)
	if err != nil {
		if p.log != nil {
			p.log.Warn("feature extraction failed, dropping window", "window_id", w.ID, "err", err)
		}
		return nil, err
	}

	hasScreenshot := false
	for _, e := range w.Events {
		if e.RawKind() == bus.RawScreenshotRef {
			hasScreenshot = true
			break
		}
	}

	classified, err := p.classifier.Classify(ctx, vector)
	if err != nil {
		if p.log != nil {
			p.log.Error("classifier inference error", "window_id", w.ID, "err", err)
		}
		return nil, err
	}

	result := &Result{
		WindowID:              w.ID,
		DetectedState:         classified.StateLabel,
		Confidence:            classified.Confidence,
		ComputedMetrics:       vector,
		ScreenshotContext:     hasScreenshot && p.cfg.EnableScreenshotAnalysis,
		InterventionReadiness: interventionReadiness(classified),
		ProcessingTimeMS:      float64(classified.ProcessingTime.Microseconds()) / 1000.0,
		FeatureImportance:     classified.FeatureImportance,
	}

	if p.pub != nil {
		p.pub.Publish(bus.New("AnalysisEngine", bus.AnalysisComplete{
			WindowID:   w.ID,
			State:      classified.StateLabel,
			Confidence: classified.Confidence,
			Start:      w.StartTime,
			End:        w.EndTime,
		}))
		p.pub.Publish(bus.New("AnalysisEngine", bus.StateChange{
			StateLabel: classified.StateLabel,
			Confidence: classified.Confidence,
			Timestamp:  w.EndTime,
		}))
	}

	return result, nil
}

// interventionReadiness is a policy function left deliberately simple: spec
// §4.10 calls it "policy-defined, out of scope here". This placeholder
// scales linearly with classifier confidence so the field is populated and
// finite without encoding any real intervention policy.
func interventionReadiness(r classifier.Result) float64 {
	if r.Degraded {
		return 0
	}
	return r.Confidence
}
