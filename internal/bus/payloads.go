package bus

import "time"

// --- RawEvent and its sub-variants -----------------------------------------

// RawEventKind tags which capture signal a RawEvent carries.
type RawEventKind string

const (
	RawKeystroke      RawEventKind = "keystroke"
	RawMouseMove      RawEventKind = "mouse_move"
	RawMouseClick     RawEventKind = "mouse_click"
	RawWindowFocus    RawEventKind = "window_focus"
	RawScreenshotRef  RawEventKind = "screenshot_ref"
	RawProcess        RawEventKind = "process"
	RawResourceSample RawEventKind = "resource_sample"
)

// RawEventData is implemented by each RawEvent sub-variant's payload.
type RawEventData interface {
	rawKind() RawEventKind
	cloneData() RawEventData
}

type KeystrokeData struct {
	KeyCode         int
	Modifiers       []string
	InterKeyMS      float64
	IsBackspace     bool
	IsCorrection    bool
}

func (d KeystrokeData) rawKind() RawEventKind { return RawKeystroke }
func (d KeystrokeData) cloneData() RawEventData {
	c := d
	c.Modifiers = append([]string(nil), d.Modifiers...)
	return c
}

type MouseMoveData struct {
	X, Y      float64
	VelocityPxS float64
}

func (d MouseMoveData) rawKind() RawEventKind   { return RawMouseMove }
func (d MouseMoveData) cloneData() RawEventData { return d }

type MouseClickData struct {
	X, Y   float64
	Button string
	Double bool
}

func (d MouseClickData) rawKind() RawEventKind   { return RawMouseClick }
func (d MouseClickData) cloneData() RawEventData { return d }

type WindowFocusData struct {
	Title       string
	AppName     string
	AppCategory string
}

func (d WindowFocusData) rawKind() RawEventKind   { return RawWindowFocus }
func (d WindowFocusData) cloneData() RawEventData { return d }

// ScreenshotRef is deliberately metadata-only inside the bus: pixel bytes
// never traverse the bus and are owned by the capture collaborator (spec §3).
type ScreenshotRef struct {
	ID            string
	Title         string
	AppName       string
	Region        [4]int // x, y, w, h
	PrivacyMasked bool
}

func (d ScreenshotRef) rawKind() RawEventKind   { return RawScreenshotRef }
func (d ScreenshotRef) cloneData() RawEventData { return d }

type ProcessData struct {
	PID  int
	Name string
}

func (d ProcessData) rawKind() RawEventKind   { return RawProcess }
func (d ProcessData) cloneData() RawEventData { return d }

type ResourceSampleData struct {
	CPUPercent     float64
	MemoryPercent  float64
	DiskIOBytesS   float64
	NetworkIOBytesS float64
}

func (d ResourceSampleData) rawKind() RawEventKind   { return RawResourceSample }
func (d ResourceSampleData) cloneData() RawEventData { return d }

// RawEvent is the inbound-boundary payload published by the capture
// collaborator (source = DataCapture). Timestamp is UTC at millisecond
// resolution per spec §6.
type RawEvent struct {
	SessionID string
	Timestamp time.Time
	Data      RawEventData
}

func (e RawEvent) Kind() PayloadKind { return KindRawEvent }
func (e RawEvent) RawKind() RawEventKind {
	if e.Data == nil {
		return ""
	}
	return e.Data.rawKind()
}
func (e RawEvent) Clone() Payload {
	c := e
	if e.Data != nil {
		c.Data = e.Data.cloneData()
	}
	return c
}

// --- EventBatch --------------------------------------------------------

// EventBatch is emitted by the store/window manager on window boundaries
// and carries a finalized window's events downstream to the pipeline.
type EventBatch struct {
	WindowID      string
	SessionID     string
	StartTime     time.Time
	EndTime       time.Time
	Events        []RawEvent
	QualityScore  float64
}

func (e EventBatch) Kind() PayloadKind { return KindEventBatch }
func (e EventBatch) Clone() Payload {
	c := e
	c.Events = make([]RawEvent, len(e.Events))
	for i, ev := range e.Events {
		c.Events[i] = ev.Clone().(RawEvent)
	}
	return c
}

// --- AnalysisComplete / StateChange --------------------------------------

type AnalysisComplete struct {
	WindowID  string
	State     string
	Confidence float64
	Start     time.Time
	End       time.Time
}

func (e AnalysisComplete) Kind() PayloadKind { return KindAnalysisComplete }
func (e AnalysisComplete) Clone() Payload    { return e }

type StateChange struct {
	StateLabel     string
	Confidence     float64
	Timestamp      time.Time
	TransitionFrom string
}

func (e StateChange) Kind() PayloadKind { return KindStateChange }
func (e StateChange) Clone() Payload    { return e }

// --- Intervention / animation (opaque to the core, per spec §6) -----------

type InterventionRequest struct {
	WindowID string
	State    string
	Reason   string
	Data     map[string]any
}

func (e InterventionRequest) Kind() PayloadKind { return KindInterventionRequest }
func (e InterventionRequest) Clone() Payload {
	c := e
	c.Data = cloneMap(e.Data)
	return c
}

type InterventionResponse struct {
	RequestID string
	Accepted  bool
	Data      map[string]any
}

func (e InterventionResponse) Kind() PayloadKind { return KindInterventionResponse }
func (e InterventionResponse) Clone() Payload {
	c := e
	c.Data = cloneMap(e.Data)
	return c
}

type AnimationCommand struct {
	Command string
	Params  map[string]any
}

func (e AnimationCommand) Kind() PayloadKind { return KindAnimationCommand }
func (e AnimationCommand) Clone() Payload {
	c := e
	c.Params = cloneMap(e.Params)
	return c
}

// --- Lifecycle payloads (published by the Orchestrator, spec §6) ----------

type HealthCheckRequest struct {
	ModuleID  string
	Timestamp time.Time
}

func (e HealthCheckRequest) Kind() PayloadKind { return KindHealthCheckRequest }
func (e HealthCheckRequest) Clone() Payload    { return e }

type HealthCheckResponse struct {
	ModuleID        string
	Status          string
	ResponseTimeMS  float64
}

func (e HealthCheckResponse) Kind() PayloadKind { return KindHealthCheckResponse }
func (e HealthCheckResponse) Clone() Payload    { return e }

type ConfigUpdate struct {
	Key    string
	Value  any
	Target string
}

func (e ConfigUpdate) Kind() PayloadKind { return KindConfigUpdate }
func (e ConfigUpdate) Clone() Payload    { return e }

type Shutdown struct {
	ModuleID  string
	Timeout   time.Duration
	SaveState bool
}

func (e Shutdown) Kind() PayloadKind { return KindShutdown }
func (e Shutdown) Clone() Payload    { return e }

type ModuleReady struct {
	ModuleID string
}

func (e ModuleReady) Kind() PayloadKind { return KindModuleReady }
func (e ModuleReady) Clone() Payload    { return e }

type ErrorReport struct {
	ModuleID string
	Kind     string
	Message  string
}

func (e ErrorReport) Kind() PayloadKind { return KindErrorReport }
func (e ErrorReport) Clone() Payload    { return e }

// ThrottleAdvisory is published by the resource monitor (C13) when sustained
// CPU exceeds throttle_threshold (spec §4.13). The capture side reduces
// sampling rate and the pipeline may skip optional extractors in response;
// this is advisory only, never a hard preemption.
type ThrottleAdvisory struct {
	CPUPercent float64
	Threshold  float64
	Active     bool
}

func (e ThrottleAdvisory) Kind() PayloadKind { return KindThrottleAdvisory }
func (e ThrottleAdvisory) Clone() Payload    { return e }

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	c := make(map[string]any, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
