package orchestrator

import "context"

// Module is the lifecycle contract every orchestrated component implements,
// narrowed from the teacher's Startable/Stoppable interfaces to the single
// contract the orchestrator needs: a blocking Start that returns once the
// module is ready to serve (or ModuleReady is otherwise observed), and a
// graceful Stop. Four external-collaborator modules (DataCapture,
// Gamification, AIIntegration, CuteFigurine) are registered as thin stubs
// implementing only this contract; their internals stay out of scope.
// AnalysisEngine is not a stub: it drives the analysis pipeline.
type Module interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// ModuleFunc adapts a pair of start/stop functions into a Module, for
// orchestrated components (like Storage's write-buffer goroutine) that have
// no natural receiver type of their own.
type ModuleFunc struct {
	name  string
	start func(ctx context.Context) error
	stop  func(ctx context.Context) error
}

// NewModuleFunc builds a Module named name from start/stop functions.
func NewModuleFunc(name string, start, stop func(ctx context.Context) error) ModuleFunc {
	return ModuleFunc{name: name, start: start, stop: stop}
}

func (f ModuleFunc) Name() string                        { return f.name }
func (f ModuleFunc) Start(ctx context.Context) error      { return f.start(ctx) }
func (f ModuleFunc) Stop(ctx context.Context) error       { return f.stop(ctx) }

// HealthChecker is an optional interface a Module may implement. The
// orchestrator's health polling does not call it: every Running module is
// polled through the HealthCheckRequest/HealthCheckResponse bus round-trip,
// and a module that does not answer counts as a failed check.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}
