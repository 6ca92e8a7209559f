// Package scenarios runs the seed scenarios of the runtime specification as
// godog BDD features, grounded in modules/chimux's
// chimux_module_bdd_test.go: a per-scenario context struct, step methods
// registered on a godog.ScenarioContext, and a TestXxxBDD runner pointed at
// a features directory of physical .feature files. Each step drives the
// real bus, window manager, circuit breaker, orchestrator, and store types
// rather than a simulation of them.
package scenarios
