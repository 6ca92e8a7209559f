// Package orchestrator drives module startup/shutdown order, lifecycle
// transitions, health polling, and config distribution for spec §4.11,
// grounded in application.go's resolveDependencies() DFS topological sort
// and application_lifecycle.go's Initialize/Start/Stop phases, generalized
// from "implements Startable" to the explicit per-module state machine in
// internal/registry.
package orchestrator

import (
	"errors"
	"fmt"
	"sort"
)

// ErrCircularDependency mirrors the teacher's sentinel for a DAG cycle.
var ErrCircularDependency = errors.New("orchestrator: circular module dependency")

// ErrUnknownDependency is returned when an edge names a module never added
// to the graph.
var ErrUnknownDependency = errors.New("orchestrator: unknown dependency")

// graph is an adjacency list: graph[name] lists the modules name depends on
// (must be Running before name starts).
type graph map[string][]string

// newDefaultGraph hard-codes the spec §4.11 dependency DAG:
//
//	EventBus → Orchestrator → Storage → {DataCapture, AnalysisEngine}
//	                                     AnalysisEngine → Gamification → AIIntegration → CuteFigurine
//
// Edges point from a module to what it depends on, matching the direction
// resolveDependencies() walks.
func newDefaultGraph() graph {
	return graph{
		"EventBus":      nil,
		"Orchestrator":  {"EventBus"},
		"Storage":       {"Orchestrator"},
		"DataCapture":   {"Storage"},
		"AnalysisEngine": {"Storage"},
		"Gamification":  {"AnalysisEngine"},
		"AIIntegration": {"Gamification"},
		"CuteFigurine":  {"AIIntegration"},
	}
}

// topoSort returns g's nodes in dependency order (a node always precedes
// whatever depends on it), using the same depth-first, path-tracking
// algorithm as resolveDependencies(): a "temp" mark detects the back-edge
// that closes a cycle, and the full path is kept so the error names every
// module on the cycle rather than just the one node where it was detected.
func topoSort(g graph) ([]string, error) {
	var result []string
	visited := make(map[string]bool)
	temp := make(map[string]bool)
	var path []string

	var visit func(string) error
	visit = func(node string) error {
		if temp[node] {
			return fmt.Errorf("%w: %s", ErrCircularDependency, cyclePath(path, node))
		}
		if visited[node] {
			return nil
		}
		temp[node] = true
		path = append(path, node)

		deps := make([]string, len(g[node]))
		copy(deps, g[node])
		sort.Strings(deps)

		for _, dep := range deps {
			if _, ok := g[dep]; !ok {
				return fmt.Errorf("%w: %s depends on %s", ErrUnknownDependency, node, dep)
			}
			if err := visit(dep); err != nil {
				return err
			}
		}

		visited[node] = true
		temp[node] = false
		path = path[:len(path)-1]
		result = append(result, node)
		return nil
	}

	var nodes []string
	for node := range g {
		nodes = append(nodes, node)
	}
	sort.Strings(nodes)

	for _, node := range nodes {
		if !visited[node] {
			if err := visit(node); err != nil {
				return nil, err
			}
		}
	}
	return result, nil
}

func cyclePath(path []string, closing string) string {
	start := 0
	for i, n := range path {
		if n == closing {
			start = i
			break
		}
	}
	cycle := append(append([]string{}, path[start:]...), closing)
	out := cycle[0]
	for _, n := range cycle[1:] {
		out += " → " + n
	}
	return out
}
