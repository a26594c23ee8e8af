package domain

import (
	"sort"
)

// DependencyGraph maps a tool id to the set of tool ids it depends on
type DependencyGraph map[string]map[string]struct{}

// NewDependencyGraph builds the adjacency map. Dependencies that are not
// themselves declared become nodes with no dependencies.
func NewDependencyGraph(deps []ToolDependency) DependencyGraph {
	g := make(DependencyGraph, len(deps))
	for _, d := range deps {
		if _, ok := g[d.ToolID]; !ok {
			g[d.ToolID] = make(map[string]struct{})
		}
		for _, dep := range d.DependsOn {
			g[d.ToolID][dep] = struct{}{}
			if _, ok := g[dep]; !ok {
				g[dep] = make(map[string]struct{})
			}
		}
	}
	return g
}

// Nodes returns every tool id in sorted order
func (g DependencyGraph) Nodes() []string {
	ids := make([]string, 0, len(g))
	for id := range g {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// DependenciesOf returns the sorted dependencies of a tool
func (g DependencyGraph) DependenciesOf(id string) []string {
	deps := make([]string, 0, len(g[id]))
	for dep := range g[id] {
		deps = append(deps, dep)
	}
	sort.Strings(deps)
	return deps
}

// Dependents returns, for each tool, the sorted tools that depend on it
func (g DependencyGraph) Dependents() map[string][]string {
	out := make(map[string][]string, len(g))
	for _, id := range g.Nodes() {
		for _, dep := range g.DependenciesOf(id) {
			out[dep] = append(out[dep], id)
		}
	}
	return out
}

// TopologicalSort orders tools so that every dependency precedes its
// dependents (Kahn's algorithm, ties broken by id).
func (g DependencyGraph) TopologicalSort() ([]string, error) {
	inDegree := make(map[string]int, len(g))
	for id, deps := range g {
		inDegree[id] = len(deps)
	}
	dependents := g.Dependents()

	var ready []string
	for id, n := range inDegree {
		if n == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(g))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		var released []string
		for _, dependent := range dependents[id] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				released = append(released, dependent)
			}
		}
		if len(released) > 0 {
			ready = append(ready, released...)
			sort.Strings(ready)
		}
	}

	if len(order) != len(g) {
		return nil, &CycleError{Participants: g.unsorted(order)}
	}
	return order, nil
}

// Levels groups tools breadth-first: level k holds every tool whose
// dependencies all sit in levels below k.
func (g DependencyGraph) Levels() ([][]string, error) {
	placed := make(map[string]bool, len(g))
	var levels [][]string

	for len(placed) < len(g) {
		var level []string
		for _, id := range g.Nodes() {
			if placed[id] {
				continue
			}
			ready := true
			for dep := range g[id] {
				if !placed[dep] {
					ready = false
					break
				}
			}
			if ready {
				level = append(level, id)
			}
		}

		if len(level) == 0 {
			order := make([]string, 0, len(placed))
			for id := range placed {
				order = append(order, id)
			}
			return nil, &CycleError{Participants: g.unsorted(order)}
		}

		for _, id := range level {
			placed[id] = true
		}
		levels = append(levels, level)
	}

	return levels, nil
}

// unsorted returns the sorted ids missing from done
func (g DependencyGraph) unsorted(done []string) []string {
	seen := make(map[string]bool, len(done))
	for _, id := range done {
		seen[id] = true
	}
	var rest []string
	for _, id := range g.Nodes() {
		if !seen[id] {
			rest = append(rest, id)
		}
	}
	return rest
}
