package engine

import (
	"fmt"
	"strings"

	"github.com/biasflow/biasflow/pkg/action"
)

// Graph is the static dependency graph over an ActionSet, built once when
// input parsing completes. Edges run from a dependency to its consumers.
// The graph also owns the full topological order used to sequence the
// per-step active subset.
type Graph struct {
	set *ActionSet

	// dependents maps a label to the labels reading its output.
	dependents map[string][]string

	// order is the full topological order, ties broken by registration
	// order so runs with identical input reproduce the same sequence.
	order []action.Action

	// position maps a label to its index in order.
	position map[string]int
}

// BuildGraph validates the declared dependencies of every action in the
// set, rejects cycles, and computes the deterministic topological order.
func BuildGraph(set *ActionSet) (*Graph, error) {
	g := &Graph{
		set:        set,
		dependents: make(map[string][]string),
		position:   make(map[string]int),
	}

	inDegree := make(map[string]int, set.Len())
	for a := range set.All() {
		inDegree[a.Core().Label()] = 0
	}

	for a := range set.All() {
		label := a.Core().Label()
		for _, dep := range a.Core().Dependencies() {
			if _, err := set.Find(dep); err != nil {
				return nil, NewConfigError(ErrCodeNotFound,
					fmt.Sprintf("action %s depends on undefined label %s", label, dep), nil).
					WithLabel(label)
			}
			g.dependents[dep] = append(g.dependents[dep], label)
			inDegree[label]++
		}
	}

	if cycle := g.findCycle(); cycle != nil {
		return nil, NewConfigError(ErrCodeCyclicDependency,
			fmt.Sprintf("cyclic dependency: %s", strings.Join(cycle, " -> ")), nil)
	}

	if err := g.computeOrder(inDegree); err != nil {
		return nil, err
	}
	return g, nil
}

// findCycle runs a depth-first search over the dependency edges and returns
// the labels of a cycle, or nil. The cycle is reported in edge direction so
// the message reads dependency-first.
func (g *Graph) findCycle() []string {
	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[string]int, g.set.Len())
	var path []string
	var found []string

	var visit func(label string) bool
	visit = func(label string) bool {
		state[label] = inStack
		path = append(path, label)
		for _, next := range g.dependents[label] {
			switch state[next] {
			case unvisited:
				if visit(next) {
					return true
				}
			case inStack:
				// Close the loop from the first occurrence of next.
				for i, l := range path {
					if l == next {
						found = append(append([]string{}, path[i:]...), next)
						return true
					}
				}
			}
		}
		path = path[:len(path)-1]
		state[label] = done
		return false
	}

	for a := range g.set.All() {
		label := a.Core().Label()
		if state[label] == unvisited && visit(label) {
			return found
		}
	}
	return nil
}

// computeOrder runs Kahn's algorithm, always picking the ready action with
// the lowest registration order. Quadratic in the action count, which is
// tiny compared to a single force evaluation.
func (g *Graph) computeOrder(inDegree map[string]int) error {
	remaining := make(map[string]int, len(inDegree))
	for k, v := range inDegree {
		remaining[k] = v
	}

	g.order = g.order[:0]
	for len(g.order) < g.set.Len() {
		var pick action.Action
		for a := range g.set.All() {
			label := a.Core().Label()
			if deg, ok := remaining[label]; ok && deg == 0 {
				pick = a
				break
			}
		}
		if pick == nil {
			// Unreachable once findCycle has passed.
			return NewConfigError(ErrCodeCyclicDependency, "dependency graph has no valid order", nil)
		}
		label := pick.Core().Label()
		g.position[label] = len(g.order)
		g.order = append(g.order, pick)
		delete(remaining, label)
		for _, next := range g.dependents[label] {
			remaining[next]--
		}
	}
	return nil
}

// Order returns the full topological order of the set.
func (g *Graph) Order() []action.Action { return g.order }

// Activate recomputes the per-step active subset: pilots whose OnStep fires
// seed a backward sweep over dependency edges; everything reached is
// active. The returned slice is the active subset in calculate order;
// iterate it backwards for the apply phase. An empty result means the step
// is a pass-through.
func (g *Graph) Activate(step int64) []action.Action {
	for a := range g.set.All() {
		a.Core().SetActive(false)
	}

	var mark func(label string)
	mark = func(label string) {
		a, err := g.set.Find(label)
		if err != nil || a.Core().Active() {
			return
		}
		a.Core().SetActive(true)
		for _, dep := range a.Core().Dependencies() {
			mark(dep)
		}
	}

	for p := range g.set.Pilots() {
		if p.OnStep(step) {
			mark(p.Core().Label())
		}
	}

	active := make([]action.Action, 0, g.set.Len())
	for _, a := range g.order {
		if a.Core().Active() {
			active = append(active, a)
		}
	}
	return active
}

// ToDOT renders the dependency graph in Graphviz DOT format, pilots drawn
// as doubled boxes.
func (g *Graph) ToDOT() string {
	var sb strings.Builder
	sb.WriteString("digraph ActionGraph {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for _, a := range g.order {
		label := a.Core().Label()
		shape := ""
		if _, ok := a.(action.Pilot); ok {
			shape = ", peripheries=2"
		}
		sb.WriteString(fmt.Sprintf("  %q [label=%q%s];\n", label, label, shape))
	}
	sb.WriteString("\n")
	for _, a := range g.order {
		label := a.Core().Label()
		for _, dep := range a.Core().Dependencies() {
			sb.WriteString(fmt.Sprintf("  %q -> %q;\n", dep, label))
		}
	}
	sb.WriteString("}\n")
	return sb.String()
}
