package topology

import (
	"sort"
	"strings"
)

// Graph is the dependency graph of a topology. Edges run from a dependency to the
// services that depend on it, so a topological order is a valid start order.
type Graph struct {
	nodes      []string
	deps       map[string][]string
	dependents map[string][]string
	inDegree   map[string]int
}

// NewGraph builds the graph. Edges to undeclared services are dropped; Validate reports them.
func NewGraph(t *Topology) *Graph {
	g := &Graph{
		nodes:      t.Names(),
		deps:       map[string][]string{},
		dependents: map[string][]string{},
		inDegree:   map[string]int{},
	}
	for _, name := range g.nodes {
		g.inDegree[name] = 0
	}
	for _, name := range g.nodes {
		seen := map[string]bool{}
		for _, dep := range t.Services[name].DependsOn {
			if _, ok := t.Services[dep]; !ok || seen[dep] {
				continue
			}
			seen[dep] = true
			g.deps[name] = append(g.deps[name], dep)
			g.dependents[dep] = append(g.dependents[dep], name)
			g.inDegree[name]++
		}
	}
	for _, v := range g.dependents {
		sort.Strings(v)
	}
	for _, v := range g.deps {
		sort.Strings(v)
	}
	return g
}

func (g *Graph) Nodes() []string {
	return append([]string{}, g.nodes...)
}

func (g *Graph) Dependencies(name string) []string {
	return append([]string{}, g.deps[name]...)
}

func (g *Graph) Dependents(name string) []string {
	return append([]string{}, g.dependents[name]...)
}

// Downstream returns every service that transitively depends on name.
func (g *Graph) Downstream(name string) []string {
	seen := map[string]bool{}
	var out []string
	queue := append([]string{}, g.dependents[name]...)
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
		queue = append(queue, g.dependents[n]...)
	}
	sort.Strings(out)
	return out
}

// Batches groups services into waves: every service in a batch depends only on services in
// earlier batches. Within a batch names are sorted.
func (g *Graph) Batches() ([][]string, error) {
	inDegree := make(map[string]int, len(g.inDegree))
	for k, v := range g.inDegree {
		inDegree[k] = v
	}

	var batches [][]string
	var current []string
	for _, n := range g.nodes {
		if inDegree[n] == 0 {
			current = append(current, n)
		}
	}
	processed := 0
	for len(current) > 0 {
		sort.Strings(current)
		batches = append(batches, current)
		processed += len(current)
		var next []string
		for _, n := range current {
			for _, d := range g.dependents[n] {
				inDegree[d]--
				if inDegree[d] == 0 {
					next = append(next, d)
				}
			}
		}
		current = next
	}

	if processed != len(g.nodes) {
		return nil, &DependencyCycle{Members: g.Cycle()}
	}
	return batches, nil
}

// Order flattens Batches into a single start order.
func (g *Graph) Order() ([]string, error) {
	batches, err := g.Batches()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, b := range batches {
		out = append(out, b...)
	}
	return out, nil
}

// Cycle returns one dependency cycle in the order the edges are walked, or nil.
func (g *Graph) Cycle() []string {
	const (
		white = iota
		grey
		black
	)
	color := map[string]int{}
	var stack []string

	var visit func(string) []string
	visit = func(n string) []string {
		color[n] = grey
		stack = append(stack, n)
		for _, d := range g.deps[n] {
			switch color[d] {
			case grey:
				for i, s := range stack {
					if s == d {
						return append([]string{}, stack[i:]...)
					}
				}
			case white:
				if c := visit(d); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[n] = black
		return nil
	}

	for _, n := range g.nodes {
		if color[n] == white {
			if c := visit(n); c != nil {
				return c
			}
		}
	}
	return nil
}

// DependencyCycle lists the services forming a cycle; each member depends on the next
// and the last depends on the first.
type DependencyCycle struct {
	Members []string
}

func (e *DependencyCycle) Error() string {
	if len(e.Members) == 0 {
		return "dependency cycle"
	}
	return "dependency cycle: " + strings.Join(append(append([]string{}, e.Members...), e.Members[0]), " -> ")
}
