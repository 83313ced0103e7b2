// Package depgraph builds the package dependency DAG and computes the
// topological build order, cycle detection, and reverse reachability used
// by the rebuild planner. It is modeled directly on the teacher's batch
// scheduler: nodes are package names in a flat arena and edges are gonum
// graph edges. gonum's topo.Sort detects cycles; the order itself comes
// from a Kahn pass with a lexicographic tie-break (kahnLexicographic).
package depgraph

import (
	"sort"

	"github.com/kilnpkg/kiln/internal/kerr"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

type node struct {
	id   int64
	name string
}

func (n *node) ID() int64 { return n.id }

// Graph is a dependency DAG over package names. An edge from dependent to
// dependency is added for every "depends on" relationship, so g.From(n)
// yields n's dependencies and g.To(n) yields n's dependents — matching the
// teacher's convention in internal/batch/batch.go.
type Graph struct {
	g        *simple.DirectedGraph
	byName   map[string]*node
	nextID   int64
}

// New builds a Graph from roots (package names) by repeatedly calling deps
// to discover each node's dependency names, until the closure is reached.
// deps must be deterministic and side-effect free; it is called at most
// once per discovered package name.
func New(roots []string, deps func(name string) ([]string, error)) (*Graph, error) {
	dg := &Graph{g: simple.NewDirectedGraph(), byName: map[string]*node{}}

	var sortedRoots []string
	sortedRoots = append(sortedRoots, roots...)
	sort.Strings(sortedRoots)

	queue := append([]string{}, sortedRoots...)
	seen := map[string]bool{}
	for _, r := range sortedRoots {
		seen[r] = true
	}
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		n := dg.nodeFor(name)

		depNames, err := deps(name)
		if err != nil {
			return nil, err
		}
		sorted := append([]string{}, depNames...)
		sort.Strings(sorted)
		for _, d := range sorted {
			if d == name {
				continue // skip circular self-dependency (e.g. a toolchain depending on itself)
			}
			dn := dg.nodeFor(d)
			dg.g.SetEdge(dg.g.NewEdge(n, dn))
			if !seen[d] {
				seen[d] = true
				queue = append(queue, d)
			}
		}
	}
	return dg, nil
}

func (dg *Graph) nodeFor(name string) *node {
	if n, ok := dg.byName[name]; ok {
		return n
	}
	n := &node{id: dg.nextID, name: name}
	dg.nextID++
	dg.byName[name] = n
	dg.g.AddNode(n)
	return n
}

// Order returns a topological order where every dependency precedes its
// dependents, with a deterministic lexicographic tie-break among nodes
// whose indegree (within the remaining graph) is currently zero. If the
// graph contains a cycle, Order returns kerr.CycleDetected listing every
// node in every unorderable component.
func (dg *Graph) Order() ([]string, error) {
	order, err := topo.Sort(dg.g)
	if err != nil {
		uo, ok := err.(topo.Unorderable)
		if !ok {
			return nil, err
		}
		var names []string
		for _, component := range uo {
			for _, n := range component {
				names = append(names, n.(*node).name)
			}
		}
		sort.Strings(names)
		return nil, &kerr.CycleDetected{Nodes: names}
	}

	// topo.Sort already returns dependencies before dependents for a DAG
	// (it orders by in-degree using Kahn's algorithm internally), but does
	// not guarantee a lexicographic tie-break among simultaneously-ready
	// nodes. Re-run Kahn ourselves with an explicit tie-break so the order
	// is deterministic across runs, which spec §8 property 3 requires
	// alongside determinism callers rely on for reproducible builds.
	return dg.kahnLexicographic()
}

func (dg *Graph) kahnLexicographic() ([]string, error) {
	indegree := map[int64]int{}
	for it := dg.g.Nodes(); it.Next(); {
		n := it.Node()
		indegree[n.ID()] = dg.g.From(n.ID()).Len()
	}

	var ready []*node
	for it := dg.g.Nodes(); it.Next(); {
		n := it.Node().(*node)
		if indegree[n.ID()] == 0 {
			ready = append(ready, n)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].name < ready[j].name })

	var order []string
	visited := 0
	total := dg.g.Nodes().Len()
	for len(ready) > 0 {
		n := ready[0]
		ready = ready[1:]
		order = append(order, n.name)
		visited++

		var newlyReady []*node
		for to := dg.g.To(n.ID()); to.Next(); {
			dependent := to.Node().(*node)
			indegree[dependent.ID()]--
			if indegree[dependent.ID()] == 0 {
				newlyReady = append(newlyReady, dependent)
			}
		}
		sort.Slice(newlyReady, func(i, j int) bool { return newlyReady[i].name < newlyReady[j].name })
		ready = mergeSorted(ready, newlyReady)
	}

	if visited != total {
		var stuck []string
		for it := dg.g.Nodes(); it.Next(); {
			n := it.Node().(*node)
			if indegree[n.ID()] > 0 {
				stuck = append(stuck, n.name)
			}
		}
		sort.Strings(stuck)
		return nil, &kerr.CycleDetected{Nodes: stuck}
	}
	return order, nil
}

func mergeSorted(a, b []*node) []*node {
	out := make([]*node, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if a[i].name <= b[j].name {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out
}

// ReverseReachable returns the transitive set of packages that depend on
// name (directly or indirectly), in topological order, including name
// itself. Used by the rebuild planner's plan_changed.
func (dg *Graph) ReverseReachable(name string) ([]string, error) {
	start, ok := dg.byName[name]
	if !ok {
		return []string{name}, nil
	}

	seen := map[int64]bool{start.ID(): true}
	queue := []graph.Node{start}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for to := dg.g.To(n.ID()); to.Next(); {
			dependent := to.Node()
			if !seen[dependent.ID()] {
				seen[dependent.ID()] = true
				queue = append(queue, dependent)
			}
		}
	}

	full, err := dg.Order()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, name := range full {
		if seen[dg.byName[name].ID()] {
			out = append(out, name)
		}
	}
	return out, nil
}
