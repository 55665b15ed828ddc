package graph

import (
	"container/heap"
	"slices"
)

type idMinHeap []NodeID

func (h idMinHeap) Len() int           { return len(h) }
func (h idMinHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h idMinHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *idMinHeap) Push(x any)        { *h = append(*h, x.(NodeID)) }
func (h *idMinHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// TopoOrder returns a deterministic topological ordering: producers always
// precede their consumers and ties are broken by ascending identifier.
//
// If the graph has a cycle the returned error is a *Error wrapping ErrCycle.
func (g *Graph) TopoOrder() ([]NodeID, error) {
	return g.topoOrderOf(g.ids)
}

// TopoOrderOf orders a subset of nodes, considering only edges inside it.
func (g *Graph) TopoOrderOf(ids []NodeID) ([]NodeID, error) {
	return g.topoOrderOf(ids)
}

func (g *Graph) topoOrderOf(ids []NodeID) ([]NodeID, error) {
	member := make(map[NodeID]bool, len(ids))
	for _, id := range ids {
		member[id] = true
	}

	indeg := make(map[NodeID]int, len(ids))
	for _, id := range ids {
		for _, p := range g.producersOf(id) {
			if member[p] {
				indeg[id]++
			}
		}
	}

	ready := &idMinHeap{}
	for _, id := range ids {
		if indeg[id] == 0 {
			heap.Push(ready, id)
		}
	}

	out := make([]NodeID, 0, len(ids))
	for ready.Len() > 0 {
		n := heap.Pop(ready).(NodeID)
		out = append(out, n)
		for _, m := range g.succ[n] {
			if !member[m] {
				continue
			}
			indeg[m]--
			if indeg[m] == 0 {
				heap.Push(ready, m)
			}
		}
	}

	if len(out) != len(ids) {
		if c := DetectCycle(g); c != nil {
			return nil, cycleError(c)
		}
		return nil, &Error{Kind: ErrCycle}
	}
	return out, nil
}

// producersOf returns the distinct producers feeding id.
func (g *Graph) producersOf(id NodeID) []NodeID {
	var ps []NodeID
	for _, k := range g.in[id] {
		ps = append(ps, k.Producer)
	}
	slices.Sort(ps)
	return slices.Compact(ps)
}

// Producers returns the distinct producers feeding id, sorted.
func (g *Graph) Producers(id NodeID) []NodeID {
	return g.producersOf(id)
}

// Consumers returns the distinct consumers of id, sorted.
func (g *Graph) Consumers(id NodeID) []NodeID {
	return slices.Clone(g.succ[id])
}

// Components returns the weakly connected components. Each component is
// sorted, and components are ordered by their smallest identifier.
func (g *Graph) Components() [][]NodeID {
	seen := make(map[NodeID]bool, len(g.ids))
	var comps [][]NodeID

	for _, root := range g.ids {
		if seen[root] {
			continue
		}
		seen[root] = true
		comp := []NodeID{root}
		queue := []NodeID{root}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			for _, nb := range append(slices.Clone(g.succ[cur]), g.producersOf(cur)...) {
				if !seen[nb] {
					seen[nb] = true
					comp = append(comp, nb)
					queue = append(queue, nb)
				}
			}
		}
		slices.Sort(comp)
		comps = append(comps, comp)
	}
	return comps
}
