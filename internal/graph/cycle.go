package graph

import "strings"

// Cycle is an ordered node sequence where each node feeds the next and the
// last feeds the first.
type Cycle []NodeID

// String renders the cycle closed on its first node, e.g. "a -> b -> a".
func (c Cycle) String() string {
	if len(c) == 0 {
		return ""
	}
	parts := make([]string, 0, len(c)+1)
	for _, id := range c {
		parts = append(parts, string(id))
	}
	parts = append(parts, string(c[0]))
	return strings.Join(parts, " -> ")
}

// HasStep reports whether producer -> consumer is one of the cycle's steps.
func (c Cycle) HasStep(producer, consumer NodeID) bool {
	for i := range c {
		if c[i] == producer && c[(i+1)%len(c)] == consumer {
			return true
		}
	}
	return false
}

// Contains reports whether the edge lies on the cycle.
func (c Cycle) Contains(k EdgeKey) bool {
	return c.HasStep(k.Producer, k.Consumer)
}

const (
	white = iota
	gray
	black
)

type dfsFrame struct {
	id   NodeID
	next int
}

// DetectCycle returns the first cycle found by a depth-first traversal, or nil
// when the graph is acyclic.
//
// Roots are visited in ascending identifier order and successors likewise, so
// the reported witness is stable across runs. The traversal keeps an explicit
// stack (the gray path), so deep graphs do not grow the goroutine stack.
// Runs in O(V+E).
func DetectCycle(g *Graph) Cycle {
	color := make(map[NodeID]uint8, len(g.ids))

	for _, root := range g.ids {
		if color[root] != white {
			continue
		}
		color[root] = gray
		stack := []dfsFrame{{id: root}}

		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			succ := g.succ[top.id]
			if top.next >= len(succ) {
				color[top.id] = black
				stack = stack[:len(stack)-1]
				continue
			}
			next := succ[top.next]
			top.next++

			switch color[next] {
			case white:
				color[next] = gray
				stack = append(stack, dfsFrame{id: next})
			case gray:
				return cycleFromStack(stack, next)
			}
		}
	}
	return nil
}

func cycleFromStack(stack []dfsFrame, start NodeID) Cycle {
	idx := 0
	for i, f := range stack {
		if f.id == start {
			idx = i
			break
		}
	}
	out := make(Cycle, 0, len(stack)-idx)
	for _, f := range stack[idx:] {
		out = append(out, f.id)
	}
	return out
}

// Validate returns a *Error wrapping ErrCycle if g contains a cycle.
func Validate(g *Graph) error {
	if c := DetectCycle(g); c != nil {
		return cycleError(c)
	}
	return nil
}

// Reachable reports whether to can be reached from from along edges.
func (g *Graph) Reachable(from, to NodeID) bool {
	if from == to {
		return true
	}
	return reachable(g.succ, from, to)
}
