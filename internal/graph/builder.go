package graph

import "slices"

// Builder is a mutable staging area for producing a new Graph snapshot.
// Builders are not safe for concurrent use.
type Builder struct {
	nodes map[NodeID]Node
	edges map[EdgeKey]Edge
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{
		nodes: make(map[NodeID]Node),
		edges: make(map[EdgeKey]Edge),
	}
}

// PutNode inserts or replaces a node.
func (b *Builder) PutNode(n Node) {
	b.nodes[n.ID] = n.Clone()
}

// Node looks up a staged node.
func (b *Builder) Node(id NodeID) (Node, bool) {
	n, ok := b.nodes[id]
	return n, ok
}

// RemoveNode deletes a node together with every edge touching it and returns
// the removed edges in key order.
func (b *Builder) RemoveNode(id NodeID) []Edge {
	delete(b.nodes, id)
	var removed []Edge
	for k, e := range b.edges {
		if k.Touches(id) {
			removed = append(removed, e)
			delete(b.edges, k)
		}
	}
	slices.SortFunc(removed, func(x, y Edge) int { return x.Key().Compare(y.Key()) })
	return removed
}

// PutEdge inserts or replaces an edge.
func (b *Builder) PutEdge(e Edge) {
	b.edges[e.Key()] = e.Clone()
}

// Edge looks up a staged edge.
func (b *Builder) Edge(k EdgeKey) (Edge, bool) {
	e, ok := b.edges[k]
	return e, ok
}

// RemoveEdge deletes an edge and reports whether it was present.
func (b *Builder) RemoveEdge(k EdgeKey) bool {
	_, ok := b.edges[k]
	delete(b.edges, k)
	return ok
}

// EdgeCount returns the number of staged edges.
func (b *Builder) EdgeCount() int { return len(b.edges) }

// Reachable reports whether to can be reached from from by following edges
// producer to consumer. A node always reaches itself.
func (b *Builder) Reachable(from, to NodeID) bool {
	if from == to {
		return true
	}
	succ := make(map[NodeID][]NodeID, len(b.nodes))
	for k := range b.edges {
		succ[k.Producer] = append(succ[k.Producer], k.Consumer)
	}
	return reachable(succ, from, to)
}

// ClosesCycle reports whether staging edges would make the graph cyclic.
// Staged edges sharing a key with one of edges are ignored.
func (b *Builder) ClosesCycle(edges ...Edge) bool {
	skip := make(map[EdgeKey]bool, len(edges))
	for _, e := range edges {
		skip[e.Key()] = true
	}
	succ := make(map[NodeID][]NodeID, len(b.nodes))
	for k := range b.edges {
		if !skip[k] {
			succ[k.Producer] = append(succ[k.Producer], k.Consumer)
		}
	}
	for _, e := range edges {
		succ[e.Producer] = append(succ[e.Producer], e.Consumer)
	}
	// Any new cycle runs through one of the added edges.
	for _, e := range edges {
		if reachable(succ, e.Consumer, e.Producer) {
			return true
		}
	}
	return false
}

// PruneDangling removes staged edges whose producer or consumer is not staged
// and returns them in key order.
func (b *Builder) PruneDangling() []Edge {
	var pruned []Edge
	for k, e := range b.edges {
		_, okP := b.nodes[k.Producer]
		_, okC := b.nodes[k.Consumer]
		if !okP || !okC {
			pruned = append(pruned, e)
			delete(b.edges, k)
		}
	}
	slices.SortFunc(pruned, func(x, y Edge) int { return x.Key().Compare(y.Key()) })
	return pruned
}

// Freeze validates the staged content and returns an immutable Graph.
func (b *Builder) Freeze() (*Graph, error) {
	nodes := make([]Node, 0, len(b.nodes))
	for _, n := range b.nodes {
		nodes = append(nodes, n)
	}
	edges := make([]Edge, 0, len(b.edges))
	for _, e := range b.edges {
		edges = append(edges, e)
	}
	return New(nodes, edges)
}

func reachable(succ map[NodeID][]NodeID, from, to NodeID) bool {
	seen := map[NodeID]bool{from: true}
	queue := []NodeID{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range succ[cur] {
			if next == to {
				return true
			}
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return false
}
