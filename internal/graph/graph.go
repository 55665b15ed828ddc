package graph

import (
	"encoding/binary"
	"slices"
	"strings"

	"lukechampine.com/blake3"

	"github.com/celebichrono/celebi/internal/cas"
)

// Graph is an immutable snapshot of nodes and dependency edges.
//
// Accessors return sorted copies, so iteration order never depends on how the
// graph was assembled.
type Graph struct {
	nodes map[NodeID]Node
	edges map[EdgeKey]Edge
	ids   []NodeID             // sorted
	keys  []EdgeKey            // sorted by EdgeKey.Compare
	in    map[NodeID][]EdgeKey // sorted
	out   map[NodeID][]EdgeKey // sorted
	succ  map[NodeID][]NodeID  // unique consumers, sorted
}

// New constructs a graph from a raw node and edge enumeration.
//
// Duplicate node identifiers are rejected. An edge repeated with identical
// attributes is kept once; the same key with different attributes is rejected.
// Every edge endpoint must be one of the given nodes. Acyclicity is not checked
// here; use DetectCycle.
func New(nodes []Node, edges []Edge) (*Graph, error) {
	g := &Graph{
		nodes: make(map[NodeID]Node, len(nodes)),
		edges: make(map[EdgeKey]Edge, len(edges)),
		in:    make(map[NodeID][]EdgeKey),
		out:   make(map[NodeID][]EdgeKey),
		succ:  make(map[NodeID][]NodeID),
	}

	for _, n := range nodes {
		if n.ID == "" {
			return nil, errorf(ErrInvalidNode, "empty identifier")
		}
		if _, dup := g.nodes[n.ID]; dup {
			return nil, errorf(ErrDuplicateNode, "%s", n.ID)
		}
		g.nodes[n.ID] = n.Clone()
		g.ids = append(g.ids, n.ID)
	}
	slices.Sort(g.ids)

	for _, e := range edges {
		if _, ok := g.nodes[e.Producer]; !ok {
			return nil, errorf(ErrDanglingEdge, "%s: producer %s", e.Key(), e.Producer)
		}
		if _, ok := g.nodes[e.Consumer]; !ok {
			return nil, errorf(ErrDanglingEdge, "%s: consumer %s", e.Key(), e.Consumer)
		}
		key := e.Key()
		if prev, dup := g.edges[key]; dup {
			if prev.Equal(e) {
				continue
			}
			return nil, errorf(ErrConflictingEdge, "%s", key)
		}
		g.edges[key] = e.Clone()
		g.keys = append(g.keys, key)
		g.in[e.Consumer] = append(g.in[e.Consumer], key)
		g.out[e.Producer] = append(g.out[e.Producer], key)
	}

	slices.SortFunc(g.keys, EdgeKey.Compare)
	for id, ks := range g.in {
		slices.SortFunc(ks, EdgeKey.Compare)
		g.in[id] = ks
	}
	for id, ks := range g.out {
		slices.SortFunc(ks, EdgeKey.Compare)
		g.out[id] = ks
		var consumers []NodeID
		for _, k := range ks {
			consumers = append(consumers, k.Consumer)
		}
		slices.Sort(consumers)
		g.succ[id] = slices.Compact(consumers)
	}

	return g, nil
}

// Empty returns a graph with no nodes.
func Empty() *Graph {
	g, _ := New(nil, nil)
	return g
}

// NodeCount returns the number of nodes.
func (g *Graph) NodeCount() int { return len(g.ids) }

// EdgeCount returns the number of edges.
func (g *Graph) EdgeCount() int { return len(g.keys) }

// IDs returns all node identifiers in ascending order.
func (g *Graph) IDs() []NodeID { return slices.Clone(g.ids) }

// Nodes returns all nodes ordered by identifier.
func (g *Graph) Nodes() []Node {
	out := make([]Node, 0, len(g.ids))
	for _, id := range g.ids {
		out = append(out, g.nodes[id].Clone())
	}
	return out
}

// Edges returns all edges ordered by consumer, binding, producer.
func (g *Graph) Edges() []Edge {
	return g.collect(g.keys)
}

// Node looks up a node by identifier.
func (g *Graph) Node(id NodeID) (Node, bool) {
	n, ok := g.nodes[id]
	if !ok {
		return Node{}, false
	}
	return n.Clone(), true
}

// HasNode reports whether id is part of the graph.
func (g *Graph) HasNode(id NodeID) bool {
	_, ok := g.nodes[id]
	return ok
}

// Edge looks up an edge by key.
func (g *Graph) Edge(k EdgeKey) (Edge, bool) {
	e, ok := g.edges[k]
	if !ok {
		return Edge{}, false
	}
	return e.Clone(), true
}

// EdgesInto returns the edges whose consumer is id.
func (g *Graph) EdgesInto(id NodeID) []Edge {
	return g.collect(g.in[id])
}

// EdgesOutOf returns the edges whose producer is id.
func (g *Graph) EdgesOutOf(id NodeID) []Edge {
	return g.collect(g.out[id])
}

// EdgesTouching returns every edge with id as either endpoint, without duplicates.
func (g *Graph) EdgesTouching(id NodeID) []Edge {
	keys := append(slices.Clone(g.in[id]), g.out[id]...)
	slices.SortFunc(keys, EdgeKey.Compare)
	return g.collect(slices.Compact(keys))
}

func (g *Graph) collect(keys []EdgeKey) []Edge {
	out := make([]Edge, 0, len(keys))
	for _, k := range keys {
		out = append(out, g.edges[k].Clone())
	}
	return out
}

// Equal compares node and edge set content, not insertion order.
func (g *Graph) Equal(o *Graph) bool {
	if g == nil || o == nil {
		return g == o
	}
	if len(g.nodes) != len(o.nodes) || len(g.edges) != len(o.edges) {
		return false
	}
	for id, n := range g.nodes {
		on, ok := o.nodes[id]
		if !ok || !n.Equal(on) {
			return false
		}
	}
	for k, e := range g.edges {
		oe, ok := o.edges[k]
		if !ok || !e.Equal(oe) {
			return false
		}
	}
	return true
}

// Fingerprint hashes the canonical encoding of the node and edge sets.
// Equal graphs always have equal fingerprints.
func (g *Graph) Fingerprint() cas.Hash {
	w := canonicalWriter{buf: make([]byte, 0, 256)}
	w.uvarint(uint64(len(g.ids)))
	for _, id := range g.ids {
		w.node(g.nodes[id])
	}
	w.uvarint(uint64(len(g.keys)))
	for _, k := range g.keys {
		w.edge(g.edges[k])
	}
	return w.sum()
}

// Fingerprint hashes the node's canonical encoding.
func (n Node) Fingerprint() cas.Hash {
	var w canonicalWriter
	w.node(n)
	return w.sum()
}

// Fingerprint hashes the edge's canonical encoding, attributes included.
func (e Edge) Fingerprint() cas.Hash {
	var w canonicalWriter
	w.edge(e)
	return w.sum()
}

// Builder returns a mutable copy of the graph.
func (g *Graph) Builder() *Builder {
	b := NewBuilder()
	for _, n := range g.nodes {
		b.PutNode(n)
	}
	for _, e := range g.edges {
		b.PutEdge(e)
	}
	return b
}

func (g *Graph) String() string {
	var sb strings.Builder
	for _, e := range g.Edges() {
		sb.WriteString(e.String())
		sb.WriteByte('\n')
	}
	return sb.String()
}

// canonicalWriter produces an unambiguous length-prefixed byte encoding.
type canonicalWriter struct {
	buf []byte
}

func (w *canonicalWriter) uvarint(v uint64) {
	w.buf = binary.AppendUvarint(w.buf, v)
}

func (w *canonicalWriter) str(s string) {
	w.uvarint(uint64(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *canonicalWriter) raw(b []byte) {
	w.buf = append(w.buf, b...)
}

func (w *canonicalWriter) node(n Node) {
	w.str(string(n.ID))
	w.str(string(n.Kind))
	w.raw(n.Digest[:])
	w.params(n.Params)
}

func (w *canonicalWriter) edge(e Edge) {
	w.str(string(e.Producer))
	w.str(string(e.Consumer))
	w.str(e.Binding)
	w.params(e.Attrs)
}

func (w *canonicalWriter) sum() cas.Hash {
	h := blake3.New(32, nil)
	h.Write(w.buf)
	var out cas.Hash
	copy(out[:], h.Sum(nil))
	return out
}

func (w *canonicalWriter) params(ps []Param) {
	w.uvarint(uint64(len(ps)))
	for _, p := range ps {
		w.str(p.Name)
		w.str(p.Value)
	}
}
