// Package graph holds the immutable provenance-graph snapshot used by the merge
// engine and the impression regenerator.
//
// A Graph is a set of analysis objects (tasks, algorithms, datasets,
// containers) and the dependency edges between them. Snapshots are built once,
// either directly with New or through a Builder, and never mutated afterwards.
//
// Besides plain accessors the package provides:
//   - DetectCycle: O(V+E) depth-first cycle search returning a witness path
//   - TopoOrder: deterministic Kahn ordering (min-heap on identifier)
//   - Components: weakly connected components
//   - Fingerprint: a BLAKE3 digest of the canonical node and edge sets
package graph

import (
	"fmt"
	"slices"
	"strings"

	"github.com/celebichrono/celebi/internal/cas"
)

// NodeID is the stable identifier assigned to an object at creation.
type NodeID string

// NodeKind tags what sort of object a node is.
type NodeKind string

const (
	KindTask      NodeKind = "task"
	KindAlgorithm NodeKind = "algorithm"
	KindDataset   NodeKind = "dataset"
	KindContainer NodeKind = "container"
)

// ParseNodeKind validates a kind tag. An empty string defaults to task.
func ParseNodeKind(s string) (NodeKind, error) {
	switch k := NodeKind(strings.ToLower(strings.TrimSpace(s))); k {
	case "":
		return KindTask, nil
	case KindTask, KindAlgorithm, KindDataset, KindContainer:
		return k, nil
	default:
		return "", fmt.Errorf("unknown node kind %q", s)
	}
}

// Param is one named parameter binding.
type Param struct {
	Name  string `json:"name" yaml:"name"`
	Value string `json:"value" yaml:"value"`
}

// Node is an immutable value snapshot of one analysis object.
type Node struct {
	ID     NodeID
	Kind   NodeKind
	Params []Param  // declared order is significant
	Digest cas.Hash // own declared state, excluding dependency identifiers
}

// Equal reports whether two nodes carry identical state.
func (n Node) Equal(o Node) bool {
	return n.ID == o.ID && n.Kind == o.Kind && n.Digest == o.Digest && slices.Equal(n.Params, o.Params)
}

// Clone returns a copy that shares no slices with n.
func (n Node) Clone() Node {
	n.Params = slices.Clone(n.Params)
	return n
}

// EdgeKey identifies an edge: consumer declares producer as input Binding.
type EdgeKey struct {
	Producer NodeID
	Consumer NodeID
	Binding  string
}

func (k EdgeKey) String() string {
	return fmt.Sprintf("%s -> %s [%s]", k.Producer, k.Consumer, k.Binding)
}

// Touches reports whether id is either endpoint of the edge.
func (k EdgeKey) Touches(id NodeID) bool {
	return k.Producer == id || k.Consumer == id
}

// Compare orders keys by consumer, then binding, then producer.
func (k EdgeKey) Compare(o EdgeKey) int {
	if c := strings.Compare(string(k.Consumer), string(o.Consumer)); c != 0 {
		return c
	}
	if c := strings.Compare(k.Binding, o.Binding); c != 0 {
		return c
	}
	return strings.Compare(string(k.Producer), string(o.Producer))
}

// Edge is a directed dependency from Producer to Consumer.
type Edge struct {
	Producer NodeID
	Consumer NodeID
	Binding  string
	Attrs    []Param // edge-level parameter overrides
}

// Key returns the identity of the edge.
func (e Edge) Key() EdgeKey {
	return EdgeKey{Producer: e.Producer, Consumer: e.Consumer, Binding: e.Binding}
}

// Equal reports whether two edges have the same key and attributes.
func (e Edge) Equal(o Edge) bool {
	return e.Key() == o.Key() && slices.Equal(e.Attrs, o.Attrs)
}

// Clone returns a copy that shares no slices with e.
func (e Edge) Clone() Edge {
	e.Attrs = slices.Clone(e.Attrs)
	return e
}

func (e Edge) String() string {
	return e.Key().String()
}
