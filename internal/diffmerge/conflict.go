package diffmerge

import (
	"fmt"
	"slices"
	"strings"

	"github.com/celebichrono/celebi/internal/graph"
)

// Side names one of the graph views taking part in a merge.
type Side uint8

const (
	Base Side = iota
	Local
	Remote
	Merged
)

func (s Side) String() string {
	switch s {
	case Base:
		return "base"
	case Local:
		return "local"
	case Remote:
		return "remote"
	case Merged:
		return "merged"
	default:
		return fmt.Sprintf("side(%d)", uint8(s))
	}
}

// Other returns the opposite branch side. Only meaningful for Local and Remote.
func (s Side) Other() Side {
	if s == Local {
		return Remote
	}
	return Local
}

// ConflictKind tags the closed set of conflict variants.
type ConflictKind string

const (
	KindAdditive          ConflictKind = "additive"
	KindSubtractive       ConflictKind = "subtractive"
	KindContradictory     ConflictKind = "contradictory"
	KindDanglingReference ConflictKind = "dangling-reference"
)

// Subject identifies what a conflict or change is about: a node or an edge.
type Subject struct {
	Node graph.NodeID  // set for node-level subjects
	Edge graph.EdgeKey // set for edge-level subjects
}

// NodeSubject returns the subject for a node.
func NodeSubject(id graph.NodeID) Subject { return Subject{Node: id} }

// EdgeSubject returns the subject for an edge.
func EdgeSubject(k graph.EdgeKey) Subject { return Subject{Edge: k} }

// IsNode reports whether the subject is node-level.
func (s Subject) IsNode() bool { return s.Node != "" }

func (s Subject) String() string {
	if s.IsNode() {
		return "node " + string(s.Node)
	}
	return "edge " + s.Edge.String()
}

// orderKey places node subjects at their own id with an empty binding, so they
// sort ahead of the edges that consume into them.
func (s Subject) orderKey() graph.EdgeKey {
	if s.IsNode() {
		return graph.EdgeKey{Consumer: s.Node}
	}
	return s.Edge
}

// Compare orders subjects by consumer id, then binding, then producer.
func (s Subject) Compare(o Subject) int {
	return s.orderKey().Compare(o.orderKey())
}

// Versions holds the base, local, and remote values of one subject. A nil
// pointer means the value is absent on that side.
type Versions[T any] struct {
	Base   *T
	Local  *T
	Remote *T
}

// On returns the value on the given side.
func (v Versions[T]) On(s Side) *T {
	switch s {
	case Base:
		return v.Base
	case Local:
		return v.Local
	case Remote:
		return v.Remote
	}
	return nil
}

func ptr[T any](v T, ok bool) *T {
	if !ok {
		return nil
	}
	return &v
}

// Conflict is the closed variant of merge conflicts. The concrete types are
// *AdditiveConflict, *SubtractiveConflict, *ContradictoryConflict and
// *DanglingReferenceConflict.
type Conflict interface {
	Kind() ConflictKind
	Subject() Subject
	// Describe returns a one-line human readable description.
	Describe() string
	isConflict()
}

// AdditiveConflict is an edge added by exactly one side that closes a cycle
// together with the rest of the accepted delta.
type AdditiveConflict struct {
	Key   Subject
	Side  Side // the side that added the edge
	Edge  graph.Edge
	Cycle graph.Cycle // the cycle that demoted the edge
}

// SubtractiveConflict is a subject removed by one side while the other side
// still has it. Node-level subtractive conflicts only arise when the keeping
// side modified the node.
type SubtractiveConflict struct {
	Key     Subject
	Remover Side
	Node    Versions[graph.Node] // node-level only
	Edge    Versions[graph.Edge] // edge-level only
}

// Keeper returns the side that still has the subject.
func (c *SubtractiveConflict) Keeper() Side { return c.Remover.Other() }

// ContradictoryConflict is a subject both sides changed to different values.
type ContradictoryConflict struct {
	Key  Subject
	Node Versions[graph.Node] // node-level only
	Edge Versions[graph.Edge] // edge-level only
}

// DanglingReferenceConflict is a node removed by one side while the other
// side still has edges referencing it. Refs are the keeping side's edges
// touching the node.
type DanglingReferenceConflict struct {
	Key     Subject
	Remover Side
	Node    Versions[graph.Node]
	Refs    []graph.Edge
}

// Keeper returns the side that still references the node.
func (c *DanglingReferenceConflict) Keeper() Side { return c.Remover.Other() }

func (*AdditiveConflict) Kind() ConflictKind          { return KindAdditive }
func (*SubtractiveConflict) Kind() ConflictKind       { return KindSubtractive }
func (*ContradictoryConflict) Kind() ConflictKind     { return KindContradictory }
func (*DanglingReferenceConflict) Kind() ConflictKind { return KindDanglingReference }

func (c *AdditiveConflict) Subject() Subject          { return c.Key }
func (c *SubtractiveConflict) Subject() Subject       { return c.Key }
func (c *ContradictoryConflict) Subject() Subject     { return c.Key }
func (c *DanglingReferenceConflict) Subject() Subject { return c.Key }

func (*AdditiveConflict) isConflict()          {}
func (*SubtractiveConflict) isConflict()       {}
func (*ContradictoryConflict) isConflict()     {}
func (*DanglingReferenceConflict) isConflict() {}

func (c *AdditiveConflict) Describe() string {
	return fmt.Sprintf("additive: %s added on %s closes cycle %s", c.Key, c.Side, c.Cycle)
}

func (c *SubtractiveConflict) Describe() string {
	return fmt.Sprintf("subtractive: %s removed on %s, kept on %s", c.Key, c.Remover, c.Keeper())
}

func (c *ContradictoryConflict) Describe() string {
	if c.Key.IsNode() {
		return fmt.Sprintf("contradictory: %s has different content on local and remote", c.Key)
	}
	return fmt.Sprintf("contradictory: %s local %s, remote %s",
		c.Key, formatParams(c.Edge.Local.Attrs), formatParams(c.Edge.Remote.Attrs))
}

func (c *DanglingReferenceConflict) Describe() string {
	refs := make([]string, 0, len(c.Refs))
	for _, e := range c.Refs {
		refs = append(refs, e.Key().String())
	}
	return fmt.Sprintf("dangling-reference: %s removed on %s, still referenced on %s by %s",
		c.Key, c.Remover, c.Keeper(), strings.Join(refs, ", "))
}

func formatParams(ps []graph.Param) string {
	if len(ps) == 0 {
		return "{}"
	}
	parts := make([]string, 0, len(ps))
	for _, p := range ps {
		parts = append(parts, p.Name+"="+p.Value)
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// ChangeType represents the type of an accepted change.
type ChangeType uint8

const (
	Added ChangeType = iota + 1
	Modified
	Removed
)

func (t ChangeType) String() string {
	switch t {
	case Added:
		return "added"
	case Modified:
		return "modified"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// Origin says which branch made an accepted change.
type Origin uint8

const (
	FromLocal Origin = iota + 1
	FromRemote
	FromBoth
)

func (o Origin) String() string {
	switch o {
	case FromLocal:
		return "local"
	case FromRemote:
		return "remote"
	case FromBoth:
		return "both"
	default:
		return "unknown"
	}
}

// Change is one entry of the non-conflicting accepted delta.
type Change struct {
	Type    ChangeType
	Subject Subject
	Origin  Origin
}

// Summary counts conflicts by kind.
type Summary struct {
	Additive          int `json:"additive"`
	Subtractive       int `json:"subtractive"`
	Contradictory     int `json:"contradictory"`
	DanglingReference int `json:"dangling_reference"`
	Total             int `json:"total"`
	Accepted          int `json:"accepted"`
}

// ConflictSet is the classifier output: the ordered conflicts, the accepted
// delta, and the candidate graph with that delta applied to base.
type ConflictSet struct {
	Conflicts []Conflict
	Accepted  []Change

	// Candidate holds the accepted delta. Subjects under conflict carry a
	// placeholder value that resolution overwrites.
	Candidate *graph.Graph

	Base, Local, Remote *graph.Graph
}

// Len returns the number of conflicts.
func (cs *ConflictSet) Len() int { return len(cs.Conflicts) }

// Graph returns the input graph for a side.
func (cs *ConflictSet) Graph(s Side) *graph.Graph {
	switch s {
	case Base:
		return cs.Base
	case Local:
		return cs.Local
	case Remote:
		return cs.Remote
	case Merged:
		return cs.Candidate
	}
	return nil
}

// Summary counts the conflicts by kind.
func (cs *ConflictSet) Summary() Summary {
	var s Summary
	for _, c := range cs.Conflicts {
		switch c.(type) {
		case *AdditiveConflict:
			s.Additive++
		case *SubtractiveConflict:
			s.Subtractive++
		case *ContradictoryConflict:
			s.Contradictory++
		case *DanglingReferenceConflict:
			s.DanglingReference++
		}
	}
	s.Total = len(cs.Conflicts)
	s.Accepted = len(cs.Accepted)
	return s
}

func sortConflicts(cs []Conflict) {
	slices.SortStableFunc(cs, func(a, b Conflict) int {
		return a.Subject().Compare(b.Subject())
	})
}

func sortChanges(cs []Change) {
	slices.SortStableFunc(cs, func(a, b Change) int {
		return a.Subject.Compare(b.Subject)
	})
}
