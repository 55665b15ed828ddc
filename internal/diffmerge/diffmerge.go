// Package diffmerge implements three-way merging of provenance graphs.
//
// A merge runs in two stages:
//   - Classify diffs base/local/remote node and edge sets, applies every
//     non-conflicting change to base, and returns the ordered conflicts
//   - Merger.Merge resolves those conflicts with a strategy, checks the
//     result for cycles (repairing them within a bound), and either accepts
//     the merged graph or rejects the whole attempt
//
// Conflicts form a closed variant (additive, subtractive, contradictory,
// dangling-reference). They are always ordered by consumer id, then binding,
// then producer, so automated strategies behave identically across runs.
package diffmerge

import (
	"context"
	"fmt"
	"slices"

	"github.com/celebichrono/celebi/internal/ctxlog"
	"github.com/celebichrono/celebi/internal/graph"
)

type classifier struct {
	base, local, remote *graph.Graph

	b          *graph.Builder
	conflicts  []Conflict
	accepted   []Change
	dangling   map[graph.NodeID]bool
	singleAdds map[graph.EdgeKey]Side
	uncertain  map[graph.EdgeKey]bool // subtractive edges: present only if kept
}

// Classify validates the three inputs and computes the conflict set.
// A nil graph is treated as empty. Invalid inputs yield a *MergeError
// wrapping ErrMalformedGraph.
func Classify(ctx context.Context, base, local, remote *graph.Graph) (*ConflictSet, error) {
	inputs := []**graph.Graph{&base, &local, &remote}
	for i, g := range inputs {
		if *g == nil {
			*g = graph.Empty()
		}
		if err := graph.Validate(*g); err != nil {
			return nil, malformed(Side(i), err)
		}
	}

	c := &classifier{
		base:       base,
		local:      local,
		remote:     remote,
		b:          graph.NewBuilder(),
		dangling:   make(map[graph.NodeID]bool),
		singleAdds: make(map[graph.EdgeKey]Side),
		uncertain:  make(map[graph.EdgeKey]bool),
	}
	c.classifyNodes()
	c.classifyEdges()

	if err := c.demoteCycles(); err != nil {
		return nil, err
	}
	candidate, err := c.b.Freeze()
	if err != nil {
		return nil, fmt.Errorf("failed to build candidate graph: %w", err)
	}

	sortConflicts(c.conflicts)
	sortChanges(c.accepted)

	cs := &ConflictSet{
		Conflicts: c.conflicts,
		Accepted:  c.accepted,
		Candidate: candidate,
		Base:      base,
		Local:     local,
		Remote:    remote,
	}
	s := cs.Summary()
	ctxlog.FromContext(ctx).Debug("classified merge inputs",
		"accepted", s.Accepted,
		"conflicts", s.Total,
		"additive", s.Additive,
		"subtractive", s.Subtractive,
		"contradictory", s.Contradictory,
		"dangling", s.DanglingReference)
	return cs, nil
}

func (c *classifier) accept(t ChangeType, s Subject, o Origin) {
	c.accepted = append(c.accepted, Change{Type: t, Subject: s, Origin: o})
}

func (c *classifier) side(s Side) *graph.Graph {
	switch s {
	case Local:
		return c.local
	case Remote:
		return c.remote
	}
	return c.base
}

func unionIDs(gs ...*graph.Graph) []graph.NodeID {
	var ids []graph.NodeID
	for _, g := range gs {
		ids = append(ids, g.IDs()...)
	}
	slices.Sort(ids)
	return slices.Compact(ids)
}

func unionKeys(gs ...*graph.Graph) []graph.EdgeKey {
	var keys []graph.EdgeKey
	for _, g := range gs {
		for _, e := range g.Edges() {
			keys = append(keys, e.Key())
		}
	}
	slices.SortFunc(keys, graph.EdgeKey.Compare)
	return slices.Compact(keys)
}

func (c *classifier) classifyNodes() {
	for _, id := range unionIDs(c.base, c.local, c.remote) {
		bn, bok := c.base.Node(id)
		ln, lok := c.local.Node(id)
		rn, rok := c.remote.Node(id)
		v := Versions[graph.Node]{Base: ptr(bn, bok), Local: ptr(ln, lok), Remote: ptr(rn, rok)}
		subj := NodeSubject(id)

		switch {
		case !bok && lok && !rok:
			c.b.PutNode(ln)
			c.accept(Added, subj, FromLocal)

		case !bok && !lok && rok:
			c.b.PutNode(rn)
			c.accept(Added, subj, FromRemote)

		case !bok && lok && rok:
			c.b.PutNode(ln)
			if ln.Equal(rn) {
				c.accept(Added, subj, FromBoth)
			} else {
				c.conflicts = append(c.conflicts, &ContradictoryConflict{Key: subj, Node: v})
			}

		case bok && !lok && !rok:
			c.accept(Removed, subj, FromBoth)

		case bok && lok && !rok:
			c.removedOnOneSide(id, v, Remote)

		case bok && !lok && rok:
			c.removedOnOneSide(id, v, Local)

		case bok && lok && rok:
			switch {
			case ln.Equal(rn):
				c.b.PutNode(ln)
				if !ln.Equal(bn) {
					c.accept(Modified, subj, FromBoth)
				}
			case ln.Equal(bn):
				c.b.PutNode(rn)
				c.accept(Modified, subj, FromRemote)
			case rn.Equal(bn):
				c.b.PutNode(ln)
				c.accept(Modified, subj, FromLocal)
			default:
				c.b.PutNode(bn)
				c.conflicts = append(c.conflicts, &ContradictoryConflict{Key: subj, Node: v})
			}
		}
	}
}

// removedOnOneSide handles a base node that remover dropped and the other
// side kept.
func (c *classifier) removedOnOneSide(id graph.NodeID, v Versions[graph.Node], remover Side) {
	keeper := remover.Other()
	kept := *v.On(keeper)
	subj := NodeSubject(id)

	if refs := c.side(keeper).EdgesTouching(id); len(refs) > 0 {
		// The node and every edge touching it stay out of the candidate until
		// the conflict is resolved.
		c.dangling[id] = true
		c.conflicts = append(c.conflicts, &DanglingReferenceConflict{
			Key:     subj,
			Remover: remover,
			Node:    v,
			Refs:    refs,
		})
		return
	}

	if kept.Equal(*v.Base) {
		c.accept(Removed, subj, originOf(remover))
		return
	}
	c.b.PutNode(kept)
	c.conflicts = append(c.conflicts, &SubtractiveConflict{Key: subj, Remover: remover, Node: v})
}

func originOf(s Side) Origin {
	if s == Local {
		return FromLocal
	}
	return FromRemote
}

func (c *classifier) classifyEdges() {
	for _, k := range unionKeys(c.base, c.local, c.remote) {
		if c.dangling[k.Producer] || c.dangling[k.Consumer] {
			continue
		}
		be, bok := c.base.Edge(k)
		le, lok := c.local.Edge(k)
		re, rok := c.remote.Edge(k)
		v := Versions[graph.Edge]{Base: ptr(be, bok), Local: ptr(le, lok), Remote: ptr(re, rok)}
		subj := EdgeSubject(k)

		switch {
		case !bok && lok && !rok:
			c.b.PutEdge(le)
			c.singleAdds[k] = Local
			c.accept(Added, subj, FromLocal)

		case !bok && !lok && rok:
			c.b.PutEdge(re)
			c.singleAdds[k] = Remote
			c.accept(Added, subj, FromRemote)

		case !bok && lok && rok:
			c.b.PutEdge(le)
			if le.Equal(re) {
				c.accept(Added, subj, FromBoth)
			} else {
				c.conflicts = append(c.conflicts, &ContradictoryConflict{Key: subj, Edge: v})
			}

		case bok && !lok && !rok:
			c.accept(Removed, subj, FromBoth)

		case bok && lok && !rok:
			c.b.PutEdge(le)
			c.uncertain[k] = true
			c.conflicts = append(c.conflicts, &SubtractiveConflict{Key: subj, Remover: Remote, Edge: v})

		case bok && !lok && rok:
			c.b.PutEdge(re)
			c.uncertain[k] = true
			c.conflicts = append(c.conflicts, &SubtractiveConflict{Key: subj, Remover: Local, Edge: v})

		case bok && lok && rok:
			switch {
			case le.Equal(re):
				c.b.PutEdge(le)
				if !le.Equal(be) {
					c.accept(Modified, subj, FromBoth)
				}
			case le.Equal(be):
				c.b.PutEdge(re)
				c.accept(Modified, subj, FromRemote)
			case re.Equal(be):
				c.b.PutEdge(le)
				c.accept(Modified, subj, FromLocal)
			default:
				c.b.PutEdge(be)
				c.conflicts = append(c.conflicts, &ContradictoryConflict{Key: subj, Edge: v})
			}
		}
	}
}

// demoteCycles breaks every cycle formed by the accepted delta. Subtractive
// edges are left out of the check since resolution decides whether they
// exist. Each cycle in the remaining graph contains at least one edge added
// by a single side, because every other edge exists on both sides and both
// sides are acyclic. Those edges become additive conflicts.
func (c *classifier) demoteCycles() error {
	certain := graph.NewBuilder()
	staged, err := c.b.Freeze()
	if err != nil {
		return fmt.Errorf("failed to build candidate graph: %w", err)
	}
	for _, n := range staged.Nodes() {
		certain.PutNode(n)
	}
	for _, e := range staged.Edges() {
		if !c.uncertain[e.Key()] {
			certain.PutEdge(e)
		}
	}

	demoted := make(map[graph.EdgeKey]bool)
	for {
		g, err := certain.Freeze()
		if err != nil {
			return fmt.Errorf("failed to build candidate graph: %w", err)
		}
		cycle := graph.DetectCycle(g)
		if cycle == nil {
			break
		}

		n := 0
		for _, e := range g.Edges() {
			k := e.Key()
			side, single := c.singleAdds[k]
			if !single || !cycle.Contains(k) {
				continue
			}
			certain.RemoveEdge(k)
			c.b.RemoveEdge(k)
			demoted[k] = true
			c.conflicts = append(c.conflicts, &AdditiveConflict{
				Key:   EdgeSubject(k),
				Side:  side,
				Edge:  e,
				Cycle: cycle,
			})
			n++
		}
		if n == 0 {
			return &MergeError{
				Kind:  ErrCycleAfterResolution,
				Msg:   "accepted changes form a cycle with no single-side edge",
				Cycle: cycle,
			}
		}
	}

	if len(demoted) > 0 {
		c.accepted = slices.DeleteFunc(c.accepted, func(ch Change) bool {
			return !ch.Subject.IsNode() && demoted[ch.Subject.Edge]
		})
	}
	return nil
}
