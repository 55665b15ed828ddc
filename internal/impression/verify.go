package impression

import (
	"context"
	"slices"

	"github.com/celebichrono/celebi/internal/ctxlog"
	"github.com/celebichrono/celebi/internal/graph"
)

// VerifyReport lists inconsistencies between a cache snapshot and a graph.
type VerifyReport struct {
	Checked    int
	Missing    []graph.NodeID // node has no entry
	Stale      []graph.NodeID // entry inputs no longer match the graph
	Corrupt    []graph.NodeID // entry impression does not hash from its own inputs
	Orphaned   []graph.NodeID // entry for a node absent from the graph
	Unresolved []Failure      // nodes that cannot be impressed at all
}

// OK reports whether the snapshot is fully consistent with the graph.
func (r *VerifyReport) OK() bool {
	return len(r.Missing) == 0 && len(r.Stale) == 0 && len(r.Corrupt) == 0 &&
		len(r.Orphaned) == 0 && len(r.Unresolved) == 0
}

// Verify recomputes every impression of g from scratch and compares the
// result against snap without modifying it.
func Verify(ctx context.Context, g *graph.Graph, snap Snapshot) (*VerifyReport, error) {
	fresh, err := regenerate(ctx, g, nil, Options{})
	if err != nil {
		return nil, err
	}

	rep := &VerifyReport{Unresolved: fresh.Failures}
	for _, id := range g.IDs() {
		want, ok := fresh.Snapshot[id]
		if !ok {
			continue
		}
		rep.Checked++

		got, ok := snap[id]
		switch {
		case !ok:
			rep.Missing = append(rep.Missing, id)
		case Compute(got.OwnDigest, got.Deps) != got.Impression:
			rep.Corrupt = append(rep.Corrupt, id)
		case !got.Equal(want):
			rep.Stale = append(rep.Stale, id)
		}
	}
	for id := range snap {
		if !g.HasNode(id) {
			rep.Orphaned = append(rep.Orphaned, id)
		}
	}
	slices.Sort(rep.Orphaned)

	ctxlog.FromContext(ctx).Debug("impressions verified",
		"checked", rep.Checked,
		"missing", len(rep.Missing),
		"stale", len(rep.Stale),
		"corrupt", len(rep.Corrupt),
		"orphaned", len(rep.Orphaned))
	return rep, nil
}
