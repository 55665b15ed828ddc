package impression

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/celebichrono/celebi/internal/cas"
	"github.com/celebichrono/celebi/internal/ctxlog"
	"github.com/celebichrono/celebi/internal/graph"
)

// Options tunes a regeneration run.
type Options struct {
	// Force recomputes every node, ignoring currency.
	Force bool

	// Parallelism is the number of connected components regenerated at
	// once. Values below 2 run sequentially. Output does not depend on it.
	Parallelism int

	// Sink, when set, receives the manifest of every recomputed node under
	// its impression.
	Sink cas.CAS
}

// Report is the outcome of a regeneration run.
type Report struct {
	// Snapshot is the full updated mapping for the caller to persist.
	Snapshot Snapshot
	// Updated holds the entries recomputed in this run.
	Updated Snapshot
	// Deleted lists stale entries removed because their node is gone.
	Deleted []graph.NodeID

	Hits     []graph.NodeID
	Misses   []graph.NodeID
	Skipped  []graph.NodeID
	Failures []Failure
}

// Impression returns the current impression of id, if it has one.
func (r *Report) Impression(id graph.NodeID) (cas.Hash, bool) {
	e, ok := r.Snapshot[id]
	if !ok || r.skipped(id) {
		return cas.Hash{}, false
	}
	return e.Impression, true
}

func (r *Report) skipped(id graph.NodeID) bool {
	_, found := slices.BinarySearch(r.Skipped, id)
	return found
}

type componentResult struct {
	updated  Snapshot
	hits     []graph.NodeID
	misses   []graph.NodeID
	failures []Failure
}

// Regenerate walks g in dependency order and brings impressions up to date
// against prior, which is not modified.
//
// A node is a currency hit when its own digest and dependency impressions
// match its prior entry, and is recomputed otherwise. Nodes without an own
// digest fail with ErrMissingDigest and their transitive consumers with
// ErrUnresolvedDependency; those nodes keep their prior entries and the rest
// of the graph proceeds. Entries for nodes absent from g are deleted.
func Regenerate(ctx context.Context, g *graph.Graph, prior Snapshot, opts Options) (*Report, error) {
	rep, err := regenerate(ctx, g, prior, opts)
	if err != nil {
		return nil, err
	}
	ctxlog.FromContext(ctx).Info("impressions regenerated",
		"nodes", g.NodeCount(),
		"hits", len(rep.Hits),
		"misses", len(rep.Misses),
		"skipped", len(rep.Skipped),
		"stale_removed", len(rep.Deleted))
	return rep, nil
}

func regenerate(ctx context.Context, g *graph.Graph, prior Snapshot, opts Options) (*Report, error) {
	comps := g.Components()
	results := make([]componentResult, len(comps))

	if opts.Parallelism < 2 || len(comps) < 2 {
		for i, comp := range comps {
			res, err := regenerateComponent(ctx, g, comp, prior, opts)
			if err != nil {
				return nil, err
			}
			results[i] = res
		}
	} else {
		eg, egCtx := errgroup.WithContext(ctx)
		eg.SetLimit(opts.Parallelism)
		for i, comp := range comps {
			i, comp := i, comp
			eg.Go(func() error {
				res, err := regenerateComponent(egCtx, g, comp, prior, opts)
				if err != nil {
					return err
				}
				results[i] = res
				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			return nil, err
		}
	}

	rep := &Report{Snapshot: prior.Clone(), Updated: make(Snapshot)}
	for _, res := range results {
		for id, e := range res.updated {
			rep.Updated[id] = e
			rep.Snapshot[id] = e
		}
		rep.Hits = append(rep.Hits, res.hits...)
		rep.Misses = append(rep.Misses, res.misses...)
		rep.Failures = append(rep.Failures, res.failures...)
	}
	for id := range prior {
		if !g.HasNode(id) {
			rep.Deleted = append(rep.Deleted, id)
			delete(rep.Snapshot, id)
		}
	}

	slices.Sort(rep.Hits)
	slices.Sort(rep.Misses)
	slices.Sort(rep.Deleted)
	slices.SortFunc(rep.Failures, func(a, b Failure) int {
		return cmp.Compare(a.Node, b.Node)
	})
	for _, f := range rep.Failures {
		rep.Skipped = append(rep.Skipped, f.Node)
	}
	return rep, nil
}

func regenerateComponent(ctx context.Context, g *graph.Graph, comp []graph.NodeID, prior Snapshot, opts Options) (componentResult, error) {
	res := componentResult{updated: make(Snapshot)}
	log := ctxlog.FromContext(ctx)

	order, err := g.TopoOrderOf(comp)
	if err != nil {
		return res, fmt.Errorf("failed to order graph: %w", err)
	}

	current := make(map[graph.NodeID]cas.Hash, len(order))
	failed := make(map[graph.NodeID]bool)

	for _, id := range order {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		n, _ := g.Node(id)
		if n.Digest.IsZero() {
			failed[id] = true
			res.failures = append(res.failures, Failure{Node: id, Err: ErrMissingDigest})
			log.Warn("node has no own digest", "node", string(id))
			continue
		}

		deps, cause := dependencyImpressions(g, id, current, failed)
		if cause != "" {
			failed[id] = true
			res.failures = append(res.failures, Failure{Node: id, Err: ErrUnresolvedDependency, Cause: cause})
			log.Debug("skipping node with unresolved dependency", "node", string(id), "producer", string(cause))
			continue
		}

		if prev, ok := prior[id]; ok && !opts.Force && prev.Current(n.Digest, deps) {
			current[id] = prev.Impression
			res.hits = append(res.hits, id)
			continue
		}

		manifest := Manifest(n.Digest, deps)
		imp := cas.SumB3(manifest)
		if opts.Sink != nil {
			if err := opts.Sink.Put(imp, manifest); err != nil {
				return res, fmt.Errorf("failed to publish impression of %s: %w", id, err)
			}
		}
		current[id] = imp
		res.updated[id] = Entry{OwnDigest: n.Digest, Deps: deps, Impression: imp}
		res.misses = append(res.misses, id)
	}
	return res, nil
}

// dependencyImpressions collects one producer impression per incoming edge,
// sorted. It returns the first failed producer instead when there is one.
func dependencyImpressions(g *graph.Graph, id graph.NodeID, current map[graph.NodeID]cas.Hash, failed map[graph.NodeID]bool) ([]cas.Hash, graph.NodeID) {
	in := g.EdgesInto(id)
	deps := make([]cas.Hash, 0, len(in))
	for _, e := range in {
		if failed[e.Producer] {
			return nil, e.Producer
		}
		imp, ok := current[e.Producer]
		if !ok {
			return nil, e.Producer
		}
		deps = append(deps, imp)
	}
	cas.SortHashes(deps)
	return deps, ""
}
