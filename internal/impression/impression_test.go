package impression

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/celebichrono/celebi/internal/cas"
	"github.com/celebichrono/celebi/internal/ctxlog"
	"github.com/celebichrono/celebi/internal/graph"
)

func n(id, content string) graph.Node {
	return graph.Node{ID: graph.NodeID(id), Kind: graph.KindTask, Digest: cas.SumB3([]byte(content))}
}

func e(p, c, binding string) graph.Edge {
	return graph.Edge{Producer: graph.NodeID(p), Consumer: graph.NodeID(c), Binding: binding}
}

func mk(t *testing.T, nodes []graph.Node, edges ...graph.Edge) *graph.Graph {
	t.Helper()
	g, err := graph.New(nodes, edges)
	require.NoError(t, err)
	return g
}

func ids(ss ...string) []graph.NodeID {
	out := make([]graph.NodeID, len(ss))
	for i, s := range ss {
		out[i] = graph.NodeID(s)
	}
	return out
}

// sample: a -> b -> c, a -> f, d -> e
func sample(t *testing.T, aContent string) *graph.Graph {
	return mk(t,
		[]graph.Node{n("a", aContent), n("b", "b"), n("c", "c"), n("d", "d"), n("e", "e"), n("f", "f")},
		e("a", "b", "in"), e("b", "c", "in"), e("a", "f", "in"), e("d", "e", "in"))
}

func TestManifest(t *testing.T) {
	own := cas.SumB3([]byte("own"))
	d1 := cas.SumB3([]byte("d1"))
	d2 := cas.SumB3([]byte("d2"))

	assert.Equal(t, Compute(own, []cas.Hash{d1, d2}), Compute(own, []cas.Hash{d2, d1}))
	assert.NotEqual(t, Compute(own, []cas.Hash{d1}), Compute(own, []cas.Hash{d1, d1}))
	assert.NotEqual(t, Compute(own, nil), Compute(d1, nil))

	gotOwn, gotDeps, err := ParseManifest(Manifest(own, []cas.Hash{d2, d1}))
	require.NoError(t, err)
	assert.Equal(t, own, gotOwn)
	want := []cas.Hash{d1, d2}
	cas.SortHashes(want)
	assert.Equal(t, want, gotDeps)

	_, _, err = ParseManifest([]byte("celebi-impression/v1\nshort"))
	assert.ErrorIs(t, err, ErrBadManifest)
	_, _, err = ParseManifest(append(Manifest(own, nil), 0xff))
	assert.ErrorIs(t, err, ErrBadManifest)
}

func TestRegenerateDeterministic(t *testing.T) {
	ctx := context.Background()
	g := sample(t, "a")

	first, err := Regenerate(ctx, g, nil, Options{})
	require.NoError(t, err)
	second, err := Regenerate(ctx, g, Snapshot{}, Options{})
	require.NoError(t, err)

	assert.Equal(t, first.Snapshot, second.Snapshot)
	assert.Equal(t, ids("a", "b", "c", "d", "e", "f"), first.Misses)
	assert.Empty(t, first.Hits)

	warm, err := Regenerate(ctx, g, first.Snapshot, Options{})
	require.NoError(t, err)
	assert.Equal(t, first.Snapshot, warm.Snapshot)
	assert.Equal(t, ids("a", "b", "c", "d", "e", "f"), warm.Hits)
	assert.Empty(t, warm.Misses)
	assert.Empty(t, warm.Updated)

	// Impressions are a function of content only.
	twin := mk(t, []graph.Node{n("x", "same"), n("y", "same")})
	rep, err := Regenerate(ctx, twin, nil, Options{})
	require.NoError(t, err)
	assert.Equal(t, rep.Snapshot["x"].Impression, rep.Snapshot["y"].Impression)
}

func TestRegenerateCurrency(t *testing.T) {
	ctx := context.Background()
	before, err := Regenerate(ctx, sample(t, "a"), nil, Options{})
	require.NoError(t, err)

	after, err := Regenerate(ctx, sample(t, "a-changed"), before.Snapshot, Options{})
	require.NoError(t, err)

	assert.Equal(t, ids("a", "b", "c", "f"), after.Misses)
	assert.Equal(t, ids("d", "e"), after.Hits)
	for _, id := range after.Misses {
		assert.NotEqual(t, before.Snapshot[id].Impression, after.Snapshot[id].Impression, id)
	}
	for _, id := range after.Hits {
		assert.Equal(t, before.Snapshot[id], after.Snapshot[id], id)
	}
	assert.Len(t, after.Updated, 4)
}

func TestRegeneratePartialFailure(t *testing.T) {
	ctx := context.Background()
	nodes := []graph.Node{
		{ID: "a", Kind: graph.KindDataset},
		n("b", "b"), n("c", "c"), n("d", "d"),
	}
	g := mk(t, nodes, e("a", "b", "in"), e("b", "c", "in"))

	prior := Snapshot{"b": {Impression: cas.SumB3([]byte("old-b"))}}
	rep, err := Regenerate(ctx, g, prior, Options{})
	require.NoError(t, err)

	assert.Equal(t, ids("a", "b", "c"), rep.Skipped)
	require.Len(t, rep.Failures, 3)
	assert.ErrorIs(t, rep.Failures[0], ErrMissingDigest)
	assert.ErrorIs(t, rep.Failures[1], ErrUnresolvedDependency)
	assert.Equal(t, graph.NodeID("a"), rep.Failures[1].Cause)
	assert.Equal(t, graph.NodeID("b"), rep.Failures[2].Cause)
	assert.True(t, errors.Is(rep.Failures[2], ErrUnresolvedDependency))

	assert.Equal(t, ids("d"), rep.Misses)
	assert.Equal(t, prior["b"], rep.Snapshot["b"], "skipped nodes keep their prior entry")
	_, ok := rep.Impression("b")
	assert.False(t, ok)
	_, ok = rep.Impression("d")
	assert.True(t, ok)
}

func TestRegenerateStaleCleanup(t *testing.T) {
	ctx := context.Background()
	g := sample(t, "a")
	full, err := Regenerate(ctx, g, nil, Options{})
	require.NoError(t, err)

	prior := full.Snapshot.Clone()
	prior["ghost"] = Entry{Impression: cas.SumB3([]byte("ghost"))}

	rep, err := Regenerate(ctx, g, prior, Options{})
	require.NoError(t, err)
	assert.Equal(t, ids("ghost"), rep.Deleted)
	assert.NotContains(t, rep.Snapshot, graph.NodeID("ghost"))
	assert.Contains(t, prior, graph.NodeID("ghost"), "prior must not be modified")
}

func TestRegenerateParallelMatchesSequential(t *testing.T) {
	ctx := context.Background()
	var nodes []graph.Node
	var edges []graph.Edge
	for c := 0; c < 20; c++ {
		for i := 0; i < 5; i++ {
			id := fmt.Sprintf("c%02d-n%d", c, i)
			nodes = append(nodes, n(id, id))
			if i > 0 {
				edges = append(edges, e(fmt.Sprintf("c%02d-n%d", c, i-1), id, "in"))
			}
		}
	}
	g := mk(t, nodes, edges...)

	seq, err := Regenerate(ctx, g, nil, Options{Parallelism: 1})
	require.NoError(t, err)
	par, err := Regenerate(ctx, g, nil, Options{Parallelism: 4})
	require.NoError(t, err)

	assert.Equal(t, seq.Snapshot, par.Snapshot)
	assert.Equal(t, seq.Misses, par.Misses)
	assert.Len(t, par.Misses, 100)
}

func TestRegenerateParallelPublishesSharedManifests(t *testing.T) {
	ctx := context.Background()

	// Isolated nodes with equal content share one impression, so every
	// component publishes the same manifest at once.
	var nodes []graph.Node
	for i := 0; i < 500; i++ {
		nodes = append(nodes, n(fmt.Sprintf("n%03d", i), "same"))
	}
	g := mk(t, nodes)

	seq, err := Regenerate(ctx, g, nil, Options{Parallelism: 1})
	require.NoError(t, err)

	for round := 0; round < 5; round++ {
		sink, err := cas.NewFileCAS(t.TempDir())
		require.NoError(t, err)

		par, err := Regenerate(ctx, g, nil, Options{Parallelism: 16, Sink: sink})
		require.NoError(t, err, "round %d", round)
		assert.Equal(t, seq.Snapshot, par.Snapshot)
		assert.Empty(t, par.Failures)

		listed, err := sink.List()
		require.NoError(t, err)
		assert.Len(t, listed, 1)
	}
}

func TestRegenerateForceAndSink(t *testing.T) {
	ctx := context.Background()
	g := sample(t, "a")
	sink := cas.NewMemoryCAS()

	first, err := Regenerate(ctx, g, nil, Options{Sink: sink})
	require.NoError(t, err)
	assert.Equal(t, 6, sink.Len())

	for id, entry := range first.Snapshot {
		data, err := sink.Get(entry.Impression)
		require.NoError(t, err, id)
		own, deps, err := ParseManifest(data)
		require.NoError(t, err)
		assert.Equal(t, entry.OwnDigest, own)
		assert.Equal(t, entry.Deps, deps)
	}

	forced, err := Regenerate(ctx, g, first.Snapshot, Options{Force: true})
	require.NoError(t, err)
	assert.Len(t, forced.Misses, 6)
	assert.Equal(t, first.Snapshot, forced.Snapshot)
}

func TestVerify(t *testing.T) {
	ctx := context.Background()
	g := sample(t, "a")
	rep, err := Regenerate(ctx, g, nil, Options{})
	require.NoError(t, err)

	ok, err := Verify(ctx, g, rep.Snapshot)
	require.NoError(t, err)
	assert.True(t, ok.OK())
	assert.Equal(t, 6, ok.Checked)

	bad := rep.Snapshot.Clone()
	delete(bad, "c")
	corrupt := bad["d"]
	corrupt.Impression = cas.SumB3([]byte("tampered"))
	bad["d"] = corrupt
	bad["zombie"] = Entry{}

	res, err := Verify(ctx, sample(t, "a-changed"), bad)
	require.NoError(t, err)
	assert.False(t, res.OK())
	assert.Equal(t, ids("c"), res.Missing)
	assert.Equal(t, ids("d"), res.Corrupt)
	assert.Equal(t, ids("a", "b", "f"), res.Stale)
	assert.Equal(t, ids("zombie"), res.Orphaned)
}

func TestVerifyDoesNotReportRegeneration(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	ctx := ctxlog.WithLogger(context.Background(), logger)

	g := sample(t, "a")
	_, err := Verify(ctx, g, nil)
	require.NoError(t, err)

	assert.NotContains(t, buf.String(), "impressions regenerated")
	assert.Contains(t, buf.String(), "impressions verified")
}

func TestGC(t *testing.T) {
	ctx := context.Background()
	objects := cas.NewMemoryCAS()
	g := sample(t, "a")
	rep, err := Regenerate(ctx, g, nil, Options{Sink: objects})
	require.NoError(t, err)

	garbage := [][]byte{[]byte("orphan manifest 1"), []byte("orphan manifest 22")}
	for _, data := range garbage {
		require.NoError(t, objects.Put(cas.SumB3(data), data))
	}

	log := NewMemoryLog()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	at := func(d time.Duration) func() time.Time { return func() time.Time { return t0.Add(d) } }

	first, err := GC(ctx, objects, rep.Snapshot, log, GCOptions{Grace: time.Hour, Now: at(0)})
	require.NoError(t, err)
	assert.Equal(t, 6, first.Live)
	assert.Len(t, first.Unreachable, 2)
	assert.Empty(t, first.Deleted)
	seen, _ := log.FirstSeen()
	assert.Len(t, seen, 2)

	dry, err := GC(ctx, objects, rep.Snapshot, log, GCOptions{Grace: time.Hour, Now: at(2 * time.Hour), DryRun: true})
	require.NoError(t, err)
	assert.Len(t, dry.Deleted, 2)
	assert.Equal(t, int64(len(garbage[0])+len(garbage[1])), dry.Bytes)
	assert.Equal(t, 8, objects.Len(), "dry run must not delete")

	swept, err := GC(ctx, objects, rep.Snapshot, log, GCOptions{Grace: time.Hour, Now: at(2 * time.Hour)})
	require.NoError(t, err)
	assert.Len(t, swept.Deleted, 2)
	assert.Equal(t, 6, objects.Len())
	seen, _ = log.FirstSeen()
	assert.Empty(t, seen)
}

func TestGCForgetsObjectsThatBecomeLive(t *testing.T) {
	ctx := context.Background()
	objects := cas.NewMemoryCAS()
	g := sample(t, "a")
	rep, err := Regenerate(ctx, g, nil, Options{Sink: objects})
	require.NoError(t, err)

	log := NewMemoryLog()
	now := func() time.Time { return time.Unix(1_000_000, 0) }

	// With an empty snapshot every object is unreachable.
	_, err = GC(ctx, objects, Snapshot{}, log, GCOptions{Grace: DefaultGrace, Now: now})
	require.NoError(t, err)
	seen, _ := log.FirstSeen()
	assert.Len(t, seen, 6)

	_, err = GC(ctx, objects, rep.Snapshot, log, GCOptions{Grace: DefaultGrace, Now: now})
	require.NoError(t, err)
	seen, _ = log.FirstSeen()
	assert.Empty(t, seen)
	assert.Equal(t, 6, objects.Len())
}
