package diffmerge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/celebichrono/celebi/internal/ctxlog"
	"github.com/celebichrono/celebi/internal/graph"
)

// State is a step of the resolution state machine:
//
//	PENDING -> UNION_APPLIED | STRATEGY_APPLIED -> CYCLE_CHECK -> ACCEPTED | REJECTED
//
// Unresolved conflicts reject straight after the strategy step.
type State string

const (
	StatePending         State = "PENDING"
	StateUnionApplied    State = "UNION_APPLIED"
	StateStrategyApplied State = "STRATEGY_APPLIED"
	StateCycleCheck      State = "CYCLE_CHECK"
	StateAccepted        State = "ACCEPTED"
	StateRejected        State = "REJECTED"
)

// Resolution records how one conflict was settled.
type Resolution struct {
	Conflict  Conflict
	Choice    Choice
	DecidedBy StrategyType
	Reason    string
}

// Repair records an edge dropped to break a cycle after resolution.
type Repair struct {
	Edge  graph.Edge
	Cycle graph.Cycle
}

// MergeResult is an accepted merge.
type MergeResult struct {
	ID          string
	Strategy    StrategyType
	Graph       *graph.Graph
	Conflicts   *ConflictSet
	Resolutions []Resolution
	Repairs     []Repair
	Pruned      []graph.Edge // restored edges whose other endpoint was dropped
	States      []State
}

// Merger performs three-way merges of provenance graphs.
type Merger struct {
	Resolver *StrategyResolver

	// Recorder, when set, persists a MergeRecord for every attempt.
	Recorder Recorder

	// MaxRepairs bounds cycle repair iterations. Zero means the edge count
	// of the graph under repair.
	MaxRepairs int

	now func() time.Time
}

// NewMerger creates a Merger using the given resolver.
func NewMerger(resolver *StrategyResolver) *Merger {
	return &Merger{Resolver: resolver, now: time.Now}
}

// Merge classifies and resolves base, local and remote with the named
// strategy. It returns the accepted result, or a *MergeError describing the
// rejection. No graph is returned on rejection.
func (m *Merger) Merge(ctx context.Context, base, local, remote *graph.Graph, strategy StrategyType) (*MergeResult, error) {
	strat, err := m.Resolver.GetStrategy(strategy)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	log := ctxlog.FromContext(ctx).With("merge", id, "strategy", string(strategy))
	ctx = ctxlog.WithLogger(ctx, log)
	log.Info("merge started",
		"base_nodes", nodeCount(base), "local_nodes", nodeCount(local), "remote_nodes", nodeCount(remote))

	run := &mergeRun{id: id, strategy: strategy, log: log, states: []State{StatePending}}

	cs, err := Classify(ctx, base, local, remote)
	if err != nil {
		var merr *MergeError
		if !errors.As(err, &merr) {
			return nil, err
		}
		run.reject(merr)
		m.record(ctx, rejectedRecord(run, nil, merr, m.clock()))
		return nil, merr
	}

	res, err := run.resolve(ctx, cs, strat, m.MaxRepairs)
	if err != nil {
		var merr *MergeError
		if errors.As(err, &merr) {
			m.record(ctx, rejectedRecord(run, cs, merr, m.clock()))
		}
		return nil, err
	}

	m.record(ctx, acceptedRecord(res, m.clock()))
	log.Info("merge accepted",
		"conflicts", cs.Len(), "repairs", len(res.Repairs), "nodes", res.Graph.NodeCount(), "edges", res.Graph.EdgeCount())
	return res, nil
}

func (m *Merger) clock() time.Time {
	if m.now == nil {
		return time.Now()
	}
	return m.now()
}

func (m *Merger) record(ctx context.Context, rec *MergeRecord) {
	if m.Recorder == nil {
		return
	}
	if err := m.Recorder.SaveMerge(rec); err != nil {
		ctxlog.FromContext(ctx).Warn("failed to save merge record", "error", err)
	}
}

func nodeCount(g *graph.Graph) int {
	if g == nil {
		return 0
	}
	return g.NodeCount()
}

type mergeRun struct {
	id       string
	strategy StrategyType
	log      *slog.Logger
	states   []State

	resolutions []Resolution
	repairs     []Repair
}

func (r *mergeRun) transition(to State) {
	from := r.states[len(r.states)-1]
	r.states = append(r.states, to)
	r.log.Debug("merge state", "from", string(from), "to", string(to))
}

func (r *mergeRun) reject(merr *MergeError) *MergeError {
	r.transition(StateRejected)
	merr.MergeID = r.id
	merr.States = append([]State(nil), r.states...)
	r.log.Warn("merge rejected", "reason", merr.Error())
	return merr
}

func (r *mergeRun) resolve(ctx context.Context, cs *ConflictSet, strat Strategy, maxRepairs int) (*MergeResult, error) {
	b := cs.Candidate.Builder()
	view := &View{set: cs, b: b}

	var (
		unresolved []Conflict
		added      []graph.EdgeKey // edges staged by resolutions, oldest first
		stop       error
	)
	for _, c := range cs.Conflicts {
		if stop == nil {
			stop = ctx.Err()
		}
		if stop != nil {
			unresolved = append(unresolved, c)
			continue
		}

		d, err := strat.Decide(ctx, view, c)
		if err != nil {
			if errors.Is(err, ErrAborted) || errors.Is(err, ErrDecisionsDone) ||
				errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				stop = err
				unresolved = append(unresolved, c)
				continue
			}
			return nil, fmt.Errorf("strategy %s failed on %s: %w", strat.Name(), c.Subject(), err)
		}
		if d.Choice == ChoiceSkip {
			r.log.Debug("conflict left unresolved", "conflict", c.Describe(), "reason", d.Reason)
			unresolved = append(unresolved, c)
			continue
		}

		keys, err := apply(b, c, d.Choice)
		if errors.Is(err, ErrInvalidChoice) {
			r.log.Debug("conflict left unresolved", "conflict", c.Describe(), "choice", string(d.Choice))
			unresolved = append(unresolved, c)
			continue
		}
		if err != nil {
			return nil, err
		}
		added = append(added, keys...)
		r.resolutions = append(r.resolutions, Resolution{
			Conflict:  c,
			Choice:    d.Choice,
			DecidedBy: d.By,
			Reason:    d.Reason,
		})
		r.log.Debug("conflict resolved", "conflict", c.Describe(), "choice", string(d.Choice), "by", string(d.By))
	}

	if r.strategy == StrategyUnion {
		r.transition(StateUnionApplied)
	} else {
		r.transition(StateStrategyApplied)
	}

	if len(unresolved) > 0 {
		return nil, r.reject(&MergeError{
			Kind:       ErrUnresolvableConflict,
			Msg:        fmt.Sprintf("%d conflict(s) left undecided", len(unresolved)),
			Unresolved: unresolved,
			Cause:      stop,
		})
	}

	pruned := b.PruneDangling()
	for _, e := range pruned {
		r.log.Debug("pruned edge to dropped node", "edge", e.String())
	}

	r.transition(StateCycleCheck)
	merged, err := r.repairCycles(b, added, maxRepairs)
	if err != nil {
		return nil, err
	}
	r.transition(StateAccepted)

	return &MergeResult{
		ID:          r.id,
		Strategy:    r.strategy,
		Graph:       merged,
		Conflicts:   cs,
		Resolutions: r.resolutions,
		Repairs:     r.repairs,
		Pruned:      pruned,
		States:      r.states,
	}, nil
}

// repairCycles drops the most recently staged conflict edge lying on each
// detected cycle until the graph is acyclic or the bound is reached.
func (r *mergeRun) repairCycles(b *graph.Builder, added []graph.EdgeKey, maxRepairs int) (*graph.Graph, error) {
	bound := maxRepairs
	if bound <= 0 {
		bound = b.EdgeCount()
	}

	for {
		g, err := b.Freeze()
		if err != nil {
			return nil, fmt.Errorf("failed to build merged graph: %w", err)
		}
		cycle := graph.DetectCycle(g)
		if cycle == nil {
			return g, nil
		}
		if len(r.repairs) >= bound {
			return nil, r.reject(&MergeError{
				Kind:  ErrCycleAfterResolution,
				Msg:   fmt.Sprintf("repair bound of %d exhausted, cycle %s", bound, cycle),
				Cycle: cycle,
			})
		}

		idx := -1
		for i := len(added) - 1; i >= 0; i-- {
			if _, staged := b.Edge(added[i]); staged && cycle.Contains(added[i]) {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, r.reject(&MergeError{
				Kind:  ErrCycleAfterResolution,
				Msg:   fmt.Sprintf("no conflict edge lies on cycle %s", cycle),
				Cycle: cycle,
			})
		}

		k := added[idx]
		e, _ := b.Edge(k)
		b.RemoveEdge(k)
		added = append(added[:idx], added[idx+1:]...)
		r.repairs = append(r.repairs, Repair{Edge: e, Cycle: cycle})
		r.log.Info("cycle repaired", "dropped", k.String(), "cycle", cycle.String())
	}
}

// apply stages the outcome of choice for c and returns the conflict edges it
// staged. The switch covers every conflict variant.
func apply(b *graph.Builder, c Conflict, choice Choice) ([]graph.EdgeKey, error) {
	switch c := c.(type) {
	case *AdditiveConflict:
		if choice == ChoiceBoth || choice.picks(c.Side) {
			b.PutEdge(c.Edge)
			return []graph.EdgeKey{c.Edge.Key()}, nil
		}
		b.RemoveEdge(c.Edge.Key())
		return nil, nil

	case *SubtractiveConflict:
		keep := choice == ChoiceBoth || choice.picks(c.Keeper())
		if c.Key.IsNode() {
			if keep {
				b.PutNode(*c.Node.On(c.Keeper()))
			} else {
				b.RemoveNode(c.Key.Node)
			}
			return nil, nil
		}
		if !keep {
			b.RemoveEdge(c.Key.Edge)
			return nil, nil
		}
		e := *c.Edge.On(c.Keeper())
		b.PutEdge(e)
		return []graph.EdgeKey{e.Key()}, nil

	case *ContradictoryConflict:
		side, ok := choice.Side()
		if !ok {
			return nil, fmt.Errorf("%w: %s on %s", ErrInvalidChoice, choice, c.Key)
		}
		if c.Key.IsNode() {
			b.PutNode(*c.Node.On(side))
			return nil, nil
		}
		e := *c.Edge.On(side)
		b.PutEdge(e)
		return []graph.EdgeKey{e.Key()}, nil

	case *DanglingReferenceConflict:
		if choice != ChoiceBoth && !choice.picks(c.Keeper()) {
			b.RemoveNode(c.Key.Node)
			return nil, nil
		}
		b.PutNode(*c.Node.On(c.Keeper()))
		keys := make([]graph.EdgeKey, 0, len(c.Refs))
		for _, e := range c.Refs {
			b.PutEdge(e)
			keys = append(keys, e.Key())
		}
		return keys, nil
	}
	return nil, fmt.Errorf("unhandled conflict type %T", c)
}
