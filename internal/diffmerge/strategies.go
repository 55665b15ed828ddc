package diffmerge

import (
	"context"
	"fmt"
	"strings"

	"github.com/celebichrono/celebi/internal/cas"
	"github.com/celebichrono/celebi/internal/graph"
)

// StrategyType represents the type of merge strategy.
type StrategyType string

const (
	StrategyUnion       StrategyType = "union"       // Preserve as much as possible
	StrategyLocal       StrategyType = "local"       // Take the local side's value
	StrategyRemote      StrategyType = "remote"      // Take the remote side's value
	StrategyAuto        StrategyType = "auto"        // Deterministic rule, see AutoRule
	StrategyInteractive StrategyType = "interactive" // Ask a ConflictDecider
)

// ParseStrategy validates a strategy name.
func ParseStrategy(s string) (StrategyType, error) {
	switch t := StrategyType(strings.ToLower(strings.TrimSpace(s))); t {
	case StrategyUnion, StrategyLocal, StrategyRemote, StrategyAuto, StrategyInteractive:
		return t, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
	}
}

// Choice is a literal decision for one conflict.
type Choice string

const (
	ChoiceLocal  Choice = "local"
	ChoiceRemote Choice = "remote"
	ChoiceBoth   Choice = "both"
	ChoiceSkip   Choice = "skip"
)

// Side maps local and remote choices onto their side.
func (c Choice) Side() (Side, bool) {
	switch c {
	case ChoiceLocal:
		return Local, true
	case ChoiceRemote:
		return Remote, true
	}
	return 0, false
}

func (c Choice) picks(s Side) bool {
	side, ok := c.Side()
	return ok && side == s
}

// ChoiceFor returns the choice that takes side s.
func ChoiceFor(s Side) Choice {
	if s == Remote {
		return ChoiceRemote
	}
	return ChoiceLocal
}

// Decision is a strategy's answer for one conflict.
type Decision struct {
	Choice Choice
	By     StrategyType
	Reason string
}

// View is the read-only merge context handed to strategies.
type View struct {
	set *ConflictSet
	b   *graph.Builder
}

// Graph returns an input graph.
func (v *View) Graph(s Side) *graph.Graph { return v.set.Graph(s) }

// ClosesCycle reports whether staging edges on the graph under
// construction would make it cyclic.
func (v *View) ClosesCycle(edges ...graph.Edge) bool { return v.b.ClosesCycle(edges...) }

// Strategy defines the interface for conflict resolution strategies.
type Strategy interface {
	// Name returns the strategy name
	Name() StrategyType

	// Decide picks a choice for one conflict. Conflicts are offered in
	// order and every earlier decision is already applied to v.
	Decide(ctx context.Context, v *View, c Conflict) (Decision, error)
}

// LocalStrategy always takes the local side's value, including absence.
type LocalStrategy struct{}

func (LocalStrategy) Name() StrategyType { return StrategyLocal }

func (LocalStrategy) Decide(context.Context, *View, Conflict) (Decision, error) {
	return Decision{Choice: ChoiceLocal, By: StrategyLocal}, nil
}

// RemoteStrategy always takes the remote side's value, including absence.
type RemoteStrategy struct{}

func (RemoteStrategy) Name() StrategyType { return StrategyRemote }

func (RemoteStrategy) Decide(context.Context, *View, Conflict) (Decision, error) {
	return Decision{Choice: ChoiceRemote, By: StrategyRemote}, nil
}

// UnionStrategy keeps everything either side has. Keeping a removed subject
// that would close a cycle escalates to the remote side for that subject
// only. Contradictory values cannot be unioned: they go to Fallback, or stay
// unresolved when Fallback is nil.
type UnionStrategy struct {
	Fallback Strategy
}

func (*UnionStrategy) Name() StrategyType { return StrategyUnion }

func (s *UnionStrategy) Decide(ctx context.Context, v *View, c Conflict) (Decision, error) {
	keep := Decision{Choice: ChoiceBoth, By: StrategyUnion}
	escalate := Decision{Choice: ChoiceRemote, By: StrategyUnion, Reason: "keeping closes a cycle"}

	switch c := c.(type) {
	case *AdditiveConflict:
		return keep, nil
	case *SubtractiveConflict:
		if !c.Key.IsNode() && v.ClosesCycle(*c.Edge.On(c.Keeper())) {
			return escalate, nil
		}
		return keep, nil
	case *DanglingReferenceConflict:
		if v.ClosesCycle(c.Refs...) {
			return escalate, nil
		}
		return keep, nil
	case *ContradictoryConflict:
		if s.Fallback != nil {
			return s.Fallback.Decide(ctx, v, c)
		}
		return Decision{Choice: ChoiceSkip, By: StrategyUnion, Reason: "contradictory values cannot be unioned"}, nil
	}
	return Decision{}, fmt.Errorf("unhandled conflict type %T", c)
}

// AutoRule picks the winning side of a conflict.
type AutoRule func(v *View, c Conflict) (Side, string)

// AutoStrategy resolves every conflict with Rule, DigestTieBreak by default.
type AutoStrategy struct {
	Rule AutoRule
}

func (*AutoStrategy) Name() StrategyType { return StrategyAuto }

func (s *AutoStrategy) Decide(_ context.Context, v *View, c Conflict) (Decision, error) {
	rule := s.Rule
	if rule == nil {
		rule = DigestTieBreak
	}
	side, reason := rule(v, c)
	return Decision{Choice: ChoiceFor(side), By: StrategyAuto, Reason: reason}, nil
}

// DigestTieBreak prefers the side whose own-content digest for the
// conflict's consumer node is lexicographically larger. Equal digests fall
// back to comparing the fingerprints of the conflicting values, and a full
// tie goes to local. The rule is arbitrary but stable across runs.
func DigestTieBreak(v *View, c Conflict) (Side, string) {
	consumer := c.Subject().orderKey().Consumer
	ld := ownDigest(v.Graph(Local), consumer)
	rd := ownDigest(v.Graph(Remote), consumer)
	switch ld.Compare(rd) {
	case 1:
		return Local, "larger consumer digest"
	case -1:
		return Remote, "larger consumer digest"
	}

	switch valueFingerprint(c, Local).Compare(valueFingerprint(c, Remote)) {
	case 1:
		return Local, "larger value fingerprint"
	case -1:
		return Remote, "larger value fingerprint"
	}
	return Local, "tie"
}

func ownDigest(g *graph.Graph, id graph.NodeID) cas.Hash {
	if n, ok := g.Node(id); ok {
		return n.Digest
	}
	return cas.Hash{}
}

// valueFingerprint hashes the value a conflict holds on side s. Absence
// hashes to the zero hash.
func valueFingerprint(c Conflict, s Side) cas.Hash {
	switch c := c.(type) {
	case *AdditiveConflict:
		if c.Side == s {
			return c.Edge.Fingerprint()
		}
	case *SubtractiveConflict:
		if c.Key.IsNode() {
			return nodeFingerprint(c.Node.On(s))
		}
		return edgeFingerprint(c.Edge.On(s))
	case *ContradictoryConflict:
		if c.Key.IsNode() {
			return nodeFingerprint(c.Node.On(s))
		}
		return edgeFingerprint(c.Edge.On(s))
	case *DanglingReferenceConflict:
		return nodeFingerprint(c.Node.On(s))
	}
	return cas.Hash{}
}

func nodeFingerprint(n *graph.Node) cas.Hash {
	if n == nil {
		return cas.Hash{}
	}
	return n.Fingerprint()
}

func edgeFingerprint(e *graph.Edge) cas.Hash {
	if e == nil {
		return cas.Hash{}
	}
	return e.Fingerprint()
}

// ConflictDecider supplies decisions for the interactive strategy. Decide
// is called once per conflict, in conflict order, and blocks until a choice
// is made. Returning ErrAborted cancels the merge; returning
// ErrDecisionsDone leaves the remaining conflicts undecided.
type ConflictDecider interface {
	Decide(ctx context.Context, c Conflict) (Choice, error)
}

// DeciderFunc adapts a function to ConflictDecider.
type DeciderFunc func(ctx context.Context, c Conflict) (Choice, error)

func (f DeciderFunc) Decide(ctx context.Context, c Conflict) (Choice, error) { return f(ctx, c) }

// InteractiveStrategy defers each conflict to an external decider.
type InteractiveStrategy struct {
	Decider ConflictDecider
}

func (*InteractiveStrategy) Name() StrategyType { return StrategyInteractive }

func (s *InteractiveStrategy) Decide(ctx context.Context, _ *View, c Conflict) (Decision, error) {
	if s.Decider == nil {
		return Decision{}, fmt.Errorf("interactive strategy has no decider: %w", ErrAborted)
	}
	choice, err := s.Decider.Decide(ctx, c)
	if err != nil {
		return Decision{}, err
	}
	switch choice {
	case ChoiceLocal, ChoiceRemote, ChoiceBoth, ChoiceSkip:
	default:
		return Decision{}, fmt.Errorf("decider returned unknown choice %q", choice)
	}
	return Decision{Choice: choice, By: StrategyInteractive}, nil
}

var (
	_ Strategy        = LocalStrategy{}
	_ Strategy        = RemoteStrategy{}
	_ Strategy        = (*UnionStrategy)(nil)
	_ Strategy        = (*AutoStrategy)(nil)
	_ Strategy        = (*InteractiveStrategy)(nil)
	_ ConflictDecider = DeciderFunc(nil)
)

// ResolverConfig configures the built-in strategies.
type ResolverConfig struct {
	Decider       ConflictDecider // interactive
	AutoRule      AutoRule        // nil means DigestTieBreak
	UnionFallback StrategyType    // strategy for contradictory conflicts under union; empty fails them
}

// StrategyResolver manages strategy selection.
type StrategyResolver struct {
	strategies map[StrategyType]Strategy
}

// NewStrategyResolver creates a resolver with every built-in strategy.
func NewStrategyResolver(cfg ResolverConfig) (*StrategyResolver, error) {
	strategies := map[StrategyType]Strategy{
		StrategyLocal:       LocalStrategy{},
		StrategyRemote:      RemoteStrategy{},
		StrategyAuto:        &AutoStrategy{Rule: cfg.AutoRule},
		StrategyInteractive: &InteractiveStrategy{Decider: cfg.Decider},
	}

	union := &UnionStrategy{}
	if cfg.UnionFallback != "" {
		fb, ok := strategies[cfg.UnionFallback]
		if !ok {
			return nil, fmt.Errorf("union fallback: %w: %q", ErrUnknownStrategy, cfg.UnionFallback)
		}
		union.Fallback = fb
	}
	strategies[StrategyUnion] = union

	return &StrategyResolver{strategies: strategies}, nil
}

// Register adds or replaces a strategy.
func (sr *StrategyResolver) Register(s Strategy) {
	sr.strategies[s.Name()] = s
}

// GetStrategy returns a strategy by type.
func (sr *StrategyResolver) GetStrategy(t StrategyType) (Strategy, error) {
	s, ok := sr.strategies[t]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, t)
	}
	return s, nil
}
