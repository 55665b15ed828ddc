package diffmerge

import (
	"errors"
	"fmt"
	"strings"

	"github.com/celebichrono/celebi/internal/graph"
)

var (
	ErrMalformedGraph       = errors.New("malformed graph")
	ErrUnresolvableConflict = errors.New("unresolvable conflict")
	ErrCycleAfterResolution = errors.New("cycle after resolution")
	ErrUnknownStrategy      = errors.New("unknown strategy")

	// ErrAborted is returned by a ConflictDecider to cancel the merge.
	ErrAborted = errors.New("merge aborted")
	// ErrDecisionsDone is returned by a ConflictDecider that has no further
	// decisions to give. Conflicts still undecided reject the merge.
	ErrDecisionsDone = errors.New("no further decisions")
	// ErrInvalidChoice marks a choice that cannot apply to a conflict, such
	// as "both" for a contradictory value.
	ErrInvalidChoice = errors.New("invalid choice for conflict")
)

// MergeError reports a rejected merge. No merged graph accompanies it.
type MergeError struct {
	Kind       error
	Msg        string
	MergeID    string
	Side       Side        // input at fault, for ErrMalformedGraph
	Unresolved []Conflict  // for ErrUnresolvableConflict
	Cycle      graph.Cycle // offending cycle, if any
	States     []State     // state machine trace up to rejection
	Cause      error
}

func (e *MergeError) Error() string {
	if e == nil {
		return ""
	}
	var sb strings.Builder
	sb.WriteString(e.Kind.Error())
	if e.Kind == ErrMalformedGraph {
		fmt.Fprintf(&sb, " (%s)", e.Side)
	}
	if e.Msg != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Msg)
	}
	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}
	return sb.String()
}

func (e *MergeError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

func malformed(side Side, err error) *MergeError {
	me := &MergeError{Kind: ErrMalformedGraph, Side: side, Cause: err}
	var gerr *graph.Error
	if errors.As(err, &gerr) {
		me.Cycle = gerr.Cycle
	}
	return me
}
