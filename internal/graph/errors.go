package graph

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidNode     = errors.New("invalid node")
	ErrDuplicateNode   = errors.New("duplicate node identifier")
	ErrDanglingEdge    = errors.New("edge references unknown node")
	ErrConflictingEdge = errors.New("conflicting edge attributes")
	ErrCycle           = errors.New("cycle detected")
)

// Error wraps deterministic graph validation failures.
type Error struct {
	Kind  error
	Msg   string
	Cycle Cycle // set when Kind is ErrCycle
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Msg)
}

func (e *Error) Unwrap() error { return e.Kind }

func errorf(kind error, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func cycleError(c Cycle) error {
	return &Error{Kind: ErrCycle, Msg: c.String(), Cycle: c}
}
