package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/celebichrono/celebi/internal/colors"
	"github.com/celebichrono/celebi/internal/diffmerge"
	"github.com/celebichrono/celebi/internal/graph"
)

// ConflictPrompter asks the user to decide merge conflicts one at a time.
type ConflictPrompter struct {
	reader *bufio.Reader
	out    io.Writer
	seen   int
}

var _ diffmerge.ConflictDecider = (*ConflictPrompter)(nil)

// NewConflictPrompter creates a ConflictPrompter reading answers from in.
func NewConflictPrompter(in io.Reader, out io.Writer) *ConflictPrompter {
	return &ConflictPrompter{reader: bufio.NewReader(in), out: out}
}

// stdinPrompter returns a prompter on the controlling terminal.
func stdinPrompter() (*ConflictPrompter, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return nil, fmt.Errorf("interactive strategy needs a terminal on stdin")
	}
	return NewConflictPrompter(os.Stdin, os.Stderr), nil
}

// Decide shows one conflict and reads a choice.
func (p *ConflictPrompter) Decide(ctx context.Context, c diffmerge.Conflict) (diffmerge.Choice, error) {
	p.seen++
	fmt.Fprintln(p.out)
	fmt.Fprintf(p.out, "%s Conflict %d: %s %s\n",
		colors.Cyan(">>"), p.seen, colors.ConflictKind(string(c.Kind())), colors.Bold(c.Subject().String()))
	fmt.Fprintf(p.out, "  %s\n", c.Describe())
	p.showVersions(c)

	fmt.Fprintln(p.out)
	fmt.Fprintf(p.out, "  %s local  %s remote  %s both  %s skip  %s abort  %s done\n",
		colors.Blue("[l]"), colors.Cyan("[r]"), colors.Green("[b]"), colors.Gray("[s]"), colors.Red("[a]"), colors.Dim("[d]"))

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		fmt.Fprint(p.out, colors.Cyan("Your choice> "))
		input, err := p.reader.ReadString('\n')
		if err != nil && (!errors.Is(err, io.EOF) || input == "") {
			if errors.Is(err, io.EOF) {
				return "", diffmerge.ErrAborted
			}
			return "", err
		}

		switch strings.ToLower(strings.TrimSpace(input)) {
		case "l", "local":
			return diffmerge.ChoiceLocal, nil
		case "r", "remote":
			return diffmerge.ChoiceRemote, nil
		case "b", "both":
			return diffmerge.ChoiceBoth, nil
		case "s", "skip":
			return diffmerge.ChoiceSkip, nil
		case "a", "abort", "q", "quit":
			return "", diffmerge.ErrAborted
		case "d", "done":
			return "", diffmerge.ErrDecisionsDone
		default:
			fmt.Fprintln(p.out, colors.Red("Invalid choice. Please try again."))
		}
	}
}

func (p *ConflictPrompter) showVersions(c diffmerge.Conflict) {
	switch c := c.(type) {
	case *diffmerge.AdditiveConflict:
		fmt.Fprintf(p.out, "  added on %s: %s\n", c.Side, c.Edge)
		if len(c.Cycle) > 0 {
			fmt.Fprintf(p.out, "  %s %s\n", colors.Yellow("closes cycle"), c.Cycle)
		}
	case *diffmerge.SubtractiveConflict:
		fmt.Fprintf(p.out, "  removed on %s, kept on %s\n", c.Remover, c.Keeper())
		if c.Key.IsNode() {
			p.showNode(c.Keeper(), c.Node.On(c.Keeper()))
		} else {
			p.showEdge(c.Keeper(), c.Edge.On(c.Keeper()))
		}
	case *diffmerge.ContradictoryConflict:
		for _, s := range []diffmerge.Side{diffmerge.Base, diffmerge.Local, diffmerge.Remote} {
			if c.Key.IsNode() {
				p.showNode(s, c.Node.On(s))
			} else {
				p.showEdge(s, c.Edge.On(s))
			}
		}
	case *diffmerge.DanglingReferenceConflict:
		fmt.Fprintf(p.out, "  removed on %s, still referenced on %s by:\n", c.Remover, c.Keeper())
		for _, e := range c.Refs {
			fmt.Fprintf(p.out, "    %s\n", e)
		}
	}
}

func (p *ConflictPrompter) showNode(s diffmerge.Side, n *graph.Node) {
	if n == nil {
		fmt.Fprintf(p.out, "  %-7s %s\n", s, colors.Gray("(absent)"))
		return
	}
	fmt.Fprintf(p.out, "  %-7s %s digest=%s params=%d\n", s, n.Kind, n.Digest.Short(), len(n.Params))
}

func (p *ConflictPrompter) showEdge(s diffmerge.Side, e *graph.Edge) {
	if e == nil {
		fmt.Fprintf(p.out, "  %-7s %s\n", s, colors.Gray("(absent)"))
		return
	}
	fmt.Fprintf(p.out, "  %-7s %s\n", s, e)
}
