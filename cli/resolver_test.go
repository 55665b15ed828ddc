package cli

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/celebichrono/celebi/internal/cas"
	"github.com/celebichrono/celebi/internal/diffmerge"
	"github.com/celebichrono/celebi/internal/graph"
)

func contradictoryNode() diffmerge.Conflict {
	local := graph.Node{ID: "fit", Kind: graph.KindTask, Digest: cas.SumB3([]byte("l"))}
	remote := graph.Node{ID: "fit", Kind: graph.KindTask, Digest: cas.SumB3([]byte("r"))}
	return &diffmerge.ContradictoryConflict{
		Key:  diffmerge.NodeSubject("fit"),
		Node: diffmerge.Versions[graph.Node]{Local: &local, Remote: &remote},
	}
}

func TestConflictPrompter(t *testing.T) {
	tests := []struct {
		input string
		want  diffmerge.Choice
		err   error
	}{
		{"l\n", diffmerge.ChoiceLocal, nil},
		{"remote\n", diffmerge.ChoiceRemote, nil},
		{"  B \n", diffmerge.ChoiceBoth, nil},
		{"x\nmaybe\ns\n", diffmerge.ChoiceSkip, nil},
		{"s", diffmerge.ChoiceSkip, nil},
		{"a\n", "", diffmerge.ErrAborted},
		{"done\n", "", diffmerge.ErrDecisionsDone},
		{"", "", diffmerge.ErrAborted},
	}
	for _, tt := range tests {
		p := NewConflictPrompter(strings.NewReader(tt.input), io.Discard)
		got, err := p.Decide(context.Background(), contradictoryNode())
		if tt.err != nil {
			if !errors.Is(err, tt.err) {
				t.Errorf("input %q: expected %v, got %v", tt.input, tt.err, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("input %q: got %q, %v; want %q", tt.input, got, err, tt.want)
		}
	}
}

func TestConflictPrompterShowsVersions(t *testing.T) {
	var out strings.Builder
	p := NewConflictPrompter(strings.NewReader("l\n"), &out)
	if _, err := p.Decide(context.Background(), contradictoryNode()); err != nil {
		t.Fatal(err)
	}
	text := out.String()
	for _, want := range []string{"Conflict 1", "fit", "base", "(absent)", "local", "remote"} {
		if !strings.Contains(text, want) {
			t.Errorf("prompt missing %q:\n%s", want, text)
		}
	}
}

func TestConflictPrompterCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := NewConflictPrompter(strings.NewReader("l\n"), io.Discard)
	if _, err := p.Decide(ctx, contradictoryNode()); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
