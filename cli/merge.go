package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/celebichrono/celebi/internal/colors"
	"github.com/celebichrono/celebi/internal/diffmerge"
	"github.com/celebichrono/celebi/internal/graph"
	"github.com/celebichrono/celebi/internal/snapshot"
)

var mergeCmd = &cobra.Command{
	Use:   "merge --base <file> --local <file> --remote <file>",
	Short: "Three-way merge of provenance graph snapshots",
	Long: `Merge two divergent snapshots of a provenance graph against their common
ancestor. Non-conflicting changes are applied; conflicts are resolved with the
selected strategy. The merged graph must be acyclic to be accepted.

Strategies:
  union        keep both versions where possible
  local        prefer the local version
  remote       prefer the remote version
  auto         decide by digest, deterministically
  interactive  ask on the terminal for each conflict

Examples:
  celebi merge --base base.yaml --local mine.yaml --remote theirs.yaml
  celebi merge --base b.yaml --local l.yaml --remote r.yaml --strategy union --out merged.yaml
  celebi merge --base b.yaml --local l.yaml --remote r.yaml --out merged.yaml.zst --regenerate`,
	Args: cobra.NoArgs,
	RunE: runMerge,
}

var diffCmd = &cobra.Command{
	Use:   "diff --base <file> --local <file> --remote <file>",
	Short: "Classify the changes between three snapshots without merging",
	Args:  cobra.NoArgs,
	RunE:  runDiff,
}

type threeWayFlags struct {
	base, local, remote string
}

var (
	mergeInputs     threeWayFlags
	diffInputs      threeWayFlags
	mergeStrategy   string
	mergeOut        string
	mergeRegenerate bool
	mergeNoRecord   bool
	mergeMaxRepairs int
)

func (f *threeWayFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.base, "base", "", "Common ancestor snapshot")
	cmd.Flags().StringVar(&f.local, "local", "", "Local snapshot")
	cmd.Flags().StringVar(&f.remote, "remote", "", "Remote snapshot")
	for _, name := range []string{"base", "local", "remote"} {
		_ = cmd.MarkFlagRequired(name)
	}
}

func (f *threeWayFlags) load() (base, local, remote *graph.Graph, err error) {
	if base, err = snapshot.Load(f.base); err != nil {
		return nil, nil, nil, fmt.Errorf("base: %w", err)
	}
	if local, err = snapshot.Load(f.local); err != nil {
		return nil, nil, nil, fmt.Errorf("local: %w", err)
	}
	if remote, err = snapshot.Load(f.remote); err != nil {
		return nil, nil, nil, fmt.Errorf("remote: %w", err)
	}
	return base, local, remote, nil
}

func init() {
	mergeInputs.register(mergeCmd)
	mergeCmd.Flags().StringVarP(&mergeStrategy, "strategy", "s", "", "Resolution strategy (default from merge.strategy)")
	mergeCmd.Flags().StringVarP(&mergeOut, "out", "o", "", "Write the merged snapshot to this file instead of stdout")
	mergeCmd.Flags().BoolVar(&mergeRegenerate, "regenerate", false, "Regenerate impressions of the merged graph")
	mergeCmd.Flags().BoolVar(&mergeNoRecord, "no-record", false, "Do not store a merge record")
	mergeCmd.Flags().IntVar(&mergeMaxRepairs, "max-repairs", -1, "Bound on cycle repairs (default from merge.max_repairs)")

	diffInputs.register(diffCmd)
}

func runMerge(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	name := mergeStrategy
	if name == "" {
		name = cfg.Merge.Strategy
	}
	strategy, err := diffmerge.ParseStrategy(name)
	if err != nil {
		return err
	}

	base, local, remote, err := mergeInputs.load()
	if err != nil {
		return err
	}

	rc := diffmerge.ResolverConfig{UnionFallback: diffmerge.StrategyType(cfg.Merge.UnionFallback)}
	if strategy == diffmerge.StrategyInteractive {
		prompter, err := stdinPrompter()
		if err != nil {
			return err
		}
		rc.Decider = prompter
	}
	resolver, err := diffmerge.NewStrategyResolver(rc)
	if err != nil {
		return err
	}

	merger := diffmerge.NewMerger(resolver)
	merger.MaxRepairs = cfg.Merge.MaxRepairs
	if mergeMaxRepairs >= 0 {
		merger.MaxRepairs = mergeMaxRepairs
	}
	if cfg.Merge.Record && !mergeNoRecord && requireProject() == nil {
		db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()
		merger.Recorder = db
	}

	// The merged graph goes to stdout unless --out is set.
	report := cmd.OutOrStdout()
	if mergeOut == "" {
		report = cmd.ErrOrStderr()
	}

	res, err := merger.Merge(ctx, base, local, remote, strategy)
	if err != nil {
		var merr *diffmerge.MergeError
		if errors.As(err, &merr) {
			printRejection(report, merr)
		}
		return err
	}
	printMergeResult(report, res)

	if mergeOut != "" {
		if err := snapshot.Save(mergeOut, res.Graph); err != nil {
			return err
		}
		fmt.Fprintf(report, "Wrote %s\n", mergeOut)
	} else if err := snapshot.Encode(cmd.OutOrStdout(), res.Graph, snapshot.YAML, false); err != nil {
		return err
	}

	if mergeRegenerate {
		rep, err := regenerate(cmd, res.Graph, false, cfg.Impression.Parallelism)
		if err != nil {
			return err
		}
		printRegenerateReport(report, rep)
	}
	return nil
}

func printMergeResult(w io.Writer, res *diffmerge.MergeResult) {
	sum := res.Conflicts.Summary()
	fmt.Fprintf(w, "%s merge %s (strategy %s)\n", colors.Status("accepted"), colors.Dim(res.ID), res.Strategy)
	fmt.Fprintf(w, "  %d accepted change(s), %d conflict(s) resolved\n", sum.Accepted, sum.Total)
	for _, r := range res.Resolutions {
		line := fmt.Sprintf("  %-20s %-40s -> %s", colors.ConflictKind(string(r.Conflict.Kind())), r.Conflict.Subject(), colors.Choice(string(r.Choice)))
		if r.Reason != "" {
			line += colors.Dim(" (" + r.Reason + ")")
		}
		fmt.Fprintln(w, line)
	}
	for _, rp := range res.Repairs {
		fmt.Fprintf(w, "  %s dropped %s to break cycle %s\n", colors.Yellow("repair"), rp.Edge, rp.Cycle)
	}
	for _, e := range res.Pruned {
		fmt.Fprintf(w, "  %s %s (endpoint removed)\n", colors.Gray("pruned"), e)
	}
	fmt.Fprintf(w, "  merged graph: %d node(s), %d edge(s), fingerprint %s\n",
		res.Graph.NodeCount(), res.Graph.EdgeCount(), res.Graph.Fingerprint().Short())
}

func printRejection(w io.Writer, merr *diffmerge.MergeError) {
	fmt.Fprintf(w, "%s %s\n", colors.Status("rejected"), merr.Error())
	for _, c := range merr.Unresolved {
		fmt.Fprintf(w, "  %-20s %s\n", colors.ConflictKind(string(c.Kind())), c.Describe())
	}
	if len(merr.Cycle) > 0 {
		fmt.Fprintf(w, "  cycle: %s\n", merr.Cycle)
	}
}

func runDiff(cmd *cobra.Command, args []string) error {
	base, local, remote, err := diffInputs.load()
	if err != nil {
		return err
	}
	cs, err := diffmerge.Classify(cmd.Context(), base, local, remote)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	sum := cs.Summary()
	fmt.Fprintln(w, colors.SectionHeader("Accepted changes:"))
	if len(cs.Accepted) == 0 {
		fmt.Fprintf(w, "  %s\n", colors.Gray("(none)"))
	}
	for _, ch := range cs.Accepted {
		fmt.Fprintf(w, "  %s %-8s %s\n", changePrefix(ch.Type), ch.Origin, ch.Subject)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, colors.SectionHeader("Conflicts:"))
	if cs.Len() == 0 {
		fmt.Fprintf(w, "  %s\n", colors.Gray("(none)"))
	}
	for _, c := range cs.Conflicts {
		fmt.Fprintf(w, "  %-20s %s\n", colors.ConflictKind(string(c.Kind())), c.Describe())
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "%d additive, %d subtractive, %d contradictory, %d dangling-reference; %d accepted\n",
		sum.Additive, sum.Subtractive, sum.Contradictory, sum.DanglingReference, sum.Accepted)
	return nil
}

func changePrefix(t diffmerge.ChangeType) string {
	switch t {
	case diffmerge.Added:
		return colors.Green("+")
	case diffmerge.Removed:
		return colors.Red("-")
	default:
		return colors.Blue("~")
	}
}
