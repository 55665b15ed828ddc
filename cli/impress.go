package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/celebichrono/celebi/internal/colors"
	"github.com/celebichrono/celebi/internal/graph"
	"github.com/celebichrono/celebi/internal/impression"
	"github.com/celebichrono/celebi/internal/snapshot"
)

var checkCmd = &cobra.Command{
	Use:   "check <snapshot>",
	Short: "Validate a snapshot and print its topological order",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheck,
}

var impressCmd = &cobra.Command{
	Use:   "impress <snapshot>",
	Short: "Regenerate impressions for a snapshot",
	Long: `Bring the project's impression cache up to date with a snapshot. Nodes whose
own digest and dependency impressions are unchanged keep their impression;
everything else is recomputed in dependency order.

Examples:
  celebi impress graph.yaml
  celebi impress graph.yaml --parallel 8
  celebi impress graph.yaml --force --show`,
	Args: cobra.ExactArgs(1),
	RunE: runImpress,
}

var verifyCmd = &cobra.Command{
	Use:   "verify <snapshot>",
	Short: "Check the impression cache against a snapshot without changing it",
	Args:  cobra.ExactArgs(1),
	RunE:  runVerify,
}

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Delete impression manifests no longer referenced by the cache",
	Args:  cobra.NoArgs,
	RunE:  runGC,
}

var (
	impressForce    bool
	impressParallel int
	impressShow     bool
	gcGraceDays     int
	gcDryRun        bool
)

func init() {
	impressCmd.Flags().BoolVarP(&impressForce, "force", "f", false, "Recompute every impression")
	impressCmd.Flags().IntVarP(&impressParallel, "parallel", "j", 0, "Components regenerated at once (default from impression.parallelism)")
	impressCmd.Flags().BoolVar(&impressShow, "show", false, "Print every node's impression")

	gcCmd.Flags().IntVar(&gcGraceDays, "grace-days", -1, "Days an unreachable object is kept (default from impression.gc_grace_days)")
	gcCmd.Flags().BoolVarP(&gcDryRun, "dry-run", "n", false, "Report what would be deleted")
}

func runCheck(cmd *cobra.Command, args []string) error {
	g, err := snapshot.Load(args[0])
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	if err := graph.Validate(g); err != nil {
		fmt.Fprintf(w, "%s %v\n", colors.Status("failed"), err)
		return err
	}

	order, err := g.TopoOrder()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s %d node(s), %d edge(s), %d component(s)\n",
		colors.Status("ok"), g.NodeCount(), g.EdgeCount(), len(g.Components()))
	for i, id := range order {
		n, _ := g.Node(id)
		digest := colors.Gray("(no digest)")
		if !n.Digest.IsZero() {
			digest = n.Digest.Short()
		}
		fmt.Fprintf(w, "  %3d  %-10s %-30s %s\n", i+1, n.Kind, id, digest)
	}
	return nil
}

// regenerate runs impression regeneration against the project cache and
// persists the result.
func regenerate(cmd *cobra.Command, g *graph.Graph, force bool, parallel int) (*impression.Report, error) {
	db, err := openStore()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	prior, err := db.LoadImpressions()
	if err != nil {
		return nil, err
	}
	opts := impression.Options{Force: force, Parallelism: parallel}
	if cfg.Impression.Publish {
		objects, err := openObjects()
		if err != nil {
			return nil, err
		}
		opts.Sink = objects
	}

	rep, err := impression.Regenerate(cmd.Context(), g, prior, opts)
	if err != nil {
		return nil, err
	}
	if err := db.ApplyImpressions(rep.Updated, rep.Deleted); err != nil {
		return nil, fmt.Errorf("failed to save impressions: %w", err)
	}
	return rep, nil
}

func printRegenerateReport(w io.Writer, rep *impression.Report) {
	fmt.Fprintf(w, "Impressions: %d current, %d recomputed, %d removed, %d skipped\n",
		len(rep.Hits), len(rep.Misses), len(rep.Deleted), len(rep.Skipped))
	for _, f := range rep.Failures {
		fmt.Fprintf(w, "  %s %v\n", colors.Status("skipped"), f)
	}
}

func runImpress(cmd *cobra.Command, args []string) error {
	g, err := snapshot.Load(args[0])
	if err != nil {
		return err
	}
	if err := graph.Validate(g); err != nil {
		return err
	}

	parallel := impressParallel
	if parallel <= 0 {
		parallel = cfg.Impression.Parallelism
	}
	rep, err := regenerate(cmd, g, impressForce, parallel)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	printRegenerateReport(w, rep)
	if impressShow {
		for _, id := range g.IDs() {
			imp, ok := rep.Impression(id)
			if !ok {
				fmt.Fprintf(w, "  %-30s %s\n", id, colors.Status("skipped"))
				continue
			}
			fmt.Fprintf(w, "  %-30s %s\n", id, imp)
		}
	}
	return nil
}

func runVerify(cmd *cobra.Command, args []string) error {
	g, err := snapshot.Load(args[0])
	if err != nil {
		return err
	}
	if err := graph.Validate(g); err != nil {
		return err
	}
	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	snap, err := db.LoadImpressions()
	if err != nil {
		return err
	}
	rep, err := impression.Verify(cmd.Context(), g, snap)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	listIDs(w, "missing", rep.Missing)
	listIDs(w, "stale", rep.Stale)
	listIDs(w, "corrupt", rep.Corrupt)
	listIDs(w, "orphaned", rep.Orphaned)
	for _, f := range rep.Unresolved {
		fmt.Fprintf(w, "  %-9s %v\n", colors.Status("skipped"), f)
	}
	if !rep.OK() {
		return fmt.Errorf("impression cache is inconsistent with %s (run: celebi impress %s)", args[0], args[0])
	}
	fmt.Fprintf(w, "%s %d impression(s) current\n", colors.Status("ok"), rep.Checked)
	return nil
}

func listIDs(w io.Writer, label string, ids []graph.NodeID) {
	for _, id := range ids {
		fmt.Fprintf(w, "  %-9s %s\n", colors.Status(label), id)
	}
}

func runGC(cmd *cobra.Command, args []string) error {
	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()
	objects, err := openObjects()
	if err != nil {
		return err
	}

	snap, err := db.LoadImpressions()
	if err != nil {
		return err
	}
	grace := cfg.GCGrace()
	if gcGraceDays >= 0 {
		grace = time.Duration(gcGraceDays) * 24 * time.Hour
	}

	rep, err := impression.GC(cmd.Context(), objects, snap, db, impression.GCOptions{Grace: grace, DryRun: gcDryRun})
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	verb := "Deleted"
	if gcDryRun {
		verb = colors.Status("dry-run") + ": would delete"
	}
	fmt.Fprintf(w, "%d live, %d unreachable. %s %d object(s), %d bytes\n",
		rep.Live, len(rep.Unreachable), verb, len(rep.Deleted), rep.Bytes)
	return nil
}
