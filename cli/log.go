package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/celebichrono/celebi/internal/colors"
	"github.com/celebichrono/celebi/internal/diffmerge"
)

var logCmd = &cobra.Command{
	Use:   "log [merge-id]",
	Short: "Show merge history",
	Long: `Display recorded merge attempts, newest first. With a merge id (or a unique
prefix of one), show that merge's decisions in full.

Examples:
  celebi log                  # Show all merges
  celebi log --oneline        # Show concise one-line format
  celebi log --limit 10       # Show only the last 10 merges
  celebi log 3f2a             # Show one merge
  celebi log 3f2a --json      # Dump the stored record`,
	Args: cobra.MaximumNArgs(1),
	RunE: runLog,
}

var (
	logOneline bool
	logLimit   int
	logJSON    bool
)

func init() {
	logCmd.Flags().BoolVar(&logOneline, "oneline", false, "Show one line per merge")
	logCmd.Flags().IntVar(&logLimit, "limit", 0, "Limit number of merges to show")
	logCmd.Flags().BoolVar(&logJSON, "json", false, "Print records as JSON")
}

func runLog(cmd *cobra.Command, args []string) error {
	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	var records []*diffmerge.MergeRecord
	if len(args) == 1 {
		rec, err := db.GetMerge(args[0])
		if err != nil {
			return err
		}
		records = append(records, rec)
	} else if records, err = db.ListMerges(logLimit); err != nil {
		return fmt.Errorf("failed to list merges: %w", err)
	}

	w := cmd.OutOrStdout()
	if logJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}
	if len(records) == 0 {
		fmt.Fprintln(w, colors.Gray("No merges recorded"))
		return nil
	}

	for i, rec := range records {
		if logOneline {
			fmt.Fprintf(w, "%s %-8s %-11s %d conflict(s)\n",
				colors.Yellow(shortID(rec.ID)), colors.Status(string(rec.Status)), rec.Strategy, rec.Summary.Total)
			continue
		}
		if i > 0 {
			fmt.Fprintln(w)
		}
		printRecord(w, rec, len(args) == 1)
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func printRecord(w io.Writer, rec *diffmerge.MergeRecord, full bool) {
	fmt.Fprintf(w, "%s %s\n", colors.Yellow("merge"), colors.Yellow(rec.ID))
	fmt.Fprintf(w, "Date:     %s\n", rec.CreatedAt.Local().Format("Mon Jan 2 15:04:05 2006 -0700"))
	fmt.Fprintf(w, "Strategy: %s\n", rec.Strategy)
	fmt.Fprintf(w, "Status:   %s\n", colors.Status(string(rec.Status)))
	if rec.Reason != "" {
		fmt.Fprintf(w, "Reason:   %s\n", rec.Reason)
	}
	s := rec.Summary
	fmt.Fprintf(w, "Summary:  %d accepted, %d additive, %d subtractive, %d contradictory, %d dangling\n",
		s.Accepted, s.Additive, s.Subtractive, s.Contradictory, s.DanglingReference)
	if rec.MergedFingerprint != "" {
		fmt.Fprintf(w, "Merged:   %s\n", rec.MergedFingerprint)
	}
	if !full {
		return
	}
	for _, e := range rec.Entries {
		line := fmt.Sprintf("    %-20s %-40s %s", colors.ConflictKind(string(e.Kind)), e.Subject, colors.Choice(string(e.Choice)))
		if e.Reason != "" {
			line += colors.Dim(" (" + e.Reason + ")")
		}
		fmt.Fprintln(w, line)
	}
	for _, r := range rec.Repairs {
		fmt.Fprintf(w, "    %s dropped %s, cycle %s\n", colors.Yellow("repair"), r.Edge, r.Cycle)
	}
	if rec.Cycle != "" {
		fmt.Fprintf(w, "    cycle: %s\n", rec.Cycle)
	}
}
