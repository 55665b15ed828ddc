package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/celebichrono/celebi/internal/colors"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Move the impression cache between projects",
}

var cacheExportCmd = &cobra.Command{
	Use:   "export <file.zst>",
	Short: "Write the impression cache to a compressed file",
	Args:  cobra.ExactArgs(1),
	RunE:  runCacheExport,
}

var cacheImportCmd = &cobra.Command{
	Use:   "import <file.zst>",
	Short: "Load impressions from a file written by cache export",
	Args:  cobra.ExactArgs(1),
	RunE:  runCacheImport,
}

var cacheReplace bool

func init() {
	cacheImportCmd.Flags().BoolVar(&cacheReplace, "replace", false, "Drop entries that are not in the file")
}

func runCacheExport(cmd *cobra.Command, args []string) error {
	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	f, err := os.Create(args[0])
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", args[0], err)
	}
	n, err := db.ExportImpressions(f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(args[0])
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %d impression(s) to %s\n", colors.SuccessText("Exported"), n, args[0])
	return nil
}

func runCacheImport(cmd *cobra.Command, args []string) error {
	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	n, err := db.ImportImpressions(f, cacheReplace)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %d impression(s) from %s\n", colors.SuccessText("Imported"), n, args[0])
	return nil
}
