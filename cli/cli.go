package cli

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/celebichrono/celebi/internal/cas"
	"github.com/celebichrono/celebi/internal/colors"
	"github.com/celebichrono/celebi/internal/config"
	"github.com/celebichrono/celebi/internal/ctxlog"
	"github.com/celebichrono/celebi/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "celebi",
	Short: "Provenance graph merging and impressions",
	Long: `celebi merges divergent provenance graphs of analysis objects and keeps
their content-addressed impressions up to date.`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize",
	Long:  "Creates the .celebi state directory with an empty store and object directory",
	Args:  cobra.NoArgs,
	RunE:  initCommand,
}

var (
	projectDir string
	logLevel   string
	logFormat  string
	noColor    bool

	cfg *config.Config
)

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&projectDir, "dir", "C", ".", "Project directory")
	pf.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	pf.StringVar(&logFormat, "log-format", "", "Log format: text or json")
	pf.BoolVar(&noColor, "no-color", false, "Disable colored output")

	rootCmd.AddCommand(initCmd)

	// Merge commands
	rootCmd.AddCommand(mergeCmd, diffCmd, logCmd)

	// Graph and impression commands
	rootCmd.AddCommand(checkCmd, impressCmd, verifyCmd, gcCmd)
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheExportCmd, cacheImportCmd)

	rootCmd.AddCommand(configCmd)
}

// setup loads configuration and installs the logger on the command context.
func setup(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = config.Load(config.DefaultPaths(projectDir))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	if noColor {
		cfg.Color.UI = false
	}
	colors.SetColorEnabled(cfg.Color.UI && colors.IsColorEnabled())

	logger, err := ctxlog.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	cmd.SetContext(ctxlog.WithLogger(cmd.Context(), logger))
	return nil
}

func stateDir() string {
	return filepath.Join(projectDir, config.StateDir)
}

func objectsDir() string {
	return filepath.Join(stateDir(), "objects")
}

// requireProject fails unless init has been run in projectDir.
func requireProject() error {
	if _, err := os.Stat(stateDir()); os.IsNotExist(err) {
		return fmt.Errorf("not a celebi project (no %s directory found, run: celebi init)", config.StateDir)
	}
	return nil
}

func openStore() (*store.SharedDB, error) {
	if err := requireProject(); err != nil {
		return nil, err
	}
	return store.Shared(stateDir())
}

func openObjects() (*cas.FileCAS, error) {
	if err := requireProject(); err != nil {
		return nil, err
	}
	return cas.NewFileCAS(objectsDir())
}

func initCommand(cmd *cobra.Command, args []string) error {
	if err := os.MkdirAll(objectsDir(), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	db, err := store.Shared(stateDir())
	if err != nil {
		return err
	}
	if err := db.Close(); err != nil {
		return err
	}
	log.Printf("Initialized celebi project in %s", stateDir())
	return nil
}
