package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/celebichrono/celebi/internal/colors"
	"github.com/celebichrono/celebi/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config [key] [value]",
	Short: "Get and set configuration options",
	Long: `Get and set celebi configuration options.

Configuration can be set at two levels:
- Global (~/.celebiconfig) - applies to all projects
- Project (.celebi/config) - applies to the current project only

Environment variables (CELEBI_MERGE_STRATEGY, CELEBI_IMPRESSION_PARALLELISM,
CELEBI_LOG_LEVEL, CELEBI_LOG_FORMAT, NO_COLOR) override both.

Examples:
  celebi config merge.strategy union
  celebi config --global impression.parallelism 8
  celebi config --list
  celebi config merge.strategy`,
	Args: cobra.MaximumNArgs(2),
	RunE: runConfig,
}

var (
	configGlobal bool
	configList   bool
)

func init() {
	configCmd.Flags().BoolVar(&configGlobal, "global", false, "Use global config file")
	configCmd.Flags().BoolVar(&configList, "list", false, "List all configuration")
}

func runConfig(cmd *cobra.Command, args []string) error {
	switch {
	case configList || len(args) == 0:
		return listConfig(cmd)
	case len(args) == 1:
		value, err := cfg.Get(args[0])
		if err != nil {
			return err
		}
		if value == "" {
			fmt.Fprintf(cmd.OutOrStdout(), "%s is %s\n", args[0], colors.Gray("(not set)"))
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), value)
		return nil
	default:
		return setConfigValue(cmd, args[0], args[1])
	}
}

func listConfig(cmd *cobra.Command) error {
	w := cmd.OutOrStdout()
	section := ""
	for _, key := range config.Keys() {
		value, err := cfg.Get(key)
		if err != nil {
			return err
		}
		if s, _, _ := strings.Cut(key, "."); s != section {
			if section != "" {
				fmt.Fprintln(w)
			}
			section = s
			fmt.Fprintln(w, colors.SectionHeader(section+":"))
		}
		if value == "" {
			value = colors.Gray("(not set)")
		} else {
			value = colors.InfoText(value)
		}
		fmt.Fprintf(w, "  %s = %s\n", key, value)
	}
	return nil
}

func setConfigValue(cmd *cobra.Command, key, value string) error {
	if err := config.SetValue(config.DefaultPaths(projectDir), key, value, configGlobal); err != nil {
		return err
	}

	scope := "project"
	if configGlobal {
		scope = "global"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s config: %s = %s\n",
		colors.SuccessText("Set"), scope, colors.Bold(key), colors.InfoText(value))
	return nil
}
