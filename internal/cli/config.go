package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/armorclaw/crashtrail/pkg/config"
)

var configForce bool

func init() {
	configInitCmd.Flags().BoolVarP(&configForce, "force", "f", false, "overwrite an existing file")
	configCmd.AddCommand(configInitCmd, configValidateCmd, configPathsCmd)
	rootCmd.AddCommand(configCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the crashtrail configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a default configuration file",
	Long:  "Writes the default configuration to path (default ./crashtrail.toml). A .yaml or .yml extension writes YAML.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runConfigInit,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate [path]",
	Short: "Check a configuration file",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runConfigValidate,
}

var configPathsCmd = &cobra.Command{
	Use:   "paths",
	Short: "List the locations searched for a configuration file",
	Run: func(cmd *cobra.Command, args []string) {
		for _, p := range config.ConfigPaths() {
			marker := paint(styleDim, "-")
			if _, err := os.Stat(p); err == nil {
				marker = paint(styleOK, "✓")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", marker, p)
		}
	},
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := "./crashtrail.toml"
	if len(args) == 1 {
		path = args[0]
	}

	if _, err := os.Stat(path); err == nil && !configForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	if err := config.Save(config.DefaultConfig(), path); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s wrote %s\n", paint(styleOK, "✓"), path)
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	path := configPath
	if len(args) == 1 {
		path = args[0]
	}

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s configuration is valid\n", paint(styleOK, "✓"))
	fmt.Fprintf(out, "  breadcrumbs: %d (%s)\n", cfg.Agent.MaxBreadcrumbs, cfg.Agent.ErrorBreadcrumb)
	fmt.Fprintf(out, "  sampling:    %v\n", cfg.Sampling.Enabled)
	fmt.Fprintf(out, "  store:       %v\n", cfg.Delivery.StoreEnabled)
	fmt.Fprintf(out, "  metrics:     %v\n", cfg.Metrics.Enabled)
	return nil
}
