// Package cli implements the crashtrail command line
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/armorclaw/crashtrail/pkg/config"
	"github.com/armorclaw/crashtrail/pkg/logger"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:           "crashtrail",
	Short:         "Error and crash capture with breadcrumbs and feature flags",
	Long:          "Captures errors and panics together with the trail of breadcrumbs and the feature flags that led up to them, and keeps them in a local store for inspection.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (TOML or YAML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, paint(styleError, "Error: ")+err.Error())
		os.Exit(1)
	}
}

// loadConfig reads the configuration and initializes the global logger
func loadConfig() (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	l, err := logger.New(cfg.ToLoggerConfig())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger.SetGlobal(l)
	return cfg, l, nil
}
