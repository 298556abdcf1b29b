package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Load loads configuration from a file path. With an empty path the first
// existing file from ConfigPaths is used, or the defaults when none exists.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		for _, p := range ConfigPaths() {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := unmarshal(path, data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func unmarshal(path string, data []byte, cfg *Config) error {
	if isYAML(path) {
		return yaml.Unmarshal(data, cfg)
	}
	return toml.Unmarshal(data, cfg)
}

// applyEnvOverrides applies environment variable overrides to the configuration
func applyEnvOverrides(cfg *Config) error {
	// Agent overrides
	if v := os.Getenv("CRASHTRAIL_MAX_BREADCRUMBS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CRASHTRAIL_MAX_BREADCRUMBS: %w", err)
		}
		cfg.Agent.MaxBreadcrumbs = n
	}
	if v := os.Getenv("CRASHTRAIL_ERROR_BREADCRUMB"); v != "" {
		cfg.Agent.ErrorBreadcrumb = v
	}
	if v := os.Getenv("CRASHTRAIL_MAX_STACK_DEPTH"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CRASHTRAIL_MAX_STACK_DEPTH: %w", err)
		}
		cfg.Agent.MaxStackDepth = n
	}
	if v := os.Getenv("CRASHTRAIL_REPANIC"); v != "" {
		cfg.Agent.RepanicOnRecover = envBool(v)
	}
	if v := os.Getenv("CRASHTRAIL_CONTEXT"); v != "" {
		cfg.Agent.Context = v
	}
	if v := os.Getenv("CRASHTRAIL_USER_ID"); v != "" {
		cfg.Agent.UserID = v
	}
	if v := os.Getenv("CRASHTRAIL_TRIM_PATH_PREFIX"); v != "" {
		cfg.Agent.TrimPathPrefix = v
	}

	// Sampling overrides
	if v := os.Getenv("CRASHTRAIL_SAMPLING_ENABLED"); v != "" {
		cfg.Sampling.Enabled = envBool(v)
	}
	if v := os.Getenv("CRASHTRAIL_SAMPLING_WINDOW"); v != "" {
		cfg.Sampling.Window = v
	}

	// Delivery overrides
	if v := os.Getenv("CRASHTRAIL_DELIVERY_LOG"); v != "" {
		cfg.Delivery.LogEnabled = envBool(v)
	}
	if v := os.Getenv("CRASHTRAIL_DELIVERY_STORE"); v != "" {
		cfg.Delivery.StoreEnabled = envBool(v)
	}
	if v := os.Getenv("CRASHTRAIL_STORE_PATH"); v != "" {
		cfg.Delivery.StorePath = v
	}
	if v := os.Getenv("CRASHTRAIL_RATE_LIMIT"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("CRASHTRAIL_RATE_LIMIT: %w", err)
		}
		cfg.Delivery.RateLimit = f
	}

	// Flags overrides
	if v := os.Getenv("CRASHTRAIL_FLAGS_FILE"); v != "" {
		cfg.Flags.File = v
	}

	// Logging overrides
	if v := os.Getenv("CRASHTRAIL_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("CRASHTRAIL_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("CRASHTRAIL_LOG_OUTPUT"); v != "" {
		cfg.Logging.Output = v
	}

	// Metrics overrides
	if v := os.Getenv("CRASHTRAIL_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = envBool(v)
	}
	if v := os.Getenv("CRASHTRAIL_METRICS_LISTEN"); v != "" {
		cfg.Metrics.Listen = v
	}

	return nil
}

func envBool(v string) bool {
	return v == "true" || v == "1"
}

// Save saves the configuration to a file. The format follows the extension.
func Save(cfg *Config, path string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("cannot save invalid configuration: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Forward slashes keep Windows paths from being read as TOML escapes
	cfgCopy := *cfg
	cfgCopy.Delivery.StorePath = filepath.ToSlash(cfg.Delivery.StorePath)
	cfgCopy.Flags.File = filepath.ToSlash(cfg.Flags.File)

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(&cfgCopy)
	} else {
		data, err = toml.Marshal(&cfgCopy)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal configuration: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
