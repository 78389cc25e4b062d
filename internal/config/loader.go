package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file. A directory may be given,
// in which case config.yaml inside it is used.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	interpolated := interpolateEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	applyDefaults(&cfg)

	// Verify the config file against .checksums when present in its directory.
	if err := verifyConfigHash(absPath); err != nil {
		return nil, err
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// DiscoverConfigPath finds the config file by checking standard locations.
// Priority order: $PROTOEVAL_CONFIG, ~/.config/protoeval, /etc/protoeval, ./config.yaml
func DiscoverConfigPath() (string, error) {
	if p := os.Getenv("PROTOEVAL_CONFIG"); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfigDir := filepath.Join(homeDir, ".config", "protoeval")
		if _, err := os.Stat(userConfigDir); err == nil {
			return userConfigDir, nil
		}
	}

	systemConfigDir := "/etc/protoeval"
	if _, err := os.Stat(systemConfigDir); err == nil {
		return systemConfigDir, nil
	}

	legacyConfigPath := "./config.yaml"
	if _, err := os.Stat(legacyConfigPath); err == nil {
		return legacyConfigPath, nil
	}

	return "", fmt.Errorf("no config found (checked: $PROTOEVAL_CONFIG, ~/.config/protoeval, /etc/protoeval, ./config.yaml)")
}

// applyDefaults merges default values into cfg where not explicitly set.
func applyDefaults(cfg *Config) {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.PollInterval == 0 {
		cfg.Service.PollInterval = defaults.Service.PollInterval
	}
	if cfg.Service.Workers == 0 {
		cfg.Service.Workers = defaults.Service.Workers
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.RecoverOnStart == nil {
		cfg.Service.RecoverOnStart = defaults.Service.RecoverOnStart
	}

	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = defaults.Storage.Driver
	}
	if cfg.Storage.Root == "" {
		cfg.Storage.Root = defaults.Storage.Root
	}
	if cfg.Storage.StatePath == "" {
		cfg.Storage.StatePath = defaults.Storage.StatePath
	}

	if cfg.Environments.BaseDir == "" {
		cfg.Environments.BaseDir = defaults.Environments.BaseDir
	}
	if cfg.Environments.PythonBin == "" {
		cfg.Environments.PythonBin = defaults.Environments.PythonBin
	}
	if cfg.Environments.InstallTimeout == 0 {
		cfg.Environments.InstallTimeout = defaults.Environments.InstallTimeout
	}

	if cfg.Runner.Timeout == 0 {
		cfg.Runner.Timeout = defaults.Runner.Timeout
	}
	if cfg.Runner.MaxOutputExcerpt == 0 {
		cfg.Runner.MaxOutputExcerpt = defaults.Runner.MaxOutputExcerpt
	}

	if !cfg.API.Enabled && cfg.API.Listen == "" {
		cfg.API = defaults.API
	}
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]

		if value, exists := os.LookupEnv(varName); exists {
			return value
		}

		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	if cfg.Service.PollInterval <= 0 {
		return fmt.Errorf("service.poll_interval must be positive")
	}
	if cfg.Service.Workers <= 0 {
		return fmt.Errorf("service.workers must be positive")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}

	switch cfg.Storage.Driver {
	case "fs":
		if cfg.Storage.Root == "" {
			return fmt.Errorf("storage.root is required for the fs driver")
		}
	case "sqlite":
		if cfg.Storage.StatePath == "" {
			return fmt.Errorf("storage.state_path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("storage.driver must be fs or sqlite (got %q)", cfg.Storage.Driver)
	}

	if cfg.Environments.BaseDir == "" {
		return fmt.Errorf("environments.base_dir is required")
	}
	if cfg.Environments.InstallTimeout <= 0 {
		return fmt.Errorf("environments.install_timeout must be positive")
	}
	for token, spec := range cfg.Environments.Pins {
		if token == "" || spec == "" {
			return fmt.Errorf("environments.pins entries must have non-empty token and spec")
		}
	}

	if cfg.Runner.Timeout <= 0 {
		return fmt.Errorf("runner.timeout must be positive")
	}

	if cfg.API.Enabled {
		if cfg.API.Listen == "" {
			return fmt.Errorf("api.listen is required when api.enabled is true")
		}
		if envVarPattern.MatchString(cfg.API.Auth.APIKey) {
			matches := envVarPattern.FindStringSubmatch(cfg.API.Auth.APIKey)
			if len(matches) > 1 {
				return fmt.Errorf("api.auth.api_key: environment variable ${%s} is not set", matches[1])
			}
			return fmt.Errorf("api.auth.api_key: unresolved environment variable")
		}
	}

	return nil
}
