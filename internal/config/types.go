package config

import "time"

// Config represents the complete protoeval configuration.
type Config struct {
	Service      ServiceConfig      `yaml:"service"`
	Storage      StorageConfig      `yaml:"storage"`
	Environments EnvironmentsConfig `yaml:"environments"`
	Runner       RunnerConfig       `yaml:"runner"`
	API          APIConfig          `yaml:"api,omitempty"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name         string        `yaml:"name"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Workers      int           `yaml:"workers"`
	LogLevel     string        `yaml:"log_level"`
	// RecoverOnStart controls the startup requeue of abandoned running jobs.
	// Must be disabled when more than one processor instance shares the store.
	RecoverOnStart *bool `yaml:"recover_on_start,omitempty"`
}

// StorageConfig defines where job state lives.
type StorageConfig struct {
	// Driver selects the job store implementation: "fs" or "sqlite".
	Driver string `yaml:"driver"`
	// Root is the job directory tree for the fs driver.
	Root string `yaml:"root"`
	// StatePath is the sqlite database file for the sqlite driver.
	StatePath string `yaml:"state_path"`
}

// EnvironmentsConfig defines provisioning of per-version environments.
type EnvironmentsConfig struct {
	BaseDir        string        `yaml:"base_dir"`
	PythonBin      string        `yaml:"python_bin"`
	InstallTimeout time.Duration `yaml:"install_timeout"`
	// LatestSpec overrides the install spec the "latest" alias resolves to.
	LatestSpec string `yaml:"latest_spec,omitempty"`
	// Pins adds or overrides version-token → install-spec entries.
	Pins map[string]string `yaml:"pins,omitempty"`
}

// RunnerConfig bounds evaluation subprocess execution.
type RunnerConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	// MaxOutputExcerpt caps the diagnostic excerpt persisted on failure.
	MaxOutputExcerpt int `yaml:"max_output_excerpt"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is a single bearer token. Empty disables auth.
	APIKey string `yaml:"api_key"`
}

// ChecksumManifest is the parsed .checksums file.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	recover := true
	return &Config{
		Service: ServiceConfig{
			Name:           "protoeval",
			PollInterval:   5 * time.Second,
			Workers:        2,
			LogLevel:       "info",
			RecoverOnStart: &recover,
		},
		Storage: StorageConfig{
			Driver:    "fs",
			Root:      "./data/jobs",
			StatePath: "./data/state.db",
		},
		Environments: EnvironmentsConfig{
			BaseDir:        "./data/envs",
			PythonBin:      "python3",
			InstallTimeout: 10 * time.Minute,
		},
		Runner: RunnerConfig{
			Timeout:          2 * time.Minute,
			MaxOutputExcerpt: 4 * 1024,
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
	}
}

// Recover reports whether the startup recovery pass is enabled.
func (c *Config) Recover() bool {
	if c.Service.RecoverOnStart == nil {
		return true
	}
	return *c.Service.RecoverOnStart
}
