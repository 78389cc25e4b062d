package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"protoeval/internal/api"
	"protoeval/internal/config"
	"protoeval/internal/envman"
	"protoeval/internal/jobstore"
	"protoeval/internal/lock"
	"protoeval/internal/log"
	"protoeval/internal/processor"
	"protoeval/internal/registry"
	"protoeval/internal/runner"
	"protoeval/internal/storage"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "start":
		os.Exit(runStart(args))
	case "run":
		os.Exit(runOnce(args))
	case "versions":
		os.Exit(runVersions(args))
	case "config":
		os.Exit(runConfigNoun(args))
	case "version":
		fmt.Printf("protoeval version %s\n", version)
		os.Exit(0)
	case "help", "--help", "-h":
		printUsage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`protoeval - Asynchronous protocol evaluation service

Usage:
  protoeval <command> [flags]

Commands:
  start             Run the processing daemon in the foreground
  run               Process everything currently queued, then exit
  versions          List supported version tokens
  config lock       Authorize current configuration (update integrity hash)
  config check      Validate configuration syntax and integrity
  version           Show version information
  help              Show this help message
`)
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: protoeval config <lock|check> [flags]")
		return 1
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "lock":
		return runConfigLock(actionArgs)
	case "check":
		return runConfigCheck(actionArgs)
	case "help", "--help", "-h":
		fmt.Println("Usage: protoeval config <lock|check> [flags]")
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

// resolveConfigPath falls back to the discovery chain when no --config flag
// was given.
func resolveConfigPath(configPath string) (string, error) {
	if configPath != "" {
		return configPath, nil
	}
	return config.DiscoverConfigPath()
}

// components bundles everything a processing command needs.
type components struct {
	cfg   *config.Config
	store jobstore.Store
	db    *sql.DB
	proc  *processor.Processor
	reg   *registry.Registry
}

func (c *components) Close() {
	if c.db != nil {
		_ = c.db.Close()
	}
}

// buildComponents wires the store, environment manager, runner and processor
// from configuration.
func buildComponents(ctx context.Context, cfg *config.Config) (*components, error) {
	c := &components{cfg: cfg}

	switch cfg.Storage.Driver {
	case "sqlite":
		db, err := storage.OpenSQLite(ctx, cfg.Storage.StatePath)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		c.db = db
		store, err := jobstore.NewSQLite(db, cfg.Storage.Root)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		c.store = store
	default:
		store, err := jobstore.NewFS(cfg.Storage.Root)
		if err != nil {
			return nil, err
		}
		c.store = store
	}

	c.reg = registry.New(cfg.Environments.LatestSpec, cfg.Environments.Pins)
	envs, err := envman.New(cfg.Environments.BaseDir, cfg.Environments.PythonBin,
		cfg.Environments.InstallTimeout, c.reg)
	if err != nil {
		c.Close()
		return nil, err
	}

	run := runner.New(cfg.Runner.Timeout, cfg.Runner.MaxOutputExcerpt)
	c.proc = processor.New(c.store, envs, run, cfg.Service.Workers, cfg.Service.PollInterval)
	return c, nil
}

// pidLockPath derives the lock file location from the storage layout so two
// instances sharing a store collide on the same lock.
func pidLockPath(cfg *config.Config) string {
	if cfg.Storage.Driver == "sqlite" {
		return filepath.Join(filepath.Dir(cfg.Storage.StatePath), cfg.Service.Name+".pid")
	}
	return filepath.Join(filepath.Dir(cfg.Storage.Root), cfg.Service.Name+".pid")
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	resolved, err := resolveConfigPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
		return 1
	}

	cfg, err := config.Load(resolved)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("protoeval starting", "version", version, "config", resolved)

	lockPath := pidLockPath(cfg)
	pidLock, err := lock.Acquire(lockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)",
			"path", lockPath, "error", err)
		return 1
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", lockPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := buildComponents(ctx, cfg)
	if err != nil {
		logger.Error("failed to initialize components", "error", err)
		return 1
	}
	defer c.Close()

	// With the PID lock held no other local instance owns running jobs, so
	// anything still marked running was abandoned by a crash.
	if cfg.Recover() {
		if _, err := c.proc.RecoverAbandoned(ctx); err != nil {
			logger.Error("startup recovery failed", "error", err)
			return 1
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 2)
	go func() {
		if err := c.proc.Start(ctx); err != nil && err != context.Canceled {
			errCh <- fmt.Errorf("processor: %w", err)
		}
	}()

	if cfg.API.Enabled {
		apiServer := api.New(api.Config{
			Listen: cfg.API.Listen,
			APIKey: cfg.API.Auth.APIKey,
		}, c.store, c.reg, log.WithComponent("api"))
		go func() {
			if err := apiServer.Start(ctx); err != nil && err != context.Canceled {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	logger.Info("protoeval running (press Ctrl+C to stop)")

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		cancel()
		return 1
	}

	logger.Info("protoeval stopped")
	return 0
}

// runOnce performs a single pass over the queue. The exit code reflects the
// pass: non-zero when any job failed, so batch callers can gate on it.
func runOnce(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	resolved, err := resolveConfigPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
		return 1
	}

	cfg, err := config.Load(resolved)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")

	lockPath := pidLockPath(cfg)
	pidLock, err := lock.Acquire(lockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)",
			"path", lockPath, "error", err)
		return 1
	}
	defer pidLock.Release()

	ctx := context.Background()
	c, err := buildComponents(ctx, cfg)
	if err != nil {
		logger.Error("failed to initialize components", "error", err)
		return 1
	}
	defer c.Close()

	if cfg.Recover() {
		if _, err := c.proc.RecoverAbandoned(ctx); err != nil {
			logger.Error("startup recovery failed", "error", err)
			return 1
		}
	}

	summary, err := c.proc.RunOnce(ctx)
	if err != nil {
		logger.Error("queue pass failed", "error", err)
		return 1
	}

	fmt.Printf("claimed=%d completed=%d failed=%d skipped=%d\n",
		summary.Claimed, summary.Completed, summary.Failed, summary.Skipped)
	if summary.Failed > 0 {
		return 1
	}
	return 0
}

func runVersions(args []string) int {
	fs := flag.NewFlagSet("versions", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	// Versions work without a config file: the built-in table applies.
	cfg := config.Defaults()
	if resolved, err := resolveConfigPath(*configPath); err == nil {
		if loaded, err := config.Load(resolved); err == nil {
			cfg = loaded
		} else {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			return 1
		}
	}

	reg := registry.New(cfg.Environments.LatestSpec, cfg.Environments.Pins)
	if *jsonOut {
		out, _ := json.MarshalIndent(map[string]any{
			"versions":        reg.Tokens(),
			"api_version_map": registry.APIVersionMap(),
		}, "", "  ")
		fmt.Println(string(out))
		return 0
	}

	fmt.Println("Supported version tokens:")
	for _, token := range reg.Tokens() {
		fmt.Printf("  %s\n", token)
	}
	fmt.Println("\nProtocol API version mapping:")
	apiMap := registry.APIVersionMap()
	keys := make([]string, 0, len(apiMap))
	for k := range apiMap {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("  %s -> %s\n", k, apiMap[k])
	}
	return 0
}

func runConfigLock(args []string) int {
	fs := flag.NewFlagSet("lock", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	dryRun := fs.Bool("dry-run", false, "Compute the hash without writing .checksums")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	resolved, err := resolveConfigPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
		return 1
	}
	if info, err := os.Stat(resolved); err == nil && info.IsDir() {
		resolved = filepath.Join(resolved, "config.yaml")
	}

	hash, err := config.GenerateChecksums(resolved, *dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to lock config: %v\n", err)
		return 1
	}

	if *dryRun {
		fmt.Printf("Dry run: %s would be locked with hash %s\n", resolved, hash)
	} else {
		fmt.Printf("Locked %s (hash %s)\n", resolved, hash)
	}
	return 0
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	resolved, err := resolveConfigPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
		return 1
	}

	// Load performs syntax, default, validation and integrity checks.
	if _, err := config.Load(resolved); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration check FAILED: %v\n", err)
		return 1
	}

	fmt.Println("Configuration check PASSED.")
	return 0
}
