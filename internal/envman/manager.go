// Package envman provisions and caches one Python virtual environment per
// resolved version spec. Environments are built lazily on first acquire,
// reused across jobs, and rebuilt after being marked invalid.
package envman

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"protoeval/internal/log"
	"protoeval/internal/registry"
)

// readyMarker is written into an environment directory only after every
// install step succeeded. A directory without it is a torn build and gets
// wiped on the next acquire.
const readyMarker = ".provisioned"

// installOutputCap bounds the installer output kept for diagnostics.
const installOutputCap = 64 * 1024

type state int

const (
	stateAbsent state = iota
	stateReady
	stateInvalid
)

// Env is a usable, provisioned environment.
type Env struct {
	// Name identifies the environment, e.g. "opentrons-8.7.0".
	Name string
	// Dir is the virtual environment root.
	Dir string
	// Python is the interpreter inside the environment.
	Python string
	// InstallSpecs are the pins this environment was built from.
	InstallSpecs []string
}

// ProvisioningError means the environment could not be built. Output carries
// a bounded excerpt of the installer's combined output.
type ProvisioningError struct {
	Token  string
	Step   string
	Output string
	Err    error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provision environment for %q: %s: %v", e.Token, e.Step, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// entry serializes all work on one environment name. Concurrent acquires for
// the same name queue on mu; the winner provisions and the rest observe the
// outcome.
type entry struct {
	mu    sync.Mutex
	state state
	env   *Env
}

// Manager resolves version tokens through the registry and maintains the
// environment cache under baseDir.
type Manager struct {
	baseDir        string
	pythonBin      string
	installTimeout time.Duration
	reg            *registry.Registry

	mu      sync.Mutex
	entries map[string]*entry
}

// New returns a Manager storing environments under baseDir and building them
// with pythonBin.
func New(baseDir, pythonBin string, installTimeout time.Duration, reg *registry.Registry) (*Manager, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("environment base directory is empty")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create environment base directory: %w", err)
	}
	return &Manager{
		baseDir:        baseDir,
		pythonBin:      pythonBin,
		installTimeout: installTimeout,
		reg:            reg,
		entries:        make(map[string]*entry),
	}, nil
}

func (m *Manager) entryFor(name string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[name]
	if !ok {
		e = &entry{}
		m.entries[name] = e
	}
	return e
}

// Acquire resolves token and returns a ready environment, provisioning it if
// needed. The install spec is pinned at resolve time, so a later retarget of
// the "latest" alias never changes an environment already handed out.
func (m *Manager) Acquire(ctx context.Context, token string) (*Env, error) {
	spec, err := m.reg.Resolve(token)
	if err != nil {
		return nil, err
	}

	e := m.entryFor(spec.Name)
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case stateReady:
		return e.env, nil
	case stateInvalid:
		log.WithComponent("envman").Warn("rebuilding invalidated environment",
			"env", spec.Name)
		if err := os.RemoveAll(filepath.Join(m.baseDir, spec.Name)); err != nil {
			return nil, fmt.Errorf("remove invalidated environment: %w", err)
		}
		e.state = stateAbsent
		e.env = nil
	}

	env, err := m.provision(ctx, token, spec)
	if err != nil {
		return nil, err
	}
	e.state = stateReady
	e.env = env
	return env, nil
}

// Invalidate marks an environment unusable. The directory is removed lazily
// by the next Acquire for the same name.
func (m *Manager) Invalidate(name string) {
	e := m.entryFor(name)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == stateReady {
		log.WithComponent("envman").Warn("environment invalidated", "env", name)
	}
	e.state = stateInvalid
	e.env = nil
}

// provision builds the virtual environment. An existing directory with the
// ready marker is reused; one without it is a leftover from an interrupted
// build and gets replaced.
func (m *Manager) provision(ctx context.Context, token string, spec registry.ProvisioningSpec) (*Env, error) {
	dir := filepath.Join(m.baseDir, spec.Name)
	env := &Env{
		Name:         spec.Name,
		Dir:          dir,
		Python:       filepath.Join(dir, "bin", "python"),
		InstallSpecs: spec.InstallSpecs,
	}

	if _, err := os.Stat(filepath.Join(dir, readyMarker)); err == nil {
		return env, nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("remove stale environment: %w", err)
	}

	logger := log.WithVersion(token).With("component", "envman")
	logger.Info("provisioning environment",
		"env", spec.Name, "specs", strings.Join(spec.InstallSpecs, " "))
	start := time.Now()

	if out, err := m.runInstallStep(ctx, m.pythonBin, "-m", "venv", dir); err != nil {
		_ = os.RemoveAll(dir)
		return nil, &ProvisioningError{Token: token, Step: "create venv", Output: out, Err: err}
	}

	pip := filepath.Join(dir, "bin", "pip")
	args := append([]string{"install", "--disable-pip-version-check"}, spec.InstallSpecs...)
	if out, err := m.runInstallStep(ctx, pip, args...); err != nil {
		_ = os.RemoveAll(dir)
		return nil, &ProvisioningError{Token: token, Step: "pip install", Output: out, Err: err}
	}

	marker := strings.Join(spec.InstallSpecs, "\n") + "\n"
	if err := os.WriteFile(filepath.Join(dir, readyMarker), []byte(marker), 0o644); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("write ready marker: %w", err)
	}

	logger.Info("environment ready", "env", spec.Name,
		"elapsed", time.Since(start).Round(time.Millisecond).String())
	return env, nil
}

func (m *Manager) runInstallStep(ctx context.Context, bin string, args ...string) (string, error) {
	if m.installTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.installTimeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, bin, args...)
	// A killed installer can leave children holding the output pipes; don't
	// let that stall the wait forever.
	cmd.WaitDelay = 5 * time.Second
	out, err := cmd.CombinedOutput()
	if len(out) > installOutputCap {
		out = out[len(out)-installOutputCap:]
	}
	if ctx.Err() == context.DeadlineExceeded {
		return string(out), fmt.Errorf("timed out after %s", m.installTimeout)
	}
	return string(out), err
}
