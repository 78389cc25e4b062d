package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"protoeval/internal/envman"
	"protoeval/internal/jobstore"
	"protoeval/internal/log"
)

// simulateScript runs inside the acquired interpreter and prints one JSON
// object describing the simulated run. The runlog has no JSON form of its
// own, so the wrapper formats it and counts commands.
const simulateScript = `
import json
import sys
from pathlib import Path
from opentrons.simulate import simulate, format_runlog

protocol = Path(sys.argv[1])
labware_dirs = [p for p in sys.argv[2].split(',') if p]
with protocol.open() as handle:
    runlog, _bundle = simulate(handle, custom_labware_paths=labware_dirs)
print(json.dumps({
    'formatted_runlog': format_runlog(runlog),
    'command_count': len(runlog),
}))
`

// simOutcome is the persisted simulation record. Status is "success",
// "skipped" or "error"; every shape carries enough to explain itself.
type simOutcome struct {
	Status     string          `json:"status"`
	Reason     string          `json:"reason,omitempty"`
	Simulation json.RawMessage `json:"simulation,omitempty"`
	Error      string          `json:"error,omitempty"`
	Output     string          `json:"output,omitempty"`
}

func (o simOutcome) doc() json.RawMessage {
	b, err := json.Marshal(o)
	if err != nil {
		return json.RawMessage(`{"status": "error", "error": "encode simulation outcome"}`)
	}
	return b
}

// simulationSkipReason reports why a job cannot be simulated, or "" when it
// can. Runtime parameter overrides and CSV inputs are not supported by the
// simulation entry point.
func simulationSkipReason(job *jobstore.Job) string {
	var reasons []string
	if len(job.Params) > 0 {
		reasons = append(reasons, "runtime parameter overrides are present")
	}
	if job.CSVFile != "" {
		reasons = append(reasons, "runtime parameter CSV input is provided")
	}
	if len(reasons) == 0 {
		return ""
	}
	return "Simulation skipped because " + strings.Join(reasons, " and ") + "."
}

// Simulate runs the protocol through the simulation entry point after a
// successful analysis. It is best-effort: every failure mode lands in the
// returned outcome document, and the only error it returns is a cancelled
// context, which means no outcome may be recorded at all.
func (r *Runner) Simulate(ctx context.Context, env *envman.Env, job *jobstore.Job) (json.RawMessage, error) {
	logger := log.WithJob(job.ID).With("component", "runner", "env", env.Name)

	if reason := simulationSkipReason(job); reason != "" {
		logger.Info("simulation skipped", "reason", reason)
		return simOutcome{Status: "skipped", Reason: reason}.doc(), nil
	}

	var labwareDirs []string
	seen := make(map[string]bool)
	for _, lw := range job.LabwareFiles {
		if dir := filepath.Dir(lw); !seen[dir] {
			seen[dir] = true
			labwareDirs = append(labwareDirs, dir)
		}
	}

	logger.Debug("spawning simulation", "timeout", r.timeout.String())

	cmd := exec.Command(env.Python, "-I", "-c", simulateScript,
		job.ProtocolFile, strings.Join(labwareDirs, ","))
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	out := &cappedBuffer{cap: maxOutputBytes}
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		return simOutcome{Status: "error", Error: "start interpreter: " + err.Error()}.doc(), nil
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	timeoutTimer := time.NewTimer(r.timeout)
	defer timeoutTimer.Stop()

	select {
	case <-ctx.Done():
		r.terminate(cmd, waitErr, logger)
		return nil, ctx.Err()

	case <-timeoutTimer.C:
		logger.Warn("simulation timed out, sending SIGTERM")
		r.terminate(cmd, waitErr, logger)
		return simOutcome{
			Status: "error",
			Error:  fmt.Sprintf("simulation timed out after %s", r.timeout),
			Output: r.excerpt(out.Bytes()),
		}.doc(), nil

	case err := <-waitErr:
		return r.interpretSimulation(err, out.Bytes(), logger), nil
	}
}

func (r *Runner) interpretSimulation(waitErr error, output []byte, logger *slog.Logger) json.RawMessage {
	exitCode := 0
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return simOutcome{Status: "error", Error: "wait for simulation: " + waitErr.Error()}.doc()
		}
		exitCode = exitErr.ExitCode()
		logger.Warn("simulation exited with non-zero status", "exit_code", exitCode)
	}

	obj, perr := ExtractFirstJSONObject(output)
	switch {
	case perr != nil:
		return simOutcome{
			Status: "error",
			Error:  perr.Error(),
			Output: r.excerpt(output),
		}.doc()
	case exitCode != 0:
		return simOutcome{
			Status:     "error",
			Error:      fmt.Sprintf("exit status %d", exitCode),
			Simulation: obj,
		}.doc()
	default:
		logger.Debug("simulation produced outcome", "result_bytes", len(obj))
		return simOutcome{Status: "success", Simulation: obj}.doc()
	}
}
