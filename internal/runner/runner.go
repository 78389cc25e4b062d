// Package runner executes one evaluation inside a provisioned environment
// and turns the subprocess outcome into a result or a classified error.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"syscall"
	"time"

	"protoeval/internal/envman"
	"protoeval/internal/jobstore"
	"protoeval/internal/log"
)

const (
	// maxOutputBytes caps the combined output kept in memory.
	maxOutputBytes = 64 * 1024

	// terminationGracePeriod is the time we wait after SIGTERM before
	// sending SIGKILL.
	terminationGracePeriod = 5 * time.Second
)

// Runner spawns the evaluation command with a hard timeout.
type Runner struct {
	timeout    time.Duration
	maxExcerpt int
}

// New returns a Runner. maxExcerpt bounds the output excerpt attached to
// errors; zero falls back to 4 KiB.
func New(timeout time.Duration, maxExcerpt int) *Runner {
	if maxExcerpt <= 0 {
		maxExcerpt = 4 * 1024
	}
	return &Runner{timeout: timeout, maxExcerpt: maxExcerpt}
}

// cappedBuffer keeps the last cap bytes written, so a chatty subprocess
// cannot grow memory without bound. The result object is emitted at the end
// of the stream, so the tail is the part worth keeping.
type cappedBuffer struct {
	buf bytes.Buffer
	cap int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	n, err := b.buf.Write(p)
	if b.buf.Len() > b.cap {
		trimmed := b.buf.Bytes()[b.buf.Len()-b.cap:]
		var next bytes.Buffer
		next.Write(trimmed)
		b.buf = next
	}
	return n, err
}

func (b *cappedBuffer) Bytes() []byte { return b.buf.Bytes() }

// Evaluate runs the job's protocol inside env and returns the extracted JSON
// result. The subprocess may exit non-zero and still yield a valid result
// (evaluation failures are reported inside the result document); only a run
// with no extractable JSON becomes an error here.
func (r *Runner) Evaluate(ctx context.Context, env *envman.Env, job *jobstore.Job) (json.RawMessage, error) {
	logger := log.WithJob(job.ID).With("component", "runner", "env", env.Name)

	args := []string{"-I", "-m", "opentrons.cli", "analyze", "--json-output", "-"}
	if len(job.Params) > 0 {
		args = append(args, "--rtp-values", string(job.Params))
	}
	// A CSV upload is not a positional input; the tool takes it as a runtime
	// parameter map keyed by the variable name the protocol declares.
	if job.CSVFile != "" {
		names := csvParameterNames(job.ProtocolFile)
		switch {
		case len(names) > 1:
			return nil, fmt.Errorf("protocol declares %d csv parameters, only one is supported", len(names))
		case len(names) == 0:
			logger.Warn("csv input uploaded but protocol declares no csv parameter", "csv", job.CSVFile)
		default:
			fileMap, err := json.Marshal(map[string]string{names[0]: job.CSVFile})
			if err != nil {
				return nil, fmt.Errorf("encode csv parameter map: %w", err)
			}
			args = append(args, "--rtp-files", string(fileMap))
		}
	}
	args = append(args, job.ProtocolFile)
	args = append(args, job.LabwareFiles...)
	logger.Debug("spawning evaluation", "timeout", r.timeout.String())

	// Timeout is enforced manually so the process gets SIGTERM and a grace
	// period instead of the immediate SIGKILL CommandContext would send.
	// The evaluation runs in its own process group so termination reaches
	// any children it spawned, not just the interpreter.
	cmd := exec.Command(env.Python, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	out := &cappedBuffer{cap: maxOutputBytes}
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		return nil, &EnvironmentFaultError{Env: env.Name, Err: fmt.Errorf("start interpreter: %w", err)}
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
		logger.Warn("evaluation timed out, sending SIGTERM")
		r.terminate(cmd, waitErr, logger)
		return nil, &TimeoutError{Timeout: r.timeout, Excerpt: r.excerpt(out.Bytes())}

	case err := <-waitErr:
		return r.interpret(err, out.Bytes(), logger)
	}
}

func (r *Runner) terminate(cmd *exec.Cmd, waitErr chan error, logger *slog.Logger) {
	if cmd.Process != nil {
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	grace := time.NewTimer(terminationGracePeriod)
	defer grace.Stop()
	select {
	case <-waitErr:
	case <-grace.C:
		logger.Warn("evaluation did not exit after SIGTERM, sending SIGKILL")
		if cmd.Process != nil {
			_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		<-waitErr
	}
}

func (r *Runner) interpret(waitErr error, output []byte, logger *slog.Logger) (json.RawMessage, error) {
	exitCode := 0
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return nil, fmt.Errorf("wait for evaluation: %w", waitErr)
		}
		exitCode = exitErr.ExitCode()
		logger.Warn("evaluation exited with non-zero status", "exit_code", exitCode)
	}

	result, perr := ExtractFirstJSONObject(output)
	if perr == nil {
		logger.Debug("evaluation produced result", "exit_code", exitCode, "result_bytes", len(result))
		return result, nil
	}

	if exitCode != 0 {
		return nil, &EvaluationError{ExitCode: exitCode, Excerpt: r.excerpt(output)}
	}
	return nil, &OutputParseError{Reason: perr.Error(), Excerpt: r.excerpt(output)}
}

func (r *Runner) excerpt(output []byte) string {
	if len(output) > r.maxExcerpt {
		output = output[:r.maxExcerpt]
	}
	return string(output)
}
