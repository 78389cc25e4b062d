// Package processor drains the job queue: it claims queued jobs through the
// store's compare-and-set, acquires the matching environment, runs the
// evaluation, and records the terminal state. One job's failure never stops
// the loop.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"protoeval/internal/envman"
	"protoeval/internal/jobstore"
	"protoeval/internal/log"
	"protoeval/internal/registry"
	"protoeval/internal/runner"
)

// maxErrorMessage bounds the failure message persisted with a job.
const maxErrorMessage = 4 * 1024

// Summary reports what one pass over the queue did.
type Summary struct {
	Claimed   int
	Completed int
	Failed    int
	// Skipped counts jobs lost to another claimant.
	Skipped int
}

// Processor runs queued jobs with a bounded worker pool.
type Processor struct {
	store   JobStore
	envs    Environments
	eval    Evaluator
	workers int
	poll    time.Duration
	logger  *slog.Logger
}

// New creates a Processor. workers bounds concurrent evaluations; poll is the
// daemon-mode queue scan interval.
func New(store JobStore, envs Environments, eval Evaluator, workers int, poll time.Duration) *Processor {
	if workers < 1 {
		workers = 1
	}
	return &Processor{
		store:   store,
		envs:    envs,
		eval:    eval,
		workers: workers,
		poll:    poll,
		logger:  log.WithComponent("processor"),
	}
}

// RecoverAbandoned returns jobs stranded in the running state to the queue.
// Call once at startup, under the single-instance lock, before any worker
// claims anything.
func (p *Processor) RecoverAbandoned(ctx context.Context) (int, error) {
	n, err := p.store.RequeueAbandoned(ctx)
	if err != nil {
		return 0, fmt.Errorf("recover abandoned jobs: %w", err)
	}
	if n > 0 {
		p.logger.Info("recovered abandoned jobs", "count", n)
	}
	return n, nil
}

// Start runs the daemon loop until ctx is cancelled. Scan errors are logged
// and the loop keeps going.
func (p *Processor) Start(ctx context.Context) error {
	p.logger.Info("processing loop started", "workers", p.workers, "poll_interval", p.poll.String())
	defer p.logger.Info("processing loop stopped")

	ticker := time.NewTicker(p.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := p.RunOnce(ctx); err != nil {
				p.logger.Error("queue pass failed", "error", err)
			}
		}
	}
}

// RunOnce scans the queue once and processes everything queued at scan time.
// It returns after all claimed jobs reach a terminal state. Store durability
// errors end the pass; per-job evaluation failures do not.
func (p *Processor) RunOnce(ctx context.Context) (Summary, error) {
	queued, err := p.store.ListQueued(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("list queued jobs: %w", err)
	}
	if len(queued) == 0 {
		return Summary{}, nil
	}

	jobs := make(chan *jobstore.Job)
	var (
		mu       sync.Mutex
		summary  Summary
		firstErr error
	)
	record := func(f func(*Summary), err error) {
		mu.Lock()
		defer mu.Unlock()
		if f != nil {
			f(&summary)
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				p.runJob(ctx, job, record)
			}
		}()
	}

	for _, job := range queued {
		select {
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return summary, ctx.Err()
		case jobs <- job:
		}
	}
	close(jobs)
	wg.Wait()

	if summary.Claimed > 0 || summary.Skipped > 0 {
		p.logger.Info("queue pass finished",
			"claimed", summary.Claimed, "completed", summary.Completed,
			"failed", summary.Failed, "skipped", summary.Skipped)
	}
	return summary, firstErr
}

func (p *Processor) runJob(ctx context.Context, job *jobstore.Job, record func(func(*Summary), error)) {
	logger := log.WithJob(job.ID).With("component", "processor", "version_token", job.VersionToken)

	err := p.store.Transition(ctx, job.ID, jobstore.StatusQueued, jobstore.StatusRunning, nil)
	if err != nil {
		var conflict *jobstore.ConflictError
		var notFound *jobstore.NotFoundError
		if errors.As(err, &conflict) || errors.As(err, &notFound) {
			logger.Debug("claim lost", "error", err)
			record(func(s *Summary) { s.Skipped++ }, nil)
			return
		}
		record(nil, fmt.Errorf("claim job %s: %w", job.ID, err))
		return
	}
	record(func(s *Summary) { s.Claimed++ }, nil)
	logger.Info("job claimed")

	result, simulation, jobErr, interrupted := p.evaluate(ctx, job, logger)
	if interrupted != nil {
		// Shutdown caught the job mid-run. Leave it running: the startup
		// recovery pass returns it to the queue, and a terminal state here
		// would misreport an outcome the tool never produced.
		logger.Info("evaluation interrupted, leaving job for recovery", "error", interrupted)
		return
	}
	if jobErr != nil {
		err := p.store.Transition(ctx, job.ID, jobstore.StatusRunning, jobstore.StatusFailed,
			&jobstore.TransitionPayload{Error: jobErr})
		if err != nil {
			record(func(s *Summary) { s.Failed++ }, fmt.Errorf("record failure for job %s: %w", job.ID, err))
			return
		}
		logger.Warn("job failed", "category", string(jobErr.Category))
		record(func(s *Summary) { s.Failed++ }, nil)
		return
	}

	err = p.store.Transition(ctx, job.ID, jobstore.StatusRunning, jobstore.StatusCompleted,
		&jobstore.TransitionPayload{Result: result, Simulation: simulation})
	if err != nil {
		record(nil, fmt.Errorf("record result for job %s: %w", job.ID, err))
		return
	}
	logger.Info("job completed")
	record(func(s *Summary) { s.Completed++ }, nil)
}

// evaluate maps every way a run can go wrong onto the persisted error
// taxonomy. A nil JobError means result holds the evaluation output and
// simulation the simulation outcome. A non-nil interruption error means the
// context was cancelled mid-run and no terminal state may be recorded.
func (p *Processor) evaluate(ctx context.Context, job *jobstore.Job, logger *slog.Logger) ([]byte, []byte, *jobstore.JobError, error) {
	env, err := p.envs.Acquire(ctx, job.VersionToken)
	if err != nil {
		if interrupted := interruption(ctx, err); interrupted != nil {
			return nil, nil, nil, interrupted
		}
		var unknown *registry.NotFoundError
		var prov *envman.ProvisioningError
		switch {
		case errors.As(err, &unknown):
			return nil, nil, jobError(jobstore.CategoryEnvironmentUnavailable, err.Error(), ""), nil
		case errors.As(err, &prov):
			logger.Error("environment provisioning failed", "error", err)
			return nil, nil, jobError(jobstore.CategoryEnvironmentUnavailable, err.Error(), prov.Output), nil
		default:
			logger.Error("environment acquisition failed", "error", err)
			return nil, nil, jobError(jobstore.CategoryEnvironmentUnavailable, err.Error(), ""), nil
		}
	}

	result, err := p.eval.Evaluate(ctx, env, job)
	if err == nil {
		simulation, simErr := p.eval.Simulate(ctx, env, job)
		if interrupted := interruption(ctx, simErr); interrupted != nil {
			return nil, nil, nil, interrupted
		}
		return result, simulation, nil, nil
	}

	if interrupted := interruption(ctx, err); interrupted != nil {
		return nil, nil, nil, interrupted
	}

	var timeout *runner.TimeoutError
	var parse *runner.OutputParseError
	var evalErr *runner.EvaluationError
	var fault *runner.EnvironmentFaultError
	switch {
	case errors.As(err, &timeout):
		return nil, nil, jobError(jobstore.CategoryTimeout, err.Error(), timeout.Excerpt), nil
	case errors.As(err, &parse):
		return nil, nil, jobError(jobstore.CategoryOutputParse, err.Error(), parse.Excerpt), nil
	case errors.As(err, &evalErr):
		return nil, nil, jobError(jobstore.CategoryEvaluation, err.Error(), evalErr.Excerpt), nil
	case errors.As(err, &fault):
		// The environment is broken, not the protocol. Invalidate it so the
		// next job for this version rebuilds.
		logger.Error("environment fault, invalidating", "env", env.Name, "error", err)
		p.envs.Invalidate(env.Name)
		return nil, nil, jobError(jobstore.CategoryEnvironmentFault, err.Error(), ""), nil
	default:
		return nil, nil, jobError(jobstore.CategoryEvaluation, err.Error(), ""), nil
	}
}

// interruption reports whether err is really a shutdown signal rather than a
// job outcome. A cancelled context makes any subprocess error ambiguous, so
// once ctx is done everything counts as interruption.
func interruption(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

func jobError(category jobstore.ErrorCategory, message, excerpt string) *jobstore.JobError {
	if excerpt = strings.TrimSpace(excerpt); excerpt != "" {
		message = message + "\n" + excerpt
	}
	if len(message) > maxErrorMessage {
		message = message[:maxErrorMessage]
	}
	return &jobstore.JobError{Category: category, Message: message}
}
