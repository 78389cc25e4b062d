package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"protoeval/internal/envman"
	"protoeval/internal/jobstore"
	"protoeval/internal/processor/mocks"
	"protoeval/internal/runner"
)

func queuedJob(id string) *jobstore.Job {
	return &jobstore.Job{
		ID:           id,
		VersionToken: "8.7.0",
		ProtocolFile: "/data/jobs/" + id + "/protocol.py",
		Status:       jobstore.StatusQueued,
	}
}

func readyEnv() *envman.Env {
	return &envman.Env{Name: "opentrons-8.7.0", Python: "/envs/opentrons-8.7.0/bin/python"}
}

// failedWith matches a transition payload carrying an error of one category.
type failedWith struct {
	category jobstore.ErrorCategory
}

func (m failedWith) Matches(x interface{}) bool {
	p, ok := x.(*jobstore.TransitionPayload)
	return ok && p != nil && p.Error != nil && p.Error.Category == m.category
}

func (m failedWith) String() string {
	return fmt.Sprintf("payload with error category %q", m.category)
}

func TestRunOnceCompletesJob(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := mocks.NewMockJobStore(ctrl)
	envs := mocks.NewMockEnvironments(ctrl)
	eval := mocks.NewMockEvaluator(ctrl)

	job := queuedJob("job-1")
	result := json.RawMessage(`{"commands": [], "errors": []}`)
	simulation := json.RawMessage(`{"status": "success"}`)

	store.EXPECT().ListQueued(gomock.Any()).Return([]*jobstore.Job{job}, nil)
	store.EXPECT().Transition(gomock.Any(), "job-1", jobstore.StatusQueued, jobstore.StatusRunning, nil).Return(nil)
	envs.EXPECT().Acquire(gomock.Any(), "8.7.0").Return(readyEnv(), nil)
	eval.EXPECT().Evaluate(gomock.Any(), gomock.Any(), job).Return(result, nil)
	eval.EXPECT().Simulate(gomock.Any(), gomock.Any(), job).Return(simulation, nil)
	store.EXPECT().Transition(gomock.Any(), "job-1", jobstore.StatusRunning, jobstore.StatusCompleted,
		&jobstore.TransitionPayload{Result: result, Simulation: simulation}).Return(nil)

	p := New(store, envs, eval, 2, time.Second)
	summary, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{Claimed: 1, Completed: 1}, summary)
}

func TestRunOnceEmptyQueue(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := mocks.NewMockJobStore(ctrl)
	store.EXPECT().ListQueued(gomock.Any()).Return(nil, nil)

	p := New(store, mocks.NewMockEnvironments(ctrl), mocks.NewMockEvaluator(ctrl), 2, time.Second)
	summary, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{}, summary)
}

func TestRunOnceSkipsLostClaim(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := mocks.NewMockJobStore(ctrl)
	envs := mocks.NewMockEnvironments(ctrl)
	eval := mocks.NewMockEvaluator(ctrl)

	job := queuedJob("job-1")
	store.EXPECT().ListQueued(gomock.Any()).Return([]*jobstore.Job{job}, nil)
	store.EXPECT().Transition(gomock.Any(), "job-1", jobstore.StatusQueued, jobstore.StatusRunning, nil).
		Return(&jobstore.ConflictError{JobID: "job-1", Expected: jobstore.StatusQueued, Actual: jobstore.StatusRunning})

	p := New(store, envs, eval, 1, time.Second)
	summary, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{Skipped: 1}, summary)
}

func TestRunOnceProvisioningFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := mocks.NewMockJobStore(ctrl)
	envs := mocks.NewMockEnvironments(ctrl)
	eval := mocks.NewMockEvaluator(ctrl)

	job := queuedJob("job-1")
	store.EXPECT().ListQueued(gomock.Any()).Return([]*jobstore.Job{job}, nil)
	store.EXPECT().Transition(gomock.Any(), "job-1", jobstore.StatusQueued, jobstore.StatusRunning, nil).Return(nil)
	envs.EXPECT().Acquire(gomock.Any(), "8.7.0").
		Return(nil, &envman.ProvisioningError{
			Token:  "8.7.0",
			Step:   "pip install",
			Output: "ERROR: no matching distribution",
			Err:    fmt.Errorf("exit status 1"),
		})
	store.EXPECT().Transition(gomock.Any(), "job-1", jobstore.StatusRunning, jobstore.StatusFailed,
		failedWith{jobstore.CategoryEnvironmentUnavailable}).Return(nil)

	p := New(store, envs, eval, 1, time.Second)
	summary, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{Claimed: 1, Failed: 1}, summary)
}

func TestRunOnceEnvironmentFaultInvalidates(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := mocks.NewMockJobStore(ctrl)
	envs := mocks.NewMockEnvironments(ctrl)
	eval := mocks.NewMockEvaluator(ctrl)

	job := queuedJob("job-1")
	env := readyEnv()
	store.EXPECT().ListQueued(gomock.Any()).Return([]*jobstore.Job{job}, nil)
	store.EXPECT().Transition(gomock.Any(), "job-1", jobstore.StatusQueued, jobstore.StatusRunning, nil).Return(nil)
	envs.EXPECT().Acquire(gomock.Any(), "8.7.0").Return(env, nil)
	eval.EXPECT().Evaluate(gomock.Any(), env, job).
		Return(nil, &runner.EnvironmentFaultError{Env: env.Name, Err: fmt.Errorf("start interpreter: no such file")})
	envs.EXPECT().Invalidate(env.Name)
	store.EXPECT().Transition(gomock.Any(), "job-1", jobstore.StatusRunning, jobstore.StatusFailed,
		failedWith{jobstore.CategoryEnvironmentFault}).Return(nil)

	p := New(store, envs, eval, 1, time.Second)
	summary, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{Claimed: 1, Failed: 1}, summary)
}

func TestRunOnceTimeoutCategory(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := mocks.NewMockJobStore(ctrl)
	envs := mocks.NewMockEnvironments(ctrl)
	eval := mocks.NewMockEvaluator(ctrl)

	job := queuedJob("job-1")
	store.EXPECT().ListQueued(gomock.Any()).Return([]*jobstore.Job{job}, nil)
	store.EXPECT().Transition(gomock.Any(), "job-1", jobstore.StatusQueued, jobstore.StatusRunning, nil).Return(nil)
	envs.EXPECT().Acquire(gomock.Any(), "8.7.0").Return(readyEnv(), nil)
	eval.EXPECT().Evaluate(gomock.Any(), gomock.Any(), job).
		Return(nil, &runner.TimeoutError{Timeout: 2 * time.Minute, Excerpt: "still aspirating"})
	store.EXPECT().Transition(gomock.Any(), "job-1", jobstore.StatusRunning, jobstore.StatusFailed,
		failedWith{jobstore.CategoryTimeout}).Return(nil)

	p := New(store, envs, eval, 1, time.Second)
	summary, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{Claimed: 1, Failed: 1}, summary)
}

// One bad job must not keep a good one from completing in the same pass.
func TestRunOnceFaultIsolation(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := mocks.NewMockJobStore(ctrl)
	envs := mocks.NewMockEnvironments(ctrl)
	eval := mocks.NewMockEvaluator(ctrl)

	bad := queuedJob("job-bad")
	good := queuedJob("job-good")
	result := json.RawMessage(`{"ok": true}`)
	simulation := json.RawMessage(`{"status": "success"}`)

	store.EXPECT().ListQueued(gomock.Any()).Return([]*jobstore.Job{bad, good}, nil)
	store.EXPECT().Transition(gomock.Any(), "job-bad", jobstore.StatusQueued, jobstore.StatusRunning, nil).Return(nil)
	store.EXPECT().Transition(gomock.Any(), "job-good", jobstore.StatusQueued, jobstore.StatusRunning, nil).Return(nil)
	envs.EXPECT().Acquire(gomock.Any(), "8.7.0").Return(readyEnv(), nil).Times(2)
	eval.EXPECT().Evaluate(gomock.Any(), gomock.Any(), bad).
		Return(nil, &runner.OutputParseError{Reason: "no JSON object found in output", Excerpt: "garbage"})
	eval.EXPECT().Evaluate(gomock.Any(), gomock.Any(), good).Return(result, nil)
	eval.EXPECT().Simulate(gomock.Any(), gomock.Any(), good).Return(simulation, nil)
	store.EXPECT().Transition(gomock.Any(), "job-bad", jobstore.StatusRunning, jobstore.StatusFailed,
		failedWith{jobstore.CategoryOutputParse}).Return(nil)
	store.EXPECT().Transition(gomock.Any(), "job-good", jobstore.StatusRunning, jobstore.StatusCompleted,
		&jobstore.TransitionPayload{Result: result, Simulation: simulation}).Return(nil)

	p := New(store, envs, eval, 2, time.Second)
	summary, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{Claimed: 2, Completed: 1, Failed: 1}, summary)
}

// A clean shutdown must not record a terminal state for an in-flight job.
// The job stays running and the next startup recovery pass requeues it.
func TestRunOnceShutdownLeavesJobRunning(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := mocks.NewMockJobStore(ctrl)
	envs := mocks.NewMockEnvironments(ctrl)
	eval := mocks.NewMockEvaluator(ctrl)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	job := queuedJob("job-1")
	store.EXPECT().ListQueued(gomock.Any()).Return([]*jobstore.Job{job}, nil)
	store.EXPECT().Transition(gomock.Any(), "job-1", jobstore.StatusQueued, jobstore.StatusRunning, nil).Return(nil)
	envs.EXPECT().Acquire(gomock.Any(), "8.7.0").Return(readyEnv(), nil)
	eval.EXPECT().Evaluate(gomock.Any(), gomock.Any(), job).
		DoAndReturn(func(ctx context.Context, _ *envman.Env, _ *jobstore.Job) (json.RawMessage, error) {
			cancel()
			return nil, ctx.Err()
		})
	// No transition to failed (or completed) may happen; the strict mock
	// controller rejects any call not expected above.

	p := New(store, envs, eval, 1, time.Second)
	summary, err := p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{Claimed: 1}, summary)
}

// Cancellation during the simulation pass must also leave the job running,
// even though the analysis already succeeded.
func TestRunOnceShutdownDuringSimulation(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := mocks.NewMockJobStore(ctrl)
	envs := mocks.NewMockEnvironments(ctrl)
	eval := mocks.NewMockEvaluator(ctrl)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	job := queuedJob("job-1")
	result := json.RawMessage(`{"ok": true}`)
	store.EXPECT().ListQueued(gomock.Any()).Return([]*jobstore.Job{job}, nil)
	store.EXPECT().Transition(gomock.Any(), "job-1", jobstore.StatusQueued, jobstore.StatusRunning, nil).Return(nil)
	envs.EXPECT().Acquire(gomock.Any(), "8.7.0").Return(readyEnv(), nil)
	eval.EXPECT().Evaluate(gomock.Any(), gomock.Any(), job).Return(result, nil)
	eval.EXPECT().Simulate(gomock.Any(), gomock.Any(), job).
		DoAndReturn(func(ctx context.Context, _ *envman.Env, _ *jobstore.Job) (json.RawMessage, error) {
			cancel()
			return nil, ctx.Err()
		})

	p := New(store, envs, eval, 1, time.Second)
	summary, err := p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{Claimed: 1}, summary)
}

func TestRunOnceStoreErrorPropagates(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := mocks.NewMockJobStore(ctrl)
	envs := mocks.NewMockEnvironments(ctrl)
	eval := mocks.NewMockEvaluator(ctrl)

	job := queuedJob("job-1")
	result := json.RawMessage(`{"ok": true}`)
	store.EXPECT().ListQueued(gomock.Any()).Return([]*jobstore.Job{job}, nil)
	store.EXPECT().Transition(gomock.Any(), "job-1", jobstore.StatusQueued, jobstore.StatusRunning, nil).Return(nil)
	envs.EXPECT().Acquire(gomock.Any(), "8.7.0").Return(readyEnv(), nil)
	eval.EXPECT().Evaluate(gomock.Any(), gomock.Any(), job).Return(result, nil)
	eval.EXPECT().Simulate(gomock.Any(), gomock.Any(), job).Return(json.RawMessage(`{"status": "success"}`), nil)
	store.EXPECT().Transition(gomock.Any(), "job-1", jobstore.StatusRunning, jobstore.StatusCompleted,
		gomock.Any()).Return(fmt.Errorf("disk full"))

	p := New(store, envs, eval, 1, time.Second)
	_, err := p.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

func TestRecoverAbandoned(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := mocks.NewMockJobStore(ctrl)
	store.EXPECT().RequeueAbandoned(gomock.Any()).Return(3, nil)

	p := New(store, mocks.NewMockEnvironments(ctrl), mocks.NewMockEvaluator(ctrl), 1, time.Second)
	n, err := p.RecoverAbandoned(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestStartStopsOnContextCancel(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := mocks.NewMockJobStore(ctrl)
	store.EXPECT().ListQueued(gomock.Any()).Return(nil, nil).AnyTimes()

	p := New(store, mocks.NewMockEnvironments(ctrl), mocks.NewMockEvaluator(ctrl), 1, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("processor did not stop after cancel")
	}
}
