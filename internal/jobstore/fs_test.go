package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFS(t *testing.T) *FSStore {
	t.Helper()
	s, err := NewFS(t.TempDir())
	require.NoError(t, err)
	return s
}

func submitTestJob(t *testing.T, s Store) string {
	t.Helper()
	id, err := s.Submit(context.Background(), SubmitRequest{
		VersionToken: "8.7.0",
		Protocol:     NamedFile{Name: "protocol.py", Data: []byte("metadata = {}\n")},
		Labware: []NamedFile{
			{Name: "custom_plate.json", Data: []byte(`{"wells": 96}`)},
		},
		Params: json.RawMessage(`{"sample_count": 8}`),
	})
	require.NoError(t, err)
	return id
}

func TestFSSubmitAndLoad(t *testing.T) {
	s := newTestFS(t)
	ctx := context.Background()

	id := submitTestJob(t, s)

	job, err := s.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, job.Status)
	assert.Equal(t, "8.7.0", job.VersionToken)
	assert.JSONEq(t, `{"sample_count": 8}`, string(job.Params))

	// Input files land on disk and are fingerprinted.
	data, err := os.ReadFile(job.ProtocolFile)
	require.NoError(t, err)
	assert.Equal(t, "metadata = {}\n", string(data))
	require.Len(t, job.LabwareFiles, 1)
	assert.Contains(t, job.Fingerprints, "protocol.py")
	assert.Contains(t, job.Fingerprints, filepath.Join("labware", "custom_plate.json"))
}

func TestFSSubmitRejectsBadInputs(t *testing.T) {
	s := newTestFS(t)
	ctx := context.Background()

	_, err := s.Submit(ctx, SubmitRequest{
		Protocol: NamedFile{Name: "p.py", Data: []byte("x")},
	})
	assert.Error(t, err, "missing version token")

	_, err = s.Submit(ctx, SubmitRequest{
		VersionToken: "8.7.0",
		Protocol:     NamedFile{Name: "../escape.py", Data: []byte("x")},
	})
	assert.Error(t, err, "path traversal in file name")

	_, err = s.Submit(ctx, SubmitRequest{
		VersionToken: "8.7.0",
		Protocol:     NamedFile{Name: "p.py"},
	})
	assert.Error(t, err, "empty protocol body")
}

func TestFSLoadUnknownJob(t *testing.T) {
	s := newTestFS(t)

	_, err := s.Load(context.Background(), "no-such-job")
	var nf *NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "no-such-job", nf.JobID)
}

func TestFSTransitionLifecycle(t *testing.T) {
	s := newTestFS(t)
	ctx := context.Background()
	id := submitTestJob(t, s)

	require.NoError(t, s.Transition(ctx, id, StatusQueued, StatusRunning, nil))

	result := json.RawMessage(`{"commands": [], "errors": []}`)
	require.NoError(t, s.Transition(ctx, id, StatusRunning, StatusCompleted,
		&TransitionPayload{Result: result}))

	job, err := s.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, job.Status)
	assert.JSONEq(t, string(result), string(job.Result))
	assert.Nil(t, job.Error)
}

func TestFSSimulationRecordRoundTrip(t *testing.T) {
	s := newTestFS(t)
	ctx := context.Background()
	id := submitTestJob(t, s)

	result := json.RawMessage(`{"commands": []}`)
	simulation := json.RawMessage(`{"status": "success", "simulation": {"command_count": 4}}`)
	require.NoError(t, s.Transition(ctx, id, StatusQueued, StatusRunning, nil))
	require.NoError(t, s.Transition(ctx, id, StatusRunning, StatusCompleted,
		&TransitionPayload{Result: result, Simulation: simulation}))

	job, err := s.Load(ctx, id)
	require.NoError(t, err)
	assert.JSONEq(t, string(simulation), string(job.Simulation))

	// A failed transition must not carry a simulation record.
	id2 := submitTestJob(t, s)
	require.NoError(t, s.Transition(ctx, id2, StatusQueued, StatusRunning, nil))
	err = s.Transition(ctx, id2, StatusRunning, StatusFailed, &TransitionPayload{
		Error:      &JobError{Category: CategoryEvaluation, Message: "boom"},
		Simulation: simulation,
	})
	assert.Error(t, err)
}

func TestFSTransitionFailure(t *testing.T) {
	s := newTestFS(t)
	ctx := context.Background()
	id := submitTestJob(t, s)

	require.NoError(t, s.Transition(ctx, id, StatusQueued, StatusRunning, nil))
	require.NoError(t, s.Transition(ctx, id, StatusRunning, StatusFailed,
		&TransitionPayload{Error: &JobError{
			Category: CategoryEvaluation,
			Message:  "exit status 1: Traceback (most recent call last)",
		}}))

	job, err := s.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Equal(t, CategoryEvaluation, job.Error.Category)
	assert.Nil(t, job.Result)
}

func TestFSTransitionConflict(t *testing.T) {
	s := newTestFS(t)
	ctx := context.Background()
	id := submitTestJob(t, s)

	require.NoError(t, s.Transition(ctx, id, StatusQueued, StatusRunning, nil))

	err := s.Transition(ctx, id, StatusQueued, StatusRunning, nil)
	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, StatusRunning, conflict.Actual)
}

func TestFSTransitionIllegal(t *testing.T) {
	s := newTestFS(t)
	ctx := context.Background()
	id := submitTestJob(t, s)

	err := s.Transition(ctx, id, StatusQueued, StatusCompleted,
		&TransitionPayload{Result: json.RawMessage(`{}`)})
	var illegal *IllegalTransitionError
	require.True(t, errors.As(err, &illegal))

	// The record is untouched.
	job, lerr := s.Load(ctx, id)
	require.NoError(t, lerr)
	assert.Equal(t, StatusQueued, job.Status)
}

func TestFSTransitionRequiresPayload(t *testing.T) {
	s := newTestFS(t)
	ctx := context.Background()
	id := submitTestJob(t, s)

	require.NoError(t, s.Transition(ctx, id, StatusQueued, StatusRunning, nil))

	assert.Error(t, s.Transition(ctx, id, StatusRunning, StatusCompleted, nil))
	assert.Error(t, s.Transition(ctx, id, StatusRunning, StatusFailed, &TransitionPayload{}))

	// Failed validation does not consume the running state.
	require.NoError(t, s.Transition(ctx, id, StatusRunning, StatusCompleted,
		&TransitionPayload{Result: json.RawMessage(`{"ok": true}`)}))
}

// Two claimants race for the same queued job: exactly one wins, the loser
// sees a conflict, and the job runs once.
func TestFSConcurrentClaim(t *testing.T) {
	s := newTestFS(t)
	ctx := context.Background()
	id := submitTestJob(t, s)

	const claimants = 8
	var wg sync.WaitGroup
	errs := make([]error, claimants)
	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.Transition(ctx, id, StatusQueued, StatusRunning, nil)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		var conflict *ConflictError
		require.True(t, errors.As(err, &conflict), "unexpected error: %v", err)
	}
	assert.Equal(t, 1, wins)

	job, err := s.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, job.Status)
}

func TestFSListQueuedAndDepth(t *testing.T) {
	s := newTestFS(t)
	ctx := context.Background()

	a := submitTestJob(t, s)
	b := submitTestJob(t, s)
	require.NoError(t, s.Transition(ctx, a, StatusQueued, StatusRunning, nil))

	queued, err := s.ListQueued(ctx)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, b, queued[0].ID)

	depth, err := s.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestFSListQueuedSkipsForeignDirectories(t *testing.T) {
	s := newTestFS(t)
	ctx := context.Background()
	id := submitTestJob(t, s)

	// A directory without a status record is mid-submission or junk.
	require.NoError(t, os.MkdirAll(filepath.Join(s.root, "not-a-job"), 0o755))

	queued, err := s.ListQueued(ctx)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, id, queued[0].ID)
}

func TestFSRequeueAbandoned(t *testing.T) {
	s := newTestFS(t)
	ctx := context.Background()

	a := submitTestJob(t, s)
	b := submitTestJob(t, s)
	require.NoError(t, s.Transition(ctx, a, StatusQueued, StatusRunning, nil))

	// Simulate a crash mid-transition: a stale lock is left behind.
	stale := filepath.Join(s.root, b, transitionLock)
	require.NoError(t, os.WriteFile(stale, nil, 0o644))

	n, err := s.RequeueAbandoned(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, err := s.Load(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, job.Status)

	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err), "stale transition lock should be cleared")
}

func TestFSLoadDetectsCorruptedResult(t *testing.T) {
	s := newTestFS(t)
	ctx := context.Background()
	id := submitTestJob(t, s)

	require.NoError(t, s.Transition(ctx, id, StatusQueued, StatusRunning, nil))
	require.NoError(t, s.Transition(ctx, id, StatusRunning, StatusCompleted,
		&TransitionPayload{Result: json.RawMessage(`{"commands": []}`)}))

	require.NoError(t, os.WriteFile(filepath.Join(s.root, id, resultFile),
		[]byte(`{"tampered": true}`), 0o644))

	_, err := s.Load(ctx, id)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "digest mismatch")
}
