package runner

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeSimOutcome(t *testing.T, doc json.RawMessage) simOutcome {
	t.Helper()
	var o simOutcome
	require.NoError(t, json.Unmarshal(doc, &o))
	return o
}

func TestSimulateSuccess(t *testing.T) {
	env := fakeEnv(t, `echo '{"formatted_runlog": "Aspirating 50 uL", "command_count": 3}'
`)
	r := New(5*time.Second, 0)

	doc, err := r.Simulate(context.Background(), env, testJob(t))
	require.NoError(t, err)

	o := decodeSimOutcome(t, doc)
	assert.Equal(t, "success", o.Status)
	assert.Contains(t, string(o.Simulation), "Aspirating 50 uL")
}

func TestSimulateSkippedForRuntimeParams(t *testing.T) {
	r := New(5*time.Second, 0)

	job := testJob(t)
	job.Params = []byte(`{"sample_count": 8}`)

	doc, err := r.Simulate(context.Background(), fakeEnv(t, "exit 7\n"), job)
	require.NoError(t, err)

	o := decodeSimOutcome(t, doc)
	assert.Equal(t, "skipped", o.Status)
	assert.Contains(t, o.Reason, "runtime parameter overrides")
}

func TestSimulateSkippedForCSVInput(t *testing.T) {
	r := New(5*time.Second, 0)

	job := testJob(t)
	job.CSVFile = filepath.Join(filepath.Dir(job.ProtocolFile), "data.csv")
	require.NoError(t, os.WriteFile(job.CSVFile, []byte("a,b\n"), 0o644))

	doc, err := r.Simulate(context.Background(), fakeEnv(t, "exit 7\n"), job)
	require.NoError(t, err)

	o := decodeSimOutcome(t, doc)
	assert.Equal(t, "skipped", o.Status)
	assert.Contains(t, o.Reason, "CSV input")
}

func TestSimulateFailureIsReportedInOutcome(t *testing.T) {
	env := fakeEnv(t, `echo "Traceback (most recent call last):" >&2
exit 1
`)
	r := New(5*time.Second, 0)

	doc, err := r.Simulate(context.Background(), env, testJob(t))
	require.NoError(t, err)

	o := decodeSimOutcome(t, doc)
	assert.Equal(t, "error", o.Status)
	assert.Contains(t, o.Output, "Traceback")
}

func TestSimulateTimeoutIsReportedInOutcome(t *testing.T) {
	env := fakeEnv(t, `sleep 30
`)
	r := New(200*time.Millisecond, 0)

	start := time.Now()
	doc, err := r.Simulate(context.Background(), env, testJob(t))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 10*time.Second)

	o := decodeSimOutcome(t, doc)
	assert.Equal(t, "error", o.Status)
	assert.Contains(t, o.Error, "timed out")
}

func TestSimulateCancelledContextReturnsNoOutcome(t *testing.T) {
	env := fakeEnv(t, `sleep 30
`)
	r := New(time.Minute, 0)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	_, err := r.Simulate(ctx, env, testJob(t))
	assert.ErrorIs(t, err, context.Canceled)
}
