package processor

import (
	"context"
	"encoding/json"

	"protoeval/internal/envman"
	"protoeval/internal/jobstore"
)

//go:generate mockgen -source=interface.go -destination=mocks/mock_deps.go -package=mocks

// JobStore is the slice of the store the processor drives.
type JobStore interface {
	ListQueued(ctx context.Context) ([]*jobstore.Job, error)
	Transition(ctx context.Context, jobID string, from, to jobstore.Status, payload *jobstore.TransitionPayload) error
	RequeueAbandoned(ctx context.Context) (int, error)
}

// Environments hands out provisioned environments by version token.
type Environments interface {
	Acquire(ctx context.Context, token string) (*envman.Env, error)
	Invalidate(name string)
}

// Evaluator runs one job inside an environment. Simulate is the best-effort
// second pass after a successful analysis; it reports problems inside its
// outcome document instead of failing the job.
type Evaluator interface {
	Evaluate(ctx context.Context, env *envman.Env, job *jobstore.Job) (json.RawMessage, error)
	Simulate(ctx context.Context, env *envman.Env, job *jobstore.Job) (json.RawMessage, error)
}
