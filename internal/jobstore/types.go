package jobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Status is a job's lifecycle state. Transitions only ever move forward:
// queued → running → completed|failed.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition is legal from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// legalTransition is the full transition table. Anything not listed is an
// internal consistency error and must be rejected without touching the record.
func legalTransition(from, to Status) bool {
	switch {
	case from == StatusQueued && to == StatusRunning:
		return true
	case from == StatusRunning && to == StatusCompleted:
		return true
	case from == StatusRunning && to == StatusFailed:
		return true
	}
	return false
}

// ErrorCategory classifies why a job failed.
type ErrorCategory string

const (
	CategoryEnvironmentUnavailable ErrorCategory = "environment_unavailable"
	CategoryEnvironmentFault       ErrorCategory = "environment_fault"
	CategoryEvaluation             ErrorCategory = "evaluation_error"
	CategoryOutputParse            ErrorCategory = "output_parse_error"
	CategoryTimeout                ErrorCategory = "timeout"
)

// JobError is the persisted failure record: a category plus a bounded,
// human-readable description.
type JobError struct {
	Category ErrorCategory `json:"category"`
	Message  string        `json:"message"`
}

// Job is the unit of work. Identity, inputs and version token are immutable
// after submission; only status, result, error and updated_at change.
type Job struct {
	ID           string
	VersionToken string

	ProtocolFile string
	LabwareFiles []string
	CSVFile      string
	Params       json.RawMessage

	Status    Status
	CreatedAt time.Time
	UpdatedAt time.Time

	// Result is populated only in the completed state.
	Result json.RawMessage
	// Simulation is the simulation outcome record, present only in the
	// completed state and only when the processor recorded one.
	Simulation json.RawMessage
	// Error is populated only in the failed state.
	Error *JobError

	// Fingerprints maps input file names to their BLAKE3 digests, recorded
	// at submission.
	Fingerprints map[string]string
}

// NamedFile is one uploaded input file.
type NamedFile struct {
	Name string
	Data []byte
}

// SubmitRequest carries everything needed to create a job in the queued state.
type SubmitRequest struct {
	VersionToken string
	Protocol     NamedFile
	Labware      []NamedFile
	CSV          *NamedFile
	Params       json.RawMessage
}

// TransitionPayload is persisted alongside a successful transition: the result
// (plus the optional simulation outcome) for running→completed, the error for
// running→failed.
type TransitionPayload struct {
	Result     json.RawMessage
	Simulation json.RawMessage
	Error      *JobError
}

// Store is the durable job queue. The on-disk (or in-database) record is the
// single source of truth; all mutation goes through Transition's compare-and-set.
type Store interface {
	// Submit creates a job with its inputs and metadata, then marks it queued.
	Submit(ctx context.Context, req SubmitRequest) (string, error)
	// ListQueued returns jobs currently in the queued state. Order is
	// best-effort enumeration order, not FIFO.
	ListQueued(ctx context.Context) ([]*Job, error)
	// Load returns the job or a NotFoundError.
	Load(ctx context.Context, jobID string) (*Job, error)
	// Transition atomically moves jobID from→to, persisting payload. Returns
	// a ConflictError when the current status does not match from.
	Transition(ctx context.Context, jobID string, from, to Status, payload *TransitionPayload) error
	// RequeueAbandoned moves running jobs back to queued. Callers must
	// guarantee no live owner exists (single-instance startup only).
	RequeueAbandoned(ctx context.Context) (int, error)
	// Depth returns the number of queued jobs.
	Depth(ctx context.Context) (int, error)
}

// ConflictError means a compare-and-set transition lost: the persisted status
// did not match the expected prior status.
type ConflictError struct {
	JobID    string
	Expected Status
	Actual   Status
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("job %s: status is %q, expected %q", e.JobID, e.Actual, e.Expected)
}

// NotFoundError means no job exists under the given id.
type NotFoundError struct {
	JobID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("job %s not found", e.JobID)
}

// IllegalTransitionError means the requested from→to pair is not in the state
// machine. The persisted record is left untouched.
type IllegalTransitionError struct {
	JobID string
	From  Status
	To    Status
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("job %s: illegal transition %q → %q", e.JobID, e.From, e.To)
}

func validatePayload(to Status, payload *TransitionPayload) error {
	switch to {
	case StatusCompleted:
		if payload == nil || len(payload.Result) == 0 {
			return fmt.Errorf("completed transition requires a result payload")
		}
		if payload.Error != nil {
			return fmt.Errorf("completed transition must not carry an error")
		}
	case StatusFailed:
		if payload == nil || payload.Error == nil {
			return fmt.Errorf("failed transition requires an error payload")
		}
		if len(payload.Simulation) > 0 {
			return fmt.Errorf("failed transition must not carry a simulation record")
		}
	default:
		if payload != nil {
			return fmt.Errorf("transition to %q carries no payload", to)
		}
	}
	return nil
}
