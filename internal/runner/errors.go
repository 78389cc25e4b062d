package runner

import (
	"fmt"
	"time"
)

// EvaluationError means the evaluation subprocess failed without producing a
// usable result. Excerpt holds the tail of its combined output.
type EvaluationError struct {
	ExitCode int
	Excerpt  string
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("evaluation exited with status %d", e.ExitCode)
}

// OutputParseError means the subprocess finished but its output contained no
// extractable JSON object.
type OutputParseError struct {
	Reason  string
	Excerpt string
}

func (e *OutputParseError) Error() string {
	return fmt.Sprintf("parse evaluation output: %s", e.Reason)
}

// TimeoutError means the subprocess was terminated after exceeding the
// evaluation timeout.
type TimeoutError struct {
	Timeout time.Duration
	Excerpt string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("evaluation exceeded %s", e.Timeout)
}

// EnvironmentFaultError means the environment itself is broken: the
// interpreter could not be started at all. The environment should be
// invalidated and rebuilt rather than blamed on the protocol.
type EnvironmentFaultError struct {
	Env string
	Err error
}

func (e *EnvironmentFaultError) Error() string {
	return fmt.Sprintf("environment %s fault: %v", e.Env, e.Err)
}

func (e *EnvironmentFaultError) Unwrap() error { return e.Err }
