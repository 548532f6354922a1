package dagflow

import (
	"errors"

	"github.com/deepnoodle-ai/dagflow/retry"
)

// Outcome distinguishes how a job attempt ended.
type Outcome int

const (
	OutcomeSucceeded Outcome = iota
	OutcomeFailedRetryable
	OutcomeFailedTerminal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeFailedRetryable:
		return "failed_retryable"
	case OutcomeFailedTerminal:
		return "failed_terminal"
	default:
		return "unknown"
	}
}

// Result is what a Performer returns for one attempt.
type Result struct {
	Outcome Outcome
	Output  any
	Message string
}

// Succeeded returns a successful result carrying the job's output.
func Succeeded(output any) Result {
	return Result{Outcome: OutcomeSucceeded, Output: output}
}

// FailedRetryable returns a failure the dispatch backend may retry.
func FailedRetryable(message string) Result {
	return Result{Outcome: OutcomeFailedRetryable, Message: message}
}

// FailedTerminal returns a failure that must not be retried.
func FailedTerminal(message string) Result {
	return Result{Outcome: OutcomeFailedTerminal, Message: message}
}

// ResultFromError maps a conventional (output, error) pair onto a Result.
// Fatal and explicitly non-recoverable errors are terminal; every other error
// is left to the backend's retry policy.
func ResultFromError(output any, err error) Result {
	if err == nil {
		return Succeeded(output)
	}
	if IsFatal(err) {
		return FailedTerminal(err.Error())
	}
	var nonRecoverable *retry.NonRecoverableError
	if errors.As(err, &nonRecoverable) {
		return FailedTerminal(err.Error())
	}
	return FailedRetryable(err.Error())
}

func (r Result) Failed() bool {
	return r.Outcome != OutcomeSucceeded
}
