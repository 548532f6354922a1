package dagflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrWorkflowNotFound = errors.New("dagflow: workflow not found")
	ErrJobNotFound      = errors.New("dagflow: job not found")
	ErrPayloadNotFound  = errors.New("dagflow: payload not found")
	ErrUnknownJobType   = errors.New("dagflow: unknown job type")
	ErrLockTimeout      = errors.New("dagflow: lock not acquired")
	ErrJobRunning       = errors.New("dagflow: job is running")
	ErrWorkflowStopped  = errors.New("dagflow: workflow is stopped")
	ErrCycle            = errors.New("dagflow: dependency cycle")
)

// Error type constants for classification and matching
const (
	// ErrorTypeAll acts as a wildcard that matches any error except fatal errors
	ErrorTypeAll = "all"

	// ErrorTypeJobFailed is the default classification: the job's business
	// logic failed and the dispatch backend may retry it.
	ErrorTypeJobFailed = "job_failed"

	// ErrorTypeTimeout matches a timeout context canceled error
	ErrorTypeTimeout = "timeout"

	// ErrorTypeFatal marks configuration and programming errors, such as a
	// missing job record or an undeclared predecessor payload. These are
	// never retried.
	ErrorTypeFatal = "fatal_error"

	// ErrorTypeCoordination marks failures of the fan-out protocol itself,
	// e.g. a successor lock that could not be acquired. The job that was
	// executing has already succeeded when this is returned.
	ErrorTypeCoordination = "coordination_error"
)

// JobError represents a structured error with classification. It supports
// Go's error wrapping patterns with Unwrap().
type JobError struct {
	Type    string `json:"type"`
	Cause   string `json:"cause"`
	Details any    `json:"details,omitempty"`
	Wrapped error  `json:"-"`
}

// Error implements the error interface
func (e *JobError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Cause)
}

// Unwrap implements the error unwrapping interface for Go's errors.Is and errors.As
func (e *JobError) Unwrap() error {
	return e.Wrapped
}

// NewJobError creates a new JobError with the specified type and cause.
func NewJobError(errorType, cause string) *JobError {
	return &JobError{Type: errorType, Cause: cause}
}

func fatalError(err error, format string, args ...any) *JobError {
	return &JobError{
		Type:    ErrorTypeFatal,
		Cause:   fmt.Sprintf(format, args...),
		Wrapped: err,
	}
}

// ClassifyError attempts to classify a regular error into a JobError
func ClassifyError(err error) *JobError {
	var jobError *JobError
	if errors.As(err, &jobError) {
		return jobError
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		strings.Contains(strings.ToLower(err.Error()), "timeout") {
		return &JobError{
			Type:    ErrorTypeTimeout,
			Cause:   err.Error(),
			Wrapped: err,
		}
	}
	return &JobError{
		Type:    ErrorTypeJobFailed,
		Cause:   err.Error(),
		Wrapped: err,
	}
}

// MatchesErrorType checks if an error matches a specified error type pattern
func MatchesErrorType(err error, errorType string) bool {
	jErr := ClassifyError(err)
	// Fatal errors are only matched by the ErrorTypeFatal pattern
	if jErr.Type == ErrorTypeFatal {
		return errorType == ErrorTypeFatal
	}
	switch errorType {
	case ErrorTypeAll:
		return true
	case ErrorTypeJobFailed:
		return jErr.Type != ErrorTypeTimeout && jErr.Type != ErrorTypeCoordination
	default:
		return jErr.Type == errorType
	}
}

// IsFatal reports whether err is a configuration or programming error.
func IsFatal(err error) bool {
	var jobError *JobError
	return errors.As(err, &jobError) && jobError.Type == ErrorTypeFatal
}

// FailureError is returned by the coordinator when a job's business logic
// failed. The failure has already been recorded on the job. RetryScheduled is
// set when the RetryDecider in the context accepted the retry; the job was
// then saved as retrying and the caller must redeliver it after RetryDelay.
type FailureError struct {
	WorkflowID     string
	JobName        string
	Message        string
	Retryable      bool
	RetryScheduled bool
	RetryDelay     time.Duration
}

func (e *FailureError) Error() string {
	return fmt.Sprintf("job %s in workflow %s failed: %s", e.JobName, e.WorkflowID, e.Message)
}
