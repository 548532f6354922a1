package dagflow

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/deepnoodle-ai/dagflow/retry"
	"github.com/stretchr/testify/require"
)

func TestJobErrorWrapping(t *testing.T) {
	// Test basic error creation
	err := NewJobError(ErrorTypeTimeout, "operation timed out")
	require.Equal(t, "timeout: operation timed out", err.Error())
	require.Nil(t, err.Unwrap())

	// Test error wrapping
	originalErr := errors.New("network connection failed")
	wrappedErr := &JobError{
		Type:    ErrorTypeTimeout,
		Cause:   originalErr.Error(),
		Wrapped: originalErr,
	}

	require.Equal(t, "timeout: network connection failed", wrappedErr.Error())
	require.Equal(t, originalErr, wrappedErr.Unwrap())
	require.True(t, errors.Is(wrappedErr, originalErr))

	var jErr *JobError
	require.True(t, errors.As(fmt.Errorf("outer: %w", wrappedErr), &jErr))
	require.Equal(t, ErrorTypeTimeout, jErr.Type)
}

func TestErrorClassification(t *testing.T) {
	classified := ClassifyError(context.DeadlineExceeded)
	require.Equal(t, ErrorTypeTimeout, classified.Type)
	require.True(t, errors.Is(classified, context.DeadlineExceeded))

	genericErr := errors.New("something went wrong")
	classified = ClassifyError(genericErr)
	require.Equal(t, ErrorTypeJobFailed, classified.Type)
	require.True(t, errors.Is(classified, genericErr))

	// JobErrors pass through, even when wrapped
	original := NewJobError(ErrorTypeFatal, "runtime error")
	require.Equal(t, original, ClassifyError(original))
	require.Equal(t, original, ClassifyError(fmt.Errorf("context: %w", original)))
}

func TestErrorMatching(t *testing.T) {
	timeoutErr := NewJobError(ErrorTypeTimeout, "timeout")
	jobErr := NewJobError(ErrorTypeJobFailed, "job failed")
	fatalErr := NewJobError(ErrorTypeFatal, "fatal error")
	coordErr := NewJobError(ErrorTypeCoordination, "lock")

	require.True(t, MatchesErrorType(timeoutErr, ErrorTypeTimeout))
	require.False(t, MatchesErrorType(timeoutErr, ErrorTypeJobFailed))

	require.True(t, MatchesErrorType(timeoutErr, ErrorTypeAll))
	require.True(t, MatchesErrorType(jobErr, ErrorTypeAll))
	require.True(t, MatchesErrorType(coordErr, ErrorTypeAll))
	require.False(t, MatchesErrorType(fatalErr, ErrorTypeAll), "fatal errors should not match ErrorTypeAll")
	require.True(t, MatchesErrorType(fatalErr, ErrorTypeFatal))

	require.True(t, MatchesErrorType(jobErr, ErrorTypeJobFailed))
	require.True(t, MatchesErrorType(errors.New("plain"), ErrorTypeJobFailed))
	require.False(t, MatchesErrorType(coordErr, ErrorTypeJobFailed))
	require.True(t, MatchesErrorType(coordErr, ErrorTypeCoordination))
}

func TestIsFatal(t *testing.T) {
	err := fatalError(ErrJobNotFound, "job %s not found", "a-1")
	require.True(t, IsFatal(err))
	require.True(t, IsFatal(fmt.Errorf("wrapped: %w", err)))
	require.ErrorIs(t, err, ErrJobNotFound)
	require.Equal(t, "fatal_error: job a-1 not found", err.Error())
	require.False(t, IsFatal(errors.New("boom")))
	require.False(t, IsFatal(nil))
}

func TestResultFromError(t *testing.T) {
	require.Equal(t, Succeeded(42), ResultFromError(42, nil))

	result := ResultFromError(nil, errors.New("flaky"))
	require.Equal(t, OutcomeFailedRetryable, result.Outcome)
	require.Equal(t, "flaky", result.Message)

	result = ResultFromError(nil, retry.NewNonRecoverableError(errors.New("bad input")))
	require.Equal(t, OutcomeFailedTerminal, result.Outcome)

	result = ResultFromError(nil, NewJobError(ErrorTypeFatal, "misconfigured"))
	require.Equal(t, OutcomeFailedTerminal, result.Outcome)
	require.True(t, result.Failed())
	require.False(t, Succeeded(nil).Failed())
}

func TestFailureError(t *testing.T) {
	err := &FailureError{WorkflowID: "wf_1", JobName: "a-1", Message: "boom", Retryable: true}
	require.Equal(t, "job a-1 in workflow wf_1 failed: boom", err.Error())
}
