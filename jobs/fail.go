package jobs

import (
	"context"
	"fmt"

	"github.com/deepnoodle-ai/dagflow"
)

// FailJob always fails. It is meant for testing retry and failure handling.
type FailJob struct {
	Message  string
	Terminal bool
}

func newFailJob(params map[string]any) (dagflow.Performer, error) {
	message, _, err := stringParam(params, "message")
	if err != nil {
		return nil, err
	}
	if message == "" {
		message = "intentional failure for testing"
	}
	terminal, err := boolParam(params, "terminal")
	if err != nil {
		return nil, err
	}
	return &FailJob{Message: message, Terminal: terminal}, nil
}

func (f *FailJob) Perform(ctx context.Context, job *dagflow.Job) dagflow.Result {
	message := fmt.Sprintf("fail job: %s", f.Message)
	if f.Terminal {
		return dagflow.FailedTerminal(message)
	}
	return dagflow.FailedRetryable(message)
}
