package jobs

import (
	"context"
	"errors"
	"log/slog"

	"github.com/deepnoodle-ai/dagflow"
)

// PrintJob logs its message through the logger carried by the context.
type PrintJob struct {
	Message any
}

func newPrintJob(params map[string]any) (dagflow.Performer, error) {
	message, ok := params["message"]
	if !ok || message == nil {
		return nil, errors.New("print job requires 'message' parameter")
	}
	return &PrintJob{Message: message}, nil
}

func (p *PrintJob) Perform(ctx context.Context, job *dagflow.Job) dagflow.Result {
	dagflow.LoggerFromContext(ctx).Info("print", slog.Any("message", p.Message))
	return dagflow.Succeeded(p.Message)
}
